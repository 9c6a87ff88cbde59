// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/cbcalves/crudQtTest/pkg/handler"
	"github.com/cbcalves/crudQtTest/pkg/request"
	"github.com/cbcalves/crudQtTest/pkg/response"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("cannot allocate port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// startServer runs a server with the given config and handler and returns
// its address. The server is shut down with the test.
func startServer(t *testing.T, cfg Config, h handler.Handler) string {
	t.Helper()
	port := freePort(t)
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	cfg.ShutdownTimeout = 2 * time.Second
	srv := New(cfg, h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Listen(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return fmt.Sprintf("127.0.0.1:%d", port)
}

// dial connects to the server, retrying while it is still binding.
func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			t.Cleanup(func() { conn.Close() })
			return conn
		}
		if time.Now().After(deadline) {
			t.Fatalf("cannot connect to %s: %v", addr, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// readExactly reads len(want) bytes and compares them.
func readExactly(t *testing.T, conn net.Conn, want string) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, len(want))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("short read (%v), got %q, want %q", err, got, want)
	}
	if string(got) != want {
		t.Fatalf("wire = %q, want %q", got, want)
	}
}

// readToEOF drains the connection.
func readToEOF(t *testing.T, conn net.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return string(data)
}

// pathHandler answers each request with the upper-cased path, without its
// leading slash.
func pathHandler() handler.Handler {
	return handler.HandlerFunc(func(ctx context.Context, req *request.Request, res *response.Response) error {
		body := strings.ToUpper(strings.TrimPrefix(req.Path(), "/"))
		return res.Write([]byte(body), true)
	})
}

func TestKeepAlivePipelining(t *testing.T) {
	addr := startServer(t, Config{}, pathHandler())
	conn := dial(t, addr)

	// both requests go out before the first response is read
	if _, err := conn.Write([]byte("GET /a HTTP/1.1\r\nHost: x\r\n\r\nGET /b HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	readExactly(t, conn,
		"HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nA"+
			"HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nB")

	// the connection stays open for further requests
	if _, err := conn.Write([]byte("GET /c HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("keep-alive write failed: %v", err)
	}
	readExactly(t, conn, "HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nC")
}

func TestHTTP10ForcesClose(t *testing.T) {
	h := handler.HandlerFunc(func(ctx context.Context, req *request.Request, res *response.Response) error {
		return res.Write([]byte("Hello"), true)
	})
	addr := startServer(t, Config{}, h)
	conn := dial(t, addr)

	conn.Write([]byte("GET / HTTP/1.0\r\n\r\n"))
	wire := readToEOF(t, conn)

	if !strings.Contains(wire, "Connection: close\r\n") {
		t.Errorf("missing Connection: close in %q", wire)
	}
	if strings.Contains(wire, "Transfer-Encoding") {
		t.Errorf("chunked framing on HTTP/1.0 in %q", wire)
	}
	if !strings.HasSuffix(wire, "Hello") {
		t.Errorf("body missing in %q", wire)
	}
}

func TestChunkedStreaming(t *testing.T) {
	h := handler.HandlerFunc(func(ctx context.Context, req *request.Request, res *response.Response) error {
		if err := res.Write([]byte("Hel"), false); err != nil {
			return err
		}
		return res.Write([]byte("lo"), true)
	})
	addr := startServer(t, Config{}, h)
	conn := dial(t, addr)

	conn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	readExactly(t, conn,
		"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nHel\r\n2\r\nlo\r\n0\r\n\r\n")
}

func TestOversizeBodyAnswers413(t *testing.T) {
	addr := startServer(t, Config{MaxRequestSize: 100}, &handler.NoopHandler{})
	conn := dial(t, addr)

	conn.Write([]byte("POST /p HTTP/1.1\r\nContent-Length: 10000\r\n\r\n"))
	wire := readToEOF(t, conn)

	want := "HTTP/1.1 413 entity too large\r\nConnection: close\r\n\r\n413 Entity too large\r\n"
	if wire != want {
		t.Errorf("wire = %q, want %q", wire, want)
	}
}

func TestPoolSaturationAnswers503(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	h := handler.HandlerFunc(func(ctx context.Context, req *request.Request, res *response.Response) error {
		close(started)
		<-block
		return res.Write([]byte("late"), true)
	})
	defer close(block)

	addr := startServer(t, Config{MaxThreads: 1, ReadTimeout: 5 * time.Second}, h)

	first := dial(t, addr)
	first.Write([]byte("GET /slow HTTP/1.1\r\n\r\n"))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first request never reached the handler")
	}

	second := dial(t, addr)
	wire := readToEOF(t, second)
	want := "HTTP/1.1 503 too many connections\r\nConnection: close\r\n\r\nToo many connections\r\n"
	if wire != want {
		t.Errorf("wire = %q, want %q", wire, want)
	}
}

func TestReadTimeoutClosesSilently(t *testing.T) {
	addr := startServer(t, Config{ReadTimeout: 200 * time.Millisecond}, &handler.NoopHandler{})
	conn := dial(t, addr)

	// no bytes are sent; after the timeout the server closes without a
	// status line
	wire := readToEOF(t, conn)
	if wire != "" {
		t.Errorf("expected silent close, got %q", wire)
	}
}

func TestHandlerPanicFinalizesResponse(t *testing.T) {
	h := handler.HandlerFunc(func(ctx context.Context, req *request.Request, res *response.Response) error {
		panic("boom")
	})
	addr := startServer(t, Config{}, h)
	conn := dial(t, addr)

	conn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	readExactly(t, conn, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")

	// the connection survives the panic
	conn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	readExactly(t, conn, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
}

func TestHandlerConnectionCloseHonored(t *testing.T) {
	h := handler.HandlerFunc(func(ctx context.Context, req *request.Request, res *response.Response) error {
		res.SetHeader("Connection", "close")
		return res.Write([]byte("bye"), true)
	})
	addr := startServer(t, Config{}, h)
	conn := dial(t, addr)

	conn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	wire := readToEOF(t, conn)
	if !strings.HasSuffix(wire, "bye") {
		t.Errorf("wire = %q", wire)
	}
}

func TestRequestConnectionCloseHonored(t *testing.T) {
	addr := startServer(t, Config{}, pathHandler())
	conn := dial(t, addr)

	conn.Write([]byte("GET /x HTTP/1.1\r\nConnection: close\r\n\r\n"))
	wire := readToEOF(t, conn)
	if !strings.Contains(wire, "Connection: close\r\n") {
		t.Errorf("missing Connection: close in %q", wire)
	}
	if !strings.HasSuffix(wire, "X") {
		t.Errorf("wire = %q", wire)
	}
}

func TestPoolStatsBeforeListen(t *testing.T) {
	srv := New(Config{}, &handler.NoopHandler{})
	if size, busy := srv.PoolStats(); size != 0 || busy != 0 {
		t.Errorf("stats before Listen = %d/%d", size, busy)
	}
}
