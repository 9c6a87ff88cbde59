// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	liberrors "github.com/cbcalves/crudQtTest/pkg/errors"
	"github.com/cbcalves/crudQtTest/pkg/handler"
	"github.com/cbcalves/crudQtTest/pkg/request"
	"github.com/cbcalves/crudQtTest/pkg/response"
)

const (
	entityTooLargeResponse = "HTTP/1.1 413 entity too large\r\nConnection: close\r\n\r\n413 Entity too large\r\n"
	tooManyConnsResponse   = "HTTP/1.1 503 too many connections\r\nConnection: close\r\n\r\nToo many connections\r\n"
)

// connHandler owns one socket at a time and drives it through repeated
// parse, dispatch and respond cycles on its own goroutine. Connections are
// handed over through a channel of capacity one; the busy flag is guarded
// by the pool mutex.
type connHandler struct {
	cfg            *Config
	requestHandler handler.Handler
	tlsConfig      *tls.Config
	logger         *slog.Logger
	pool           *pool

	// busy is owned by the pool; true while a connection is assigned.
	busy bool

	connCh chan net.Conn
	quit   chan struct{}
	done   chan struct{}
}

func newConnHandler(p *pool) *connHandler {
	h := &connHandler{
		cfg:            p.cfg,
		requestHandler: p.requestHandler,
		tlsConfig:      p.tlsConfig,
		logger:         p.logger,
		pool:           p,
		connCh:         make(chan net.Conn, 1),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	go h.run()
	return h
}

// handleConnection posts an accepted connection to the handler's
// goroutine. The post fails with ErrHandlerBusy while an earlier
// connection is still waiting in the handoff channel. A connection posted
// while the handler is serving another one is not rejected; it waits in
// the channel until the current connection is closed.
func (h *connHandler) handleConnection(conn net.Conn) error {
	select {
	case h.connCh <- conn:
		return nil
	default:
		return liberrors.ErrHandlerBusy
	}
}

func (h *connHandler) run() {
	defer close(h.done)
	for {
		select {
		case conn := <-h.connCh:
			h.serve(conn)
		case <-h.quit:
			return
		}
	}
}

// serve drives one connection until it is closed. The loop supports HTTP
// pipelining: after a completed non-closing response it continues with the
// next request on the same socket.
func (h *connHandler) serve(conn net.Conn) {
	peer := conn.RemoteAddr().String()
	if h.tlsConfig != nil {
		conn = tls.Server(conn, h.tlsConfig)
	}

	var req *request.Request
	defer func() {
		conn.Close()
		if req != nil {
			req.Close()
		}
		h.pool.release(h)
	}()

	h.logger.Debug("server: handle new connection", slog.String("peer", peer))
	br := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))

	for {
		if req == nil {
			req = request.New(request.Config{
				MaxRequestSize:   h.cfg.MaxRequestSize,
				MaxMultiPartSize: h.cfg.MaxMultiPartSize,
				PeerAddress:      peer,
				Logger:           h.logger,
			})
		}

		if err := req.ReadFromSocket(br); err != nil {
			// A fired read timeout closes silently, without a status
			// line; some legacy clients mishandle a 408 here.
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				h.logger.Debug("server: read timeout", slog.String("peer", peer))
			case errors.Is(err, io.EOF):
				h.logger.Debug("server: peer disconnected", slog.String("peer", peer))
			default:
				h.logger.Debug("server: transport error",
					slog.String("peer", peer),
					slog.String("error", err.Error()))
			}
			return
		}

		if req.Status() == request.StatusWaitForBody {
			// Restart the read timeout, otherwise it would expire
			// during large uploads.
			conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		}

		if req.Status() == request.StatusAbort {
			conn.Write([]byte(entityTooLargeResponse))
			return
		}

		if req.Status() != request.StatusComplete {
			continue
		}

		// Stop the read timeout while the request handler runs.
		conn.SetReadDeadline(time.Time{})
		h.logger.Debug("server: received request",
			slog.String("peer", peer),
			slog.String("method", req.Method()),
			slog.String("path", req.RawPath()))

		res := response.New(conn, h.logger)

		// Copy the Connection:close header to the response. HTTP/1.0
		// implies close because chunked mode is unavailable there.
		closeConnection := strings.EqualFold(req.Header("Connection"), "close")
		if closeConnection {
			res.SetHeader("Connection", "close")
		} else if strings.EqualFold(req.Version(), "HTTP/1.0") {
			closeConnection = true
			res.SetHeader("Connection", "close")
		}

		h.callService(req, res)

		// Finalize sending the response if not already done
		if !res.HasSentLastPart() {
			res.Write(nil, true)
		}

		// Find out whether the connection must be closed: the handler
		// may have set Connection:close, and a response without
		// Content-Length or chunked framing ends only with the close.
		if !closeConnection {
			if strings.EqualFold(res.Header("Connection"), "close") {
				closeConnection = true
			} else if res.Header("Content-Length") == "" &&
				!strings.EqualFold(res.Header("Transfer-Encoding"), "chunked") {
				closeConnection = true
			}
		}

		req.Close()
		req = nil
		if closeConnection {
			return
		}
		// Start the read timeout for the next pipelined request.
		conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	}
}

// callService invokes the user request handler, trapping errors and
// panics. Neither closes the socket; the normal close policy applies.
func (h *connHandler) callService(req *request.Request, res *response.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("server: panic in request handler",
				slog.String("peer", req.PeerAddress()),
				slog.Any("panic", rec))
		}
	}()
	if err := h.requestHandler.Service(context.Background(), req, res); err != nil {
		h.logger.Error("server: request handler error",
			slog.String("peer", req.PeerAddress()),
			slog.String("error", err.Error()))
	}
}

// destroy stops the handler's goroutine and waits for it to finish. A busy
// handler finishes its current connection first.
func (h *connHandler) destroy() {
	close(h.quit)
	<-h.done
}
