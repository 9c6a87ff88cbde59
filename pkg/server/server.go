// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package server implements the listening endpoint of the HTTP server:
// a TCP (optionally TLS) listener, a pool of reusable connection handlers
// and the per-connection parse/dispatch/respond state machine.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/cbcalves/crudQtTest/pkg/handler"
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the
// configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Server accepts connections and dispatches each to a pooled connection
// handler running the HTTP/1.x state machine.
type Server struct {
	cfg            Config
	requestHandler handler.Handler
	pool           *pool
}

// New creates a server with the given configuration and request handler.
func New(cfg Config, requestHandler handler.Handler) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:            cfg,
		requestHandler: requestHandler,
	}
}

// Listen starts the server and blocks until the context is cancelled. It
// implements graceful shutdown with connection draining.
func (s *Server) Listen(ctx context.Context) error {
	tlsConfig, err := loadTLSConfig(s.cfg.SSLCertFile, s.cfg.SSLKeyFile)
	if err != nil {
		s.cfg.Logger.Error("server: cannot load TLS configuration",
			slog.String("error", err.Error()))
		return err
	}

	address := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	if tlsConfig != nil {
		s.cfg.Logger.Info("TLS enabled", slog.String("address", address))
	}
	s.cfg.Logger.Info("HTTP server started", slog.String("address", address))

	s.pool = newPool(&s.cfg, s.requestHandler, tlsConfig, s.cfg.Logger)

	// Accept loop
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					// Expected error during shutdown
					return
				default:
					s.cfg.Logger.Error("failed to accept connection",
						slog.String("error", err.Error()))
					continue
				}
			}

			s.dispatch(conn)
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	s.cfg.Logger.Info("shutdown signal received, closing listener")

	if err := listener.Close(); err != nil {
		s.cfg.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	// Wait for active connections to drain with timeout
	done := make(chan struct{})
	go func() {
		s.pool.close()
		close(done)
	}()

	select {
	case <-done:
		s.cfg.Logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
		s.cfg.Logger.Warn("shutdown timeout exceeded, forcing exit")
		return ErrShutdownTimeout
	}
}

// dispatch hands an accepted connection to a pooled handler. When the pool
// is saturated the connection is rejected on the raw socket.
func (s *Server) dispatch(conn net.Conn) {
	h := s.pool.get()
	if h == nil {
		s.cfg.Logger.Debug("server: too many incoming connections",
			slog.String("peer", conn.RemoteAddr().String()))
		conn.Write([]byte(tooManyConnsResponse))
		conn.Close()
		return
	}

	if err := h.handleConnection(conn); err != nil {
		// get only hands out idle handlers, so the handoff channel is
		// expected to be free here.
		s.cfg.Logger.Error("server: cannot assign connection",
			slog.String("error", err.Error()))
		s.pool.release(h)
		conn.Write([]byte(tooManyConnsResponse))
		conn.Close()
	}
}

// PoolStats returns the current handler pool size and the number of busy
// handlers, for health checks and metrics.
func (s *Server) PoolStats() (size, busy int) {
	if s.pool == nil {
		return 0, 0
	}
	return s.pool.stats()
}
