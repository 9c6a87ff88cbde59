// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"log/slog"
	"time"
)

// Config holds the HTTP server configuration. The zero value of every
// field selects the documented default.
type Config struct {
	// Host is the address to bind; empty binds all interfaces.
	Host string

	// Port is the TCP port to listen on.
	Port int

	// MinThreads is the number of idle connection handlers the pool
	// keeps warm.
	MinThreads int

	// MaxThreads caps the number of connection handlers and therefore
	// the number of concurrently served connections.
	MaxThreads int

	// CleanupInterval is the period of the pool trimmer.
	CleanupInterval time.Duration

	// ReadTimeout is how long a connection may stay silent before it is
	// closed.
	ReadTimeout time.Duration

	// MaxRequestSize limits request line, headers and non-multipart body
	// together, in bytes.
	MaxRequestSize int64

	// MaxMultiPartSize limits the spooled body of multipart requests,
	// in bytes.
	MaxMultiPartSize int64

	// SSLKeyFile and SSLCertFile enable TLS when both are set.
	SSLKeyFile  string
	SSLCertFile string

	// ShutdownTimeout is the maximum time to wait for active connections
	// to drain during graceful shutdown.
	ShutdownTimeout time.Duration

	// Logger for server events.
	Logger *slog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.MinThreads == 0 {
		cfg.MinThreads = 1
	}
	if cfg.MaxThreads == 0 {
		cfg.MaxThreads = 100
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.MaxRequestSize == 0 {
		cfg.MaxRequestSize = 16000
	}
	if cfg.MaxMultiPartSize == 0 {
		cfg.MaxMultiPartSize = 1000000
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
