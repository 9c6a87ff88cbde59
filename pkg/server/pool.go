// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"crypto/tls"
	"log/slog"
	"sync"
	"time"

	"github.com/cbcalves/crudQtTest/pkg/handler"
)

// pool creates, reuses and retires connection handlers. Membership and the
// per-handler busy flags are guarded by the pool mutex. A periodic trimmer
// destroys one surplus idle handler per tick so the pool shrinks gradually
// back to MinThreads.
type pool struct {
	cfg            *Config
	requestHandler handler.Handler
	tlsConfig      *tls.Config
	logger         *slog.Logger

	mu       sync.Mutex
	handlers []*connHandler
	closed   bool

	stop chan struct{}
	done chan struct{}
}

func newPool(cfg *Config, requestHandler handler.Handler, tlsConfig *tls.Config, logger *slog.Logger) *pool {
	p := &pool{
		cfg:            cfg,
		requestHandler: requestHandler,
		tlsConfig:      tlsConfig,
		logger:         logger,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	go p.runCleanup()
	return p
}

// get returns a free handler, marked busy, or nil when the pool is
// saturated.
func (p *pool) get() *connHandler {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	// find a free handler in pool
	for _, h := range p.handlers {
		if !h.busy {
			h.busy = true
			return h
		}
	}

	// create a new handler, if necessary
	if len(p.handlers) < p.cfg.MaxThreads {
		h := newConnHandler(p)
		h.busy = true
		p.handlers = append(p.handlers, h)
		return h
	}
	return nil
}

// release marks a handler idle again.
func (p *pool) release(h *connHandler) {
	p.mu.Lock()
	h.busy = false
	p.mu.Unlock()
}

func (p *pool) runCleanup() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.cleanup()
		case <-p.stop:
			return
		}
	}
}

// cleanup destroys at most one idle handler beyond MinThreads per tick.
func (p *pool) cleanup() {
	var victim *connHandler
	idleCounter := 0
	p.mu.Lock()
	for i, h := range p.handlers {
		if !h.busy {
			idleCounter++
			if idleCounter > p.cfg.MinThreads {
				victim = h
				p.handlers = append(p.handlers[:i], p.handlers[i+1:]...)
				break
			}
		}
	}
	p.mu.Unlock()

	if victim != nil {
		victim.destroy()
		p.logger.Debug("server: removed idle connection handler",
			slog.Int("pool_size", p.size()))
	}
}

// close destroys all handlers and waits for their goroutines. Busy
// handlers finish their current connection first.
func (p *pool) close() {
	close(p.stop)
	<-p.done

	p.mu.Lock()
	handlers := p.handlers
	p.handlers = nil
	p.closed = true
	p.mu.Unlock()

	for _, h := range handlers {
		h.destroy()
	}
}

func (p *pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handlers)
}

// stats returns the pool size and the number of busy handlers.
func (p *pool) stats() (size, busy int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.handlers {
		if h.busy {
			busy++
		}
	}
	return len(p.handlers), busy
}
