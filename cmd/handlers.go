// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/cbcalves/crudQtTest/pkg/handler"
	"github.com/cbcalves/crudQtTest/pkg/metrics"
	"github.com/cbcalves/crudQtTest/pkg/ratelimit"
	"github.com/cbcalves/crudQtTest/pkg/request"
	"github.com/cbcalves/crudQtTest/pkg/response"
	"github.com/cbcalves/crudQtTest/pkg/session"
)

// RateLimitedHandler wraps a handler with global and per-client rate
// limiting. Limited requests are answered with 429 on a closing
// connection.
type RateLimitedHandler struct {
	handler          handler.Handler
	perClientLimiter *ratelimit.ClientLimiter
	globalLimiter    *ratelimit.TokenBucket
	metrics          *metrics.Metrics
	logger           *slog.Logger
}

var _ handler.Handler = (*RateLimitedHandler)(nil)

// Service implements handler.Handler with rate limiting.
func (h *RateLimitedHandler) Service(ctx context.Context, req *request.Request, res *response.Response) error {
	if !h.globalLimiter.Allow() {
		h.metrics.RateLimitedRequests.WithLabelValues("global").Inc()
		h.logger.Warn("Global rate limit exceeded",
			slog.String("peer", req.PeerAddress()))
		return h.reject(res)
	}

	client := req.PeerAddress()
	if host, _, err := net.SplitHostPort(client); err == nil {
		client = host
	}
	if !h.perClientLimiter.Allow(client) {
		h.metrics.RateLimitedRequests.WithLabelValues("per_client").Inc()
		h.logger.Warn("Per-client rate limit exceeded",
			slog.String("client", client))
		return h.reject(res)
	}

	return h.handler.Service(ctx, req, res)
}

func (h *RateLimitedHandler) reject(res *response.Response) error {
	res.SetStatus(429, "too many requests")
	res.SetHeader("Connection", "close")
	return res.Write([]byte("429 Too many requests"), true)
}

// InstrumentedHandler wraps a handler with metrics instrumentation.
type InstrumentedHandler struct {
	handler handler.Handler
	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ handler.Handler = (*InstrumentedHandler)(nil)

// Service implements handler.Handler with metrics.
func (h *InstrumentedHandler) Service(ctx context.Context, req *request.Request, res *response.Response) error {
	h.metrics.RequestSize.Observe(float64(len(req.Body())))
	return h.metrics.ObserveRequest(req.Method(), func() (string, error) {
		err := h.handler.Service(ctx, req, res)
		return strconv.Itoa(res.StatusCode()), err
	})
}

// sessionDemo returns a handler that counts the visits of one session.
func sessionDemo(store *session.Store) func(ctx context.Context, req *request.Request, res *response.Response) error {
	return func(ctx context.Context, req *request.Request, res *response.Response) error {
		s := store.GetSession(req, res, true)
		visits, _ := s.Get("visits").(int)
		visits++
		s.Set("visits", visits)
		res.SetHeader("Content-Type", "text/plain; charset=UTF-8")
		return res.Write([]byte(fmt.Sprintf("session %s, visit %d\n", s.ID(), visits)), true)
	}
}
