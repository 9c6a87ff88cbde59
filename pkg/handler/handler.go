// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"

	"github.com/cbcalves/crudQtTest/pkg/request"
	"github.com/cbcalves/crudQtTest/pkg/response"
)

// Handler processes one complete HTTP request.
//
// Service is called once per request from the connection handler's
// goroutine. The request is read-only; the response must be driven to
// completion with Write(..., true), otherwise the core finalizes it with an
// empty trailing write. Errors are logged by the caller and do not close
// the connection by themselves.
type Handler interface {
	Service(ctx context.Context, req *request.Request, res *response.Response) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *request.Request, res *response.Response) error

// Service implements Handler.
func (f HandlerFunc) Service(ctx context.Context, req *request.Request, res *response.Response) error {
	return f(ctx, req, res)
}

// NoopHandler answers every request with an empty 200 response.
// Useful for testing or as a placeholder.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

// Service implements Handler.
func (h *NoopHandler) Service(ctx context.Context, req *request.Request, res *response.Response) error {
	return res.Write(nil, true)
}
