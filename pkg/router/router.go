// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package router dispatches requests to handlers by method and path
// pattern.
package router

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/cbcalves/crudQtTest/pkg/handler"
	"github.com/cbcalves/crudQtTest/pkg/request"
	"github.com/cbcalves/crudQtTest/pkg/response"
)

// Method selects which request methods a route accepts. USE routes match
// any method on any path below the route's prefix; ALL routes match any
// method on the exact pattern.
type Method int

const (
	USE Method = iota
	ALL
	GET
	POST
	PUT
	PATCH
	DELETE
)

var methodNames = map[string]Method{
	"GET":    GET,
	"POST":   POST,
	"PUT":    PUT,
	"PATCH":  PATCH,
	"DELETE": DELETE,
}

type route struct {
	pattern string
	regex   *regexp.Regexp
	h       handler.Handler
}

// Router maps method and path patterns to handlers. Patterns may contain
// ":param" segments matching one path element. Unmatched requests are
// answered with 404.
type Router struct {
	logger *slog.Logger
	prefix string
	routes map[Method][]route
}

var _ handler.Handler = (*Router)(nil)

// New creates an empty router.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger: logger,
		routes: make(map[Method][]route),
	}
}

// SetPrefix makes the router strip a mount prefix from incoming paths
// before matching, for use as the target of another router's USE route.
func (r *Router) SetPrefix(prefix string) {
	r.prefix = prefix
}

// Route registers a handler for the given method and path pattern.
func (r *Router) Route(method Method, path string, h handler.Handler) {
	r.routes[method] = append(r.routes[method], route{
		pattern: path,
		regex:   compilePattern(method, path),
		h:       h,
	})
}

// RouteFunc registers a plain function for the given method and path
// pattern.
func (r *Router) RouteFunc(method Method, path string, f func(ctx context.Context, req *request.Request, res *response.Response) error) {
	r.Route(method, path, handler.HandlerFunc(f))
}

// Service implements handler.Handler.
func (r *Router) Service(ctx context.Context, req *request.Request, res *response.Response) error {
	path := req.Path()
	if r.prefix != "" {
		if posi := strings.Index(path, r.prefix); posi >= 0 {
			path = path[posi+len(r.prefix):]
		}
		if path == "" {
			path = "/"
		}
	}

	method, ok := methodNames[req.Method()]
	if !ok {
		method = ALL
	}

	if h := r.findRoute(path, USE, ALL, method); h != nil {
		return h.Service(ctx, req, res)
	}

	res.SetStatus(404, "not found")
	return res.Write([]byte("404 not found"), true)
}

// PathParam returns the last element of a path, the usual place of a
// ":param" pattern value.
func PathParam(path string) string {
	if posi := strings.LastIndexByte(strings.TrimSuffix(path, "/"), '/'); posi >= 0 {
		return strings.TrimSuffix(path, "/")[posi+1:]
	}
	return path
}

func (r *Router) findRoute(path string, methods ...Method) handler.Handler {
	for _, method := range methods {
		for _, route := range r.routes[method] {
			if route.regex.MatchString(path) {
				return route.h
			}
		}
	}
	return nil
}

// compilePattern turns a route path into its matching expression. USE
// patterns match the path and everything below it; ":param" segments match
// one path element; other patterns match exactly, with or without a
// trailing slash.
func compilePattern(method Method, path string) *regexp.Regexp {
	// QuoteMeta leaves ':' alone, so the ":name" markers survive escaping.
	escaped := regexp.QuoteMeta(path)
	escaped = regexp.MustCompile(`:[^/]+`).ReplaceAllString(escaped, `[^/]+`)

	var expr string
	switch {
	case method == USE:
		expr = "^" + strings.TrimSuffix(escaped, "/") + "(/.*)?$"
	case path == "/":
		expr = "^/$"
	default:
		expr = "^" + escaped + "/?$"
	}
	return regexp.MustCompile(expr)
}
