// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the interface that links the HTTP server core to
// application logic.
//
// # Architecture Overview
//
// The Handler interface is the single capability the server core consumes.
// When a connection handler has parsed one complete request, it builds a
// response around the socket and calls Service exactly once with non-nil
// references. The handler must not retain either reference beyond the call.
//
// # Data Flow
//
//	Client → Listener → Pool → Connection handler → Parser → Handler → Response → Client
//
// # Error Behavior
//
// An error returned from Service is logged and the connection proceeds as if
// the call had returned normally; the response is finalized with an empty
// trailing write when the handler did not finish it. A panic inside Service
// is recovered by the connection handler and treated the same way.
//
// # Implementation
//
// Applications implement Handler directly, use HandlerFunc for free
// functions, or compose the routing and static-file handlers shipped in
// pkg/router and pkg/static. NoopHandler answers every request with an
// empty 200 response and is useful in tests.
package handler
