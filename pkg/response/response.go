// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package response implements the HTTP/1.1 response writer.
//
// Framing is decided on the first call to Write: a single write carrying
// the whole body is framed with Content-Length, a streamed body uses
// chunked transfer encoding, and a streamed body on a closing connection
// is framed by the connection close itself.
package response

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/cbcalves/crudQtTest/pkg/cookie"
	"github.com/cbcalves/crudQtTest/pkg/errors"
)

type headerField struct {
	name  string
	value string
}

// Response buffers the status line, headers and cookies of one HTTP
// response and writes the body with the chosen framing. It is not safe for
// concurrent use; all calls must come from the connection handler's
// goroutine.
type Response struct {
	w      io.Writer
	logger *slog.Logger

	statusCode int
	statusText string

	// headers preserves insertion order and the spelling of names.
	headers []headerField
	cookies []cookie.Cookie

	sentHeaders  bool
	sentLastPart bool
	chunkedMode  bool
	connected    bool
}

// New creates a response that writes to the given connection.
func New(w io.Writer, logger *slog.Logger) *Response {
	if logger == nil {
		logger = slog.Default()
	}
	return &Response{
		w:          w,
		logger:     logger,
		statusCode: 200,
		statusText: "OK",
		connected:  true,
	}
}

// SetStatus sets the status code and description of the status line.
func (r *Response) SetStatus(statusCode int, description string) {
	r.statusCode = statusCode
	r.statusText = description
}

// StatusCode returns the current status code.
func (r *Response) StatusCode() int {
	return r.statusCode
}

// SetHeader sets a response header; setting the same name again replaces
// the previous value. Headers cannot change once they have been sent.
func (r *Response) SetHeader(name, value string) {
	if r.sentHeaders {
		r.logger.Warn("response: header set after headers were sent",
			slog.String("name", name))
		return
	}
	for i := range r.headers {
		if strings.EqualFold(r.headers[i].name, name) {
			r.headers[i].value = value
			return
		}
	}
	r.headers = append(r.headers, headerField{name: name, value: value})
}

// Header returns the value of a header, matching the name case-insensitively.
func (r *Response) Header(name string) string {
	for i := range r.headers {
		if strings.EqualFold(r.headers[i].name, name) {
			return r.headers[i].value
		}
	}
	return ""
}

// SetCookie places a cookie in the response. Cookies without a name are
// ignored.
func (r *Response) SetCookie(c cookie.Cookie) {
	if r.sentHeaders {
		r.logger.Warn("response: cookie set after headers were sent",
			slog.String("name", c.Name))
		return
	}
	if c.Name == "" {
		return
	}
	for i := range r.cookies {
		if r.cookies[i].Name == c.Name {
			r.cookies[i] = c
			return
		}
	}
	r.cookies = append(r.cookies, c)
}

// Cookie returns the response cookie with the given name, or a zero cookie.
func (r *Response) Cookie(name string) cookie.Cookie {
	for i := range r.cookies {
		if r.cookies[i].Name == name {
			return r.cookies[i]
		}
	}
	return cookie.Cookie{}
}

// writeHeaders emits the status line, headers in insertion order, cookies
// and the terminating blank line.
func (r *Response) writeHeaders() error {
	var b strings.Builder
	b.WriteString("HTTP/1.1 ")
	b.WriteString(strconv.Itoa(r.statusCode))
	b.WriteByte(' ')
	b.WriteString(r.statusText)
	b.WriteString("\r\n")
	for _, header := range r.headers {
		b.WriteString(header.name)
		b.WriteString(": ")
		b.WriteString(header.value)
		b.WriteString("\r\n")
	}
	for _, c := range r.cookies {
		b.WriteString("Set-Cookie: ")
		b.WriteString(c.Encode())
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	r.sentHeaders = true
	return r.writeToSocket([]byte(b.String()))
}

// writeToSocket writes all bytes, retrying short writes. A write error
// marks the response as disconnected.
func (r *Response) writeToSocket(data []byte) error {
	for len(data) > 0 {
		written, err := r.w.Write(data)
		if err != nil {
			r.connected = false
			return errors.Wrap(err, "response: write failed")
		}
		data = data[written:]
	}
	return nil
}

// Write sends body data. On the first call the framing is decided: when
// lastPart is already true the total size is known and Content-Length is
// used; otherwise chunked mode is entered unless the response carries a
// Connection: close header. After a call with lastPart no further writes
// are accepted.
func (r *Response) Write(data []byte, lastPart bool) error {
	if r.sentLastPart {
		return errors.ErrResponseFinished
	}

	if !r.sentHeaders {
		if lastPart {
			// The whole response is generated with a single call, so the
			// total size is known up front.
			r.SetHeader("Content-Length", strconv.Itoa(len(data)))
		} else if !strings.EqualFold(r.Header("Connection"), "close") {
			r.SetHeader("Transfer-Encoding", "chunked")
			r.chunkedMode = true
		}
		if err := r.writeHeaders(); err != nil {
			return err
		}
	}

	if len(data) > 0 {
		if r.chunkedMode {
			if err := r.writeToSocket([]byte(fmt.Sprintf("%x\r\n", len(data)))); err != nil {
				return err
			}
			if err := r.writeToSocket(data); err != nil {
				return err
			}
			if err := r.writeToSocket([]byte("\r\n")); err != nil {
				return err
			}
		} else {
			if err := r.writeToSocket(data); err != nil {
				return err
			}
		}
	}

	if lastPart {
		if r.chunkedMode {
			if err := r.writeToSocket([]byte("0\r\n\r\n")); err != nil {
				return err
			}
		}
		r.sentLastPart = true
	}
	return nil
}

// HasSentLastPart reports whether the response has been finished by a
// write with lastPart set.
func (r *Response) HasSentLastPart() bool {
	return r.sentLastPart
}

// Redirect answers the request with a 303 redirect to the given URL.
func (r *Response) Redirect(url string) error {
	r.SetStatus(303, "See Other")
	r.SetHeader("Location", url)
	return r.Write([]byte("Redirect"), true)
}

// Flush is a no-op for unbuffered connections; it exists so handlers can
// request an explicit flush point regardless of the underlying writer.
func (r *Response) Flush() {
	type flusher interface{ Flush() error }
	if f, ok := r.w.(flusher); ok {
		f.Flush()
	}
}

// IsConnected reports whether the connection accepted the last write.
func (r *Response) IsConnected() bool {
	return r.connected
}
