// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package request implements the incremental HTTP/1.x request parser.
//
// A Request is fed from the connection's buffered reader one step at a
// time; each call to ReadFromSocket advances the state machine as far as
// one read permits. Termination is signaled through Status: a request ends
// in StatusComplete or StatusAbort.
package request

import (
	"bufio"
	"bytes"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/cbcalves/crudQtTest/pkg/cookie"
)

// Status describes how far the request has been parsed.
type Status int

const (
	// StatusWaitForRequest means the request line has not been received yet.
	StatusWaitForRequest Status = iota
	// StatusWaitForHeader means the header block is being received.
	StatusWaitForHeader
	// StatusWaitForBody means the message body is being received.
	StatusWaitForBody
	// StatusComplete means the whole request has been received.
	StatusComplete
	// StatusAbort means the request was malformed or exceeded a size limit.
	StatusAbort
)

// Config bounds and identifies one request.
type Config struct {
	// MaxRequestSize limits request line, headers and non-multipart body
	// together, in bytes.
	MaxRequestSize int64

	// MaxMultiPartSize limits the spooled body of a multipart request,
	// in bytes.
	MaxMultiPartSize int64

	// PeerAddress is the remote address of the connection.
	PeerAddress string

	// Logger for parser warnings.
	Logger *slog.Logger
}

// Request is one HTTP request, built incrementally from socket reads.
type Request struct {
	cfg    Config
	logger *slog.Logger

	status  Status
	method  string
	rawPath string
	version string

	// headers keeps lower-cased names; repeated names keep arrival order.
	headers       map[string][]string
	currentHeader string

	parameters map[string][]string
	cookies    map[string]string

	bodyData   []byte
	lineBuffer []byte

	currentSize      int64
	expectedBodySize int64
	boundary         string
	peerAddress      string

	tempFile      *os.File
	spooledSize   int64
	uploadedFiles map[string]*os.File
}

// New creates an empty request bound to the given limits.
func New(cfg Config) *Request {
	if cfg.MaxRequestSize == 0 {
		cfg.MaxRequestSize = 16000
	}
	if cfg.MaxMultiPartSize == 0 {
		cfg.MaxMultiPartSize = 1000000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Request{
		cfg:           cfg,
		logger:        cfg.Logger,
		status:        StatusWaitForRequest,
		headers:       make(map[string][]string),
		parameters:    make(map[string][]string),
		cookies:       make(map[string]string),
		uploadedFiles: make(map[string]*os.File),
	}
}

// ReadFromSocket advances the parser by one step. A transport error from
// the reader (timeout, EOF, reset) is returned unchanged; protocol errors
// do not surface here, they move the request to StatusAbort instead.
func (r *Request) ReadFromSocket(br *bufio.Reader) error {
	var err error
	switch r.status {
	case StatusWaitForRequest:
		err = r.readRequestLine(br)
	case StatusWaitForHeader:
		err = r.readHeader(br)
	case StatusWaitForBody:
		err = r.readBody(br)
	}

	if (r.boundary == "" && r.currentSize > r.cfg.MaxRequestSize) ||
		(r.boundary != "" && r.currentSize > r.cfg.MaxMultiPartSize) {
		r.logger.Warn("request: received too many bytes",
			slog.String("peer", r.peerAddress))
		r.status = StatusAbort
	}
	if r.status == StatusComplete {
		// Extract and decode request parameters from url and body
		r.decodeRequestParams()
		// Extract cookies from headers
		r.extractCookies()
	}
	return err
}

// readLine collects bytes up to the next LF, bounded by the remaining size
// budget. The extra byte of budget makes an overflow detectable. A partial
// line is kept in the line buffer across calls; the returned flag reports
// whether a complete CRLF-terminated line is buffered.
func (r *Request) readLine(br *bufio.Reader, budget int64) (bool, error) {
	if budget < 1 {
		budget = 1
	}
	for i := int64(0); i < budget; i++ {
		b, err := br.ReadByte()
		if err != nil {
			return false, err
		}
		r.currentSize++
		r.lineBuffer = append(r.lineBuffer, b)
		if b == '\n' {
			break
		}
	}
	return bytes.Contains(r.lineBuffer, []byte("\r\n")), nil
}

func (r *Request) readRequestLine(br *bufio.Reader) error {
	toRead := r.cfg.MaxRequestSize - r.currentSize + 1
	complete, err := r.readLine(br, toRead)
	if err != nil || !complete {
		return err
	}
	newData := bytes.TrimSpace(r.lineBuffer)
	r.lineBuffer = nil
	if len(newData) == 0 {
		return nil
	}
	list := bytes.Split(newData, []byte(" "))
	if len(list) != 3 || !bytes.Contains(list[2], []byte("HTTP")) {
		r.logger.Warn("request: received broken HTTP request, invalid first line",
			slog.String("peer", r.cfg.PeerAddress))
		r.status = StatusAbort
		return nil
	}
	r.method = string(bytes.TrimSpace(list[0]))
	r.rawPath = string(list[1])
	r.version = string(list[2])
	r.peerAddress = r.cfg.PeerAddress
	r.status = StatusWaitForHeader
	return nil
}

func (r *Request) readHeader(br *bufio.Reader) error {
	toRead := r.cfg.MaxRequestSize - r.currentSize + 1
	complete, err := r.readLine(br, toRead)
	if err != nil || !complete {
		return err
	}
	newData := bytes.TrimSpace(r.lineBuffer)
	r.lineBuffer = nil

	if colon := bytes.IndexByte(newData, ':'); colon > 0 {
		// Received a line with a colon - a header
		r.currentHeader = strings.ToLower(string(newData[:colon]))
		value := string(bytes.TrimSpace(newData[colon+1:]))
		r.headers[r.currentHeader] = append(r.headers[r.currentHeader], value)
		return nil
	}

	if len(newData) > 0 {
		// Received another line - belongs to the previous header
		if values := r.headers[r.currentHeader]; len(values) > 0 {
			values[len(values)-1] += " " + string(newData)
		}
		return nil
	}

	// Empty line received, that means all headers have been received
	// Check for multipart/form-data
	contentType := r.Header("content-type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if posi := strings.Index(contentType, "boundary="); posi >= 0 {
			r.boundary = contentType[posi+len("boundary="):]
			if strings.HasPrefix(r.boundary, "\"") && strings.HasSuffix(r.boundary, "\"") {
				r.boundary = r.boundary[1 : len(r.boundary)-1]
			}
		}
	}
	if contentLength := r.Header("content-length"); contentLength != "" {
		r.expectedBodySize, _ = strconv.ParseInt(contentLength, 10, 64)
	}

	switch {
	case r.expectedBodySize == 0:
		r.status = StatusComplete
	case r.boundary == "" && r.expectedBodySize+r.currentSize > r.cfg.MaxRequestSize:
		r.logger.Warn("request: expected body is too large",
			slog.String("peer", r.peerAddress))
		r.status = StatusAbort
	case r.boundary != "" && r.expectedBodySize > r.cfg.MaxMultiPartSize:
		r.logger.Warn("request: expected multipart body is too large",
			slog.String("peer", r.peerAddress))
		r.status = StatusAbort
	default:
		r.status = StatusWaitForBody
	}
	return nil
}

func (r *Request) readBody(br *bufio.Reader) error {
	if r.boundary == "" {
		// normal body, no multipart
		toRead := r.expectedBodySize - int64(len(r.bodyData))
		if toRead > 65536 {
			toRead = 65536
		}
		buf := make([]byte, toRead)
		n, err := br.Read(buf)
		r.currentSize += int64(n)
		r.bodyData = append(r.bodyData, buf[:n]...)
		if int64(len(r.bodyData)) >= r.expectedBodySize {
			r.status = StatusComplete
		}
		return err
	}

	// multipart body, store into temp file
	if r.tempFile == nil {
		tempFile, err := os.CreateTemp("", "request-body-")
		if err != nil {
			r.logger.Error("request: cannot create temp file for multipart body",
				slog.String("error", err.Error()))
			r.status = StatusAbort
			return nil
		}
		r.tempFile = tempFile
	}
	// Transfer data in 64kb blocks
	toRead := r.expectedBodySize - r.spooledSize
	if toRead > 65536 {
		toRead = 65536
	}
	buf := make([]byte, toRead)
	n, err := br.Read(buf)
	if n > 0 {
		written, werr := r.tempFile.Write(buf[:n])
		r.spooledSize += int64(written)
		if werr != nil {
			r.logger.Error("request: error writing temp file for multipart body",
				slog.String("error", werr.Error()))
		}
	}
	if r.spooledSize >= r.cfg.MaxMultiPartSize {
		r.logger.Warn("request: received too many multipart bytes",
			slog.String("peer", r.peerAddress))
		r.status = StatusAbort
	} else if r.spooledSize >= r.expectedBodySize {
		r.parseMultiPartFile()
		r.status = StatusComplete
	}
	return err
}

func (r *Request) decodeRequestParams() {
	// Get URL parameters
	var rawParameters string
	if questionMark := strings.IndexByte(r.rawPath, '?'); questionMark >= 0 {
		rawParameters = r.rawPath[questionMark+1:]
		r.rawPath = r.rawPath[:questionMark]
	}
	// Get request body parameters
	contentType := r.Header("content-type")
	if len(r.bodyData) > 0 && (contentType == "" || strings.HasPrefix(contentType, "application/x-www-form-urlencoded")) {
		if rawParameters != "" {
			rawParameters += "&" + string(r.bodyData)
		} else {
			rawParameters = string(r.bodyData)
		}
	}
	// Split the parameters into pairs of value and name
	for _, part := range strings.Split(rawParameters, "&") {
		if part == "" {
			continue
		}
		var name, value string
		if posi := strings.IndexByte(part, '='); posi > 0 {
			name = strings.TrimSpace(part[:posi])
			value = strings.TrimSpace(part[posi+1:])
		} else {
			name = strings.TrimSpace(part)
		}
		name = URLDecode(name)
		r.parameters[name] = append(r.parameters[name], URLDecode(value))
	}
}

func (r *Request) extractCookies() {
	for _, cookieStr := range r.headers["cookie"] {
		for _, part := range cookie.SplitCSV(cookieStr) {
			// Split the part into name and value
			var name, value string
			if posi := strings.IndexByte(part, '='); posi > 0 {
				name = strings.TrimSpace(part[:posi])
				value = strings.TrimSpace(part[posi+1:])
			} else {
				name = strings.TrimSpace(part)
			}
			r.cookies[name] = value
		}
	}
	delete(r.headers, "cookie")
}

// URLDecode resolves '+' to space and %HH escapes left to right. An escape
// that is not followed by two hex digits is left unchanged.
func URLDecode(source string) string {
	if source == "" {
		return source
	}
	buffer := strings.ReplaceAll(source, "+", " ")
	var b strings.Builder
	b.Grow(len(buffer))
	for i := 0; i < len(buffer); {
		if buffer[i] == '%' && i+2 < len(buffer) {
			if hexCode, err := strconv.ParseUint(buffer[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(hexCode))
				i += 3
				continue
			}
		}
		b.WriteByte(buffer[i])
		i++
	}
	return b.String()
}

// Status returns the parse status of the request.
func (r *Request) Status() Status {
	return r.status
}

// Method returns the request method.
func (r *Request) Method() string {
	return r.method
}

// Path returns the URL-decoded path of the request, without the query.
func (r *Request) Path() string {
	return URLDecode(r.rawPath)
}

// RawPath returns the path as received on the wire, without the query.
func (r *Request) RawPath() string {
	return r.rawPath
}

// Version returns the HTTP version of the request line.
func (r *Request) Version() string {
	return r.version
}

// Header returns the value of the header with the given name. Lookup is
// case-insensitive; for repeated headers the last value wins.
func (r *Request) Header(name string) string {
	values := r.headers[strings.ToLower(name)]
	if len(values) == 0 {
		return ""
	}
	return values[len(values)-1]
}

// Headers returns all values of the header with the given name, in arrival
// order.
func (r *Request) Headers(name string) []string {
	return r.headers[strings.ToLower(name)]
}

// HeaderMap returns the full header map with lower-cased names.
func (r *Request) HeaderMap() map[string][]string {
	return r.headers
}

// Parameter returns the value of a decoded request parameter; for repeated
// parameters the last value wins.
func (r *Request) Parameter(name string) string {
	values := r.parameters[name]
	if len(values) == 0 {
		return ""
	}
	return values[len(values)-1]
}

// Parameters returns all values of a decoded request parameter.
func (r *Request) Parameters(name string) []string {
	return r.parameters[name]
}

// ParameterMap returns the full parameter map.
func (r *Request) ParameterMap() map[string][]string {
	return r.parameters
}

// Body returns the raw bytes of a non-multipart request body.
func (r *Request) Body() []byte {
	return r.bodyData
}

// Cookie returns the value of the cookie with the given name.
func (r *Request) Cookie(name string) string {
	return r.cookies[name]
}

// CookieMap returns the map of received cookies.
func (r *Request) CookieMap() map[string]string {
	return r.cookies
}

// PeerAddress returns the address of the connected client. Note that
// multiple clients may share one IP address.
func (r *Request) PeerAddress() string {
	return r.peerAddress
}

// UploadedFile returns the temporary file that holds the content of an
// uploaded multipart field, or nil. The file exists for the lifetime of
// the request.
func (r *Request) UploadedFile(fieldName string) *os.File {
	return r.uploadedFiles[fieldName]
}

// Close removes the temporary files owned by the request. It must be
// called exactly once when the request is discarded.
func (r *Request) Close() {
	for _, file := range r.uploadedFiles {
		file.Close()
		os.Remove(file.Name())
	}
	r.uploadedFiles = make(map[string]*os.File)
	if r.tempFile != nil {
		r.tempFile.Close()
		os.Remove(r.tempFile.Name())
		r.tempFile = nil
	}
}
