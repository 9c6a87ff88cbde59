// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package static serves files below a document root, with a bounded
// in-memory cache for small files.
package static

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cbcalves/crudQtTest/pkg/handler"
	"github.com/cbcalves/crudQtTest/pkg/request"
	"github.com/cbcalves/crudQtTest/pkg/response"
)

var contentTypes = map[string]string{
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".gif":   "image/gif",
	".pdf":   "application/pdf",
	".txt":   "text/plain; charset=UTF-8",
	".html":  "text/html; charset=UTF-8",
	".htm":   "text/html; charset=UTF-8",
	".css":   "text/css",
	".js":    "text/javascript",
	".svg":   "image/svg+xml",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "application/x-font-ttf",
	".eot":   "application/vnd.ms-fontobject",
	".otf":   "application/font-otf",
	".json":  "application/json",
	".xml":   "text/xml",
}

// Config holds the file handler configuration.
type Config struct {
	// DocRoot is the directory the served files live in.
	DocRoot string

	// MaxAge is the lifetime advertised in the Cache-Control header.
	MaxAge time.Duration

	// CacheTimeout is how long a cached file stays valid; 0 selects one
	// minute.
	CacheTimeout time.Duration

	// MaxCachedFileSize is the largest file kept in the cache. Larger
	// files are streamed in 64 KiB chunks.
	MaxCachedFileSize int64

	// CacheSize is the cache budget in bytes.
	CacheSize int64

	// StripPrefix is removed from the front of request paths before they
	// are resolved below the document root, for handlers mounted on a
	// router prefix.
	StripPrefix string

	// Logger for file serving events.
	Logger *slog.Logger
}

type cacheEntry struct {
	document []byte
	created  int64
	filename string
}

// FileHandler answers requests with files from the document root.
type FileHandler struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	cache     map[string]*cacheEntry
	cacheCost int64
}

var _ handler.Handler = (*FileHandler)(nil)

// New creates a static file handler.
func New(cfg Config) *FileHandler {
	if cfg.DocRoot == "" {
		cfg.DocRoot = "."
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = time.Minute
	}
	if cfg.CacheTimeout == 0 {
		cfg.CacheTimeout = time.Minute
	}
	if cfg.MaxCachedFileSize == 0 {
		cfg.MaxCachedFileSize = 65536
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = 1000000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &FileHandler{
		cfg:    cfg,
		logger: cfg.Logger,
		cache:  make(map[string]*cacheEntry),
	}
}

// Service implements handler.Handler.
func (f *FileHandler) Service(ctx context.Context, req *request.Request, res *response.Response) error {
	path := strings.TrimPrefix(req.Path(), f.cfg.StripPrefix)
	if path == "" {
		path = "/"
	}
	cacheKey := path
	now := time.Now().UnixMilli()

	f.mu.Lock()
	if entry, ok := f.cache[cacheKey]; ok && entry.created > now-f.cfg.CacheTimeout.Milliseconds() {
		// Copy under the lock; another request may evict the entry
		// right after it is released.
		document := entry.document
		filename := entry.filename
		f.mu.Unlock()
		f.setContentType(filename, res)
		res.SetHeader("Cache-Control", "max-age="+strconv.Itoa(int(f.cfg.MaxAge/time.Second)))
		return res.Write(document, true)
	}
	f.mu.Unlock()

	// Forbid access to files outside the docroot directory
	if strings.Contains(path, "/..") {
		f.logger.Warn("static: detected forbidden characters in path",
			slog.String("path", path))
		res.SetStatus(403, "forbidden")
		return res.Write([]byte("403 forbidden"), true)
	}

	// If the filename is a directory, serve its index.html.
	if info, err := os.Stat(f.cfg.DocRoot + path); err == nil && info.IsDir() {
		path += "/index.html"
	}

	file, err := os.Open(f.cfg.DocRoot + path)
	if err != nil {
		if os.IsPermission(err) {
			f.logger.Warn("static: cannot open existing file for reading",
				slog.String("path", path))
			res.SetStatus(403, "forbidden")
			return res.Write([]byte("403 forbidden"), true)
		}
		res.SetStatus(404, "not found")
		return res.Write([]byte("404 not found"), true)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		res.SetStatus(404, "not found")
		return res.Write([]byte("404 not found"), true)
	}

	f.setContentType(path, res)
	res.SetHeader("Cache-Control", "max-age="+strconv.Itoa(int(f.cfg.MaxAge/time.Second)))

	if info.Size() <= f.cfg.MaxCachedFileSize {
		// Send the file content in one write and keep a copy in the cache.
		document, err := io.ReadAll(file)
		if err != nil {
			return err
		}
		if err := res.Write(document, true); err != nil {
			return err
		}
		f.store(cacheKey, &cacheEntry{document: document, created: now, filename: path})
		return nil
	}
	return f.stream(file, res, nil)
}

// stream copies the file to the response in 64 KiB chunks.
func (f *FileHandler) stream(file *os.File, res *response.Response, tee func([]byte)) error {
	buf := make([]byte, 65536)
	for {
		n, err := file.Read(buf)
		if n > 0 {
			if werr := res.Write(buf[:n], false); werr != nil {
				return werr
			}
			if tee != nil {
				tee(buf[:n])
			}
		}
		if err == io.EOF {
			return res.Write(nil, true)
		}
		if err != nil {
			return err
		}
	}
}

// store inserts a cache entry, evicting arbitrary entries while the
// budget is exceeded.
func (f *FileHandler) store(path string, entry *cacheEntry) {
	cost := int64(len(entry.document))
	if cost > f.cfg.CacheSize {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if old, ok := f.cache[path]; ok {
		f.cacheCost -= int64(len(old.document))
	}
	f.cache[path] = entry
	f.cacheCost += cost
	for key, e := range f.cache {
		if f.cacheCost <= f.cfg.CacheSize {
			break
		}
		if key == path {
			continue
		}
		f.cacheCost -= int64(len(e.document))
		delete(f.cache, key)
	}
}

func (f *FileHandler) setContentType(fileName string, res *response.Response) {
	for suffix, contentType := range contentTypes {
		if strings.HasSuffix(fileName, suffix) {
			res.SetHeader("Content-Type", contentType)
			return
		}
	}
	f.logger.Warn("static: unknown MIME type",
		slog.String("filename", fileName))
}
