// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cbcalves/crudQtTest/pkg/cookie"
	"github.com/cbcalves/crudQtTest/pkg/request"
	"github.com/cbcalves/crudQtTest/pkg/response"
)

// Config holds the session store configuration.
type Config struct {
	// CookieName is the name of the session cookie.
	CookieName string

	// CookiePath, CookieComment and CookieDomain are the attributes of
	// the session cookie.
	CookiePath    string
	CookieComment string
	CookieDomain  string

	// ExpirationTime is how long a session survives without access.
	ExpirationTime time.Duration

	// Logger for store events.
	Logger *slog.Logger
}

// Store maps session ids to sessions and expires them periodically.
type Store struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]Session

	// deletedFuncs are invoked with the session id whenever a session is
	// removed, from the removing goroutine.
	deletedMu    sync.Mutex
	deletedFuncs []func(id string)

	stop chan struct{}
	done chan struct{}
}

// NewStore creates a session store and starts its expiry timer.
func NewStore(cfg Config) *Store {
	if cfg.CookieName == "" {
		cfg.CookieName = "sessionid"
	}
	if cfg.ExpirationTime == 0 {
		cfg.ExpirationTime = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Store{
		cfg:      cfg,
		logger:   cfg.Logger,
		sessions: make(map[string]Session),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Store) run() {
	defer close(s.done)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.expireSessions(time.Now().UnixMilli())
		case <-s.stop:
			return
		}
	}
}

// Close stops the expiry timer. Held session handles stay valid.
func (s *Store) Close() {
	close(s.stop)
	<-s.done
}

// OnSessionDeleted registers a callback fired with the id of every removed
// session, whether expired or removed explicitly.
func (s *Store) OnSessionDeleted(f func(id string)) {
	s.deletedMu.Lock()
	defer s.deletedMu.Unlock()
	s.deletedFuncs = append(s.deletedFuncs, f)
}

func (s *Store) notifyDeleted(id string) {
	s.deletedMu.Lock()
	funcs := make([]func(string), len(s.deletedFuncs))
	copy(funcs, s.deletedFuncs)
	s.deletedMu.Unlock()
	for _, f := range funcs {
		f(id)
	}
}

// sessionID computes the effective session id of a request. The id in the
// response has priority because that one will be used in the next request.
// Ids that do not resolve to a stored session are treated as empty.
// Must be called with the store mutex held.
func (s *Store) sessionID(req *request.Request, res *response.Response) string {
	sessionID := res.Cookie(s.cfg.CookieName).Value
	if sessionID == "" {
		sessionID = req.Cookie(s.cfg.CookieName)
	}
	if sessionID != "" {
		if _, found := s.sessions[sessionID]; !found {
			s.logger.Debug("session: received invalid session cookie",
				slog.String("id", sessionID))
			sessionID = ""
		}
	}
	return sessionID
}

// GetSession returns the session addressed by the request's session
// cookie, refreshing the cookie on the response. When no session resolves
// and allowCreate is set, a new session is created; otherwise the null
// session is returned.
func (s *Store) GetSession(req *request.Request, res *response.Response, allowCreate bool) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID := s.sessionID(req, res); sessionID != "" {
		session := s.sessions[sessionID]
		if !session.IsNull() {
			res.SetCookie(s.sessionCookie(session.ID()))
			session.Touch()
			return session
		}
	}
	if allowCreate {
		session := NewSession()
		s.logger.Debug("session: created new session",
			slog.String("id", session.ID()))
		s.sessions[session.ID()] = session
		res.SetCookie(s.sessionCookie(session.ID()))
		return session
	}
	return Session{}
}

// GetSessionByID returns the stored session with the given id, touching
// its access time, or the null session.
func (s *Store) GetSessionByID(id string) Session {
	s.mu.Lock()
	session := s.sessions[id]
	s.mu.Unlock()
	session.Touch()
	return session
}

// sessionCookie builds the session cookie: store attributes, lifetime
// derived from the expiration time, SameSite Lax, neither Secure nor
// HttpOnly.
func (s *Store) sessionCookie(id string) cookie.Cookie {
	maxAge := int(s.cfg.ExpirationTime / time.Second)
	return cookie.New(s.cfg.CookieName, id, maxAge,
		s.cfg.CookiePath, s.cfg.CookieComment, s.cfg.CookieDomain,
		false, false, "Lax")
}

// expireSessions removes every session that has not been accessed within
// the expiration time and fires the deletion callbacks.
func (s *Store) expireSessions(now int64) {
	var expired []string
	s.mu.Lock()
	for id, session := range s.sessions {
		if now-session.LastAccess() > s.cfg.ExpirationTime.Milliseconds() {
			s.logger.Debug("session: expired", slog.String("id", id))
			delete(s.sessions, id)
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()
	for _, id := range expired {
		s.notifyDeleted(id)
	}
}

// RemoveSession deletes a session from the store and fires the deletion
// callbacks. Held handles stay valid.
func (s *Store) RemoveSession(session Session) {
	if session.IsNull() {
		return
	}
	s.mu.Lock()
	delete(s.sessions, session.ID())
	s.mu.Unlock()
	s.notifyDeleted(session.ID())
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
