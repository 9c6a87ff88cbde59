// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/cbcalves/crudQtTest/pkg/request"
	"github.com/cbcalves/crudQtTest/pkg/response"
)

func newStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s := NewStore(cfg)
	t.Cleanup(s.Close)
	return s
}

// clientRequest parses a raw request the way the connection handler would.
func clientRequest(t *testing.T, raw string) *request.Request {
	t.Helper()
	req := request.New(request.Config{})
	br := bufio.NewReader(strings.NewReader(raw))
	for req.Status() != request.StatusComplete && req.Status() != request.StatusAbort {
		if err := req.ReadFromSocket(br); err != nil {
			t.Fatalf("ReadFromSocket failed: %v", err)
		}
	}
	return req
}

func TestGetSessionCreatesAndSetsCookie(t *testing.T) {
	store := newStore(t, Config{ExpirationTime: time.Hour})
	req := clientRequest(t, "GET / HTTP/1.1\r\n\r\n")
	var buf bytes.Buffer
	res := response.New(&buf, nil)

	session := store.GetSession(req, res, true)
	if session.IsNull() {
		t.Fatal("expected a new session")
	}

	c := res.Cookie("sessionid")
	if c.Value != session.ID() {
		t.Errorf("cookie value = %q, want %q", c.Value, session.ID())
	}
	if c.MaxAge != 3600 {
		t.Errorf("cookie MaxAge = %d, want 3600", c.MaxAge)
	}
	if c.SameSite != "Lax" {
		t.Errorf("cookie SameSite = %q", c.SameSite)
	}
	if c.Secure || c.HttpOnly {
		t.Error("session cookie must be neither Secure nor HttpOnly")
	}
}

func TestGetSessionRoundTrip(t *testing.T) {
	store := newStore(t, Config{ExpirationTime: time.Hour})

	// first request mints the session
	req1 := clientRequest(t, "GET / HTTP/1.1\r\n\r\n")
	var buf1 bytes.Buffer
	res1 := response.New(&buf1, nil)
	first := store.GetSession(req1, res1, true)
	first.Set("user", "alice")

	// second request carries the cookie back
	req2 := clientRequest(t, "GET / HTTP/1.1\r\nCookie: sessionid="+first.ID()+"\r\n\r\n")
	var buf2 bytes.Buffer
	res2 := response.New(&buf2, nil)
	second := store.GetSession(req2, res2, true)

	if second.ID() != first.ID() {
		t.Fatalf("second request got session %s, want %s", second.ID(), first.ID())
	}
	if got := second.Get("user"); got != "alice" {
		t.Errorf("user = %v", got)
	}
	// the cookie is refreshed on every touch
	if res2.Cookie("sessionid").Value != first.ID() {
		t.Error("cookie not refreshed on second request")
	}
}

func TestGetSessionPrefersResponseCookie(t *testing.T) {
	store := newStore(t, Config{})
	req := clientRequest(t, "GET / HTTP/1.1\r\nCookie: sessionid=stale\r\n\r\n")
	var buf bytes.Buffer
	res := response.New(&buf, nil)

	// a session created earlier in the same request is on the response
	created := store.GetSession(req, res, true)
	again := store.GetSession(req, res, true)
	if again.ID() != created.ID() {
		t.Errorf("got %s, want the in-progress session %s", again.ID(), created.ID())
	}
}

func TestGetSessionWithoutCreate(t *testing.T) {
	store := newStore(t, Config{})
	req := clientRequest(t, "GET / HTTP/1.1\r\nCookie: sessionid=unknown\r\n\r\n")
	var buf bytes.Buffer
	res := response.New(&buf, nil)

	session := store.GetSession(req, res, false)
	if !session.IsNull() {
		t.Fatal("expected the null session")
	}
	if res.Cookie("sessionid").Value != "" {
		t.Error("cookie set for null session")
	}
}

func TestGetSessionByID(t *testing.T) {
	store := newStore(t, Config{})
	req := clientRequest(t, "GET / HTTP/1.1\r\n\r\n")
	var buf bytes.Buffer
	res := response.New(&buf, nil)
	created := store.GetSession(req, res, true)

	got := store.GetSessionByID(created.ID())
	if got.ID() != created.ID() {
		t.Errorf("GetSessionByID = %s", got.ID())
	}
	if missing := store.GetSessionByID("nope"); !missing.IsNull() {
		t.Error("unknown id did not yield the null session")
	}
}

func TestExpiryTickRemovesAndNotifies(t *testing.T) {
	store := newStore(t, Config{ExpirationTime: time.Hour})
	req := clientRequest(t, "GET / HTTP/1.1\r\n\r\n")
	var buf bytes.Buffer
	res := response.New(&buf, nil)
	session := store.GetSession(req, res, true)

	var deleted []string
	store.OnSessionDeleted(func(id string) {
		deleted = append(deleted, id)
	})

	// one tick before the deadline: still alive
	store.expireSessions(session.LastAccess() + time.Hour.Milliseconds())
	if store.Count() != 1 {
		t.Fatal("session expired too early")
	}

	// past the deadline: removed and notified
	store.expireSessions(session.LastAccess() + time.Hour.Milliseconds() + 1)
	if store.Count() != 0 {
		t.Fatal("session not expired")
	}
	if len(deleted) != 1 || deleted[0] != session.ID() {
		t.Errorf("deleted = %v", deleted)
	}

	// the id no longer resolves, but the held handle stays valid
	if !store.GetSessionByID(session.ID()).IsNull() {
		t.Error("expired id still resolves")
	}
	session.Set("still", "works")
	if session.Get("still") != "works" {
		t.Error("held handle invalidated by eviction")
	}
}

func TestRemoveSessionNotifies(t *testing.T) {
	store := newStore(t, Config{})
	req := clientRequest(t, "GET / HTTP/1.1\r\n\r\n")
	var buf bytes.Buffer
	res := response.New(&buf, nil)
	session := store.GetSession(req, res, true)

	var deleted []string
	store.OnSessionDeleted(func(id string) {
		deleted = append(deleted, id)
	})

	store.RemoveSession(session)
	if store.Count() != 0 {
		t.Error("session still stored")
	}
	if len(deleted) != 1 || deleted[0] != session.ID() {
		t.Errorf("deleted = %v", deleted)
	}

	// removing the null session is a no-op
	store.RemoveSession(Session{})
	if len(deleted) != 1 {
		t.Errorf("null session removal notified: %v", deleted)
	}
}
