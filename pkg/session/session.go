// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session provides the in-process, cookie-keyed session store.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is a shared handle to one session's data. Copies of a Session
// share the same backing value; a handle held outside the store stays
// valid after the store evicts the session. The zero Session is the null
// session: all reads return empty values and all writes are no-ops.
type Session struct {
	data *sessionData
}

type sessionData struct {
	lock       sync.RWMutex
	id         string
	values     map[string]any
	lastAccess int64
}

// NewSession creates a session with a fresh cryptographically random
// identifier and the current access time.
func NewSession() Session {
	return Session{
		data: &sessionData{
			id:         uuid.New().String(),
			values:     make(map[string]any),
			lastAccess: time.Now().UnixMilli(),
		},
	}
}

// IsNull reports whether the handle has no backing session.
func (s Session) IsNull() bool {
	return s.data == nil
}

// ID returns the unique identifier of the session, or "" for the null
// session.
func (s Session) ID() string {
	if s.data == nil {
		return ""
	}
	return s.data.id
}

// Set stores a value under the given key.
func (s Session) Set(key string, value any) {
	if s.data == nil {
		return
	}
	s.data.lock.Lock()
	defer s.data.lock.Unlock()
	s.data.values[key] = value
}

// Remove deletes the value stored under the given key.
func (s Session) Remove(key string) {
	if s.data == nil {
		return
	}
	s.data.lock.Lock()
	defer s.data.lock.Unlock()
	delete(s.data.values, key)
}

// Get returns the value stored under the given key, or nil.
func (s Session) Get(key string) any {
	if s.data == nil {
		return nil
	}
	s.data.lock.RLock()
	defer s.data.lock.RUnlock()
	return s.data.values[key]
}

// Contains reports whether a value is stored under the given key.
func (s Session) Contains(key string) bool {
	if s.data == nil {
		return false
	}
	s.data.lock.RLock()
	defer s.data.lock.RUnlock()
	_, found := s.data.values[key]
	return found
}

// GetAll returns a copy of all stored values.
func (s Session) GetAll() map[string]any {
	if s.data == nil {
		return nil
	}
	s.data.lock.RLock()
	defer s.data.lock.RUnlock()
	values := make(map[string]any, len(s.data.values))
	for key, value := range s.data.values {
		values[key] = value
	}
	return values
}

// LastAccess returns the time of last access in milliseconds since the
// epoch.
func (s Session) LastAccess() int64 {
	if s.data == nil {
		return 0
	}
	s.data.lock.RLock()
	defer s.data.lock.RUnlock()
	return s.data.lastAccess
}

// Touch sets the time of last access to now.
func (s Session) Touch() {
	if s.data == nil {
		return
	}
	s.data.lock.Lock()
	defer s.data.lock.Unlock()
	s.data.lastAccess = time.Now().UnixMilli()
}
