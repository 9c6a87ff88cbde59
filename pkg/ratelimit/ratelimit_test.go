// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
)

func TestTokenBucketAllowsUpToCapacity(t *testing.T) {
	tb := NewTokenBucket(3, 1)

	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("request %d denied within capacity", i)
		}
	}
	if tb.Allow() {
		t.Error("request allowed beyond capacity")
	}
}

func TestTokenBucketAllowN(t *testing.T) {
	tb := NewTokenBucket(10, 1)

	if !tb.AllowN(10) {
		t.Error("burst within capacity denied")
	}
	if tb.AllowN(1) {
		t.Error("request allowed on empty bucket")
	}
	if got := tb.Available(); got != 0 {
		t.Errorf("Available = %d, want 0", got)
	}
}

func TestClientLimiterIsolatesClients(t *testing.T) {
	l := NewClientLimiter(1, 1, 100)

	if !l.Allow("10.0.0.1") {
		t.Error("first client denied")
	}
	if l.Allow("10.0.0.1") {
		t.Error("first client allowed beyond capacity")
	}
	// another client has its own bucket
	if !l.Allow("10.0.0.2") {
		t.Error("second client denied")
	}
	if got := l.Clients(); got != 2 {
		t.Errorf("Clients = %d, want 2", got)
	}
}

func TestClientLimiterMaxClients(t *testing.T) {
	l := NewClientLimiter(1, 1, 2)

	l.Allow("a")
	l.Allow("b")
	if l.Allow("c") {
		t.Error("request allowed beyond max tracked clients")
	}

	l.Remove("a")
	if !l.Allow("c") {
		t.Error("request denied after a slot was freed")
	}
}
