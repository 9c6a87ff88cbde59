// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHealthAllChecksPass(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("ok", func(ctx context.Context) error { return nil })

	status, checks := c.Health(context.Background())
	if status != StatusHealthy {
		t.Errorf("status = %s", status)
	}
	if len(checks) != 1 || checks[0].Status != StatusHealthy {
		t.Errorf("checks = %+v", checks)
	}
}

func TestHealthFailingCheckDegrades(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("bad", func(ctx context.Context) error { return errors.New("down") })

	status, checks := c.Health(context.Background())
	if status != StatusDegraded {
		t.Errorf("status = %s", status)
	}
	if checks[0].Message != "down" {
		t.Errorf("message = %q", checks[0].Message)
	}
}

func TestHealthResultsCached(t *testing.T) {
	calls := 0
	c := NewChecker(time.Minute)
	c.Register("counted", func(ctx context.Context) error {
		calls++
		return nil
	})

	c.Health(context.Background())
	c.Health(context.Background())
	if calls != 1 {
		t.Errorf("check ran %d times within the TTL", calls)
	}
}

func TestHTTPHandlerDegradedStillOK(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("bad", func(ctx context.Context) error { return errors.New("down") })

	rec := httptest.NewRecorder()
	c.HTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("degraded health code = %d, want 200", rec.Code)
	}
}

func TestReadinessHandlerDegradedFails(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("bad", func(ctx context.Context) error { return errors.New("down") })

	rec := httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness code = %d, want 503", rec.Code)
	}
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("liveness code = %d", rec.Code)
	}
}
