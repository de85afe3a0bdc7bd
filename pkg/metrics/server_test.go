// Unit tests for metrics HTTP server
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type staticGatherer string

func (s staticGatherer) Gather() string { return string(s) }

func newTestServer(cfg MetricsServerConfig, ready func() bool) *MetricsServer {
	return NewMetricsServer(staticGatherer("gearbox_ticks_total 3\n"), cfg, ready)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultMetricsServerConfig()
	if cfg.Address != ":9100" {
		t.Errorf("address = %q", cfg.Address)
	}
	if cfg.ReadTimeout != 10*time.Second || cfg.WriteTimeout != 10*time.Second {
		t.Errorf("timeouts = %v/%v", cfg.ReadTimeout, cfg.WriteTimeout)
	}
	if cfg.Username != "" || cfg.Password != "" {
		t.Error("auth should be off by default")
	}
}

func TestHandleMetrics(t *testing.T) {
	ms := newTestServer(DefaultMetricsServerConfig(), nil)

	rec := httptest.NewRecorder()
	ms.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain; version=0.0.4") {
		t.Errorf("content type = %q", ct)
	}
	if body := rec.Body.String(); body != "gearbox_ticks_total 3\n" {
		t.Errorf("body = %q", body)
	}
}

func TestHandleMetricsHead(t *testing.T) {
	ms := newTestServer(DefaultMetricsServerConfig(), nil)

	rec := httptest.NewRecorder()
	ms.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD returned a body: %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Length") != "22" {
		t.Errorf("content length = %q", rec.Header().Get("Content-Length"))
	}
}

func TestHandleMetricsMethodNotAllowed(t *testing.T) {
	ms := newTestServer(DefaultMetricsServerConfig(), nil)

	rec := httptest.NewRecorder()
	ms.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestHandleHealthAndReady(t *testing.T) {
	ready := false
	ms := newTestServer(DefaultMetricsServerConfig(), func() bool { return ready })

	tests := []struct {
		path   string
		ready  bool
		status int
		body   string
	}{
		{"/health", false, http.StatusOK, "OK\n"},
		{"/ready", false, http.StatusServiceUnavailable, "Not Ready\n"},
		{"/ready", true, http.StatusOK, "Ready\n"},
	}
	for _, tt := range tests {
		ready = tt.ready
		rec := httptest.NewRecorder()
		ms.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.status || rec.Body.String() != tt.body {
			t.Errorf("%s ready=%v: %d %q", tt.path, tt.ready, rec.Code, rec.Body.String())
		}
	}
}

func TestBasicAuth(t *testing.T) {
	cfg := DefaultMetricsServerConfig()
	cfg.Username = "maho"
	cfg.Password = "secret"
	ms := newTestServer(cfg, nil)

	tests := []struct {
		name     string
		user     string
		pass     string
		setAuth  bool
		expected int
	}{
		{"no credentials", "", "", false, http.StatusUnauthorized},
		{"wrong password", "maho", "nope", true, http.StatusUnauthorized},
		{"wrong user", "root", "secret", true, http.StatusUnauthorized},
		{"valid", "maho", "secret", true, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			if tt.setAuth {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rec := httptest.NewRecorder()
			ms.Handler().ServeHTTP(rec, req)
			if rec.Code != tt.expected {
				t.Errorf("status = %d, want %d", rec.Code, tt.expected)
			}
			if tt.expected == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}

	// Health stays public.
	rec := httptest.NewRecorder()
	ms.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health behind auth: %d", rec.Code)
	}
}

func TestStartAndShutdown(t *testing.T) {
	cfg := DefaultMetricsServerConfig()
	cfg.Address = "127.0.0.1:0"
	ms := newTestServer(cfg, nil)

	if ms.Addr() != nil {
		t.Fatal("Addr before Start should be nil")
	}
	if err := ms.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := ms.Addr()
	if addr == nil {
		t.Fatal("Addr after Start is nil")
	}

	resp, err := http.Get("http://" + addr.String() + "/metrics")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "gearbox_ticks_total 3") {
		t.Errorf("body = %q", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ms.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if ms.Addr() != nil {
		t.Error("Addr after Shutdown should be nil")
	}
}
