// HTTP server for the Prometheus metrics endpoint
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Gatherer produces the metrics page.
type Gatherer interface {
	Gather() string
}

// MetricsServerConfig holds server configuration
type MetricsServerConfig struct {
	// Address to listen on (e.g., ":9100" or "127.0.0.1:9100")
	Address string

	// Optional basic auth credentials
	Username string
	Password string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultMetricsServerConfig returns default server configuration
func DefaultMetricsServerConfig() MetricsServerConfig {
	return MetricsServerConfig{
		Address:      ":9100",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// MetricsServer serves metrics over HTTP. Readiness is reported through
// the ready func, typically "the bridge is connected and the interlock
// is not tripped".
type MetricsServer struct {
	g      Gatherer
	ready  func() bool
	config MetricsServerConfig
	server *http.Server

	mu        sync.RWMutex
	listener  net.Listener
	startTime time.Time
}

// NewMetricsServer creates a metrics server. ready may be nil.
func NewMetricsServer(g Gatherer, config MetricsServerConfig, ready func() bool) *MetricsServer {
	ms := &MetricsServer{g: g, ready: ready, config: config}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", ms.handleMetrics)
	mux.HandleFunc("/health", ms.handleHealth)
	mux.HandleFunc("/ready", ms.handleReady)
	ms.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return ms
}

// Handler returns the HTTP handler.
func (ms *MetricsServer) Handler() http.Handler {
	return ms.server.Handler
}

// Start listens on the configured address and serves in the background.
func (ms *MetricsServer) Start() error {
	ln, err := net.Listen("tcp", ms.config.Address)
	if err != nil {
		return fmt.Errorf("metrics server listen: %w", err)
	}
	ms.mu.Lock()
	ms.listener = ln
	ms.startTime = time.Now()
	ms.mu.Unlock()

	go func() {
		if err := ms.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ms.mu.Lock()
			ms.listener = nil
			ms.mu.Unlock()
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (ms *MetricsServer) Addr() net.Addr {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.listener == nil {
		return nil
	}
	return ms.listener.Addr()
}

// Shutdown gracefully shuts down the server
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	ms.mu.Lock()
	ms.listener = nil
	ms.mu.Unlock()
	return ms.server.Shutdown(ctx)
}

func (ms *MetricsServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !ms.checkAuth(w, r) {
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	output := ms.g.Gather()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(output)))
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write([]byte(output))
}

func (ms *MetricsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("OK\n"))
}

func (ms *MetricsServer) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if ms.ready != nil && !ms.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Not Ready\n"))
		return
	}
	_, _ = w.Write([]byte("Ready\n"))
}

func (ms *MetricsServer) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if ms.config.Username == "" && ms.config.Password == "" {
		return true
	}

	username, password, ok := r.BasicAuth()
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(ms.config.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(ms.config.Password)) == 1
	if !ok || !userOK || !passOK {
		w.Header().Set("WWW-Authenticate", `Basic realm="gearbox metrics"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}
