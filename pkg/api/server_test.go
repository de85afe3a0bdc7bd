package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"

	gberrors "mh400e-gearbox/pkg/errors"
	"mh400e-gearbox/pkg/gearbox"
	"mh400e-gearbox/pkg/journal"
	"mh400e-gearbox/pkg/safety"
)

// mockGearbox implements Gearbox for testing.
type mockGearbox struct {
	mu       sync.Mutex
	status   *gearbox.Status
	rpm      []float64
	estops   []string
	resets   int
	rpmErr   error
	resetErr error
}

func (m *mockGearbox) Status() *gearbox.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *mockGearbox) setStatus(st *gearbox.Status) {
	m.mu.Lock()
	m.status = st
	m.mu.Unlock()
}

func (m *mockGearbox) RequestRPM(rpm float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rpmErr != nil {
		return m.rpmErr
	}
	m.rpm = append(m.rpm, rpm)
	return nil
}

func (m *mockGearbox) EmergencyStop(msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.estops = append(m.estops, msg)
	return nil
}

func (m *mockGearbox) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resetErr != nil {
		return m.resetErr
	}
	m.resets++
	return nil
}

type mockHistory struct {
	limit   int
	kind    journal.Kind
	entries []journal.Entry
}

func (h *mockHistory) Recent(limit int, kind journal.Kind) ([]journal.Entry, error) {
	h.limit, h.kind = limit, kind
	if len(h.entries) > limit {
		return h.entries[:limit], nil
	}
	return h.entries, nil
}

func idleStatus() *gearbox.Status {
	return &gearbox.Status{
		State:       gearbox.StateIdle,
		Stage:       "idle",
		SelectedRPM: 500,
		CurrentRPM:  500,
		InGear:      true,
		Ticks:       10,
	}
}

func newTestServer(t *testing.T) (*Server, *mockGearbox, *mockHistory) {
	t.Helper()
	gb := &mockGearbox{status: idleStatus()}
	hist := &mockHistory{}
	s := New(Config{Addr: "127.0.0.1:0", Gearbox: gb, History: hist})
	return s, gb, hist
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := sonnet.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestStatusEndpoint(t *testing.T) {
	s, gb, _ := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, "GET", "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	result, ok := decode(t, rec)["result"].(map[string]any)
	if !ok {
		t.Fatalf("missing result in %s", rec.Body.String())
	}
	if result["state"] != "idle" {
		t.Errorf("state = %v, want idle", result["state"])
	}
	if result["selected_rpm"] != float64(500) {
		t.Errorf("selected_rpm = %v, want 500", result["selected_rpm"])
	}

	gb.setStatus(nil)
	rec = do(t, h, "GET", "/api/status", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status before first tick = %d, want 503", rec.Code)
	}

	rec = do(t, h, "POST", "/api/status", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rec.Code)
	}
}

func TestRequestRPMEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		target   string
		body     string
		wantCode int
		wantRPM  float64
	}{
		{"json body", "POST", "/api/rpm", `{"rpm": 500}`, http.StatusOK, 500},
		{"query", "POST", "/api/rpm?rpm=1250", "", http.StatusOK, 1250},
		{"fraction", "POST", "/api/rpm", `{"rpm": 712.5}`, http.StatusOK, 712.5},
		{"missing", "POST", "/api/rpm", `{}`, http.StatusBadRequest, -1},
		{"not a number", "POST", "/api/rpm?rpm=fast", "", http.StatusBadRequest, -1},
		{"bad json", "POST", "/api/rpm", `{"rpm":`, http.StatusBadRequest, -1},
		{"wrong method", "GET", "/api/rpm?rpm=500", "", http.StatusMethodNotAllowed, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, gb, _ := newTestServer(t)
			rec := do(t, s.Handler(), tt.method, tt.target, tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantRPM < 0 {
				if len(gb.rpm) != 0 {
					t.Errorf("unexpected request %v", gb.rpm)
				}
				return
			}
			if len(gb.rpm) != 1 || gb.rpm[0] != tt.wantRPM {
				t.Errorf("requests = %v, want [%v]", gb.rpm, tt.wantRPM)
			}
		})
	}
}

func TestRequestRPMRefused(t *testing.T) {
	s, gb, _ := newTestServer(t)
	gb.rpmErr = fmt.Errorf("%w: emergency_stop - test", safety.ErrShutdown)

	rec := do(t, s.Handler(), "POST", "/api/rpm", `{"rpm": 500}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("code = %d, want 409", rec.Code)
	}
	errObj, _ := decode(t, rec)["error"].(map[string]any)
	if msg, _ := errObj["message"].(string); !strings.Contains(msg, "shut down") {
		t.Errorf("message = %q", msg)
	}

	gb.rpmErr = gberrors.New(gberrors.ErrUnknownGear, "no gear for 99999 rpm")
	rec = do(t, s.Handler(), "POST", "/api/rpm", `{"rpm": 99999}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("code = %d, want 422", rec.Code)
	}
}

func TestEmergencyStopAndReset(t *testing.T) {
	s, gb, _ := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, "POST", "/api/emergency_stop", `{"message": "operator"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("estop code = %d", rec.Code)
	}
	rec = do(t, h, "POST", "/api/emergency_stop", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("estop code = %d", rec.Code)
	}
	if len(gb.estops) != 2 || gb.estops[0] != "operator" || gb.estops[1] == "" {
		t.Errorf("estops = %q", gb.estops)
	}

	rec = do(t, h, "POST", "/api/reset", "")
	if rec.Code != http.StatusOK || gb.resets != 1 {
		t.Fatalf("reset code = %d, resets = %d", rec.Code, gb.resets)
	}

	gb.resetErr = errors.New("safety: cannot reset while running or shutting down")
	rec = do(t, h, "POST", "/api/reset", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("failed reset code = %d, want 503", rec.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	s, _, hist := newTestServer(t)
	hist.entries = []journal.Entry{
		{ID: "c", Kind: journal.KindShift, FromRPM: 80, ToRPM: 500},
		{ID: "b", Kind: journal.KindShift, FromRPM: 500, ToRPM: 80},
		{ID: "a", Kind: journal.KindShift, FromRPM: 0, ToRPM: 500},
	}

	rec := do(t, s.Handler(), "GET", "/api/history?limit=2&kind=shift", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body.String())
	}
	if hist.limit != 2 || hist.kind != journal.KindShift {
		t.Errorf("query limit=%d kind=%q", hist.limit, hist.kind)
	}
	result := decode(t, rec)["result"].(map[string]any)
	if result["count"] != float64(2) {
		t.Errorf("count = %v, want 2", result["count"])
	}
	entries := result["entries"].([]any)
	if first := entries[0].(map[string]any); first["id"] != "c" || first["to_rpm"] != float64(500) {
		t.Errorf("first entry = %v", first)
	}

	rec = do(t, s.Handler(), "GET", "/api/history", "")
	if rec.Code != http.StatusOK || hist.limit != defaultHistoryLimit || hist.kind != "" {
		t.Errorf("defaults: code=%d limit=%d kind=%q", rec.Code, hist.limit, hist.kind)
	}

	rec = do(t, s.Handler(), "GET", "/api/history?limit=0", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("limit=0 code = %d, want 400", rec.Code)
	}

	rec = do(t, s.Handler(), "GET", "/api/history?limit=100000", "")
	if rec.Code != http.StatusOK || hist.limit != maxHistoryLimit {
		t.Errorf("limit clamp: code=%d limit=%d", rec.Code, hist.limit)
	}

	noJournal := New(Config{Gearbox: &mockGearbox{status: idleStatus()}})
	rec = do(t, noJournal.Handler(), "GET", "/api/history", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("without journal code = %d, want 503", rec.Code)
	}
}

func TestJSONRPC(t *testing.T) {
	s, gb, _ := newTestServer(t)
	h := s.Handler()

	tests := []struct {
		name     string
		body     string
		wantCode int // JSON-RPC error code, 0 for success
	}{
		{"status", `{"jsonrpc":"2.0","method":"gearbox.status","id":1}`, 0},
		{"request rpm", `{"jsonrpc":"2.0","method":"gearbox.request_rpm","params":{"rpm":2000},"id":2}`, 0},
		{"missing rpm", `{"jsonrpc":"2.0","method":"gearbox.request_rpm","params":{},"id":3}`, codeInvalidParams},
		{"unknown method", `{"jsonrpc":"2.0","method":"machine.info","id":4}`, codeMethodNotFound},
		{"parse error", `{"jsonrpc":`, codeParseError},
		{"server info", `{"jsonrpc":"2.0","method":"server.info","id":5}`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, "POST", "/jsonrpc", tt.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("http code = %d", rec.Code)
			}
			var resp jsonRPCResponse
			if err := sonnet.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if tt.wantCode == 0 {
				if resp.Error != nil {
					t.Fatalf("unexpected error: %+v", resp.Error)
				}
				if resp.Result == nil {
					t.Error("expected result, got nil")
				}
				return
			}
			if resp.Error == nil || resp.Error.Code != tt.wantCode {
				t.Errorf("error = %+v, want code %d", resp.Error, tt.wantCode)
			}
		})
	}

	if len(gb.rpm) != 1 || gb.rpm[0] != 2000 {
		t.Errorf("rpm requests = %v", gb.rpm)
	}

	rec := do(t, h, "GET", "/jsonrpc", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /jsonrpc = %d, want 405", rec.Code)
	}
}

// tripGearbox reports a tripped interlock.
type tripGearbox struct {
	*mockGearbox
}

func (tripGearbox) Interlock() safety.Status {
	return safety.Status{State: "error", ShutdownReason: "spindle_running", Trips: 1}
}

func TestServerInfoInterlock(t *testing.T) {
	s := New(Config{Gearbox: tripGearbox{&mockGearbox{status: idleStatus()}}})
	rec := do(t, s.Handler(), "GET", "/server/info", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	result, _ := decode(t, rec)["result"].(map[string]any)
	il, ok := result["interlock"].(map[string]any)
	if !ok {
		t.Fatalf("no interlock in %v", result)
	}
	if il["state"] != "error" || il["shutdown_reason"] != "spindle_running" {
		t.Errorf("interlock = %v", il)
	}

	plain, _, _ := newTestServer(t)
	rec = do(t, plain.Handler(), "GET", "/server/info", "")
	result, _ = decode(t, rec)["result"].(map[string]any)
	if _, ok := result["interlock"]; ok {
		t.Error("interlock reported for a gearbox without one")
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s.Handler(), "OPTIONS", "/api/rpm", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

// readWS reads messages until one satisfies match.
func readWS(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read websocket: %v", err)
		}
		var msg map[string]any
		if err := sonnet.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		if match(msg) {
			return msg
		}
	}
}

func isStatusUpdate(msg map[string]any) bool {
	return msg["method"] == "notify_status_update"
}

func dialWS(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + ts.URL[4:] + "/websocket"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocket(t *testing.T) {
	s, gb, _ := newTestServer(t)
	conn := dialWS(t, s)

	initial := readWS(t, conn, isStatusUpdate)
	params := initial["params"].([]any)
	if st := params[0].(map[string]any); st["state"] != "idle" {
		t.Errorf("initial status = %v", st)
	}

	req := map[string]any{
		"jsonrpc": "2.0",
		"method":  "gearbox.request_rpm",
		"params":  map[string]any{"rpm": 80},
		"id":      7,
	}
	data, _ := sonnet.Marshal(req)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("failed to send message: %v", err)
	}

	resp := readWS(t, conn, func(m map[string]any) bool { return m["id"] == float64(7) })
	if resp["error"] != nil {
		t.Fatalf("unexpected error: %v", resp["error"])
	}
	gb.mu.Lock()
	got := append([]float64(nil), gb.rpm...)
	gb.mu.Unlock()
	if len(got) != 1 || got[0] != 80 {
		t.Errorf("rpm requests = %v", got)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("send: %v", err)
	}
	bad := readWS(t, conn, func(m map[string]any) bool { return m["error"] != nil })
	if code := bad["error"].(map[string]any)["code"]; code != float64(codeParseError) {
		t.Errorf("error code = %v, want %d", code, codeParseError)
	}
}

func TestBroadcastStatus(t *testing.T) {
	s, gb, _ := newTestServer(t)
	conn := dialWS(t, s)
	readWS(t, conn, isStatusUpdate)

	if !s.broadcastStatus() {
		t.Fatal("first broadcast should go out")
	}
	readWS(t, conn, isStatusUpdate)

	// Only the tick counter moved.
	st := idleStatus()
	st.Ticks = 11
	gb.setStatus(st)
	if s.broadcastStatus() {
		t.Error("tick-only change should not be broadcast")
	}

	st = idleStatus()
	st.State = gearbox.StateShifting
	st.TargetRPM = 80
	gb.setStatus(st)
	if !s.broadcastStatus() {
		t.Fatal("state change should be broadcast")
	}
	msg := readWS(t, conn, isStatusUpdate)
	got := msg["params"].([]any)[0].(map[string]any)
	if got["state"] != "shifting" || got["target_rpm"] != float64(80) {
		t.Errorf("broadcast status = %v", got)
	}

	gb.setStatus(nil)
	if s.broadcastStatus() {
		t.Error("nil status should not be broadcast")
	}
}

func TestStartStop(t *testing.T) {
	gb := &mockGearbox{status: idleStatus()}
	s := New(Config{Addr: "127.0.0.1:0", Gearbox: gb, BroadcastInterval: 10 * time.Millisecond})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Post("http://"+s.Addr()+"/api/rpm", "application/json", bytes.NewBufferString(`{"rpm":160}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("code = %d", resp.StatusCode)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}
