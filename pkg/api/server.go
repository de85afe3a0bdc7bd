// Package api exposes the gearbox over HTTP and a JSON-RPC websocket.
//
// Plain HTTP endpoints serve scripts and curl; the websocket carries the
// same methods plus a notify_status_update stream for front ends.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"

	gberrors "mh400e-gearbox/pkg/errors"
	"mh400e-gearbox/pkg/gearbox"
	"mh400e-gearbox/pkg/journal"
	"mh400e-gearbox/pkg/log"
	"mh400e-gearbox/pkg/safety"
)

// Gearbox is the control surface the server drives. Implementations must
// be safe for use from HTTP handler goroutines.
type Gearbox interface {
	// Status returns the latest published snapshot, or nil before the
	// first tick.
	Status() *gearbox.Status

	// RequestRPM sets the requested spindle speed.
	RequestRPM(rpm float64) error

	// EmergencyStop trips the interlock.
	EmergencyStop(msg string) error

	// Reset clears a tripped interlock.
	Reset() error
}

// InterlockReporter is optionally implemented by a Gearbox; server.info
// then carries the interlock state.
type InterlockReporter interface {
	Interlock() safety.Status
}

// History serves journal queries.
type History interface {
	Recent(limit int, kind journal.Kind) ([]journal.Entry, error)
}

// Config holds server configuration.
type Config struct {
	// HTTP address to listen on (e.g., ":7125")
	Addr string

	Gearbox Gearbox

	// History is optional; without it the history methods fail.
	History History

	// BroadcastInterval bounds the status notification rate.
	BroadcastInterval time.Duration
}

const (
	defaultBroadcastInterval = 250 * time.Millisecond
	defaultHistoryLimit      = 50
	maxHistoryLimit          = 1000
)

// Server is the HTTP/websocket front end.
type Server struct {
	gb       Gearbox
	history  History
	addr     string
	interval time.Duration
	logger   *log.Logger

	httpServer *http.Server
	listener   net.Listener

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*WSClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	lastDigest string

	running   atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	startTime time.Time
}

// New creates a server. Start must be called to listen.
func New(cfg Config) *Server {
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = defaultBroadcastInterval
	}
	s := &Server{
		gb:        cfg.Gearbox,
		history:   cfg.History,
		addr:      cfg.Addr,
		interval:  cfg.BroadcastInterval,
		logger:    log.GetLogger("api"),
		wsClients: make(map[int64]*WSClient),
		stop:      make(chan struct{}),
		startTime: time.Now(),
	}
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s
}

// Handler returns the routing handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/jsonrpc", s.handleJSONRPC)
	mux.HandleFunc("/websocket", s.handleWebSocket)

	mux.HandleFunc("/server/info", s.handleServerInfo)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/rpm", s.handleRequestRPM)
	mux.HandleFunc("/api/emergency_stop", s.handleEmergencyStop)
	mux.HandleFunc("/api/reset", s.handleReset)
	mux.HandleFunc("/api/history", s.handleHistory)

	return s.corsMiddleware(mux)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", s.addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running.Store(true)
	s.logger.Info("API server listening on %s", ln.Addr())

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("API server stopped")
		}
	}()
	go func() {
		defer s.wg.Done()
		s.statusBroadcastLoop()
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop closes every websocket client and shuts the listener down. Only
// the first call does anything.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stop)

		s.wsClientMu.Lock()
		for _, client := range s.wsClients {
			client.Close()
		}
		s.wsClients = make(map[int64]*WSClient)
		s.wsClientMu.Unlock()

		if s.httpServer != nil {
			err = s.httpServer.Shutdown(ctx)
		}
		s.wg.Wait()
	})
	return err
}

// JSON-RPC 2.0 structures

type jsonRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      any            `json:"id,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
	ID      any           `json:"id,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonRPCNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

// rpcError carries a JSON-RPC error code through dispatch.
type rpcError struct {
	code int
	msg  string
}

func (e *rpcError) Error() string { return e.msg }

func invalidParams(format string, args ...any) error {
	return &rpcError{code: codeInvalidParams, msg: fmt.Sprintf(format, args...)}
}

func errorCode(err error) int {
	var re *rpcError
	if errors.As(err, &re) {
		return re.code
	}
	return codeServerError
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		s.writeJSONRPCError(w, nil, codeParseError, "Parse error")
		return
	}
	var req jsonRPCRequest
	if err := sonnet.Unmarshal(body, &req); err != nil {
		s.writeJSONRPCError(w, nil, codeParseError, "Parse error")
		return
	}

	result, err := s.dispatchMethod(req.Method, req.Params)
	if err != nil {
		s.writeJSONRPCError(w, req.ID, errorCode(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, jsonRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID})
}

// dispatchMethod routes a method call to its handler.
func (s *Server) dispatchMethod(method string, params map[string]any) (any, error) {
	switch method {
	case "server.info":
		return s.methodServerInfo()
	case "gearbox.status":
		return s.methodStatus()
	case "gearbox.request_rpm":
		return s.methodRequestRPM(params)
	case "gearbox.emergency_stop":
		return s.methodEmergencyStop(params)
	case "gearbox.reset":
		return s.methodReset()
	case "gearbox.history":
		return s.methodHistory(params)
	default:
		return nil, &rpcError{code: codeMethodNotFound, msg: "method not found: " + method}
	}
}

func (s *Server) methodServerInfo() (any, error) {
	s.wsClientMu.RLock()
	clients := len(s.wsClients)
	s.wsClientMu.RUnlock()

	state := "startup"
	if st := s.gb.Status(); st != nil {
		state = st.State
	}
	info := map[string]any{
		"state":             state,
		"uptime":            time.Since(s.startTime).Seconds(),
		"websocket_count":   clients,
		"history_available": s.history != nil,
		"running":           s.running.Load(),
	}
	if ir, ok := s.gb.(InterlockReporter); ok {
		info["interlock"] = ir.Interlock()
	}
	return info, nil
}

func (s *Server) methodStatus() (any, error) {
	st := s.gb.Status()
	if st == nil {
		return nil, errors.New("gearbox not running yet")
	}
	return st, nil
}

func (s *Server) methodRequestRPM(params map[string]any) (any, error) {
	raw, ok := params["rpm"]
	if !ok {
		return nil, invalidParams("missing rpm parameter")
	}
	rpm, err := toFloat(raw)
	if err != nil {
		return nil, invalidParams("rpm: %v", err)
	}
	if err := s.gb.RequestRPM(rpm); err != nil {
		return nil, err
	}
	return map[string]any{"requested_rpm": rpm}, nil
}

func (s *Server) methodEmergencyStop(params map[string]any) (any, error) {
	msg, _ := params["message"].(string)
	if msg == "" {
		msg = "emergency stop requested over api"
	}
	if err := s.gb.EmergencyStop(msg); err != nil {
		return nil, err
	}
	return "ok", nil
}

func (s *Server) methodReset() (any, error) {
	if err := s.gb.Reset(); err != nil {
		return nil, err
	}
	return "ok", nil
}

func (s *Server) methodHistory(params map[string]any) (any, error) {
	if s.history == nil {
		return nil, errors.New("journal disabled")
	}
	limit := defaultHistoryLimit
	if raw, ok := params["limit"]; ok {
		f, err := toFloat(raw)
		if err != nil || f < 1 {
			return nil, invalidParams("limit must be a positive number")
		}
		limit = int(f)
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	var kind journal.Kind
	if raw, ok := params["kind"]; ok {
		str, _ := raw.(string)
		kind = journal.Kind(str)
	}

	entries, err := s.history.Recent(limit, kind)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	return map[string]any{"count": len(entries), "entries": entries}, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

// HTTP handlers

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	result, _ := s.methodServerInfo()
	s.writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.reply(w)(s.methodStatus())
}

func (s *Server) handleRequestRPM(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	params, err := s.readParams(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	s.reply(w)(s.methodRequestRPM(params))
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	params, err := s.readParams(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	s.reply(w)(s.methodEmergencyStop(params))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.reply(w)(s.methodReset())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	params := make(map[string]any)
	for _, key := range []string{"limit", "kind"} {
		if v := r.URL.Query().Get(key); v != "" {
			params[key] = v
		}
	}
	s.reply(w)(s.methodHistory(params))
}

// readParams merges query parameters with an optional JSON object body.
func (s *Server) readParams(r *http.Request) (map[string]any, error) {
	params := make(map[string]any)
	for key, vals := range r.URL.Query() {
		if len(vals) > 0 {
			params[key] = vals[0]
		}
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return params, nil
	}
	var fromBody map[string]any
	if err := sonnet.Unmarshal(body, &fromBody); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	for k, v := range fromBody {
		params[k] = v
	}
	return params, nil
}

// reply writes a method result or maps its error to an HTTP status.
func (s *Server) reply(w http.ResponseWriter) func(any, error) {
	return func(result any, err error) {
		if err != nil {
			s.writeJSONError(w, httpStatus(err), err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"result": result})
	}
}

func httpStatus(err error) int {
	if errorCode(err) == codeInvalidParams {
		return http.StatusBadRequest
	}
	switch {
	case errors.Is(err, safety.ErrShutdown):
		return http.StatusConflict
	case gberrors.Is(err, gberrors.ErrUnknownGear):
		return http.StatusUnprocessableEntity
	}
	return http.StatusServiceUnavailable
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// JSON response helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	body, err := sonnet.Marshal(data)
	if err != nil {
		s.logger.WithError(err).Error("encode response")
		http.Error(w, "encode error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(body, '\n'))
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]any{
		"error": jsonRPCError{Code: errorCode(err), Message: err.Error()},
	})
}

func (s *Server) writeJSONRPCError(w http.ResponseWriter, id any, code int, message string) {
	s.writeJSON(w, http.StatusOK, jsonRPCResponse{
		JSONRPC: "2.0",
		Error:   &jsonRPCError{Code: code, Message: message},
		ID:      id,
	})
}
