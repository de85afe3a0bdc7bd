// Package safety provides the gearbox interlock: emergency stop state,
// the tick watchdog and the hardware shutdown fan-out.
package safety

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gberrors "mh400e-gearbox/pkg/errors"
	"mh400e-gearbox/pkg/log"
)

// ShutdownState represents the interlock state.
type ShutdownState int

const (
	// StateRunning indicates normal operation.
	StateRunning ShutdownState = iota

	// StateShuttingDown indicates shutdown is in progress.
	StateShuttingDown

	// StateShutdown indicates a requested shutdown.
	StateShutdown

	// StateError indicates a fault-triggered shutdown.
	StateError
)

func (s ShutdownState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateShutdown:
		return "shutdown"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ShutdownReason describes why the gearbox was shut down.
type ShutdownReason string

const (
	ReasonNone            ShutdownReason = ""
	ReasonEmergencyStop   ShutdownReason = "emergency_stop"
	ReasonSpindleRunning  ShutdownReason = "spindle_running"
	ReasonTwitchConflict  ShutdownReason = "twitch_conflict"
	ReasonOvershootLimit  ShutdownReason = "overshoot_limit"
	ReasonMissingStage    ShutdownReason = "missing_stage"
	ReasonWatchdogTimeout ShutdownReason = "watchdog_timeout"
	ReasonCommunication   ShutdownReason = "communication_error"
	ReasonUserRequest     ShutdownReason = "user_request"
)

// ShutdownError reports a shutdown that did not come from a controller
// fault.
type ShutdownError struct {
	Reason ShutdownReason
	Msg    string
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Msg)
}

// ReasonFor maps a controller fault onto a shutdown reason.
func ReasonFor(err error) ShutdownReason {
	var se *ShutdownError
	if errors.As(err, &se) {
		return se.Reason
	}
	code, _ := gberrors.Code(err)
	switch code {
	case gberrors.ErrSpindleRunning:
		return ReasonSpindleRunning
	case gberrors.ErrTwitchConflict:
		return ReasonTwitchConflict
	case gberrors.ErrOvershootLimit:
		return ReasonOvershootLimit
	case gberrors.ErrMissingStage:
		return ReasonMissingStage
	case gberrors.ErrBridgeFrame, gberrors.ErrBridgeLink:
		return ReasonCommunication
	default:
		return ReasonEmergencyStop
	}
}

var (
	ErrShutdown      = errors.New("safety: gearbox is shut down")
	ErrEmergencyStop = errors.New("safety: emergency stop triggered")
)

// MotorDisabler can drop every actuator output.
type MotorDisabler interface {
	DisableMotors() error
}

// BridgeCommander is an I/O bridge that can latch its own emergency stop.
type BridgeCommander interface {
	SendEmergencyStop() error
	IsConnected() bool
}

// Manager manages the shutdown state.
type Manager struct {
	mu sync.RWMutex

	state          ShutdownState
	shutdownReason ShutdownReason
	shutdownMsg    string
	shutdownTime   time.Time
	trips          uint64

	motors  []MotorDisabler
	bridges []BridgeCommander

	watchdogCtx     context.Context
	watchdogCancel  context.CancelFunc
	watchdogTimeout time.Duration
	lastHeartbeat   time.Time
	watchdogMu      sync.Mutex

	onShutdown    []func(reason ShutdownReason, msg string)
	onStateChange []func(oldState, newState ShutdownState)

	logger *log.Logger
}

// New creates a new safety Manager.
func New() *Manager {
	return &Manager{
		state:           StateRunning,
		watchdogTimeout: time.Second,
		logger:          log.GetLogger("safety"),
	}
}

// Config holds configuration for the safety manager.
type Config struct {
	WatchdogTimeout time.Duration
}

// Configure applies configuration to the manager.
func (m *Manager) Configure(cfg Config) {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	if cfg.WatchdogTimeout > 0 {
		m.watchdogTimeout = cfg.WatchdogTimeout
	}
}

// RegisterMotor registers an actuator driver for emergency shutdown.
func (m *Manager) RegisterMotor(motor MotorDisabler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.motors = append(m.motors, motor)
}

// RegisterBridge registers an I/O bridge for emergency shutdown.
func (m *Manager) RegisterBridge(b BridgeCommander) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bridges = append(m.bridges, b)
}

// OnShutdown registers a callback for when shutdown occurs.
func (m *Manager) OnShutdown(fn func(reason ShutdownReason, msg string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onShutdown = append(m.onShutdown, fn)
}

// OnStateChange registers a callback for state changes.
func (m *Manager) OnStateChange(fn func(oldState, newState ShutdownState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = append(m.onStateChange, fn)
}

// GetState returns the current shutdown state.
func (m *Manager) GetState() ShutdownState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// GetShutdownInfo returns shutdown details.
func (m *Manager) GetShutdownInfo() (ShutdownReason, string, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shutdownReason, m.shutdownMsg, m.shutdownTime
}

// IsShutdown reports whether the interlock is tripped.
func (m *Manager) IsShutdown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state != StateRunning
}

// CheckOperational returns an error if the gearbox is not operational.
func (m *Manager) CheckOperational() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state != StateRunning {
		return fmt.Errorf("%w: %s - %s", ErrShutdown, m.shutdownReason, m.shutdownMsg)
	}
	return nil
}

// Trip records a controller fault and shuts the hardware down.
func (m *Manager) Trip(err error) {
	_ = m.invokeShutdown(ReasonFor(err), err.Error())
}

// EmergencyStop triggers an immediate emergency stop.
func (m *Manager) EmergencyStop(msg string) error {
	return m.invokeShutdown(ReasonEmergencyStop, msg)
}

// WatchdogTimeout triggers a shutdown due to a stalled tick loop.
func (m *Manager) WatchdogTimeout() error {
	return m.invokeShutdown(ReasonWatchdogTimeout, "gearbox tick heartbeat timeout")
}

// CommunicationError triggers a shutdown due to I/O bridge failure.
func (m *Manager) CommunicationError(bridge, errMsg string) error {
	return m.invokeShutdown(ReasonCommunication, fmt.Sprintf("bridge %s: %s", bridge, errMsg))
}

// RequestShutdown triggers a shutdown by user request.
func (m *Manager) RequestShutdown(msg string) error {
	return m.invokeShutdown(ReasonUserRequest, msg)
}

func (m *Manager) invokeShutdown(reason ShutdownReason, msg string) error {
	m.mu.Lock()

	if m.state != StateRunning {
		m.mu.Unlock()
		return nil
	}

	oldState := m.state
	m.state = StateShuttingDown
	m.shutdownReason = reason
	m.shutdownMsg = msg
	m.shutdownTime = time.Now()
	m.trips++

	motors := make([]MotorDisabler, len(m.motors))
	copy(motors, m.motors)
	bridges := make([]BridgeCommander, len(m.bridges))
	copy(bridges, m.bridges)

	m.mu.Unlock()

	m.logger.WithFields(log.Fields{"reason": string(reason)}).Errorf("shutdown: %s", msg)
	m.StopWatchdog()

	for _, motor := range motors {
		if err := motor.DisableMotors(); err != nil {
			m.logger.WithError(err).Warn("disable motors failed")
		}
	}
	for _, b := range bridges {
		if b.IsConnected() {
			_ = b.SendEmergencyStop() // best effort
		}
	}

	m.mu.Lock()
	finalState := StateError
	if reason == ReasonUserRequest {
		finalState = StateShutdown
	}
	m.state = finalState

	onShutdown := make([]func(ShutdownReason, string), len(m.onShutdown))
	copy(onShutdown, m.onShutdown)
	onStateChange := make([]func(ShutdownState, ShutdownState), len(m.onStateChange))
	copy(onStateChange, m.onStateChange)
	m.mu.Unlock()

	for _, fn := range onStateChange {
		fn(oldState, finalState)
	}
	for _, fn := range onShutdown {
		fn(reason, msg)
	}

	return nil
}

// StartWatchdog starts the watchdog timer.
func (m *Manager) StartWatchdog() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()

	if m.watchdogCancel != nil {
		return
	}

	m.watchdogCtx, m.watchdogCancel = context.WithCancel(context.Background())
	m.lastHeartbeat = time.Now()

	go m.watchdogLoop(m.watchdogCtx)
}

// StopWatchdog stops the watchdog timer.
func (m *Manager) StopWatchdog() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()

	if m.watchdogCancel != nil {
		m.watchdogCancel()
		m.watchdogCancel = nil
	}
}

// Heartbeat updates the watchdog timer. The tick loop calls it once per tick.
func (m *Manager) Heartbeat() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	m.lastHeartbeat = time.Now()
}

func (m *Manager) watchdogLoop(ctx context.Context) {
	m.watchdogMu.Lock()
	interval := m.watchdogTimeout / 4
	m.watchdogMu.Unlock()
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.watchdogMu.Lock()
			elapsed := time.Since(m.lastHeartbeat)
			timeout := m.watchdogTimeout
			m.watchdogMu.Unlock()

			if elapsed > timeout {
				m.WatchdogTimeout()
				return
			}
		}
	}
}

// Reset returns a tripped interlock to running.
func (m *Manager) Reset() error {
	m.mu.Lock()
	if m.state == StateRunning || m.state == StateShuttingDown {
		m.mu.Unlock()
		return errors.New("safety: cannot reset while running or shutting down")
	}

	old := m.state
	m.state = StateRunning
	m.shutdownReason = ReasonNone
	m.shutdownMsg = ""
	m.shutdownTime = time.Time{}
	onStateChange := make([]func(ShutdownState, ShutdownState), len(m.onStateChange))
	copy(onStateChange, m.onStateChange)
	m.mu.Unlock()

	m.logger.Info("interlock reset")
	for _, fn := range onStateChange {
		fn(old, StateRunning)
	}
	return nil
}

// Status is the reported interlock state.
type Status struct {
	State          string    `json:"state"`
	ShutdownReason string    `json:"shutdown_reason,omitempty"`
	ShutdownMsg    string    `json:"shutdown_msg,omitempty"`
	ShutdownTime   time.Time `json:"shutdown_time,omitempty"`
	Trips          uint64    `json:"trips"`
	IsOperational  bool      `json:"is_operational"`
}

// GetStatus returns the current status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Status{
		State:          m.state.String(),
		ShutdownReason: string(m.shutdownReason),
		ShutdownMsg:    m.shutdownMsg,
		ShutdownTime:   m.shutdownTime,
		Trips:          m.trips,
		IsOperational:  m.state == StateRunning,
	}
}
