package safety

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	gberrors "mh400e-gearbox/pkg/errors"
)

type mockMotor struct {
	disabled atomic.Bool
}

func (m *mockMotor) DisableMotors() error {
	m.disabled.Store(true)
	return nil
}

type mockBridge struct {
	connected     atomic.Bool
	emergencySent atomic.Bool
}

func (b *mockBridge) SendEmergencyStop() error {
	b.emergencySent.Store(true)
	return nil
}

func (b *mockBridge) IsConnected() bool {
	return b.connected.Load()
}

func TestNew(t *testing.T) {
	m := New()
	if m.GetState() != StateRunning {
		t.Errorf("Initial state should be Running, got %s", m.GetState())
	}
	if m.IsShutdown() {
		t.Error("Should not be shutdown initially")
	}
}

func TestShutdownStateString(t *testing.T) {
	tests := []struct {
		state    ShutdownState
		expected string
	}{
		{StateRunning, "running"},
		{StateShuttingDown, "shutting_down"},
		{StateShutdown, "shutdown"},
		{StateError, "error"},
		{ShutdownState(99), "unknown"},
	}

	for _, tt := range tests {
		if tt.state.String() != tt.expected {
			t.Errorf("State %d String() = %s, want %s", tt.state, tt.state.String(), tt.expected)
		}
	}
}

func TestReasonFor(t *testing.T) {
	tests := []struct {
		err  error
		want ShutdownReason
	}{
		{gberrors.SpindleRunningError("midrange"), ReasonSpindleRunning},
		{gberrors.TwitchConflictError(), ReasonTwitchConflict},
		{gberrors.OvershootLimitError("backgear", 3), ReasonOvershootLimit},
		{gberrors.MissingStageError("orchestrator"), ReasonMissingStage},
		{gberrors.BridgeLinkError(errors.New("eof"), "read"), ReasonCommunication},
		{errors.New("plain"), ReasonEmergencyStop},
		{&ShutdownError{Reason: ReasonWatchdogTimeout, Msg: "stalled"}, ReasonWatchdogTimeout},
		{fmt.Errorf("wrapped: %w", &ShutdownError{Reason: ReasonUserRequest}), ReasonUserRequest},
	}
	for _, tt := range tests {
		if got := ReasonFor(tt.err); got != tt.want {
			t.Errorf("ReasonFor(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestTripDisablesHardware(t *testing.T) {
	m := New()

	motor := &mockMotor{}
	bridge := &mockBridge{}
	bridge.connected.Store(true)
	offline := &mockBridge{}

	m.RegisterMotor(motor)
	m.RegisterBridge(bridge)
	m.RegisterBridge(offline)

	m.Trip(gberrors.SpindleRunningError("input_stage"))

	if m.GetState() != StateError {
		t.Errorf("State should be Error, got %s", m.GetState())
	}
	if !motor.disabled.Load() {
		t.Error("Motors should be disabled")
	}
	if !bridge.emergencySent.Load() {
		t.Error("Bridge emergency stop should be sent")
	}
	if offline.emergencySent.Load() {
		t.Error("Disconnected bridge must not be commanded")
	}

	reason, msg, at := m.GetShutdownInfo()
	if reason != ReasonSpindleRunning {
		t.Errorf("reason=%s", reason)
	}
	if msg == "" || at.IsZero() {
		t.Errorf("shutdown info incomplete: %q %v", msg, at)
	}
	if err := m.CheckOperational(); !errors.Is(err, ErrShutdown) {
		t.Errorf("CheckOperational = %v", err)
	}
}

func TestUserShutdown(t *testing.T) {
	m := New()
	if err := m.RequestShutdown("maintenance"); err != nil {
		t.Fatal(err)
	}
	if m.GetState() != StateShutdown {
		t.Errorf("State should be Shutdown for user request, got %s", m.GetState())
	}
}

func TestCallbacks(t *testing.T) {
	m := New()

	var gotReason ShutdownReason
	var transitions []ShutdownState
	m.OnShutdown(func(reason ShutdownReason, msg string) {
		gotReason = reason
	})
	m.OnStateChange(func(old, new ShutdownState) {
		transitions = append(transitions, new)
	})

	m.EmergencyStop("button")
	if gotReason != ReasonEmergencyStop {
		t.Errorf("callback reason=%s", gotReason)
	}
	if err := m.Reset(); err != nil {
		t.Fatal(err)
	}
	if len(transitions) != 2 || transitions[0] != StateError || transitions[1] != StateRunning {
		t.Errorf("transitions=%v", transitions)
	}
}

func TestDoubleTripKeepsFirstReason(t *testing.T) {
	m := New()
	m.Trip(gberrors.TwitchConflictError())
	m.Trip(gberrors.SpindleRunningError("backgear"))

	reason, _, _ := m.GetShutdownInfo()
	if reason != ReasonTwitchConflict {
		t.Errorf("reason=%s want twitch_conflict", reason)
	}
	if m.GetStatus().Trips != 1 {
		t.Errorf("trips=%d want 1", m.GetStatus().Trips)
	}
}

func TestWatchdog(t *testing.T) {
	m := New()
	m.Configure(Config{WatchdogTimeout: 100 * time.Millisecond})

	m.StartWatchdog()
	for i := 0; i < 5; i++ {
		m.Heartbeat()
		time.Sleep(30 * time.Millisecond)
	}
	if m.IsShutdown() {
		t.Error("Should still be operational while sending heartbeats")
	}
	m.StopWatchdog()
}

func TestWatchdogTrigger(t *testing.T) {
	m := New()
	m.Configure(Config{WatchdogTimeout: 50 * time.Millisecond})
	motor := &mockMotor{}
	m.RegisterMotor(motor)

	m.StartWatchdog()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) && !m.IsShutdown() {
		time.Sleep(20 * time.Millisecond)
	}

	reason, _, _ := m.GetShutdownInfo()
	if reason != ReasonWatchdogTimeout {
		t.Fatalf("Reason should be WatchdogTimeout, got %s", reason)
	}
	if !motor.disabled.Load() {
		t.Error("watchdog must disable motors")
	}
}

func TestReset(t *testing.T) {
	m := New()
	if err := m.Reset(); err == nil {
		t.Error("Should not be able to reset while running")
	}

	m.CommunicationError("gearbox0", "timeout")
	if err := m.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if m.IsShutdown() {
		t.Error("Should be operational after reset")
	}
	if reason, _, _ := m.GetShutdownInfo(); reason != ReasonNone {
		t.Errorf("Reason should be empty after reset, got %s", reason)
	}
}

func TestGetStatus(t *testing.T) {
	m := New()
	status := m.GetStatus()
	if status.State != "running" || !status.IsOperational {
		t.Errorf("status=%+v", status)
	}

	m.Trip(gberrors.OvershootLimitError("midrange", 2))
	status = m.GetStatus()
	if status.State != "error" || status.IsOperational {
		t.Errorf("status=%+v", status)
	}
	if status.ShutdownReason != string(ReasonOvershootLimit) {
		t.Errorf("Status reason incorrect: %s", status.ShutdownReason)
	}
}
