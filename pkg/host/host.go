// Package host runs the gearbox daemon: it owns the control tick and wires
// the I/O device, the controller, the safety interlock, metrics, the shift
// journal and the API server together.
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package host

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"mh400e-gearbox/pkg/api"
	"mh400e-gearbox/pkg/config"
	gberrors "mh400e-gearbox/pkg/errors"
	"mh400e-gearbox/pkg/gearbox"
	"mh400e-gearbox/pkg/gears"
	"mh400e-gearbox/pkg/iobridge"
	"mh400e-gearbox/pkg/journal"
	"mh400e-gearbox/pkg/log"
	"mh400e-gearbox/pkg/metrics"
	"mh400e-gearbox/pkg/reactor"
	"mh400e-gearbox/pkg/safety"
	"mh400e-gearbox/pkg/shaft"
)

const (
	// maxLinkErrors consecutive failed exchanges trip the interlock.
	maxLinkErrors = 3

	// maxTickGap caps the period handed to the controller after a stall.
	maxTickGap = 100 * time.Millisecond

	commandTimeout = 2 * time.Second
)

// ErrCommandTimeout is returned when the tick loop did not pick up a
// command in time.
var ErrCommandTimeout = errors.New("host: command not executed in time")

// connector is implemented by devices with a link that can drop.
type connector interface {
	IsConnected() bool
}

// Host is one running gearbox.
type Host struct {
	cfg *config.GearboxConfig
	dev iobridge.Device

	ctrl     *gearbox.Controller
	safety   *safety.Manager
	reactor  *reactor.Reactor
	metrics  *metrics.GearboxMetrics
	observer observers

	journal  *journal.Journal
	recorder *journal.Recorder

	api           *api.Server
	metricsServer *metrics.MetricsServer

	// Owned by the reactor goroutine.
	requested  float64
	lastIn     gearbox.Inputs
	lastOut    gearbox.Outputs
	lastTick   float64
	linkErrors int

	tripping atomic.Bool
	started  atomic.Bool
	logger   *log.Logger
}

// Option configures a Host.
type Option func(*Host)

// WithJournal records shifts and emergency stops in j. The host closes j
// on Stop.
func WithJournal(j *journal.Journal) Option {
	return func(h *Host) { h.journal = j }
}

// WithMetrics uses gm instead of a fresh metrics set.
func WithMetrics(gm *metrics.GearboxMetrics) Option {
	return func(h *Host) { h.metrics = gm }
}

// New wires a host around dev. Nothing runs until Start.
func New(cfg *config.GearboxConfig, dev iobridge.Device, opts ...Option) *Host {
	h := &Host{
		cfg:     cfg,
		dev:     dev,
		safety:  safety.New(),
		reactor: reactor.New(),
		logger:  log.GetLogger("host"),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = metrics.NewGearboxMetrics()
	}
	h.observer = observers{h.metrics}
	if h.journal != nil {
		h.recorder = journal.NewRecorder(h.journal, 256)
		h.observer = append(h.observer, h.recorder)
	}

	h.safety.Configure(safety.Config{WatchdogTimeout: cfg.WatchdogTimeout})
	h.safety.RegisterMotor(dev)
	if b, ok := dev.(safety.BridgeCommander); ok {
		h.safety.RegisterBridge(b)
	}
	h.safety.OnShutdown(h.onShutdown)
	h.safety.OnStateChange(func(old, cur safety.ShutdownState) {
		h.logger.WithFields(log.Fields{"from": old.String(), "to": cur.String()}).Info("interlock state changed")
	})

	h.ctrl = gearbox.NewController(cfg.Gearbox,
		gearbox.WithInterlock(interlock{h}),
		gearbox.WithObserver(h.observer),
	)

	if cfg.APIAddress != "" {
		acfg := api.Config{Addr: cfg.APIAddress, Gearbox: h}
		if h.journal != nil {
			acfg.History = h.journal
		}
		h.api = api.New(acfg)
	}
	if cfg.MetricsAddress != "" {
		mcfg := metrics.DefaultMetricsServerConfig()
		mcfg.Address = cfg.MetricsAddress
		mcfg.Username = cfg.MetricsUser
		mcfg.Password = cfg.MetricsPassword
		h.metricsServer = metrics.NewMetricsServer(h.metrics, mcfg, h.Ready)
	}
	return h
}

// interlock routes controller faults into the safety manager.
type interlock struct{ h *Host }

func (i interlock) Trip(err error) {
	i.h.tripping.Store(true)
	defer i.h.tripping.Store(false)
	i.h.safety.Trip(err)
}

// onShutdown reports shutdowns that the controller did not raise itself;
// controller faults reach the observers directly. The orderly shutdown in
// Stop is not an emergency stop.
func (h *Host) onShutdown(reason safety.ShutdownReason, msg string) {
	if h.tripping.Load() || reason == safety.ReasonUserRequest {
		return
	}
	h.observer.EmergencyStop(&safety.ShutdownError{Reason: reason, Msg: msg})
}

// Start identifies the board, starts the tick and the network services.
func (h *Host) Start() error {
	if h.started.Swap(true) {
		return errors.New("host: already started")
	}
	if b, ok := h.dev.(*iobridge.Bridge); ok {
		name, err := b.Identify()
		if err != nil {
			return err
		}
		h.logger.Info("I/O board %q identified", name)
	}

	if h.journal != nil && h.cfg.JournalRetention > 0 {
		n, err := h.journal.Prune(time.Now().Add(-h.cfg.JournalRetention))
		if err != nil {
			h.logger.WithError(err).Warn("journal prune failed")
		} else if n > 0 {
			h.logger.WithField("retention", h.cfg.JournalRetention.String()).Infof("pruned %d journal entries", n)
		}
	}

	h.reactor.RegisterTimer(h.tick, reactor.NOW)
	h.reactor.Run()
	h.safety.StartWatchdog()

	if h.metricsServer != nil {
		if err := h.metricsServer.Start(); err != nil {
			h.Stop(context.Background())
			return err
		}
	}
	if h.api != nil {
		if err := h.api.Start(); err != nil {
			h.Stop(context.Background())
			return err
		}
	}
	h.logger.WithFields(log.Fields{
		"tick_period": h.cfg.TickPeriod.String(),
		"api":         h.cfg.APIAddress,
		"metrics":     h.cfg.MetricsAddress,
	}).Info("gearbox host running")
	return nil
}

// Run starts the host and blocks until ctx is done.
func (h *Host) Run(ctx context.Context) error {
	if err := h.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-h.reactor.Done():
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.Stop(stopCtx)
}

// Stop halts the tick, drops every actuator and closes all resources.
func (h *Host) Stop(ctx context.Context) error {
	var errs []error
	if h.api != nil {
		errs = append(errs, h.api.Stop(ctx))
	}
	if h.metricsServer != nil {
		errs = append(errs, h.metricsServer.Shutdown(ctx))
	}

	h.safety.StopWatchdog()
	h.reactor.End()
	h.reactor.Wait()

	// Refuse further commands. A tripped interlock keeps its fault.
	h.safety.RequestShutdown("host stopping")
	if err := h.dev.DisableMotors(); err != nil {
		h.logger.WithError(err).Warn("disable motors on stop")
	}
	errs = append(errs, h.dev.Close())

	if h.recorder != nil {
		h.recorder.Close()
		if n := h.recorder.Dropped(); n > 0 {
			h.logger.WithField("failed", h.recorder.Failed()).Warnf("journal dropped %d events", n)
		}
	}
	if h.journal != nil {
		errs = append(errs, h.journal.Close())
	}
	h.logger.Info("gearbox host stopped")
	return errors.Join(errs...)
}

// tick is the reactor timer driving the controller.
func (h *Host) tick(eventtime float64) float64 {
	start := time.Now()

	period := h.cfg.TickPeriod
	if h.lastTick > 0 {
		gap := time.Duration((eventtime - h.lastTick) * float64(time.Second))
		period = max(period, min(gap, maxTickGap))
	}
	h.lastTick = eventtime

	h.step(period)

	h.safety.Heartbeat()
	h.metrics.RecordTick(h.ctrl.Status(), time.Since(start))
	return eventtime + h.cfg.TickPeriod.Seconds()
}

// step runs one exchange and one controller tick.
func (h *Host) step(period time.Duration) gearbox.Outputs {
	in, err := h.dev.Exchange(h.lastOut)
	if err != nil {
		h.linkFailure(err)
		// Hold the last readings and stop every motor.
		in = h.lastIn
		in.EStop = true
	} else {
		h.linkErrors = 0
		h.lastIn = in
	}

	in.RequestedRPM = h.requested
	in.EStop = in.EStop || h.safety.IsShutdown()

	h.lastOut = h.ctrl.Tick(in, period)
	return h.lastOut
}

func (h *Host) linkFailure(err error) {
	h.linkErrors++
	h.metrics.RecordBridgeError("exchange")
	h.logger.WithError(err).WithField("consecutive", h.linkErrors).Warn("I/O exchange failed")
	if h.linkErrors == maxLinkErrors {
		h.safety.CommunicationError("exchange", err.Error())
	}
}

// run executes fn on the tick goroutine and waits for its result. A
// stopped host answers with reactor.ErrReactorClosed.
func (h *Host) run(fn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	res, err := h.reactor.RegisterAsyncCallback(func(float64) interface{} {
		return fn()
	}).WaitContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrCommandTimeout
	}
	if err != nil {
		return err
	}
	if err, ok := res.(error); ok {
		return err
	}
	return nil
}

// Status implements api.Gearbox.
func (h *Host) Status() *gearbox.Status {
	return h.ctrl.Status()
}

// RequestRPM sets the requested spindle speed. It is refused while the
// interlock is tripped.
func (h *Host) RequestRPM(rpm float64) error {
	if math.IsInf(rpm, 0) {
		return gberrors.UnknownGearError(fmt.Sprintf("%v rpm", rpm))
	}
	if err := h.safety.CheckOperational(); err != nil {
		return err
	}
	return h.run(func() error {
		h.setRequested(rpm)
		return nil
	})
}

func (h *Host) setRequested(rpm float64) {
	if rpm == h.requested {
		return
	}
	sel := h.ctrl.Quantizer().SelectGear(rpm)
	h.logger.WithFields(log.Fields{"requested": rpm, "gear": sel.RPM}).Info("speed requested")
	h.requested = rpm
}

// EmergencyStop trips the interlock.
func (h *Host) EmergencyStop(msg string) error {
	return h.safety.EmergencyStop(msg)
}

// Reset clears a tripped interlock and the controller latch. The board
// is re-identified to release its own emergency latch.
func (h *Host) Reset() error {
	return h.run(func() error { return h.reset("api") })
}

func (h *Host) reset(source string) error {
	if h.safety.IsShutdown() {
		if err := h.safety.Reset(); err != nil {
			return err
		}
		h.safety.StartWatchdog()
	}
	h.ctrl.Reset()
	h.linkErrors = 0

	if b, ok := h.dev.(*iobridge.Bridge); ok && b.BoardShutdown() {
		if _, err := b.Identify(); err != nil {
			return err
		}
	}
	if h.recorder != nil {
		h.recorder.Reset(source)
	}
	h.logger.WithField("source", source).Info("emergency stop reset")
	return nil
}

// Ready reports whether the gearbox can accept speed requests.
func (h *Host) Ready() bool {
	if h.safety.IsShutdown() {
		return false
	}
	if c, ok := h.dev.(connector); ok {
		return c.IsConnected()
	}
	return true
}

// Interlock implements api.InterlockReporter.
func (h *Host) Interlock() safety.Status { return h.safety.GetStatus() }

// Safety returns the interlock.
func (h *Host) Safety() *safety.Manager { return h.safety }

// Metrics returns the metric set.
func (h *Host) Metrics() *metrics.GearboxMetrics { return h.metrics }

// API returns the API server, or nil when disabled.
func (h *Host) API() *api.Server { return h.api }

// observers fans controller events out.
type observers []gearbox.Observer

func (o observers) ShiftStarted(ev gearbox.ShiftEvent) {
	for _, ob := range o {
		ob.ShiftStarted(ev)
	}
}

func (o observers) ShiftFinished(ev gearbox.ShiftEvent) {
	for _, ob := range o {
		ob.ShiftFinished(ev)
	}
}

func (o observers) Overshoot(name shaft.Name, position gears.AxisMask) {
	for _, ob := range o {
		ob.Overshoot(name, position)
	}
}

func (o observers) EmergencyStop(err error) {
	for _, ob := range o {
		ob.EmergencyStop(err)
	}
}
