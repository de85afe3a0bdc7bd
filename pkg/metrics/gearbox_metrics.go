// Gearbox metric definitions
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	goruntime "runtime"
	"strconv"
	"time"

	"mh400e-gearbox/pkg/gearbox"
	"mh400e-gearbox/pkg/gears"
	"mh400e-gearbox/pkg/shaft"
	"mh400e-gearbox/pkg/safety"
)

// GearboxMetrics holds the metrics of one gearbox. It implements
// gearbox.Observer; every method is non-blocking.
type GearboxMetrics struct {
	ShiftsStarted  *Counter
	ShiftsFinished *Counter
	ShiftDuration  *Histogram
	Overshoots     *Counter
	EmergencyStops *Counter

	RequestedRPM *Gauge
	SelectedRPM  *Gauge
	CurrentRPM   *Gauge
	InGear       *Gauge
	Shifting     *Gauge
	EStop        *Gauge
	ShaftMotor   *Gauge
	ShaftArrival *Gauge

	Ticks        *Counter
	TickDuration *Histogram
	BridgeErrors *Counter

	HostUptime   *Gauge
	GoGoroutines *Gauge
	GoHeapBytes  *Gauge

	startTime time.Time
	registry  *Registry
}

// NewGearboxMetrics creates and registers all gearbox metrics.
func NewGearboxMetrics() *GearboxMetrics {
	gm := &GearboxMetrics{
		ShiftsStarted: NewCounter("gearbox_shifts_started_total",
			"Shifts started, by target speed"),
		ShiftsFinished: NewCounter("gearbox_shifts_finished_total",
			"Shifts completed, by target speed"),
		ShiftDuration: NewHistogram("gearbox_shift_duration_seconds",
			"Time from shift start to release of the spindle", ExponentialBuckets(0.25, 2, 8)),
		Overshoots: NewCounter("gearbox_overshoots_total",
			"End-stop overshoots, by shaft"),
		EmergencyStops: NewCounter("gearbox_emergency_stops_total",
			"Emergency stops, by reason"),

		RequestedRPM: NewGauge("gearbox_requested_rpm", "Requested spindle speed"),
		SelectedRPM:  NewGauge("gearbox_selected_rpm", "Gear selected for the requested speed"),
		CurrentRPM:   NewGauge("gearbox_current_rpm", "Gear currently engaged"),
		InGear:       NewGauge("gearbox_in_gear", "1 when the switches read a known gear"),
		Shifting:     NewGauge("gearbox_shifting", "1 while a shift is in progress"),
		EStop:        NewGauge("gearbox_estop", "1 while emergency stop is latched"),
		ShaftMotor:   NewGauge("gearbox_shaft_motor", "1 while the shaft motor is energized, by shaft"),
		ShaftArrival: NewGauge("gearbox_shaft_arriving", "1 while the shaft reads center on a center approach, by shaft"),

		Ticks: NewCounter("gearbox_ticks_total", "Controller ticks executed"),
		TickDuration: NewHistogram("gearbox_tick_duration_seconds",
			"Wall time of one controller tick including I/O", ExponentialBuckets(0.0001, 2, 10)),
		BridgeErrors: NewCounter("gearbox_bridge_errors_total",
			"I/O bridge exchange failures, by operation"),

		HostUptime:   NewGauge("gearbox_host_uptime_seconds", "Daemon uptime"),
		GoGoroutines: NewGauge("gearbox_go_goroutines", "Number of goroutines"),
		GoHeapBytes:  NewGauge("gearbox_go_heap_bytes", "Heap bytes in use"),

		startTime: time.Now(),
		registry:  NewRegistry(),
	}
	for _, m := range []Metric{
		gm.ShiftsStarted, gm.ShiftsFinished, gm.ShiftDuration, gm.Overshoots, gm.EmergencyStops,
		gm.RequestedRPM, gm.SelectedRPM, gm.CurrentRPM, gm.InGear, gm.Shifting, gm.EStop, gm.ShaftMotor, gm.ShaftArrival,
		gm.Ticks, gm.TickDuration, gm.BridgeErrors,
		gm.HostUptime, gm.GoGoroutines, gm.GoHeapBytes,
	} {
		gm.registry.MustRegister(m)
	}
	return gm
}

func rpmLabel(e gears.Entry) Labels {
	return Labels{"rpm": strconv.FormatUint(uint64(e.RPM), 10)}
}

// ShiftStarted implements gearbox.Observer.
func (gm *GearboxMetrics) ShiftStarted(ev gearbox.ShiftEvent) {
	gm.ShiftsStarted.Inc(rpmLabel(ev.To))
}

// ShiftFinished implements gearbox.Observer.
func (gm *GearboxMetrics) ShiftFinished(ev gearbox.ShiftEvent) {
	gm.ShiftsFinished.Inc(rpmLabel(ev.To))
	gm.ShiftDuration.ObserveDuration(nil, ev.Elapsed)
}

// Overshoot implements gearbox.Observer.
func (gm *GearboxMetrics) Overshoot(name shaft.Name, _ gears.AxisMask) {
	gm.Overshoots.Inc(Labels{"shaft": string(name)})
}

// EmergencyStop implements gearbox.Observer.
func (gm *GearboxMetrics) EmergencyStop(err error) {
	gm.EmergencyStops.Inc(Labels{"reason": string(safety.ReasonFor(err))})
}

// RecordTick records one controller tick and its status.
func (gm *GearboxMetrics) RecordTick(st *gearbox.Status, took time.Duration) {
	gm.Ticks.Inc(nil)
	gm.TickDuration.ObserveDuration(nil, took)
	if st == nil {
		return
	}
	gm.RequestedRPM.Set(nil, st.RequestedRPM)
	gm.SelectedRPM.Set(nil, float64(st.SelectedRPM))
	gm.CurrentRPM.Set(nil, float64(st.CurrentRPM))
	gm.InGear.SetBool(nil, st.InGear)
	gm.Shifting.SetBool(nil, st.State == gearbox.StateShifting)
	gm.EStop.SetBool(nil, st.EStop)
	for _, s := range st.Shafts {
		gm.ShaftMotor.SetBool(Labels{"shaft": s.Name}, s.Motor)
		gm.ShaftArrival.SetBool(Labels{"shaft": s.Name}, s.Arriving)
	}
}

// RecordBridgeError counts a failed bridge operation.
func (gm *GearboxMetrics) RecordBridgeError(op string) {
	gm.BridgeErrors.Inc(Labels{"op": op})
}

func (gm *GearboxMetrics) updateSystemMetrics() {
	var ms goruntime.MemStats
	goruntime.ReadMemStats(&ms)
	gm.HostUptime.Set(nil, time.Since(gm.startTime).Seconds())
	gm.GoGoroutines.Set(nil, float64(goruntime.NumGoroutine()))
	gm.GoHeapBytes.Set(nil, float64(ms.HeapInuse))
}

// Gather returns all metrics in Prometheus text format.
func (gm *GearboxMetrics) Gather() string {
	gm.updateSystemMetrics()
	return gm.registry.Gather()
}

// Registry returns the internal registry.
func (gm *GearboxMetrics) Registry() *Registry {
	return gm.registry
}
