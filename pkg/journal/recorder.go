package journal

import (
	"sync"
	"sync/atomic"
	"time"

	gberrors "mh400e-gearbox/pkg/errors"
	"mh400e-gearbox/pkg/gearbox"
	"mh400e-gearbox/pkg/gears"
	"mh400e-gearbox/pkg/safety"
	"mh400e-gearbox/pkg/shaft"
)

// Recorder feeds controller events into a Journal from its own
// goroutine. It implements gearbox.Observer and never blocks the tick:
// when the queue is full or the recorder is closed the event is dropped
// and counted.
type Recorder struct {
	j       *Journal
	queue   chan Entry
	dropped atomic.Uint64
	failed  atomic.Uint64

	// mu guards closed and the send on queue against Close.
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRecorder starts a recorder with a queue of size entries.
func NewRecorder(j *Journal, size int) *Recorder {
	if size <= 0 {
		size = 64
	}
	r := &Recorder{j: j, queue: make(chan Entry, size)}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for e := range r.queue {
		if _, err := r.j.Record(e); err != nil {
			r.failed.Add(1)
			r.j.logger.WithError(err).Warn("journal write failed")
		}
	}
}

// Submit queues e without blocking.
func (r *Recorder) Submit(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- e:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns the number of events lost to a full queue or submitted
// after Close.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Failed returns the number of events the database rejected.
func (r *Recorder) Failed() uint64 { return r.failed.Load() }

// Close drains the queue and stops the writer. The journal stays open.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
		r.wg.Wait()
	})
}

// ShiftStarted implements gearbox.Observer. Only completed shifts are
// journaled.
func (r *Recorder) ShiftStarted(gearbox.ShiftEvent) {}

// ShiftFinished implements gearbox.Observer.
func (r *Recorder) ShiftFinished(ev gearbox.ShiftEvent) {
	e := Entry{
		Kind:       KindShift,
		ToRPM:      ev.To.RPM,
		Elapsed:    ev.Elapsed,
		Overshoots: ev.Overshoots,
		Context: map[string]interface{}{
			"to_mask":             ev.To.Mask,
			"spindle_was_running": ev.SpindleWasRunning,
		},
	}
	if ev.FromKnown {
		e.FromRPM = ev.From.RPM
		e.Context["from_mask"] = ev.From.Mask
	}
	r.Submit(e)
}

// Overshoot implements gearbox.Observer.
func (r *Recorder) Overshoot(name shaft.Name, position gears.AxisMask) {
	r.Submit(Entry{
		Kind:   KindOvershoot,
		Reason: string(name),
		Context: map[string]interface{}{
			"position": position.String(),
		},
	})
}

// EmergencyStop implements gearbox.Observer.
func (r *Recorder) EmergencyStop(err error) {
	e := Entry{
		Kind:    KindEStop,
		Reason:  string(safety.ReasonFor(err)),
		Context: map[string]interface{}{"error": err.Error()},
	}
	if code, ok := gberrors.Code(err); ok {
		e.Context["code"] = string(code)
	}
	if gberrors.IsFatal(err) {
		e.Context["interlock_fault"] = true
	}
	r.Submit(e)
}

// Reset records an operator reset of the emergency stop latch.
func (r *Recorder) Reset(source string) {
	r.Submit(Entry{Kind: KindReset, Reason: source})
}
