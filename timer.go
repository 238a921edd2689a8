// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package heaptimer

import (
	"fmt"
	"sync"
	"time"
)

type (
	// Worker implements one unit of heap maintenance. DoWork is only called
	// with the runtime's lock held, inside its execution context, while the
	// timer is in [StateFiring]. It may reschedule t, see [Timer.Schedule]
	// and [Timer.Park].
	Worker interface {
		DoWork(t *Timer)
	}

	// WorkerFunc implements Worker using a function.
	WorkerFunc func(t *Timer)

	// Timer is a periodic maintenance task bound to one runtime, through
	// that runtime's [Lock]. It owns one handle on a [Source], which keeps its
	// identity across reschedules.
	//
	// Instances must be initialized using the NewTimer factory.
	Timer struct {
		// betteralign:ignore

		worker     Worker
		source     Source
		dispatcher *Dispatcher
		guard      *Guard // nil once released
		role       string

		mu        sync.Mutex
		handle    Handle
		period    time.Duration
		fires     uint64
		inflight  int // fire notifications past enter
		state     TimerState
		repeating bool
		closed    bool // no new fire notifications may enter
	}
)

var _ Worker = WorkerFunc(nil)

// DoWork implements Worker.
func (f WorkerFunc) DoWork(t *Timer) { f(t) }

// NewTimer initializes and arms a new Timer, for the runtime guarded by lock.
// The role identifies the maintenance task, e.g. "activity" or "sweep".
// A panic will occur if lock or worker are nil.
//
// The timer acquires a guard on lock before it is armed, and releases it
// once it has been invalidated and its last fire notification has drained.
//
// Unless configured [WithInitialPeriod], the timer starts parked. Callers
// that configure a short initial period should construct and register the
// timer while holding the lock, so that it cannot fire before the runtime
// knows about it.
//
// An error is returned if the source fails to arm the timer, in which case
// the guard is released, and nothing remains armed.
func NewTimer(lock *Lock, role string, worker Worker, opts ...TimerOption) (*Timer, error) {
	if lock == nil {
		panic(`heaptimer: nil lock`)
	}
	if worker == nil {
		panic(`heaptimer: nil worker`)
	}

	cfg, err := resolveTimerOptions(opts)
	if err != nil {
		return nil, err
	}

	t := &Timer{
		worker:     worker,
		source:     cfg.source,
		dispatcher: cfg.dispatcher,
		role:       role,
		period:     cfg.period,
		repeating:  cfg.repeating,
		state:      StateScheduled,
	}
	if t.period >= Parked {
		t.period = Parked
		t.state = StateParked
	}

	t.guard = lock.Acquire()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.handle, err = t.source.Schedule(t.period, t.period, t.repeating, t.fire)
	if err != nil {
		t.guard.Release()
		t.guard = nil
		return nil, fmt.Errorf("heaptimer: failed to arm %s timer: %w", role, err)
	}

	return t, nil
}

// Role returns the maintenance role of the timer.
func (t *Timer) Role() string { return t.role }

// Handle returns the timer's identity on its source.
func (t *Timer) Handle() Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handle
}

// State returns the current lifecycle state.
func (t *Timer) State() TimerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Period returns the currently armed period.
func (t *Timer) Period() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.period
}

// Repeating reports whether the timer fires again after each period.
func (t *Timer) Repeating() bool { return t.repeating }

// Fires returns the number of times the worker has been called.
func (t *Timer) Fires() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fires
}

// Schedule rearms the timer to fire after delay (and every delay, if
// repeating). Delays at or above [Parked] park the timer. It returns
// [ErrInvalidPeriod] for non-positive delays, and [ErrTimerInvalidated] if
// the timer was invalidated.
func (t *Timer) Schedule(delay time.Duration) error {
	if delay <= 0 {
		return ErrInvalidPeriod
	}
	if delay >= Parked {
		return t.Park()
	}
	return t.rearm(delay, StateScheduled)
}

// Park rearms the timer at the [Parked] period, so that it remains alive,
// but will not fire in practice. It returns [ErrTimerInvalidated] if the
// timer was invalidated.
func (t *Timer) Park() error {
	return t.rearm(Parked, StateParked)
}

func (t *Timer) rearm(period time.Duration, state TimerState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateInvalidated {
		return ErrTimerInvalidated
	}

	if err := t.source.Reset(t.handle, period, period, t.repeating); err != nil {
		return fmt.Errorf("heaptimer: failed to rearm %s timer: %w", t.role, err)
	}

	t.period = period
	t.state = state

	return nil
}

// Invalidate cancels the timer, permanently. It is idempotent, and may be
// called from any goroutine, including from within DoWork. A fire
// notification already past the source may still reach the dispatcher, but
// the worker will not be called.
func (t *Timer) Invalidate() {
	t.mu.Lock()
	if t.state == StateInvalidated {
		t.mu.Unlock()
		return
	}
	t.invalidateLocked()
	h := t.handle
	t.mu.Unlock()

	t.source.Cancel(h)
}

func (t *Timer) invalidateLocked() {
	t.state = StateInvalidated
	t.closed = true
	t.releaseIfDrainedLocked()
}

// fire is the notification callback given to the source.
func (t *Timer) fire(h Handle) {
	guard := t.enter()
	if guard == nil {
		return
	}
	defer t.exit()

	if t.dispatcher.Dispatch(guard, h) == OutcomeStale {
		// the runtime is gone, nothing will ever rearm this
		t.Invalidate()
	}
}

func (t *Timer) enter() *Guard {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.guard == nil {
		return nil
	}
	t.inflight++
	return t.guard
}

func (t *Timer) exit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight--
	t.releaseIfDrainedLocked()
}

func (t *Timer) releaseIfDrainedLocked() {
	if t.closed && t.inflight == 0 && t.guard != nil {
		t.guard.Release()
		t.guard = nil
	}
}

// beginFire moves the timer to StateFiring, returning false if it was
// invalidated. The caller holds the runtime lock.
func (t *Timer) beginFire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateInvalidated {
		return false
	}
	t.state = StateFiring
	return true
}

// endFire settles the state after DoWork. The caller holds the runtime lock.
//
// A one-shot timer is rearmed at [Parked]. If the source refuses, nothing
// remains armed, so the timer is invalidated.
func (t *Timer) endFire() error {
	t.mu.Lock()

	t.fires++

	if t.state != StateFiring {
		// the worker rescheduled, parked, or invalidated the timer
		t.mu.Unlock()
		return nil
	}

	switch {
	case t.repeating && t.period < Parked:
		t.state = StateScheduled
	case t.repeating:
		t.state = StateParked
	default:
		if err := t.source.Reset(t.handle, Parked, Parked, false); err != nil {
			t.invalidateLocked()
			h := t.handle
			t.mu.Unlock()
			t.source.Cancel(h)
			return fmt.Errorf("heaptimer: failed to park %s timer: %w", t.role, err)
		}
		t.state = StateParked
		t.period = Parked
	}

	t.mu.Unlock()
	return nil
}
