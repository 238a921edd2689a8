// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package heaptimer

import (
	"sync"
	"time"
)

// Parked is the period of a timer that is logically alive, but will not
// fire in practice: ten years.
const Parked = 10 * 365 * 24 * time.Hour

// Source models a platform timer facility.
//
// Implementations must satisfy the following:
//
//   - fire is never called synchronously from Schedule, Reset or Cancel
//   - fire may be called on any goroutine, including concurrently with
//     itself, for distinct handles
//   - Reset and Cancel may be called from within fire
//   - Cancel is idempotent, and once it returns, no new fire notification
//     for the handle starts (one already started may still complete)
//   - [Parked] must be accepted as both a delay and a period
//   - a panic from fire must not be recovered, it is how a [Dispatcher]
//     aborts on a timer the runtime does not recognize
type Source interface {
	// Schedule arms a new timer, that first fires after initialDelay, then
	// every period if repeating is true. The returned handle is passed to
	// every fire notification.
	Schedule(initialDelay, period time.Duration, repeating bool, fire func(Handle)) (Handle, error)

	// Reset rearms an existing timer, preserving its handle. It returns
	// [ErrUnknownHandle] if h was cancelled, or not issued by this source.
	// A one-shot timer that already fired may be reset.
	Reset(h Handle, initialDelay, period time.Duration, repeating bool) error

	// Cancel disarms h. Unknown and already cancelled handles are ignored.
	Cancel(h Handle)
}

// RuntimeSource is a [Source] backed by Go runtime timers ([time.AfterFunc]).
// Each fire notification is delivered on its own goroutine.
//
// The zero value is not usable, use [NewRuntimeSource].
type RuntimeSource struct {
	timers map[Handle]*runtimeTimer
	mu     sync.Mutex
	closed bool
}

type runtimeTimer struct {
	timer     *time.Timer
	fire      func(Handle)
	period    time.Duration
	gen       uint64 // expiries from earlier arms are discarded
	handle    Handle
	repeating bool
}

var (
	defaultSourceOnce sync.Once
	defaultSource     *RuntimeSource
)

// NewRuntimeSource initializes a new RuntimeSource.
func NewRuntimeSource() *RuntimeSource {
	return &RuntimeSource{timers: make(map[Handle]*runtimeTimer)}
}

// DefaultSource returns the shared RuntimeSource, used by timers that were
// not configured [WithSource].
func DefaultSource() *RuntimeSource {
	defaultSourceOnce.Do(func() {
		defaultSource = NewRuntimeSource()
	})
	return defaultSource
}

// Schedule implements [Source.Schedule].
func (s *RuntimeSource) Schedule(initialDelay, period time.Duration, repeating bool, fire func(Handle)) (Handle, error) {
	if fire == nil {
		panic(`heaptimer: nil fire func`)
	}
	if initialDelay <= 0 || (repeating && period <= 0) {
		return Handle{}, ErrInvalidPeriod
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Handle{}, ErrSourceClosed
	}

	t := &runtimeTimer{
		handle:    NewHandle(),
		fire:      fire,
		period:    period,
		repeating: repeating,
	}
	s.timers[t.handle] = t
	s.armLocked(t, initialDelay)

	return t.handle, nil
}

// Reset implements [Source.Reset].
func (s *RuntimeSource) Reset(h Handle, initialDelay, period time.Duration, repeating bool) error {
	if initialDelay <= 0 || (repeating && period <= 0) {
		return ErrInvalidPeriod
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[h]
	if !ok {
		return ErrUnknownHandle
	}

	t.period = period
	t.repeating = repeating
	s.armLocked(t, initialDelay)

	return nil
}

// Cancel implements [Source.Cancel].
func (s *RuntimeSource) Cancel(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[h]; ok {
		s.disarmLocked(t)
		delete(s.timers, h)
	}
}

// Close cancels every timer, and causes further calls to Schedule to fail
// with [ErrSourceClosed].
func (s *RuntimeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for h, t := range s.timers {
		s.disarmLocked(t)
		delete(s.timers, h)
	}

	return nil
}

// Len returns the number of handles that have not been cancelled.
func (s *RuntimeSource) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *RuntimeSource) armLocked(t *runtimeTimer, delay time.Duration) {
	s.disarmLocked(t)
	gen := t.gen
	t.timer = time.AfterFunc(delay, func() { s.expire(t, gen) })
}

func (s *RuntimeSource) disarmLocked(t *runtimeTimer) {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (s *RuntimeSource) expire(t *runtimeTimer, gen uint64) {
	s.mu.Lock()
	if t.gen != gen || s.timers[t.handle] != t {
		s.mu.Unlock()
		return
	}
	if t.repeating {
		s.armLocked(t, t.period)
	} else {
		// stays registered, so it may be reset
		s.disarmLocked(t)
	}
	fire := t.fire
	s.mu.Unlock()

	fire(t.handle)
}
