// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package heaptimertest provides a deterministic heaptimer.Source, driven by
// a virtual clock, for testing.
package heaptimertest

import (
	"sort"
	"sync"
	"time"

	"github.com/joeycumines/go-heaptimer"
)

type (
	// Source is a [heaptimer.Source] that only fires when told to, via
	// [Source.Advance] or [Source.Fire]. Fire notifications are delivered on
	// the calling goroutine, outside any internal lock.
	//
	// Instances must be initialized using the NewSource factory.
	Source struct {
		timers map[heaptimer.Handle]*entry
		mu     sync.Mutex
		now    time.Duration
		closed bool
	}

	entry struct {
		fire      func(heaptimer.Handle)
		next      time.Duration // virtual deadline, valid if armed
		period    time.Duration
		handle    heaptimer.Handle
		armed     bool
		repeating bool
	}

	// Arm describes the armed state of a handle, see [Source.Armed].
	Arm struct {
		// Next is the virtual deadline.
		Next      time.Duration
		Period    time.Duration
		Repeating bool
	}
)

var _ heaptimer.Source = (*Source)(nil)

// NewSource initializes a new Source, with its virtual clock at zero.
func NewSource() *Source {
	return &Source{timers: make(map[heaptimer.Handle]*entry)}
}

// Schedule implements [heaptimer.Source.Schedule].
func (s *Source) Schedule(initialDelay, period time.Duration, repeating bool, fire func(heaptimer.Handle)) (heaptimer.Handle, error) {
	if fire == nil {
		panic(`heaptimertest: nil fire func`)
	}
	if initialDelay <= 0 || (repeating && period <= 0) {
		return heaptimer.Handle{}, heaptimer.ErrInvalidPeriod
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return heaptimer.Handle{}, heaptimer.ErrSourceClosed
	}

	e := &entry{
		fire:      fire,
		handle:    heaptimer.NewHandle(),
		next:      s.now + initialDelay,
		period:    period,
		armed:     true,
		repeating: repeating,
	}
	s.timers[e.handle] = e

	return e.handle, nil
}

// Reset implements [heaptimer.Source.Reset].
func (s *Source) Reset(h heaptimer.Handle, initialDelay, period time.Duration, repeating bool) error {
	if initialDelay <= 0 || (repeating && period <= 0) {
		return heaptimer.ErrInvalidPeriod
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.timers[h]
	if !ok {
		return heaptimer.ErrUnknownHandle
	}

	e.next = s.now + initialDelay
	e.period = period
	e.repeating = repeating
	e.armed = true

	return nil
}

// Cancel implements [heaptimer.Source.Cancel].
func (s *Source) Cancel(h heaptimer.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, h)
}

// Close cancels everything, and causes Schedule to fail.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	clear(s.timers)
	return nil
}

// Now returns the virtual clock.
func (s *Source) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Len returns the number of handles that have not been cancelled.
func (s *Source) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Armed returns the armed state of h, or false if h is unknown, cancelled,
// or a one-shot that already fired.
func (s *Source) Armed(h heaptimer.Handle) (Arm, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[h]
	if !ok || !e.armed {
		return Arm{}, false
	}
	return Arm{Next: e.next, Period: e.period, Repeating: e.repeating}, true
}

// Advance moves the virtual clock forward by d, delivering every fire
// notification that falls due, in deadline order (ties broken by handle
// issue order). Timers rearmed by a fire are honoured, if they fall due
// within the window. It returns the number of notifications delivered.
func (s *Source) Advance(d time.Duration) int {
	if d < 0 {
		panic(`heaptimertest: negative advance`)
	}

	s.mu.Lock()
	target := s.now + d
	s.mu.Unlock()

	var fired int
	for {
		s.mu.Lock()
		e := s.nextDueLocked(target)
		if e == nil {
			s.now = target
			s.mu.Unlock()
			return fired
		}
		s.now = e.next
		if e.repeating {
			e.next += e.period
		} else {
			e.armed = false
		}
		fire, h := e.fire, e.handle
		s.mu.Unlock()

		fire(h)
		fired++
	}
}

// Fire delivers a fire notification for h immediately, on the calling
// goroutine, regardless of its deadline, without rearming it. It returns
// false if h is not armed.
func (s *Source) Fire(h heaptimer.Handle) bool {
	s.mu.Lock()
	e, ok := s.timers[h]
	if !ok || !e.armed {
		s.mu.Unlock()
		return false
	}
	fire := e.fire
	s.mu.Unlock()

	fire(h)
	return true
}

// FireAsync is like Fire, but runs on a new goroutine. The returned channel
// receives the result of Fire, then is closed.
func (s *Source) FireAsync(h heaptimer.Handle) <-chan bool {
	ch := make(chan bool, 1)
	go func() {
		defer close(ch)
		ch <- s.Fire(h)
	}()
	return ch
}

// Handles returns every handle that has not been cancelled, in issue order.
func (s *Source) Handles() []heaptimer.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	handles := make([]heaptimer.Handle, 0, len(s.timers))
	for h := range s.timers {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].ID() < handles[j].ID() })
	return handles
}

func (s *Source) nextDueLocked(target time.Duration) (due *entry) {
	for _, e := range s.timers {
		if !e.armed || e.next > target {
			continue
		}
		if due == nil || e.next < due.next || (e.next == due.next && e.handle.ID() < due.handle.ID()) {
			due = e
		}
	}
	return due
}
