// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package looptimer implements a heaptimer.Source as a run loop: a single
// goroutine servicing a min-heap of deadlines. Fire notifications are
// delivered inline, on the loop goroutine, one at a time. A panic from a fire
// notification is not recovered.
package looptimer

import (
	"container/heap"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-heaptimer"
	"github.com/joeycumines/logiface"
)

var errInvalidMaxSleep = errors.New(`looptimer: max sleep must be positive`)

type (
	// Loop is a [heaptimer.Source] serviced by one goroutine. Since
	// notifications are delivered inline, a fire that blocks (e.g. on a
	// runtime lock) delays every other timer on the loop.
	//
	// Instances must be initialized using the New factory.
	Loop struct {
		// betteralign:ignore

		logger   *logiface.Logger[logiface.Event]
		timers   map[heaptimer.Handle]*timer
		wake     chan struct{}
		stop     chan struct{}
		done     chan struct{}
		queue    timerHeap
		maxSleep time.Duration
		fired    atomic.Uint64
		mu       sync.Mutex
		closed   bool
	}

	// timer represents an armed or disarmed handle.
	timer struct {
		when      time.Time
		fire      func(heaptimer.Handle)
		period    time.Duration
		handle    heaptimer.Handle
		index     int // position in queue, -1 if disarmed
		repeating bool
	}

	// timerHeap is a min-heap of timers, ordered by deadline, then handle.
	timerHeap []*timer
)

var _ heaptimer.Source = (*Loop)(nil)

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].handle.ID() < h[j].handle.ID()
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// New starts a new Loop. Call [Loop.Close] to stop its goroutine.
func New(opts ...Option) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}
	l := &Loop{
		logger:   cfg.logger,
		timers:   make(map[heaptimer.Handle]*timer),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		maxSleep: cfg.maxSleep,
	}
	go l.run()
	return l, nil
}

// Schedule implements [heaptimer.Source.Schedule].
func (l *Loop) Schedule(initialDelay, period time.Duration, repeating bool, fire func(heaptimer.Handle)) (heaptimer.Handle, error) {
	if fire == nil {
		panic(`looptimer: nil fire func`)
	}
	if initialDelay <= 0 || (repeating && period <= 0) {
		return heaptimer.Handle{}, heaptimer.ErrInvalidPeriod
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return heaptimer.Handle{}, heaptimer.ErrSourceClosed
	}

	t := &timer{
		fire:      fire,
		handle:    heaptimer.NewHandle(),
		period:    period,
		repeating: repeating,
		index:     -1,
	}
	l.timers[t.handle] = t
	l.armLocked(t, initialDelay)

	return t.handle, nil
}

// Reset implements [heaptimer.Source.Reset].
func (l *Loop) Reset(h heaptimer.Handle, initialDelay, period time.Duration, repeating bool) error {
	if initialDelay <= 0 || (repeating && period <= 0) {
		return heaptimer.ErrInvalidPeriod
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.timers[h]
	if !ok {
		return heaptimer.ErrUnknownHandle
	}

	t.period = period
	t.repeating = repeating
	l.armLocked(t, initialDelay)

	return nil
}

// Cancel implements [heaptimer.Source.Cancel].
func (l *Loop) Cancel(h heaptimer.Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.timers[h]; ok {
		if t.index >= 0 {
			heap.Remove(&l.queue, t.index)
		}
		delete(l.timers, h)
	}
}

// Close stops the loop goroutine, and waits for it to exit, cancelling
// every timer. Subsequent calls to Schedule fail with
// [heaptimer.ErrSourceClosed].
//
// Close must not be called from a fire notification, or while holding a
// lock that a fire notification may be waiting on.
func (l *Loop) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		pending := len(l.timers)
		clear(l.timers)
		l.queue = nil
		close(l.stop)
		l.logger.Debug().
			Int(`pending`, pending).
			Uint64(`fired`, l.fired.Load()).
			Log(`looptimer: closed`)
	}
	l.mu.Unlock()
	<-l.done
	return nil
}

// Done returns a channel that is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Len returns the number of handles that have not been cancelled.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

// Fired returns the number of fire notifications delivered.
func (l *Loop) Fired() uint64 { return l.fired.Load() }

func (l *Loop) armLocked(t *timer, delay time.Duration) {
	t.when = time.Now().Add(delay)
	if t.index >= 0 {
		heap.Fix(&l.queue, t.index)
	} else {
		heap.Push(&l.queue, t)
	}
	if l.queue[0] == t {
		l.wakeup()
	}
}

// wakeup signals the loop goroutine, deduplicating pending signals.
func (l *Loop) wakeup() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) run() {
	defer close(l.done)

	sleep := time.NewTimer(l.maxSleep)
	defer sleep.Stop()

	for {
		fire, h, timeout, ok := l.next()
		if !ok {
			return
		}

		if fire != nil {
			l.fired.Add(1)
			// panics propagate, and terminate the process
			fire(h)
			continue
		}

		sleep.Reset(timeout)
		select {
		case <-l.stop:
			return
		case <-l.wake:
			sleep.Stop()
		case <-sleep.C:
		}
	}
}

// next pops the earliest due timer, rearming it if repeating, or else
// calculates how long to sleep. It returns false once closed.
func (l *Loop) next() (fire func(heaptimer.Handle), h heaptimer.Handle, timeout time.Duration, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, heaptimer.Handle{}, 0, false
	}

	now := time.Now()

	if len(l.queue) == 0 || l.queue[0].when.After(now) {
		return nil, heaptimer.Handle{}, l.calculateTimeoutLocked(now), true
	}

	t := l.queue[0]
	if t.repeating {
		t.when = now.Add(t.period)
		heap.Fix(&l.queue, 0)
	} else {
		// stays registered, so it may be reset
		heap.Pop(&l.queue)
	}

	return t.fire, t.handle, 0, true
}

// calculateTimeoutLocked determines how long to block until the next
// deadline, capped by the configured max sleep.
func (l *Loop) calculateTimeoutLocked(now time.Time) time.Duration {
	maxDelay := l.maxSleep
	if len(l.queue) > 0 {
		delay := l.queue[0].when.Sub(now)
		if delay < 0 {
			delay = 0
		}
		if delay < maxDelay {
			maxDelay = delay
		}
	}
	if maxDelay < time.Millisecond {
		maxDelay = time.Millisecond
	}
	return maxDelay
}
