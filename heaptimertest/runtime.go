// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package heaptimertest

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-heaptimer"
)

type (
	// Runtime is a minimal [heaptimer.Runtime], with a mutable timer set.
	Runtime struct {
		timers  []*heaptimer.Timer
		mu      sync.Mutex
		depth   atomic.Int64
		entries atomic.Int64
	}

	// Worker is a [heaptimer.Worker] that records its calls, and detects
	// overlapping calls.
	Worker struct {
		// Hook is called from DoWork, if non-nil. It must be set before the
		// worker is used.
		Hook func(t *heaptimer.Timer)

		calls    atomic.Int64
		active   atomic.Int64
		overlaps atomic.Int64
	}
)

var (
	_ heaptimer.Runtime = (*Runtime)(nil)
	_ heaptimer.Worker  = (*Worker)(nil)
)

// Register appends timers to the registered set.
func (r *Runtime) Register(timers ...*heaptimer.Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timers = append(r.timers, timers...)
}

// HeapTimers implements [heaptimer.Runtime.HeapTimers].
func (r *Runtime) HeapTimers() []*heaptimer.Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*heaptimer.Timer(nil), r.timers...)
}

// Enter implements [heaptimer.Runtime.Enter].
func (r *Runtime) Enter() func() {
	r.entries.Add(1)
	r.depth.Add(1)
	return func() { r.depth.Add(-1) }
}

// Entries returns the number of times Enter was called.
func (r *Runtime) Entries() int64 { return r.entries.Load() }

// Depth returns the number of Enter calls that have not exited.
func (r *Runtime) Depth() int64 { return r.depth.Load() }

// DoWork implements [heaptimer.Worker].
func (w *Worker) DoWork(t *heaptimer.Timer) {
	if w.active.Add(1) != 1 {
		w.overlaps.Add(1)
	}
	defer w.active.Add(-1)
	w.calls.Add(1)
	if w.Hook != nil {
		w.Hook(t)
	}
}

// Calls returns the number of DoWork calls.
func (w *Worker) Calls() int64 { return w.calls.Load() }

// Overlaps returns the number of DoWork calls that started while another
// call on the same worker was running.
func (w *Worker) Overlaps() int64 { return w.overlaps.Load() }
