// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package heap

import (
	"errors"
	"time"

	"github.com/joeycumines/go-heaptimer"
	"github.com/joeycumines/logiface"
)

// RoleSweep is the role of the [IncrementalSweeper] timer.
const RoleSweep = `sweep`

// IncrementalSweeper spreads the sweep that follows each collection over
// many small steps, each bounded by a block budget. It starts on every
// collection, and parks once nothing is left to sweep.
//
// Instances must be initialized using the NewIncrementalSweeper factory.
type IncrementalSweeper struct {
	heap     *Heap
	timer    *heaptimer.Timer
	logger   *logiface.Logger[logiface.Event]
	interval time.Duration
	budget   int
	steps    uint64
}

var _ heaptimer.Worker = (*IncrementalSweeper)(nil)

// NewIncrementalSweeper initializes a new IncrementalSweeper for h, arming
// its timer (parked) against lock. The caller must register
// [IncrementalSweeper.Timer] with the runtime, and should hold lock while
// doing both.
func NewIncrementalSweeper(h *Heap, lock *heaptimer.Lock, opts ...SweeperOption) (*IncrementalSweeper, error) {
	if h == nil {
		panic(`heap: nil heap`)
	}

	cfg, err := resolveSweeperOptions(opts)
	if err != nil {
		return nil, err
	}

	s := &IncrementalSweeper{
		heap:     h,
		logger:   cfg.logger,
		interval: cfg.interval,
		budget:   cfg.budget,
	}

	if s.timer, err = heaptimer.NewTimer(lock, RoleSweep, s, cfg.timerOpts...); err != nil {
		return nil, err
	}

	h.OnCollect(func(Stats) { s.StartSweeping() })

	return s, nil
}

// Timer returns the underlying timer.
func (s *IncrementalSweeper) Timer() *heaptimer.Timer { return s.timer }

// Steps returns the number of sweep steps performed.
func (s *IncrementalSweeper) Steps() uint64 { return s.steps }

// StartSweeping schedules the timer at the sweep interval, if there is
// anything to sweep.
func (s *IncrementalSweeper) StartSweeping() {
	if s.heap.Stats().UnsweptBlocks == 0 {
		return
	}
	if err := s.timer.Schedule(s.interval); err != nil && !errors.Is(err, heaptimer.ErrTimerInvalidated) {
		s.logger.Err().
			Err(err).
			Log(`heap: failed to schedule sweep timer`)
	}
}

// DoWork implements [heaptimer.Worker]. It sweeps one budget of blocks,
// parking the timer once the sweep is complete.
func (s *IncrementalSweeper) DoWork(t *heaptimer.Timer) {
	swept, remaining := s.heap.SweepStep(s.budget)
	s.steps++

	s.logger.Trace().
		Int(`swept`, swept).
		Int(`remaining`, remaining).
		Log(`heap: sweep step`)

	if remaining > 0 {
		return
	}

	if err := t.Park(); err != nil {
		s.logger.Err().
			Err(err).
			Log(`heap: failed to park sweep timer`)
	}
}
