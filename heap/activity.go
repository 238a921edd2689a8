// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package heap

import (
	"errors"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-heaptimer"
	"github.com/joeycumines/logiface"
)

// RoleActivity is the role of the [ActivityCallback] timer.
const RoleActivity = `activity`

// ActivityCallback triggers a collection after a burst of allocation, once
// the mutator has had a chance to go quiet. Each DidAllocate pulls the
// timer in, proportional to the allocation volume, and a collection (by any
// means) parks it.
//
// Instances must be initialized using the NewActivityCallback factory.
type ActivityCallback struct {
	heap      *Heap
	timer     *heaptimer.Timer
	logger    *logiface.Logger[logiface.Event]
	limiter   *catrate.Limiter
	category  any
	threshold int64
	minDelay  time.Duration
	maxDelay  time.Duration
	collected uint64
	deferred  uint64
}

var _ heaptimer.Worker = (*ActivityCallback)(nil)

// NewActivityCallback initializes a new ActivityCallback for h, arming its
// timer (parked) against lock. The caller must register
// [ActivityCallback.Timer] with the runtime, and should hold lock while
// doing both.
func NewActivityCallback(h *Heap, lock *heaptimer.Lock, opts ...ActivityOption) (*ActivityCallback, error) {
	if h == nil {
		panic(`heap: nil heap`)
	}

	cfg, err := resolveActivityOptions(opts)
	if err != nil {
		return nil, err
	}

	a := &ActivityCallback{
		heap:      h,
		logger:    cfg.logger,
		limiter:   cfg.limiter,
		category:  cfg.category,
		threshold: cfg.threshold,
		minDelay:  cfg.minDelay,
		maxDelay:  cfg.maxDelay,
	}
	if a.category == nil {
		a.category = a
	}

	if a.timer, err = heaptimer.NewTimer(lock, RoleActivity, a, cfg.timerOpts...); err != nil {
		return nil, err
	}

	h.OnWillCollect(a.WillCollect)

	return a, nil
}

// Timer returns the underlying timer.
func (a *ActivityCallback) Timer() *heaptimer.Timer { return a.timer }

// Collections returns the number of collections performed by DoWork.
func (a *ActivityCallback) Collections() uint64 { return a.collected }

// Deferred returns the number of times DoWork was rate limited.
func (a *ActivityCallback) Deferred() uint64 { return a.deferred }

// DidAllocate reports bytes of allocation to the heap, and pulls the timer
// in if the new delay is sooner than the armed period.
func (a *ActivityCallback) DidAllocate(bytes int64) {
	a.heap.ReportAllocation(bytes)

	delay := a.delay(a.heap.Stats().BytesSinceCollection)
	if delay >= a.timer.Period() {
		return
	}

	if err := a.timer.Schedule(delay); err != nil && !errors.Is(err, heaptimer.ErrTimerInvalidated) {
		a.logger.Err().
			Err(err).
			Log(`heap: failed to schedule activity timer`)
	}
}

// WillCollect parks the timer, since a collection is about to satisfy it.
func (a *ActivityCallback) WillCollect() {
	if err := a.timer.Park(); err != nil && !errors.Is(err, heaptimer.ErrTimerInvalidated) {
		a.logger.Err().
			Err(err).
			Log(`heap: failed to park activity timer`)
	}
}

// DoWork implements [heaptimer.Worker]. It collects if enough allocation has
// accumulated, and the collection rate allows, and otherwise reschedules for
// when the rate allows, or parks.
func (a *ActivityCallback) DoWork(t *heaptimer.Timer) {
	since := a.heap.Stats().BytesSinceCollection
	if since < a.threshold {
		a.logger.Trace().
			Int64(`bytes`, since).
			Log(`heap: activity below threshold`)
		if err := t.Park(); err != nil {
			a.logger.Err().
				Err(err).
				Log(`heap: failed to park activity timer`)
		}
		return
	}

	if a.limiter != nil {
		if next, ok := a.limiter.Allow(a.category); !ok {
			a.deferred++
			delay := max(time.Until(next), a.minDelay)
			a.logger.Debug().
				Limit().
				Dur(`delay`, delay).
				Log(`heap: collection rate limited`)
			if err := t.Schedule(delay); err != nil {
				a.logger.Err().
					Err(err).
					Log(`heap: failed to defer activity timer`)
			}
			return
		}
	}

	a.collected++
	a.heap.Collect()
}

// delay maps allocation volume to a timer delay: maxDelay at the threshold,
// shrinking in proportion to the volume, down to minDelay.
func (a *ActivityCallback) delay(since int64) time.Duration {
	if since <= a.threshold {
		return a.maxDelay
	}
	d := time.Duration(float64(a.maxDelay) * float64(a.threshold) / float64(since))
	return min(max(d, a.minDelay), a.maxDelay)
}
