// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package heap_test

import (
	"testing"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-heaptimer"
	"github.com/joeycumines/go-heaptimer/heap"
	"github.com/joeycumines/go-heaptimer/heaptimertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	heap     *heap.Heap
	lock     *heaptimer.Lock
	runtime  *heaptimertest.Runtime
	source   *heaptimertest.Source
	activity *heap.ActivityCallback
	sweeper  *heap.IncrementalSweeper
}

func newFixture(t *testing.T, activityOpts []heap.ActivityOption, sweeperOpts []heap.SweeperOption) *fixture {
	t.Helper()

	f := &fixture{
		runtime: new(heaptimertest.Runtime),
		source:  heaptimertest.NewSource(),
	}
	f.lock = heaptimer.NewLock(f.runtime)

	var err error
	f.heap, err = heap.New(heap.WithBlockSize(1024))
	require.NoError(t, err)

	dispatcher, err := heaptimer.NewDispatcher(heaptimer.WithFatalHandler(func(err error) {
		t.Errorf("unexpected fatal: %v", err)
	}))
	require.NoError(t, err)
	timerOpts := []heaptimer.TimerOption{heaptimer.WithSource(f.source), heaptimer.WithDispatcher(dispatcher)}

	f.lock.Lock()
	defer f.lock.Unlock()

	f.activity, err = heap.NewActivityCallback(f.heap, f.lock,
		append([]heap.ActivityOption{heap.WithActivityTimerOptions(timerOpts...)}, activityOpts...)...)
	require.NoError(t, err)

	f.sweeper, err = heap.NewIncrementalSweeper(f.heap, f.lock,
		append([]heap.SweeperOption{heap.WithSweeperTimerOptions(timerOpts...)}, sweeperOpts...)...)
	require.NoError(t, err)

	f.runtime.Register(f.activity.Timer(), f.sweeper.Timer())

	return f
}

// allocate is a mutator operation, taking the lock.
func (f *fixture) allocate(bytes int64) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.activity.DidAllocate(bytes)
}

func (f *fixture) stats() heap.Stats {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.heap.Stats()
}

func TestHeap_accounting(t *testing.T) {
	h, err := heap.New(heap.WithBlockSize(100))
	require.NoError(t, err)

	h.ReportAllocation(250)
	h.ReportAllocation(0)
	h.ReportAllocation(-5)
	assert.Equal(t, heap.Stats{BytesAllocated: 250, BytesSinceCollection: 250, Blocks: 2}, h.Stats())

	h.ReportAllocation(50)
	assert.Equal(t, 3, h.Stats().Blocks)

	var (
		order []string
		seen  heap.Stats
	)
	h.OnWillCollect(func() { order = append(order, `will`) })
	h.OnCollect(func(s heap.Stats) {
		order = append(order, `did`)
		seen = s
	})
	h.Collect()
	assert.Equal(t, []string{`will`, `did`}, order)
	assert.Equal(t, heap.Stats{BytesAllocated: 300, Blocks: 3, UnsweptBlocks: 3, Collections: 1}, seen)

	swept, remaining := h.SweepStep(2)
	assert.Equal(t, 2, swept)
	assert.Equal(t, 1, remaining)
	swept, remaining = h.SweepStep(5)
	assert.Equal(t, 1, swept)
	assert.Zero(t, remaining)
	swept, _ = h.SweepStep(-1)
	assert.Zero(t, swept)

	assert.Equal(t, heap.Stats{BytesAllocated: 300, SweptBlocks: 3, Collections: 1}, h.Stats())
}

func TestHeap_collectReentrantPanics(t *testing.T) {
	h, err := heap.New()
	require.NoError(t, err)
	h.OnCollect(func(heap.Stats) { h.Collect() })
	assert.Panics(t, h.Collect)
	assert.Panics(t, func() { h.OnCollect(nil) })
	assert.Panics(t, func() { h.OnWillCollect(nil) })
}

func TestHeap_invalidOptions(t *testing.T) {
	_, err := heap.New(heap.WithBlockSize(0))
	require.Error(t, err)

	h, err := heap.New(nil)
	require.NoError(t, err)
	lock := heaptimer.NewLock(new(heaptimertest.Runtime))
	source := heaptimertest.NewSource()

	_, err = heap.NewActivityCallback(h, lock, heap.WithAllocationThreshold(0))
	require.Error(t, err)
	_, err = heap.NewActivityCallback(h, lock, heap.WithDelayRange(time.Second, time.Millisecond))
	require.Error(t, err)
	_, err = heap.NewIncrementalSweeper(h, lock, heap.WithSweepInterval(0))
	require.Error(t, err)
	_, err = heap.NewIncrementalSweeper(h, lock, heap.WithSweepBudget(0))
	require.Error(t, err)

	require.NoError(t, source.Close())
	_, err = heap.NewActivityCallback(h, lock, heap.WithActivityTimerOptions(heaptimer.WithSource(source)))
	require.ErrorIs(t, err, heaptimer.ErrSourceClosed)
	assert.Equal(t, int64(1), lock.Refs())
}

func TestActivityCallback_parkedUntilAllocation(t *testing.T) {
	f := newFixture(t, []heap.ActivityOption{
		heap.WithAllocationThreshold(10_000),
		heap.WithDelayRange(10*time.Millisecond, time.Second),
	}, nil)

	assert.Equal(t, heaptimer.StateParked, f.activity.Timer().State())
	assert.Equal(t, heaptimer.StateParked, f.sweeper.Timer().State())
	assert.Zero(t, f.source.Advance(time.Hour))

	f.allocate(1_000)
	assert.Equal(t, heaptimer.StateScheduled, f.activity.Timer().State())
	assert.Equal(t, time.Second, f.activity.Timer().Period())

	// below threshold when it fires, so it parks without collecting
	assert.Equal(t, 1, f.source.Advance(time.Second))
	assert.Equal(t, heaptimer.StateParked, f.activity.Timer().State())
	assert.Zero(t, f.stats().Collections)
}

func TestActivityCallback_delayShrinksWithAllocation(t *testing.T) {
	f := newFixture(t, []heap.ActivityOption{
		heap.WithAllocationThreshold(10_000),
		heap.WithDelayRange(10*time.Millisecond, time.Second),
	}, nil)

	f.allocate(20_000)
	assert.Equal(t, 500*time.Millisecond, f.activity.Timer().Period())

	f.allocate(20_000)
	assert.Equal(t, 250*time.Millisecond, f.activity.Timer().Period())

	// never pushed back out, by a collection resetting the volume
	f.lock.Lock()
	f.heap.Collect()
	f.lock.Unlock()
	require.NoError(t, f.activity.Timer().Schedule(250*time.Millisecond))
	f.allocate(1)
	assert.Equal(t, 250*time.Millisecond, f.activity.Timer().Period())

	f.allocate(10_000_000)
	assert.Equal(t, 10*time.Millisecond, f.activity.Timer().Period())
}

func TestActivityCallback_collectsThenSweeps(t *testing.T) {
	f := newFixture(t, []heap.ActivityOption{
		heap.WithAllocationThreshold(10 * 1024),
		heap.WithDelayRange(10*time.Millisecond, time.Second),
	}, []heap.SweeperOption{
		heap.WithSweepInterval(100 * time.Millisecond),
		heap.WithSweepBudget(4),
	})

	f.allocate(20 * 1024)
	require.Equal(t, 500*time.Millisecond, f.activity.Timer().Period())

	assert.Equal(t, 1, f.source.Advance(500*time.Millisecond))
	stats := f.stats()
	assert.Equal(t, uint64(1), stats.Collections)
	assert.Equal(t, 20, stats.UnsweptBlocks)
	assert.Equal(t, uint64(1), f.activity.Collections())
	assert.Equal(t, heaptimer.StateParked, f.activity.Timer().State())
	assert.Equal(t, heaptimer.StateScheduled, f.sweeper.Timer().State())

	// 20 blocks at 4 per step
	assert.Equal(t, 5, f.source.Advance(time.Second))
	stats = f.stats()
	assert.Zero(t, stats.UnsweptBlocks)
	assert.Equal(t, uint64(20), stats.SweptBlocks)
	assert.Equal(t, uint64(5), f.sweeper.Steps())
	assert.Equal(t, heaptimer.StateParked, f.sweeper.Timer().State())

	assert.Zero(t, f.source.Advance(time.Hour))
}

func TestActivityCallback_mutatorCollectParks(t *testing.T) {
	f := newFixture(t, nil, nil)

	f.allocate(2 << 20)
	require.Equal(t, heaptimer.StateScheduled, f.activity.Timer().State())

	f.lock.Lock()
	f.heap.Collect()
	f.lock.Unlock()

	assert.Equal(t, heaptimer.StateParked, f.activity.Timer().State())
	assert.Zero(t, f.activity.Collections())
	assert.Equal(t, heaptimer.StateScheduled, f.sweeper.Timer().State())
}

func TestActivityCallback_rateLimited(t *testing.T) {
	f := newFixture(t, []heap.ActivityOption{
		heap.WithAllocationThreshold(1024),
		heap.WithDelayRange(time.Millisecond, time.Millisecond),
		heap.WithCollectionRates(map[time.Duration]int{time.Hour: 1}),
	}, nil)

	f.allocate(4096)
	assert.Equal(t, 1, f.source.Advance(time.Millisecond))
	assert.Equal(t, uint64(1), f.stats().Collections)

	f.allocate(4096)
	assert.Equal(t, 1, f.source.Advance(time.Millisecond))
	assert.Equal(t, uint64(1), f.stats().Collections)
	assert.Equal(t, uint64(1), f.activity.Deferred())

	// deferred until the window allows, close to an hour
	assert.Equal(t, heaptimer.StateScheduled, f.activity.Timer().State())
	assert.Greater(t, f.activity.Timer().Period(), 59*time.Minute)
}

func TestActivityCallback_sharedLimiter(t *testing.T) {
	limiter := catrate.NewLimiter(map[time.Duration]int{time.Hour: 1})
	a := newFixture(t, []heap.ActivityOption{
		heap.WithAllocationThreshold(1024),
		heap.WithDelayRange(time.Millisecond, time.Millisecond),
		heap.WithCollectionLimiter(limiter, `shared`),
	}, nil)
	b := newFixture(t, []heap.ActivityOption{
		heap.WithAllocationThreshold(1024),
		heap.WithDelayRange(time.Millisecond, time.Millisecond),
		heap.WithCollectionLimiter(limiter, `shared`),
	}, nil)

	a.allocate(4096)
	b.allocate(4096)
	assert.Equal(t, 1, a.source.Advance(time.Millisecond))
	assert.Equal(t, 1, b.source.Advance(time.Millisecond))

	assert.Equal(t, uint64(1), a.stats().Collections)
	assert.Zero(t, b.stats().Collections)
	assert.Equal(t, uint64(1), b.activity.Deferred())
}

func TestActivityCallback_invalidatedIgnoresAllocation(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.activity.Timer().Invalidate()
	f.sweeper.Timer().Invalidate()

	f.allocate(10 << 20)
	f.lock.Lock()
	f.heap.Collect()
	f.lock.Unlock()

	assert.Equal(t, heaptimer.StateInvalidated, f.activity.Timer().State())
	assert.Equal(t, heaptimer.StateInvalidated, f.sweeper.Timer().State())
	assert.Zero(t, f.source.Advance(time.Hour))
}
