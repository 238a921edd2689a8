// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package vm_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/go-heaptimer"
	"github.com/joeycumines/go-heaptimer/heap"
	"github.com/joeycumines/go-heaptimer/heaptimertest"
	"github.com/joeycumines/go-heaptimer/looptimer"
	"github.com/joeycumines/go-heaptimer/vm"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newDispatcher(t *testing.T, fatal *atomic.Int32) *heaptimer.Dispatcher {
	t.Helper()
	d, err := heaptimer.NewDispatcher(heaptimer.WithFatalHandler(func(err error) {
		fatal.Add(1)
		t.Errorf("unexpected fatal: %v", err)
	}))
	require.NoError(t, err)
	return d
}

func newManualVM(t *testing.T, opts ...vm.Option) (*vm.VM, *heaptimertest.Source) {
	t.Helper()
	var fatal atomic.Int32
	source := heaptimertest.NewSource()
	v, err := vm.New(append([]vm.Option{
		vm.WithSource(source),
		vm.WithDispatcher(newDispatcher(t, &fatal)),
	}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })
	return v, source
}

func TestVM_lifecycle(t *testing.T) {
	v, source := newManualVM(t)

	assert.NotEqual(t, uuid.Nil, v.ID())
	timers := v.Timers()
	require.Len(t, timers, 2)
	assert.Equal(t, heap.RoleActivity, timers[0].Role())
	assert.Equal(t, heap.RoleSweep, timers[1].Role())
	for _, timer := range timers {
		assert.Equal(t, heaptimer.StateParked, timer.State())
	}
	assert.Equal(t, 2, source.Len())
	assert.Equal(t, int64(3), v.Lock().Refs())
	assert.False(t, v.Closed())

	require.NoError(t, v.Close())
	require.NoError(t, v.Close())
	assert.True(t, v.Closed())

	for _, timer := range timers {
		assert.Equal(t, heaptimer.StateInvalidated, timer.State())
	}
	assert.Zero(t, source.Len())
	<-v.Lock().Reclaimed()

	_, err := v.Eval(context.Background(), `1`)
	require.ErrorIs(t, err, vm.ErrClosed)
	require.ErrorIs(t, v.ReportExtraMemoryCost(1), vm.ErrClosed)
	require.ErrorIs(t, v.Collect(), vm.ErrClosed)
	assert.Zero(t, v.Stats().Heap.Collections)
}

func TestVM_scriptDrivesHeapTimers(t *testing.T) {
	v, source := newManualVM(t)
	ctx := context.Background()

	_, err := v.Eval(ctx, `
		var collected = 0;
		function onHeapCollected(stats) { collected = stats.collections; }
		reportExtraMemoryCost(4 * 1024 * 1024);
	`)
	require.NoError(t, err)

	activity := v.Timers()[0]
	assert.Equal(t, heaptimer.StateScheduled, activity.State())
	assert.Equal(t, 250*time.Millisecond, activity.Period())

	assert.Equal(t, 1, source.Advance(250*time.Millisecond))

	got, err := v.Eval(ctx, `collected`)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got)

	stats := v.Stats()
	assert.Equal(t, uint64(1), stats.TimerCollections)
	assert.Equal(t, 256, stats.Heap.UnsweptBlocks)
	assert.Equal(t, heaptimer.StateParked, activity.State())

	// 256 blocks at 64 per step, every 100ms
	assert.Equal(t, 4, source.Advance(400*time.Millisecond))
	stats = v.Stats()
	assert.Equal(t, uint64(4), stats.SweepSteps)
	assert.Equal(t, uint64(256), stats.Heap.SweptBlocks)
	assert.Zero(t, stats.Heap.UnsweptBlocks)
	assert.Equal(t, heaptimer.StateParked, v.Timers()[1].State())

	got, err = v.Eval(ctx, `heapStats().sweptBlocks`)
	require.NoError(t, err)
	assert.EqualValues(t, 256, got)
}

func TestVM_scriptCollect(t *testing.T) {
	v, source := newManualVM(t, vm.WithSweeperOptions(heap.WithSweepInterval(time.Second)))
	ctx := context.Background()

	_, err := v.Eval(ctx, `reportExtraMemoryCost(1024 * 1024); gc();`)
	require.NoError(t, err)

	stats := v.Stats()
	assert.Equal(t, uint64(1), stats.Heap.Collections)
	assert.Zero(t, stats.TimerCollections)
	assert.Equal(t, heaptimer.StateParked, v.Timers()[0].State())
	assert.Equal(t, heaptimer.StateScheduled, v.Timers()[1].State())
	assert.Zero(t, source.Advance(999*time.Millisecond))

	require.NoError(t, v.Collect())
	assert.Equal(t, uint64(2), v.Stats().Heap.Collections)
}

func TestVM_scriptErrors(t *testing.T) {
	v, _ := newManualVM(t)
	ctx := context.Background()

	_, err := v.Eval(ctx, `reportExtraMemoryCost(-1)`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `negative cost`)

	_, err = v.Eval(ctx, `throw new Error("nope")`)
	require.Error(t, err)

	// gc from the hook throws inside the hook, which is logged, not
	// propagated
	_, err = v.Eval(ctx, `
		var hookError = null;
		function onHeapCollected() {
			try { gc(); } catch (e) { hookError = String(e); }
		}
		gc();
		hookError;
	`)
	require.NoError(t, err)
	got, err := v.Eval(ctx, `hookError`)
	require.NoError(t, err)
	assert.Contains(t, got, `called from onHeapCollected`)
}

func TestVM_evalCancellation(t *testing.T) {
	v, _ := newManualVM(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := v.Eval(ctx, `for (;;) {}`)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the interrupt does not leak into the next entry
	got, err := v.Eval(context.Background(), `1 + 1`)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = v.Eval(cancelled, `1`)
	require.ErrorIs(t, err, context.Canceled)
}

func TestVM_evalTracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	v, _ := newManualVM(t, vm.WithTracer(provider.Tracer(`test`)))
	_, err := v.Eval(context.Background(), `1`)
	require.NoError(t, err)
	_, err = v.Eval(context.Background(), `undefinedThing()`)
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	for _, span := range spans {
		assert.Equal(t, `vm.eval`, span.Name())
		assert.Contains(t, span.Attributes(), attribute.String(`vm.id`, v.ID().String()))
	}
	assert.Len(t, spans[1].Events(), 1)
}

func TestVM_timerWorkExcludedByLock(t *testing.T) {
	v, source := newManualVM(t, vm.WithSweeperOptions(heap.WithSweepInterval(time.Millisecond)))

	require.NoError(t, v.ReportExtraMemoryCost(1<<20))
	require.NoError(t, v.Collect())
	sweep := v.Timers()[1]
	require.Equal(t, heaptimer.StateScheduled, sweep.State())

	v.Lock().Lock()
	done := source.FireAsync(sweep.Handle())
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, sweep.Fires())
	v.Lock().Unlock()

	require.True(t, <-done)
	assert.Equal(t, uint64(1), sweep.Fires())
	assert.Equal(t, uint64(1), v.Stats().SweepSteps)
}

func TestVM_closeRacesFires(t *testing.T) {
	loop, err := looptimer.New()
	require.NoError(t, err)
	defer loop.Close()

	var fatal atomic.Int32
	dispatcher := newDispatcher(t, &fatal)

	for i := 0; i < 20; i++ {
		v, err := vm.New(
			vm.WithSource(loop),
			vm.WithDispatcher(dispatcher),
			vm.WithActivityOptions(
				heap.WithAllocationThreshold(1024),
				heap.WithDelayRange(time.Millisecond, time.Millisecond),
			),
			vm.WithSweeperOptions(heap.WithSweepInterval(time.Millisecond), heap.WithSweepBudget(1)),
		)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for k := 0; k < 50; k++ {
					if err := v.ReportExtraMemoryCost(64 * 1024); err != nil {
						assert.ErrorIs(t, err, vm.ErrClosed)
						return
					}
					if _, err := v.Eval(context.Background(), `reportExtraMemoryCost(4096)`); err != nil {
						assert.ErrorIs(t, err, vm.ErrClosed)
						return
					}
				}
			}()
		}

		time.Sleep(time.Duration(i%5) * time.Millisecond)
		require.NoError(t, v.Close())
		wg.Wait()

		select {
		case <-v.Lock().Reclaimed():
		case <-time.After(5 * time.Second):
			t.Fatal("lock not reclaimed after close")
		}
	}

	assert.Zero(t, fatal.Load())
	assert.Zero(t, loop.Len())
}

func TestVM_invalidOptions(t *testing.T) {
	_, err := vm.New(vm.WithHeapOptions(heap.WithBlockSize(-1)))
	require.Error(t, err)

	source := heaptimertest.NewSource()
	require.NoError(t, source.Close())
	_, err = vm.New(vm.WithSource(source))
	require.True(t, errors.Is(err, heaptimer.ErrSourceClosed))
}

func TestVM_requireModuleAndConsole(t *testing.T) {
	var buf syncBuffer
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(&buf), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(logiface.LevelInformational),
	).Logger()
	v, _ := newManualVM(t, vm.WithLogger(logger))

	got, err := v.Eval(context.Background(), `
		const h = require('`+vm.ModuleName+`');
		h.reportExtraMemoryCost(2048);
		console.log('allocated');
		console.warn('careful');
		console.error('oops');
		h.heapStats().bytesAllocated;
	`)
	require.NoError(t, err)
	assert.EqualValues(t, 2048, got)

	logs := buf.String()
	id := `"vm":"` + v.ID().String() + `"`
	assert.Contains(t, logs, `{"lvl":"info",`+id+`,"msg":"allocated"}`)
	assert.Contains(t, logs, `{"lvl":"warning",`+id+`,"msg":"careful"}`)
	assert.Contains(t, logs, `{"lvl":"err",`+id+`,"msg":"oops"}`)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (x *syncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *syncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}
