// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package vm implements a reference heaptimer.Runtime, around a goja
// JavaScript runtime. Each VM owns a [heap.Heap], and the two heap timers
// ("activity" and "sweep") that maintain it, all guarded by one
// [heaptimer.Lock]. Scripts report allocation and request collections
// through bindings (globals, or require('heap')), and may observe collections
// by defining a global onHeapCollected function. The console global writes to
// the VM's logger.
//
// Every VM method is safe for concurrent use. Script evaluation, heap
// mutation, and timer driven heap maintenance are serialized by the lock.
package vm

import (
	"context"
	"errors"
	"fmt"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
	"github.com/google/uuid"
	"github.com/joeycumines/go-heaptimer"
	"github.com/joeycumines/go-heaptimer/heap"
	"github.com/joeycumines/logiface"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ModuleName is the name scripts may require the heap bindings by, as an
// alternative to the globals.
const ModuleName = `heap`

// ErrClosed is returned by operations on a closed VM.
var ErrClosed = errors.New(`vm: closed`)

type (
	// VM is a JavaScript runtime with a timer maintained heap.
	//
	// Instances must be initialized using the New factory.
	VM struct {
		// betteralign:ignore

		logger   *logiface.Logger[logiface.Event]
		tracer   trace.Tracer
		lock     *heaptimer.Lock
		runtime  *goja.Runtime // nil once closed, guarded by lock
		heap     *heap.Heap
		activity *heap.ActivityCallback
		sweeper  *heap.IncrementalSweeper
		timers   []*heaptimer.Timer
		entries  uint64
		depth    int
		id       uuid.UUID
		hooking  bool // running onHeapCollected
	}

	// Stats is a snapshot of a VM's heap, and its maintenance.
	Stats struct {
		Heap heap.Stats
		// TimerCollections is the number of collections triggered by the
		// activity timer.
		TimerCollections uint64
		// DeferredCollections is the number of rate limited activity fires.
		DeferredCollections uint64
		// SweepSteps is the number of sweep timer steps.
		SweepSteps uint64
		// Entries is the number of times the VM's execution context was
		// entered.
		Entries uint64
	}
)

var _ heaptimer.Runtime = (*VM)(nil)

// New initializes a new VM. The heap timers start parked.
func New(opts ...Option) (*VM, error) {
	cfg, err := resolveVMOptions(opts)
	if err != nil {
		return nil, err
	}

	v := &VM{
		logger:  cfg.logger,
		tracer:  cfg.tracer,
		runtime: goja.New(),
		id:      uuid.New(),
	}
	v.lock = heaptimer.NewLock(v)
	v.lock.OnReclaim(func() {
		v.logger.Debug().
			Str(`vm`, v.id.String()).
			Log(`vm lock reclaimed`)
	})

	timerOpts := []heaptimer.TimerOption{
		heaptimer.WithSource(cfg.source),
		heaptimer.WithDispatcher(cfg.dispatcher),
	}

	v.lock.Lock()
	err = v.init(cfg, timerOpts)
	v.lock.Unlock()

	if err != nil {
		v.lock.Detach(v.teardown)
		v.lock.Owner().Release()
		return nil, err
	}

	v.logger.Debug().
		Str(`vm`, v.id.String()).
		Log(`vm created`)

	return v, nil
}

// init builds the heap, its workers, and the bindings. The caller holds the
// lock, so no timer can fire before it is registered.
func (v *VM) init(cfg *vmOptions, timerOpts []heaptimer.TimerOption) (err error) {
	heapOpts := append([]heap.Option{heap.WithHeapLogger(cfg.logger)}, cfg.heapOpts...)
	if v.heap, err = heap.New(heapOpts...); err != nil {
		return err
	}

	activityOpts := append([]heap.ActivityOption{heap.WithActivityLogger(cfg.logger)}, cfg.activityOpts...)
	activityOpts = append(activityOpts, heap.WithActivityTimerOptions(timerOpts...))
	if v.activity, err = heap.NewActivityCallback(v.heap, v.lock, activityOpts...); err != nil {
		return err
	}
	v.timers = append(v.timers, v.activity.Timer())

	sweeperOpts := append([]heap.SweeperOption{heap.WithSweeperLogger(cfg.logger)}, cfg.sweeperOpts...)
	sweeperOpts = append(sweeperOpts, heap.WithSweeperTimerOptions(timerOpts...))
	if v.sweeper, err = heap.NewIncrementalSweeper(v.heap, v.lock, sweeperOpts...); err != nil {
		return err
	}
	v.timers = append(v.timers, v.sweeper.Timer())

	v.heap.OnCollect(v.notifyCollected)

	return v.bind()
}

func (v *VM) bind() error {
	bindings := v.bindings()

	registry := require.NewRegistry()
	registry.RegisterNativeModule(ModuleName, func(_ *goja.Runtime, module *goja.Object) {
		exports := module.Get(`exports`).(*goja.Object)
		for name, fn := range bindings {
			_ = exports.Set(name, fn)
		}
	})
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(consolePrinter{v}))
	registry.Enable(v.runtime)
	console.Enable(v.runtime)

	var errs []error
	for name, fn := range bindings {
		errs = append(errs, v.runtime.Set(name, fn))
	}
	return errors.Join(errs...)
}

// bindings are exposed as globals, and as the exports of [ModuleName].
func (v *VM) bindings() map[string]func(goja.FunctionCall) goja.Value {
	rt := v.runtime
	return map[string]func(goja.FunctionCall) goja.Value{
		`reportExtraMemoryCost`: func(call goja.FunctionCall) goja.Value {
			bytes := call.Argument(0).ToInteger()
			if bytes < 0 {
				panic(rt.NewTypeError(`reportExtraMemoryCost: negative cost`))
			}
			v.activity.DidAllocate(bytes)
			return goja.Undefined()
		},
		`gc`: func(goja.FunctionCall) goja.Value {
			if v.hooking {
				panic(rt.NewTypeError(`gc: called from onHeapCollected`))
			}
			v.heap.Collect()
			return goja.Undefined()
		},
		`heapStats`: func(goja.FunctionCall) goja.Value {
			return rt.ToValue(statsObject(v.heap.Stats()))
		},
	}
}

// consolePrinter routes console output to the VM's logger.
type consolePrinter struct{ v *VM }

func (x consolePrinter) Log(msg string) {
	x.v.logger.Info().
		Str(`vm`, x.v.id.String()).
		Log(msg)
}

func (x consolePrinter) Warn(msg string) {
	x.v.logger.Warning().
		Str(`vm`, x.v.id.String()).
		Log(msg)
}

func (x consolePrinter) Error(msg string) {
	x.v.logger.Err().
		Str(`vm`, x.v.id.String()).
		Log(msg)
}

// notifyCollected calls the script's onHeapCollected, if defined.
func (v *VM) notifyCollected(stats heap.Stats) {
	if v.runtime == nil {
		return
	}
	fn, ok := goja.AssertFunction(v.runtime.Get(`onHeapCollected`))
	if !ok {
		return
	}
	v.hooking = true
	defer func() { v.hooking = false }()
	if _, err := fn(goja.Undefined(), v.runtime.ToValue(statsObject(stats))); err != nil {
		v.logger.Warning().
			Str(`vm`, v.id.String()).
			Err(err).
			Log(`onHeapCollected threw`)
	}
}

func statsObject(stats heap.Stats) map[string]any {
	return map[string]any{
		`bytesAllocated`:       stats.BytesAllocated,
		`bytesSinceCollection`: stats.BytesSinceCollection,
		`blocks`:               stats.Blocks,
		`unsweptBlocks`:        stats.UnsweptBlocks,
		`sweptBlocks`:          stats.SweptBlocks,
		`collections`:          stats.Collections,
	}
}

// ID returns the VM's unique identity.
func (v *VM) ID() uuid.UUID { return v.id }

// Lock returns the VM's lock. Holding it excludes every other VM operation,
// and every heap timer's work.
func (v *VM) Lock() *heaptimer.Lock { return v.lock }

// Timers returns the VM's heap timers: activity, then sweep.
func (v *VM) Timers() []*heaptimer.Timer {
	return append([]*heaptimer.Timer(nil), v.timers...)
}

// HeapTimers implements [heaptimer.Runtime].
func (v *VM) HeapTimers() []*heaptimer.Timer { return v.timers }

// Enter implements [heaptimer.Runtime]. The outermost entry clears any
// stale interrupt left by a cancelled Eval.
func (v *VM) Enter() func() {
	v.entries++
	v.depth++
	if v.depth == 1 && v.runtime != nil {
		v.runtime.ClearInterrupt()
	}
	return func() { v.depth-- }
}

// Eval runs src as a script, returning its exported completion value.
// Cancelling ctx interrupts the script.
func (v *VM) Eval(ctx context.Context, src string) (_ any, err error) {
	ctx, span := v.tracer.Start(ctx, `vm.eval`,
		trace.WithAttributes(attribute.String(`vm.id`, v.id.String())),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v.lock.Lock()
	defer v.lock.Unlock()

	rt := v.runtime
	if rt == nil {
		return nil, ErrClosed
	}

	exit := v.Enter()
	defer exit()

	stop := context.AfterFunc(ctx, func() { rt.Interrupt(context.Cause(ctx)) })
	defer stop()

	value, err := rt.RunString(src)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if cause, ok := interrupted.Value().(error); ok {
				return nil, fmt.Errorf("vm: eval interrupted: %w", cause)
			}
		}
		return nil, err
	}

	return value.Export(), nil
}

// ReportExtraMemoryCost reports allocation made outside the script, which
// may schedule the activity timer.
func (v *VM) ReportExtraMemoryCost(bytes int64) error {
	v.lock.Lock()
	defer v.lock.Unlock()
	if v.runtime == nil {
		return ErrClosed
	}
	v.activity.DidAllocate(bytes)
	return nil
}

// Collect performs a collection immediately, which parks the activity
// timer, and starts the sweeper.
func (v *VM) Collect() error {
	v.lock.Lock()
	defer v.lock.Unlock()
	if v.runtime == nil {
		return ErrClosed
	}
	exit := v.Enter()
	defer exit()
	v.heap.Collect()
	return nil
}

// Stats returns a snapshot of the VM's heap and its maintenance. It remains
// available after Close.
func (v *VM) Stats() Stats {
	v.lock.Lock()
	defer v.lock.Unlock()
	return Stats{
		Heap:                v.heap.Stats(),
		TimerCollections:    v.activity.Collections(),
		DeferredCollections: v.activity.Deferred(),
		SweepSteps:          v.sweeper.Steps(),
		Entries:             v.entries,
	}
}

// Closed reports whether Close has been called.
func (v *VM) Closed() bool {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.runtime == nil
}

// Close tears down the VM. Under the lock, it invalidates the heap timers,
// and drops the script runtime, then releases the VM's reference to the
// lock, which lives on until every in-flight timer fire has drained. It is
// idempotent, and must not be called with the lock held.
func (v *VM) Close() error {
	if !v.lock.Detach(v.teardown) {
		return nil
	}
	v.lock.Owner().Release()
	v.logger.Debug().
		Str(`vm`, v.id.String()).
		Log(`vm closed`)
	return nil
}

func (v *VM) teardown() {
	for _, t := range v.timers {
		t.Invalidate()
	}
	if v.runtime != nil {
		v.runtime.Interrupt(ErrClosed)
		v.runtime = nil
	}
}
