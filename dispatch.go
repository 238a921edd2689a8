// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package heaptimer

import (
	"context"
	"fmt"
	"sync"

	"github.com/joeycumines/logiface"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Outcome describes what a single [Dispatcher.Dispatch] call did.
type Outcome int

const (
	// OutcomeWorked indicates the worker was called, and returned.
	OutcomeWorked Outcome = iota
	// OutcomeStale indicates the runtime had been torn down. Not an error.
	OutcomeStale
	// OutcomeInvalidated indicates the resolved timer had been invalidated.
	OutcomeInvalidated
	// OutcomeUnresolved indicates the fatal handler was called, and returned.
	OutcomeUnresolved
	// OutcomePanicked indicates the worker panicked. The panic was logged.
	OutcomePanicked
)

// String returns a human-readable representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeWorked:
		return "worked"
	case OutcomeStale:
		return "stale"
	case OutcomeInvalidated:
		return "invalidated"
	case OutcomeUnresolved:
		return "unresolved"
	case OutcomePanicked:
		return "panicked"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Dispatcher is the fire time entry point, shared by any number of timers.
// It holds no per-runtime state.
//
// Instances must be initialized using the NewDispatcher factory.
type Dispatcher struct {
	logger *logiface.Logger[logiface.Event]
	tracer trace.Tracer
	fatal  func(err error)
}

var (
	defaultDispatcherOnce sync.Once
	defaultDispatcher     *Dispatcher
)

// NewDispatcher initializes a new Dispatcher.
func NewDispatcher(opts ...DispatcherOption) (*Dispatcher, error) {
	cfg, err := resolveDispatcherOptions(opts)
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		logger: cfg.logger,
		tracer: cfg.tracer,
		fatal:  cfg.fatal,
	}
	if d.fatal == nil {
		d.fatal = d.abort
	}
	return d, nil
}

// DefaultDispatcher returns the shared Dispatcher, used by timers that were
// not configured [WithDispatcher]. It does not log.
func DefaultDispatcher() *Dispatcher {
	defaultDispatcherOnce.Do(func() {
		var err error
		if defaultDispatcher, err = NewDispatcher(); err != nil {
			panic(err)
		}
	})
	return defaultDispatcher
}

// Dispatch handles one fire notification for h, delivered with the firing
// timer's guard. It blocks until the runtime lock is available, and releases
// it on every path, including when the fatal handler panics.
func (d *Dispatcher) Dispatch(guard *Guard, h Handle) (outcome Outcome) {
	_, span := d.tracer.Start(context.Background(), `heaptimer.dispatch`,
		trace.WithAttributes(attribute.Int64(`heaptimer.handle`, int64(h.ID()))),
	)
	defer func() {
		span.SetAttributes(attribute.String(`heaptimer.outcome`, outcome.String()))
		if outcome == OutcomeUnresolved || outcome == OutcomePanicked {
			span.SetStatus(codes.Error, outcome.String())
		}
		span.End()
	}()

	rt := guard.LockRuntime()
	defer guard.Unlock()

	if rt == nil {
		d.logger.Debug().
			Limit().
			Str(`handle`, h.String()).
			Log(`heap timer fired after runtime teardown`)
		return OutcomeStale
	}

	t, err := Resolve(h, rt.HeapTimers())
	if err != nil {
		span.RecordError(err)
		d.fatal(err)
		return OutcomeUnresolved
	}

	span.SetAttributes(attribute.String(`heaptimer.role`, t.Role()))

	if !t.beginFire() {
		return OutcomeInvalidated
	}

	return d.doWork(rt, t)
}

func (d *Dispatcher) doWork(rt Runtime, t *Timer) (outcome Outcome) {
	defer func() {
		if err := t.endFire(); err != nil {
			d.logger.Err().
				Err(err).
				Str(`role`, t.Role()).
				Log(`heap timer failed to settle`)
		}
	}()

	if exit := rt.Enter(); exit != nil {
		defer exit()
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Err().
				Str(`role`, t.Role()).
				Any(`panic`, r).
				Log(`heap timer worker panicked`)
			outcome = OutcomePanicked
		}
	}()

	d.logger.Trace().
		Str(`role`, t.Role()).
		Log(`heap timer doing work`)

	t.worker.DoWork(t)

	return OutcomeWorked
}

// abort is the default fatal handler.
func (d *Dispatcher) abort(err error) {
	d.logger.Emerg().
		Err(err).
		Log(`heap timer dispatch table diverged from registered timers`)
	panic(err)
}
