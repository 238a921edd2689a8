// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package heaptimer

import (
	"time"

	"github.com/joeycumines/logiface"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName names the tracer used by default.
const instrumentationName = `github.com/joeycumines/go-heaptimer`

// timerOptions holds configuration options for Timer creation.
type timerOptions struct {
	source     Source
	dispatcher *Dispatcher
	period     time.Duration
	repeating  bool
}

// dispatcherOptions holds configuration options for Dispatcher creation.
type dispatcherOptions struct {
	logger *logiface.Logger[logiface.Event]
	tracer trace.Tracer
	fatal  func(err error)
}

// --- Timer Options ---

// TimerOption configures a Timer instance.
type TimerOption interface {
	applyTimer(*timerOptions) error
}

// timerOptionImpl implements TimerOption.
type timerOptionImpl struct {
	applyTimerFunc func(*timerOptions) error
}

func (x *timerOptionImpl) applyTimer(opts *timerOptions) error {
	return x.applyTimerFunc(opts)
}

// WithSource sets the platform timer facility. Defaults to [DefaultSource].
func WithSource(source Source) TimerOption {
	return &timerOptionImpl{func(opts *timerOptions) error {
		opts.source = source
		return nil
	}}
}

// WithInitialPeriod arms the timer with a finite period, on construction,
// instead of [Parked].
func WithInitialPeriod(period time.Duration) TimerOption {
	return &timerOptionImpl{func(opts *timerOptions) error {
		if period <= 0 {
			return ErrInvalidPeriod
		}
		opts.period = period
		return nil
	}}
}

// WithRepeating sets whether the timer fires again after each period.
// Defaults to true. A one-shot timer that fires without being rescheduled
// by its worker is parked.
func WithRepeating(repeating bool) TimerOption {
	return &timerOptionImpl{func(opts *timerOptions) error {
		opts.repeating = repeating
		return nil
	}}
}

// WithDispatcher sets the dispatcher that handles fire notifications.
// Defaults to [DefaultDispatcher].
func WithDispatcher(dispatcher *Dispatcher) TimerOption {
	return &timerOptionImpl{func(opts *timerOptions) error {
		opts.dispatcher = dispatcher
		return nil
	}}
}

// resolveTimerOptions applies TimerOption instances to timerOptions.
func resolveTimerOptions(opts []TimerOption) (*timerOptions, error) {
	cfg := &timerOptions{
		period:    Parked,
		repeating: true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyTimer(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.source == nil {
		cfg.source = DefaultSource()
	}
	if cfg.dispatcher == nil {
		cfg.dispatcher = DefaultDispatcher()
	}
	return cfg, nil
}

// --- Dispatcher Options ---

// DispatcherOption configures a Dispatcher instance.
type DispatcherOption interface {
	applyDispatcher(*dispatcherOptions) error
}

// dispatcherOptionImpl implements DispatcherOption.
type dispatcherOptionImpl struct {
	applyDispatcherFunc func(*dispatcherOptions) error
}

func (x *dispatcherOptionImpl) applyDispatcher(opts *dispatcherOptions) error {
	return x.applyDispatcherFunc(opts)
}

// WithLogger sets the structured logger. The default (nil) logger discards
// everything.
func WithLogger(logger *logiface.Logger[logiface.Event]) DispatcherOption {
	return &dispatcherOptionImpl{func(opts *dispatcherOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithTracer sets the tracer used for dispatch spans. Defaults to a tracer
// from the global OpenTelemetry provider.
func WithTracer(tracer trace.Tracer) DispatcherOption {
	return &dispatcherOptionImpl{func(opts *dispatcherOptions) error {
		opts.tracer = tracer
		return nil
	}}
}

// WithFatalHandler replaces the handler for unresolvable fires. The default
// handler logs the error at emergency level, then panics with it. If the
// handler returns, the fire is dropped without calling any worker.
func WithFatalHandler(handler func(err error)) DispatcherOption {
	return &dispatcherOptionImpl{func(opts *dispatcherOptions) error {
		opts.fatal = handler
		return nil
	}}
}

// resolveDispatcherOptions applies DispatcherOption instances to
// dispatcherOptions.
func resolveDispatcherOptions(opts []DispatcherOption) (*dispatcherOptions, error) {
	cfg := &dispatcherOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyDispatcher(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.tracer == nil {
		cfg.tracer = otel.Tracer(instrumentationName)
	}
	return cfg, nil
}
