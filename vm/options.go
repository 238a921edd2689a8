// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package vm

import (
	"github.com/joeycumines/go-heaptimer"
	"github.com/joeycumines/go-heaptimer/heap"
	"github.com/joeycumines/logiface"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = `github.com/joeycumines/go-heaptimer/vm`

type vmOptions struct {
	logger       *logiface.Logger[logiface.Event]
	tracer       trace.Tracer
	source       heaptimer.Source
	dispatcher   *heaptimer.Dispatcher
	heapOpts     []heap.Option
	activityOpts []heap.ActivityOption
	sweeperOpts  []heap.SweeperOption
}

// Option configures a VM instance.
type Option interface {
	applyVM(*vmOptions) error
}

type vmOptionImpl struct {
	applyVMFunc func(*vmOptions) error
}

func (x *vmOptionImpl) applyVM(opts *vmOptions) error {
	return x.applyVMFunc(opts)
}

// WithSource sets the timer source shared by the VM's heap timers. The VM
// does not close it. Defaults to [heaptimer.DefaultSource].
func WithSource(source heaptimer.Source) Option {
	return &vmOptionImpl{func(opts *vmOptions) error {
		opts.source = source
		return nil
	}}
}

// WithDispatcher sets the dispatcher for the VM's heap timers.
func WithDispatcher(dispatcher *heaptimer.Dispatcher) Option {
	return &vmOptionImpl{func(opts *vmOptions) error {
		opts.dispatcher = dispatcher
		return nil
	}}
}

// WithLogger configures the logger used by the VM, and (unless overridden
// via their own options) its heap and workers.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &vmOptionImpl{func(opts *vmOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithTracer configures the tracer used for Eval spans. Defaults to the
// global otel tracer provider.
func WithTracer(tracer trace.Tracer) Option {
	return &vmOptionImpl{func(opts *vmOptions) error {
		opts.tracer = tracer
		return nil
	}}
}

// WithHeapOptions passes options through to [heap.New].
func WithHeapOptions(heapOpts ...heap.Option) Option {
	return &vmOptionImpl{func(opts *vmOptions) error {
		opts.heapOpts = append(opts.heapOpts, heapOpts...)
		return nil
	}}
}

// WithActivityOptions passes options through to [heap.NewActivityCallback].
func WithActivityOptions(activityOpts ...heap.ActivityOption) Option {
	return &vmOptionImpl{func(opts *vmOptions) error {
		opts.activityOpts = append(opts.activityOpts, activityOpts...)
		return nil
	}}
}

// WithSweeperOptions passes options through to [heap.NewIncrementalSweeper].
func WithSweeperOptions(sweeperOpts ...heap.SweeperOption) Option {
	return &vmOptionImpl{func(opts *vmOptions) error {
		opts.sweeperOpts = append(opts.sweeperOpts, sweeperOpts...)
		return nil
	}}
}

func resolveVMOptions(opts []Option) (*vmOptions, error) {
	cfg := new(vmOptions)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyVM(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.tracer == nil {
		cfg.tracer = otel.Tracer(instrumentationName)
	}
	return cfg, nil
}
