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

var (
	errInvalidBlockSize  = errors.New("heap: block size must be positive")
	errInvalidThreshold  = errors.New("heap: allocation threshold must be positive")
	errInvalidDelayRange = errors.New("heap: delay range must satisfy 0 < min <= max")
	errInvalidInterval   = errors.New("heap: sweep interval must be positive")
	errInvalidBudget     = errors.New("heap: sweep budget must be positive")
)

// --- Heap Options ---

type heapOptions struct {
	logger    *logiface.Logger[logiface.Event]
	blockSize int64
}

// Option configures a Heap instance.
type Option interface {
	applyHeap(*heapOptions) error
}

type heapOptionImpl struct {
	applyHeapFunc func(*heapOptions) error
}

func (x *heapOptionImpl) applyHeap(opts *heapOptions) error {
	return x.applyHeapFunc(opts)
}

// WithBlockSize sets the number of bytes per block.
func WithBlockSize(bytes int64) Option {
	return &heapOptionImpl{func(opts *heapOptions) error {
		if bytes <= 0 {
			return errInvalidBlockSize
		}
		opts.blockSize = bytes
		return nil
	}}
}

// WithHeapLogger configures the heap's logger.
func WithHeapLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &heapOptionImpl{func(opts *heapOptions) error {
		opts.logger = logger
		return nil
	}}
}

func resolveHeapOptions(opts []Option) (*heapOptions, error) {
	cfg := &heapOptions{
		blockSize: DefaultBlockSize,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyHeap(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// --- Activity Callback Options ---

type activityOptions struct {
	logger    *logiface.Logger[logiface.Event]
	limiter   *catrate.Limiter
	category  any
	timerOpts []heaptimer.TimerOption
	threshold int64
	minDelay  time.Duration
	maxDelay  time.Duration
}

// ActivityOption configures an ActivityCallback instance.
type ActivityOption interface {
	applyActivity(*activityOptions) error
}

type activityOptionImpl struct {
	applyActivityFunc func(*activityOptions) error
}

func (x *activityOptionImpl) applyActivity(opts *activityOptions) error {
	return x.applyActivityFunc(opts)
}

// WithAllocationThreshold sets the allocation volume, since the last
// collection, that justifies a collection. Defaults to 1MiB.
func WithAllocationThreshold(bytes int64) ActivityOption {
	return &activityOptionImpl{func(opts *activityOptions) error {
		if bytes <= 0 {
			return errInvalidThreshold
		}
		opts.threshold = bytes
		return nil
	}}
}

// WithDelayRange bounds the delay scheduled on allocation. The delay
// shrinks from max towards min as allocation exceeds the threshold.
// Defaults to 10ms and 1s.
func WithDelayRange(minDelay, maxDelay time.Duration) ActivityOption {
	return &activityOptionImpl{func(opts *activityOptions) error {
		if minDelay <= 0 || maxDelay < minDelay {
			return errInvalidDelayRange
		}
		opts.minDelay = minDelay
		opts.maxDelay = maxDelay
		return nil
	}}
}

// WithCollectionRates caps timer driven collections, using a
// [catrate.Limiter]. The rates are passed to [catrate.NewLimiter], which
// panics if they are invalid. Nil or empty rates disable the cap.
func WithCollectionRates(rates map[time.Duration]int) ActivityOption {
	return &activityOptionImpl{func(opts *activityOptions) error {
		if len(rates) == 0 {
			opts.limiter = nil
			return nil
		}
		opts.limiter = catrate.NewLimiter(rates)
		opts.category = nil
		return nil
	}}
}

// WithCollectionLimiter caps timer driven collections using a shared
// limiter, under the given category, e.g. one limiter for many runtimes.
func WithCollectionLimiter(limiter *catrate.Limiter, category any) ActivityOption {
	return &activityOptionImpl{func(opts *activityOptions) error {
		opts.limiter = limiter
		opts.category = category
		return nil
	}}
}

// WithActivityTimerOptions passes options through to [heaptimer.NewTimer].
func WithActivityTimerOptions(timerOpts ...heaptimer.TimerOption) ActivityOption {
	return &activityOptionImpl{func(opts *activityOptions) error {
		opts.timerOpts = append(opts.timerOpts, timerOpts...)
		return nil
	}}
}

// WithActivityLogger configures the activity callback's logger.
func WithActivityLogger(logger *logiface.Logger[logiface.Event]) ActivityOption {
	return &activityOptionImpl{func(opts *activityOptions) error {
		opts.logger = logger
		return nil
	}}
}

func resolveActivityOptions(opts []ActivityOption) (*activityOptions, error) {
	cfg := &activityOptions{
		threshold: 1 << 20,
		minDelay:  10 * time.Millisecond,
		maxDelay:  time.Second,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyActivity(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// --- Incremental Sweeper Options ---

type sweeperOptions struct {
	logger    *logiface.Logger[logiface.Event]
	timerOpts []heaptimer.TimerOption
	interval  time.Duration
	budget    int
}

// SweeperOption configures an IncrementalSweeper instance.
type SweeperOption interface {
	applySweeper(*sweeperOptions) error
}

type sweeperOptionImpl struct {
	applySweeperFunc func(*sweeperOptions) error
}

func (x *sweeperOptionImpl) applySweeper(opts *sweeperOptions) error {
	return x.applySweeperFunc(opts)
}

// WithSweepInterval sets the delay between sweep steps. Defaults to 100ms.
func WithSweepInterval(interval time.Duration) SweeperOption {
	return &sweeperOptionImpl{func(opts *sweeperOptions) error {
		if interval <= 0 {
			return errInvalidInterval
		}
		opts.interval = interval
		return nil
	}}
}

// WithSweepBudget sets the maximum blocks swept per step. Defaults to 64.
func WithSweepBudget(blocks int) SweeperOption {
	return &sweeperOptionImpl{func(opts *sweeperOptions) error {
		if blocks <= 0 {
			return errInvalidBudget
		}
		opts.budget = blocks
		return nil
	}}
}

// WithSweeperTimerOptions passes options through to [heaptimer.NewTimer].
func WithSweeperTimerOptions(timerOpts ...heaptimer.TimerOption) SweeperOption {
	return &sweeperOptionImpl{func(opts *sweeperOptions) error {
		opts.timerOpts = append(opts.timerOpts, timerOpts...)
		return nil
	}}
}

// WithSweeperLogger configures the sweeper's logger.
func WithSweeperLogger(logger *logiface.Logger[logiface.Event]) SweeperOption {
	return &sweeperOptionImpl{func(opts *sweeperOptions) error {
		opts.logger = logger
		return nil
	}}
}

func resolveSweeperOptions(opts []SweeperOption) (*sweeperOptions, error) {
	cfg := &sweeperOptions{
		interval: 100 * time.Millisecond,
		budget:   64,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applySweeper(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
