// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package heap is a small reference heap, that accounts for allocation and
// performs simulated collections and incremental sweeps. It exists to supply
// the two canonical heap maintenance workers, [ActivityCallback] and
// [IncrementalSweeper], that are driven by heaptimer timers.
//
// Nothing in this package is safe for concurrent use. Every method must be
// called with the owning runtime's lock held, which is always the case for
// DoWork.
package heap

import (
	"github.com/joeycumines/logiface"
)

// DefaultBlockSize is the number of bytes per block, unless configured
// [WithBlockSize].
const DefaultBlockSize = 16 * 1024

type (
	// Heap tracks allocation volume, in fixed size blocks.
	//
	// Instances must be initialized using the New factory.
	Heap struct {
		logger      *logiface.Logger[logiface.Event]
		willCollect []func()
		didCollect  []func(Stats)
		blockSize   int64
		pending     int64 // bytes not yet filling a block
		stats       Stats
		collecting  bool
	}

	// Stats is a snapshot of heap accounting.
	Stats struct {
		// BytesAllocated is the total reported allocation.
		BytesAllocated int64
		// BytesSinceCollection is the allocation since the last collection.
		BytesSinceCollection int64
		// Blocks is the number of live blocks.
		Blocks int
		// UnsweptBlocks is the number of blocks awaiting sweep.
		UnsweptBlocks int
		// SweptBlocks is the total number of blocks swept.
		SweptBlocks uint64
		// Collections is the number of collections performed.
		Collections uint64
	}
)

// New initializes a new, empty Heap.
func New(opts ...Option) (*Heap, error) {
	cfg, err := resolveHeapOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Heap{
		logger:    cfg.logger,
		blockSize: cfg.blockSize,
	}, nil
}

// ReportAllocation accounts for bytes of new allocation. Non-positive values
// are ignored.
func (h *Heap) ReportAllocation(bytes int64) {
	if bytes <= 0 {
		return
	}
	h.stats.BytesAllocated += bytes
	h.stats.BytesSinceCollection += bytes
	h.pending += bytes
	if blocks := h.pending / h.blockSize; blocks > 0 {
		h.stats.Blocks += int(blocks)
		h.pending -= blocks * h.blockSize
	}
}

// Collect performs a collection: every live block becomes unswept, and the
// allocation counter since the last collection resets. Registered
// [Heap.OnWillCollect] hooks run first, then [Heap.OnCollect] hooks.
//
// A panic will occur if called from one of those hooks.
func (h *Heap) Collect() {
	if h.collecting {
		panic(`heap: collect called re-entrantly`)
	}
	h.collecting = true
	defer func() { h.collecting = false }()

	for _, fn := range h.willCollect {
		fn()
	}

	h.stats.Collections++
	h.stats.BytesSinceCollection = 0
	h.stats.UnsweptBlocks = h.stats.Blocks

	h.logger.Debug().
		Uint64(`collections`, h.stats.Collections).
		Int(`unswept`, h.stats.UnsweptBlocks).
		Log(`heap: collected`)

	stats := h.stats
	for _, fn := range h.didCollect {
		fn(stats)
	}
}

// SweepStep sweeps at most limit unswept blocks. Sweeping a block frees it,
// reducing the live block count. It returns the number swept, and the number
// still unswept.
func (h *Heap) SweepStep(limit int) (swept, remaining int) {
	swept = min(max(limit, 0), h.stats.UnsweptBlocks)
	h.stats.UnsweptBlocks -= swept
	h.stats.Blocks -= swept
	h.stats.SweptBlocks += uint64(swept)
	return swept, h.stats.UnsweptBlocks
}

// Stats returns a snapshot of the accounting.
func (h *Heap) Stats() Stats { return h.stats }

// OnWillCollect registers fn to run at the start of every collection.
func (h *Heap) OnWillCollect(fn func()) {
	if fn == nil {
		panic(`heap: nil will collect hook`)
	}
	h.willCollect = append(h.willCollect, fn)
}

// OnCollect registers fn to run after every collection, with the stats as of
// the end of that collection.
func (h *Heap) OnCollect(fn func(Stats)) {
	if fn == nil {
		panic(`heap: nil collect hook`)
	}
	h.didCollect = append(h.didCollect, fn)
}
