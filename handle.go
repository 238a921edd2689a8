// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package heaptimer

import (
	"strconv"
	"sync/atomic"
)

// Handle identifies a timer armed on a [Source]. Handles are comparable, and
// equality is the only meaningful operation on them. The zero value is never
// issued, and matches nothing.
type Handle struct {
	id uint64
}

var handleCounter atomic.Uint64

// NewHandle issues a process-unique Handle. It is intended for use by
// [Source] implementations.
func NewHandle() Handle {
	return Handle{id: handleCounter.Add(1)}
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool { return h.id == 0 }

// ID returns the numeric identity of h, for logging.
func (h Handle) ID() uint64 { return h.id }

func (h Handle) String() string {
	if h.id == 0 {
		return `handle(none)`
	}
	return `handle(` + strconv.FormatUint(h.id, 10) + `)`
}
