// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package heaptimer

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrUnknownHandle is returned by [Source.Reset] for a handle that was
	// never issued by that source, or has been cancelled.
	ErrUnknownHandle = errors.New("heaptimer: unknown handle")

	// ErrSourceClosed is returned when arming a timer on a closed [Source].
	ErrSourceClosed = errors.New("heaptimer: source closed")

	// ErrInvalidPeriod is returned for non-positive delays or periods.
	ErrInvalidPeriod = errors.New("heaptimer: period must be positive")

	// ErrTimerInvalidated is returned when rescheduling an invalidated [Timer].
	ErrTimerInvalidated = errors.New("heaptimer: timer invalidated")

	// ErrUnresolvedFire is the cause of every [UnresolvedFireError].
	ErrUnresolvedFire = errors.New("heaptimer: fired handle does not match exactly one registered timer")

	// ErrLockReclaimed is the panic value when acquiring a guard on a [Lock]
	// whose reference count already dropped to zero.
	ErrLockReclaimed = errors.New("heaptimer: lock reclaimed")

	// ErrGuardReleased is the panic value when locking through a released
	// [Guard].
	ErrGuardReleased = errors.New("heaptimer: guard released")
)

// UnresolvedFireError indicates a fire notification whose handle matched
// zero, or more than one, of the runtime's registered timers. The dispatch
// table and the live timer set have diverged, which is a bug, not an
// environmental failure.
type UnresolvedFireError struct {
	Handle     Handle
	Registered int
	Matches    int
}

// Error implements the error interface.
func (e *UnresolvedFireError) Error() string {
	return fmt.Sprintf("%s: %s matched %d of %d registered timers", ErrUnresolvedFire, e.Handle, e.Matches, e.Registered)
}

// Unwrap returns [ErrUnresolvedFire].
func (e *UnresolvedFireError) Unwrap() error {
	return ErrUnresolvedFire
}
