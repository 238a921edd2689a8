// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package heaptimer

// TimerState is the lifecycle state of a [Timer].
//
// State Machine:
//
//	(new)       → Parked       [default period]
//	(new)       → Scheduled    [WithInitialPeriod]
//	Parked      → Firing       [fire notification]
//	Scheduled   → Firing       [fire notification]
//	Firing      → Scheduled    [repeating, finite period]
//	Firing      → Parked       [repeating at Parked, or one-shot]
//	Firing      → Invalidated  [runtime torn down (stale fire)]
//	Parked      ↔ Scheduled    [Park(), Schedule()]
//	any         → Invalidated  [Invalidate()]
//	Invalidated → (terminal)
//
// Schedule, Park and Invalidate called by the worker, during Firing, take
// effect immediately, and are not overridden when DoWork returns.
type TimerState uint32

const (
	// StateParked indicates the timer is armed at the [Parked] period, and
	// will not fire in practice.
	StateParked TimerState = iota
	// StateScheduled indicates the timer is armed with a finite period.
	StateScheduled
	// StateFiring indicates the timer's worker is running, under the lock.
	StateFiring
	// StateInvalidated indicates the timer has been cancelled, and its
	// platform resource released. No further fires are possible.
	StateInvalidated
)

// String returns a human-readable representation of the state.
func (s TimerState) String() string {
	switch s {
	case StateParked:
		return "Parked"
	case StateScheduled:
		return "Scheduled"
	case StateFiring:
		return "Firing"
	case StateInvalidated:
		return "Invalidated"
	default:
		return "Unknown"
	}
}
