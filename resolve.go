// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package heaptimer

// Resolve identifies which of timers fired, by comparing h against each
// timer's handle. Nil entries are skipped, and the same timer listed twice
// counts once. Anything other than exactly one match returns an
// [*UnresolvedFireError].
func Resolve(h Handle, timers []*Timer) (*Timer, error) {
	var (
		match   *Timer
		matches int
	)
	if !h.IsZero() {
		for _, t := range timers {
			if t == nil || t == match || t.Handle() != h {
				continue
			}
			match = t
			matches++
		}
	}
	if matches != 1 {
		return nil, &UnresolvedFireError{
			Handle:     h,
			Registered: len(timers),
			Matches:    matches,
		}
	}
	return match, nil
}
