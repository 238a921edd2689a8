// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package heaptimer dispatches periodic heap maintenance work (allocation
// driven collection, incremental sweeping) for a garbage collected runtime,
// from timers that fire on arbitrary goroutines.
//
// # Architecture
//
// A [Source] is a platform timer facility, reduced to four operations:
// schedule, reset, cancel, and a fire notification that carries only an
// opaque [Handle]. Backends include [RuntimeSource] (Go runtime timers), the
// looptimer package (a timer heap serviced by one goroutine), and the timerfd
// package (Linux timerfd + epoll). The platform package selects one at build
// time.
//
// A [Lock] is the runtime's global lock. It is reference counted through
// [Guard] tokens, so it outlives the runtime for as long as any timer still
// holds a guard. The runtime pointer inside the lock is cleared under the
// lock, by [Lock.Detach], when the runtime is torn down.
//
// A [Timer] is one maintenance task (e.g. "activity" or "sweep"), bound to a
// [Worker] that implements the actual work. Timers hold a guard from before
// they are armed until after their last fire notification has drained.
//
// The [Dispatcher] is the fire time entry point:
//
//  1. take the runtime lock through the timer's guard
//  2. drop the fire if the runtime has been torn down ([OutcomeStale])
//  3. [Resolve] the fired handle against [Runtime.HeapTimers]
//  4. enter the runtime ([Runtime.Enter]) and call [Worker.DoWork]
//  5. exit, then release the lock
//
// A fired handle that matches no registered timer is a bookkeeping bug, and
// is fatal: the default handler logs at emergency level, then panics.
//
// # Thread Safety
//
//   - All [Worker.DoWork] calls for timers sharing one [Lock] are serialized,
//     along with every other operation that takes that lock.
//   - [Timer.Schedule], [Timer.Park] and [Timer.Invalidate] are safe to call
//     from any goroutine, including from within DoWork.
//   - There is no ordering between timers of different runtimes.
//
// # Usage
//
//	lock := heaptimer.NewLock(rt)
//	lock.Lock()
//	sweep, err := heaptimer.NewTimer(lock, "sweep", sweeper)
//	if err != nil {
//	    lock.Unlock()
//	    return err
//	}
//	rt.register(sweep)
//	lock.Unlock()
//
//	// later, from a mutator holding the lock
//	_ = sweep.Schedule(100 * time.Millisecond)
//
//	// teardown
//	lock.Detach(func() { sweep.Invalidate() })
//	lock.Owner().Release()
package heaptimer
