// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package heaptimer

import (
	"sync"
	"sync/atomic"
)

type (
	// Runtime is the collaborator that owns a set of timers, and the [Lock]
	// they are dispatched under.
	Runtime interface {
		// HeapTimers returns every timer registered against the runtime,
		// including invalidated ones. It is only called with the lock held.
		// The set must not change while the runtime is live, and must
		// include each timer from before the timer can first fire.
		HeapTimers() []*Timer

		// Enter enters the runtime's execution context, returning a func
		// that exits it. It is only called with the lock held. The returned
		// func may be nil.
		Enter() (exit func())
	}

	// Lock is a runtime's global lock, kept alive independently of the
	// runtime itself, through reference counted [Guard] tokens.
	//
	// Instances must be initialized using the NewLock factory.
	Lock struct {
		// betteralign:ignore

		mu        sync.Mutex
		runtime   Runtime // nil once detached, guarded by mu
		owner     *Guard
		reclaimed chan struct{}
		refs      atomic.Int64

		hooksMu   sync.Mutex
		hooks     []func()
		hooksDone bool
	}

	// Guard is a single reference to a [Lock]. While any Guard is
	// unreleased, the Lock remains valid and lockable, even after its
	// runtime has been torn down.
	Guard struct {
		lock     *Lock
		released atomic.Bool
	}
)

// NewLock initializes a new Lock for rt, with a reference count of one,
// belonging to the owner guard (see [Lock.Owner]). A panic will occur if rt
// is nil.
func NewLock(rt Runtime) *Lock {
	if rt == nil {
		panic(`heaptimer: nil runtime`)
	}
	l := &Lock{
		runtime:   rt,
		reclaimed: make(chan struct{}),
	}
	l.refs.Store(1)
	l.owner = &Guard{lock: l}
	return l
}

// Owner returns the guard created alongside the lock, which is typically
// held by the runtime itself, and released after [Lock.Detach].
func (l *Lock) Owner() *Guard { return l.owner }

// Acquire increments the reference count, returning a new guard. A panic
// will occur (with [ErrLockReclaimed]) if every guard was already released.
func (l *Lock) Acquire() *Guard {
	for {
		refs := l.refs.Load()
		if refs <= 0 {
			panic(ErrLockReclaimed)
		}
		if l.refs.CompareAndSwap(refs, refs+1) {
			return &Guard{lock: l}
		}
	}
}

// Refs returns the current reference count.
func (l *Lock) Refs() int64 { return l.refs.Load() }

// Reclaimed returns a channel that is closed once every guard has been
// released.
func (l *Lock) Reclaimed() <-chan struct{} { return l.reclaimed }

// Lock acquires the mutex, blocking until it is available. Mutator
// operations on the runtime take the lock this way.
func (l *Lock) Lock() { l.mu.Lock() }

// Unlock releases the mutex.
func (l *Lock) Unlock() { l.mu.Unlock() }

// Runtime returns the runtime, or nil if it has been detached. The caller
// must hold the lock.
func (l *Lock) Runtime() Runtime { return l.runtime }

// Detach tears down the runtime: under the lock, it calls teardown (if
// non-nil), then clears the runtime. Any fire waiting on the lock will
// observe either the live runtime, or nil, never a partially destroyed one.
// It returns false, without calling teardown, if already detached.
//
// The caller must not hold the lock.
func (l *Lock) Detach(teardown func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.runtime == nil {
		return false
	}

	defer func() { l.runtime = nil }()
	if teardown != nil {
		teardown()
	}

	return true
}

// OnReclaim registers fn to be called once the lock is reclaimed, on the
// goroutine that releases the final guard, which may hold other locks. If
// the lock was already reclaimed, fn is called immediately. A panic will
// occur if fn is nil.
func (l *Lock) OnReclaim(fn func()) {
	if fn == nil {
		panic(`heaptimer: nil reclaim hook`)
	}
	l.hooksMu.Lock()
	if !l.hooksDone {
		l.hooks = append(l.hooks, fn)
		l.hooksMu.Unlock()
		return
	}
	l.hooksMu.Unlock()
	fn()
}

func (l *Lock) runReclaimHooks() {
	l.hooksMu.Lock()
	hooks := l.hooks
	l.hooks = nil
	l.hooksDone = true
	l.hooksMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Lock returns the lock this guard references.
func (g *Guard) Lock() *Lock { return g.lock }

// Released reports whether Release has been called.
func (g *Guard) Released() bool { return g.released.Load() }

// Release drops this reference. It is idempotent, and safe to call on a nil
// receiver.
func (g *Guard) Release() {
	if g == nil || !g.released.CompareAndSwap(false, true) {
		return
	}
	if g.lock.refs.Add(-1) == 0 {
		close(g.lock.reclaimed)
		g.lock.runReclaimHooks()
	}
}

// LockRuntime blocks until the lock is acquired, then returns the live
// runtime, or nil if it has been detached. The check happens under the lock.
// In both cases, the caller must call [Guard.Unlock].
//
// A panic will occur (with [ErrGuardReleased]) if the guard was released.
func (g *Guard) LockRuntime() Runtime {
	if g.released.Load() {
		panic(ErrGuardReleased)
	}
	g.lock.mu.Lock()
	return g.lock.runtime
}

// Unlock releases the lock taken by [Guard.LockRuntime].
func (g *Guard) Unlock() { g.lock.mu.Unlock() }
