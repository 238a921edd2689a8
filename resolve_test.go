// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package heaptimer_test

import (
	"errors"
	"testing"

	"github.com/joeycumines/go-heaptimer"
	"github.com/joeycumines/go-heaptimer/heaptimertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	h := newHarness(t)
	a := h.newTimer(t, `activity`, new(heaptimertest.Worker))
	b := h.newTimer(t, `sweep`, new(heaptimertest.Worker))

	for _, tc := range [...]struct {
		name       string
		handle     heaptimer.Handle
		timers     []*heaptimer.Timer
		want       *heaptimer.Timer
		matches    int
		registered int
	}{
		{name: `first`, handle: a.Handle(), timers: []*heaptimer.Timer{a, b}, want: a},
		{name: `second`, handle: b.Handle(), timers: []*heaptimer.Timer{a, b}, want: b},
		{name: `nil entries skipped`, handle: b.Handle(), timers: []*heaptimer.Timer{nil, a, nil, b}, want: b},
		{name: `duplicate pointer counts once`, handle: a.Handle(), timers: []*heaptimer.Timer{a, a, b}, want: a},
		{name: `no match`, handle: heaptimer.NewHandle(), timers: []*heaptimer.Timer{a, b}, registered: 2},
		{name: `empty set`, handle: a.Handle(), registered: 0},
		{name: `zero handle`, timers: []*heaptimer.Timer{a, b}, registered: 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := heaptimer.Resolve(tc.handle, tc.timers)
			if tc.want != nil {
				require.NoError(t, err)
				assert.Same(t, tc.want, got)
				return
			}
			require.ErrorIs(t, err, heaptimer.ErrUnresolvedFire)
			assert.Nil(t, got)
			var target *heaptimer.UnresolvedFireError
			require.True(t, errors.As(err, &target))
			assert.Equal(t, tc.handle, target.Handle)
			assert.Equal(t, tc.matches, target.Matches)
			assert.Equal(t, tc.registered, target.Registered)
		})
	}
}

func TestGuard_lifecycle(t *testing.T) {
	rt := new(heaptimertest.Runtime)
	lock := heaptimer.NewLock(rt)
	assert.Equal(t, int64(1), lock.Refs())
	assert.Same(t, lock, lock.Owner().Lock())

	var hooks []string
	lock.OnReclaim(func() { hooks = append(hooks, `first`) })
	lock.OnReclaim(func() { hooks = append(hooks, `second`) })
	assert.Panics(t, func() { lock.OnReclaim(nil) })

	g1 := lock.Acquire()
	g2 := lock.Acquire()
	assert.Equal(t, int64(3), lock.Refs())

	lock.Lock()
	assert.Equal(t, heaptimer.Runtime(rt), lock.Runtime())
	lock.Unlock()

	require.True(t, lock.Detach(nil))
	assert.Nil(t, g1.LockRuntime())
	g1.Unlock()

	g1.Release()
	g1.Release()
	assert.True(t, g1.Released())
	assert.Equal(t, int64(2), lock.Refs())
	assert.PanicsWithValue(t, heaptimer.ErrGuardReleased, func() { g1.LockRuntime() })

	lock.Owner().Release()
	select {
	case <-lock.Reclaimed():
		t.Fatal("reclaimed with a guard outstanding")
	default:
	}
	assert.Empty(t, hooks)

	g2.Release()
	<-lock.Reclaimed()
	assert.Zero(t, lock.Refs())
	assert.Equal(t, []string{`first`, `second`}, hooks)
	lock.OnReclaim(func() { hooks = append(hooks, `late`) })
	assert.Equal(t, []string{`first`, `second`, `late`}, hooks)
	assert.PanicsWithValue(t, heaptimer.ErrLockReclaimed, func() { lock.Acquire() })

	var nilGuard *heaptimer.Guard
	nilGuard.Release()
}

func TestLock_detachTeardownSeesRuntime(t *testing.T) {
	rt := new(heaptimertest.Runtime)
	lock := heaptimer.NewLock(rt)

	var during heaptimer.Runtime
	require.True(t, lock.Detach(func() { during = lock.Runtime() }))
	assert.Equal(t, heaptimer.Runtime(rt), during)

	called := false
	assert.False(t, lock.Detach(func() { called = true }))
	assert.False(t, called)

	assert.Panics(t, func() { heaptimer.NewLock(nil) })
}

func TestWorkerFunc(t *testing.T) {
	var got *heaptimer.Timer
	h := newHarness(t)
	timer := h.register(t, `activity`, heaptimer.WorkerFunc(func(t *heaptimer.Timer) { got = t }))
	require.True(t, h.source.Fire(timer.Handle()))
	assert.Same(t, timer, got)
}
