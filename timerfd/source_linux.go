// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux

package timerfd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-heaptimer"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

type (
	// Source is a [heaptimer.Source] backed by timerfd descriptors. Fire
	// notifications are delivered inline, on the epoll goroutine. A panic
	// from a fire notification is not recovered.
	//
	// Instances must be initialized using the New factory.
	Source struct {
		// betteralign:ignore

		logger   *logiface.Logger[logiface.Event]
		handles  map[heaptimer.Handle]*entry
		fds      map[int32]*entry
		done     chan struct{}
		eventBuf [64]unix.EpollEvent
		epfd     int
		wakefd   int
		fired    atomic.Uint64
		overruns atomic.Uint64
		mu       sync.Mutex
		closed   atomic.Bool
	}

	entry struct {
		fire   func(heaptimer.Handle)
		handle heaptimer.Handle
		fd     int
	}
)

var _ heaptimer.Source = (*Source)(nil)

// New creates the epoll instance and wakeup eventfd, and starts the epoll
// goroutine. Call [Source.Close] to release them.
func New(opts ...Option) (*Source, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("timerfd: epoll_create1: %w", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("timerfd: eventfd: %w", err)
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakefd),
	}); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("timerfd: epoll_ctl wakefd: %w", err)
	}

	s := &Source{
		logger:  cfg.logger,
		handles: make(map[heaptimer.Handle]*entry),
		fds:     make(map[int32]*entry),
		done:    make(chan struct{}),
		epfd:    epfd,
		wakefd:  wakefd,
	}

	go s.run()

	return s, nil
}

// Schedule implements [heaptimer.Source.Schedule].
func (s *Source) Schedule(initialDelay, period time.Duration, repeating bool, fire func(heaptimer.Handle)) (heaptimer.Handle, error) {
	if fire == nil {
		panic(`timerfd: nil fire func`)
	}
	if initialDelay <= 0 || (repeating && period <= 0) {
		return heaptimer.Handle{}, heaptimer.ErrInvalidPeriod
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return heaptimer.Handle{}, heaptimer.ErrSourceClosed
	}

	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return heaptimer.Handle{}, fmt.Errorf("timerfd: timerfd_create: %w", err)
	}

	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}); err != nil {
		_ = unix.Close(fd)
		return heaptimer.Handle{}, fmt.Errorf("timerfd: epoll_ctl: %w", err)
	}

	e := &entry{
		fire:   fire,
		handle: heaptimer.NewHandle(),
		fd:     fd,
	}

	if err := settime(fd, initialDelay, period, repeating); err != nil {
		_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		_ = unix.Close(fd)
		return heaptimer.Handle{}, err
	}

	s.handles[e.handle] = e
	s.fds[int32(fd)] = e

	return e.handle, nil
}

// Reset implements [heaptimer.Source.Reset].
func (s *Source) Reset(h heaptimer.Handle, initialDelay, period time.Duration, repeating bool) error {
	if initialDelay <= 0 || (repeating && period <= 0) {
		return heaptimer.ErrInvalidPeriod
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.handles[h]
	if !ok {
		return heaptimer.ErrUnknownHandle
	}

	return settime(e.fd, initialDelay, period, repeating)
}

// Cancel implements [heaptimer.Source.Cancel]. The handle's descriptor is
// closed.
func (s *Source) Cancel(h heaptimer.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.handles[h]; ok {
		s.removeLocked(e)
	}
}

// Close stops the epoll goroutine, waits for it to exit, then closes every
// descriptor. Subsequent calls to Schedule fail with
// [heaptimer.ErrSourceClosed].
//
// Close must not be called from a fire notification, or while holding a
// lock that a fire notification may be waiting on.
func (s *Source) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		<-s.done
		return nil
	}

	if err := s.wakeup(); err != nil {
		s.logger.Err().
			Err(err).
			Log(`timerfd: failed to wake epoll goroutine`)
	}
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.handles {
		s.removeLocked(e)
	}

	return errors.Join(unix.Close(s.wakefd), unix.Close(s.epfd))
}

// Len returns the number of handles that have not been cancelled.
func (s *Source) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Fired returns the number of fire notifications delivered.
func (s *Source) Fired() uint64 { return s.fired.Load() }

// Overruns returns the number of expirations that were coalesced into an
// earlier notification, because the epoll goroutine fell behind.
func (s *Source) Overruns() uint64 { return s.overruns.Load() }

func (s *Source) removeLocked(e *entry) {
	delete(s.handles, e.handle)
	delete(s.fds, int32(e.fd))
	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, e.fd, nil)
	_ = unix.Close(e.fd)
}

// wakeup signals the epoll goroutine via the eventfd.
func (s *Source) wakeup() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(s.wakefd, buf[:])
	if err == unix.EAGAIN {
		// counter saturated, a wakeup is already pending
		return nil
	}
	return err
}

func (s *Source) run() {
	defer close(s.done)

	for !s.closed.Load() {
		n, err := unix.EpollWait(s.epfd, s.eventBuf[:], -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			s.logger.Err().
				Err(err).
				Log(`timerfd: epoll_wait failed`)
			return
		}
		s.dispatchEvents(n)
	}
}

// dispatchEvents delivers notifications inline. The descriptor is read
// under the lock, so a descriptor closed and reused by another handle reads
// as not yet expired.
func (s *Source) dispatchEvents(n int) {
	for i := 0; i < n; i++ {
		fd := s.eventBuf[i].Fd
		if int(fd) == s.wakefd {
			drain(s.wakefd)
			continue
		}

		fire, h, ok := s.expire(fd)
		if !ok {
			continue
		}

		s.fired.Add(1)
		fire(h)
	}
}

func (s *Source) expire(fd int32) (func(heaptimer.Handle), heaptimer.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.fds[fd]
	if !ok {
		return nil, heaptimer.Handle{}, false
	}

	expirations := drain(e.fd)
	if expirations == 0 {
		return nil, heaptimer.Handle{}, false
	}
	if expirations > 1 {
		s.overruns.Add(expirations - 1)
	}

	return e.fire, e.handle, true
}

// settime arms fd. One-shot timers have a zero interval, and stay disarmed
// after expiring, until rearmed.
func settime(fd int, initialDelay, period time.Duration, repeating bool) error {
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(int64(initialDelay)),
	}
	if repeating {
		spec.Interval = unix.NsecToTimespec(int64(period))
	}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		return fmt.Errorf("timerfd: timerfd_settime: %w", err)
	}
	return nil
}

// drain reads the 8 byte counter from a non-blocking timerfd or eventfd,
// returning zero if it was not readable.
func drain(fd int) uint64 {
	var buf [8]byte
	if n, err := unix.Read(fd, buf[:]); err != nil || n != len(buf) {
		return 0
	}
	return binary.NativeEndian.Uint64(buf[:])
}
