// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package timerfd implements a heaptimer.Source using Linux timerfd
// descriptors, multiplexed by a single epoll goroutine. Each handle owns one
// CLOCK_MONOTONIC timerfd, armed and rearmed in place with timerfd_settime,
// so a handle keeps its identity (and descriptor) across reschedules.
//
// The package is only functional on Linux.
package timerfd
