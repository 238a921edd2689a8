// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package platform selects the native heaptimer.Source for the current
// operating system: timerfd on Linux, and the run loop everywhere else.
package platform

import (
	"io"

	"github.com/joeycumines/go-heaptimer"
	"github.com/joeycumines/logiface"
)

// Source is a [heaptimer.Source] that owns operating system resources, which
// are released by Close.
type Source interface {
	heaptimer.Source
	io.Closer
	Len() int
}

// New initializes the native Source. The logger may be nil.
func New(logger *logiface.Logger[logiface.Event]) (Source, error) {
	return newSource(logger)
}

// Name returns the name of the native backend, as accepted by configuration.
func Name() string { return name }
