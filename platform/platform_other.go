// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build !linux

package platform

import (
	"github.com/joeycumines/go-heaptimer/looptimer"
	"github.com/joeycumines/logiface"
)

const name = `loop`

func newSource(logger *logiface.Logger[logiface.Event]) (Source, error) {
	return looptimer.New(looptimer.WithLogger(logger))
}
