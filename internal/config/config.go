// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package config loads the YAML configuration of the heaptimer-demo command.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/joeycumines/logiface"
	"gopkg.in/yaml.v3"
)

// Backend names a heaptimer.Source implementation.
type Backend string

const (
	// BackendRuntime uses Go runtime timers.
	BackendRuntime Backend = `runtime`
	// BackendLoop uses the single goroutine run loop.
	BackendLoop Backend = `loop`
	// BackendTimerfd uses Linux timerfd descriptors.
	BackendTimerfd Backend = `timerfd`
	// BackendPlatform selects the native backend for the build target.
	BackendPlatform Backend = `platform`
)

type (
	// Config is the root of the demo configuration.
	Config struct {
		// Backend selects the timer source.
		Backend Backend `yaml:"backend"`
		// LogLevel is a syslog style keyword, e.g. "info" or "trace".
		LogLevel string `yaml:"log_level"`
		// Duration is how long the demo runs the script's heap for, after
		// evaluating it.
		Duration time.Duration `yaml:"duration"`
		// Script is the path to a JavaScript file. If empty, a built in
		// script is used.
		Script string `yaml:"script"`
		// VMs is the number of VMs run concurrently, sharing one timer
		// source, dispatcher, and collection rate limit.
		VMs      int      `yaml:"vms"`
		Trace    Trace    `yaml:"trace"`
		Heap     Heap     `yaml:"heap"`
		Activity Activity `yaml:"activity"`
		Sweep    Sweep    `yaml:"sweep"`
	}

	// Trace configures span export.
	Trace struct {
		Enabled bool `yaml:"enabled"`
		// Output is "stdout", "stderr", or a file path.
		Output string `yaml:"output"`
		Pretty bool   `yaml:"pretty"`
	}

	// Heap configures the reference heap.
	Heap struct {
		BlockSize int64 `yaml:"block_size"`
	}

	// Activity configures the activity callback.
	Activity struct {
		Threshold int64         `yaml:"threshold"`
		MinDelay  time.Duration `yaml:"min_delay"`
		MaxDelay  time.Duration `yaml:"max_delay"`
		// Rates cap timer driven collections per sliding window.
		Rates []Rate `yaml:"rates"`
	}

	// Rate is a single sliding window limit.
	Rate struct {
		Window time.Duration `yaml:"window"`
		Count  int           `yaml:"count"`
	}

	// Sweep configures the incremental sweeper.
	Sweep struct {
		Interval time.Duration `yaml:"interval"`
		Budget   int           `yaml:"budget"`
	}
)

// Default returns the configuration used for any field not set.
func Default() *Config {
	return &Config{
		Backend:  BackendPlatform,
		LogLevel: logiface.LevelInformational.String(),
		Duration: 3 * time.Second,
		VMs:      1,
		Trace: Trace{
			Output: `stdout`,
		},
		Heap: Heap{
			BlockSize: 16 * 1024,
		},
		Activity: Activity{
			Threshold: 1 << 20,
			MinDelay:  10 * time.Millisecond,
			MaxDelay:  time.Second,
			Rates: []Rate{
				{Window: time.Second, Count: 5},
				{Window: time.Minute, Count: 60},
			},
		},
		Sweep: Sweep{
			Interval: 100 * time.Millisecond,
			Budget:   64,
		},
	}
}

// Load reads and validates the YAML file at path. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	if path == `` {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes YAML from r, over the defaults, then validates the result.
// Unknown fields are rejected.
func Parse(r io.Reader) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks every field, joining all problems found.
func (c *Config) Validate() error {
	var errs []error

	switch c.Backend {
	case BackendRuntime, BackendLoop, BackendTimerfd, BackendPlatform:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}

	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}

	if c.Duration <= 0 {
		errs = append(errs, errors.New("duration must be positive"))
	}

	if c.VMs <= 0 {
		errs = append(errs, errors.New("vms must be positive"))
	}

	if c.Trace.Enabled && c.Trace.Output == `` {
		errs = append(errs, errors.New("trace.output must be set when tracing is enabled"))
	}

	if c.Heap.BlockSize <= 0 {
		errs = append(errs, errors.New("heap.block_size must be positive"))
	}

	if c.Activity.Threshold <= 0 {
		errs = append(errs, errors.New("activity.threshold must be positive"))
	}
	if c.Activity.MinDelay <= 0 || c.Activity.MaxDelay < c.Activity.MinDelay {
		errs = append(errs, errors.New("activity delays must satisfy 0 < min_delay <= max_delay"))
	}
	if err := validateRates(c.Activity.Rates); err != nil {
		errs = append(errs, err)
	}

	if c.Sweep.Interval <= 0 {
		errs = append(errs, errors.New("sweep.interval must be positive"))
	}
	if c.Sweep.Budget <= 0 {
		errs = append(errs, errors.New("sweep.budget must be positive"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (logiface.Level, error) {
	for level := logiface.LevelDisabled; level <= logiface.LevelTrace; level++ {
		if level.String() == c.LogLevel {
			return level, nil
		}
	}
	return logiface.LevelDisabled, fmt.Errorf("unknown log_level %q", c.LogLevel)
}

// RateMap returns the rates in the form accepted by catrate.NewLimiter, or
// nil if there are none.
func (c *Config) RateMap() map[time.Duration]int {
	if len(c.Activity.Rates) == 0 {
		return nil
	}
	m := make(map[time.Duration]int, len(c.Activity.Rates))
	for _, r := range c.Activity.Rates {
		m[r.Window] = r.Count
	}
	return m
}

// validateRates enforces what catrate.NewLimiter would otherwise panic on.
// Longer windows must allow more events, at a lower effective rate.
func validateRates(rates []Rate) error {
	sorted := append([]Rate(nil), rates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Window < sorted[j].Window })
	for i, r := range sorted {
		if r.Window <= 0 || r.Count <= 0 {
			return fmt.Errorf("activity.rates[%s]: window and count must be positive", r.Window)
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		if r.Window == prev.Window {
			return fmt.Errorf("activity.rates: duplicate window %s", r.Window)
		}
		if r.Count <= prev.Count {
			return fmt.Errorf("activity.rates[%s]: count must exceed that of shorter windows", r.Window)
		}
		if float64(r.Count)/float64(r.Window) >= float64(prev.Count)/float64(prev.Window) {
			return fmt.Errorf("activity.rates[%s]: effective rate must be below that of shorter windows", r.Window)
		}
	}
	return nil
}
