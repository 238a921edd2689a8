// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Command heaptimer-demo runs a script against one or more VMs, whose heaps
// are maintained by heap timers, on a shared timer backend.
//
// The script is evaluated once per VM, then its global tick function (if defined)
// is called at a fixed interval, with an incrementing counter, until the
// configured duration elapses or the process is interrupted.
//
// Usage:
//
//	heaptimer-demo [-config path.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-heaptimer"
	"github.com/joeycumines/go-heaptimer/heap"
	"github.com/joeycumines/go-heaptimer/internal/config"
	"github.com/joeycumines/go-heaptimer/looptimer"
	"github.com/joeycumines/go-heaptimer/platform"
	"github.com/joeycumines/go-heaptimer/vm"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName  = `heaptimer-demo`
	tickInterval = 50 * time.Millisecond
)

// defaultScript allocates a little more each tick, and records collections.
const defaultScript = `
var collections = 0;
function onHeapCollected(stats) { collections = stats.collections; }
function tick(n) { reportExtraMemoryCost(64 * 1024 * (1 + n % 8)); }
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String(`config`, ``, `path to a YAML config file`)
	if err := flags.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 2
	}

	level, _ := cfg.Level()
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(stderr)),
		stumpy.L.WithLevel(level),
	).Logger()

	if err := demo(ctx, cfg, logger, stdout); err != nil {
		logger.Err().
			Err(err).
			Log(`demo failed`)
		return 1
	}
	return 0
}

func demo(ctx context.Context, cfg *config.Config, logger *logiface.Logger[logiface.Event], stdout io.Writer) (err error) {
	var (
		dispatcherOpts = []heaptimer.DispatcherOption{heaptimer.WithLogger(logger)}
		vmOpts         = []vm.Option{vm.WithLogger(logger)}
	)

	if cfg.Trace.Enabled {
		provider, perr := newTracerProvider(ctx, cfg.Trace, stdout)
		if perr != nil {
			return perr
		}
		defer func() {
			err = errors.Join(err, provider.Shutdown(context.WithoutCancel(ctx)))
		}()
		tracer := provider.Tracer(serviceName)
		dispatcherOpts = append(dispatcherOpts, heaptimer.WithTracer(tracer))
		vmOpts = append(vmOpts, vm.WithTracer(tracer))
	}

	source, closeSource, err := newSource(cfg.Backend, logger)
	if err != nil {
		return err
	}
	// every VM is closed first, they do not own the source
	defer func() {
		err = errors.Join(err, closeSource())
	}()

	dispatcher, err := heaptimer.NewDispatcher(dispatcherOpts...)
	if err != nil {
		return err
	}

	script, err := loadScript(cfg.Script)
	if err != nil {
		return err
	}

	vmOpts = append(vmOpts,
		vm.WithSource(source),
		vm.WithDispatcher(dispatcher),
		vm.WithHeapOptions(heap.WithBlockSize(cfg.Heap.BlockSize)),
		vm.WithActivityOptions(activityOptions(cfg)...),
		vm.WithSweeperOptions(
			heap.WithSweepInterval(cfg.Sweep.Interval),
			heap.WithSweepBudget(cfg.Sweep.Budget),
		),
	)

	logger.Info().
		Str(`backend`, string(cfg.Backend)).
		Int(`vms`, cfg.VMs).
		Dur(`duration`, cfg.Duration).
		Log(`running`)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.VMs; i++ {
		g.Go(func() error { return runVM(gctx, logger, script, cfg.Duration, vmOpts) })
	}
	return g.Wait()
}

// runVM evaluates script in a new VM, then ticks it until d elapses. The VM
// is closed before returning.
func runVM(ctx context.Context, logger *logiface.Logger[logiface.Event], script string, d time.Duration, opts []vm.Option) (err error) {
	v, err := vm.New(opts...)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, v.Close())
	}()

	if _, err := v.Eval(ctx, script); err != nil {
		return fmt.Errorf("evaluate script: %w", err)
	}

	if err := tickUntil(ctx, v, d); err != nil {
		return err
	}

	stats := v.Stats()
	logger.Info().
		Str(`vm`, v.ID().String()).
		Int64(`bytes_allocated`, stats.Heap.BytesAllocated).
		Uint64(`collections`, stats.Heap.Collections).
		Uint64(`timer_collections`, stats.TimerCollections).
		Uint64(`deferred_collections`, stats.DeferredCollections).
		Uint64(`sweep_steps`, stats.SweepSteps).
		Uint64(`swept_blocks`, stats.Heap.SweptBlocks).
		Int(`unswept_blocks`, stats.Heap.UnsweptBlocks).
		Log(`finished`)

	return nil
}

// tickUntil calls the script's tick function until d elapses. Interruption
// via ctx is not an error.
func tickUntil(ctx context.Context, v *vm.VM, d time.Duration) error {
	value, err := v.Eval(ctx, `typeof tick === 'function'`)
	if err != nil {
		return err
	}
	hasTick, _ := value.(bool)

	deadline := time.NewTimer(d)
	defer deadline.Stop()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-ticker.C:
		}
		if !hasTick {
			continue
		}
		if _, err := v.Eval(ctx, fmt.Sprintf(`tick(%d)`, n)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("tick %d: %w", n, err)
		}
	}
}

// activityOptions shares one collection limiter between every VM.
func activityOptions(cfg *config.Config) []heap.ActivityOption {
	opts := []heap.ActivityOption{
		heap.WithAllocationThreshold(cfg.Activity.Threshold),
		heap.WithDelayRange(cfg.Activity.MinDelay, cfg.Activity.MaxDelay),
	}
	if rates := cfg.RateMap(); rates != nil {
		opts = append(opts, heap.WithCollectionLimiter(catrate.NewLimiter(rates), serviceName))
	}
	return opts
}

// newSource builds the configured backend, and the function that releases
// it.
func newSource(backend config.Backend, logger *logiface.Logger[logiface.Event]) (heaptimer.Source, func() error, error) {
	switch backend {
	case config.BackendRuntime:
		source := heaptimer.NewRuntimeSource()
		return source, source.Close, nil

	case config.BackendLoop:
		source, err := looptimer.New(looptimer.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return source, source.Close, nil

	case config.BackendTimerfd, config.BackendPlatform:
		if backend == config.BackendTimerfd && platform.Name() != string(config.BackendTimerfd) {
			return nil, nil, fmt.Errorf("backend %q is not supported on this platform", backend)
		}
		source, err := platform.New(logger)
		if err != nil {
			return nil, nil, err
		}
		return source, source.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", backend)
	}
}

func newTracerProvider(ctx context.Context, cfg config.Trace, stdout io.Writer) (*sdktrace.TracerProvider, error) {
	var (
		w       io.Writer
		closeFn func() error
	)
	switch cfg.Output {
	case `stdout`:
		w = stdout
	case `stderr`:
		w = os.Stderr
	default:
		f, err := os.Create(cfg.Output)
		if err != nil {
			return nil, err
		}
		w, closeFn = f, f.Close
	}

	exporterOpts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
	if cfg.Pretty {
		exporterOpts = append(exporterOpts, stdouttrace.WithPrettyPrint())
	}
	var exporter sdktrace.SpanExporter
	exporter, err := stdouttrace.New(exporterOpts...)
	if err != nil {
		return nil, err
	}
	if closeFn != nil {
		exporter = closingExporter{exporter, closeFn}
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String(`service.name`, serviceName),
	))
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	), nil
}

// closingExporter closes the trace output file on shutdown.
type closingExporter struct {
	sdktrace.SpanExporter
	close func() error
}

func (x closingExporter) Shutdown(ctx context.Context) error {
	return errors.Join(x.SpanExporter.Shutdown(ctx), x.close())
}

func loadScript(path string) (string, error) {
	if path == `` {
		return defaultScript, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return ``, fmt.Errorf("load script: %w", err)
	}
	return string(b), nil
}
