// Package recorder implements the tracer context: the object that owns the
// clock, the event buffer and the lifecycle controller, and that hands the
// buffer to the serializer at shutdown.
//
// The process-wide instance lives in internal/cygprof/api; tests and embedders
// create their own with New and drive Initialize/Finalize explicitly.
//
// Lifecycle:
//
//	New --first Record or Initialize--> Ready --Finalize--> finalized
//
// Initialization (exactly once, on the first hook call or on Initialize):
//  1. Resolve configuration (environment or WithConfig)
//  2. Reserve buffer capacity: budget / buffer.EventSize events
//  3. Register the shutdown hook, if any
//
// Finalize drains the buffer and writes the trace file named by the
// configuration. It runs once; later calls return the first result.
package recorder

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/kolkov/cygprof/internal/cygprof/buffer"
	"github.com/kolkov/cygprof/internal/cygprof/clock"
	"github.com/kolkov/cygprof/internal/cygprof/config"
	"github.com/kolkov/cygprof/internal/cygprof/lifecycle"
	"github.com/kolkov/cygprof/internal/cygprof/symbols"
	"github.com/kolkov/cygprof/internal/cygprof/traceformat"
)

// ShutdownHook registers finalize to run when the process terminates.
// It is called once, during initialization, with the resolved configuration.
type ShutdownHook func(cfg config.Config, finalize func())

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the diagnostic logger. Default: text handler on stderr.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithResolver sets the symbol resolver used at Finalize.
// Default: symbols.Default(), created lazily at Finalize.
func WithResolver(res symbols.Resolver) Option {
	return func(r *Recorder) { r.resolver = res }
}

// WithFormat selects the trace file variant. Default: traceformat.FormatSymbols.
func WithFormat(f traceformat.Format) Option {
	return func(r *Recorder) { r.format = f }
}

// WithLookup sets the environment lookup used at initialization.
// Default: os.LookupEnv.
func WithLookup(lookup config.LookupFunc) Option {
	return func(r *Recorder) { r.lookup = lookup }
}

// WithConfig bypasses the environment and uses cfg as is.
func WithConfig(cfg config.Config) Option {
	return func(r *Recorder) { r.fixed = &cfg }
}

// WithShutdownHook sets the hook that registers Finalize for process exit.
func WithShutdownHook(h ShutdownHook) Option {
	return func(r *Recorder) { r.hook = h }
}

// Stats is a point-in-time view of recorder state.
type Stats struct {
	State     lifecycle.State
	Recorded  uint64 // Events committed to the buffer
	Dropped   uint64 // Events rejected by the buffer
	Reserved  uint64 // Pre-allocated event capacity
	Finalized bool
	Written   traceformat.Summary // Result of Finalize, zero before
}

// Recorder captures call events for one process (or one test).
//
// Thread Safety: Record, Enter, Exit, Stats, Enable and Disable are safe for
// concurrent use from any goroutine. Finalize is safe to call concurrently;
// only the first call writes.
type Recorder struct {
	clock *clock.Clock
	buf   *buffer.Buffer
	ctl   *lifecycle.Controller

	lookup   config.LookupFunc
	fixed    *config.Config
	cfg      config.Config // Written once by setup, read after Ready
	resolver symbols.Resolver
	format   traceformat.Format
	logger   *slog.Logger
	hook     ShutdownHook

	enabled   atomic.Bool
	finalized atomic.Bool

	finalizeOnce sync.Once
	finalizeErr  error
	written      atomic.Pointer[traceformat.Summary]
}

// New creates a recorder. The clock epoch is fixed here; nothing else is
// allocated until initialization.
func New(opts ...Option) *Recorder {
	r := &Recorder{
		clock:  clock.New(),
		buf:    buffer.New(),
		ctl:    lifecycle.New(),
		lookup: os.LookupEnv,
		format: traceformat.FormatSymbols,
		logger: slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.enabled.Store(true)
	return r
}

// Initialize runs the one-time setup if it has not run yet and reports whether
// this call performed it. It returns only once setup has completed.
func (r *Recorder) Initialize() bool {
	return r.ctl.Ensure(r.setup)
}

// setup is the body of the Uninitialized -> Ready transition.
func (r *Recorder) setup() {
	if r.fixed != nil {
		r.cfg = *r.fixed
	} else {
		r.cfg = config.Load(r.lookup)
	}

	// A recorder finalized before its first event never needs the memory.
	if !r.finalized.Load() {
		r.buf.Reserve(r.cfg.ReservedEvents(buffer.EventSize))
	}

	if r.hook != nil {
		r.hook(r.cfg, func() { _ = r.Finalize() })
	}
}

// Record appends one event for the function at addr.
//
// Record never fails visibly: when disabled, finalized or full the event is
// dropped (and counted by the buffer where applicable).
func (r *Recorder) Record(addr uint64) {
	if !r.enabled.Load() {
		return
	}
	r.ctl.Ensure(r.setup)
	r.buf.Append(buffer.Event{Address: addr, Stamp: r.clock.Now()})
}

// Enter records entry into fn. The caller address is accepted for ABI
// compatibility and ignored.
func (r *Recorder) Enter(fn, _ uintptr) {
	r.Record(uint64(fn))
}

// Exit records exit from fn. The caller address is ignored.
func (r *Recorder) Exit(fn, _ uintptr) {
	r.Record(uint64(fn))
}

// Enable turns recording on (the default).
func (r *Recorder) Enable() {
	r.enabled.Store(true)
}

// Disable turns Record into a no-op until Enable.
func (r *Recorder) Disable() {
	r.enabled.Store(false)
}

// Enabled reports whether recording is on.
func (r *Recorder) Enabled() bool {
	return r.enabled.Load()
}

// Config returns the resolved configuration. Before initialization it returns
// the configuration that initialization would use.
func (r *Recorder) Config() config.Config {
	if r.ctl.IsReady() {
		return r.cfg
	}
	if r.fixed != nil {
		return *r.fixed
	}
	return config.Load(r.lookup)
}

// Stats returns current counters.
func (r *Recorder) Stats() Stats {
	bs := r.buf.Stats()
	s := Stats{
		State:     r.ctl.State(),
		Recorded:  bs.Appended,
		Dropped:   bs.Dropped,
		Reserved:  bs.Reserved,
		Finalized: r.finalized.Load(),
	}
	if w := r.written.Load(); w != nil {
		s.Written = *w
	}
	return s
}

// Finalize drains the buffer and writes the trace file.
//
// With no recorded events no file is created. Errors are logged and
// returned; they are *traceformat.FlushError values. Only the first call
// does any work.
func (r *Recorder) Finalize() error {
	r.finalizeOnce.Do(func() {
		r.finalizeErr = r.flush()
	})
	return r.finalizeErr
}

func (r *Recorder) flush() error {
	r.finalized.Store(true)
	snap := r.buf.Drain()

	if !r.ctl.IsReady() || snap.Len() == 0 {
		return nil
	}

	res := r.resolver
	if res == nil && r.format == traceformat.FormatSymbols {
		res = symbols.Default()
	}

	path := r.cfg.Filename
	sum, err := traceformat.WriteFile(path, snap, traceformat.Options{
		Format:   r.format,
		Resolver: res,
		Base: traceformat.BaseEvent{
			Address: symbols.AnchorAddress(),
			//nolint:gosec // G115: the epoch is after 1970.
			Stamp: uint64(r.clock.Epoch().UnixNano()),
		},
	})
	r.written.Store(&sum)

	if err != nil {
		r.logger.Error("cygprof: trace flush failed", "path", path, "err", err)
		return err
	}

	r.logger.Debug("cygprof: trace written",
		"path", path,
		"format", r.format.String(),
		"events", sum.Events,
		"symbols", sum.Symbols,
		"bytes", sum.Bytes,
		"dropped", r.buf.Stats().Dropped,
	)
	return nil
}
