// Package api provides the process-wide runtime for the call tracer.
//
// This package implements the entry points called by instrumented code on
// every function entry and exit, making them CRITICAL HOT PATHS. Instrumented
// code reaches them through the public wrapper package cygprof.
//
// Hot path per call (after first use):
//   - enabled check: one atomic load
//   - lifecycle fast path: one atomic load
//   - monotonic clock read
//   - buffer append: three atomic adds
//
// Enter/Exit additionally resolve the instrumented function's entry address
// from the call stack (runtime.Callers + runtime.FuncForPC).
//
// Performance Targets:
//   - OnFunctionEnter/OnFunctionExit: < 50ns per call
//   - Enter/Exit: < 300ns per call
package api

import (
	"runtime"

	"github.com/kolkov/cygprof/internal/cygprof/exithook"
	"github.com/kolkov/cygprof/internal/cygprof/recorder"
)

// rec is the process-wide recorder.
//
// Created during package initialization so the clock epoch is program start.
// The buffer is reserved lazily by the first hook call (or by Init).
var rec = newProcessRecorder()

func newProcessRecorder() *recorder.Recorder {
	return recorder.New(recorder.WithShutdownHook(exithook.Register))
}

// OnFunctionEnter is the function entry hook.
//
// fn is the entry address of the function being entered, caller the address it
// was called from. Only fn is recorded.
func OnFunctionEnter(fn, caller uintptr) {
	rec.Enter(fn, caller)
}

// OnFunctionExit is the function exit hook.
func OnFunctionExit(fn, caller uintptr) {
	rec.Exit(fn, caller)
}

// Enter records entry into the calling function and returns its entry address
// for the matching Exit.
//
// Example (instrumented code):
//
//	func work() {
//		defer cygprof.Exit(cygprof.Enter())
//		...
//	}
func Enter() uintptr {
	fn, caller := callerEntry(1)
	rec.Enter(fn, caller)
	return fn
}

// Exit records exit from fn, the value returned by Enter.
func Exit(fn uintptr) {
	rec.Exit(fn, 0)
}

// EnterSkip is Enter for callers that wrap the hook in skip extra frames.
// The public cygprof.Enter calls EnterSkip(1).
func EnterSkip(skip int) uintptr {
	fn, caller := callerEntry(1 + skip)
	rec.Enter(fn, caller)
	return fn
}

// callerEntry returns the entry address of the function skip frames above its
// own caller, and the return address into that function's caller.
func callerEntry(skip int) (fn, caller uintptr) {
	var pcs [2]uintptr
	// Frame 0 is runtime.Callers, 1 is callerEntry, 2 is our caller.
	n := runtime.Callers(skip+2, pcs[:])
	if n == 0 {
		return 0, 0
	}

	// Normalise to the function entry so that Enter and Exit (which run at
	// different PCs inside the function) share one call-site identifier.
	if f := runtime.FuncForPC(pcs[0] - 1); f != nil {
		fn = f.Entry()
	} else {
		fn = pcs[0]
	}
	if n > 1 {
		caller = pcs[1]
	}
	return fn, caller
}

// Init initializes the tracer eagerly: reads configuration, reserves the
// buffer and, if CYGPROF_SIGNALS asks for it, installs the signal hook.
// Optional; the first hook call does the same. Safe to call multiple times and
// from any goroutine.
func Init() {
	rec.Initialize()
}

// Fini writes the trace file. Call it before the process exits (the
// instrumenter injects `defer cygprof.Fini()` into main). Errors are reported
// on stderr; only the first call writes.
func Fini() {
	_ = rec.Finalize()
}

// Enable turns recording on (the default).
func Enable() {
	rec.Enable()
}

// Disable turns all hooks into no-ops until Enable.
func Disable() {
	rec.Disable()
}

// Stats returns the process-wide recorder counters.
func Stats() recorder.Stats {
	return rec.Stats()
}

// Recorder returns the process-wide recorder.
func Recorder() *recorder.Recorder {
	return rec
}

// Reset replaces the process-wide recorder with a fresh one built from opts,
// or with the default process recorder when opts is empty (testing only).
//
// Thread Safety: NOT safe for concurrent use with the hooks.
func Reset(opts ...recorder.Option) {
	if len(opts) == 0 {
		rec = newProcessRecorder()
		return
	}
	rec = recorder.New(opts...)
}
