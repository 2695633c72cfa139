// Package cygprof provides the public API for the call tracer.
//
// See doc.go for detailed documentation and examples.
package cygprof

import (
	internal "github.com/kolkov/cygprof/internal/cygprof/api"
	"github.com/kolkov/cygprof/internal/cygprof/recorder"
)

// Init initializes the tracer runtime.
//
// Reads the CYGPROF_* variables, reserves the event buffer and, only when
// CYGPROF_SIGNALS is set, installs the signal hook. The cygprof tool inserts this call at the
// beginning of main(). Calling it is optional: the first Enter does the same.
//
// Init is safe to call multiple times (subsequent calls are no-ops).
func Init() {
	internal.Init()
}

// Fini writes the trace file.
//
// This function should be called at program exit. The cygprof tool injects
// `defer cygprof.Fini()` into main(). For manual instrumentation:
//
//	func main() {
//		cygprof.Init()
//		defer cygprof.Fini()
//		// ... rest of program
//	}
//
// When no event was recorded no file is created. Write errors are reported on
// stderr and never abort the program.
func Fini() {
	internal.Fini()
}

// Enter records entry into the calling function and returns an identifier for
// the matching Exit.
//
// This function is automatically inserted by the cygprof tool as the first
// statement of every instrumented function:
//
//	// Original code:
//	func work() {
//		compute()
//	}
//
//	// Instrumented code:
//	func work() {
//		defer cygprof.Exit(cygprof.Enter())
//		compute()
//	}
//
// The identifier is the function's entry address.
func Enter() uintptr {
	return internal.EnterSkip(1)
}

// Exit records exit from the function identified by fn.
func Exit(fn uintptr) {
	internal.Exit(fn)
}

// OnFunctionEnter is the raw entry hook.
//
// Parameters:
//   - fn: entry address of the function being entered
//   - caller: address of the call site (accepted, not recorded)
func OnFunctionEnter(fn, caller uintptr) {
	internal.OnFunctionEnter(fn, caller)
}

// OnFunctionExit is the raw exit hook. Parameters as for OnFunctionEnter.
func OnFunctionExit(fn, caller uintptr) {
	internal.OnFunctionExit(fn, caller)
}

// Enable resumes recording after Disable.
func Enable() {
	internal.Enable()
}

// Disable turns all hooks into no-ops. Useful to exclude setup phases from a
// trace.
func Disable() {
	internal.Disable()
}

// Stats is a snapshot of tracer counters.
type Stats struct {
	// Recorded is the number of events stored so far.
	Recorded uint64

	// Dropped is the number of events lost because the buffer was full or
	// already finalized.
	Dropped uint64

	// Written is the number of events written by Fini (zero before).
	Written int

	// Symbols is the number of distinct functions written by Fini.
	Symbols int
}

// GetStats returns current tracer counters.
func GetStats() Stats {
	s := internal.Stats()
	return Stats{
		Recorded: s.Recorded,
		Dropped:  s.Dropped,
		Written:  s.Written.Events,
		Symbols:  s.Written.Symbols,
	}
}

func internalRecorder() *recorder.Recorder {
	return internal.Recorder()
}
