// Package cygprof records every function entry and exit of an instrumented Go
// program and writes them to a binary trace file at exit.
//
// # Quick Start
//
// The cygprof tool instruments your program and links this package in:
//
//	$ cygprof build -o myprogram .
//	$ CYGPROF_FILENAME=run.dat ./myprogram
//	$ cygprof dump run.dat
//
// Tests are traced per package; each package directory gets its own trace:
//
//	$ cygprof test ./...
//
// For manual instrumentation:
//
//	package main
//
//	import "github.com/kolkov/cygprof/cygprof"
//
//	func work() {
//		defer cygprof.Exit(cygprof.Enter())
//		// ...
//	}
//
//	func main() {
//		cygprof.Init()
//		defer cygprof.Fini()
//		work()
//	}
//
// # API Overview
//
// The package provides functions for:
//   - Initialization and finalization: [Init], [Fini]
//   - Function hooks: [Enter], [Exit], [OnFunctionEnter], [OnFunctionExit]
//   - Runtime control: [Enable], [Disable]
//   - Introspection: [GetStats], [GetInfo], [Version]
//
// # Configuration
//
// Environment variables are read once, on the first recorded event:
//
//	CYGPROF_MEMORY    bytes of event buffer to pre-allocate (default 64 MiB,
//	                  values below 1 MiB fall back to the default)
//	CYGPROF_FILENAME  trace file path (default cygprof.dat)
//	CYGPROF_SIGNALS   "flush" or "exit" to write the trace on SIGINT, SIGTERM
//	                  and SIGHUP (default: no signal handling)
//
// The buffer grows past the pre-allocation as needed; CYGPROF_MEMORY only
// avoids allocation during recording.
//
// # Trace File
//
// All integers are little-endian. The default (version 1) layout is:
//
//	u32 magic        0xFFEEAAFF
//	u32 version      1
//	u32 symbol_count
//	symbol_count x { u16 len; len bytes name }
//	N x { u32 symbol_index; u64 timestamp_ns }
//
// Timestamps are nanoseconds since the process started recording. Each
// instrumented call produces two records with the same symbol: entry, then
// exit. Use `cygprof dump` to print a trace file.
//
// # Exit Handling
//
// Fini writes the file on normal return from main. By default the tracer does
// not touch signal handling, so a program killed by a signal loses its trace.
// CYGPROF_SIGNALS changes that:
//
//	flush  write the trace when the signal arrives and leave the signal to the
//	       program (for programs that shut down on their own signal handler)
//	exit   write the trace, then re-send the signal so the program still dies
//	       (for programs without a handler)
//
// Signals ignored at startup, for example under nohup, stay ignored. Traces
// are always lost on os.Exit and SIGKILL.
package cygprof
