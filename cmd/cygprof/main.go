// Package main implements the cygprof CLI tool.
//
// The cygprof tool records every function entry and exit of a Go program. It
// works by:
//
//  1. Parsing Go source files using go/ast
//  2. Inserting an enter/exit hook pair at the top of every function
//  3. Linking the cygprof runtime
//  4. Building/running the instrumented code
//
// The instrumented program writes a trace file on exit that `cygprof dump`
// prints.
//
// Usage:
//
//	cygprof build -o app .        # Build with tracing
//	cygprof run main.go           # Run with tracing
//	cygprof test ./...            # Run tests with tracing
//	cygprof dump cygprof.dat      # Print a trace file
package main

import (
	"errors"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cygprof",
	Short: "Function entry/exit tracer for Go programs",
	Long: `cygprof instruments Go sources so that every function entry and exit is
recorded with a nanosecond timestamp, then builds, runs or tests the result.

The instrumented program writes its trace on exit. Environment variables
control the runtime:

    CYGPROF_MEMORY    event buffer pre-allocation in bytes (default 64 MiB)
    CYGPROF_FILENAME  trace file path (default cygprof.dat)
    CYGPROF_SIGNALS   flush|exit to also write the trace on SIGINT/SIGTERM/SIGHUP

Functions whose doc comment contains //cygprof:notrace are not instrumented.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries the exit status of a program started by `cygprof run` or
// of `go test` under `cygprof test`.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return "exit status " + strconv.Itoa(e.code)
}

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute runs the CLI with args and returns the process exit status.
func execute(args []string) int {
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	rootCmd.PrintErrln("Error:", err)
	return 1
}
