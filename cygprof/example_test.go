package cygprof_test

import (
	"fmt"

	"github.com/kolkov/cygprof/cygprof"
)

func work() {
	defer cygprof.Exit(cygprof.Enter())
}

// Example demonstrates manual instrumentation.
// Normally, instrumentation is automatic via the cygprof tool.
func Example() {
	cygprof.Init()

	work()
	work()

	fmt.Println(cygprof.GetStats().Recorded)

	// Output:
	// 4
}

// Example_disable shows how to exclude a phase from the trace.
func Example_disable() {
	cygprof.Disable()
	before := cygprof.GetStats().Recorded
	work()
	fmt.Println(cygprof.GetStats().Recorded - before)
	cygprof.Enable()

	// Output:
	// 0
}

// Example_getInfo prints the runtime version.
func Example_getInfo() {
	info := cygprof.GetInfo()
	fmt.Println(info.Version, info.Enabled)

	// Output:
	// 0.1.0 true
}
