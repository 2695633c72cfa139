// Package config reads the tracer's environment tunables.
//
// Variables:
//   - CYGPROF_MEMORY: decimal byte budget for the event buffer. Values below
//     1 MiB, unparsable values and an unset variable all mean the 64 MiB default.
//   - CYGPROF_FILENAME: path of the trace file written at shutdown. Defaults to
//     "cygprof.dat". This path is the one actually opened and the one named in
//     diagnostics.
//   - CYGPROF_SIGNALS: what to do on SIGINT, SIGTERM and SIGHUP. "flush" writes
//     the trace and leaves the signal to the program's own handlers, "exit"
//     writes the trace and then terminates with the signal. Anything else,
//     including unset, installs no signal handling at all.
//
// Configuration errors are never fatal: every bad value falls back silently.
package config

import (
	"os"
	"strconv"
	"strings"
)

const (
	// EnvMemory is the environment variable holding the buffer budget in bytes.
	EnvMemory = "CYGPROF_MEMORY"

	// EnvFilename is the environment variable holding the output path.
	EnvFilename = "CYGPROF_FILENAME"

	// EnvSignals is the environment variable selecting the SignalMode.
	EnvSignals = "CYGPROF_SIGNALS"

	// DefaultMemory is the buffer budget used when EnvMemory is absent or too small.
	DefaultMemory = 64 * 1024 * 1024

	// MinMemory is the smallest budget honoured.
	MinMemory = 1 * 1024 * 1024

	// DefaultFilename is the output path used when EnvFilename is absent or empty.
	DefaultFilename = "cygprof.dat"
)

// LookupFunc looks up an environment variable (os.LookupEnv signature).
type LookupFunc func(key string) (string, bool)

// SignalMode selects the tracer's reaction to termination signals.
type SignalMode int

const (
	// SignalsOff leaves every signal disposition untouched.
	SignalsOff SignalMode = iota
	// SignalsFlush writes the trace when a signal arrives and does nothing else.
	SignalsFlush
	// SignalsExit writes the trace and then re-raises the signal.
	SignalsExit
)

// String returns the CYGPROF_SIGNALS spelling of m.
func (m SignalMode) String() string {
	switch m {
	case SignalsFlush:
		return "flush"
	case SignalsExit:
		return "exit"
	default:
		return "off"
	}
}

// Config holds resolved tunables.
type Config struct {
	MemoryBytes uint64     // Buffer budget in bytes, >= MinMemory
	Filename    string     // Trace file path
	Signals     SignalMode // Signal handling, SignalsOff unless asked for
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		MemoryBytes: DefaultMemory,
		Filename:    DefaultFilename,
	}
}

// FromEnv reads the configuration from the process environment.
func FromEnv() Config {
	return Load(os.LookupEnv)
}

// Load resolves the configuration through lookup. A nil lookup yields Default.
func Load(lookup LookupFunc) Config {
	cfg := Default()
	if lookup == nil {
		return cfg
	}

	if raw, ok := lookup(EnvMemory); ok {
		cfg.MemoryBytes = parseMemory(raw)
	}

	if name, ok := lookup(EnvFilename); ok && name != "" {
		cfg.Filename = name
	}

	if raw, ok := lookup(EnvSignals); ok {
		cfg.Signals = parseSignals(raw)
	}

	return cfg
}

// parseMemory converts a decimal byte count, applying the floor and default.
func parseMemory(raw string) uint64 {
	bytes, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || bytes < MinMemory {
		return DefaultMemory
	}
	return bytes
}

func parseSignals(raw string) SignalMode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "flush":
		return SignalsFlush
	case "exit":
		return SignalsExit
	default:
		return SignalsOff
	}
}

// ReservedEvents converts the memory budget into an event count for a record
// of eventSize bytes.
func (c Config) ReservedEvents(eventSize int) int {
	if eventSize <= 0 {
		return 0
	}
	n := c.MemoryBytes / uint64(eventSize)
	if n > uint64(maxInt) {
		return maxInt
	}
	return int(n)
}

const maxInt = int(^uint(0) >> 1)
