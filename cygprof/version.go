package cygprof

import "github.com/kolkov/cygprof/internal/cygprof/config"

// Version information for the call tracer.
const (
	// Version is the current version of the tracer runtime.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info provides runtime information about the tracer.
type Info struct {
	// Version is the runtime version string.
	Version string

	// Filename is the trace file Fini will write.
	Filename string

	// MemoryBytes is the buffer pre-allocation size.
	MemoryBytes uint64

	// Enabled indicates whether recording is active.
	Enabled bool
}

// GetInfo returns information about the tracer runtime.
//
// Example:
//
//	info := cygprof.GetInfo()
//	fmt.Printf("cygprof %s -> %s\n", info.Version, info.Filename)
func GetInfo() Info {
	rec := internalRecorder()
	cfg := rec.Config()
	return Info{
		Version:     Version,
		Filename:    cfg.Filename,
		MemoryBytes: cfg.MemoryBytes,
		Enabled:     rec.Enabled(),
	}
}

// DefaultFilename is the trace file name used when CYGPROF_FILENAME is unset.
const DefaultFilename = config.DefaultFilename
