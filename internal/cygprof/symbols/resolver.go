// Package symbols maps traced code addresses to display names.
//
// A Resolver turns a function address into a symbol name. Resolution can fail
// (stripped binary, address outside any known function, foreign code); callers
// then use the fallback hex rendering produced by Name, so resolution as a whole
// always succeeds.
//
// Backends:
//   - RuntimeResolver: the Go runtime's own function table (always present in
//     a Go binary, even when the ELF symbol table is stripped).
//   - ELFResolver: the executable's static ELF symbol table, for addresses the
//     runtime does not know about (cgo/C code linked into the binary).
//   - Chain: tries several resolvers in order.
//   - Func: adapter for plain functions, mainly for tests.
//
// Deduplication lives in Table, not in the resolvers: the serializer resolves
// each distinct address once per trace.
package symbols

import (
	"fmt"
	"runtime"
)

// Resolver resolves a code address to a symbol name.
//
// Implementations must be safe to call from the goroutine that flushes the
// trace; they are never called on the hook path.
type Resolver interface {
	Resolve(addr uint64) (name string, ok bool)
}

// Func adapts a function to the Resolver interface.
type Func func(addr uint64) (string, bool)

// Resolve implements Resolver.
func (f Func) Resolve(addr uint64) (string, bool) {
	return f(addr)
}

// Name resolves addr through r, falling back to Hex when r is nil, fails, or
// returns an empty name.
func Name(r Resolver, addr uint64) string {
	if r != nil {
		if name, ok := r.Resolve(addr); ok && name != "" {
			return name
		}
	}
	return Hex(addr)
}

// Hex renders an address the way unresolved symbols appear in the trace:
// lower-case hexadecimal with a 0x prefix (0x1042 -> "0x1042").
func Hex(addr uint64) string {
	return fmt.Sprintf("0x%x", addr)
}

// RuntimeResolver resolves addresses through runtime.FuncForPC.
type RuntimeResolver struct{}

// Resolve implements Resolver.
func (RuntimeResolver) Resolve(addr uint64) (string, bool) {
	fn := runtime.FuncForPC(uintptr(addr))
	if fn == nil {
		return "", false
	}
	return fn.Name(), true
}

// chain tries resolvers in order.
type chain []Resolver

// Chain returns a resolver that asks each of rs in turn and returns the first
// successful answer. Nil entries are skipped.
func Chain(rs ...Resolver) Resolver {
	out := make(chain, 0, len(rs))
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// Resolve implements Resolver.
func (c chain) Resolve(addr uint64) (string, bool) {
	for _, r := range c {
		if name, ok := r.Resolve(addr); ok && name != "" {
			return name, true
		}
	}
	return "", false
}

// Default returns the resolver used by the process-wide recorder: the runtime
// function table, backed by the executable's ELF symbols when they can be read.
func Default() Resolver {
	elfResolver, err := ExecutableResolver()
	if err != nil {
		return RuntimeResolver{}
	}
	return Chain(RuntimeResolver{}, elfResolver)
}

// AnchorAddress returns the runtime entry address of a function in this
// package. Consumers compare it with the same symbol in the binary to relocate
// addresses of position-independent executables.
func AnchorAddress() uint64 {
	return uint64(anchorEntry())
}

// anchorEntry returns the entry PC of itself.
//
//go:noinline
func anchorEntry() uintptr {
	var pcs [1]uintptr
	// Skip runtime.Callers; pcs[0] is a PC inside anchorEntry.
	if runtime.Callers(1, pcs[:]) == 0 {
		return 0
	}
	fn := runtime.FuncForPC(pcs[0])
	if fn == nil {
		return 0
	}
	return fn.Entry()
}

// anchorName returns the runtime symbol name of anchorEntry.
func anchorName() string {
	fn := runtime.FuncForPC(anchorEntry())
	if fn == nil {
		return ""
	}
	return fn.Name()
}
