package symbols

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"sort"
)

// ELFResolver resolves addresses against a static ELF symbol table.
//
// Only function symbols (STT_FUNC) with a non-zero value are indexed. For
// position-independent executables the load bias (runtime address minus link
// address) is subtracted before lookup.
//
// Thread Safety: Immutable after construction, safe for concurrent use.
type ELFResolver struct {
	syms []elfSym // Sorted by start address
	bias uint64
}

type elfSym struct {
	start uint64
	end   uint64 // Exclusive; equals start for zero-sized symbols
	name  string
}

// OpenELF reads the symbol table of the ELF file at path.
func OpenELF(path string) (*ELFResolver, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }() // Read-only, close errors are irrelevant

	r, err := NewELFResolver(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read symbols from %s: %w", path, err)
	}
	return r, nil
}

// NewELFResolver indexes the function symbols of f.
//
// Returns elf.ErrNoSymbols (wrapped) for stripped files.
func NewELFResolver(f *elf.File) (*ELFResolver, error) {
	raw, err := f.Symbols()
	if err != nil {
		return nil, err
	}

	syms := make([]elfSym, 0, len(raw))
	for _, s := range raw {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 {
			continue
		}
		syms = append(syms, elfSym{start: s.Value, end: s.Value + s.Size, name: s.Name})
	}
	if len(syms) == 0 {
		return nil, elf.ErrNoSymbols
	}

	sort.Slice(syms, func(i, j int) bool { return syms[i].start < syms[j].start })

	return &ELFResolver{syms: syms}, nil
}

// ExecutableResolver opens the running executable and computes its load bias
// from this package's anchor function.
func ExecutableResolver() (*ELFResolver, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate executable: %w", err)
	}

	r, err := OpenELF(path)
	if err != nil {
		return nil, err
	}

	linked, ok := r.lookupName(anchorName())
	if !ok {
		return nil, errors.New("anchor symbol not found in executable")
	}
	r.bias = AnchorAddress() - linked

	return r, nil
}

// WithBias returns a copy of r that subtracts bias from every address.
func (r *ELFResolver) WithBias(bias uint64) *ELFResolver {
	cp := *r
	cp.bias = bias
	return &cp
}

// Bias returns the load bias in effect.
func (r *ELFResolver) Bias() uint64 {
	return r.bias
}

// Resolve implements Resolver.
func (r *ELFResolver) Resolve(addr uint64) (string, bool) {
	addr -= r.bias

	// First symbol starting after addr; the candidate is the one before it.
	i := sort.Search(len(r.syms), func(i int) bool { return r.syms[i].start > addr })
	if i == 0 {
		return "", false
	}

	s := r.syms[i-1]
	if addr == s.start || addr < s.end {
		return s.name, true
	}
	return "", false
}

// lookupName returns the link address of the named function.
func (r *ELFResolver) lookupName(name string) (uint64, bool) {
	if name == "" {
		return 0, false
	}
	for _, s := range r.syms {
		if s.name == name {
			return s.start, true
		}
	}
	return 0, false
}
