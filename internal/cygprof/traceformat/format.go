// Package traceformat implements the binary trace file layout.
//
// All integers are little-endian. A file is a header followed, for the symbol
// variant, by a length-prefixed symbol table, and then one record per event in
// capture order.
//
// Symbol variant (version 1):
//
//	magic        u32  0xFFEEAAFF
//	version      u32  1
//	symbol_count u32
//	symbol_count x { length u16, bytes [length] }   // not NUL-terminated
//	N x { index u32, stamp u64 }                    // index into the symbol table
//
// Address variant (version 2):
//
//	magic        u32  0xFFEEAAFF
//	version      u32  2
//	base_address u64  runtime address of a known anchor function
//	base_stamp   u64  wall-clock Unix nanoseconds of the stamp epoch
//	N x { address u64, stamp u64 }
//
// Records are packed; the symbol variant record is 12 bytes, the address
// variant record is 16 bytes.
package traceformat

import "errors"

const (
	// Magic identifies a trace file.
	Magic uint32 = 0xFFEEAAFF

	// VersionSymbols is the format revision with a symbol table.
	VersionSymbols uint32 = 1

	// VersionAddresses is the format revision with raw addresses.
	VersionAddresses uint32 = 2

	// MaxSymbolLen is the longest symbol name the u16 length prefix can carry.
	// Longer names are truncated.
	MaxSymbolLen = 1<<16 - 1

	symbolRecordSize  = 4 + 8
	addressRecordSize = 8 + 8
)

// Format selects the on-disk variant.
type Format uint8

const (
	// FormatSymbols writes a deduplicated symbol table and index records.
	FormatSymbols Format = iota
	// FormatAddresses writes raw address records and a base event header.
	FormatAddresses
)

// String implements fmt.Stringer.
func (f Format) String() string {
	switch f {
	case FormatSymbols:
		return "symbols"
	case FormatAddresses:
		return "addresses"
	default:
		return "unknown"
	}
}

// Version returns the header version written for f.
func (f Format) Version() uint32 {
	if f == FormatAddresses {
		return VersionAddresses
	}
	return VersionSymbols
}

// BaseEvent is the reference point written in the address variant header.
type BaseEvent struct {
	Address uint64 `json:"address"`
	Stamp   uint64 `json:"timestamp"`
}

// Header is the decoded file header.
type Header struct {
	Magic       uint32    `json:"magic"`
	Version     uint32    `json:"version"`
	SymbolCount uint32    `json:"symbol_count,omitempty"` // Symbol variant only
	Base        BaseEvent `json:"base"`                   // Address variant only
}

// Record is one decoded event. For the symbol variant Index is set and
// Address is the zero value; for the address variant the opposite.
type Record struct {
	Index   uint32 `json:"index,omitempty"`
	Address uint64 `json:"address,omitempty"`
	Stamp   uint64 `json:"timestamp"`
}

// Trace is a fully decoded trace file.
type Trace struct {
	Header  Header   `json:"header"`
	Symbols []string `json:"symbols,omitempty"`
	Records []Record `json:"events"`
}

// Format reports the variant of the decoded trace.
func (t *Trace) Format() Format {
	if t.Header.Version == VersionAddresses {
		return FormatAddresses
	}
	return FormatSymbols
}

// Name returns the symbol name of record r, or "" for the address variant or an
// out-of-range index.
func (t *Trace) Name(r Record) string {
	if t.Format() != FormatSymbols || int(r.Index) >= len(t.Symbols) {
		return ""
	}
	return t.Symbols[r.Index]
}

var (
	// ErrBadMagic is returned when a file does not start with Magic.
	ErrBadMagic = errors.New("traceformat: bad magic")

	// ErrUnsupportedVersion is returned for unknown header versions.
	ErrUnsupportedVersion = errors.New("traceformat: unsupported version")
)
