package traceformat

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"iter"
	"os"
	"unicode/utf8"

	"github.com/kolkov/cygprof/internal/cygprof/buffer"
	"github.com/kolkov/cygprof/internal/cygprof/symbols"
)

// Source is an ordered, re-iterable event sequence. *buffer.Snapshot
// implements it; Events adapts a plain slice.
type Source interface {
	Len() int
	All() iter.Seq[buffer.Event]
}

// Events adapts a slice of events to Source.
type Events []buffer.Event

// Len implements Source.
func (e Events) Len() int { return len(e) }

// All implements Source.
func (e Events) All() iter.Seq[buffer.Event] {
	return func(yield func(buffer.Event) bool) {
		for _, ev := range e {
			if !yield(ev) {
				return
			}
		}
	}
}

// Options controls encoding.
type Options struct {
	// Format selects the variant. The zero value is FormatSymbols.
	Format Format

	// Resolver names addresses for the symbol variant. Nil renders every
	// address in hex.
	Resolver symbols.Resolver

	// Base is written in the address variant header.
	Base BaseEvent
}

// Summary describes a written trace.
type Summary struct {
	Events  int   // Event records written
	Symbols int   // Symbol table entries written (symbol variant)
	Bytes   int64 // Total bytes written
}

// FlushError reports a failed trace file write. Op is "open", "write" or
// "close"; a close failure means the data was written but may not be durable.
type FlushError struct {
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *FlushError) Error() string {
	return fmt.Sprintf("failed to %s trace file %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *FlushError) Unwrap() error {
	return e.Err
}

// WriteFile writes src to path, creating or truncating it.
//
// An empty source writes nothing and does not create the file. Open and write
// failures abort the flush (a partial file may remain after a write failure);
// a close failure is reported separately.
func WriteFile(path string, src Source, opts Options) (Summary, error) {
	if src.Len() == 0 {
		return Summary{}, nil
	}

	//nolint:gosec // G304: path comes from the tracer configuration.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return Summary{}, &FlushError{Op: "open", Path: path, Err: err}
	}

	sum, err := Encode(f, src, opts)
	if err != nil {
		_ = f.Close() // The write error is the one worth reporting
		return sum, &FlushError{Op: "write", Path: path, Err: err}
	}

	if err := f.Close(); err != nil {
		return sum, &FlushError{Op: "close", Path: path, Err: err}
	}

	return sum, nil
}

// Encode writes src to w in the selected format.
func Encode(w io.Writer, src Source, opts Options) (Summary, error) {
	enc := &encoder{w: bufio.NewWriterSize(w, 64*1024)}

	var sum Summary
	var err error
	switch opts.Format {
	case FormatSymbols:
		sum, err = enc.symbolTrace(src, opts.Resolver)
	case FormatAddresses:
		sum, err = enc.addressTrace(src, opts.Base)
	default:
		return Summary{}, fmt.Errorf("unknown trace format %d", opts.Format)
	}
	if err != nil {
		return sum, err
	}

	if err := enc.w.Flush(); err != nil {
		return sum, fmt.Errorf("failed to flush trace: %w", err)
	}
	sum.Bytes = enc.n
	return sum, nil
}

// encoder writes little-endian fields through a buffered writer.
type encoder struct {
	w   *bufio.Writer
	n   int64
	buf [16]byte
}

func (e *encoder) write(p []byte) error {
	n, err := e.w.Write(p)
	e.n += int64(n)
	return err
}

func (e *encoder) header(version uint32) error {
	binary.LittleEndian.PutUint32(e.buf[0:4], Magic)
	binary.LittleEndian.PutUint32(e.buf[4:8], version)
	return e.write(e.buf[:8])
}

func (e *encoder) u32(v uint32) error {
	binary.LittleEndian.PutUint32(e.buf[:4], v)
	return e.write(e.buf[:4])
}

func (e *encoder) pair(a, b uint64) error {
	binary.LittleEndian.PutUint64(e.buf[0:8], a)
	binary.LittleEndian.PutUint64(e.buf[8:16], b)
	return e.write(e.buf[:16])
}

func (e *encoder) symbolTrace(src Source, r symbols.Resolver) (Summary, error) {
	// One scan to build the table; each distinct address is resolved once.
	table := symbols.NewTable(r)
	for ev := range src.All() {
		table.Intern(ev.Address)
	}

	var sum Summary

	if err := e.header(VersionSymbols); err != nil {
		return sum, fmt.Errorf("failed to write header: %w", err)
	}
	//nolint:gosec // G115: Table indexes are uint32.
	if err := e.u32(uint32(table.Len())); err != nil {
		return sum, fmt.Errorf("failed to write header: %w", err)
	}

	for i, name := range table.Names() {
		name = truncateName(name)
		binary.LittleEndian.PutUint16(e.buf[:2], uint16(len(name))) //nolint:gosec // G115: bounded above.
		if err := e.write(e.buf[:2]); err != nil {
			return sum, fmt.Errorf("failed to write symbol %d length: %w", i, err)
		}
		if _, err := e.w.WriteString(name); err != nil {
			return sum, fmt.Errorf("failed to write %d bytes of symbol %d: %w", len(name), i, err)
		}
		e.n += int64(len(name))
		sum.Symbols++
	}

	for ev := range src.All() {
		idx, _ := table.Lookup(ev.Address)
		binary.LittleEndian.PutUint32(e.buf[0:4], idx)
		binary.LittleEndian.PutUint64(e.buf[4:12], ev.Stamp)
		if err := e.write(e.buf[:symbolRecordSize]); err != nil {
			return sum, fmt.Errorf("failed to write event %d: %w", sum.Events, err)
		}
		sum.Events++
	}

	return sum, nil
}

func (e *encoder) addressTrace(src Source, base BaseEvent) (Summary, error) {
	var sum Summary

	if err := e.header(VersionAddresses); err != nil {
		return sum, fmt.Errorf("failed to write header: %w", err)
	}
	if err := e.pair(base.Address, base.Stamp); err != nil {
		return sum, fmt.Errorf("failed to write header: %w", err)
	}

	for ev := range src.All() {
		if err := e.pair(ev.Address, ev.Stamp); err != nil {
			return sum, fmt.Errorf("failed to write event %d: %w", sum.Events, err)
		}
		sum.Events++
	}

	return sum, nil
}

// truncateName cuts name to MaxSymbolLen bytes without splitting a UTF-8
// sequence.
func truncateName(name string) string {
	if len(name) <= MaxSymbolLen {
		return name
	}
	cut := MaxSymbolLen
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return name[:cut]
}
