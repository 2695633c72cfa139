package traceformat

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ReadFile decodes the trace file at path.
func ReadFile(path string) (*Trace, error) {
	//nolint:gosec // G304: reading a user-specified trace file is the purpose.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	defer func() { _ = f.Close() }()

	t, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return t, nil
}

// Decode parses a complete trace from r.
//
// A file that ends inside a record yields io.ErrUnexpectedEOF together with
// the records decoded so far; a file that ends on a record boundary is complete.
func Decode(r io.Reader) (*Trace, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	t := &Trace{}

	var hdr [8]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", unexpected(err))
	}
	t.Header.Magic = binary.LittleEndian.Uint32(hdr[0:4])
	t.Header.Version = binary.LittleEndian.Uint32(hdr[4:8])

	if t.Header.Magic != Magic {
		return nil, fmt.Errorf("%w: %#08x", ErrBadMagic, t.Header.Magic)
	}

	switch t.Header.Version {
	case VersionSymbols:
		if err := decodeSymbols(br, t); err != nil {
			return t, err
		}
	case VersionAddresses:
		if err := decodeAddresses(br, t); err != nil {
			return t, err
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, t.Header.Version)
	}

	return t, nil
}

func decodeSymbols(r *bufio.Reader, t *Trace) error {
	var buf [symbolRecordSize]byte

	if _, err := io.ReadFull(r, buf[:4]); err != nil {
		return fmt.Errorf("failed to read symbol count: %w", unexpected(err))
	}
	t.Header.SymbolCount = binary.LittleEndian.Uint32(buf[:4])

	// Do not trust the count for preallocation beyond a sane bound.
	t.Symbols = make([]string, 0, min(int(t.Header.SymbolCount), 1<<16))
	for i := uint32(0); i < t.Header.SymbolCount; i++ {
		if _, err := io.ReadFull(r, buf[:2]); err != nil {
			return fmt.Errorf("failed to read symbol %d length: %w", i, unexpected(err))
		}
		name := make([]byte, binary.LittleEndian.Uint16(buf[:2]))
		if _, err := io.ReadFull(r, name); err != nil {
			return fmt.Errorf("failed to read symbol %d: %w", i, unexpected(err))
		}
		t.Symbols = append(t.Symbols, string(name))
	}

	for {
		_, err := io.ReadFull(r, buf[:])
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event %d: %w", len(t.Records), err)
		}
		t.Records = append(t.Records, Record{
			Index: binary.LittleEndian.Uint32(buf[0:4]),
			Stamp: binary.LittleEndian.Uint64(buf[4:12]),
		})
	}
}

func decodeAddresses(r *bufio.Reader, t *Trace) error {
	var buf [addressRecordSize]byte

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return fmt.Errorf("failed to read base event: %w", unexpected(err))
	}
	t.Header.Base = BaseEvent{
		Address: binary.LittleEndian.Uint64(buf[0:8]),
		Stamp:   binary.LittleEndian.Uint64(buf[8:16]),
	}

	for {
		_, err := io.ReadFull(r, buf[:])
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event %d: %w", len(t.Records), err)
		}
		t.Records = append(t.Records, Record{
			Address: binary.LittleEndian.Uint64(buf[0:8]),
			Stamp:   binary.LittleEndian.Uint64(buf[8:16]),
		})
	}
}

// unexpected maps a clean EOF inside a fixed-size field to ErrUnexpectedEOF.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
