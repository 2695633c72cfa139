// Package buffer implements the lock-free append-only event buffer.
//
// Every hook invocation appends one Event. Appends come from arbitrary
// goroutines of the traced program, inline in their call stacks, so the append
// path must never take a lock or block.
//
// Design:
//   - Storage is a fixed directory of chunks, each holding 2^16 events (1 MiB).
//   - A slot is claimed with a single atomic add on the write cursor; the slot
//     index selects the chunk (high bits) and the position inside it (low bits).
//   - Reserve pre-allocates chunks so appends inside the reservation never allocate.
//   - Past the reservation a missing chunk is allocated on demand and published
//     with CompareAndSwap (one latency spike per 2^16 events).
//   - The directory ceiling is 2^30 events (16 GiB). Appends past the ceiling are
//     dropped and counted.
//
// Drain is the single hand-off to the serializer. It retires the buffer, waits
// for in-flight appends to finish (tracked by a writer counter), and returns
// a Snapshot of every committed event in slot order. Appends that arrive after
// retirement are dropped and counted.
//
// Performance:
//   - Append (reserved chunk): ~10ns, zero allocations
//   - Append (new chunk): one 1 MiB allocation
package buffer

import (
	"iter"
	"runtime"
	"sync/atomic"
	"unsafe"
)

// Event is one captured call boundary: the code address of the function entered
// or exited and the nanosecond stamp of the transition.
//
// Memory layout: 16 bytes, no padding.
type Event struct {
	Address uint64 // Function entry address
	Stamp   uint64 // Nanoseconds since the clock epoch
}

// EventSize is the in-memory size of one Event in bytes.
// The reserved event count is the memory budget divided by EventSize.
const EventSize = int(unsafe.Sizeof(Event{}))

const (
	// DefaultChunkShift sizes a chunk at 2^16 events (1 MiB).
	DefaultChunkShift = 16

	// DefaultMaxChunks caps the directory at 2^14 chunks, 2^30 events in total.
	DefaultMaxChunks = 1 << 14
)

// Stats is a point-in-time view of buffer counters.
type Stats struct {
	Appended uint64 // Events committed to the buffer
	Dropped  uint64 // Events rejected (past ceiling or after Drain)
	Reserved uint64 // Events covered by pre-allocated chunks
}

// Buffer is the process-wide event store.
//
// Thread Safety: Append and Stats are safe for concurrent use. Reserve should be
// called once during initialization, before appends start. Drain may run
// concurrently with appends; late appends are dropped.
type Buffer struct {
	cursor  atomic.Uint64 // Next slot to claim
	writers atomic.Int64  // Appends between claim and commit
	retired atomic.Bool   // Set by Drain, rejects further appends
	drained atomic.Bool   // Drain already handed out the events
	dropped atomic.Uint64

	reserved atomic.Uint64

	chunkShift uint
	chunkMask  uint64
	chunks     []atomic.Pointer[[]Event]
}

// New creates an empty buffer with the default geometry.
// No memory is reserved until Reserve is called.
func New() *Buffer {
	return newBuffer(DefaultChunkShift, DefaultMaxChunks)
}

// newBuffer creates a buffer with explicit geometry (used by tests to reach the
// ceiling cheaply).
func newBuffer(chunkShift uint, maxChunks int) *Buffer {
	return &Buffer{
		chunkShift: chunkShift,
		chunkMask:  (uint64(1) << chunkShift) - 1,
		chunks:     make([]atomic.Pointer[[]Event], maxChunks),
	}
}

// ChunkSize returns the number of events per chunk.
func (b *Buffer) ChunkSize() int {
	return 1 << b.chunkShift
}

// Capacity returns the hard ceiling on stored events.
func (b *Buffer) Capacity() uint64 {
	return uint64(len(b.chunks)) << b.chunkShift
}

// Reserve pre-allocates chunks for at least n events.
//
// Requests above the ceiling are clamped. Calling Reserve again only allocates
// chunks that are still missing.
func (b *Buffer) Reserve(n int) {
	if n <= 0 {
		return
	}

	size := b.ChunkSize()
	count := (n + size - 1) / size
	if count > len(b.chunks) {
		count = len(b.chunks)
	}

	for i := 0; i < count; i++ {
		b.grow(uint64(i))
	}

	want := uint64(count) << b.chunkShift
	for {
		cur := b.reserved.Load()
		if cur >= want || b.reserved.CompareAndSwap(cur, want) {
			return
		}
	}
}

// Append stores ev and reports whether it was committed.
//
// Append never blocks. It returns false when the buffer has been drained or the
// ceiling is reached; the event is counted as dropped.
func (b *Buffer) Append(ev Event) bool {
	// Appends starting after retirement never become writers, so Drain only
	// waits for those already in flight.
	if b.retired.Load() {
		b.dropped.Add(1)
		return false
	}

	// Register as in-flight before re-checking retirement so Drain cannot
	// observe zero writers while this append is still going to commit.
	b.writers.Add(1)

	if b.retired.Load() {
		b.writers.Add(-1)
		b.dropped.Add(1)
		return false
	}

	slot := b.cursor.Add(1) - 1
	idx := slot >> b.chunkShift
	if idx >= uint64(len(b.chunks)) {
		b.writers.Add(-1)
		b.dropped.Add(1)
		return false
	}

	chunk := b.chunks[idx].Load()
	if chunk == nil {
		chunk = b.grow(idx)
	}
	(*chunk)[slot&b.chunkMask] = ev

	b.writers.Add(-1)
	return true
}

// grow returns chunk idx, allocating it if no other goroutine has yet.
func (b *Buffer) grow(idx uint64) *[]Event {
	if chunk := b.chunks[idx].Load(); chunk != nil {
		return chunk
	}

	fresh := make([]Event, b.ChunkSize())
	if b.chunks[idx].CompareAndSwap(nil, &fresh) {
		return &fresh
	}

	// Lost the race, use the winner's chunk.
	return b.chunks[idx].Load()
}

// Drain retires the buffer and hands out every committed event.
//
// Only the first call returns events; later calls return an empty Snapshot.
// After Drain the buffer drops all appends and releases its chunk directory.
func (b *Buffer) Drain() *Snapshot {
	b.retired.Store(true)
	if !b.drained.CompareAndSwap(false, true) {
		return &Snapshot{}
	}

	// Wait for appends that claimed a slot before retirement.
	for b.writers.Load() != 0 {
		runtime.Gosched()
	}

	n := b.cursor.Load()
	if limit := b.Capacity(); n > limit {
		n = limit
	}

	count := int((n + b.chunkMask) >> b.chunkShift)
	snap := &Snapshot{
		chunks:     make([]*[]Event, count),
		n:          int(n), //nolint:gosec // G115: n <= Capacity, which fits in int on 64-bit.
		chunkShift: b.chunkShift,
		chunkMask:  b.chunkMask,
	}
	for i := 0; i < count; i++ {
		snap.chunks[i] = b.chunks[i].Load()
	}

	// Release the directory so memory follows the snapshot's lifetime.
	for i := range b.chunks {
		b.chunks[i].Store(nil)
	}

	return snap
}

// Stats returns the current counters.
func (b *Buffer) Stats() Stats {
	appended := b.cursor.Load()
	if limit := b.Capacity(); appended > limit {
		appended = limit
	}

	return Stats{
		Appended: appended,
		Dropped:  b.dropped.Load(),
		Reserved: b.reserved.Load(),
	}
}

// Snapshot is the ordered, immutable result of Drain.
//
// Events are kept in their original chunks to avoid copying up to 16 GiB at
// shutdown. The zero Snapshot is empty.
type Snapshot struct {
	chunks     []*[]Event
	n          int
	chunkShift uint
	chunkMask  uint64
}

// Len returns the number of events.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return s.n
}

// At returns the i-th event in slot order.
func (s *Snapshot) At(i int) Event {
	slot := uint64(i) //nolint:gosec // G115: callers index within [0, Len).
	return (*s.chunks[slot>>s.chunkShift])[slot&s.chunkMask]
}

// All iterates the events in slot order.
func (s *Snapshot) All() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for i := 0; i < s.Len(); i++ {
			if !yield(s.At(i)) {
				return
			}
		}
	}
}

// Events copies the snapshot into a flat slice.
func (s *Snapshot) Events() []Event {
	out := make([]Event, 0, s.Len())
	for ev := range s.All() {
		out = append(out, ev)
	}
	return out
}
