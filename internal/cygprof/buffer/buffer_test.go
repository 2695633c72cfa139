package buffer

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEventSize pins the record size used to convert the memory budget.
func TestEventSize(t *testing.T) {
	assert.Equal(t, 16, EventSize)
}

// TestAppendDrainOrder tests that a single writer's events come back in order.
func TestAppendDrainOrder(t *testing.T) {
	b := New()
	b.Reserve(10)

	var want []Event
	for i := 0; i < 10; i++ {
		ev := Event{Address: uint64(0x1000 + i%3), Stamp: uint64(i)}
		require.True(t, b.Append(ev))
		want = append(want, ev)
	}

	snap := b.Drain()
	require.Equal(t, 10, snap.Len())
	if diff := cmp.Diff(want, snap.Events()); diff != "" {
		t.Errorf("drained events mismatch (-want +got):\n%s", diff)
	}
}

// TestAppendAcrossChunks tests appends that spill past the reservation.
func TestAppendAcrossChunks(t *testing.T) {
	b := newBuffer(2, 64) // 4 events per chunk
	b.Reserve(4)
	require.Equal(t, uint64(4), b.Stats().Reserved)

	for i := 0; i < 37; i++ {
		require.True(t, b.Append(Event{Address: 1, Stamp: uint64(i)}))
	}

	snap := b.Drain()
	require.Equal(t, 37, snap.Len())
	for i := 0; i < snap.Len(); i++ {
		assert.Equal(t, uint64(i), snap.At(i).Stamp)
	}
}

// TestReserveRoundsUpToChunks tests that reservation covers whole chunks.
func TestReserveRoundsUpToChunks(t *testing.T) {
	b := newBuffer(4, 8) // 16 events per chunk
	b.Reserve(17)

	assert.Equal(t, uint64(32), b.Stats().Reserved)
	assert.NotNil(t, b.chunks[0].Load())
	assert.NotNil(t, b.chunks[1].Load())
	assert.Nil(t, b.chunks[2].Load())
}

// TestReserveClampedToCeiling tests that oversized reservations are clamped.
func TestReserveClampedToCeiling(t *testing.T) {
	b := newBuffer(2, 2)
	b.Reserve(1000)

	assert.Equal(t, uint64(8), b.Stats().Reserved)
	assert.Equal(t, uint64(8), b.Capacity())
}

// TestCeilingDropsAndCounts tests the overflow policy past the hard ceiling.
func TestCeilingDropsAndCounts(t *testing.T) {
	b := newBuffer(1, 2) // ceiling of 4 events

	for i := 0; i < 4; i++ {
		require.True(t, b.Append(Event{Stamp: uint64(i)}))
	}
	assert.False(t, b.Append(Event{Stamp: 4}))
	assert.False(t, b.Append(Event{Stamp: 5}))

	stats := b.Stats()
	assert.Equal(t, uint64(4), stats.Appended)
	assert.Equal(t, uint64(2), stats.Dropped)

	assert.Equal(t, 4, b.Drain().Len())
}

// TestDrainOnce tests that events are handed out exactly once.
func TestDrainOnce(t *testing.T) {
	b := New()
	b.Append(Event{Address: 1})
	b.Append(Event{Address: 2})

	first := b.Drain()
	second := b.Drain()

	assert.Equal(t, 2, first.Len())
	assert.Equal(t, 0, second.Len())
}

// TestAppendAfterDrainDropped tests that the buffer is retired after Drain.
func TestAppendAfterDrainDropped(t *testing.T) {
	b := New()
	b.Append(Event{Address: 1})
	_ = b.Drain()

	assert.False(t, b.Append(Event{Address: 2}))
	assert.Equal(t, uint64(1), b.Stats().Dropped)
}

// TestDrainIgnoresLateAppends tests that Drain waits only for the append that
// was in flight at retirement, not for appends that start afterwards.
func TestDrainIgnoresLateAppends(t *testing.T) {
	b := New()
	b.Append(Event{Address: 1})

	// An append that registered before retirement and has not committed yet.
	b.writers.Add(1)

	drained := make(chan *Snapshot)
	go func() { drained <- b.Drain() }()
	require.Eventually(t, b.retired.Load, 5*time.Second, time.Millisecond)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				assert.False(t, b.Append(Event{Address: 2}))
			}
		}()
	}
	defer func() {
		close(stop)
		wg.Wait()
	}()

	select {
	case <-drained:
		t.Fatal("Drain returned with a writer in flight")
	case <-time.After(20 * time.Millisecond):
	}

	// Late appends never register, so only the in-flight one is counted.
	assert.Equal(t, int64(1), b.writers.Load())

	b.writers.Add(-1)
	select {
	case snap := <-drained:
		assert.Equal(t, 1, snap.Len())
	case <-time.After(5 * time.Second):
		t.Fatal("Drain kept waiting on late appends")
	}
}

// TestDrainEmpty tests draining a buffer that never saw an append.
func TestDrainEmpty(t *testing.T) {
	b := New()
	b.Reserve(1024)

	snap := b.Drain()
	assert.Equal(t, 0, snap.Len())
	assert.Empty(t, snap.Events())
}

// TestZeroSnapshot tests that the zero Snapshot is usable.
func TestZeroSnapshot(t *testing.T) {
	var snap *Snapshot
	assert.Equal(t, 0, snap.Len())

	count := 0
	for range (&Snapshot{}).All() {
		count++
	}
	assert.Zero(t, count)
}

// TestConcurrentAppend tests that concurrent writers lose nothing and that
// each writer's events keep their relative order.
func TestConcurrentAppend(t *testing.T) {
	const (
		writers = 16
		perG    = 5000
	)

	b := newBuffer(8, 1024) // small chunks to exercise concurrent growth

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				b.Append(Event{Address: uint64(w), Stamp: uint64(i)})
			}
		}(w)
	}
	wg.Wait()

	snap := b.Drain()
	require.Equal(t, writers*perG, snap.Len())
	assert.Zero(t, b.Stats().Dropped)

	next := make([]uint64, writers)
	for ev := range snap.All() {
		require.Equal(t, next[ev.Address], ev.Stamp, "writer %d out of order", ev.Address)
		next[ev.Address]++
	}
}

// TestDrainDuringAppends tests that Drain waits for in-flight writers and that
// every event is either drained or counted as dropped.
func TestDrainDuringAppends(t *testing.T) {
	const (
		writers = 8
		perG    = 20000
	)

	b := New()
	b.Reserve(writers * perG)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			<-start
			for i := 0; i < perG; i++ {
				b.Append(Event{Address: uint64(w), Stamp: uint64(i)})
			}
		}(w)
	}

	close(start)
	snap := b.Drain()
	wg.Wait()

	stats := b.Stats()
	assert.Equal(t, uint64(writers*perG), uint64(snap.Len())+stats.Dropped)

	// Drained events per writer must form a prefix of its sequence.
	seen := make(map[uint64][]uint64)
	for ev := range snap.All() {
		seen[ev.Address] = append(seen[ev.Address], ev.Stamp)
	}
	for w, stamps := range seen {
		require.True(t, sort.SliceIsSorted(stamps, func(i, j int) bool { return stamps[i] < stamps[j] }))
		for i, s := range stamps {
			require.Equal(t, uint64(i), s, "writer %d has a gap", w)
		}
	}
}

func BenchmarkAppend(b *testing.B) {
	buf := New()
	buf.Reserve(b.N)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Append(Event{Address: 0x401000, Stamp: uint64(i)})
	}
}

func BenchmarkAppendParallel(b *testing.B) {
	buf := New()
	buf.Reserve(b.N)
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		var i uint64
		for pb.Next() {
			buf.Append(Event{Address: 0x401000, Stamp: i})
			i++
		}
	})
}
