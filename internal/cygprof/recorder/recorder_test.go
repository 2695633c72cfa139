package recorder

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/cygprof/internal/cygprof/buffer"
	"github.com/kolkov/cygprof/internal/cygprof/config"
	"github.com/kolkov/cygprof/internal/cygprof/lifecycle"
	"github.com/kolkov/cygprof/internal/cygprof/symbols"
	"github.com/kolkov/cygprof/internal/cygprof/traceformat"
)

const (
	siteA = 0x401000
	siteB = 0x402000
)

var names = symbols.Func(func(addr uint64) (string, bool) {
	switch addr {
	case siteA:
		return "main.A", true
	case siteB:
		return "main.B", true
	}
	return "", false
})

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRecorder(t *testing.T, opts ...Option) (*Recorder, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.dat")
	base := []Option{
		WithConfig(config.Config{MemoryBytes: config.MinMemory, Filename: path}),
		WithResolver(names),
		WithLogger(quietLogger()),
	}
	return New(append(base, opts...)...), path
}

// TestRoundTripAAB tests the A, A, B capture scenario end to end.
func TestRoundTripAAB(t *testing.T) {
	r, path := newTestRecorder(t)

	r.Enter(siteA, 0)
	r.Exit(siteA, 0)
	r.Enter(siteB, 0)

	require.NoError(t, r.Finalize())

	got, err := traceformat.ReadFile(path)
	require.NoError(t, err)

	if diff := cmp.Diff([]string{"main.A", "main.B"}, got.Symbols); diff != "" {
		t.Errorf("symbols mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, got.Records, 3)
	assert.Equal(t, []uint32{0, 0, 1}, []uint32{got.Records[0].Index, got.Records[1].Index, got.Records[2].Index})
	assert.LessOrEqual(t, got.Records[0].Stamp, got.Records[1].Stamp)
	assert.LessOrEqual(t, got.Records[1].Stamp, got.Records[2].Stamp)
}

// TestNRecordsNonDecreasing tests the record count and stamp order property.
func TestNRecordsNonDecreasing(t *testing.T) {
	const n = 10000
	r, path := newTestRecorder(t)

	for i := 0; i < n; i++ {
		if i%2 == 0 {
			r.Enter(uintptr(siteA+i%13), 0)
		} else {
			r.Exit(uintptr(siteA+i%13), 0)
		}
	}
	require.NoError(t, r.Finalize())

	got, err := traceformat.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, got.Records, n)
	assert.Len(t, got.Symbols, 13)
	for i := 1; i < n; i++ {
		require.LessOrEqual(t, got.Records[i-1].Stamp, got.Records[i].Stamp)
	}
}

// TestEmptyCaptureNoFile tests that no hook calls means no output file.
func TestEmptyCaptureNoFile(t *testing.T) {
	r, path := newTestRecorder(t)

	require.NoError(t, r.Finalize())
	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	r2, path2 := newTestRecorder(t)
	r2.Initialize()
	require.NoError(t, r2.Finalize())
	_, err = os.Stat(path2)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

// TestLazyInitialization tests that the first hook call initializes.
func TestLazyInitialization(t *testing.T) {
	hooks := 0
	r, _ := newTestRecorder(t, WithShutdownHook(func(config.Config, func()) { hooks++ }))

	assert.Equal(t, lifecycle.Uninitialized, r.Stats().State)
	assert.Zero(t, r.Stats().Reserved)

	r.Enter(siteA, 0)
	r.Enter(siteB, 0)

	stats := r.Stats()
	assert.Equal(t, lifecycle.Ready, stats.State)
	assert.Equal(t, uint64(2), stats.Recorded)
	assert.GreaterOrEqual(t, stats.Reserved, uint64(config.MinMemory/buffer.EventSize))
	assert.Equal(t, 1, hooks)

	assert.False(t, r.Initialize(), "Initialize after lazy init must be a no-op")
	assert.Equal(t, 1, hooks)
}

// TestShutdownHookFinalizes tests that the registered callback flushes.
func TestShutdownHookFinalizes(t *testing.T) {
	var (
		finalize func()
		seen     config.Config
	)
	r, path := newTestRecorder(t, WithShutdownHook(func(cfg config.Config, f func()) {
		seen = cfg
		finalize = f
	}))

	r.Enter(siteA, 0)
	require.NotNil(t, finalize)
	assert.Equal(t, path, seen.Filename)

	finalize()
	assert.True(t, r.Stats().Finalized)
	_, err := os.Stat(path)
	require.NoError(t, err)
}

// TestFinalizeOnce tests that repeated finalization writes once.
func TestFinalizeOnce(t *testing.T) {
	r, path := newTestRecorder(t)
	r.Enter(siteA, 0)
	require.NoError(t, r.Finalize())

	require.NoError(t, os.Remove(path))
	r.Enter(siteB, 0) // dropped, buffer retired
	require.NoError(t, r.Finalize())

	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, uint64(1), r.Stats().Dropped)
	assert.Equal(t, 1, r.Stats().Written.Events)
}

// TestFinalizeOpenError tests that flush failures are logged and returned.
func TestFinalizeOpenError(t *testing.T) {
	var logs bytes.Buffer
	path := filepath.Join(t.TempDir(), "no-such-dir", "trace.dat")
	r := New(
		WithConfig(config.Config{MemoryBytes: config.MinMemory, Filename: path}),
		WithResolver(names),
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
	)

	r.Enter(siteA, 0)
	err := r.Finalize()
	require.Error(t, err)

	var flushErr *traceformat.FlushError
	require.ErrorAs(t, err, &flushErr)
	assert.Equal(t, "open", flushErr.Op)
	assert.Contains(t, logs.String(), "trace flush failed")
	assert.Contains(t, logs.String(), path)
}

// TestFinalizeSilentOnSuccess tests that a successful flush stays off the
// program's stderr at the default level and is visible at debug level.
func TestFinalizeSilentOnSuccess(t *testing.T) {
	var quiet, verbose bytes.Buffer

	r, _ := newTestRecorder(t, WithLogger(slog.New(slog.NewTextHandler(&quiet, nil))))
	r.Enter(siteA, 0)
	require.NoError(t, r.Finalize())
	assert.Empty(t, quiet.String())

	debug := &slog.HandlerOptions{Level: slog.LevelDebug}
	r, path := newTestRecorder(t, WithLogger(slog.New(slog.NewTextHandler(&verbose, debug))))
	r.Enter(siteA, 0)
	require.NoError(t, r.Finalize())
	assert.Contains(t, verbose.String(), "trace written")
	assert.Contains(t, verbose.String(), path)
}

// TestDisable tests that a disabled recorder records nothing.
func TestDisable(t *testing.T) {
	r, _ := newTestRecorder(t)

	r.Disable()
	assert.False(t, r.Enabled())
	r.Enter(siteA, 0)
	assert.Equal(t, lifecycle.Uninitialized, r.Stats().State)

	r.Enable()
	r.Enter(siteA, 0)
	assert.Equal(t, uint64(1), r.Stats().Recorded)
}

// TestConfigFromLookup tests that the environment is read at initialization.
func TestConfigFromLookup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "env.dat")
	env := map[string]string{
		config.EnvMemory:   "100", // below the floor
		config.EnvFilename: path,
	}
	r := New(
		WithLookup(func(k string) (string, bool) { v, ok := env[k]; return v, ok }),
		WithResolver(names),
		WithLogger(quietLogger()),
	)

	assert.Equal(t, path, r.Config().Filename)

	r.Enter(siteA, 0)
	cfg := r.Config()
	assert.Equal(t, uint64(config.DefaultMemory), cfg.MemoryBytes)
	assert.Equal(t, uint64(config.DefaultMemory/buffer.EventSize), r.Stats().Reserved)

	require.NoError(t, r.Finalize())
	_, err := os.Stat(path)
	require.NoError(t, err, "CYGPROF_FILENAME must name the file actually written")
}

// TestAddressFormat tests the raw address variant through the recorder.
func TestAddressFormat(t *testing.T) {
	r, path := newTestRecorder(t, WithFormat(traceformat.FormatAddresses))

	r.Enter(siteA, 0)
	r.Exit(siteA, 0)
	require.NoError(t, r.Finalize())

	got, err := traceformat.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, traceformat.VersionAddresses, got.Header.Version)
	assert.Equal(t, symbols.AnchorAddress(), got.Header.Base.Address)
	assert.NotZero(t, got.Header.Base.Stamp)
	require.Len(t, got.Records, 2)
	assert.Equal(t, uint64(siteA), got.Records[0].Address)
}

// TestConcurrentRecording tests many goroutines racing through lazy init.
func TestConcurrentRecording(t *testing.T) {
	const (
		goroutines = 32
		perG       = 1000
	)
	r, path := newTestRecorder(t)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			<-start
			for i := 0; i < perG; i++ {
				r.Enter(uintptr(siteA+g), 0)
			}
		}(g)
	}
	close(start)
	wg.Wait()

	require.NoError(t, r.Finalize())

	got, err := traceformat.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, got.Records, goroutines*perG)
	assert.Len(t, got.Symbols, goroutines)
	assert.Zero(t, r.Stats().Dropped)
}

func BenchmarkRecord(b *testing.B) {
	r := New(
		WithConfig(config.Config{MemoryBytes: uint64(b.N+1) * 16, Filename: os.DevNull}),
		WithLogger(quietLogger()),
	)
	r.Initialize()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Record(siteA)
	}
}
