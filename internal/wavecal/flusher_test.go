package wavecal

import (
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/photonics-data/mkidcal/internal/fsutil"
	"github.com/photonics-data/mkidcal/internal/timeutil"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestCheckpointFlusherFlushesOnTick(t *testing.T) {
	t.Parallel()

	sol, _ := newTestSolution(t)
	clock := timeutil.NewFakeClock(time.Unix(1700000000, 0))
	path := filepath.Join(t.TempDir(), "checkpoint.sol")

	f := NewCheckpointFlusher(CheckpointFlusherConfig{
		Interval: time.Minute,
		Path:     path,
		Logger:   discardLogger(),
		Clock:    clock,
	}, sol)
	f.Start()
	defer f.Stop()

	require.False(t, fsutil.Exists(path))

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		return fsutil.Exists(path)
	}, 5*time.Second, 10*time.Millisecond)

	loaded, err := LoadSolution(path)
	require.NoError(t, err)
	require.Equal(t, sol.Config().WavelengthsNm, loaded.Config().WavelengthsNm)
}

func TestCheckpointFlusherStopPerformsFinalFlush(t *testing.T) {
	t.Parallel()

	sol, _ := newTestSolution(t)
	clock := timeutil.NewFakeClock(time.Unix(1700000000, 0))
	path := filepath.Join(t.TempDir(), "checkpoint.sol")

	f := NewCheckpointFlusher(CheckpointFlusherConfig{
		Interval: time.Hour,
		Path:     path,
		Logger:   discardLogger(),
		Clock:    clock,
	}, sol)
	f.Start()

	// The interval never elapses; Stop alone must produce the archive.
	f.Stop()
	require.True(t, fsutil.Exists(path))

	_, err := LoadSolution(path)
	require.NoError(t, err)
}

func TestCheckpointFlusherZeroIntervalDisabled(t *testing.T) {
	t.Parallel()

	sol, _ := newTestSolution(t)
	path := filepath.Join(t.TempDir(), "checkpoint.sol")

	f := NewCheckpointFlusher(CheckpointFlusherConfig{
		Path:   path,
		Logger: discardLogger(),
	}, sol)
	f.Start()
	f.Stop()

	require.False(t, fsutil.Exists(path))
}

func TestCheckpointFlusherStartStopIdempotent(t *testing.T) {
	t.Parallel()

	sol, _ := newTestSolution(t)
	path := filepath.Join(t.TempDir(), "checkpoint.sol")

	f := NewCheckpointFlusher(CheckpointFlusherConfig{
		Interval: time.Hour,
		Path:     path,
		Logger:   discardLogger(),
	}, sol)

	f.Stop() // never started

	f.Start()
	f.Start()
	f.Stop()
	f.Stop()

	require.True(t, fsutil.Exists(path))
}
