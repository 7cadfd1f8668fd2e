package wavecal

import (
	"log"
	"sync"
	"time"

	"github.com/photonics-data/mkidcal/internal/timeutil"
)

// CheckpointFlusherConfig configures periodic solution checkpointing.
type CheckpointFlusherConfig struct {
	// Interval between checkpoint writes. Zero disables the flusher; Start
	// becomes a no-op.
	Interval time.Duration

	// Path the solution archive is written to. Each checkpoint replaces
	// the previous one atomically.
	Path string

	// Logger for flush events. Defaults to log.Default().
	Logger *log.Logger

	// Clock drives the flush schedule. Defaults to timeutil.RealClock.
	Clock timeutil.Clock
}

// CheckpointFlusher periodically saves a solution so a long run can be
// resumed after an interruption. A final flush happens on Stop.
type CheckpointFlusher struct {
	cfg      CheckpointFlusherConfig
	solution *Solution

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewCheckpointFlusher creates a flusher for the given solution.
func NewCheckpointFlusher(cfg CheckpointFlusherConfig, solution *Solution) *CheckpointFlusher {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &CheckpointFlusher{cfg: cfg, solution: solution}
}

// Start launches the background flush loop. Calling Start on a running
// flusher is a no-op.
func (f *CheckpointFlusher) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running || f.cfg.Interval <= 0 {
		return
	}
	f.running = true
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})
	go f.loop(f.stopCh, f.doneCh)
	f.cfg.Logger.Printf("checkpoint flusher started (interval %v, path %s)", f.cfg.Interval, f.cfg.Path)
}

// Stop halts the loop, performs a final flush, and waits for the loop to
// exit. Safe to call when the flusher never started.
func (f *CheckpointFlusher) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	stopCh, doneCh := f.stopCh, f.doneCh
	f.mu.Unlock()

	close(stopCh)
	<-doneCh
	f.flush()
	f.cfg.Logger.Printf("checkpoint flusher stopped")
}

func (f *CheckpointFlusher) loop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	ticker := f.cfg.Clock.NewTicker(f.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			f.flush()
		case <-stopCh:
			return
		}
	}
}

func (f *CheckpointFlusher) flush() {
	start := f.cfg.Clock.Now()
	if err := f.solution.Save(f.cfg.Path); err != nil {
		f.cfg.Logger.Printf("checkpoint flush failed: %v", err)
		return
	}
	f.cfg.Logger.Printf("checkpoint flushed in %v", f.cfg.Clock.Since(start).Round(time.Millisecond))
}
