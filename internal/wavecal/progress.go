package wavecal

import (
	"sync/atomic"
	"time"

	"github.com/photonics-data/mkidcal/internal/monitoring"
)

// progressInterval is how often a running stage reports its counts.
const progressInterval = 10 * time.Second

// progress logs periodic completion counts for one pipeline stage.
type progress struct {
	name  string
	total int
	done  atomic.Int64
	start time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

func newProgress(name string, total int) *progress {
	p := &progress{
		name:   name,
		total:  total,
		start:  time.Now(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *progress) add(n int) { p.done.Add(int64(n)) }

func (p *progress) loop() {
	defer close(p.doneCh)
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			done := p.done.Load()
			monitoring.Logf("%s: %d/%d (%.1f%%) in %v",
				p.name, done, p.total,
				100*float64(done)/float64(max(p.total, 1)),
				time.Since(p.start).Round(time.Second))
		case <-p.stopCh:
			return
		}
	}
}

// stop halts the reporter and logs the final count.
func (p *progress) stop() {
	close(p.stopCh)
	<-p.doneCh
	monitoring.Logf("%s: finished %d/%d in %v",
		p.name, p.done.Load(), p.total, time.Since(p.start).Round(time.Millisecond))
}
