package wavecal

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/photonics-data/mkidcal/internal/config"
	"github.com/photonics-data/mkidcal/internal/monitoring"
)

// Calibrator drives the three pipeline stages over a whole array. All
// result mutation funnels through the Solution's single write path, so the
// parallel and sequential paths produce bit-identical solutions.
type Calibrator struct {
	cfg       *config.Config
	engine    *Engine
	solution  *Solution
	newSource SourceFactory

	// maxOutstanding records the high-water mark of in-flight work items;
	// it bounds memory growth and is checked by the backpressure tests.
	maxOutstanding atomic.Int64
	outstanding    atomic.Int64
}

// NewCalibrator wires a calibrator over a fresh solution arena.
func NewCalibrator(cfg *config.Config, beamMap *BeamMap, newSource SourceFactory) (*Calibrator, error) {
	engine, err := NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	return &Calibrator{
		cfg:       cfg,
		engine:    engine,
		solution:  NewSolution(cfg, beamMap, engine),
		newSource: newSource,
	}, nil
}

// Solution returns the calibrator's result store. It is valid to query at
// any time; results are complete only after Run returns.
func (c *Calibrator) Solution() *Solution { return c.solution }

// MaxOutstanding returns the high-water mark of queued work items observed
// so far.
func (c *Calibrator) MaxOutstanding() int64 { return c.maxOutstanding.Load() }

// queueCap bounds each worker's input queue. Many wavelengths mean many
// histograms held per pixel, so the per-queue depth shrinks as the
// wavelength count grows.
func queueCap(nWavelengths int) int {
	cap := 750 / nWavelengths
	if cap < 50 {
		cap = 50
	}
	return cap
}

// workerCount leaves half the cores for the photon readers and the OS.
func workerCount(maxWorkers int) int {
	n := (runtime.NumCPU() + 1) / 2
	if n < 1 {
		n = 1
	}
	if maxWorkers > 0 && n > maxWorkers {
		n = maxWorkers
	}
	return n
}

// Run executes the full pipeline: histogram construction, histogram
// fitting, then calibration fitting. Each stage completes over the whole
// array before the next begins.
func (c *Calibrator) Run(ctx context.Context) error {
	start := time.Now()
	pixels := c.solution.MappedPixels()
	monitoring.Logf("calibrating %d mapped pixels at %d wavelengths (parallel=%v)",
		len(pixels), len(c.cfg.WavelengthsNm), c.cfg.Parallel)

	if err := c.MakeHistograms(ctx, pixels); err != nil {
		return fmt.Errorf("histogram stage: %w", err)
	}
	if err := c.FitHistograms(ctx, pixels); err != nil {
		return fmt.Errorf("histogram fit stage: %w", err)
	}
	if err := c.FitCalibrations(ctx, pixels); err != nil {
		return fmt.Errorf("calibration fit stage: %w", err)
	}
	monitoring.Logf("calibration complete in %v", time.Since(start).Round(time.Millisecond))
	return nil
}

// histogramJob is one (pixel, wavelength) unit of stage one.
type histogramJob struct {
	pixel         Pixel
	wavelengthIdx int
}

// histogramResult carries a finished histogram back to the merge loop.
type histogramResult struct {
	pixel         Pixel
	wavelengthIdx int
	model         *HistogramModel
}

// MakeHistograms builds every pixel's histogram at every wavelength.
//
// Photon sources are not safe for concurrent reads, so each worker owns a
// disjoint set of wavelength indices and holds that set's source handles
// exclusively. Jobs route to the worker owning their wavelength.
func (c *Calibrator) MakeHistograms(ctx context.Context, pixels []Pixel) error {
	nw := len(c.cfg.WavelengthsNm)
	if !c.cfg.Parallel {
		return c.makeHistogramsSequential(ctx, pixels)
	}

	workers := workerCount(c.cfg.MaxWorkers)
	if workers > nw {
		workers = nw
	}
	cap := queueCap(nw)
	prog := newProgress("histograms", len(pixels)*nw)
	defer prog.stop()

	inputs := make([]chan histogramJob, workers)
	for w := range inputs {
		inputs[w] = make(chan histogramJob, cap)
	}
	results := make(chan histogramResult, cap)
	errs := make(chan error, workers+1)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			if err := c.histogramWorker(ctx, w, workers, inputs[w], results); err != nil {
				errs <- err
			}
		}(w)
	}

	mergeDone := make(chan struct{})
	go func() {
		defer close(mergeDone)
		for res := range results {
			c.outstanding.Add(-1)
			c.solution.setHistogram(res.pixel, res.wavelengthIdx, res.model)
			prog.add(1)
		}
	}()

	// Producer. Closing the input channels is the stop signal for the
	// workers; ctx cancellation interrupts a full queue.
	produceErr := func() error {
		defer func() {
			for _, ch := range inputs {
				close(ch)
			}
		}()
		for _, p := range pixels {
			for i := 0; i < nw; i++ {
				job := histogramJob{pixel: p, wavelengthIdx: i}
				select {
				case inputs[i%workers] <- job:
					c.noteOutstanding(c.outstanding.Add(1))
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		return nil
	}()

	wg.Wait()
	close(results)
	<-mergeDone

	if produceErr != nil {
		return produceErr
	}
	select {
	case err := <-errs:
		return err
	default:
	}
	return ctx.Err()
}

// histogramWorker processes jobs for the wavelength indices congruent to w
// modulo workers, holding those sources open for the worker's lifetime.
func (c *Calibrator) histogramWorker(ctx context.Context, w, workers int, jobs <-chan histogramJob, results chan<- histogramResult) error {
	// A failed worker must keep draining its queue or the producer blocks
	// on a full channel.
	drain := func() {
		for range jobs {
			c.outstanding.Add(-1)
		}
	}

	sources := map[int]PhotonSource{}
	defer func() {
		for _, src := range sources {
			src.Close()
		}
	}()
	for i := w; i < len(c.cfg.WavelengthsNm); i += workers {
		src, err := c.newSource(i)
		if err != nil {
			go drain()
			return fmt.Errorf("opening photon source for %g nm: %w", c.cfg.WavelengthsNm[i], err)
		}
		sources[i] = src
	}

	for job := range jobs {
		if ctx.Err() != nil {
			go drain()
			return ctx.Err()
		}
		src := sources[job.wavelengthIdx]
		resID := c.solution.beamMap.ResID(job.pixel)
		photons, err := src.PhotonList(resID)
		if err != nil {
			go drain()
			return fmt.Errorf("reading photons for %v at %g nm: %w",
				job.pixel, c.cfg.WavelengthsNm[job.wavelengthIdx], err)
		}
		model := NewHistogramModel(c.engine.histKinds[0], job.pixel, resID, c.cfg.WavelengthsNm[job.wavelengthIdx])
		c.engine.MakeHistogram(model, photons)
		select {
		case results <- histogramResult{pixel: job.pixel, wavelengthIdx: job.wavelengthIdx, model: model}:
		case <-ctx.Done():
			go drain()
			return ctx.Err()
		}
	}
	return nil
}

func (c *Calibrator) makeHistogramsSequential(ctx context.Context, pixels []Pixel) error {
	nw := len(c.cfg.WavelengthsNm)
	prog := newProgress("histograms", len(pixels)*nw)
	defer prog.stop()
	for i := 0; i < nw; i++ {
		src, err := c.newSource(i)
		if err != nil {
			return fmt.Errorf("opening photon source for %g nm: %w", c.cfg.WavelengthsNm[i], err)
		}
		for _, p := range pixels {
			if ctx.Err() != nil {
				src.Close()
				return ctx.Err()
			}
			resID := c.solution.beamMap.ResID(p)
			photons, err := src.PhotonList(resID)
			if err != nil {
				src.Close()
				return fmt.Errorf("reading photons for %v at %g nm: %w", p, c.cfg.WavelengthsNm[i], err)
			}
			model := NewHistogramModel(c.engine.histKinds[0], p, resID, c.cfg.WavelengthsNm[i])
			c.engine.MakeHistogram(model, photons)
			c.solution.setHistogram(p, i, model)
			prog.add(1)
		}
		if err := src.Close(); err != nil {
			return fmt.Errorf("closing photon source for %g nm: %w", c.cfg.WavelengthsNm[i], err)
		}
	}
	return nil
}

// FitHistograms runs the histogram fitting stage over every pixel.
func (c *Calibrator) FitHistograms(ctx context.Context, pixels []Pixel) error {
	return c.runPixelStage(ctx, "histogram fits", pixels, func(pf *PixelFit) {
		c.engine.FitHistograms(pf)
	})
}

// FitCalibrations runs the calibration fitting stage over every pixel.
func (c *Calibrator) FitCalibrations(ctx context.Context, pixels []Pixel) error {
	return c.runPixelStage(ctx, "calibration fits", pixels, func(pf *PixelFit) {
		c.engine.FitCalibration(pf)
	})
}

// runPixelStage fans per-pixel work across a shared queue. Workers operate
// on private clones; the merge loop is the only writer into the arena.
func (c *Calibrator) runPixelStage(ctx context.Context, name string, pixels []Pixel, process func(*PixelFit)) error {
	prog := newProgress(name, len(pixels))
	defer prog.stop()

	if !c.cfg.Parallel {
		for _, p := range pixels {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			pf, err := c.solution.At(p)
			if err != nil {
				return err
			}
			clone := pf.Clone()
			process(clone)
			if err := c.solution.SetPixelFit(clone); err != nil {
				return err
			}
			prog.add(1)
		}
		return nil
	}

	workers := workerCount(c.cfg.MaxWorkers)
	cap := queueCap(len(c.cfg.WavelengthsNm))
	input := make(chan *PixelFit, cap)
	results := make(chan *PixelFit, cap)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pf := range input {
				if ctx.Err() != nil {
					return
				}
				process(pf)
				select {
				case results <- pf:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	var mergeErr error
	mergeDone := make(chan struct{})
	go func() {
		defer close(mergeDone)
		for pf := range results {
			c.outstanding.Add(-1)
			if err := c.solution.SetPixelFit(pf); err != nil && mergeErr == nil {
				mergeErr = err
			}
			prog.add(1)
		}
	}()

	produceErr := func() error {
		defer close(input)
		for _, p := range pixels {
			pf, err := c.solution.At(p)
			if err != nil {
				return err
			}
			select {
			case input <- pf.Clone():
				c.noteOutstanding(c.outstanding.Add(1))
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}()

	wg.Wait()
	close(results)
	<-mergeDone

	if produceErr != nil {
		return produceErr
	}
	if mergeErr != nil {
		return mergeErr
	}
	return ctx.Err()
}

func (c *Calibrator) noteOutstanding(n int64) {
	for {
		cur := c.maxOutstanding.Load()
		if n <= cur || c.maxOutstanding.CompareAndSwap(cur, n) {
			return
		}
	}
}
