// Package monitor produces diagnostic plots for a wavelength calibration
// solution: the array-wide resolving power distribution, per-flag failure
// counts, and per-pixel fit detail plots.
package monitor

import (
	"fmt"
	"image/color"
	"math"
	"path/filepath"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/photonics-data/mkidcal/internal/fsutil"
	"github.com/photonics-data/mkidcal/internal/monitoring"
	"github.com/photonics-data/mkidcal/internal/wavecal"
)

// SummaryPlots writes the array-level diagnostic plots into outputDir and
// returns the generated file paths.
func SummaryPlots(s *wavecal.Solution, outputDir string) ([]string, error) {
	if err := fsutil.EnsureDir(outputDir); err != nil {
		return nil, fmt.Errorf("creating plot directory: %w", err)
	}
	var files []string

	rFile := filepath.Join(outputDir, "resolving_power.png")
	if err := resolvingPowerHistogram(s, rFile); err != nil {
		return files, err
	}
	files = append(files, rFile)

	flagFile := filepath.Join(outputDir, "flag_counts.png")
	if err := flagCountBars(s, flagFile); err != nil {
		return files, err
	}
	files = append(files, flagFile)

	monitoring.Logf("wrote %d summary plots to %s", len(files), outputDir)
	return files, nil
}

// resolvingPowerHistogram plots the distribution of median resolving
// powers across the array.
func resolvingPowerHistogram(s *wavecal.Solution, path string) error {
	var medians plotter.Values
	for _, pr := range s.FindResolvingPowers(0, math.Inf(1), -1) {
		if med, ok := wavecal.FiniteMedian(pr.Powers); ok {
			medians = append(medians, med)
		}
	}

	p := plot.New()
	p.Title.Text = "Median Resolving Power"
	p.X.Label.Text = "E/dE"
	p.Y.Label.Text = "pixels"

	if len(medians) > 0 {
		h, err := plotter.NewHist(medians, 30)
		if err != nil {
			return fmt.Errorf("building resolving power histogram: %w", err)
		}
		h.FillColor = color.RGBA{R: 70, G: 130, B: 180, A: 255}
		p.Add(h)
	}
	if err := p.Save(10*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("saving %s: %w", path, err)
	}
	return nil
}

// flagCountBars plots how many pixels ended in each calibration flag.
func flagCountBars(s *wavecal.Solution, path string) error {
	counts := map[wavecal.ModelFlag]int{}
	for _, px := range s.MappedPixels() {
		flag, err := s.CalibrationFlag(px)
		if err != nil {
			continue
		}
		counts[flag]++
	}

	var flags []wavecal.ModelFlag
	for f := range counts {
		flags = append(flags, f)
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i] < flags[j] })

	values := make(plotter.Values, len(flags))
	labels := make([]string, len(flags))
	for i, f := range flags {
		values[i] = float64(counts[f])
		labels[i] = fmt.Sprintf("%d", f)
	}

	p := plot.New()
	p.Title.Text = "Calibration Flags"
	p.X.Label.Text = "flag"
	p.Y.Label.Text = "pixels"

	if len(values) > 0 {
		bars, err := plotter.NewBarChart(values, vg.Points(25))
		if err != nil {
			return fmt.Errorf("building flag bar chart: %w", err)
		}
		bars.Color = color.RGBA{R: 180, G: 80, B: 70, A: 255}
		p.Add(bars)
		p.NominalX(labels...)
	}
	if err := p.Save(10*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("saving %s: %w", path, err)
	}
	return nil
}

// PixelPlot writes one pixel's calibration detail: the fitted histogram
// centers against photon energy plus the fitted curve sampled across its
// phase domain.
func PixelPlot(s *wavecal.Solution, px wavecal.Pixel, path string) error {
	pf, err := s.At(px)
	if err != nil {
		return err
	}
	cal := pf.Calibration

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Pixel %v Calibration", px)
	p.X.Label.Text = "phase (deg)"
	p.Y.Label.Text = "energy (eV)"

	if cal.HasData() {
		pts := make(plotter.XYs, len(cal.X))
		for i := range cal.X {
			pts[i] = plotter.XY{X: cal.X[i], Y: cal.Y[i]}
		}
		scatter, err := plotter.NewScatter(pts)
		if err != nil {
			return fmt.Errorf("building calibration points: %w", err)
		}
		p.Add(scatter)
	}

	if cal.Flag.Good() {
		f := cal.CalibrationFunction()
		const samples = 200
		curve := make(plotter.XYs, 0, samples)
		for i := 0; i < samples; i++ {
			x := cal.MinX + (cal.MaxX-cal.MinX)*float64(i)/float64(samples-1)
			curve = append(curve, plotter.XY{X: x, Y: f(x)})
		}
		line, err := plotter.NewLine(curve)
		if err != nil {
			return fmt.Errorf("building calibration curve: %w", err)
		}
		line.Width = vg.Points(1)
		line.Color = color.RGBA{R: 70, G: 130, B: 180, A: 255}
		p.Add(line)
	}

	if err := fsutil.EnsureDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("creating plot directory: %w", err)
	}
	if err := p.Save(8*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("saving %s: %w", path, err)
	}
	return nil
}
