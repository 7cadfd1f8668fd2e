// Command wavecal-inspect queries a saved calibration solution: per-pixel
// flags, resolving powers, phase responses, and detail plots.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/photonics-data/mkidcal/internal/monitor"
	"github.com/photonics-data/mkidcal/internal/wavecal"
)

var (
	solutionPath = flag.String("solution", "solution.wcal", "Solution file to inspect")
	pixelSpec    = flag.String("pixel", "", "Pixel to report, as x,y")
	resID        = flag.Uint("resid", 0, "Resonator id to report (alternative to -pixel)")
	feedline     = flag.Int("feedline", -1, "Restrict array queries to one feedline (-1 = all)")
	minR         = flag.Float64("r-min", 0, "Minimum median resolving power for -top")
	maxR         = flag.Float64("r-max", math.Inf(1), "Maximum median resolving power for -top")
	top          = flag.Int("top", 0, "Print the N best pixels by median resolving power")
	plotPath     = flag.String("plot", "", "Write a calibration detail plot for -pixel to this file")
)

func main() {
	flag.Parse()

	s, err := wavecal.LoadSolution(*solutionPath)
	if err != nil {
		log.Fatalf("loading solution: %v", err)
	}

	switch {
	case *pixelSpec != "":
		p, err := parsePixel(*pixelSpec)
		if err != nil {
			log.Fatalf("bad -pixel: %v", err)
		}
		reportPixel(s, p)
	case *resID != 0:
		pf, err := s.ByResID(uint32(*resID))
		if err != nil {
			log.Fatalf("looking up resonator: %v", err)
		}
		reportPixel(s, pf.Pixel)
	case *top > 0:
		reportTop(s)
	default:
		reportSummary(s)
	}
}

func parsePixel(spec string) (wavecal.Pixel, error) {
	parts := strings.Split(spec, ",")
	if len(parts) != 2 {
		return wavecal.Pixel{}, fmt.Errorf("expected x,y, got %q", spec)
	}
	x, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return wavecal.Pixel{}, err
	}
	y, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return wavecal.Pixel{}, err
	}
	return wavecal.Pixel{X: x, Y: y}, nil
}

func reportPixel(s *wavecal.Solution, p wavecal.Pixel) {
	pf, err := s.At(p)
	if err != nil {
		log.Fatalf("%v", err)
	}
	fmt.Printf("pixel %v  resonator %d  feedline %d\n", p, pf.ResID, wavecal.FeedlineOf(pf.ResID))

	flags, _ := s.HistogramFlags(p)
	powers, _ := s.ResolvingPowers(p)
	responses, _ := s.Responses(p)
	widths, _ := s.BinWidths(p)
	for i, w := range s.Wavelengths() {
		fmt.Printf("  %7.1f nm  flag=%-28v R=%-8.1f response=%-8.2f bin=%.1f\n",
			w, flags[i], powers[i], responses[i], widths[i])
	}
	calFlag, _ := s.CalibrationFlag(p)
	fmt.Printf("  calibration: %v (%v)\n", calFlag, pf.Calibration.Kind)

	if *plotPath != "" {
		if err := monitor.PixelPlot(s, p, *plotPath); err != nil {
			log.Fatalf("writing plot: %v", err)
		}
		fmt.Printf("  plot written to %s\n", *plotPath)
	}
}

func reportTop(s *wavecal.Solution) {
	results := s.FindResolvingPowers(*minR, *maxR, *feedline)
	if len(results) > *top {
		results = results[:*top]
	}
	w := len(s.Wavelengths())
	fmt.Printf("top %d pixels by median resolving power (%d wavelengths)\n", len(results), w)
	for _, r := range results {
		fmt.Printf("  %v  R = %v\n", r.Pixel, formatPowers(r.Powers))
	}
	if len(results) == 0 {
		os.Exit(1)
	}
}

func reportSummary(s *wavecal.Solution) {
	pixels := s.MappedPixels()
	var goodCal int
	for _, p := range pixels {
		if s.HasGoodCalibration(p) {
			goodCal++
		}
	}
	bm := s.BeamMap()
	fmt.Printf("solution: %dx%d array, %d mapped pixels, %d wavelengths\n",
		bm.XPixels, bm.YPixels, len(pixels), len(s.Wavelengths()))
	fmt.Printf("good calibrations: %d/%d (%.1f%%)\n",
		goodCal, len(pixels), 100*float64(goodCal)/float64(max(len(pixels), 1)))
}

func formatPowers(powers []float64) string {
	parts := make([]string, len(powers))
	for i, v := range powers {
		if math.IsNaN(v) {
			parts[i] = "-"
		} else {
			parts[i] = fmt.Sprintf("%.1f", v)
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}
