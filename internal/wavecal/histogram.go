package wavecal

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/photonics-data/mkidcal/internal/monitoring"
	"github.com/photonics-data/mkidcal/internal/units"
)

// Histogram-construction policy constants. These protect the fits from
// pathological pixels and are not exposed in configuration.
const (
	// minPhotons is the smallest photon list worth histogramming.
	minPhotons = 2
	// hotPixelCPS rejects pixels whose count rate indicates cross talk or
	// cosmic-ray showers rather than Poisson photon arrivals.
	hotPixelCPS = 2000.0
	// minPeakCount is the peak bin count below which the histogram is
	// rebuilt with doubled bins, trading resolution for fit stability.
	minPeakCount = 400.0
	// maxBinAttempts bounds the bin-doubling loop.
	maxBinAttempts = 3
)

// MakeHistogram builds the pulse-height histogram for one model from its
// wavelength's photon list, or records on the model why none was produced.
func (e *Engine) MakeHistogram(m *HistogramModel, photons []Photon) {
	m.X, m.Y, m.Variance = nil, nil, nil

	if len(photons) < minPhotons {
		m.Flag = FlagNoPhotons
		monitoring.Debugf("%v : %g nm : there are no photons", m.Pixel, m.WavelengthNm)
		return
	}

	first, last := timeSpan(photons)
	if rate := units.CountRateCPS(len(photons), first, last); rate > hotPixelCPS {
		m.Flag = FlagTooHot
		monitoring.Debugf("%v : %g nm : removed for being too hot (%.2f > %g cps)",
			m.Pixel, m.WavelengthNm, rate, hotPixelCPS)
		return
	}

	kept := removeTailRiding(photons, e.deadTimeUs)
	if len(kept) == 0 {
		m.Flag = FlagTimeCutEmpty
		monitoring.Debugf("%v : %g nm : all photons removed after the arrival-time cut",
			m.Pixel, m.WavelengthNm)
		return
	}

	// Only negative pulse heights are valid photon detections.
	phases := make([]float64, 0, len(kept))
	for _, ph := range kept {
		if ph.Phase < 0 {
			phases = append(phases, ph.Phase)
		}
	}
	if len(phases) == 0 {
		m.Flag = FlagPhaseCutEmpty
		monitoring.Debugf("%v : %g nm : all photons removed after the negative-phase cut",
			m.Pixel, m.WavelengthNm)
		return
	}

	centers, counts, binWidth := buildHistogram(phases, e.binWidth)
	m.X = centers
	m.Y = counts
	m.BinWidth = binWidth
	// Gaussian MLE approximation for the variance of Poisson-distributed
	// counts; exact at low counts, converges to the count at high counts.
	m.Variance = make([]float64, len(counts))
	for i, c := range counts {
		m.Variance[i] = math.Sqrt(c*c+0.25) - 0.5
	}
	monitoring.Debugf("%v : %g nm : histogram successfully computed", m.Pixel, m.WavelengthNm)
}

// timeSpan returns the earliest and latest arrival times in the list.
func timeSpan(photons []Photon) (first, last int64) {
	first, last = photons[0].TimeUs, photons[0].TimeUs
	for _, p := range photons[1:] {
		if p.TimeUs < first {
			first = p.TimeUs
		}
		if p.TimeUs > last {
			last = p.TimeUs
		}
	}
	return first, last
}

// removeTailRiding drops photons whose arrival-time gap from the previous
// kept photon is within the detector dead time. Such events are the decaying
// tail of an earlier pulse misidentified as a new photon.
func removeTailRiding(photons []Photon, deadTimeUs float64) []Photon {
	sorted := append([]Photon(nil), photons...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TimeUs < sorted[j].TimeUs })

	kept := sorted[:1]
	lastTime := sorted[0].TimeUs
	for _, p := range sorted[1:] {
		if float64(p.TimeUs-lastTime) > deadTimeUs {
			kept = append(kept, p)
			lastTime = p.TimeUs
		}
	}
	return kept
}

// buildHistogram bins phases into edges anchored at the maximum phase and
// stepping backward by the bin width, so the threshold cut sits exactly on a
// bin boundary. When the peak bin is underpopulated the bin width doubles
// and the histogram is rebuilt, up to maxBinAttempts times.
func buildHistogram(phases []float64, baseWidth float64) (centers, counts []float64, binWidth float64) {
	minPhase, maxPhase := phases[0], phases[0]
	for _, p := range phases[1:] {
		minPhase = math.Min(minPhase, p)
		maxPhase = math.Max(maxPhase, p)
	}

	for attempt := 0; attempt < maxBinAttempts; attempt++ {
		binWidth = baseWidth * math.Pow(2, float64(attempt))

		// Edges descend from maxPhase past minPhase, then reverse into
		// ascending order.
		var edges []float64
		for edge := maxPhase; edge > minPhase-binWidth; edge -= binWidth {
			edges = append(edges, edge)
		}
		for i, j := 0, len(edges)-1; i < j; i, j = i+1, j-1 {
			edges[i], edges[j] = edges[j], edges[i]
		}
		if len(edges) < 2 {
			edges = []float64{maxPhase - binWidth, maxPhase}
		}

		nBins := len(edges) - 1
		counts = make([]float64, nBins)
		for _, p := range phases {
			idx := int((p - edges[0]) / binWidth)
			if idx < 0 {
				idx = 0
			}
			if idx >= nBins {
				idx = nBins - 1
			}
			counts[idx]++
		}
		centers = make([]float64, nBins)
		for i := 0; i < nBins; i++ {
			centers[i] = (edges[i] + edges[i+1]) / 2
		}

		if floats.Max(counts) >= minPeakCount {
			break
		}
	}
	return centers, counts, binWidth
}
