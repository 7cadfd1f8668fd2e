package wavecal

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/photonics-data/mkidcal/internal/config"
	"github.com/photonics-data/mkidcal/internal/units"
)

// Solution holds the complete calibration result for a detector array. The
// per-pixel fits live in a flat arena indexed x*YPixels+y, allocated eagerly
// at construction so lookups never race with lazy initialization. All
// methods are safe for concurrent use; writes go through SetPixelFit.
type Solution struct {
	mu      sync.RWMutex
	cfg     *config.Config
	beamMap *BeamMap
	engine  *Engine
	fits    []*PixelFit
	byResID map[uint32]Pixel
}

// NewSolution allocates the fit arena for every pixel of the beam map.
func NewSolution(cfg *config.Config, beamMap *BeamMap, engine *Engine) *Solution {
	s := &Solution{
		cfg:     cfg,
		beamMap: beamMap,
		engine:  engine,
		fits:    make([]*PixelFit, beamMap.XPixels*beamMap.YPixels),
		byResID: beamMap.reverse(),
	}
	for x := 0; x < beamMap.XPixels; x++ {
		for y := 0; y < beamMap.YPixels; y++ {
			p := Pixel{X: x, Y: y}
			s.fits[beamMap.Idx(p)] = engine.NewPixelFit(p, beamMap.ResID(p))
		}
	}
	return s
}

// Config returns the run configuration the solution was computed with.
func (s *Solution) Config() *config.Config { return s.cfg }

// BeamMap returns the detector beam map.
func (s *Solution) BeamMap() *BeamMap { return s.beamMap }

// Wavelengths returns the calibration wavelengths in ascending order.
func (s *Solution) Wavelengths() []float64 { return s.engine.Wavelengths() }

// At returns the fit state for a pixel, or an error when the coordinate is
// outside the array. The returned value is shared; clone before mutating.
func (s *Solution) At(p Pixel) (*PixelFit, error) {
	if !s.beamMap.Contains(p) {
		return nil, fmt.Errorf("pixel %v outside %dx%d array", p, s.beamMap.XPixels, s.beamMap.YPixels)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fits[s.beamMap.Idx(p)], nil
}

// ByResID returns the fit state for a resonator ID.
func (s *Solution) ByResID(resID uint32) (*PixelFit, error) {
	p, ok := s.byResID[resID]
	if !ok {
		return nil, fmt.Errorf("resonator %d not in beam map", resID)
	}
	return s.At(p)
}

// PixelForResID resolves a resonator ID to its pixel coordinate, allowing
// every pixel-keyed query to be made by resonator ID instead.
func (s *Solution) PixelForResID(resID uint32) (Pixel, bool) {
	p, ok := s.byResID[resID]
	return p, ok
}

// SetPixelFit installs a pixel's fit state, replacing the previous value.
// This is the single write path of the arena.
func (s *Solution) SetPixelFit(pf *PixelFit) error {
	if !s.beamMap.Contains(pf.Pixel) {
		return fmt.Errorf("pixel %v outside %dx%d array", pf.Pixel, s.beamMap.XPixels, s.beamMap.YPixels)
	}
	s.mu.Lock()
	s.fits[s.beamMap.Idx(pf.Pixel)] = pf
	s.mu.Unlock()
	return nil
}

// setHistogram installs one wavelength's histogram model for a pixel. Used
// by the histogram stage's merge loop, which is the only writer while the
// stage runs.
func (s *Solution) setHistogram(p Pixel, wavelengthIdx int, m *HistogramModel) {
	s.mu.Lock()
	s.fits[s.beamMap.Idx(p)].Histograms[wavelengthIdx] = m
	s.mu.Unlock()
}

// HistogramFlags returns the per-wavelength histogram flags of a pixel.
func (s *Solution) HistogramFlags(p Pixel) ([]ModelFlag, error) {
	pf, err := s.At(p)
	if err != nil {
		return nil, err
	}
	flags := make([]ModelFlag, len(pf.Histograms))
	for i, m := range pf.Histograms {
		flags[i] = m.Flag
	}
	return flags, nil
}

// Histograms returns a pixel's per-wavelength histogram models.
func (s *Solution) Histograms(p Pixel) ([]*HistogramModel, error) {
	pf, err := s.At(p)
	if err != nil {
		return nil, err
	}
	return pf.Histograms, nil
}

// CalibrationFlag returns a pixel's calibration flag.
func (s *Solution) CalibrationFlag(p Pixel) (ModelFlag, error) {
	pf, err := s.At(p)
	if err != nil {
		return 0, err
	}
	return pf.Calibration.Flag, nil
}

// HasGoodHistogram reports whether the histogram fit succeeded at one
// wavelength index.
func (s *Solution) HasGoodHistogram(p Pixel, wavelengthIdx int) bool {
	pf, err := s.At(p)
	if err != nil || wavelengthIdx < 0 || wavelengthIdx >= len(pf.Histograms) {
		return false
	}
	return pf.Histograms[wavelengthIdx].Flag.Good()
}

// HasGoodCalibration reports whether the pixel's calibration fit succeeded.
func (s *Solution) HasGoodCalibration(p Pixel) bool {
	pf, err := s.At(p)
	if err != nil {
		return false
	}
	return pf.Calibration.Flag.Good()
}

// CalibrationFunction returns the fitted phase-to-energy function of a
// pixel, or an error when the calibration is not good. The function clamps
// nothing; use InDomain to check applicability.
func (s *Solution) CalibrationFunction(p Pixel) (func(phase float64) float64, error) {
	pf, err := s.At(p)
	if err != nil {
		return nil, err
	}
	if !pf.Calibration.Flag.Good() {
		return nil, fmt.Errorf("pixel %v has no good calibration (flag %v)", p, pf.Calibration.Flag)
	}
	return pf.Calibration.CalibrationFunction(), nil
}

// ResolvingPowers returns E/dE for each wavelength of a pixel, NaN where
// either the histogram or the calibration is unusable. The energy width is
// the fitted peak's FWHM mapped through the calibration curve.
func (s *Solution) ResolvingPowers(p Pixel) ([]float64, error) {
	pf, err := s.At(p)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(pf.Histograms))
	cal := pf.Calibration
	calGood := cal.Flag.Good()
	for i, m := range pf.Histograms {
		out[i] = math.NaN()
		if !calGood || !m.Flag.Good() {
			continue
		}
		nhm, phm := m.HalfMaxPhases()
		center := m.SignalCenter()
		if !cal.InDomain(nhm) || !cal.InDomain(phm) || !cal.InDomain(center) {
			continue
		}
		f := cal.CalibrationFunction()
		energy := f(center)
		fwhm := f(nhm) - f(phm)
		if fwhm <= 0 || !isFinite(energy/fwhm) {
			continue
		}
		out[i] = energy / fwhm
	}
	return out, nil
}

// PixelResolvingPowers pairs a pixel with its per-wavelength resolving
// powers, ordered by descending median.
type PixelResolvingPowers struct {
	Pixel  Pixel
	Powers []float64
}

// FindResolvingPowers collects resolving powers across the array, keeping
// pixels whose median falls within [minR, maxR]. A feedline of -1 matches
// every feedline. Results are sorted by descending median resolving power.
func (s *Solution) FindResolvingPowers(minR, maxR float64, feedline int) []PixelResolvingPowers {
	var out []PixelResolvingPowers
	medians := map[Pixel]float64{}
	for _, p := range s.MappedPixels() {
		if feedline >= 0 && FeedlineOf(s.beamMap.ResID(p)) != feedline {
			continue
		}
		powers, err := s.ResolvingPowers(p)
		if err != nil {
			continue
		}
		med, ok := FiniteMedian(powers)
		if !ok || med < minR || med > maxR {
			continue
		}
		out = append(out, PixelResolvingPowers{Pixel: p, Powers: powers})
		medians[p] = med
	}
	sort.SliceStable(out, func(i, j int) bool {
		return medians[out[i].Pixel] > medians[out[j].Pixel]
	})
	return out
}

// Responses returns the fitted phase center per wavelength of a pixel, NaN
// where the histogram fit failed.
func (s *Solution) Responses(p Pixel) ([]float64, error) {
	pf, err := s.At(p)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(pf.Histograms))
	for i, m := range pf.Histograms {
		if m.Flag.Good() {
			out[i] = m.SignalCenter()
		} else {
			out[i] = math.NaN()
		}
	}
	return out, nil
}

// PixelResponses pairs a pixel with its per-wavelength phase responses.
type PixelResponses struct {
	Pixel     Pixel
	Responses []float64
}

// FindResponses collects phase responses across the array for pixels whose
// median response falls within [minPhase, maxPhase]. A feedline of -1
// matches every feedline.
func (s *Solution) FindResponses(minPhase, maxPhase float64, feedline int) []PixelResponses {
	var out []PixelResponses
	for _, p := range s.MappedPixels() {
		if feedline >= 0 && FeedlineOf(s.beamMap.ResID(p)) != feedline {
			continue
		}
		resp, err := s.Responses(p)
		if err != nil {
			continue
		}
		med, ok := FiniteMedian(resp)
		if !ok || med < minPhase || med > maxPhase {
			continue
		}
		out = append(out, PixelResponses{Pixel: p, Responses: resp})
	}
	return out
}

// BinWidths returns the effective histogram bin width used at each
// wavelength of a pixel, NaN where no histogram was built.
func (s *Solution) BinWidths(p Pixel) ([]float64, error) {
	pf, err := s.At(p)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(pf.Histograms))
	for i, m := range pf.Histograms {
		if m.HasData() {
			out[i] = m.BinWidth
		} else {
			out[i] = math.NaN()
		}
	}
	return out, nil
}

// ResolvingPowerAt returns the resolving power at one calibration
// wavelength. Interpolation between wavelengths is not supported; the
// wavelength must match a configured one exactly.
func (s *Solution) ResolvingPowerAt(p Pixel, wavelengthNm float64) (float64, error) {
	idx := -1
	for i, w := range s.Wavelengths() {
		if w == wavelengthNm {
			idx = i
			break
		}
	}
	if idx < 0 {
		return math.NaN(), fmt.Errorf("%g nm is not a calibration wavelength", wavelengthNm)
	}
	powers, err := s.ResolvingPowers(p)
	if err != nil {
		return math.NaN(), err
	}
	return powers[idx], nil
}

// MappedPixels returns every pixel with a valid resonator mapping, in
// arena order.
func (s *Solution) MappedPixels() []Pixel {
	var out []Pixel
	for x := 0; x < s.beamMap.XPixels; x++ {
		for y := 0; y < s.beamMap.YPixels; y++ {
			p := Pixel{X: x, Y: y}
			if s.beamMap.ResID(p) != UnmappedResID {
				out = append(out, p)
			}
		}
	}
	return out
}

// AllPixels returns every pixel of the array in arena order.
func (s *Solution) AllPixels() []Pixel {
	out := make([]Pixel, 0, s.beamMap.XPixels*s.beamMap.YPixels)
	for x := 0; x < s.beamMap.XPixels; x++ {
		for y := 0; y < s.beamMap.YPixels; y++ {
			out = append(out, Pixel{X: x, Y: y})
		}
	}
	return out
}

// EnergyWavelengths converts the calibration wavelengths to energies in eV.
func (s *Solution) EnergyWavelengths() []float64 {
	ws := s.Wavelengths()
	out := make([]float64, len(ws))
	for i, w := range ws {
		out[i] = units.WavelengthToEnergy(w)
	}
	return out
}

// FiniteMedian returns the median of the finite entries of vals, and false
// when none are finite. The bulk queries and the summary plots both rank
// pixels with it.
func FiniteMedian(vals []float64) (float64, bool) {
	var finite []float64
	for _, v := range vals {
		if isFinite(v) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 {
		return math.NaN(), false
	}
	sort.Float64s(finite)
	return stat.Quantile(0.5, stat.Empirical, finite, nil), true
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
