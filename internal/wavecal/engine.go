package wavecal

import (
	"fmt"
	"math"

	"github.com/photonics-data/mkidcal/internal/config"
	"github.com/photonics-data/mkidcal/internal/monitoring"
	"github.com/photonics-data/mkidcal/internal/units"
)

// PixelFit is one pixel's complete calibration state: one histogram model
// per configured wavelength plus the calibration curve.
type PixelFit struct {
	Pixel Pixel
	ResID uint32
	// Histograms always has exactly one entry per configured wavelength, in
	// configured (ascending) wavelength order.
	Histograms  []*HistogramModel
	Calibration *CalibrationModel
}

// Clone deep-copies the fit state so workers can mutate private copies.
func (pf *PixelFit) Clone() *PixelFit {
	c := &PixelFit{
		Pixel:       pf.Pixel,
		ResID:       pf.ResID,
		Histograms:  make([]*HistogramModel, len(pf.Histograms)),
		Calibration: pf.Calibration.Clone(),
	}
	for i, m := range pf.Histograms {
		c.Histograms[i] = m.Clone()
	}
	return c
}

// Engine runs the per-pixel fitting stages. It is cheap to construct and
// carries no mutable state, so each worker owns one.
type Engine struct {
	wavelengths []float64
	histKinds   []HistogramModelKind
	calKinds    []CalibrationModelKind
	binWidth    float64
	deadTimeUs  float64
	fitAttempts int
	// minBins is twice the largest configured model's parameter count;
	// histograms coarser than this cannot constrain a fit.
	minBins int
}

// NewEngine builds an engine from the run configuration, resolving model
// names to kinds.
func NewEngine(cfg *config.Config) (*Engine, error) {
	e := &Engine{
		wavelengths: append([]float64(nil), cfg.WavelengthsNm...),
		binWidth:    cfg.BinWidth,
		deadTimeUs:  cfg.DeadTimeUs,
		fitAttempts: cfg.HistogramFitAttempts,
	}
	for _, name := range cfg.HistogramModels {
		kind, err := HistogramModelKindFromName(name)
		if err != nil {
			return nil, err
		}
		e.histKinds = append(e.histKinds, kind)
		if 2*kind.ParamCount() > e.minBins {
			e.minBins = 2 * kind.ParamCount()
		}
	}
	for _, name := range cfg.CalibrationModels {
		kind, err := CalibrationModelKindFromName(name)
		if err != nil {
			return nil, err
		}
		e.calKinds = append(e.calKinds, kind)
	}
	return e, nil
}

// NewPixelFit initializes a pixel's fit state with default-flagged models,
// one histogram model per configured wavelength.
func (e *Engine) NewPixelFit(pixel Pixel, resID uint32) *PixelFit {
	pf := &PixelFit{
		Pixel:       pixel,
		ResID:       resID,
		Histograms:  make([]*HistogramModel, len(e.wavelengths)),
		Calibration: NewCalibrationModel(e.calKinds[0], pixel, resID),
	}
	for i, w := range e.wavelengths {
		pf.Histograms[i] = NewHistogramModel(e.histKinds[0], pixel, resID, w)
	}
	return pf
}

// MakeHistogramAt builds the histogram for one wavelength index of a pixel.
func (e *Engine) MakeHistogramAt(pf *PixelFit, wavelengthIdx int, photons []Photon) {
	e.MakeHistogram(pf.Histograms[wavelengthIdx], photons)
}

// FitHistograms fits every wavelength's histogram for one pixel.
//
// Wavelengths are processed in ascending order: the short-wavelength photon
// peaks are better separated from the noise tail, and their fits anchor the
// informed guesses for the longer wavelengths. A second pass then revisits
// failures that have a good fit at any longer wavelength, so information
// also flows backward once anchors exist.
func (e *Engine) FitHistograms(pf *PixelFit) {
	for i := range e.wavelengths {
		m := pf.Histograms[i]
		if !m.HasData() {
			monitoring.Debugf("%v : %g nm : histogram fit skipped because there is no data",
				m.Pixel, m.WavelengthNm)
			continue
		}
		if len(m.X) < e.minBins {
			m.Flag = FlagTooFewBins
			monitoring.Debugf("%v : %g nm : histogram fit failed because there are fewer than %d bins",
				m.Pixel, m.WavelengthNm, e.minBins)
			continue
		}

		tried := e.tryHistogramKinds(pf, i)
		e.assignBestHistogram(pf, i, tried)
	}

	// Second pass: good fits are only used as anchors when they sit at a
	// longer wavelength than the failure being retried. Any failure with
	// data is retried, including histograms the first pass rejected as
	// too coarse.
	good := e.goodHistogramMask(pf)
	for i := range e.wavelengths {
		m := pf.Histograms[i]
		if !m.HasData() || m.HasGoodSolution() {
			continue
		}
		if !anyTrue(good[i+1:]) {
			continue
		}
		var tried []*HistogramModel
		refit := false
		for _, kind := range e.histKinds {
			candidate := m.WithKind(kind)
			guess := e.informedGuess(pf, i, candidate, good)
			candidate.FitModel(guess)
			if candidate.HasGoodSolution() {
				candidate.Flag = FlagSuccess
				pf.Histograms[i] = candidate
				monitoring.Debugf("%v : %g nm : histogram fit recomputed and successful with model %v",
					m.Pixel, m.WavelengthNm, kind)
				refit = true
				break
			}
			tried = append(tried, candidate.Clone())
		}
		if !refit {
			e.assignBestHistogram(pf, i, tried)
		}
	}
}

// tryHistogramKinds fits every configured model kind at one wavelength and
// returns the attempted models for selection. A failed informed guess falls
// back to the model's own attempt-indexed guesses.
func (e *Engine) tryHistogramKinds(pf *PixelFit, wavelengthIdx int) []*HistogramModel {
	m := pf.Histograms[wavelengthIdx]
	var tried []*HistogramModel
	for _, kind := range e.histKinds {
		candidate := m.WithKind(kind)

		// Recompute the anchor set per kind: an earlier kind's informed fit
		// may already have produced a good solution elsewhere.
		good := e.goodHistogramMask(pf)
		if anyTrue(good) {
			guess := e.informedGuess(pf, wavelengthIdx, candidate, good)
			candidate.FitModel(guess)
			if candidate.HasGoodSolution() {
				tried = append(tried, candidate.Clone())
				monitoring.Debugf("%v : %g nm : histogram fit successful with computed guess and model %v",
					m.Pixel, m.WavelengthNm, kind)
				continue
			}
		}
		succeeded := false
		for attempt := 0; attempt < e.fitAttempts; attempt++ {
			candidate.FitModel(candidate.Guess(attempt))
			if candidate.HasGoodSolution() {
				tried = append(tried, candidate.Clone())
				monitoring.Debugf("%v : %g nm : histogram fit successful with guess number %d and model %v",
					m.Pixel, m.WavelengthNm, attempt, kind)
				succeeded = true
				break
			}
		}
		if !succeeded {
			tried = append(tried, candidate.Clone())
		}
	}
	return tried
}

// informedGuess builds a starting point from the nearest good fits at
// shorter and longer wavelengths. The signal center scales with the
// wavelength ratio (pulse height is proportional to photon energy); other
// parameters are copied or averaged when the anchor model is the same kind.
func (e *Engine) informedGuess(pf *PixelFit, wavelengthIdx int, candidate *HistogramModel, good []bool) []float64 {
	guess := candidate.Guess(0)
	target := e.wavelengths[wavelengthIdx]

	// Closest good fit at a shorter wavelength.
	shorter := -1
	for i := 0; i < wavelengthIdx; i++ {
		if good[i] {
			shorter = i
		}
	}
	// Closest good fit at a longer wavelength.
	longer := -1
	for i := wavelengthIdx + 1; i < len(good); i++ {
		if good[i] {
			longer = i
			break
		}
	}

	var centers []float64
	sharedSum := make([]float64, len(guess))
	sharedN := make([]int, len(guess))
	accumulate := func(idx int) {
		anchor := pf.Histograms[idx]
		centers = append(centers, anchor.SignalCenter()*e.wavelengths[idx]/target)
		if anchor.Kind != candidate.Kind || anchor.Fit == nil {
			return
		}
		for j, v := range anchor.Fit.Params {
			if j == pCenter || j >= len(guess) {
				continue
			}
			sharedSum[j] += v
			sharedN[j]++
		}
	}
	if shorter >= 0 {
		accumulate(shorter)
	}
	if longer >= 0 {
		accumulate(longer)
	}
	if len(centers) == 0 {
		return guess
	}

	sum := 0.0
	for _, c := range centers {
		sum += c
	}
	guess[pCenter] = sum / float64(len(centers))
	for j := range guess {
		if sharedN[j] > 0 {
			guess[j] = sharedSum[j] / float64(sharedN[j])
		}
	}
	return guess
}

// assignBestHistogram selects the winner among the tried models: the
// lowest-AIC model with a good solution, or failing that the lowest-AIC
// model overall with a failure flag. Ties keep the model tried first.
func (e *Engine) assignBestHistogram(pf *PixelFit, wavelengthIdx int, tried []*HistogramModel) {
	if len(tried) == 0 {
		return
	}
	var bestGood, lowestAIC *HistogramModel
	for _, m := range tried {
		if m.HasGoodSolution() && (bestGood == nil || m.Fit.AIC < bestGood.Fit.AIC) {
			bestGood = m
		}
		if lowestAIC == nil || m.Fit.AIC < lowestAIC.Fit.AIC {
			lowestAIC = m
		}
	}

	if bestGood != nil {
		bestGood.Flag = FlagSuccess
		pf.Histograms[wavelengthIdx] = bestGood
		monitoring.Debugf("%v : %g nm : histogram model %v chosen as the best successful fit",
			bestGood.Pixel, bestGood.WavelengthNm, bestGood.Kind)
		return
	}
	if lowestAIC.Fit.Success {
		lowestAIC.Flag = FlagHistogramInvalid
	} else {
		lowestAIC.Flag = FlagHistogramNoConverge
	}
	pf.Histograms[wavelengthIdx] = lowestAIC
	monitoring.Debugf("%v : %g nm : histogram fit failed with all models",
		lowestAIC.Pixel, lowestAIC.WavelengthNm)
}

// FitCalibration fits the phase-to-energy curve through the good histogram
// centers of one pixel.
func (e *Engine) FitCalibration(pf *PixelFit) {
	cal := pf.Calibration
	good := e.goodHistogramMask(pf)

	var phases, variances, energies, sigmas []float64
	for i, w := range e.wavelengths {
		if !good[i] {
			continue
		}
		m := pf.Histograms[i]
		stderr := m.CenterStderr()
		if math.IsNaN(stderr) {
			stderr = 0
		}
		phases = append(phases, m.SignalCenter())
		variances = append(variances, stderr*stderr)
		energies = append(energies, units.WavelengthToEnergy(w))
		sigmas = append(sigmas, m.SignalSigma())
	}

	if len(phases) > 0 {
		cal.X = phases
		cal.Y = energies
		cal.Variance = variances
		argMin, argMax := 0, 0
		for i, p := range phases {
			if p < phases[argMin] {
				argMin = i
			}
			if p > phases[argMax] {
				argMax = i
			}
		}
		cal.MinX = phases[argMin] - 3*math.Sqrt(sigmas[argMin])
		cal.MaxX = phases[argMax] + 3*math.Sqrt(sigmas[argMax])
	}

	if len(phases) < 3 {
		cal.Flag = FlagCalTooFewPoints
		monitoring.Debugf("%v : %d data points is not enough to make a calibration",
			cal.Pixel, len(phases))
		return
	}

	if monotonicViolation(phases, variances) {
		cal.Flag = FlagCalNotMonotonic
		monitoring.Debugf("%v : fitted phase values are not monotonic enough to make a calibration",
			cal.Pixel)
		// Recorded, but a fit is still attempted.
	}

	var tried []*CalibrationModel
	for _, kind := range e.calKinds {
		candidate := cal.WithKind(kind)
		candidate.FitModel(candidate.Guess())
		tried = append(tried, candidate.Clone())
		if candidate.HasGoodSolution() {
			monitoring.Debugf("%v : phase-energy calibration fit successful with model %v",
				cal.Pixel, kind)
		}
	}
	e.assignBestCalibration(pf, tried)
}

// monotonicViolation checks whether successive phase centers, in ascending
// wavelength order, step backward by more than four combined sigmas.
// Genuine calibrations have phase rising toward zero as photon energy
// falls; a larger reversal means at least one histogram center is wrong.
func monotonicViolation(phases, variances []float64) bool {
	for i := 1; i < len(phases); i++ {
		sigma := math.Sqrt(variances[i-1]) + math.Sqrt(variances[i])
		if phases[i]-phases[i-1] < -4*sigma {
			return true
		}
	}
	return false
}

// assignBestCalibration mirrors assignBestHistogram for calibration models.
func (e *Engine) assignBestCalibration(pf *PixelFit, tried []*CalibrationModel) {
	if len(tried) == 0 {
		return
	}
	var bestGood, lowestAIC *CalibrationModel
	for _, m := range tried {
		if m.HasGoodSolution() && (bestGood == nil || m.Fit.AIC < bestGood.Fit.AIC) {
			bestGood = m
		}
		if lowestAIC == nil || m.Fit.AIC < lowestAIC.Fit.AIC {
			lowestAIC = m
		}
	}

	if bestGood != nil {
		bestGood.Flag = FlagCalSuccess
		pf.Calibration = bestGood
		monitoring.Debugf("%v : energy-phase calibration model %v chosen as the best successful fit",
			bestGood.Pixel, bestGood.Kind)
		return
	}
	if pf.Calibration.Flag == FlagCalNotMonotonic {
		// The reversal already explains the failure; keep the more
		// specific flag over the generic convergence ones.
		lowestAIC.Flag = FlagCalNotMonotonic
	} else if lowestAIC.Fit.Success {
		lowestAIC.Flag = FlagCalInvalid
	} else {
		lowestAIC.Flag = FlagCalNoConverge
	}
	pf.Calibration = lowestAIC
	monitoring.Debugf("%v : energy-phase calibration fit failed with all models", lowestAIC.Pixel)
}

// goodHistogramMask reports which wavelengths currently hold a good
// histogram solution.
func (e *Engine) goodHistogramMask(pf *PixelFit) []bool {
	good := make([]bool, len(pf.Histograms))
	for i, m := range pf.Histograms {
		good[i] = m.HasGoodSolution()
	}
	return good
}

func anyTrue(vals []bool) bool {
	for _, v := range vals {
		if v {
			return true
		}
	}
	return false
}

// Wavelengths returns the configured calibration wavelengths in ascending
// order.
func (e *Engine) Wavelengths() []float64 { return e.wavelengths }

func (e *Engine) String() string {
	return fmt.Sprintf("Engine(%d wavelengths, %d histogram kinds, %d calibration kinds)",
		len(e.wavelengths), len(e.histKinds), len(e.calKinds))
}
