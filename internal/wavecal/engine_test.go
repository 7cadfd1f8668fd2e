package wavecal

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEngineRejectsUnknownModels(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, 650, 808)
	cfg.HistogramModels = []string{"Lorentzian"}
	_, err := NewEngine(cfg)
	assert.Error(t, err)

	cfg = testConfig(t, 650, 808)
	cfg.CalibrationModels = []string{"Cubic"}
	_, err = NewEngine(cfg)
	assert.Error(t, err)
}

func TestNewPixelFitDefaults(t *testing.T) {
	t.Parallel()

	e := testEngine(t, 500, 650, 808)
	pf := e.NewPixelFit(Pixel{2, 3}, 10042)

	require.Len(t, pf.Histograms, 3)
	for i, m := range pf.Histograms {
		assert.Equal(t, FlagNotAttempted, m.Flag)
		assert.Equal(t, e.Wavelengths()[i], m.WavelengthNm)
		assert.Equal(t, uint32(10042), m.ResID)
	}
	assert.Equal(t, FlagNotAttempted, pf.Calibration.Flag)
}

// buildSyntheticPixel runs histogram construction for a pixel whose first
// nGood wavelengths have clean photon peaks and whose remainder are empty.
func buildSyntheticPixel(t *testing.T, e *Engine, nGood int) *PixelFit {
	t.Helper()
	rng := rand.New(rand.NewSource(99))
	pf := e.NewPixelFit(Pixel{0, 0}, 10001)
	for i, w := range e.Wavelengths() {
		var photons []Photon
		if i < nGood {
			photons = syntheticPhotons(rng, 2000, referencePhaseCenter(w), 6)
		}
		e.MakeHistogramAt(pf, i, photons)
	}
	return pf
}

func TestFitHistogramsEndToEnd(t *testing.T) {
	t.Parallel()

	e := testEngine(t, 500, 600, 700, 800, 900)
	pf := buildSyntheticPixel(t, e, 3)
	e.FitHistograms(pf)

	for i := 0; i < 3; i++ {
		m := pf.Histograms[i]
		assert.Equal(t, FlagSuccess, m.Flag, "wavelength %d", i)
		assert.InDelta(t, referencePhaseCenter(e.Wavelengths()[i]), m.SignalCenter(), 2.0)
	}
	for i := 3; i < 5; i++ {
		assert.Equal(t, FlagNoPhotons, pf.Histograms[i].Flag, "wavelength %d", i)
	}
}

func TestSecondPassRetriesCoarseHistograms(t *testing.T) {
	t.Parallel()

	e := testEngine(t, 500, 600)
	rng := rand.New(rand.NewSource(7))
	pf := e.NewPixelFit(Pixel{1, 1}, 10007)

	// The short wavelength gets a histogram with data but too few bins to
	// pass the first-pass cut.
	coarse := pf.Histograms[0]
	coarse.X = []float64{-100, -96, -92, -88, -84, -80}
	coarse.Y = []float64{50, 300, 500, 450, 200, 60}
	coarse.Variance = []float64{50, 300, 500, 450, 200, 60}
	coarse.BinWidth = 4
	require.Less(t, len(coarse.X), e.minBins)

	e.MakeHistogramAt(pf, 1, syntheticPhotons(rng, 2000, referencePhaseCenter(600), 6))

	e.FitHistograms(pf)

	// The long wavelength anchors the retry.
	require.True(t, pf.Histograms[1].HasGoodSolution())

	// The coarse histogram must have been refit in the second pass rather
	// than left parked on the too-few-bins flag.
	m := pf.Histograms[0]
	assert.NotEqual(t, FlagTooFewBins, m.Flag)
	require.NotNil(t, m.Fit)
}

func TestFitCalibrationEndToEnd(t *testing.T) {
	t.Parallel()

	e := testEngine(t, 500, 600, 700, 800, 900)
	pf := buildSyntheticPixel(t, e, 3)
	e.FitHistograms(pf)
	e.FitCalibration(pf)

	cal := pf.Calibration
	assert.Equal(t, FlagCalSuccess, cal.Flag)
	assert.Len(t, cal.X, 3, "exactly the three good centers")

	f := cal.CalibrationFunction()
	require.NotNil(t, f)
	// Energy falls as phase rises toward zero across the fitted domain.
	assert.Greater(t, f(cal.MinX), f(cal.MaxX))
}

func TestFitHistogramsIdempotent(t *testing.T) {
	t.Parallel()

	e := testEngine(t, 500, 600, 700)
	base := buildSyntheticPixel(t, e, 3)

	a := base.Clone()
	b := base.Clone()
	e.FitHistograms(a)
	e.FitHistograms(b)

	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("identical pixels fit differently:\n%s", diff)
	}
}

func TestFitCalibrationTooFewPoints(t *testing.T) {
	t.Parallel()

	e := testEngine(t, 500, 600, 700)
	pf := buildSyntheticPixel(t, e, 2)
	e.FitHistograms(pf)
	e.FitCalibration(pf)

	assert.Equal(t, FlagCalTooFewPoints, pf.Calibration.Flag)
	assert.Len(t, pf.Calibration.X, 2, "collected points are kept for inspection")
}

func TestMonotonicViolation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		phases    []float64
		variances []float64
		want      bool
	}{
		{
			// Decreases of 5 and 10 stay inside the -4*(2+2) = -16 band.
			name:      "gentle decrease tolerated",
			phases:    []float64{10, 5, -5},
			variances: []float64{4, 4, 4},
			want:      false,
		},
		{
			// The 20 -> 5 reversal of -15 exceeds -4*(1+1) = -8.
			name:      "large reversal flagged",
			phases:    []float64{10, 20, 5},
			variances: []float64{1, 1, 1},
			want:      true,
		},
		{
			name:      "ascending is fine",
			phases:    []float64{-90, -75, -60},
			variances: []float64{0.01, 0.01, 0.01},
			want:      false,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, monotonicViolation(tt.phases, tt.variances))
		})
	}
}

func TestFitCalibrationNonMonotonicStillFits(t *testing.T) {
	t.Parallel()

	e := testEngine(t, 500, 600, 700)
	pf := e.NewPixelFit(Pixel{0, 0}, 10001)
	// Hand-built good histograms with a hard phase reversal.
	pf.Histograms[0] = goodHistogramFixture(Pixel{0, 0}, 500, -60, 5, 0.1)
	pf.Histograms[1] = goodHistogramFixture(Pixel{0, 0}, 600, -30, 5, 0.1)
	pf.Histograms[2] = goodHistogramFixture(Pixel{0, 0}, 700, -90, 5, 0.1)

	e.FitCalibration(pf)
	// The reversal wins over any later success flag.
	assert.Equal(t, FlagCalNotMonotonic, pf.Calibration.Flag)
	assert.NotNil(t, pf.Calibration.Fit, "a fit is still attempted")
}

func TestInformedGuessScalesCenterByWavelength(t *testing.T) {
	t.Parallel()

	e := testEngine(t, 500, 1000)
	pf := e.NewPixelFit(Pixel{0, 0}, 10001)
	pf.Histograms[0] = goodHistogramFixture(Pixel{0, 0}, 500, -90, 5, 0.1)

	candidate := NewHistogramModel(GaussianHistogram, Pixel{0, 0}, 10001, 1000)
	candidate.X = []float64{-150, -100, -50, -1}
	candidate.Y = []float64{1, 80, 10, 1}
	candidate.Variance = []float64{1, 80, 10, 1}

	good := e.goodHistogramMask(pf)
	guess := e.informedGuess(pf, 1, candidate, good)
	// -90 at 500 nm scales to -45 at 1000 nm.
	assert.InDelta(t, -45, guess[pCenter], 1e-9)
}

func TestFitHistogramsRecoversForcedFailure(t *testing.T) {
	t.Parallel()

	e := testEngine(t, 500, 600)
	rng := rand.New(rand.NewSource(3))
	pf := e.NewPixelFit(Pixel{0, 0}, 10001)

	e.MakeHistogramAt(pf, 0, syntheticPhotons(rng, 2000, referencePhaseCenter(500), 6))
	e.MakeHistogramAt(pf, 1, syntheticPhotons(rng, 2000, referencePhaseCenter(600), 6))
	e.FitHistograms(pf)
	require.Equal(t, FlagSuccess, pf.Histograms[1].Flag)

	// A wavelength forced into a failed state must be recovered on re-run,
	// with the longer-wavelength fit available as an anchor.
	pf.Histograms[0].Flag = FlagHistogramNoConverge
	pf.Histograms[0].Fit.Success = false
	e.FitHistograms(pf)
	assert.Equal(t, FlagSuccess, pf.Histograms[0].Flag)
}

func TestPixelFitCloneIsDeep(t *testing.T) {
	t.Parallel()

	e := testEngine(t, 500, 600, 700)
	pf := buildSyntheticPixel(t, e, 3)
	e.FitHistograms(pf)

	c := pf.Clone()
	c.Histograms[0].Flag = FlagTooHot
	c.Calibration.Flag = FlagCalInvalid

	assert.NotEqual(t, FlagTooHot, pf.Histograms[0].Flag)
	assert.NotEqual(t, FlagCalInvalid, pf.Calibration.Flag)
}
