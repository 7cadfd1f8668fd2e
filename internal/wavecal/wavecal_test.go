package wavecal

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/photonics-data/mkidcal/internal/config"
)

// testConfig builds a validated configuration for the given wavelengths
// with placeholder photon files.
func testConfig(t *testing.T, wavelengths ...float64) *config.Config {
	t.Helper()
	files := make([]string, len(wavelengths))
	for i := range files {
		files[i] = "unused"
	}
	cfg := &config.Config{
		XPixels:       4,
		YPixels:       4,
		WavelengthsNm: wavelengths,
		PhotonFiles:   files,
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func testEngine(t *testing.T, wavelengths ...float64) *Engine {
	t.Helper()
	e, err := NewEngine(testConfig(t, wavelengths...))
	require.NoError(t, err)
	return e
}

// syntheticPhotons generates a photon list whose pulse heights form a
// Gaussian peak at the given center. Arrival times are spaced 1000 us
// apart, keeping the count rate at 1000 cps and every gap past the default
// dead time.
func syntheticPhotons(rng *rand.Rand, n int, center, sigma float64) []Photon {
	photons := make([]Photon, n)
	for i := range photons {
		phase := center + rng.NormFloat64()*sigma
		if phase >= 0 {
			phase = -math.SmallestNonzeroFloat64
		}
		photons[i] = Photon{TimeUs: int64(i+1) * 1000, Phase: phase}
	}
	return photons
}

// referencePhaseCenter maps a wavelength to the phase center a synthetic
// pixel responds with: pulse height proportional to photon energy, with a
// 500 nm photon landing at -90 degrees.
func referencePhaseCenter(wavelengthNm float64) float64 {
	return -90 * 500 / wavelengthNm
}

// goodHistogramFixture builds a histogram model carrying data and a
// validated fit without running the optimizer. Center must lie inside the
// data range for HasGoodSolution to hold.
func goodHistogramFixture(pixel Pixel, wavelengthNm, center, sigma, centerStderr float64) *HistogramModel {
	m := NewHistogramModel(GaussianHistogram, pixel, 10001, wavelengthNm)
	m.X = []float64{-150, -100, -50, -1}
	m.Y = []float64{1, 10, 5, 1}
	m.Variance = []float64{1, 10, 5, 1}
	m.BinWidth = 2
	m.Fit = &FitResult{
		Params:  []float64{100, center, sigma},
		Stderr:  []float64{1, centerStderr, 0.5},
		Success: true,
	}
	m.Flag = FlagSuccess
	return m
}
