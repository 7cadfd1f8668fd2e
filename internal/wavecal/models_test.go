package wavecal

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistogramModelKindFromName(t *testing.T) {
	t.Parallel()

	kind, err := HistogramModelKindFromName("GaussianAndExponential")
	require.NoError(t, err)
	assert.Equal(t, GaussianAndExponential, kind)
	assert.Equal(t, 5, kind.ParamCount())

	kind, err = HistogramModelKindFromName("Gaussian")
	require.NoError(t, err)
	assert.Equal(t, GaussianHistogram, kind)
	assert.Equal(t, 3, kind.ParamCount())

	_, err = HistogramModelKindFromName("Lorentzian")
	assert.Error(t, err)
}

// fillGaussianData writes noise-free model data into a histogram model.
func fillGaussianData(m *HistogramModel, amplitude, center, sigma float64) {
	for x := center - 30.0; x <= center+30.0; x += 2 {
		dx := x - center
		y := amplitude * math.Exp(-dx*dx/(2*sigma*sigma))
		m.X = append(m.X, x)
		m.Y = append(m.Y, y)
		m.Variance = append(m.Variance, math.Sqrt(y*y+0.25)-0.5)
	}
	m.BinWidth = 2
}

func TestHistogramFitRecoversGaussian(t *testing.T) {
	t.Parallel()

	m := NewHistogramModel(GaussianHistogram, Pixel{0, 0}, 1, 650)
	fillGaussianData(m, 500, -72, 5)

	m.FitModel(m.Guess(0))
	require.NotNil(t, m.Fit)
	require.True(t, m.HasGoodSolution())
	assert.InDelta(t, -72, m.SignalCenter(), 0.5)
	assert.InDelta(t, 5, m.SignalSigma(), 0.5)
	assert.Greater(t, m.Fit.NFev, 0)
}

func TestHistogramFitDeterministic(t *testing.T) {
	t.Parallel()

	a := NewHistogramModel(GaussianHistogram, Pixel{0, 0}, 1, 650)
	fillGaussianData(a, 450, -80, 6)
	b := a.Clone()

	a.FitModel(a.Guess(0))
	b.FitModel(b.Guess(0))
	if diff := cmp.Diff(a.Fit, b.Fit); diff != "" {
		t.Fatalf("identical inputs produced different fits:\n%s", diff)
	}
}

func TestGuessPerturbationsDiffer(t *testing.T) {
	t.Parallel()

	m := NewHistogramModel(GaussianHistogram, Pixel{0, 0}, 1, 650)
	fillGaussianData(m, 500, -72, 5)

	g0 := m.Guess(0)
	g1 := m.Guess(1)
	assert.NotEqual(t, g0[pCenter], g1[pCenter])
	assert.NotEqual(t, g0[pSigma], g1[pSigma])
	// Retries cycle deterministically.
	assert.Equal(t, g0, m.Guess(len(guessPerturbations)))
}

func TestWithKindCarriesDataClearsFit(t *testing.T) {
	t.Parallel()

	m := NewHistogramModel(GaussianAndExponential, Pixel{1, 2}, 77, 808)
	fillGaussianData(m, 500, -60, 5)
	m.FitModel(m.Guess(0))
	require.NotNil(t, m.Fit)

	g := m.WithKind(GaussianHistogram)
	assert.Equal(t, GaussianHistogram, g.Kind)
	assert.Equal(t, m.Pixel, g.Pixel)
	assert.Equal(t, m.WavelengthNm, g.WavelengthNm)
	assert.Equal(t, m.X, g.X)
	assert.Nil(t, g.Fit)

	same := m.WithKind(GaussianAndExponential)
	assert.Equal(t, GaussianAndExponential, same.Kind)
	assert.Nil(t, same.Fit)
	assert.NotNil(t, m.Fit, "original keeps its fit")
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()

	m := goodHistogramFixture(Pixel{0, 0}, 650, -90, 5, 0.3)
	c := m.Clone()
	c.Fit.Params[pCenter] = -10
	c.Flag = FlagHistogramInvalid

	assert.Equal(t, -90.0, m.SignalCenter())
	assert.Equal(t, FlagSuccess, m.Flag)
}

func TestHasGoodSolutionValidation(t *testing.T) {
	t.Parallel()

	base := func() *HistogramModel {
		return goodHistogramFixture(Pixel{0, 0}, 650, -90, 5, 0.3)
	}
	require.True(t, base().HasGoodSolution())

	tests := []struct {
		name   string
		mutate func(*HistogramModel)
	}{
		{"no fit", func(m *HistogramModel) { m.Fit = nil }},
		{"optimizer failed", func(m *HistogramModel) { m.Fit.Success = false }},
		{"no data", func(m *HistogramModel) { m.X, m.Y = nil, nil }},
		{"negative amplitude", func(m *HistogramModel) { m.Fit.Params[pAmplitude] = -1 }},
		{"negative sigma", func(m *HistogramModel) { m.Fit.Params[pSigma] = -2 }},
		{"center below range", func(m *HistogramModel) { m.Fit.Params[pCenter] = -200 }},
		{"center above range", func(m *HistogramModel) { m.Fit.Params[pCenter] = 0 }},
		{"non-finite param", func(m *HistogramModel) { m.Fit.Params[pAmplitude] = math.NaN() }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := base()
			tt.mutate(m)
			assert.False(t, m.HasGoodSolution())
		})
	}
}

func TestHasGoodSolutionRejectsNegativeBackground(t *testing.T) {
	t.Parallel()

	m := goodHistogramFixture(Pixel{0, 0}, 650, -90, 5, 0.3)
	m.Kind = GaussianAndExponential
	m.Fit.Params = []float64{100, -90, 5, -1, 0.1}
	assert.False(t, m.HasGoodSolution())

	m.Fit.Params = []float64{100, -90, 5, 1, 0.1}
	assert.True(t, m.HasGoodSolution())
}

func TestHalfMaxPhases(t *testing.T) {
	t.Parallel()

	m := goodHistogramFixture(Pixel{0, 0}, 650, -90, 5, 0.3)
	nhm, phm := m.HalfMaxPhases()
	hwhm := 5 * math.Sqrt(2*math.Ln2)
	assert.InDelta(t, -90-hwhm, nhm, 1e-12)
	assert.InDelta(t, -90+hwhm, phm, 1e-12)

	// The model evaluates to half its amplitude at both.
	f := m.HistogramFunction()
	require.NotNil(t, f)
	assert.InDelta(t, 50, f(nhm), 1e-9)
	assert.InDelta(t, 50, f(phm), 1e-9)
}
