package wavecal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/photonics-data/mkidcal/internal/units"
)

// fillCalibrationData loads phase/energy points sampled from a known
// polynomial, lowest-order coefficients first.
func fillCalibrationData(m *CalibrationModel, phases []float64, coeffs []float64) {
	m.X = append([]float64(nil), phases...)
	m.Y = make([]float64, len(phases))
	m.Variance = make([]float64, len(phases))
	for i, x := range phases {
		y, pow := 0.0, 1.0
		for _, c := range coeffs {
			y += c * pow
			pow *= x
		}
		m.Y[i] = y
		m.Variance[i] = 0.01
	}
	m.MinX = phases[0] - 5
	m.MaxX = phases[len(phases)-1] + 5
}

func TestCalibrationModelKindFromName(t *testing.T) {
	t.Parallel()

	kind, err := CalibrationModelKindFromName("Linear")
	require.NoError(t, err)
	assert.Equal(t, LinearCalibration, kind)
	assert.Equal(t, 2, kind.ParamCount())

	kind, err = CalibrationModelKindFromName("Quadratic")
	require.NoError(t, err)
	assert.Equal(t, QuadraticCalibration, kind)
	assert.Equal(t, 3, kind.ParamCount())

	_, err = CalibrationModelKindFromName("Cubic")
	assert.Error(t, err)
}

func TestCalibrationGuessSolvesExactPolynomial(t *testing.T) {
	t.Parallel()

	m := NewCalibrationModel(LinearCalibration, Pixel{0, 0}, 1)
	fillCalibrationData(m, []float64{-90, -75, -60}, []float64{0.3, -0.02})
	g := m.Guess()
	require.Len(t, g, 2)
	assert.InDelta(t, 0.3, g[0], 1e-9)
	assert.InDelta(t, -0.02, g[1], 1e-9)

	q := NewCalibrationModel(QuadraticCalibration, Pixel{0, 0}, 1)
	fillCalibrationData(q, []float64{-90, -75, -60}, []float64{0.3, -0.02, 1e-4})
	g = q.Guess()
	require.Len(t, g, 3)
	assert.InDelta(t, 0.3, g[0], 1e-6)
	assert.InDelta(t, -0.02, g[1], 1e-6)
	assert.InDelta(t, 1e-4, g[2], 1e-8)
}

func TestCalibrationGuessDegenerateFallsBack(t *testing.T) {
	t.Parallel()

	// Repeated phases make the design matrix rank deficient.
	m := NewCalibrationModel(QuadraticCalibration, Pixel{0, 0}, 1)
	m.X = []float64{-80, -80, -80}
	m.Y = []float64{1, 2, 3}
	m.Variance = []float64{0.01, 0.01, 0.01}
	g := m.Guess()
	require.Len(t, g, 3)
	assert.True(t, allFinite(g))
}

func TestCalibrationFitRecoversCurve(t *testing.T) {
	t.Parallel()

	// Energies from real laser lines against a physical negative slope.
	phases := []float64{-90, -76, -65}
	m := NewCalibrationModel(LinearCalibration, Pixel{0, 0}, 1)
	m.X = phases
	m.Y = []float64{
		units.WavelengthToEnergy(650),
		units.WavelengthToEnergy(808),
		units.WavelengthToEnergy(920),
	}
	m.Variance = []float64{0.04, 0.04, 0.04}
	m.MinX = -95
	m.MaxX = -60

	m.FitModel(m.Guess())
	require.NotNil(t, m.Fit)
	assert.True(t, m.HasGoodSolution())

	f := m.CalibrationFunction()
	require.NotNil(t, f)
	assert.InDelta(t, units.WavelengthToEnergy(650), f(-90), 0.05)
	assert.Greater(t, f(-90), f(-65), "energy falls as phase rises")
}

func TestCalibrationRejectsPositiveSlope(t *testing.T) {
	t.Parallel()

	m := NewCalibrationModel(LinearCalibration, Pixel{0, 0}, 1)
	fillCalibrationData(m, []float64{-90, -75, -60}, []float64{1.0, 0.01})
	m.FitModel(m.Guess())
	require.NotNil(t, m.Fit)
	assert.False(t, m.HasGoodSolution())
}

func TestCalibrationInDomain(t *testing.T) {
	t.Parallel()

	m := NewCalibrationModel(LinearCalibration, Pixel{0, 0}, 1)
	m.MinX = -100
	m.MaxX = -20
	assert.True(t, m.InDomain(-100))
	assert.True(t, m.InDomain(-20))
	assert.True(t, m.InDomain(-60))
	assert.False(t, m.InDomain(-100.1))
	assert.False(t, m.InDomain(0))
}

func TestCalibrationFunctionNilWithoutFit(t *testing.T) {
	t.Parallel()

	m := NewCalibrationModel(LinearCalibration, Pixel{0, 0}, 1)
	assert.Nil(t, m.CalibrationFunction())
}
