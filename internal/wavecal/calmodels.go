package wavecal

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// CalibrationModelKind enumerates the supported phase-to-energy calibration
// curves.
type CalibrationModelKind int

const (
	// LinearCalibration is E = m*phase + b.
	LinearCalibration CalibrationModelKind = iota
	// QuadraticCalibration is E = a*phase^2 + m*phase + b.
	QuadraticCalibration
)

var calibrationModelNames = map[string]CalibrationModelKind{
	"Linear":    LinearCalibration,
	"Quadratic": QuadraticCalibration,
}

// CalibrationModelKindFromName resolves a configured model name.
func CalibrationModelKindFromName(name string) (CalibrationModelKind, error) {
	kind, ok := calibrationModelNames[name]
	if !ok {
		return 0, fmt.Errorf("unknown calibration model %q", name)
	}
	return kind, nil
}

func (k CalibrationModelKind) String() string {
	switch k {
	case LinearCalibration:
		return "Linear"
	case QuadraticCalibration:
		return "Quadratic"
	default:
		return fmt.Sprintf("CalibrationModelKind(%d)", int(k))
	}
}

// ParamCount returns the number of free parameters. Coefficients are stored
// lowest order first: [b, m] and [b, m, a].
func (k CalibrationModelKind) ParamCount() int {
	if k == QuadraticCalibration {
		return 3
	}
	return 2
}

// CalibrationModel is the mutable fit state for one pixel's phase-to-energy
// curve. X holds the fitted histogram phase centers, Y the known photon
// energies, and Variance the squared center uncertainties. The measurement
// errors are on X, not Y: the energies are exact laser lines.
type CalibrationModel struct {
	Kind  CalibrationModelKind
	Pixel Pixel
	ResID uint32

	X        []float64
	Y        []float64
	Variance []float64

	// MinX, MaxX bound the phase domain over which the calibration is
	// considered valid.
	MinX float64
	MaxX float64

	Fit  *FitResult
	Flag ModelFlag
}

// NewCalibrationModel creates a model in the "not attempted" state.
func NewCalibrationModel(kind CalibrationModelKind, pixel Pixel, resID uint32) *CalibrationModel {
	return &CalibrationModel{
		Kind:  kind,
		Pixel: pixel,
		ResID: resID,
		Flag:  FlagNotAttempted,
	}
}

// WithKind returns a model of a different kind carrying over identity, data,
// and domain but no fit state.
func (m *CalibrationModel) WithKind(kind CalibrationModelKind) *CalibrationModel {
	c := m.Clone()
	c.Kind = kind
	c.Fit = nil
	return c
}

// Clone deep-copies the fit state; the data arrays are shared.
func (m *CalibrationModel) Clone() *CalibrationModel {
	c := *m
	c.Fit = cloneFitResult(m.Fit)
	return &c
}

// HasData reports whether calibration points have been collected.
func (m *CalibrationModel) HasData() bool { return len(m.X) > 0 }

// evaluate computes the curve at phase x for a coefficient vector.
func (m *CalibrationModel) evaluate(params []float64, x float64) float64 {
	e := params[0] + params[1]*x
	if m.Kind == QuadraticCalibration {
		e += params[2] * x * x
	}
	return e
}

// derivative computes dE/dphase at x for a coefficient vector.
func (m *CalibrationModel) derivative(params []float64, x float64) float64 {
	d := params[1]
	if m.Kind == QuadraticCalibration {
		d += 2 * params[2] * x
	}
	return d
}

// Guess solves the unweighted normal equations for the polynomial
// coefficients. With at most a handful of points this is deterministic and
// close enough that Nelder-Mead converges reliably.
func (m *CalibrationModel) Guess() []float64 {
	k := m.Kind.ParamCount()
	params := make([]float64, k)
	n := len(m.X)
	if n == 0 {
		return params
	}

	a := mat.NewDense(n, k, nil)
	b := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		pow := 1.0
		for j := 0; j < k; j++ {
			a.Set(i, j, pow)
			pow *= m.X[i]
		}
		b.SetVec(i, m.Y[i])
	}
	var sol mat.VecDense
	if err := sol.SolveVec(a, b); err != nil {
		// Degenerate design matrix; fall back to a flat line through the
		// mean energy.
		mean := 0.0
		for _, y := range m.Y {
			mean += y
		}
		params[0] = mean / float64(n)
		return params
	}
	for j := 0; j < k; j++ {
		params[j] = sol.AtVec(j)
	}
	return params
}

// FitModel runs the x-errors least-squares fit: residuals are weighted by
// the energy uncertainty each phase uncertainty induces through the local
// slope of the model curve.
func (m *CalibrationModel) FitModel(guess []float64) {
	x, y, variance := m.X, m.Y, m.Variance
	resid := func(p []float64) []float64 {
		out := make([]float64, len(x))
		for i := range x {
			slope := m.derivative(p, x[i])
			varY := slope * slope * variance[i]
			if varY < 1e-12 {
				varY = 1e-12
			}
			out[i] = (y[i] - m.evaluate(p, x[i])) / math.Sqrt(varY)
		}
		return out
	}
	m.Fit = leastSquares(resid, guess, len(x))
}

// HasGoodSolution reports whether the fit converged and the calibration
// curve is strictly decreasing across its validity domain. Energy falls as
// phase rises toward zero, so a physical calibration always has a negative
// slope on [MinX, MaxX].
func (m *CalibrationModel) HasGoodSolution() bool {
	if m.Fit == nil || !m.Fit.Success || !m.HasData() {
		return false
	}
	p := m.Fit.Params
	if !allFinite(p) {
		return false
	}
	// A polynomial derivative of degree <= 1 is monotonic, so checking the
	// endpoints covers the whole interval.
	if m.derivative(p, m.MinX) >= 0 || m.derivative(p, m.MaxX) >= 0 {
		return false
	}
	return true
}

// CalibrationFunction returns the fitted phase-to-energy conversion, or nil
// when no fit exists.
func (m *CalibrationModel) CalibrationFunction() func(phase float64) float64 {
	if m.Fit == nil {
		return nil
	}
	params := append([]float64(nil), m.Fit.Params...)
	return func(x float64) float64 { return m.evaluate(params, x) }
}

// InDomain reports whether a phase lies inside the validity domain.
func (m *CalibrationModel) InDomain(phase float64) bool {
	return phase >= m.MinX && phase <= m.MaxX
}
