package wavecal

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// FitResult holds the outcome of one weighted least-squares minimization.
type FitResult struct {
	// Params are the best-fit parameter values.
	Params []float64
	// Stderr are 1-sigma parameter uncertainties from the inverse curvature
	// at the optimum. Zero when the covariance could not be derived.
	Stderr []float64
	// Chi2 is the weighted sum of squared residuals at the optimum.
	Chi2 float64
	// AIC ranks competing models: n*ln(chi2/n) + 2k.
	AIC float64
	// Success reports whether the optimizer converged.
	Success bool
	// NFev is the number of objective evaluations used.
	NFev int
}

// residualFunc returns weighted residuals (one per data point) for a
// parameter vector. The objective minimized is the sum of their squares.
type residualFunc func(params []float64) []float64

// leastSquares minimizes a weighted residual function with Nelder-Mead from
// a deterministic starting point. The optimizer carries no randomness, so
// identical inputs always produce bit-identical results.
func leastSquares(resid residualFunc, guess []float64, n int) *FitResult {
	chi2 := func(p []float64) float64 {
		sum := 0.0
		for _, r := range resid(p) {
			sum += r * r
		}
		if math.IsNaN(sum) {
			return math.Inf(1)
		}
		return sum
	}

	problem := optimize.Problem{Func: chi2}
	settings := &optimize.Settings{
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-12,
			Iterations: 100,
		},
		FuncEvaluations: 20000,
	}

	start := make([]float64, len(guess))
	copy(start, guess)

	result, err := optimize.Minimize(problem, start, settings, &optimize.NelderMead{})
	fit := &FitResult{}
	if result != nil {
		fit.Params = result.X
		fit.Chi2 = result.F
		fit.NFev = result.Stats.FuncEvaluations
	} else {
		fit.Params = start
		fit.Chi2 = chi2(start)
	}
	fit.Success = err == nil && result != nil &&
		result.Status != optimize.Failure && allFinite(fit.Params) && !math.IsInf(fit.Chi2, 0)
	fit.AIC = akaike(fit.Chi2, n, len(guess))
	fit.Stderr = paramStderr(resid, fit.Params)
	return fit
}

// akaike computes the information criterion used to rank model fits. This is
// the least-squares form: only differences between models on the same data
// are meaningful.
func akaike(chi2 float64, n, k int) float64 {
	if n <= 0 {
		return math.Inf(1)
	}
	per := chi2 / float64(n)
	if per < 1e-300 {
		per = 1e-300
	}
	return float64(n)*math.Log(per) + 2*float64(k)
}

// paramStderr estimates parameter uncertainties from the Gauss-Newton
// curvature (J'J)^-1 of the weighted residuals at the optimum using a
// central-difference Jacobian. Returns zeros when the curvature matrix is
// not positive definite.
func paramStderr(resid residualFunc, params []float64) []float64 {
	k := len(params)
	stderr := make([]float64, k)
	r0 := resid(params)
	n := len(r0)
	if n == 0 || n < k {
		return stderr
	}

	jac := mat.NewDense(n, k, nil)
	p := make([]float64, k)
	for j := 0; j < k; j++ {
		h := 1e-6 * (1 + math.Abs(params[j]))
		copy(p, params)
		p[j] = params[j] + h
		rPlus := resid(p)
		p[j] = params[j] - h
		rMinus := resid(p)
		for i := 0; i < n; i++ {
			jac.Set(i, j, (rPlus[i]-rMinus[i])/(2*h))
		}
	}

	var jtj mat.SymDense
	jtj.SymOuterK(1, jac.T())
	var chol mat.Cholesky
	if !chol.Factorize(&jtj) {
		return stderr
	}
	var cov mat.SymDense
	if err := chol.InverseTo(&cov); err != nil {
		return stderr
	}
	for j := 0; j < k; j++ {
		v := cov.At(j, j)
		if v > 0 && !math.IsInf(v, 0) {
			stderr[j] = math.Sqrt(v)
		}
	}
	return stderr
}

func allFinite(vals []float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// cloneFitResult deep-copies a fit result so tried-model ledgers stay
// independent of later refits.
func cloneFitResult(f *FitResult) *FitResult {
	if f == nil {
		return nil
	}
	c := *f
	c.Params = append([]float64(nil), f.Params...)
	c.Stderr = append([]float64(nil), f.Stderr...)
	return &c
}
