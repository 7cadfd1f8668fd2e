package wavecal

// ModelFlag records why a per-pixel fit succeeded or failed. The numeric
// values are stable: they are persisted in solution archives and summarized
// by operators, so they must not be renumbered.
type ModelFlag uint8

// Histogram-model flags (0-9) and calibration-model flags (10-14).
const (
	FlagSuccess              ModelFlag = 0 // histogram fit converged and validated
	FlagNoPhotons            ModelFlag = 1 // fewer than 2 photons at this wavelength
	FlagTooHot               ModelFlag = 2 // count rate above the hot-pixel cut
	FlagTimeCutEmpty         ModelFlag = 3 // all photons removed by the dead-time cut
	FlagPhaseCutEmpty        ModelFlag = 4 // all photons removed by the negative-phase cut
	FlagTooFewBins           ModelFlag = 5 // histogram too coarse to constrain the model
	FlagHistogramNoConverge  ModelFlag = 6 // no model converged; lowest-AIC attempt kept
	FlagHistogramInvalid     ModelFlag = 7 // converged but failed physical validation
	FlagNotAttempted         ModelFlag = 9 // default state, nothing computed yet
	FlagCalSuccess           ModelFlag = 10 // calibration fit converged and validated
	FlagCalTooFewPoints      ModelFlag = 11 // fewer than 3 good histogram centers
	FlagCalNotMonotonic      ModelFlag = 12 // phase centers not monotonic enough
	FlagCalNoConverge        ModelFlag = 13 // no calibration model converged
	FlagCalInvalid           ModelFlag = 14 // converged but failed validation
)

// Good reports whether the flag marks a validated fit.
func (f ModelFlag) Good() bool {
	return f == FlagSuccess || f == FlagCalSuccess
}

func (f ModelFlag) String() string {
	switch f {
	case FlagSuccess:
		return "success"
	case FlagNoPhotons:
		return "no photons"
	case FlagTooHot:
		return "too hot"
	case FlagTimeCutEmpty:
		return "all photons removed by dead-time cut"
	case FlagPhaseCutEmpty:
		return "all photons removed by negative-phase cut"
	case FlagTooFewBins:
		return "not enough histogram bins"
	case FlagHistogramNoConverge:
		return "histogram fit did not converge"
	case FlagHistogramInvalid:
		return "histogram fit failed validation"
	case FlagNotAttempted:
		return "not attempted"
	case FlagCalSuccess:
		return "calibration success"
	case FlagCalTooFewPoints:
		return "not enough calibration points"
	case FlagCalNotMonotonic:
		return "calibration points not monotonic"
	case FlagCalNoConverge:
		return "calibration fit did not converge"
	case FlagCalInvalid:
		return "calibration fit failed validation"
	default:
		return "unknown flag"
	}
}
