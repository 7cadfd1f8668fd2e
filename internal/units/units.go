// Package units provides physical constants and conversions shared by the
// calibration pipeline. Energies are in eV, wavelengths in nm, arrival times
// in microseconds, and raw pulse heights ("phase") in detector degrees.
package units

import "math"

// Physical constants (CODATA 2018).
const (
	// PlanckEVs is Planck's constant in eV*s.
	PlanckEVs = 4.135667696e-15
	// SpeedOfLightNmPerS is the speed of light in nm/s.
	SpeedOfLightNmPerS = 2.99792458e17
	// HCeVnm is h*c in eV*nm, the only combination the calibration needs.
	HCeVnm = PlanckEVs * SpeedOfLightNmPerS
)

// MicrosecondsPerSecond converts event-time spans to rates.
const MicrosecondsPerSecond = 1e6

// WavelengthToEnergy converts a calibration wavelength in nm to photon
// energy in eV.
func WavelengthToEnergy(wavelengthNm float64) float64 {
	return HCeVnm / wavelengthNm
}

// EnergyToWavelength is the inverse of WavelengthToEnergy.
func EnergyToWavelength(energyEV float64) float64 {
	return HCeVnm / energyEV
}

// CountRateCPS returns the instantaneous count rate in counts per second for
// n events spanning [firstUs, lastUs] in microseconds. Returns +Inf when the
// span is zero so hot-pixel cuts trip instead of dividing by zero.
func CountRateCPS(n int, firstUs, lastUs int64) float64 {
	span := float64(lastUs - firstUs)
	if span <= 0 {
		return math.Inf(1)
	}
	return float64(n) * MicrosecondsPerSecond / span
}
