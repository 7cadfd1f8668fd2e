// Package wavecal computes per-pixel wavelength calibrations for an MKID
// photon-counting detector array.
//
// The calibration proceeds in three per-pixel stages: pulse-height
// histograms are built from filtered photon lists for each calibration
// wavelength, each histogram is fit to a set of parametric models with
// cross-wavelength guess propagation and AIC model selection, and a
// phase-to-energy calibration curve is fit through the good histogram
// centers. Results accumulate in a Solution, a flat per-pixel arena that
// also owns the beam map and the query API used by downstream steps.
//
// Pixels are independent, so the Calibrator fans the work out over a
// bounded-channel worker pool. The Solution is only ever written by the
// orchestrating goroutine; workers fit private clones.
package wavecal
