package wavecal

// MemorySource is an in-memory PhotonSource, used by tests and synthetic
// data generation.
type MemorySource struct {
	Wavelength float64
	Photons    map[uint32][]Photon
}

// NewMemorySource creates an empty source for one wavelength.
func NewMemorySource(wavelengthNm float64) *MemorySource {
	return &MemorySource{Wavelength: wavelengthNm, Photons: map[uint32][]Photon{}}
}

// Add appends photons for a resonator.
func (s *MemorySource) Add(resID uint32, photons ...Photon) {
	s.Photons[resID] = append(s.Photons[resID], photons...)
}

// PhotonList returns the photons recorded for a resonator. Unknown
// resonators yield an empty list, matching a detector readout that saw
// nothing on that channel.
func (s *MemorySource) PhotonList(resID uint32) ([]Photon, error) {
	return s.Photons[resID], nil
}

// WavelengthNm returns the source's laser wavelength.
func (s *MemorySource) WavelengthNm() float64 { return s.Wavelength }

// Close is a no-op for in-memory sources.
func (s *MemorySource) Close() error { return nil }
