package wavecal

import (
	"fmt"
	"math"
)

// Pixel addresses one detector element in beam-map coordinates.
type Pixel struct {
	X int
	Y int
}

func (p Pixel) String() string { return fmt.Sprintf("(%d, %d)", p.X, p.Y) }

// UnmappedResID is the beam-map sentinel for a pixel with no resonator
// assigned.
const UnmappedResID uint32 = math.MaxUint32

// FeedlineOf returns the feedline number encoded in a resonator id. Resonator
// ids are assigned as feedline*10000 + index.
func FeedlineOf(resID uint32) int { return int(resID / 10000) }

// Photon is a single detected photon event: arrival time in microseconds and
// raw pulse height ("phase") in detector degrees. Valid photon pulses are
// negative by convention.
type Photon struct {
	TimeUs int64
	Phase  float64
}

// PhotonSource provides read-only access to the photon list of one
// calibration-wavelength exposure. Implementations are not required to be
// safe for concurrent use, so each worker must own its handles exclusively.
type PhotonSource interface {
	// PhotonList returns the photon events recorded for a resonator.
	PhotonList(resID uint32) ([]Photon, error)
	// WavelengthNm reports the calibration wavelength of this exposure.
	WavelengthNm() float64
	Close() error
}

// SourceFactory opens a fresh PhotonSource for the configured wavelength
// index. Each worker calls it to obtain handles it owns exclusively.
type SourceFactory func(wavelengthIndex int) (PhotonSource, error)

// BeamMap maps pixel coordinates to resonator ids with a parallel hardware
// flag array. It is read once at startup and immutable afterward.
type BeamMap struct {
	XPixels int
	YPixels int
	// ResIDs and Flags are flat arrays indexed by Idx(pixel).
	ResIDs []uint32
	Flags  []uint8
}

// NewBeamMap allocates an unmapped beam map of the given dimensions.
func NewBeamMap(xPixels, yPixels int) *BeamMap {
	b := &BeamMap{
		XPixels: xPixels,
		YPixels: yPixels,
		ResIDs:  make([]uint32, xPixels*yPixels),
		Flags:   make([]uint8, xPixels*yPixels),
	}
	for i := range b.ResIDs {
		b.ResIDs[i] = UnmappedResID
	}
	return b
}

// Idx converts a pixel coordinate to the flat array index.
func (b *BeamMap) Idx(p Pixel) int { return p.X*b.YPixels + p.Y }

// Contains reports whether the pixel lies inside the array.
func (b *BeamMap) Contains(p Pixel) bool {
	return p.X >= 0 && p.X < b.XPixels && p.Y >= 0 && p.Y < b.YPixels
}

// ResID returns the resonator id at a pixel, or UnmappedResID when the pixel
// is out of bounds.
func (b *BeamMap) ResID(p Pixel) uint32 {
	if !b.Contains(p) {
		return UnmappedResID
	}
	return b.ResIDs[b.Idx(p)]
}

// Flag returns the hardware status flag at a pixel.
func (b *BeamMap) Flag(p Pixel) uint8 {
	if !b.Contains(p) {
		return 0
	}
	return b.Flags[b.Idx(p)]
}

// Set assigns a resonator id and flag to a pixel.
func (b *BeamMap) Set(p Pixel, resID uint32, flag uint8) {
	i := b.Idx(p)
	b.ResIDs[i] = resID
	b.Flags[i] = flag
}

// reverse builds the resID -> pixel lookup. The first mapping wins when a
// resonator id appears twice, matching read order.
func (b *BeamMap) reverse() map[uint32]Pixel {
	m := make(map[uint32]Pixel, len(b.ResIDs))
	for x := 0; x < b.XPixels; x++ {
		for y := 0; y < b.YPixels; y++ {
			p := Pixel{x, y}
			id := b.ResIDs[b.Idx(p)]
			if id == UnmappedResID {
				continue
			}
			if _, seen := m[id]; !seen {
				m[id] = p
			}
		}
	}
	return m
}
