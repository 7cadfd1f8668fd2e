// Command gen-photons writes a synthetic calibration dataset: one photon
// database per laser wavelength plus a matching configuration file. Useful
// for exercising the pipeline without detector hardware.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/photonics-data/mkidcal/internal/config"
	"github.com/photonics-data/mkidcal/internal/fsutil"
	"github.com/photonics-data/mkidcal/internal/photondb"
	"github.com/photonics-data/mkidcal/internal/wavecal"
)

var (
	outDir      = flag.String("out", "synthetic", "Output directory")
	xPixels     = flag.Int("x", 8, "Array width in pixels")
	yPixels     = flag.Int("y", 8, "Array height in pixels")
	wavelengths = flag.String("wavelengths", "650,808,920", "Comma-separated laser wavelengths in nm")
	nPhotons    = flag.Int("photons", 2000, "Photons per pixel per wavelength")
	seed        = flag.Int64("seed", 1, "Random seed")
)

// referenceWavelength sets the phase scale: a photon at this wavelength
// lands near -90 degrees, and pulse height scales with photon energy.
const referenceWavelength = 650.0

func main() {
	flag.Parse()

	ws, err := parseWavelengths(*wavelengths)
	if err != nil {
		log.Fatalf("bad -wavelengths: %v", err)
	}
	if err := fsutil.EnsureDir(*outDir); err != nil {
		log.Fatalf("creating output directory: %v", err)
	}

	beamMap := wavecal.NewBeamMap(*xPixels, *yPixels)
	for x := 0; x < *xPixels; x++ {
		for y := 0; y < *yPixels; y++ {
			resID := uint32(10000 + x*(*yPixels) + y)
			beamMap.Set(wavecal.Pixel{X: x, Y: y}, resID, 0)
		}
	}

	rng := rand.New(rand.NewSource(*seed))
	var files []string
	for _, w := range ws {
		path := filepath.Join(*outDir, fmt.Sprintf("%.0fnm.pdb", w))
		if err := writeExposure(path, w, beamMap, rng); err != nil {
			log.Fatalf("writing %s: %v", path, err)
		}
		files = append(files, path)
		log.Printf("wrote %s", path)
	}

	cfg := &config.Config{
		XPixels:       *xPixels,
		YPixels:       *yPixels,
		WavelengthsNm: ws,
		PhotonFiles:   files,
		Parallel:      true,
		OutDirectory:  *outDir,
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("generated config invalid: %v", err)
	}
	cfgPath := filepath.Join(*outDir, "wavecal.json")
	if err := cfg.Save(cfgPath); err != nil {
		log.Fatalf("writing config: %v", err)
	}
	log.Printf("wrote %s", cfgPath)
}

func parseWavelengths(spec string) ([]float64, error) {
	var ws []float64
	for _, part := range strings.Split(spec, ",") {
		w, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, err
		}
		if w <= 0 {
			return nil, fmt.Errorf("wavelength must be positive, got %v", w)
		}
		ws = append(ws, w)
	}
	return ws, nil
}

// writeExposure generates one wavelength's photon list for every mapped
// pixel. Pulse heights form a Gaussian peak whose center scales with
// photon energy, over a weak exponential noise tail near zero phase.
func writeExposure(path string, wavelengthNm float64, beamMap *wavecal.BeamMap, rng *rand.Rand) (err error) {
	w, err := photondb.NewWriter(path, wavelengthNm)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := w.WriteBeamMap(beamMap); err != nil {
		return err
	}

	center := -90.0 * referenceWavelength / wavelengthNm
	for x := 0; x < beamMap.XPixels; x++ {
		for y := 0; y < beamMap.YPixels; y++ {
			p := wavecal.Pixel{X: x, Y: y}
			resID := beamMap.ResID(p)
			if resID == wavecal.UnmappedResID {
				continue
			}
			photons := make([]wavecal.Photon, 0, *nPhotons)
			t := int64(0)
			for i := 0; i < *nPhotons; i++ {
				// Exponential inter-arrival times keep the count rate
				// well under the hot-pixel cut.
				t += int64(rng.ExpFloat64()*20000) + 1
				phase := center + rng.NormFloat64()*8
				if i%20 == 0 {
					// Background event riding the noise tail.
					phase = -math.Abs(rng.ExpFloat64() * 10)
				}
				if phase >= 0 {
					phase = -1
				}
				photons = append(photons, wavecal.Photon{TimeUs: t, Phase: phase})
			}
			if err := w.AddPhotons(resID, photons); err != nil {
				return err
			}
		}
	}
	return nil
}
