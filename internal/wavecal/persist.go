package wavecal

import (
	"compress/gzip"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/photonics-data/mkidcal/internal/config"
	"github.com/photonics-data/mkidcal/internal/fsutil"
	"github.com/photonics-data/mkidcal/internal/monitoring"
)

// archiveVersion is bumped whenever solutionArchive changes incompatibly.
const archiveVersion = 1

// archiveMagic distinguishes solution files from arbitrary gzip streams.
const archiveMagic = "mkidcal-solution"

// ErrNotSolution is returned by LoadSolution when the file is readable but
// is not a solution archive.
var ErrNotSolution = errors.New("not a wavelength calibration solution file")

// solutionArchive is the on-disk form of a Solution. The fit arena is
// stored flat in the same x*YPixels+y order the Solution uses in memory.
type solutionArchive struct {
	Magic     string
	Version   int
	RunID     uuid.UUID
	CreatedAt time.Time
	Config    *config.Config
	BeamMap   *BeamMap
	Fits      []*PixelFit
}

// Save writes the solution to path as a gzip-compressed gob archive. The
// write goes through a temp file in the same directory and renames into
// place, so readers never observe a partial archive.
func (s *Solution) Save(path string) error {
	start := time.Now()
	if err := fsutil.EnsureDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("creating solution directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".wcal-*")
	if err != nil {
		return fmt.Errorf("creating temp solution file: %w", err)
	}
	defer os.Remove(tmp.Name())

	// The archive aliases the live arena, so the read lock is held for the
	// whole encode: a checkpoint taken mid-run must not observe fits the
	// merge goroutine is concurrently installing.
	gz := gzip.NewWriter(tmp)
	s.mu.RLock()
	arch := solutionArchive{
		Magic:     archiveMagic,
		Version:   archiveVersion,
		RunID:     uuid.New(),
		CreatedAt: time.Now().UTC(),
		Config:    s.cfg,
		BeamMap:   s.beamMap,
		Fits:      s.fits,
	}
	encodeErr := gob.NewEncoder(gz).Encode(&arch)
	s.mu.RUnlock()
	if encodeErr != nil {
		tmp.Close()
		return fmt.Errorf("encoding solution: %w", encodeErr)
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("compressing solution: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp solution file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("installing solution file: %w", err)
	}
	monitoring.Logf("saved solution %s to %s in %v", arch.RunID, path, time.Since(start).Round(time.Millisecond))
	return nil
}

// LoadSolution reads a solution archive written by Save. The returned
// solution is fully queryable; the engine is rebuilt from the stored
// configuration.
func LoadSolution(path string) (*Solution, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening solution file: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, ErrNotSolution)
	}
	defer gz.Close()

	var arch solutionArchive
	if err := gob.NewDecoder(gz).Decode(&arch); err != nil {
		return nil, fmt.Errorf("%s: %w", path, ErrNotSolution)
	}
	if arch.Magic != archiveMagic {
		return nil, fmt.Errorf("%s: %w", path, ErrNotSolution)
	}
	if arch.Version != archiveVersion {
		return nil, fmt.Errorf("%s: unsupported solution archive version %d", path, arch.Version)
	}
	if arch.BeamMap == nil || arch.Config == nil {
		return nil, fmt.Errorf("%s: %w", path, ErrNotSolution)
	}
	if len(arch.Fits) != arch.BeamMap.XPixels*arch.BeamMap.YPixels {
		return nil, fmt.Errorf("%s: fit arena has %d entries for a %dx%d array",
			path, len(arch.Fits), arch.BeamMap.XPixels, arch.BeamMap.YPixels)
	}

	engine, err := NewEngine(arch.Config)
	if err != nil {
		return nil, fmt.Errorf("rebuilding engine from stored config: %w", err)
	}
	s := &Solution{
		cfg:     arch.Config,
		beamMap: arch.BeamMap,
		engine:  engine,
		fits:    arch.Fits,
		byResID: arch.BeamMap.reverse(),
	}
	monitoring.Logf("loaded solution %s (%dx%d array, %d wavelengths) from %s",
		arch.RunID, arch.BeamMap.XPixels, arch.BeamMap.YPixels, len(arch.Config.WavelengthsNm), path)
	return s, nil
}
