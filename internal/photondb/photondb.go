// Package photondb stores and reads photon lists in sqlite. Each database
// file holds one laser exposure: the photons of a single wavelength plus
// the detector beam map.
package photondb

import (
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"

	_ "modernc.org/sqlite"

	"github.com/photonics-data/mkidcal/internal/wavecal"
)

// schema.sql creates the photon, metadata, and beam map tables.
//
//go:embed schema.sql
var schemaSQL string

const (
	metaWavelengthNm = "wavelength_nm"
	metaXPixels      = "x_pixels"
	metaYPixels      = "y_pixels"
)

// Writer creates photon database files.
type Writer struct {
	db *sql.DB
}

// NewWriter opens or creates a photon database and applies the schema.
func NewWriter(path string, wavelengthNm float64) (*Writer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening photon database %s: %w", path, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing photon database schema: %w", err)
	}
	w := &Writer{db: db}
	if err := w.setMeta(metaWavelengthNm, strconv.FormatFloat(wavelengthNm, 'g', -1, 64)); err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) setMeta(key, value string) error {
	_, err := w.db.Exec(`INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("writing metadata %s: %w", key, err)
	}
	return nil
}

// WriteBeamMap stores the detector beam map. An existing beam map is
// replaced.
func (w *Writer) WriteBeamMap(bm *wavecal.BeamMap) error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("starting beam map transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM beammap`); err != nil {
		return fmt.Errorf("clearing beam map: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO beammap (x, y, res_id, flag) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing beam map insert: %w", err)
	}
	defer stmt.Close()
	for x := 0; x < bm.XPixels; x++ {
		for y := 0; y < bm.YPixels; y++ {
			p := wavecal.Pixel{X: x, Y: y}
			if _, err := stmt.Exec(x, y, bm.ResID(p), bm.Flag(p)); err != nil {
				return fmt.Errorf("inserting beam map entry %v: %w", p, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing beam map: %w", err)
	}
	if err := w.setMeta(metaXPixels, strconv.Itoa(bm.XPixels)); err != nil {
		return err
	}
	return w.setMeta(metaYPixels, strconv.Itoa(bm.YPixels))
}

// AddPhotons appends photons for one resonator inside a single
// transaction, preserving the given order.
func (w *Writer) AddPhotons(resID uint32, photons []wavecal.Photon) error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("starting photon transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO photons (res_id, time_us, phase) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing photon insert: %w", err)
	}
	defer stmt.Close()
	for _, ph := range photons {
		if _, err := stmt.Exec(resID, ph.TimeUs, ph.Phase); err != nil {
			return fmt.Errorf("inserting photon for resonator %d: %w", resID, err)
		}
	}
	return tx.Commit()
}

// Close releases the database handle.
func (w *Writer) Close() error { return w.db.Close() }

// Reader reads one wavelength's photon database. It implements
// wavecal.PhotonSource and must not be shared between goroutines; each
// worker opens its own.
type Reader struct {
	db           *sql.DB
	path         string
	wavelengthNm float64
}

// NewReader opens a photon database for reading and validates its
// metadata.
func NewReader(path string) (*Reader, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening photon database %s: %w", path, err)
	}
	r := &Reader{db: db, path: path}
	raw, err := r.meta(metaWavelengthNm)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%s is not a photon database: %w", path, err)
	}
	r.wavelengthNm, err = strconv.ParseFloat(raw, 64)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%s has invalid wavelength %q: %w", path, raw, err)
	}
	return r, nil
}

func (r *Reader) meta(key string) (string, error) {
	var value string
	err := r.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return "", fmt.Errorf("reading metadata %s: %w", key, err)
	}
	return value, nil
}

// PhotonList returns the photons recorded for one resonator in insertion
// order. Resonators with no photons yield an empty list.
func (r *Reader) PhotonList(resID uint32) ([]wavecal.Photon, error) {
	rows, err := r.db.Query(`SELECT time_us, phase FROM photons WHERE res_id = ? ORDER BY rowid`, resID)
	if err != nil {
		return nil, fmt.Errorf("querying photons for resonator %d: %w", resID, err)
	}
	defer rows.Close()

	var photons []wavecal.Photon
	for rows.Next() {
		var ph wavecal.Photon
		if err := rows.Scan(&ph.TimeUs, &ph.Phase); err != nil {
			return nil, fmt.Errorf("scanning photon for resonator %d: %w", resID, err)
		}
		photons = append(photons, ph)
	}
	return photons, rows.Err()
}

// WavelengthNm returns the exposure's laser wavelength.
func (r *Reader) WavelengthNm() float64 { return r.wavelengthNm }

// BeamMap reads the detector beam map stored alongside the photons.
func (r *Reader) BeamMap() (*wavecal.BeamMap, error) {
	xs, err := r.meta(metaXPixels)
	if err != nil {
		return nil, err
	}
	ys, err := r.meta(metaYPixels)
	if err != nil {
		return nil, err
	}
	xPixels, err := strconv.Atoi(xs)
	if err != nil {
		return nil, fmt.Errorf("invalid x_pixels %q: %w", xs, err)
	}
	yPixels, err := strconv.Atoi(ys)
	if err != nil {
		return nil, fmt.Errorf("invalid y_pixels %q: %w", ys, err)
	}

	bm := wavecal.NewBeamMap(xPixels, yPixels)
	rows, err := r.db.Query(`SELECT x, y, res_id, flag FROM beammap`)
	if err != nil {
		return nil, fmt.Errorf("querying beam map: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var x, y int
		var resID uint32
		var flag uint8
		if err := rows.Scan(&x, &y, &resID, &flag); err != nil {
			return nil, fmt.Errorf("scanning beam map entry: %w", err)
		}
		bm.Set(wavecal.Pixel{X: x, Y: y}, resID, flag)
	}
	return bm, rows.Err()
}

// Close releases the database handle.
func (r *Reader) Close() error { return r.db.Close() }

var _ wavecal.PhotonSource = (*Reader)(nil)
