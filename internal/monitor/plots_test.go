package monitor

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/photonics-data/mkidcal/internal/config"
	"github.com/photonics-data/mkidcal/internal/wavecal"
)

func testSolution(t *testing.T) *wavecal.Solution {
	t.Helper()
	cfg := &config.Config{
		XPixels:       2,
		YPixels:       2,
		WavelengthsNm: []float64{650, 808, 920},
		PhotonFiles:   []string{"a", "b", "c"},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	bm := wavecal.NewBeamMap(2, 2)
	bm.Set(wavecal.Pixel{X: 0, Y: 0}, 10001, 0)
	bm.Set(wavecal.Pixel{X: 1, Y: 1}, 10002, 0)

	engine, err := wavecal.NewEngine(cfg)
	require.NoError(t, err)
	return wavecal.NewSolution(cfg, bm, engine)
}

func TestSummaryPlots(t *testing.T) {
	t.Parallel()

	s := testSolution(t)
	dir := t.TempDir()

	files, err := SummaryPlots(s, dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	for _, f := range files {
		assert.FileExists(t, f)
	}
}

func TestPixelPlot(t *testing.T) {
	t.Parallel()

	s := testSolution(t)
	path := filepath.Join(t.TempDir(), "pixel_0_0.png")
	require.NoError(t, PixelPlot(s, wavecal.Pixel{X: 0, Y: 0}, path))
	assert.FileExists(t, path)

	err := PixelPlot(s, wavecal.Pixel{X: 9, Y: 9}, path)
	assert.Error(t, err)
}
