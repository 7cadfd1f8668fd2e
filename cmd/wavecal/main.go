// Command wavecal runs a wavelength calibration over a set of photon
// databases and writes the resulting solution file.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/photonics-data/mkidcal/internal/config"
	"github.com/photonics-data/mkidcal/internal/monitor"
	"github.com/photonics-data/mkidcal/internal/monitoring"
	"github.com/photonics-data/mkidcal/internal/photondb"
	"github.com/photonics-data/mkidcal/internal/version"
	"github.com/photonics-data/mkidcal/internal/wavecal"
)

var (
	configPath  = flag.String("config", "wavecal.json", "Calibration configuration file")
	outDir      = flag.String("out", "", "Override the configured output directory")
	sequential  = flag.Bool("sequential", false, "Force single-threaded processing")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		log.Printf("wavecal %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *outDir != "" {
		cfg.OutDirectory = *outDir
	}
	if *sequential {
		cfg.Parallel = false
	}
	if cfg.Verbose {
		monitoring.SetDebugLogger(log.Printf)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("wavecal: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	// The beam map is stored in every photon database; read it from the
	// first and trust the writer kept them consistent.
	first, err := photondb.NewReader(cfg.PhotonFiles[0])
	if err != nil {
		return err
	}
	beamMap, err := first.BeamMap()
	if err != nil {
		first.Close()
		return err
	}
	if err := first.Close(); err != nil {
		return err
	}

	newSource := func(i int) (wavecal.PhotonSource, error) {
		return photondb.NewReader(cfg.PhotonFiles[i])
	}
	cal, err := wavecal.NewCalibrator(cfg, beamMap, newSource)
	if err != nil {
		return err
	}

	solutionPath := filepath.Join(cfg.OutDirectory, cfg.SolutionName)
	interval, err := cfg.Checkpoint()
	if err != nil {
		return err
	}
	if interval > 0 {
		flusher := wavecal.NewCheckpointFlusher(wavecal.CheckpointFlusherConfig{
			Interval: interval,
			Path:     solutionPath,
		}, cal.Solution())
		flusher.Start()
		defer flusher.Stop()
	}

	if err := cal.Run(ctx); err != nil {
		return err
	}
	if err := cal.Solution().Save(solutionPath); err != nil {
		return err
	}
	monitoring.Logf("solution written to %s", solutionPath)

	if cfg.SummaryPlot {
		if _, err := monitor.SummaryPlots(cal.Solution(), cfg.OutDirectory); err != nil {
			return err
		}
	}
	return nil
}
