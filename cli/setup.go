package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalcanvas"
	"github.com/petal-labs/petalcanvas/config"
	"github.com/petal-labs/petalcanvas/core"
	"github.com/petal-labs/petalcanvas/llmprovider"
	"github.com/petal-labs/petalcanvas/loader"
	"github.com/petal-labs/petalcanvas/media"
)

// newLogger builds the command logger from the persistent --verbose and
// --quiet flags. Logs go to stderr so stdout stays machine-readable.
func newLogger(cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")
	level := slog.LevelInfo
	switch {
	case quiet:
		level = slog.LevelError
	case verbose:
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func resolveConfig(cmd *cobra.Command) (config.File, error) {
	explicit, _ := cmd.Flags().GetString("config")
	cfg, _, err := config.Resolve(explicit)
	if err != nil {
		return config.File{}, exitError(exitConfig, "%v", err)
	}
	return cfg, nil
}

// NewGenerator builds the generator named by cfg.Generator.Mode.
func NewGenerator(cfg config.File, logger *slog.Logger) (core.Generator, error) {
	switch cfg.Generator.Mode {
	case config.ModeHTTP:
		gen, err := llmprovider.NewHTTPGenerator(llmprovider.HTTPConfig{
			Endpoint: cfg.Generator.Endpoint,
			Timeout:  cfg.Generator.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return gen, nil
	case config.ModeIris, "":
		models := llmprovider.DefaultModelMap()
		for k, v := range cfg.Provider.ModelMap {
			models[k] = v
		}
		gen, err := llmprovider.NewIrisGenerator(llmprovider.IrisConfig{
			Provider: cfg.Provider.Name,
			APIKey:   cfg.Provider.APIKey,
			Models:   models,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return gen, nil
	default:
		return nil, fmt.Errorf("unknown generator mode %q", cfg.Generator.Mode)
	}
}

// workspaceTemplate turns cfg into the per-workspace configuration shared by
// the run and serve commands.
func workspaceTemplate(cfg config.File, logger *slog.Logger) (petalcanvas.Config, error) {
	gen, err := NewGenerator(cfg, logger)
	if err != nil {
		return petalcanvas.Config{}, exitError(exitConfig, "creating generator: %v", err)
	}
	fetcher := media.NewFetcher(cfg.Media.FetchTimeout)
	fetcher.BlockPrivate = !cfg.Media.AllowPrivateNetworks
	images := media.NewCompressor(fetcher)
	if cfg.Media.MaxDimension > 0 {
		images.MaxDimension = cfg.Media.MaxDimension
	}
	if cfg.Media.JPEGQuality > 0 {
		images.Quality = cfg.Media.JPEGQuality
	}
	images.MaxPixels = cfg.Media.MaxPixels
	return petalcanvas.Config{
		Generator:       gen,
		DefaultModel:    cfg.Provider.DefaultModel,
		GenerateTimeout: cfg.Generator.Timeout,
		Fetcher:         fetcher,
		FrameExtractor:  media.NewFFmpegExtractor(fetcher, cfg.Media.FFmpegPath, cfg.Media.FFprobePath),
		MediaTimeout:    cfg.Media.ProcessTimeout,
		Images:          images,
		MaxRuns:         cfg.History.MaxRuns,
		Logger:          logger,
	}, nil
}

// loadDocument maps loader failures onto exit codes, printing diagnostics
// when the document is structurally invalid.
func loadDocument(w io.Writer, path string) (petalcanvas.Document, error) {
	doc, err := loader.Load(path)
	if err == nil {
		return doc, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return doc, exitError(exitFileNotFound, "file not found: %s", path)
	}
	var diagErr *loader.DiagnosticError
	if errors.As(err, &diagErr) {
		printDiagnosticsText(w, diagErr.Diagnostics)
		return doc, exitError(exitValidation, "validation failed")
	}
	return doc, exitError(exitValidation, "%v", err)
}
