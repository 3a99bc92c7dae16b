// Package config loads petalcanvas.yaml: generator, media, history, server and
// telemetry settings shared by the CLI commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "petalcanvas.yaml"
	homeConfigDir     = ".petalcanvas"
	homeConfigName    = "config.yaml"
)

// Environment overrides.
const (
	EnvAPIKey       = "PETALCANVAS_API_KEY"
	EnvOTLPEndpoint = "PETALCANVAS_OTLP_ENDPOINT"
	EnvSQLitePath   = "PETALCANVAS_SQLITE_PATH"
)

// Generator modes.
const (
	ModeIris = "iris"
	ModeHTTP = "http"
)

// File is the shape of petalcanvas.yaml.
type File struct {
	Provider  ProviderConfig  `yaml:"provider"`
	Generator GeneratorConfig `yaml:"generator"`
	Media     MediaConfig     `yaml:"media"`
	History   HistoryConfig   `yaml:"history"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ProviderConfig selects the iris provider behind model-invocation nodes.
type ProviderConfig struct {
	Name         string            `yaml:"name"`
	APIKey       string            `yaml:"api_key,omitempty"`
	ModelMap     map[string]string `yaml:"model_map,omitempty"`
	DefaultModel string            `yaml:"default_model,omitempty"`
}

// GeneratorConfig chooses how generation requests are served.
type GeneratorConfig struct {
	// Mode is "iris" (chat provider, text only) or "http" (remote backend,
	// forwards images).
	Mode     string        `yaml:"mode"`
	Endpoint string        `yaml:"endpoint,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}

// MediaConfig tunes media fetching, compression and frame extraction.
type MediaConfig struct {
	MaxDimension   int           `yaml:"max_dimension,omitempty"`
	JPEGQuality    int           `yaml:"jpeg_quality,omitempty"`
	MaxPixels      int           `yaml:"max_pixels,omitempty"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout,omitempty"`
	ProcessTimeout time.Duration `yaml:"process_timeout,omitempty"`
	FFmpegPath     string        `yaml:"ffmpeg_path,omitempty"`
	FFprobePath    string        `yaml:"ffprobe_path,omitempty"`

	// AllowPrivateNetworks lets media URLs reach loopback, private and
	// link-local addresses.
	AllowPrivateNetworks bool `yaml:"allow_private_networks,omitempty"`
}

// HistoryConfig bounds the in-memory run history.
type HistoryConfig struct {
	MaxRuns int `yaml:"max_runs,omitempty"`
}

// ServerConfig configures the serve command.
type ServerConfig struct {
	Host       string `yaml:"host,omitempty"`
	Port       int    `yaml:"port,omitempty"`
	SQLitePath string `yaml:"sqlite_path,omitempty"`
	CORSOrigin string `yaml:"cors_origin,omitempty"`
	MaxBody    int64  `yaml:"max_body,omitempty"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
	ServiceName  string `yaml:"service_name,omitempty"`
}

// Default returns the configuration used when no file is found.
func Default() File {
	return File{
		Provider: ProviderConfig{
			Name:         "openai",
			DefaultModel: "gemini",
		},
		Generator: GeneratorConfig{
			Mode:    ModeIris,
			Timeout: 120 * time.Second,
		},
		Media: MediaConfig{
			MaxDimension:   1024,
			JPEGQuality:    80,
			FetchTimeout:   30 * time.Second,
			ProcessTimeout: 2 * time.Minute,
		},
		Server: ServerConfig{
			Host:       "localhost",
			Port:       8080,
			CORSOrigin: "*",
			MaxBody:    16 << 20,
		},
	}
}

// DiscoverPath resolves the config location with first-match semantics: an
// explicit path, then ./petalcanvas.yaml, then ~/.petalcanvas/config.yaml.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is a testable variant of DiscoverPath.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	explicit := strings.TrimSpace(explicitPath)
	candidates := make([]string, 0, 2)
	if explicit != "" {
		candidates = append(candidates, filepath.Clean(explicit))
	} else {
		candidates = append(candidates,
			filepath.Join(cwd, projectConfigName),
			filepath.Join(homeDir, homeConfigDir, homeConfigName),
		)
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if explicit != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load reads the file at path over the defaults. ${VAR} references in the
// file are expanded from the environment.
func Load(path string) (File, error) {
	cfg := Default()
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return File{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return cfg, nil
}

// Resolve discovers, loads and validates the configuration, applying
// environment overrides. Without a config file the defaults are used.
func Resolve(explicitPath string) (File, string, error) {
	path, found, err := DiscoverPath(explicitPath)
	if err != nil {
		return File{}, "", err
	}
	cfg := Default()
	if found {
		if cfg, err = Load(path); err != nil {
			return File{}, "", err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		if path == "" {
			return File{}, "", fmt.Errorf("config: %w", err)
		}
		return File{}, "", fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, path, nil
}

// ApplyEnv applies the PETALCANVAS_* overrides found by lookup.
func (f *File) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAPIKey); ok && v != "" {
		f.Provider.APIKey = v
	}
	if v, ok := lookup(EnvOTLPEndpoint); ok && v != "" {
		f.Telemetry.OTLPEndpoint = v
	}
	if v, ok := lookup(EnvSQLitePath); ok && v != "" {
		f.Server.SQLitePath = v
	}
}

// Validate checks the configuration for values no component can run with.
func (f File) Validate() error {
	var errs []error
	switch f.Generator.Mode {
	case ModeIris:
		if strings.TrimSpace(f.Provider.Name) == "" {
			errs = append(errs, errors.New("provider.name is required in iris mode"))
		}
	case ModeHTTP:
		if strings.TrimSpace(f.Generator.Endpoint) == "" {
			errs = append(errs, errors.New("generator.endpoint is required in http mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("generator.mode %q must be %q or %q", f.Generator.Mode, ModeIris, ModeHTTP))
	}
	if f.Generator.Timeout < 0 {
		errs = append(errs, errors.New("generator.timeout must not be negative"))
	}
	if f.Media.JPEGQuality < 0 || f.Media.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("media.jpeg_quality %d out of range 0-100", f.Media.JPEGQuality))
	}
	if f.Media.MaxPixels < 0 {
		errs = append(errs, errors.New("media.max_pixels must not be negative"))
	}
	if f.Media.ProcessTimeout < 0 {
		errs = append(errs, errors.New("media.process_timeout must not be negative"))
	}
	if f.Media.MaxDimension < 0 {
		errs = append(errs, errors.New("media.max_dimension must not be negative"))
	}
	if f.History.MaxRuns < 0 {
		errs = append(errs, errors.New("history.max_runs must not be negative"))
	}
	if f.Server.Port < 0 || f.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", f.Server.Port))
	}
	return errors.Join(errs...)
}
