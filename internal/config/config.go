// Package config loads the facetag YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/facetag/internal/gallery"
)

// DefaultPath is used when neither --config nor FACETAG_CONFIG is set.
const DefaultPath = "facetag.yaml"

// Config holds the facetag configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Backend   BackendConfig   `yaml:"backend"`
	Detection DetectionConfig `yaml:"detection"`
	Gallery   GalleryConfig   `yaml:"gallery"`
	Matching  MatchingConfig  `yaml:"matching"`
	Render    RenderConfig    `yaml:"render"`
	Database  DatabaseConfig  `yaml:"database"`
	Board     BoardConfig     `yaml:"board"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	ShutdownSec     int    `yaml:"shutdown_timeout_sec"`
	MaxUploadMB     int    `yaml:"max_upload_mb"`
}

// BackendConfig selects and configures the face detection backend.
type BackendConfig struct {
	Kind     string       `yaml:"kind"` // worker, http, dlib (default: worker)
	ModelDir string       `yaml:"model_dir"`
	Worker   WorkerConfig `yaml:"worker"`
	HTTP     HTTPBackend  `yaml:"http"`
}

// WorkerConfig describes the external inference processes.
type WorkerConfig struct {
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	Count          int      `yaml:"count"`
	ReadTimeoutSec int      `yaml:"read_timeout_sec"`
}

// HTTPBackend points at an embedding server.
type HTTPBackend struct {
	URL        string `yaml:"url"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// DetectionConfig controls how uploads are fed to the backend.
type DetectionConfig struct {
	MaxEdge int `yaml:"max_edge"` // 0 = send uploads at full size
}

// GalleryConfig lists the reference images.
type GalleryConfig struct {
	BaseDir     string              `yaml:"base_dir"`
	MaxEdge     int                 `yaml:"max_edge"`
	Concurrency int                 `yaml:"concurrency"`
	References  []gallery.Reference `yaml:"references"`
}

// MatchingConfig holds the matcher settings.
type MatchingConfig struct {
	Threshold  *float64 `yaml:"threshold"` // nil = 0.6; 0 accepts exact matches only
	Index      string  `yaml:"index"` // linear, hnsw (default: linear)
	Candidates int     `yaml:"candidates"`
}

// RenderConfig holds the overlay output defaults.
type RenderConfig struct {
	Mode        string `yaml:"mode"`   // composite, overlay
	Format      string `yaml:"format"` // png, jpeg
	JPEGQuality int    `yaml:"jpeg_quality"`
}

// DatabaseConfig holds the optional PostgreSQL connection.
type DatabaseConfig struct {
	URL string `yaml:"url"` // empty disables caching and history
}

// BoardConfig bounds the per-client latest result store.
type BoardConfig struct {
	MaxClients int `yaml:"max_clients"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Env   string `yaml:"env"`   // prod, local (default: local)
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// Load reads the configuration at path. An empty path means FACETAG_CONFIG or
// DefaultPath; the default file is optional, an explicitly named one is not.
func Load(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = os.Getenv("FACETAG_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath
	}

	var cfg Config
	data, err := os.ReadFile(filepath.Clean(path))
	switch {
	case err == nil:
		// Substitute env variables of the form ${VAR}
		data = expandEnvVars(data)
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		// Relative reference paths are resolved against the config file.
		if cfg.Gallery.BaseDir == "" {
			cfg.Gallery.BaseDir = filepath.Dir(path)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.Host == "" {
		c.HTTP.Host = "0.0.0.0"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 30
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 60
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.HTTP.MaxUploadMB <= 0 {
		c.HTTP.MaxUploadMB = 20
	}
	if c.Backend.Kind == "" {
		c.Backend.Kind = "worker"
	}
	if c.Backend.ModelDir == "" {
		c.Backend.ModelDir = "models"
	}
	if c.Backend.Worker.Command == "" {
		c.Backend.Worker.Command = "python3"
		if len(c.Backend.Worker.Args) == 0 {
			c.Backend.Worker.Args = []string{"-u", "python/worker.py"}
		}
	}
	if c.Backend.Worker.Count <= 0 {
		c.Backend.Worker.Count = 1
	}
	if c.Backend.Worker.ReadTimeoutSec <= 0 {
		c.Backend.Worker.ReadTimeoutSec = 60
	}
	if c.Backend.HTTP.URL == "" {
		c.Backend.HTTP.URL = "http://localhost:8000"
	}
	if c.Backend.HTTP.TimeoutSec <= 0 {
		c.Backend.HTTP.TimeoutSec = 60
	}
	if c.Gallery.MaxEdge == 0 {
		c.Gallery.MaxEdge = gallery.DefaultMaxEdge
	}
	if c.Gallery.Concurrency <= 0 {
		c.Gallery.Concurrency = 4
	}
	if c.Matching.Threshold == nil {
		threshold := 0.6
		c.Matching.Threshold = &threshold
	}
	if c.Matching.Index == "" {
		c.Matching.Index = "linear"
	}
	if c.Matching.Candidates <= 0 {
		c.Matching.Candidates = 8
	}
	if c.Render.Mode == "" {
		c.Render.Mode = "composite"
	}
	if c.Render.Format == "" {
		c.Render.Format = "png"
	}
	if c.Render.JPEGQuality <= 0 {
		c.Render.JPEGQuality = 90
	}
	if c.Board.MaxClients <= 0 {
		c.Board.MaxClients = 1024
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "local"
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	switch c.Backend.Kind {
	case "worker", "http", "dlib":
	default:
		return fmt.Errorf("backend.kind must be worker, http or dlib, got %q", c.Backend.Kind)
	}
	if t := c.Matching.Threshold; t != nil && (*t < 0 || math.IsNaN(*t) || math.IsInf(*t, 0)) {
		return fmt.Errorf("matching.threshold must be a non-negative number, got %v", *t)
	}
	switch c.Matching.Index {
	case "linear", "hnsw":
	default:
		return fmt.Errorf("matching.index must be linear or hnsw, got %q", c.Matching.Index)
	}
	switch c.Render.Mode {
	case "composite", "overlay":
	default:
		return fmt.Errorf("render.mode must be composite or overlay, got %q", c.Render.Mode)
	}
	switch c.Render.Format {
	case "png", "jpeg":
	default:
		return fmt.Errorf("render.format must be png or jpeg, got %q", c.Render.Format)
	}
	if c.Render.JPEGQuality > 100 {
		return fmt.Errorf("render.jpeg_quality must be at most 100, got %d", c.Render.JPEGQuality)
	}
	if c.Detection.MaxEdge < 0 || c.Gallery.MaxEdge < 0 {
		return errors.New("max_edge must not be negative")
	}
	for i, ref := range c.Gallery.References {
		if strings.TrimSpace(ref.Source) == "" {
			return fmt.Errorf("gallery.references[%d].source is required", i)
		}
	}
	return nil
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
