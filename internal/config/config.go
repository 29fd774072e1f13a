package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/geoclip/config.json"

	// Sources above this size are never served raw; a downsampled
	// preview is generated first.
	defaultPreviewThreshold = 150 * 1024 * 1024
	defaultPreviewScale     = 0.25
)

// Config holds user-editable settings for the orchestrator and CLI client.
type Config struct {
	Server  Server  `json:"server"`
	Worker  Worker  `json:"worker"`
	Storage Storage `json:"storage"`
	Preview Preview `json:"preview"`
	Client  Client  `json:"client"`
	Logging Logging `json:"logging"`
}

// Server configures the HTTP listener.
type Server struct {
	Addr string `json:"addr"`
}

// Worker points at the external compute worker service.
type Worker struct {
	BaseURL string `json:"base_url"`
}

// Storage configures on-disk locations for rasters and the record database.
type Storage struct {
	DataDir      string `json:"data_dir"`
	DatabasePath string `json:"database_path"`
}

// Preview governs the large-file policy: sources over ThresholdBytes are
// served through a generated substitute scaled by Scale.
type Preview struct {
	ThresholdBytes int64   `json:"threshold_bytes"`
	Scale          float64 `json:"scale"`
}

// Client configures the polling retrieval client.
type Client struct {
	BaseURL        string `json:"base_url"`
	RetryAttempts  int    `json:"retry_attempts"`
	RetryDelayMS   int    `json:"retry_delay_ms"`
	PollIntervalMS int    `json:"poll_interval_ms"`
}

// Logging controls verbosity and output format.
type Logging struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

// Load reads configuration from disk, falling back to sensible defaults.
// The config path is taken from GEOCLIP_CONFIG when set.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("GEOCLIP_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *Config {
	dataDir := "./data"
	return &Config{
		Server: Server{
			Addr: ":8080",
		},
		Worker: Worker{
			BaseURL: "http://localhost:5000",
		},
		Storage: Storage{
			DataDir:      dataDir,
			DatabasePath: filepath.Join(dataDir, "geoclip.db"),
		},
		Preview: Preview{
			ThresholdBytes: defaultPreviewThreshold,
			Scale:          defaultPreviewScale,
		},
		Client: Client{
			BaseURL:        "http://localhost:8080",
			RetryAttempts:  20,
			RetryDelayMS:   1500,
			PollIntervalMS: 2000,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// UploadsDir is where original source rasters land.
func (c *Config) UploadsDir() string {
	return filepath.Join(c.Storage.DataDir, "uploads")
}

// OutputsDir holds one subdirectory per job.
func (c *Config) OutputsDir() string {
	return filepath.Join(c.Storage.DataDir, "outputs")
}

// PreviewsDir holds downsampled substitutes for oversized sources.
func (c *Config) PreviewsDir() string {
	return filepath.Join(c.Storage.DataDir, "previews")
}

// EnsureDirs creates the on-disk layout if absent.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.UploadsDir(), c.OutputsDir(), c.PreviewsDir(), filepath.Dir(c.Storage.DatabasePath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
