// Package common provides shared utilities for Easel
package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/easel-sd/easel/internal/models"
)

// Config holds all configuration for Easel
type Config struct {
	Environment string                    `toml:"environment"`
	Server      ServerConfig              `toml:"server"`
	Storage     StorageConfig             `toml:"storage"`
	Engines     EnginesConfig             `toml:"engines"`
	Registry    RegistryConfig            `toml:"registry"`
	Processor   ProcessorConfig           `toml:"processor"`
	Logging     LoggingConfig             `toml:"logging"`
	Models      []*models.ModelDescriptor `toml:"models"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig holds storage path configuration.
type StorageConfig struct {
	DataPath   string `toml:"data_path"`   // BadgerHold database directory
	ModelsPath string `toml:"models_path"` // destination root for downloaded model files
	OutputPath string `toml:"output_path"` // scratch directory for CLI-mode engine output
}

// EnginesConfig holds engine process lifecycle configuration.
type EnginesConfig struct {
	PortRangeStart  int    `toml:"port_range_start"`  // default 8000
	PortRangeEnd    int    `toml:"port_range_end"`    // default 9000
	StartupTimeout  string `toml:"startup_timeout"`   // default "90s", per-model override wins
	KillGracePeriod string `toml:"kill_grace_period"` // SIGTERM -> SIGKILL window, default "5s"
	JanitorInterval string `toml:"janitor_interval"`  // zombie reclamation cadence, default "30s"
	RequestTimeout  string `toml:"request_timeout"`   // per-generation engine HTTP timeout, default "10m"
}

// GetStartupTimeout parses and returns the default engine startup timeout.
func (c *EnginesConfig) GetStartupTimeout() time.Duration {
	d, err := time.ParseDuration(c.StartupTimeout)
	if err != nil {
		return 90 * time.Second
	}
	return d
}

// GetKillGracePeriod parses and returns the SIGTERM grace period.
func (c *EnginesConfig) GetKillGracePeriod() time.Duration {
	d, err := time.ParseDuration(c.KillGracePeriod)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetJanitorInterval parses and returns the zombie cleanup interval.
func (c *EnginesConfig) GetJanitorInterval() time.Duration {
	d, err := time.ParseDuration(c.JanitorInterval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetRequestTimeout parses and returns the engine generation request timeout.
func (c *EnginesConfig) GetRequestTimeout() time.Duration {
	d, err := time.ParseDuration(c.RequestTimeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// RegistryConfig holds model registry client configuration.
type RegistryConfig struct {
	BaseURL   string `toml:"base_url"`
	Timeout   string `toml:"timeout"`    // metadata request timeout, default "30s"
	RateLimit int    `toml:"rate_limit"` // requests per second against the registry
}

// GetTimeout parses and returns the metadata request timeout.
func (c *RegistryConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// ProcessorConfig holds job processor configuration.
type ProcessorConfig struct {
	PollInterval    string `toml:"poll_interval"`    // default "1s"
	DownloadMaxAge  string `toml:"download_max_age"` // terminal download record retention, default "24h"
	CleanupInterval string `toml:"cleanup_interval"` // janitor cadence for download records, default "1h"
}

// GetPollInterval parses and returns the queue poll interval.
func (c *ProcessorConfig) GetPollInterval() time.Duration {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil {
		return time.Second
	}
	return d
}

// GetDownloadMaxAge parses and returns the terminal download retention period.
func (c *ProcessorConfig) GetDownloadMaxAge() time.Duration {
	d, err := time.ParseDuration(c.DownloadMaxAge)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// GetCleanupInterval parses and returns the download janitor cadence.
func (c *ProcessorConfig) GetCleanupInterval() time.Duration {
	d, err := time.ParseDuration(c.CleanupInterval)
	if err != nil {
		return time.Hour
	}
	return d
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 7860,
		},
		Storage: StorageConfig{
			DataPath:   "data/easel",
			ModelsPath: "data/models",
			OutputPath: "data/output",
		},
		Engines: EnginesConfig{
			PortRangeStart:  8000,
			PortRangeEnd:    9000,
			StartupTimeout:  "90s",
			KillGracePeriod: "5s",
			JanitorInterval: "30s",
			RequestTimeout:  "10m",
		},
		Registry: RegistryConfig{
			BaseURL:   "https://huggingface.co",
			Timeout:   "30s",
			RateLimit: 5,
		},
		Processor: ProcessorConfig{
			PollInterval:    "1s",
			DownloadMaxAge:  "24h",
			CleanupInterval: "1h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from files with environment overrides.
// Later files override earlier ones; missing files are skipped.
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := validateModels(config); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("EASEL_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("EASEL_HOST"); host != "" {
		config.Server.Host = host
	}

	if port := os.Getenv("EASEL_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if level := os.Getenv("EASEL_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if path := os.Getenv("EASEL_DATA_PATH"); path != "" {
		config.Storage.DataPath = filepath.Join(path, "easel")
		config.Storage.ModelsPath = filepath.Join(path, "models")
		config.Storage.OutputPath = filepath.Join(path, "output")
	}

	if base := os.Getenv("EASEL_REGISTRY_URL"); base != "" {
		config.Registry.BaseURL = base
	}
}

// validateModels rejects descriptors the rest of the system cannot act on.
func validateModels(config *Config) error {
	seen := make(map[string]bool, len(config.Models))
	for _, m := range config.Models {
		if m.ID == "" {
			return fmt.Errorf("model descriptor missing id")
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate model id %q", m.ID)
		}
		seen[m.ID] = true

		if m.Command == "" {
			return fmt.Errorf("model %q: command is required", m.ID)
		}
		switch m.ExecMode {
		case models.ExecModeServer, models.ExecModeCLI:
		case "":
			m.ExecMode = models.ExecModeServer
		default:
			return fmt.Errorf("model %q: unknown exec_mode %q", m.ID, m.ExecMode)
		}
		switch m.LoadMode {
		case models.LoadModeOnDemand, models.LoadModePreload:
		case "":
			m.LoadMode = models.LoadModeOnDemand
		default:
			return fmt.Errorf("model %q: unknown load_mode %q", m.ID, m.LoadMode)
		}
	}
	return nil
}

// Model returns the descriptor for the given id, or nil.
func (c *Config) Model(id string) *models.ModelDescriptor {
	for _, m := range c.Models {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// DefaultModel returns the first configured model, or nil.
func (c *Config) DefaultModel() *models.ModelDescriptor {
	if len(c.Models) > 0 {
		return c.Models[0]
	}
	return nil
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
