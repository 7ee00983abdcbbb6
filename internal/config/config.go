package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server    ServerConfig
	Engine    EngineConfig
	Storage   StorageConfig
	Thumbnail ThumbnailConfig
	Ingest    IngestConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	MaxConns int
	APIToken string
}

type EngineConfig struct {
	Backend     string
	BaseURL     string
	APIKey      string
	VisionModel string
	Timeout     string
	Temperature float64
}

type StorageConfig struct {
	DataDir string
}

type ThumbnailConfig struct {
	Size int
}

type IngestConfig struct {
	Workers      int
	PollInterval string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     3000,
			MaxConns: 64,
		},
		Engine: EngineConfig{
			Backend:     "ollama",
			BaseURL:     "http://localhost:11434",
			VisionModel: "llava",
			Timeout:     "120s",
			Temperature: 0.7,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Thumbnail: ThumbnailConfig{
			Size: 80,
		},
		Ingest: IngestConfig{
			Workers:      2,
			PollInterval: "500ms",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the TOML file at
// $XDG_CONFIG_HOME/picshelf/config.toml, then applies PICSHELF_*
// environment variable overrides. Secrets are read from the environment only.
func Load() (Config, error) {
	return loadFromPath(configFilePath())
}

func loadFromPath(path string) (Config, error) {
	b, err := openFileBackend(path)
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	}
	switch c.Engine.Backend {
	case "ollama", "openai":
	default:
		return fmt.Errorf("invalid config: engine.backend %q (want ollama or openai)", c.Engine.Backend)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("invalid config: storage.data_dir is empty")
	}
	return nil
}

// EngineTimeout parses Engine.Timeout, falling back to two minutes.
func (c Config) EngineTimeout() time.Duration {
	return parseDuration("engine.timeout", c.Engine.Timeout, 120*time.Second)
}

// PollInterval parses Ingest.PollInterval, falling back to 500ms.
func (c Config) PollInterval() time.Duration {
	return parseDuration("ingest.poll_interval", c.Ingest.PollInterval, 500*time.Millisecond)
}

func parseDuration(key, raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		fmt.Fprintf(os.Stderr, "[WARN] invalid duration for %s=%q. Using default value %s.\n", key, raw, def)
		return def
	}
	return d
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "picshelf-data"
		}
	}
	return filepath.Join(dir, "picshelf")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "picshelf", "config.toml")
}
