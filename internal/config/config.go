package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server struct {
		Port int    `yaml:"port"`
		Host string `yaml:"host"`
	} `yaml:"server"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		Username     string        `yaml:"username"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		Prefix       string        `yaml:"prefix"`
		DialTimeout  time.Duration `yaml:"dial_timeout"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	Store struct {
		ActiveTTL   time.Duration `yaml:"active_ttl"`
		TerminalTTL time.Duration `yaml:"terminal_ttl"`
	} `yaml:"store"`

	Cache struct {
		Enabled bool          `yaml:"enabled"`
		TTL     time.Duration `yaml:"ttl"`
	} `yaml:"cache"`

	Workers struct {
		Count             int           `yaml:"count"`
		PollTimeout       time.Duration `yaml:"poll_timeout"`
		PacingDelay       time.Duration `yaml:"pacing_delay"`
		BaseTimeout       time.Duration `yaml:"base_timeout"`
		PerUnitTimeout    time.Duration `yaml:"per_unit_timeout"`
		MaxUnits          int           `yaml:"max_units"`
		MaxRetries        int           `yaml:"max_retries"`
		RetryBackoff      time.Duration `yaml:"retry_backoff"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		EstimatePerChunk  time.Duration `yaml:"estimate_per_chunk"`
	} `yaml:"workers"`

	Reclaim struct {
		StaleAfter  time.Duration `yaml:"stale_after"`
		Interval    time.Duration `yaml:"interval"`
		MaxRequeues int           `yaml:"max_requeues"`
	} `yaml:"reclaim"`

	Chunking struct {
		SlidesPerChunk int           `yaml:"slides_per_chunk"`
		MaxSlides      int           `yaml:"max_slides"`
		ScenesPerChunk int           `yaml:"scenes_per_chunk"`
		MaxScenes      int           `yaml:"max_scenes"`
		SubtitleWindow time.Duration `yaml:"subtitle_window"`
		MaxMedia       time.Duration `yaml:"max_media"`
	} `yaml:"chunking"`

	Generator struct {
		Endpoint string        `yaml:"endpoint"`
		APIKey   string        `yaml:"api_key"`
		Timeout  time.Duration `yaml:"timeout"`
		Chrome   bool          `yaml:"chrome"`
	} `yaml:"generator"`

	Whisper struct {
		Enabled  bool   `yaml:"enabled"`
		Model    string `yaml:"model"`
		Language string `yaml:"language"`
		Python   string `yaml:"python"`
		FFmpeg   string `yaml:"ffmpeg"`
	} `yaml:"whisper"`

	Storage struct {
		TempDir  string `yaml:"temp_dir"`
		Database string `yaml:"database"`
	} `yaml:"storage"`

	Cleanup struct {
		MaxAge time.Duration `yaml:"max_age"`
	} `yaml:"cleanup"`

	GoogleDrive struct {
		CredentialsFile string `yaml:"credentials_file"`
	} `yaml:"google_drive"`

	Limits struct {
		MaxFileSizeMB int `yaml:"max_file_size_mb"`
	} `yaml:"limits"`

	Logger struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logger"`
}

// Default returns a configuration with every field set to a usable value
func Default() *Config {
	c := &Config{}
	c.Server.Host = "0.0.0.0"
	c.Server.Port = 8080

	c.Redis.Addr = "localhost:6379"
	c.Redis.Prefix = "cj:"
	c.Redis.DialTimeout = 5 * time.Second
	c.Redis.ReadTimeout = 3 * time.Second
	c.Redis.WriteTimeout = 3 * time.Second

	c.Store.ActiveTTL = 48 * time.Hour
	c.Store.TerminalTTL = 24 * time.Hour

	c.Cache.Enabled = true
	c.Cache.TTL = 24 * time.Hour

	c.Workers.Count = 2
	c.Workers.PollTimeout = 5 * time.Second
	c.Workers.PacingDelay = 2 * time.Second
	c.Workers.BaseTimeout = 30 * time.Second
	c.Workers.PerUnitTimeout = 20 * time.Second
	c.Workers.MaxUnits = 60
	c.Workers.MaxRetries = 3
	c.Workers.RetryBackoff = time.Second
	c.Workers.HeartbeatInterval = 30 * time.Second
	c.Workers.EstimatePerChunk = 15 * time.Second

	c.Reclaim.StaleAfter = 600 * time.Second
	c.Reclaim.Interval = 5 * time.Minute
	c.Reclaim.MaxRequeues = 3

	c.Chunking.SlidesPerChunk = 5
	c.Chunking.MaxSlides = 200
	c.Chunking.ScenesPerChunk = 4
	c.Chunking.MaxScenes = 120
	c.Chunking.SubtitleWindow = 10 * time.Minute
	c.Chunking.MaxMedia = 4 * time.Hour

	c.Generator.Timeout = 10 * time.Minute

	c.Whisper.Enabled = true
	c.Whisper.Model = "small"
	c.Whisper.Language = "en"
	c.Whisper.Python = "python"
	c.Whisper.FFmpeg = "ffmpeg"

	c.Storage.TempDir = "temp"
	c.Storage.Database = "content-jobs.db"

	c.Cleanup.MaxAge = 24 * time.Hour

	c.Limits.MaxFileSizeMB = 500

	c.Logger.Level = "info"
	c.Logger.Format = "json"
	return c
}

// Load reads the YAML file at path on top of the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		file, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(file, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logger.Level = v
	}
	if v := os.Getenv("GENERATOR_ENDPOINT"); v != "" {
		c.Generator.Endpoint = v
	}
	if v := os.Getenv("GENERATOR_API_KEY"); v != "" {
		c.Generator.APIKey = v
	}
	if v := os.Getenv("WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers.Count = n
		}
	}
}

// MaxDeadline is the longest execution deadline a single chunk can receive
func (c *Config) MaxDeadline() time.Duration {
	return c.Workers.BaseTimeout + c.Workers.PerUnitTimeout*time.Duration(c.Workers.MaxUnits)
}

// Validate rejects configurations that would break crash recovery
func (c *Config) Validate() error {
	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1")
	}
	if c.Workers.PollTimeout <= 0 {
		return fmt.Errorf("workers.poll_timeout must be positive")
	}
	if c.Workers.BaseTimeout <= 0 || c.Workers.PerUnitTimeout < 0 {
		return fmt.Errorf("workers.base_timeout must be positive and per_unit_timeout non-negative")
	}
	if c.Workers.MaxUnits < 1 {
		return fmt.Errorf("workers.max_units must be at least 1")
	}
	if c.Workers.MaxRetries < 0 {
		return fmt.Errorf("workers.max_retries must not be negative")
	}
	// Expiry must never be what resolves a crashed job; the reclaimer does that.
	if c.Store.ActiveTTL <= c.MaxDeadline()+c.Reclaim.StaleAfter {
		return fmt.Errorf("store.active_ttl (%s) must exceed the max deadline plus reclaim.stale_after (%s)",
			c.Store.ActiveTTL, c.MaxDeadline()+c.Reclaim.StaleAfter)
	}
	if c.Store.TerminalTTL <= 0 {
		return fmt.Errorf("store.terminal_ttl must be positive")
	}
	if c.Workers.HeartbeatInterval <= 0 || c.Reclaim.StaleAfter <= 2*c.Workers.HeartbeatInterval {
		return fmt.Errorf("reclaim.stale_after (%s) must be more than twice workers.heartbeat_interval (%s)",
			c.Reclaim.StaleAfter, c.Workers.HeartbeatInterval)
	}
	if c.Reclaim.MaxRequeues < 0 {
		return fmt.Errorf("reclaim.max_requeues must not be negative")
	}
	if c.Chunking.SlidesPerChunk < 1 || c.Chunking.ScenesPerChunk < 1 || c.Chunking.SubtitleWindow <= 0 {
		return fmt.Errorf("chunking sizes must be positive")
	}
	return nil
}
