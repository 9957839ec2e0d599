package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fossawork/fossawork"
)

// Config is the daemon configuration, loaded from a YAML file with a
// small set of environment overrides for containerized deployments.
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
		Path string `yaml:"path"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`  // debug, info, warn, error
		Format string `yaml:"format"` // text, json
	} `yaml:"log"`

	Store struct {
		Backend string `yaml:"backend"` // memory, redis, postgres

		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`

		Postgres struct {
			URL string `yaml:"url"`
		} `yaml:"postgres"`
	} `yaml:"store"`

	Controller fossawork.Config `yaml:"controller"`

	Auth struct {
		APIKeys []APIKeyConfig `yaml:"api_keys"`
	} `yaml:"auth"`

	Queues   []QueueConfig   `yaml:"queues"`
	Stations []StationConfig `yaml:"stations"`
}

// APIKeyConfig maps a static token to an identity.
type APIKeyConfig struct {
	Token   string   `yaml:"token"`
	Subject string   `yaml:"subject"`
	Scopes  []string `yaml:"scopes"`
}

// QueueConfig mirrors queue.Config with YAML tags.
type QueueConfig struct {
	Name           string  `yaml:"name"`
	MaxConcurrency int     `yaml:"max_concurrency"`
	RateLimit      float64 `yaml:"rate_limit"`
	RateBurst      int     `yaml:"rate_burst"`
}

// StationConfig mirrors queue.StationConfig with YAML tags.
type StationConfig struct {
	Queue     string  `yaml:"queue"`
	StationID string  `yaml:"station_id"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":8420"
	cfg.Server.Path = "/fwp"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Store.Backend = "memory"
	cfg.Controller = fossawork.DefaultConfig()
	return cfg
}

// loadConfig reads the YAML config file (if path is non-empty) and
// applies environment overrides on top.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.Controller.PollInterval <= 0 {
		cfg.Controller.PollInterval = 1 * time.Second
	}
	if cfg.Controller.ShutdownTimeout <= 0 {
		cfg.Controller.ShutdownTimeout = 30 * time.Second
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FOSSAWORK_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("FOSSAWORK_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("FOSSAWORK_REDIS_ADDR"); v != "" {
		cfg.Store.Redis.Addr = v
	}
	if v := os.Getenv("FOSSAWORK_REDIS_PASSWORD"); v != "" {
		cfg.Store.Redis.Password = v
	}
	if v := os.Getenv("FOSSAWORK_POSTGRES_URL"); v != "" {
		cfg.Store.Postgres.URL = v
	}
	if v := os.Getenv("FOSSAWORK_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// buildLogger constructs the daemon's slog.Logger from the log section.
func buildLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
