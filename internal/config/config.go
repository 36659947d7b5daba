// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

// Package config loads layered server configuration: built-in defaults,
// then an optional YAML file, then environment variables, each layer
// overriding the last.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/mapsketch/mapsketch/internal/api"
	"github.com/mapsketch/mapsketch/internal/batch"
	"github.com/mapsketch/mapsketch/internal/bus"
	"github.com/mapsketch/mapsketch/internal/logging"
	"github.com/mapsketch/mapsketch/internal/room"
	"github.com/mapsketch/mapsketch/internal/store"
)

// DefaultConfigPaths are searched in order; the first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/mapsketch/config.yaml",
	"/etc/mapsketch/config.yml",
}

// ConfigPathEnvVar overrides the config file search.
const ConfigPathEnvVar = "CONFIG_PATH"

// envPrefix namespaces all environment overrides
// (MAPSKETCH_SERVER_PORT, MAPSKETCH_ROOMS_MAX_CONNECTIONS, ...).
const envPrefix = "MAPSKETCH_"

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SecurityConfig holds authentication settings.
type SecurityConfig struct {
	// JWTSecret enables token validation when set (min 32 chars).
	// Empty means all users join anonymously.
	JWTSecret string `koanf:"jwt_secret"`
}

// EnergyConfig holds the server-side energy defaults handed to agents.
type EnergyConfig struct {
	Max           float64       `koanf:"max"`
	RegenAmount   float64       `koanf:"regen_amount"`
	RegenInterval time.Duration `koanf:"regen_interval"`
	ZoomBase      float64       `koanf:"zoom_base"`
	CostFactor    float64       `koanf:"cost_factor"`
}

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Security SecurityConfig `koanf:"security"`
	API      api.Config     `koanf:"api"`
	Rooms    room.Config    `koanf:"rooms"`
	Energy   EnergyConfig   `koanf:"energy"`
	Database store.Config   `koanf:"database"`
	Batch    batch.Config   `koanf:"batch"`
	NATS     bus.Config     `koanf:"nats"`
	Logging  logging.Config `koanf:"logging"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		API: api.Config{
			RateLimit:  120,
			RateWindow: time.Minute,
		},
		Rooms: room.DefaultConfig(),
		Energy: EnergyConfig{
			Max:           1000,
			RegenAmount:   5,
			RegenInterval: 2 * time.Second,
			ZoomBase:      16,
			CostFactor:    0.02,
		},
		Database: store.Config{
			Path:      "/data/mapsketch.duckdb",
			MaxMemory: "1GB",
		},
		Batch: batch.Config{
			MaxBatch:      128,
			FlushInterval: 500 * time.Millisecond,
			QueueSize:     4096,
			MaxRetries:    3,
			RetryBackoff:  250 * time.Millisecond,
		},
		NATS: bus.Config{
			Enabled:  false,
			Embedded: true,
			URL:      "nats://127.0.0.1:4222",
			Server: bus.ServerConfig{
				Host:     "127.0.0.1",
				Port:     4222,
				StoreDir: "/data/nats",
			},
			MaxReconnects: 60,
			ReconnectWait: 2 * time.Second,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// and MAPSKETCH_* environment variables, in rising precedence.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if s := c.Security.JWTSecret; s != "" && len(s) < 32 {
		return fmt.Errorf("security.jwt_secret must be at least 32 characters")
	}
	if c.NATS.Enabled && !c.NATS.Embedded && c.NATS.URL == "" {
		return fmt.Errorf("nats.url required when mirroring without an embedded server")
	}
	return nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// configSections are the known top-level keys, used to split env var
// names: MAPSKETCH_ROOMS_MAX_CONNECTIONS -> rooms.max_connections.
var configSections = []string{
	"server", "security", "api", "rooms", "energy",
	"database", "batch", "nats", "logging",
}

func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	for _, section := range configSections {
		if strings.HasPrefix(key, section+"_") {
			return section + "." + strings.TrimPrefix(key, section+"_")
		}
	}
	return ""
}

// sliceConfigPaths lists paths parsed from comma-separated env strings.
var sliceConfigPaths = []string{
	"api.cors_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}
