// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a channel backend instance.
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Limits  LimitsConfig  `yaml:"limits"`
	Badger  BadgerConfig  `yaml:"badger"`
	Redis   RedisConfig   `yaml:"redis"`
	Log     LogConfig     `yaml:"log"`
}

// BackendConfig selects the backing store.
type BackendConfig struct {
	Type string `yaml:"type"` // memory, badger, redis

	// Optional separate store for response channels (leading '!').
	// Empty means response channels share the primary store.
	ResponseType string `yaml:"response_type"`
}

// LimitsConfig tunes per-channel queue behavior.
type LimitsConfig struct {
	// Maximum messages queued per channel before sends fail.
	Capacity int `yaml:"capacity"`

	// Default message lifetime when the sender passes none.
	Expiry time.Duration `yaml:"expiry"`

	// Default group membership lifetime.
	GroupExpiry time.Duration `yaml:"group_expiry"`

	// Maximum payload size in bytes.
	MaxMessageSize int `yaml:"max_message_size"`

	// How often embedded backends sweep expired state.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// BadgerConfig holds BadgerDB settings.
type BadgerConfig struct {
	// Dir is the data directory. Empty runs Badger in memory.
	Dir string `yaml:"dir"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			Type: "memory",
		},
		Limits: LimitsConfig{
			Capacity:       100,
			Expiry:         60 * time.Second,
			GroupExpiry:    24 * time.Hour,
			MaxMessageSize: 32 * 1024 * 1024,
			SweepInterval:  time.Second,
		},
		Badger: BadgerConfig{
			Dir: "/tmp/flowbus/data",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "flowbus",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

var validBackends = map[string]bool{"memory": true, "badger": true, "redis": true}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if !validBackends[c.Backend.Type] {
		return fmt.Errorf("backend.type must be one of: memory, badger, redis")
	}
	if c.Backend.ResponseType != "" && !validBackends[c.Backend.ResponseType] {
		return fmt.Errorf("backend.response_type must be one of: memory, badger, redis")
	}

	if c.Limits.Capacity < 1 {
		return fmt.Errorf("limits.capacity must be at least 1")
	}
	if c.Limits.Expiry < time.Millisecond {
		return fmt.Errorf("limits.expiry must be at least 1ms")
	}
	if c.Limits.GroupExpiry < time.Second {
		return fmt.Errorf("limits.group_expiry must be at least 1 second")
	}
	if c.Limits.MaxMessageSize < 1024 {
		return fmt.Errorf("limits.max_message_size must be at least 1KB")
	}
	if c.Limits.SweepInterval < 10*time.Millisecond {
		return fmt.Errorf("limits.sweep_interval must be at least 10ms")
	}

	if c.usesBackend("redis") && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr required when a redis backend is selected")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	return nil
}

func (c *Config) usesBackend(typ string) bool {
	return c.Backend.Type == typ || c.Backend.ResponseType == typ
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
