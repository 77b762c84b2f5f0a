// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Backend.Type != "memory" {
		t.Errorf("expected default backend memory, got %s", cfg.Backend.Type)
	}
	if cfg.Limits.Capacity != 100 {
		t.Errorf("expected default capacity 100, got %d", cfg.Limits.Capacity)
	}
	if cfg.Limits.Expiry != 60*time.Second {
		t.Errorf("expected default expiry 60s, got %v", cfg.Limits.Expiry)
	}
	if cfg.Limits.GroupExpiry != 24*time.Hour {
		t.Errorf("expected default group expiry 24h, got %v", cfg.Limits.GroupExpiry)
	}
	if cfg.Limits.MaxMessageSize != 32*1024*1024 {
		t.Errorf("expected default max message size 32MB, got %d", cfg.Limits.MaxMessageSize)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "unknown backend type",
			modify: func(c *Config) {
				c.Backend.Type = "cassandra"
			},
			wantErr: true,
		},
		{
			name: "redis response store without primary redis",
			modify: func(c *Config) {
				c.Backend.ResponseType = "redis"
			},
			wantErr: false,
		},
		{
			name: "redis backend without addr",
			modify: func(c *Config) {
				c.Backend.Type = "redis"
				c.Redis.Addr = ""
			},
			wantErr: true,
		},
		{
			name: "capacity too small",
			modify: func(c *Config) {
				c.Limits.Capacity = 0
			},
			wantErr: true,
		},
		{
			name: "message size too small",
			modify: func(c *Config) {
				c.Limits.MaxMessageSize = 100
			},
			wantErr: true,
		},
		{
			name: "expiry too short",
			modify: func(c *Config) {
				c.Limits.Expiry = 100 * time.Microsecond
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "invalid"
			},
			wantErr: true,
		},
		{
			name: "invalid log format",
			modify: func(c *Config) {
				c.Log.Format = "xml"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load() should return default config and no error when file doesn't exist, got error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() should return a default config, got nil")
	}

	if cfg.Backend.Type != "memory" {
		t.Errorf("expected default config, got backend %s", cfg.Backend.Type)
	}
}

func TestSaveLoad(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"

	cfg := Default()
	cfg.Backend.Type = "redis"
	cfg.Redis.Addr = "redis-1:6379"
	cfg.Limits.Capacity = 500
	cfg.Log.Level = "debug"

	if err := cfg.Save(tmpfile); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.Backend.Type != "redis" {
		t.Errorf("expected backend redis, got %s", loaded.Backend.Type)
	}
	if loaded.Redis.Addr != "redis-1:6379" {
		t.Errorf("expected redis addr redis-1:6379, got %s", loaded.Redis.Addr)
	}
	if loaded.Limits.Capacity != 500 {
		t.Errorf("expected capacity 500, got %d", loaded.Limits.Capacity)
	}
	if loaded.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", loaded.Log.Level)
	}
}
