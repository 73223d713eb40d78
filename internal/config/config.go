// Package config provides configuration management.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ryanuber/go-glob"
	"gopkg.in/yaml.v3"
)

// Config holds all server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Session SessionConfig `yaml:"session"`
	Audit   AuditConfig   `yaml:"audit"`
}

// ServerConfig holds HTTP server, CORS, and fan-out configuration.
type ServerConfig struct {
	Port       int    `yaml:"port"`
	CORSOrigin string `yaml:"corsOrigin"`
	// RedisAddr, if non-empty, backs the Realtime Broker's fan-out with a
	// RedisBackplane instead of the single-instance LocalBackplane.
	RedisAddr string `yaml:"redisAddr"`
}

// StoreConfig holds chunk store thresholds and limits.
type StoreConfig struct {
	StoragePath              string        `yaml:"storagePath"`
	LargeFileThreshold       int64         `yaml:"largeFileThreshold"`
	MaxItemsPerSession       int           `yaml:"maxItemsPerSession"`
	MaxPinnedItemsPerSession int           `yaml:"maxPinnedItemsPerSession"`
	CleanupInterval          time.Duration `yaml:"cleanupInterval"`
}

// SessionConfig holds session manager timing configuration.
type SessionConfig struct {
	SessionExpiry time.Duration `yaml:"sessionExpiry"`
}

// AuditConfig controls where broker lifecycle events are audited. Enabled is
// not consulted: the server always builds an audit logger.
type AuditConfig struct {
	Enabled             bool       `yaml:"enabled"`
	MaxEvents           int        `yaml:"maxEvents"`
	RedactMetadataKeys  []string   `yaml:"redactMetadataKeys"`
	Sink                SinkConfig `yaml:"sink"`
}

// SinkConfig selects and configures the audit event writer.
type SinkConfig struct {
	Type          string            `yaml:"type"` // "stdout", "file", "http"
	Endpoint      string            `yaml:"endpoint"`
	Headers       map[string]string `yaml:"headers"`
	FilePath      string            `yaml:"filePath"`
	BatchSize     int               `yaml:"batchSize"`
	FlushInterval time.Duration     `yaml:"flushInterval"`
	RetryCount    int               `yaml:"retryCount"`
	RetryBackoff  time.Duration     `yaml:"retryBackoff"`
}

// Default returns the configuration with every spec-mandated default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:       8080,
			CORSOrigin: "*",
		},
		Store: StoreConfig{
			StoragePath:              "./data",
			LargeFileThreshold:       10 * 1024 * 1024,
			MaxItemsPerSession:       20,
			MaxPinnedItemsPerSession: 50,
			CleanupInterval:          time.Hour,
		},
		Session: SessionConfig{
			SessionExpiry: 24 * time.Hour,
		},
		Audit: AuditConfig{
			Enabled:   true,
			MaxEvents: 1000,
			Sink:      SinkConfig{Type: "stdout"},
		},
	}
}

// Load builds a Config starting from defaults, overlaying an optional YAML
// file, then overlaying recognized environment variables. Either source may
// be absent; Load never fails because a file or variable is missing.
func Load(yamlPath string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the env-style keys named in the external config contract.
// Any variable that is unset or fails to parse leaves the existing value.
func (c *Config) applyEnv() {
	c.Server.Port = getEnvInt("PORT", c.Server.Port)
	c.Server.CORSOrigin = getEnv("CORS_ORIGIN", c.Server.CORSOrigin)
	c.Server.RedisAddr = getEnv("REDIS_ADDR", c.Server.RedisAddr)
	c.Store.StoragePath = getEnv("STORAGE_PATH", c.Store.StoragePath)
	c.Store.LargeFileThreshold = getEnvInt64("LARGE_FILE_THRESHOLD", c.Store.LargeFileThreshold)
	c.Store.MaxItemsPerSession = getEnvInt("MAX_ITEMS_PER_SESSION", c.Store.MaxItemsPerSession)
	c.Store.MaxPinnedItemsPerSession = getEnvInt("MAX_PINNED_ITEMS_PER_SESSION", c.Store.MaxPinnedItemsPerSession)
	c.Store.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", c.Store.CleanupInterval)
	c.Session.SessionExpiry = getEnvDuration("SESSION_EXPIRY", c.Session.SessionExpiry)
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Store.StoragePath == "" {
		return fmt.Errorf("storagePath must not be empty")
	}
	if c.Store.LargeFileThreshold <= 0 {
		return fmt.Errorf("largeFileThreshold must be positive")
	}
	if c.Store.MaxItemsPerSession <= 0 {
		return fmt.Errorf("maxItemsPerSession must be positive")
	}
	if c.Store.MaxPinnedItemsPerSession <= 0 {
		return fmt.Errorf("maxPinnedItemsPerSession must be positive")
	}
	return nil
}

// CORSAllows reports whether origin is permitted under the configured CORS
// policy: a comma-separated list of patterns, each matched against origin
// with shell-style globbing (so "https://*.example.com" allows every
// subdomain without enumerating them).
func (c *Config) CORSAllows(origin string) bool {
	for _, pattern := range strings.Split(c.Server.CORSOrigin, ",") {
		if glob.Glob(strings.TrimSpace(pattern), origin) {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
