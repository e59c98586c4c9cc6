// Package config loads and validates notepush's runtime configuration.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the top-level notepush configuration.
type Config struct {
	StoragePath string      `json:"storage_path"`
	Relay       RelayConfig `json:"relay"`
	APNS        APNSConfig  `json:"apns"`
	Dispatch    Dispatch    `json:"dispatch"`
	MuteCache   MuteCache   `json:"mute_cache"`
	Kinds       []int       `json:"notifiable_kinds"`
}

// RelayConfig points at the upstream relay used to fetch mute lists.
type RelayConfig struct {
	URL            string        `json:"url"`
	FetchTimeout   time.Duration `json:"fetch_timeout"`
}

// APNSConfig carries everything needed to authenticate and talk to APNS.
type APNSConfig struct {
	BundleID    string        `json:"bundle_id"`
	KeyPath     string        `json:"key_path"`
	KeyID       string        `json:"key_id"`
	TeamID      string        `json:"team_id"`
	Environment string        `json:"environment"` // "development" | "production"
	SendTimeout time.Duration `json:"send_timeout"`
}

// Dispatch controls per-event fan-out concurrency.
type Dispatch struct {
	Concurrency int `json:"concurrency"`
}

// MuteCache controls TTL/staleness/capacity of the mute-list cache.
type MuteCache struct {
	TTL          time.Duration `json:"ttl"`
	MaxStaleAge  time.Duration `json:"max_stale_age"`
	Capacity     int           `json:"capacity"`
}

// DefaultConfig returns notepush's default configuration.
func DefaultConfig() *Config {
	return &Config{
		StoragePath: expandPath("~/.notepush/notepush.db"),
		Relay: RelayConfig{
			URL:          "",
			FetchTimeout: 5 * time.Second,
		},
		APNS: APNSConfig{
			BundleID:    "",
			KeyPath:     "",
			KeyID:       "",
			TeamID:      "",
			Environment: "development",
			SendTimeout: 10 * time.Second,
		},
		Dispatch: Dispatch{
			Concurrency: 16,
		},
		MuteCache: MuteCache{
			TTL:         10 * time.Minute,
			MaxStaleAge: 24 * time.Hour,
			Capacity:    4096,
		},
		Kinds: []int{1, 4, 6, 7, 9735},
	}
}

// LoadConfig loads configuration from path, overlaying it on the defaults.
// If the file doesn't exist, the defaults are returned unchanged.
func LoadConfig(path string) (*Config, error) {
	path = expandPath(path)

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, err
	}

	config.StoragePath = expandPath(config.StoragePath)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.StoragePath == "" {
		return errors.New("storage_path cannot be empty")
	}
	if c.Dispatch.Concurrency <= 0 {
		return errors.New("dispatch.concurrency must be positive")
	}
	if c.Relay.URL == "" {
		return errors.New("relay.url cannot be empty")
	}
	switch c.APNS.Environment {
	case "development", "production":
	default:
		return errors.New("apns.environment must be 'development' or 'production'")
	}
	if len(c.Kinds) == 0 {
		return errors.New("notifiable_kinds cannot be empty")
	}
	return nil
}

// WriteTemplate writes the default configuration to path as a starting
// point for operators.
func WriteTemplate(path string) error {
	config := DefaultConfig()
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// expandPath expands a leading "~/" to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
