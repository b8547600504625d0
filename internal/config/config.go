// Package config manages Pika's persistent user preferences, stored as
// JSON at os.UserConfigDir()/pika/config.json.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds all persistent user preferences.
type Config struct {
	DataDir            string   `json:"data_dir"`
	DefaultRelays      []string `json:"default_relays"`
	GiftwrapLookbackSec int64    `json:"giftwrap_lookback_sec"`
	MaxOutboxPerChat   int      `json:"max_outbox_per_chat"`
	JitterMode         string   `json:"jitter_mode"` // fixed|adaptive|simple
	MoQURL             string   `json:"moq_url"`
	BroadcastBase      string   `json:"broadcast_base"`
	DesktopThemeIndex  int      `json:"desktop_theme_index"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		DefaultRelays: []string{
			"wss://relay.damus.io",
			"wss://nos.lol",
		},
		GiftwrapLookbackSec: 7 * 24 * 60 * 60,
		MaxOutboxPerChat:    8,
		JitterMode:          "adaptive",
		BroadcastBase:       "https://relay.pika.chat/moq",
	}
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "pika", "config.json"), nil
}

// Load reads the config file and returns it. If the file is missing or
// unreadable, the default config is returned — never an error.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
