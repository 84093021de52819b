package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.bizchat/config.toml.
type Config struct {
	DefaultSession string  `toml:"default_session"`
	Remote         Remote  `toml:"remote"`
	Auth           Auth    `toml:"auth"`
	Metrics        Metrics `toml:"metrics"`
}

// Remote holds the BizChat function endpoints.
type Remote struct {
	AuthURL     string   `toml:"auth_url"`
	MessagesURL string   `toml:"messages_url"`
	UploadURL   string   `toml:"upload_url"`
	Timeout     Duration `toml:"timeout"`
}

// Auth tunes the login flow.
type Auth struct {
	DeviceInfo   string   `toml:"device_info"`
	CodeCooldown Duration `toml:"code_cooldown"`
}

// Metrics configures the optional Prometheus listener. Empty Listen disables it.
type Metrics struct {
	Listen string `toml:"listen"`
}

// Duration is a time.Duration written as "15s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the production configuration.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Remote: Remote{
			AuthURL:     "https://functions.poehali.dev/1cf9506e-aff6-4778-984f-502bb7d316c2",
			MessagesURL: "https://functions.poehali.dev/957e2ab9-1743-48ed-91b3-491163ffdc5b",
			UploadURL:   "https://functions.poehali.dev/71d88d48-ed84-4a03-8998-33bafa023f1e",
			Timeout:     Duration{15 * time.Second},
		},
		Auth: Auth{
			DeviceInfo:   "bizchat-cli",
			CodeCooldown: Duration{30 * time.Second},
		},
	}
}

// Load reads config from the given path on top of Default. Returns error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
