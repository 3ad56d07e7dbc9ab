package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.securechat/config.toml.
type Config struct {
	DefaultSession string   `toml:"default_session"`
	MetricsAddr    string   `toml:"metrics_addr"`
	Identity       Identity `toml:"identity"`
	Remote         Remote   `toml:"remote"`
	Cache          Cache    `toml:"cache"`
	Realtime       Realtime `toml:"realtime"`
	Retry          Retry    `toml:"retry"`
}

// Identity selects how the current identity is resolved. A token, when set,
// takes precedence over a plain id.
type Identity struct {
	ID     string `toml:"id"`
	Token  string `toml:"token"`
	Secret string `toml:"secret"`
}

// Remote is the remote store connection. Driver is "postgres" or "sqlite".
type Remote struct {
	Driver      string `toml:"driver"`
	DSN         string `toml:"dsn"`
	AutoMigrate bool   `toml:"auto_migrate"`
}

// Cache selects the local durable store. Backend is "sqlite" or "redis".
type Cache struct {
	Backend       string `toml:"backend"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

// Realtime selects the push transport. Backend is "none", "local", "redis"
// or "amqp".
type Realtime struct {
	Backend   string `toml:"backend"`
	RedisAddr string `toml:"redis_addr"`
	AMQPURL   string `toml:"amqp_url"`
	Exchange  string `toml:"exchange"`
}

// Retry tunes the pending-message redelivery loop.
type Retry struct {
	Interval    Duration `toml:"interval"`
	MaxAttempts int      `toml:"max_attempts"`
}

// Duration is a time.Duration written as a string ("30s") in TOML.
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

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Remote:         Remote{Driver: "sqlite", AutoMigrate: true},
		Cache:          Cache{Backend: "sqlite"},
		Realtime:       Realtime{Backend: "local", Exchange: "securechat.chats"},
		Retry:          Retry{Interval: Duration{30 * time.Second}, MaxAttempts: 5},
	}
}

// Load reads config from the given path on top of Default. Returns error if
// the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not exist.
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
