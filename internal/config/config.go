// Package config loads and validates the meshmon TOML configuration.
//
// Ownership boundary: this package owns file parsing, defaulting, and
// validation. It hands other packages fully-formed config values and
// never reaches back into them.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/meshmon/meshmon/internal/radio"
)

// Duration is a time.Duration that unmarshals from TOML strings like
// "500ms" or "1m30s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type AppConfig struct {
	Radio RadioConfig `toml:"radio"`
	Store StoreConfig `toml:"store"`
	HTTP  HTTPConfig  `toml:"http"`
}

type RadioConfig struct {
	Address           string   `toml:"address"`
	ConnectTimeout    Duration `toml:"connect_timeout"`
	ReadTimeout       Duration `toml:"read_timeout"`
	WriteTimeout      Duration `toml:"write_timeout"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	StableAfter       Duration `toml:"stable_after"`

	BackoffInitial    Duration `toml:"backoff_initial"`
	BackoffMultiplier float64  `toml:"backoff_multiplier"`
	BackoffMax        Duration `toml:"backoff_max"`
}

type StoreConfig struct {
	// Path is the on-disk database directory. Empty keeps state in
	// memory only.
	Path string `toml:"path"`
}

type HTTPConfig struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

func LoadAppConfig(path string) (AppConfig, error) {
	var cfg AppConfig
	if err := loadToml(path, &cfg); err != nil {
		return AppConfig{}, err
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if err := ValidateAppConfig(cfg); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateAppConfig(cfg AppConfig) error {
	if strings.TrimSpace(cfg.Radio.Address) == "" {
		return fmt.Errorf("radio config missing address")
	}
	if cfg.Radio.BackoffMultiplier < 0 {
		return fmt.Errorf("radio config backoff_multiplier must not be negative")
	}
	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		return fmt.Errorf("http config missing addr")
	}
	return nil
}

// RadioConfig converts the file representation into the radio
// package's config. Zero fields fall through to radio defaults.
func (c AppConfig) RadioConfig() radio.Config {
	return radio.Config{
		Address:           c.Radio.Address,
		ConnectTimeout:    c.Radio.ConnectTimeout.Std(),
		ReadTimeout:       c.Radio.ReadTimeout.Std(),
		WriteTimeout:      c.Radio.WriteTimeout.Std(),
		HeartbeatInterval: c.Radio.HeartbeatInterval.Std(),
		StableAfter:       c.Radio.StableAfter.Std(),
		Backoff: radio.BackoffConfig{
			InitialDelay: c.Radio.BackoffInitial.Std(),
			Multiplier:   c.Radio.BackoffMultiplier,
			MaxDelay:     c.Radio.BackoffMax.Std(),
			Jitter:       true,
		},
	}
}
