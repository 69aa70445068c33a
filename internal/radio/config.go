package radio

import (
	"errors"
	"strings"
	"time"
)

var ErrAddressRequired = errors.New("radio: device address required")

// DefaultPort is the TCP port mesh radios expose the stream API on.
const DefaultPort = "4403"

// Config defines transport and reliability behavior for one radio link.
type Config struct {
	// Address is the radio's host:port. A bare host gets DefaultPort.
	Address string

	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration

	// StableAfter is how long a connection must hold before the backoff
	// counter resets to base. Guards against an isolated transient
	// connect silently zeroing an otherwise-growing schedule.
	StableAfter time.Duration

	Backoff BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    5 * time.Second,
		ReadTimeout:       90 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		StableAfter:       30 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.StableAfter <= 0 {
		c.StableAfter = def.StableAfter
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = def.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier <= 0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	if c.Address != "" && !strings.Contains(c.Address, ":") {
		c.Address += ":" + DefaultPort
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return ErrAddressRequired
	}
	return nil
}
