// Package config loads and watches the outpost configuration file.
//
// The file may be JSON or YAML; YAML is coerced to JSON so both formats go
// through the same strict decoder (unknown fields are rejected).
package config

import (
	"fmt"
	"time"
)

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	HTTP     HTTPConfig     `json:"http,omitempty"`
	Storage  StorageConfig  `json:"storage"`
	Dispatch DispatchConfig `json:"dispatch"`
	Rate     RateConfig     `json:"rate"`
	Timing   TimingConfig   `json:"timing,omitempty"`
	Oracle   OracleConfig   `json:"oracle,omitempty"`
	Carrier  CarrierConfig  `json:"carrier,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the producer-facing HTTP API.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./outpost.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DispatchConfig controls the dispatcher tick.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - interval: "30s"
//   - batch_size: 50
//   - claim_ttl: 5x interval
//   - oracle_timeout: "20s"
type DispatchConfig struct {
	Enabled       bool   `json:"enabled"`
	Interval      string `json:"interval,omitempty"`
	BatchSize     int    `json:"batch_size,omitempty"`
	ClaimTTL      string `json:"claim_ttl,omitempty"`
	OracleTimeout string `json:"oracle_timeout,omitempty"`
	// RetryDelay is the reschedule delay after a carrier failure.
	RetryDelay string `json:"retry_delay,omitempty"`
}

// RateConfig carries the default per-user sending policy. Individual users
// may override caps and quiet hours through user settings.
type RateConfig struct {
	DailyCap  int `json:"daily_cap,omitempty"`  // default 10
	HourlyCap int `json:"hourly_cap,omitempty"` // default 2

	// Quiet window, "HH:MM" local to the user's timezone.
	// A window with start > end crosses midnight.
	QuietStart string `json:"quiet_start,omitempty"` // default "22:00"
	QuietEnd   string `json:"quiet_end,omitempty"`   // default "08:00"

	// ActivityWindow is how recently a user must have written to count as
	// currently engaged.
	ActivityWindow string `json:"activity_window,omitempty"` // default "10m"
}

// TimingConfig controls the optimal-send-time predictor defaults.
type TimingConfig struct {
	Timezone string `json:"timezone,omitempty"` // default "UTC"
	// DefaultSlots are the "HH:MM" fallback send slots for users without a
	// learned response pattern.
	DefaultSlots []string `json:"default_slots,omitempty"` // default ["10:00","15:00"]
}

// OracleConfig selects the judgment/generation backend used for relevance
// classification and rendering.
type OracleConfig struct {
	Provider string `json:"provider,omitempty"` // anthropic | openai | none
	APIKey   string `json:"api_key,omitempty"`
	APIBase  string `json:"api_base,omitempty"`
	Model    string `json:"model,omitempty"`
}

// CarrierConfig points at the downstream SMS carrier adapter.
type CarrierConfig struct {
	Endpoint   string `json:"endpoint,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"` // default 5
	Timeout    string `json:"timeout,omitempty"`      // default "10s"
}

// Validate rejects configs that would misbehave at runtime. Called both on
// startup and before committing a hot reload.
func (c *Config) Validate() error {
	for _, d := range []struct{ path, raw string }{
		{"http.read_timeout", c.HTTP.ReadTimeout},
		{"http.write_timeout", c.HTTP.WriteTimeout},
		{"http.idle_timeout", c.HTTP.IdleTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"dispatch.interval", c.Dispatch.Interval},
		{"dispatch.claim_ttl", c.Dispatch.ClaimTTL},
		{"dispatch.oracle_timeout", c.Dispatch.OracleTimeout},
		{"dispatch.retry_delay", c.Dispatch.RetryDelay},
		{"rate.activity_window", c.Rate.ActivityWindow},
		{"carrier.timeout", c.Carrier.Timeout},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	for _, hm := range []struct{ path, raw string }{
		{"rate.quiet_start", c.Rate.QuietStart},
		{"rate.quiet_end", c.Rate.QuietEnd},
	} {
		if hm.raw == "" {
			continue
		}
		if err := validHHMM(hm.path, hm.raw); err != nil {
			return err
		}
	}
	for i, slot := range c.Timing.DefaultSlots {
		if err := validHHMM(fmt.Sprintf("timing.default_slots[%d]", i), slot); err != nil {
			return err
		}
	}
	if tz := c.Timing.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("timing.timezone: %w", err)
		}
	}
	if c.Rate.DailyCap < 0 || c.Rate.HourlyCap < 0 {
		return fmt.Errorf("rate caps must be >= 0")
	}
	switch c.Oracle.Provider {
	case "", "none", "anthropic", "openai":
	default:
		return fmt.Errorf("oracle.provider: unknown provider %q", c.Oracle.Provider)
	}
	return nil
}

func validHHMM(path, raw string) error {
	var h, m int
	if _, err := fmt.Sscanf(raw, "%d:%d", &h, &m); err != nil {
		return fmt.Errorf("%s: invalid time %q, expected HH:MM", path, raw)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return fmt.Errorf("%s: time %q out of range", path, raw)
	}
	return nil
}
