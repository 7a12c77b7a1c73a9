// Package config holds the single Config record enumerating every
// environment key named in spec §6 at compile time; unknown keys are
// rejected (spec §9 design note: "Dynamic configuration by options bags
// becomes a single Config record ... unknown options are rejected").
// Structured on the teacher's node.NodeConfig / node.ConfigLoader pattern.
package config

import (
	"fmt"
	"strconv"
	"time"
)

// Config is the full set of tunables from spec §6, with the defaults
// named there.
type Config struct {
	BatchSize            int
	BatchWindow          time.Duration
	MaxConcurrentBatches int
	WorkerCount          int
	MaxRetries           int
	RetryBaseDelay       time.Duration
	SigningTimeout       time.Duration
	RotationInterval     time.Duration
	RotationOverlap      time.Duration
	ReconcileInterval    time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerReset  time.Duration
	EmergencyKeyTTL      time.Duration
	EmergencyKeyTxLimit  int

	RPCListenAddr      string
	RPCAuthToken       string
	RPCRateLimitPerSec float64
	RPCMaxBatchSize    int
}

// knownKeys is the exhaustive set of recognized environment keys (spec
// §6). FromEnv rejects anything outside this set.
var knownKeys = map[string]func(*Config, string) error{
	"batch_size":                  func(c *Config, v string) error { return setInt(&c.BatchSize, v) },
	"batch_window_ms":             func(c *Config, v string) error { return setMillis(&c.BatchWindow, v) },
	"max_concurrent_batches":      func(c *Config, v string) error { return setInt(&c.MaxConcurrentBatches, v) },
	"worker_count":                func(c *Config, v string) error { return setInt(&c.WorkerCount, v) },
	"max_retries":                 func(c *Config, v string) error { return setInt(&c.MaxRetries, v) },
	"retry_base_delay_ms":         func(c *Config, v string) error { return setMillis(&c.RetryBaseDelay, v) },
	"signing_timeout_ms":          func(c *Config, v string) error { return setMillis(&c.SigningTimeout, v) },
	"rotation_interval_days":      func(c *Config, v string) error { return setDays(&c.RotationInterval, v) },
	"rotation_overlap_hours":      func(c *Config, v string) error { return setHours(&c.RotationOverlap, v) },
	"reconcile_interval_ms":       func(c *Config, v string) error { return setMillis(&c.ReconcileInterval, v) },
	"circuit_breaker_threshold":   func(c *Config, v string) error { return setInt(&c.CircuitBreakerThreshold, v) },
	"circuit_breaker_reset_ms":    func(c *Config, v string) error { return setMillis(&c.CircuitBreakerReset, v) },
	"emergency_key_ttl_minutes":   func(c *Config, v string) error { return setMinutes(&c.EmergencyKeyTTL, v) },
	"emergency_key_tx_limit":      func(c *Config, v string) error { return setInt(&c.EmergencyKeyTxLimit, v) },
	"rpc_listen_addr":             func(c *Config, v string) error { c.RPCListenAddr = v; return nil },
	"rpc_auth_token":              func(c *Config, v string) error { c.RPCAuthToken = v; return nil },
	"rpc_rate_limit_per_sec":      func(c *Config, v string) error { return setFloat(&c.RPCRateLimitPerSec, v) },
	"rpc_max_batch_size":          func(c *Config, v string) error { return setInt(&c.RPCMaxBatchSize, v) },
}

// Default returns the spec's §6 defaults.
func Default() *Config {
	return &Config{
		BatchSize:               500,
		BatchWindow:             5 * time.Second,
		MaxConcurrentBatches:    2,
		WorkerCount:             0, // 0 means "cpu_count", resolved by the caller
		MaxRetries:              3,
		RetryBaseDelay:          time.Second,
		SigningTimeout:          5 * time.Second,
		RotationInterval:        90 * 24 * time.Hour,
		RotationOverlap:         24 * time.Hour,
		ReconcileInterval:       60 * time.Second,
		CircuitBreakerThreshold: 10,
		CircuitBreakerReset:     5 * time.Minute,
		EmergencyKeyTTL:         60 * time.Minute,
		EmergencyKeyTxLimit:     100,
		RPCListenAddr:           ":8545",
		RPCRateLimitPerSec:      50,
		RPCMaxBatchSize:         100,
	}
}

// FromEnv builds a Config starting from Default() and overlaying entries
// from env (a map as produced by parsing the process environment or a
// .env file); any key not in knownKeys is a hard error.
func FromEnv(env map[string]string) (*Config, error) {
	c := Default()
	for k, v := range env {
		setter, ok := knownKeys[k]
		if !ok {
			return nil, fmt.Errorf("config: unrecognized key %q", k)
		}
		if err := setter(c, v); err != nil {
			return nil, fmt.Errorf("config: key %q: %w", k, err)
		}
	}
	return c, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: batch_size must be positive")
	}
	if c.MaxConcurrentBatches <= 0 {
		return fmt.Errorf("config: max_concurrent_batches must be positive")
	}
	if c.EmergencyKeyTxLimit <= 0 {
		return fmt.Errorf("config: emergency_key_tx_limit must be positive")
	}
	return nil
}

func setFloat(dst *float64, v string) error {
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setMillis(dst *time.Duration, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = time.Duration(n) * time.Millisecond
	return nil
}

func setHours(dst *time.Duration, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = time.Duration(n) * time.Hour
	return nil
}

func setMinutes(dst *time.Duration, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = time.Duration(n) * time.Minute
	return nil
}

func setDays(dst *time.Duration, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = time.Duration(n) * 24 * time.Hour
	return nil
}
