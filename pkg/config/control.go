package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ControlConfig controls the control plane process.
type ControlConfig struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string

	// MaxRunners caps fleet size; registration beyond it is rejected.
	MaxRunners int

	// HeartbeatTimeout is how long after the last heartbeat a runner is
	// still considered online.
	HeartbeatTimeout time.Duration

	// HealthCheckInterval is the cadence of the offline sweep.
	HealthCheckInterval time.Duration

	// LoadFactor is the fraction of a runner's capacity usable for
	// assignment. Runners at or above it are skipped by selection.
	LoadFactor float64

	// DatabaseDSN enables the Postgres-backed metadata store when set.
	// Empty means in-memory (single process, no durable journal).
	DatabaseDSN string

	// SubscriberWriteTimeout bounds a single websocket send to a subscriber.
	SubscriberWriteTimeout time.Duration

	// AuthToken, when set, is required as a bearer token on the public API.
	AuthToken string
}

// DefaultControlConfig returns the built-in control plane defaults.
func DefaultControlConfig() *ControlConfig {
	return &ControlConfig{
		ListenAddr:             ":8080",
		MaxRunners:             1000,
		HeartbeatTimeout:       60 * time.Second,
		HealthCheckInterval:    30 * time.Second,
		LoadFactor:             0.8,
		SubscriberWriteTimeout: 10 * time.Second,
	}
}

// LoadControlConfig builds a ControlConfig from the environment on top of
// the defaults.
func LoadControlConfig() (*ControlConfig, error) {
	cfg := DefaultControlConfig()

	cfg.ListenAddr = getEnvOrDefault("CONTROL_LISTEN_ADDR", cfg.ListenAddr)
	cfg.DatabaseDSN = os.Getenv("DATABASE_URL")
	cfg.AuthToken = os.Getenv("CONTROL_AUTH_TOKEN")

	if v := os.Getenv("CONTROL_MAX_RUNNERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid CONTROL_MAX_RUNNERS: %q", v)
		}
		cfg.MaxRunners = n
	}
	if v := os.Getenv("CONTROL_LOAD_FACTOR"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 || f > 1 {
			return nil, fmt.Errorf("invalid CONTROL_LOAD_FACTOR: %q", v)
		}
		cfg.LoadFactor = f
	}

	var err error
	if cfg.HeartbeatTimeout, err = durationEnv("CONTROL_HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout); err != nil {
		return nil, err
	}
	if cfg.HealthCheckInterval, err = durationEnv("CONTROL_HEALTH_CHECK_INTERVAL", cfg.HealthCheckInterval); err != nil {
		return nil, err
	}
	if cfg.SubscriberWriteTimeout, err = durationEnv("CONTROL_SUBSCRIBER_WRITE_TIMEOUT", cfg.SubscriberWriteTimeout); err != nil {
		return nil, err
	}

	return cfg, nil
}
