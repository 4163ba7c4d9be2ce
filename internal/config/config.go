// Package config handles environment variable loading for ports, database strings, etc.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the control plane.
type Config struct {
	// Database connection string
	DatabaseURL string

	// HTTP server port
	HTTPPort int

	// Secret used to sign agent credentials (HS256)
	AgentKeySecret string

	// Number of schedule fires processed simultaneously
	SchedulerConcurrency int

	// Poll interval for the scheduler queue worker
	SchedulerPollInterval time.Duration

	// How often exhausted delivery tasks are reaped
	ReapInterval time.Duration

	// OTLP collector address for traces, empty disables tracing
	OTELCollectorAddr string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	secret := os.Getenv("AGENT_KEY_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("AGENT_KEY_SECRET is required")
	}

	port := 8080
	if s := os.Getenv("PORT"); s != "" {
		p, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		port = p
	}

	concurrency := 5
	if s := os.Getenv("SCHEDULER_CONCURRENCY"); s != "" {
		c, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("invalid SCHEDULER_CONCURRENCY: %w", err)
		}
		concurrency = c
	}

	pollInterval := 1 * time.Second
	if s := os.Getenv("SCHEDULER_POLL_INTERVAL"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid SCHEDULER_POLL_INTERVAL: %w", err)
		}
		pollInterval = d
	}

	reapInterval := 30 * time.Second
	if s := os.Getenv("REAP_INTERVAL"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid REAP_INTERVAL: %w", err)
		}
		reapInterval = d
	}

	return &Config{
		DatabaseURL:           dbURL,
		HTTPPort:              port,
		AgentKeySecret:        secret,
		SchedulerConcurrency:  concurrency,
		SchedulerPollInterval: pollInterval,
		ReapInterval:          reapInterval,
		OTELCollectorAddr:     os.Getenv("OTEL_COLLECTOR_ADDR"),
	}, nil
}
