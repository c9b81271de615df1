// Package config provides configuration management for go-proc-stream.
package config

import "time"

// Config holds all configuration options for tracking one subprocess run.
type Config struct {
	// Command to execute: argv[0] is the executable.
	Argv []string `json:"argv"`
	Cwd  string   `json:"cwd"`
	Env  []string `json:"env"` // KEY=VALUE pairs added to the subprocess environment

	// Capture
	BufferCapacity uint64 `json:"buffer_capacity"` // bytes per output-stream buffer

	// Estimation
	HistoryPath       string        `json:"history_path"` // SQLite file, empty = in-memory only
	SignatureEnvKeys  []string      `json:"signature_env_keys"`
	EstimateInterval  time.Duration `json:"estimate_interval"`
	HistoricalWeight  float64       `json:"historical_weight"`
	MinHistorySamples int           `json:"min_history_samples"`

	// Shutdown
	KillTimeout time.Duration `json:"kill_timeout"`

	// Observability
	MetricsAddr string `json:"metrics_addr"` // empty = metrics server disabled
	Verbose     bool   `json:"verbose"`
	LogFormat   string `json:"log_format"` // json, text
	LogLevel    string `json:"log_level"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		// Capture
		BufferCapacity: 64 * 1024,

		// Estimation
		HistoryPath:       "",
		SignatureEnvKeys:  nil,
		EstimateInterval:  2 * time.Second,
		HistoricalWeight:  0.7,
		MinHistorySamples: 1,

		// Shutdown
		KillTimeout: 5 * time.Second,

		// Observability
		MetricsAddr: "",
		Verbose:     false,
		LogFormat:   "json",
		LogLevel:    "info",
	}
}
