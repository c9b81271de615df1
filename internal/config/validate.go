package config

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or an error describing every problem found.
func Validate(cfg *Config) error {
	var errs []error

	if len(cfg.Argv) == 0 {
		errs = append(errs, ValidationError{
			Field:   "argv",
			Message: "a command to run is required",
		})
	}

	if cfg.BufferCapacity == 0 {
		errs = append(errs, ValidationError{
			Field:   "buffer",
			Message: "capture buffer capacity must be positive",
		})
	}

	for _, kv := range cfg.Env {
		if !strings.Contains(kv, "=") {
			errs = append(errs, ValidationError{
				Field:   "env",
				Message: fmt.Sprintf("must be KEY=VALUE (got %q)", kv),
			})
		}
	}

	if cfg.EstimateInterval <= 0 {
		errs = append(errs, ValidationError{
			Field:   "estimate_every",
			Message: "must be positive",
		})
	}

	if cfg.HistoricalWeight < 0 || cfg.HistoricalWeight > 1 {
		errs = append(errs, ValidationError{
			Field:   "historical_weight",
			Message: "must be within [0, 1]",
		})
	}

	switch strings.ToLower(cfg.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be json or text (got %q)", cfg.LogFormat),
		})
	}

	return errors.Join(errs...)
}
