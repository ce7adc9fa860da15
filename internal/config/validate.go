package config

import (
	"fmt"
	"net/url"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	// DATABASE_URL is required
	if cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "required",
		})
	}

	errs = appendDurationErrors(errs, "SWEEP_INTERVAL", cfg.SweepIntervalStr)
	errs = appendDurationErrors(errs, "DB_OP_TIMEOUT", cfg.DBOpTimeoutStr)
	errs = appendDurationErrors(errs, "WATCHDOG_INTERVAL", cfg.WatchdogIntervalStr)
	errs = appendDurationErrors(errs, "WATCHDOG_GRACE", cfg.WatchdogGraceStr)
	errs = appendDurationErrors(errs, "ADS_API_TIMEOUT", cfg.AdsAPITimeoutStr)

	// ADS_API_BASE_URL must parse as an absolute URL
	if cfg.AdsAPIBaseURL != "" {
		u, err := url.Parse(cfg.AdsAPIBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, ValidationError{
				Field:   "ADS_API_BASE_URL",
				Message: fmt.Sprintf("must be an absolute URL, got %q", cfg.AdsAPIBaseURL),
			})
		}
	}

	// WATCHDOG_GRACE below the sweep interval would reset schedules that a
	// healthy executor is still working on.
	if cfg.WatchdogGrace > 0 && cfg.SweepInterval > 0 && cfg.WatchdogGrace < cfg.SweepInterval {
		errs = append(errs, ValidationError{
			Field:   "WATCHDOG_GRACE",
			Message: "must not be shorter than SWEEP_INTERVAL",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func appendDurationErrors(errs ValidationErrors, field, value string) ValidationErrors {
	if value == "" {
		return errs
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("invalid duration: %v", err),
		})
	}
	if d <= 0 {
		return append(errs, ValidationError{
			Field:   field,
			Message: "must be positive",
		})
	}
	return errs
}
