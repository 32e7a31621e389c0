package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
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

	// DATABASE_URL is required: the ledger cannot exist without it.
	if cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "required",
		})
	}

	errs = append(errs, validateDuration("POLL_INTERVAL", cfg.PollIntervalStr)...)
	errs = append(errs, validateDuration("RETRY_BACKOFF_BASE", cfg.RetryBackoffBaseStr)...)
	errs = append(errs, validateDuration("DELIVERY_TIMEOUT", cfg.DeliveryTimeoutStr)...)
	errs = append(errs, validateDuration("LEASE_TIMEOUT", cfg.LeaseTimeoutStr)...)
	errs = append(errs, validateDuration("BACKFILL_GRACE", cfg.BackfillGraceStr)...)

	if cfg.SendHourLocal < 0 || cfg.SendHourLocal > 23 {
		errs = append(errs, ValidationError{
			Field:   "SEND_HOUR_LOCAL",
			Message: fmt.Sprintf("must be 0-23, got %d", cfg.SendHourLocal),
		})
	}

	// A lease shorter than the delivery timeout reclaims records whose
	// worker is still delivering, which breaks at-most-once.
	if cfg.LeaseTimeout > 0 && cfg.DeliveryTimeout > 0 && cfg.LeaseTimeout <= cfg.DeliveryTimeout {
		errs = append(errs, ValidationError{
			Field:   "LEASE_TIMEOUT",
			Message: fmt.Sprintf("must exceed DELIVERY_TIMEOUT (%s)", cfg.DeliveryTimeoutStr),
		})
	}

	if cfg.SweepSchedule != "" {
		if _, err := cron.ParseStandard(cfg.SweepSchedule); err != nil {
			errs = append(errs, ValidationError{
				Field:   "SWEEP_SCHEDULE",
				Message: fmt.Sprintf("invalid cron expression: %v", err),
			})
		}
	}

	// QUEUE_MODE must be "channel" or "redis"
	if cfg.QueueMode != "" && cfg.QueueMode != "channel" && cfg.QueueMode != "redis" {
		errs = append(errs, ValidationError{
			Field:   "QUEUE_MODE",
			Message: fmt.Sprintf("must be 'channel' or 'redis', got %q", cfg.QueueMode),
		})
	}
	if cfg.QueueMode == "redis" && cfg.RedisAddr == "" {
		errs = append(errs, ValidationError{
			Field:   "REDIS_ADDR",
			Message: "required when QUEUE_MODE=redis",
		})
	}
	if cfg.AnalyticsEnabled && cfg.RedisAddr == "" {
		errs = append(errs, ValidationError{
			Field:   "REDIS_ADDR",
			Message: "required when ANALYTICS_ENABLED=true",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateDuration(field, value string) ValidationErrors {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return ValidationErrors{{
			Field:   field,
			Message: fmt.Sprintf("invalid duration: %v", err),
		}}
	}
	if d <= 0 {
		return ValidationErrors{{
			Field:   field,
			Message: "must be positive",
		}}
	}
	return nil
}
