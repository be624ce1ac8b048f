package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers SyncGate-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	// duration: a non-negative Go duration string ("30s", "1m30s")
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	return nil
}

func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d >= 0
}

// Validate validates the Config using struct tags and custom cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateRuleDatabase(); err != nil {
		return err
	}
	if err := c.validateUniqueDatabases(); err != nil {
		return err
	}
	if err := c.validatePositiveDurations(); err != nil {
		return err
	}

	return nil
}

// validateRuleDatabase ensures clients can never reach the rule document.
func (c *Config) validateRuleDatabase() error {
	for _, db := range c.Databases {
		if db == c.Rules.Database {
			return fmt.Errorf("rules.database %q must not be an exposed database", db)
		}
	}
	return nil
}

func (c *Config) validateUniqueDatabases() error {
	seen := make(map[string]struct{}, len(c.Databases))
	for i, db := range c.Databases {
		if strings.HasPrefix(db, "_") {
			return fmt.Errorf("databases[%d]: %q is a system database", i, db)
		}
		if _, dup := seen[db]; dup {
			return fmt.Errorf("databases[%d]: duplicate database %q", i, db)
		}
		seen[db] = struct{}{}
	}
	return nil
}

// validatePositiveDurations rejects zero for durations that drive timers.
func (c *Config) validatePositiveDurations() error {
	for name, value := range map[string]string{
		"rules.poll_timeout":  c.Rules.PollTimeout,
		"rules.retry_backoff": c.Rules.RetryBackoff,
		"session.ttl":         c.Session.TTL,
	} {
		if value == "" {
			continue
		}
		if d, _ := time.ParseDuration(value); d <= 0 {
			return fmt.Errorf("%s must be greater than zero", name)
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_with":
		return fmt.Sprintf("%s is required when %s is set", field, e.Param())
	case "min":
		if e.Kind().String() == "string" {
			return fmt.Sprintf("%s must be at least %s characters", field, e.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "cidr|ip":
		return fmt.Sprintf("%s must be an IP address or CIDR range", field)
	case "duration":
		return fmt.Sprintf("%s must be a duration such as \"30s\" or \"5m\"", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
