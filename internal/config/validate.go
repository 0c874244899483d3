// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a single configuration validation problem.
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
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate checks the configuration for internally-inconsistent or
// out-of-range settings. It does not touch the store or the network.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.POP == "" {
		errs = append(errs, ValidationError{Field: "pop", Message: "pop is required"})
	}
	if c.Mode != ModeEnforced && c.Mode != ModeDryRun {
		errs = append(errs, ValidationError{Field: "mode", Message: fmt.Sprintf("must be %q or %q, got %q", ModeEnforced, ModeDryRun, c.Mode)})
	}

	g := c.Guardrails
	if g.MaxPrefixLenIPv4 <= 0 || g.MaxPrefixLenIPv4 > 32 {
		errs = append(errs, ValidationError{Field: "guardrails.max_prefix_len_ipv4", Message: "must be in (0, 32]"})
	}
	if g.MaxPrefixLenIPv6 <= 0 || g.MaxPrefixLenIPv6 > 128 {
		errs = append(errs, ValidationError{Field: "guardrails.max_prefix_len_ipv6", Message: "must be in (0, 128]"})
	}
	if g.MinTTLSeconds <= 0 {
		errs = append(errs, ValidationError{Field: "guardrails.min_ttl_seconds", Message: "must be positive"})
	}
	if g.MaxTTLSeconds < g.MinTTLSeconds || g.MaxTTLSeconds > 86400 {
		errs = append(errs, ValidationError{Field: "guardrails.max_ttl_seconds", Message: "must be >= min_ttl_seconds and <= 86400"})
	}
	if g.MaxPorts <= 0 {
		errs = append(errs, ValidationError{Field: "guardrails.max_ports", Message: "must be positive"})
	}

	q := c.Quotas
	if q.MaxActivePerCustomer <= 0 {
		errs = append(errs, ValidationError{Field: "quotas.max_active_per_customer", Message: "must be positive"})
	}
	if q.MaxActivePerPOP < q.MaxActivePerCustomer {
		errs = append(errs, ValidationError{Field: "quotas.max_active_per_pop", Message: "must be >= max_active_per_customer"})
	}
	if q.MaxActiveGlobal < q.MaxActivePerPOP {
		errs = append(errs, ValidationError{Field: "quotas.max_active_global", Message: "must be >= max_active_per_pop"})
	}

	t := c.Timers
	if t.ReconciliationIntervalSeconds <= 0 {
		errs = append(errs, ValidationError{Field: "timers.reconciliation_interval_seconds", Message: "must be positive"})
	}
	if t.DefaultTTLSeconds < g.MinTTLSeconds || t.DefaultTTLSeconds > g.MaxTTLSeconds {
		errs = append(errs, ValidationError{Field: "timers.default_ttl_seconds", Message: "must fall within the guardrail TTL bounds"})
	}

	if c.Speaker.Address == "" {
		errs = append(errs, ValidationError{Field: "speaker.address", Message: "speaker address is required"})
	}

	return errs
}
