// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.POP = "ams1"
	errs := cfg.Validate()
	require.Empty(t, errs, errs.Error())
}

func TestValidate_RejectsMissingPOP(t *testing.T) {
	cfg := DefaultConfig()
	errs := cfg.Validate()
	require.True(t, errs.HasErrors())
	assert.Contains(t, errs.Error(), "pop")
}

func TestValidate_RejectsBadMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.POP = "ams1"
	cfg.Mode = "enabled"
	errs := cfg.Validate()
	require.True(t, errs.HasErrors())
	assert.Contains(t, errs.Error(), "mode")
}

func TestValidate_RejectsInvertedQuotas(t *testing.T) {
	cfg := DefaultConfig()
	cfg.POP = "ams1"
	cfg.Quotas.MaxActivePerPOP = 1
	cfg.Quotas.MaxActivePerCustomer = 5
	errs := cfg.Validate()
	require.True(t, errs.HasErrors())
	assert.Contains(t, errs.Error(), "max_active_per_pop")
}

func TestParse_MinimalHCL(t *testing.T) {
	raw := `
pop = "ams1"
mode = "dry-run"
`
	cfg, err := Parse([]byte(raw), "test.hcl")
	require.NoError(t, err)
	assert.Equal(t, "ams1", cfg.POP)
	assert.Equal(t, ModeDryRun, cfg.Mode)
	assert.Equal(t, 120, cfg.Timers.DefaultTTLSeconds)
}
