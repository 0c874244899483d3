// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// LoadFile decodes an HCL config file on top of DefaultConfig and
// validates the result. Parsing errors and validation errors are both
// returned as a single wrapped error; callers that need the structured
// ValidationErrors can use errors.As.
func LoadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(raw, path)
}

// Parse decodes HCL bytes on top of DefaultConfig and validates the
// result. filename is used only for diagnostic messages.
func Parse(raw []byte, filename string) (*Config, error) {
	cfg := DefaultConfig()

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(raw, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("config: parse %s: %w", filename, diags)
	}

	if diags := gohcl.DecodeBody(file.Body, nil, cfg); diags.HasErrors() {
		return nil, fmt.Errorf("config: decode %s: %w", filename, diags)
	}

	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = CurrentSchemaVersion
	}

	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, fmt.Errorf("config: %s is invalid: %w", filename, errs)
	}

	return cfg, nil
}
