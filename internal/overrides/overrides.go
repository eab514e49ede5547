// Package overrides implements per-site policy overrides
// (SPEC_FULL.md §4.17): a JSON document validated against a fixed schema
// at startup, merged into the base RetryPolicy/update-method
// configuration on a per-site basis. An invalid overrides file is a
// configuration error (spec.md §7: rejected at startup, process exits
// with code 1), the same treatment config.Validate gives a bad
// config.toml.
package overrides

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/storywatch/internal/retrypolicy"
)

const schemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"additionalProperties": {
		"type": "object",
		"properties": {
			"max_normal_retries": {"type": "integer", "minimum": 1, "maximum": 50},
			"final_attempt_enabled": {"type": "boolean"},
			"final_attempt_wait_hours": {"type": "number", "exclusiveMinimum": 0.1, "maximum": 168},
			"update_method": {"type": "string", "enum": ["update", "update_always", "force", "update_no_force"]}
		},
		"additionalProperties": false
	}
}`

// entry is the JSON shape of one site's override block; every field is
// optional and only present fields override the base policy.
type entry struct {
	MaxNormalRetries      *int     `json:"max_normal_retries"`
	FinalAttemptEnabled   *bool    `json:"final_attempt_enabled"`
	FinalAttemptWaitHours *float64 `json:"final_attempt_wait_hours"`
	UpdateMethod          *string  `json:"update_method"`
}

// Set holds the parsed, schema-validated per-site overrides.
type Set struct {
	bySite map[string]entry
}

// Load reads and validates path (typically site_overrides.json) against
// the fixed schema, returning an error that should be treated as a
// configuration failure. A missing file is not an error: it yields an
// empty Set, since overrides are optional.
func Load(path string) (*Set, error) {
	if path == "" {
		return &Set{bySite: map[string]entry{}}, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Set{bySite: map[string]entry{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read overrides file: %w", err)
	}

	schema, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compile overrides schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("site_overrides.schema.json", schema); err != nil {
		return nil, fmt.Errorf("register overrides schema: %w", err)
	}
	compiled, err := compiler.Compile("site_overrides.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile overrides schema: %w", err)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse overrides file: %w", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return nil, fmt.Errorf("overrides file failed schema validation: %w", err)
	}

	var bySite map[string]entry
	if err := json.Unmarshal(raw, &bySite); err != nil {
		return nil, fmt.Errorf("decode overrides file: %w", err)
	}
	return &Set{bySite: bySite}, nil
}

// ApplyRetryConfig returns cfg with any per-site retry overrides merged
// in. site is normalized the same way model.NormalizeSite produces it.
func (s *Set) ApplyRetryConfig(site string, cfg retrypolicy.Config) retrypolicy.Config {
	e, ok := s.bySite[site]
	if !ok {
		return cfg
	}
	if e.MaxNormalRetries != nil {
		cfg.MaxNormalRetries = *e.MaxNormalRetries
	}
	if e.FinalAttemptEnabled != nil {
		cfg.FinalAttemptEnabled = *e.FinalAttemptEnabled
	}
	if e.FinalAttemptWaitHours != nil {
		cfg.FinalAttemptWaitHours = *e.FinalAttemptWaitHours
	}
	return cfg
}

// UpdateMethodFor returns the per-site update-method override, if any.
func (s *Set) UpdateMethodFor(site string, base retrypolicy.UpdateMethod) retrypolicy.UpdateMethod {
	e, ok := s.bySite[site]
	if !ok || e.UpdateMethod == nil {
		return base
	}
	return retrypolicy.UpdateMethod(*e.UpdateMethod)
}
