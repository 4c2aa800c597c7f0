// Package config provides configuration loading for the guardrail and HITL policy file.
package config

import (
	"fmt"
	"os"

	"github.com/dukex/agentrun/pkg/guardrails"
	"github.com/dukex/agentrun/pkg/hitl"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// PolicyFile represents the structure of the policy.yaml file.
type PolicyFile struct {
	Guardrails guardrails.Config `yaml:"guardrails"`
	HITL       hitl.Config       `yaml:"hitl"`
}

// DefaultPolicy returns the stock guardrail and HITL configuration.
func DefaultPolicy() PolicyFile {
	return PolicyFile{
		Guardrails: guardrails.DefaultConfig(),
		HITL:       hitl.DefaultConfig(),
	}
}

// LoadPolicy loads a policy file on top of the defaults. Keys missing from
// the file keep their default value.
func LoadPolicy(filepath string) (PolicyFile, error) {
	policy := DefaultPolicy()

	data, err := os.ReadFile(filepath) // #nosec G304 -- path comes from operator configuration
	if err != nil {
		return PolicyFile{}, fmt.Errorf("failed to read policy file %s: %w", filepath, err)
	}

	if err := yaml.Unmarshal(data, &policy); err != nil {
		return PolicyFile{}, fmt.Errorf("failed to parse YAML policy: %w", err)
	}

	if err := ValidatePolicy(policy); err != nil {
		return PolicyFile{}, err
	}

	return policy, nil
}

// LoadPolicyOrDefault loads the policy file when a path is given, falling
// back to the defaults otherwise.
func LoadPolicyOrDefault(filepath string) (PolicyFile, error) {
	if filepath == "" {
		return DefaultPolicy(), nil
	}

	return LoadPolicy(filepath)
}

// ValidatePolicy validates the policy configuration.
func ValidatePolicy(policy PolicyFile) error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(policy); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}

	return nil
}
