package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mchalk/rudder-core/paths"
	"github.com/mchalk/rudder-core/permission"
	"github.com/mchalk/rudder-core/stream"
)

// Policy is the operator-editable overlay loaded from policy.yaml. It
// tightens (never loosens) the built-in permission rules and can override
// per-model pricing used for cost reporting.
type Policy struct {
	Permissions permission.Overlay      `yaml:"permissions"`
	Pricing     map[string]stream.Rates `yaml:"pricing"`
}

// LoadPolicy reads and parses policy.yaml from the config directory.
// Returns nil, nil if the file does not exist.
func LoadPolicy() (*Policy, error) {
	fp, err := paths.PolicyFilePath()
	if err != nil {
		return nil, err
	}
	return LoadPolicyFrom(fp)
}

// LoadPolicyFrom reads and parses a policy file at an explicit path.
// Returns nil, nil if the file does not exist.
func LoadPolicyFrom(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return &p, nil
}

// Validate checks the policy for values that would silently misbehave.
func (p *Policy) Validate() error {
	for model, rates := range p.Pricing {
		if model == "" {
			return fmt.Errorf("pricing entry with empty model name")
		}
		if rates.Input < 0 || rates.Output < 0 || rates.CacheWrite < 0 || rates.CacheRead < 0 {
			return fmt.Errorf("pricing for %q has a negative rate", model)
		}
	}
	for _, path := range p.Permissions.DeniedPaths {
		if path == "" {
			return fmt.Errorf("permissions.denied_paths contains an empty entry")
		}
	}
	for _, cmd := range p.Permissions.DeniedCommands {
		if cmd == "" {
			return fmt.Errorf("permissions.denied_commands contains an empty entry")
		}
	}
	return nil
}
