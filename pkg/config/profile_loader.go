package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm-pay/pkg/security"
)

// PolicyProfile overrides the security policy of a deployment.
//
//	name: strict
//	min_required_agents: 4
//	byzantine_threshold: 0.75
//	min_agent_version: ">= 1.2.0"
//	rules:
//	  - name: usd-only
//	    expression: tx.currency == "USD"
//	    severity: error
type PolicyProfile struct {
	Name               string          `yaml:"name" json:"name"`
	MinRequiredAgents  int             `yaml:"min_required_agents,omitempty" json:"min_required_agents,omitempty"`
	ByzantineThreshold float64         `yaml:"byzantine_threshold,omitempty" json:"byzantine_threshold,omitempty"`
	MinAgentVersion    string          `yaml:"min_agent_version,omitempty" json:"min_agent_version,omitempty"`
	Rules              []security.Rule `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// LoadPolicyProfile reads a profile from path.
func LoadPolicyProfile(path string) (*PolicyProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy profile: %w", err)
	}

	var profile PolicyProfile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&profile); err != nil {
		return nil, fmt.Errorf("parse policy profile %s: %w", path, err)
	}
	if profile.ByzantineThreshold < 0 || profile.ByzantineThreshold > 1 {
		return nil, fmt.Errorf("policy profile %s: byzantine_threshold must be in (0, 1], got %v", path, profile.ByzantineThreshold)
	}
	if profile.MinRequiredAgents < 0 {
		return nil, fmt.Errorf("policy profile %s: min_required_agents must not be negative", path)
	}
	return &profile, nil
}

// ApplyTo overrides the thresholds in cfg with the ones the profile sets.
func (p *PolicyProfile) ApplyTo(cfg *Config) {
	if p.MinRequiredAgents > 0 {
		cfg.MinValidators = p.MinRequiredAgents
	}
	if p.ByzantineThreshold > 0 {
		cfg.ByzantineThreshold = p.ByzantineThreshold
	}
}

// SecurityOptions returns the policy options the profile adds.
func (p *PolicyProfile) SecurityOptions() []security.Option {
	var opts []security.Option
	if p.MinRequiredAgents > 0 {
		opts = append(opts, security.WithMinRequiredAgents(p.MinRequiredAgents))
	}
	if p.MinAgentVersion != "" {
		opts = append(opts, security.WithMinAgentVersion(p.MinAgentVersion))
	}
	if len(p.Rules) > 0 {
		opts = append(opts, security.WithRules(p.Rules...))
	}
	return opts
}
