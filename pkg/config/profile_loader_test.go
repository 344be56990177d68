package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-pay/pkg/consensus"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/security"
)

const strictProfile = `
name: strict
min_required_agents: 4
byzantine_threshold: 0.75
min_agent_version: ">= 1.2.0"
rules:
  - name: usd-only
    expression: tx.currency == "USD"
    severity: error
    message: only USD settlements are allowed
`

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadPolicyProfile(t *testing.T) {
	p, err := LoadPolicyProfile(writeProfile(t, strictProfile))
	require.NoError(t, err)

	assert.Equal(t, "strict", p.Name)
	assert.Equal(t, 4, p.MinRequiredAgents)
	assert.Equal(t, ">= 1.2.0", p.MinAgentVersion)
	require.Len(t, p.Rules, 1)
	assert.Equal(t, security.SeverityError, p.Rules[0].Severity)

	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)
	p.ApplyTo(cfg)
	assert.Equal(t, 4, cfg.MinValidators)
	assert.InDelta(t, 0.75, cfg.ByzantineThreshold, 1e-9)
}

func TestPolicyProfile_SecurityOptions(t *testing.T) {
	p, err := LoadPolicyProfile(writeProfile(t, strictProfile))
	require.NoError(t, err)

	policy, err := security.NewPolicy(p.SecurityOptions()...)
	require.NoError(t, err)

	eur, err := finance.ParseMoney("10.00", "EUR")
	require.NoError(t, err)
	report := policy.ValidateTransaction(context.Background(), &consensus.Transaction{
		ID:               "tx-1",
		InitiatorAgentID: "a",
		Validators:       []string{"v1", "v2", "v3", "v4"},
		RequiredVotes:    3,
		Amount:           eur,
	})
	assert.False(t, report.Valid)
	assert.NotEmpty(t, report.Errors)
}

func TestLoadPolicyProfile_Errors(t *testing.T) {
	_, err := LoadPolicyProfile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadPolicyProfile(writeProfile(t, "byzantine_threshold: 2\n"))
	assert.Error(t, err)

	_, err = LoadPolicyProfile(writeProfile(t, "min_validators: 3\n"))
	assert.Error(t, err, "unknown fields are rejected")
}
