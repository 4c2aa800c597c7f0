package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/agentrun/pkg/hitl"
	"github.com/dukex/agentrun/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicy(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	return path
}

func TestLoadPolicy(t *testing.T) {
	t.Parallel()

	path := writePolicy(t, `
guardrails:
  input:
    allowed_formats: [png]
    max_size_mb: 10
  planning:
    allowed_ops:
      image: [recolor, expand]
    pixel_ceilings:
      expand: 1024
  execution:
    max_cost_usd: 2.5
    max_concurrent_runs: 4
hitl:
  mandatory_ops: [expand]
  auto_approve_cost_ceiling_usd: 0.5
  auto_approve_rule: all
`)

	policy, err := LoadPolicy(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"png"}, policy.Guardrails.Input.AllowedFormats)
	assert.InDelta(t, 10.0, policy.Guardrails.Input.MaxSizeMB, 0.0001)
	assert.Equal(t, []string{"recolor", "expand"}, policy.Guardrails.Planning.AllowedOps[models.MediaTypeImage])
	assert.Equal(t, 1024, policy.Guardrails.Planning.PixelCeilings["expand"])
	assert.Equal(t, 4, policy.Guardrails.Execution.MaxConcurrentRuns)
	assert.Equal(t, hitl.RuleAll, policy.HITL.AutoApproveRule)
	assert.Equal(t, []string{"expand"}, policy.HITL.MandatoryOps)

	// untouched keys keep their defaults
	assert.Equal(t, 1024, policy.HITL.BaseWidth)
	assert.Equal(t, []string{"exr"}, policy.Guardrails.Output.AlphaRequiredFormats)
}

func TestLoadPolicy_Invalid(t *testing.T) {
	t.Parallel()

	_, err := LoadPolicy(writePolicy(t, "hitl:\n  auto_approve_rule: sometimes\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid policy")

	_, err = LoadPolicy(writePolicy(t, "guardrails: [not, a, map]"))
	assert.Error(t, err)

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadPolicyOrDefault(t *testing.T) {
	t.Parallel()

	policy, err := LoadPolicyOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), policy)
}
