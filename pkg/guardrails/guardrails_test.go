package guardrails_test

import (
	"testing"

	"github.com/dukex/agentrun/pkg/guardrails"
	"github.com/dukex/agentrun/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) *guardrails.Engine {
	t.Helper()

	return guardrails.NewEngine(guardrails.DefaultConfig())
}

func TestDefaultConfig_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, guardrails.DefaultConfig().Validate())

	broken := guardrails.DefaultConfig()
	broken.Input.MaxSizeMB = 0
	assert.Error(t, broken.Validate())
}

func TestEngine_ValidateInput(t *testing.T) {
	t.Parallel()

	engine := newEngine(t)

	tests := []struct {
		name          string
		format        string
		sizeMB        float64
		flagged       bool
		expectedValid bool
		expectedState guardrails.State
		expectedCodes []guardrails.Code
	}{
		{
			name:          "accepted png",
			format:        "png",
			sizeMB:        2,
			expectedValid: true,
			expectedState: guardrails.StatePassed,
		},
		{
			name:          "format is normalized",
			format:        ".PNG",
			sizeMB:        2,
			expectedValid: true,
			expectedState: guardrails.StatePassed,
		},
		{
			name:          "unsupported format",
			format:        "bmp",
			sizeMB:        2,
			expectedState: guardrails.StateBlocked,
			expectedCodes: []guardrails.Code{guardrails.CodeUnsupportedFormat},
		},
		{
			name:          "format and size errors accumulate",
			format:        "bmp",
			sizeMB:        500,
			expectedState: guardrails.StateBlocked,
			expectedCodes: []guardrails.Code{guardrails.CodeUnsupportedFormat, guardrails.CodeFileTooLarge},
		},
		{
			name:          "moderation wins over everything else",
			format:        "bmp",
			sizeMB:        500,
			flagged:       true,
			expectedState: guardrails.StateBlocked,
			expectedCodes: []guardrails.Code{guardrails.CodeModerationBlocked},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			result := engine.ValidateInput(tt.format, tt.sizeMB, tt.flagged)

			assert.Equal(t, tt.expectedValid, result.Valid)
			assert.Equal(t, tt.expectedState, result.State)

			codes := make([]guardrails.Code, 0, len(result.Errors))
			for _, v := range result.Errors {
				codes = append(codes, v.Code)
			}

			if len(tt.expectedCodes) == 0 {
				assert.Empty(t, codes)
			} else {
				assert.Equal(t, tt.expectedCodes, codes)
			}
		})
	}
}

func TestEngine_ValidatePlanning(t *testing.T) {
	t.Parallel()

	engine := newEngine(t)

	t.Run("allowed image ops pass", func(t *testing.T) {
		t.Parallel()

		result := engine.ValidatePlanning(models.Proposal{
			Steps: []models.ProposalStep{{Op: "recolor"}, {Op: "expand", Pixels: 1024}},
		}, models.MediaTypeImage)

		assert.True(t, result.Valid)
		assert.Empty(t, result.Errors)
	})

	t.Run("expand above the ceiling", func(t *testing.T) {
		t.Parallel()

		result := engine.ValidatePlanning(models.Proposal{
			Steps:            []models.ProposalStep{{Op: "expand", Pixels: 4096}},
			EstimatedCostUSD: 0.01,
		}, models.MediaTypeImage)

		assert.False(t, result.Valid)
		assert.True(t, result.Has(guardrails.CodeExpandTooLarge))
		assert.Equal(t, 2048, result.Errors[0].Metadata["ceiling"])
	})

	t.Run("errors accumulate across steps", func(t *testing.T) {
		t.Parallel()

		result := engine.ValidatePlanning(models.Proposal{
			Steps: []models.ProposalStep{
				{Op: "expand", Pixels: 3000},
				{Op: "video"},
				{Op: "recolor"},
				{Op: "teleport"},
			},
		}, models.MediaTypeImage)

		require.Len(t, result.Errors, 3)
		assert.Equal(t, guardrails.CodeExpandTooLarge, result.Errors[0].Code)
		assert.Equal(t, guardrails.CodeOpNotAllowed, result.Errors[1].Code)
		assert.Equal(t, guardrails.CodeOpNotAllowed, result.Errors[2].Code)
		assert.Equal(t, 3, result.Errors[2].Metadata["step_index"])
	})

	t.Run("allow-list depends on media type", func(t *testing.T) {
		t.Parallel()

		result := engine.ValidatePlanning(models.Proposal{
			Steps: []models.ProposalStep{{Op: "gen_fill"}},
		}, models.MediaTypeVideo)

		assert.False(t, result.Valid)
		assert.True(t, result.Has(guardrails.CodeOpNotAllowed))
	})
}

func TestEngine_EnforceExecutionLimits(t *testing.T) {
	t.Parallel()

	cfg := guardrails.DefaultConfig()
	cfg.Execution.MaxCostUSD = 1
	cfg.Execution.MaxConcurrentRuns = 2
	cfg.Execution.MaxStartsPerMinute = 10
	engine := guardrails.NewEngine(cfg)

	locked := models.DeterminismContext{Seed: 42, PromptHash: "abc", ModelVersion: "v1", Locked: true}
	noQuota := 0.0

	tests := []struct {
		name         string
		rc           models.RunContext
		usage        guardrails.Usage
		expectedCode guardrails.Code
	}{
		{
			name: "within limits",
			rc:   models.RunContext{Determinism: locked, EstimatedCostUSD: 0.5},
		},
		{
			name:         "unlocked determinism",
			rc:           models.RunContext{EstimatedCostUSD: 0.5},
			expectedCode: guardrails.CodeNonDeterministicRun,
		},
		{
			name:         "cost above ceiling",
			rc:           models.RunContext{Determinism: locked, EstimatedCostUSD: 1.01},
			expectedCode: guardrails.CodeCostLimitExceeded,
		},
		{
			name:         "concurrency",
			rc:           models.RunContext{Determinism: locked},
			usage:        guardrails.Usage{ExecutingRuns: 2},
			expectedCode: guardrails.CodeConcurrencyLimit,
		},
		{
			name:         "rate",
			rc:           models.RunContext{Determinism: locked},
			usage:        guardrails.Usage{StartsLastMinute: 10},
			expectedCode: guardrails.CodeRateLimitExceeded,
		},
		{
			name:         "gpu quota",
			rc:           models.RunContext{Determinism: locked},
			usage:        guardrails.Usage{GPUSecondsRemaining: &noQuota},
			expectedCode: guardrails.CodeGPUQuotaExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := engine.EnforceExecutionLimits(tt.rc, tt.usage)
			if tt.expectedCode == "" {
				assert.NoError(t, err)

				return
			}

			limitErr, ok := guardrails.AsLimitError(err)
			require.True(t, ok)
			assert.Equal(t, tt.expectedCode, limitErr.Code)
		})
	}
}

func TestEngine_ValidateOutput(t *testing.T) {
	t.Parallel()

	engine := newEngine(t)

	t.Run("moderated output is quarantined", func(t *testing.T) {
		t.Parallel()

		result := engine.ValidateOutput(guardrails.Asset{ID: "a1", Format: "exr", ModerationFlagged: true})

		assert.Equal(t, guardrails.StateQuarantined, result.State)
		require.Len(t, result.Errors, 1)
		assert.Equal(t, guardrails.CodeQuarantined, result.Errors[0].Code)
	})

	t.Run("exr without alpha is flagged, not quarantined", func(t *testing.T) {
		t.Parallel()

		result := engine.ValidateOutput(guardrails.Asset{ID: "a2", Format: "EXR"})

		assert.False(t, result.Valid)
		assert.Equal(t, guardrails.StateFlagged, result.State)
		assert.True(t, result.Has(guardrails.CodeEXRAlphaMissing))
	})

	t.Run("exr with alpha passes", func(t *testing.T) {
		t.Parallel()

		result := engine.ValidateOutput(guardrails.Asset{ID: "a3", Format: "exr", HasAlpha: true})
		assert.True(t, result.Valid)
	})

	t.Run("png without alpha passes", func(t *testing.T) {
		t.Parallel()

		result := engine.ValidateOutput(guardrails.Asset{ID: "a4", Format: "png"})
		assert.True(t, result.Valid)
	})
}

func TestEngine_ValidateStepParams(t *testing.T) {
	t.Parallel()

	engine := newEngine(t)

	require.NoError(t, engine.ValidateStepParams("expand", map[string]any{"pixels": 512, "direction": "left"}))
	require.NoError(t, engine.ValidateStepParams("recolor", map[string]any{"anything": true}))

	err := engine.ValidateStepParams("expand", map[string]any{"pixels": 0})
	require.Error(t, err)
	assert.ErrorIs(t, err, guardrails.ErrInvalidStepParams)

	err = engine.ValidateStepParams("expand", map[string]any{"direction": "sideways"})
	assert.ErrorIs(t, err, guardrails.ErrInvalidStepParams)
}
