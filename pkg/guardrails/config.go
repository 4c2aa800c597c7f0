package guardrails

import (
	"github.com/dukex/agentrun/pkg/models"
	"github.com/go-playground/validator/v10"
)

// Config is the guardrail configuration surface. None of these values are
// baked into the engine so they can change without a redeploy.
type Config struct {
	Input     InputConfig     `json:"input"     yaml:"input"`
	Planning  PlanningConfig  `json:"planning"  yaml:"planning"`
	Execution ExecutionConfig `json:"execution" yaml:"execution"`
	Output    OutputConfig    `json:"output"    yaml:"output"`
}

type InputConfig struct {
	AllowedFormats []string `json:"allowed_formats" yaml:"allowed_formats" validate:"required,min=1"`
	MaxSizeMB      float64  `json:"max_size_mb"     yaml:"max_size_mb"     validate:"gt=0"`
}

type PlanningConfig struct {
	AllowedOps    map[models.MediaType][]string `json:"allowed_ops"    yaml:"allowed_ops"    validate:"required,min=1"`
	PixelCeilings map[string]int                `json:"pixel_ceilings" yaml:"pixel_ceilings" validate:"dive,gt=0"`
	// ParamSchemas maps a tool name to a JSON schema its plan-step parameters must satisfy.
	ParamSchemas map[string]map[string]any `json:"param_schemas" yaml:"param_schemas"`
}

type ExecutionConfig struct {
	MaxCostUSD float64 `json:"max_cost_usd"          yaml:"max_cost_usd"          validate:"gt=0"`
	// Zero disables the limit.
	MaxConcurrentRuns  int `json:"max_concurrent_runs"   yaml:"max_concurrent_runs"   validate:"min=0"`
	MaxStartsPerMinute int `json:"max_starts_per_minute" yaml:"max_starts_per_minute" validate:"min=0"`
}

type OutputConfig struct {
	// AlphaRequiredFormats lists formats whose assets must carry an alpha channel.
	AlphaRequiredFormats []string `json:"alpha_required_formats" yaml:"alpha_required_formats"`
}

// DefaultConfig returns the stock guardrail configuration.
func DefaultConfig() Config {
	return Config{
		Input: InputConfig{
			AllowedFormats: []string{"png", "jpg", "jpeg", "webp", "tiff", "exr", "mp4", "mov"},
			MaxSizeMB:      50,
		},
		Planning: PlanningConfig{
			AllowedOps: map[models.MediaType][]string{
				models.MediaTypeImage: {
					"recolor", "relight", "upscale", "crop", "remove_bg",
					"style_transfer", "expand", "gen_fill", "8k", "exr",
				},
				models.MediaTypeVideo: {
					"video", "trim", "stabilize", "interpolate", "upscale", "recolor",
				},
			},
			PixelCeilings: map[string]int{
				"expand": 2048,
			},
			ParamSchemas: map[string]map[string]any{
				"expand": {
					"type": "object",
					"properties": map[string]any{
						"pixels":    map[string]any{"type": "integer", "minimum": 1},
						"direction": map[string]any{"enum": []any{"left", "right", "up", "down", "all"}},
					},
				},
			},
		},
		Execution: ExecutionConfig{
			MaxCostUSD: 5,
		},
		Output: OutputConfig{
			AlphaRequiredFormats: []string{"exr"},
		},
	}
}

// Validate checks the configuration for structural errors.
func (c Config) Validate() error {
	return validator.New(validator.WithRequiredStructEnabled()).Struct(c)
}
