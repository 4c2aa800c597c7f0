package guardrails

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidStepParams is returned when plan-step parameters don't satisfy the tool's schema.
var ErrInvalidStepParams = errors.New("invalid step parameters")

// ValidateStepParams checks plan-step parameters against the JSON schema
// configured for the tool. Tools without a schema accept any parameters.
func (e *Engine) ValidateStepParams(tool string, params map[string]any) error {
	schema, ok := e.config.Planning.ParamSchemas[tool]
	if !ok {
		return nil
	}

	if params == nil {
		params = map[string]any{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(params))
	if err != nil {
		return fmt.Errorf("failed to evaluate schema for tool %s: %w", tool, err)
	}

	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}

	return fmt.Errorf("%w for tool %s: %s", ErrInvalidStepParams, tool, strings.Join(details, "; "))
}
