// Package guardrails implements the safety, cost and format checkpoints applied
// at input, planning, execution-start and output.
//
// Input, planning and output checkpoints return a Result value listing every
// violation found. The execution checkpoint is fail-fast and returns a
// *LimitError instead; the two shapes are kept apart so a fatal limit can't be
// mistaken for an advisory finding.
package guardrails

import (
	"errors"
	"fmt"
)

// Code identifies a guardrail violation.
type Code string

const (
	CodeUnsupportedFormat   Code = "UNSUPPORTED_FORMAT"
	CodeFileTooLarge        Code = "FILE_TOO_LARGE"
	CodeModerationBlocked   Code = "MODERATION_BLOCKED"
	CodeOpNotAllowed        Code = "OP_NOT_ALLOWED"
	CodeExpandTooLarge      Code = "EXPAND_TOO_LARGE"
	CodeCostLimitExceeded   Code = "COST_LIMIT_EXCEEDED"
	CodeNonDeterministicRun Code = "NON_DETERMINISTIC_RUN"
	CodeEXRAlphaMissing     Code = "EXR_ALPHA_MISSING"
	CodeQuarantined         Code = "QUARANTINED"
	CodeRateLimitExceeded   Code = "RATE_LIMIT_EXCEEDED"
	CodeConcurrencyLimit    Code = "CONCURRENCY_LIMIT"
	CodeGPUQuotaExceeded    Code = "GPU_QUOTA_EXCEEDED"
)

// State is the disposition a checkpoint assigns to its subject.
type State string

const (
	StatePassed      State = "PASSED"
	StateBlocked     State = "BLOCKED"
	StateQuarantined State = "QUARANTINED"
	StateFlagged     State = "FLAGGED"
)

// Violation is a single guardrail finding.
type Violation struct {
	Code     Code           `json:"code"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Code, v.Message)
}

// Result is the outcome of a non-fatal checkpoint.
type Result struct {
	Valid  bool        `json:"valid"`
	State  State       `json:"state,omitempty"`
	Errors []Violation `json:"errors,omitempty"`
}

// Has reports whether the result contains a violation with the given code.
func (r Result) Has(code Code) bool {
	for _, v := range r.Errors {
		if v.Code == code {
			return true
		}
	}

	return false
}

func passed() Result {
	return Result{Valid: true, State: StatePassed}
}

// LimitError is returned by the execution checkpoint. It always blocks entry
// into EXECUTING.
type LimitError struct {
	Violation
}

func (e *LimitError) Error() string {
	return "execution limit: " + e.Violation.String()
}

// AsLimitError extracts a *LimitError from an error chain.
func AsLimitError(err error) (*LimitError, bool) {
	var limitErr *LimitError
	if errors.As(err, &limitErr) {
		return limitErr, true
	}

	return nil, false
}

// Engine applies the checkpoints using externally supplied configuration.
// It holds no mutable state; every method is safe for concurrent use.
type Engine struct {
	config Config
}

// NewEngine creates an engine bound to the given configuration.
func NewEngine(config Config) *Engine {
	return &Engine{config: config}
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() Config {
	return e.config
}
