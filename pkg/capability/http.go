package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/dukex/agentrun/pkg/coordinator"
	"github.com/dukex/agentrun/pkg/models"
)

const defaultHTTPTimeout = 30 * time.Second

// RetryConfig controls retries of 5xx responses.
type RetryConfig struct {
	Attempts int
	Delay    time.Duration
}

// HTTPCapability posts the run context to a remote worker at
// <BaseURL>/<kind> and decodes the returned context. Calls go through the
// coordinator keyed by run and state so a repeated advance joins the same
// request and run cancellation can drop it.
type HTTPCapability struct {
	kind        Kind
	url         string
	client      *http.Client
	coordinator *coordinator.Coordinator
	retry       RetryConfig
	logger      *slog.Logger
}

// NewHTTPCapability creates a remote capability for kind.
func NewHTTPCapability(kind Kind, baseURL string, coord *coordinator.Coordinator, logger *slog.Logger) (*HTTPCapability, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	if baseURL == "" {
		return nil, fmt.Errorf("capability %s: base URL is required", kind)
	}

	return &HTTPCapability{
		kind:        kind,
		url:         strings.TrimSuffix(baseURL, "/") + "/" + string(kind),
		client:      &http.Client{Timeout: defaultHTTPTimeout},
		coordinator: coord,
		retry:       RetryConfig{Attempts: 3, Delay: time.Second},
		logger:      logger.With("module", "http_capability", "kind", kind),
	}, nil
}

// WithRetry overrides the retry policy.
func (c *HTTPCapability) WithRetry(retry RetryConfig) *HTTPCapability {
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}

	c.retry = retry

	return c
}

func (c *HTTPCapability) Kind() Kind { return c.kind }

// Invoke calls the remote worker.
func (c *HTTPCapability) Invoke(ctx context.Context, rc models.RunContext) (models.RunContext, error) {
	params := map[string]any{
		"run_id": rc.ID,
		"state":  string(rc.State),
	}
	if rc.Proposal != nil {
		params["proposal_version"] = rc.Proposal.Version
	}

	return coordinator.Do(ctx, c.coordinator, "capability."+string(c.kind), params, func(ctx context.Context) (models.RunContext, error) {
		return c.post(ctx, rc)
	})
}

func (c *HTTPCapability) post(ctx context.Context, rc models.RunContext) (models.RunContext, error) {
	payload, err := json.Marshal(rc)
	if err != nil {
		return rc, fmt.Errorf("failed to encode run context: %w", err)
	}

	var lastErr error

	for attempt := 1; attempt <= c.retry.Attempts; attempt++ {
		if attempt > 1 {
			c.logger.Info("Retrying capability call", "attempt", attempt, "max_attempts", c.retry.Attempts)

			select {
			case <-ctx.Done():
				return rc, ctx.Err()
			case <-time.After(c.retry.Delay):
			}
		}

		result, retryable, err := c.do(ctx, payload, rc)
		if err == nil {
			result.ID = rc.ID

			return result, nil
		}

		lastErr = err
		if !retryable {
			break
		}
	}

	return rc, fmt.Errorf("capability %s failed: %w", c.kind, lastErr)
}

// do decodes the response over a copy of rc so fields the worker omits keep
// their current values.
func (c *HTTPCapability) do(ctx context.Context, payload []byte, rc models.RunContext) (models.RunContext, bool, error) {
	result := rc
	result.Analysis = maps.Clone(rc.Analysis)

	if rc.Proposal != nil {
		proposal := *rc.Proposal
		proposal.Steps = slices.Clone(rc.Proposal.Steps)
		proposal.RiskFlags = slices.Clone(rc.Proposal.RiskFlags)
		result.Proposal = &proposal
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return result, false, fmt.Errorf("failed to create http request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return result, ctx.Err() == nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return result, true, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return result, true, fmt.Errorf("server error (status %d)", resp.StatusCode)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return result, false, fmt.Errorf("worker rejected request (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.Unmarshal(body, &result); err != nil {
		return result, false, fmt.Errorf("failed to decode run context: %w", err)
	}

	return result, false, nil
}
