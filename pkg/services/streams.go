package services

import (
	"context"
	"fmt"

	"github.com/dukex/agentrun/pkg/stream"
)

// IssueStreamToken issues a single-use push-channel token bound to the run.
// Every (re)connect needs a fresh one.
func (o *Orchestrator) IssueStreamToken(ctx context.Context, runID string) (stream.Token, error) {
	if o.tokens == nil {
		return stream.Token{}, ErrStreamUnavailable
	}

	if _, _, err := o.store.Run(runID); err != nil {
		return stream.Token{}, err
	}

	token, err := o.tokens.Issue(ctx, runID, o.tokenTTL)
	if err != nil {
		return stream.Token{}, fmt.Errorf("failed to issue stream token: %w", err)
	}

	if err := o.store.SetStreamToken(ctx, runID, token.Value); err != nil {
		return stream.Token{}, err
	}

	return token, nil
}

// ConsumeStreamToken spends a token to open the run's push channel.
func (o *Orchestrator) ConsumeStreamToken(ctx context.Context, token, runID string) error {
	if o.tokens == nil {
		return ErrStreamUnavailable
	}

	if _, err := o.tokens.Consume(ctx, token, runID); err != nil {
		o.logger.WarnContext(ctx, "Stream token refused", "run_id", runID, "error", err)

		return err
	}

	return nil
}
