package persistence_test

import (
	"errors"
	"testing"

	"github.com/dukex/agentrun/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestRecordErrors(t *testing.T) {
	t.Parallel()

	t.Run("workflow error unwraps", func(t *testing.T) {
		err := persistence.NewWorkflowError("WorkflowByID", "workflow-123", persistence.ErrWorkflowNotFound)

		assert.True(t, persistence.IsWorkflowNotFound(err))
		assert.False(t, persistence.IsRunNotFound(err))
		assert.Contains(t, err.Error(), "WorkflowByID")
		assert.Contains(t, err.Error(), "workflow workflow-123")
	})

	t.Run("run error unwraps", func(t *testing.T) {
		err := persistence.NewRunError("RunByID", "run-9", persistence.ErrRunNotFound)

		assert.True(t, persistence.IsRunNotFound(err))
		assert.True(t, errors.Is(err, persistence.ErrRunNotFound))
		assert.Contains(t, err.Error(), "run run-9")
	})
}
