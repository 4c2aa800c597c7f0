// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/agentrun/pkg/capability"
	"github.com/dukex/agentrun/pkg/coordinator"
	"github.com/dukex/agentrun/pkg/models"
	"github.com/dukex/agentrun/pkg/store"
)

// NewCapabilities binds the analyzer, planner and executor. With a
// capabilityURL every kind is served remotely at <capabilityURL>/<kind>
// through the coordinator; otherwise the built-in local capabilities run.
func NewCapabilities(logger *slog.Logger, st *store.Store, coord *coordinator.Coordinator, capabilityURL string) *capability.Registry {
	reg := capability.NewRegistry(logger)

	if capabilityURL == "" {
		lookup := func(_ context.Context, id string) (*models.Workflow, error) {
			return st.Workflow(id)
		}

		if err := capability.RegisterLocal(reg, lookup, capability.DefaultLocalConfig()); err != nil {
			panic(fmt.Errorf("failed to register local capabilities: %w", err))
		}

		return reg
	}

	for _, kind := range capability.Kinds() {
		remote, err := capability.NewHTTPCapability(kind, capabilityURL, coord, logger)
		if err != nil {
			panic(fmt.Errorf("failed to create %s capability: %w", kind, err))
		}

		if err := reg.Register(remote); err != nil {
			panic(fmt.Errorf("failed to register %s capability: %w", kind, err))
		}
	}

	return reg
}
