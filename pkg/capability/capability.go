// Package capability defines the worker capabilities the run state machine
// invokes and the registry that resolves them.
package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dukex/agentrun/pkg/models"
)

// Kind is the closed set of capabilities a routing rule can name.
type Kind string

const (
	KindNone     Kind = ""
	KindAnalyzer Kind = "analyzer"
	KindPlanner  Kind = "planner"
	KindExecutor Kind = "executor"
)

// Kinds lists every capability kind in routing order.
func Kinds() []Kind {
	return []Kind{KindAnalyzer, KindPlanner, KindExecutor}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindAnalyzer, KindPlanner, KindExecutor:
		return true
	default:
		return false
	}
}

var (
	ErrNotRegistered = errors.New("capability not registered")
	ErrInvalidKind   = errors.New("invalid capability kind")
)

// Capability is an opaque async operation that folds its result into a run context.
type Capability interface {
	Kind() Kind
	Invoke(ctx context.Context, rc models.RunContext) (models.RunContext, error)
}

// Func adapts a plain function to a Capability.
type Func struct {
	K  Kind
	Fn func(ctx context.Context, rc models.RunContext) (models.RunContext, error)
}

func (f Func) Kind() Kind { return f.K }

func (f Func) Invoke(ctx context.Context, rc models.RunContext) (models.RunContext, error) {
	return f.Fn(ctx, rc)
}

// Registry maps each kind to exactly one capability.
type Registry struct {
	logger       *slog.Logger
	mu           sync.RWMutex
	capabilities map[Kind]Capability
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:       log.With("module", "capability_registry"),
		capabilities: make(map[Kind]Capability),
	}
}

// Register binds c to its kind, replacing any previous binding.
func (r *Registry) Register(c Capability) error {
	if !c.Kind().Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, c.Kind())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.capabilities[c.Kind()]; exists {
		r.logger.Warn("Replacing registered capability", "kind", c.Kind())
	}

	r.capabilities[c.Kind()] = c

	return nil
}

// Resolve returns the capability bound to kind.
//
//nolint:ireturn // callers only need the interface
func (r *Registry) Resolve(kind Kind) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.capabilities[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, kind)
	}

	return c, nil
}

// Missing returns the kinds that have no capability bound.
func (r *Registry) Missing() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []Kind

	for _, kind := range Kinds() {
		if _, ok := r.capabilities[kind]; !ok {
			missing = append(missing, kind)
		}
	}

	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })

	return missing
}
