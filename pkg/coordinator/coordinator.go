// Package coordinator deduplicates, caches and cancels outbound operation calls.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/agentrun/pkg/otelhelper"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrCancelled is returned to every caller waiting on a call that was
// cancelled through the coordinator.
var ErrCancelled = errors.New("request cancelled")

const (
	defaultTTL           = 5 * time.Minute
	defaultSweepSchedule = "@every 1m"
)

// Call is the underlying outbound operation. It must honour ctx cancellation.
type Call func(ctx context.Context) (any, error)

// Config controls cache and dedup behaviour.
type Config struct {
	TTL time.Duration
	// DisableDedup issues one underlying call per Execute even for equal keys.
	DisableDedup bool
	// SweepSchedule is a cron spec for evicting expired entries.
	SweepSchedule string
	Registerer    prometheus.Registerer
	Now           func() time.Time
}

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

type flight struct {
	key       string
	operation string
	params    map[string]any
	done      chan struct{}
	cancel    context.CancelFunc
	waiters   int
	cancelled bool
	result    any
	err       error
}

// Coordinator guarantees at most one concurrent underlying call per distinct
// (operation, params) pair, caches successful results for a TTL, and lets
// callers cancel in-flight calls.
type Coordinator struct {
	logger  *slog.Logger
	config  Config
	metrics *metrics
	tracer  trace.Tracer
	cron    *cron.Cron

	mu      sync.Mutex
	cache   map[string]cacheEntry
	byKey   map[string]*flight
	flights map[*flight]struct{}
}

// New creates a coordinator. Call Start to run the background sweep.
func New(logger *slog.Logger, config Config) *Coordinator {
	if config.TTL <= 0 {
		config.TTL = defaultTTL
	}

	if config.SweepSchedule == "" {
		config.SweepSchedule = defaultSweepSchedule
	}

	if config.Now == nil {
		config.Now = time.Now
	}

	return &Coordinator{
		logger:  logger.With("module", "coordinator"),
		config:  config,
		metrics: newMetrics(config.Registerer),
		tracer:  otelhelper.Tracer("agentrun/coordinator"),
		cache:   make(map[string]cacheEntry),
		byKey:   make(map[string]*flight),
		flights: make(map[*flight]struct{}),
	}
}

// Start schedules the periodic TTL sweep.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cron != nil {
		return nil
	}

	scheduler := cron.New()

	_, err := scheduler.AddFunc(c.config.SweepSchedule, func() {
		if evicted := c.Sweep(); evicted > 0 {
			c.logger.Debug("Evicted expired cache entries", "count", evicted)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", c.config.SweepSchedule, err)
	}

	scheduler.Start()
	c.cron = scheduler

	return nil
}

// Close stops the sweep and cancels every in-flight call.
func (c *Coordinator) Close() {
	c.mu.Lock()
	scheduler := c.cron
	c.cron = nil
	c.mu.Unlock()

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}

	c.CancelAll()
}

// Execute returns the cached result for (operation, params) when it is still
// fresh, joins an identical in-flight call when one exists, and otherwise
// issues call. Errors are never cached. A call cancelled through the
// coordinator yields an error matching ErrCancelled.
func (c *Coordinator) Execute(ctx context.Context, operation string, params map[string]any, call Call) (any, error) {
	key := Key(operation, params)

	c.mu.Lock()

	if entry, ok := c.cache[key]; ok {
		if c.config.Now().Before(entry.expiresAt) {
			c.mu.Unlock()
			c.metrics.requests.WithLabelValues(operation, outcomeHit).Inc()

			return entry.value, nil
		}

		delete(c.cache, key)
	}

	if !c.config.DisableDedup {
		if f, ok := c.byKey[key]; ok {
			f.waiters++
			c.mu.Unlock()
			c.metrics.requests.WithLabelValues(operation, outcomeShared).Inc()

			return c.wait(ctx, f)
		}
	}

	f := c.launch(ctx, key, operation, params, call)
	c.mu.Unlock()
	c.metrics.requests.WithLabelValues(operation, outcomeMiss).Inc()

	return c.wait(ctx, f)
}

// launch starts the underlying call. c.mu must be held.
func (c *Coordinator) launch(ctx context.Context, key, operation string, params map[string]any, call Call) *flight {
	// The call outlives any single waiter; it only stops through Cancel or
	// once every waiter has gone away.
	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	f := &flight{
		key:       key,
		operation: operation,
		params:    params,
		done:      make(chan struct{}),
		cancel:    cancel,
		waiters:   1,
	}

	c.flights[f] = struct{}{}
	if !c.config.DisableDedup {
		c.byKey[key] = f
	}

	c.metrics.inflight.Inc()

	go c.run(callCtx, f, call)

	return f
}

func (c *Coordinator) run(ctx context.Context, f *flight, call Call) {
	ctx, span := otelhelper.StartSpan(ctx, c.tracer, "coordinator.call",
		attribute.String(otelhelper.OperationKey, f.operation),
		attribute.String(otelhelper.RequestKeyKey, f.key),
	)
	defer span.End()

	result, err := call(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.flights, f)

	if c.byKey[f.key] == f {
		delete(c.byKey, f.key)
	}

	c.metrics.inflight.Dec()
	f.cancel()

	switch {
	case f.cancelled:
		f.err = fmt.Errorf("%w: %s", ErrCancelled, f.key)
		c.metrics.requests.WithLabelValues(f.operation, outcomeCancelled).Inc()
	case err != nil:
		f.err = err
		c.metrics.requests.WithLabelValues(f.operation, outcomeError).Inc()
		otelhelper.SetError(span, err)
	default:
		f.result = result
		c.cache[f.key] = cacheEntry{value: result, expiresAt: c.config.Now().Add(c.config.TTL)}
	}

	close(f.done)
}

func (c *Coordinator) wait(ctx context.Context, f *flight) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		c.mu.Lock()
		f.waiters--
		abandoned := f.waiters == 0

		if abandoned && c.byKey[f.key] == f {
			delete(c.byKey, f.key)
		}
		c.mu.Unlock()

		if abandoned {
			f.cancel()
		}

		return nil, ctx.Err()
	}
}

// Cancel aborts the in-flight call for (operation, params), if any. It
// returns the number of calls cancelled.
func (c *Coordinator) Cancel(operation string, params map[string]any) int {
	key := Key(operation, params)

	return c.cancelWhere(func(f *flight) bool { return f.key == key })
}

// CancelByParam aborts every in-flight call whose params carry name=value.
// Run cancellation uses it to drop calls keyed to a run.
func (c *Coordinator) CancelByParam(name string, value any) int {
	want := encodeValue(value)

	return c.cancelWhere(func(f *flight) bool {
		v, ok := f.params[name]

		return ok && encodeValue(v) == want
	})
}

// CancelAll aborts every in-flight call.
func (c *Coordinator) CancelAll() int {
	return c.cancelWhere(func(*flight) bool { return true })
}

func (c *Coordinator) cancelWhere(match func(*flight) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0

	for f := range c.flights {
		if f.cancelled || !match(f) {
			continue
		}

		f.cancelled = true
		f.cancel()
		count++

		// A later Execute must not join a call that is going away.
		if c.byKey[f.key] == f {
			delete(c.byKey, f.key)
		}
	}

	return count
}

// Invalidate drops the cached result for (operation, params).
func (c *Coordinator) Invalidate(operation string, params map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.cache, Key(operation, params))
}

// Sweep evicts cache entries past their TTL and returns how many were removed.
func (c *Coordinator) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.config.Now()
	evicted := 0

	for key, entry := range c.cache {
		if !now.Before(entry.expiresAt) {
			delete(c.cache, key)
			evicted++
		}
	}

	c.metrics.evicted.Add(float64(evicted))

	return evicted
}

// CacheLen returns the number of cached entries, expired ones included.
func (c *Coordinator) CacheLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.cache)
}

// InFlight returns the number of underlying calls currently running.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.flights)
}

// Do is a typed wrapper around Execute.
func Do[T any](ctx context.Context, c *Coordinator, operation string, params map[string]any, call func(context.Context) (T, error)) (T, error) {
	var zero T

	result, err := c.Execute(ctx, operation, params, func(ctx context.Context) (any, error) {
		return call(ctx)
	})
	if err != nil {
		return zero, err
	}

	typed, ok := result.(T)
	if !ok {
		return zero, fmt.Errorf("coordinator: cached result for %s has type %T", operation, result)
	}

	return typed, nil
}
