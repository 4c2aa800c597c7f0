package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager keeps at most one active subscription per run.
type Manager struct {
	logger *slog.Logger
	dialer Dialer
	issuer TokenIssuer
	config Config

	mu   sync.Mutex
	subs map[string]*Subscription
}

func NewManager(logger *slog.Logger, dialer Dialer, issuer TokenIssuer, config Config) *Manager {
	return &Manager{
		logger: logger.With("module", "stream_manager"),
		dialer: dialer,
		issuer: issuer,
		config: config,
		subs:   make(map[string]*Subscription),
	}
}

// Subscribe opens the push channel for runID. It fails with
// ErrAlreadySubscribed while a previous subscription for the run is active.
func (m *Manager) Subscribe(ctx context.Context, runID string, handler Handler) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.subs[runID]; ok {
		select {
		case <-existing.Done():
		default:
			return nil, fmt.Errorf("%w: %s", ErrAlreadySubscribed, runID)
		}
	}

	sub := NewSubscription(m.logger, runID, m.dialer, m.issuer, handler, m.config)
	m.subs[runID] = sub
	sub.Start(ctx)

	go func() {
		<-sub.Done()

		m.mu.Lock()
		if m.subs[runID] == sub {
			delete(m.subs, runID)
		}
		m.mu.Unlock()
	}()

	return sub, nil
}

// Disconnect manually closes the run's subscription and waits for it to stop.
// It reports whether there was one.
func (m *Manager) Disconnect(runID string) bool {
	m.mu.Lock()
	sub, ok := m.subs[runID]
	m.mu.Unlock()

	if !ok {
		return false
	}

	sub.Disconnect()
	<-sub.Done()

	return true
}

// Active returns the subscription for runID when one is running.
func (m *Manager) Active(runID string) (*Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[runID]
	if !ok {
		return nil, false
	}

	select {
	case <-sub.Done():
		return nil, false
	default:
		return sub, true
	}
}

// Close disconnects every subscription.
func (m *Manager) Close() {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Disconnect()
		<-sub.Done()
	}
}
