package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/agentrun/pkg/models"
)

// ConnState is the lifecycle state of a subscription.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateOpen         ConnState = "open"
	StateBackoff      ConnState = "backoff"
	StateClosed       ConnState = "closed"
	StateFailed       ConnState = "failed"
)

var (
	ErrRetriesExhausted  = errors.New("stream reconnect attempts exhausted")
	ErrAlreadySubscribed = errors.New("run already has an active subscription")
)

// Conn is one open push channel. Next blocks until a message arrives and
// returns io.EOF when the server closes the channel.
type Conn interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens a push channel for a request ID with a fresh token.
type Dialer interface {
	Dial(ctx context.Context, requestID, token string) (Conn, error)
}

// TokenIssuer obtains a stream token for a request ID.
type TokenIssuer interface {
	IssueToken(ctx context.Context, requestID string) (string, error)
}

// Handler receives updates in arrival order on the subscription's goroutine.
type Handler func(Update)

// Config controls reconnection.
type Config struct {
	BaseDelay   time.Duration
	MaxAttempts int
	// After defaults to time.After.
	After   func(time.Duration) <-chan time.Time
	Metrics *Metrics
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}

	if c.After == nil {
		c.After = time.After
	}

	return c
}

// Backoff returns the delay before reconnect attempt n (1-based).
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	return c.BaseDelay * time.Duration(1<<(attempt-1))
}

// Subscription owns one run's push channel and every counter of its
// reconnect loop.
type Subscription struct {
	runID   string
	dialer  Dialer
	issuer  TokenIssuer
	handler Handler
	config  Config
	logger  *slog.Logger

	mu       sync.Mutex
	state    ConnState
	attempts int
	manual   bool
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

// NewSubscription prepares a subscription; Start opens it.
func NewSubscription(logger *slog.Logger, runID string, dialer Dialer, issuer TokenIssuer, handler Handler, config Config) *Subscription {
	return &Subscription{
		runID:   runID,
		dialer:  dialer,
		issuer:  issuer,
		handler: handler,
		config:  config.withDefaults(),
		logger:  logger.With("module", "stream_subscription", "run_id", runID),
		state:   StateDisconnected,
		done:    make(chan struct{}),
	}
}

// Start launches the connect loop.
func (s *Subscription) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go s.loop(ctx)
}

// Disconnect closes the channel and suppresses any further reconnect.
func (s *Subscription) Disconnect() {
	s.mu.Lock()
	s.manual = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Done is closed once the subscription has stopped for good.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the subscription stops and returns why. A terminal event
// or Disconnect yields nil.
func (s *Subscription) Wait() error {
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

func (s *Subscription) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Attempts returns the reconnect attempts since the channel was last open.
func (s *Subscription) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.attempts
}

func (s *Subscription) RunID() string {
	return s.runID
}

func (s *Subscription) setState(state ConnState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	s.logger.Debug("Stream state changed", "state", state)
}

func (s *Subscription) stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.manual
}

func (s *Subscription) finish(state ConnState, err error) {
	s.mu.Lock()
	s.state = state
	s.err = err
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	close(s.done)
}

func (s *Subscription) loop(ctx context.Context) {
	for {
		terminal, err := s.connect(ctx)
		if terminal {
			s.finish(StateClosed, nil)

			return
		}

		if s.stopped() || ctx.Err() != nil {
			s.finish(StateClosed, nil)

			return
		}

		s.mu.Lock()
		s.attempts++
		attempt := s.attempts
		s.mu.Unlock()

		if attempt > s.config.MaxAttempts {
			s.logger.Error("Giving up on stream", "attempts", attempt-1, "error", err)
			s.config.Metrics.failed()
			s.handler(ErrorUpdate{RunID: s.runID, Error: models.RunError{
				Code:    CodeStreamFailed,
				Message: fmt.Sprintf("stream lost after %d reconnect attempts: %v", attempt-1, err),
			}})
			s.finish(StateFailed, fmt.Errorf("%w: %w", ErrRetriesExhausted, err))

			return
		}

		delay := s.config.Backoff(attempt)
		s.setState(StateBackoff)
		s.config.Metrics.reconnect()
		s.logger.Warn("Stream interrupted, reconnecting", "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			s.finish(StateClosed, nil)

			return
		case <-s.config.After(delay):
		}
	}
}

// connect runs one channel from token to close. It reports whether a
// terminal update ended the channel.
func (s *Subscription) connect(ctx context.Context) (bool, error) {
	s.setState(StateConnecting)

	token, err := s.issuer.IssueToken(ctx, s.runID)
	if err != nil {
		return false, fmt.Errorf("issue token: %w", err)
	}

	conn, err := s.dialer.Dial(ctx, s.runID, token)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	s.mu.Lock()
	s.state = StateOpen
	s.attempts = 0
	s.mu.Unlock()
	s.logger.Info("Stream open")

	for {
		raw, err := conn.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}

			return false, err
		}

		update, err := Decode(raw, s.runID)
		if err != nil {
			s.logger.Warn("Skipping malformed stream message", "error", err)
			s.config.Metrics.malformed()

			continue
		}

		s.handler(update)

		if Terminal(update) {
			s.logger.Info("Stream finished")

			return true, nil
		}
	}
}
