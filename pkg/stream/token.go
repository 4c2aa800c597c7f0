package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// DefaultTokenTTL is the lifetime of a stream token.
const DefaultTokenTTL = 120 * time.Second

var (
	ErrTokenNotFound = errors.New("stream token not found")
	ErrTokenUsed     = errors.New("stream token already used")
	ErrTokenExpired  = errors.New("stream token expired")
	ErrTokenMismatch = errors.New("stream token bound to another request")
)

// Token is a short-lived single-use credential for opening a push channel.
type Token struct {
	Value string `json:"token"`
	// RequestID binds the token to one subscription path when set.
	RequestID string    `json:"request_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used,omitempty"`
}

// TokenStore issues and redeems stream tokens. Consume marks the token used
// exactly once; a mismatched request ID is rejected without consuming it.
type TokenStore interface {
	Issue(ctx context.Context, requestID string, ttl time.Duration) (Token, error)
	Consume(ctx context.Context, value, requestID string) (Token, error)
}

// check applies the redemption rules shared by every store.
func check(token Token, requestID string, now time.Time) error {
	switch {
	case token.Used:
		return ErrTokenUsed
	case !now.Before(token.ExpiresAt):
		return ErrTokenExpired
	case token.RequestID != "" && token.RequestID != requestID:
		return ErrTokenMismatch
	default:
		return nil
	}
}

func newToken(requestID string, ttl time.Duration, now time.Time) Token {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	return Token{
		Value:     uuid.NewString(),
		RequestID: requestID,
		ExpiresAt: now.Add(ttl),
	}
}

// MemoryTokenStore keeps tokens in process. Used tokens are retained until
// they expire so a replay reports ErrTokenUsed.
type MemoryTokenStore struct {
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	tokens map[string]Token
	cron   *cron.Cron
}

func NewMemoryTokenStore(logger *slog.Logger) *MemoryTokenStore {
	return &MemoryTokenStore{
		logger: logger.With("module", "memory_token_store"),
		now:    time.Now,
		tokens: make(map[string]Token),
	}
}

// WithClock overrides time.Now.
func (s *MemoryTokenStore) WithClock(now func() time.Time) *MemoryTokenStore {
	s.now = now

	return s
}

func (s *MemoryTokenStore) Issue(_ context.Context, requestID string, ttl time.Duration) (Token, error) {
	token := newToken(requestID, ttl, s.now())

	s.mu.Lock()
	s.tokens[token.Value] = token
	s.mu.Unlock()

	return token, nil
}

func (s *MemoryTokenStore) Consume(_ context.Context, value, requestID string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[value]
	if !ok {
		return Token{}, ErrTokenNotFound
	}

	if err := check(token, requestID, s.now()); err != nil {
		return token, err
	}

	token.Used = true
	s.tokens[value] = token

	return token, nil
}

// Sweep drops expired tokens and returns how many were removed.
func (s *MemoryTokenStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0

	for value, token := range s.tokens {
		if !now.Before(token.ExpiresAt) {
			delete(s.tokens, value)
			removed++
		}
	}

	return removed
}

// Start sweeps expired tokens on the given cron schedule.
func (s *MemoryTokenStore) Start(schedule string) error {
	scheduler := cron.New()

	if _, err := scheduler.AddFunc(schedule, func() {
		if removed := s.Sweep(); removed > 0 {
			s.logger.Debug("Swept expired stream tokens", "count", removed)
		}
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.cron = scheduler
	s.mu.Unlock()

	scheduler.Start()

	return nil
}

func (s *MemoryTokenStore) Close() {
	s.mu.Lock()
	scheduler := s.cron
	s.cron = nil
	s.mu.Unlock()

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
}
