package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisTokenPrefix = "agentrun:stream-token:"
	// Keys outlive the token so an expired token is reported as expired
	// rather than unknown.
	redisTokenGrace = time.Minute
)

// RedisTokenStore shares stream tokens between API instances.
type RedisTokenStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisTokenStore(client redis.UniversalClient) *RedisTokenStore {
	return &RedisTokenStore{client: client, now: time.Now}
}

// NewRedisTokenStoreFromURL parses a redis:// URL.
func NewRedisTokenStoreFromURL(url string) (*RedisTokenStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	return NewRedisTokenStore(redis.NewClient(opts)), nil
}

func (s *RedisTokenStore) Issue(ctx context.Context, requestID string, ttl time.Duration) (Token, error) {
	token := newToken(requestID, ttl, s.now())

	data, err := json.Marshal(token)
	if err != nil {
		return Token{}, err
	}

	expiration := token.ExpiresAt.Sub(s.now()) + redisTokenGrace
	if err := s.client.Set(ctx, redisTokenPrefix+token.Value, data, expiration).Err(); err != nil {
		return Token{}, fmt.Errorf("failed to store stream token: %w", err)
	}

	return token, nil
}

// Consume redeems the token inside an optimistic transaction; a concurrent
// redemption makes the loser see ErrTokenUsed.
func (s *RedisTokenStore) Consume(ctx context.Context, value, requestID string) (Token, error) {
	key := redisTokenPrefix + value

	var token Token

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrTokenNotFound
		}

		if err != nil {
			return err
		}

		if err := json.Unmarshal(data, &token); err != nil {
			return fmt.Errorf("corrupt stream token: %w", err)
		}

		if err := check(token, requestID, s.now()); err != nil {
			return err
		}

		token.Used = true

		updated, err := json.Marshal(token)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)

			return nil
		})

		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return token, ErrTokenUsed
	}

	return token, err
}

func (s *RedisTokenStore) Close() error {
	return s.client.Close()
}
