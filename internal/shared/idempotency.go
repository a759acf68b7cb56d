package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultIdempotencyTTL = 24 * time.Hour

// StoredResponse is the recorded outcome of a request.
type StoredResponse struct {
	Status      int             `json:"status"`
	ContentType string          `json:"content_type,omitempty"`
	Body        json.RawMessage `json:"body"`
}

type cacheEntry struct {
	Done        bool            `json:"done"`
	Fingerprint string          `json:"fingerprint"`
	Response    *StoredResponse `json:"response,omitempty"`
}

// RequestCache records request outcomes in Redis by idempotency key.
type RequestCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRequestCache constructs the cache.
func NewRequestCache(client redis.UniversalClient, ttl time.Duration) *RequestCache {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &RequestCache{client: client, ttl: ttl}
}

// Begin claims key for a request. It returns the stored response when the key
// already completed, ErrRequestInFlight while another holder is running and
// ErrIdempotencyMismatch when the key was used for a different request. A nil
// response with nil error means the caller owns the key and must call Complete
// or Release.
func (c *RequestCache) Begin(ctx context.Context, scope, key, fingerprint string) (*StoredResponse, error) {
	if c == nil {
		return nil, errors.New("request cache not initialised")
	}
	if key == "" {
		return nil, errors.New("idempotency key required")
	}
	pending, err := json.Marshal(cacheEntry{Fingerprint: fingerprint})
	if err != nil {
		return nil, err
	}
	redisKey := cacheKey(scope, key)
	claimed, err := c.client.SetNX(ctx, redisKey, pending, c.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("shared: claim idempotency key: %w", err)
	}
	if claimed {
		return nil, nil
	}
	raw, err := c.client.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		// Released between SETNX and GET; the caller may retry.
		return nil, ErrRequestInFlight
	}
	if err != nil {
		return nil, fmt.Errorf("shared: read idempotency key: %w", err)
	}
	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("shared: decode idempotency entry: %w", err)
	}
	if entry.Fingerprint != fingerprint {
		return nil, ErrIdempotencyMismatch
	}
	if !entry.Done || entry.Response == nil {
		return nil, ErrRequestInFlight
	}
	return entry.Response, nil
}

// Complete stores the final response for key.
func (c *RequestCache) Complete(ctx context.Context, scope, key, fingerprint string, resp StoredResponse) error {
	payload, err := json.Marshal(cacheEntry{Done: true, Fingerprint: fingerprint, Response: &resp})
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, cacheKey(scope, key), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("shared: store idempotency outcome: %w", err)
	}
	return nil
}

// Release forgets key so the request can be retried.
func (c *RequestCache) Release(ctx context.Context, scope, key string) error {
	if err := c.client.Del(ctx, cacheKey(scope, key)).Err(); err != nil {
		return fmt.Errorf("shared: release idempotency key: %w", err)
	}
	return nil
}

func cacheKey(scope, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", scope, key)
}
