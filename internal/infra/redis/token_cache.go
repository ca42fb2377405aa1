package redis

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// TokenCache shares short-lived OAuth bearer tokens (FIB, QiCard) between
// instances so every reconciliation request doesn't re-run the
// client-credentials flow.
type TokenCache struct {
	client *Client
}

func NewTokenCache(client *Client) *TokenCache {
	return &TokenCache{client: client}
}

// Get returns the cached token or "" when absent/expired.
func (t *TokenCache) Get(ctx context.Context, gateway string) (string, error) {
	v, err := t.client.Get(ctx, tokenKey(gateway))
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// Put stores the token with a TTL slightly under the provider's expiry so a
// cached token is never presented stale.
func (t *TokenCache) Put(ctx context.Context, gateway, token string, expiresIn time.Duration) error {
	ttl := expiresIn - 30*time.Second
	if ttl <= 0 {
		ttl = expiresIn
	}
	return t.client.Set(ctx, tokenKey(gateway), token, ttl)
}

func tokenKey(gateway string) string { return "provider_token:" + gateway }
