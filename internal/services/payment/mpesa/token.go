package mpesa

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// TokenSafetyMargin is subtracted from the provider's stated lifetime so a token is
// never presented right at its expiry.
const TokenSafetyMargin = 5 * time.Minute

// TokenFetcher performs one credential exchange against the provider
type TokenFetcher func(ctx context.Context) (*oauth2.Token, error)

// TokenCache holds the process-wide access token. Concurrent callers that find the
// token missing or expired share a single in-flight refresh.
type TokenCache struct {
	fetch TokenFetcher
	now   func() time.Time

	mu    sync.RWMutex
	token *oauth2.Token
	group singleflight.Group
}

// NewTokenCache creates a cache around fetch. now defaults to time.Now.
func NewTokenCache(fetch TokenFetcher, now func() time.Time) *TokenCache {
	if now == nil {
		now = time.Now
	}
	return &TokenCache{fetch: fetch, now: now}
}

// Token returns the cached access token, refreshing it first when needed
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	if tok := c.cached(); tok != nil {
		return tok.AccessToken, nil
	}

	v, err, _ := c.group.Do("token", func() (interface{}, error) {
		if tok := c.cached(); tok != nil {
			return tok, nil
		}
		// The refresh is shared, so one caller's cancellation must not fail the others.
		tok, err := c.fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.token = tok
		c.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(*oauth2.Token).AccessToken, nil
}

// Invalidate drops the cached token, e.g. after the provider answered 401
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

func (c *TokenCache) cached() *oauth2.Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == nil || c.token.AccessToken == "" {
		return nil
	}
	if !c.now().Before(c.token.Expiry) {
		return nil
	}
	return c.token
}
