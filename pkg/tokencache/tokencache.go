// Package tokencache caches bearer tokens per external provider and tenant.
// Entries expire ahead of the token itself so a cached token is always
// usable for the remainder of a request, and concurrent misses for the same
// key share one upstream acquisition.
package tokencache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// expiryMargin is subtracted from a token's lifetime before it counts as
// expired. Five minutes keeps a token fetched at the start of an invocation
// valid through its end.
const expiryMargin = 5 * time.Minute

// defaultLifetime is assumed for tokens whose response carried no expiry.
const defaultLifetime = time.Hour

// AcquireFunc fetches a fresh token from a provider.
type AcquireFunc func(ctx context.Context) (*oauth2.Token, error)

// Cache is a process-local token cache. The zero value is not usable; use
// New.
type Cache struct {
	entries *gocache.Cache
	group   singleflight.Group
	enabled bool
}

// New builds a Cache. When enabled is false every Token call acquires
// fresh; the knob exists so operators can bypass caching while rotating
// credentials.
func New(enabled bool) *Cache {
	return &Cache{
		entries: gocache.New(gocache.NoExpiration, 10*time.Minute),
		enabled: enabled,
	}
}

func cacheKey(provider, tenant string) string {
	return provider + "|" + tenant
}

// Token returns the cached token for (provider, tenant), acquiring and
// caching a fresh one on miss. Concurrent misses on the same key are
// coalesced into a single acquire call.
func (c *Cache) Token(ctx context.Context, provider, tenant string, acquire AcquireFunc) (*oauth2.Token, error) {
	if !c.enabled {
		return acquire(ctx)
	}

	key := cacheKey(provider, tenant)
	if cached, ok := c.entries.Get(key); ok {
		return cached.(*oauth2.Token), nil
	}

	result, err, shared := c.group.Do(key, func() (interface{}, error) {
		// A concurrent caller may have filled the entry while this one
		// was queued behind the flight.
		if cached, ok := c.entries.Get(key); ok {
			return cached.(*oauth2.Token), nil
		}

		token, err := acquire(ctx)
		if err != nil {
			return nil, err
		}

		ttl := cacheTTL(token)
		if ttl > 0 {
			c.entries.Set(key, token, ttl)
		} else {
			log.Debugf("token for %s too short-lived to cache", key)
		}
		return token, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Debugf("token acquisition for %s shared across callers", key)
	}
	return result.(*oauth2.Token), nil
}

// Invalidate drops the cached token for (provider, tenant); callers use it
// before a refresh-once retry after an authentication failure.
func (c *Cache) Invalidate(provider, tenant string) {
	c.entries.Delete(cacheKey(provider, tenant))
}

// Flush drops every cached token.
func (c *Cache) Flush() {
	c.entries.Flush()
}

func cacheTTL(token *oauth2.Token) time.Duration {
	if token.Expiry.IsZero() {
		return defaultLifetime - expiryMargin
	}
	return time.Until(token.Expiry) - expiryMargin
}
