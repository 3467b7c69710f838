// Package memory provides in-process caches in front of remote lookups.
package memory

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/hay-kot/dmchat/internal/core/directory"
	"github.com/hay-kot/dmchat/internal/core/messaging"
)

// CachingResolver caches successful username lookups for a fixed TTL. Failed
// lookups are never cached so a user created after a miss resolves on the
// next attempt.
type CachingResolver struct {
	next  directory.Resolver
	cache *cache.Cache
}

// NewCachingResolver wraps next with a cache whose entries expire after ttl.
func NewCachingResolver(next directory.Resolver, ttl time.Duration) *CachingResolver {
	return &CachingResolver{
		next:  next,
		cache: cache.New(ttl, 2*ttl),
	}
}

// ResolveUserID implements directory.Resolver.
func (r *CachingResolver) ResolveUserID(ctx context.Context, username string) (messaging.UserID, error) {
	if x, found := r.cache.Get(username); found {
		return x.(messaging.UserID), nil
	}

	id, err := r.next.ResolveUserID(ctx, username)
	if err != nil {
		return "", err
	}

	r.cache.Set(username, id, cache.DefaultExpiration)
	return id, nil
}

// Forget drops a cached entry.
func (r *CachingResolver) Forget(username string) {
	r.cache.Delete(username)
}

// Len returns the number of cached entries, including expired ones not yet
// purged.
func (r *CachingResolver) Len() int {
	return r.cache.ItemCount()
}
