// Package dkimdns is the default TxtLookup capability: a thin wrapper
// around the standard resolver with a small negative-result cache, so a
// message with several signatures for the same (oft-misconfigured) selector
// doesn't repeat a failing lookup.
package dkimdns

import (
	"context"
	"net"
	"sync"
	"time"

	"go.dkimverify.dev/dkimverify/internal/log"
)

// negativeTTL bounds how long a failed lookup is remembered. DNS failures
// for a given selector are usually either permanent (typo, revoked key) or
// resolve within seconds (transient resolver hiccup); a minute-scale TTL
// avoids hammering a struggling resolver without masking a fix for long.
const negativeTTL = 30 * time.Second

type cacheEntry struct {
	err     error
	expires time.Time
}

// Resolver wraps a *net.Resolver with a bounded negative cache.
type Resolver struct {
	res *net.Resolver

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// Default is the package-level TxtLookup capability used when the caller
// supplies no override.
var Default = New(net.DefaultResolver)

// New builds a Resolver wrapping res.
func New(res *net.Resolver) *Resolver {
	return &Resolver{
		res:   res,
		cache: map[string]cacheEntry{},
	}
}

// LookupTXT implements dkim.TxtLookup.
func (r *Resolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	r.mu.Lock()
	if e, ok := r.cache[name]; ok {
		if time.Now().Before(e.expires) {
			r.mu.Unlock()
			return nil, e.err
		}
		delete(r.cache, name)
	}
	r.mu.Unlock()

	vs, err := r.res.LookupTXT(ctx, name)
	if err != nil {
		r.mu.Lock()
		r.evictExpiredLocked()
		r.cache[name] = cacheEntry{err: err, expires: time.Now().Add(negativeTTL)}
		r.mu.Unlock()
		log.Debugf("dkimdns: lookup of %q failed, caching negative result for %s: %v",
			name, negativeTTL, err)
	}

	return vs, err
}

// evictExpiredLocked drops stale entries. Called with mu held.
func (r *Resolver) evictExpiredLocked() {
	now := time.Now()
	for k, e := range r.cache {
		if now.After(e.expires) {
			delete(r.cache, k)
		}
	}
}
