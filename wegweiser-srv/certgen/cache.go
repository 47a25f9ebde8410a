package certgen

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/codefionn/wegweiser/wegweiser-srv/logger"
)

type cacheEntry struct {
	cert    *tls.Certificate
	expires time.Time
}

// Cache is a TTL cache for forged certificates. Concurrent handshakes for
// the same host share one generation via per-host wait groups, so a burst
// of connections to a new host hits the source exactly once.
type Cache struct {
	source     Source
	defaultTTL time.Duration

	entries    map[string]cacheEntry
	cacheMutex sync.RWMutex

	waitGroups map[string]*sync.WaitGroup
	waitMutex  sync.RWMutex
}

// NewCache creates a certificate cache in front of the given source.
func NewCache(source Source, defaultTTL time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &Cache{
		source:     source,
		defaultTTL: defaultTTL,
		entries:    make(map[string]cacheEntry),
		waitGroups: make(map[string]*sync.WaitGroup),
	}
}

// Get returns a certificate for the given host, fetching it if necessary.
func (c *Cache) Get(ctx context.Context, host string, mimic *x509.Certificate) (*tls.Certificate, error) {
	// Fast path: cached and not expired
	c.cacheMutex.RLock()
	entry, ok := c.entries[host]
	c.cacheMutex.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		logger.Trace("Using cached certificate for %s", host)
		return entry.cert, nil
	}

	// Check if another goroutine is already fetching this certificate
	c.waitMutex.RLock()
	wg, isFetching := c.waitGroups[host]
	c.waitMutex.RUnlock()

	if isFetching {
		logger.Debug("Waiting for another goroutine to fetch certificate for %s", host)
		wg.Wait()

		c.cacheMutex.RLock()
		entry, ok = c.entries[host]
		c.cacheMutex.RUnlock()
		if ok && time.Now().Before(entry.expires) {
			return entry.cert, nil
		}
		// The other goroutine failed
		return nil, fmt.Errorf("certificate generation failed for %s", host)
	}

	logger.Debug("Fetching new certificate for %s", host)

	wg = &sync.WaitGroup{}
	wg.Add(1)
	c.waitMutex.Lock()
	c.waitGroups[host] = wg
	c.waitMutex.Unlock()

	defer func() {
		wg.Done()
		c.waitMutex.Lock()
		delete(c.waitGroups, host)
		c.waitMutex.Unlock()
	}()

	c.cacheMutex.Lock()
	defer c.cacheMutex.Unlock()

	// Check again under write lock
	entry, ok = c.entries[host]
	if ok && time.Now().Before(entry.expires) {
		return entry.cert, nil
	}

	cert, ttl, err := c.source.Fetch(ctx, host, mimic)
	if err != nil {
		delete(c.entries, host)
		return nil, err
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.entries[host] = cacheEntry{cert: cert, expires: time.Now().Add(ttl)}
	logger.Debug("Cached certificate for %s (ttl %s)", host, ttl)

	return cert, nil
}

// Has reports whether a live entry for the host is cached.
func (c *Cache) Has(host string) bool {
	c.cacheMutex.RLock()
	entry, ok := c.entries[host]
	c.cacheMutex.RUnlock()
	return ok && time.Now().Before(entry.expires)
}

// Purge drops all cached certificates.
func (c *Cache) Purge() {
	c.cacheMutex.Lock()
	c.entries = make(map[string]cacheEntry)
	c.cacheMutex.Unlock()
}

// Len returns the number of cached certificates, expired entries included.
func (c *Cache) Len() int {
	c.cacheMutex.RLock()
	defer c.cacheMutex.RUnlock()
	return len(c.entries)
}
