// Package mtucache remembers the last confirmed-good probe size per
// destination across repeated Tracer sessions against the same host
// within one process's lifetime, so a second trace skips straight past
// the PMTU black-hole search the first trace already paid for.
package mtucache

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// defaultTTL matches how quickly a path's MTU realistically changes
// relative to how often a diagnostics tool re-traces the same host in one
// run.
const defaultTTL = 5 * time.Minute

// Cache maps a destination address to its last known-good probe size.
type Cache struct {
	store *cache.Cache
}

// New creates an empty cache with the default 5-minute entry TTL.
func New() *Cache {
	return &Cache{store: cache.New(defaultTTL, defaultTTL*2)}
}

// Get returns the last remembered size for dest and whether one existed.
func (c *Cache) Get(dest string) (int, bool) {
	v, ok := c.store.Get(dest)
	if !ok {
		return 0, false
	}
	size, ok := v.(int)
	return size, ok
}

// Remember stores size as the last known-good probe size for dest,
// overwriting any prior value and resetting its TTL.
func (c *Cache) Remember(dest string, size int) {
	c.store.Set(dest, size, cache.DefaultExpiration)
}
