package dnsresolver

import (
	"net"
	"sync"
	"time"
)

// entryTTL is the fixed cache lifetime from §4.3: "Entries older than a
// hard-coded TTL (30 s) are removed by a periodic sweep".
const entryTTL = 30 * time.Second

// addressSet is one hostname's resolved address families, plus the time it
// was stored.
type addressSet struct {
	v4      []net.IP
	v6      []net.IP
	created time.Time
	// rrIdx4/rrIdx6 give round-robin pick-order across repeated lookups of
	// the same cached entry; the spec leaves the pick rule unspecified
	// beyond "any consistent choice" (see DESIGN.md).
	rrIdx4 uint32
	rrIdx6 uint32
}

func (a *addressSet) stale(now time.Time) bool {
	return now.Sub(a.created) > entryTTL
}

func (a *addressSet) pick(version IPVersion) (net.IP, bool) {
	switch version {
	case IPv4:
		if len(a.v4) == 0 {
			return nil, false
		}
		ip := a.v4[a.rrIdx4%uint32(len(a.v4))]
		a.rrIdx4++
		return ip, true
	case IPv6:
		if len(a.v6) == 0 {
			return nil, false
		}
		ip := a.v6[a.rrIdx6%uint32(len(a.v6))]
		a.rrIdx6++
		return ip, true
	default:
		return nil, false
	}
}

// cache is the in-memory hostname -> addressSet map described in §4.3's
// "Cache lookup"/"Completion"/"Cleanup" paragraphs.
type cache struct {
	mu      sync.Mutex
	entries map[string]*addressSet
}

func newCache() *cache {
	return &cache{entries: make(map[string]*addressSet)}
}

func (c *cache) lookup(hostname string, version IPVersion, now time.Time) (net.IP, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[hostname]
	if !ok || e.stale(now) {
		return nil, false
	}
	return e.pick(version)
}

func (c *cache) store(hostname string, v4, v6 []net.IP, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[hostname] = &addressSet{v4: v4, v6: v6, created: now}
}

// sweep removes every entry whose age exceeds entryTTL. The ACL manager's
// 1 Hz timer drives this at the configurable cleanup period from
// config.Snapshot.DNSCacheCleanupPeriod.
func (c *cache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for host, e := range c.entries {
		if e.stale(now) {
			delete(c.entries, host)
		}
	}
}

func (c *cache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
