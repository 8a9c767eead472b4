package policy

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ppiankov/chanisolator/internal/store"
)

// checkInterval rate-limits marker reads. The interceptor calls
// ReloadIfChanged on every inbound HTLC; at most two of those calls per
// second actually touch the store.
const checkInterval = 500 * time.Millisecond

// Cache is the snapshot cache over the durable store. One mutex guards both
// the snapshot swap and decision lookups; the critical section is a map read
// or a pointer-sized replacement, never a store query.
type Cache struct {
	st *store.Store

	mu   sync.Mutex
	snap Snapshot

	lastMarker string
	lastCheck  time.Time
}

// NewCache creates an empty cache. Call Reload to populate it before serving
// decisions; an empty snapshot allows all traffic.
func NewCache(st *store.Store) *Cache {
	return &Cache{st: st, snap: Snapshot{}}
}

// Decide evaluates one forward against the current snapshot.
func (c *Cache) Decide(outgoing, incoming string) Verdict {
	c.mu.Lock()
	snap := c.snap
	c.mu.Unlock()
	return Evaluate(snap, outgoing, incoming)
}

// ReloadIfChanged polls the change marker and rebuilds the snapshot if it
// advanced. Rate-limited to one marker read per checkInterval; excess calls
// return immediately. A store read failure logs and keeps the previous
// snapshot: stale-but-consistent beats serving no policy at all.
func (c *Cache) ReloadIfChanged() {
	c.mu.Lock()
	if time.Since(c.lastCheck) < checkInterval {
		c.mu.Unlock()
		return
	}
	c.lastCheck = time.Now()
	last := c.lastMarker
	c.mu.Unlock()

	marker, err := c.st.Marker()
	if err != nil {
		log.Warnf("policy reload: %v (keeping previous snapshot)", err)
		return
	}
	if marker <= last {
		return
	}
	c.reload(marker)
}

// Reload unconditionally rebuilds the snapshot from the store, bypassing the
// rate limit. Used at startup and by the store-file watcher.
func (c *Cache) Reload() {
	marker, err := c.st.Marker()
	if err != nil {
		log.Warnf("policy reload: %v (keeping previous snapshot)", err)
		return
	}
	c.reload(marker)
}

func (c *Cache) reload(marker string) {
	policies, err := c.st.ActivePolicies()
	if err != nil {
		log.Warnf("policy reload: %v (keeping previous snapshot)", err)
		return
	}
	snap := BuildSnapshot(policies)

	c.mu.Lock()
	c.snap = snap
	c.lastMarker = marker
	c.mu.Unlock()

	log.Infof("policy snapshot reloaded: %d active isolation sessions", len(snap))
}
