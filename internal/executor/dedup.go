package executor

import (
	"sync"
	"time"
)

// Dedup rejects request IDs seen within a TTL, so a retried exit can never
// be submitted twice under the same ID. It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // request ID -> first seen
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup with the given ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// IsDuplicate reports whether id was seen within the TTL. Unseen or expired
// IDs are recorded and reported as new.
func (d *Dedup) IsDuplicate(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen[id]; ok && now.Sub(at) < d.ttl {
		return true
	}
	d.seen[id] = now
	return false
}

// Cleanup forgets expired IDs.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for id, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, id)
		}
	}
}
