package router

import (
	"strings"
	"time"

	"github.com/zeebo/xxh3"
)

// Deduper remembers frame hashes for a window. While a consolidation overlap
// runs two streams for the same subscription, each frame arrives twice; the
// second copy is reported as seen.
//
// Deduper is not safe for concurrent use; the router calls it from its route
// goroutine only.
type Deduper struct {
	window    time.Duration
	now       func() time.Time
	seen      map[uint64]time.Time
	lastPrune time.Time
}

// NewDeduper returns a Deduper with the given window. A window <= 0 disables
// deduplication.
func NewDeduper(window time.Duration) *Deduper {
	return &Deduper{
		window: window,
		now:    time.Now,
		seen:   make(map[uint64]time.Time),
	}
}

// Seen records frame and reports whether an identical frame was recorded
// within the window. Surrounding whitespace is ignored.
func (d *Deduper) Seen(frame string) bool {
	if d.window <= 0 {
		return false
	}

	now := d.now()
	if now.Sub(d.lastPrune) >= d.window {
		d.prune(now)
	}

	key := xxh3.HashString(strings.TrimSpace(frame))
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.window {
		return true
	}
	d.seen[key] = now
	return false
}

// Len returns the number of remembered hashes.
func (d *Deduper) Len() int { return len(d.seen) }

func (d *Deduper) prune(now time.Time) {
	for k, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, k)
		}
	}
	d.lastPrune = now
}
