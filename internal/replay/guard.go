// ABOUTME: Thread-safe TTL guard against redelivered channel activities.
// ABOUTME: The channel retries on timeout; each activity must run one turn only.

package replay

import (
	"container/list"
	"sync"
	"time"

	"github.com/parleybot/parley/internal/channel"
)

// guardEntry stores the timestamp and list element for a remembered key.
type guardEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Guard remembers recently processed activity IDs so redelivered activities
// are dropped instead of producing a second turn. Entries expire after the
// TTL and the guard is size-limited, with the oldest entry evicted first.
type Guard struct {
	mu      sync.Mutex
	seen    map[string]*guardEntry
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a replay guard with the given TTL and maximum size. A
// background goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Guard {
	g := &Guard{
		seen:    make(map[string]*guardEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go g.cleanup()
	return g
}

// Replayed atomically checks whether the activity was already processed and
// remembers it if not. Returns true for a replay, false for a first
// delivery. Activities without an ID are never treated as replays.
func (g *Guard) Replayed(a *channel.Activity) bool {
	if a.ID == "" {
		return false
	}
	return g.checkAndMark(activityKey(a))
}

// activityKey builds the guard key. Activity IDs are only unique per
// channel, so the channel ID is part of the key.
func activityKey(a *channel.Activity) string {
	return a.ChannelID + ":" + a.ID
}

func (g *Guard) checkAndMark(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.seen[key]
	if ok && time.Since(entry.timestamp) < g.ttl {
		return true
	}

	g.markLocked(key)
	return false
}

// markLocked records a key. Must be called with mu held.
func (g *Guard) markLocked(key string) {
	now := time.Now()

	// An expired entry being re-marked keeps its map slot but moves to
	// the back of the eviction order.
	if entry, exists := g.seen[key]; exists {
		entry.timestamp = now
		g.order.MoveToBack(entry.element)
		return
	}

	if len(g.seen) >= g.maxSize {
		g.evictOldest()
	}

	elem := g.order.PushBack(key)
	g.seen[key] = &guardEntry{
		timestamp: now,
		element:   elem,
	}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (g *Guard) evictOldest() {
	front := g.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	g.order.Remove(front)
	delete(g.seen, key)
}

// cleanup periodically removes expired entries until Close.
func (g *Guard) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.runCleanup()
		case <-g.done:
			return
		}
	}
}

func (g *Guard) runCleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for key, entry := range g.seen {
		if now.Sub(entry.timestamp) > g.ttl {
			g.order.Remove(entry.element)
			delete(g.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.closed {
		close(g.done)
		g.closed = true
	}
}
