// ABOUTME: Per-conversation turn serialization
// ABOUTME: One turn at a time per conversation, distinct conversations run concurrently

package bot

import "sync"

// conversationLocks hands out one mutex per conversation key. Entries are
// reference-counted and removed once the last holder releases, so the map
// does not grow with conversation history.
type conversationLocks struct {
	mu    sync.Mutex
	locks map[string]*convLock
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{locks: make(map[string]*convLock)}
}

// acquire blocks until this goroutine holds the conversation's turn.
func (l *conversationLocks) acquire(key string) {
	l.mu.Lock()
	cl, ok := l.locks[key]
	if !ok {
		cl = &convLock{}
		l.locks[key] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()
}

// release gives up the conversation's turn.
func (l *conversationLocks) release(key string) {
	l.mu.Lock()
	cl, ok := l.locks[key]
	if !ok {
		l.mu.Unlock()
		return
	}
	cl.refs--
	if cl.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()

	cl.mu.Unlock()
}

// size reports how many conversations currently hold or wait for a turn
// (test helper).
func (l *conversationLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
