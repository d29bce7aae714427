// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	tokens   map[string]*TokenRecord     // keyed by "connectionName:userKey"
	sessions map[string]*Session         // keyed by conversation key
	pending  map[string]*PendingExchange // keyed by conversation key

	// Fail hooks let tests inject errors per method.
	FailPutToken   error
	FailPutSession error
	FailPutPending error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		tokens:   make(map[string]*TokenRecord),
		sessions: make(map[string]*Session),
		pending:  make(map[string]*PendingExchange),
	}
}

func tokenKey(connectionName, userKey string) string {
	return connectionName + ":" + userKey
}

// PutToken stores a token record, replacing any previous one for the key.
func (m *MockStore) PutToken(ctx context.Context, rec *TokenRecord) error {
	if m.FailPutToken != nil {
		return m.FailPutToken
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r := *rec
	m.tokens[tokenKey(rec.ConnectionName, rec.UserKey)] = &r
	return nil
}

// GetToken retrieves the live token record for a key. Expired records are
// dropped and reported as ErrNotFound, matching the SQLite behavior.
func (m *MockStore) GetToken(ctx context.Context, connectionName, userKey string) (*TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tokenKey(connectionName, userKey)
	rec, ok := m.tokens[key]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Expired(time.Now()) {
		delete(m.tokens, key)
		return nil, ErrNotFound
	}

	result := *rec
	return &result, nil
}

// DeleteToken removes a token record. Idempotent.
func (m *MockStore) DeleteToken(ctx context.Context, connectionName, userKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tokens, tokenKey(connectionName, userKey))
	return nil
}

// PutSession stores a session, replacing any previous one.
func (m *MockStore) PutSession(ctx context.Context, session *Session) error {
	if m.FailPutSession != nil {
		return m.FailPutSession
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := *session
	m.sessions[session.ConversationKey] = &s
	return nil
}

// GetSession retrieves the session for a conversation.
func (m *MockStore) GetSession(ctx context.Context, conversationKey string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[conversationKey]
	if !ok {
		return nil, ErrNotFound
	}

	result := *s
	return &result, nil
}

// DeleteSession removes a session. Idempotent.
func (m *MockStore) DeleteSession(ctx context.Context, conversationKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, conversationKey)
	return nil
}

// PutPendingExchange stores a pending exchange, replacing any previous one.
func (m *MockStore) PutPendingExchange(ctx context.Context, pending *PendingExchange) error {
	if m.FailPutPending != nil {
		return m.FailPutPending
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p := *pending
	m.pending[pending.ConversationKey] = &p
	return nil
}

// GetPendingExchange retrieves the pending exchange without consuming it.
func (m *MockStore) GetPendingExchange(ctx context.Context, conversationKey string) (*PendingExchange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pending[conversationKey]
	if !ok {
		return nil, ErrNotFound
	}

	result := *p
	return &result, nil
}

// ConsumePendingExchange atomically fetches and deletes the pending exchange.
func (m *MockStore) ConsumePendingExchange(ctx context.Context, conversationKey string) (*PendingExchange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[conversationKey]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.pending, conversationKey)

	result := *p
	return &result, nil
}

// DeletePendingExchange removes a pending exchange. Idempotent.
func (m *MockStore) DeletePendingExchange(ctx context.Context, conversationKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pending, conversationKey)
	return nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}

// TokenCount reports how many live records the mock holds (test helper).
func (m *MockStore) TokenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}
