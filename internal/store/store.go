// ABOUTME: Store interface and data types for parley persistence
// ABOUTME: Token records, conversation sessions, and pending sign-in exchanges

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// TokenRecord caches a verified user access token for one OAuth connection.
// At most one live record exists per (ConnectionName, UserKey); writing a new
// record replaces the previous one.
type TokenRecord struct {
	ConnectionName string
	UserKey        string
	Token          string
	// ExpiresAt is the local expiry hint. Zero means unknown; verification
	// remains the authority either way.
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the record is past its local expiry hint.
func (r *TokenRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Session binds a conversation to a backend thread and the identity it was
// created for. ThreadID references an externally owned thread; deleting a
// session does not delete the thread.
type Session struct {
	ConversationKey string
	ThreadID        string
	SubjectID       string
	DisplayName     string
	TenantID        string
	CreatedAt       time.Time
}

// PendingExchange marks an in-flight interactive sign-in for a conversation.
// It is consumed (deleted) by the first verification attempt, success or
// failure. Attempts counts consecutive prompts for the re-prompt budget.
type PendingExchange struct {
	ConversationKey string
	StateToken      string
	IssuedAt        time.Time
	ExpiresAt       time.Time
	Attempts        int
}

// Expired reports whether the pending exchange is past its expiry.
func (p *PendingExchange) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// Store defines the interface for SSO and session state persistence
type Store interface {
	// Token records
	PutToken(ctx context.Context, rec *TokenRecord) error
	GetToken(ctx context.Context, connectionName, userKey string) (*TokenRecord, error)
	DeleteToken(ctx context.Context, connectionName, userKey string) error

	// Conversation sessions
	PutSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, conversationKey string) (*Session, error)
	DeleteSession(ctx context.Context, conversationKey string) error

	// Pending sign-in exchanges
	PutPendingExchange(ctx context.Context, pending *PendingExchange) error
	GetPendingExchange(ctx context.Context, conversationKey string) (*PendingExchange, error)
	// ConsumePendingExchange atomically fetches and deletes the pending
	// exchange. Returns ErrNotFound if none exists.
	ConsumePendingExchange(ctx context.Context, conversationKey string) (*PendingExchange, error)
	DeletePendingExchange(ctx context.Context, conversationKey string) error

	// Close releases any resources held by the store
	Close() error
}
