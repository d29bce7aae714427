// ABOUTME: Session manager binding verified identities to backend threads
// ABOUTME: One session per conversation, never shared across identities

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/parleybot/parley/internal/foundry"
	"github.com/parleybot/parley/internal/identity"
	"github.com/parleybot/parley/internal/store"
)

// ThreadClient is the slice of the backend the manager needs: creating and
// deleting opaque conversation threads.
type ThreadClient interface {
	CreateThread(ctx context.Context) (*foundry.Thread, error)
	DeleteThread(ctx context.Context, threadID string) error
}

// Manager owns the conversation-to-thread mapping. The backend owns thread
// content; the manager only holds references.
type Manager struct {
	store   store.Store
	threads ThreadClient
	logger  *slog.Logger
}

// NewManager creates a session manager.
func NewManager(st store.Store, threads ThreadClient, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   st,
		threads: threads,
		logger:  logger.With("component", "session"),
	}
}

// GetOrCreate returns the session for a conversation, creating a fresh
// backend thread when none exists. A session created for a different
// subject is discarded first: threads are never reused across identities.
func (m *Manager) GetOrCreate(ctx context.Context, id *identity.Identity, conversationKey string) (*store.Session, error) {
	existing, err := m.store.GetSession(ctx, conversationKey)
	switch {
	case err == nil:
		if existing.SubjectID == id.SubjectID {
			return existing, nil
		}
		m.logger.Info("conversation re-authenticated as a different subject, discarding session",
			"conversation", conversationKey,
			"previous_subject", existing.SubjectID,
			"subject", id.SubjectID)
		if err := m.discard(ctx, existing); err != nil {
			return nil, err
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("reading session: %w", err)
	}

	thread, err := m.threads.CreateThread(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating backend thread: %w", err)
	}

	session := &store.Session{
		ConversationKey: conversationKey,
		ThreadID:        thread.ID,
		SubjectID:       id.SubjectID,
		DisplayName:     id.DisplayName,
		TenantID:        id.TenantID,
		CreatedAt:       time.Now(),
	}
	if err := m.store.PutSession(ctx, session); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}

	m.logger.Info("session created",
		"conversation", conversationKey,
		"thread_id", thread.ID,
		"subject", id.SubjectID)
	return session, nil
}

// Reset drops the conversation's thread reference and any pending sign-in
// exchange. Returns whether a session existed. Backend thread deletion is
// best-effort: the local reference is cleared regardless.
func (m *Manager) Reset(ctx context.Context, conversationKey string) (bool, error) {
	existing, err := m.store.GetSession(ctx, conversationKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if perr := m.store.DeletePendingExchange(ctx, conversationKey); perr != nil {
			return false, fmt.Errorf("clearing pending exchange: %w", perr)
		}
		return false, nil
	case err != nil:
		return false, fmt.Errorf("reading session: %w", err)
	}

	if err := m.discard(ctx, existing); err != nil {
		return true, err
	}
	if err := m.store.DeletePendingExchange(ctx, conversationKey); err != nil {
		return true, fmt.Errorf("clearing pending exchange: %w", err)
	}

	m.logger.Info("session reset", "conversation", conversationKey, "thread_id", existing.ThreadID)
	return true, nil
}

// discard deletes a session and asks the backend to drop its thread. A
// backend failure is logged, not returned: the reference must go either way.
func (m *Manager) discard(ctx context.Context, s *store.Session) error {
	if err := m.threads.DeleteThread(ctx, s.ThreadID); err != nil {
		m.logger.Warn("backend thread deletion failed, clearing reference anyway",
			"conversation", s.ConversationKey,
			"thread_id", s.ThreadID,
			"error", err)
	}
	if err := m.store.DeleteSession(ctx, s.ConversationKey); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}
