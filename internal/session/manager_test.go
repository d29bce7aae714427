// ABOUTME: Tests for the session manager
// ABOUTME: Covers thread reuse, identity changes, resets, and backend failures

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleybot/parley/internal/foundry"
	"github.com/parleybot/parley/internal/identity"
	"github.com/parleybot/parley/internal/store"
)

// fakeThreads is an in-memory ThreadClient.
type fakeThreads struct {
	nextID    int
	created   []string
	deleted   []string
	createErr error
	deleteErr error
}

func (f *fakeThreads) CreateThread(ctx context.Context) (*foundry.Thread, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("thread-%d", f.nextID)
	f.created = append(f.created, id)
	return &foundry.Thread{ID: id}, nil
}

func (f *fakeThreads) DeleteThread(ctx context.Context, threadID string) error {
	f.deleted = append(f.deleted, threadID)
	return f.deleteErr
}

func newTestManager(st store.Store, threads ThreadClient) *Manager {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(st, threads, logger)
}

func mira() *identity.Identity {
	return &identity.Identity{SubjectID: "subj-mira", DisplayName: "Mira", TenantID: "T1"}
}

func noor() *identity.Identity {
	return &identity.Identity{SubjectID: "subj-noor", DisplayName: "Noor", TenantID: "T1"}
}

const convKey = "msteams:conv-77"

func TestGetOrCreate_NewSession(t *testing.T) {
	st := store.NewMockStore()
	threads := &fakeThreads{}
	m := newTestManager(st, threads)

	s, err := m.GetOrCreate(t.Context(), mira(), convKey)
	require.NoError(t, err)
	assert.Equal(t, "thread-1", s.ThreadID)
	assert.Equal(t, "subj-mira", s.SubjectID)
	assert.Equal(t, "Mira", s.DisplayName)
	assert.Equal(t, "T1", s.TenantID)
	assert.False(t, s.CreatedAt.IsZero())

	stored, err := st.GetSession(t.Context(), convKey)
	require.NoError(t, err)
	assert.Equal(t, "thread-1", stored.ThreadID)
}

func TestGetOrCreate_ReusesThreadForSameSubject(t *testing.T) {
	st := store.NewMockStore()
	threads := &fakeThreads{}
	m := newTestManager(st, threads)

	first, err := m.GetOrCreate(t.Context(), mira(), convKey)
	require.NoError(t, err)

	second, err := m.GetOrCreate(t.Context(), mira(), convKey)
	require.NoError(t, err)

	assert.Equal(t, first.ThreadID, second.ThreadID)
	assert.Len(t, threads.created, 1, "no extra thread for the same subject")
}

func TestGetOrCreate_DifferentSubjectDiscardsSession(t *testing.T) {
	st := store.NewMockStore()
	threads := &fakeThreads{}
	m := newTestManager(st, threads)

	first, err := m.GetOrCreate(t.Context(), mira(), convKey)
	require.NoError(t, err)

	second, err := m.GetOrCreate(t.Context(), noor(), convKey)
	require.NoError(t, err)

	assert.NotEqual(t, first.ThreadID, second.ThreadID, "threads are never shared across identities")
	assert.Equal(t, "subj-noor", second.SubjectID)
	assert.Contains(t, threads.deleted, first.ThreadID, "the old thread is asked to be deleted")
}

func TestGetOrCreate_BackendFailure(t *testing.T) {
	st := store.NewMockStore()
	threads := &fakeThreads{createErr: foundry.ErrBackendUnavailable}
	m := newTestManager(st, threads)

	_, err := m.GetOrCreate(t.Context(), mira(), convKey)
	require.Error(t, err)
	assert.ErrorIs(t, err, foundry.ErrBackendUnavailable)

	// Nothing is persisted for a turn that could not get a thread.
	_, err = st.GetSession(t.Context(), convKey)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReset_ExistingSession(t *testing.T) {
	st := store.NewMockStore()
	threads := &fakeThreads{}
	m := newTestManager(st, threads)

	s, err := m.GetOrCreate(t.Context(), mira(), convKey)
	require.NoError(t, err)

	// A pending exchange left over from an interrupted sign-in goes too.
	require.NoError(t, st.PutPendingExchange(t.Context(), &store.PendingExchange{
		ConversationKey: convKey,
		StateToken:      "x",
		IssuedAt:        time.Now(),
		ExpiresAt:       time.Now().Add(time.Minute),
		Attempts:        1,
	}))

	existed, err := m.Reset(t.Context(), convKey)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Contains(t, threads.deleted, s.ThreadID)

	_, err = st.GetSession(t.Context(), convKey)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetPendingExchange(t.Context(), convKey)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReset_NoSession(t *testing.T) {
	st := store.NewMockStore()
	m := newTestManager(st, &fakeThreads{})

	existed, err := m.Reset(t.Context(), convKey)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestReset_BackendDeleteFailureIsNonFatal(t *testing.T) {
	st := store.NewMockStore()
	threads := &fakeThreads{}
	m := newTestManager(st, threads)

	_, err := m.GetOrCreate(t.Context(), mira(), convKey)
	require.NoError(t, err)

	threads.deleteErr = errors.New("backend down")

	existed, err := m.Reset(t.Context(), convKey)
	require.NoError(t, err, "a backend deletion failure must not fail the reset")
	assert.True(t, existed)

	// The local reference is cleared regardless.
	_, err = st.GetSession(t.Context(), convKey)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReset_ThenNewMessageGetsFreshThread(t *testing.T) {
	st := store.NewMockStore()
	threads := &fakeThreads{}
	m := newTestManager(st, threads)

	before, err := m.GetOrCreate(t.Context(), mira(), convKey)
	require.NoError(t, err)

	_, err = m.Reset(t.Context(), convKey)
	require.NoError(t, err)

	after, err := m.GetOrCreate(t.Context(), mira(), convKey)
	require.NoError(t, err)

	assert.NotEqual(t, before.ThreadID, after.ThreadID)
}
