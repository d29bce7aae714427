// ABOUTME: Tests for the streaming relay
// ABOUTME: Covers chunk ordering, edit throttling, and mid-stream failures

package relay

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

	"github.com/parleybot/parley/internal/channel"
	"github.com/parleybot/parley/internal/foundry"
	"github.com/parleybot/parley/internal/store"
)

// fakeBackend scripts the event stream for one run.
type fakeBackend struct {
	events    []*foundry.Event
	createErr error

	gotThread string
	gotAgent  string
	gotText   string
}

func (f *fakeBackend) CreateMessage(ctx context.Context, threadID, text string) (*foundry.Message, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.gotThread = threadID
	f.gotText = text
	return &foundry.Message{ID: "msg-1"}, nil
}

func (f *fakeBackend) StreamRun(ctx context.Context, threadID, agentID string) (<-chan *foundry.Event, error) {
	f.gotAgent = agentID
	ch := make(chan *foundry.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

// fakeSender records outbound deliveries in order.
type fakeSender struct {
	replies []string
	updates []string
	final   *channel.Activity

	replyErr        error
	updateErr       error
	failNextUpdates int

	nextID int
}

func (f *fakeSender) ReplyToActivity(ctx context.Context, a *channel.Activity) (string, error) {
	if f.replyErr != nil {
		return "", f.replyErr
	}
	f.replies = append(f.replies, a.Text)
	f.final = a
	f.nextID++
	return fmt.Sprintf("out-%d", f.nextID), nil
}

func (f *fakeSender) UpdateActivity(ctx context.Context, activityID string, a *channel.Activity) (string, error) {
	if f.failNextUpdates > 0 {
		f.failNextUpdates--
		return "", errors.New("edit failed")
	}
	if f.updateErr != nil {
		return "", f.updateErr
	}
	f.updates = append(f.updates, a.Text)
	f.final = a
	return activityID, nil
}

func delta(text string) *foundry.Event {
	return &foundry.Event{Type: foundry.EventTextDelta, Text: text}
}

func done() []*foundry.Event {
	return []*foundry.Event{{Type: foundry.EventCompleted}, {Type: foundry.EventDone}}
}

func testSession() *store.Session {
	return &store.Session{
		ConversationKey: "msteams:conv-77",
		ThreadID:        "thread-1",
		SubjectID:       "subj-mira",
	}
}

func inbound() *channel.Activity {
	return &channel.Activity{
		Type:         channel.ActivityMessage,
		ID:           "act-1",
		ServiceURL:   "https://smba.example.com/emea",
		ChannelID:    "msteams",
		From:         channel.ChannelAccount{ID: "user-29"},
		Recipient:    channel.ChannelAccount{ID: "bot-1"},
		Conversation: channel.Conversation{ID: "conv-77"},
	}
}

func newTestRelay(backend Backend, sender Sender, interval time.Duration) *Relay {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(backend, sender, "agent-1", interval, logger)
}

func TestSend_StreamsChunksInOrder(t *testing.T) {
	backend := &fakeBackend{events: append([]*foundry.Event{delta("A"), delta("B"), delta("C")}, done()...)}
	sender := &fakeSender{}
	r := newTestRelay(backend, sender, 0)

	err := r.Send(t.Context(), testSession(), inbound(), "question")
	require.NoError(t, err)

	// The first chunk creates the message; each later chunk extends it.
	require.Equal(t, []string{"A"}, sender.replies)
	require.NotEmpty(t, sender.updates)
	assert.Equal(t, "ABC", sender.updates[len(sender.updates)-1])

	// Every intermediate text is a prefix of the final text: order held.
	for _, u := range sender.updates {
		assert.True(t, len(u) <= 3 && u == "ABC"[:len(u)], "update %q out of order", u)
	}

	assert.Equal(t, "thread-1", backend.gotThread)
	assert.Equal(t, "agent-1", backend.gotAgent)
	assert.Equal(t, "question", backend.gotText)
}

func TestSend_ThrottlesIntermediateEdits(t *testing.T) {
	backend := &fakeBackend{events: append([]*foundry.Event{delta("A"), delta("B"), delta("C")}, done()...)}
	sender := &fakeSender{}
	r := newTestRelay(backend, sender, time.Hour)

	err := r.Send(t.Context(), testSession(), inbound(), "question")
	require.NoError(t, err)

	// Only the initial reply and the final flush go out.
	assert.Equal(t, []string{"A"}, sender.replies)
	assert.Equal(t, []string{"ABC"}, sender.updates)
}

func TestSend_FinalMessageCarriesSummaryAndLabel(t *testing.T) {
	backend := &fakeBackend{events: append([]*foundry.Event{delta("# Hi\n\nSome **bold** reply")}, done()...)}
	sender := &fakeSender{}
	r := newTestRelay(backend, sender, time.Hour)

	require.NoError(t, r.Send(t.Context(), testSession(), inbound(), "question"))

	require.NotNil(t, sender.final)
	assert.Equal(t, "Hi Some bold reply", sender.final.Summary)
	require.Len(t, sender.final.Entities, 1)
	assert.Contains(t, sender.final.Entities[0].AdditionalType, "AIGeneratedContent")
}

func TestSend_RunFailureKeepsPartialOutput(t *testing.T) {
	backend := &fakeBackend{events: []*foundry.Event{
		delta("partial "),
		delta("answer"),
		{Type: foundry.EventFailed, Err: errors.New("model exploded")},
	}}
	sender := &fakeSender{}
	r := newTestRelay(backend, sender, 0)

	// A mid-stream failure is surfaced in the message, not as an error.
	err := r.Send(t.Context(), testSession(), inbound(), "question")
	require.NoError(t, err)

	final := sender.updates[len(sender.updates)-1]
	assert.Contains(t, final, "partial answer")
	assert.Contains(t, final, "interrupted")
}

func TestSend_RunFailureBeforeAnyOutput(t *testing.T) {
	backend := &fakeBackend{events: []*foundry.Event{
		{Type: foundry.EventFailed, Err: errors.New("model exploded")},
	}}
	sender := &fakeSender{}
	r := newTestRelay(backend, sender, 0)

	err := r.Send(t.Context(), testSession(), inbound(), "question")
	require.NoError(t, err)

	require.Len(t, sender.replies, 1)
	assert.Contains(t, sender.replies[0], "could not produce a response")
	assert.Empty(t, sender.updates)
}

func TestSend_EmptyRun(t *testing.T) {
	backend := &fakeBackend{events: done()}
	sender := &fakeSender{}
	r := newTestRelay(backend, sender, 0)

	err := r.Send(t.Context(), testSession(), inbound(), "question")
	require.NoError(t, err)

	require.Len(t, sender.replies, 1)
	assert.Equal(t, emptyReplyNotice, sender.replies[0])
}

func TestSend_PostingUserMessageFails(t *testing.T) {
	backend := &fakeBackend{createErr: foundry.ErrBackendUnavailable}
	sender := &fakeSender{}
	r := newTestRelay(backend, sender, 0)

	err := r.Send(t.Context(), testSession(), inbound(), "question")
	require.Error(t, err)
	assert.ErrorIs(t, err, foundry.ErrBackendUnavailable)
	assert.Empty(t, sender.replies, "nothing is sent when the turn never started")
}

func TestSend_InitialReplyFailureAbandonsStream(t *testing.T) {
	backend := &fakeBackend{events: append([]*foundry.Event{delta("A"), delta("B")}, done()...)}
	sender := &fakeSender{replyErr: channel.ErrChannelUnavailable}
	r := newTestRelay(backend, sender, 0)

	err := r.Send(t.Context(), testSession(), inbound(), "question")
	require.Error(t, err)
	assert.ErrorIs(t, err, channel.ErrChannelUnavailable)
	assert.Empty(t, sender.updates)
}

func TestSend_IntermediateEditFailureRecovers(t *testing.T) {
	backend := &fakeBackend{events: append([]*foundry.Event{delta("A"), delta("B")}, done()...)}
	sender := &fakeSender{failNextUpdates: 1}
	r := newTestRelay(backend, sender, 0)

	err := r.Send(t.Context(), testSession(), inbound(), "question")
	require.NoError(t, err)

	// The failed edit is skipped; the final flush still carries all text.
	require.NotEmpty(t, sender.updates)
	assert.Equal(t, "AB", sender.updates[len(sender.updates)-1])
}

func TestSend_FinalEditFailure(t *testing.T) {
	backend := &fakeBackend{events: append([]*foundry.Event{delta("A")}, done()...)}
	sender := &fakeSender{}
	r := newTestRelay(backend, sender, time.Hour)

	sender.updateErr = channel.ErrChannelUnavailable

	err := r.Send(t.Context(), testSession(), inbound(), "question")
	require.Error(t, err)
	assert.ErrorIs(t, err, channel.ErrChannelUnavailable)
}
