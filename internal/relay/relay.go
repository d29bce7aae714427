// ABOUTME: Streaming relay forwarding backend run output to the channel
// ABOUTME: One outbound message per turn, edited in place as chunks arrive

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parleybot/parley/internal/channel"
	"github.com/parleybot/parley/internal/foundry"
	"github.com/parleybot/parley/internal/store"
)

// User-visible copy for stream outcomes.
const (
	interruptedNotice = "\n\n_The response was interrupted before it finished._"
	failedNotice      = "The assistant could not produce a response. Please try again."
	emptyReplyNotice  = "_(no response)_"
)

// summaryLimit caps the plain-text preview attached to the final message.
const summaryLimit = 120

// Backend is the slice of the agent backend the relay needs.
type Backend interface {
	CreateMessage(ctx context.Context, threadID, text string) (*foundry.Message, error)
	StreamRun(ctx context.Context, threadID, agentID string) (<-chan *foundry.Event, error)
}

// Sender delivers and edits outbound activities.
type Sender interface {
	ReplyToActivity(ctx context.Context, a *channel.Activity) (string, error)
	UpdateActivity(ctx context.Context, activityID string, a *channel.Activity) (string, error)
}

// Relay streams one turn's reply: it posts the user text to the backend
// thread, runs the agent, and renders the streamed output as a single
// progressively updated channel message.
type Relay struct {
	backend        Backend
	sender         Sender
	agentID        string
	updateInterval time.Duration
	logger         *slog.Logger
}

// New creates a relay bound to one resolved agent. updateInterval throttles
// in-place edits; the final edit always goes out.
func New(backend Backend, sender Sender, agentID string, updateInterval time.Duration, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		backend:        backend,
		sender:         sender,
		agentID:        agentID,
		updateInterval: updateInterval,
		logger:         logger.With("component", "relay"),
	}
}

// Send runs one turn. An error is returned only when nothing user-visible
// could be delivered; a backend failure mid-stream is surfaced inside the
// message itself and is not an error here.
func (r *Relay) Send(ctx context.Context, session *store.Session, a *channel.Activity, text string) error {
	if _, err := r.backend.CreateMessage(ctx, session.ThreadID, text); err != nil {
		return fmt.Errorf("posting user message: %w", err)
	}

	events, err := r.backend.StreamRun(ctx, session.ThreadID, r.agentID)
	if err != nil {
		return fmt.Errorf("starting run: %w", err)
	}

	return r.forward(ctx, a, events)
}

// forward drains the event stream, holding one outbound edit in flight at a
// time. Chunks are appended in receive order; edits are throttled but the
// accumulated text always catches up on the next edit.
func (r *Relay) forward(ctx context.Context, a *channel.Activity, events <-chan *foundry.Event) error {
	var (
		buf        strings.Builder
		activityID string
		lastEdit   time.Time
		failure    error
	)

	for ev := range events {
		switch ev.Type {
		case foundry.EventTextDelta:
			buf.WriteString(ev.Text)

			if activityID == "" {
				if buf.Len() == 0 {
					continue
				}
				id, err := r.sender.ReplyToActivity(ctx, a.NewReply(buf.String()))
				if err != nil {
					// The channel is gone; abandon the stream without
					// further sends.
					return fmt.Errorf("sending initial reply: %w", err)
				}
				activityID = id
				lastEdit = time.Now()
				continue
			}

			if time.Since(lastEdit) >= r.updateInterval {
				if _, err := r.sender.UpdateActivity(ctx, activityID, a.NewReply(buf.String())); err != nil {
					// A missed intermediate edit is recoverable: the
					// final edit carries the full text anyway.
					r.logger.Warn("intermediate edit failed",
						"conversation", a.ConversationKey(), "error", err)
				}
				lastEdit = time.Now()
			}

		case foundry.EventCompleted:
			// The final flush happens when the stream closes.

		case foundry.EventFailed:
			failure = ev.Err

		case foundry.EventDone:
		}
	}

	if ctx.Err() != nil {
		// Turn cancelled: whatever was sent stays as-is.
		return ctx.Err()
	}

	return r.finish(ctx, a, activityID, buf.String(), failure)
}

// finish delivers the terminal state of the message: the complete text, a
// plain-text summary, the AI-generated label, and an appended notice when
// the run failed partway.
func (r *Relay) finish(ctx context.Context, a *channel.Activity, activityID, text string, failure error) error {
	if failure != nil {
		r.logger.Warn("run failed mid-stream",
			"conversation", a.ConversationKey(), "error", failure)
		if text == "" {
			text = failedNotice
		} else {
			text += interruptedNotice
		}
	} else if text == "" {
		text = emptyReplyNotice
	}

	final := a.NewReply(text)
	final.Summary = PlainSummary(text, summaryLimit)
	final.Entities = []channel.Entity{channel.AIGeneratedEntity()}

	var err error
	if activityID == "" {
		_, err = r.sender.ReplyToActivity(ctx, final)
	} else {
		_, err = r.sender.UpdateActivity(ctx, activityID, final)
	}
	if err != nil {
		return fmt.Errorf("delivering final reply: %w", err)
	}
	return nil
}
