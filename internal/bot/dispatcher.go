// ABOUTME: Turn dispatcher routing inbound activities through auth, sessions, and relay
// ABOUTME: No turn reaches the backend without an authenticated identity

package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/parleybot/parley/internal/channel"
	"github.com/parleybot/parley/internal/identity"
	"github.com/parleybot/parley/internal/sso"
	"github.com/parleybot/parley/internal/store"
)

// User-visible copy for dispatcher outcomes.
const (
	noticeTenantDenied = "Access denied. Your organization is not allowed to use this assistant."
	noticeTransient    = "Something went wrong while handling that. Please try again in a moment."
	noticeReset        = "Conversation reset. Your next message starts a fresh thread."
	noticeNothingReset = "There was no active conversation to reset."
	noticeSignedOut    = "You have been signed out."
)

// Authenticator is the SSO handshake as the dispatcher sees it.
type Authenticator interface {
	Resolve(ctx context.Context, a *channel.Activity) (*sso.Result, error)
	CompleteTokenExchange(ctx context.Context, a *channel.Activity) (*sso.Result, *channel.InvokeResponse, error)
	VerifyState(ctx context.Context, a *channel.Activity) (*sso.Result, *channel.InvokeResponse, error)
	Invalidate(ctx context.Context, a *channel.Activity) error
	SignOut(ctx context.Context, a *channel.Activity) error
}

// Sessions maps authenticated identities to backend threads.
type Sessions interface {
	GetOrCreate(ctx context.Context, id *identity.Identity, conversationKey string) (*store.Session, error)
	Reset(ctx context.Context, conversationKey string) (bool, error)
}

// Relayer streams one turn's reply back to the channel.
type Relayer interface {
	Send(ctx context.Context, session *store.Session, a *channel.Activity, text string) error
}

// Notifier is the outbound surface the dispatcher uses directly for
// prompts, notices, and the typing indicator.
type Notifier interface {
	ReplyToActivity(ctx context.Context, a *channel.Activity) (string, error)
	SendToConversation(ctx context.Context, a *channel.Activity) (string, error)
}

// ReplayGuard drops redelivered activities.
type ReplayGuard interface {
	Replayed(a *channel.Activity) bool
}

// Dispatcher routes every inbound activity. Message turns are serialized
// per conversation; distinct conversations proceed concurrently.
type Dispatcher struct {
	auth     Authenticator
	sessions Sessions
	relay    Relayer
	notify   Notifier
	guard    ReplayGuard

	// allowedTenants gates inbound activities before any token work.
	// Empty means all tenants are accepted.
	allowedTenants []string

	locks  *conversationLocks
	logger *slog.Logger
}

// NewDispatcher wires the dispatcher. guard may be nil to disable replay
// protection (tests).
func NewDispatcher(auth Authenticator, sessions Sessions, relay Relayer, notify Notifier, guard ReplayGuard, allowedTenants []string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		auth:           auth,
		sessions:       sessions,
		relay:          relay,
		notify:         notify,
		guard:          guard,
		allowedTenants: allowedTenants,
		locks:          newConversationLocks(),
		logger:         logger.With("component", "dispatcher"),
	}
}

// Dispatch handles one inbound activity. For invoke activities the returned
// response must be written back on the HTTP response; it is nil otherwise.
func (d *Dispatcher) Dispatch(ctx context.Context, a *channel.Activity) (*channel.InvokeResponse, error) {
	switch a.Type {
	case channel.ActivityMessage:
		return nil, d.onMessage(ctx, a)
	case channel.ActivityInvoke:
		return d.onInvoke(ctx, a)
	case channel.ActivityConversationUpdate:
		return nil, d.onConversationUpdate(ctx, a)
	default:
		d.logger.Debug("ignoring activity", "type", a.Type)
		return nil, nil
	}
}

func (d *Dispatcher) onMessage(ctx context.Context, a *channel.Activity) error {
	if d.guard != nil && d.guard.Replayed(a) {
		d.logger.Debug("dropping redelivered activity",
			"conversation", a.ConversationKey(), "activity_id", a.ID)
		return nil
	}

	if !d.tenantAllowed(a.TenantID()) {
		d.logger.Warn("message from disallowed tenant",
			"conversation", a.ConversationKey(), "tenant", a.TenantID())
		d.reply(ctx, a, noticeTenantDenied)
		return nil
	}

	key := a.ConversationKey()
	d.locks.acquire(key)
	defer d.locks.release(key)

	text := normalizeText(a.Text)

	if cmd := parseCommand(text); cmd != cmdNone {
		return d.onCommand(ctx, a, cmd)
	}

	res, err := d.auth.Resolve(ctx, a)
	if err != nil {
		return d.turnFailed(ctx, a, fmt.Errorf("resolving authentication: %w", err))
	}

	switch res.State {
	case sso.StateAuthenticated:
		return d.relayTurn(ctx, a, res.Identity, text)

	case sso.StateAwaitingVerification:
		if _, err := d.notify.ReplyToActivity(ctx, res.Prompt); err != nil {
			return fmt.Errorf("sending sign-in prompt: %w", err)
		}
		return nil

	case sso.StateFailed:
		if res.Notice != "" {
			d.reply(ctx, a, res.Notice)
		}
		return nil

	default:
		return fmt.Errorf("unexpected handshake state %v", res.State)
	}
}

// relayTurn runs the authenticated part of a message turn: session, typing
// indicator, then the streamed reply.
func (d *Dispatcher) relayTurn(ctx context.Context, a *channel.Activity, id *identity.Identity, text string) error {
	session, err := d.sessions.GetOrCreate(ctx, id, a.ConversationKey())
	if err != nil {
		return d.turnFailed(ctx, a, fmt.Errorf("obtaining session: %w", err))
	}

	d.sendTyping(ctx, a)

	// The agent sees who is speaking; group conversations share a thread.
	if id.DisplayName != "" {
		text = fmt.Sprintf("[User: %s] %s", id.DisplayName, text)
	}

	if err := d.relay.Send(ctx, session, a, text); err != nil {
		return d.turnFailed(ctx, a, fmt.Errorf("relaying turn: %w", err))
	}
	return nil
}

func (d *Dispatcher) onCommand(ctx context.Context, a *channel.Activity, cmd command) error {
	key := a.ConversationKey()

	switch cmd {
	case cmdReset:
		// A reset drops the cached token along with the thread, so the next
		// turn re-verifies the user before a fresh thread is created.
		if err := d.auth.Invalidate(ctx, a); err != nil {
			return d.turnFailed(ctx, a, fmt.Errorf("invalidating cached token: %w", err))
		}
		existed, err := d.sessions.Reset(ctx, key)
		if err != nil {
			return d.turnFailed(ctx, a, fmt.Errorf("resetting session: %w", err))
		}
		if existed {
			d.reply(ctx, a, noticeReset)
		} else {
			d.reply(ctx, a, noticeNothingReset)
		}
		return nil

	case cmdSignOut:
		if err := d.auth.SignOut(ctx, a); err != nil {
			return d.turnFailed(ctx, a, fmt.Errorf("signing out: %w", err))
		}
		if _, err := d.sessions.Reset(ctx, key); err != nil {
			return d.turnFailed(ctx, a, fmt.Errorf("resetting session on sign-out: %w", err))
		}
		d.reply(ctx, a, noticeSignedOut)
		return nil

	default:
		return nil
	}
}

func (d *Dispatcher) onInvoke(ctx context.Context, a *channel.Activity) (*channel.InvokeResponse, error) {
	if !d.tenantAllowed(a.TenantID()) {
		d.logger.Warn("invoke from disallowed tenant",
			"conversation", a.ConversationKey(), "tenant", a.TenantID())
		return channel.InvokePreconditionFailed(nil), nil
	}

	key := a.ConversationKey()
	d.locks.acquire(key)
	defer d.locks.release(key)

	switch a.Name {
	case channel.InvokeTokenExchange:
		res, ir, err := d.auth.CompleteTokenExchange(ctx, a)
		if err != nil {
			d.logger.Error("token exchange invoke failed",
				"conversation", key, "error", err)
			return &channel.InvokeResponse{Status: 500}, err
		}
		// A successful silent exchange stays silent; denials surface in
		// chat because the channel's fallback cannot fix them.
		if res.State == sso.StateFailed && res.Notice != "" {
			d.reply(ctx, a, res.Notice)
		}
		return ir, nil

	case channel.InvokeVerifyState:
		res, ir, err := d.auth.VerifyState(ctx, a)
		if err != nil {
			d.logger.Error("verify state invoke failed",
				"conversation", key, "error", err)
			return &channel.InvokeResponse{Status: 500}, err
		}
		switch res.State {
		case sso.StateAuthenticated:
			d.reply(ctx, a, signedInNotice(res.Identity))
		case sso.StateAwaitingVerification:
			if _, serr := d.notify.ReplyToActivity(ctx, res.Prompt); serr != nil {
				d.logger.Warn("sending re-prompt failed", "conversation", key, "error", serr)
			}
		case sso.StateFailed:
			if res.Notice != "" {
				d.reply(ctx, a, res.Notice)
			}
		}
		return ir, nil

	default:
		d.logger.Debug("unhandled invoke", "name", a.Name)
		return &channel.InvokeResponse{Status: 501}, nil
	}
}

func (d *Dispatcher) onConversationUpdate(ctx context.Context, a *channel.Activity) error {
	for _, member := range a.MembersAdded {
		if member.ID == a.Recipient.ID {
			continue
		}
		welcome := a.NewReply(welcomeText(a.Recipient.Name))
		welcome.ReplyToID = ""
		if _, err := d.notify.SendToConversation(ctx, welcome); err != nil {
			return fmt.Errorf("sending welcome: %w", err)
		}
		return nil
	}
	return nil
}

// turnFailed logs the failure and tells the user, unless the turn itself
// was cancelled, in which case no further sends are attempted.
func (d *Dispatcher) turnFailed(ctx context.Context, a *channel.Activity, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		d.logger.Debug("turn cancelled", "conversation", a.ConversationKey())
		return err
	}
	d.logger.Error("turn failed", "conversation", a.ConversationKey(), "error", err)
	d.reply(ctx, a, noticeTransient)
	return err
}

// reply sends a best-effort plain text reply.
func (d *Dispatcher) reply(ctx context.Context, a *channel.Activity, text string) {
	if _, err := d.notify.ReplyToActivity(ctx, a.NewReply(text)); err != nil {
		d.logger.Warn("sending notice failed",
			"conversation", a.ConversationKey(), "error", err)
	}
}

// sendTyping shows the typing indicator while the backend works. Purely
// cosmetic, so failures are only logged.
func (d *Dispatcher) sendTyping(ctx context.Context, a *channel.Activity) {
	typing := a.NewReply("")
	typing.Type = channel.ActivityTyping
	typing.ReplyToID = ""
	if _, err := d.notify.SendToConversation(ctx, typing); err != nil {
		d.logger.Debug("typing indicator failed", "error", err)
	}
}

func (d *Dispatcher) tenantAllowed(tenantID string) bool {
	if len(d.allowedTenants) == 0 {
		return true
	}
	return slices.Contains(d.allowedTenants, tenantID)
}

func signedInNotice(id *identity.Identity) string {
	if id != nil && id.DisplayName != "" {
		return fmt.Sprintf("You're signed in as %s. Ask me anything.", id.DisplayName)
	}
	return "You're signed in. Ask me anything."
}

func welcomeText(botName string) string {
	if botName == "" {
		botName = "the assistant"
	}
	return fmt.Sprintf("Hi! I'm %s. Ask me anything - you may be asked to sign in first. Use /reset to start a fresh conversation.", botName)
}
