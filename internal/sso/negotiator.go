// ABOUTME: SSO negotiator driving the sign-in handshake for each turn
// ABOUTME: Silent token exchange with an interactive card fallback

package sso

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parleybot/parley/internal/channel"
	"github.com/parleybot/parley/internal/identity"
	"github.com/parleybot/parley/internal/store"
)

var (
	// ErrPendingMismatch means a verification invoke arrived that does not
	// match the recorded pending exchange.
	ErrPendingMismatch = errors.New("pending exchange mismatch")

	// ErrPendingExpired means the pending exchange lapsed before the
	// verification invoke arrived.
	ErrPendingExpired = errors.New("pending exchange expired")
)

// State is where the handshake for a turn ended up. Each turn re-enters the
// machine fresh; Authenticated and Failed are per-turn terminal.
type State int

const (
	StateUnauthenticated State = iota
	StateSilentExchangeRequested
	StateInteractiveRequired
	StateAwaitingVerification
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateSilentExchangeRequested:
		return "silent_exchange_requested"
	case StateInteractiveRequired:
		return "interactive_required"
	case StateAwaitingVerification:
		return "awaiting_verification"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// User-visible copy for handshake outcomes.
const (
	signInCardText   = "Please sign in to continue."
	signInButtonText = "Sign in"

	noticeAccessDenied     = "Access denied. Your account is not allowed to use this assistant."
	noticeSignInExhausted  = "Too many sign-in attempts. Please wait a few minutes and try again."
	noticeSignInIncomplete = "Sign-in could not be completed. Please try again."
)

// Result is the outcome of resolving one turn's authentication.
type Result struct {
	State State

	// Identity is set when State is StateAuthenticated.
	Identity *identity.Identity

	// Prompt is the sign-in card to deliver when State is
	// StateAwaitingVerification.
	Prompt *channel.Activity

	// Notice is user-visible failure text when State is StateFailed. Empty
	// when the channel carries the failure itself (invoke responses).
	Notice string
}

// TokenService is the slice of the user-token service the negotiator needs.
type TokenService interface {
	GetUserToken(ctx context.Context, userID, connectionName, channelID, code string) (*channel.TokenResponse, error)
	ExchangeToken(ctx context.Context, userID, connectionName, channelID, exchangeToken string) (*channel.TokenResponse, error)
	SignOut(ctx context.Context, userID, connectionName, channelID string) error
	GetSignInResource(ctx context.Context, connectionName string, ref channel.ConversationReference) (*channel.SignInResource, error)
}

// TokenVerifier validates a raw user token and extracts the identity.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*identity.Identity, error)
}

// Params tunes the handshake.
type Params struct {
	ConnectionName string
	// PendingTTL bounds how long an issued sign-in prompt stays valid.
	PendingTTL time.Duration
	// PromptWindow and MaxPrompts bound re-prompting: at most MaxPrompts
	// sign-in cards within any PromptWindow per conversation.
	PromptWindow time.Duration
	MaxPrompts   int
}

// Negotiator drives the per-turn authentication handshake: cached token
// first, then silent exchange, then the interactive sign-in card.
type Negotiator struct {
	store    store.Store
	tokens   TokenService
	verifier TokenVerifier
	params   Params
	logger   *slog.Logger
}

// NewNegotiator creates a negotiator around the given collaborators.
func NewNegotiator(st store.Store, tokens TokenService, verifier TokenVerifier, params Params, logger *slog.Logger) *Negotiator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{
		store:    st,
		tokens:   tokens,
		verifier: verifier,
		params:   params,
		logger:   logger.With("component", "sso"),
	}
}

// Resolve runs the handshake for a plain message turn. The fast path is a
// cached token; otherwise the token service is asked for one, and failing
// that the user is prompted to sign in.
func (n *Negotiator) Resolve(ctx context.Context, a *channel.Activity) (*Result, error) {
	key := a.ConversationKey()

	// Fast path: a previously cached token, re-verified every turn.
	rec, err := n.store.GetToken(ctx, n.params.ConnectionName, a.UserKey())
	switch {
	case err == nil && !rec.Expired(time.Now()):
		id, verr := n.verifier.Verify(ctx, rec.Token)
		if verr == nil {
			n.logger.Debug("authenticated from cache",
				"conversation", key, "subject", id.SubjectID)
			return &Result{State: StateAuthenticated, Identity: id}, nil
		}
		if isDenied(verr) {
			n.logger.Warn("cached token no longer trusted",
				"conversation", key, "error", verr)
			return &Result{State: StateFailed, Notice: noticeAccessDenied}, nil
		}
		// Stale or malformed cache entry: invalidate and continue the
		// handshake as if it never existed.
		if derr := n.store.DeleteToken(ctx, n.params.ConnectionName, a.UserKey()); derr != nil {
			return nil, fmt.Errorf("invalidating cached token: %w", derr)
		}
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("reading cached token: %w", err)
	}

	n.logger.Debug("sso state", "conversation", key, "state", StateSilentExchangeRequested)

	// Silent path: the token service may already hold a token for this
	// user on the connection.
	tr, err := n.tokens.GetUserToken(ctx, a.UserKey(), n.params.ConnectionName, a.ChannelID, "")
	switch {
	case err == nil:
		res, verr := n.accept(ctx, a, tr)
		if verr == nil {
			return res, nil
		}
		if isDenied(verr) {
			return &Result{State: StateFailed, Notice: noticeAccessDenied}, nil
		}
		n.logger.Debug("service token failed verification, prompting",
			"conversation", key, "error", verr)
	case errors.Is(err, channel.ErrNoToken):
		// Expected: user has not signed in yet.
	default:
		return nil, fmt.Errorf("requesting user token: %w", err)
	}

	return n.prompt(ctx, a, nil)
}

// CompleteTokenExchange handles a signin/tokenExchange invoke: the channel
// offers a token to exchange silently. The returned invoke response must be
// written to the channel; a non-200 status makes the channel fall back to
// the interactive sign-in button.
func (n *Negotiator) CompleteTokenExchange(ctx context.Context, a *channel.Activity) (*Result, *channel.InvokeResponse, error) {
	key := a.ConversationKey()

	var req channel.TokenExchangeInvokeRequest
	if err := json.Unmarshal(a.Value, &req); err != nil {
		return &Result{State: StateFailed},
			channel.InvokeBadRequest(exchangeFailure(req, "malformed token exchange payload")),
			nil
	}

	if req.ConnectionName != n.params.ConnectionName {
		n.logger.Debug("token exchange for unknown connection",
			"conversation", key, "connection", req.ConnectionName)
		return &Result{State: StateFailed},
			channel.InvokePreconditionFailed(exchangeFailure(req, "unknown connection")),
			nil
	}

	pending, err := n.store.ConsumePendingExchange(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// No pending exchange: a replayed invoke or one we never asked
		// for. Never authenticate off it.
		n.logger.Debug("token exchange without pending state", "conversation", key)
		return &Result{State: StateFailed},
			channel.InvokePreconditionFailed(exchangeFailure(req, ErrPendingMismatch.Error())),
			nil
	case err != nil:
		return nil, nil, fmt.Errorf("consuming pending exchange: %w", err)
	}

	if pending.Expired(time.Now()) {
		n.logger.Debug("token exchange against expired state", "conversation", key)
		return &Result{State: StateFailed},
			channel.InvokePreconditionFailed(exchangeFailure(req, ErrPendingExpired.Error())),
			nil
	}

	if req.ID != pending.StateToken {
		n.logger.Warn("token exchange state mismatch",
			"conversation", key, "got", req.ID)
		return &Result{State: StateFailed},
			channel.InvokePreconditionFailed(exchangeFailure(req, ErrPendingMismatch.Error())),
			nil
	}

	tr, err := n.tokens.ExchangeToken(ctx, a.UserKey(), n.params.ConnectionName, a.ChannelID, req.Token)
	if errors.Is(err, channel.ErrExchangeRejected) {
		// Expected fallback: the user has not consented yet. Re-arm the
		// pending exchange so the interactive flow can still finish it.
		if rerr := n.rearm(ctx, pending); rerr != nil {
			return nil, nil, rerr
		}
		return &Result{State: StateInteractiveRequired},
			channel.InvokePreconditionFailed(exchangeFailure(req, "exchange rejected")),
			nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("exchanging token: %w", err)
	}

	res, verr := n.accept(ctx, a, tr)
	if verr != nil {
		if isDenied(verr) {
			// Falling back to interactive sign-in cannot fix a policy
			// denial, so accept the invoke and say so in chat.
			return &Result{State: StateFailed, Notice: noticeAccessDenied},
				channel.InvokeAccepted(channel.TokenExchangeInvokeResponse{
					ID:             req.ID,
					ConnectionName: req.ConnectionName,
				}), nil
		}
		if rerr := n.rearm(ctx, pending); rerr != nil {
			return nil, nil, rerr
		}
		return &Result{State: StateFailed},
			channel.InvokePreconditionFailed(exchangeFailure(req, "token validation failed")),
			nil
	}

	return res, channel.InvokeAccepted(channel.TokenExchangeInvokeResponse{
		ID:             req.ID,
		ConnectionName: req.ConnectionName,
	}), nil
}

// VerifyState handles a signin/verifyState invoke carrying the verification
// code the user typed after the interactive sign-in.
func (n *Negotiator) VerifyState(ctx context.Context, a *channel.Activity) (*Result, *channel.InvokeResponse, error) {
	key := a.ConversationKey()

	var v channel.VerifyStateInvokeValue
	if err := json.Unmarshal(a.Value, &v); err != nil || v.State == "" {
		return &Result{State: StateFailed, Notice: noticeSignInIncomplete},
			channel.InvokeBadRequest(nil),
			nil
	}

	pending, err := n.store.ConsumePendingExchange(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Replayed or unsolicited verification: re-prompt, never
		// re-authenticate.
		n.logger.Debug("verify state without pending exchange", "conversation", key)
		return n.repromptAfter(ctx, a, nil, channel.InvokePreconditionFailed(nil))
	case err != nil:
		return nil, nil, fmt.Errorf("consuming pending exchange: %w", err)
	}

	if pending.Expired(time.Now()) {
		n.logger.Debug("verify state against expired exchange", "conversation", key)
		return n.repromptAfter(ctx, a, pending, channel.InvokePreconditionFailed(nil))
	}

	tr, err := n.tokens.GetUserToken(ctx, a.UserKey(), n.params.ConnectionName, a.ChannelID, v.State)
	if errors.Is(err, channel.ErrNoToken) {
		n.logger.Debug("verification code rejected", "conversation", key)
		return n.repromptAfter(ctx, a, pending, channel.InvokeBadRequest(nil))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("redeeming verification code: %w", err)
	}

	res, verr := n.accept(ctx, a, tr)
	if verr != nil {
		if isDenied(verr) {
			return &Result{State: StateFailed, Notice: noticeAccessDenied},
				channel.InvokeAccepted(nil), nil
		}
		return n.repromptAfter(ctx, a, pending, channel.InvokeBadRequest(nil))
	}

	return res, channel.InvokeAccepted(nil), nil
}

// Invalidate drops the locally cached token for the turn's user, forcing the
// next turn back through the token service. The service-side token is left
// alone, so a signed-in user re-authenticates silently.
func (n *Negotiator) Invalidate(ctx context.Context, a *channel.Activity) error {
	if err := n.store.DeleteToken(ctx, n.params.ConnectionName, a.UserKey()); err != nil {
		return fmt.Errorf("deleting cached token: %w", err)
	}
	n.logger.Debug("cached token invalidated",
		"conversation", a.ConversationKey(), "user", a.UserKey())
	return nil
}

// SignOut drops the user's token on the service and locally, and clears any
// pending exchange for the conversation.
func (n *Negotiator) SignOut(ctx context.Context, a *channel.Activity) error {
	if err := n.tokens.SignOut(ctx, a.UserKey(), n.params.ConnectionName, a.ChannelID); err != nil {
		return fmt.Errorf("signing out on token service: %w", err)
	}
	if err := n.store.DeleteToken(ctx, n.params.ConnectionName, a.UserKey()); err != nil {
		return fmt.Errorf("deleting cached token: %w", err)
	}
	if err := n.store.DeletePendingExchange(ctx, a.ConversationKey()); err != nil {
		return fmt.Errorf("clearing pending exchange: %w", err)
	}
	n.logger.Info("signed out", "conversation", a.ConversationKey(), "user", a.UserKey())
	return nil
}

// accept verifies a service-issued token and, on success, caches it and
// clears any pending exchange. Verification errors are returned for the
// caller to classify.
func (n *Negotiator) accept(ctx context.Context, a *channel.Activity, tr *channel.TokenResponse) (*Result, error) {
	id, err := n.verifier.Verify(ctx, tr.Token)
	if err != nil {
		return nil, err
	}

	rec := &store.TokenRecord{
		ConnectionName: n.params.ConnectionName,
		UserKey:        a.UserKey(),
		Token:          tr.Token,
		ExpiresAt:      tr.ExpiresAt(),
		UpdatedAt:      time.Now(),
	}
	if err := n.store.PutToken(ctx, rec); err != nil {
		return nil, fmt.Errorf("caching token: %w", err)
	}
	if err := n.store.DeletePendingExchange(ctx, a.ConversationKey()); err != nil {
		return nil, fmt.Errorf("clearing pending exchange: %w", err)
	}

	n.logger.Info("user authenticated",
		"conversation", a.ConversationKey(),
		"subject", id.SubjectID,
		"tenant", id.TenantID)
	return &Result{State: StateAuthenticated, Identity: id}, nil
}

// prompt issues the interactive sign-in card, subject to the re-prompt
// budget, and records the pending exchange it must be answered against.
// prev is a just-consumed pending exchange whose attempt count still counts
// against the budget; nil means look the previous prompt up in the store.
func (n *Negotiator) prompt(ctx context.Context, a *channel.Activity, prev *store.PendingExchange) (*Result, error) {
	key := a.ConversationKey()

	if prev == nil {
		p, err := n.store.GetPendingExchange(ctx, key)
		switch {
		case err == nil:
			prev = p
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("reading pending exchange: %w", err)
		}
	}

	attempts := 1
	if prev != nil && time.Since(prev.IssuedAt) < n.params.PromptWindow {
		attempts = prev.Attempts + 1
	}

	if attempts > n.params.MaxPrompts {
		n.logger.Warn("sign-in prompt budget exhausted",
			"conversation", key, "attempts", prev.Attempts)
		return &Result{State: StateFailed, Notice: noticeSignInExhausted}, nil
	}

	resource, err := n.tokens.GetSignInResource(ctx, n.params.ConnectionName, a.Reference())
	if err != nil {
		return nil, fmt.Errorf("fetching sign-in resource: %w", err)
	}

	// The channel echoes the exchange resource ID back on the
	// tokenExchange invoke; that is the state the invoke is matched on.
	stateToken := uuid.NewString()
	if resource.TokenExchangeResource != nil {
		stateToken = resource.TokenExchangeResource.ID
	}

	now := time.Now()
	pending := &store.PendingExchange{
		ConversationKey: key,
		StateToken:      stateToken,
		IssuedAt:        now,
		ExpiresAt:       now.Add(n.params.PendingTTL),
		Attempts:        attempts,
	}
	if err := n.store.PutPendingExchange(ctx, pending); err != nil {
		return nil, fmt.Errorf("recording pending exchange: %w", err)
	}

	card := a.NewReply("")
	card.Attachments = []channel.Attachment{
		channel.NewOAuthCardAttachment(n.params.ConnectionName, signInCardText, signInButtonText, resource),
	}

	n.logger.Debug("sso state",
		"conversation", key,
		"state", StateAwaitingVerification,
		"attempts", attempts)
	return &Result{State: StateAwaitingVerification, Prompt: card}, nil
}

// repromptAfter discards the failed verification and issues a fresh prompt,
// pairing it with the given invoke response.
func (n *Negotiator) repromptAfter(ctx context.Context, a *channel.Activity, prev *store.PendingExchange, ir *channel.InvokeResponse) (*Result, *channel.InvokeResponse, error) {
	res, err := n.prompt(ctx, a, prev)
	if err != nil {
		return nil, nil, err
	}
	return res, ir, nil
}

// rearm restores a consumed pending exchange with a fresh expiry so the
// interactive flow can still complete after a rejected silent exchange.
func (n *Negotiator) rearm(ctx context.Context, pending *store.PendingExchange) error {
	pending.ExpiresAt = time.Now().Add(n.params.PendingTTL)
	if err := n.store.PutPendingExchange(ctx, pending); err != nil {
		return fmt.Errorf("re-arming pending exchange: %w", err)
	}
	return nil
}

func isDenied(err error) bool {
	return errors.Is(err, identity.ErrUntrustedIssuer) || errors.Is(err, identity.ErrTenantNotAllowed)
}

func exchangeFailure(req channel.TokenExchangeInvokeRequest, detail string) channel.TokenExchangeInvokeResponse {
	return channel.TokenExchangeInvokeResponse{
		ID:             req.ID,
		ConnectionName: req.ConnectionName,
		FailureDetail:  detail,
	}
}
