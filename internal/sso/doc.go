// ABOUTME: Package documentation for the SSO negotiator
// ABOUTME: Describes the handshake states and how turns move through them

// Package sso drives the single sign-on handshake that upgrades an
// unauthenticated chat turn into an authenticated one.
//
// Every turn re-enters the machine fresh:
//
//	Unauthenticated
//	    │ cached token, re-verified        → Authenticated
//	    │ token service already has one    → Authenticated
//	    ▼
//	SilentExchangeRequested
//	    │ exchange succeeds                → Authenticated
//	    │ exchange rejected / no token     → InteractiveRequired
//	    ▼
//	AwaitingVerification  (sign-in card issued, pending exchange recorded)
//	    │ signin/tokenExchange invoke      → Authenticated | Failed
//	    │ signin/verifyState invoke        → Authenticated | Failed
//
// Authenticated and Failed are terminal for the turn. The next turn takes
// the fast path through the token cache.
//
// A pending exchange is consumed at most once: replayed verification
// invokes find nothing to match and can never re-authenticate. The one
// exception is a rejected silent exchange, which re-arms the pending state
// so the interactive button flow can still finish what the card started.
//
// Re-prompting is bounded: at most Params.MaxPrompts sign-in cards are
// issued per conversation within Params.PromptWindow. Past the budget the
// user is told to wait instead of being shown another card.
package sso
