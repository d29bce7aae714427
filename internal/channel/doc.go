// ABOUTME: Package documentation for the channel transport layer
// ABOUTME: Wire types and HTTP clients for the Bot Framework protocol

// Package channel implements the Bot Framework side of parley: the activity
// wire format, the connector client used to send and edit messages, and the
// user-token service client that backs the SSO flow.
//
// Three pieces live here:
//
//   - Activity and friends: the JSON shapes that arrive on /api/messages
//     and go back out through the connector. Only the subset the bot
//     actually uses is modeled.
//
//   - Connector: delivers outbound activities to the per-activity
//     serviceUrl. Replies create messages; updates edit them in place,
//     which is how streamed responses render as one growing message.
//
//   - UserTokenClient: the token service operations behind single sign-on.
//     ExchangeToken is the silent path, GetSignInResource plus the OAuth
//     card is the interactive fallback, and GetUserToken with a magic code
//     completes it.
//
// Authentication against both services uses the bot's app registration via
// AppCredentials, a client-credentials grant that the HTTP client refreshes
// transparently.
package channel
