// Package server orchestrates the parley bot components.
//
// # Overview
//
// The server package is the central coordinator. It owns the SQLite store,
// the channel clients (connector, user-token service, app credentials), the
// agent backend client, the SSO negotiator, the session manager, and the
// turn dispatcher, and exposes them behind a single HTTP listener.
//
// # Server Struct
//
// The Server struct is the main entry point:
//
//	type Server struct {
//	    config     *config.Config
//	    store      store.Store
//	    backend    *foundry.Client
//	    conn       *channel.Connector
//	    tokens     *channel.UserTokenClient
//	    sso        *sso.Negotiator
//	    sessions   *session.Manager
//	    dispatcher ActivityHandler
//	    httpServer *http.Server
//	    // ... and more
//	}
//
// # HTTP API
//
// Two endpoints:
//
//   - POST /api/messages - Inbound channel activities (messages, invokes,
//     conversation updates). The turn runs to completion within the request.
//   - GET /health - Liveness check, {"status":"ok"}
//
// When auth.channel trust parameters are configured, /api/messages sits
// behind AuthMiddleware and rejects requests whose bearer token does not
// verify. Without them the endpoint is open and a warning is logged.
//
// # Invoke Responses
//
// Invoke activities (signin/tokenExchange, signin/verifyState) carry their
// result in the HTTP response: the invoke status becomes the HTTP status
// and the invoke body is written as JSON. The channel retries or falls back
// based on that status, so 412 here is flow control, not an error.
//
// # Lifecycle
//
// Start the server:
//
//	srv, err := server.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	err = srv.Run(ctx)
//
// Run resolves the configured agent name first and refuses to serve if it
// does not exist. Canceling the context drains in-flight turns and shuts
// down; Run returns nil on a clean stop.
//
// # Listeners
//
// By default the server listens on plain TCP at server.http_addr. With
// tailscale.enabled it joins a tailnet via tsnet instead, and with
// tailscale.funnel it serves public HTTPS on :443 through Tailscale Funnel,
// which is the shape the channel's webhook delivery requires.
package server
