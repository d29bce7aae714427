// ABOUTME: Server orchestrator wiring store, clients, negotiator, and dispatcher
// ABOUTME: Hosts the messaging endpoint over TCP or Tailscale with graceful shutdown

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"tailscale.com/tsnet"

	"github.com/parleybot/parley/internal/bot"
	"github.com/parleybot/parley/internal/channel"
	"github.com/parleybot/parley/internal/config"
	"github.com/parleybot/parley/internal/foundry"
	"github.com/parleybot/parley/internal/identity"
	"github.com/parleybot/parley/internal/relay"
	"github.com/parleybot/parley/internal/replay"
	"github.com/parleybot/parley/internal/session"
	"github.com/parleybot/parley/internal/sso"
	"github.com/parleybot/parley/internal/store"
)

// ActivityHandler routes one inbound activity. For invoke activities the
// returned response is written back on the HTTP response.
type ActivityHandler interface {
	Dispatch(ctx context.Context, a *channel.Activity) (*channel.InvokeResponse, error)
}

// Server owns the parley components and the HTTP listener that feeds them.
type Server struct {
	config *config.Config
	logger *slog.Logger

	store    store.Store
	backend  *foundry.Client
	creds    *channel.AppCredentials
	conn     *channel.Connector
	tokens   *channel.UserTokenClient
	verifier *identity.Verifier
	sso      *sso.Negotiator
	sessions *session.Manager
	guard    *replay.Guard

	// dispatcher is assembled in Run once the agent is resolved; tests may
	// inject their own before calling Run.
	dispatcher ActivityHandler

	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// serverID identifies this instance in logs.
	serverID string
}

// initStore opens the SQLite store, honoring the PARLEY_DB_PATH override.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("PARLEY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	key, err := store.ParseSealKey(cfg.Database.SealKey)
	if err != nil {
		return nil, fmt.Errorf("parsing seal key: %w", err)
	}
	var sealer *store.Sealer
	if key != nil {
		if sealer, err = store.NewSealer(key); err != nil {
			return nil, fmt.Errorf("creating sealer: %w", err)
		}
	}

	s, err := store.NewSQLiteStore(dbPath, sealer)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// keyProvider resolves key material for a trust domain: a JWKS endpoint when
// configured, otherwise the static HMAC secret.
func keyProvider(tc config.TrustConfig) identity.KeyProvider {
	if tc.JWKSURL != "" {
		return identity.NewJWKSCache(tc.JWKSURL)
	}
	return &identity.StaticKeys{HMACSecret: []byte(tc.HMACSecret)}
}

// newVerifier builds a verifier for one trust domain. allowedTenants applies
// to user tokens only; channel requests pass an empty list.
func newVerifier(tc config.TrustConfig, allowedTenants []string) *identity.Verifier {
	return identity.NewVerifier(keyProvider(tc), identity.TrustParams{
		Issuers:        tc.Issuers,
		Audience:       tc.Audience,
		AllowedTenants: allowedTenants,
	})
}

// New assembles a server from configuration. No network I/O happens here;
// the agent is resolved and listeners come up in Run.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	creds := channel.NewAppCredentials(cfg.Bot.AppID, cfg.Bot.AppPassword, cfg.Bot.TenantID)
	// The credential client lives as long as the server; token refreshes are
	// bounded by their own request timeouts.
	authed := creds.HTTPClient(context.Background())

	conn := channel.NewConnector(authed, logger)
	tokens := channel.NewUserTokenClient(cfg.Bot.TokenServiceURL, cfg.Bot.AppID, authed, logger)

	backend := foundry.NewClient(cfg.Foundry.Endpoint, cfg.Foundry.APIKey, cfg.Foundry.APIVersion, logger)

	userVerifier := newVerifier(cfg.Auth.User, cfg.Auth.AllowedTenants)
	negotiator := sso.NewNegotiator(st, tokens, userVerifier, sso.Params{
		ConnectionName: cfg.Bot.ConnectionName,
		PendingTTL:     cfg.Auth.PendingTTL,
		PromptWindow:   cfg.Auth.PromptWindow,
		MaxPrompts:     cfg.Auth.MaxPrompts,
	}, logger)

	s := &Server{
		config:   cfg,
		logger:   logger.With("component", "server"),
		store:    st,
		backend:  backend,
		creds:    creds,
		conn:     conn,
		tokens:   tokens,
		verifier: userVerifier,
		sso:      negotiator,
		sessions: session.NewManager(st, backend, logger),
		guard:    replay.New(cfg.Relay.ReplayTTL, 100_000),
		serverID: "parley-" + uuid.NewString()[:8],
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)

	messages := http.Handler(http.HandlerFunc(s.handleMessages))
	if cfg.Auth.Channel.Empty() {
		logger.Warn("channel auth disabled - no auth.channel trust parameters configured")
	} else {
		channelVerifier := newVerifier(cfg.Auth.Channel, nil)
		messages = AuthMiddleware(channelVerifier, logger)(messages)
		logger.Info("channel auth middleware enabled")
	}
	mux.Handle("/api/messages", messages)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Run resolves the configured agent, brings up the listener, and blocks
// until the context is canceled or the server fails. Returns nil on
// graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	// Fail fast on a misconfigured agent name before accepting traffic.
	agent, err := s.backend.ResolveAgent(ctx, s.config.Foundry.AgentName)
	if err != nil {
		return fmt.Errorf("resolving agent %q: %w", s.config.Foundry.AgentName, err)
	}

	if s.dispatcher == nil {
		rl := relay.New(s.backend, s.conn, agent.ID, s.config.Relay.UpdateInterval, s.logger)
		s.dispatcher = bot.NewDispatcher(s.sso, s.sessions, rl, s.conn, s.guard, s.config.Auth.AllowedTenants, s.logger)
	}

	ln, err := s.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "server_id", s.serverID)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops the HTTP server and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if s.tsnetServer != nil {
		if err := s.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	s.guard.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// setupListener creates the listener based on configuration: Tailscale when
// enabled, plain TCP otherwise.
func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", s.config.Server.HTTPAddr)
		}
		return s.setupTailscaleListener(ctx)
	}
	return net.Listen("tcp", s.config.Server.HTTPAddr)
}

// resolveTailscaleStateDir returns the state directory, using the default
// under the user's data dir when not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "parley", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener starts a tsnet node and listens on it. With funnel
// enabled the messaging endpoint is served publicly over HTTPS on :443,
// which is what the channel requires; without it the node serves plain HTTP
// inside the tailnet (development only).
func (s *Server) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node",
		"hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	var dnsName string
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", tsCfg.Hostname, "dns_name", dnsName)

	if tsCfg.Funnel {
		s.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := s.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	}

	s.logger.Warn("tailscale funnel disabled - the channel cannot reach the messaging endpoint from outside the tailnet")
	ln, err := s.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}
