// ABOUTME: User-token service client for the SSO connection
// ABOUTME: Token lookup, silent exchange, sign-out, and sign-in resources

package channel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrNoToken means the token service has no cached token for the
	// user on this connection.
	ErrNoToken = errors.New("no token for user")

	// ErrExchangeRejected means the token service refused to exchange
	// the channel-supplied token, typically because the user has not
	// consented yet. The caller falls back to the interactive flow.
	ErrExchangeRejected = errors.New("token exchange rejected")
)

// TokenResponse is what the token service hands back for a user token.
type TokenResponse struct {
	ChannelID      string `json:"channelId,omitempty"`
	ConnectionName string `json:"connectionName"`
	Token          string `json:"token"`
	Expiration     string `json:"expiration,omitempty"`
}

// ExpiresAt parses the expiration timestamp; the zero time means the
// service did not say.
func (t *TokenResponse) ExpiresAt() time.Time {
	if t.Expiration == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, t.Expiration)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// SignInResource describes how to start the interactive sign-in flow.
type SignInResource struct {
	SignInLink            string                 `json:"signInLink"`
	TokenExchangeResource *TokenExchangeResource `json:"tokenExchangeResource,omitempty"`
}

// TokenExchangeResource enables the channel's silent exchange path when
// attached to an OAuth card.
type TokenExchangeResource struct {
	ID         string `json:"id"`
	URI        string `json:"uri,omitempty"`
	ProviderID string `json:"providerId,omitempty"`
}

// TokenExchangeState is serialized into the sign-in resource request so the
// service can route the eventual token back to this bot and conversation.
type TokenExchangeState struct {
	ConnectionName string                `json:"connectionName"`
	Conversation   ConversationReference `json:"conversation"`
	MsAppID        string                `json:"msAppId"`
}

// Encode packs the state the way the token service expects it: base64 over
// the JSON encoding.
func (s TokenExchangeState) Encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshaling token exchange state: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// UserTokenClient talks to the Bot Framework user-token service for one bot
// registration.
type UserTokenClient struct {
	baseURL    string
	appID      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewUserTokenClient builds a client for the token service at baseURL,
// normally https://api.botframework.com. The HTTP client must attach app
// credentials, see AppCredentials.HTTPClient.
func NewUserTokenClient(baseURL, appID string, httpClient *http.Client, logger *slog.Logger) *UserTokenClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UserTokenClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		appID:      appID,
		httpClient: httpClient,
		logger:     logger.With("component", "usertoken"),
	}
}

// GetUserToken fetches the cached token for a user on the configured
// connection. code carries the verification code during the interactive
// flow and is empty otherwise. Returns ErrNoToken when the service has
// nothing for the user.
func (c *UserTokenClient) GetUserToken(ctx context.Context, userID, connectionName, channelID, code string) (*TokenResponse, error) {
	q := url.Values{}
	q.Set("userId", userID)
	q.Set("connectionName", connectionName)
	q.Set("channelId", channelID)
	if code != "" {
		q.Set("code", code)
	}
	endpoint := c.baseURL + "/api/usertoken/GetToken?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching user token: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNoToken
	case resp.StatusCode != http.StatusOK:
		return nil, c.statusError("get token", resp)
	}

	var tr TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if tr.Token == "" {
		return nil, ErrNoToken
	}
	return &tr, nil
}

// ExchangeToken performs the silent exchange: the channel-minted token goes
// in, the connection's user token comes out. Returns ErrExchangeRejected
// when the service cannot exchange it, which is the signal to fall back to
// the interactive flow.
func (c *UserTokenClient) ExchangeToken(ctx context.Context, userID, connectionName, channelID, exchangeToken string) (*TokenResponse, error) {
	q := url.Values{}
	q.Set("userId", userID)
	q.Set("connectionName", connectionName)
	q.Set("channelId", channelID)
	endpoint := c.baseURL + "/api/usertoken/exchange?" + q.Encode()

	body, err := json.Marshal(map[string]string{"token": exchangeToken})
	if err != nil {
		return nil, fmt.Errorf("marshaling exchange request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchanging token: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadRequest, http.StatusNotFound, http.StatusPreconditionFailed:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Debug("token exchange rejected",
			"status", resp.StatusCode,
			"body", string(snippet))
		return nil, ErrExchangeRejected
	default:
		return nil, c.statusError("exchange token", resp)
	}

	var tr TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decoding exchange response: %w", err)
	}
	if tr.Token == "" {
		return nil, ErrExchangeRejected
	}
	return &tr, nil
}

// SignOut drops the service-side token for the user on this connection.
func (c *UserTokenClient) SignOut(ctx context.Context, userID, connectionName, channelID string) error {
	q := url.Values{}
	q.Set("userId", userID)
	q.Set("connectionName", connectionName)
	q.Set("channelId", channelID)
	endpoint := c.baseURL + "/api/usertoken/SignOut?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("signing out: %w", err)
	}
	defer resp.Body.Close()

	// 404 means there was nothing to sign out of, which is fine.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return c.statusError("sign out", resp)
	}
	return nil
}

// GetSignInResource asks the service for the sign-in link and exchange
// resource to put on an OAuth card.
func (c *UserTokenClient) GetSignInResource(ctx context.Context, connectionName string, ref ConversationReference) (*SignInResource, error) {
	state, err := TokenExchangeState{
		ConnectionName: connectionName,
		Conversation:   ref,
		MsAppID:        c.appID,
	}.Encode()
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("state", state)
	endpoint := c.baseURL + "/api/botsignin/GetSignInResource?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching sign-in resource: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError("get sign-in resource", resp)
	}

	var sr SignInResource
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decoding sign-in resource: %w", err)
	}
	if sr.SignInLink == "" {
		return nil, fmt.Errorf("token service returned no sign-in link")
	}
	return &sr, nil
}

func (c *UserTokenClient) statusError(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s: token service status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(snippet)))
}
