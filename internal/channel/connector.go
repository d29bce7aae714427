// ABOUTME: Connector client for sending and editing channel activities
// ABOUTME: Talks to the per-activity serviceUrl with bearer auth

package channel

import (
	"bytes"
	"context"
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

// ErrChannelUnavailable indicates the channel connector rejected or failed
// a delivery. Callers should not retry within the same turn.
var ErrChannelUnavailable = errors.New("channel connector unavailable")

// ResourceResponse is the connector's acknowledgment for a sent or updated
// activity.
type ResourceResponse struct {
	ID string `json:"id"`
}

// Connector delivers outbound activities to the channel. One instance is
// shared across conversations; the target host comes from each activity's
// serviceUrl.
type Connector struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewConnector builds a connector around an authenticated HTTP client,
// normally AppCredentials.HTTPClient.
func NewConnector(httpClient *http.Client, logger *slog.Logger) *Connector {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		httpClient: httpClient,
		logger:     logger.With("component", "connector"),
	}
}

// ReplyToActivity posts a reply to an existing activity and returns the ID
// the channel assigned to the new activity.
func (c *Connector) ReplyToActivity(ctx context.Context, activity *Activity) (string, error) {
	endpoint := activityURL(activity.ServiceURL, activity.Conversation.ID, activity.ReplyToID)
	return c.deliver(ctx, http.MethodPost, endpoint, activity)
}

// SendToConversation posts an activity that does not reply to anything,
// e.g. a proactive notice.
func (c *Connector) SendToConversation(ctx context.Context, activity *Activity) (string, error) {
	endpoint := activityURL(activity.ServiceURL, activity.Conversation.ID, "")
	return c.deliver(ctx, http.MethodPost, endpoint, activity)
}

// UpdateActivity replaces a previously sent activity in place. activityID
// is the ID returned when the activity was first delivered.
func (c *Connector) UpdateActivity(ctx context.Context, activityID string, activity *Activity) (string, error) {
	endpoint := activityURL(activity.ServiceURL, activity.Conversation.ID, activityID)
	return c.deliver(ctx, http.MethodPut, endpoint, activity)
}

func (c *Connector) deliver(ctx context.Context, method, endpoint string, activity *Activity) (string, error) {
	body, err := json.Marshal(activity)
	if err != nil {
		return "", fmt.Errorf("marshaling activity: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("connector rejected delivery",
			"method", method,
			"status", resp.StatusCode,
			"body", string(snippet))
		return "", fmt.Errorf("%w: status %d", ErrChannelUnavailable, resp.StatusCode)
	}

	var rr ResourceResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil && !errors.Is(err, io.EOF) {
		// Some channels return an empty body on update; treat it as
		// success with the ID unchanged.
		return "", fmt.Errorf("decoding resource response: %w", err)
	}
	return rr.ID, nil
}

func activityURL(serviceURL, conversationID, activityID string) string {
	base := strings.TrimRight(serviceURL, "/")
	u := fmt.Sprintf("%s/v3/conversations/%s/activities", base, url.PathEscape(conversationID))
	if activityID != "" {
		u += "/" + url.PathEscape(activityID)
	}
	return u
}
