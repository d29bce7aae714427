// ABOUTME: HTTP client for the managed agent backend (threads, messages, runs)
// ABOUTME: The backend owns all model state; we only hold opaque IDs

package foundry

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

// Backend errors
var (
	// ErrBackendUnavailable covers connection failures and 5xx responses.
	ErrBackendUnavailable = errors.New("agent backend unavailable")
	// ErrAgentNotFound means no agent with the configured name exists.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrThreadNotFound means the backend no longer knows the thread.
	ErrThreadNotFound = errors.New("thread not found")
)

// Agent identifies a configured agent on the backend.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Thread is an opaque backend conversation thread.
type Thread struct {
	ID string `json:"id"`
}

// Message is a message stored on a backend thread.
type Message struct {
	ID string `json:"id"`
}

// Client talks to the agent backend over REST.
type Client struct {
	endpoint   string
	apiKey     string
	apiVersion string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a backend client. endpoint is the project base URL;
// apiKey may be empty when authentication is injected upstream.
func NewClient(endpoint, apiKey, apiVersion string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		apiKey:     apiKey,
		apiVersion: apiVersion,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger.With("component", "foundry"),
	}
}

// url builds a backend URL with the api-version query parameter.
func (c *Client) url(path string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api-version", c.apiVersion)
	return c.endpoint + path + "?" + query.Encode()
}

// newRequest builds an authenticated JSON request.
func (c *Client) newRequest(ctx context.Context, method, rawURL string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}
	return req, nil
}

// do executes the request and decodes a JSON response into out (which may
// be nil). Maps transport failures and 5xx to ErrBackendUnavailable.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// checkStatus converts non-2xx responses into the backend error taxonomy.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrThreadNotFound, strings.TrimSpace(string(body)))
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrBackendUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	default:
		return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// ResolveAgent finds the agent with the given name, paging through the
// agent list. Called once at startup so a misconfigured name fails fast.
func (c *Client) ResolveAgent(ctx context.Context, name string) (*Agent, error) {
	after := ""
	for {
		query := url.Values{"limit": {"100"}}
		if after != "" {
			query.Set("after", after)
		}

		req, err := c.newRequest(ctx, http.MethodGet, c.url("/assistants", query), nil)
		if err != nil {
			return nil, err
		}

		var page struct {
			Data    []Agent `json:"data"`
			HasMore bool    `json:"has_more"`
			LastID  string  `json:"last_id"`
		}
		if err := c.do(req, &page); err != nil {
			return nil, fmt.Errorf("listing agents: %w", err)
		}

		for _, agent := range page.Data {
			if agent.Name == name {
				c.logger.Info("resolved agent", "name", name, "id", agent.ID)
				return &agent, nil
			}
		}

		if !page.HasMore || page.LastID == "" {
			return nil, fmt.Errorf("%w: %q", ErrAgentNotFound, name)
		}
		after = page.LastID
	}
}

// CreateThread creates a new empty thread.
func (c *Client) CreateThread(ctx context.Context) (*Thread, error) {
	req, err := c.newRequest(ctx, http.MethodPost, c.url("/threads", nil), struct{}{})
	if err != nil {
		return nil, err
	}

	var thread Thread
	if err := c.do(req, &thread); err != nil {
		return nil, fmt.Errorf("creating thread: %w", err)
	}

	c.logger.Debug("created thread", "thread_id", thread.ID)
	return &thread, nil
}

// DeleteThread deletes a thread. Deleting an already-gone thread is not an
// error: the caller only cares that it no longer exists.
func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, c.url("/threads/"+threadID, nil), nil)
	if err != nil {
		return err
	}

	err = c.do(req, nil)
	if errors.Is(err, ErrThreadNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting thread: %w", err)
	}

	c.logger.Debug("deleted thread", "thread_id", threadID)
	return nil
}

// CreateMessage appends a user message to a thread.
func (c *Client) CreateMessage(ctx context.Context, threadID, text string) (*Message, error) {
	body := struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{Role: "user", Content: text}

	req, err := c.newRequest(ctx, http.MethodPost, c.url("/threads/"+threadID+"/messages", nil), body)
	if err != nil {
		return nil, err
	}

	var msg Message
	if err := c.do(req, &msg); err != nil {
		return nil, fmt.Errorf("creating message: %w", err)
	}
	return &msg, nil
}
