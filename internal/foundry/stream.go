// ABOUTME: Streamed run execution against the agent backend
// ABOUTME: Parses the SSE response into an ordered event channel

package foundry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// EventType classifies streamed run events.
type EventType string

const (
	// EventTextDelta carries an incremental piece of the reply text.
	EventTextDelta EventType = "text_delta"
	// EventCompleted marks a successfully finished run.
	EventCompleted EventType = "completed"
	// EventFailed marks a run the backend gave up on.
	EventFailed EventType = "failed"
	// EventDone is the stream terminator. No further events follow.
	EventDone EventType = "done"
)

// Event is one streamed run event. Text is set for EventTextDelta; Err is
// set for EventFailed.
type Event struct {
	Type EventType
	Text string
	Err  error
}

// wire event names on the SSE stream
const (
	sseMessageDelta = "thread.message.delta"
	sseRunCompleted = "thread.run.completed"
	sseRunFailed    = "thread.run.failed"
	sseError        = "error"
	sseDone         = "done"
)

// messageDelta is the subset of the delta payload we consume.
type messageDelta struct {
	Delta struct {
		Content []struct {
			Type string `json:"type"`
			Text struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"delta"`
}

// runFailure is the subset of the failed-run payload we consume.
type runFailure struct {
	LastError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
}

// StreamRun starts a streamed run of the agent against a thread and returns
// an ordered event channel. The channel is closed after a terminal event
// (EventFailed or EventDone) or when ctx is cancelled. Events arrive in the
// order the backend emitted them.
func (c *Client) StreamRun(ctx context.Context, threadID, agentID string) (<-chan *Event, error) {
	body := struct {
		AssistantID string `json:"assistant_id"`
		Stream      bool   `json:"stream"`
	}{AssistantID: agentID, Stream: true}

	req, err := c.newRequest(ctx, http.MethodPost, c.url("/threads/"+threadID+"/runs", nil), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("starting run: %w", err)
	}

	events := make(chan *Event, 16)
	go c.readRunStream(ctx, resp.Body, events)
	return events, nil
}

// readRunStream parses the SSE body and forwards events until a terminal
// event, EOF, or cancellation. It owns closing the body and the channel.
func (c *Client) readRunStream(ctx context.Context, body io.ReadCloser, events chan<- *Event) {
	defer close(events)
	defer body.Close()

	send := func(ev *Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName string
	var dataLines []string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if eventName != "" {
				done := c.dispatchRunEvent(eventName, strings.Join(dataLines, "\n"), send)
				if done {
					return
				}
			}
			eventName = ""
			dataLines = nil
			continue
		}

		if strings.HasPrefix(line, "event:") {
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			continue
		}
	}

	if err := scanner.Err(); err != nil {
		send(&Event{Type: EventFailed, Err: fmt.Errorf("%w: reading run stream: %v", ErrBackendUnavailable, err)})
		return
	}

	// EOF without a done event still ends the stream; the relay treats the
	// close as final.
}

// dispatchRunEvent translates one wire event and reports whether the stream
// is terminal.
func (c *Client) dispatchRunEvent(name, data string, send func(*Event) bool) bool {
	switch name {
	case sseMessageDelta:
		var delta messageDelta
		if err := json.Unmarshal([]byte(data), &delta); err != nil {
			c.logger.Warn("unparseable message delta", "error", err)
			return false
		}
		for _, part := range delta.Delta.Content {
			if part.Type != "text" || part.Text.Value == "" {
				continue
			}
			if !send(&Event{Type: EventTextDelta, Text: part.Text.Value}) {
				return true
			}
		}
		return false

	case sseRunCompleted:
		return !send(&Event{Type: EventCompleted})

	case sseRunFailed:
		var failure runFailure
		msg := "run failed"
		if err := json.Unmarshal([]byte(data), &failure); err == nil && failure.LastError.Message != "" {
			msg = failure.LastError.Message
		}
		send(&Event{Type: EventFailed, Err: fmt.Errorf("backend run failed: %s", msg)})
		return true

	case sseError:
		send(&Event{Type: EventFailed, Err: fmt.Errorf("%w: stream error: %s", ErrBackendUnavailable, data)})
		return true

	case sseDone:
		send(&Event{Type: EventDone})
		return true

	default:
		// Lifecycle events (run created/queued/in_progress, message
		// completed) carry nothing the relay needs.
		return false
	}
}
