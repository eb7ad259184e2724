package portal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrNoToken is returned when an SSE watch is attempted without a bearer
// token. This is a precondition failure, not a transport fault: no
// connection is opened.
var ErrNoToken = errors.New("portal: no bearer token for event stream")

// Request statuses pushed over the event stream.
const (
	EventStatusDone     = "DONE"
	EventStatusApproved = "APPROVED"
	EventStatusFailed   = "FAILED"
)

// RequestEvent is one message from a per-request event stream.
//
// Progress is nil when the message carried no progress field. Err is set on
// the final event when the stream died at the transport level; the channel
// is closed immediately after.
type RequestEvent struct {
	Progress *float64 `json:"progress,omitempty"`
	Status   string   `json:"status,omitempty"`
	Error    string   `json:"error,omitempty"`

	Err error `json:"-"`
}

// WatchRequest opens the SSE stream for an approval request and returns a
// channel of its events. The channel is closed when the stream ends, the
// context is canceled, or a terminal status arrives. The caller cancels the
// context to close the connection.
func (c *Client) WatchRequest(ctx context.Context, requestID int) (<-chan RequestEvent, error) {
	if c.config.Token == "" {
		return nil, ErrNoToken
	}

	url := fmt.Sprintf("%s%s%d", c.config.BaseURL, eventsPath, requestID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("portal: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	c.setAuth(req)

	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("portal: open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, fmt.Errorf("portal: event stream (status %d): %s", resp.StatusCode, string(body))
	}

	ch := make(chan RequestEvent, 16)
	go c.readRequestSSE(ctx, resp.Body, ch)
	return ch, nil
}

// readRequestSSE parses `data:` lines off the event stream into RequestEvents.
func (c *Client) readRequestSSE(ctx context.Context, body io.ReadCloser, ch chan<- RequestEvent) {
	defer func() { _ = body.Close() }()
	defer close(ch)

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var ev RequestEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		select {
		case ch <- ev:
		case <-ctx.Done():
			return
		}

		switch ev.Status {
		case EventStatusDone, EventStatusApproved, EventStatusFailed:
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		select {
		case ch <- RequestEvent{Err: err}:
		case <-ctx.Done():
		}
	}
}
