// Package streaming consumes the agent server's server-sent event feed and
// turns it into typed callbacks.
package streaming

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ocproxy/ocproxy/internal/common/logger"
)

const (
	eventPartUpdated = "message.part.updated"
	eventSessionIdle = "session.idle"

	// Individual events can carry whole message parts
	maxLineSize = 1024 * 1024
)

// PartEvent is a cumulative text part update. Text carries the full part
// content so far, not a delta.
type PartEvent struct {
	ID        string
	SessionID string
	MessageID string
	Text      string
}

type envelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

type partProperties struct {
	Part struct {
		ID        string `json:"id"`
		Type      string `json:"type"`
		SessionID string `json:"sessionID"`
		MessageID string `json:"messageID"`
		Text      string `json:"text"`
	} `json:"part"`
}

type idleProperties struct {
	SessionID string `json:"sessionID"`
}

// Client holds one SSE connection to an agent server. Callbacks are single
// slots; registering again replaces the previous handler.
type Client struct {
	httpClient *http.Client
	logger     *logger.Logger

	mu        sync.Mutex
	connected bool
	closing   bool
	cancel    context.CancelFunc
	body      interface{ Close() error }

	onPart  func(PartEvent)
	onIdle  func(sessionID string)
	onError func(error)
}

// NewClient creates a disconnected client.
func NewClient(log *logger.Logger) *Client {
	return &Client{
		httpClient: &http.Client{},
		logger:     log.WithFields(zap.String("component", "streaming-client")),
	}
}

// OnPartUpdated registers the handler for text part updates.
func (c *Client) OnPartUpdated(fn func(PartEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPart = fn
}

// OnSessionIdle registers the handler for session idle events.
func (c *Client) OnSessionIdle(fn func(sessionID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onIdle = fn
}

// OnError registers the handler for transport failures.
func (c *Client) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// Connect opens the event stream at baseURL and starts dispatching.
func (c *Client) Connect(ctx context.Context, baseURL string) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet,
		strings.TrimRight(baseURL, "/")+"/event", nil)
	if err != nil {
		cancel()
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return err
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("event stream returned %s", resp.Status)
	}

	c.mu.Lock()
	c.connected = true
	c.closing = false
	c.cancel = cancel
	c.body = resp.Body
	c.mu.Unlock()

	go c.readLoop(resp)

	c.logger.Debug("connected to event stream", zap.String("base_url", baseURL))
	return nil
}

// IsConnected reports whether the read loop is live.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect tears down the stream. Safe to call repeatedly, and before any
// Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return
	}
	c.closing = true
	c.connected = false
	if c.cancel != nil {
		c.cancel()
	}
	if c.body != nil {
		c.body.Close()
	}
}

func (c *Client) readLoop(resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		c.dispatch([]byte(data))
	}

	err := scanner.Err()

	c.mu.Lock()
	wasClosing := c.closing
	c.connected = false
	onError := c.onError
	c.mu.Unlock()

	if wasClosing {
		return
	}
	if err == nil {
		err = fmt.Errorf("event stream closed")
	}
	c.logger.Warn("event stream failed", zap.Error(err))
	if onError != nil {
		onError(err)
	}
}

// dispatch routes one event payload. Malformed JSON and unknown event types
// are dropped.
func (c *Client) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	switch env.Type {
	case eventPartUpdated:
		var props partProperties
		if err := json.Unmarshal(env.Properties, &props); err != nil {
			return
		}
		if props.Part.Type != "text" {
			return
		}
		c.mu.Lock()
		onPart := c.onPart
		c.mu.Unlock()
		if onPart != nil {
			onPart(PartEvent{
				ID:        props.Part.ID,
				SessionID: props.Part.SessionID,
				MessageID: props.Part.MessageID,
				Text:      props.Part.Text,
			})
		}
	case eventSessionIdle:
		var props idleProperties
		if err := json.Unmarshal(env.Properties, &props); err != nil {
			return
		}
		c.mu.Lock()
		onIdle := c.onIdle
		c.mu.Unlock()
		if onIdle != nil {
			onIdle(props.SessionID)
		}
	}
}
