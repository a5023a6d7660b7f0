// Package gateway maintains the websocket connection to the chat platform's
// message gateway.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ocproxy/ocproxy/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB
	sendBuffer     = 256
)

// InboundMessage is a chat message delivered by the gateway.
type InboundMessage struct {
	ChannelID       string `json:"channel_id"`
	ThreadID        string `json:"thread_id"`
	ParentChannelID string `json:"parent_channel_id"`
	UserID          string `json:"user_id"`
	Text            string `json:"text"`
}

// OutboundMessage is what the bot sends back through the gateway.
type OutboundMessage struct {
	Type      string `json:"type"` // post, stream_update, stream_final
	ChannelID string `json:"channel_id"`
	Text      string `json:"text"`
}

// Config holds gateway connection settings.
type Config struct {
	URL   string
	Token string
}

// Client is a dialing websocket client with read and write pumps.
type Client struct {
	config  Config
	logger  *logger.Logger
	handler func(InboundMessage)

	mu     sync.Mutex
	conn   *websocket.Conn
	send   chan []byte
	closed bool
}

// NewClient creates a gateway client. The handler receives every inbound
// message.
func NewClient(cfg Config, handler func(InboundMessage), log *logger.Logger) *Client {
	return &Client{
		config:  cfg,
		logger:  log.WithFields(zap.String("component", "gateway-client")),
		handler: handler,
		send:    make(chan []byte, sendBuffer),
	}
}

// Connect dials the gateway and starts the pumps.
func (c *Client) Connect(ctx context.Context) error {
	header := http.Header{}
	if c.config.Token != "" {
		header.Set("Authorization", "Bearer "+c.config.Token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.config.URL, header)
	if err != nil {
		return fmt.Errorf("failed to dial gateway: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	c.conn = conn
	c.closed = false
	c.mu.Unlock()

	go c.readPump()
	go c.writePump()

	c.logger.Info("connected to gateway", zap.String("url", c.config.URL))
	return nil
}

// Send queues an outbound message, dropping it when the buffer is full.
func (c *Client) Send(msg OutboundMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return fmt.Errorf("gateway send buffer full")
	}
}

// Close shuts the connection down.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.conn.Close()
	}
}

func (c *Client) readPump() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	defer c.Close()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("gateway read error", zap.Error(err))
			}
			return
		}

		var msg InboundMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Warn("invalid gateway message", zap.Error(err))
			continue
		}
		if c.handler != nil {
			c.handler(msg)
		}
	}
}

func (c *Client) writePump() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
