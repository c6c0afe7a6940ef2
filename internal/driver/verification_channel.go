// ABOUTME: WebSocket client for the account verification push channel
// ABOUTME: Holds at most one connection; dropped connections are not redialed

package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/dk8moore/dr-website/internal/metrics"
	"github.com/dk8moore/dr-website/internal/models"
)

const (
	channelReadLimit    = 64 << 10
	channelDialTimeout  = 10 * time.Second
	channelWriteTimeout = 5 * time.Second
)

// VerificationChannel is an owned, lazily dialed connection to the notification socket
type VerificationChannel struct {
	url     string
	header  http.Header
	logger  *slog.Logger
	metrics *metrics.Collector

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewVerificationChannel creates a channel for wsURL; nothing is dialed until Open
func NewVerificationChannel(wsURL string, logger *slog.Logger) *VerificationChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &VerificationChannel{
		url:    wsURL,
		header: http.Header{"User-Agent": []string{userAgent}},
		logger: logger,
	}
}

// SetMetrics sets the metrics collector
func (c *VerificationChannel) SetMetrics(m *metrics.Collector) {
	c.metrics = m
}

// Open dials the channel. Calling Open on an open channel reuses the connection.
func (c *VerificationChannel) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, channelDialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		HTTPHeader: c.header.Clone(),
	})
	if err != nil {
		return fmt.Errorf("failed to dial verification channel: %w", err)
	}
	conn.SetReadLimit(channelReadLimit)

	c.conn = conn
	c.logger.Info("Verification channel opened", "url", c.url)
	return nil
}

// IsOpen reports whether a connection is held
func (c *VerificationChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Listen reads frames until ctx is done or the connection drops, calling
// onVerified for each email_verified event. Malformed and unknown frames are skipped.
// The connection is released when Listen returns.
func (c *VerificationChannel) Listen(ctx context.Context, onVerified func(models.VerificationEvent)) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrChannelNotOpen
	}

	for {
		mt, data, err := conn.Read(ctx)
		if err != nil {
			// a cancelled read closes the connection, so it cannot be reused either way
			c.release(conn)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return ErrChannelClosed
			}
			return fmt.Errorf("%w: %w", ErrChannelClosed, err)
		}

		if mt != websocket.MessageText {
			c.logger.Debug("Ignoring non-text frame on verification channel")
			continue
		}

		var event models.VerificationEvent
		if err := json.Unmarshal(data, &event); err != nil {
			c.logger.Warn("Malformed verification frame", "error", err)
			continue
		}

		if event.Type != models.EventEmailVerified {
			c.metrics.RecordChannelEvent("other")
			c.logger.Debug("Ignoring verification channel event", "type", event.Type)
			continue
		}
		c.metrics.RecordChannelEvent(event.Type)

		c.logger.Info("Email verification event received", "message", event.Message)
		onVerified(event)
	}
}

// Send writes one event frame
func (c *VerificationChannel) Send(ctx context.Context, event models.VerificationEvent) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrChannelNotOpen
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode verification event: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, channelWriteTimeout)
	defer cancel()

	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send verification event: %w", err)
	}
	return nil
}

// Close closes the connection. A later Open dials again.
func (c *VerificationChannel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := conn.Close(websocket.StatusNormalClosure, "")
	if err != nil && !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		c.logger.Debug("Verification channel close error", "error", err)
	}
	c.logger.Info("Verification channel closed")
	return nil
}

// release forgets conn if it is still the current connection
func (c *VerificationChannel) release(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.CloseNow()
}
