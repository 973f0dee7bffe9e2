// Package signal implements the per-room signaling channel and the tagged
// envelope protocol that rides it.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duovoice/duocall/internal/metrics"
)

const writeWait = 1 * time.Second

// Channel is a duplex signaling transport for one room.
//
// Inbound envelopes are delivered in receipt order on a single queue; the
// relay performs no batching or reordering, and neither does the Channel.
// Malformed frames are logged and dropped without disturbing the stream.
type Channel struct {
	conn *websocket.Conn
	log  *slog.Logger
	m    *metrics.Metrics

	inbound chan Envelope
	done    chan struct{}

	writeMu sync.Mutex

	closeOnce sync.Once

	errMu   sync.Mutex
	readErr error
}

// Dial connects to the room's signaling endpoint and starts the read loop.
func Dial(ctx context.Context, url string, logger *slog.Logger, m *metrics.Metrics) (*Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling channel: %w", err)
	}
	return NewChannel(conn, logger, m), nil
}

// NewChannel wraps an established websocket connection. Ownership of conn
// transfers to the Channel.
func NewChannel(conn *websocket.Conn, logger *slog.Logger, m *metrics.Metrics) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		conn:    conn,
		log:     logger,
		m:       m,
		inbound: make(chan Envelope, 16),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Send validates and transmits one envelope. Writes are serialized and
// bounded by a write deadline.
func (c *Channel) Send(env Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("send envelope: %w", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send envelope: %w", err)
	}
	return nil
}

// Inbound returns the ordered stream of received envelopes. The channel is
// closed when the socket is lost or Close is called.
func (c *Channel) Inbound() <-chan Envelope {
	return c.inbound
}

// Done is closed once the read loop has exited.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err reports why the read loop exited. It is meaningful only after Done.
func (c *Channel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

// Close tears down the socket. Safe to call multiple times and from any
// goroutine; pending inbound envelopes are discarded by the consumer going
// away, not by the Channel.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	return nil
}

func (c *Channel) readLoop() {
	defer close(c.done)
	defer close(c.inbound)

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.errMu.Lock()
			c.readErr = err
			c.errMu.Unlock()
			return
		}
		if msgType != websocket.TextMessage {
			c.log.Warn("dropping non-text signaling frame")
			c.count(metrics.DropMalformedEnvelope)
			continue
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			c.log.Warn("dropping malformed envelope", "err", err)
			c.count(metrics.DropMalformedEnvelope)
			continue
		}

		c.inbound <- env
	}
}

func (c *Channel) count(name string) {
	if c.m != nil {
		c.m.Inc(name)
	}
}
