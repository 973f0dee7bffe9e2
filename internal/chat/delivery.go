package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 1 * time.Second

// Delivery runs the live chat session for one room: history is fetched and
// seeded first, then the websocket stream appends in arrival order.
//
// Sending is optimistic: the local log is appended before the write goes
// out, so the sender sees their message immediately. The relay does not
// echo messages back to their sender, which keeps the optimistic append
// from duplicating.
type Delivery struct {
	roomID   string
	localID  string
	remoteID string
	log      *slog.Logger
	msgs     *Log

	conn *websocket.Conn
	done chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once

	errMu   sync.Mutex
	readErr error
}

// Config wires one Delivery.
type Config struct {
	RoomID   string
	LocalID  string
	RemoteID string
	// HTTPBase is the chat service base URL for the history fetch.
	HTTPBase string
	// WSURL is the full websocket URL for the room's chat stream.
	WSURL  string
	Logger *slog.Logger
	// OnMessage fires for every message appended to the log, local echoes
	// included.
	OnMessage func(Message)
}

// Connect fetches history, seeds the log, and opens the live stream. On
// error nothing is left running.
func Connect(ctx context.Context, cfg Config) (*Delivery, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	history, err := NewHistoryClient(cfg.HTTPBase, nil).Fetch(ctx, cfg.RoomID)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.WSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial chat stream: %w", err)
	}

	d := &Delivery{
		roomID:   cfg.RoomID,
		localID:  cfg.LocalID,
		remoteID: cfg.RemoteID,
		log:      logger,
		msgs:     NewLog(cfg.OnMessage),
		conn:     conn,
		done:     make(chan struct{}),
	}
	d.msgs.Seed(history)
	go d.readLoop()
	return d, nil
}

// Send appends content to the local log and transmits it. The message id is
// assigned here so history and live views agree on identity.
func (d *Delivery) Send(content string) (Message, error) {
	msg := NewMessage(d.roomID, d.localID, d.remoteID, content)
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}

	d.msgs.Append(msg)

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_ = d.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := d.conn.WriteJSON(msg); err != nil {
		return Message{}, fmt.Errorf("send chat message: %w", err)
	}
	return msg, nil
}

// Messages returns the room's log.
func (d *Delivery) Messages() *Log {
	return d.msgs
}

// Done is closed once the read loop has exited.
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Err reports why the read loop exited. Meaningful only after Done.
func (d *Delivery) Err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.readErr
}

// Close tears down the stream. Safe to call multiple times.
func (d *Delivery) Close() error {
	d.closeOnce.Do(func() {
		d.writeMu.Lock()
		_ = d.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		d.writeMu.Unlock()
		_ = d.conn.Close()
	})
	return nil
}

func (d *Delivery) readLoop() {
	defer close(d.done)

	for {
		var msg Message
		if err := d.conn.ReadJSON(&msg); err != nil {
			d.errMu.Lock()
			d.readErr = err
			d.errMu.Unlock()
			return
		}
		if err := msg.Validate(); err != nil {
			d.log.Warn("dropping malformed chat message", "err", err)
			continue
		}
		if msg.SenderID == d.localID {
			// Already in the log from the optimistic append on Send.
			continue
		}
		d.msgs.Append(msg)
	}
}
