// Package call assembles one video call: the signaling channel, the
// negotiation state machine, the control multiplexer, and the friend,
// assist, and chat sub-protocols, with ordered teardown across all of them.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/duovoice/duocall/internal/assist"
	"github.com/duovoice/duocall/internal/chat"
	"github.com/duovoice/duocall/internal/friend"
	"github.com/duovoice/duocall/internal/media"
	"github.com/duovoice/duocall/internal/metrics"
	"github.com/duovoice/duocall/internal/mux"
	"github.com/duovoice/duocall/internal/negotiate"
	"github.com/duovoice/duocall/internal/signal"
)

// Config describes one call to join.
type Config struct {
	// RoomID is the shared room, "userA_userB".
	RoomID string
	// LocalID and RemoteID are the two participants.
	LocalID  string
	RemoteID string

	// SignalURL is the room's signaling websocket endpoint.
	SignalURL string
	// ChatHTTPBase and ChatWSURL point at the chat service; empty disables
	// chat for this call.
	ChatHTTPBase string
	ChatWSURL    string

	ICEServers []webrtc.ICEServer
	Media      media.Source

	// FriendStore persists accepted friendships; nil disables persistence.
	FriendStore friend.Store

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// UI callbacks. All may be nil.
	OnRemoteTrack   func(*webrtc.TrackRemote)
	OnConnected     func()
	OnChatMessage   func(chat.Message)
	OnFriendRequest func(from string)
	OnFriendResult  func(accepted bool)
	OnAssistOpen    func(from, prompt string)
	OnAssistText    func(text string)
	OnAssistEnd     func()
}

// Call is one live two-party video call.
type Call struct {
	log *slog.Logger

	channel    *signal.Channel
	negotiator *negotiate.Negotiator
	dispatcher *mux.Mux
	friends    *friend.Handshake
	assist     *assist.Relay
	chat       *chat.Delivery

	done chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Join connects every layer of a call and starts the dispatch loop. On any
// failure everything already started is torn down before returning.
func Join(ctx context.Context, cfg Config) (*Call, error) {
	if cfg.RoomID == "" || cfg.LocalID == "" || cfg.RemoteID == "" {
		return nil, fmt.Errorf("call: RoomID, LocalID and RemoteID are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("room", cfg.RoomID, "local", cfg.LocalID)

	channel, err := signal.Dial(ctx, cfg.SignalURL, logger, cfg.Metrics)
	if err != nil {
		return nil, err
	}

	c := &Call{
		log:     logger,
		channel: channel,
		done:    make(chan struct{}),
	}

	c.negotiator, err = negotiate.New(negotiate.Config{
		RoomID:        cfg.RoomID,
		LocalID:       cfg.LocalID,
		ICEServers:    cfg.ICEServers,
		Media:         cfg.Media,
		Sender:        channel,
		Logger:        logger,
		Metrics:       cfg.Metrics,
		OnRemoteTrack: cfg.OnRemoteTrack,
		OnConnected:   cfg.OnConnected,
	})
	if err != nil {
		_ = channel.Close()
		return nil, err
	}

	c.friends = friend.New(friend.Config{
		LocalID:    cfg.LocalID,
		RemoteID:   cfg.RemoteID,
		Sender:     channel,
		Store:      cfg.FriendStore,
		Logger:     logger,
		OnRequest:  cfg.OnFriendRequest,
		OnResolved: cfg.OnFriendResult,
	})

	c.assist = assist.New(assist.Config{
		LocalID:      cfg.LocalID,
		Sender:       channel,
		Logger:       logger,
		OnRemoteOpen: cfg.OnAssistOpen,
		OnRemoteText: cfg.OnAssistText,
		OnRemoteEnd:  cfg.OnAssistEnd,
	})

	c.dispatcher = mux.New(mux.Config{
		LocalID:     cfg.LocalID,
		Negotiation: c.negotiator,
		Friend:      c.friends,
		Assist:      c.assist,
		Logger:      logger,
		Metrics:     cfg.Metrics,
	})

	if cfg.ChatWSURL != "" {
		c.chat, err = chat.Connect(ctx, chat.Config{
			RoomID:    cfg.RoomID,
			LocalID:   cfg.LocalID,
			RemoteID:  cfg.RemoteID,
			HTTPBase:  cfg.ChatHTTPBase,
			WSURL:     cfg.ChatWSURL,
			Logger:    logger,
			OnMessage: cfg.OnChatMessage,
		})
		if err != nil {
			_ = c.negotiator.Close()
			_ = channel.Close()
			return nil, err
		}
	}

	if err := c.negotiator.Start(ctx); err != nil {
		c.teardown()
		return nil, err
	}

	go c.dispatchLoop()
	return c, nil
}

// dispatchLoop feeds inbound envelopes to the multiplexer until the
// signaling channel dies, then ends the call.
func (c *Call) dispatchLoop() {
	defer close(c.done)
	for env := range c.channel.Inbound() {
		c.dispatcher.Dispatch(env)
	}
	if err := c.channel.Err(); err != nil {
		c.log.Warn("signaling channel lost", "err", err)
	}
	_ = c.Close()
}

// Negotiator exposes the negotiation state machine.
func (c *Call) Negotiator() *negotiate.Negotiator { return c.negotiator }

// Friends exposes the friend handshake.
func (c *Call) Friends() *friend.Handshake { return c.friends }

// Assist exposes the assist relay.
func (c *Call) Assist() *assist.Relay { return c.assist }

// Chat exposes the chat delivery; nil when chat was not configured.
func (c *Call) Chat() *chat.Delivery { return c.chat }

// Done is closed once the dispatch loop has exited.
func (c *Call) Done() <-chan struct{} { return c.done }

// Close ends the call. Teardown is ordered: the signaling socket first so
// no further envelopes arrive, then media and the peer connection, then
// chat. Safe to call multiple times and from the dispatch loop itself.
func (c *Call) Close() error {
	c.closeOnce.Do(func() {
		_ = c.assist.End()
		if err := c.channel.Close(); err != nil {
			c.closeErr = err
		}
		if err := c.negotiator.Close(); err != nil && c.closeErr == nil {
			c.closeErr = err
		}
		if c.chat != nil {
			if err := c.chat.Close(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
		c.log.Info("call closed")
	})
	return c.closeErr
}

// teardown is the error-path variant of Close for partially built calls.
func (c *Call) teardown() {
	_ = c.channel.Close()
	_ = c.negotiator.Close()
	if c.chat != nil {
		_ = c.chat.Close()
	}
}
