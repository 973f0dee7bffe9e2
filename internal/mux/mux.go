// Package mux routes inbound signaling envelopes to their sub-protocol
// handlers.
//
// The relay echoes every envelope to all room members, so the multiplexer
// first discards anything the local participant sent. Each surviving
// envelope is dispatched by kind to exactly one handler; a handler error is
// logged and isolated so no sub-protocol can corrupt another.
package mux

import (
	"log/slog"

	"github.com/duovoice/duocall/internal/metrics"
	"github.com/duovoice/duocall/internal/signal"
)

// Handler consumes the envelopes of one sub-protocol.
type Handler interface {
	HandleEnvelope(signal.Envelope) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(signal.Envelope) error

func (f HandlerFunc) HandleEnvelope(env signal.Envelope) error { return f(env) }

// Mux is the control multiplexer for one room.
type Mux struct {
	localID string
	log     *slog.Logger
	m       *metrics.Metrics

	negotiation Handler
	friend      Handler
	assist      Handler
}

// Config names the handler per sub-protocol. Nil handlers are legal; their
// envelopes are then silently ignored.
type Config struct {
	LocalID string

	Negotiation Handler
	Friend      Handler
	Assist      Handler

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func New(cfg Config) *Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		localID:     cfg.LocalID,
		log:         logger,
		m:           cfg.Metrics,
		negotiation: cfg.Negotiation,
		friend:      cfg.Friend,
		assist:      cfg.Assist,
	}
}

// Dispatch routes one envelope. It never panics and never returns an
// error; every failure mode here is log-and-drop.
func (m *Mux) Dispatch(env signal.Envelope) {
	if env.Sender == m.localID {
		m.count(metrics.DropSelfEcho)
		return
	}

	switch env.Kind {
	case signal.KindJoin, signal.KindOffer, signal.KindAnswer, signal.KindCandidate:
		m.deliver(m.negotiation, env)
	case signal.KindFriendRequest, signal.KindFriendAccept, signal.KindFriendDecline:
		m.deliver(m.friend, env)
	case signal.KindAssistRequest, signal.KindAssistInput, signal.KindAssistEnd:
		m.deliver(m.assist, env)
	default:
		// Unknown kinds are ignored for forward compatibility.
		m.log.Debug("ignoring unknown envelope kind", "kind", env.Kind, "sender", env.Sender)
		m.count(metrics.DropUnknownKind)
	}
}

func (m *Mux) deliver(h Handler, env signal.Envelope) {
	if h == nil {
		return
	}
	if err := h.HandleEnvelope(env); err != nil {
		m.log.Warn("sub-protocol handler failed", "kind", env.Kind, "sender", env.Sender, "err", err)
	}
}

func (m *Mux) count(name string) {
	if m.m != nil {
		m.m.Inc(name)
	}
}
