// Package friend implements the in-call friend handshake: a three-step
// request/accept/decline protocol riding the signaling channel, backed by
// an external friend store.
package friend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/duovoice/duocall/internal/signal"
)

// State tracks one handshake between the local and remote participant.
type State int

const (
	None State = iota
	RequestSent
	RequestReceived
	Accepted
	Declined
)

func (s State) String() string {
	switch s {
	case None:
		return "none"
	case RequestSent:
		return "request_sent"
	case RequestReceived:
		return "request_received"
	case Accepted:
		return "accepted"
	case Declined:
		return "declined"
	default:
		return "unknown"
	}
}

var (
	// ErrNoPendingRequest is returned when accepting or declining without
	// an incoming request to resolve.
	ErrNoPendingRequest = errors.New("no pending friend request")
	// ErrAlreadyResolved is returned when the handshake reached a terminal
	// state for this call.
	ErrAlreadyResolved = errors.New("friend handshake already resolved")
)

// Store is the external friend persistence this protocol writes to on
// accept. Failures there abort the acceptance entirely.
type Store interface {
	AddInvitation(ctx context.Context, inv Invitation) error
}

// Handshake runs the friend sub-protocol for one call. One instance exists
// per (local, remote) pair and is discarded with the call.
type Handshake struct {
	localID  string
	remoteID string
	sender   senderFunc
	store    Store
	log      *slog.Logger

	// OnRequest fires when the peer asks to be friends; the UI surfaces
	// the accept/decline choice.
	onRequest func(from string)
	// OnResolved fires on the requester side when the peer answers.
	onResolved func(accepted bool)

	mu    sync.Mutex
	state State
}

type senderFunc func(signal.Envelope) error

// Config wires one Handshake.
type Config struct {
	LocalID  string
	RemoteID string
	Sender   interface {
		Send(signal.Envelope) error
	}
	Store      Store
	Logger     *slog.Logger
	OnRequest  func(from string)
	OnResolved func(accepted bool)
}

func New(cfg Config) *Handshake {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	send := func(signal.Envelope) error { return nil }
	if cfg.Sender != nil {
		send = cfg.Sender.Send
	}
	return &Handshake{
		localID:    cfg.LocalID,
		remoteID:   cfg.RemoteID,
		sender:     send,
		store:      cfg.Store,
		log:        logger,
		onRequest:  cfg.OnRequest,
		onResolved: cfg.OnResolved,
		state:      None,
	}
}

// State returns the current handshake state.
func (h *Handshake) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Request sends a friend request to the peer.
func (h *Handshake) Request() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case None:
	case Accepted, Declined:
		return ErrAlreadyResolved
	default:
		return fmt.Errorf("friend request in state %s", h.state)
	}

	if err := h.sender(signal.Envelope{
		Kind:   signal.KindFriendRequest,
		Sender: h.localID,
	}); err != nil {
		return fmt.Errorf("send friend request: %w", err)
	}
	h.state = RequestSent
	return nil
}

// Accept resolves an incoming request positively. The friend store write
// happens first; if it fails nothing is sent and the handshake stays
// unresolved so the user can retry.
func (h *Handshake) Accept(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != RequestReceived {
		if h.state == Accepted || h.state == Declined {
			return ErrAlreadyResolved
		}
		return ErrNoPendingRequest
	}

	if h.store != nil {
		inv := Invitation{
			RequesterID: h.remoteID,
			ReceiverID:  h.localID,
			Status:      StatusAccept,
			Timestamp:   time.Now().UTC(),
		}
		if err := h.store.AddInvitation(ctx, inv); err != nil {
			// No partial acceptance: state stays RequestReceived and the
			// peer is not notified.
			return fmt.Errorf("persist friend invitation: %w", err)
		}
	}

	if err := h.sender(signal.Envelope{
		Kind:   signal.KindFriendAccept,
		Sender: h.localID,
	}); err != nil {
		return fmt.Errorf("send friend accept: %w", err)
	}
	h.state = Accepted
	return nil
}

// Decline resolves an incoming request negatively. No store write happens.
func (h *Handshake) Decline() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != RequestReceived {
		if h.state == Accepted || h.state == Declined {
			return ErrAlreadyResolved
		}
		return ErrNoPendingRequest
	}

	if err := h.sender(signal.Envelope{
		Kind:   signal.KindFriendDecline,
		Sender: h.localID,
	}); err != nil {
		return fmt.Errorf("send friend decline: %w", err)
	}
	h.state = Declined
	return nil
}

// HandleEnvelope consumes friend-* envelopes routed by the multiplexer.
func (h *Handshake) HandleEnvelope(env signal.Envelope) error {
	h.mu.Lock()

	switch env.Kind {
	case signal.KindFriendRequest:
		if h.state != None {
			h.mu.Unlock()
			h.log.Warn("dropping friend request", "state", h.state.String(), "sender", env.Sender)
			return nil
		}
		h.state = RequestReceived
		cb := h.onRequest
		h.mu.Unlock()
		if cb != nil {
			cb(env.Sender)
		}
		return nil

	case signal.KindFriendAccept, signal.KindFriendDecline:
		if h.state != RequestSent {
			h.mu.Unlock()
			h.log.Warn("dropping friend resolution", "state", h.state.String(), "kind", env.Kind)
			return nil
		}
		accepted := env.Kind == signal.KindFriendAccept
		if accepted {
			h.state = Accepted
		} else {
			h.state = Declined
		}
		cb := h.onResolved
		h.mu.Unlock()
		if cb != nil {
			cb(accepted)
		}
		return nil

	default:
		h.mu.Unlock()
		return fmt.Errorf("unexpected envelope kind %q", env.Kind)
	}
}
