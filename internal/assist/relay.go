// Package assist implements the communication-assist sub-protocol: one side
// opens an assisted input session, composes text from recognized signs, and
// relays the full composition to the peer on every change.
package assist

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/duovoice/duocall/internal/signal"
)

// ErrNotActive is returned by SetText when no assist session is open.
var ErrNotActive = errors.New("assist session not active")

// Relay runs the local side of one assist session. Updates are
// level-triggered: every SetText carries the entire composed text, so a
// receiver that missed an update converges on the next one.
type Relay struct {
	localID string
	sender  senderFunc
	log     *slog.Logger

	// OnRemoteOpen fires when the peer opens an assist session toward us.
	onRemoteOpen func(from, prompt string)
	// OnRemoteText fires with the peer's full composed text.
	onRemoteText func(text string)
	// OnRemoteEnd fires when the peer closes their session.
	onRemoteEnd func()

	mu           sync.Mutex
	active       bool
	text         string
	remoteActive bool
}

type senderFunc func(signal.Envelope) error

// Config wires one Relay.
type Config struct {
	LocalID string
	Sender  interface {
		Send(signal.Envelope) error
	}
	Logger       *slog.Logger
	OnRemoteOpen func(from, prompt string)
	OnRemoteText func(text string)
	OnRemoteEnd  func()
}

func New(cfg Config) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	send := func(signal.Envelope) error { return nil }
	if cfg.Sender != nil {
		send = cfg.Sender.Send
	}
	return &Relay{
		localID:      cfg.LocalID,
		sender:       send,
		log:          logger,
		onRemoteOpen: cfg.OnRemoteOpen,
		onRemoteText: cfg.OnRemoteText,
		onRemoteEnd:  cfg.OnRemoteEnd,
	}
}

// Active reports whether a local assist session is open.
func (r *Relay) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Text returns the current local composition.
func (r *Relay) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.text
}

// Open starts a local assist session and announces it with the given
// prompt. Opening an already-open session only updates the prompt shown to
// the peer.
func (r *Relay) Open(prompt string) error {
	if prompt == "" {
		return fmt.Errorf("assist prompt must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.sender(signal.Envelope{
		Kind:   signal.KindAssistRequest,
		Sender: r.localID,
		Prompt: prompt,
	}); err != nil {
		return fmt.Errorf("send assist request: %w", err)
	}
	r.active = true
	r.text = ""
	return nil
}

// SetText replaces the local composition and relays the full text to the
// peer. An unchanged text is not re-sent.
func (r *Relay) SetText(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		return ErrNotActive
	}
	if text == r.text {
		return nil
	}
	if err := r.sender(signal.Envelope{
		Kind:   signal.KindAssistInput,
		Sender: r.localID,
		Text:   text,
	}); err != nil {
		return fmt.Errorf("send assist input: %w", err)
	}
	r.text = text
	return nil
}

// End closes the local session. Ending an inactive session is a no-op so
// callers can End unconditionally on teardown.
func (r *Relay) End() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		return nil
	}
	if err := r.sender(signal.Envelope{
		Kind:   signal.KindAssistEnd,
		Sender: r.localID,
	}); err != nil {
		return fmt.Errorf("send assist end: %w", err)
	}
	r.active = false
	r.text = ""
	return nil
}

// RemoteActive reports whether the peer currently has an assist session
// open toward us.
func (r *Relay) RemoteActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remoteActive
}

// HandleEnvelope consumes assist-* envelopes routed by the multiplexer. The
// peer's session is tracked separately from the local one: inputs before an
// assist-request and a second assist-end are dropped, so a duplicated frame
// never re-fires the callbacks.
func (r *Relay) HandleEnvelope(env signal.Envelope) error {
	r.mu.Lock()
	var fire func()
	switch env.Kind {
	case signal.KindAssistRequest:
		r.remoteActive = true
		if r.onRemoteOpen != nil {
			fire = func() { r.onRemoteOpen(env.Sender, env.Prompt) }
		}
	case signal.KindAssistInput:
		if !r.remoteActive {
			r.mu.Unlock()
			r.log.Warn("dropping assist input outside a session", "sender", env.Sender)
			return nil
		}
		if r.onRemoteText != nil {
			fire = func() { r.onRemoteText(env.Text) }
		}
	case signal.KindAssistEnd:
		if !r.remoteActive {
			r.mu.Unlock()
			r.log.Debug("dropping duplicate assist end", "sender", env.Sender)
			return nil
		}
		r.remoteActive = false
		if r.onRemoteEnd != nil {
			fire = r.onRemoteEnd
		}
	default:
		r.mu.Unlock()
		return fmt.Errorf("unexpected envelope kind %q", env.Kind)
	}
	r.mu.Unlock()
	if fire != nil {
		fire()
	}
	return nil
}
