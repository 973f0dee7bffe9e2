// Package negotiate implements the peer session negotiation state machine:
// local/remote description lifecycle, offerer election, candidate
// buffering, and renegotiation.
package negotiate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/duovoice/duocall/internal/media"
	"github.com/duovoice/duocall/internal/metrics"
	"github.com/duovoice/duocall/internal/signal"
)

// ErrClosed is returned by operations on a Negotiator whose session has
// ended. A new Negotiator must be created to retry the call.
var ErrClosed = errors.New("negotiation session closed")

// EnvelopeSender is the outbound half of the signaling channel.
type EnvelopeSender interface {
	Send(signal.Envelope) error
}

// Config wires one Negotiator. Sender, Media, RoomID and LocalID are
// required.
type Config struct {
	RoomID  string
	LocalID string

	ICEServers []webrtc.ICEServer

	Media  media.Source
	Sender EnvelopeSender

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// OnRemoteTrack fires on the pion callback goroutine whenever the peer
	// adds a media track.
	OnRemoteTrack func(*webrtc.TrackRemote)

	// OnConnected fires once the underlying peer connection reaches the
	// connected state.
	OnConnected func()
}

// Negotiator owns exactly one Session and the PeerConnection behind it.
//
// Offerer election: both sides observe each other's join announcement and
// the participant whose id sorts lexicographically smaller creates the
// offer; the other answers. The election is deterministic, so simultaneous
// offers (glare) cannot occur.
type Negotiator struct {
	log *slog.Logger
	m   *metrics.Metrics

	sender EnvelopeSender
	media  media.Source
	pc     *webrtc.PeerConnection
	buf    *CandidateBuffer

	mu        sync.Mutex
	sess      Session
	elected   bool
	offerer   bool
	announced bool

	closeOnce sync.Once
}

func New(cfg Config) (*Negotiator, error) {
	if cfg.RoomID == "" || cfg.LocalID == "" {
		return nil, errors.New("negotiate: RoomID and LocalID are required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("negotiate: Sender is required")
	}
	if cfg.Media == nil {
		return nil, errors.New("negotiate: Media is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("room", cfg.RoomID, "local", cfg.LocalID)

	pc, err := newAPI(logger).NewPeerConnection(webrtc.Configuration{
		ICEServers: cfg.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	n := &Negotiator{
		log:    logger,
		m:      cfg.Metrics,
		sender: cfg.Sender,
		media:  cfg.Media,
		pc:     pc,
		buf:    &CandidateBuffer{},
		sess: Session{
			RoomID:  cfg.RoomID,
			LocalID: cfg.LocalID,
			State:   Idle,
		},
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		cand := signal.CandidateFromPion(c.ToJSON())
		if err := n.sender.Send(signal.Envelope{
			Kind:      signal.KindCandidate,
			Sender:    cfg.LocalID,
			Candidate: &cand,
		}); err != nil {
			n.log.Warn("failed to send local candidate", "err", err)
		}
	})

	if cfg.OnRemoteTrack != nil {
		onTrack := cfg.OnRemoteTrack
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			onTrack(track)
		})
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if cfg.OnConnected != nil {
				cfg.OnConnected()
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			// Connection loss ends the session; the user retries by
			// re-entering the room with a fresh Negotiator. Close on a
			// separate goroutine so pion internals are never blocked.
			go func() { _ = n.Close() }()
		}
	})

	return n, nil
}

// Start acquires local media, attaches it, and announces presence in the
// room. A media failure is fatal: the session is closed and the error is
// surfaced without retry.
func (n *Negotiator) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.sess.State != Idle {
		state := n.sess.State
		n.mu.Unlock()
		return fmt.Errorf("start in state %s", state)
	}
	n.sess.State = AwaitingLocalMedia
	n.mu.Unlock()

	tracks, err := n.media.Tracks(ctx)
	if err != nil {
		_ = n.Close()
		return fmt.Errorf("acquire local media: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sess.State == Closed {
		return ErrClosed
	}
	for _, track := range tracks {
		if _, err := n.pc.AddTrack(track); err != nil {
			n.mu.Unlock()
			_ = n.Close()
			n.mu.Lock()
			return fmt.Errorf("attach local track: %w", err)
		}
	}

	if err := n.announceLocked(); err != nil {
		return err
	}
	n.sess.State = Joined
	n.log.Info("joined room")
	return nil
}

func (n *Negotiator) announceLocked() error {
	if err := n.sender.Send(signal.Envelope{
		Kind:   signal.KindJoin,
		Sender: n.sess.LocalID,
	}); err != nil {
		return fmt.Errorf("announce join: %w", err)
	}
	n.announced = true
	return nil
}

// HandleEnvelope processes one negotiation envelope (join, offer, answer,
// candidate). Malformed or wrong-state envelopes are logged, counted, and
// dropped; they never corrupt the session.
func (n *Negotiator) HandleEnvelope(env signal.Envelope) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.sess.State == Closed {
		n.drop(metrics.DropWrongState, "envelope after close", env)
		return nil
	}

	switch env.Kind {
	case signal.KindJoin:
		return n.handleJoinLocked(env.Sender)
	case signal.KindOffer:
		return n.handleOfferLocked(env)
	case signal.KindAnswer:
		return n.handleAnswerLocked(env)
	case signal.KindCandidate:
		return n.handleCandidateLocked(env)
	default:
		// Not ours; the multiplexer should never route other kinds here.
		n.drop(metrics.DropUnknownKind, "unexpected kind", env)
		return nil
	}
}

func (n *Negotiator) handleJoinLocked(sender string) error {
	if n.sess.RemoteID != "" && n.sess.RemoteID != sender {
		n.drop(metrics.DropWrongState, "join from unexpected participant", signal.Envelope{Kind: signal.KindJoin, Sender: sender})
		return nil
	}

	if n.sess.RemoteID == "" {
		n.sess.RemoteID = sender
		// Re-announce so a peer that joined after our first join still
		// observes it. The echo filter stops the exchange from looping:
		// a join from an already-known peer changes nothing here.
		if n.announced {
			if err := n.announceLocked(); err != nil {
				return err
			}
		}
	}

	return n.electLocked()
}

// electLocked runs the offerer election once both join announcements have
// been observed: the lexicographically smaller id offers.
func (n *Negotiator) electLocked() error {
	if n.elected || n.sess.State != Joined || n.sess.RemoteID == "" {
		return nil
	}
	n.elected = true
	n.offerer = n.sess.LocalID < n.sess.RemoteID

	if !n.offerer {
		n.sess.State = Answering
		n.log.Info("elected answerer", "remote", n.sess.RemoteID)
		return nil
	}

	n.log.Info("elected offerer", "remote", n.sess.RemoteID)
	return n.sendOfferLocked()
}

func (n *Negotiator) sendOfferLocked() error {
	n.sess.State = Offering

	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	n.sess.LocalDescriptionSet = true

	sdp := signal.SDPFromPion(offer)
	if err := n.sender.Send(signal.Envelope{
		Kind:   signal.KindOffer,
		Sender: n.sess.LocalID,
		SDP:    &sdp,
	}); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	return nil
}

func (n *Negotiator) handleOfferLocked(env signal.Envelope) error {
	// An offer can legitimately arrive before the peer's join was seen:
	// it doubles as the announcement.
	if n.sess.RemoteID == "" {
		n.sess.RemoteID = env.Sender
	}
	if !n.elected {
		n.elected = true
		n.offerer = false
	}

	if n.offerer {
		n.drop(metrics.DropWrongState, "offer received by elected offerer", env)
		return nil
	}
	switch n.sess.State {
	case Joined, Answering, Stable:
	default:
		n.drop(metrics.DropWrongState, "offer in wrong state", env)
		return nil
	}

	desc, err := env.SDP.ToPion()
	if err != nil {
		n.drop(metrics.DropMalformedEnvelope, "offer with bad sdp", env)
		return nil
	}
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("apply remote offer: %w", err)
	}
	n.sess.RemoteDescriptionSet = true
	if err := n.buf.Flush(n.pc.AddICECandidate); err != nil {
		n.log.Warn("buffered candidate rejected", "err", err)
	}

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	n.sess.LocalDescriptionSet = true

	sdp := signal.SDPFromPion(answer)
	if err := n.sender.Send(signal.Envelope{
		Kind:   signal.KindAnswer,
		Sender: n.sess.LocalID,
		SDP:    &sdp,
	}); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}

	n.sess.State = Stable
	n.log.Info("negotiation stable", "role", "answerer")
	return nil
}

func (n *Negotiator) handleAnswerLocked(env signal.Envelope) error {
	if !n.offerer || n.sess.State != Offering {
		n.drop(metrics.DropWrongState, "answer in wrong state", env)
		return nil
	}

	desc, err := env.SDP.ToPion()
	if err != nil {
		n.drop(metrics.DropMalformedEnvelope, "answer with bad sdp", env)
		return nil
	}
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("apply remote answer: %w", err)
	}
	n.sess.RemoteDescriptionSet = true
	if err := n.buf.Flush(n.pc.AddICECandidate); err != nil {
		n.log.Warn("buffered candidate rejected", "err", err)
	}

	n.sess.State = Stable
	n.log.Info("negotiation stable", "role", "offerer")
	return nil
}

func (n *Negotiator) handleCandidateLocked(env signal.Envelope) error {
	if env.Candidate.Candidate == "" {
		// End-of-candidates marker; nothing to apply.
		return nil
	}
	return n.buf.Offer(env.Candidate.ToPion(), n.pc.AddICECandidate)
}

// AddLocalTrack attaches another local track mid-call. The elected offerer
// renegotiates immediately; the answerer waits for the peer's next offer.
func (n *Negotiator) AddLocalTrack(track webrtc.TrackLocal) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.sess.State == Closed {
		return ErrClosed
	}
	if _, err := n.pc.AddTrack(track); err != nil {
		return fmt.Errorf("attach local track: %w", err)
	}

	if n.sess.State != Stable {
		return nil
	}
	if !n.offerer {
		n.log.Debug("track added; waiting for peer to renegotiate")
		return nil
	}
	return n.sendOfferLocked()
}

// Session returns a snapshot of the negotiation state.
func (n *Negotiator) Session() Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sess
}

// Offerer reports whether this side won the election. Meaningful once the
// session is past Joined.
func (n *Negotiator) Offerer() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.offerer
}

// Buffer exposes the candidate buffer for observability and tests.
func (n *Negotiator) Buffer() *CandidateBuffer {
	return n.buf
}

// Close ends the session: local tracks are stopped and the peer connection
// torn down. Terminal and idempotent; the Session is not resurrected.
func (n *Negotiator) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.sess.State = Closed
		n.mu.Unlock()

		if mediaErr := n.media.Close(); mediaErr != nil {
			err = mediaErr
		}
		if pcErr := n.pc.Close(); pcErr != nil && err == nil {
			err = pcErr
		}
		n.log.Info("negotiation session closed")
	})
	return err
}

func (n *Negotiator) drop(counter, reason string, env signal.Envelope) {
	n.log.Warn("dropping envelope", "reason", reason, "kind", env.Kind, "sender", env.Sender, "state", n.sess.State.String())
	if n.m != nil {
		n.m.Inc(counter)
	}
}
