package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// Kind identifies the sub-protocol message carried by an Envelope.
type Kind string

const (
	KindJoin      Kind = "join"
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"

	KindFriendRequest Kind = "friend-request"
	KindFriendAccept  Kind = "friend-accept"
	KindFriendDecline Kind = "friend-decline"

	KindAssistRequest Kind = "assist-request"
	KindAssistInput   Kind = "assist-input"
	KindAssistEnd     Kind = "assist-end"
)

// SDP is the wire form of a session description.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is the wire form of one trickled ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Envelope is one tagged message unit exchanged over the signaling channel.
//
// The relay broadcasts every envelope to all room members, including the
// sender; receivers drop their own echoes by comparing Sender with their
// local participant id. The set of kinds is closed: every consumer switches
// exhaustively and ignores kinds it does not recognize.
type Envelope struct {
	Kind   Kind   `json:"kind"`
	Sender string `json:"sender"`

	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	// Prompt is the human-readable request shown when opening assist mode.
	Prompt string `json:"prompt,omitempty"`
	// Text carries the entire composed text on every assist-input. The
	// relay is level-triggered: a late observer converges on the next
	// message, so diffs are never sent.
	Text string `json:"text,omitempty"`
}

// ParseEnvelope decodes and validates one envelope.
//
// Decoding is strict: unknown fields and trailing data are rejected so a
// malformed or truncated frame never half-applies.
func ParseEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate enforces the per-kind payload contract.
func (e Envelope) Validate() error {
	if e.Sender == "" {
		return fmt.Errorf("envelope missing sender")
	}
	switch e.Kind {
	case KindJoin:
		if e.SDP != nil || e.Candidate != nil || e.Prompt != "" || e.Text != "" {
			return fmt.Errorf("join envelope has unexpected fields")
		}
	case KindOffer:
		if e.SDP == nil {
			return fmt.Errorf("offer envelope missing sdp")
		}
		if e.SDP.Type != "offer" {
			return fmt.Errorf("offer envelope has sdp.type=%q", e.SDP.Type)
		}
		if e.Candidate != nil || e.Prompt != "" || e.Text != "" {
			return fmt.Errorf("offer envelope has unexpected fields")
		}
	case KindAnswer:
		if e.SDP == nil {
			return fmt.Errorf("answer envelope missing sdp")
		}
		if e.SDP.Type != "answer" {
			return fmt.Errorf("answer envelope has sdp.type=%q", e.SDP.Type)
		}
		if e.Candidate != nil || e.Prompt != "" || e.Text != "" {
			return fmt.Errorf("answer envelope has unexpected fields")
		}
	case KindCandidate:
		if e.Candidate == nil {
			return fmt.Errorf("candidate envelope missing candidate")
		}
		if e.SDP != nil || e.Prompt != "" || e.Text != "" {
			return fmt.Errorf("candidate envelope has unexpected fields")
		}
	case KindFriendRequest, KindFriendAccept, KindFriendDecline:
		if e.SDP != nil || e.Candidate != nil || e.Prompt != "" || e.Text != "" {
			return fmt.Errorf("%s envelope has unexpected fields", e.Kind)
		}
	case KindAssistRequest:
		if e.Prompt == "" {
			return fmt.Errorf("assist-request envelope missing prompt")
		}
		if e.SDP != nil || e.Candidate != nil || e.Text != "" {
			return fmt.Errorf("assist-request envelope has unexpected fields")
		}
	case KindAssistInput:
		// Text may legitimately be empty: clearing the composition is a
		// valid level-triggered update.
		if e.SDP != nil || e.Candidate != nil || e.Prompt != "" {
			return fmt.Errorf("assist-input envelope has unexpected fields")
		}
	case KindAssistEnd:
		if e.SDP != nil || e.Candidate != nil || e.Prompt != "" || e.Text != "" {
			return fmt.Errorf("assist-end envelope has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported envelope kind %q", e.Kind)
	}
	return nil
}
