package negotiate

// State is the Negotiator's lifecycle position.
//
// The machine only moves forward: Idle -> AwaitingLocalMedia -> Joined ->
// Offering|Answering -> Stable -> Closed, with Stable -> Offering allowed
// for renegotiation on the elected offerer. Closed is terminal.
type State int

const (
	Idle State = iota
	AwaitingLocalMedia
	Joined
	Offering
	Answering
	Stable
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingLocalMedia:
		return "awaiting_local_media"
	case Joined:
		return "joined"
	case Offering:
		return "offering"
	case Answering:
		return "answering"
	case Stable:
		return "stable"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is a snapshot of one call's negotiation state. Exactly one
// Session exists per active call; it is owned by the Negotiator and
// discarded when the room is left.
type Session struct {
	RoomID   string
	LocalID  string
	RemoteID string

	State State

	LocalDescriptionSet  bool
	RemoteDescriptionSet bool
}
