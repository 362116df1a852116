package call

import (
	"sync"
	"time"
)

type State int

const (
	StateNone State = iota
	StateInitiating
	StateRinging
	StateActive
	StateEnded
	StateRejected
	StateMissed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateInitiating:
		return "initiating"
	case StateRinging:
		return "ringing"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateRejected:
		return "rejected"
	case StateMissed:
		return "missed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	switch s {
	case StateEnded, StateRejected, StateMissed, StateFailed:
		return true
	default:
		return false
	}
}

// legal transitions; every path is one-way and terminal states have no exits.
var transitions = map[State][]State{
	StateNone:       {StateInitiating},
	StateInitiating: {StateRinging, StateFailed},
	StateRinging:    {StateActive, StateRejected, StateMissed, StateFailed, StateEnded},
	StateActive:     {StateEnded, StateFailed},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is the in-memory state of one live call. Exactly one instance
// exists per active callUuid; it is destroyed on any terminal transition.
type Session struct {
	CallUUID              string
	CallID                int64
	InitiatorUserID       int64
	InitiatorConnectionID string
	TargetUserID          int64
	Video                 bool
	StartedAt             time.Time

	mu    sync.Mutex
	state State
	// targetConnectionID is empty until some device of the target accepts.
	// Once set it never changes for the life of the session.
	targetConnectionID string
	// pendingOfferFrom is the user id with an outstanding offer, used for
	// glare resolution. Zero when no offer is in flight.
	pendingOfferFrom int64
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves the session to next if the edge is legal.
func (s *Session) transition(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.state, next) {
		return false
	}
	s.state = next
	return true
}

// bindTarget records the accepting device and activates the call. It fails if
// the session is not ringing or a device already answered.
func (s *Session) bindTarget(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRinging || s.targetConnectionID != "" {
		return false
	}
	s.targetConnectionID = connID
	s.state = StateActive
	return true
}

func (s *Session) TargetConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetConnectionID
}

// participant reports whether userID is one of the two call parties.
func (s *Session) participant(userID int64) bool {
	return userID == s.InitiatorUserID || userID == s.TargetUserID
}

// peerConnection resolves the opposite side's connection id for signaling
// relay. The second return is false when the sender's connection is not bound
// to this session or the opposite side has not answered yet.
func (s *Session) peerConnection(senderConnID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch senderConnID {
	case s.InitiatorConnectionID:
		if s.targetConnectionID == "" {
			return "", false
		}
		return s.targetConnectionID, true
	case s.targetConnectionID:
		return s.InitiatorConnectionID, true
	default:
		return "", false
	}
}

// offerAllowed applies the glare tie-break: when both sides have an offer in
// flight, the numerically lower user id keeps its offer and the other side's
// is discarded.
func (s *Session) offerAllowed(fromUserID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingOfferFrom != 0 && s.pendingOfferFrom != fromUserID {
		if fromUserID > s.pendingOfferFrom {
			return false
		}
	}
	s.pendingOfferFrom = fromUserID
	return true
}

func (s *Session) clearPendingOffer() {
	s.mu.Lock()
	s.pendingOfferFrom = 0
	s.mu.Unlock()
}
