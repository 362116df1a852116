package wire

import "encoding/json"

// Event is a server → client push. Each variant carries a stable name used as
// the envelope tag.
type Event interface {
	EventName() string
}

// Envelope is the outer frame for every server → client message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// EncodeEvent renders an event into its wire envelope.
func EncodeEvent(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: ev.EventName(), Data: data})
}

type CallInitiated struct {
	CallUUID string `json:"callUuid"`
	CallID   int64  `json:"callId"`
}

func (CallInitiated) EventName() string { return "CallInitiated" }

type IncomingCall struct {
	CallUUID     string `json:"callUuid"`
	CallerUserID int64  `json:"callerUserId"`
	Video        bool   `json:"isVideo"`
}

func (IncomingCall) EventName() string { return "IncomingCall" }

type CallAccepted struct {
	CallUUID string `json:"callUuid"`
}

func (CallAccepted) EventName() string { return "CallAccepted" }

// CallAnsweredElsewhere tells a device that another device of the same user
// picked up, so it should stop ringing.
type CallAnsweredElsewhere struct {
	CallUUID string `json:"callUuid"`
}

func (CallAnsweredElsewhere) EventName() string { return "CallAnsweredElsewhere" }

type CallRejected struct {
	CallUUID string `json:"callUuid"`
	Reason   string `json:"reason,omitempty"`
}

func (CallRejected) EventName() string { return "CallRejected" }

type CallEnded struct {
	CallUUID        string `json:"callUuid"`
	DurationSeconds int64  `json:"durationSeconds"`
}

func (CallEnded) EventName() string { return "CallEnded" }

type CallFailed struct {
	CallUUID string `json:"callUuid,omitempty"`
	Reason   string `json:"reason"`
}

func (CallFailed) EventName() string { return "CallFailed" }

// ReceiveOffer/ReceiveAnswer/ReceiveIceCandidate are shared by the call,
// meeting and forwarding-unit surfaces; exactly one of CallUUID, MeetingCode
// or RoomID is set.
type ReceiveOffer struct {
	CallUUID         string `json:"callUuid,omitempty"`
	MeetingCode      string `json:"meetingCode,omitempty"`
	RoomID           string `json:"roomId,omitempty"`
	FromUserID       int64  `json:"fromUserId"`
	FromConnectionID string `json:"fromConnectionId,omitempty"`
	SDP              SDP    `json:"sdp"`
}

func (ReceiveOffer) EventName() string { return "ReceiveOffer" }

type ReceiveAnswer struct {
	CallUUID         string `json:"callUuid,omitempty"`
	MeetingCode      string `json:"meetingCode,omitempty"`
	RoomID           string `json:"roomId,omitempty"`
	FromUserID       int64  `json:"fromUserId"`
	FromConnectionID string `json:"fromConnectionId,omitempty"`
	SDP              SDP    `json:"sdp"`
}

func (ReceiveAnswer) EventName() string { return "ReceiveAnswer" }

type ReceiveIceCandidate struct {
	CallUUID         string    `json:"callUuid,omitempty"`
	MeetingCode      string    `json:"meetingCode,omitempty"`
	RoomID           string    `json:"roomId,omitempty"`
	FromUserID       int64     `json:"fromUserId"`
	FromConnectionID string    `json:"fromConnectionId,omitempty"`
	Candidate        Candidate `json:"candidate"`
}

func (ReceiveIceCandidate) EventName() string { return "ReceiveIceCandidate" }

// MeetingParticipant is the join-response view of another participant: one
// representative connection per user, which the joiner uses to address its
// mesh offers.
type MeetingParticipant struct {
	UserID       int64  `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

type MeetingJoined struct {
	MeetingCode      string               `json:"meetingCode"`
	Success          bool                 `json:"success"`
	RequiresApproval bool                 `json:"requiresApproval"`
	Participants     []MeetingParticipant `json:"currentParticipants,omitempty"`
}

func (MeetingJoined) EventName() string { return "MeetingJoined" }

type ParticipantJoined struct {
	MeetingCode  string `json:"meetingCode"`
	UserID       int64  `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

func (ParticipantJoined) EventName() string { return "ParticipantJoined" }

type ParticipantLeft struct {
	MeetingCode string `json:"meetingCode"`
	UserID      int64  `json:"userId"`
}

func (ParticipantLeft) EventName() string { return "ParticipantLeft" }

type JoinRequestReceived struct {
	MeetingCode string `json:"meetingCode"`
	RequestID   string `json:"requestId"`
	UserID      int64  `json:"userId"`
}

func (JoinRequestReceived) EventName() string { return "JoinRequestReceived" }

type JoinRequestApproved struct {
	MeetingCode string `json:"meetingCode"`
	RequestID   string `json:"requestId"`
}

func (JoinRequestApproved) EventName() string { return "JoinRequestApproved" }

type JoinRequestRejected struct {
	MeetingCode string `json:"meetingCode"`
	RequestID   string `json:"requestId"`
}

func (JoinRequestRejected) EventName() string { return "JoinRequestRejected" }

type PeerInfo struct {
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
}

type RoomJoined struct {
	RoomID string     `json:"roomId"`
	Peers  []PeerInfo `json:"peers"`
}

func (RoomJoined) EventName() string { return "RoomJoined" }

type PeerJoined struct {
	RoomID       string `json:"roomId"`
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
}

func (PeerJoined) EventName() string { return "PeerJoined" }

type PeerLeft struct {
	RoomID       string `json:"roomId"`
	ConnectionID string `json:"connectionId"`
}

func (PeerLeft) EventName() string { return "PeerLeft" }

// ErrorEvent surfaces a request failure to the caller.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (ErrorEvent) EventName() string { return "Error" }
