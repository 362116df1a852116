// Package wire defines the typed real-time RPC surface: client requests and
// server events exchanged over the signaling WebSocket. Every message is a
// tagged variant with a fixed, validated field set; unknown fields are
// rejected on both ends.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// Client → server methods.
const (
	MethodInitiateCall  = "call.initiate"
	MethodAcceptCall    = "call.accept"
	MethodRejectCall    = "call.reject"
	MethodEndCall       = "call.end"
	MethodCallOffer     = "call.offer"
	MethodCallAnswer    = "call.answer"
	MethodCallCandidate = "call.candidate"

	MethodJoinMeeting      = "meeting.join"
	MethodLeaveMeeting     = "meeting.leave"
	MethodMeetingOffer     = "meeting.offer"
	MethodMeetingAnswer    = "meeting.answer"
	MethodMeetingCandidate = "meeting.candidate"
	MethodApproveJoin      = "meeting.approve"
	MethodRejectJoin       = "meeting.reject"

	MethodJoinRoom      = "sfu.join"
	MethodLeaveRoom     = "sfu.leave"
	MethodRoomOffer     = "sfu.offer"
	MethodRoomCandidate = "sfu.candidate"
)

// Request is the envelope for every client → server message.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ParseRequest decodes a request envelope, rejecting unknown fields and
// trailing data.
func ParseRequest(data []byte) (Request, error) {
	var req Request
	if err := decodeStrict(data, &req); err != nil {
		return Request{}, err
	}
	if req.Method == "" {
		return Request{}, fmt.Errorf("missing method")
	}
	return req, nil
}

// DecodeParams unmarshals the request parameters into v with strict field
// checking.
func (r Request) DecodeParams(v any) error {
	params := r.Params
	if len(params) == 0 {
		params = []byte("{}")
	}
	if err := decodeStrict(params, v); err != nil {
		return fmt.Errorf("%s params: %w", r.Method, err)
	}
	return nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

// SDP mirrors a WebRTC session description on the wire.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{Type: desc.Type.String(), SDP: desc.SDP}
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

// Candidate mirrors a trickled ICE candidate on the wire.
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

type InitiateCallParams struct {
	TargetUserID int64  `json:"targetUserId"`
	CallType     string `json:"callType,omitempty"`
	Video        bool   `json:"isVideo"`
}

func (p InitiateCallParams) Validate() error {
	if p.TargetUserID <= 0 {
		return fmt.Errorf("targetUserId must be positive")
	}
	return nil
}

type CallRefParams struct {
	CallUUID string `json:"callUuid"`
	Reason   string `json:"reason,omitempty"`
}

func (p CallRefParams) Validate() error {
	if p.CallUUID == "" {
		return fmt.Errorf("missing callUuid")
	}
	return nil
}

type CallSignalParams struct {
	CallUUID  string     `json:"callUuid"`
	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

func (p CallSignalParams) Validate(needSDP bool) error {
	if p.CallUUID == "" {
		return fmt.Errorf("missing callUuid")
	}
	if needSDP && p.SDP == nil {
		return fmt.Errorf("missing sdp")
	}
	if !needSDP && p.Candidate == nil {
		return fmt.Errorf("missing candidate")
	}
	return nil
}

// MeetingCodeLen is the fixed length of meeting codes issued by the CRUD
// service.
const MeetingCodeLen = 10

type JoinMeetingParams struct {
	MeetingCode string `json:"meetingCode"`
}

func (p JoinMeetingParams) Validate() error {
	if len(p.MeetingCode) != MeetingCodeLen {
		return fmt.Errorf("meetingCode must be %d characters", MeetingCodeLen)
	}
	return nil
}

type MeetingSignalParams struct {
	MeetingCode        string     `json:"meetingCode"`
	TargetUserID       int64      `json:"targetUserId,omitempty"`
	TargetConnectionID string     `json:"targetConnectionId,omitempty"`
	SDP                *SDP       `json:"sdp,omitempty"`
	Candidate          *Candidate `json:"candidate,omitempty"`
}

func (p MeetingSignalParams) Validate() error {
	if len(p.MeetingCode) != MeetingCodeLen {
		return fmt.Errorf("meetingCode must be %d characters", MeetingCodeLen)
	}
	if p.TargetUserID <= 0 && p.TargetConnectionID == "" {
		return fmt.Errorf("missing signaling target")
	}
	return nil
}

type JoinRequestRefParams struct {
	RequestID string `json:"requestId"`
}

func (p JoinRequestRefParams) Validate() error {
	if p.RequestID == "" {
		return fmt.Errorf("missing requestId")
	}
	return nil
}

type JoinRoomParams struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName"`
}

func (p JoinRoomParams) Validate() error {
	if p.RoomID == "" {
		return fmt.Errorf("missing roomId")
	}
	return nil
}

type RoomSignalParams struct {
	RoomID    string     `json:"roomId"`
	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

func (p RoomSignalParams) Validate(needSDP bool) error {
	if p.RoomID == "" {
		return fmt.Errorf("missing roomId")
	}
	if needSDP && p.SDP == nil {
		return fmt.Errorf("missing sdp")
	}
	if !needSDP && p.Candidate == nil {
		return fmt.Errorf("missing candidate")
	}
	return nil
}
