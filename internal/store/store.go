// Package store defines the persistence boundary consumed by the
// coordinators. The server only needs create/read/update access to call,
// meeting and credential-cache rows; accounts, contacts and chat history live
// behind other services.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: not found")

type CallStatus string

const (
	CallInitiating CallStatus = "initiating"
	CallRinging    CallStatus = "ringing"
	CallActive     CallStatus = "active"
	CallEnded      CallStatus = "ended"
	CallRejected   CallStatus = "rejected"
	CallMissed     CallStatus = "missed"
	CallFailed     CallStatus = "failed"
)

type ParticipantStatus string

const (
	ParticipantJoined  ParticipantStatus = "joined"
	ParticipantRinging ParticipantStatus = "ringing"
	ParticipantLeft    ParticipantStatus = "left"
)

type JoinRequestStatus string

const (
	JoinRequestPending  JoinRequestStatus = "pending"
	JoinRequestApproved JoinRequestStatus = "approved"
	JoinRequestRejected JoinRequestStatus = "rejected"
)

// Call is the persisted record of a one-to-one call. UUID is the in-memory
// session key; ID is assigned by the store on create.
type Call struct {
	ID          int64
	UUID        string
	InitiatorID int64
	TargetID    int64
	Video       bool
	Status      CallStatus
	StartedAt   time.Time
	EndedAt     *time.Time
	// DurationSeconds is derived from StartedAt/EndedAt when both exist.
	DurationSeconds int64
}

type CallParticipant struct {
	CallID     int64
	UserID     int64
	Status     ParticipantStatus
	JoinedAt   *time.Time
	DeviceName string
}

type Meeting struct {
	ID              int64
	Code            string
	HostID          int64
	Private         bool
	MaxParticipants int
	Active          bool
}

// JoinRequest tracks the approval workflow for private meetings. At most one
// pending request exists per (meeting, user); reconnects update ConnectionID
// in place.
type JoinRequest struct {
	ID           string
	MeetingID    int64
	UserID       int64
	ConnectionID string
	Status       JoinRequestStatus
	RespondedAt  *time.Time
}

// CredentialRow caches relay credentials sourced from an external provider.
type CredentialRow struct {
	UserID     int64
	Username   string
	Credential string
	URLs       []string
	ExpiresAt  time.Time
}

type CallStore interface {
	CreateCall(ctx context.Context, call *Call) error
	GetCall(ctx context.Context, id int64) (*Call, error)
	UpdateCall(ctx context.Context, call *Call) error
	AddParticipant(ctx context.Context, p *CallParticipant) error
	UpdateParticipant(ctx context.Context, p *CallParticipant) error
}

type MeetingStore interface {
	GetMeetingByCode(ctx context.Context, code string) (*Meeting, error)
	GetMeeting(ctx context.Context, id int64) (*Meeting, error)
	CreateJoinRequest(ctx context.Context, req *JoinRequest) error
	GetJoinRequest(ctx context.Context, id string) (*JoinRequest, error)
	// FindJoinRequest returns the most recent request for (meetingID, userID),
	// or ErrNotFound.
	FindJoinRequest(ctx context.Context, meetingID, userID int64) (*JoinRequest, error)
	UpdateJoinRequest(ctx context.Context, req *JoinRequest) error
}

type CredentialCache interface {
	GetCredential(ctx context.Context, userID int64) (*CredentialRow, error)
	PutCredential(ctx context.Context, row *CredentialRow) error
}
