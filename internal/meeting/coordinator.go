// Package meeting implements the multi-party room coordinator: membership,
// the private-room join-approval workflow, and mesh signaling fan-out.
package meeting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crosstalk-io/crosstalk/internal/metrics"
	"github.com/crosstalk-io/crosstalk/internal/presence"
	"github.com/crosstalk-io/crosstalk/internal/rtcerr"
	"github.com/crosstalk-io/crosstalk/internal/store"
	"github.com/crosstalk-io/crosstalk/internal/wire"
)

// room is the live membership of one meeting: userID to the set of that
// user's connection ids. Created on first join, destroyed when empty.
type room struct {
	code            string
	meetingID       int64
	hostID          int64
	private         bool
	maxParticipants int

	mu      sync.Mutex
	members map[int64]map[string]struct{}
	// gone marks a room deleted from the coordinator map while a concurrent
	// joiner may still hold a stale pointer; such joiners retry the lookup.
	gone bool
}

func (r *room) memberConn(connID string, userID int64) bool {
	conns, ok := r.members[userID]
	if !ok {
		return false
	}
	_, ok = conns[connID]
	return ok
}

// JoinResult is what JoinMeeting reports back to the joining connection.
type JoinResult struct {
	RequiresApproval bool
	Participants     []wire.MeetingParticipant
}

type Coordinator struct {
	log      *slog.Logger
	registry *presence.Registry
	meetings store.MeetingStore
	metrics  *metrics.Metrics
	now      func() time.Time
	newUUID  func() string

	defaultCapacity int

	mu    sync.RWMutex
	rooms map[string]*room
}

type Config struct {
	Logger   *slog.Logger
	Registry *presence.Registry
	Meetings store.MeetingStore
	Metrics  *metrics.Metrics
	Now      func() time.Time

	// DefaultCapacity caps rooms whose meeting row does not set its own
	// MaxParticipants. Zero means unlimited.
	DefaultCapacity int
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		log:             cfg.Logger,
		registry:        cfg.Registry,
		meetings:        cfg.Meetings,
		metrics:         cfg.Metrics,
		now:             cfg.Now,
		newUUID:         uuid.NewString,
		defaultCapacity: cfg.DefaultCapacity,
		rooms:           make(map[string]*room),
	}
}

func (c *Coordinator) lookupRoom(code string) (*room, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rooms[code]
	return r, ok
}

// JoinMeeting admits the connection into the meeting's room, or routes it
// through the approval workflow for private meetings. Approval does not add
// the participant by itself; the client retries JoinMeeting after approval.
func (c *Coordinator) JoinMeeting(ctx context.Context, conn presence.Conn, params wire.JoinMeetingParams) (*JoinResult, error) {
	if err := params.Validate(); err != nil {
		return nil, rtcerr.Validationf("%v", err)
	}
	meeting, err := c.meetings.GetMeetingByCode(ctx, params.MeetingCode)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, rtcerr.NotFoundf("unknown meeting %s", params.MeetingCode)
		}
		return nil, fmt.Errorf("load meeting: %w", err)
	}
	if !meeting.Active {
		return nil, rtcerr.NotFoundf("meeting %s has ended", params.MeetingCode)
	}

	if meeting.Private && conn.UserID() != meeting.HostID {
		approved, err := c.checkApproval(ctx, meeting, conn)
		if err != nil {
			return nil, err
		}
		if !approved {
			c.metrics.Inc(metrics.MeetingJoinsPending)
			return &JoinResult{RequiresApproval: true}, nil
		}
	}

	r, others, snapshot, err := c.addMember(meeting, conn)
	if err != nil {
		return nil, err
	}

	c.metrics.Inc(metrics.MeetingJoins)
	c.log.Info("meeting joined",
		"meeting_code", meeting.Code,
		"user", conn.UserID(),
		"conn", conn.ID(),
	)

	joined := wire.ParticipantJoined{MeetingCode: r.code, UserID: conn.UserID(), ConnectionID: conn.ID()}
	for _, connID := range others {
		if dest, ok := c.registry.Lookup(connID); ok {
			c.send(dest, joined)
		}
	}
	return &JoinResult{Participants: snapshot}, nil
}

// checkApproval runs the join-request workflow for a non-host joining a
// private meeting. It reports true when an approved request lets the caller
// fall through to the normal join path.
func (c *Coordinator) checkApproval(ctx context.Context, meeting *store.Meeting, conn presence.Conn) (bool, error) {
	req, err := c.meetings.FindJoinRequest(ctx, meeting.ID, conn.UserID())
	switch {
	case errors.Is(err, store.ErrNotFound):
		req = &store.JoinRequest{
			ID:           c.newUUID(),
			MeetingID:    meeting.ID,
			UserID:       conn.UserID(),
			ConnectionID: conn.ID(),
			Status:       store.JoinRequestPending,
		}
		if err := c.meetings.CreateJoinRequest(ctx, req); err != nil {
			return false, fmt.Errorf("persist join request: %w", err)
		}
	case err != nil:
		return false, fmt.Errorf("load join request: %w", err)
	}

	switch req.Status {
	case store.JoinRequestApproved:
		return true, nil
	case store.JoinRequestRejected:
		return false, rtcerr.Forbiddenf("join request for meeting %s was rejected", meeting.Code)
	}

	// Pending: refresh the stored connection id so the eventual decision
	// reaches the device the user is on now.
	if req.ConnectionID != conn.ID() {
		req.ConnectionID = conn.ID()
		if err := c.meetings.UpdateJoinRequest(ctx, req); err != nil {
			c.log.Error("update join request", "request_id", req.ID, "err", err)
		}
	}

	notify := wire.JoinRequestReceived{MeetingCode: meeting.Code, RequestID: req.ID, UserID: conn.UserID()}
	hostConns := c.registry.Connections(meeting.HostID)
	for _, hostConn := range hostConns {
		c.send(hostConn, notify)
	}
	if len(hostConns) == 0 {
		c.log.Warn("join request with no host online", "meeting_code", meeting.Code, "request_id", req.ID)
	}
	return false, nil
}

// addMember inserts the connection into the room, creating the room if
// absent. It returns the room, every other member connection id (for the
// ParticipantJoined fan-out), and a participant snapshot with one
// representative connection per other user.
func (c *Coordinator) addMember(meeting *store.Meeting, conn presence.Conn) (*room, []string, []wire.MeetingParticipant, error) {
	for {
		c.mu.Lock()
		r, ok := c.rooms[meeting.Code]
		if !ok {
			capacity := meeting.MaxParticipants
			if capacity == 0 {
				capacity = c.defaultCapacity
			}
			r = &room{
				code:            meeting.Code,
				meetingID:       meeting.ID,
				hostID:          meeting.HostID,
				private:         meeting.Private,
				maxParticipants: capacity,
				members:         make(map[int64]map[string]struct{}),
			}
			c.rooms[meeting.Code] = r
		}
		c.mu.Unlock()

		r.mu.Lock()
		if r.gone {
			r.mu.Unlock()
			continue
		}

		_, alreadyIn := r.members[conn.UserID()]
		if !alreadyIn && conn.UserID() != r.hostID &&
			r.maxParticipants > 0 && len(r.members) >= r.maxParticipants {
			r.mu.Unlock()
			return nil, nil, nil, rtcerr.Forbiddenf("meeting %s is full", r.code)
		}

		var others []string
		var snapshot []wire.MeetingParticipant
		for userID, conns := range r.members {
			first := true
			for connID := range conns {
				if connID == conn.ID() {
					continue
				}
				others = append(others, connID)
				if userID != conn.UserID() && first {
					snapshot = append(snapshot, wire.MeetingParticipant{UserID: userID, ConnectionID: connID})
					first = false
				}
			}
		}

		if !alreadyIn {
			r.members[conn.UserID()] = make(map[string]struct{})
		}
		r.members[conn.UserID()][conn.ID()] = struct{}{}
		r.mu.Unlock()
		return r, others, snapshot, nil
	}
}

// LeaveMeeting removes the connection from the room. The last connection of a
// user broadcasts ParticipantLeft; the last user deletes the room.
func (c *Coordinator) LeaveMeeting(ctx context.Context, conn presence.Conn, meetingCode string) error {
	r, ok := c.lookupRoom(meetingCode)
	if !ok {
		return rtcerr.NotFoundf("no live room for meeting %s", meetingCode)
	}
	if !c.removeMember(r, conn) {
		return rtcerr.NotFoundf("connection %s is not in meeting %s", conn.ID(), meetingCode)
	}
	return nil
}

// removeMember takes the connection out of the room and reports whether it
// was a member. Emptied user entries broadcast ParticipantLeft to the rest of
// the room; an emptied room is deleted atomically.
func (c *Coordinator) removeMember(r *room, conn presence.Conn) bool {
	r.mu.Lock()
	conns, ok := r.members[conn.UserID()]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, ok := conns[conn.ID()]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(conns, conn.ID())

	userGone := len(conns) == 0
	var remaining []string
	if userGone {
		delete(r.members, conn.UserID())
		for _, otherConns := range r.members {
			for connID := range otherConns {
				remaining = append(remaining, connID)
			}
		}
		if len(r.members) == 0 {
			r.gone = true
		}
	}
	roomGone := r.gone
	r.mu.Unlock()

	if roomGone {
		c.mu.Lock()
		if c.rooms[r.code] == r {
			delete(c.rooms, r.code)
		}
		c.mu.Unlock()
		c.log.Info("meeting room closed", "meeting_code", r.code)
	}

	if userGone {
		left := wire.ParticipantLeft{MeetingCode: r.code, UserID: conn.UserID()}
		for _, connID := range remaining {
			if dest, ok := c.registry.Lookup(connID); ok {
				c.send(dest, left)
			}
		}
	}
	c.log.Info("meeting left", "meeting_code", r.code, "user", conn.UserID(), "conn", conn.ID())
	return true
}

// SendOffer fans an SDP offer out to every connection of the target user in
// the room. The joiner offers to each existing participant it learned about
// from the join snapshot, so the mesh forms one edge at a time.
func (c *Coordinator) SendOffer(conn presence.Conn, params wire.MeetingSignalParams) error {
	if err := params.Validate(); err != nil {
		return rtcerr.Validationf("%v", err)
	}
	if params.SDP == nil {
		return rtcerr.Validationf("missing sdp")
	}
	if params.TargetUserID <= 0 {
		return rtcerr.Validationf("offer requires targetUserId")
	}
	r, ok := c.lookupRoom(params.MeetingCode)
	if !ok {
		return rtcerr.NotFoundf("no live room for meeting %s", params.MeetingCode)
	}

	r.mu.Lock()
	if !r.memberConn(conn.ID(), conn.UserID()) {
		r.mu.Unlock()
		return rtcerr.Validationf("sender is not in meeting %s", params.MeetingCode)
	}
	targetConns := make([]string, 0, len(r.members[params.TargetUserID]))
	for connID := range r.members[params.TargetUserID] {
		targetConns = append(targetConns, connID)
	}
	r.mu.Unlock()

	if len(targetConns) == 0 {
		c.metrics.Inc(metrics.SignalsDroppedNoDest)
		c.log.Warn("meeting offer dropped: target not in room",
			"meeting_code", params.MeetingCode, "target", params.TargetUserID)
		return nil
	}

	ev := wire.ReceiveOffer{
		MeetingCode:      params.MeetingCode,
		FromUserID:       conn.UserID(),
		FromConnectionID: conn.ID(),
		SDP:              *params.SDP,
	}
	for _, connID := range targetConns {
		if dest, ok := c.registry.Lookup(connID); ok {
			c.metrics.Inc(metrics.SignalsRelayedMeeting)
			c.send(dest, ev)
		}
	}
	return nil
}

// SendAnswer delivers an SDP answer to one specific connection: the device
// whose offer is being answered.
func (c *Coordinator) SendAnswer(conn presence.Conn, params wire.MeetingSignalParams) error {
	if err := params.Validate(); err != nil {
		return rtcerr.Validationf("%v", err)
	}
	if params.SDP == nil {
		return rtcerr.Validationf("missing sdp")
	}
	return c.relayToConnection(conn, params, wire.ReceiveAnswer{
		MeetingCode:      params.MeetingCode,
		FromUserID:       conn.UserID(),
		FromConnectionID: conn.ID(),
		SDP:              *params.SDP,
	})
}

// SendIceCandidate delivers a trickled candidate to one specific connection.
func (c *Coordinator) SendIceCandidate(conn presence.Conn, params wire.MeetingSignalParams) error {
	if err := params.Validate(); err != nil {
		return rtcerr.Validationf("%v", err)
	}
	if params.Candidate == nil {
		return rtcerr.Validationf("missing candidate")
	}
	return c.relayToConnection(conn, params, wire.ReceiveIceCandidate{
		MeetingCode:      params.MeetingCode,
		FromUserID:       conn.UserID(),
		FromConnectionID: conn.ID(),
		Candidate:        *params.Candidate,
	})
}

func (c *Coordinator) relayToConnection(conn presence.Conn, params wire.MeetingSignalParams, ev wire.Event) error {
	if params.TargetConnectionID == "" {
		return rtcerr.Validationf("%s requires targetConnectionId", ev.EventName())
	}
	r, ok := c.lookupRoom(params.MeetingCode)
	if !ok {
		return rtcerr.NotFoundf("no live room for meeting %s", params.MeetingCode)
	}

	r.mu.Lock()
	sender := r.memberConn(conn.ID(), conn.UserID())
	var targetIn bool
	for _, conns := range r.members {
		if _, ok := conns[params.TargetConnectionID]; ok {
			targetIn = true
			break
		}
	}
	r.mu.Unlock()

	if !sender {
		return rtcerr.Validationf("sender is not in meeting %s", params.MeetingCode)
	}
	if !targetIn {
		c.metrics.Inc(metrics.SignalsDroppedNoDest)
		c.log.Warn("meeting signal dropped: target connection not in room",
			"meeting_code", params.MeetingCode, "target_conn", params.TargetConnectionID, "event", ev.EventName())
		return nil
	}
	dest, ok := c.registry.Lookup(params.TargetConnectionID)
	if !ok {
		c.metrics.Inc(metrics.SignalsDroppedNoDest)
		return nil
	}
	c.metrics.Inc(metrics.SignalsRelayedMeeting)
	c.send(dest, ev)
	return nil
}

// ApproveJoinRequest marks a pending request approved and notifies the
// requester's last-known connection. The requester still has to call
// JoinMeeting again to actually enter.
func (c *Coordinator) ApproveJoinRequest(ctx context.Context, conn presence.Conn, requestID string) error {
	return c.decideJoinRequest(ctx, conn, requestID, store.JoinRequestApproved)
}

// RejectJoinRequest marks a pending request rejected and notifies the
// requester.
func (c *Coordinator) RejectJoinRequest(ctx context.Context, conn presence.Conn, requestID string) error {
	return c.decideJoinRequest(ctx, conn, requestID, store.JoinRequestRejected)
}

func (c *Coordinator) decideJoinRequest(ctx context.Context, conn presence.Conn, requestID string, decision store.JoinRequestStatus) error {
	req, err := c.meetings.GetJoinRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return rtcerr.NotFoundf("unknown join request %s", requestID)
		}
		return fmt.Errorf("load join request: %w", err)
	}
	meeting, err := c.meetings.GetMeeting(ctx, req.MeetingID)
	if err != nil {
		return fmt.Errorf("load meeting %d: %w", req.MeetingID, err)
	}
	if conn.UserID() != meeting.HostID {
		return rtcerr.Forbiddenf("only the host may decide join requests for meeting %s", meeting.Code)
	}
	if req.Status != store.JoinRequestPending {
		return rtcerr.StateConflictf("join request %s already %s", requestID, req.Status)
	}

	now := c.now()
	req.Status = decision
	req.RespondedAt = &now
	if err := c.meetings.UpdateJoinRequest(ctx, req); err != nil {
		return fmt.Errorf("persist join request decision: %w", err)
	}

	c.log.Info("join request decided",
		"meeting_code", meeting.Code,
		"request_id", requestID,
		"decision", string(decision),
	)

	var ev wire.Event
	if decision == store.JoinRequestApproved {
		ev = wire.JoinRequestApproved{MeetingCode: meeting.Code, RequestID: requestID}
	} else {
		ev = wire.JoinRequestRejected{MeetingCode: meeting.Code, RequestID: requestID}
	}
	if dest, ok := c.registry.Lookup(req.ConnectionID); ok {
		c.send(dest, ev)
	} else {
		c.log.Warn("requester connection gone at decision", "request_id", requestID, "conn", req.ConnectionID)
	}
	return nil
}

// HandleDisconnect removes the connection from every room it is in.
func (c *Coordinator) HandleDisconnect(ctx context.Context, conn presence.Conn) {
	c.mu.RLock()
	rooms := make([]*room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.RUnlock()

	for _, r := range rooms {
		c.removeMember(r, conn)
	}
}

// Participants returns the live member snapshot of a room, one entry per
// connection. Empty when the room does not exist.
func (c *Coordinator) Participants(meetingCode string) []wire.MeetingParticipant {
	r, ok := c.lookupRoom(meetingCode)
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []wire.MeetingParticipant
	for userID, conns := range r.members {
		for connID := range conns {
			out = append(out, wire.MeetingParticipant{UserID: userID, ConnectionID: connID})
		}
	}
	return out
}

// ActiveRooms reports the number of live rooms.
func (c *Coordinator) ActiveRooms() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rooms)
}

func (c *Coordinator) send(conn presence.Conn, ev wire.Event) {
	if err := conn.Send(ev); err != nil {
		c.log.Warn("event delivery failed", "conn", conn.ID(), "event", ev.EventName(), "err", err)
	}
}
