// Package call implements the one-to-one call coordinator: the per-call state
// machine, signaling relay, and multi-device ring/answer handling.
package call

import (
	"context"
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

// Coordinator routes call lifecycle operations and signaling. It is a shared
// singleton collaborator; per-connection transport adapters call into it and
// never hold state of their own.
type Coordinator struct {
	log      *slog.Logger
	registry *presence.Registry
	calls    store.CallStore
	metrics  *metrics.Metrics
	now      func() time.Time
	newUUID  func() string

	mu       sync.RWMutex
	sessions map[string]*Session
}

type Config struct {
	Logger   *slog.Logger
	Registry *presence.Registry
	Calls    store.CallStore
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		log:      cfg.Logger,
		registry: cfg.Registry,
		calls:    cfg.Calls,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		newUUID:  uuid.NewString,
		sessions: make(map[string]*Session),
	}
}

func (c *Coordinator) session(callUUID string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sess, ok := c.sessions[callUUID]
	return sess, ok
}

func (c *Coordinator) removeSession(callUUID string) {
	c.mu.Lock()
	delete(c.sessions, callUUID)
	c.mu.Unlock()
}

// InitiateCall starts a call toward every live device of the target user.
func (c *Coordinator) InitiateCall(ctx context.Context, caller presence.Conn, params wire.InitiateCallParams) (string, error) {
	if err := params.Validate(); err != nil {
		return "", rtcerr.Validationf("%v", err)
	}
	if caller.UserID() == params.TargetUserID {
		return "", rtcerr.Validationf("cannot call yourself")
	}

	targetConns := c.registry.Connections(params.TargetUserID)
	if len(targetConns) == 0 {
		c.metrics.Inc(metrics.CallsFailed)
		return "", rtcerr.Offlinef("user %d has no live connections", params.TargetUserID)
	}

	now := c.now()
	callRow := &store.Call{
		UUID:        c.newUUID(),
		InitiatorID: caller.UserID(),
		TargetID:    params.TargetUserID,
		Video:       params.Video,
		Status:      store.CallRinging,
		StartedAt:   now,
	}
	if err := c.calls.CreateCall(ctx, callRow); err != nil {
		return "", fmt.Errorf("persist call: %w", err)
	}
	joined := now
	if err := c.calls.AddParticipant(ctx, &store.CallParticipant{
		CallID: callRow.ID, UserID: caller.UserID(), Status: store.ParticipantJoined, JoinedAt: &joined,
	}); err != nil {
		return "", fmt.Errorf("persist initiator participant: %w", err)
	}
	if err := c.calls.AddParticipant(ctx, &store.CallParticipant{
		CallID: callRow.ID, UserID: params.TargetUserID, Status: store.ParticipantRinging,
	}); err != nil {
		return "", fmt.Errorf("persist target participant: %w", err)
	}

	sess := &Session{
		CallUUID:              callRow.UUID,
		CallID:                callRow.ID,
		InitiatorUserID:       caller.UserID(),
		InitiatorConnectionID: caller.ID(),
		TargetUserID:          params.TargetUserID,
		Video:                 params.Video,
		StartedAt:             now,
		state:                 StateRinging,
	}
	c.mu.Lock()
	c.sessions[sess.CallUUID] = sess
	c.mu.Unlock()

	c.metrics.Inc(metrics.CallsInitiated)
	c.log.Info("call initiated",
		"call_uuid", sess.CallUUID,
		"initiator", caller.UserID(),
		"target", params.TargetUserID,
		"target_devices", len(targetConns),
		"video", params.Video,
	)

	c.send(caller, wire.CallInitiated{CallUUID: sess.CallUUID, CallID: sess.CallID})
	for _, conn := range targetConns {
		c.send(conn, wire.IncomingCall{CallUUID: sess.CallUUID, CallerUserID: caller.UserID(), Video: params.Video})
	}
	return sess.CallUUID, nil
}

// AcceptCall binds the accepting device as the call's target connection. The
// first device to accept wins; every other device of the same user is told to
// stop ringing and receives no further signaling for this call.
func (c *Coordinator) AcceptCall(ctx context.Context, conn presence.Conn, callUUID string) error {
	sess, ok := c.session(callUUID)
	if !ok {
		return rtcerr.NotFoundf("unknown call %s", callUUID)
	}
	if conn.UserID() != sess.TargetUserID {
		return rtcerr.Validationf("user %d is not the callee of call %s", conn.UserID(), callUUID)
	}
	if !sess.bindTarget(conn.ID()) {
		return rtcerr.StateConflictf("call %s not ringing (state %s)", callUUID, sess.State())
	}

	now := c.now()
	if row, err := c.calls.GetCall(ctx, sess.CallID); err == nil {
		row.Status = store.CallActive
		if err := c.calls.UpdateCall(ctx, row); err != nil {
			c.log.Error("update call row", "call_uuid", callUUID, "err", err)
		}
	}
	deviceName := ""
	if device, ok := c.registry.Device(conn.ID()); ok {
		deviceName = device.DeviceName
	}
	if err := c.calls.UpdateParticipant(ctx, &store.CallParticipant{
		CallID: sess.CallID, UserID: conn.UserID(), Status: store.ParticipantJoined, JoinedAt: &now, DeviceName: deviceName,
	}); err != nil {
		c.log.Error("update participant row", "call_uuid", callUUID, "err", err)
	}

	c.metrics.Inc(metrics.CallsAccepted)

	if initiator, ok := c.registry.Lookup(sess.InitiatorConnectionID); ok {
		c.send(initiator, wire.CallAccepted{CallUUID: callUUID})
	} else {
		c.log.Warn("initiator connection gone at accept", "call_uuid", callUUID)
	}
	for _, other := range c.registry.Connections(sess.TargetUserID) {
		if other.ID() == conn.ID() {
			continue
		}
		c.send(other, wire.CallAnsweredElsewhere{CallUUID: callUUID})
	}
	return nil
}

// RejectCall terminates a ringing call from the callee side.
func (c *Coordinator) RejectCall(ctx context.Context, conn presence.Conn, callUUID, reason string) error {
	sess, ok := c.session(callUUID)
	if !ok {
		return rtcerr.NotFoundf("unknown call %s", callUUID)
	}
	if !sess.participant(conn.UserID()) {
		return rtcerr.Validationf("user %d is not a participant of call %s", conn.UserID(), callUUID)
	}
	if !sess.transition(StateRejected) {
		return rtcerr.StateConflictf("call %s cannot be rejected (state %s)", callUUID, sess.State())
	}

	c.finishCall(ctx, sess, store.CallRejected)
	c.removeSession(callUUID)

	c.notifyBothSides(sess, wire.CallRejected{CallUUID: callUUID, Reason: reason})
	c.log.Info("call rejected", "call_uuid", callUUID, "by", conn.UserID())
	return nil
}

// EndCall terminates a call. Ending a still-ringing call records it as
// missed; ending an active call records the duration.
func (c *Coordinator) EndCall(ctx context.Context, conn presence.Conn, callUUID string) error {
	sess, ok := c.session(callUUID)
	if !ok {
		return rtcerr.NotFoundf("unknown call %s", callUUID)
	}
	if !sess.participant(conn.UserID()) {
		return rtcerr.Validationf("user %d is not a participant of call %s", conn.UserID(), callUUID)
	}

	wasRinging := sess.State() == StateRinging
	final := StateEnded
	status := store.CallEnded
	if wasRinging {
		final = StateMissed
		status = store.CallMissed
	}
	if !sess.transition(final) {
		return rtcerr.StateConflictf("call %s cannot end (state %s)", callUUID, sess.State())
	}

	duration := c.finishCall(ctx, sess, status)
	c.removeSession(callUUID)

	c.notifyBothSides(sess, wire.CallEnded{CallUUID: callUUID, DurationSeconds: duration})
	c.log.Info("call ended", "call_uuid", callUUID, "by", conn.UserID(), "status", string(status), "duration_s", duration)
	return nil
}

// finishCall persists the terminal status and returns the call duration in
// seconds (zero unless the call was answered).
func (c *Coordinator) finishCall(ctx context.Context, sess *Session, status store.CallStatus) int64 {
	ended := c.now()
	var duration int64
	if status == store.CallEnded {
		duration = int64(ended.Sub(sess.StartedAt) / time.Second)
	}

	row, err := c.calls.GetCall(ctx, sess.CallID)
	if err != nil {
		c.log.Error("load call row", "call_uuid", sess.CallUUID, "err", err)
		return duration
	}
	row.Status = status
	row.EndedAt = &ended
	row.DurationSeconds = duration
	if err := c.calls.UpdateCall(ctx, row); err != nil {
		c.log.Error("update call row", "call_uuid", sess.CallUUID, "err", err)
	}
	return duration
}

// notifyBothSides delivers a terminal event using only the session's address
// routing: the initiator's bound connection and the target's bound connection
// when answered, or every still-ringing target device otherwise.
func (c *Coordinator) notifyBothSides(sess *Session, ev wire.Event) {
	if conn, ok := c.registry.Lookup(sess.InitiatorConnectionID); ok {
		c.send(conn, ev)
	}
	if targetConn := sess.TargetConnectionID(); targetConn != "" {
		if conn, ok := c.registry.Lookup(targetConn); ok {
			c.send(conn, ev)
		}
		return
	}
	for _, conn := range c.registry.Connections(sess.TargetUserID) {
		c.send(conn, ev)
	}
}

// SendOffer relays an SDP offer to the opposite side's single connection.
func (c *Coordinator) SendOffer(conn presence.Conn, params wire.CallSignalParams) error {
	if err := params.Validate(true); err != nil {
		return rtcerr.Validationf("%v", err)
	}
	sess, ok := c.session(params.CallUUID)
	if !ok {
		return rtcerr.NotFoundf("unknown call %s", params.CallUUID)
	}
	if !sess.offerAllowed(conn.UserID()) {
		// Glare: the lower user id keeps its offer; this side's is discarded
		// and it will answer the incoming one instead.
		c.log.Warn("offer discarded by glare tie-break", "call_uuid", params.CallUUID, "from", conn.UserID())
		return nil
	}
	return c.relay(sess, conn, wire.ReceiveOffer{CallUUID: sess.CallUUID, FromUserID: conn.UserID(), SDP: *params.SDP})
}

// SendAnswer relays an SDP answer to the opposite side's single connection.
func (c *Coordinator) SendAnswer(conn presence.Conn, params wire.CallSignalParams) error {
	if err := params.Validate(true); err != nil {
		return rtcerr.Validationf("%v", err)
	}
	sess, ok := c.session(params.CallUUID)
	if !ok {
		return rtcerr.NotFoundf("unknown call %s", params.CallUUID)
	}
	sess.clearPendingOffer()
	return c.relay(sess, conn, wire.ReceiveAnswer{CallUUID: sess.CallUUID, FromUserID: conn.UserID(), SDP: *params.SDP})
}

// SendIceCandidate relays a trickled candidate to the opposite side.
func (c *Coordinator) SendIceCandidate(conn presence.Conn, params wire.CallSignalParams) error {
	if err := params.Validate(false); err != nil {
		return rtcerr.Validationf("%v", err)
	}
	sess, ok := c.session(params.CallUUID)
	if !ok {
		return rtcerr.NotFoundf("unknown call %s", params.CallUUID)
	}
	return c.relay(sess, conn, wire.ReceiveIceCandidate{CallUUID: sess.CallUUID, FromUserID: conn.UserID(), Candidate: *params.Candidate})
}

// relay delivers a signaling event to exactly one connection: the opposite
// side of the session. A missing destination (call not yet answered) drops
// the message with a warning rather than surfacing an error.
func (c *Coordinator) relay(sess *Session, sender presence.Conn, ev wire.Event) error {
	destID, ok := sess.peerConnection(sender.ID())
	if !ok {
		c.metrics.Inc(metrics.SignalsDroppedNoDest)
		c.log.Warn("signaling dropped: no destination bound",
			"call_uuid", sess.CallUUID, "from_conn", sender.ID(), "event", ev.EventName())
		return nil
	}
	dest, ok := c.registry.Lookup(destID)
	if !ok {
		c.metrics.Inc(metrics.SignalsDroppedNoDest)
		c.log.Warn("signaling dropped: destination disconnected",
			"call_uuid", sess.CallUUID, "dest_conn", destID, "event", ev.EventName())
		return nil
	}
	c.metrics.Inc(metrics.SignalsRelayedCall)
	c.send(dest, ev)
	return nil
}

// HandleDisconnect ends every call session referencing the disconnecting
// user, as if they had hung up.
func (c *Coordinator) HandleDisconnect(ctx context.Context, conn presence.Conn) {
	c.mu.RLock()
	var affected []*Session
	for _, sess := range c.sessions {
		if sess.participant(conn.UserID()) {
			affected = append(affected, sess)
		}
	}
	c.mu.RUnlock()

	for _, sess := range affected {
		if err := c.EndCall(ctx, conn, sess.CallUUID); err != nil {
			if rtcerr.KindOf(err) != rtcerr.KindNotFound {
				c.log.Warn("end call on disconnect", "call_uuid", sess.CallUUID, "err", err)
			}
		}
	}
}

// ActiveSessions reports the number of live call sessions.
func (c *Coordinator) ActiveSessions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

func (c *Coordinator) send(conn presence.Conn, ev wire.Event) {
	if err := conn.Send(ev); err != nil {
		c.log.Warn("event delivery failed", "conn", conn.ID(), "event", ev.EventName(), "err", err)
	}
}
