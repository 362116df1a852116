package call

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/crosstalk-io/crosstalk/internal/metrics"
	"github.com/crosstalk-io/crosstalk/internal/presence"
	"github.com/crosstalk-io/crosstalk/internal/rtcerr"
	"github.com/crosstalk-io/crosstalk/internal/store"
	"github.com/crosstalk-io/crosstalk/internal/wire"
)

type fakeConn struct {
	id     string
	userID int64

	mu     sync.Mutex
	events []wire.Event
}

func (c *fakeConn) ID() string    { return c.id }
func (c *fakeConn) UserID() int64 { return c.userID }

func (c *fakeConn) Send(ev wire.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) eventsNamed(name string) []wire.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []wire.Event
	for _, ev := range c.events {
		if ev.EventName() == name {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) eventCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

type fixture struct {
	registry *presence.Registry
	store    *store.Memory
	coord    *Coordinator
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry: presence.NewRegistry(),
		store:    store.NewMemory(),
		clock:    time.Unix(1_700_000_000, 0).UTC(),
	}
	f.coord = NewCoordinator(Config{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Registry: f.registry,
		Calls:    f.store,
		Metrics:  metrics.New(),
		Now:      func() time.Time { return f.clock },
	})
	return f
}

func (f *fixture) connect(t *testing.T, id string, userID int64) *fakeConn {
	t.Helper()
	conn := &fakeConn{id: id, userID: userID}
	if err := f.registry.Register(conn, presence.Device{DeviceName: id}); err != nil {
		t.Fatalf("Register(%s): %v", id, err)
	}
	return conn
}

func sdpOffer() *wire.SDP  { return &wire.SDP{Type: "offer", SDP: "v=0 offer"} }
func sdpAnswer() *wire.SDP { return &wire.SDP{Type: "answer", SDP: "v=0 answer"} }

func TestInitiateCallFansOutToAllTargetDevices(t *testing.T) {
	f := newFixture(t)
	caller := f.connect(t, "a-1", 1)
	b1 := f.connect(t, "b-1", 2)
	b2 := f.connect(t, "b-2", 2)
	b3 := f.connect(t, "b-3", 2)

	callUUID, err := f.coord.InitiateCall(context.Background(), caller, wire.InitiateCallParams{TargetUserID: 2, Video: true})
	if err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	if callUUID == "" {
		t.Fatal("empty call uuid")
	}

	if got := caller.eventsNamed("CallInitiated"); len(got) != 1 {
		t.Errorf("caller CallInitiated events = %d, want 1", len(got))
	}
	for _, conn := range []*fakeConn{b1, b2, b3} {
		got := conn.eventsNamed("IncomingCall")
		if len(got) != 1 {
			t.Fatalf("%s IncomingCall events = %d, want 1", conn.id, len(got))
		}
		incoming := got[0].(wire.IncomingCall)
		if incoming.CallUUID != callUUID || incoming.CallerUserID != 1 || !incoming.Video {
			t.Errorf("%s incoming = %+v", conn.id, incoming)
		}
	}
}

func TestInitiateCallRejectsSelfAndOffline(t *testing.T) {
	f := newFixture(t)
	caller := f.connect(t, "a-1", 1)

	if _, err := f.coord.InitiateCall(context.Background(), caller, wire.InitiateCallParams{TargetUserID: 1}); rtcerr.KindOf(err) != rtcerr.KindValidation {
		t.Errorf("self call err = %v, want validation", err)
	}
	if _, err := f.coord.InitiateCall(context.Background(), caller, wire.InitiateCallParams{TargetUserID: 9}); rtcerr.KindOf(err) != rtcerr.KindOffline {
		t.Errorf("offline call err = %v, want offline", err)
	}
	if f.coord.ActiveSessions() != 0 {
		t.Error("failed initiations left sessions behind")
	}
}

func TestAcceptCallFirstDeviceWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	caller := f.connect(t, "a-1", 1)
	b1 := f.connect(t, "b-1", 2)
	b2 := f.connect(t, "b-2", 2)

	callUUID, err := f.coord.InitiateCall(ctx, caller, wire.InitiateCallParams{TargetUserID: 2})
	if err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}

	if err := f.coord.AcceptCall(ctx, b1, callUUID); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	if got := caller.eventsNamed("CallAccepted"); len(got) != 1 {
		t.Errorf("caller CallAccepted = %d, want 1", len(got))
	}
	if got := b2.eventsNamed("CallAnsweredElsewhere"); len(got) != 1 {
		t.Errorf("b2 CallAnsweredElsewhere = %d, want 1", len(got))
	}
	if got := b1.eventsNamed("CallAnsweredElsewhere"); len(got) != 0 {
		t.Errorf("accepting device received CallAnsweredElsewhere")
	}

	// A second accept must not rebind the target connection.
	if err := f.coord.AcceptCall(ctx, b2, callUUID); rtcerr.KindOf(err) != rtcerr.KindStateConflict {
		t.Errorf("second accept err = %v, want state conflict", err)
	}

	// Signaling now flows only to the accepting device.
	if err := f.coord.SendOffer(caller, wire.CallSignalParams{CallUUID: callUUID, SDP: sdpOffer()}); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	if got := b1.eventsNamed("ReceiveOffer"); len(got) != 1 {
		t.Errorf("b1 ReceiveOffer = %d, want 1", len(got))
	}
	if got := b2.eventsNamed("ReceiveOffer"); len(got) != 0 {
		t.Errorf("b2 ReceiveOffer = %d, want 0", len(got))
	}
}

func TestAcceptCallWrongUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	caller := f.connect(t, "a-1", 1)
	f.connect(t, "b-1", 2)
	stranger := f.connect(t, "x-1", 3)

	callUUID, _ := f.coord.InitiateCall(ctx, caller, wire.InitiateCallParams{TargetUserID: 2})
	if err := f.coord.AcceptCall(ctx, stranger, callUUID); rtcerr.KindOf(err) != rtcerr.KindValidation {
		t.Errorf("stranger accept err = %v, want validation", err)
	}
}

// Spec scenario: A has two devices and calls B; after B accepts, A's offer
// reaches only B's device, B's answer reaches only A's initiating device, and
// A's second device receives nothing.
func TestTwoDeviceCallerSignalingExactness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a1 := f.connect(t, "a-1", 1)
	a2 := f.connect(t, "a-2", 1)
	b1 := f.connect(t, "b-1", 2)

	callUUID, err := f.coord.InitiateCall(ctx, a1, wire.InitiateCallParams{TargetUserID: 2, Video: true})
	if err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	if err := f.coord.AcceptCall(ctx, b1, callUUID); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}

	if err := f.coord.SendOffer(a1, wire.CallSignalParams{CallUUID: callUUID, SDP: sdpOffer()}); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	if err := f.coord.SendAnswer(b1, wire.CallSignalParams{CallUUID: callUUID, SDP: sdpAnswer()}); err != nil {
		t.Fatalf("SendAnswer: %v", err)
	}
	if err := f.coord.SendIceCandidate(b1, wire.CallSignalParams{CallUUID: callUUID, Candidate: &wire.Candidate{Candidate: "candidate:1"}}); err != nil {
		t.Fatalf("SendIceCandidate: %v", err)
	}

	if got := b1.eventsNamed("ReceiveOffer"); len(got) != 1 {
		t.Errorf("b1 ReceiveOffer = %d, want 1", len(got))
	}
	if got := a1.eventsNamed("ReceiveAnswer"); len(got) != 1 {
		t.Errorf("a1 ReceiveAnswer = %d, want 1", len(got))
	}
	if got := a1.eventsNamed("ReceiveIceCandidate"); len(got) != 1 {
		t.Errorf("a1 ReceiveIceCandidate = %d, want 1", len(got))
	}
	if got := a2.eventCount(); got != 0 {
		t.Errorf("a2 received %d events, want 0", got)
	}
}

func TestSignalingDroppedBeforeAnswer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	caller := f.connect(t, "a-1", 1)
	b1 := f.connect(t, "b-1", 2)

	callUUID, _ := f.coord.InitiateCall(ctx, caller, wire.InitiateCallParams{TargetUserID: 2})

	// No device has accepted: the relay has no destination and must drop
	// silently rather than error.
	if err := f.coord.SendOffer(caller, wire.CallSignalParams{CallUUID: callUUID, SDP: sdpOffer()}); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	if got := b1.eventsNamed("ReceiveOffer"); len(got) != 0 {
		t.Errorf("b1 ReceiveOffer = %d, want 0", len(got))
	}
}

func TestGlareLowerUserIDKeepsOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "a-1", 1)
	b := f.connect(t, "b-1", 2)

	callUUID, _ := f.coord.InitiateCall(ctx, a, wire.InitiateCallParams{TargetUserID: 2})
	if err := f.coord.AcceptCall(ctx, b, callUUID); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}

	// Lower id (1) offers first; higher id (2) offers concurrently and loses.
	if err := f.coord.SendOffer(a, wire.CallSignalParams{CallUUID: callUUID, SDP: sdpOffer()}); err != nil {
		t.Fatalf("SendOffer(a): %v", err)
	}
	if err := f.coord.SendOffer(b, wire.CallSignalParams{CallUUID: callUUID, SDP: sdpOffer()}); err != nil {
		t.Fatalf("SendOffer(b): %v", err)
	}
	if got := a.eventsNamed("ReceiveOffer"); len(got) != 0 {
		t.Errorf("losing side's offer was delivered: %d", len(got))
	}
	if got := b.eventsNamed("ReceiveOffer"); len(got) != 1 {
		t.Errorf("winning side's offer deliveries = %d, want 1", len(got))
	}

	// After an answer settles the exchange, either side may offer again.
	if err := f.coord.SendAnswer(b, wire.CallSignalParams{CallUUID: callUUID, SDP: sdpAnswer()}); err != nil {
		t.Fatalf("SendAnswer: %v", err)
	}
	if err := f.coord.SendOffer(b, wire.CallSignalParams{CallUUID: callUUID, SDP: sdpOffer()}); err != nil {
		t.Fatalf("SendOffer(b) after answer: %v", err)
	}
	if got := a.eventsNamed("ReceiveOffer"); len(got) != 1 {
		t.Errorf("renegotiation offer deliveries = %d, want 1", len(got))
	}
}

func TestGlareHigherOfferFirstIsReplaced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "a-1", 1)
	b := f.connect(t, "b-1", 2)

	callUUID, _ := f.coord.InitiateCall(ctx, b, wire.InitiateCallParams{TargetUserID: 1})
	if err := f.coord.AcceptCall(ctx, a, callUUID); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}

	if err := f.coord.SendOffer(b, wire.CallSignalParams{CallUUID: callUUID, SDP: sdpOffer()}); err != nil {
		t.Fatalf("SendOffer(b): %v", err)
	}
	if err := f.coord.SendOffer(a, wire.CallSignalParams{CallUUID: callUUID, SDP: sdpOffer()}); err != nil {
		t.Fatalf("SendOffer(a): %v", err)
	}
	// The lower id's offer supersedes and is still delivered.
	if got := b.eventsNamed("ReceiveOffer"); len(got) != 1 {
		t.Errorf("b ReceiveOffer = %d, want 1", len(got))
	}
	if got := a.eventsNamed("ReceiveOffer"); len(got) != 1 {
		t.Errorf("a ReceiveOffer = %d, want 1 (b's earlier offer)", len(got))
	}
}

func TestRejectCallPersistsAndNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	caller := f.connect(t, "a-1", 1)
	b1 := f.connect(t, "b-1", 2)
	b2 := f.connect(t, "b-2", 2)

	callUUID, _ := f.coord.InitiateCall(ctx, caller, wire.InitiateCallParams{TargetUserID: 2})
	if err := f.coord.RejectCall(ctx, b1, callUUID, "busy"); err != nil {
		t.Fatalf("RejectCall: %v", err)
	}

	if got := caller.eventsNamed("CallRejected"); len(got) != 1 {
		t.Errorf("caller CallRejected = %d, want 1", len(got))
	}
	// Every still-ringing device stops ringing.
	if got := b2.eventsNamed("CallRejected"); len(got) != 1 {
		t.Errorf("b2 CallRejected = %d, want 1", len(got))
	}

	row, err := f.store.GetCall(ctx, 1)
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if row.Status != store.CallRejected || row.EndedAt == nil {
		t.Errorf("persisted row = %+v", row)
	}
	if f.coord.ActiveSessions() != 0 {
		t.Error("session not removed after reject")
	}
}

func TestEndCallComputesDuration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	caller := f.connect(t, "a-1", 1)
	b1 := f.connect(t, "b-1", 2)

	callUUID, _ := f.coord.InitiateCall(ctx, caller, wire.InitiateCallParams{TargetUserID: 2})
	if err := f.coord.AcceptCall(ctx, b1, callUUID); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}

	f.clock = f.clock.Add(95 * time.Second)
	if err := f.coord.EndCall(ctx, caller, callUUID); err != nil {
		t.Fatalf("EndCall: %v", err)
	}

	ended := caller.eventsNamed("CallEnded")
	if len(ended) != 1 {
		t.Fatalf("caller CallEnded = %d, want 1", len(ended))
	}
	if got := ended[0].(wire.CallEnded).DurationSeconds; got != 95 {
		t.Errorf("duration = %d, want 95", got)
	}
	row, _ := f.store.GetCall(ctx, 1)
	if row.Status != store.CallEnded || row.DurationSeconds != 95 {
		t.Errorf("persisted row = %+v", row)
	}
}

func TestEndCallWhileRingingIsMissed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	caller := f.connect(t, "a-1", 1)
	f.connect(t, "b-1", 2)

	callUUID, _ := f.coord.InitiateCall(ctx, caller, wire.InitiateCallParams{TargetUserID: 2})
	if err := f.coord.EndCall(ctx, caller, callUUID); err != nil {
		t.Fatalf("EndCall: %v", err)
	}

	row, _ := f.store.GetCall(ctx, 1)
	if row.Status != store.CallMissed {
		t.Errorf("status = %q, want missed", row.Status)
	}
	if row.DurationSeconds != 0 {
		t.Errorf("duration = %d, want 0 for unanswered call", row.DurationSeconds)
	}
}

func TestOperationsOnEndedCallFail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	caller := f.connect(t, "a-1", 1)
	b1 := f.connect(t, "b-1", 2)

	callUUID, _ := f.coord.InitiateCall(ctx, caller, wire.InitiateCallParams{TargetUserID: 2})
	if err := f.coord.EndCall(ctx, caller, callUUID); err != nil {
		t.Fatalf("EndCall: %v", err)
	}

	if err := f.coord.AcceptCall(ctx, b1, callUUID); rtcerr.KindOf(err) != rtcerr.KindNotFound {
		t.Errorf("accept after end err = %v, want not found", err)
	}
	if err := f.coord.EndCall(ctx, caller, callUUID); rtcerr.KindOf(err) != rtcerr.KindNotFound {
		t.Errorf("double end err = %v, want not found", err)
	}
	// Persisted terminal state is untouched by the failed operations.
	row, _ := f.store.GetCall(ctx, 1)
	if row.Status != store.CallMissed {
		t.Errorf("status mutated to %q", row.Status)
	}
}

func TestStateTransitionGraph(t *testing.T) {
	legal := []struct{ from, to State }{
		{StateNone, StateInitiating},
		{StateInitiating, StateRinging},
		{StateRinging, StateActive},
		{StateRinging, StateRejected},
		{StateRinging, StateMissed},
		{StateActive, StateEnded},
		{StateActive, StateFailed},
	}
	for _, tr := range legal {
		if !canTransition(tr.from, tr.to) {
			t.Errorf("transition %v -> %v should be legal", tr.from, tr.to)
		}
	}

	illegal := []struct{ from, to State }{
		{StateActive, StateRinging},
		{StateEnded, StateActive},
		{StateRejected, StateRinging},
		{StateMissed, StateActive},
		{StateFailed, StateInitiating},
		{StateRinging, StateInitiating},
	}
	for _, tr := range illegal {
		if canTransition(tr.from, tr.to) {
			t.Errorf("transition %v -> %v should be illegal", tr.from, tr.to)
		}
	}
}

func TestDisconnectEndsReferencedCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	caller := f.connect(t, "a-1", 1)
	b1 := f.connect(t, "b-1", 2)

	callUUID, _ := f.coord.InitiateCall(ctx, caller, wire.InitiateCallParams{TargetUserID: 2})
	if err := f.coord.AcceptCall(ctx, b1, callUUID); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}

	f.registry.Unregister(b1.ID())
	f.coord.HandleDisconnect(ctx, b1)

	if f.coord.ActiveSessions() != 0 {
		t.Error("session survived disconnect")
	}
	if got := caller.eventsNamed("CallEnded"); len(got) != 1 {
		t.Errorf("caller CallEnded = %d, want 1", len(got))
	}
}
