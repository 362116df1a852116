package hub

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crosstalk-io/crosstalk/internal/auth"
	"github.com/crosstalk-io/crosstalk/internal/call"
	"github.com/crosstalk-io/crosstalk/internal/meeting"
	"github.com/crosstalk-io/crosstalk/internal/metrics"
	"github.com/crosstalk-io/crosstalk/internal/presence"
	"github.com/crosstalk-io/crosstalk/internal/sfu"
	"github.com/crosstalk-io/crosstalk/internal/store"
	"github.com/crosstalk-io/crosstalk/internal/wire"
)

type fixture struct {
	srv      *httptest.Server
	registry *presence.Registry
	store    *store.Memory
	metrics  *metrics.Metrics
	hub      *Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		registry: presence.NewRegistry(),
		store:    store.NewMemory(),
		metrics:  metrics.New(),
	}
	calls := call.NewCoordinator(call.Config{
		Logger: log, Registry: f.registry, Calls: f.store, Metrics: f.metrics,
	})
	meetings := meeting.NewCoordinator(meeting.Config{
		Logger: log, Registry: f.registry, Meetings: f.store, Metrics: f.metrics,
	})
	rooms, err := sfu.NewUnit(sfu.Config{Logger: log, Metrics: f.metrics})
	if err != nil {
		t.Fatalf("sfu.NewUnit: %v", err)
	}
	f.hub = New(Config{
		Logger:   log,
		Metrics:  f.metrics,
		Registry: f.registry,
		Auth:     auth.StaticTokens{"tok-1": 1, "tok-2": 2, "tok-3": 3},
		Calls:    calls,
		Meetings: meetings,
		Rooms:    rooms,
	})
	f.srv = httptest.NewServer(f.hub)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial with %s: %v", token, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, method string, params any) {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	data, _ := json.Marshal(wire.Request{Method: method, Params: raw})
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write %s: %v", method, err)
	}
}

// readEvent blocks for the next envelope, failing the test on timeout.
func readEvent(t *testing.T, ws *websocket.Conn) wire.Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope %q: %v", data, err)
	}
	return env
}

func expectEvent(t *testing.T, ws *websocket.Conn, name string) json.RawMessage {
	t.Helper()
	env := readEvent(t, ws)
	if env.Event != name {
		t.Fatalf("event = %s, want %s (data %s)", env.Event, name, env.Data)
	}
	return env.Data
}

func TestAuthAtConnect(t *testing.T) {
	f := newFixture(t)

	for _, url := range []string{f.srv.URL, f.srv.URL + "?token=wrong"} {
		wsURL := "ws" + strings.TrimPrefix(url, "http")
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err == nil {
			t.Fatalf("dial %s succeeded", url)
		}
		if resp == nil || resp.StatusCode != 401 {
			t.Errorf("dial %s status = %v, want 401", url, resp)
		}
	}
	if got := f.metrics.Get(metrics.AuthFailure); got != 2 {
		t.Errorf("auth failure counter = %d, want 2", got)
	}
	if f.registry.ConnectionCount() != 0 {
		t.Error("failed dials left registrations behind")
	}
}

func TestCallFlowOverWebSocket(t *testing.T) {
	f := newFixture(t)
	alice := f.dial(t, "tok-1")
	bob := f.dial(t, "tok-2")

	waitForConnections(t, f.registry, 2)

	send(t, alice, wire.MethodInitiateCall, wire.InitiateCallParams{TargetUserID: 2, Video: true})

	var initiated wire.CallInitiated
	if err := json.Unmarshal(expectEvent(t, alice, "CallInitiated"), &initiated); err != nil {
		t.Fatalf("decode CallInitiated: %v", err)
	}
	var incoming wire.IncomingCall
	if err := json.Unmarshal(expectEvent(t, bob, "IncomingCall"), &incoming); err != nil {
		t.Fatalf("decode IncomingCall: %v", err)
	}
	if incoming.CallUUID != initiated.CallUUID || incoming.CallerUserID != 1 || !incoming.Video {
		t.Errorf("IncomingCall = %+v", incoming)
	}

	send(t, bob, wire.MethodAcceptCall, wire.CallRefParams{CallUUID: initiated.CallUUID})
	expectEvent(t, alice, "CallAccepted")

	send(t, alice, wire.MethodCallOffer, wire.CallSignalParams{
		CallUUID: initiated.CallUUID, SDP: &wire.SDP{Type: "offer", SDP: "v=0"},
	})
	var offer wire.ReceiveOffer
	if err := json.Unmarshal(expectEvent(t, bob, "ReceiveOffer"), &offer); err != nil {
		t.Fatalf("decode ReceiveOffer: %v", err)
	}
	if offer.CallUUID != initiated.CallUUID || offer.FromUserID != 1 {
		t.Errorf("ReceiveOffer = %+v", offer)
	}

	send(t, bob, wire.MethodEndCall, wire.CallRefParams{CallUUID: initiated.CallUUID})
	expectEvent(t, alice, "CallEnded")
	expectEvent(t, bob, "CallEnded")
}

func TestOfflineTargetYieldsCallFailed(t *testing.T) {
	f := newFixture(t)
	alice := f.dial(t, "tok-1")
	waitForConnections(t, f.registry, 1)

	send(t, alice, wire.MethodInitiateCall, wire.InitiateCallParams{TargetUserID: 2})

	var failed wire.CallFailed
	if err := json.Unmarshal(expectEvent(t, alice, "CallFailed"), &failed); err != nil {
		t.Fatalf("decode CallFailed: %v", err)
	}
	if failed.Reason != "UserOffline" {
		t.Errorf("reason = %q, want UserOffline", failed.Reason)
	}
}

func TestMalformedAndUnknownRequests(t *testing.T) {
	f := newFixture(t)
	alice := f.dial(t, "tok-1")
	waitForConnections(t, f.registry, 1)

	if err := alice.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var errEv wire.ErrorEvent
	if err := json.Unmarshal(expectEvent(t, alice, "Error"), &errEv); err != nil {
		t.Fatalf("decode Error: %v", err)
	}
	if errEv.Code != "validation" {
		t.Errorf("code = %q, want validation", errEv.Code)
	}

	send(t, alice, "no.such.method", struct{}{})
	if err := json.Unmarshal(expectEvent(t, alice, "Error"), &errEv); err != nil {
		t.Fatalf("decode Error: %v", err)
	}
	if errEv.Code != "validation" {
		t.Errorf("code = %q, want validation", errEv.Code)
	}

	// Unknown call references surface as not_found.
	send(t, alice, wire.MethodEndCall, wire.CallRefParams{CallUUID: "nope"})
	if err := json.Unmarshal(expectEvent(t, alice, "Error"), &errEv); err != nil {
		t.Fatalf("decode Error: %v", err)
	}
	if errEv.Code != "not_found" {
		t.Errorf("code = %q, want not_found", errEv.Code)
	}
}

func TestMeetingJoinOverWebSocket(t *testing.T) {
	f := newFixture(t)
	f.store.PutMeeting(&store.Meeting{ID: 1, Code: "abcde12345", HostID: 1, MaxParticipants: 5, Active: true})

	host := f.dial(t, "tok-1")
	guest := f.dial(t, "tok-2")
	waitForConnections(t, f.registry, 2)

	send(t, host, wire.MethodJoinMeeting, wire.JoinMeetingParams{MeetingCode: "abcde12345"})
	var joined wire.MeetingJoined
	if err := json.Unmarshal(expectEvent(t, host, "MeetingJoined"), &joined); err != nil {
		t.Fatalf("decode MeetingJoined: %v", err)
	}
	if !joined.Success || joined.RequiresApproval {
		t.Errorf("host join = %+v", joined)
	}

	send(t, guest, wire.MethodJoinMeeting, wire.JoinMeetingParams{MeetingCode: "abcde12345"})
	if err := json.Unmarshal(expectEvent(t, guest, "MeetingJoined"), &joined); err != nil {
		t.Fatalf("decode MeetingJoined: %v", err)
	}
	if len(joined.Participants) != 1 {
		t.Errorf("guest snapshot = %+v", joined.Participants)
	}
	expectEvent(t, host, "ParticipantJoined")
}

func TestDisconnectEndsCall(t *testing.T) {
	f := newFixture(t)
	alice := f.dial(t, "tok-1")
	bob := f.dial(t, "tok-2")
	waitForConnections(t, f.registry, 2)

	send(t, alice, wire.MethodInitiateCall, wire.InitiateCallParams{TargetUserID: 2})
	var initiated wire.CallInitiated
	if err := json.Unmarshal(expectEvent(t, alice, "CallInitiated"), &initiated); err != nil {
		t.Fatalf("decode CallInitiated: %v", err)
	}
	expectEvent(t, bob, "IncomingCall")
	send(t, bob, wire.MethodAcceptCall, wire.CallRefParams{CallUUID: initiated.CallUUID})
	expectEvent(t, alice, "CallAccepted")

	_ = bob.Close()

	expectEvent(t, alice, "CallEnded")
	waitForConnections(t, f.registry, 1)
}

func TestRateLimitClosesConnection(t *testing.T) {
	f := newFixture(t)
	f.hub.messagesPerSecond = 3

	alice := f.dial(t, "tok-1")
	waitForConnections(t, f.registry, 1)

	for i := 0; i < 10; i++ {
		data, _ := json.Marshal(wire.Request{Method: fmt.Sprintf("burst.%d", i)})
		if err := alice.WriteMessage(websocket.TextMessage, data); err != nil {
			break
		}
	}

	// The socket must end up closed with a policy violation.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = alice.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		if _, _, err := alice.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("connection did not close with policy violation: %v", err)
			}
			t.Fatalf("unexpected read error: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("rate limited connection stayed open")
		}
	}
	if got := f.metrics.Get(metrics.HubRateLimited); got != 1 {
		t.Errorf("rate limited counter = %d, want 1", got)
	}
}

// waitForConnections polls until the registry settles; websocket registration
// runs on the server goroutine.
func waitForConnections(t *testing.T, r *presence.Registry, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.ConnectionCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("connections = %d, want %d", r.ConnectionCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
