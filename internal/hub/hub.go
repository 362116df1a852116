// Package hub is the WebSocket transport adapter: it authenticates
// connections, registers them in the presence registry, and dispatches typed
// requests to the shared coordinators. All call/meeting/room state lives in
// the coordinators; the hub holds none of its own.
package hub

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/crosstalk-io/crosstalk/internal/auth"
	"github.com/crosstalk-io/crosstalk/internal/call"
	"github.com/crosstalk-io/crosstalk/internal/meeting"
	"github.com/crosstalk-io/crosstalk/internal/metrics"
	"github.com/crosstalk-io/crosstalk/internal/presence"
	"github.com/crosstalk-io/crosstalk/internal/ratelimit"
	"github.com/crosstalk-io/crosstalk/internal/rtcerr"
	"github.com/crosstalk-io/crosstalk/internal/sfu"
	"github.com/crosstalk-io/crosstalk/internal/wire"
)

const (
	wsWriteWait = 1 * time.Second

	defaultMaxMessageBytes   = 64 << 10
	defaultMessagesPerSecond = 50
)

type Config struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Registry *presence.Registry
	Auth     auth.Authenticator

	Calls    *call.Coordinator
	Meetings *meeting.Coordinator
	Rooms    *sfu.Unit

	// MaxMessageBytes bounds one inbound frame; MessagesPerSecond bounds the
	// per-connection request rate.
	MaxMessageBytes   int64
	MessagesPerSecond int64

	Clock ratelimit.Clock
}

type Hub struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	registry *presence.Registry
	auth     auth.Authenticator

	calls    *call.Coordinator
	meetings *meeting.Coordinator
	rooms    *sfu.Unit

	maxMessageBytes   int64
	messagesPerSecond int64
	clock             ratelimit.Clock
	newConnID         func() string
}

func New(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = defaultMessagesPerSecond
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	return &Hub{
		log:               cfg.Logger,
		metrics:           cfg.Metrics,
		registry:          cfg.Registry,
		auth:              cfg.Auth,
		calls:             cfg.Calls,
		meetings:          cfg.Meetings,
		rooms:             cfg.Rooms,
		maxMessageBytes:   cfg.MaxMessageBytes,
		messagesPerSecond: cfg.MessagesPerSecond,
		clock:             cfg.Clock,
		newConnID:         uuid.NewString,
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
// Authentication happens at connect time; an unauthenticated socket never
// reaches the dispatch loop.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, ok := auth.TokenFromRequest(r)
	if !ok {
		h.metrics.Inc(metrics.AuthFailure)
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}
	userID, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		h.metrics.Inc(metrics.AuthFailure)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		// Origin policy belongs to the outer HTTP layer.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := &wsConn{
		id:     h.newConnID(),
		userID: userID,
		ws:     ws,
	}
	device := presence.Device{
		DeviceName:  r.URL.Query().Get("device"),
		DeviceToken: r.URL.Query().Get("deviceToken"),
	}
	if err := h.registry.Register(conn, device); err != nil {
		h.log.Error("register connection", "conn", conn.id, "err", err)
		_ = ws.Close()
		return
	}
	h.metrics.Inc(metrics.HubConnects)
	h.log.Info("connected", "conn", conn.id, "user", userID, "device", device.DeviceName)

	h.readLoop(r.Context(), conn)
}

func (h *Hub) readLoop(ctx context.Context, c *wsConn) {
	defer h.disconnect(ctx, c)

	c.ws.SetReadLimit(h.maxMessageBytes)
	limiter := ratelimit.NewBucket(h.clock, h.messagesPerSecond, h.messagesPerSecond)

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		// Limit after reading so bytes already in the receive buffer are
		// consumed and the close frame reaches the client cleanly.
		if !limiter.Allow(1) {
			h.metrics.Inc(metrics.HubRateLimited)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		req, err := wire.ParseRequest(data)
		if err != nil {
			h.metrics.Inc(metrics.HubBadMessages)
			_ = c.Send(wire.ErrorEvent{Code: "validation", Message: err.Error()})
			continue
		}
		if err := h.dispatch(ctx, c, req); err != nil {
			h.reply(c, req.Method, err)
		}
	}
}

func (h *Hub) disconnect(ctx context.Context, c *wsConn) {
	c.close()
	h.registry.Unregister(c.id)
	h.calls.HandleDisconnect(ctx, c)
	h.meetings.HandleDisconnect(ctx, c)
	h.rooms.HandleDisconnect(c)
	h.metrics.Inc(metrics.HubDisconnects)
	h.log.Info("disconnected", "conn", c.id, "user", c.userID)
}

// dispatch routes one request to its coordinator.
func (h *Hub) dispatch(ctx context.Context, c *wsConn, req wire.Request) error {
	switch req.Method {
	case wire.MethodInitiateCall:
		var params wire.InitiateCallParams
		if err := req.DecodeParams(&params); err != nil {
			return rtcerr.Validationf("%v", err)
		}
		_, err := h.calls.InitiateCall(ctx, c, params)
		return err

	case wire.MethodAcceptCall:
		var params wire.CallRefParams
		if err := req.DecodeParams(&params); err != nil {
			return rtcerr.Validationf("%v", err)
		}
		if err := params.Validate(); err != nil {
			return rtcerr.Validationf("%v", err)
		}
		return h.calls.AcceptCall(ctx, c, params.CallUUID)

	case wire.MethodRejectCall:
		var params wire.CallRefParams
		if err := req.DecodeParams(&params); err != nil {
			return rtcerr.Validationf("%v", err)
		}
		if err := params.Validate(); err != nil {
			return rtcerr.Validationf("%v", err)
		}
		return h.calls.RejectCall(ctx, c, params.CallUUID, params.Reason)

	case wire.MethodEndCall:
		var params wire.CallRefParams
		if err := req.DecodeParams(&params); err != nil {
			return rtcerr.Validationf("%v", err)
		}
		if err := params.Validate(); err != nil {
			return rtcerr.Validationf("%v", err)
		}
		return h.calls.EndCall(ctx, c, params.CallUUID)

	case wire.MethodCallOffer, wire.MethodCallAnswer, wire.MethodCallCandidate:
		var params wire.CallSignalParams
		if err := req.DecodeParams(&params); err != nil {
			return rtcerr.Validationf("%v", err)
		}
		switch req.Method {
		case wire.MethodCallOffer:
			return h.calls.SendOffer(c, params)
		case wire.MethodCallAnswer:
			return h.calls.SendAnswer(c, params)
		default:
			return h.calls.SendIceCandidate(c, params)
		}

	case wire.MethodJoinMeeting:
		var params wire.JoinMeetingParams
		if err := req.DecodeParams(&params); err != nil {
			return rtcerr.Validationf("%v", err)
		}
		res, err := h.meetings.JoinMeeting(ctx, c, params)
		if err != nil {
			return err
		}
		return c.Send(wire.MeetingJoined{
			MeetingCode:      params.MeetingCode,
			Success:          !res.RequiresApproval,
			RequiresApproval: res.RequiresApproval,
			Participants:     res.Participants,
		})

	case wire.MethodLeaveMeeting:
		var params wire.JoinMeetingParams
		if err := req.DecodeParams(&params); err != nil {
			return rtcerr.Validationf("%v", err)
		}
		return h.meetings.LeaveMeeting(ctx, c, params.MeetingCode)

	case wire.MethodMeetingOffer, wire.MethodMeetingAnswer, wire.MethodMeetingCandidate:
		var params wire.MeetingSignalParams
		if err := req.DecodeParams(&params); err != nil {
			return rtcerr.Validationf("%v", err)
		}
		switch req.Method {
		case wire.MethodMeetingOffer:
			return h.meetings.SendOffer(c, params)
		case wire.MethodMeetingAnswer:
			return h.meetings.SendAnswer(c, params)
		default:
			return h.meetings.SendIceCandidate(c, params)
		}

	case wire.MethodApproveJoin:
		var params wire.JoinRequestRefParams
		if err := req.DecodeParams(&params); err != nil {
			return rtcerr.Validationf("%v", err)
		}
		if err := params.Validate(); err != nil {
			return rtcerr.Validationf("%v", err)
		}
		return h.meetings.ApproveJoinRequest(ctx, c, params.RequestID)

	case wire.MethodRejectJoin:
		var params wire.JoinRequestRefParams
		if err := req.DecodeParams(&params); err != nil {
			return rtcerr.Validationf("%v", err)
		}
		if err := params.Validate(); err != nil {
			return rtcerr.Validationf("%v", err)
		}
		return h.meetings.RejectJoinRequest(ctx, c, params.RequestID)

	case wire.MethodJoinRoom:
		var params wire.JoinRoomParams
		if err := req.DecodeParams(&params); err != nil {
			return rtcerr.Validationf("%v", err)
		}
		res, err := h.rooms.JoinRoom(c, params)
		if err != nil {
			return err
		}
		return c.Send(*res)

	case wire.MethodLeaveRoom:
		var params wire.JoinRoomParams
		if err := req.DecodeParams(&params); err != nil {
			return rtcerr.Validationf("%v", err)
		}
		return h.rooms.LeaveRoom(c, params.RoomID)

	case wire.MethodRoomOffer:
		var params wire.RoomSignalParams
		if err := req.DecodeParams(&params); err != nil {
			return rtcerr.Validationf("%v", err)
		}
		return h.rooms.HandleOffer(c, params)

	case wire.MethodRoomCandidate:
		var params wire.RoomSignalParams
		if err := req.DecodeParams(&params); err != nil {
			return rtcerr.Validationf("%v", err)
		}
		return h.rooms.HandleCandidate(c, params)

	default:
		h.metrics.Inc(metrics.HubBadMessages)
		return rtcerr.Validationf("unknown method %q", req.Method)
	}
}

// reply maps a dispatch error onto the wire. State conflicts are logged and
// dropped so an out-of-order message never tears down a live negotiation;
// offline targets surface as the typed CallFailed event.
func (h *Hub) reply(c *wsConn, method string, err error) {
	kind := rtcerr.KindOf(err)
	switch kind {
	case rtcerr.KindStateConflict:
		h.log.Warn("request dropped", "method", method, "conn", c.id, "err", err)
	case rtcerr.KindOffline:
		h.metrics.Inc(metrics.CallsFailed)
		_ = c.Send(wire.CallFailed{Reason: "UserOffline"})
	case rtcerr.KindUnknown:
		h.log.Error("request failed", "method", method, "conn", c.id, "err", err)
		_ = c.Send(wire.ErrorEvent{Code: kind.Code(), Message: "internal error"})
	default:
		_ = c.Send(wire.ErrorEvent{Code: kind.Code(), Message: err.Error()})
	}
}

// wsConn adapts one websocket to presence.Conn. Writes are serialized; reads
// happen only on the hub's read loop.
type wsConn struct {
	id     string
	userID int64
	ws     *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) ID() string    { return c.id }
func (c *wsConn) UserID() int64 { return c.userID }

func (c *wsConn) Send(ev wire.Event) error {
	data, err := wire.EncodeEvent(ev)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	c.writeMu.Unlock()
	c.close()
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		_ = c.ws.Close()
	})
}

var _ presence.Conn = (*wsConn)(nil)
