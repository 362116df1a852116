package sfu

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/crosstalk-io/crosstalk/internal/metrics"
	"github.com/crosstalk-io/crosstalk/internal/presence"
	"github.com/crosstalk-io/crosstalk/internal/rtcerr"
	"github.com/crosstalk-io/crosstalk/internal/wire"
)

// Unit owns the forwarding rooms and the shared webrtc.API every peer is
// built from.
type Unit struct {
	log        *slog.Logger
	metrics    *metrics.Metrics
	iceServers []webrtc.ICEServer
	api        *webrtc.API

	// newEndpoint builds the media endpoint for a joining connection.
	// Overridable so room plumbing is testable without opening sockets.
	newEndpoint func(conn presence.Conn, room *Room) (Endpoint, error)

	mu    sync.RWMutex
	rooms map[string]*Room
}

type Config struct {
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	ICEServers []webrtc.ICEServer

	// UDPPortMin/Max bound the ephemeral ports pion binds for media. Zero
	// means no restriction.
	UDPPortMin uint16
	UDPPortMax uint16
}

func NewUnit(cfg Config) (*Unit, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	se := webrtc.SettingEngine{
		LoggerFactory: NewLoggerFactory(cfg.Logger),
	}
	if cfg.UDPPortMin != 0 || cfg.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	u := &Unit{
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		iceServers: cfg.ICEServers,
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		rooms:      make(map[string]*Room),
	}
	u.newEndpoint = func(conn presence.Conn, room *Room) (Endpoint, error) {
		return newPeer(u.api, u.iceServers, conn.ID(), room, u.log)
	}
	return u, nil
}

func (u *Unit) lookupRoom(roomID string) (*Room, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	r, ok := u.rooms[roomID]
	return r, ok
}

// JoinRoom creates a media endpoint for the connection, registers it under
// the room, notifies the other members and returns the existing peer list.
func (u *Unit) JoinRoom(conn presence.Conn, params wire.JoinRoomParams) (*wire.RoomJoined, error) {
	if err := params.Validate(); err != nil {
		return nil, rtcerr.Validationf("%v", err)
	}

	for {
		u.mu.Lock()
		r, ok := u.rooms[params.RoomID]
		if !ok {
			r = newRoom(params.RoomID, u.log, u.metrics)
			u.rooms[params.RoomID] = r
		}
		u.mu.Unlock()

		endpoint, err := u.newEndpoint(conn, r)
		if err != nil {
			return nil, fmt.Errorf("create media endpoint: %w", err)
		}

		peers, notify, err := r.addMember(conn, endpoint, params.DisplayName)
		if errors.Is(err, errRoomGone) {
			_ = endpoint.Close()
			continue
		}
		if err != nil {
			_ = endpoint.Close()
			return nil, rtcerr.Validationf("connection %s already joined room %s", conn.ID(), params.RoomID)
		}

		u.metrics.Inc(metrics.SfuPeersJoined)
		u.log.Info("room joined",
			"room", params.RoomID,
			"conn", conn.ID(),
			"user", conn.UserID(),
			"peers", len(peers),
		)

		joined := wire.PeerJoined{RoomID: params.RoomID, ConnectionID: conn.ID(), DisplayName: params.DisplayName}
		for _, other := range notify {
			u.send(other, joined)
		}
		return &wire.RoomJoined{RoomID: params.RoomID, Peers: peers}, nil
	}
}

// HandleOffer installs a client offer on the connection's endpoint and sends
// the unit's answer back to the same connection.
func (u *Unit) HandleOffer(conn presence.Conn, params wire.RoomSignalParams) error {
	if err := params.Validate(true); err != nil {
		return rtcerr.Validationf("%v", err)
	}
	endpoint, err := u.memberEndpoint(conn, params.RoomID)
	if err != nil {
		return err
	}

	answer, err := endpoint.AcceptOffer(*params.SDP)
	if err != nil {
		return rtcerr.Validationf("offer rejected: %v", err)
	}
	u.send(conn, wire.ReceiveAnswer{RoomID: params.RoomID, SDP: answer})
	return nil
}

// HandleCandidate adds a trickled client candidate to the connection's
// endpoint.
func (u *Unit) HandleCandidate(conn presence.Conn, params wire.RoomSignalParams) error {
	if err := params.Validate(false); err != nil {
		return rtcerr.Validationf("%v", err)
	}
	endpoint, err := u.memberEndpoint(conn, params.RoomID)
	if err != nil {
		return err
	}
	if err := endpoint.AddCandidate(*params.Candidate); err != nil {
		return rtcerr.Validationf("candidate rejected: %v", err)
	}
	return nil
}

func (u *Unit) memberEndpoint(conn presence.Conn, roomID string) (Endpoint, error) {
	r, ok := u.lookupRoom(roomID)
	if !ok {
		return nil, rtcerr.NotFoundf("no live room %s", roomID)
	}
	endpoint, ok := r.endpoint(conn.ID())
	if !ok {
		return nil, rtcerr.Validationf("connection %s is not in room %s", conn.ID(), roomID)
	}
	return endpoint, nil
}

// LeaveRoom closes the connection's endpoint, removes it from the room and
// notifies the remaining peers. The last peer out deletes the room.
func (u *Unit) LeaveRoom(conn presence.Conn, roomID string) error {
	r, ok := u.lookupRoom(roomID)
	if !ok {
		return rtcerr.NotFoundf("no live room %s", roomID)
	}
	if !u.removePeer(r, conn) {
		return rtcerr.NotFoundf("connection %s is not in room %s", conn.ID(), roomID)
	}
	return nil
}

func (u *Unit) removePeer(r *Room, conn presence.Conn) bool {
	endpoint, notify, roomGone, ok := r.removeMember(conn.ID())
	if !ok {
		return false
	}
	if err := endpoint.Close(); err != nil {
		u.log.Warn("close media endpoint", "conn", conn.ID(), "room", r.ID(), "err", err)
	}

	if roomGone {
		u.mu.Lock()
		if u.rooms[r.ID()] == r {
			delete(u.rooms, r.ID())
		}
		u.mu.Unlock()
		u.log.Info("room closed", "room", r.ID())
	}

	left := wire.PeerLeft{RoomID: r.ID(), ConnectionID: conn.ID()}
	for _, other := range notify {
		u.send(other, left)
	}
	u.log.Info("room left", "room", r.ID(), "conn", conn.ID())
	return true
}

// HandleDisconnect removes the connection from every room it joined.
func (u *Unit) HandleDisconnect(conn presence.Conn) {
	u.mu.RLock()
	rooms := make([]*Room, 0, len(u.rooms))
	for _, r := range u.rooms {
		rooms = append(rooms, r)
	}
	u.mu.RUnlock()

	for _, r := range rooms {
		u.removePeer(r, conn)
	}
}

// ActiveRooms reports the number of live rooms.
func (u *Unit) ActiveRooms() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.rooms)
}

func (u *Unit) send(conn presence.Conn, ev wire.Event) {
	if err := conn.Send(ev); err != nil {
		u.log.Warn("event delivery failed", "conn", conn.ID(), "event", ev.EventName(), "err", err)
	}
}
