// Package sfu implements the selective forwarding unit: one server-side media
// endpoint per joined connection, with incoming RTP fanned out verbatim to
// every other endpoint in the same room.
package sfu

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/crosstalk-io/crosstalk/internal/metrics"
	"github.com/crosstalk-io/crosstalk/internal/presence"
	"github.com/crosstalk-io/crosstalk/internal/wire"
)

type TrackKind uint8

const (
	TrackAudio TrackKind = iota
	TrackVideo
)

func (k TrackKind) String() string {
	if k == TrackAudio {
		return "audio"
	}
	return "video"
}

// Endpoint is the server-side media endpoint for one joined connection. The
// production implementation is the pion-backed Peer; tests substitute fakes.
type Endpoint interface {
	// AcceptOffer installs the client's offer and returns the unit's answer.
	// The unit never initiates negotiation.
	AcceptOffer(offer wire.SDP) (wire.SDP, error)
	AddCandidate(c wire.Candidate) error
	// ForwardRTP delivers one packet published by another endpoint. The
	// packet is forwarded as received, never decoded.
	ForwardRTP(sourceID string, kind TrackKind, packet []byte) error
	Close() error
}

type member struct {
	conn        presence.Conn
	endpoint    Endpoint
	displayName string
}

// Room is the live peer set of one forwarding room, keyed by connection id.
type Room struct {
	id      string
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	members map[string]*member
	// gone marks a room deleted from the unit's map; stale joiners retry.
	gone bool
}

func newRoom(id string, log *slog.Logger, m *metrics.Metrics) *Room {
	return &Room{
		id:      id,
		log:     log,
		metrics: m,
		members: make(map[string]*member),
	}
}

func (r *Room) ID() string { return r.id }

var (
	errRoomGone      = errors.New("room deleted")
	errAlreadyJoined = errors.New("connection already in room")
)

// addMember inserts the connection's endpoint and returns the peer list the
// joiner should see plus the members to notify.
func (r *Room) addMember(conn presence.Conn, endpoint Endpoint, displayName string) ([]wire.PeerInfo, []presence.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gone {
		return nil, nil, errRoomGone
	}
	if _, dup := r.members[conn.ID()]; dup {
		return nil, nil, errAlreadyJoined
	}

	peers := make([]wire.PeerInfo, 0, len(r.members))
	notify := make([]presence.Conn, 0, len(r.members))
	for connID, m := range r.members {
		peers = append(peers, wire.PeerInfo{ConnectionID: connID, DisplayName: m.displayName})
		notify = append(notify, m.conn)
	}

	r.members[conn.ID()] = &member{conn: conn, endpoint: endpoint, displayName: displayName}
	return peers, notify, nil
}

// removeMember deletes the connection's endpoint and reports the endpoint to
// close, the members to notify, and whether the room is now empty.
func (r *Room) removeMember(connID string) (Endpoint, []presence.Conn, bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[connID]
	if !ok {
		return nil, nil, false, false
	}
	delete(r.members, connID)

	notify := make([]presence.Conn, 0, len(r.members))
	for _, other := range r.members {
		notify = append(notify, other.conn)
	}
	if len(r.members) == 0 {
		r.gone = true
	}
	return m.endpoint, notify, r.gone, true
}

func (r *Room) endpoint(connID string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[connID]
	if !ok {
		return nil, false
	}
	return m.endpoint, true
}

// Forward fans one RTP packet out to every member except its source. This is
// the defining operation of the unit: the payload is passed through verbatim.
func (r *Room) Forward(sourceID string, kind TrackKind, packet []byte) {
	r.mu.RLock()
	dests := make([]*member, 0, len(r.members))
	for connID, m := range r.members {
		if connID == sourceID {
			continue
		}
		dests = append(dests, m)
	}
	r.mu.RUnlock()

	for _, m := range dests {
		if err := m.endpoint.ForwardRTP(sourceID, kind, packet); err != nil {
			r.metrics.Inc(metrics.SfuForwardDropped)
			continue
		}
		r.metrics.Inc(metrics.SfuPacketsForwarded)
	}
}

// MemberCount reports the number of joined connections.
func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
