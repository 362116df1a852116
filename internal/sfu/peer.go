package sfu

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/crosstalk-io/crosstalk/internal/wire"
)

// Peer is the pion-backed Endpoint: a server-side PeerConnection with recvonly
// audio/video lines for the client's media and one outbound track per kind
// carrying everything forwarded from the rest of the room.
type Peer struct {
	connID string
	room   *Room
	log    *slog.Logger

	pc  *webrtc.PeerConnection
	out map[TrackKind]*webrtc.TrackLocalStaticRTP

	closeOnce sync.Once
}

func newPeer(api *webrtc.API, iceServers []webrtc.ICEServer, connID string, room *Room, log *slog.Logger) (*Peer, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &Peer{
		connID: connID,
		room:   room,
		log:    log.With("conn", connID, "room", room.ID()),
		pc:     pc,
		out:    make(map[TrackKind]*webrtc.TrackLocalStaticRTP),
	}

	for _, m := range []struct {
		kind  TrackKind
		codec webrtc.RTPCodecType
		cap   webrtc.RTPCodecCapability
	}{
		{TrackAudio, webrtc.RTPCodecTypeAudio, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}},
		{TrackVideo, webrtc.RTPCodecTypeVideo, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}},
	} {
		if _, err := pc.AddTransceiverFromKind(m.codec, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", m.kind, err)
		}

		track, err := webrtc.NewTrackLocalStaticRTP(m.cap, m.kind.String(), "crosstalk-"+connID)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("new %s track: %w", m.kind, err)
		}
		sender, err := pc.AddTrack(track)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s track: %w", m.kind, err)
		}
		p.out[m.kind] = track

		// Drain RTCP so the interceptor pipeline keeps running.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := TrackVideo
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			kind = TrackAudio
		}
		p.log.Info("inbound track", "kind", kind.String(), "ssrc", uint32(track.SSRC()))
		p.readLoop(track, kind)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Info("peer connection state", "state", state.String())
	})

	return p, nil
}

// readLoop pumps one inbound track into the room until the track closes.
func (p *Peer) readLoop(track *webrtc.TrackRemote, kind TrackKind) {
	buf := make([]byte, 1500)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.log.Warn("track read", "kind", kind.String(), "err", err)
			}
			return
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		p.room.Forward(p.connID, kind, packet)
	}
}

// AcceptOffer installs the client's offer and returns a complete answer with
// all candidates gathered, so the client needs no trickle from the server.
func (p *Peer) AcceptOffer(offer wire.SDP) (wire.SDP, error) {
	desc, err := offer.ToPion()
	if err != nil {
		return wire.SDP{}, err
	}
	if desc.Type != webrtc.SDPTypeOffer {
		return wire.SDP{}, fmt.Errorf("expected offer, got %s", desc.Type)
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return wire.SDP{}, fmt.Errorf("set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return wire.SDP{}, fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return wire.SDP{}, fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete

	local := p.pc.LocalDescription()
	if local == nil {
		return wire.SDP{}, errors.New("missing local description after gathering")
	}
	return wire.SDPFromPion(*local), nil
}

func (p *Peer) AddCandidate(c wire.Candidate) error {
	if c.Candidate == "" {
		return nil
	}
	return p.pc.AddICECandidate(c.ToPion())
}

// ForwardRTP writes a packet from another peer into this peer's outbound
// track of the same kind. An unbound track (client not connected yet) drops
// the packet without error.
func (p *Peer) ForwardRTP(_ string, kind TrackKind, packet []byte) error {
	track, ok := p.out[kind]
	if !ok {
		return fmt.Errorf("no outbound %s track", kind)
	}
	if _, err := track.Write(packet); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return nil
		}
		return err
	}
	return nil
}

func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.pc.Close()
	})
	return err
}

var _ Endpoint = (*Peer)(nil)
