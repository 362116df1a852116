// Package natserver implements the NAT traversal server: a STUN-style
// responder over UDP with a TCP fallback, plus relay-port allocations. The
// server reports observed addresses and reserves relay ports; it never relays
// payload bytes.
package natserver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/udp"

	"github.com/crosstalk-io/crosstalk/internal/metrics"
	"github.com/crosstalk-io/crosstalk/internal/stun"
)

const (
	defaultAllocationTTL = 10 * time.Minute
	defaultSweepInterval = 30 * time.Second
	defaultSoftware      = "crosstalk"

	maxDatagramSize = 1500
)

type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// UDPAddr is the primary STUN listen address, e.g. ":3478".
	UDPAddr string
	// TCPAddr enables the TCP fallback responder when non-empty.
	TCPAddr string

	Software      string
	AllocationTTL time.Duration
	SweepInterval time.Duration
	RelayPortMin  int
	RelayPortMax  int

	Now func() time.Time
}

type Server struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	udpAddr  string
	tcpAddr  string
	software string
	sweep    time.Duration
	allocs   *AllocationTable

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.UDPAddr == "" {
		return nil, errors.New("missing udp listen address")
	}
	if cfg.Software == "" {
		cfg.Software = defaultSoftware
	}
	if cfg.AllocationTTL <= 0 {
		cfg.AllocationTTL = defaultAllocationTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}

	allocs, err := NewAllocationTable(cfg.AllocationTTL, cfg.RelayPortMin, cfg.RelayPortMax, cfg.Metrics, cfg.Now)
	if err != nil {
		return nil, err
	}
	return &Server{
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		udpAddr:  cfg.UDPAddr,
		tcpAddr:  cfg.TCPAddr,
		software: cfg.Software,
		sweep:    cfg.SweepInterval,
		allocs:   allocs,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Allocations exposes the allocation table, mainly for the HTTP surface and
// tests.
func (s *Server) Allocations() *AllocationTable { return s.allocs }

// Run serves until ctx is cancelled. Receive loops stop between reads;
// already-dispatched handlers drain before Run returns.
func (s *Server) Run(ctx context.Context) error {
	laddr, err := net.ResolveUDPAddr("udp", s.udpAddr)
	if err != nil {
		return fmt.Errorf("resolve udp addr %q: %w", s.udpAddr, err)
	}
	lc := udp.ListenConfig{}
	udpLn, err := lc.Listen("udp", laddr)
	if err != nil {
		return fmt.Errorf("listen udp %q: %w", s.udpAddr, err)
	}

	var tcpLn net.Listener
	if s.tcpAddr != "" {
		tcpLn, err = net.Listen("tcp", s.tcpAddr)
		if err != nil {
			_ = udpLn.Close()
			return fmt.Errorf("listen tcp %q: %w", s.tcpAddr, err)
		}
	}

	s.log.Info("nat traversal server listening", "udp", s.udpAddr, "tcp", s.tcpAddr)

	go func() {
		<-ctx.Done()
		_ = udpLn.Close()
		if tcpLn != nil {
			_ = tcpLn.Close()
		}
		s.closeConns()
	}()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := s.allocs.Sweep(); removed > 0 {
					s.log.Info("allocations expired", "count", removed)
				}
			}
		}
	}()

	wg.Add(1)
	go s.acceptLoop(ctx, &wg, udpLn, s.serveDatagramConn)
	if tcpLn != nil {
		wg.Add(1)
		go s.acceptLoop(ctx, &wg, tcpLn, s.serveStreamConn)
	}

	wg.Wait()
	return nil
}

// acceptLoop hands each accepted conn to its own goroutine so one slow client
// cannot stall the others. For the UDP listener a "conn" is one remote
// endpoint's datagram stream.
func (s *Server) acceptLoop(ctx context.Context, wg *sync.WaitGroup, ln net.Listener, serve func(net.Conn)) {
	defer wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("accept failed", "addr", ln.Addr().String(), "err", err)
			continue
		}
		s.trackConn(conn)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.untrackConn(conn)
			serve(conn)
		}()
	}
}

func (s *Server) trackConn(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrackConn(conn net.Conn) {
	_ = conn.Close()
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// serveDatagramConn handles one remote endpoint's datagrams. A read returns
// exactly one datagram.
func (s *Server) serveDatagramConn(conn net.Conn) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		if resp := s.handleMessage(buf[:n], conn.RemoteAddr()); resp != nil {
			if _, err := conn.Write(resp); err != nil {
				s.log.Warn("udp write failed", "remote", conn.RemoteAddr().String(), "err", err)
				return
			}
		}
	}
}

// serveStreamConn handles the TCP fallback: the same wire format, framed by
// the length field in the 20-byte header.
func (s *Server) serveStreamConn(conn net.Conn) {
	header := make([]byte, stun.HeaderSize)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		attrLen := int(binary.BigEndian.Uint16(header[2:4]))
		raw := make([]byte, stun.HeaderSize+attrLen)
		copy(raw, header)
		if _, err := io.ReadFull(conn, raw[stun.HeaderSize:]); err != nil {
			return
		}
		resp := s.handleMessage(raw, conn.RemoteAddr())
		if resp == nil {
			// A malformed framed message desyncs the stream; drop the conn.
			return
		}
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

// handleMessage decodes one request and builds the encoded response, or nil
// when the message must be dropped.
func (s *Server) handleMessage(raw []byte, remote net.Addr) []byte {
	msg, err := stun.Decode(raw)
	if err != nil {
		s.metrics.Inc(metrics.StunMalformedDropped)
		s.log.Warn("malformed message dropped", "remote", remote.String(), "err", err)
		return nil
	}

	addr := reflexiveAddr(remote)
	if addr == nil {
		s.log.Warn("unsupported remote address type", "remote", remote.String())
		return nil
	}

	switch msg.Type {
	case stun.TypeBindingRequest:
		s.metrics.Inc(metrics.StunRequests)
		resp := msg.Response(stun.TypeBindingResponse)
		resp.AppendXORMappedAddress(addr)
		resp.AppendMappedAddress(addr)
		resp.AppendSoftware(s.software)
		return resp.Encode()

	case stun.TypeAllocateRequest:
		s.metrics.Inc(metrics.StunRequests)
		alloc, err := s.allocs.Allocate(remote.String())
		if err != nil {
			s.log.Warn("allocation failed", "remote", remote.String(), "err", err)
			return msg.Response(stun.TypeBindingError).Encode()
		}
		s.log.Debug("allocation", "remote", remote.String(), "relay_port", alloc.RelayPort, "expires_at", alloc.ExpiresAt)
		resp := msg.Response(stun.TypeAllocateResponse)
		resp.AppendXORMappedAddress(addr)
		resp.AppendMappedAddress(addr)
		resp.AppendSoftware(s.software)
		return resp.Encode()

	default:
		s.log.Debug("unsupported message type", "remote", remote.String(), "type", msg.Type.String())
		return nil
	}
}

func reflexiveAddr(remote net.Addr) *net.UDPAddr {
	switch a := remote.(type) {
	case *net.UDPAddr:
		return a
	case *net.TCPAddr:
		return &net.UDPAddr{IP: a.IP, Port: a.Port}
	default:
		return nil
	}
}
