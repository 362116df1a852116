package metrics

import "sync"

// Event counter names used across the server.
const (
	StunRequests          = "stun_requests"
	StunMalformedDropped  = "stun_malformed_dropped"
	AllocationsCreated    = "allocations_created"
	AllocationsExpired    = "allocations_expired"
	CredentialMints       = "credential_mints"
	CredentialRejects     = "credential_rejects"
	ExternalCredFetches   = "external_credential_fetches"
	ExternalCredCacheHits = "external_credential_cache_hits"

	HubConnects    = "hub_connects"
	HubDisconnects = "hub_disconnects"
	HubBadMessages = "hub_bad_messages"
	HubRateLimited = "hub_rate_limited"
	AuthFailure    = "auth_failure"

	CallsInitiated = "calls_initiated"
	CallsAccepted  = "calls_accepted"
	CallsFailed    = "calls_failed"

	MeetingJoins        = "meeting_joins"
	MeetingJoinsPending = "meeting_joins_pending"

	SfuPeersJoined      = "sfu_peers_joined"
	SfuPacketsForwarded = "sfu_packets_forwarded"
	SfuForwardDropped   = "sfu_forward_dropped"

	SignalsRelayedCall    = "signals_relayed_call"
	SignalsRelayedMeeting = "signals_relayed_meeting"
	SignalsDroppedNoDest  = "signals_dropped_no_destination"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The server is expected to plug into a real metrics backend eventually; this
// type keeps coordinator logic testable while still exposing counters via the
// Prometheus text handler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
