package natserver

import (
	"fmt"
	"sync"
	"time"

	"github.com/crosstalk-io/crosstalk/internal/metrics"
)

// Allocation reserves a relay port for one client endpoint. The server hands
// out and expires reservations; it does not relay payload bytes.
type Allocation struct {
	ClientEndpoint string
	RelayPort      int
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// AllocationTable tracks live allocations keyed by client endpoint and hands
// out relay ports from a configured range.
type AllocationTable struct {
	metrics *metrics.Metrics
	ttl     time.Duration
	portMin int
	portMax int
	now     func() time.Time

	mu       sync.Mutex
	byClient map[string]*Allocation
	inUse    map[int]bool
	nextPort int
}

func NewAllocationTable(ttl time.Duration, portMin, portMax int, m *metrics.Metrics, now func() time.Time) (*AllocationTable, error) {
	if portMin <= 0 || portMax < portMin {
		return nil, fmt.Errorf("invalid relay port range %d-%d", portMin, portMax)
	}
	if now == nil {
		now = time.Now
	}
	return &AllocationTable{
		metrics:  m,
		ttl:      ttl,
		portMin:  portMin,
		portMax:  portMax,
		now:      now,
		byClient: make(map[string]*Allocation),
		inUse:    make(map[int]bool),
		nextPort: portMin,
	}, nil
}

// Allocate creates an allocation for the endpoint, or refreshes the expiry of
// a live one. It fails when the relay port range is exhausted.
func (t *AllocationTable) Allocate(clientEndpoint string) (Allocation, error) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	if alloc, ok := t.byClient[clientEndpoint]; ok {
		if alloc.ExpiresAt.After(now) {
			alloc.ExpiresAt = now.Add(t.ttl)
			return *alloc, nil
		}
		// Expired but not yet swept: release the old port before reserving a
		// new one, or the reservation would outlive every reference to it.
		delete(t.byClient, clientEndpoint)
		delete(t.inUse, alloc.RelayPort)
		t.metrics.Inc(metrics.AllocationsExpired)
	}

	port, ok := t.reservePort()
	if !ok {
		return Allocation{}, fmt.Errorf("relay port range %d-%d exhausted", t.portMin, t.portMax)
	}
	alloc := &Allocation{
		ClientEndpoint: clientEndpoint,
		RelayPort:      port,
		CreatedAt:      now,
		ExpiresAt:      now.Add(t.ttl),
	}
	t.byClient[clientEndpoint] = alloc
	t.metrics.Inc(metrics.AllocationsCreated)
	return *alloc, nil
}

// reservePort scans from the rotating cursor so freed ports are not
// immediately reissued. Caller holds t.mu.
func (t *AllocationTable) reservePort() (int, bool) {
	span := t.portMax - t.portMin + 1
	for i := 0; i < span; i++ {
		port := t.nextPort
		t.nextPort++
		if t.nextPort > t.portMax {
			t.nextPort = t.portMin
		}
		if !t.inUse[port] {
			t.inUse[port] = true
			return port, true
		}
	}
	return 0, false
}

// Get returns the live allocation for the endpoint, if any.
func (t *AllocationTable) Get(clientEndpoint string) (Allocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	alloc, ok := t.byClient[clientEndpoint]
	if !ok || !alloc.ExpiresAt.After(t.now()) {
		return Allocation{}, false
	}
	return *alloc, true
}

// Sweep removes expired allocations and frees their ports, returning how many
// were removed.
func (t *AllocationTable) Sweep() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for endpoint, alloc := range t.byClient {
		if alloc.ExpiresAt.After(now) {
			continue
		}
		delete(t.byClient, endpoint)
		delete(t.inUse, alloc.RelayPort)
		removed++
	}
	if removed > 0 {
		t.metrics.Add(metrics.AllocationsExpired, uint64(removed))
	}
	return removed
}

// Len reports the number of tracked allocations, expired ones included until
// the next sweep.
func (t *AllocationTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byClient)
}
