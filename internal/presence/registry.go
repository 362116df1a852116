// Package presence tracks which connections are live for each authenticated
// user. A user may hold many simultaneous connections (multi-device); every
// coordinator resolves delivery targets through this registry.
package presence

import (
	"errors"
	"sync"
	"time"

	"github.com/crosstalk-io/crosstalk/internal/wire"
)

var ErrDuplicateConnection = errors.New("presence: connection id already registered")

// Conn is one live transport connection. Implementations must be safe for
// concurrent Send calls.
type Conn interface {
	ID() string
	UserID() int64
	Send(ev wire.Event) error
}

// Device is the metadata recorded per connection at connect time.
type Device struct {
	UserID       int64
	ConnectionID string
	DeviceToken  string
	DeviceName   string
	ConnectedAt  time.Time
}

// Registry is a concurrent user → connection-set index. Insert-if-absent and
// remove-if-now-empty are atomic: the outer user entry is deleted in the same
// critical section that empties the inner set, so a concurrent register can
// never resurrect a half-deleted entry.
type Registry struct {
	mu      sync.RWMutex
	byUser  map[int64]map[string]Conn
	byConn  map[string]Conn
	devices map[string]Device
}

func NewRegistry() *Registry {
	return &Registry{
		byUser:  make(map[int64]map[string]Conn),
		byConn:  make(map[string]Conn),
		devices: make(map[string]Device),
	}
}

func (r *Registry) Register(conn Conn, device Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byConn[conn.ID()]; exists {
		return ErrDuplicateConnection
	}

	conns := r.byUser[conn.UserID()]
	if conns == nil {
		conns = make(map[string]Conn)
		r.byUser[conn.UserID()] = conns
	}
	conns[conn.ID()] = conn
	r.byConn[conn.ID()] = conn

	device.UserID = conn.UserID()
	device.ConnectionID = conn.ID()
	if device.ConnectedAt.IsZero() {
		device.ConnectedAt = time.Now()
	}
	r.devices[conn.ID()] = device
	return nil
}

// Unregister removes a connection and returns it, if registered.
func (r *Registry) Unregister(connID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.byConn[connID]
	if !ok {
		return nil, false
	}
	delete(r.byConn, connID)
	delete(r.devices, connID)

	if conns := r.byUser[conn.UserID()]; conns != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byUser, conn.UserID())
		}
	}
	return conn, true
}

// Connections returns every live connection for a user.
func (r *Registry) Connections(userID int64) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	out := make([]Conn, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn)
	}
	return out
}

func (r *Registry) Lookup(connID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byConn[connID]
	return conn, ok
}

func (r *Registry) Device(connID string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	device, ok := r.devices[connID]
	return device, ok
}

// Online reports whether the user has at least one live connection.
func (r *Registry) Online(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
