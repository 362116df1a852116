package presence

import (
	"fmt"
	"sync"
	"testing"

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

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	conn := &fakeConn{id: "c-1", userID: 1}

	if err := r.Register(conn, Device{DeviceName: "phone"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(conn, Device{}); err != ErrDuplicateConnection {
		t.Errorf("duplicate register err = %v, want ErrDuplicateConnection", err)
	}

	if got, ok := r.Lookup("c-1"); !ok || got != conn {
		t.Errorf("Lookup = %v, %v", got, ok)
	}
	device, ok := r.Device("c-1")
	if !ok || device.DeviceName != "phone" || device.UserID != 1 {
		t.Errorf("Device = %+v, %v", device, ok)
	}
	if device.ConnectedAt.IsZero() {
		t.Error("ConnectedAt not stamped")
	}
	if !r.Online(1) {
		t.Error("Online(1) = false")
	}
}

func TestMultiDeviceConnections(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 3; i++ {
		conn := &fakeConn{id: fmt.Sprintf("c-%d", i), userID: 5}
		if err := r.Register(conn, Device{}); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	if got := len(r.Connections(5)); got != 3 {
		t.Errorf("connections = %d, want 3", got)
	}
	if got := len(r.Connections(6)); got != 0 {
		t.Errorf("connections for unknown user = %d, want 0", got)
	}
}

func TestUnregisterRemovesEmptyUserEntry(t *testing.T) {
	r := NewRegistry()
	a := &fakeConn{id: "a", userID: 1}
	b := &fakeConn{id: "b", userID: 1}
	_ = r.Register(a, Device{})
	_ = r.Register(b, Device{})

	if _, ok := r.Unregister("a"); !ok {
		t.Fatal("Unregister(a) = false")
	}
	if !r.Online(1) {
		t.Error("user offline while one connection remains")
	}

	if _, ok := r.Unregister("b"); !ok {
		t.Fatal("Unregister(b) = false")
	}
	if r.Online(1) {
		t.Error("user still online after last disconnect")
	}
	if _, ok := r.Unregister("b"); ok {
		t.Error("second Unregister reported success")
	}
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c-%d", i)
			conn := &fakeConn{id: id, userID: int64(i % 4)}
			if err := r.Register(conn, Device{}); err != nil {
				t.Errorf("Register: %v", err)
				return
			}
			if _, ok := r.Unregister(id); !ok {
				t.Errorf("Unregister(%s) = false", id)
			}
		}(i)
	}
	wg.Wait()

	if got := r.ConnectionCount(); got != 0 {
		t.Errorf("connection count = %d, want 0", got)
	}
	for user := int64(0); user < 4; user++ {
		if r.Online(user) {
			t.Errorf("user %d still online", user)
		}
	}
}
