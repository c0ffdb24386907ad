package dispatch

import (
	"testing"

	"github.com/nats-io/nats.go"
)

func TestNATSConnectedWaitsForConn(t *testing.T) {
	tr := NewNATSTransport(NATSConfig{})
	calls := 0
	h := Handlers{OnConnect: func() { calls++ }}

	// The client library may report the connection before Connect stored it.
	tr.connected(h)
	if calls != 0 {
		t.Fatalf("OnConnect fired before the conn was stored")
	}

	tr.mu.Lock()
	tr.conn, tr.inbox = &nats.Conn{}, nats.NewInbox()
	tr.mu.Unlock()
	tr.connected(h)
	tr.connected(h)
	if calls != 1 {
		t.Fatalf("OnConnect fired %d times, want 1", calls)
	}
}
