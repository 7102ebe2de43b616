package hub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/tradewire/relay/internal/auth"
)

func TestBroadcaster_FIFOPerChannel(t *testing.T) {
	reg := NewRegistry()
	b := NewBroadcaster(reg, 5)
	go b.Run()
	defer b.Close()

	c := testConn("c1", auth.RoleUser, "u1")
	reg.Register(c)
	if err := reg.Subscribe(c, "market-data"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		b.Broadcast("market-data", NewData("market-data", "tick", map[string]int{"seq": i}))
	}

	for i := 0; i < 5; i++ {
		select {
		case raw := <-c.send:
			var env Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			var payload map[string]int
			if err := json.Unmarshal(env.Data, &payload); err != nil {
				t.Fatalf("unmarshal payload: %v", err)
			}
			if payload["seq"] != i {
				t.Fatalf("out of order: expected seq %d, got %d", i, payload["seq"])
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for broadcast %d", i)
		}
	}
}

func TestBroadcaster_NotSentToNonSubscribers(t *testing.T) {
	reg := NewRegistry()
	b := NewBroadcaster(reg, 5)
	go b.Run()
	defer b.Close()

	sub := testConn("sub", auth.RoleUser, "u1")
	other := testConn("other", auth.RoleUser, "u2")
	reg.Register(sub)
	reg.Register(other)
	if err := reg.Subscribe(sub, "contest.7"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := reg.Subscribe(other, "contest.8"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	b.Broadcast("contest.7", NewData("contest.7", "PRESENCE", nil))

	select {
	case <-sub.send:
	case <-time.After(time.Second):
		t.Fatal("subscriber should have received the broadcast")
	}
	if len(other.send) != 0 {
		t.Fatal("non-subscriber should not have received the broadcast")
	}
}

func TestBroadcaster_RoleAndPrincipalTargeting(t *testing.T) {
	reg := NewRegistry()
	b := NewBroadcaster(reg, 5)
	go b.Run()
	defer b.Close()

	user := testConn("user", auth.RoleUser, "u1")
	admin := testConn("admin", auth.RoleAdmin, "a1")
	reg.Register(user)
	reg.Register(admin)
	for _, c := range []*Conn{user, admin} {
		if err := reg.Subscribe(c, "contest.7"); err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
	}

	b.BroadcastRole("contest.7", auth.RoleAdmin, NewData("contest.7", "admin-only", nil))
	time.Sleep(50 * time.Millisecond)
	if len(user.send) != 0 {
		t.Error("role-targeted broadcast must skip lower roles")
	}
	if len(admin.send) != 1 {
		t.Errorf("admin should have received 1 message, got %d", len(admin.send))
	}

	b.BroadcastPrincipal("contest.7", "u1", NewData("contest.7", "personal", nil))
	time.Sleep(50 * time.Millisecond)
	if len(user.send) != 1 {
		t.Errorf("principal-targeted broadcast should reach u1, got %d", len(user.send))
	}
	if len(admin.send) != 1 {
		t.Error("principal-targeted broadcast must not reach other principals")
	}
}

func TestBroadcaster_SlowConsumerEvicted(t *testing.T) {
	reg := NewRegistry()
	b := NewBroadcaster(reg, 2)
	evicted := make(chan *Conn, 1)
	b.OnEvict(func(c *Conn) {
		reg.Unregister(c)
		evicted <- c
	})
	go b.Run()
	defer b.Close()

	c := &Conn{
		ID:        "slow",
		Principal: &auth.Principal{ID: "u1", Role: auth.RoleUser},
		send:      make(chan []byte, 1), // fills after one message
		closed:    make(chan struct{}),
	}
	reg.Register(c)
	if err := reg.Subscribe(c, "market-data"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// First fills the queue; the next two are consecutive drops reaching the
	// limit of 2.
	for i := 0; i < 3; i++ {
		b.Broadcast("market-data", NewData("market-data", "tick", map[string]int{"seq": i}))
	}

	select {
	case got := <-evicted:
		if got.ID != "slow" {
			t.Fatalf("unexpected eviction: %s", got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for slow-consumer eviction")
	}

	select {
	case <-c.closed:
	default:
		t.Error("evicted connection should be closed")
	}
	if reg.Count() != 0 {
		t.Error("evicted connection should be unregistered")
	}
}
