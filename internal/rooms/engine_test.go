package rooms

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tradewire/relay/internal/auth"
	"github.com/tradewire/relay/internal/hub"
	"github.com/tradewire/relay/internal/ratelimit"
)

type captureBroadcaster struct {
	mu     sync.Mutex
	events []hub.Envelope
}

func (b *captureBroadcaster) Broadcast(channel string, env hub.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, env)
}

func (b *captureBroadcaster) bySubtype(subtype string) []hub.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []hub.Envelope
	for _, env := range b.events {
		if env.Subtype == subtype {
			out = append(out, env)
		}
	}
	return out
}

type fakeParticipation struct {
	participants map[string]bool
}

func (f *fakeParticipation) IsParticipant(ctx context.Context, contestID int64, principalID string) (bool, error) {
	return f.participants[principalID], nil
}

func newTestEngine(participants ...string) (*Engine, *captureBroadcaster) {
	p := &fakeParticipation{participants: make(map[string]bool)}
	for _, id := range participants {
		p.participants[id] = true
	}
	b := &captureBroadcaster{}
	limiter := ratelimit.New(100, 100, 3, 10*time.Second)
	return NewEngine(p, limiter, b, 5, 100), b
}

func conn(id string, role auth.Role, principalID string) *hub.Conn {
	return &hub.Conn{ID: id, Principal: &auth.Principal{ID: principalID, Role: role}}
}

func TestEngine_SpectatorCount(t *testing.T) {
	e, b := newTestEngine("p1")
	ctx := context.Background()

	participant := conn("c1", auth.RoleUser, "p1")
	spectator := conn("c2", auth.RoleUser, "s1")
	guest := conn("c3", auth.RoleGuest, "")
	admin := conn("c4", auth.RoleAdmin, "a1")

	for _, c := range []*hub.Conn{participant, spectator, guest, admin} {
		if err := e.Join(ctx, 42, c); err != nil {
			t.Fatalf("join failed: %v", err)
		}
	}

	// Participant and admin are not spectators.
	if n := e.SpectatorCount(42); n != 2 {
		t.Fatalf("expected 2 spectators, got %d", n)
	}

	e.Leave(42, spectator)
	if n := e.SpectatorCount(42); n != 1 {
		t.Fatalf("expected 1 spectator after leave, got %d", n)
	}

	// One SPECTATOR_COUNT per change: two spectator joins + one leave.
	if got := len(b.bySubtype("SPECTATOR_COUNT")); got != 3 {
		t.Errorf("expected 3 SPECTATOR_COUNT broadcasts, got %d", got)
	}
}

func TestEngine_AdminJoinsHidden(t *testing.T) {
	e, b := newTestEngine()
	admin := conn("c1", auth.RoleAdmin, "a1")

	if err := e.Join(context.Background(), 7, admin); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	if len(b.bySubtype("PRESENCE")) != 0 {
		t.Error("hidden admin join must not broadcast presence")
	}
	if e.AdminPresenceActive(7) {
		t.Error("admin presence should start hidden")
	}
}

func TestEngine_SetAdminPresenceFlipsOnce(t *testing.T) {
	e, b := newTestEngine()
	ctx := context.Background()
	a1 := conn("c1", auth.RoleAdmin, "a1")
	a2 := conn("c2", auth.RoleAdmin, "a2")
	if err := e.Join(ctx, 7, a1); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := e.Join(ctx, 7, a2); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	if err := e.SetAdminPresence(7, a1, true); err != nil {
		t.Fatalf("set presence failed: %v", err)
	}
	if got := len(b.bySubtype("ADMIN_PRESENCE")); got != 1 {
		t.Fatalf("expected exactly one ADMIN_PRESENCE broadcast, got %d", got)
	}

	// Second visible admin does not change the room flag.
	if err := e.SetAdminPresence(7, a2, true); err != nil {
		t.Fatalf("set presence failed: %v", err)
	}
	if got := len(b.bySubtype("ADMIN_PRESENCE")); got != 1 {
		t.Errorf("flag unchanged, no extra broadcast expected, got %d", got)
	}

	// Both going hidden flips it back.
	if err := e.SetAdminPresence(7, a1, false); err != nil {
		t.Fatalf("set presence failed: %v", err)
	}
	if err := e.SetAdminPresence(7, a2, false); err != nil {
		t.Fatalf("set presence failed: %v", err)
	}
	if got := len(b.bySubtype("ADMIN_PRESENCE")); got != 2 {
		t.Errorf("expected 2 ADMIN_PRESENCE broadcasts total, got %d", got)
	}
}

func TestEngine_SetAdminPresenceRequiresAdminMembership(t *testing.T) {
	e, _ := newTestEngine()
	user := conn("c1", auth.RoleUser, "u1")
	if err := e.Join(context.Background(), 7, user); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	var wireErr *hub.Error
	if err := e.SetAdminPresence(7, user, true); !errors.As(err, &wireErr) || wireErr.Code != hub.CodeForbidden {
		t.Errorf("expected forbidden for non-admin, got %v", err)
	}

	outsider := conn("c2", auth.RoleAdmin, "a1")
	if err := e.SetAdminPresence(7, outsider, true); !errors.As(err, &wireErr) || wireErr.Code != hub.CodeForbidden {
		t.Errorf("expected forbidden for non-member, got %v", err)
	}
}

func TestEngine_ChatPipeline(t *testing.T) {
	e, b := newTestEngine("p1")
	ctx := context.Background()
	c := conn("c1", auth.RoleUser, "p1")
	if err := e.Join(ctx, 42, c); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	outsider := conn("c2", auth.RoleUser, "u2")
	var wireErr *hub.Error
	if _, err := e.Chat(42, outsider, "hi"); !errors.As(err, &wireErr) || wireErr.Code != hub.CodeForbidden {
		t.Errorf("non-member chat should be forbidden, got %v", err)
	}

	if _, err := e.Chat(42, c, strings.Repeat("x", 101)); !errors.As(err, &wireErr) || wireErr.Code != hub.CodePayloadTooLarge {
		t.Errorf("overlong chat should be rejected, got %v", err)
	}

	// Window allows 3 messages; the 4th is rate limited with no broadcast.
	for i := 0; i < 3; i++ {
		if _, err := e.Chat(42, c, "hello"); err != nil {
			t.Fatalf("chat %d failed: %v", i, err)
		}
	}
	if _, err := e.Chat(42, c, "one too many"); !errors.As(err, &wireErr) || wireErr.Code != hub.CodeRateLimit {
		t.Fatalf("expected rate_limit on 4th chat, got %v", err)
	}
	if got := len(b.bySubtype("CHAT_MESSAGE")); got != 3 {
		t.Errorf("expected 3 CHAT_MESSAGE broadcasts, got %d", got)
	}
}

func TestEngine_ChatLengthCountsCharacters(t *testing.T) {
	e, _ := newTestEngine("p1")
	c := conn("c1", auth.RoleUser, "p1")
	if err := e.Join(context.Background(), 42, c); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	// 100 three-byte characters: 300 bytes, but exactly at the character
	// limit, so the message is accepted.
	if _, err := e.Chat(42, c, strings.Repeat("€", 100)); err != nil {
		t.Errorf("100-character multibyte message should be accepted, got %v", err)
	}

	var wireErr *hub.Error
	if _, err := e.Chat(42, c, strings.Repeat("€", 101)); !errors.As(err, &wireErr) || wireErr.Code != hub.CodePayloadTooLarge {
		t.Errorf("101-character message should be rejected, got %v", err)
	}
}

func TestEngine_ChatHistoryBounded(t *testing.T) {
	p := &fakeParticipation{participants: map[string]bool{"p1": true}}
	b := &captureBroadcaster{}
	limiter := ratelimit.New(100, 100, 100, 10*time.Second)
	e := NewEngine(p, limiter, b, 3, 100)

	c := conn("c1", auth.RoleUser, "p1")
	if err := e.Join(context.Background(), 42, c); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		if _, err := e.Chat(42, c, "msg"); err != nil {
			t.Fatalf("chat %d failed: %v", i, err)
		}
	}

	history := e.History(42)
	if len(history) != 3 {
		t.Fatalf("history should be bounded at 3, got %d", len(history))
	}
}

func TestEngine_LastLeaveDeallocatesRoom(t *testing.T) {
	e, _ := newTestEngine()
	c := conn("c1", auth.RoleUser, "u1")
	if err := e.Join(context.Background(), 42, c); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	e.Leave(42, c)

	e.mu.Lock()
	_, ok := e.rooms[42]
	e.mu.Unlock()
	if ok {
		t.Error("empty room should be deallocated")
	}
}

func TestEngine_DisconnectRemovesFromAllRooms(t *testing.T) {
	e, b := newTestEngine()
	ctx := context.Background()
	c := conn("c1", auth.RoleUser, "u1")
	other := conn("c2", auth.RoleUser, "u2")

	for _, contestID := range []int64{1, 2} {
		if err := e.Join(ctx, contestID, c); err != nil {
			t.Fatalf("join failed: %v", err)
		}
		if err := e.Join(ctx, contestID, other); err != nil {
			t.Fatalf("join failed: %v", err)
		}
	}

	e.DisconnectConn(c)

	if e.SpectatorCount(1) != 1 || e.SpectatorCount(2) != 1 {
		t.Error("disconnected connection should leave every room")
	}
	leaves := 0
	for _, env := range b.bySubtype("PRESENCE") {
		if strings.Contains(string(env.Data), `"leave"`) {
			leaves++
		}
	}
	if leaves != 2 {
		t.Errorf("expected 2 leave broadcasts, got %d", leaves)
	}
}
