package rooms

import (
	"context"
	"log"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/tradewire/relay/internal/auth"
	"github.com/tradewire/relay/internal/hub"
	"github.com/tradewire/relay/internal/ratelimit"
)

// ParticipationChecker classifies principals as contest participants. The
// contest service implements it; the engine never reads contest storage
// directly.
type ParticipationChecker interface {
	IsParticipant(ctx context.Context, contestID int64, principalID string) (bool, error)
}

// Broadcaster is the slice of the hub fan-out the engine emits through.
type Broadcaster interface {
	Broadcast(channel string, env hub.Envelope)
}

// Engine owns every room. The engine lock guards the room index; each room
// has its own lock, so chat in one room never blocks another.
type Engine struct {
	mu     sync.Mutex
	rooms  map[int64]*room
	byConn map[string]map[int64]bool // conn ID -> joined contest IDs

	participation ParticipationChecker
	limiter       *ratelimit.Limiter
	broadcaster   Broadcaster

	historySize int
	maxChatLen  int
}

func NewEngine(participation ParticipationChecker, limiter *ratelimit.Limiter, broadcaster Broadcaster, historySize, maxChatLen int) *Engine {
	return &Engine{
		rooms:         make(map[int64]*room),
		byConn:        make(map[string]map[int64]bool),
		participation: participation,
		limiter:       limiter,
		broadcaster:   broadcaster,
		historySize:   historySize,
		maxChatLen:    maxChatLen,
	}
}

// Join adds a connection to a contest room, classifying the principal as
// admin, participant, or spectator. Admins join with visibility hidden and
// produce no presence broadcast until they flip it.
func (e *Engine) Join(ctx context.Context, contestID int64, c *hub.Conn) error {
	class := classSpectator
	p := c.Principal
	if p.Role.AtLeast(auth.RoleAdmin) {
		class = classAdmin
	} else if p.Authenticated() {
		participant, err := e.participation.IsParticipant(ctx, contestID, p.ID)
		if err != nil {
			return hub.Errorf(hub.CodeInternal, "participation lookup failed")
		}
		if participant {
			class = classParticipant
		}
	}

	r := e.room(contestID, true)
	r.mu.Lock()
	if _, ok := r.members[c.ID]; ok {
		r.mu.Unlock()
		return nil
	}
	r.members[c.ID] = &member{connID: c.ID, principalID: p.ID, role: p.Role, class: class}

	var events []hub.Envelope
	switch class {
	case classAdmin:
		if _, ok := r.adminVisibility[p.ID]; !ok {
			r.adminVisibility[p.ID] = false
		}
	case classSpectator:
		r.spectators++
		events = append(events, spectatorCount(r))
		fallthrough
	case classParticipant:
		events = append(events, presence(r, "join", p.ID))
	}
	channel := r.channel()
	r.mu.Unlock()

	e.track(c.ID, contestID)
	for _, env := range events {
		e.broadcaster.Broadcast(channel, env)
	}
	log.Printf("rooms: conn %s joined contest %d (class=%d)", c.ID, contestID, class)
	return nil
}

// Leave removes a connection from a contest room. The last member leaving
// deallocates the room.
func (e *Engine) Leave(contestID int64, c *hub.Conn) {
	r := e.room(contestID, false)
	if r == nil {
		return
	}
	e.leaveRoom(r, c.ID)
	e.untrack(c.ID, contestID)
	e.limiter.ForgetChat(c.Principal.ID, contestID)
}

func (e *Engine) leaveRoom(r *room, connID string) {
	r.mu.Lock()
	m, ok := r.members[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.members, connID)

	var events []hub.Envelope
	switch m.class {
	case classAdmin:
		wasActive := r.anyVisibleAdmin()
		if !e.adminStillPresent(r, m.principalID) {
			delete(r.adminVisibility, m.principalID)
		}
		if wasActive && !r.anyVisibleAdmin() {
			events = append(events, adminPresence(r, false))
		}
	case classSpectator:
		r.spectators--
		events = append(events, spectatorCount(r), presence(r, "leave", m.principalID))
	case classParticipant:
		events = append(events, presence(r, "leave", m.principalID))
	}
	empty := len(r.members) == 0
	channel := r.channel()
	r.mu.Unlock()

	for _, env := range events {
		e.broadcaster.Broadcast(channel, env)
	}

	if empty {
		e.mu.Lock()
		if current, ok := e.rooms[r.contestID]; ok && current == r {
			r.mu.Lock()
			if len(r.members) == 0 {
				delete(e.rooms, r.contestID)
			}
			r.mu.Unlock()
		}
		e.mu.Unlock()
	}
}

// adminStillPresent reports whether another connection of the same admin
// principal remains in the room. Caller holds the room lock.
func (e *Engine) adminStillPresent(r *room, principalID string) bool {
	for _, m := range r.members {
		if m.class == classAdmin && m.principalID == principalID {
			return true
		}
	}
	return false
}

// SetAdminPresence flips an admin's visibility in a room. ADMIN_PRESENCE is
// broadcast only when the room's any-visible-admin flag actually changes.
func (e *Engine) SetAdminPresence(contestID int64, c *hub.Conn, visible bool) error {
	if !c.Principal.Role.AtLeast(auth.RoleAdmin) {
		return hub.Errorf(hub.CodeForbidden, "admin role required")
	}
	r := e.room(contestID, false)
	if r == nil {
		return hub.Errorf(hub.CodeForbidden, "not in room")
	}

	r.mu.Lock()
	if _, ok := r.members[c.ID]; !ok {
		r.mu.Unlock()
		return hub.Errorf(hub.CodeForbidden, "not in room")
	}
	before := r.anyVisibleAdmin()
	r.adminVisibility[c.Principal.ID] = visible
	after := r.anyVisibleAdmin()
	var event *hub.Envelope
	if before != after {
		env := adminPresence(r, after)
		event = &env
	}
	channel := r.channel()
	r.mu.Unlock()

	if event != nil {
		e.broadcaster.Broadcast(channel, *event)
	}
	return nil
}

// Chat runs the acceptance pipeline: membership, length, rate window, ring
// append, broadcast. The accepted message is returned to the caller.
func (e *Engine) Chat(contestID int64, c *hub.Conn, text string) (*ChatMessage, error) {
	p := c.Principal
	if !p.Authenticated() {
		return nil, hub.Errorf(hub.CodeAuthRequired, "authentication required to chat")
	}
	r := e.room(contestID, false)
	if r == nil {
		return nil, hub.Errorf(hub.CodeForbidden, "not in room")
	}

	r.mu.Lock()
	m, ok := r.members[c.ID]
	if !ok {
		r.mu.Unlock()
		return nil, hub.Errorf(hub.CodeForbidden, "not in room")
	}
	// Length is measured in characters, not bytes.
	if n := utf8.RuneCountInString(text); n == 0 || n > e.maxChatLen {
		r.mu.Unlock()
		return nil, hub.Errorf(hub.CodePayloadTooLarge, "chat message must be 1-%d characters", e.maxChatLen)
	}
	if !e.limiter.TryChat(p.ID, contestID) {
		r.mu.Unlock()
		return nil, hub.Errorf(hub.CodeRateLimit, "chat rate limit exceeded")
	}

	msg := ChatMessage{
		ID:        uuid.New().String(),
		ContestID: contestID,
		Sender:    p.ID,
		Text:      text,
		Timestamp: time.Now().UTC(),
		IsAdmin:   m.class == classAdmin,
	}
	r.appendChat(msg, e.historySize)
	channel := r.channel()
	r.mu.Unlock()

	e.broadcaster.Broadcast(channel, hub.NewData(channel, "CHAT_MESSAGE", msg))
	return &msg, nil
}

// History returns a copy of a room's chat history, oldest first.
func (e *Engine) History(contestID int64) []ChatMessage {
	r := e.room(contestID, false)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChatMessage, len(r.chat))
	copy(out, r.chat)
	return out
}

// SpectatorCount returns a room's current spectator count.
func (e *Engine) SpectatorCount(contestID int64) int {
	r := e.room(contestID, false)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spectators
}

// AdminPresenceActive reports the room's any-visible-admin flag.
func (e *Engine) AdminPresenceActive(contestID int64) bool {
	r := e.room(contestID, false)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.anyVisibleAdmin()
}

// DisconnectConn removes a connection from every room it joined. Wired as a
// hub disconnect hook.
func (e *Engine) DisconnectConn(c *hub.Conn) {
	e.mu.Lock()
	contests := make([]int64, 0, len(e.byConn[c.ID]))
	for id := range e.byConn[c.ID] {
		contests = append(contests, id)
	}
	delete(e.byConn, c.ID)
	e.mu.Unlock()

	for _, contestID := range contests {
		if r := e.room(contestID, false); r != nil {
			e.leaveRoom(r, c.ID)
		}
		e.limiter.ForgetChat(c.Principal.ID, contestID)
	}
}

func (e *Engine) room(contestID int64, create bool) *room {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rooms[contestID]
	if !ok && create {
		r = newRoom(contestID)
		e.rooms[contestID] = r
	}
	return r
}

func (e *Engine) track(connID string, contestID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.byConn[connID]
	if !ok {
		set = make(map[int64]bool)
		e.byConn[connID] = set
	}
	set[contestID] = true
}

func (e *Engine) untrack(connID string, contestID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if set, ok := e.byConn[connID]; ok {
		delete(set, contestID)
		if len(set) == 0 {
			delete(e.byConn, connID)
		}
	}
}

func presence(r *room, action, principalID string) hub.Envelope {
	return hub.NewData(r.channel(), "PRESENCE", map[string]any{
		"action":    action,
		"principal": principalID,
		"contestId": r.contestID,
	})
}

func adminPresence(r *room, active bool) hub.Envelope {
	return hub.NewData(r.channel(), "ADMIN_PRESENCE", map[string]any{
		"active":    active,
		"contestId": r.contestID,
	})
}

func spectatorCount(r *room) hub.Envelope {
	return hub.NewData(r.channel(), "SPECTATOR_COUNT", map[string]any{
		"count":     r.spectators,
		"contestId": r.contestID,
	})
}
