// Package rooms implements per-contest rooms: membership, admin visibility,
// spectator counting, and bounded chat history.
package rooms

import (
	"strconv"
	"sync"
	"time"

	"github.com/tradewire/relay/internal/auth"
)

// ChatMessage is immutable once accepted into a room's history.
type ChatMessage struct {
	ID        string    `json:"id"`
	ContestID int64     `json:"contestId"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	IsAdmin   bool      `json:"isAdmin"`
}

type memberClass int

const (
	classSpectator memberClass = iota
	classParticipant
	classAdmin
)

// member is room-side connection state. Rooms hold connection ids, never the
// connections themselves.
type member struct {
	connID      string
	principalID string
	role        auth.Role
	class       memberClass
}

type room struct {
	mu sync.Mutex

	contestID       int64
	members         map[string]*member // conn ID -> member
	adminVisibility map[string]bool    // admin principal ID -> visible
	spectators      int
	chat            []ChatMessage
}

func newRoom(contestID int64) *room {
	return &room{
		contestID:       contestID,
		members:         make(map[string]*member),
		adminVisibility: make(map[string]bool),
	}
}

func (r *room) channel() string {
	return "contest." + strconv.FormatInt(r.contestID, 10)
}

// anyVisibleAdmin reports the room's admin-presence flag. Caller holds the
// lock.
func (r *room) anyVisibleAdmin() bool {
	for _, visible := range r.adminVisibility {
		if visible {
			return true
		}
	}
	return false
}

// appendChat adds a message to the history, evicting the oldest entry when
// the ring is full. Caller holds the lock.
func (r *room) appendChat(msg ChatMessage, limit int) {
	r.chat = append(r.chat, msg)
	if len(r.chat) > limit {
		r.chat = r.chat[len(r.chat)-limit:]
	}
}
