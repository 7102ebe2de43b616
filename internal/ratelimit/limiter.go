package ratelimit

import (
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces the two rate-limiting layers of the hub: a per-connection
// token bucket and a per-(principal, room) sliding chat window. Connection
// buckets are owned by the connections themselves; Limiter hands them out so
// the capacity and refill rate stay in one place.
type Limiter struct {
	capacity int
	refill   rate.Limit

	chatWindow time.Duration
	chatMax    int

	mu    sync.Mutex
	chats map[string][]time.Time // principalID/contestID -> accepted message times

	now func() time.Time
}

func New(capacity int, refillPerSec float64, chatMax int, chatWindow time.Duration) *Limiter {
	return &Limiter{
		capacity:   capacity,
		refill:     rate.Limit(refillPerSec),
		chatWindow: chatWindow,
		chatMax:    chatMax,
		chats:      make(map[string][]time.Time),
		now:        time.Now,
	}
}

// NewBucket returns a fresh token bucket for one connection.
func (l *Limiter) NewBucket() *rate.Limiter {
	return rate.NewLimiter(l.refill, l.capacity)
}

// TryAcquire consumes one token from the connection's bucket. A rejected
// message does not consume a token.
func (l *Limiter) TryAcquire(bucket *rate.Limiter) bool {
	return bucket.Allow()
}

func chatKey(principalID string, contestID int64) string {
	return principalID + "/" + strconv.FormatInt(contestID, 10)
}

// TryChat records one chat message against the (principal, room) window and
// reports whether it is within the limit. The window is pruned lazily; no
// timer goroutine is involved.
func (l *Limiter) TryChat(principalID string, contestID int64) bool {
	key := chatKey(principalID, contestID)
	now := l.now()
	cutoff := now.Add(-l.chatWindow)

	l.mu.Lock()
	defer l.mu.Unlock()

	times := l.chats[key]
	pruned := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}

	if len(pruned) >= l.chatMax {
		l.chats[key] = pruned
		return false
	}

	l.chats[key] = append(pruned, now)
	return true
}

// ForgetChat drops the chat window bookkeeping for a (principal, room) pair.
// Called when the principal leaves the room.
func (l *Limiter) ForgetChat(principalID string, contestID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.chats, chatKey(principalID, contestID))
}
