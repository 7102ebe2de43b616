package services

import (
	"context"
	"log"
	"strconv"
	"sync"

	"github.com/tradewire/relay/internal/bus"
)

// Contests tracks who participates in which contest and answers the room
// engine's participation checks. Contest CRUD lives outside the hub; entries
// reach this service through Enter.
type Contests struct {
	broker bus.Broker

	mu           sync.RWMutex
	participants map[int64]map[string]bool // contest ID -> principal ID set
}

func NewContests(broker bus.Broker) *Contests {
	return &Contests{
		broker:       broker,
		participants: make(map[int64]map[string]bool),
	}
}

func (c *Contests) Name() string           { return "contests" }
func (c *Contests) Dependencies() []string { return nil }

func (c *Contests) Init(ctx context.Context) error  { return nil }
func (c *Contests) Start(ctx context.Context) error { return nil }
func (c *Contests) Stop(ctx context.Context) error  { return nil }

func (c *Contests) HealthCheck(ctx context.Context) error { return nil }

func (c *Contests) Stats() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := 0
	for _, set := range c.participants {
		total += len(set)
	}
	return map[string]any{"contests": len(c.participants), "entries": total}
}

// Enter registers a principal as a participant of a contest and publishes the
// activity on the bus.
func (c *Contests) Enter(contestID int64, principalID string) {
	c.mu.Lock()
	set, ok := c.participants[contestID]
	if !ok {
		set = make(map[string]bool)
		c.participants[contestID] = set
	}
	set[principalID] = true
	c.mu.Unlock()

	event := bus.NewEvent(bus.TopicContestActivity, c.Name(), bus.SeverityInfo, map[string]any{
		"action":    "enter",
		"contestId": strconv.FormatInt(contestID, 10),
		"principal": principalID,
	})
	if err := c.broker.Publish(bus.TopicContestActivity, event); err != nil {
		log.Printf("contests: publish activity: %v", err)
	}
}

// IsParticipant implements the room engine's participation check.
func (c *Contests) IsParticipant(ctx context.Context, contestID int64, principalID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.participants[contestID][principalID], nil
}
