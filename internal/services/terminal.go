package services

import (
	"context"
	"sync/atomic"
	"time"
)

// Terminal aggregates the data behind the terminal view: market snapshot plus
// service uptime.
type Terminal struct {
	market    *MarketData
	startedAt time.Time
	requests  int64
}

func NewTerminal(market *MarketData) *Terminal {
	return &Terminal{market: market}
}

func (t *Terminal) Name() string           { return "terminal" }
func (t *Terminal) Dependencies() []string { return []string{"marketData"} }

func (t *Terminal) Init(ctx context.Context) error { return nil }

func (t *Terminal) Start(ctx context.Context) error {
	t.startedAt = time.Now()
	return nil
}

func (t *Terminal) Stop(ctx context.Context) error         { return nil }
func (t *Terminal) HealthCheck(ctx context.Context) error  { return nil }

func (t *Terminal) Stats() map[string]any {
	return map[string]any{"requests": atomic.LoadInt64(&t.requests)}
}

// Data returns the terminal snapshot served to getTerminalData requests.
func (t *Terminal) Data(ctx context.Context) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	atomic.AddInt64(&t.requests, 1)
	return map[string]any{
		"markets":   t.market.Snapshot(),
		"uptimeSec": int64(time.Since(t.startedAt).Seconds()),
		"timestamp": time.Now().UTC(),
	}, nil
}
