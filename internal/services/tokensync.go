package services

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrDownstream is returned while the token backend is unreachable.
var ErrDownstream = errors.New("token backend unavailable")

// TokenSync mirrors token balances from an external backend. It is the
// service most exposed to downstream failures, so its handlers run behind a
// circuit breaker.
type TokenSync struct {
	market *MarketData

	mu       sync.RWMutex
	healthy  bool
	balances map[string]float64 // principal ID -> token balance
	syncs    int64
	lastSync time.Time
}

func NewTokenSync(market *MarketData) *TokenSync {
	return &TokenSync{
		market:   market,
		healthy:  true,
		balances: make(map[string]float64),
	}
}

func (t *TokenSync) Name() string           { return "tokenSync" }
func (t *TokenSync) Dependencies() []string { return []string{"marketData"} }

func (t *TokenSync) Init(ctx context.Context) error  { return nil }
func (t *TokenSync) Start(ctx context.Context) error { return nil }
func (t *TokenSync) Stop(ctx context.Context) error  { return nil }

func (t *TokenSync) HealthCheck(ctx context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.healthy {
		return ErrDownstream
	}
	return nil
}

func (t *TokenSync) Stats() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return map[string]any{
		"syncs":    t.syncs,
		"accounts": len(t.balances),
		"lastSync": t.lastSync,
	}
}

// SetHealthy toggles the simulated downstream. Operations fail while
// unhealthy, which is what trips the breaker.
func (t *TokenSync) SetHealthy(healthy bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.healthy = healthy
}

// Balance returns the synced token balance for a principal, refreshing it
// from the downstream first.
func (t *TokenSync) Balance(ctx context.Context, principalID string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.healthy {
		return nil, ErrDownstream
	}

	balance, ok := t.balances[principalID]
	if !ok {
		balance = 1000 // opening balance for unseen accounts
		t.balances[principalID] = balance
	}
	t.syncs++
	t.lastSync = time.Now().UTC()

	return map[string]any{
		"principal": principalID,
		"balance":   balance,
		"prices":    t.market.Snapshot(),
		"syncedAt":  t.lastSync,
	}, nil
}
