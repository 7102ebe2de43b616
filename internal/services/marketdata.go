// Package services holds the backend domain services supervised by the hub:
// market data, token sync, terminal aggregation, AI chat, and contests.
package services

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/tradewire/relay/internal/bus"
)

// Tick is one market data point published on the bus.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// MarketData publishes synthetic ticks on the event bus at a fixed interval.
// Real feeds are external collaborators; this service owns the fan-in point.
type MarketData struct {
	broker   bus.Broker
	interval time.Duration

	mu     sync.RWMutex
	prices map[string]float64
	ticks  int64

	done chan struct{}
	once sync.Once
}

func NewMarketData(broker bus.Broker, interval time.Duration) *MarketData {
	return &MarketData{
		broker:   broker,
		interval: interval,
		prices: map[string]float64{
			"SOL":  150.0,
			"BTC":  65000.0,
			"USDC": 1.0,
		},
		done: make(chan struct{}),
	}
}

func (m *MarketData) Name() string           { return "marketData" }
func (m *MarketData) Dependencies() []string { return nil }

func (m *MarketData) Init(ctx context.Context) error { return nil }

func (m *MarketData) Start(ctx context.Context) error {
	go m.run()
	return nil
}

func (m *MarketData) Stop(ctx context.Context) error {
	m.once.Do(func() { close(m.done) })
	return nil
}

func (m *MarketData) HealthCheck(ctx context.Context) error { return nil }

func (m *MarketData) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]any{"ticksPublished": m.ticks, "symbols": len(m.prices)}
}

// Snapshot returns the current price per symbol.
func (m *MarketData) Snapshot() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.prices))
	for sym, price := range m.prices {
		out[sym] = price
	}
	return out
}

func (m *MarketData) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.publishTicks()
		case <-m.done:
			return
		}
	}
}

func (m *MarketData) publishTicks() {
	m.mu.Lock()
	ticks := make([]Tick, 0, len(m.prices))
	now := time.Now().UTC()
	for sym, price := range m.prices {
		// Random walk within ±0.5%.
		price *= 1 + (rand.Float64()-0.5)/100
		m.prices[sym] = price
		ticks = append(ticks, Tick{Symbol: sym, Price: price, Timestamp: now})
	}
	m.ticks += int64(len(ticks))
	m.mu.Unlock()

	for _, tick := range ticks {
		event := bus.NewEvent(bus.TopicMarketTick, m.Name(), bus.SeverityInfo, tick)
		if err := m.broker.Publish(bus.TopicMarketTick, event); err != nil {
			log.Printf("marketdata: publish tick: %v", err)
		}
	}
}
