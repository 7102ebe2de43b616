package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tradewire/relay/internal/bus"
)

func TestMarketData_PublishesTicks(t *testing.T) {
	broker := bus.NewInMemoryBroker()
	defer broker.Close()

	received := make(chan bus.Event, 16)
	if _, err := broker.Subscribe(bus.TopicMarketTick, func(event bus.Event) {
		received <- event
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	m := NewMarketData(broker, 10*time.Millisecond)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer m.Stop(context.Background()) //nolint:errcheck

	select {
	case event := <-received:
		var tick Tick
		if err := json.Unmarshal(event.Payload, &tick); err != nil {
			t.Fatalf("unmarshal tick: %v", err)
		}
		if tick.Symbol == "" || tick.Price <= 0 {
			t.Errorf("unexpected tick: %+v", tick)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a tick")
	}
}

func TestTokenSync_BalanceAndFailure(t *testing.T) {
	broker := bus.NewInMemoryBroker()
	defer broker.Close()
	ts := NewTokenSync(NewMarketData(broker, time.Hour))

	balance, err := ts.Balance(context.Background(), "u1")
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if balance["principal"] != "u1" {
		t.Errorf("unexpected balance payload: %+v", balance)
	}

	ts.SetHealthy(false)
	if _, err := ts.Balance(context.Background(), "u1"); !errors.Is(err, ErrDownstream) {
		t.Errorf("expected ErrDownstream, got %v", err)
	}
	if err := ts.HealthCheck(context.Background()); !errors.Is(err, ErrDownstream) {
		t.Errorf("health check should fail while unhealthy, got %v", err)
	}

	ts.SetHealthy(true)
	if _, err := ts.Balance(context.Background(), "u1"); err != nil {
		t.Errorf("balance should recover, got %v", err)
	}
}

func TestAI_StreamChunksAndComplete(t *testing.T) {
	ai := NewAI(0)

	payload := json.RawMessage(`{"messages":[{"role":"user","content":"hi"}]}`)
	var chunks []AIChunk
	err := ai.Stream(context.Background(), payload, func(chunk any) error {
		chunks = append(chunks, chunk.(AIChunk))
		return nil
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	for i, chunk := range chunks {
		if chunk.Index != i {
			t.Errorf("chunk %d carries index %d", i, chunk.Index)
		}
	}
}

func TestAI_StreamEmptyConversation(t *testing.T) {
	ai := NewAI(0)
	err := ai.Stream(context.Background(), json.RawMessage(`{}`), func(any) error { return nil })
	if err == nil {
		t.Fatal("expected an error for an empty conversation")
	}
}

func TestAI_StreamHonorsCancellation(t *testing.T) {
	ai := NewAI(0)
	ctx, cancel := context.WithCancel(context.Background())

	payload := json.RawMessage(`{"messages":[{"role":"user","content":"hi"}]}`)
	emitted := 0
	err := ai.Stream(ctx, payload, func(any) error {
		emitted++
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if emitted != 1 {
		t.Errorf("expected exactly one chunk before cancellation, got %d", emitted)
	}
}

func TestContests_Participation(t *testing.T) {
	broker := bus.NewInMemoryBroker()
	defer broker.Close()
	c := NewContests(broker)

	ok, err := c.IsParticipant(context.Background(), 42, "u1")
	if err != nil || ok {
		t.Fatalf("expected non-participant, got ok=%v err=%v", ok, err)
	}

	c.Enter(42, "u1")
	ok, err = c.IsParticipant(context.Background(), 42, "u1")
	if err != nil || !ok {
		t.Fatalf("expected participant after Enter, got ok=%v err=%v", ok, err)
	}

	ok, _ = c.IsParticipant(context.Background(), 7, "u1")
	if ok {
		t.Error("participation must be scoped per contest")
	}
}
