package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// AIMessage is one turn of an AI chat conversation.
type AIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AIChunk is one streamed fragment of a completion.
type AIChunk struct {
	Content string `json:"content"`
	Index   int    `json:"index"`
}

// AI produces streamed chat completions. The real model backend is an
// external collaborator; this service shapes its output into chunk sequences.
type AI struct {
	chunkDelay time.Duration
	streams    int64
}

func NewAI(chunkDelay time.Duration) *AI {
	return &AI{chunkDelay: chunkDelay}
}

func (a *AI) Name() string           { return "ai" }
func (a *AI) Dependencies() []string { return nil }

func (a *AI) Init(ctx context.Context) error  { return nil }
func (a *AI) Start(ctx context.Context) error { return nil }
func (a *AI) Stop(ctx context.Context) error  { return nil }

func (a *AI) HealthCheck(ctx context.Context) error { return nil }

func (a *AI) Stats() map[string]any {
	return map[string]any{"streams": atomic.LoadInt64(&a.streams)}
}

// Stream produces a finite sequence of completion chunks for the given
// conversation, invoking emit once per chunk. It honors ctx cancellation
// between chunks.
func (a *AI) Stream(ctx context.Context, payload json.RawMessage, emit func(chunk any) error) error {
	var req struct {
		Messages []AIMessage `json:"messages"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("decode ai request: %w", err)
		}
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("ai request carries no messages")
	}

	atomic.AddInt64(&a.streams, 1)
	last := req.Messages[len(req.Messages)-1]
	reply := fmt.Sprintf("You said %q. Markets are volatile; trade carefully.", last.Content)

	for i, word := range strings.Fields(reply) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(AIChunk{Content: word + " ", Index: i}); err != nil {
			return err
		}
		if a.chunkDelay > 0 {
			select {
			case <-time.After(a.chunkDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}
