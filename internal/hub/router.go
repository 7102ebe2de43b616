package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/tradewire/relay/internal/breaker"
	"github.com/tradewire/relay/internal/metrics"
	"github.com/tradewire/relay/internal/ratelimit"
)

// Request carries one inbound REQUEST to a handler.
type Request struct {
	Conn      *Conn
	Topic     string
	Action    string
	RequestID string
	Data      json.RawMessage
}

// HandlerFunc answers a request with a single result, returned as one
// RESPONSE envelope. Returning *Error controls the wire error code; any other
// error becomes internal.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// StreamFunc answers a request with a chunked reply. Each emit call becomes a
// DATA{stream-chunk} envelope; a nil return appends DATA{stream-complete}.
type StreamFunc func(ctx context.Context, req *Request, emit func(chunk any) error) error

// FailureReporter is notified when a handler panics so the owning service can
// be marked failed. The supervisor implements it.
type FailureReporter interface {
	MarkFailed(service string, err error)
}

type handlerEntry struct {
	service string // breaker subject, "" for hub-internal handlers
	fn      HandlerFunc
	stream  StreamFunc
}

// Router decodes inbound frames, enforces rate limits and topic policies, and
// dispatches requests to the handler table built at startup.
type Router struct {
	registry *Registry
	limiter  *ratelimit.Limiter
	breakers *breaker.Manager
	reporter FailureReporter
	timeout  time.Duration

	handlers map[string]map[string]handlerEntry // topic -> action -> entry
}

func NewRouter(registry *Registry, limiter *ratelimit.Limiter, breakers *breaker.Manager, timeout time.Duration) *Router {
	return &Router{
		registry: registry,
		limiter:  limiter,
		breakers: breakers,
		timeout:  timeout,
		handlers: make(map[string]map[string]handlerEntry),
	}
}

// SetFailureReporter installs the panic sink. Optional.
func (rt *Router) SetFailureReporter(r FailureReporter) {
	rt.reporter = r
}

// Handle registers a unary handler for (topic, action). service names the
// circuit-breaker subject guarding the handler; empty means ungated.
func (rt *Router) Handle(topic, action, service string, fn HandlerFunc) {
	rt.entry(topic)[action] = handlerEntry{service: service, fn: fn}
}

// HandleStream registers a streaming handler for (topic, action).
func (rt *Router) HandleStream(topic, action, service string, fn StreamFunc) {
	rt.entry(topic)[action] = handlerEntry{service: service, stream: fn}
}

func (rt *Router) entry(topic string) map[string]handlerEntry {
	m, ok := rt.handlers[topic]
	if !ok {
		m = make(map[string]handlerEntry)
		rt.handlers[topic] = m
	}
	return m
}

// HandleMessage processes one inbound frame. It is called synchronously from
// the connection's read pump, so messages from one client are handled in send
// order.
func (rt *Router) HandleMessage(c *Conn, raw []byte) {
	if !rt.limiter.TryAcquire(c.bucket) {
		metrics.RateLimitedDrops.Inc()
		c.Send(NewError(CodeRateLimit, "rate limit exceeded", ""))
		return
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.Send(NewError(CodeProtocol, "malformed frame", ""))
		return
	}

	switch env.Type {
	case TypeSubscribe:
		rt.subscribe(c, env)
	case TypeUnsubscribe:
		rt.unsubscribe(c, env)
	case TypeRequest:
		rt.dispatch(c, env)
	case TypePing:
		c.Send(Envelope{
			Type:      TypePong,
			Data:      marshal(map[string]string{"serverTime": time.Now().UTC().Format(time.RFC3339)}),
			Timestamp: stamp(),
		})
	default:
		c.Send(NewError(CodeProtocol, fmt.Sprintf("unknown message type %q", env.Type), env.RequestID))
	}
}

func (rt *Router) subscribe(c *Conn, env Envelope) {
	if env.Topic == "" {
		c.Send(NewError(CodeProtocol, "subscribe requires a topic", ""))
		return
	}
	if err := rt.registry.Subscribe(c, env.Topic); err != nil {
		c.Send(NewError(denialCode(err), err.Error(), ""))
		return
	}
	c.Send(NewAck(env.Topic, "subscribed"))
}

func (rt *Router) unsubscribe(c *Conn, env Envelope) {
	if env.Topic == "" {
		c.Send(NewError(CodeProtocol, "unsubscribe requires a topic", ""))
		return
	}
	rt.registry.Unsubscribe(c, env.Topic)
	c.Send(NewAck(env.Topic, "unsubscribed"))
}

func denialCode(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrAuthRequired):
		return CodeAuthRequired
	case errors.Is(err, ErrForbiddenRole):
		return CodeForbidden
	default:
		return CodeUnknownTopic
	}
}

func (rt *Router) dispatch(c *Conn, env Envelope) {
	req := &Request{
		Conn:      c,
		Topic:     env.Topic,
		Action:    env.Action,
		RequestID: env.RequestID,
		Data:      env.Data,
	}

	actions, ok := rt.handlers[env.Topic]
	if !ok {
		rt.fail(c, req, Errorf(CodeUnknownTopic, "unknown topic %q", env.Topic))
		return
	}
	if err := checkAccess(env.Topic, c.Principal); err != nil {
		rt.fail(c, req, Errorf(denialCode(err), "%s", err.Error()))
		return
	}
	entry, ok := actions[env.Action]
	if !ok {
		rt.fail(c, req, Errorf(CodeUnknownAction, "unknown action %q on topic %q", env.Action, env.Topic))
		return
	}

	var brk *breaker.Breaker
	if entry.service != "" {
		brk = rt.breakers.Get(entry.service)
		if err := brk.Allow(); err != nil {
			var openErr *breaker.OpenError
			if errors.As(err, &openErr) {
				e := Errorf(CodeServiceUnavailable, "service %q unavailable", entry.service)
				e.Data = map[string]any{"retryAfter": openErr.RetryAfter.Seconds()}
				rt.fail(c, req, e)
				return
			}
			rt.fail(c, req, Errorf(CodeServiceUnavailable, "service %q unavailable", entry.service))
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), rt.timeout)
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	if entry.stream != nil {
		rt.runStream(ctx, c, req, entry, brk)
		return
	}
	rt.runUnary(ctx, c, req, entry, brk)
}

func (rt *Router) runUnary(ctx context.Context, c *Conn, req *Request, entry handlerEntry, brk *breaker.Breaker) {
	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("hub: handler %s/%s panic: %v\n%s", req.Topic, req.Action, r, debug.Stack())
				err := fmt.Errorf("handler panic: %v", r)
				if rt.reporter != nil && entry.service != "" {
					rt.reporter.MarkFailed(entry.service, err)
				}
				done <- outcome{err: err}
			}
		}()
		result, err := entry.fn(ctx, req)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			rt.recordOutcome(brk, out.err)
			rt.fail(c, req, out.err)
			return
		}
		if brk != nil {
			brk.RecordSuccess()
		}
		metrics.RequestsTotal.WithLabelValues(req.Topic, "ok").Inc()
		c.Send(NewResponse(req.Topic, req.RequestID, out.result))

	case <-ctx.Done():
		rt.recordOutcome(brk, ctx.Err())
		metrics.RequestsTotal.WithLabelValues(req.Topic, "timeout").Inc()
		c.Send(NewError(CodeTimeout, "request deadline exceeded", req.RequestID))
	}
}

func (rt *Router) runStream(ctx context.Context, c *Conn, req *Request, entry handlerEntry, brk *breaker.Breaker) {
	// finished flips when the dispatcher has written the terminal envelope for
	// this requestId; late chunks from an abandoned handler are discarded.
	var finished atomic.Bool

	emit := func(chunk any) error {
		if finished.Load() {
			return context.Canceled
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		env := NewData(req.Topic, "", chunk)
		env.Action = ActionStreamChunk
		env.RequestID = req.RequestID
		c.Send(env)
		return nil
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("hub: stream handler %s/%s panic: %v\n%s", req.Topic, req.Action, r, debug.Stack())
				err := fmt.Errorf("handler panic: %v", r)
				if rt.reporter != nil && entry.service != "" {
					rt.reporter.MarkFailed(entry.service, err)
				}
				done <- err
			}
		}()
		done <- entry.stream(ctx, req, emit)
	}()

	select {
	case err := <-done:
		finished.Store(true)
		if err != nil {
			rt.recordOutcome(brk, err)
			rt.fail(c, req, err)
			return
		}
		if brk != nil {
			brk.RecordSuccess()
		}
		metrics.RequestsTotal.WithLabelValues(req.Topic, "ok").Inc()
		complete := Envelope{
			Type:      TypeData,
			Topic:     req.Topic,
			Action:    ActionStreamComplete,
			RequestID: req.RequestID,
			Timestamp: stamp(),
		}
		c.Send(complete)

	case <-ctx.Done():
		finished.Store(true)
		rt.recordOutcome(brk, ctx.Err())
		metrics.RequestsTotal.WithLabelValues(req.Topic, "timeout").Inc()
		c.Send(NewError(CodeTimeout, "request deadline exceeded", req.RequestID))
	}
}

// recordOutcome feeds the breaker. Policy denials are not service failures;
// only internal errors, timeouts, and panics count.
func (rt *Router) recordOutcome(brk *breaker.Breaker, err error) {
	if brk == nil {
		return
	}
	var wireErr *Error
	if errors.As(err, &wireErr) {
		switch wireErr.Code {
		case CodeInternal, CodeTimeout, CodeServiceUnavailable:
			brk.RecordFailure()
		default:
			brk.RecordSuccess()
		}
		return
	}
	brk.RecordFailure()
}

// fail sends the ERROR envelope for a request, translating untyped errors to
// internal.
func (rt *Router) fail(c *Conn, req *Request, err error) {
	var wireErr *Error
	if !errors.As(err, &wireErr) {
		wireErr = &Error{Code: CodeInternal, Message: "internal error"}
	}
	metrics.RequestsTotal.WithLabelValues(req.Topic, string(wireErr.Code)).Inc()
	env := NewError(wireErr.Code, wireErr.Message, req.RequestID)
	if wireErr.Data != nil {
		env.Data = marshal(wireErr.Data)
	}
	c.Send(env)
}
