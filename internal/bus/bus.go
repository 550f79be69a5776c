// Package bus is an in-process publish/subscribe channel between the tool
// scheduler, the hook system, the policy engine and the user interface.
//
// Handlers run synchronously on the publisher's goroutine, in subscription
// order. Request pairs a correlated message with its response.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgerlanc/warden/internal/logger"
	"github.com/dgerlanc/warden/internal/policy"
)

// DefaultRequestTimeout bounds Request when the context has no deadline
// and the bus sets no RequestTimeout.
const DefaultRequestTimeout = 60 * time.Second

var (
	// ErrNoResponder is returned by Request when nothing is subscribed to
	// the request type.
	ErrNoResponder = errors.New("no subscriber for request")
	// ErrRequestTimeout is returned when no response arrives in time.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrInvalidMessage is returned for nil or uncorrelated messages.
	ErrInvalidMessage = errors.New("invalid message structure")
)

// Handler receives published messages.
type Handler func(ctx context.Context, msg Message)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus routes messages by type.
type Bus struct {
	// RequestTimeout bounds Request when the context has no deadline.
	// Zero means DefaultRequestTimeout.
	RequestTimeout time.Duration

	mu     sync.RWMutex
	subs   map[MessageType][]subscription
	nextID uint64
	engine *policy.Engine
}

// New returns a bus. When engine is non-nil, tool confirmation requests
// are answered from policy before reaching subscribers.
func New(engine *policy.Engine) *Bus {
	return &Bus{subs: make(map[MessageType][]subscription), engine: engine}
}

// NewCorrelationID returns a fresh request identifier.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Subscribe registers h for messages of type t. The returned function
// removes the subscription.
func (b *Bus) Subscribe(t MessageType, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[t]
			for i, s := range list {
				if s.id == id {
					b.subs[t] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(b.subs[t]) == 0 {
				delete(b.subs, t)
			}
		})
	}
}

// HasSubscribers reports whether anything listens for t.
func (b *Bus) HasSubscribers(t MessageType) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t]) > 0
}

func (b *Bus) handlers(t MessageType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	list := b.subs[t]
	hs := make([]Handler, len(list))
	for i, s := range list {
		hs[i] = s.handler
	}
	return hs
}

func validate(msg Message) error {
	if msg == nil {
		return ErrInvalidMessage
	}
	if c, ok := msg.(Correlated); ok && c.Correlation() == "" {
		return fmt.Errorf("%w: %s without correlation id", ErrInvalidMessage, msg.Type())
	}
	return nil
}

// Publish delivers msg. Tool confirmation requests are first checked
// against the policy engine: allowed calls are confirmed and denied calls
// rejected without reaching subscribers.
func (b *Bus) Publish(ctx context.Context, msg Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	if req, ok := msg.(ToolConfirmationRequest); ok && b.engine != nil {
		return b.publishConfirmation(ctx, req)
	}
	b.deliver(ctx, msg)
	return nil
}

func (b *Bus) deliver(ctx context.Context, msg Message) {
	hs := b.handlers(msg.Type())
	logger.Debug("bus publish", "type", string(msg.Type()), "subscribers", len(hs))
	for _, h := range hs {
		h(ctx, msg)
	}
}

func (b *Bus) publishConfirmation(ctx context.Context, req ToolConfirmationRequest) error {
	switch b.engine.Check(req.ToolCall, req.ServerName) {
	case policy.Allow:
		b.deliver(ctx, ToolConfirmationResponse{CorrelationID: req.CorrelationID, Confirmed: true, Outcome: ProceedOnce})
	case policy.Deny:
		b.deliver(ctx, ToolPolicyRejection{ToolCall: req.ToolCall})
		b.deliver(ctx, ToolConfirmationResponse{CorrelationID: req.CorrelationID, Confirmed: false, Outcome: Cancel})
	default:
		if !b.HasSubscribers(TypeToolConfirmationRequest) {
			b.deliver(ctx, ToolConfirmationResponse{CorrelationID: req.CorrelationID, RequiresUserConfirmation: true})
			return nil
		}
		b.deliver(ctx, req)
	}
	return nil
}

// Request publishes req and waits for the response of type respType that
// carries the same correlation id. Without a context deadline it waits at
// most the bus request timeout. Hook execution requests get no default
// deadline: each hook is bounded by its own configured timeout.
func Request[T Correlated](ctx context.Context, b *Bus, req Correlated, respType MessageType) (T, error) {
	var zero T
	if err := validate(req); err != nil {
		return zero, err
	}
	answeredByPolicy := req.Type() == TypeToolConfirmationRequest && b.engine != nil
	if !answeredByPolicy && !b.HasSubscribers(req.Type()) {
		return zero, fmt.Errorf("%w: %s", ErrNoResponder, req.Type())
	}
	_, hasDeadline := ctx.Deadline()
	// Hook handlers run under the caller's context; each hook is bounded by
	// its own configured timeout.
	selfTimed := req.Type() == TypeHookExecutionRequest
	if !hasDeadline && !selfTimed {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.requestTimeout())
		defer cancel()
	}

	id := req.Correlation()
	ch := make(chan T, 1)
	unsubscribe := b.Subscribe(respType, func(_ context.Context, msg Message) {
		resp, ok := msg.(T)
		if !ok || resp.Correlation() != id {
			return
		}
		select {
		case ch <- resp:
		default:
		}
	})
	defer unsubscribe()

	if err := b.Publish(ctx, req); err != nil {
		return zero, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	default:
	}
	if !hasDeadline && selfTimed {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.requestTimeout())
		defer cancel()
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w: %s %s", ErrRequestTimeout, req.Type(), id)
		}
		return zero, ctx.Err()
	}
}

func (b *Bus) requestTimeout() time.Duration {
	if b.RequestTimeout > 0 {
		return b.RequestTimeout
	}
	return DefaultRequestTimeout
}

// SubscribePolicyUpdates applies UpdatePolicy messages to engine as
// user-tier allow rules.
func SubscribePolicyUpdates(b *Bus, engine *policy.Engine) func() {
	return b.Subscribe(TypeUpdatePolicy, func(_ context.Context, msg Message) {
		up, ok := msg.(UpdatePolicy)
		if !ok || up.ToolName == "" {
			return
		}
		entry := up.ToolName
		if up.CommandPrefix != "" {
			entry = fmt.Sprintf("%s(%s)", up.ToolName, up.CommandPrefix)
		}
		rule, err := policy.ToolEntryRule(entry, policy.Allow,
			policy.Priority{Tier: policy.TierUser, Sub: policy.SubAlwaysAllow}, "proceed always")
		if err != nil {
			logger.Warn("ignoring policy update", "tool", up.ToolName, "error", err)
			return
		}
		engine.AddRule(rule)
		logger.Debug("policy updated", "tool", rule.ToolName)
	})
}
