// Package hooks implements the interception pipeline wrapped around every
// tool call. Subscribers register for the before and after events with a
// priority; before-hooks may block the call or rewrite its parameters,
// after-hooks observe the result and may suppress it.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Event identifies the interception point.
type Event string

const (
	// BeforeToolCall fires before the tool executes. Subscribers may block
	// or modify parameters.
	BeforeToolCall Event = "before_tool_call"

	// AfterToolCall fires once the tool result is in hand. Subscribers may
	// replace the result with a block response.
	AfterToolCall Event = "after_tool_call"
)

// ToolEvent carries the tool call being intercepted. Params is replaced (not
// mutated) when a hook modifies it; subscribers must not retain references to
// it past their callback.
type ToolEvent struct {
	ToolName   string
	Params     map[string]any
	Result     any
	Err        error
	DurationMS int64
}

// Context identifies the caller of the tool.
type Context struct {
	AgentID        string
	UserID         string
	ChannelID      string
	PlatformUserID string
	SessionKey     string
}

// Result is a subscriber's decision, one of three shapes:
//
//	Pass()           — no modification
//	Block(reason)    — short-circuit; the call does not execute
//	Params(p)        — replace parameters for downstream hooks and execution
type Result struct {
	Blocked bool
	Reason  string
	Params  map[string]any
}

// Pass returns the no-op result.
func Pass() Result { return Result{} }

// Block returns a short-circuiting result with the given reason.
func Block(reason string) Result { return Result{Blocked: true, Reason: reason} }

// Params returns a parameter-replacing result.
func Params(p map[string]any) Result { return Result{Params: p} }

// Handler processes one event. A handler that panics or returns an error is
// treated as if it returned Pass; the failure is logged, never propagated.
type Handler func(ctx context.Context, event *ToolEvent, callCtx Context) (Result, error)

// Subscriber pairs a handler with its dispatch priority. Higher priority runs
// first; order is stable for equal priorities.
type Subscriber struct {
	Name     string
	Priority int
	Handler  Handler
}

// Pipeline dispatches events to registered subscribers.
type Pipeline struct {
	mu     sync.RWMutex
	subs   map[Event][]*Subscriber
	logger *slog.Logger
}

// NewPipeline creates an empty pipeline.
func NewPipeline(logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		subs:   make(map[Event][]*Subscriber),
		logger: logger.With("component", "hooks"),
	}
}

// Register adds a subscriber for the event, keeping the list sorted by
// descending priority with stable insertion order for ties.
func (p *Pipeline) Register(event Event, sub *Subscriber) error {
	if sub == nil || sub.Handler == nil {
		return fmt.Errorf("subscriber and handler must not be nil")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	list := p.subs[event]
	inserted := false
	for i, existing := range list {
		if sub.Priority > existing.Priority {
			list = append(list[:i], append([]*Subscriber{sub}, list[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		list = append(list, sub)
	}
	p.subs[event] = list

	p.logger.Info("hook registered", "event", string(event), "name", sub.Name, "priority", sub.Priority)
	return nil
}

// Unregister removes every subscriber with the given name from the event.
func (p *Pipeline) Unregister(event Event, name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := p.subs[event]
	filtered := list[:0]
	found := false
	for _, s := range list {
		if s.Name == name {
			found = true
			continue
		}
		filtered = append(filtered, s)
	}
	p.subs[event] = filtered
	return found
}

// DispatchBefore runs the before-hooks in priority order. The first block
// short-circuits: no further hooks run and the call must not execute.
// Parameter replacements compose; later hooks see the merged parameters.
// The returned event carries the final parameters.
func (p *Pipeline) DispatchBefore(ctx context.Context, event *ToolEvent, callCtx Context) Result {
	p.mu.RLock()
	subs := append([]*Subscriber(nil), p.subs[BeforeToolCall]...)
	p.mu.RUnlock()

	for _, sub := range subs {
		res := p.invoke(ctx, sub, event, callCtx)
		if res.Blocked {
			p.logger.Info("tool call blocked by hook",
				"hook", sub.Name,
				"tool", event.ToolName,
				"reason", res.Reason,
			)
			return res
		}
		if res.Params != nil {
			event.Params = res.Params
		}
	}
	return Result{Params: event.Params}
}

// DispatchAfter runs the after-hooks in priority order. A block replaces the
// tool result with a block response; remaining hooks still observe the event.
func (p *Pipeline) DispatchAfter(ctx context.Context, event *ToolEvent, callCtx Context) Result {
	p.mu.RLock()
	subs := append([]*Subscriber(nil), p.subs[AfterToolCall]...)
	p.mu.RUnlock()

	var blocked Result
	for _, sub := range subs {
		res := p.invoke(ctx, sub, event, callCtx)
		if res.Blocked && !blocked.Blocked {
			blocked = res
			p.logger.Info("tool result suppressed by hook",
				"hook", sub.Name,
				"tool", event.ToolName,
				"reason", res.Reason,
			)
		}
	}
	return blocked
}

// Count returns the number of subscribers for an event.
func (p *Pipeline) Count(event Event) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs[event])
}

// invoke runs one handler with panic and error isolation.
func (p *Pipeline) invoke(ctx context.Context, sub *Subscriber, event *ToolEvent, callCtx Context) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("hook panicked", "hook", sub.Name, "panic", r)
			res = Pass()
		}
	}()

	res, err := sub.Handler(ctx, event, callCtx)
	if err != nil {
		p.logger.Error("hook returned error", "hook", sub.Name, "error", err)
		return Pass()
	}
	return res
}
