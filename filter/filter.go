// Package filter implements the composable interceptor pipeline the loop
// driver and tool dispatcher wrap around three extension points: the tool
// call terminal invocation, the prompt sent to the model, and the completed
// message turn. Built-in filters (permission gating, reminder injection) run
// before user-registered filters of the same kind, and every filter kind
// observes a stable, explicitly ordered composition.
package filter

import (
	"context"
	"sync"

	"github.com/hpd-agent/core/event"
	"github.com/hpd-agent/core/thread"
	"github.com/hpd-agent/core/tools"
)

// Emit writes one event onto a run's outbound stream. Built-in and
// user-registered filters alike use this to surface PermissionRequested,
// FilterEvent, and similar variants without depending on a concrete sink.
type Emit func(ctx context.Context, ev event.Event) error

// ToolCall is a single function invocation requested by the model within an
// assistant message, the unit the tool filter pipeline operates on.
type ToolCall struct {
	CallID   string
	Function string
	Args     map[string]any
}

// ToolContext is the per-call value object threaded through a tool call's
// filter chain: the call itself, its resolved function descriptor (absent
// for unknown functions), a mutable result slot, a termination flag, a
// metadata map for filter-to-filter communication, and the run's event
// writer.
type ToolContext struct {
	RunID string
	// ScopeID identifies the conversation/session a persisted permission
	// decision is scoped to; typically the thread ID.
	ScopeID string
	Call    ToolCall

	// Descriptor is the resolved FunctionDescriptor, and HasDescriptor is
	// false when Call.Function did not resolve in the ToolRegistry.
	Descriptor    tools.FunctionDescriptor
	HasDescriptor bool

	// Result, ResultIsError, and ResultErrorMessage form the mutable
	// result slot filters and the terminal step populate.
	Result             any
	ResultIsError      bool
	ResultErrorMessage string

	// Terminated, once set true by any filter, tells the dispatcher to
	// stop further dispatch in the current iteration. Terminated alone
	// does not imply the run should fail: PermissionFilter's denial path
	// also sets it for an ordinary, non-fatal denial. Callers that need to
	// distinguish a fatal case (e.g. an unresolved function) must inspect
	// TerminatedReason.
	Terminated bool
	// TerminatedReason attributes why Terminated was set, one of the
	// TerminatedReason* constants, or "" when the filter that terminated
	// the call did not attribute a reason (e.g. an ordinary permission
	// denial).
	TerminatedReason string

	// Metadata carries filter-to-filter state for this call, distinct
	// from the thread-wide Message.Metadata.
	Metadata map[string]any

	Emit Emit
}

// TerminatedReasonUnknownFunction is the TerminatedReason the dispatcher
// attributes when a call's function name does not resolve in the
// ToolRegistry and Config.TerminateOnUnknown is set; the only
// TerminatedReason the loop driver treats as fatal to the run.
const TerminatedReasonUnknownFunction = "unknown_function"

// ToolNext advances to the next step in a tool filter chain.
type ToolNext func(ctx context.Context, fc *ToolContext) error

// ToolFilter wraps the tool-call terminal invocation. Invoke may call next
// zero or more times, mutate fc, and emit events; it must not retain fc
// beyond the call.
type ToolFilter interface {
	Invoke(ctx context.Context, fc *ToolContext, next ToolNext) error
}

// ToolFilterFunc adapts a plain function to ToolFilter.
type ToolFilterFunc func(ctx context.Context, fc *ToolContext, next ToolNext) error

func (f ToolFilterFunc) Invoke(ctx context.Context, fc *ToolContext, next ToolNext) error {
	return f(ctx, fc, next)
}

// PromptNext advances to the next step in a prompt filter chain, returning
// the (possibly rewritten) message sequence.
type PromptNext func(ctx context.Context, messages []thread.Message) ([]thread.Message, error)

// PromptFilter intercepts the message sequence about to be sent to the
// model, e.g. to prepend reminders or inject retrieved context.
type PromptFilter interface {
	Invoke(ctx context.Context, messages []thread.Message, next PromptNext) ([]thread.Message, error)
}

// PromptFilterFunc adapts a plain function to PromptFilter.
type PromptFilterFunc func(ctx context.Context, messages []thread.Message, next PromptNext) ([]thread.Message, error)

func (f PromptFilterFunc) Invoke(ctx context.Context, messages []thread.Message, next PromptNext) ([]thread.Message, error) {
	return f(ctx, messages, next)
}

// PostInvokeFilter observes a completed request/response turn, typically for
// memory extraction or observability; it cannot alter the turn.
type PostInvokeFilter interface {
	After(ctx context.Context, requestMsgs, responseMsgs []thread.Message, turnErr error)
}

// PostInvokeFilterFunc adapts a plain function to PostInvokeFilter.
type PostInvokeFilterFunc func(ctx context.Context, requestMsgs, responseMsgs []thread.Message, turnErr error)

func (f PostInvokeFilterFunc) After(ctx context.Context, requestMsgs, responseMsgs []thread.Message, turnErr error) {
	f(ctx, requestMsgs, responseMsgs, turnErr)
}

// MessageTurnFilter observes every completed turn's full message set,
// typically for telemetry.
type MessageTurnFilter interface {
	OnTurn(ctx context.Context, turnMessages []thread.Message)
}

// MessageTurnFilterFunc adapts a plain function to MessageTurnFilter.
type MessageTurnFilterFunc func(ctx context.Context, turnMessages []thread.Message)

func (f MessageTurnFilterFunc) OnTurn(ctx context.Context, turnMessages []thread.Message) {
	f(ctx, turnMessages)
}

// Pipeline holds every registered filter, keyed by kind, and assembles
// per-call chains on demand. Built-in filters (registered via the
// RegisterBuiltin* methods) always run outermost of user filters of the
// same kind; the permission filter, if set, wraps everything else.
type Pipeline struct {
	mu sync.RWMutex

	builtinTool []ToolFilter
	userTool    []ToolFilter
	permission  ToolFilter

	builtinPrompt []PromptFilter
	userPrompt    []PromptFilter

	postInvoke  []PostInvokeFilter
	messageTurn []MessageTurnFilter
}

// NewPipeline builds an empty Pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

func (p *Pipeline) RegisterBuiltinTool(f ToolFilter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.builtinTool = append(p.builtinTool, f)
}

func (p *Pipeline) RegisterTool(f ToolFilter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userTool = append(p.userTool, f)
}

// SetPermissionFilter installs the single permission filter, which always
// runs first of all tool filters for every call. Passing nil removes it.
func (p *Pipeline) SetPermissionFilter(f ToolFilter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.permission = f
}

func (p *Pipeline) RegisterBuiltinPrompt(f PromptFilter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.builtinPrompt = append(p.builtinPrompt, f)
}

func (p *Pipeline) RegisterPrompt(f PromptFilter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userPrompt = append(p.userPrompt, f)
}

func (p *Pipeline) RegisterPostInvoke(f PostInvokeFilter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.postInvoke = append(p.postInvoke, f)
}

func (p *Pipeline) RegisterMessageTurn(f MessageTurnFilter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messageTurn = append(p.messageTurn, f)
}

// BuildToolChain composes the permission filter (outermost), then built-in
// tool filters, then user tool filters, around terminal, and returns the
// assembled chain ready to run for one call. For filters [F1, F2, F3] and
// terminal T the effective call is F1(F2(F3(T))): the first registered
// filter is outermost.
func (p *Pipeline) BuildToolChain(terminal ToolNext) ToolNext {
	p.mu.RLock()
	defer p.mu.RUnlock()

	all := make([]ToolFilter, 0, len(p.builtinTool)+len(p.userTool))
	all = append(all, p.builtinTool...)
	all = append(all, p.userTool...)

	next := terminal
	for i := len(all) - 1; i >= 0; i-- {
		f := all[i]
		inner := next
		next = func(ctx context.Context, fc *ToolContext) error {
			return f.Invoke(ctx, fc, inner)
		}
	}
	if p.permission != nil {
		inner := next
		perm := p.permission
		next = func(ctx context.Context, fc *ToolContext) error {
			return perm.Invoke(ctx, fc, inner)
		}
	}
	return next
}

// BuildPromptChain composes built-in prompt filters, then user prompt
// filters, around terminal.
func (p *Pipeline) BuildPromptChain(terminal PromptNext) PromptNext {
	p.mu.RLock()
	defer p.mu.RUnlock()

	all := make([]PromptFilter, 0, len(p.builtinPrompt)+len(p.userPrompt))
	all = append(all, p.builtinPrompt...)
	all = append(all, p.userPrompt...)

	next := terminal
	for i := len(all) - 1; i >= 0; i-- {
		f := all[i]
		inner := next
		next = func(ctx context.Context, messages []thread.Message) ([]thread.Message, error) {
			return f.Invoke(ctx, messages, inner)
		}
	}
	return next
}

// RunPostInvoke calls every registered post-invoke filter in registration
// order. Filters cannot alter the turn; a panic or error from one filter
// does not prevent the others from observing the turn.
func (p *Pipeline) RunPostInvoke(ctx context.Context, requestMsgs, responseMsgs []thread.Message, turnErr error) {
	p.mu.RLock()
	filters := append([]PostInvokeFilter(nil), p.postInvoke...)
	p.mu.RUnlock()
	for _, f := range filters {
		func() {
			defer func() { _ = recover() }()
			f.After(ctx, requestMsgs, responseMsgs, turnErr)
		}()
	}
}

// RunMessageTurn calls every registered message-turn filter in registration
// order.
func (p *Pipeline) RunMessageTurn(ctx context.Context, turnMessages []thread.Message) {
	p.mu.RLock()
	filters := append([]MessageTurnFilter(nil), p.messageTurn...)
	p.mu.RUnlock()
	for _, f := range filters {
		f.OnTurn(ctx, turnMessages)
	}
}
