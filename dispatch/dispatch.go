// Package dispatch implements the Tool Dispatcher (spec §4.2): executing one
// tool call under the composed policy of permission gate, filter pipeline,
// terminal invocation, and result materialization, fanned out concurrently
// up to a parallel cap with call-order-preserving result merge. This
// generalizes the teacher's executeToolCalls (Temporal activities and child
// workflows fanned in deterministically) onto plain goroutines, since the
// core is explicitly not a workflow engine.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hpd-agent/core/event"
	"github.com/hpd-agent/core/filter"
	"github.com/hpd-agent/core/tools"
)

// ToolExecutor is the external collaborator that actually runs a resolved
// function's code, the terminal step's sole capability. The dispatcher never
// inspects args beyond passing them through.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any) (any, error)
}

// Result is one tool call's materialized outcome, in the original call
// order regardless of completion order.
type Result struct {
	CallID       string
	Name         string
	Value        any
	IsError      bool
	ErrorMessage string
}

// Config configures a Dispatcher. Registry, Executor, and Pipeline are
// required; the remaining fields have spec-mandated defaults applied by New.
type Config struct {
	Registry tools.ToolRegistry
	Executor ToolExecutor
	Pipeline *filter.Pipeline

	// ParallelCap bounds concurrent tool invocations within one dispatch
	// call. Zero or negative is never valid for "bounded fan-out", so New
	// clamps non-positive values to 4.
	ParallelCap int
	// PerCallTimeout bounds the terminal invocation's single attempt.
	// Defaults to 30s.
	PerCallTimeout time.Duration
	// MaxAttempts is the total number of terminal-step attempts,
	// including the first. Defaults to 3.
	MaxAttempts int
	// BaseBackoff is the first retry's delay; each subsequent retry
	// doubles it up to MaxBackoff. Defaults to 200ms.
	BaseBackoff time.Duration
	// MaxBackoff caps the exponential delay. Defaults to 5s.
	MaxBackoff time.Duration
	// TerminateOnUnknown mirrors the "terminate on unknown" policy: when
	// true, an unresolved function name marks the batch terminated
	// instead of producing an error result for that call alone.
	TerminateOnUnknown bool
	// RetryLimiter paces retry attempts across all calls sharing this
	// Dispatcher, guarding against a storm of simultaneous retries
	// overwhelming a struggling tool backend. A nil limiter disables
	// pacing (every retry proceeds as soon as its backoff elapses).
	RetryLimiter *rate.Limiter
}

func (c Config) withDefaults() Config {
	if c.ParallelCap <= 0 {
		c.ParallelCap = 4
	}
	if c.PerCallTimeout <= 0 {
		c.PerCallTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	return c
}

// Dispatcher executes batches of tool calls under Config's policy.
type Dispatcher struct {
	cfg Config
}

// New builds a Dispatcher, applying spec-mandated defaults to any zero
// fields in cfg.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{cfg: cfg.withDefaults()}
}

// Outcome is the result of dispatching one batch of tool calls.
type Outcome struct {
	Results []Result
	// Terminated is set when any call in the batch set
	// filter.ToolContext.Terminated, telling the loop driver dispatch for
	// this iteration is done. It is not on its own a reason to fail the
	// run: an ordinary permission denial also sets it (spec.md §8 Scenario
	// C: deny -> ToolCallFinished(error=true) -> loop continues). Callers
	// that need to distinguish a fatal termination must inspect
	// TerminatedReason instead.
	Terminated bool
	// TerminatedReason is the reason of the first call in the batch that
	// set Terminated, or "" if none did or the terminating filter didn't
	// attribute a reason (e.g. PermissionFilter's denial path). Only
	// filter.TerminatedReasonUnknownFunction should be treated as fatal by
	// the loop driver.
	TerminatedReason string
}

// Dispatch runs every call in calls, fanned out up to Config.ParallelCap,
// and returns results in the original call order. ToolCallStarted events
// are emitted up front, sequentially in call order, from the dispatching
// goroutine itself before any worker is spawned, so concurrent fan-out
// (ParallelCap > 1) never reorders them relative to each other as spec §5
// and §4.2 require. ToolCallFinished is emitted once each call's result is
// available, outside the filter chain itself so every call gets exactly
// one pair regardless of what filters do internally.
func (d *Dispatcher) Dispatch(ctx context.Context, runID, scopeID string, calls []filter.ToolCall, emit filter.Emit) (Outcome, error) {
	results := make([]Result, len(calls))
	errs := make([]error, len(calls))

	if emit != nil {
		for _, call := range calls {
			args, _ := json.Marshal(call.Args)
			if err := emit(ctx, event.NewToolCallStarted(runID, call.CallID, call.Function, args)); err != nil {
				return Outcome{}, err
			}
		}
	}

	sem := make(chan struct{}, d.cfg.ParallelCap)
	var wg sync.WaitGroup
	var mu sync.Mutex
	terminated := false
	terminatedReason := ""

	for i, call := range calls {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, call filter.ToolCall) {
			defer wg.Done()
			defer func() { <-sem }()

			res, term, reason, err := d.dispatchOne(ctx, runID, scopeID, call, emit)
			mu.Lock()
			results[i] = res
			errs[i] = err
			if term {
				terminated = true
				if terminatedReason == "" {
					terminatedReason = reason
				}
			}
			mu.Unlock()
		}(i, call)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{Results: results, Terminated: terminated, TerminatedReason: terminatedReason}, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, runID, scopeID string, call filter.ToolCall, emit filter.Emit) (Result, bool, string, error) {
	descriptor, hasDescriptor := d.cfg.Registry.Resolve(call.Function)
	fc := &filter.ToolContext{
		RunID:         runID,
		ScopeID:       scopeID,
		Call:          call,
		Descriptor:    descriptor,
		HasDescriptor: hasDescriptor,
		Metadata:      make(map[string]any),
		Emit:          emit,
	}

	if !hasDescriptor {
		msg := fmt.Sprintf("Function %q not found", call.Function)
		fc.Result = msg
		fc.ResultIsError = true
		fc.ResultErrorMessage = msg
		fc.Terminated = d.cfg.TerminateOnUnknown
		if fc.Terminated {
			fc.TerminatedReason = filter.TerminatedReasonUnknownFunction
		}
	} else {
		terminal := d.terminal()
		chain := d.cfg.Pipeline.BuildToolChain(terminal)
		if err := chain(ctx, fc); err != nil {
			return Result{}, false, "", err
		}
	}

	// spec §8's boundary case: a filter that never calls next and never
	// sets the result slot. Without this, such a call would silently
	// resolve to a non-error nil value instead of the mandated empty-error
	// default.
	if fc.Result == nil && !fc.ResultIsError {
		fc.Result = emptyResultMessage
		fc.ResultIsError = true
		fc.ResultErrorMessage = emptyResultMessage
	}

	res := Result{
		CallID:       call.CallID,
		Name:         call.Function,
		Value:        fc.Result,
		IsError:      fc.ResultIsError,
		ErrorMessage: fc.ResultErrorMessage,
	}
	if emit != nil {
		if err := emit(ctx, event.NewToolCallFinished(runID, call.CallID, fc.Result, fc.ResultErrorMessage)); err != nil {
			return Result{}, false, "", err
		}
	}
	return res, fc.Terminated, fc.TerminatedReason, nil
}

// emptyResultMessage is the localized default set as a call's result when
// its filter chain completes without ever setting one (a filter that never
// calls next and never populates fc.Result/fc.ResultIsError).
const emptyResultMessage = "Tool call produced no result."

// terminal builds the innermost chain step: resolve the function (already
// done by the caller, via fc.Call.Function), invoke it with retry and a
// per-call timeout, and populate the result slot.
func (d *Dispatcher) terminal() filter.ToolNext {
	return func(ctx context.Context, fc *filter.ToolContext) error {
		value, err := d.invokeWithRetry(ctx, fc.Call.Function, fc.Call.Args)
		if err != nil {
			fc.ResultIsError = true
			fc.ResultErrorMessage = err.Error()
			fc.Result = err.Error()
			return nil
		}
		fc.Result = value
		return nil
	}
}

func (d *Dispatcher) invokeWithRetry(ctx context.Context, name string, args map[string]any) (any, error) {
	var lastErr error
	delay := d.cfg.BaseBackoff
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.PerCallTimeout)
		value, err := d.cfg.Executor.Execute(callCtx, name, args)
		cancel()
		if err == nil {
			return value, nil
		}
		lastErr = err
		if attempt == d.cfg.MaxAttempts {
			break
		}
		if d.cfg.RetryLimiter != nil {
			if err := d.cfg.RetryLimiter.Wait(ctx); err != nil {
				return nil, lastErr
			}
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
		if delay > d.cfg.MaxBackoff {
			delay = d.cfg.MaxBackoff
		}
	}
	return nil, lastErr
}
