// Package runagent implements the Agentic Loop Driver (spec §4.1): the
// iteration state machine that alternates model calls and tool dispatch,
// enforces the safety controls, mediates the three Awaiting* interactive
// flows, and emits the outbound event stream. It is the component every
// other package in this module exists to serve; it owns no transport,
// persistence, or provider wire format of its own, consuming those as
// narrow collaborator interfaces (chatclient.ChatClient, tools.ToolRegistry,
// store.ThreadStore, filter.PermissionStore).
//
// This generalizes the teacher's Temporal-workflow loop
// (runtime/agent/runtime/workflow_loop.go: deadlines, interrupt handling,
// await-only results, tool turns, finalization) onto a single goroutine
// driving a buffered channel, since the core explicitly is not a workflow
// engine.
package runagent

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/hpd-agent/core/chatclient"
	"github.com/hpd-agent/core/config"
	"github.com/hpd-agent/core/dispatch"
	"github.com/hpd-agent/core/event"
	"github.com/hpd-agent/core/filter"
	"github.com/hpd-agent/core/ids"
	"github.com/hpd-agent/core/interrupt"
	"github.com/hpd-agent/core/policy"
	"github.com/hpd-agent/core/reduction"
	"github.com/hpd-agent/core/store"
	"github.com/hpd-agent/core/thread"
	"github.com/hpd-agent/core/tools"
)

// Config assembles the collaborators one Driver consumes for the lifetime
// of however many runs it serves. Per-run tuning (iteration caps, timeouts,
// checkpoint frequency, ...) comes from the config.RunOptions passed to
// Run, not from Config.
type Config struct {
	// Chat is the model collaborator the driver streams completions from.
	Chat chatclient.ChatClient
	// Model names the model the Chat collaborator should invoke.
	Model string
	// Tools resolves function names to descriptors for both the model's
	// tool catalog and the dispatcher's call resolution.
	Tools tools.ToolRegistry
	// Executor actually runs a resolved function's code.
	Executor dispatch.ToolExecutor
	// Pipeline composes tool/prompt/post-invoke/message-turn filters
	// around dispatch and the model call. A nil Pipeline gets an empty
	// one via filter.NewPipeline().
	Pipeline *filter.Pipeline
	// Interrupts owns the permission/clarification/continuation waiter
	// tables. A nil Interrupts gets a fresh interrupt.NewController().
	Interrupts *interrupt.Controller
	// Store persists checkpoints, per config.RunOptions.CheckpointFrequency.
	// Nil disables checkpointing regardless of the configured frequency.
	Store store.ThreadStore
	// Summarizer backs the "summarizing" history-reduction policy. Nil
	// means that policy is silently treated as message-count instead,
	// since there's no summarizer to call.
	Summarizer reduction.ChatClientSummarizer
	// ClarificationFunction names the built-in clarification tool this
	// Driver intercepts. Defaults to DefaultClarificationFunction.
	ClarificationFunction string
	// RetryLimiter paces tool-call retries across every dispatch this
	// Driver performs. Nil disables pacing.
	RetryLimiter *rate.Limiter
}

// Driver runs the agentic loop for a ConversationThread.
type Driver struct {
	cfg Config
}

// New builds a Driver, defaulting any unset collaborators.
func New(cfg Config) *Driver {
	if cfg.Pipeline == nil {
		cfg.Pipeline = filter.NewPipeline()
	}
	if cfg.Interrupts == nil {
		cfg.Interrupts = interrupt.NewController()
	}
	if cfg.ClarificationFunction == "" {
		cfg.ClarificationFunction = DefaultClarificationFunction
	}
	return &Driver{cfg: cfg}
}

// Run produces a lazy, finite sequence of events by alternating model calls
// and tool dispatch over th until a terminal condition holds. The first
// event is always RunStarted; the last is always RunFinished or RunFailed.
// Canceling ctx cancels the run cooperatively: the driver stops scheduling
// new work and emits RunFailed(kind="cancelled").
func (d *Driver) Run(ctx context.Context, th *thread.ConversationThread, newMessages []thread.Message, opts config.RunOptions) <-chan event.Event {
	sink := newEventSink(64)
	go d.run(ctx, th, newMessages, opts, sink)
	return sink.events()
}

func (d *Driver) run(ctx context.Context, th *thread.ConversationThread, newMessages []thread.Message, opts config.RunOptions, sink *eventSink) {
	defer sink.close()

	runID := ids.NewRunID(th.ID())
	resumed := th.LoopState() != nil
	if err := sink.emit(ctx, event.NewRunStarted(runID, resumed)); err != nil {
		return
	}

	ls, err := d.initLoopState(th, newMessages, opts)
	if err != nil {
		sink.emit(ctx, event.NewRunFailed(runID, "corrupt_checkpoint", err.Error()))
		return
	}

	executor := d.cfg.Executor
	if d.cfg.Interrupts != nil {
		executor = &clarificationExecutor{
			inner:        executor,
			ctrl:         d.cfg.Interrupts,
			emit:         sink.emit,
			runID:        runID,
			functionName: d.cfg.ClarificationFunction,
		}
	}

	disp := dispatch.New(dispatch.Config{
		Registry:           d.cfg.Tools,
		Executor:           executor,
		Pipeline:           d.cfg.Pipeline,
		ParallelCap:        opts.ParallelToolCap,
		PerCallTimeout:     opts.PerCallTimeout,
		MaxAttempts:        opts.MaxRetries + 1,
		BaseBackoff:        opts.RetryBaseDelay,
		TerminateOnUnknown: opts.TerminateOnUnknownCall,
		RetryLimiter:       d.cfg.RetryLimiter,
	})
	breaker := policy.RestoreBreaker(opts.CircuitBreakerThreshold, toBreakerSnapshot(ls.CircuitBreaker))
	trigger, reducer := buildReduction(d.cfg, opts)

	t := &turn{
		d:       d,
		th:      th,
		opts:    opts,
		runID:   runID,
		sink:    sink,
		disp:    disp,
		breaker: breaker,
		trigger: trigger,
		reducer: reducer,
	}

	for {
		if ctx.Err() != nil {
			sink.emit(ctx, event.NewRunFailed(runID, "cancelled", ctx.Err().Error()))
			return
		}

		if err := t.maybeReduce(ctx, ls); err != nil {
			sink.emit(ctx, event.NewRunFailed(runID, "reduction_failed", err.Error()))
			return
		}

		if err := sink.emit(ctx, event.NewIterationStarted(runID, ls.Iteration)); err != nil {
			return
		}

		outcome, err := t.runIteration(ctx, ls)
		if err != nil {
			var pe *chatclient.ProviderError
			if errors.As(err, &pe) {
				kind := "provider_permanent"
				if pe.Retryable() {
					kind = "provider_transient"
				}
				sink.emit(ctx, event.NewRunFailed(runID, kind, err.Error()))
			} else {
				sink.emit(ctx, event.NewRunFailed(runID, "internal_error", err.Error()))
			}
			return
		}

		if outcome.terminal {
			th.SetLoopState(nil)
			sink.emit(ctx, event.NewIterationFinished(runID, ls.Iteration))
			if outcome.failed {
				sink.emit(ctx, event.NewRunFailed(runID, outcome.reasonKind, outcome.reason))
			} else {
				sink.emit(ctx, event.NewRunFinished(runID, outcome.reason))
			}
			return
		}

		if err := sink.emit(ctx, event.NewIterationFinished(runID, ls.Iteration)); err != nil {
			return
		}

		if opts.CheckpointFrequency == config.CheckpointPerIteration || opts.CheckpointFrequency == config.CheckpointFullHistory {
			if err := t.checkpoint(ctx, th, ls); err != nil {
				sink.emit(ctx, event.NewRunFailed(runID, "checkpoint_failure", err.Error()))
				return
			}
		}
	}
}

// initLoopState resumes from th's existing LoopState, or starts fresh by
// appending newMessages and initializing iteration accounting at zero.
func (d *Driver) initLoopState(th *thread.ConversationThread, newMessages []thread.Message, opts config.RunOptions) (*thread.LoopState, error) {
	if existing := th.LoopState(); existing != nil {
		if !existing.Valid() {
			return nil, fmt.Errorf("runagent: loop state references a pending write with no matching tool call")
		}
		ls := *existing
		return &ls, nil
	}

	th.AddMessages(newMessages)
	return &thread.LoopState{
		Iteration:      0,
		IterationCap:   opts.IterationCap,
		PendingWrites:  map[string]thread.PendingWrite{},
		ExpandedScopes: map[string]struct{}{},
		CircuitBreaker: map[string]thread.CircuitBreakerEntry{},
	}, nil
}

func buildReduction(cfg Config, opts config.RunOptions) (reduction.Trigger, reduction.Reducer) {
	target := opts.ReductionTarget
	threshold := opts.ReductionThreshold
	switch opts.HistoryReductionPolicy {
	case config.ReductionMessageCount:
		return reduction.MessageCountTrigger{MaxMessages: target + threshold}, reduction.MessageCountReducer{Keep: target}
	case config.ReductionTokenBudget:
		return reduction.TokenBudgetTrigger{AbsoluteTokens: target + threshold}, reduction.MessageCountReducer{Keep: target}
	case config.ReductionSummarizing:
		if cfg.Summarizer == nil {
			return reduction.MessageCountTrigger{MaxMessages: target + threshold}, reduction.MessageCountReducer{Keep: target}
		}
		return reduction.MessageCountTrigger{MaxMessages: target + threshold}, reduction.SummarizingReducer{Summarizer: cfg.Summarizer, Target: target}
	default:
		return nil, nil
	}
}

func toBreakerSnapshot(m map[string]thread.CircuitBreakerEntry) map[string]policy.Entry {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]policy.Entry, len(m))
	for k, v := range m {
		out[k] = policy.Entry{Function: v.Function, Fingerprint: v.Fingerprint, Count: v.Count}
	}
	return out
}

func fromBreakerSnapshot(m map[string]policy.Entry) map[string]thread.CircuitBreakerEntry {
	if len(m) == 0 {
		return map[string]thread.CircuitBreakerEntry{}
	}
	out := make(map[string]thread.CircuitBreakerEntry, len(m))
	for k, v := range m {
		out[k] = thread.CircuitBreakerEntry{Function: v.Function, Fingerprint: v.Fingerprint, Count: v.Count}
	}
	return out
}
