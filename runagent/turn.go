package runagent

import (
	"context"
	"fmt"

	"github.com/hpd-agent/core/chatclient"
	"github.com/hpd-agent/core/config"
	"github.com/hpd-agent/core/dispatch"
	"github.com/hpd-agent/core/event"
	"github.com/hpd-agent/core/filter"
	"github.com/hpd-agent/core/ids"
	"github.com/hpd-agent/core/policy"
	"github.com/hpd-agent/core/reduction"
	"github.com/hpd-agent/core/thread"
)

// turn carries the collaborators and per-run policy state shared across
// iterations of one Driver.run call. It is created once per run and
// mutated in place, mirroring how the teacher's workflowLoop holds a run's
// shared, mostly-immutable context.
type turn struct {
	d       *Driver
	th      *thread.ConversationThread
	opts    config.RunOptions
	runID   string
	sink    *eventSink
	disp    *dispatch.Dispatcher
	breaker *policy.Breaker
	trigger reduction.Trigger
	reducer reduction.Reducer
}

// iterationOutcome reports whether the loop should continue (Terminal
// false) or stop, and if stopping, whether it stopped via RunFinished
// (Failed false) or RunFailed (Failed true).
type iterationOutcome struct {
	terminal   bool
	failed     bool
	reasonKind string
	reason     string
}

func (t *turn) maybeReduce(ctx context.Context, ls *thread.LoopState) error {
	if t.trigger == nil || t.reducer == nil {
		return nil
	}
	messages := t.th.Messages()
	if !t.trigger.ShouldReduce(messages) {
		return nil
	}
	ls.ReductionInProgress = true
	reduced, err := t.reducer.Reduce(ctx, messages)
	if err != nil {
		return fmt.Errorf("history reduction: %w", err)
	}
	from := len(messages)
	t.th.Clear()
	t.th.AddMessages(reduced)
	ls.ReductionInProgress = false
	return t.sink.emit(ctx, event.NewHistoryReduced(t.runID, from, len(reduced), string(t.trigger.Strategy())))
}

func (t *turn) runIteration(ctx context.Context, ls *thread.LoopState) (iterationOutcome, error) {
	msgID := ids.NewMessageID()
	if err := t.sink.emit(ctx, event.NewMessageStarted(t.runID, msgID, string(thread.RoleAssistant))); err != nil {
		return iterationOutcome{}, err
	}

	req := chatclient.Request{
		RunID:      t.runID,
		Model:      t.d.cfg.Model,
		Messages:   toChatMessages(t.th.Messages()),
		Tools:      toolDefinitions(t.d.cfg.Tools, t.opts.ToolSelectionMode),
		ToolChoice: toolChoice(t.opts),
	}

	text, reasoning, toolCalls, usage, err := t.streamModel(ctx, msgID, req)
	if err != nil {
		return iterationOutcome{}, err
	}

	asstMsg := thread.Message{ID: msgID, Role: thread.RoleAssistant}
	if text != "" {
		asstMsg.Parts = append(asstMsg.Parts, thread.TextPart{Text: text})
	}
	if reasoning != "" {
		asstMsg.Parts = append(asstMsg.Parts, thread.ReasoningPart{Text: reasoning})
	}
	for _, tc := range toToolCallRequestParts(toolCalls) {
		asstMsg.Parts = append(asstMsg.Parts, tc)
	}
	if usage != nil {
		asstMsg.Usage = &thread.Usage{PromptTokens: usage.InputTokens, CompletionTokens: usage.OutputTokens, TotalTokens: usage.TotalTokens}
	}

	t.th.AddMessage(asstMsg)
	if err := t.sink.emit(ctx, event.NewMessageFinished(t.runID, msgID)); err != nil {
		return iterationOutcome{}, err
	}

	requests := asstMsg.ToolCallRequests()
	if len(requests) == 0 {
		return iterationOutcome{terminal: true, reason: "natural_stop"}, nil
	}

	return t.dispatchTurn(ctx, ls, requests)
}

func (t *turn) dispatchTurn(ctx context.Context, ls *thread.LoopState, requests []thread.ToolCallRequestPart) (iterationOutcome, error) {
	var toDispatch []filter.ToolCall
	reused := make(map[string]thread.PendingWrite)
	for _, r := range requests {
		if pw, ok := ls.PendingWrites[r.CallID]; ok {
			reused[r.CallID] = pw
			continue
		}
		toDispatch = append(toDispatch, filter.ToolCall{CallID: r.CallID, Function: r.Function, Args: r.Args})
	}

	var outcome dispatch.Outcome
	if len(toDispatch) > 0 {
		var err error
		outcome, err = t.disp.Dispatch(ctx, t.runID, t.th.ID(), toDispatch, t.sink.emit)
		if err != nil {
			return iterationOutcome{}, err
		}
		for _, res := range outcome.Results {
			tripped, _ := t.breaker.Record(res.Name, callArgs(toDispatch, res.CallID))
			if tripped {
				return t.circuitBreakerOutcome(ctx, ls, res.CallID)
			}
		}
	}

	allErrored := true
	for _, r := range requests {
		if pw, ok := reused[r.CallID]; ok {
			if !pw.Error {
				allErrored = false
			}
			continue
		}
		for _, res := range outcome.Results {
			if res.CallID == r.CallID && !res.IsError {
				allErrored = false
			}
		}
	}

	if err := t.appendResults(requests, reused, outcome.Results); err != nil {
		return iterationOutcome{}, err
	}
	clearPendingWrites(ls.PendingWrites, requests)

	if allErrored {
		ls.ConsecutiveErrors++
	} else {
		ls.ConsecutiveErrors = 0
	}
	ls.CircuitBreaker = fromBreakerSnapshot(t.breaker.Snapshot())

	if t.opts.MaxConsecutiveErrors > 0 && ls.ConsecutiveErrors >= t.opts.MaxConsecutiveErrors {
		return iterationOutcome{terminal: true, failed: true, reasonKind: "max_consecutive_errors", reason: t.opts.Messages.MaxConsecutiveErr}, nil
	}

	// Only an actual unknown-function termination fails the run. Other
	// causes of Terminated (e.g. filter.PermissionFilter's ordinary denial
	// path, spec.md §8 Scenario C) already produced an errored
	// ToolCallFinished result above and let the loop continue normally.
	if outcome.TerminatedReason == filter.TerminatedReasonUnknownFunction {
		return iterationOutcome{terminal: true, failed: true, reasonKind: "unknown_function", reason: t.opts.Messages.UnknownFunction}, nil
	}

	if t.opts.CheckpointFrequency == config.CheckpointOnToolCompletion || t.opts.CheckpointFrequency == config.CheckpointFullHistory {
		if err := t.checkpoint(ctx, t.th, ls); err != nil {
			return iterationOutcome{}, err
		}
	}

	ls.Iteration++
	if ls.IterationCap > 0 && ls.Iteration >= ls.IterationCap {
		return t.requestContinuation(ctx, ls)
	}

	return iterationOutcome{}, nil
}

func (t *turn) requestContinuation(ctx context.Context, ls *thread.LoopState) (iterationOutcome, error) {
	reqID := ids.NewRequestID("continuation")
	if err := t.sink.emit(ctx, event.NewContinuationRequested(t.runID, reqID, ls.Iteration, ls.IterationCap)); err != nil {
		return iterationOutcome{}, err
	}
	resp, err := t.d.cfg.Interrupts.AwaitContinuation(ctx, reqID)
	approved := err == nil && resp.Approved
	extension := resp.Extension
	if extension <= 0 {
		extension = t.opts.ExtensionAmount
	}
	_ = t.sink.emit(ctx, event.NewContinuationResolved(t.runID, reqID, approved, extension))
	if !approved {
		return iterationOutcome{terminal: true, failed: true, reasonKind: "max_iterations", reason: t.opts.Messages.MaxIterations}, nil
	}
	ls.IterationCap += extension
	return iterationOutcome{}, nil
}

func (t *turn) circuitBreakerOutcome(ctx context.Context, ls *thread.LoopState, callID string) (iterationOutcome, error) {
	ls.CircuitBreaker = fromBreakerSnapshot(t.breaker.Snapshot())
	t.th.AddMessage(thread.Message{
		Role: thread.RoleTool,
		Parts: []thread.Part{thread.ToolCallResultPart{
			CallID: callID,
			Output: t.opts.Messages.CircuitBreaker,
			Error:  true,
		}},
	})
	return iterationOutcome{terminal: true, failed: true, reasonKind: "circuit_breaker", reason: t.opts.Messages.CircuitBreaker}, nil
}

func (t *turn) appendResults(requests []thread.ToolCallRequestPart, reused map[string]thread.PendingWrite, results []dispatch.Result) error {
	byID := make(map[string]dispatch.Result, len(results))
	for _, r := range results {
		byID[r.CallID] = r
	}
	for _, req := range requests {
		if pw, ok := reused[req.CallID]; ok {
			t.th.AddMessage(thread.Message{Role: thread.RoleTool, Parts: []thread.Part{thread.ToolCallResultPart{CallID: req.CallID, Output: pw.Output, Error: pw.Error}}})
			continue
		}
		res, ok := byID[req.CallID]
		if !ok {
			return fmt.Errorf("runagent: no dispatch result for call %q", req.CallID)
		}
		t.th.AddMessage(thread.Message{Role: thread.RoleTool, Parts: []thread.Part{thread.ToolCallResultPart{CallID: res.CallID, Output: res.Value, Error: res.IsError}}})
	}
	return nil
}

func callArgs(calls []filter.ToolCall, callID string) map[string]any {
	for _, c := range calls {
		if c.CallID == callID {
			return c.Args
		}
	}
	return nil
}

func clearPendingWrites(m map[string]thread.PendingWrite, requests []thread.ToolCallRequestPart) {
	for _, r := range requests {
		delete(m, r.CallID)
	}
}
