package runagent

import (
	"context"

	"github.com/hpd-agent/core/event"
	"github.com/hpd-agent/core/filter"
	"github.com/hpd-agent/core/ids"
	"github.com/hpd-agent/core/interrupt"
)

// DefaultClarificationFunction is the built-in tool name the model calls to
// ask the user a direct question (spec §4.8). A caller wiring up a Driver
// must register a matching tools.FunctionDescriptor in its ToolRegistry
// (with a "prompt" string argument) so the dispatcher resolves it; the
// Driver intercepts calls to this name before they reach the configured
// ToolExecutor.
const DefaultClarificationFunction = "request_clarification"

// clarificationExecutor wraps a ToolExecutor, intercepting the
// clarification function name and routing it through the interrupt
// controller's waiter table instead of the underlying executor. Every
// other call name passes through unchanged.
type clarificationExecutor struct {
	inner        toolExecutor
	ctrl         *interrupt.Controller
	emit         filter.Emit
	runID        string
	functionName string
}

// toolExecutor mirrors dispatch.ToolExecutor without importing dispatch,
// keeping this file usable regardless of dispatch's own import graph.
type toolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any) (any, error)
}

func (e *clarificationExecutor) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	if name != e.functionName {
		return e.inner.Execute(ctx, name, args)
	}

	prompt, _ := args["prompt"].(string)
	reqID := ids.NewRequestID("clarification")

	if e.emit != nil {
		if err := e.emit(ctx, event.NewClarificationRequested(e.runID, reqID, prompt)); err != nil {
			return nil, err
		}
	}

	resp, err := e.ctrl.AwaitClarification(ctx, reqID)
	if err != nil {
		return nil, err
	}

	if e.emit != nil {
		if err := e.emit(ctx, event.NewClarificationResolved(e.runID, reqID, resp.Reply)); err != nil {
			return nil, err
		}
	}
	return resp.Reply, nil
}
