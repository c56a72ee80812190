package filter

import (
	"context"
	"encoding/json"

	"github.com/hpd-agent/core/event"
	"github.com/hpd-agent/core/interrupt"
)

// PermissionChoice is the operator's decision on a PermissionRequested
// request, including how long it should be remembered.
type PermissionChoice string

const (
	ChoiceAllowOnce   PermissionChoice = "allow-once"
	ChoiceDenyOnce    PermissionChoice = "deny-once"
	ChoiceAlwaysAllow PermissionChoice = "always-allow"
	ChoiceAlwaysDeny  PermissionChoice = "always-deny"
)

// approved reports whether choice grants the current call.
func (c PermissionChoice) approved() bool {
	return c == ChoiceAllowOnce || c == ChoiceAlwaysAllow
}

// persists reports whether choice should be remembered beyond this call.
func (c PermissionChoice) persists() bool {
	return c == ChoiceAlwaysAllow || c == ChoiceAlwaysDeny
}

// PermissionDecision is a persisted (or in-flight) grant/deny outcome for one
// scope/function pair.
type PermissionDecision struct {
	Approved bool
	Choice   PermissionChoice
}

// PermissionStore is the external collaborator persisting standing
// permission decisions (always-allow / always-deny) by scope and function,
// so a repeat call in the same conversation does not re-prompt.
type PermissionStore interface {
	Lookup(ctx context.Context, scopeID, function string) (PermissionDecision, bool, error)
	Store(ctx context.Context, scopeID, function string, decision PermissionDecision) error
}

// RequestIDFunc generates a fresh request id for a permission prompt; tests
// substitute a deterministic generator.
type RequestIDFunc func() string

// PermissionFilter is the built-in ToolFilter implementing spec §4.8's
// permission gate: functions flagged RequiresPermission are checked against
// a persisted PermissionStore decision first, then (if none covers this
// call) emit PermissionRequested and block on the interrupt Controller's
// waiter until a response arrives, times out, or the run is cancelled.
// Denial or timeout sets the tool result to a localized denial message and
// marks the call terminated; it never calls next.
type PermissionFilter struct {
	Store      PermissionStore
	Controller *interrupt.Controller
	NewID      RequestIDFunc
	// DenialMessage is the localized message set as the tool result on
	// denial or timeout/cancellation.
	DenialMessage string
}

func (f PermissionFilter) Invoke(ctx context.Context, fc *ToolContext, next ToolNext) error {
	if !fc.HasDescriptor || !fc.Descriptor.RequiresPermission {
		return next(ctx, fc)
	}

	if f.Store != nil {
		if decision, ok, err := f.Store.Lookup(ctx, fc.ScopeID, fc.Call.Function); err == nil && ok {
			if decision.Approved {
				return next(ctx, fc)
			}
			f.deny(fc)
			return nil
		}
	}

	requestID := f.NewID()
	args, _ := json.Marshal(fc.Call.Args)
	if fc.Emit != nil {
		if err := fc.Emit(ctx, event.NewPermissionRequested(fc.RunID, requestID, fc.Call.Function, args)); err != nil {
			return err
		}
	}

	resp, err := f.Controller.AwaitPermission(ctx, requestID)
	approved := err == nil && resp.Approved
	reason := resp.Reason
	if err != nil {
		reason = "request timed out or was cancelled"
	}
	if fc.Emit != nil {
		if emitErr := fc.Emit(ctx, event.NewPermissionResolved(fc.RunID, requestID, approved, reason)); emitErr != nil {
			return emitErr
		}
	}

	choice := PermissionChoice(resp.Choice)
	if f.Store != nil && choice.persists() {
		_ = f.Store.Store(ctx, fc.ScopeID, fc.Call.Function, PermissionDecision{Approved: approved, Choice: choice})
	}

	if !approved {
		f.deny(fc)
		return nil
	}
	return next(ctx, fc)
}

func (f PermissionFilter) deny(fc *ToolContext) {
	msg := f.DenialMessage
	if msg == "" {
		msg = "Permission denied by user."
	}
	fc.Result = msg
	fc.ResultIsError = true
	fc.ResultErrorMessage = msg
	fc.Terminated = true
}
