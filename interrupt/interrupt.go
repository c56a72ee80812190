// Package interrupt implements the three Awaiting* request/response flows
// the loop driver and filter pipeline suspend on: permission, clarification,
// and continuation. Each flow pairs a typed request with a waiter.Table so a
// single external entry point (Resolve*) can complete it from outside the
// core, mirroring the teacher's interrupt.Controller but replacing Temporal
// signal channels with plain waiter tables the core owns for a run's
// lifetime.
package interrupt

import (
	"context"
	"time"

	"github.com/hpd-agent/core/waiter"
)

// DefaultTimeout is the waiter discipline's default: every request carries
// a five-minute timeout unless the caller overrides it.
const DefaultTimeout = 5 * time.Minute

type (
	// PermissionResponse answers a PermissionRequested event. Choice
	// distinguishes a one-off answer from a standing allow/deny the
	// caller wants remembered (spec's allow-once/deny-once/always-allow/
	// always-deny vocabulary); the permission filter is the only reader
	// that interprets it.
	PermissionResponse struct {
		Approved bool
		Reason   string
		Choice   string
	}

	// ClarificationResponse answers a ClarificationRequested event.
	ClarificationResponse struct {
		Reply string
	}

	// ContinuationResponse answers a ContinuationRequested event.
	ContinuationResponse struct {
		Approved  bool
		Extension int
	}
)

// Controller owns the three request-kind waiter tables for one run. The
// loop driver and filter pipeline share a single Controller so a permission
// raised during tool dispatch and a continuation raised at the iteration cap
// rendezvous against the same tables regardless of which component issued
// the request.
type Controller struct {
	permissions    *waiter.Table[PermissionResponse]
	clarifications *waiter.Table[ClarificationResponse]
	continuations  *waiter.Table[ContinuationResponse]
}

// NewController builds an empty Controller.
func NewController() *Controller {
	return &Controller{
		permissions:    waiter.New[PermissionResponse](),
		clarifications: waiter.New[ClarificationResponse](),
		continuations:  waiter.New[ContinuationResponse](),
	}
}

// AwaitPermission registers requestID and blocks for its response, under
// ctx's deadline or DefaultTimeout, whichever fires first. On timeout or
// cancellation the waiter discipline treats the outcome as "request failed",
// which permission callers must read as a deny.
func (c *Controller) AwaitPermission(ctx context.Context, requestID string) (PermissionResponse, error) {
	return await(ctx, c.permissions, requestID)
}

// ResolvePermission is the external entry point completing a pending
// permission request. Returns waiter.ErrNoSuchRequest if requestID is not
// (or no longer) pending.
func (c *Controller) ResolvePermission(requestID string, resp PermissionResponse) error {
	return c.permissions.Resolve(requestID, resp)
}

// PermissionPending reports whether a permission request is currently
// registered and unresolved, letting an external responder (or a test)
// avoid racing ResolvePermission ahead of the corresponding AwaitPermission.
func (c *Controller) PermissionPending(requestID string) bool {
	return c.permissions.Pending(requestID)
}

// AwaitClarification registers requestID and blocks for its response.
func (c *Controller) AwaitClarification(ctx context.Context, requestID string) (ClarificationResponse, error) {
	return await(ctx, c.clarifications, requestID)
}

// ResolveClarification is the external entry point completing a pending
// clarification request.
func (c *Controller) ResolveClarification(requestID string, resp ClarificationResponse) error {
	return c.clarifications.Resolve(requestID, resp)
}

// AwaitContinuation registers requestID and blocks for its response.
func (c *Controller) AwaitContinuation(ctx context.Context, requestID string) (ContinuationResponse, error) {
	return await(ctx, c.continuations, requestID)
}

// ResolveContinuation is the external entry point completing a pending
// continuation request.
func (c *Controller) ResolveContinuation(requestID string, resp ContinuationResponse) error {
	return c.continuations.Resolve(requestID, resp)
}

func await[T any](ctx context.Context, table *waiter.Table[T], requestID string) (T, error) {
	wait, cancel := table.Register(requestID)
	defer cancel()

	deadline, hasDeadline := ctx.Deadline()
	if !hasDeadline || time.Until(deadline) > DefaultTimeout {
		timeoutCtx, cancelTimeout := context.WithTimeout(ctx, DefaultTimeout)
		defer cancelTimeout()
		ctx = timeoutCtx
	}
	return wait(ctx)
}
