// Package ids centralizes identifier generation for runs, tool calls,
// checkpoints, and bidirectional requests. It wraps github.com/google/uuid
// the way the teacher's runtime/agent/runtime/run_id.go wraps it for run IDs,
// generalized to every identifier kind the core mints.
package ids

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewRunID generates a run identifier prefixed with the agent ID so logs and
// dashboards can group runs by agent at a glance.
func NewRunID(agentID string) string {
	return prefixed(agentID, "run")
}

// NewCallID generates a tool-call identifier.
func NewCallID() string {
	return "call_" + uuid.NewString()
}

// NewCheckpointID generates a checkpoint identifier.
func NewCheckpointID() string {
	return "ckpt_" + uuid.NewString()
}

// NewRequestID generates an identifier for a bidirectional waiter request
// (permission, clarification, continuation).
func NewRequestID(kind string) string {
	return prefixed(kind, "req")
}

// NewMessageID generates a message identifier.
func NewMessageID() string {
	return "msg_" + uuid.NewString()
}

func prefixed(label, kind string) string {
	label = strings.TrimSpace(label)
	id := uuid.NewString()
	if label == "" {
		return fmt.Sprintf("%s_%s", kind, id)
	}
	return fmt.Sprintf("%s_%s_%s", kind, sanitize(label), id)
}

func sanitize(s string) string {
	b := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b = append(b, r)
		case r == '.' || r == '-' || r == '_':
			b = append(b, r)
		default:
			b = append(b, '_')
		}
	}
	return string(b)
}
