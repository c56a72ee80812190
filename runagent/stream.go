package runagent

import (
	"bytes"
	"encoding/json"

	"github.com/hpd-agent/core/chatclient"
)

// toolCallAccumulator reassembles a streamed sequence of ChunkToolCall /
// ChunkToolCallDelta chunks into complete chatclient.ToolCall values. A
// ChunkToolCall with a non-empty Payload is already complete; one with an
// empty Payload opens a call whose arguments arrive via subsequent
// ChunkToolCallDelta fragments, appended to the most recently opened call.
type toolCallAccumulator struct {
	order      []string
	calls      map[string]*accumulatingCall
	lastOpenID string
}

type accumulatingCall struct {
	id       string
	name     string
	buf      bytes.Buffer
	complete bool
	payload  json.RawMessage
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{calls: make(map[string]*accumulatingCall)}
}

func (a *toolCallAccumulator) observe(tc *chatclient.ToolCall) {
	if tc == nil || tc.ID == "" {
		return
	}
	c, ok := a.calls[tc.ID]
	if !ok {
		c = &accumulatingCall{id: tc.ID, name: tc.Name}
		a.calls[tc.ID] = c
		a.order = append(a.order, tc.ID)
	}
	if tc.Name != "" {
		c.name = tc.Name
	}
	if len(tc.Payload) > 0 {
		c.payload = tc.Payload
		c.complete = true
	}
	a.lastOpenID = tc.ID
}

func (a *toolCallAccumulator) delta(raw json.RawMessage) {
	if a.lastOpenID == "" || len(raw) == 0 {
		return
	}
	c := a.calls[a.lastOpenID]
	if c == nil || c.complete {
		return
	}
	c.buf.Write(raw)
}

// finish returns every accumulated call in first-seen order.
func (a *toolCallAccumulator) finish() []chatclient.ToolCall {
	out := make([]chatclient.ToolCall, 0, len(a.order))
	for _, id := range a.order {
		c := a.calls[id]
		payload := c.payload
		if len(payload) == 0 && c.buf.Len() > 0 {
			payload = json.RawMessage(c.buf.Bytes())
		}
		out = append(out, chatclient.ToolCall{ID: c.id, Name: c.name, Payload: payload})
	}
	return out
}
