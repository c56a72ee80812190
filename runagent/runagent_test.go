package runagent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hpd-agent/core/chatclient"
	"github.com/hpd-agent/core/config"
	"github.com/hpd-agent/core/event"
	"github.com/hpd-agent/core/filter"
	"github.com/hpd-agent/core/interrupt"
	"github.com/hpd-agent/core/store"
	"github.com/hpd-agent/core/thread"
	"github.com/hpd-agent/core/tools"
)

// scriptedChat replays one Response per call to Stream, in order, as a
// single-chunk-per-part stream terminated by ChunkStop.
type scriptedChat struct {
	mu    sync.Mutex
	turns []chatclient.Response
	n     int
}

func (c *scriptedChat) Complete(ctx context.Context, req chatclient.Request) (chatclient.Response, error) {
	panic("not used")
}

func (c *scriptedChat) Stream(ctx context.Context, req chatclient.Request) (<-chan chatclient.Chunk, error) {
	c.mu.Lock()
	i := c.n
	c.n++
	c.mu.Unlock()

	var resp chatclient.Response
	if i < len(c.turns) {
		resp = c.turns[i]
	}

	ch := make(chan chatclient.Chunk, 8)
	go func() {
		defer close(ch)
		if resp.Message.Role != "" || len(resp.ToolCalls) > 0 {
			for _, p := range resp.Message.Parts {
				if tp, ok := p.(chatclient.TextPart); ok {
					ch <- chatclient.Chunk{Type: chatclient.ChunkText, Text: tp.Text}
				}
			}
		}
		for _, tc := range resp.ToolCalls {
			tc := tc
			ch <- chatclient.Chunk{Type: chatclient.ChunkToolCall, ToolCall: &tc}
		}
		ch <- chatclient.Chunk{Type: chatclient.ChunkStop, StopReason: resp.StopReason}
	}()
	return ch, nil
}

type fakeExecutor struct {
	fn func(ctx context.Context, name string, args map[string]any) (any, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	return f.fn(ctx, name, args)
}

func newRegistry(t *testing.T, names ...string) tools.ToolRegistry {
	var descs []tools.FunctionDescriptor
	for _, n := range names {
		descs = append(descs, tools.FunctionDescriptor{Name: n})
	}
	reg, err := tools.NewRegistry(descs...)
	require.NoError(t, err)
	return reg
}

func drain(t *testing.T, ch <-chan event.Event, timeout time.Duration) []event.Event {
	t.Helper()
	var out []event.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatal("timed out waiting for run to finish")
			return nil
		}
	}
}

func lastEvent(events []event.Event) event.Event {
	if len(events) == 0 {
		return nil
	}
	return events[len(events)-1]
}

func toolCallResponse(name string, args map[string]any) chatclient.Response {
	payload, _ := json.Marshal(args)
	return chatclient.Response{
		Message:   chatclient.Message{Role: chatclient.RoleAssistant},
		ToolCalls: []chatclient.ToolCall{{ID: "call-1", Name: name, Payload: payload}},
	}
}

func textResponse(text string) chatclient.Response {
	return chatclient.Response{
		Message: chatclient.Message{Role: chatclient.RoleAssistant, Parts: []chatclient.Part{chatclient.TextPart{Text: text}}},
	}
}

func TestRunNaturalStopOnNoToolCalls(t *testing.T) {
	chat := &scriptedChat{turns: []chatclient.Response{textResponse("all done")}}
	d := New(Config{Chat: chat, Model: "test-model"})
	th := thread.New("thread-1")

	events := drain(t, d.Run(context.Background(), th, nil, config.Defaults()), 2*time.Second)
	require.NotEmpty(t, events)
	require.Equal(t, event.RunStarted, events[0].Type())

	finished, ok := lastEvent(events).(*event.RunFinishedEvent)
	require.True(t, ok, "expected RunFinished, got %T", lastEvent(events))
	require.Equal(t, "natural_stop", finished.Reason)
}

func TestRunDispatchesToolThenStops(t *testing.T) {
	chat := &scriptedChat{turns: []chatclient.Response{
		toolCallResponse("echo", map[string]any{"msg": "hi"}),
		textResponse("done"),
	}}
	exec := &fakeExecutor{fn: func(ctx context.Context, name string, args map[string]any) (any, error) {
		return "hi", nil
	}}
	d := New(Config{
		Chat:     chat,
		Model:    "test-model",
		Tools:    newRegistry(t, "echo"),
		Executor: exec,
	})
	th := thread.New("thread-2")

	events := drain(t, d.Run(context.Background(), th, nil, config.Defaults()), 2*time.Second)
	finished, ok := lastEvent(events).(*event.RunFinishedEvent)
	require.True(t, ok, "expected RunFinished, got %T", lastEvent(events))
	require.Equal(t, "natural_stop", finished.Reason)

	var sawToolStarted, sawToolFinished bool
	for _, ev := range events {
		switch ev.Type() {
		case event.ToolCallStarted:
			sawToolStarted = true
		case event.ToolCallFinished:
			sawToolFinished = true
		}
	}
	require.True(t, sawToolStarted)
	require.True(t, sawToolFinished)
}

func TestRunCircuitBreakerTrips(t *testing.T) {
	resp := toolCallResponse("loop", map[string]any{"x": 1})
	var turns []chatclient.Response
	for i := 0; i < 10; i++ {
		turns = append(turns, resp)
	}
	chat := &scriptedChat{turns: turns}
	exec := &fakeExecutor{fn: func(ctx context.Context, name string, args map[string]any) (any, error) {
		return "ok", nil
	}}
	opts := config.Defaults()
	opts.CircuitBreakerThreshold = 3
	d := New(Config{Chat: chat, Model: "test-model", Tools: newRegistry(t, "loop"), Executor: exec})
	th := thread.New("thread-3")

	events := drain(t, d.Run(context.Background(), th, nil, opts), 2*time.Second)
	failed, ok := lastEvent(events).(*event.RunFailedEvent)
	require.True(t, ok, "expected RunFailed, got %T", lastEvent(events))
	require.Equal(t, "circuit_breaker", failed.Kind)
}

func TestRunMaxConsecutiveErrorsTerminates(t *testing.T) {
	var turns []chatclient.Response
	for i := 0; i < 10; i++ {
		turns = append(turns, toolCallResponse("fail_tool", map[string]any{"attempt": i}))
	}
	chat := &scriptedChat{turns: turns}
	exec := &fakeExecutor{fn: func(ctx context.Context, name string, args map[string]any) (any, error) {
		return nil, context.DeadlineExceeded
	}}
	opts := config.Defaults()
	opts.MaxConsecutiveErrors = 2
	opts.MaxRetries = 0
	opts.RetryBaseDelay = time.Millisecond
	d := New(Config{Chat: chat, Model: "test-model", Tools: newRegistry(t, "fail_tool"), Executor: exec})
	th := thread.New("thread-4")

	events := drain(t, d.Run(context.Background(), th, nil, opts), 2*time.Second)
	failed, ok := lastEvent(events).(*event.RunFailedEvent)
	require.True(t, ok, "expected RunFailed, got %T", lastEvent(events))
	require.Equal(t, "max_consecutive_errors", failed.Kind)
}

func TestRunIterationCapDeniedContinuationFails(t *testing.T) {
	var turns []chatclient.Response
	for i := 0; i < 5; i++ {
		turns = append(turns, toolCallResponse("ping", map[string]any{"i": i}))
	}
	chat := &scriptedChat{turns: turns}
	exec := &fakeExecutor{fn: func(ctx context.Context, name string, args map[string]any) (any, error) {
		return "pong", nil
	}}
	opts := config.Defaults()
	opts.IterationCap = 2
	ctrl := interrupt.NewController()
	d := New(Config{Chat: chat, Model: "test-model", Tools: newRegistry(t, "ping"), Executor: exec, Interrupts: ctrl})
	th := thread.New("thread-5")

	ch := d.Run(context.Background(), th, nil, opts)
	var events []event.Event
	for ev := range ch {
		events = append(events, ev)
		if req, ok := ev.(*event.ContinuationRequestedEvent); ok {
			go func(id string) {
				_ = ctrl.ResolveContinuation(id, interrupt.ContinuationResponse{Approved: false})
			}(req.ContinuationID)
		}
	}

	failed, ok := lastEvent(events).(*event.RunFailedEvent)
	require.True(t, ok, "expected RunFailed, got %T", lastEvent(events))
	require.Equal(t, "max_iterations", failed.Kind)
}

func TestRunIterationCapApprovedContinuationExtends(t *testing.T) {
	var turns []chatclient.Response
	for i := 0; i < 4; i++ {
		turns = append(turns, toolCallResponse("ping", map[string]any{"i": i}))
	}
	turns = append(turns, textResponse("finally done"))
	chat := &scriptedChat{turns: turns}
	exec := &fakeExecutor{fn: func(ctx context.Context, name string, args map[string]any) (any, error) {
		return "pong", nil
	}}
	opts := config.Defaults()
	opts.IterationCap = 2
	opts.ExtensionAmount = 5
	ctrl := interrupt.NewController()
	d := New(Config{Chat: chat, Model: "test-model", Tools: newRegistry(t, "ping"), Executor: exec, Interrupts: ctrl})
	th := thread.New("thread-6")

	ch := d.Run(context.Background(), th, nil, opts)
	var events []event.Event
	for ev := range ch {
		events = append(events, ev)
		if req, ok := ev.(*event.ContinuationRequestedEvent); ok {
			go func(id string) {
				_ = ctrl.ResolveContinuation(id, interrupt.ContinuationResponse{Approved: true, Extension: 5})
			}(req.ContinuationID)
		}
	}

	finished, ok := lastEvent(events).(*event.RunFinishedEvent)
	require.True(t, ok, "expected RunFinished, got %T", lastEvent(events))
	require.Equal(t, "natural_stop", finished.Reason)
}

func TestRunClarificationRoundTrip(t *testing.T) {
	chat := &scriptedChat{turns: []chatclient.Response{
		toolCallResponse(DefaultClarificationFunction, map[string]any{"prompt": "which file?"}),
		textResponse("thanks"),
	}}
	reg := newRegistry(t, DefaultClarificationFunction)
	ctrl := interrupt.NewController()
	d := New(Config{Chat: chat, Model: "test-model", Tools: reg, Interrupts: ctrl})
	th := thread.New("thread-7")

	ch := d.Run(context.Background(), th, nil, config.Defaults())
	var events []event.Event
	for ev := range ch {
		events = append(events, ev)
		if req, ok := ev.(*event.ClarificationRequestedEvent); ok {
			go func(id string) {
				_ = ctrl.ResolveClarification(id, interrupt.ClarificationResponse{Reply: "main.go"})
			}(req.ClarificationID)
		}
	}

	finished, ok := lastEvent(events).(*event.RunFinishedEvent)
	require.True(t, ok, "expected RunFinished, got %T", lastEvent(events))
	require.Equal(t, "natural_stop", finished.Reason)
}

func TestRunPermissionDenialFinishesNaturallyInsteadOfFailing(t *testing.T) {
	chat := &scriptedChat{turns: []chatclient.Response{
		toolCallResponse("delete_file", map[string]any{"path": "a.txt"}),
		textResponse("ok, leaving it alone"),
	}}
	exec := &fakeExecutor{fn: func(ctx context.Context, name string, args map[string]any) (any, error) {
		t.Fatal("executor should not run once the permission filter denies the call")
		return nil, nil
	}}
	pipeline := filter.NewPipeline()
	pipeline.SetPermissionFilter(filter.ToolFilterFunc(func(ctx context.Context, fc *filter.ToolContext, next filter.ToolNext) error {
		fc.Result = "Permission denied by user."
		fc.ResultIsError = true
		fc.ResultErrorMessage = "Permission denied by user."
		fc.Terminated = true
		return nil
	}))
	d := New(Config{
		Chat:     chat,
		Model:    "test-model",
		Tools:    newRegistry(t, "delete_file"),
		Executor: exec,
		Pipeline: pipeline,
	})
	th := thread.New("thread-9")

	events := drain(t, d.Run(context.Background(), th, nil, config.Defaults()), 2*time.Second)
	finished, ok := lastEvent(events).(*event.RunFinishedEvent)
	require.True(t, ok, "expected RunFinished, got %T", lastEvent(events))
	require.Equal(t, "natural_stop", finished.Reason)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	chat := &scriptedChat{turns: []chatclient.Response{textResponse("resumed reply")}}
	mem := newMemThreadStore()
	d := New(Config{Chat: chat, Model: "test-model", Store: mem})
	th := thread.New("thread-8")
	th.AddMessage(thread.Message{Role: thread.RoleUser, Parts: []thread.Part{thread.TextPart{Text: "hello"}}})
	th.SetLoopState(&thread.LoopState{
		Iteration:      3,
		IterationCap:   10,
		PendingWrites:  map[string]thread.PendingWrite{},
		ExpandedScopes: map[string]struct{}{},
		CircuitBreaker: map[string]thread.CircuitBreakerEntry{},
	})

	events := drain(t, d.Run(context.Background(), th, nil, config.Defaults()), 2*time.Second)
	started, ok := events[0].(*event.RunStartedEvent)
	require.True(t, ok)
	require.True(t, started.Resumed)

	finished, ok := lastEvent(events).(*event.RunFinishedEvent)
	require.True(t, ok, "expected RunFinished, got %T", lastEvent(events))
	require.Equal(t, "natural_stop", finished.Reason)
}

// memThreadStore is a minimal in-memory store.ThreadStore for tests that
// need checkpointing to succeed without a real backend.
type memThreadStore struct {
	mu   sync.Mutex
	snap map[string]thread.ThreadSnapshot
}

func newMemThreadStore() *memThreadStore {
	return &memThreadStore{snap: make(map[string]thread.ThreadSnapshot)}
}

func (m *memThreadStore) SaveSnapshot(ctx context.Context, snap thread.ThreadSnapshot, checkpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap[snap.ID] = snap
	return nil
}

func (m *memThreadStore) LoadSnapshot(ctx context.Context, threadID string) (thread.ThreadSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snap[threadID]
	if !ok {
		return thread.ThreadSnapshot{}, store.ErrNotFound
	}
	return snap, nil
}

func (m *memThreadStore) ListCheckpoints(ctx context.Context, threadID string) ([]store.CheckpointRecord, error) {
	return nil, nil
}

func (m *memThreadStore) Delete(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snap, threadID)
	return nil
}
