package filter

import (
	"context"
	"sort"
	"sync"

	"github.com/hpd-agent/core/thread"
)

// ReminderTier controls ordering and suppression precedence for injected
// reminders; lower values take precedence.
type ReminderTier int

const (
	// ReminderSafety reminders are never suppressed by per-run caps.
	ReminderSafety ReminderTier = iota
	// ReminderGuidance reminders are the first suppressed under budget
	// pressure.
	ReminderGuidance
)

// Reminder describes one piece of backstage guidance to inject into the
// prompt ahead of a model call, e.g. "<system-reminder>...</system-reminder>"
// text a planner should follow without surfacing verbatim to the end user.
type Reminder struct {
	// ID deduplicates and rate-limits repeated emissions within a run.
	ID string
	// Text is injected as a system message.
	Text string
	// Priority orders reminders and determines suppression precedence.
	Priority ReminderTier
	// MaxPerRun caps total emissions; zero means unlimited.
	MaxPerRun int
	// MinTurnsBetween enforces spacing between repeated emissions; zero
	// means no rate limit.
	MinTurnsBetween int
}

type reminderState struct {
	reminder Reminder
	emitted  int
	lastTurn int
}

// ReminderEngine tracks run-scoped reminder emission state and enforces
// per-run caps plus turn-based rate limiting, independent of how the
// reminders themselves are sourced.
type ReminderEngine struct {
	mu   sync.Mutex
	runs map[string]map[string]*reminderState
	turn map[string]int
}

// NewReminderEngine builds an empty ReminderEngine.
func NewReminderEngine() *ReminderEngine {
	return &ReminderEngine{
		runs: make(map[string]map[string]*reminderState),
		turn: make(map[string]int),
	}
}

// Add registers or replaces a reminder's configuration for runID, preserving
// emission counters if it already exists so rate limiting keeps applying.
func (e *ReminderEngine) Add(runID string, r Reminder) {
	if runID == "" || r.ID == "" || r.Text == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.runs[runID]
	if !ok {
		rs = make(map[string]*reminderState)
		e.runs[runID] = rs
	}
	if st, ok := rs[r.ID]; ok {
		st.reminder = r
		return
	}
	rs[r.ID] = &reminderState{reminder: r}
}

// Remove drops a reminder from a run.
func (e *ReminderEngine) Remove(runID, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rs, ok := e.runs[runID]; ok {
		delete(rs, id)
	}
}

// ClearRun drops all reminder state for a run.
func (e *ReminderEngine) ClearRun(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runs, runID)
	delete(e.turn, runID)
}

// snapshot returns the reminders due for the next turn, in priority then ID
// order, advancing the run's turn counter and per-reminder emission state.
func (e *ReminderEngine) snapshot(runID string) []Reminder {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.runs[runID]
	if !ok || len(rs) == 0 {
		return nil
	}
	e.turn[runID]++
	turn := e.turn[runID]

	var out []Reminder
	for _, st := range rs {
		if !reminderDue(st, turn) {
			continue
		}
		st.emitted++
		st.lastTurn = turn
		out = append(out, st.reminder)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func reminderDue(st *reminderState, turn int) bool {
	r := st.reminder
	if r.MaxPerRun > 0 && st.emitted >= r.MaxPerRun && r.Priority != ReminderSafety {
		return false
	}
	if r.MinTurnsBetween > 0 && st.lastTurn > 0 {
		if delta := turn - st.lastTurn; delta >= 0 && delta < r.MinTurnsBetween {
			return false
		}
	}
	return true
}

// ReminderInjectionFilter is the built-in PromptFilter that prepends the
// current turn's due reminders, one system message per reminder, ahead of
// the rest of the prompt, then calls next. Ordering guarantees reminders
// never follow the messages they annotate.
type ReminderInjectionFilter struct {
	Engine *ReminderEngine
	RunID  string
}

func (f ReminderInjectionFilter) Invoke(ctx context.Context, messages []thread.Message, next PromptNext) ([]thread.Message, error) {
	if f.Engine == nil {
		return next(ctx, messages)
	}
	reminders := f.Engine.snapshot(f.RunID)
	if len(reminders) == 0 {
		return next(ctx, messages)
	}
	out := make([]thread.Message, 0, len(reminders)+len(messages))
	for _, r := range reminders {
		out = append(out, thread.Message{
			Role:  thread.RoleSystem,
			Parts: []thread.Part{thread.TextPart{Text: r.Text}},
		})
	}
	out = append(out, messages...)
	return next(ctx, out)
}
