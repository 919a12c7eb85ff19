package engine

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

// TransitionHook runs around a transition. A before-hook error aborts it.
type TransitionHook func(from, to string) error

// EventAppender persists the event a transition emits. Store and EventLog
// both satisfy it.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type edge[S ~string] struct{ from, to S }

// machine validates transitions against a table, runs hooks and emits one
// event per transition. The lock guards the hook tables only; events are
// appended outside it.
type machine[S ~string] struct {
	kind     string
	table    map[S][]S
	eventFor func(S) string
	appender EventAppender

	mu     sync.RWMutex
	before map[edge[S]][]TransitionHook
	after  map[edge[S]][]TransitionHook
}

func newMachine[S ~string](kind string, table map[S][]S, eventFor func(S) string, appender EventAppender) *machine[S] {
	return &machine[S]{
		kind:     kind,
		table:    table,
		eventFor: eventFor,
		appender: appender,
		before:   make(map[edge[S]][]TransitionHook),
		after:    make(map[edge[S]][]TransitionHook),
	}
}

func (m *machine[S]) hook(hooks map[edge[S]][]TransitionHook, from, to S, h TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := edge[S]{from, to}
	hooks[e] = append(hooks[e], h)
}

func (m *machine[S]) hooksFor(from, to S) (before, after []TransitionHook) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e := edge[S]{from, to}
	return slices.Clone(m.before[e]), slices.Clone(m.after[e])
}

func runHooks[S ~string](hooks []TransitionHook, from, to S) error {
	for _, h := range hooks {
		if err := h(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func (m *machine[S]) check(ev store.Event, from, to S) error {
	if slices.Contains(m.table[from], to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "%s cannot move from %s to %s", m.kind, from, to).
		WithStep(ev.StepID).
		WithDetails(map[string]any{"execution_id": ev.ExecutionID, "from": string(from), "to": string(to)})
}

func (m *machine[S]) transition(ctx context.Context, ev store.Event, from, to S, payload any) error {
	if err := m.check(ev, from, to); err != nil {
		return err
	}
	before, after := m.hooksFor(from, to)
	if err := runHooks(before, from, to); err != nil {
		return err
	}
	if ev.Type = m.eventFor(to); ev.Type != "" {
		ev.Payload = encodePayload(payload)
		if err := m.appender.AppendEvent(ctx, &ev); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "record %s event %s: %v", m.kind, ev.Type, err).
				WithStep(ev.StepID).WithCause(err)
		}
	}
	return runHooks(after, from, to)
}

// ExecutionFSM drives an execution through its lifecycle. The caller persists
// the new status; the FSM only validates it and records the event.
type ExecutionFSM struct {
	m *machine[schema.ExecutionStatus]
}

func NewExecutionFSM(appender EventAppender) *ExecutionFSM {
	return &ExecutionFSM{m: newMachine("execution", ValidExecutionTransitions, executionEventType, appender)}
}

func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.m.hook(f.m.before, from, to, hook)
}

func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.m.hook(f.m.after, from, to, hook)
}

// Check reports whether from -> to is allowed without emitting anything.
func (f *ExecutionFSM) Check(executionID string, from, to schema.ExecutionStatus) error {
	return f.m.check(store.Event{ExecutionID: executionID}, from, to)
}

func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus, payload any) error {
	return f.m.transition(ctx, store.Event{ExecutionID: executionID}, from, to, payload)
}

// StepFSM drives step runs. Parallel loop iterations share one StepFSM.
type StepFSM struct {
	m *machine[schema.StepStatus]
}

func NewStepFSM(appender EventAppender) *StepFSM {
	return &StepFSM{m: newMachine("step", ValidStepTransitions, stepEventType, appender)}
}

func (f *StepFSM) OnBefore(from, to schema.StepStatus, hook TransitionHook) {
	f.m.hook(f.m.before, from, to, hook)
}

func (f *StepFSM) OnAfter(from, to schema.StepStatus, hook TransitionHook) {
	f.m.hook(f.m.after, from, to, hook)
}

func (f *StepFSM) Transition(ctx context.Context, executionID, stepID string, from, to schema.StepStatus, payload any) error {
	return f.m.transition(ctx, store.Event{ExecutionID: executionID, StepID: stepID}, from, to, payload)
}

var executionEvents = map[schema.ExecutionStatus]string{
	schema.ExecutionStatusRunning:   schema.EventExecutionStarted,
	schema.ExecutionStatusCompleted: schema.EventExecutionCompleted,
	schema.ExecutionStatusError:     schema.EventExecutionFailed,
	schema.ExecutionStatusCancelled: schema.EventExecutionCancelled,
}

var stepEvents = map[schema.StepStatus]string{
	schema.StepStatusRunning:   schema.EventStepStarted,
	schema.StepStatusCompleted: schema.EventStepCompleted,
	schema.StepStatusFailed:    schema.EventStepFailed,
	schema.StepStatusSkipped:   schema.EventStepSkipped,
	schema.StepStatusRetrying:  schema.EventStepRetrying,
}

func executionEventType(to schema.ExecutionStatus) string { return executionEvents[to] }
func stepEventType(to schema.StepStatus) string           { return stepEvents[to] }

// encodePayload marshals an event payload. A payload that cannot be encoded
// is dropped and the transition still succeeds.
func encodePayload(payload any) json.RawMessage {
	switch p := payload.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return p
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return b
}

// ValidExecutionTransitions lists the statuses reachable from each execution
// status. Terminal statuses have none.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending:   {schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled, schema.ExecutionStatusError},
	schema.ExecutionStatusRunning:   {schema.ExecutionStatusCompleted, schema.ExecutionStatusError, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusError:     {},
	schema.ExecutionStatusCancelled: {},
}

// ValidStepTransitions lists the statuses reachable from each step status.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusRetrying},
	schema.StepStatusRetrying:  {schema.StepStatusRunning, schema.StepStatusFailed},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
}
