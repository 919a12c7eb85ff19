package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/internal/actions"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

// memRecorder is an in-memory Recorder.
type memRecorder struct {
	mu      sync.Mutex
	events  []*store.Event
	outputs map[string]schema.StepOutput
	updates []store.ExecutionUpdate
}

func newMemRecorder() *memRecorder {
	return &memRecorder{outputs: make(map[string]schema.StepOutput)}
}

func (m *memRecorder) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *event
	cp.Sequence = int64(len(m.events) + 1)
	cp.Timestamp = time.Now().UTC()
	m.events = append(m.events, &cp)
	return nil
}

func (m *memRecorder) UpdateExecution(_ context.Context, _ string, update store.ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, update)
	return nil
}

// startFailRecorder fails every update that moves an execution to running.
type startFailRecorder struct {
	*memRecorder
}

func (r startFailRecorder) UpdateExecution(ctx context.Context, id string, update store.ExecutionUpdate) error {
	if update.Status != nil && *update.Status == schema.ExecutionStatusRunning {
		return errors.New("disk full")
	}
	return r.memRecorder.UpdateExecution(ctx, id, update)
}

func (m *memRecorder) SaveStepOutput(_ context.Context, executionID, stepID string, out schema.StepOutput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs[executionID+"/"+stepID] = out
	return nil
}

func (m *memRecorder) Events() []*store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*store.Event, len(m.events))
	copy(cp, m.events)
	return cp
}

func (m *memRecorder) EventsOfType(eventType string) []*store.Event {
	var out []*store.Event
	for _, ev := range m.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// StepEvents returns the event types recorded for one step, in order.
func (m *memRecorder) StepEvents(stepID string) []string {
	var out []string
	for _, ev := range m.Events() {
		if ev.StepID == stepID {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (m *memRecorder) LastStatus() schema.ExecutionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.updates) - 1; i >= 0; i-- {
		if m.updates[i].Status != nil {
			return *m.updates[i].Status
		}
	}
	return ""
}

func (m *memRecorder) Output(executionID, stepID string) (schema.StepOutput, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.outputs[executionID+"/"+stepID]
	return out, ok
}

// funcAction adapts a function to actions.Action.
type funcAction struct {
	name    string
	retries int
	fn      func(ctx context.Context, in actions.ActionInput) (any, error)
}

func (a *funcAction) Name() string { return a.name }

func (a *funcAction) Schema() actions.ActionSchema {
	return actions.ActionSchema{Description: a.name, DefaultRetries: a.retries, FunctionCalls: 1}
}

func (a *funcAction) Validate(map[string]any) error { return nil }

func (a *funcAction) Execute(ctx context.Context, in actions.ActionInput) (*actions.ActionOutput, error) {
	v, err := a.fn(ctx, in)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &actions.ActionOutput{Data: data}, nil
}

func echoAction() *funcAction {
	return &funcAction{name: "test.echo", fn: func(_ context.Context, in actions.ActionInput) (any, error) {
		return in.Params, nil
	}}
}

func doubleAction(delay time.Duration) *funcAction {
	return &funcAction{name: "test.double", fn: func(_ context.Context, in actions.ActionInput) (any, error) {
		v, ok := in.Params["value"].(float64)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "value must be a number, got %T", in.Params["value"])
		}
		time.Sleep(delay)
		return v * 2, nil
	}}
}

func newTestExecutor(t *testing.T, acts ...actions.Action) (*Executor, *memRecorder) {
	t.Helper()
	reg := actions.NewRegistry()
	for _, a := range acts {
		require.NoError(t, reg.Register(a))
	}
	rec := newMemRecorder()
	e := NewExecutor(Config{
		Recorder:   rec,
		Actions:    reg,
		RetryDelay: time.Millisecond,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return e, rec
}

func newExecution(id string, input map[string]any) *schema.Execution {
	return &schema.Execution{
		ID:             id,
		WorkflowID:     "wf-1",
		Revision:       1,
		OrganizationID: "org-1",
		Status:         schema.ExecutionStatusPending,
		TriggerInput:   input,
		CreatedAt:      time.Now().UTC(),
	}
}

// defBuilder assembles workflow definitions in tests. Step labels equal ids.
type defBuilder struct {
	def schema.WorkflowDefinition
}

func newDef() *defBuilder {
	return &defBuilder{def: schema.WorkflowDefinition{ID: "wf-1", OrganizationID: "org-1", Revision: 1}}
}

func (b *defBuilder) step(id string, kind schema.StepKind, cfg any) *defBuilder {
	var raw json.RawMessage
	if cfg != nil {
		data, err := json.Marshal(cfg)
		if err != nil {
			panic(err)
		}
		raw = data
	}
	b.def.Steps = append(b.def.Steps, schema.Step{ID: id, Kind: kind, Label: id, Config: raw})
	return b
}

func (b *defBuilder) trigger() *defBuilder {
	return b.step("trigger", schema.StepKindTrigger, nil)
}

func (b *defBuilder) action(id, name string, params map[string]any) *defBuilder {
	return b.step(id, schema.StepKindAction, map[string]any{"action": name, "params": params})
}

func (b *defBuilder) edge(src, dst string) *defBuilder {
	return b.branch(src, "", dst)
}

func (b *defBuilder) branch(src, label, dst string) *defBuilder {
	b.def.Edges = append(b.def.Edges, schema.Edge{
		ID:     fmt.Sprintf("e%d", len(b.def.Edges)+1),
		Source: src,
		Target: dst,
		Label:  label,
	})
	return b
}

func (b *defBuilder) build() *schema.WorkflowDefinition {
	def := b.def
	return &def
}
