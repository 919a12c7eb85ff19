package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/chainflow/pkg/schema"
)

// EventLog reads an execution's history back out of a Store.
type EventLog struct {
	store Store
}

func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return el.store.AppendEvent(ctx, event)
}

// GetEvents returns the events after sequence since, oldest first.
func (el *EventLog) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// ReplaySteps folds the execution's events into one StepState per step.
// Steps inside a loop run once per iteration: a failed iteration keeps the
// step failed, and DurationMs sums every iteration. A gap in the sequence
// means the log is incomplete and is reported as a STORE_ERROR.
func (el *EventLog) ReplaySteps(ctx context.Context, executionID string) (map[string]*StepState, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	r := replay{
		executionID: executionID,
		states:      make(map[string]*StepState),
		started:     make(map[runKey]time.Time),
	}
	for i, ev := range events {
		if want := int64(i) + 1; ev.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"execution %s: event log has a gap at sequence %d (found %d)", executionID, want, ev.Sequence)
		}
		if ev.StepID != "" {
			r.apply(ev)
		}
	}
	return r.states, nil
}

// runKey identifies one run of a step; iteration is -1 outside loops.
type runKey struct {
	stepID    string
	iteration int
}

type replay struct {
	executionID string
	states      map[string]*StepState
	started     map[runKey]time.Time
}

func (r *replay) state(stepID string) *StepState {
	ss, ok := r.states[stepID]
	if !ok {
		ss = &StepState{ExecutionID: r.executionID, StepID: stepID, Status: schema.StepStatusPending}
		r.states[stepID] = ss
	}
	return ss
}

func (r *replay) apply(ev *Event) {
	ss := r.state(ev.StepID)
	key := runKey{stepID: ev.StepID, iteration: eventIteration(ev.Payload)}
	ts := ev.Timestamp

	// A step stays failed once any of its runs failed.
	sticky := ss.Status == schema.StepStatusFailed

	switch ev.Type {
	case schema.EventStepStarted:
		r.started[key] = ts
		if ss.StartedAt == nil {
			ss.StartedAt = &ts
		}
		if !sticky {
			ss.Status = schema.StepStatusRunning
		}
	case schema.EventStepRetrying:
		ss.RetryCount++
		if !sticky {
			ss.Status = schema.StepStatusRetrying
		}
	case schema.EventStepCompleted:
		ss.CompletedAt = &ts
		ss.Output = ev.Payload
		if start, ok := r.started[key]; ok {
			ss.DurationMs += ts.Sub(start).Milliseconds()
			delete(r.started, key)
		}
		if !sticky {
			ss.Status = schema.StepStatusCompleted
		}
	case schema.EventStepFailed:
		ss.CompletedAt = &ts
		ss.Error = ev.Payload
		ss.Status = schema.StepStatusFailed
	case schema.EventStepSkipped:
		if ss.Status == schema.StepStatusPending {
			ss.Status = schema.StepStatusSkipped
		}
	}
}

func eventIteration(payload json.RawMessage) int {
	if len(payload) == 0 {
		return -1
	}
	var p struct {
		Iteration *int `json:"iteration"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.Iteration == nil {
		return -1
	}
	return *p.Iteration
}
