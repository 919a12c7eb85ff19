package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/internal/actions"
	"github.com/rendis/chainflow/pkg/schema"
)

func TestExecute_Linear(t *testing.T) {
	e, rec := newTestExecutor(t, echoAction())
	def := newDef().trigger().
		action("greet", "test.echo", map[string]any{"message": "hello {{@trigger:trigger.name}}"}).
		edge("trigger", "greet").build()
	exec := newExecution("exec-1", map[string]any{"name": "ada"})

	res, err := e.Execute(context.Background(), def, exec)
	require.NoError(t, err)
	require.Nil(t, res.Error)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, map[string]any{"message": "hello ada"}, res.Outputs["greet"].Data)
	assert.Equal(t, "greet", res.Outputs["greet"].Label)
	assert.False(t, res.CompletedAt.Before(res.StartedAt))

	// Top-level outputs are persisted and the terminal state is settled.
	out, ok := rec.Output("exec-1", "greet")
	require.True(t, ok)
	assert.Equal(t, res.Outputs["greet"].Data, out.Data)
	assert.Equal(t, schema.ExecutionStatusCompleted, rec.LastStatus())
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	require.NotNil(t, exec.CompletedAt)

	types := make([]string, 0)
	for _, ev := range rec.Events() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		schema.EventExecutionStarted,
		schema.EventStepStarted, schema.EventStepCompleted,
		schema.EventStepStarted, schema.EventStepCompleted,
		schema.EventExecutionCompleted,
	}, types)
	assert.False(t, e.IsRunning("exec-1"))
}

func TestExecute_EmptyTriggerInput(t *testing.T) {
	e, _ := newTestExecutor(t)
	res, err := e.Execute(context.Background(), newDef().trigger().build(), newExecution("exec-1", nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, map[string]any{}, res.Outputs["trigger"].Data)
}

func priceAlertDef() *schema.WorkflowDefinition {
	return newDef().trigger().
		step("check", schema.StepKindCondition, map[string]any{"expression": "{{@trigger:trigger.price}} > 3000"}).
		action("alert", "test.echo", map[string]any{"price": "{{@trigger:trigger.price}}"}).
		action("log", "test.echo", map[string]any{"msg": "below threshold"}).
		action("done", "test.echo", nil).
		edge("trigger", "check").
		branch("check", "true", "alert").
		branch("check", "false", "log").
		edge("alert", "done").
		edge("log", "done").
		build()
}

func TestExecute_ConditionBranching(t *testing.T) {
	tests := []struct {
		name     string
		price    float64
		ran      string
		skipped  string
		expected bool
	}{
		{"above threshold", 3100, "alert", "log", true},
		{"below threshold", 2900, "log", "alert", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, rec := newTestExecutor(t, echoAction())
			res, err := e.Execute(context.Background(), priceAlertDef(), newExecution("exec-1", map[string]any{"price": tt.price}))
			require.NoError(t, err)
			require.Equal(t, schema.ExecutionStatusCompleted, res.Status)

			assert.Equal(t, map[string]any{
				"result":   tt.expected,
				"resolved": map[string]any{"{{@trigger:trigger.price}}": tt.price},
			}, res.Outputs["check"].Data)

			assert.Contains(t, res.Outputs, tt.ran)
			assert.NotContains(t, res.Outputs, tt.skipped)
			assert.Equal(t, []string{schema.EventStepSkipped}, rec.StepEvents(tt.skipped))
			// The join runs once either way.
			assert.Contains(t, res.Outputs, "done")

			evaluated := rec.EventsOfType(schema.EventConditionEvaluated)
			require.Len(t, evaluated, 1)
			assert.Equal(t, "check", evaluated[0].StepID)
		})
	}
}

func TestExecute_ConditionWithoutMatchingEdgeEndsPath(t *testing.T) {
	e, rec := newTestExecutor(t, echoAction())
	def := newDef().trigger().
		step("check", schema.StepKindCondition, map[string]any{"expression": "{{@trigger:trigger.ok}} === true"}).
		action("next", "test.echo", nil).
		edge("trigger", "check").
		branch("check", "true", "next").
		build()

	res, err := e.Execute(context.Background(), def, newExecution("exec-1", map[string]any{"ok": false}))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.NotContains(t, res.Outputs, "next")
	assert.Equal(t, []string{schema.EventStepSkipped}, rec.StepEvents("next"))
}

func TestExecute_Deterministic(t *testing.T) {
	var first schema.StepOutputs
	for i := 0; i < 5; i++ {
		e, _ := newTestExecutor(t, echoAction())
		res, err := e.Execute(context.Background(), priceAlertDef(), newExecution("exec-1", map[string]any{"price": 3000.5}))
		require.NoError(t, err)
		if first == nil {
			first = res.Outputs
			continue
		}
		assert.Equal(t, first, res.Outputs)
	}
}

func TestExecute_MissingOutputIsDataResolutionError(t *testing.T) {
	e, _ := newTestExecutor(t, echoAction())
	def := newDef().trigger().
		action("send", "test.echo", map[string]any{"price": "{{@fetch:Fetch.price}}"}).
		edge("trigger", "send").build()

	res, err := e.Execute(context.Background(), def, newExecution("exec-1", nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusError, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeDataResolution, res.Error.Code)
	assert.Equal(t, "send", res.Error.StepID)
	assert.Equal(t, schema.ReasonMissingStep, res.Error.Details["reason"])
	assert.Equal(t, "fetch", res.Error.Details["step_id"])
}

func TestExecute_ConditionOnNullData(t *testing.T) {
	nothing := &funcAction{name: "test.nothing", fn: func(context.Context, actions.ActionInput) (any, error) {
		return nil, nil
	}}
	e, rec := newTestExecutor(t, nothing)
	def := newDef().trigger().
		action("fetch", "test.nothing", nil).
		step("check", schema.StepKindCondition, map[string]any{"expression": "{{@fetch:Fetch.price}} > 1"}).
		edge("trigger", "fetch").edge("fetch", "check").build()

	res, err := e.Execute(context.Background(), def, newExecution("exec-1", nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusError, res.Status)
	assert.Equal(t, schema.ErrCodeDataResolution, res.Error.Code)
	assert.Equal(t, schema.ReasonNullData, res.Error.Details["reason"])
	assert.Equal(t, schema.ExecutionStatusError, rec.LastStatus())

	failed := rec.EventsOfType(schema.EventExecutionFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, string(failed[0].Payload), "DATA_RESOLUTION_ERROR")
}

func TestExecute_HaltsOnStepError(t *testing.T) {
	var afterCalls int64
	failing := &funcAction{name: "test.fail", fn: func(context.Context, actions.ActionInput) (any, error) {
		return nil, errors.New("plain failure")
	}}
	after := &funcAction{name: "test.after", fn: func(context.Context, actions.ActionInput) (any, error) {
		atomic.AddInt64(&afterCalls, 1)
		return "ok", nil
	}}
	e, rec := newTestExecutor(t, failing, after)
	def := newDef().trigger().
		action("boom", "test.fail", nil).
		action("after", "test.after", nil).
		edge("trigger", "boom").edge("boom", "after").build()

	res, err := e.Execute(context.Background(), def, newExecution("exec-1", nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusError, res.Status)
	assert.Equal(t, schema.ErrCodeStepFailed, res.Error.Code)
	assert.Equal(t, "boom", res.Error.StepID)
	assert.Zero(t, atomic.LoadInt64(&afterCalls))
	assert.Equal(t, []string{schema.EventStepStarted, schema.EventStepFailed}, rec.StepEvents("boom"))
	assert.Empty(t, rec.StepEvents("after"))
}

func TestExecute_UnknownAction(t *testing.T) {
	e, _ := newTestExecutor(t)
	def := newDef().trigger().action("a", "nope.missing", nil).edge("trigger", "a").build()

	res, err := e.Execute(context.Background(), def, newExecution("exec-1", nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ErrCodeActionUnavailable, res.Error.Code)
}

func TestExecute_InvalidGraphSettlesAsError(t *testing.T) {
	e, rec := newTestExecutor(t, echoAction())
	def := newDef().trigger().action("a", "test.echo", nil).action("b", "test.echo", nil).
		edge("trigger", "a").edge("a", "b").edge("b", "a").build()

	res, err := e.Execute(context.Background(), def, newExecution("exec-1", nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusError, res.Status)
	assert.Equal(t, schema.ErrCodeCycleDetected, res.Error.Code)
	assert.Equal(t, schema.ExecutionStatusError, rec.LastStatus())
}

func TestExecute_TerminalExecutionRejected(t *testing.T) {
	e, _ := newTestExecutor(t)
	exec := newExecution("exec-1", nil)
	exec.Status = schema.ExecutionStatusCompleted

	_, err := e.Execute(context.Background(), newDef().trigger().build(), exec)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))

	_, err = e.Execute(context.Background(), newDef().trigger().build(), &schema.Execution{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func flakyAction(failures int, code string, defaultRetries int) (*funcAction, *int64) {
	var calls int64
	return &funcAction{name: "test.flaky", retries: defaultRetries, fn: func(context.Context, actions.ActionInput) (any, error) {
		n := atomic.AddInt64(&calls, 1)
		if int(n) <= failures {
			return nil, schema.NewErrorf(code, "attempt %d failed", n)
		}
		return map[string]any{"attempts": n}, nil
	}}, &calls
}

func retryDef(retries *int) *schema.WorkflowDefinition {
	cfg := map[string]any{"action": "test.flaky", "backoff": "none"}
	if retries != nil {
		cfg["retries"] = *retries
	}
	return newDef().trigger().step("call", schema.StepKindAction, cfg).edge("trigger", "call").build()
}

func TestExecute_RetriesRetryableErrors(t *testing.T) {
	flaky, calls := flakyAction(2, schema.ErrCodeExternalService, 0)
	e, rec := newTestExecutor(t, flaky)

	res, err := e.Execute(context.Background(), retryDef(intPtr(2)), newExecution("exec-1", nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, int64(3), atomic.LoadInt64(calls))
	assert.Len(t, rec.EventsOfType(schema.EventStepRetrying), 2)
	assert.Equal(t, []string{
		schema.EventStepStarted,
		schema.EventStepRetrying, schema.EventStepStarted,
		schema.EventStepRetrying, schema.EventStepStarted,
		schema.EventStepCompleted,
	}, rec.StepEvents("call"))
}

func TestExecute_RetryBudgetExhausted(t *testing.T) {
	flaky, calls := flakyAction(5, schema.ErrCodeExternalService, 0)
	e, _ := newTestExecutor(t, flaky)

	res, err := e.Execute(context.Background(), retryDef(intPtr(1)), newExecution("exec-1", nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusError, res.Status)
	assert.Equal(t, schema.ErrCodeExternalService, res.Error.Code)
	assert.Equal(t, int64(2), atomic.LoadInt64(calls))
}

func TestExecute_ActionDefaultRetries(t *testing.T) {
	flaky, calls := flakyAction(1, schema.ErrCodeExternalService, 1)
	e, _ := newTestExecutor(t, flaky)

	res, err := e.Execute(context.Background(), retryDef(nil), newExecution("exec-1", nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, int64(2), atomic.LoadInt64(calls))

	// An explicit zero disables the action default.
	flaky, calls = flakyAction(1, schema.ErrCodeExternalService, 1)
	e, _ = newTestExecutor(t, flaky)
	res, err = e.Execute(context.Background(), retryDef(intPtr(0)), newExecution("exec-2", nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusError, res.Status)
	assert.Equal(t, int64(1), atomic.LoadInt64(calls))
}

func TestExecute_NonRetryableErrorsFailImmediately(t *testing.T) {
	for _, code := range []string{schema.ErrCodeValidation, schema.ErrCodeStepFailed, schema.ErrCodeTimeout} {
		t.Run(code, func(t *testing.T) {
			flaky, calls := flakyAction(1, code, 0)
			e, rec := newTestExecutor(t, flaky)

			res, err := e.Execute(context.Background(), retryDef(intPtr(3)), newExecution("exec-1", nil))
			require.NoError(t, err)
			assert.Equal(t, code, res.Error.Code)
			assert.Equal(t, int64(1), atomic.LoadInt64(calls))
			assert.Empty(t, rec.EventsOfType(schema.EventStepRetrying))
		})
	}
}

func TestExecute_CircuitOpensAcrossExecutions(t *testing.T) {
	flaky, calls := flakyAction(100, schema.ErrCodeExternalService, 0)
	reg := actions.NewRegistry()
	require.NoError(t, reg.Register(flaky))
	e := NewExecutor(Config{
		Recorder:       newMemRecorder(),
		Actions:        reg,
		RetryDelay:     time.Millisecond,
		CircuitBreaker: &CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Hour, HalfOpenMax: 1},
	})

	res, err := e.Execute(context.Background(), retryDef(intPtr(5)), newExecution("exec-1", nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ErrCodeActionUnavailable, res.Error.Code)
	assert.Equal(t, int64(2), atomic.LoadInt64(calls))

	res, err = e.Execute(context.Background(), retryDef(intPtr(5)), newExecution("exec-2", nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ErrCodeActionUnavailable, res.Error.Code)
	assert.Equal(t, int64(2), atomic.LoadInt64(calls))
}

func TestExecute_Cancel(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	block := &funcAction{name: "test.block", fn: func(ctx context.Context, _ actions.ActionInput) (any, error) {
		close(started)
		<-release
		// In-flight actions do not observe the cancellation.
		return map[string]any{"ctx_err": ctx.Err() != nil}, nil
	}}
	e, rec := newTestExecutor(t, block, echoAction())
	def := newDef().trigger().
		action("wait", "test.block", nil).
		action("next", "test.echo", nil).
		edge("trigger", "wait").edge("wait", "next").build()

	done := make(chan *Result, 1)
	go func() {
		res, err := e.Execute(context.Background(), def, newExecution("exec-1", nil))
		assert.NoError(t, err)
		done <- res
	}()

	<-started
	assert.True(t, e.IsRunning("exec-1"))
	assert.True(t, e.Cancel("exec-1"))
	close(release)

	res := <-done
	assert.Equal(t, schema.ExecutionStatusCancelled, res.Status)
	assert.Equal(t, schema.ErrCodeCancelled, res.Error.Code)
	assert.Equal(t, map[string]any{"ctx_err": false}, res.Outputs["wait"].Data)
	assert.NotContains(t, res.Outputs, "next")
	assert.Equal(t, schema.ExecutionStatusCancelled, rec.LastStatus())
	assert.Len(t, rec.EventsOfType(schema.EventExecutionCancelled), 1)

	assert.False(t, e.Cancel("exec-1"))
	assert.False(t, e.Cancel("unknown"))
}

func TestExecute_CustomSettler(t *testing.T) {
	reg := actions.NewRegistry()
	type settled struct {
		status schema.ExecutionStatus
		msg    string
	}
	var got []settled
	e := NewExecutor(Config{
		Recorder: newMemRecorder(),
		Actions:  reg,
		Settler: SettlerFunc(func(_ context.Context, exec *schema.Execution, status schema.ExecutionStatus, msg string) error {
			got = append(got, settled{status, msg})
			return errors.New("ledger down")
		}),
	})

	res, err := e.Execute(context.Background(), newDef().trigger().build(), newExecution("exec-1", nil))
	require.NoError(t, err)
	// A failing settler is logged; the walk result stands.
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, []settled{{schema.ExecutionStatusCompleted, ""}}, got)
}

func TestTerminalUpdate(t *testing.T) {
	u := TerminalUpdate(schema.ExecutionStatusError, "boom")
	require.NotNil(t, u.Status)
	assert.Equal(t, schema.ExecutionStatusError, *u.Status)
	require.NotNil(t, u.Error)
	assert.Equal(t, "boom", *u.Error)
	assert.NotNil(t, u.CompletedAt)

	assert.Nil(t, TerminalUpdate(schema.ExecutionStatusCompleted, "").Error)
}

func TestExecute_StartFailureSettlesAsError(t *testing.T) {
	reg := actions.NewRegistry()
	require.NoError(t, reg.Register(echoAction()))
	rec := startFailRecorder{newMemRecorder()}
	var settled []schema.ExecutionStatus
	e := NewExecutor(Config{
		Recorder: rec,
		Actions:  reg,
		Settler: SettlerFunc(func(_ context.Context, _ *schema.Execution, status schema.ExecutionStatus, _ string) error {
			settled = append(settled, status)
			return nil
		}),
	})
	def := newDef().trigger().
		action("greet", "test.echo", map[string]any{"message": "hi"}).
		edge("trigger", "greet").build()
	exec := newExecution("exec-1", nil)

	res, err := e.Execute(context.Background(), def, exec)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))

	assert.Equal(t, []schema.ExecutionStatus{schema.ExecutionStatusError}, settled)
	assert.Empty(t, rec.EventsOfType(schema.EventExecutionStarted))
	assert.Len(t, rec.EventsOfType(schema.EventExecutionFailed), 1)
	assert.Empty(t, rec.StepEvents("greet"))
	assert.Equal(t, schema.ExecutionStatusError, exec.Status)
	assert.Contains(t, exec.Error, "disk full")
	assert.NotNil(t, exec.CompletedAt)
	assert.False(t, e.Cancel("exec-1"))
}

func TestExecute_StartFailureDefaultSettler(t *testing.T) {
	rec := startFailRecorder{newMemRecorder()}
	e := NewExecutor(Config{Recorder: rec, Actions: actions.NewRegistry()})

	_, err := e.Execute(context.Background(), newDef().trigger().build(), newExecution("exec-1", nil))
	require.Error(t, err)
	assert.Equal(t, schema.ExecutionStatusError, rec.LastStatus())
}
