package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/internal/actions"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/pkg/schema"
)

// testAction is a configurable in-process action.
type testAction struct {
	name string
	run  func(ctx context.Context, params map[string]any) (any, error)
}

func (a *testAction) Name() string { return a.name }

func (a *testAction) Schema() actions.ActionSchema {
	return actions.ActionSchema{FunctionCalls: 1}
}

func (a *testAction) Validate(map[string]any) error { return nil }

func (a *testAction) Execute(ctx context.Context, input actions.ActionInput) (*actions.ActionOutput, error) {
	v, err := a.run(ctx, input.Params)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &actions.ActionOutput{Data: raw}, nil
}

type fixture struct {
	svc     *Service
	store   *store.LibSQLStore
	release chan struct{}
	started chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "service.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{store: s, release: make(chan struct{}), started: make(chan struct{}, 1)}
	reg := actions.NewRegistry()
	require.NoError(t, reg.Register(&testAction{name: "test.echo", run: func(_ context.Context, p map[string]any) (any, error) {
		return p, nil
	}}))
	require.NoError(t, reg.Register(&testAction{name: "test.fail", run: func(context.Context, map[string]any) (any, error) {
		return nil, schema.NewError(schema.ErrCodeStepFailed, "boom")
	}}))
	require.NoError(t, reg.Register(&testAction{name: "test.block", run: func(context.Context, map[string]any) (any, error) {
		f.started <- struct{}{}
		<-f.release
		return "released", nil
	}}))

	f.svc, err = New(Deps{
		Store:   s,
		Actions: reg,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return f
}

// linear builds a trigger followed by a chain of actions s1, s2, ...
// Each action receives the whole trigger input.
func linear(id, triggerType string, actionNames ...string) *schema.WorkflowDefinition {
	trigger, _ := json.Marshal(map[string]any{"type": triggerType})
	if triggerType == string(schema.TriggerSchedule) {
		trigger, _ = json.Marshal(map[string]any{"type": triggerType, "cron": "*/5 * * * *"})
	}
	def := &schema.WorkflowDefinition{
		ID:             id,
		OrganizationID: "org-1",
		Steps:          []schema.Step{{ID: "trigger", Kind: schema.StepKindTrigger, Label: "Start", Config: trigger}},
	}
	prev := "trigger"
	for i, name := range actionNames {
		stepID := fmt.Sprintf("s%d", i+1)
		cfg, _ := json.Marshal(map[string]any{"action": name, "params": map[string]any{"input": "{{@trigger:Start}}"}})
		def.Steps = append(def.Steps, schema.Step{ID: stepID, Kind: schema.StepKindAction, Config: cfg})
		def.Edges = append(def.Edges, schema.Edge{Source: prev, Target: stepID})
		prev = stepID
	}
	return def
}

func TestDefine_StoresRevisionsWithEstimate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Define(ctx, linear("wf-1", "manual", "test.echo"))
	require.NoError(t, err)
	assert.Equal(t, "wf-1", res.WorkflowID)
	assert.Equal(t, 1, res.Revision)
	require.NotNil(t, res.Estimate)
	// 2 steps + 1 call at 1/2 per unit, 5% fee rounded up.
	assert.Equal(t, int64(5), res.Estimate.Total)
	assert.Nil(t, res.Schedule)

	res, err = f.svc.Define(ctx, linear("wf-1", "manual", "test.echo", "test.echo"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Revision)

	first, err := f.svc.Workflow(ctx, "wf-1", 1)
	require.NoError(t, err)
	assert.Len(t, first.Steps, 2)
}

func TestDefine_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Define(ctx, linear("wf-1", "manual", "test.missing"))
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	noOrg := linear("wf-2", "manual", "test.echo")
	noOrg.OrganizationID = ""
	_, err = f.svc.Define(ctx, noOrg)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = f.svc.Workflow(ctx, "wf-1", 0)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestDefine_AssignsID(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Define(context.Background(), linear("", "manual", "test.echo"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.WorkflowID)
}

func TestTrigger_CompletedExecutionFinalizes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Define(ctx, linear("wf-1", "manual", "test.echo"))
	require.NoError(t, err)
	_, err = f.svc.Deposit(ctx, "org-1", 20)
	require.NoError(t, err)

	res, err := f.svc.Trigger(ctx, TriggerRequest{WorkflowID: "wf-1", Input: map[string]any{"n": 7.0}})
	require.NoError(t, err)
	require.NotNil(t, res.Result)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Result.Status)
	assert.True(t, res.Reservation.Success)
	assert.Equal(t, int64(15), res.Reservation.NewBalance)

	balance, err := f.svc.Balance(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(15), balance)

	report, err := f.svc.Status(ctx, res.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, report.Execution.Status)
	assert.False(t, report.Running)
	require.NotNil(t, report.Reservation)
	assert.Equal(t, schema.TransactionCompleted, report.Reservation.Status)
	assert.Equal(t, map[string]any{"input": map[string]any{"n": 7.0}}, report.Outputs["s1"].Data)

	var types []string
	for _, ev := range report.Events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, schema.EventCreditsReserved)
	assert.Contains(t, types, schema.EventCreditsFinalized)
	assert.Contains(t, types, schema.EventExecutionCompleted)
}

func TestTrigger_InsufficientCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Define(ctx, linear("wf-1", "manual", "test.echo"))
	require.NoError(t, err)
	_, err = f.svc.Deposit(ctx, "org-1", 3)
	require.NoError(t, err)

	res, err := f.svc.Trigger(ctx, TriggerRequest{WorkflowID: "wf-1"})
	require.Error(t, err)
	var cfErr *schema.ChainflowError
	require.ErrorAs(t, err, &cfErr)
	assert.Equal(t, schema.ErrCodeInsufficientCredits, cfErr.Code)
	assert.Equal(t, int64(3), cfErr.Details["current_balance"])
	assert.Equal(t, int64(5), cfErr.Details["required"])

	require.NotNil(t, res)
	assert.False(t, res.Reservation.Success)
	assert.Nil(t, res.Result)

	exec, err := f.svc.Execution(ctx, res.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusError, exec.Status)
	assert.NotNil(t, exec.CompletedAt)

	balance, err := f.svc.Balance(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance)
}

func TestTrigger_FailedExecutionReleases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Define(ctx, linear("wf-1", "manual", "test.fail"))
	require.NoError(t, err)
	_, err = f.svc.Deposit(ctx, "org-1", 20)
	require.NoError(t, err)

	res, err := f.svc.Trigger(ctx, TriggerRequest{WorkflowID: "wf-1"})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusError, res.Result.Status)

	report, err := f.svc.Status(ctx, res.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusError, report.Execution.Status)
	assert.Contains(t, report.Execution.Error, "boom")
	assert.Equal(t, schema.TransactionRefunded, report.Reservation.Status)

	balance, err := f.svc.Balance(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance)
}

// startFailStore rejects the status update that marks an execution running.
type startFailStore struct {
	*store.LibSQLStore
}

func (s startFailStore) UpdateExecution(ctx context.Context, id string, update store.ExecutionUpdate) error {
	if update.Status != nil && *update.Status == schema.ExecutionStatusRunning {
		return errors.New("disk full")
	}
	return s.LibSQLStore.UpdateExecution(ctx, id, update)
}

func TestTrigger_StartFailureRefundsReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := actions.NewRegistry()
	require.NoError(t, reg.Register(&testAction{name: "test.echo", run: func(_ context.Context, p map[string]any) (any, error) {
		return p, nil
	}}))
	svc, err := New(Deps{
		Store:   startFailStore{f.store},
		Actions: reg,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	_, err = svc.Define(ctx, linear("wf-1", "manual", "test.echo"))
	require.NoError(t, err)
	_, err = svc.Deposit(ctx, "org-1", 20)
	require.NoError(t, err)

	res, err := svc.Trigger(ctx, TriggerRequest{WorkflowID: "wf-1"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
	require.NotNil(t, res)
	assert.True(t, res.Reservation.Success)
	assert.Nil(t, res.Result)

	report, err := svc.Status(ctx, res.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusError, report.Execution.Status)
	assert.Contains(t, report.Execution.Error, "disk full")
	require.NotNil(t, report.Reservation)
	assert.Equal(t, schema.TransactionRefunded, report.Reservation.Status)

	var types []string
	for _, ev := range report.Events {
		types = append(types, ev.Type)
	}
	assert.NotContains(t, types, schema.EventExecutionStarted)
	assert.Contains(t, types, schema.EventExecutionFailed)

	balance, err := svc.Balance(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance)
}

func TestTrigger_SourceMustMatchTrigger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Define(ctx, linear("manual-wf", "manual", "test.echo"))
	require.NoError(t, err)
	_, err = f.svc.Define(ctx, linear("hook-wf", "webhook", "test.echo"))
	require.NoError(t, err)
	_, err = f.svc.Deposit(ctx, "org-1", 100)
	require.NoError(t, err)

	_, err = f.svc.Trigger(ctx, TriggerRequest{WorkflowID: "manual-wf", Source: schema.TriggerWebhook})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	res, err := f.svc.Trigger(ctx, TriggerRequest{WorkflowID: "hook-wf", Source: schema.TriggerWebhook})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Result.Status)

	res, err = f.svc.Trigger(ctx, TriggerRequest{WorkflowID: "hook-wf"})
	require.NoError(t, err, "manual runs accept any trigger type")
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Result.Status)
}

func TestTrigger_InputSchema(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := linear("wf-1", "manual", "test.echo")
	def.Metadata = map[string]any{"inputSchema": map[string]any{
		"type":     "object",
		"required": []any{"n"},
	}}
	_, err := f.svc.Define(ctx, def)
	require.NoError(t, err)
	_, err = f.svc.Deposit(ctx, "org-1", 100)
	require.NoError(t, err)

	_, err = f.svc.Trigger(ctx, TriggerRequest{WorkflowID: "wf-1", Input: map[string]any{}})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	executions, err := f.svc.Executions(ctx, store.ExecutionFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	assert.Empty(t, executions, "rejected input creates no execution")
}

func TestCancel_RunningExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Define(ctx, linear("wf-1", "manual", "test.block", "test.echo"))
	require.NoError(t, err)
	_, err = f.svc.Deposit(ctx, "org-1", 100)
	require.NoError(t, err)

	res, err := f.svc.Trigger(ctx, TriggerRequest{WorkflowID: "wf-1", Async: true})
	require.NoError(t, err)
	assert.Nil(t, res.Result)

	select {
	case <-f.started:
	case <-time.After(5 * time.Second):
		t.Fatal("blocking action never started")
	}

	_, err = f.svc.Cancel(ctx, res.Execution.ID)
	require.NoError(t, err)
	close(f.release)
	f.svc.Wait()

	report, err := f.svc.Status(ctx, res.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCancelled, report.Execution.Status)
	assert.Equal(t, schema.TransactionRefunded, report.Reservation.Status)
	_, ran := report.Outputs["s2"]
	assert.False(t, ran)

	balance, err := f.svc.Balance(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	_, err = f.svc.Cancel(ctx, res.Execution.ID)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))
}

func TestCancel_Unknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Cancel(context.Background(), "nope")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestRunSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Define(ctx, linear("cron-wf", "schedule", "test.echo"))
	require.NoError(t, err)
	require.NotNil(t, res.Schedule)
	assert.Equal(t, "*/5 * * * *", res.Schedule.CronExpression)
	_, err = f.svc.Deposit(ctx, "org-1", 100)
	require.NoError(t, err)

	require.NoError(t, f.svc.RunSchedule(ctx, res.Schedule))

	executions, err := f.svc.Executions(ctx, store.ExecutionFilter{WorkflowID: "cron-wf"})
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, schema.ExecutionStatusCompleted, executions[0].Status)
}

func TestRunSchedule_FailedRunReportsError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Define(ctx, linear("cron-wf", "schedule", "test.fail"))
	require.NoError(t, err)
	_, err = f.svc.Deposit(ctx, "org-1", 100)
	require.NoError(t, err)

	err = f.svc.RunSchedule(ctx, res.Schedule)
	assert.Equal(t, schema.ErrCodeStepFailed, schema.CodeOf(err))
}

func TestHub_ReceivesExecutionEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Define(ctx, linear("wf-1", "manual", "test.echo"))
	require.NoError(t, err)
	_, err = f.svc.Deposit(ctx, "org-1", 100)
	require.NoError(t, err)

	ch, cancel, err := f.svc.Hub().Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{schema.EventExecutionCompleted},
	})
	require.NoError(t, err)
	defer cancel()

	res, err := f.svc.Trigger(ctx, TriggerRequest{WorkflowID: "wf-1"})
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, res.Execution.ID, ev.ExecutionID)
		assert.Positive(t, ev.Sequence)
	case <-time.After(time.Second):
		t.Fatal("no execution_completed event")
	}
}
