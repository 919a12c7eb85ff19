package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rendis/chainflow/internal/actions"
	"github.com/rendis/chainflow/internal/condition"
	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/internal/logging"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/tracing"
	"github.com/rendis/chainflow/pkg/schema"
)

// DefaultRetryDelay is the base backoff used when an action step sets retries
// without a retryDelay.
const DefaultRetryDelay = time.Second

// Recorder is the subset of the store the executor writes to.
// Satisfied by store.Store and test fakes.
type Recorder interface {
	EventAppender
	UpdateExecution(ctx context.Context, id string, update store.ExecutionUpdate) error
	SaveStepOutput(ctx context.Context, executionID, stepID string, out schema.StepOutput) error
}

// Settler persists the terminal state of an execution. The service layer
// supplies one that also finalizes or releases the credit reservation.
type Settler interface {
	Settle(ctx context.Context, exec *schema.Execution, status schema.ExecutionStatus, errMsg string) error
}

// SettlerFunc adapts a function to Settler.
type SettlerFunc func(ctx context.Context, exec *schema.Execution, status schema.ExecutionStatus, errMsg string) error

func (f SettlerFunc) Settle(ctx context.Context, exec *schema.Execution, status schema.ExecutionStatus, errMsg string) error {
	return f(ctx, exec, status, errMsg)
}

// NewStoreSettler returns a Settler that only records status, error and
// completion time.
func NewStoreSettler(rec Recorder) Settler {
	return SettlerFunc(func(ctx context.Context, exec *schema.Execution, status schema.ExecutionStatus, errMsg string) error {
		return rec.UpdateExecution(ctx, exec.ID, TerminalUpdate(status, errMsg))
	})
}

// TerminalUpdate builds the store update for a finished execution.
func TerminalUpdate(status schema.ExecutionStatus, errMsg string) store.ExecutionUpdate {
	now := time.Now().UTC()
	update := store.ExecutionUpdate{Status: &status, CompletedAt: &now}
	if errMsg != "" {
		update.Error = &errMsg
	}
	return update
}

// Config holds the executor's collaborators.
type Config struct {
	Recorder    Recorder
	Actions     actions.ActionRegistry
	Credentials actions.CredentialResolver
	// Settler defaults to NewStoreSettler(Recorder).
	Settler Settler
	Logger  *slog.Logger
	// RetryDelay defaults to DefaultRetryDelay.
	RetryDelay     time.Duration
	CircuitBreaker *CircuitBreakerConfig
}

// Result is the outcome of one execution.
type Result struct {
	ExecutionID string                 `json:"execution_id"`
	Status      schema.ExecutionStatus `json:"status"`
	Error       *schema.ChainflowError `json:"error,omitempty"`
	Outputs     schema.StepOutputs     `json:"outputs"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
}

// Executor walks workflow graphs. One Executor serves many concurrent
// executions; each execution runs on the caller's goroutine except for
// parallel loop iterations.
type Executor struct {
	recorder    Recorder
	actions     actions.ActionRegistry
	credentials actions.CredentialResolver
	settler     Settler
	logger      *slog.Logger
	retryDelay  time.Duration
	breakers    *CircuitBreakerRegistry

	interp  *expressions.Interpolator
	jq      *expressions.GoJQEngine
	execFSM *ExecutionFSM
	stepFSM *StepFSM

	// mu guards running.
	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewExecutor creates an Executor. Recorder and Actions are required.
func NewExecutor(cfg Config) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Settler == nil {
		cfg.Settler = NewStoreSettler(cfg.Recorder)
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}

	return &Executor{
		recorder:    cfg.Recorder,
		actions:     cfg.Actions,
		credentials: cfg.Credentials,
		settler:     cfg.Settler,
		logger:      cfg.Logger,
		retryDelay:  cfg.RetryDelay,
		breakers:    NewCircuitBreakerRegistry(cbConfig),
		interp:      expressions.NewInterpolator(),
		jq:          expressions.NewGoJQEngine(),
		execFSM:     NewExecutionFSM(cfg.Recorder),
		stepFSM:     NewStepFSM(cfg.Recorder),
		running:     make(map[string]context.CancelFunc),
	}
}

// Execute runs exec against def until it reaches a terminal state, which is
// handed to the Settler. Step failures are reported in the Result; the
// returned error is non-nil only when the execution could not be started.
func (e *Executor) Execute(ctx context.Context, def *schema.WorkflowDefinition, exec *schema.Execution) (*Result, error) {
	if exec == nil || exec.ID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "execution has no ID")
	}
	if exec.Status == "" {
		exec.Status = schema.ExecutionStatusPending
	}

	ctx = logging.WithExecution(ctx, exec.ID, exec.OrganizationID)
	ctx, span := tracing.StartSpan(ctx, "chainflow.execute",
		attribute.String("execution.id", exec.ID),
		attribute.String("workflow.id", exec.WorkflowID),
		attribute.Int("workflow.revision", exec.Revision),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !e.register(exec.ID, cancel) {
		err := schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already running", exec.ID)
		tracing.EndSpan(span, err)
		return nil, err
	}
	defer e.unregister(exec.ID)

	running := schema.ExecutionStatusRunning
	if err := e.execFSM.Check(exec.ID, exec.Status, running); err != nil {
		tracing.EndSpan(span, err)
		return nil, err
	}
	// execution_started is recorded only once the running status is stored.
	if err := e.recorder.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{Status: &running}); err != nil {
		err = schema.NewErrorf(schema.ErrCodeStore, "update execution status: %s", err.Error()).WithCause(err)
		e.abortStart(ctx, exec, exec.Status, err)
		tracing.EndSpan(span, err)
		return nil, err
	}
	if err := e.execFSM.Transition(ctx, exec.ID, exec.Status, running, nil); err != nil {
		e.abortStart(ctx, exec, running, err)
		tracing.EndSpan(span, err)
		return nil, err
	}
	exec.Status = running

	result := &Result{ExecutionID: exec.ID, StartedAt: time.Now().UTC()}
	logger := logging.LogWith(ctx, e.logger)
	logger.Info("execution started", slog.String("workflow_id", exec.WorkflowID), slog.Int("revision", exec.Revision))

	sc := newScope()
	var walkErr error
	if g, err := ParseGraph(def); err != nil {
		walkErr = err
	} else {
		r := &run{e: e, g: g, exec: exec}
		walkErr = r.walk(runCtx, g.Order, sc)
	}
	result.Outputs = sc.outputs

	final, errMsg := schema.ExecutionStatusCompleted, ""
	if walkErr != nil {
		result.Error = asChainflowError(walkErr)
		errMsg = result.Error.Error()
		final = schema.ExecutionStatusError
		if result.Error.Code == schema.ErrCodeCancelled {
			final = schema.ExecutionStatusCancelled
		}
	}

	// Terminal bookkeeping must happen even when the caller's context is gone.
	endCtx := context.WithoutCancel(ctx)
	var payload any
	if errMsg != "" {
		payload = map[string]any{"error": errMsg}
	}
	if err := e.execFSM.Transition(endCtx, exec.ID, running, final, payload); err != nil {
		logger.Error("emit terminal event", slog.String("error", err.Error()))
	}
	if err := e.settler.Settle(endCtx, exec, final, errMsg); err != nil {
		logger.Error("settle execution", slog.String("status", string(final)), slog.String("error", err.Error()))
	}
	exec.Status = final
	exec.Error = errMsg

	result.Status = final
	result.CompletedAt = time.Now().UTC()
	completedAt := result.CompletedAt
	exec.CompletedAt = &completedAt

	if walkErr != nil {
		logger.Warn("execution finished", slog.String("status", string(final)), slog.String("error", errMsg))
	} else {
		logger.Info("execution finished", slog.String("status", string(final)),
			slog.Duration("duration", result.CompletedAt.Sub(result.StartedAt)))
	}
	tracing.EndSpan(span, walkErr)
	return result, nil
}

// Cancel requests cooperative cancellation of a running execution. The
// execution stops at the next step boundary; in-flight actions finish.
func (e *Executor) Cancel(executionID string) bool {
	e.mu.Lock()
	cancel, ok := e.running[executionID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// IsRunning reports whether the execution is currently being walked.
func (e *Executor) IsRunning(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[executionID]
	return ok
}

func (e *Executor) register(id string, cancel context.CancelFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.running[id]; exists {
		return false
	}
	e.running[id] = cancel
	return true
}

func (e *Executor) unregister(id string) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

// run is the per-execution state shared by every scope of one walk.
type run struct {
	e    *Executor
	g    *Graph
	exec *schema.Execution
}

// scope is the view of one traversal: the whole execution, or one loop
// iteration. Iterations never share a scope.
type scope struct {
	outputs  schema.StepOutputs
	executed map[string]bool
	// branch records the taken label of each evaluated condition.
	branch map[string]string
	// consumed steps were already handled by an enclosing loop.
	consumed  map[string]bool
	iteration int // -1 outside loops

	last    any
	hasLast bool
}

func newScope() *scope {
	return &scope{
		outputs:   make(schema.StepOutputs),
		executed:  make(map[string]bool),
		branch:    make(map[string]string),
		consumed:  make(map[string]bool),
		iteration: -1,
	}
}

func (sc *scope) record(step *schema.Step, data any) schema.StepOutput {
	out := schema.StepOutput{Label: step.Label, Data: data}
	sc.outputs[step.ID] = out
	sc.executed[step.ID] = true
	sc.last, sc.hasLast = data, true
	return out
}

// walk visits ids in topological order, running every step that an executed
// predecessor activated and skipping the rest.
func (r *run) walk(ctx context.Context, ids []string, sc *scope) error {
	for _, id := range ids {
		if sc.consumed[id] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithCause(err)
		}

		step := r.g.Steps[id]
		if step.Kind != schema.StepKindTrigger && !r.activated(id, sc) {
			st := &stepState{id: id, status: schema.StepStatusPending}
			if err := r.to(ctx, st, sc, schema.StepStatusSkipped, nil); err != nil {
				return err
			}
			continue
		}
		if err := r.runStep(ctx, step, sc); err != nil {
			return err
		}
	}
	return nil
}

// activated reports whether an executed predecessor has a taken edge into id.
func (r *run) activated(id string, sc *scope) bool {
	for _, edge := range r.g.Incoming[id] {
		if !sc.executed[edge.Source] {
			continue
		}
		if edge.Label == "" || edge.Label == sc.branch[edge.Source] {
			return true
		}
	}
	return false
}

type stepState struct {
	id     string
	status schema.StepStatus
}

// to moves a step through the StepFSM. Events inside a loop carry the
// iteration index. Bookkeeping ignores cancellation so an in-flight step
// still records its outcome.
func (r *run) to(ctx context.Context, st *stepState, sc *scope, next schema.StepStatus, payload map[string]any) error {
	if sc.iteration >= 0 {
		if payload == nil {
			payload = make(map[string]any, 1)
		}
		payload["iteration"] = sc.iteration
	}
	var p any
	if payload != nil {
		p = payload
	}
	if err := r.e.stepFSM.Transition(context.WithoutCancel(ctx), r.exec.ID, st.id, st.status, next, p); err != nil {
		return err
	}
	st.status = next
	return nil
}

func (r *run) runStep(ctx context.Context, step *schema.Step, sc *scope) error {
	ctx = logging.WithStepID(ctx, step.ID)
	attrs := []attribute.KeyValue{
		attribute.String("step.id", step.ID),
		attribute.String("step.kind", string(step.Kind)),
	}
	if sc.iteration >= 0 {
		attrs = append(attrs, attribute.Int("loop.iteration", sc.iteration))
	}
	ctx, span := tracing.StartSpan(ctx, "chainflow.step", attrs...)
	err := r.dispatch(ctx, step, sc)
	tracing.EndSpan(span, err)
	return err
}

func (r *run) dispatch(ctx context.Context, step *schema.Step, sc *scope) error {
	st := &stepState{id: step.ID, status: schema.StepStatusPending}
	if err := r.to(ctx, st, sc, schema.StepStatusRunning, map[string]any{"kind": string(step.Kind)}); err != nil {
		return err
	}

	var (
		data    any
		collect *collectResult
		err     error
	)
	switch cfg := r.g.Configs[step.ID].(type) {
	case *schema.TriggerConfig:
		data = r.triggerData()
	case *schema.ActionConfig:
		data, err = r.runAction(ctx, st, step, cfg, sc)
	case *schema.ConditionConfig:
		data, err = r.runCondition(ctx, step, cfg, sc)
	case *schema.ForEachConfig:
		data, collect, err = r.runForEach(ctx, step, cfg, sc)
	case *schema.CollectConfig:
		// Reachable only when the region's ForEach did not run in this scope.
		err = schema.NewErrorf(schema.ErrCodeStepFailed, "collect %s reached outside its loop", step.ID)
	default:
		err = schema.NewErrorf(schema.ErrCodeConfiguration, "unsupported step kind %q", step.Kind)
	}

	if err != nil {
		err = stepError(step.ID, err)
		if ferr := r.to(ctx, st, sc, schema.StepStatusFailed, map[string]any{"error": err.Error()}); ferr != nil {
			logging.LogWith(ctx, r.e.logger).Error("emit step failure", slog.String("error", ferr.Error()))
		}
		return err
	}

	if err := r.complete(ctx, st, step, data, sc); err != nil {
		return err
	}
	if collect != nil {
		return r.completeCollect(ctx, collect, sc)
	}
	return nil
}

// complete records a step's output and marks it completed. Only top-level
// outputs are persisted; per-iteration outputs live in the iteration scope.
func (r *run) complete(ctx context.Context, st *stepState, step *schema.Step, data any, sc *scope) error {
	out := sc.record(step, data)
	if sc.iteration < 0 {
		if err := r.e.recorder.SaveStepOutput(context.WithoutCancel(ctx), r.exec.ID, step.ID, out); err != nil {
			logging.LogWith(ctx, r.e.logger).Warn("persist step output", slog.String("error", err.Error()))
		}
	}
	return r.to(ctx, st, sc, schema.StepStatusCompleted, nil)
}

func (r *run) triggerData() any {
	if r.exec.TriggerInput == nil {
		return map[string]any{}
	}
	return r.exec.TriggerInput
}

func (r *run) runAction(ctx context.Context, st *stepState, step *schema.Step, cfg *schema.ActionConfig, sc *scope) (any, error) {
	action, err := r.e.actions.Get(cfg.Action)
	if err != nil {
		return nil, err
	}

	params := map[string]any{}
	if len(cfg.Params) > 0 {
		resolved, err := r.e.interp.ResolveJSON(cfg.Params, sc.outputs)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(resolved, &params); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "action params must be an object: %s", err.Error()).WithCause(err)
		}
		if params == nil {
			params = map[string]any{}
		}
	}
	if err := action.Validate(params); err != nil {
		return nil, err
	}

	policy, err := resolveRetryPolicy(cfg, action.Schema().DefaultRetries, r.e.retryDelay)
	if err != nil {
		return nil, err
	}

	input := actions.ActionInput{
		Params: params,
		Run: actions.RunContext{
			ExecutionID:    r.exec.ID,
			OrganizationID: r.exec.OrganizationID,
			StepID:         step.ID,
			Credentials:    r.e.credentials,
		},
	}
	// In-flight actions are not interrupted by Cancel.
	actionCtx := context.WithoutCancel(ctx)
	logger := logging.LogWith(ctx, r.e.logger)

	for attempt := 0; ; attempt++ {
		if err := r.e.breakers.AllowRequest(cfg.Action); err != nil {
			return nil, err
		}
		out, err := action.Execute(actionCtx, input)
		if err == nil {
			r.e.breakers.RecordSuccess(cfg.Action)
			return decodeActionOutput(out)
		}

		retryable := IsRetryableError(err)
		if retryable {
			if r.e.breakers.RecordFailure(cfg.Action) == CircuitOpen {
				logger.Warn("circuit opened", slog.String("action", cfg.Action))
			}
		}
		if !retryable || attempt >= policy.Retries {
			return nil, err
		}

		delay := ComputeBackoff(policy, attempt)
		logger.Warn("retrying action",
			slog.String("action", cfg.Action),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if terr := r.to(ctx, st, sc, schema.StepStatusRetrying, map[string]any{
			"attempt": attempt + 1,
			"delay":   delay.String(),
			"error":   err.Error(),
		}); terr != nil {
			return nil, terr
		}
		if werr := WaitForBackoff(ctx, delay); werr != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "cancelled while waiting to retry").WithCause(werr)
		}
		if terr := r.to(ctx, st, sc, schema.StepStatusRunning, nil); terr != nil {
			return nil, terr
		}
	}
}

func decodeActionOutput(out *actions.ActionOutput) (any, error) {
	if out == nil || len(out.Data) == 0 {
		return nil, nil
	}
	var data any
	if err := json.Unmarshal(out.Data, &data); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "action returned invalid JSON: %s", err.Error()).WithCause(err)
	}
	return data, nil
}

func (r *run) runCondition(ctx context.Context, step *schema.Step, cfg *schema.ConditionConfig, sc *scope) (any, error) {
	res, err := condition.Evaluate(cfg.Expression, sc.outputs)
	if err != nil {
		return nil, err
	}
	branch := strconv.FormatBool(res.Value)
	sc.branch[step.ID] = branch

	r.event(ctx, step.ID, schema.EventConditionEvaluated, sc, map[string]any{
		"expression": cfg.Expression,
		"result":     res.Value,
		"resolved":   res.Resolved,
		"branch":     branch,
	})
	return map[string]any{"result": res.Value, "resolved": res.Resolved}, nil
}

// event appends a non-transition event. Failures are logged, not returned.
func (r *run) event(ctx context.Context, stepID, eventType string, sc *scope, payload map[string]any) {
	if sc.iteration >= 0 {
		if _, set := payload["iteration"]; !set {
			payload["iteration"] = sc.iteration
		}
	}
	err := r.e.recorder.AppendEvent(context.WithoutCancel(ctx), &store.Event{
		ExecutionID: r.exec.ID,
		StepID:      stepID,
		Type:        eventType,
		Payload:     encodePayload(payload),
	})
	if err != nil {
		logging.LogWith(ctx, r.e.logger).Warn("append event", slog.String("type", eventType), slog.String("error", err.Error()))
	}
}

// abortStart settles an execution that failed before its first step, so the
// reservation taken for it is released and the record ends in error.
func (e *Executor) abortStart(ctx context.Context, exec *schema.Execution, from schema.ExecutionStatus, cause error) {
	ctx = context.WithoutCancel(ctx)
	logger := logging.LogWith(ctx, e.logger)
	msg := cause.Error()
	if err := e.execFSM.Transition(ctx, exec.ID, from, schema.ExecutionStatusError, map[string]any{"error": msg}); err != nil {
		logger.Error("emit start failure", slog.String("error", err.Error()))
	}
	if err := e.settler.Settle(ctx, exec, schema.ExecutionStatusError, msg); err != nil {
		logger.Error("settle unstarted execution", slog.String("error", err.Error()))
		return
	}
	now := time.Now().UTC()
	exec.Status = schema.ExecutionStatusError
	exec.Error = msg
	exec.CompletedAt = &now
	logger.Warn("execution did not start", slog.String("error", msg))
}

// stepError attaches the failing step to err, keeping its classification.
func stepError(stepID string, err error) error {
	var cfErr *schema.ChainflowError
	if errors.As(err, &cfErr) {
		if cfErr.StepID == "" {
			cfErr.StepID = stepID
		}
		return cfErr
	}
	return schema.NewErrorf(schema.ErrCodeStepFailed, "%s", err.Error()).WithStep(stepID).WithCause(err)
}

func asChainflowError(err error) *schema.ChainflowError {
	var cfErr *schema.ChainflowError
	if errors.As(err, &cfErr) {
		return cfErr
	}
	return schema.NewError(schema.ErrCodeStepFailed, err.Error()).WithCause(err)
}
