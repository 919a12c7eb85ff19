package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rendis/chainflow/internal/actions"
	"github.com/rendis/chainflow/internal/credits"
	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/logging"
	"github.com/rendis/chainflow/internal/scheduler"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/internal/tracing"
	"github.com/rendis/chainflow/internal/validation"
	"github.com/rendis/chainflow/pkg/schema"
)

// Deps holds the collaborators of a Service.
type Deps struct {
	Store store.Store
	// Ledger defaults to Store when Store also implements credits.Ledger.
	Ledger      credits.Ledger
	Actions     *actions.Registry
	Credentials actions.CredentialResolver
	// Hub defaults to an in-memory hub.
	Hub streaming.EventHub
	// Pricing defaults to credits.DefaultPricing when zero.
	Pricing          credits.Pricing
	Logger           *slog.Logger
	ScheduleInterval time.Duration
	CircuitBreaker   *engine.CircuitBreakerConfig
	RetryDelay       time.Duration
}

// Service is the entry point shared by the HTTP API, the MCP server and the
// scheduler. It validates and stores workflows, prices and reserves credits
// for executions, runs them and settles the reservation.
type Service struct {
	store     store.Store
	eventLog  *store.EventLog
	ledger    credits.Ledger
	actions   *actions.Registry
	hub       streaming.EventHub
	validator *validation.WorkflowValidator
	estimator *credits.Estimator
	lifecycle *credits.Lifecycle
	executor  *engine.Executor
	scheduler *scheduler.Scheduler
	logger    *slog.Logger

	// wg tracks asynchronous executions.
	wg sync.WaitGroup
}

// recorder routes engine events through the streaming tee.
type recorder struct {
	store.Store
	events engine.EventAppender
}

func (r recorder) AppendEvent(ctx context.Context, event *store.Event) error {
	return r.events.AppendEvent(ctx, event)
}

// New wires a Service. Store and Actions are required.
func New(deps Deps) (*Service, error) {
	if deps.Store == nil || deps.Actions == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "service requires a store and an action registry")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ledger := deps.Ledger
	if ledger == nil {
		l, ok := deps.Store.(credits.Ledger)
		if !ok {
			return nil, schema.NewError(schema.ErrCodeConfiguration, "store does not provide a credit ledger; configure one")
		}
		ledger = l
	}
	hub := deps.Hub
	if hub == nil {
		hub = streaming.NewMemoryHub()
	}

	pricing := deps.Pricing
	if pricing == (credits.Pricing{}) {
		pricing = credits.DefaultPricing()
	}

	validator, err := validation.NewWorkflowValidator(deps.Actions)
	if err != nil {
		return nil, err
	}

	events := streaming.NewTee(deps.Store, hub, logger)
	lifecycle := credits.NewLifecycle(ledger, deps.Store,
		credits.WithEvents(events),
		credits.WithLogger(logger),
	)

	s := &Service{
		store:     deps.Store,
		eventLog:  store.NewEventLog(deps.Store),
		ledger:    ledger,
		actions:   deps.Actions,
		hub:       hub,
		validator: validator,
		estimator: credits.NewEstimator(pricing, deps.Actions),
		lifecycle: lifecycle,
		logger:    logger,
	}
	s.executor = engine.NewExecutor(engine.Config{
		Recorder:       recorder{Store: deps.Store, events: events},
		Actions:        deps.Actions,
		Credentials:    deps.Credentials,
		Settler:        lifecycle,
		Logger:         logger,
		RetryDelay:     deps.RetryDelay,
		CircuitBreaker: deps.CircuitBreaker,
	})
	s.scheduler = scheduler.NewScheduler(deps.Store, s, logger, deps.ScheduleInterval)
	return s, nil
}

// Actions lists the registered actions with their cost profiles.
func (s *Service) Actions() []actions.ActionInfo { return s.actions.List() }

// Scheduler returns the cron scheduler firing this service's schedule triggers.
func (s *Service) Scheduler() *scheduler.Scheduler { return s.scheduler }

// Hub returns the live event hub.
func (s *Service) Hub() streaming.EventHub { return s.hub }

// Wait blocks until every asynchronous execution has settled.
func (s *Service) Wait() { s.wg.Wait() }

// DefineResult reports a stored workflow revision.
type DefineResult struct {
	WorkflowID string                   `json:"workflow_id"`
	Revision   int                      `json:"revision"`
	Warnings   []schema.ValidationIssue `json:"warnings,omitempty"`
	Estimate   *schema.CostBreakdown    `json:"estimate,omitempty"`
	Schedule   *store.Schedule          `json:"schedule,omitempty"`
}

// Define validates def and stores it as a new revision. Schedule triggers
// are (re)registered with the scheduler.
func (s *Service) Define(ctx context.Context, def *schema.WorkflowDefinition) (*DefineResult, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if def.OrganizationID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "organization_id is required")
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}

	vr := s.validator.Validate(def)
	if err := vr.ToError(); err != nil {
		return nil, err
	}
	estimate, err := s.estimator.Estimate(def)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveWorkflow(ctx, def); err != nil {
		return nil, storeError("save workflow", err)
	}
	sch, err := s.scheduler.Register(ctx, def)
	if err != nil {
		return nil, err
	}

	logging.LogWith(logging.WithOrganizationID(ctx, def.OrganizationID), s.logger).Info("workflow defined",
		slog.String("workflow_id", def.ID),
		slog.Int("revision", def.Revision),
		slog.Int("warnings", len(vr.Warnings)),
	)
	return &DefineResult{
		WorkflowID: def.ID,
		Revision:   def.Revision,
		Warnings:   vr.Warnings,
		Estimate:   estimate,
		Schedule:   sch,
	}, nil
}

// Workflow loads a stored revision; revision 0 selects the latest.
func (s *Service) Workflow(ctx context.Context, id string, revision int) (*schema.WorkflowDefinition, error) {
	def, err := s.store.GetWorkflow(ctx, id, revision)
	if err != nil {
		return nil, storeError("get workflow", err)
	}
	return def, nil
}

// Workflows lists the latest revision of each workflow.
func (s *Service) Workflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.WorkflowSummary, error) {
	list, err := s.store.ListWorkflows(ctx, filter)
	if err != nil {
		return nil, storeError("list workflows", err)
	}
	return list, nil
}

// Estimate prices one execution of a stored revision.
func (s *Service) Estimate(ctx context.Context, workflowID string, revision int) (*schema.CostBreakdown, error) {
	def, err := s.Workflow(ctx, workflowID, revision)
	if err != nil {
		return nil, err
	}
	return s.estimator.Estimate(def)
}

// TriggerRequest starts one execution.
type TriggerRequest struct {
	WorkflowID string
	// Revision 0 runs the latest revision.
	Revision int
	Input    map[string]any
	// Source is how the execution was started. Webhook and schedule sources
	// only run workflows whose trigger declares that type; manual runs any.
	Source schema.TriggerType
	// Async returns once credits are reserved; the walk continues in the
	// background.
	Async bool
}

// TriggerResult describes a started execution.
type TriggerResult struct {
	Execution   *schema.Execution     `json:"execution"`
	Cost        *schema.CostBreakdown `json:"cost,omitempty"`
	Reservation *schema.ReserveResult `json:"reservation,omitempty"`
	// Result is set for synchronous runs.
	Result *engine.Result `json:"result,omitempty"`
}

// Trigger prices the workflow, reserves credits and runs it. A denied
// reservation leaves the execution in error status and returns both the
// result and an INSUFFICIENT_CREDITS error.
func (s *Service) Trigger(ctx context.Context, req TriggerRequest) (*TriggerResult, error) {
	def, err := s.Workflow(ctx, req.WorkflowID, req.Revision)
	if err != nil {
		return nil, err
	}
	if err := checkSource(def, req.Source); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateTriggerInput(def, req.Input); err != nil {
		return nil, err
	}
	cost, err := s.estimator.Estimate(def)
	if err != nil {
		return nil, err
	}

	exec := &schema.Execution{
		ID:             uuid.NewString(),
		WorkflowID:     def.ID,
		Revision:       def.Revision,
		OrganizationID: def.OrganizationID,
		Status:         schema.ExecutionStatusPending,
		TriggerInput:   req.Input,
	}
	ctx = logging.WithExecution(ctx, exec.ID, exec.OrganizationID)
	ctx, span := tracing.StartSpan(ctx, "chainflow.trigger",
		attribute.String("execution.id", exec.ID),
		attribute.String("workflow.id", def.ID),
		attribute.String("trigger.source", string(sourceOrManual(req.Source))),
		attribute.Int64("credits.amount", cost.Total),
	)
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		err = storeError("create execution", err)
		tracing.EndSpan(span, err)
		return nil, err
	}

	out := &TriggerResult{Execution: exec, Cost: cost}
	reservation, err := s.lifecycle.Reserve(ctx, exec.OrganizationID, exec.ID, cost)
	out.Reservation = reservation
	if err != nil {
		s.reject(ctx, exec, err)
		tracing.EndSpan(span, err)
		return out, err
	}
	tracing.EndSpan(span, nil)

	if req.Async {
		background := *exec
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.executor.Execute(context.WithoutCancel(ctx), def, &background); err != nil {
				logging.LogWith(ctx, s.logger).Error("async execution did not start", slog.String("error", err.Error()))
			}
		}()
		return out, nil
	}

	result, err := s.executor.Execute(ctx, def, exec)
	if err != nil {
		return out, err
	}
	out.Result = result
	return out, nil
}

// reject records a reservation failure on the execution, which never ran.
func (s *Service) reject(ctx context.Context, exec *schema.Execution, cause error) {
	msg := cause.Error()
	if err := s.store.UpdateExecution(context.WithoutCancel(ctx), exec.ID,
		engine.TerminalUpdate(schema.ExecutionStatusError, msg)); err != nil {
		logging.LogWith(ctx, s.logger).Error("record rejected execution", slog.String("error", err.Error()))
		return
	}
	now := time.Now().UTC()
	exec.Status = schema.ExecutionStatusError
	exec.Error = msg
	exec.CompletedAt = &now
	logging.LogWith(ctx, s.logger).Warn("execution rejected", slog.String("error", msg))
}

// RunSchedule fires a schedule trigger synchronously. A run that ends in any
// status other than completed is reported as an error.
func (s *Service) RunSchedule(ctx context.Context, sch *store.Schedule) error {
	res, err := s.Trigger(ctx, TriggerRequest{
		WorkflowID: sch.WorkflowID,
		Input:      sch.Input,
		Source:     schema.TriggerSchedule,
	})
	if err != nil {
		return err
	}
	if res.Result != nil && res.Result.Status != schema.ExecutionStatusCompleted {
		if res.Result.Error != nil {
			return res.Result.Error
		}
		return schema.NewErrorf(schema.ErrCodeStepFailed, "execution %s ended %s", res.Execution.ID, res.Result.Status)
	}
	return nil
}

// Cancel stops an execution. A running execution stops at its next step
// boundary and settles itself; a pending one is settled here.
func (s *Service) Cancel(ctx context.Context, executionID string) (*schema.Execution, error) {
	if s.executor.Cancel(executionID) {
		logging.LogWith(logging.WithExecutionID(ctx, executionID), s.logger).Info("cancellation requested")
		return s.Execution(ctx, executionID)
	}

	exec, err := s.Execution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s is already %s", executionID, exec.Status)
	}
	if err := s.lifecycle.Settle(ctx, exec, schema.ExecutionStatusCancelled, "cancelled before start"); err != nil {
		return nil, err
	}
	return s.Execution(ctx, executionID)
}

// Execution loads the execution record.
func (s *Service) Execution(ctx context.Context, executionID string) (*schema.Execution, error) {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, storeError("get execution", err)
	}
	return exec, nil
}

// ExecutionReport is the status view of one execution.
type ExecutionReport struct {
	Execution   *schema.Execution         `json:"execution"`
	Running     bool                      `json:"running"`
	Outputs     schema.StepOutputs        `json:"outputs"`
	Events      []*store.Event            `json:"events,omitempty"`
	Reservation *schema.CreditReservation `json:"reservation,omitempty"`
}

type reservationReader interface {
	GetReservation(ctx context.Context, executionID string) (*schema.CreditReservation, error)
}

// Status assembles the execution record, persisted outputs, the event log
// and the credit reservation.
func (s *Service) Status(ctx context.Context, executionID string) (*ExecutionReport, error) {
	exec, err := s.Execution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	outputs, err := s.store.ListStepOutputs(ctx, executionID)
	if err != nil {
		return nil, storeError("list step outputs", err)
	}
	events, err := s.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, storeError("get events", err)
	}

	report := &ExecutionReport{
		Execution: exec,
		Running:   s.executor.IsRunning(executionID),
		Outputs:   outputs,
		Events:    events,
	}
	if rr, ok := s.ledger.(reservationReader); ok {
		res, err := rr.GetReservation(ctx, executionID)
		switch {
		case err == nil:
			report.Reservation = res
		case !schema.HasCode(err, schema.ErrCodeNotFound):
			return nil, storeError("get reservation", err)
		}
	}
	return report, nil
}

// Events returns logged events with a sequence greater than since.
func (s *Service) Events(ctx context.Context, executionID string, since int64) ([]*store.Event, error) {
	events, err := s.store.GetEvents(ctx, executionID, since)
	if err != nil {
		return nil, storeError("get events", err)
	}
	return events, nil
}

// Executions lists execution records.
func (s *Service) Executions(ctx context.Context, filter store.ExecutionFilter) ([]*schema.Execution, error) {
	list, err := s.store.ListExecutions(ctx, filter)
	if err != nil {
		return nil, storeError("list executions", err)
	}
	return list, nil
}

// Deposit tops up an organization's credits and returns the new balance.
func (s *Service) Deposit(ctx context.Context, organizationID string, amount int64) (int64, error) {
	return s.lifecycle.Deposit(ctx, organizationID, amount)
}

// Balance returns an organization's available credits.
func (s *Service) Balance(ctx context.Context, organizationID string) (int64, error) {
	return s.lifecycle.Balance(ctx, organizationID)
}

func checkSource(def *schema.WorkflowDefinition, source schema.TriggerType) error {
	source = sourceOrManual(source)
	if source == schema.TriggerManual {
		return nil
	}
	declared, err := triggerType(def)
	if err != nil {
		return err
	}
	if declared != source {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %s has a %s trigger and cannot be started by %s", def.ID, declared, source)
	}
	return nil
}

func triggerType(def *schema.WorkflowDefinition) (schema.TriggerType, error) {
	step, err := def.Trigger()
	if err != nil {
		return "", err
	}
	cfg, err := step.ParseConfig()
	if err != nil {
		return "", err
	}
	return sourceOrManual(cfg.(*schema.TriggerConfig).Type), nil
}

func sourceOrManual(t schema.TriggerType) schema.TriggerType {
	if t == "" {
		return schema.TriggerManual
	}
	return t
}

// storeError keeps chainflow errors from the store as they are and wraps
// anything else as STORE_ERROR.
func storeError(op string, err error) error {
	var cfErr *schema.ChainflowError
	if errors.As(err, &cfErr) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}
