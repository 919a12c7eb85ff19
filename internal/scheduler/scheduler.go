package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

// DefaultInterval is how often the scheduler looks for due schedules.
const DefaultInterval = 60 * time.Second

// Runner starts one execution for a due schedule. Satisfied by the
// execution service.
type Runner interface {
	RunSchedule(ctx context.Context, sch *store.Schedule) error
}

// ScheduleStore is the subset of store.Store the scheduler needs.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, sch *store.Schedule) error
	UpdateSchedule(ctx context.Context, id string, update store.ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter store.ScheduleFilter) ([]*store.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron reports whether expr is a five-field cron expression.
func ValidateCron(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "invalid cron expression %q: %s", expr, err.Error()).WithCause(err)
	}
	return nil
}

// Scheduler polls the store for due schedules and fires their workflows.
type Scheduler struct {
	store    ScheduleStore
	runner   Runner
	logger   *slog.Logger
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently firing
}

// NewScheduler creates a new Scheduler. A non-positive interval falls back
// to DefaultInterval.
func NewScheduler(s ScheduleStore, runner Runner, logger *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		logger:   logger,
		interval: interval,
		inflight: make(map[string]struct{}),
	}
}

// Register replaces the schedules of def's workflow. Only schedule triggers
// produce a schedule; any other trigger type just clears old ones.
func (s *Scheduler) Register(ctx context.Context, def *schema.WorkflowDefinition) (*store.Schedule, error) {
	trigger, err := def.Trigger()
	if err != nil {
		return nil, err
	}
	cfg, err := trigger.ParseConfig()
	if err != nil {
		return nil, err
	}

	existing, err := s.store.ListSchedules(ctx, store.ScheduleFilter{WorkflowID: def.ID})
	if err != nil {
		return nil, err
	}
	for _, old := range existing {
		if err := s.store.DeleteSchedule(ctx, old.ID); err != nil {
			return nil, err
		}
	}

	tc := cfg.(*schema.TriggerConfig)
	if tc.Type != schema.TriggerSchedule {
		return nil, nil
	}
	now := time.Now().UTC()
	next, err := s.CalculateNextRun(tc.Cron, now)
	if err != nil {
		return nil, err
	}
	sch := &store.Schedule{
		ID:             uuid.NewString(),
		WorkflowID:     def.ID,
		OrganizationID: def.OrganizationID,
		CronExpression: tc.Cron,
		Enabled:        true,
		NextRunAt:      &next,
		CreatedAt:      now,
	}
	if err := s.store.CreateSchedule(ctx, sch); err != nil {
		return nil, err
	}
	s.logger.Info("schedule registered",
		slog.String("workflow_id", def.ID),
		slog.String("cron", tc.Cron),
		slog.Time("next_run_at", next),
	)
	return sch, nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every enabled schedule whose next run is due.
func (s *Scheduler) tick(ctx context.Context) int {
	n, err := s.fireDue(ctx)
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
	}
	return n
}

func (s *Scheduler) fireDue(ctx context.Context) (int, error) {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	fired := 0
	for _, sch := range schedules {
		if sch.NextRunAt != nil && sch.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sch.ID) {
			continue // already firing
		}
		if err := s.fire(ctx, sch, now); err != nil {
			s.logger.Error("failed to fire schedule",
				slog.String("schedule_id", sch.ID),
				slog.String("error", err.Error()),
			)
		} else {
			fired++
		}
		s.release(sch.ID)
	}
	return fired, nil
}

// fire starts the workflow and advances the schedule. A failed run still
// advances so a broken workflow does not fire on every tick.
func (s *Scheduler) fire(ctx context.Context, sch *store.Schedule, now time.Time) error {
	s.logger.Info("firing schedule",
		slog.String("schedule_id", sch.ID),
		slog.String("workflow_id", sch.WorkflowID),
	)

	status := "success"
	if err := s.runner.RunSchedule(ctx, sch); err != nil {
		status = "error"
		s.logger.Error("scheduled execution failed",
			slog.String("schedule_id", sch.ID),
			slog.String("error", err.Error()),
		)
	}

	next, err := s.CalculateNextRun(sch.CronExpression, now)
	if err != nil {
		return err
	}
	return s.store.UpdateSchedule(ctx, sch.ID, store.ScheduleUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
	})
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeConfiguration, "invalid cron expression %q: %s", expr, err.Error()).WithCause(err)
	}
	return sched.Next(from), nil
}

// Stop shuts the loop down and waits for an in-progress tick.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed fires, once, every schedule whose next run passed while the
// process was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	recovered, err := s.fireDue(ctx)
	if err != nil {
		return fmt.Errorf("list missed schedules: %w", err)
	}
	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}
