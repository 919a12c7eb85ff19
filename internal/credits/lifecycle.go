package credits

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/logging"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

// Ledger is the balance store behind the lifecycle. Implementations must run
// each call as one serialized read-modify-write against the balance.
type Ledger interface {
	Reserve(ctx context.Context, req schema.ReserveRequest) (*schema.ReserveResult, error)
	Finalize(ctx context.Context, executionID string) (*schema.FinalizeResult, error)
	Release(ctx context.Context, executionID string) (*schema.ReleaseResult, error)
	Deposit(ctx context.Context, organizationID string, amount int64) (int64, error)
	Balance(ctx context.Context, organizationID string) (int64, error)
}

// FailureReleaser is implemented by ledgers that share a database with the
// execution store and can record a failed status and refund in one
// transaction.
type FailureReleaser interface {
	FailAndRelease(ctx context.Context, executionID string, status schema.ExecutionStatus, errMsg string) (*schema.ReleaseResult, error)
}

// ExecutionUpdater records terminal execution state.
type ExecutionUpdater interface {
	UpdateExecution(ctx context.Context, id string, update store.ExecutionUpdate) error
}

// Lifecycle wraps executions in a credit reservation: reserve before the
// first step, finalize on completion, release on failure or cancellation.
type Lifecycle struct {
	ledger     Ledger
	executions ExecutionUpdater
	events     engine.EventAppender
	logger     *slog.Logger
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithEvents records credits_* events on the execution's event log.
func WithEvents(events engine.EventAppender) Option {
	return func(l *Lifecycle) { l.events = events }
}

// WithLogger sets the lifecycle logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Lifecycle) { l.logger = logger }
}

// NewLifecycle creates a Lifecycle over ledger. executions receives terminal
// status updates from Settle.
func NewLifecycle(ledger Ledger, executions ExecutionUpdater, opts ...Option) *Lifecycle {
	l := &Lifecycle{ledger: ledger, executions: executions, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Reserve holds amount credits for an execution. A denied reservation
// returns the ledger result together with an INSUFFICIENT_CREDITS error.
func (l *Lifecycle) Reserve(ctx context.Context, organizationID, executionID string, breakdown *schema.CostBreakdown) (*schema.ReserveResult, error) {
	req := schema.ReserveRequest{
		OrganizationID: organizationID,
		ExecutionID:    executionID,
		Breakdown:      breakdown,
	}
	if breakdown != nil {
		req.Amount = breakdown.Total
	}

	res, err := l.ledger.Reserve(ctx, req)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		var current, required int64
		if res.CurrentBalance != nil {
			current = *res.CurrentBalance
		}
		if res.Required != nil {
			required = *res.Required
		}
		return res, schema.NewInsufficientCreditsError(current, required)
	}

	l.event(ctx, executionID, schema.EventCreditsReserved, map[string]any{
		"transaction_id": res.TransactionID,
		"amount":         req.Amount,
		"new_balance":    res.NewBalance,
		"breakdown":      breakdown,
	})
	return res, nil
}

// Finalize marks the reservation completed. Repeated calls succeed.
func (l *Lifecycle) Finalize(ctx context.Context, executionID string) (*schema.FinalizeResult, error) {
	res, err := l.ledger.Finalize(ctx, executionID)
	if err != nil {
		return nil, err
	}
	l.event(ctx, executionID, schema.EventCreditsFinalized, map[string]any{"transaction_id": res.TransactionID})
	return res, nil
}

// Release refunds the reservation. Repeated calls return zero credits.
func (l *Lifecycle) Release(ctx context.Context, executionID string) (*schema.ReleaseResult, error) {
	res, err := l.ledger.Release(ctx, executionID)
	if err != nil {
		return nil, err
	}
	l.released(ctx, executionID, res)
	return res, nil
}

// Deposit tops up an organization's balance.
func (l *Lifecycle) Deposit(ctx context.Context, organizationID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "deposit amount must be positive, got %d", amount)
	}
	return l.ledger.Deposit(ctx, organizationID, amount)
}

// Balance returns an organization's available credits.
func (l *Lifecycle) Balance(ctx context.Context, organizationID string) (int64, error) {
	return l.ledger.Balance(ctx, organizationID)
}

// Settle records the terminal state of exec and settles its reservation.
// Completed executions finalize; every other status releases. When the
// ledger is a FailureReleaser the failed status and the refund commit
// together.
func (l *Lifecycle) Settle(ctx context.Context, exec *schema.Execution, status schema.ExecutionStatus, errMsg string) error {
	logger := logging.LogWith(ctx, l.logger)

	if status == schema.ExecutionStatusCompleted {
		if err := l.executions.UpdateExecution(ctx, exec.ID, engine.TerminalUpdate(status, errMsg)); err != nil {
			return err
		}
		if _, err := l.Finalize(ctx, exec.ID); err != nil {
			logger.Error("finalize reservation failed", slog.String("error", err.Error()))
			return err
		}
		return nil
	}

	if atomic, ok := l.ledger.(FailureReleaser); ok {
		res, err := atomic.FailAndRelease(ctx, exec.ID, status, errMsg)
		if err != nil {
			logger.Error("fail and release failed", slog.String("error", err.Error()))
			return err
		}
		l.released(ctx, exec.ID, res)
		return nil
	}

	if err := l.executions.UpdateExecution(ctx, exec.ID, engine.TerminalUpdate(status, errMsg)); err != nil {
		return err
	}
	if _, err := l.Release(ctx, exec.ID); err != nil {
		logger.Error("release reservation failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func (l *Lifecycle) released(ctx context.Context, executionID string, res *schema.ReleaseResult) {
	l.event(ctx, executionID, schema.EventCreditsReleased, map[string]any{
		"credits_returned": res.CreditsReturned,
		"new_balance":      res.NewBalance,
	})
}

func (l *Lifecycle) event(ctx context.Context, executionID, eventType string, payload map[string]any) {
	if l.events == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	ev := &store.Event{ExecutionID: executionID, Type: eventType, Payload: raw}
	if err := l.events.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
		logging.LogWith(ctx, l.logger).Warn("credit event not recorded",
			slog.String("event", eventType), slog.String("error", err.Error()))
	}
}
