package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/chainflow/pkg/schema"
)

// Credit ledger on libSQL. Every balance mutation runs inside withWriteTx so
// reservations for one organization are serialized by the database write
// lock. This is also the known scaling limit: all organizations share it.

// Reserve holds req.Amount credits for an execution. An insufficient balance
// is reported through ReserveResult with a nil error.
func (s *LibSQLStore) Reserve(ctx context.Context, req schema.ReserveRequest) (*schema.ReserveResult, error) {
	if err := validateReserve(req); err != nil {
		return nil, err
	}

	var result *schema.ReserveResult
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM credit_transactions WHERE execution_id = ?`, req.ExecutionID).Scan(&exists)
		if err == nil {
			return schema.NewErrorf(schema.ErrCodeConflict, "execution %s already has a reservation", req.ExecutionID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		balance, err := balanceTx(ctx, tx, req.OrganizationID)
		if err != nil {
			return err
		}
		if balance < req.Amount {
			result = insufficient(balance, req.Amount)
			return nil
		}

		now := time.Now().UTC()
		newBalance := balance - req.Amount
		if _, err := tx.ExecContext(ctx,
			`UPDATE credit_accounts SET balance = ?, updated_at = ? WHERE organization_id = ?`,
			newBalance, now, req.OrganizationID,
		); err != nil {
			return fmt.Errorf("debit account: %w", err)
		}

		breakdown, err := marshalBreakdown(req.Breakdown)
		if err != nil {
			return err
		}
		txID := uuid.NewString()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO credit_transactions (id, execution_id, organization_id, amount, status, balance_after, breakdown, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			txID, req.ExecutionID, req.OrganizationID, req.Amount, string(schema.TransactionPending), newBalance, breakdown, now,
		); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		result = &schema.ReserveResult{Success: true, TransactionID: txID, NewBalance: newBalance}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Finalize marks the execution's reservation completed. Finalizing an
// already completed reservation succeeds without changes.
func (s *LibSQLStore) Finalize(ctx context.Context, executionID string) (*schema.FinalizeResult, error) {
	var result *schema.FinalizeResult
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		t, err := reservationTx(ctx, tx, executionID)
		if err != nil {
			return err
		}
		switch t.Status {
		case schema.TransactionCompleted:
			result = &schema.FinalizeResult{Success: true, TransactionID: t.TransactionID}
			return nil
		case schema.TransactionRefunded:
			return schema.NewErrorf(schema.ErrCodeConflict, "reservation for execution %s was already refunded", executionID)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE credit_transactions SET status = ?, settled_at = ? WHERE id = ?`,
			string(schema.TransactionCompleted), time.Now().UTC(), t.TransactionID,
		); err != nil {
			return fmt.Errorf("finalize transaction: %w", err)
		}
		result = &schema.FinalizeResult{Success: true, TransactionID: t.TransactionID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Release refunds a pending reservation. Releasing an already refunded
// reservation returns zero credits and the current balance.
func (s *LibSQLStore) Release(ctx context.Context, executionID string) (*schema.ReleaseResult, error) {
	var result *schema.ReleaseResult
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		r, err := releaseTx(ctx, tx, executionID)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// FailAndRelease records a terminal failure status on the execution and
// refunds its reservation in one transaction.
func (s *LibSQLStore) FailAndRelease(ctx context.Context, executionID string, status schema.ExecutionStatus, errMsg string) (*schema.ReleaseResult, error) {
	var result *schema.ReleaseResult
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		if err := updateExecutionTx(ctx, tx, executionID, ExecutionUpdate{
			Status:      &status,
			Error:       &errMsg,
			CompletedAt: &now,
		}); err != nil {
			return err
		}
		r, err := releaseTx(ctx, tx, executionID)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Deposit credits amount to an organization and returns the new balance.
func (s *LibSQLStore) Deposit(ctx context.Context, organizationID string, amount int64) (int64, error) {
	if organizationID == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "organization id is required")
	}
	if amount <= 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "deposit amount must be positive, got %d", amount)
	}
	var balance int64
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO credit_accounts (organization_id, balance, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(organization_id) DO UPDATE SET balance = balance + excluded.balance, updated_at = excluded.updated_at`,
			organizationID, amount, time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("deposit: %w", err)
		}
		var err error
		balance, err = balanceTx(ctx, tx, organizationID)
		return err
	})
	return balance, err
}

// Balance returns the organization's available balance; unknown
// organizations have a zero balance.
func (s *LibSQLStore) Balance(ctx context.Context, organizationID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM credit_accounts WHERE organization_id = ?`, organizationID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

// GetReservation returns the reservation recorded for an execution.
func (s *LibSQLStore) GetReservation(ctx context.Context, executionID string) (*schema.CreditReservation, error) {
	return reservationRow(s.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM credit_transactions WHERE execution_id = ?`, executionID), executionID)
}

const reservationColumns = `id, execution_id, organization_id, amount, status, balance_after, breakdown, created_at, settled_at`

func reservationTx(ctx context.Context, tx *sql.Tx, executionID string) (*schema.CreditReservation, error) {
	return reservationRow(tx.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM credit_transactions WHERE execution_id = ?`, executionID), executionID)
}

func reservationRow(row rowScanner, executionID string) (*schema.CreditReservation, error) {
	r := &schema.CreditReservation{}
	var (
		status    string
		breakdown sql.NullString
		settledAt sql.NullTime
	)
	err := row.Scan(&r.TransactionID, &r.ExecutionID, &r.OrganizationID, &r.Amount, &status,
		&r.BalanceAfter, &breakdown, &r.CreatedAt, &settledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("reservation", executionID)
	}
	if err != nil {
		return nil, err
	}
	r.Status = schema.TransactionStatus(status)
	if breakdown.Valid && breakdown.String != "" {
		r.Breakdown = &schema.CostBreakdown{}
		if err := json.Unmarshal([]byte(breakdown.String), r.Breakdown); err != nil {
			return nil, fmt.Errorf("unmarshal breakdown: %w", err)
		}
	}
	if settledAt.Valid {
		r.SettledAt = &settledAt.Time
	}
	return r, nil
}

func releaseTx(ctx context.Context, tx *sql.Tx, executionID string) (*schema.ReleaseResult, error) {
	t, err := reservationTx(ctx, tx, executionID)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case schema.TransactionRefunded:
		balance, err := balanceTx(ctx, tx, t.OrganizationID)
		if err != nil {
			return nil, err
		}
		return &schema.ReleaseResult{Success: true, CreditsReturned: 0, NewBalance: balance}, nil
	case schema.TransactionCompleted:
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "reservation for execution %s was already finalized", executionID)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE credit_accounts SET balance = balance + ?, updated_at = ? WHERE organization_id = ?`,
		t.Amount, now, t.OrganizationID,
	); err != nil {
		return nil, fmt.Errorf("credit account: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE credit_transactions SET status = ?, settled_at = ? WHERE id = ?`,
		string(schema.TransactionRefunded), now, t.TransactionID,
	); err != nil {
		return nil, fmt.Errorf("refund transaction: %w", err)
	}
	balance, err := balanceTx(ctx, tx, t.OrganizationID)
	if err != nil {
		return nil, err
	}
	return &schema.ReleaseResult{Success: true, CreditsReturned: t.Amount, NewBalance: balance}, nil
}

func balanceTx(ctx context.Context, tx *sql.Tx, organizationID string) (int64, error) {
	var balance int64
	err := tx.QueryRowContext(ctx,
		`SELECT balance FROM credit_accounts WHERE organization_id = ?`, organizationID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

func validateReserve(req schema.ReserveRequest) error {
	if req.OrganizationID == "" {
		return schema.NewError(schema.ErrCodeValidation, "organization id is required")
	}
	if req.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution id is required")
	}
	if req.Amount < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "reservation amount must be non-negative, got %d", req.Amount)
	}
	return nil
}

func insufficient(balance, required int64) *schema.ReserveResult {
	return &schema.ReserveResult{
		Success:        false,
		NewBalance:     balance,
		Error:          schema.NewInsufficientCreditsError(balance, required).Message,
		CurrentBalance: &balance,
		Required:       &required,
	}
}

func marshalBreakdown(b *schema.CostBreakdown) (any, error) {
	if b == nil {
		return nil, nil
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal breakdown: %w", err)
	}
	return string(raw), nil
}
