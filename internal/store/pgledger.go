package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rendis/chainflow/pkg/schema"
)

// pgUniqueViolation is the SQLSTATE for unique constraint violations.
const pgUniqueViolation = "23505"

const pgLedgerSchema = `
CREATE TABLE IF NOT EXISTS credit_accounts (
	organization_id TEXT PRIMARY KEY,
	balance         BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS credit_transactions (
	id              TEXT PRIMARY KEY,
	execution_id    TEXT NOT NULL UNIQUE,
	organization_id TEXT NOT NULL REFERENCES credit_accounts(organization_id),
	amount          BIGINT NOT NULL CHECK (amount >= 0),
	status          TEXT NOT NULL,
	balance_after   BIGINT NOT NULL,
	breakdown       JSONB,
	created_at      TIMESTAMPTZ NOT NULL,
	settled_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_credit_tx_org ON credit_transactions(organization_id);
`

// PGLedger is a PostgreSQL credit ledger. Each balance mutation locks the
// organization's account row with SELECT ... FOR UPDATE, so only reservations
// of the same organization contend.
type PGLedger struct {
	pool *pgxpool.Pool
}

// NewPGLedger connects to dsn and returns a ledger owning the pool.
func NewPGLedger(ctx context.Context, dsn string) (*PGLedger, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PGLedger{pool: pool}, nil
}

// NewPGLedgerFromPool wraps an existing pool.
func NewPGLedgerFromPool(pool *pgxpool.Pool) *PGLedger {
	return &PGLedger{pool: pool}
}

// Migrate creates the ledger tables if they do not exist.
func (l *PGLedger) Migrate(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, pgLedgerSchema)
	return err
}

// Close releases the pool.
func (l *PGLedger) Close() { l.pool.Close() }

func (l *PGLedger) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// lockAccount creates the account row if missing and locks it for the rest
// of the transaction.
func lockAccount(ctx context.Context, tx pgx.Tx, organizationID string) (int64, error) {
	if _, err := tx.Exec(ctx,
		`INSERT INTO credit_accounts (organization_id, balance, updated_at) VALUES ($1, 0, now())
		 ON CONFLICT (organization_id) DO NOTHING`, organizationID); err != nil {
		return 0, fmt.Errorf("ensure account: %w", err)
	}
	var balance int64
	if err := tx.QueryRow(ctx,
		`SELECT balance FROM credit_accounts WHERE organization_id = $1 FOR UPDATE`, organizationID,
	).Scan(&balance); err != nil {
		return 0, fmt.Errorf("lock account: %w", err)
	}
	return balance, nil
}

func (l *PGLedger) Reserve(ctx context.Context, req schema.ReserveRequest) (*schema.ReserveResult, error) {
	if err := validateReserve(req); err != nil {
		return nil, err
	}
	breakdown, err := marshalBreakdown(req.Breakdown)
	if err != nil {
		return nil, err
	}

	var result *schema.ReserveResult
	err = l.withTx(ctx, func(tx pgx.Tx) error {
		balance, err := lockAccount(ctx, tx, req.OrganizationID)
		if err != nil {
			return err
		}
		if balance < req.Amount {
			result = insufficient(balance, req.Amount)
			return nil
		}

		newBalance := balance - req.Amount
		if _, err := tx.Exec(ctx,
			`UPDATE credit_accounts SET balance = $1, updated_at = now() WHERE organization_id = $2`,
			newBalance, req.OrganizationID); err != nil {
			return fmt.Errorf("debit account: %w", err)
		}
		txID := uuid.NewString()
		if _, err := tx.Exec(ctx,
			`INSERT INTO credit_transactions (id, execution_id, organization_id, amount, status, balance_after, breakdown, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			txID, req.ExecutionID, req.OrganizationID, req.Amount, string(schema.TransactionPending), newBalance, breakdown, time.Now().UTC(),
		); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return schema.NewErrorf(schema.ErrCodeConflict, "execution %s already has a reservation", req.ExecutionID).WithCause(err)
			}
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

func (l *PGLedger) Finalize(ctx context.Context, executionID string) (*schema.FinalizeResult, error) {
	var result *schema.FinalizeResult
	err := l.withTx(ctx, func(tx pgx.Tx) error {
		t, err := pgReservation(ctx, tx, executionID, true)
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
		if _, err := tx.Exec(ctx,
			`UPDATE credit_transactions SET status = $1, settled_at = now() WHERE id = $2`,
			string(schema.TransactionCompleted), t.TransactionID); err != nil {
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

func (l *PGLedger) Release(ctx context.Context, executionID string) (*schema.ReleaseResult, error) {
	var result *schema.ReleaseResult
	err := l.withTx(ctx, func(tx pgx.Tx) error {
		t, err := pgReservation(ctx, tx, executionID, true)
		if err != nil {
			return err
		}
		balance, err := lockAccount(ctx, tx, t.OrganizationID)
		if err != nil {
			return err
		}
		switch t.Status {
		case schema.TransactionRefunded:
			result = &schema.ReleaseResult{Success: true, CreditsReturned: 0, NewBalance: balance}
			return nil
		case schema.TransactionCompleted:
			return schema.NewErrorf(schema.ErrCodeConflict, "reservation for execution %s was already finalized", executionID)
		}

		newBalance := balance + t.Amount
		if _, err := tx.Exec(ctx,
			`UPDATE credit_accounts SET balance = $1, updated_at = now() WHERE organization_id = $2`,
			newBalance, t.OrganizationID); err != nil {
			return fmt.Errorf("credit account: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE credit_transactions SET status = $1, settled_at = now() WHERE id = $2`,
			string(schema.TransactionRefunded), t.TransactionID); err != nil {
			return fmt.Errorf("refund transaction: %w", err)
		}
		result = &schema.ReleaseResult{Success: true, CreditsReturned: t.Amount, NewBalance: newBalance}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (l *PGLedger) Deposit(ctx context.Context, organizationID string, amount int64) (int64, error) {
	if organizationID == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "organization id is required")
	}
	if amount <= 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "deposit amount must be positive, got %d", amount)
	}
	var balance int64
	err := l.pool.QueryRow(ctx,
		`INSERT INTO credit_accounts (organization_id, balance, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (organization_id) DO UPDATE SET balance = credit_accounts.balance + EXCLUDED.balance, updated_at = now()
		 RETURNING balance`, organizationID, amount,
	).Scan(&balance)
	return balance, err
}

func (l *PGLedger) Balance(ctx context.Context, organizationID string) (int64, error) {
	var balance int64
	err := l.pool.QueryRow(ctx,
		`SELECT balance FROM credit_accounts WHERE organization_id = $1`, organizationID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

func (l *PGLedger) GetReservation(ctx context.Context, executionID string) (*schema.CreditReservation, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	return pgReservation(ctx, tx, executionID, false)
}

func pgReservation(ctx context.Context, tx pgx.Tx, executionID string, lock bool) (*schema.CreditReservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM credit_transactions WHERE execution_id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	r := &schema.CreditReservation{}
	var (
		status    string
		breakdown []byte
	)
	err := tx.QueryRow(ctx, query, executionID).Scan(&r.TransactionID, &r.ExecutionID, &r.OrganizationID,
		&r.Amount, &status, &r.BalanceAfter, &breakdown, &r.CreatedAt, &r.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("reservation", executionID)
	}
	if err != nil {
		return nil, err
	}
	r.Status = schema.TransactionStatus(status)
	if len(breakdown) > 0 {
		r.Breakdown = &schema.CostBreakdown{}
		if err := json.Unmarshal(breakdown, r.Breakdown); err != nil {
			return nil, fmt.Errorf("unmarshal breakdown: %w", err)
		}
	}
	return r, nil
}
