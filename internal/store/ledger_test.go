package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/pkg/schema"
)

func fundedStore(t *testing.T, org string, amount int64) *LibSQLStore {
	t.Helper()
	s := newTestStore(t)
	_, err := s.Deposit(context.Background(), org, amount)
	require.NoError(t, err)
	return s
}

func TestLedger_ReserveAndRelease(t *testing.T) {
	s := fundedStore(t, "org-1", 100)
	ctx := context.Background()

	res, err := s.Reserve(ctx, schema.ReserveRequest{
		OrganizationID: "org-1",
		ExecutionID:    "exec-1",
		Amount:         40,
		Breakdown:      &schema.CostBreakdown{StepCount: 2, BaseCost: 20, Total: 40},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.NotEmpty(t, res.TransactionID)
	assert.Equal(t, int64(60), res.NewBalance)

	r, err := s.GetReservation(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.TransactionPending, r.Status)
	assert.Equal(t, int64(40), r.Amount)
	assert.Equal(t, int64(60), r.BalanceAfter)
	require.NotNil(t, r.Breakdown)
	assert.Equal(t, 2, r.Breakdown.StepCount)
	assert.Nil(t, r.SettledAt)

	rel, err := s.Release(ctx, "exec-1")
	require.NoError(t, err)
	assert.True(t, rel.Success)
	assert.Equal(t, int64(40), rel.CreditsReturned)
	assert.Equal(t, int64(100), rel.NewBalance)

	balance, err := s.Balance(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	r, err = s.GetReservation(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.TransactionRefunded, r.Status)
	assert.NotNil(t, r.SettledAt)
}

func TestLedger_ReserveInsufficient(t *testing.T) {
	s := fundedStore(t, "org-1", 10)
	ctx := context.Background()

	res, err := s.Reserve(ctx, schema.ReserveRequest{OrganizationID: "org-1", ExecutionID: "exec-1", Amount: 25})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "insufficient credits")
	require.NotNil(t, res.CurrentBalance)
	require.NotNil(t, res.Required)
	assert.Equal(t, int64(10), *res.CurrentBalance)
	assert.Equal(t, int64(25), *res.Required)

	balance, err := s.Balance(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance, "denied reservation leaves the balance untouched")

	_, err = s.GetReservation(ctx, "exec-1")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestLedger_ReserveUnknownOrganization(t *testing.T) {
	s := newTestStore(t)
	res, err := s.Reserve(context.Background(), schema.ReserveRequest{OrganizationID: "ghost", ExecutionID: "exec-1", Amount: 1})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, int64(0), *res.CurrentBalance)
}

func TestLedger_ReserveValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  schema.ReserveRequest
	}{
		{"missing organization", schema.ReserveRequest{ExecutionID: "e", Amount: 1}},
		{"missing execution", schema.ReserveRequest{OrganizationID: "o", Amount: 1}},
		{"negative amount", schema.ReserveRequest{OrganizationID: "o", ExecutionID: "e", Amount: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Reserve(ctx, tt.req)
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
		})
	}
}

func TestLedger_DuplicateReservation(t *testing.T) {
	s := fundedStore(t, "org-1", 100)
	ctx := context.Background()

	_, err := s.Reserve(ctx, schema.ReserveRequest{OrganizationID: "org-1", ExecutionID: "exec-1", Amount: 10})
	require.NoError(t, err)

	_, err = s.Reserve(ctx, schema.ReserveRequest{OrganizationID: "org-1", ExecutionID: "exec-1", Amount: 10})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	balance, err := s.Balance(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(90), balance)
}

func TestLedger_FinalizeIdempotent(t *testing.T) {
	s := fundedStore(t, "org-1", 100)
	ctx := context.Background()

	res, err := s.Reserve(ctx, schema.ReserveRequest{OrganizationID: "org-1", ExecutionID: "exec-1", Amount: 30})
	require.NoError(t, err)

	fin, err := s.Finalize(ctx, "exec-1")
	require.NoError(t, err)
	assert.True(t, fin.Success)
	assert.Equal(t, res.TransactionID, fin.TransactionID)

	again, err := s.Finalize(ctx, "exec-1")
	require.NoError(t, err)
	assert.True(t, again.Success)

	balance, err := s.Balance(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(70), balance, "finalized credits stay consumed")

	_, err = s.Release(ctx, "exec-1")
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestLedger_ReleaseIdempotent(t *testing.T) {
	s := fundedStore(t, "org-1", 100)
	ctx := context.Background()

	_, err := s.Reserve(ctx, schema.ReserveRequest{OrganizationID: "org-1", ExecutionID: "exec-1", Amount: 30})
	require.NoError(t, err)

	first, err := s.Release(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), first.CreditsReturned)

	second, err := s.Release(ctx, "exec-1")
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Equal(t, int64(0), second.CreditsReturned)
	assert.Equal(t, int64(100), second.NewBalance)

	_, err = s.Finalize(ctx, "exec-1")
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestLedger_SettleUnknownReservation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Finalize(ctx, "nope")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	_, err = s.Release(ctx, "nope")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestLedger_FailAndRelease(t *testing.T) {
	s := fundedStore(t, "org-1", 100)
	ctx := context.Background()
	exec := seedExecution(t, s)

	_, err := s.Reserve(ctx, schema.ReserveRequest{OrganizationID: "org-1", ExecutionID: exec.ID, Amount: 45})
	require.NoError(t, err)

	rel, err := s.FailAndRelease(ctx, exec.ID, schema.ExecutionStatusError, "[STEP_FAILED] boom")
	require.NoError(t, err)
	assert.Equal(t, int64(45), rel.CreditsReturned)
	assert.Equal(t, int64(100), rel.NewBalance)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusError, got.Status)
	assert.Equal(t, "[STEP_FAILED] boom", got.Error)
	assert.NotNil(t, got.CompletedAt)
}

func TestLedger_FailAndReleaseRollsBack(t *testing.T) {
	s := fundedStore(t, "org-1", 100)
	ctx := context.Background()
	exec := seedExecution(t, s)

	// No reservation exists, so the status update must not survive either.
	_, err := s.FailAndRelease(ctx, exec.ID, schema.ExecutionStatusError, "boom")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusPending, got.Status)
}

func TestLedger_Deposit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	balance, err := s.Balance(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	balance, err = s.Deposit(ctx, "org-1", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)

	balance, err = s.Deposit(ctx, "org-1", 25)
	require.NoError(t, err)
	assert.Equal(t, int64(75), balance)

	_, err = s.Deposit(ctx, "org-1", 0)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	_, err = s.Deposit(ctx, "", 10)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestLedger_ConcurrentReservesNeverOverdraw(t *testing.T) {
	s := fundedStore(t, "org-1", 100)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		granted atomic.Int64
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Reserve(ctx, schema.ReserveRequest{
				OrganizationID: "org-1",
				ExecutionID:    fmt.Sprintf("exec-%d", i),
				Amount:         10,
			})
			if !assert.NoError(t, err) {
				return
			}
			if res.Success {
				granted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(10), granted.Load())
	balance, err := s.Balance(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}
