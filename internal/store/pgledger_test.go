package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rendis/chainflow/pkg/schema"
)

func newTestPGLedger(t *testing.T) *PGLedger {
	t.Helper()
	if os.Getenv("CHAINFLOW_PG_TESTS") != "1" {
		t.Skip("set CHAINFLOW_PG_TESTS=1 to run PostgreSQL ledger tests")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("chainflow"),
		postgres.WithUsername("chainflow"),
		postgres.WithPassword("chainflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { testcontainers.CleanupContainer(t, pgContainer) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	l, err := NewPGLedger(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	require.NoError(t, l.Migrate(ctx))
	return l
}

func TestPGLedger(t *testing.T) {
	l := newTestPGLedger(t)
	ctx := context.Background()

	balance, err := l.Deposit(ctx, "org-1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	t.Run("reserve and finalize", func(t *testing.T) {
		res, err := l.Reserve(ctx, schema.ReserveRequest{OrganizationID: "org-1", ExecutionID: "pg-1", Amount: 30})
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Equal(t, int64(70), res.NewBalance)

		_, err = l.Reserve(ctx, schema.ReserveRequest{OrganizationID: "org-1", ExecutionID: "pg-1", Amount: 30})
		assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

		fin, err := l.Finalize(ctx, "pg-1")
		require.NoError(t, err)
		assert.Equal(t, res.TransactionID, fin.TransactionID)

		_, err = l.Finalize(ctx, "pg-1")
		require.NoError(t, err)

		_, err = l.Release(ctx, "pg-1")
		assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
	})

	t.Run("reserve and release", func(t *testing.T) {
		_, err := l.Reserve(ctx, schema.ReserveRequest{OrganizationID: "org-1", ExecutionID: "pg-2", Amount: 20})
		require.NoError(t, err)

		rel, err := l.Release(ctx, "pg-2")
		require.NoError(t, err)
		assert.Equal(t, int64(20), rel.CreditsReturned)
		assert.Equal(t, int64(70), rel.NewBalance)

		again, err := l.Release(ctx, "pg-2")
		require.NoError(t, err)
		assert.Equal(t, int64(0), again.CreditsReturned)

		r, err := l.GetReservation(ctx, "pg-2")
		require.NoError(t, err)
		assert.Equal(t, schema.TransactionRefunded, r.Status)
	})

	t.Run("insufficient", func(t *testing.T) {
		res, err := l.Reserve(ctx, schema.ReserveRequest{OrganizationID: "org-1", ExecutionID: "pg-3", Amount: 1000})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, int64(70), *res.CurrentBalance)
	})

	t.Run("concurrent reserves", func(t *testing.T) {
		var (
			wg      sync.WaitGroup
			granted atomic.Int64
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := l.Reserve(ctx, schema.ReserveRequest{
					OrganizationID: "org-1",
					ExecutionID:    fmt.Sprintf("pg-c-%d", i),
					Amount:         10,
				})
				if assert.NoError(t, err) && res.Success {
					granted.Add(1)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int64(7), granted.Load())
		balance, err := l.Balance(ctx, "org-1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), balance)
	})
}
