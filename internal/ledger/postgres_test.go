package ledger

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"civicledger/internal/apperr"
	"civicledger/internal/model"
	"civicledger/migrations"
)

func setupPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LEDGER_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, migrations.Apply(ctx, pool, zap.NewNop()))
	_, err = pool.Exec(ctx, `TRUNCATE outbox_events, ledger_events, milestones, tenders, accounts, projects RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	return NewPostgresStore(pool, zap.NewNop())
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	p := seedProject(t, s, 10)

	got, err := s.Project(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.SupervisorCommitment, got.SupervisorCommitment)
	assert.Equal(t, model.ProjectCreated, got.Status)

	held, err := s.EscrowBalance(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), held)

	events, err := s.Events(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventProjectCreated, events[0].Kind)

	var pending int
	require.NoError(t, s.pool.QueryRow(ctx, `SELECT count(*) FROM outbox_events WHERE status = 'pending'`).Scan(&pending))
	assert.Equal(t, 1, pending)
}

func TestPostgresStore_RollbackOnError(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	p := seedProject(t, s, 10)

	err := s.Update(ctx, p.ID, func(tx Tx) error {
		require.NoError(t, tx.Release(ctx, p.ID, "0xbuilder", 4))
		return tx.Release(ctx, p.ID, "0xbuilder", 7)
	})
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	held, err := s.EscrowBalance(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), held)

	bal, err := s.Balance(ctx, "0xbuilder")
	require.NoError(t, err)
	assert.Zero(t, bal)
}
