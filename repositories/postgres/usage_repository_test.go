package postgres

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-execution-core/services/ledger"
	"go.uber.org/zap"
)

func newMockRepo(t *testing.T) (*UsageRepository, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewUsageRepository(Wrap(db, zap.NewNop()), zap.NewNop()), mock
}

func sampleRecord() *ledger.UsageRecord {
	return ledger.NewUsageRecord("req-1", "acme", "openai", "gpt-4o-mini", "sync").
		WithTokens(12, 30).
		WithCost(0.0000018, 0.000018, 0.0000198, "USD").
		WithLatency(420)
}

func TestUsageRepository_Append(t *testing.T) {
	t.Run("inserts every column", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		rec := sampleRecord()

		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO usage_records (id,request_id,tenant_id,provider,model,strategy")).
			WithArgs(
				rec.ID, "req-1", "acme", "openai", "gpt-4o-mini", "sync",
				12, 30, 42,
				0.0000018, 0.000018, 0.0000198, "USD",
				int64(420), sqlmock.AnyArg(),
			).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.Append(context.Background(), rec))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wraps driver errors", func(t *testing.T) {
		repo, mock := newMockRepo(t)

		mock.ExpectExec("INSERT INTO usage_records").WillReturnError(sql.ErrConnDone)

		err := repo.Append(context.Background(), sampleRecord())
		require.Error(t, err)
		assert.ErrorIs(t, err, sql.ErrConnDone)
		assert.Contains(t, err.Error(), "failed to insert usage record")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestUsageRepository_AppendBatch(t *testing.T) {
	t.Run("commits all records", func(t *testing.T) {
		repo, mock := newMockRepo(t)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO usage_records").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO usage_records").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := repo.AppendBatch(context.Background(), []*ledger.UsageRecord{sampleRecord(), sampleRecord()})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on first failure", func(t *testing.T) {
		repo, mock := newMockRepo(t)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO usage_records").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO usage_records").WillReturnError(errors.New("unique violation"))
		mock.ExpectRollback()

		err := repo.AppendBatch(context.Background(), []*ledger.UsageRecord{sampleRecord(), sampleRecord(), sampleRecord()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unique violation")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		require.NoError(t, repo.AppendBatch(context.Background(), nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestUsageRepository_ListByRequest(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(usageColumns).AddRow(
		id.String(), "req-1", "acme", "anthropic", "claude-3-5-haiku-latest", "hybrid",
		8, 16, 24,
		0.000008, 0.00008, 0.000088, "USD",
		int64(900), created,
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM usage_records WHERE request_id = $1 ORDER BY created_at ASC")).
		WithArgs("req-1").
		WillReturnRows(rows)

	records, err := repo.ListByRequest(context.Background(), "req-1")
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, "anthropic", rec.Provider)
	assert.Equal(t, "hybrid", rec.Strategy)
	assert.Equal(t, 24, rec.TotalTokens)
	assert.InDelta(t, 0.000088, rec.TotalCost, 1e-12)
	assert.Equal(t, int64(900), rec.LatencyMs)
	assert.True(t, created.Equal(rec.CreatedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsageRepository_Summarize(t *testing.T) {
	repo, mock := newMockRepo(t)
	since := time.Now().Add(-24 * time.Hour)

	rows := sqlmock.NewRows([]string{"provider", "model", "count", "prompt", "completion", "total", "cost"}).
		AddRow("anthropic", "claude-3-5-haiku-latest", int64(1), int64(5), int64(5), int64(10), 0.0001).
		AddRow("openai", "gpt-4o", int64(2), int64(11), int64(22), int64(33), 0.33)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE tenant_id = $1 AND created_at >= $2 GROUP BY provider, model ORDER BY provider, model")).
		WithArgs("acme", since).
		WillReturnRows(rows)

	got, err := repo.Summarize(context.Background(), "acme", since)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ledger.Summary{
		Provider: "openai", Model: "gpt-4o", Requests: 2,
		PromptTokens: 11, CompletionTokens: 22, TotalTokens: 33, TotalCost: 0.33,
	}, got[1])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsageRepository_SummarizeEmpty(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("FROM usage_records").
		WillReturnRows(sqlmock.NewRows([]string{"provider", "model", "count", "prompt", "completion", "total", "cost"}))

	got, err := repo.Summarize(context.Background(), "nobody", time.Time{})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestDB_HealthCheck(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer sqlDB.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

		require.NoError(t, Wrap(sqlDB, nil).HealthCheck(context.Background()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ping failure", func(t *testing.T) {
		sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer sqlDB.Close()

		mock.ExpectPing().WillReturnError(sql.ErrConnDone)

		err = Wrap(sqlDB, nil).HealthCheck(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database health check failed")
	})
}

func TestEmbeddedMigrations(t *testing.T) {
	src, err := iofs.New(migrationFiles, "migrations")
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	up, _, err := src.ReadUp(first)
	require.NoError(t, err)
	body, err := io.ReadAll(up)
	require.NoError(t, err)
	for _, col := range usageColumns {
		assert.Contains(t, string(body), col)
	}

	down, _, err := src.ReadDown(first)
	require.NoError(t, err)
	body, err = io.ReadAll(down)
	require.NoError(t, err)
	assert.Contains(t, string(body), "DROP TABLE IF EXISTS usage_records")
}
