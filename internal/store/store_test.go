package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/formprobe/internal/reconcile"
	"github.com/xkilldash9x/formprobe/internal/results"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func newMockStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return s, mockPool
}

func sampleRows() []results.Row {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.FixedZone("EST", -5*3600))
	return []results.Row{
		{
			Index:     2,
			URL:       "https://example.com/contact?utm_source=newsletter",
			Result:    reconcile.Pass,
			Overall:   reconcile.Fail,
			Notes:     "All fields matched",
			Params:    map[string]string{"utm_source": "newsletter"},
			StartedAt: start,
			Duration:  1500 * time.Millisecond,
		},
		results.ErrorRow(3, "https://example.com/broken", errors.New("No form found")),
	}
}

// -- Test Cases --

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestEnsureSchema(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())

	mockPool.ExpectExec(flexibleSQLMatcher(schemaSQL)).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.EnsureSchema(context.Background()))

	mockPool.ExpectExec(flexibleSQLMatcher(schemaSQL)).WillReturnError(errors.New("permission denied"))
	err := s.EnsureSchema(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestStartRunAndWrite(t *testing.T) {
	ctx := context.Background()
	s, mockPool := newMockStore(t, zap.NewNop())
	runID := uuid.NewString()
	started := time.Date(2025, 3, 1, 9, 0, 0, 0, time.FixedZone("EST", -5*3600))

	mockPool.ExpectExec(flexibleSQLMatcher(insertRunSQL)).
		WithArgs(runID, "input.xlsx", started.UTC()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	sink, err := s.StartRun(ctx, runID, "input.xlsx", started)
	require.NoError(t, err)
	assert.Equal(t, runID, sink.RunID())

	row := sampleRows()[0]
	mockPool.ExpectExec(flexibleSQLMatcher(insertRowSQL)).
		WithArgs(
			runID, 2, row.URL, "PASS", "FAIL", "All fields matched", "", "", "",
			pgxmock.AnyArg(), row.StartedAt.UTC(), int64(1500),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, sink.Write(ctx, row))

	mockPool.ExpectExec(flexibleSQLMatcher(insertRowSQL)).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))
	err = sink.Write(ctx, row)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 2")

	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPersistRows(t *testing.T) {
	ctx := context.Background()

	t.Run("should copy all rows and commit without rollback errors", func(t *testing.T) {
		core, logs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newMockStore(t, zap.New(core))

		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(pgx.Identifier{"result_rows"}, rowColumns).WillReturnResult(2)
		// Expect Commit AND the subsequent Rollback (which returns ErrTxClosed)
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.PersistRows(ctx, "run-1", sampleRows()))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, logs.All())
	})

	t.Run("should roll back on copy failure", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())

		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(pgx.Identifier{"result_rows"}, rowColumns).WillReturnError(errors.New("copy failed"))
		mockPool.ExpectRollback()

		err := s.PersistRows(ctx, "run-1", sampleRows())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "copy failed")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should fail on short copy", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())

		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(pgx.Identifier{"result_rows"}, rowColumns).WillReturnResult(1)
		mockPool.ExpectRollback()

		err := s.PersistRows(ctx, "run-1", sampleRows())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected 2, got 1")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should do nothing for an empty batch", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		require.NoError(t, s.PersistRows(ctx, "run-1", nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	s, mockPool := newMockStore(t, zap.NewNop())
	at := time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows([]string{"run_id", "row_index", "result", "overall", "notes", "started_at"}).
		AddRow("run-2", 2, "FAIL", "FAIL", "email_work mismatch or missing", at).
		AddRow("run-1", 2, "PASS", "PASS", "All fields matched", at.Add(-time.Hour))
	mockPool.ExpectQuery(flexibleSQLMatcher(historySQL)).
		WithArgs("https://example.com/contact", 10).
		WillReturnRows(rows)

	got, err := s.History(ctx, "https://example.com/contact", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "run-2", got[0].RunID)
	assert.Equal(t, reconcile.Fail, got[0].Result)
	assert.Equal(t, reconcile.Pass, got[1].Overall)
	assert.Equal(t, at, got[0].StartedAt)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestHistory_QueryError(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	mockPool.ExpectQuery(flexibleSQLMatcher(historySQL)).WillReturnError(errors.New("timeout"))

	_, err := s.History(context.Background(), "https://example.com/", 5)
	require.Error(t, err)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRowArgs_NilParamsEncodeAsObject(t *testing.T) {
	args, err := rowArgs("run-1", &results.Row{Index: 2})
	require.NoError(t, err)
	require.Len(t, args, len(rowColumns))
	assert.Equal(t, []byte("{}"), args[9])
}
