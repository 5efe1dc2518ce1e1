package store

import (
	"context"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenderscope/tender-cli/internal/cost"
	"github.com/tenderscope/tender-cli/internal/model"
)

func newMockPostgres(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresWithPool(mock), mock
}

func TestPostgres_CreateRun(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO runs`)).
		WithArgs(pgxmock.AnyArg(), "a-1", "queued", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run, err := st.CreateRun(context.Background(), "a-1")
	require.NoError(t, err)
	assert.Equal(t, "a-1", run.AnalysisID)
	assert.Equal(t, model.RunStatusQueued, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateRunStatus_NotFound(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE runs SET status`)).
		WithArgs("failed", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := st.UpdateRunStatus(context.Background(), "missing", model.RunStatusFailed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveResults_UsesCopy(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectCopyFrom(pgx.Identifier{"tender_results"},
		[]string{"id", "run_id", "analysis_id", "tender_url", "score", "result", "created_at"}).
		WillReturnResult(2)

	results := []*model.TenderAnalysisResult{
		{AnalysisID: "a-1", TenderURL: "https://bzp.example/1", Score: 0.70},
		{AnalysisID: "a-1", TenderURL: "https://bzp.example/2", Score: 0.64},
	}
	require.NoError(t, st.SaveResults(context.Background(), "r-1", results))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveResults_Empty(t *testing.T) {
	st, _ := newMockPostgres(t)
	require.NoError(t, st.SaveResults(context.Background(), "r-1", nil))
}

func TestPostgres_FinalizeLedgerEntry(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ledger_entries SET status`)).
		WithArgs("completed", pgxmock.AnyArg(), "e-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, st.FinalizeLedgerEntry(context.Background(), "e-1", cost.StatusCompleted))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FinalizeLedgerEntry_AlreadyFinalized(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ledger_entries SET status`)).
		WithArgs("failed", pgxmock.AnyArg(), "e-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	existing := "completed"
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM ledger_entries`)).
		WithArgs("e-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(&existing))

	err := st.FinalizeLedgerEntry(context.Background(), "e-1", cost.StatusFailed)
	assert.ErrorIs(t, err, cost.ErrAlreadyFinalized)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FinalizeLedgerEntry_NotFound(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ledger_entries SET status`)).
		WithArgs("completed", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM ledger_entries`)).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	err := st.FinalizeLedgerEntry(context.Background(), "missing", cost.StatusCompleted)
	require.Error(t, err)
	assert.NotErrorIs(t, err, cost.ErrAlreadyFinalized)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AddLedgerUsage(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ledger_entries SET`)).
		WithArgs(500, 100, 0, 0, "e-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	usage := model.TokenUsage{InputTokens: 500, OutputTokens: 100}
	require.NoError(t, st.AddLedgerUsage(context.Background(), "e-1", usage))
	assert.NoError(t, mock.ExpectationsWereMet())
}
