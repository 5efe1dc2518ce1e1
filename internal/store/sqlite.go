package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/tenderscope/tender-cli/internal/cost"
	"github.com/tenderscope/tender-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS analyses (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	config     TEXT NOT NULL,
	last_run   DATETIME,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	analysis_id TEXT NOT NULL REFERENCES analyses(id),
	status      TEXT NOT NULL DEFAULT 'queued',
	summary     TEXT,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS tender_results (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	analysis_id TEXT NOT NULL,
	tender_url  TEXT NOT NULL,
	score       REAL NOT NULL,
	result      TEXT NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS filtered_out (
	id          TEXT PRIMARY KEY,
	analysis_id TEXT NOT NULL,
	run_id      TEXT NOT NULL,
	tender_url  TEXT NOT NULL,
	stage       TEXT NOT NULL,
	reason      TEXT NOT NULL,
	snapshot    TEXT,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id                    TEXT PRIMARY KEY,
	tender_url            TEXT NOT NULL,
	analysis_id           TEXT NOT NULL,
	run_id                TEXT NOT NULL,
	input_tokens          INTEGER NOT NULL DEFAULT 0,
	output_tokens         INTEGER NOT NULL DEFAULT 0,
	cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
	status                TEXT,
	created_at            DATETIME NOT NULL DEFAULT (datetime('now')),
	finalized_at          DATETIME
);

CREATE INDEX IF NOT EXISTS idx_runs_analysis_id ON runs(analysis_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_tender_results_run_id ON tender_results(run_id);
CREATE INDEX IF NOT EXISTS idx_tender_results_analysis_id ON tender_results(analysis_id);
CREATE INDEX IF NOT EXISTS idx_filtered_out_run_id ON filtered_out(run_id);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_run_id ON ledger_entries(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveAnalysis(ctx context.Context, a *model.Analysis) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	configJSON, err := json.Marshal(a)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal analysis")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO analyses (id, name, config, last_run, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, config = excluded.config, updated_at = excluded.updated_at`,
		a.ID, a.Name, string(configJSON), a.LastRun, a.CreatedAt, a.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: save analysis")
}

func (s *SQLiteStore) GetAnalysis(ctx context.Context, id string) (*model.Analysis, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT config, last_run FROM analyses WHERE id = ?`, id,
	)

	var configJSON string
	var lastRun sql.NullTime
	err := row.Scan(&configJSON, &lastRun)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("analysis not found: %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get analysis")
	}

	var a model.Analysis
	if err := json.Unmarshal([]byte(configJSON), &a); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal analysis")
	}
	if lastRun.Valid {
		t := lastRun.Time
		a.LastRun = &t
	} else {
		a.LastRun = nil
	}
	return &a, nil
}

func (s *SQLiteStore) UpdateAnalysisLastRun(ctx context.Context, analysisID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE analyses SET last_run = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), time.Now().UTC(), analysisID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update analysis last_run %s", analysisID)
	}
	return checkRowsAffected(res, "analysis", analysisID)
}

func (s *SQLiteStore) CreateRun(ctx context.Context, analysisID string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, analysis_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, analysisID, string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert run for analysis %s", analysisID)
	}

	return &model.Run{
		ID:         id,
		AnalysisID: analysisID,
		Status:     model.RunStatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) UpdateRunSummary(ctx context.Context, runID string, status model.RunStatus, summary *model.RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET summary = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(summaryJSON), string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run summary %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, analysis_id, status, summary, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, analysis_id, status, summary, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.AnalysisID != "" {
		query += ` AND analysis_id = ?`
		args = append(args, filter.AnalysisID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) SaveResults(ctx context.Context, runID string, results []*model.TenderAnalysisResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range results {
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now().UTC()
		}
		resultJSON, err := json.Marshal(r)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal result")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tender_results (id, run_id, analysis_id, tender_url, score, result, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, runID, r.AnalysisID, r.TenderURL, r.Score, string(resultJSON), r.CreatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert result %s", r.TenderURL)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit results")
}

func (s *SQLiteStore) SaveFilteredOut(ctx context.Context, rec *model.FilteredOutRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var snapshotJSON []byte
	if rec.Snapshot != nil {
		var err error
		snapshotJSON, err = json.Marshal(rec.Snapshot)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal snapshot")
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO filtered_out (id, analysis_id, run_id, tender_url, stage, reason, snapshot, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AnalysisID, rec.RunID, rec.TenderURL, string(rec.Stage), rec.Reason,
		nullableString(snapshotJSON), rec.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: save filtered out")
}

func (s *SQLiteStore) CreateLedgerEntry(ctx context.Context, tenderURL, analysisID, runID string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_entries (id, tender_url, analysis_id, run_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, tenderURL, analysisID, runID, time.Now().UTC(),
	)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: create ledger entry")
	}
	return id, nil
}

func (s *SQLiteStore) AddLedgerUsage(ctx context.Context, entryID string, usage model.TokenUsage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ledger_entries SET
			input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?,
			cache_creation_tokens = cache_creation_tokens + ?,
			cache_read_tokens = cache_read_tokens + ?
		 WHERE id = ?`,
		usage.InputTokens, usage.OutputTokens, usage.CacheCreationTokens, usage.CacheReadTokens, entryID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: add ledger usage %s", entryID)
	}
	return checkRowsAffected(res, "ledger_entry", entryID)
}

func (s *SQLiteStore) FinalizeLedgerEntry(ctx context.Context, entryID string, status cost.EntryStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ledger_entries SET status = ?, finalized_at = ? WHERE id = ? AND status IS NULL`,
		string(status), time.Now().UTC(), entryID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finalize ledger entry %s", entryID)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}

	// The guarded update matched nothing: either the entry is missing or a
	// terminal state was already set.
	var existing sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT status FROM ledger_entries WHERE id = ?`, entryID,
	).Scan(&existing)
	if err == sql.ErrNoRows {
		return eris.Errorf("ledger_entry not found: %s", entryID)
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: check ledger entry")
	}
	return cost.ErrAlreadyFinalized
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var summaryJSON sql.NullString

	err := row.Scan(&r.ID, &r.AnalysisID, &r.Status, &summaryJSON, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if summaryJSON.Valid {
		r.Summary = &model.RunSummary{}
		if err := json.Unmarshal([]byte(summaryJSON.String), r.Summary); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal summary")
		}
	}
	return &r, nil
}
