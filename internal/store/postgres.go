package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/tenderscope/tender-cli/internal/cost"
	"github.com/tenderscope/tender-cli/internal/db"
	"github.com/tenderscope/tender-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS analyses (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name       TEXT NOT NULL,
	config     JSONB NOT NULL,
	last_run   TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	analysis_id TEXT NOT NULL REFERENCES analyses(id),
	status      TEXT NOT NULL DEFAULT 'queued',
	summary     JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tender_results (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	analysis_id TEXT NOT NULL,
	tender_url  TEXT NOT NULL,
	score       DOUBLE PRECISION NOT NULL,
	result      JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS filtered_out (
	id          TEXT PRIMARY KEY,
	analysis_id TEXT NOT NULL,
	run_id      TEXT NOT NULL,
	tender_url  TEXT NOT NULL,
	stage       TEXT NOT NULL,
	reason      TEXT NOT NULL,
	snapshot    JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id                    TEXT PRIMARY KEY,
	tender_url            TEXT NOT NULL,
	analysis_id           TEXT NOT NULL,
	run_id                TEXT NOT NULL,
	input_tokens          BIGINT NOT NULL DEFAULT 0,
	output_tokens         BIGINT NOT NULL DEFAULT 0,
	cache_creation_tokens BIGINT NOT NULL DEFAULT 0,
	cache_read_tokens     BIGINT NOT NULL DEFAULT 0,
	status                TEXT,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	finalized_at          TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_runs_analysis_id ON runs(analysis_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_tender_results_run_id ON tender_results(run_id);
CREATE INDEX IF NOT EXISTS idx_tender_results_analysis_id ON tender_results(analysis_id);
CREATE INDEX IF NOT EXISTS idx_filtered_out_run_id ON filtered_out(run_id);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_run_id ON ledger_entries(run_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) SaveAnalysis(ctx context.Context, a *model.Analysis) error {
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
		return eris.Wrap(err, "postgres: marshal analysis")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO analyses (id, name, config, last_run, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET name = $2, config = $3, updated_at = $6`,
		a.ID, a.Name, configJSON, a.LastRun, a.CreatedAt, a.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: save analysis")
}

func (s *PostgresStore) GetAnalysis(ctx context.Context, id string) (*model.Analysis, error) {
	var configJSON []byte
	var lastRun *time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT config, last_run FROM analyses WHERE id = $1`, id,
	).Scan(&configJSON, &lastRun)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Errorf("analysis not found: %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get analysis %s", id)
	}

	var a model.Analysis
	if err := json.Unmarshal(configJSON, &a); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal analysis")
	}
	a.LastRun = lastRun
	return &a, nil
}

func (s *PostgresStore) UpdateAnalysisLastRun(ctx context.Context, analysisID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analyses SET last_run = $1, updated_at = $2 WHERE id = $3`,
		at.UTC(), time.Now().UTC(), analysisID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update analysis last_run %s", analysisID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("analysis not found: %s", analysisID)
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, analysisID string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, analysis_id, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, analysisID, string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert run for analysis %s", analysisID)
	}

	return &model.Run{
		ID:         id,
		AnalysisID: analysisID,
		Status:     model.RunStatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) UpdateRunSummary(ctx context.Context, runID string, status model.RunStatus, summary *model.RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET summary = $1, status = $2, updated_at = $3 WHERE id = $4`,
		summaryJSON, string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run summary %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var r model.Run
	var summaryJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, analysis_id, status, summary, created_at, updated_at FROM runs WHERE id = $1`,
		runID,
	).Scan(&r.ID, &r.AnalysisID, &r.Status, &summaryJSON, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}

	if len(summaryJSON) > 0 {
		r.Summary = &model.RunSummary{}
		if err := json.Unmarshal(summaryJSON, r.Summary); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal summary")
		}
	}
	return &r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, analysis_id, status, summary, created_at, updated_at FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.AnalysisID != "" {
		query += fmt.Sprintf(` AND analysis_id = $%d`, argIdx)
		args = append(args, filter.AnalysisID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var summaryJSON []byte

		if err := rows.Scan(&r.ID, &r.AnalysisID, &r.Status, &summaryJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		if len(summaryJSON) > 0 {
			r.Summary = &model.RunSummary{}
			if err := json.Unmarshal(summaryJSON, r.Summary); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal summary")
			}
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// SaveResults persists a run's surviving results in one COPY.
func (s *PostgresStore) SaveResults(ctx context.Context, runID string, results []*model.TenderAnalysisResult) error {
	if len(results) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(results))
	for _, r := range results {
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now().UTC()
		}
		resultJSON, err := json.Marshal(r)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal result")
		}
		rows = append(rows, []any{r.ID, runID, r.AnalysisID, r.TenderURL, r.Score, resultJSON, r.CreatedAt})
	}

	_, err := db.CopyFrom(ctx, s.pool, "tender_results",
		[]string{"id", "run_id", "analysis_id", "tender_url", "score", "result", "created_at"},
		rows,
	)
	return eris.Wrapf(err, "postgres: save results for run %s", runID)
}

func (s *PostgresStore) SaveFilteredOut(ctx context.Context, rec *model.FilteredOutRecord) error {
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
			return eris.Wrap(err, "postgres: marshal snapshot")
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO filtered_out (id, analysis_id, run_id, tender_url, stage, reason, snapshot, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.AnalysisID, rec.RunID, rec.TenderURL, string(rec.Stage), rec.Reason,
		snapshotJSON, rec.CreatedAt,
	)
	return eris.Wrap(err, "postgres: save filtered out")
}

func (s *PostgresStore) CreateLedgerEntry(ctx context.Context, tenderURL, analysisID, runID string) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_entries (id, tender_url, analysis_id, run_id, created_at) VALUES ($1, $2, $3, $4, $5)`,
		id, tenderURL, analysisID, runID, time.Now().UTC(),
	)
	if err != nil {
		return "", eris.Wrap(err, "postgres: create ledger entry")
	}
	return id, nil
}

func (s *PostgresStore) AddLedgerUsage(ctx context.Context, entryID string, usage model.TokenUsage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ledger_entries SET
			input_tokens = input_tokens + $1,
			output_tokens = output_tokens + $2,
			cache_creation_tokens = cache_creation_tokens + $3,
			cache_read_tokens = cache_read_tokens + $4
		 WHERE id = $5`,
		usage.InputTokens, usage.OutputTokens, usage.CacheCreationTokens, usage.CacheReadTokens, entryID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: add ledger usage %s", entryID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("ledger_entry not found: %s", entryID)
	}
	return nil
}

func (s *PostgresStore) FinalizeLedgerEntry(ctx context.Context, entryID string, status cost.EntryStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ledger_entries SET status = $1, finalized_at = $2 WHERE id = $3 AND status IS NULL`,
		string(status), time.Now().UTC(), entryID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finalize ledger entry %s", entryID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var existing *string
	err = s.pool.QueryRow(ctx,
		`SELECT status FROM ledger_entries WHERE id = $1`, entryID,
	).Scan(&existing)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Errorf("ledger_entry not found: %s", entryID)
		}
		return eris.Wrap(err, "postgres: check ledger entry")
	}
	return cost.ErrAlreadyFinalized
}
