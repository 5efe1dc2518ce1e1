// Package store persists analysis configurations, run records, tender
// results, the filtered-out archive, and the cost ledger. Two backends:
// postgres for shared deployments, sqlite for local single-user runs.
package store

import (
	"context"
	"time"

	"github.com/tenderscope/tender-cli/internal/cost"
	"github.com/tenderscope/tender-cli/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	AnalysisID string          `json:"analysis_id,omitempty"`
	Status     model.RunStatus `json:"status,omitempty"`
	Limit      int             `json:"limit,omitempty"`
	Offset     int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the analysis pipeline.
type Store interface {
	// Analyses
	SaveAnalysis(ctx context.Context, a *model.Analysis) error
	GetAnalysis(ctx context.Context, id string) (*model.Analysis, error)
	UpdateAnalysisLastRun(ctx context.Context, analysisID string, at time.Time) error

	// Runs
	CreateRun(ctx context.Context, analysisID string) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	UpdateRunSummary(ctx context.Context, runID string, status model.RunStatus, summary *model.RunSummary) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Results
	SaveResults(ctx context.Context, runID string, results []*model.TenderAnalysisResult) error
	SaveFilteredOut(ctx context.Context, rec *model.FilteredOutRecord) error

	// Cost ledger
	CreateLedgerEntry(ctx context.Context, tenderURL, analysisID, runID string) (string, error)
	AddLedgerUsage(ctx context.Context, entryID string, usage model.TokenUsage) error
	FinalizeLedgerEntry(ctx context.Context, entryID string, status cost.EntryStatus) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Ledger adapts a Store into the pipeline's cost.Ledger sink, so usage
// accounting lands in the same database as the run it belongs to.
type Ledger struct {
	store Store
}

// NewLedger wraps a Store as a cost.Ledger.
func NewLedger(s Store) *Ledger {
	return &Ledger{store: s}
}

func (l *Ledger) Create(ctx context.Context, tenderURL, analysisID, runID string) (string, error) {
	return l.store.CreateLedgerEntry(ctx, tenderURL, analysisID, runID)
}

func (l *Ledger) AddUsage(ctx context.Context, entryID string, usage model.TokenUsage) error {
	return l.store.AddLedgerUsage(ctx, entryID, usage)
}

func (l *Ledger) Complete(ctx context.Context, entryID string, status cost.EntryStatus) error {
	return l.store.FinalizeLedgerEntry(ctx, entryID, status)
}
