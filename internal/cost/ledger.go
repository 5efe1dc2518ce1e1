// Package cost tracks per-tender token usage and spend. Each tender gets
// exactly one ledger entry per run; the entry reaches exactly one terminal
// state.
package cost

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/tenderscope/tender-cli/internal/model"
)

// EntryStatus is the terminal state of a ledger entry.
type EntryStatus string

const (
	StatusCompleted EntryStatus = "completed"
	StatusFailed    EntryStatus = "failed"
)

// ErrAlreadyFinalized is returned when an entry is completed twice.
var ErrAlreadyFinalized = eris.New("cost: ledger entry already finalized")

// Entry is one tender's usage accounting record for one run.
type Entry struct {
	ID          string           `json:"id"`
	TenderURL   string           `json:"tender_url"`
	AnalysisID  string           `json:"analysis_id"`
	RunID       string           `json:"run_id"`
	Usage       model.TokenUsage `json:"usage"`
	Status      EntryStatus      `json:"status,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	FinalizedAt *time.Time       `json:"finalized_at,omitempty"`
}

// Ledger is the cost-ledger sink. Implementations must be safe for
// concurrent use; the pipeline guarantees no entry is written by two
// workers, but entries for different tenders are written in parallel.
type Ledger interface {
	Create(ctx context.Context, tenderURL, analysisID, runID string) (string, error)
	AddUsage(ctx context.Context, entryID string, usage model.TokenUsage) error
	Complete(ctx context.Context, entryID string, status EntryStatus) error
}

// MemoryLedger is an in-process Ledger. It backs tests and single-shot CLI
// runs where no durable ledger is configured.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]*Entry)}
}

func (l *MemoryLedger) Create(_ context.Context, tenderURL, analysisID, runID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := &Entry{
		ID:         uuid.NewString(),
		TenderURL:  tenderURL,
		AnalysisID: analysisID,
		RunID:      runID,
		CreatedAt:  time.Now().UTC(),
	}
	l.entries[entry.ID] = entry
	return entry.ID, nil
}

func (l *MemoryLedger) AddUsage(_ context.Context, entryID string, usage model.TokenUsage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[entryID]
	if !ok {
		return eris.Errorf("cost: unknown ledger entry %s", entryID)
	}
	entry.Usage.Add(usage)
	return nil
}

func (l *MemoryLedger) Complete(_ context.Context, entryID string, status EntryStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[entryID]
	if !ok {
		return eris.Errorf("cost: unknown ledger entry %s", entryID)
	}
	if entry.Status != "" {
		return ErrAlreadyFinalized
	}
	entry.Status = status
	now := time.Now().UTC()
	entry.FinalizedAt = &now
	return nil
}

// Entries returns a snapshot of all entries, for inspection after a run.
func (l *MemoryLedger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	return out
}
