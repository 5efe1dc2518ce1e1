package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tenderscope/tender-cli/internal/cost"
	"github.com/tenderscope/tender-cli/internal/extract"
	"github.com/tenderscope/tender-cli/internal/model"
	"github.com/tenderscope/tender-cli/internal/scoring"
)

// stageUsage aggregates one tender's spend across stages. Embedding tokens
// are billed on a different meter than model tokens, so they ride separately.
type stageUsage struct {
	Tokens      model.TokenUsage
	EmbedTokens int
}

func (u *stageUsage) add(other stageUsage) {
	u.Tokens.Add(other.Tokens)
	u.EmbedTokens += other.EmbedTokens
}

// processTender runs one tender through extraction, embedding, criteria
// evaluation, description generation and scoring. It never returns an
// error: a nil result means the tender failed and was archived or logged.
// Exactly one ledger entry is created and finalized per call, panics
// included.
func (p *Pipeline) processTender(ctx context.Context, analysis *model.Analysis, runID string, tender model.CandidateTender, defs []model.CriterionDefinition) (result *model.TenderAnalysisResult, usage stageUsage) {
	log := zap.L().With(
		zap.String("run_id", runID),
		zap.String("tender_url", tender.URL),
	)

	entryID, err := p.ledger.Create(ctx, tender.URL, analysis.ID, runID)
	if err != nil {
		log.Error("tender: create ledger entry", zap.Error(err))
		return nil, usage
	}

	status := cost.StatusFailed
	defer func() {
		if r := recover(); r != nil {
			log.Error("tender: recovered from panic", zap.Any("panic", r))
			result = nil
			status = cost.StatusFailed
		}
		if usage.Tokens.Total() > 0 {
			if err := p.ledger.AddUsage(ctx, entryID, usage.Tokens); err != nil {
				log.Error("tender: record ledger usage", zap.Error(err))
			}
		}
		if err := p.ledger.Complete(ctx, entryID, status); err != nil {
			log.Error("tender: finalize ledger entry", zap.Error(err))
		}
	}()

	outcome, err := p.extractor.Process(ctx, tender)
	if err != nil {
		log.Error("tender: extraction", zap.Error(err))
		return nil, usage
	}
	if outcome.Status != model.ExtractionSuccess {
		log.Warn("tender: extraction did not succeed",
			zap.String("status", string(outcome.Status)),
			zap.String("reason", outcome.Reason),
		)
		p.archiveFilteredOut(ctx, analysis.ID, runID, tender, model.StageFileExtraction, outcome.Reason, nil)
		return nil, usage
	}

	embedTokens, err := EmbedDocument(ctx, p.chunker, p.vector, outcome.DocumentID, outcome.Files, outcome.SeedText)
	usage.EmbedTokens += embedTokens
	if err != nil {
		log.Error("tender: embed documents", zap.Error(err))
		return nil, usage
	}

	criteria, evalUsage, err := EvaluateCriteria(ctx, p.ai, p.vector, p.cfg.Anthropic, p.cfg.Pipeline, outcome.DocumentID, analysis, defs)
	usage.Tokens.Add(evalUsage)
	if err != nil {
		log.Error("tender: evaluate criteria", zap.Error(err))
		return nil, usage
	}

	// Description failures are soft: the tender stays in the run.
	var description, location string
	desc, descUsage, err := GenerateDescription(ctx, p.ai, p.cfg.Anthropic, analysis, tender, outcome.SeedText, criteria)
	usage.Tokens.Add(descUsage)
	if err != nil {
		log.Warn("tender: generate description", zap.Error(err))
	} else {
		description = desc.Description
		location = desc.Location
	}

	score, err := scoring.ScoreWithConfig(criteria, defs, p.cfg.Pipeline.Scoring)
	if err != nil {
		log.Error("tender: score", zap.Error(err))
		return nil, usage
	}

	now := time.Now().UTC()
	result = &model.TenderAnalysisResult{
		ID:           uuid.NewString(),
		AnalysisID:   analysis.ID,
		DocumentID:   outcome.DocumentID,
		TenderURL:    tender.URL,
		Name:         tender.Name,
		Organization: tender.Organization,
		SourceType:   tender.SourceType,
		Score:        score,
		Criteria:     criteria,
		Description:  description,
		Location:     model.TenderLocation{City: location},
		Files:        uploadedFiles(outcome.Files),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	status = cost.StatusCompleted
	log.Info("tender: processed", zap.Float64("score", score))
	return result, usage
}

func (p *Pipeline) archiveFilteredOut(ctx context.Context, analysisID, runID string, tender model.CandidateTender, stage model.FilterStage, reason string, snapshot map[string]any) {
	rec := &model.FilteredOutRecord{
		ID:           uuid.NewString(),
		AnalysisID:   analysisID,
		RunID:        runID,
		TenderURL:    tender.URL,
		Name:         tender.Name,
		Organization: tender.Organization,
		Stage:        stage,
		Reason:       reason,
		Snapshot:     snapshot,
		CreatedAt:    time.Now().UTC(),
	}
	if err := p.store.SaveFilteredOut(ctx, rec); err != nil {
		zap.L().Error("tender: archive filtered-out record",
			zap.String("tender_url", tender.URL),
			zap.String("stage", string(stage)),
			zap.Error(err),
		)
	}
}

func uploadedFiles(files []extract.ProcessedFile) []model.UploadedFile {
	out := make([]model.UploadedFile, 0, len(files))
	for _, f := range files {
		out = append(out, f.File)
	}
	return out
}

// describeReason formats the archival reason for a description-filter reject.
func describeReason(reason string) string {
	if reason == "" {
		return "rejected by description filter"
	}
	return fmt.Sprintf("rejected by description filter: %s", reason)
}
