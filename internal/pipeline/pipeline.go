// Package pipeline runs tender relevance analysis end to end: search,
// coarse AI filtering, document extraction and embedding, per-criterion
// evaluation, scoring, description filtering, and persistence.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tenderscope/tender-cli/internal/chunker"
	"github.com/tenderscope/tender-cli/internal/config"
	"github.com/tenderscope/tender-cli/internal/cost"
	"github.com/tenderscope/tender-cli/internal/extract"
	"github.com/tenderscope/tender-cli/internal/model"
	"github.com/tenderscope/tender-cli/internal/scoring"
	"github.com/tenderscope/tender-cli/internal/store"
	"github.com/tenderscope/tender-cli/pkg/anthropic"
	"github.com/tenderscope/tender-cli/pkg/search"
	"github.com/tenderscope/tender-cli/pkg/vector"
)

// Extractor is the document-extraction collaborator. *extract.Service is
// the production implementation.
type Extractor interface {
	Process(ctx context.Context, tender model.CandidateTender) (*extract.Outcome, error)
}

// Deps are the collaborators a Pipeline needs.
type Deps struct {
	Store     store.Store
	Search    search.Client
	Vector    vector.Client
	AI        anthropic.Client
	Extractor Extractor
	Ledger    cost.Ledger
}

// Pipeline orchestrates one full analysis run.
type Pipeline struct {
	cfg       *config.Config
	store     store.Store
	search    search.Client
	vector    vector.Client
	ai        anthropic.Client
	extractor Extractor
	ledger    cost.Ledger
	chunker   *chunker.Chunker
	calc      *cost.Calculator
}

// New wires a Pipeline from configuration and collaborators.
func New(cfg *config.Config, deps Deps) *Pipeline {
	ledger := deps.Ledger
	if ledger == nil {
		ledger = store.NewLedger(deps.Store)
	}
	return &Pipeline{
		cfg:       cfg,
		store:     deps.Store,
		search:    deps.Search,
		vector:    deps.Vector,
		ai:        deps.AI,
		extractor: deps.Extractor,
		ledger:    ledger,
		chunker:   chunker.New(cfg.Pipeline.MaxChunkTokens, chunker.WithDetectConfig(cfg.Pipeline.Detect)),
		calc:      cost.NewCalculator(cfg.Pricing),
	}
}

// Run executes the analysis identified by analysisID and returns the
// finished run record. The run row always reaches complete or failed, and
// the run-level ledger entry reaches exactly one terminal state.
func (p *Pipeline) Run(ctx context.Context, analysisID string) (*model.Run, error) {
	analysis, err := p.store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load analysis")
	}
	defs := model.NormalizeCriteria(analysis.Criteria)
	if err := scoring.Validate(defs); err != nil {
		// No tender can ever be scored with this configuration, so fail
		// before spending a single token.
		return nil, eris.Wrap(err, "pipeline: validate criteria")
	}

	run, err := p.store.CreateRun(ctx, analysisID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	log := zap.L().With(
		zap.String("analysis_id", analysisID),
		zap.String("run_id", run.ID),
	)

	runEntryID, err := p.ledger.Create(ctx, "run:"+run.ID, analysisID, run.ID)
	if err != nil {
		return nil, p.fail(ctx, run, "", eris.Wrap(err, "pipeline: create run ledger entry"))
	}

	if err := p.setStatus(ctx, run, model.RunStatusFiltering); err != nil {
		return nil, p.fail(ctx, run, runEntryID, err)
	}

	candidates, err := p.searchCandidates(ctx, analysis)
	if err != nil {
		return nil, p.fail(ctx, run, runEntryID, eris.Wrap(err, "pipeline: search"))
	}
	log.Info("pipeline: search complete", zap.Int("candidates", len(candidates)))

	summary := &model.RunSummary{TotalCandidates: len(candidates)}
	if len(candidates) == 0 {
		return p.finish(ctx, run, runEntryID, analysis, summary, model.TokenUsage{}, 0)
	}

	// Filter-model and analysis-model tokens are priced separately.
	var filterUsage, analysisUsage model.TokenUsage
	var embedTokens int

	kept, usage, err := InitialFilter(ctx, p.ai, p.cfg.Anthropic, p.cfg.Pipeline.FilterBatchSize, analysis, candidates)
	filterUsage.Add(usage)
	if err != nil {
		return nil, p.fail(ctx, run, runEntryID, err)
	}
	summary.InitialFilterPassed = len(kept)
	p.archiveInitialRejects(ctx, analysis.ID, run.ID, candidates, kept)

	if err := p.setStatus(ctx, run, model.RunStatusAnalyzing); err != nil {
		return nil, p.fail(ctx, run, runEntryID, err)
	}

	var (
		mu      sync.Mutex
		results []*model.TenderAnalysisResult
	)
	workers := p.cfg.Pipeline.Workers
	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, tender := range kept {
		g.Go(func() error {
			result, tu := p.processTender(gctx, analysis, run.ID, tender, defs)
			mu.Lock()
			defer mu.Unlock()
			analysisUsage.Add(tu.Tokens)
			embedTokens += tu.EmbedTokens
			if result != nil {
				results = append(results, result)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, p.fail(ctx, run, runEntryID, err)
	}
	summary.PipelineSucceeded = len(results)
	log.Info("pipeline: analysis complete",
		zap.Int("succeeded", len(results)),
		zap.Int("failed", len(kept)-len(results)),
	)

	if err := p.setStatus(ctx, run, model.RunStatusDescribing); err != nil {
		return nil, p.fail(ctx, run, runEntryID, err)
	}

	final, rejections, usage, err := DescriptionFilter(ctx, p.ai, p.cfg.Anthropic, p.cfg.Pipeline.FilterBatchSize, analysis, results)
	filterUsage.Add(usage)
	if err != nil {
		return nil, p.fail(ctx, run, runEntryID, err)
	}
	summary.DescriptionPassed = len(final)
	p.archiveDescriptionRejects(ctx, analysis.ID, run.ID, rejections)

	if err := p.store.SaveResults(ctx, run.ID, final); err != nil {
		return nil, p.fail(ctx, run, runEntryID, eris.Wrap(err, "pipeline: persist results"))
	}
	summary.Persisted = len(final)

	totalUsage := filterUsage
	totalUsage.Add(analysisUsage)
	summary.EstimatedCostUSD = p.estimateCost(filterUsage, analysisUsage, embedTokens)
	return p.finish(ctx, run, runEntryID, analysis, summary, totalUsage, embedTokens)
}

func (p *Pipeline) searchCandidates(ctx context.Context, analysis *model.Analysis) ([]model.CandidateTender, error) {
	hits, err := p.search.Search(ctx, search.Request{
		Phrase:        analysis.SearchPhrase,
		Sources:       analysis.Sources,
		PublishedFrom: analysis.LastRun,
	})
	if err != nil {
		return nil, err
	}
	candidates := make([]model.CandidateTender, 0, len(hits))
	for _, h := range hits {
		candidates = append(candidates, model.CandidateTender{
			ID:           h.ID,
			URL:          h.URL,
			Name:         h.Name,
			Organization: h.Organization,
			SourceType:   h.SourceType,
			PublishedAt:  h.PublishedAt,
			Deadline:     h.Deadline,
			SearchMatch:  h.Metadata,
		})
	}
	return candidates, nil
}

func (p *Pipeline) archiveInitialRejects(ctx context.Context, analysisID, runID string, candidates, kept []model.CandidateTender) {
	keptIDs := make(map[string]struct{}, len(kept))
	for _, c := range kept {
		keptIDs[c.ID] = struct{}{}
	}
	for _, c := range candidates {
		if _, ok := keptIDs[c.ID]; ok {
			continue
		}
		p.archiveFilteredOut(ctx, analysisID, runID, c, model.StageInitialAIFilter, "not relevant to the search intent", nil)
	}
}

func (p *Pipeline) archiveDescriptionRejects(ctx context.Context, analysisID, runID string, rejections []Rejection) {
	for _, rej := range rejections {
		r := rej.Result
		tender := model.CandidateTender{
			URL:          r.TenderURL,
			Name:         r.Name,
			Organization: r.Organization,
		}
		snapshot := map[string]any{
			"score":       r.Score,
			"description": r.Description,
			"document_id": r.DocumentID,
		}
		p.archiveFilteredOut(ctx, analysisID, runID, tender, model.StageAIDescriptionFilter, describeReason(rej.Reason), snapshot)

		// Rejected tenders keep nothing in the vector store.
		if err := p.vector.DeleteNamespace(ctx, r.DocumentID); err != nil {
			zap.L().Warn("pipeline: cleanup rejected namespace",
				zap.String("document_id", r.DocumentID),
				zap.Error(err),
			)
		}
	}
}

func (p *Pipeline) estimateCost(filterUsage, analysisUsage model.TokenUsage, embedTokens int) float64 {
	total := p.calc.Claude(p.cfg.Anthropic.FilterModel,
		filterUsage.InputTokens, filterUsage.OutputTokens,
		filterUsage.CacheCreationTokens, filterUsage.CacheReadTokens)
	total += p.calc.Claude(p.cfg.Anthropic.AnalysisModel,
		analysisUsage.InputTokens, analysisUsage.OutputTokens,
		analysisUsage.CacheCreationTokens, analysisUsage.CacheReadTokens)
	total += p.calc.Embedding(embedTokens)
	return total
}

func (p *Pipeline) setStatus(ctx context.Context, run *model.Run, status model.RunStatus) error {
	if err := p.store.UpdateRunStatus(ctx, run.ID, status); err != nil {
		return eris.Wrapf(err, "pipeline: set run status %s", status)
	}
	run.Status = status
	return nil
}

// finish closes out a successful run: last-run timestamp, run ledger entry,
// and the final summary row.
func (p *Pipeline) finish(ctx context.Context, run *model.Run, runEntryID string, analysis *model.Analysis, summary *model.RunSummary, usage model.TokenUsage, embedTokens int) (*model.Run, error) {
	summary.Usage = usage
	summary.TotalTokens = usage.Total() + embedTokens

	if err := p.store.UpdateAnalysisLastRun(ctx, analysis.ID, time.Now().UTC()); err != nil {
		return nil, p.fail(ctx, run, runEntryID, eris.Wrap(err, "pipeline: update last run"))
	}

	if usage.Total() > 0 {
		if err := p.ledger.AddUsage(ctx, runEntryID, usage); err != nil {
			zap.L().Error("pipeline: record run usage", zap.Error(err))
		}
	}
	if err := p.ledger.Complete(ctx, runEntryID, cost.StatusCompleted); err != nil {
		zap.L().Error("pipeline: finalize run ledger entry", zap.Error(err))
	}

	if err := p.store.UpdateRunSummary(ctx, run.ID, model.RunStatusComplete, summary); err != nil {
		return nil, eris.Wrap(err, "pipeline: finalize run")
	}
	run.Status = model.RunStatusComplete
	run.Summary = summary
	zap.L().Info("pipeline: run complete",
		zap.String("run_id", run.ID),
		zap.Int("persisted", summary.Persisted),
		zap.Int("total_tokens", summary.TotalTokens),
		zap.Float64("estimated_cost_usd", summary.EstimatedCostUSD),
	)
	return run, nil
}

// fail marks the run failed, finalizes its ledger entry, and returns the
// original error for the caller.
func (p *Pipeline) fail(ctx context.Context, run *model.Run, runEntryID string, cause error) error {
	if err := p.store.UpdateRunStatus(ctx, run.ID, model.RunStatusFailed); err != nil {
		zap.L().Error("pipeline: mark run failed", zap.Error(err))
	}
	if runEntryID != "" {
		if err := p.ledger.Complete(ctx, runEntryID, cost.StatusFailed); err != nil {
			zap.L().Error("pipeline: finalize run ledger entry", zap.Error(err))
		}
	}
	return cause
}
