package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenderscope/tender-cli/internal/config"
	"github.com/tenderscope/tender-cli/internal/cost"
	"github.com/tenderscope/tender-cli/internal/extract"
	"github.com/tenderscope/tender-cli/internal/model"
	"github.com/tenderscope/tender-cli/internal/scoring"
	"github.com/tenderscope/tender-cli/internal/store"
	"github.com/tenderscope/tender-cli/pkg/anthropic"
	"github.com/tenderscope/tender-cli/pkg/search"
)

func testConfig() *config.Config {
	return &config.Config{
		Anthropic: config.AnthropicConfig{
			FilterModel:   "claude-haiku-4-5-20251001",
			AnalysisModel: "claude-sonnet-4-5-20250929",
		},
		Pipeline: config.PipelineConfig{
			Workers:         4,
			FilterBatchSize: 20,
			MaxChunkTokens:  480,
			TopK:            5,
			ScoreThreshold:  0.35,
			Scoring:         scoring.DefaultConfig(),
		},
		Pricing: cost.DefaultRates(),
	}
}

func testCriteria() []model.CriterionDefinition {
	return model.NormalizeCriteria([]model.CriterionDefinition{
		{Name: "Road construction scope", Description: "Is the tender about building or renovating roads?"},
		{Name: "Region", Description: "Is the work located in Mazowieckie?"},
	})
}

func savedAnalysis(t *testing.T, st store.Store) *model.Analysis {
	t.Helper()
	a := &model.Analysis{
		ID:             "an-1",
		Name:           "road works",
		SearchPhrase:   "budowa drogi",
		CompanyProfile: "Mid-size road construction company",
		Criteria:       testCriteria(),
		Language:       "pl",
	}
	require.NoError(t, st.SaveAnalysis(context.Background(), a))
	return a
}

func candidates(n int) []search.Result {
	out := make([]search.Result, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, search.Result{
			ID:           fmt.Sprintf("c%d", i),
			URL:          fmt.Sprintf("https://ezamowienia.gov.pl/tender/%d", i),
			Name:         fmt.Sprintf("Budowa drogi gminnej nr %d", i),
			Organization: fmt.Sprintf("Gmina %d", i),
			SourceType:   "ezamowienia",
		})
	}
	return out
}

// matchesJSON builds the initial-filter response keeping the given ids.
func matchesJSON(t *testing.T, cands []search.Result, ids ...string) string {
	t.Helper()
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}
	var matches []filterMatch
	for _, c := range cands {
		if _, ok := keep[c.ID]; ok {
			matches = append(matches, filterMatch{ID: c.ID, Name: c.Name, Organization: c.Organization})
		}
	}
	data, err := json.Marshal(map[string]any{"matches": matches})
	require.NoError(t, err)
	return string(data)
}

func criteriaJSON(t *testing.T, defs []model.CriterionDefinition, met bool) string {
	t.Helper()
	results := make([]model.CriterionResult, 0, len(defs))
	for _, d := range defs {
		m := met
		results = append(results, model.CriterionResult{
			Criteria:    d.Name,
			Summary:     "documents address this",
			Confidence:  model.ConfidenceHigh,
			CriteriaMet: &m,
		})
	}
	data, err := json.Marshal(results)
	require.NoError(t, err)
	return string(data)
}

func keepAllDecisions(req anthropic.MessageRequest) (string, error) {
	return `{"decisions": []}`, nil
}

func describeOK(req anthropic.MessageRequest) (string, error) {
	return `{"description": "Construction of a municipal road with drainage.", "location": "Warszawa"}`, nil
}

type pipelineFixture struct {
	pipe   *Pipeline
	store  *store.SQLiteStore
	ai     *mockAI
	vec    *mockVector
	ledger *cost.MemoryLedger
	ext    *mockExtractor
}

func newFixture(t *testing.T, results []search.Result, ai *mockAI) *pipelineFixture {
	t.Helper()
	st, err := store.NewSQLite(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	vec := &mockVector{}
	ledger := cost.NewMemoryLedger()
	ext := &mockExtractor{}
	pipe := New(testConfig(), Deps{
		Store:     st,
		Search:    &mockSearch{results: results},
		Vector:    vec,
		AI:        ai,
		Extractor: ext,
		Ledger:    ledger,
	})
	return &pipelineFixture{pipe: pipe, store: st, ai: ai, vec: vec, ledger: ledger, ext: ext}
}

func TestRunHappyPath(t *testing.T) {
	cands := candidates(3)
	defs := testCriteria()
	ai := &mockAI{
		onFilter: func(anthropic.MessageRequest) (string, error) {
			return matchesJSON(t, cands, "c1", "c2"), nil
		},
		onCriteria: func(anthropic.MessageRequest) (string, error) {
			return criteriaJSON(t, defs, true), nil
		},
		onDescribe:   describeOK,
		onDescFilter: keepAllDecisions,
	}
	fx := newFixture(t, cands, ai)
	analysis := savedAnalysis(t, fx.store)

	run, err := fx.pipe.Run(context.Background(), analysis.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)

	require.NotNil(t, run.Summary)
	assert.Equal(t, 3, run.Summary.TotalCandidates)
	assert.Equal(t, 2, run.Summary.InitialFilterPassed)
	assert.Equal(t, 2, run.Summary.PipelineSucceeded)
	assert.Equal(t, 2, run.Summary.DescriptionPassed)
	assert.Equal(t, 2, run.Summary.Persisted)
	assert.Positive(t, run.Summary.TotalTokens)
	assert.Positive(t, run.Summary.EstimatedCostUSD)

	assert.Len(t, fx.ai.callsBySystem("fixed list of criteria"), 2)
	assert.Len(t, fx.ai.callsBySystem("summarizing a tender"), 2)
	assert.NotEmpty(t, fx.vec.upserts)

	stored, err := fx.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, stored.Status)

	got, err := fx.store.GetAnalysis(context.Background(), analysis.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastRun)
}

func TestRunEmptyCandidatesShortCircuits(t *testing.T) {
	ai := &mockAI{}
	fx := newFixture(t, nil, ai)
	analysis := savedAnalysis(t, fx.store)

	run, err := fx.pipe.Run(context.Background(), analysis.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	assert.Equal(t, 0, run.Summary.TotalCandidates)
	assert.Equal(t, 0, run.Summary.Persisted)
	assert.Empty(t, ai.calls)
}

func TestRunNoScorableWeightFailsBeforeSearch(t *testing.T) {
	ai := &mockAI{}
	fx := newFixture(t, candidates(2), ai)
	a := savedAnalysis(t, fx.store)
	for i := range a.Criteria {
		a.Criteria[i].ExcludeFromScore = true
	}
	require.NoError(t, fx.store.SaveAnalysis(context.Background(), a))

	_, err := fx.pipe.Run(context.Background(), a.ID)
	require.ErrorIs(t, err, scoring.ErrNoScorableWeight)

	runs, err := fx.store.ListRuns(context.Background(), store.RunFilter{AnalysisID: a.ID})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Empty(t, ai.calls)
}

func TestRunExtractionFailuresDoNotSinkTheRun(t *testing.T) {
	cands := candidates(10)
	defs := testCriteria()
	ai := &mockAI{
		onFilter: func(anthropic.MessageRequest) (string, error) {
			ids := make([]string, 0, len(cands))
			for _, c := range cands {
				ids = append(ids, c.ID)
			}
			return matchesJSON(t, cands, ids...), nil
		},
		onCriteria: func(anthropic.MessageRequest) (string, error) {
			return criteriaJSON(t, defs, true), nil
		},
		onDescribe:   describeOK,
		onDescFilter: keepAllDecisions,
	}
	fx := newFixture(t, cands, ai)
	fx.ext.outcomes = map[string]*extract.Outcome{}
	for _, c := range cands[:3] {
		fx.ext.outcomes[c.URL] = &extract.Outcome{
			Status: model.ExtractionFailed,
			Reason: "document download returned 404",
		}
	}
	analysis := savedAnalysis(t, fx.store)

	run, err := fx.pipe.Run(context.Background(), analysis.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	assert.Equal(t, 10, run.Summary.InitialFilterPassed)
	assert.Equal(t, 7, run.Summary.PipelineSucceeded)
	assert.Equal(t, 7, run.Summary.Persisted)

	var completed, failed int
	for _, e := range fx.ledger.Entries() {
		switch e.Status {
		case cost.StatusCompleted:
			completed++
		case cost.StatusFailed:
			failed++
		default:
			t.Fatalf("entry %s not finalized", e.ID)
		}
	}
	// 7 tender entries + the run entry complete; 3 tender entries fail.
	assert.Equal(t, 8, completed)
	assert.Equal(t, 3, failed)
}

func TestRunSeedOnlyExtraction(t *testing.T) {
	// Extraction found nothing to download but captured the notice body from
	// the listing page. The excerpt is embedded in place of file chunks and
	// feeds the description prompt, so the tender still completes.
	cands := candidates(1)
	defs := testCriteria()
	const seed = "Przedmiotem zamówienia jest remont mostu nad rzeką Wartą wraz z dojazdami."
	ai := &mockAI{
		onFilter: func(anthropic.MessageRequest) (string, error) {
			return matchesJSON(t, cands, "c1"), nil
		},
		onCriteria: func(anthropic.MessageRequest) (string, error) {
			return criteriaJSON(t, defs, true), nil
		},
		onDescribe:   describeOK,
		onDescFilter: keepAllDecisions,
	}
	fx := newFixture(t, cands, ai)
	fx.ext.outcomes = map[string]*extract.Outcome{
		cands[0].URL: {
			Status:     model.ExtractionSuccess,
			DocumentID: "doc-c1",
			SeedText:   seed,
		},
	}
	analysis := savedAnalysis(t, fx.store)

	run, err := fx.pipe.Run(context.Background(), analysis.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	assert.Equal(t, 1, run.Summary.InitialFilterPassed)
	assert.Equal(t, 1, run.Summary.PipelineSucceeded)
	assert.Equal(t, 1, run.Summary.Persisted)

	require.NotEmpty(t, fx.vec.upserts)
	assert.Equal(t, "doc-c1/notice-excerpt#0", fx.vec.upserts[0].ID)

	describeCalls := ai.callsBySystem("summarizing a tender")
	require.Len(t, describeCalls, 1)
	assert.Contains(t, describeCalls[0].Messages[0].Content, seed)
}

func TestRunDescriptionFilterRejects(t *testing.T) {
	cands := candidates(2)
	defs := testCriteria()
	ai := &mockAI{
		onFilter: func(anthropic.MessageRequest) (string, error) {
			return matchesJSON(t, cands, "c1", "c2"), nil
		},
		onCriteria: func(anthropic.MessageRequest) (string, error) {
			return criteriaJSON(t, defs, true), nil
		},
		onDescribe: describeOK,
		onDescFilter: func(anthropic.MessageRequest) (string, error) {
			return `{"decisions": [{"id": "doc-c2", "keep": false, "reason": "outside the company's region"}]}`, nil
		},
	}
	fx := newFixture(t, cands, ai)
	analysis := savedAnalysis(t, fx.store)

	run, err := fx.pipe.Run(context.Background(), analysis.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, run.Summary.PipelineSucceeded)
	assert.Equal(t, 1, run.Summary.DescriptionPassed)
	assert.Equal(t, 1, run.Summary.Persisted)
	assert.Contains(t, fx.vec.deleted, "doc-c2")
}

func TestRunRecoversFromStagePanic(t *testing.T) {
	cands := candidates(3)
	defs := testCriteria()
	ai := &mockAI{
		onFilter: func(anthropic.MessageRequest) (string, error) {
			return matchesJSON(t, cands, "c1", "c2", "c3"), nil
		},
		onCriteria: func(anthropic.MessageRequest) (string, error) {
			return criteriaJSON(t, defs, true), nil
		},
		onDescribe:   describeOK,
		onDescFilter: keepAllDecisions,
	}
	fx := newFixture(t, cands, ai)
	fx.ext.panicURL = cands[1].URL
	analysis := savedAnalysis(t, fx.store)

	run, err := fx.pipe.Run(context.Background(), analysis.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	assert.Equal(t, 2, run.Summary.PipelineSucceeded)

	var failed int
	for _, e := range fx.ledger.Entries() {
		if e.Status == cost.StatusFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestRunSearchErrorFailsRun(t *testing.T) {
	ai := &mockAI{}
	fx := newFixture(t, nil, ai)
	fx.pipe.search = &mockSearch{err: eris.New("search service unavailable")}
	analysis := savedAnalysis(t, fx.store)

	_, err := fx.pipe.Run(context.Background(), analysis.ID)
	require.Error(t, err)

	runs, err := fx.store.ListRuns(context.Background(), store.RunFilter{AnalysisID: analysis.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)

	for _, e := range fx.ledger.Entries() {
		assert.Equal(t, cost.StatusFailed, e.Status)
	}
}

func TestRunSoftFailsDescription(t *testing.T) {
	cands := candidates(1)
	defs := testCriteria()
	ai := &mockAI{
		onFilter: func(anthropic.MessageRequest) (string, error) {
			return matchesJSON(t, cands, "c1"), nil
		},
		onCriteria: func(anthropic.MessageRequest) (string, error) {
			return criteriaJSON(t, defs, false), nil
		},
		onDescribe: func(anthropic.MessageRequest) (string, error) {
			return "", eris.New("model overloaded")
		},
		onDescFilter: keepAllDecisions,
	}
	fx := newFixture(t, cands, ai)
	analysis := savedAnalysis(t, fx.store)

	run, err := fx.pipe.Run(context.Background(), analysis.ID)
	require.NoError(t, err)
	// The tender survives with an empty description and the floor score.
	assert.Equal(t, 1, run.Summary.PipelineSucceeded)
	assert.Equal(t, 1, run.Summary.Persisted)
}
