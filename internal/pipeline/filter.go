package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tenderscope/tender-cli/internal/config"
	"github.com/tenderscope/tender-cli/internal/model"
	"github.com/tenderscope/tender-cli/pkg/anthropic"
)

const initialFilterSystemPrompt = `You are a procurement analyst doing a first coarse pass over tender candidates. Given a buyer's search intent and a numbered list of tenders (id, name, organization), return ONLY the tenders plausibly relevant to the intent. Err on the side of keeping a tender when unsure; later stages read the full documents. Respond with a valid JSON object: {"matches": [{"id": "<id from input>", "name": "<name>", "organization": "<organization>"}]}`

const descriptionFilterSystemPrompt = `You are a procurement analyst doing the final relevance pass. Given a company profile, optional filtering rules, and a numbered list of analyzed tenders with their generated descriptions, decide which tenders the company should actually pursue. Apply the filtering rules strictly. Respond with a valid JSON object: {"decisions": [{"id": "<id from input>", "keep": <true|false>, "reason": "<short reason when keep is false>"}]}`

// filterMatch is one kept candidate in the initial filter's response.
type filterMatch struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Organization string `json:"organization"`
}

// filterDecision is one verdict in the description filter's response.
type filterDecision struct {
	ID     string `json:"id"`
	Keep   bool   `json:"keep"`
	Reason string `json:"reason"`
}

// InitialFilter runs the coarse batched relevance filter over all
// candidates. Matches are correlated by the id round-tripped through the
// model; when the model drops an id, the candidate is recovered by
// name/organization lookup, with a warning when recovery fails too.
func InitialFilter(ctx context.Context, aiClient anthropic.Client, aiCfg config.AnthropicConfig, batchSize int, analysis *model.Analysis, candidates []model.CandidateTender) ([]model.CandidateTender, model.TokenUsage, error) {
	var (
		kept       []model.CandidateTender
		totalUsage model.TokenUsage
	)
	if len(candidates) == 0 {
		return kept, totalUsage, nil
	}
	if batchSize <= 0 {
		batchSize = 20
	}

	log := zap.L().With(zap.String("analysis_id", analysis.ID))

	for start := 0; start < len(candidates); start += batchSize {
		end := min(start+batchSize, len(candidates))
		batch := candidates[start:end]

		matches, usage, err := filterBatch(ctx, aiClient, aiCfg, analysis, batch)
		totalUsage.Add(usage)
		if err != nil {
			return nil, totalUsage, eris.Wrapf(err, "filter: batch %d-%d", start, end)
		}

		for _, m := range matches {
			cand, ok := resolveCandidate(batch, m)
			if !ok {
				log.Warn("filter: match not recoverable, dropping",
					zap.String("match_id", m.ID),
					zap.String("match_name", m.Name),
				)
				continue
			}
			kept = append(kept, cand)
		}
	}

	log.Info("filter: initial pass complete",
		zap.Int("candidates", len(candidates)),
		zap.Int("kept", len(kept)),
	)
	return kept, totalUsage, nil
}

func filterBatch(ctx context.Context, aiClient anthropic.Client, aiCfg config.AnthropicConfig, analysis *model.Analysis, batch []model.CandidateTender) ([]filterMatch, model.TokenUsage, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Search intent: %s\n", analysis.SearchPhrase)
	if analysis.CompanyProfile != "" {
		fmt.Fprintf(&sb, "Buyer profile: %s\n", analysis.CompanyProfile)
	}
	sb.WriteString("\nCandidate tenders:\n")
	for i, c := range batch {
		fmt.Fprintf(&sb, "%d. id=%s | name=%s | organization=%s\n", i+1, c.ID, c.Name, c.Organization)
	}

	resp, err := aiClient.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     aiCfg.FilterModel,
		MaxTokens: 4096,
		System:    anthropic.BuildCachedSystemBlocks(initialFilterSystemPrompt),
		Messages:  []anthropic.Message{{Role: "user", Content: sb.String()}},
	})
	if err != nil {
		return nil, model.TokenUsage{}, err
	}
	usage := usageFromResponse(resp)

	var parsed struct {
		Matches []filterMatch `json:"matches"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(resp.Text())), &parsed); err != nil {
		return nil, usage, eris.Wrap(err, "filter: parse response")
	}
	return parsed.Matches, usage, nil
}

// resolveCandidate maps a filter match back to its input candidate,
// preferring the round-tripped id, then falling back to name/organization.
func resolveCandidate(batch []model.CandidateTender, m filterMatch) (model.CandidateTender, bool) {
	if m.ID != "" {
		for _, c := range batch {
			if c.ID == m.ID {
				return c, true
			}
		}
	}
	for _, c := range batch {
		if m.Name != "" && strings.EqualFold(c.Name, m.Name) {
			if m.Organization == "" || strings.EqualFold(c.Organization, m.Organization) {
				return c, true
			}
		}
	}
	return model.CandidateTender{}, false
}

// Rejection pairs a description-filter reject with its reason.
type Rejection struct {
	Result *model.TenderAnalysisResult
	Reason string
}

// DescriptionFilter runs the second batched filter over assembled results,
// judging generated descriptions against the company profile and any
// free-text filtering rules. A result missing from the model's decisions
// is kept: only an explicit reject drops it.
func DescriptionFilter(ctx context.Context, aiClient anthropic.Client, aiCfg config.AnthropicConfig, batchSize int, analysis *model.Analysis, results []*model.TenderAnalysisResult) ([]*model.TenderAnalysisResult, []Rejection, model.TokenUsage, error) {
	var (
		kept       []*model.TenderAnalysisResult
		rejected   []Rejection
		totalUsage model.TokenUsage
	)
	if len(results) == 0 {
		return kept, rejected, totalUsage, nil
	}
	if batchSize <= 0 {
		batchSize = 20
	}

	for start := 0; start < len(results); start += batchSize {
		end := min(start+batchSize, len(results))
		batch := results[start:end]

		decisions, usage, err := describeFilterBatch(ctx, aiClient, aiCfg, analysis, batch)
		totalUsage.Add(usage)
		if err != nil {
			return nil, nil, totalUsage, eris.Wrapf(err, "filter: description batch %d-%d", start, end)
		}

		rejects := make(map[string]string, len(decisions))
		for _, d := range decisions {
			if !d.Keep {
				rejects[d.ID] = d.Reason
			}
		}
		for _, r := range batch {
			if reason, ok := rejects[r.DocumentID]; ok {
				rejected = append(rejected, Rejection{Result: r, Reason: reason})
				continue
			}
			kept = append(kept, r)
		}
	}

	zap.L().Info("filter: description pass complete",
		zap.String("analysis_id", analysis.ID),
		zap.Int("in", len(results)),
		zap.Int("kept", len(kept)),
		zap.Int("rejected", len(rejected)),
	)
	return kept, rejected, totalUsage, nil
}

func describeFilterBatch(ctx context.Context, aiClient anthropic.Client, aiCfg config.AnthropicConfig, analysis *model.Analysis, batch []*model.TenderAnalysisResult) ([]filterDecision, model.TokenUsage, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Company profile: %s\n", analysis.CompanyProfile)
	if analysis.FilteringRules != "" {
		fmt.Fprintf(&sb, "Filtering rules: %s\n", analysis.FilteringRules)
	}
	sb.WriteString("\nAnalyzed tenders:\n")
	for i, r := range batch {
		fmt.Fprintf(&sb, "%d. id=%s | name=%s | organization=%s | score=%.2f\n   description: %s\n",
			i+1, r.DocumentID, r.Name, r.Organization, r.Score, r.Description)
	}

	resp, err := aiClient.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     aiCfg.FilterModel,
		MaxTokens: 4096,
		System:    anthropic.BuildCachedSystemBlocks(descriptionFilterSystemPrompt),
		Messages:  []anthropic.Message{{Role: "user", Content: sb.String()}},
	})
	if err != nil {
		return nil, model.TokenUsage{}, err
	}
	usage := usageFromResponse(resp)

	var parsed struct {
		Decisions []filterDecision `json:"decisions"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(resp.Text())), &parsed); err != nil {
		return nil, usage, eris.Wrap(err, "filter: parse description response")
	}
	return parsed.Decisions, usage, nil
}

func usageFromResponse(resp *anthropic.MessageResponse) model.TokenUsage {
	return model.TokenUsage{
		InputTokens:         int(resp.Usage.InputTokens),
		OutputTokens:        int(resp.Usage.OutputTokens),
		CacheCreationTokens: int(resp.Usage.CacheCreationInputTokens),
		CacheReadTokens:     int(resp.Usage.CacheReadInputTokens),
	}
}
