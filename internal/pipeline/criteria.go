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
	"github.com/tenderscope/tender-cli/internal/scoring"
	"github.com/tenderscope/tender-cli/pkg/anthropic"
	"github.com/tenderscope/tender-cli/pkg/vector"
)

const criteriaSystemPrompt = `You are a procurement analyst evaluating a tender against a fixed list of criteria. For each criterion you receive its definition and the most relevant excerpts retrieved from the tender documents. Judge every criterion in the order given. Respond with a valid JSON array, one object per criterion, in the same order: [{"criteria": "<criterion name>", "summary": "<what the documents say about it>", "confidence": "LOW|MEDIUM|HIGH", "criteria_met": <true|false|null>}]. Use null for criteria_met only when the documents are silent.`

// maxContextMatches caps retrieved excerpts per criterion in the prompt.
const maxContextMatches = 5

// EvaluateCriteria retrieves supporting excerpts for every criterion from
// the tender's vector namespace, judges all criteria in a single model call,
// and returns results aligned positionally to defs.
func EvaluateCriteria(ctx context.Context, aiClient anthropic.Client, vc vector.Client, aiCfg config.AnthropicConfig, pipeCfg config.PipelineConfig, docID string, analysis *model.Analysis, defs []model.CriterionDefinition) ([]model.CriterionResult, model.TokenUsage, error) {
	if len(defs) == 0 {
		return nil, model.TokenUsage{}, eris.New("criteria: no definitions")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Search intent: %s\n", analysis.SearchPhrase)
	if analysis.CompanyProfile != "" {
		fmt.Fprintf(&sb, "Company profile: %s\n", analysis.CompanyProfile)
	}
	sb.WriteString("\nCriteria:\n")

	for i, def := range defs {
		matches, err := vc.Query(ctx, vector.QueryRequest{
			DocumentID:     docID,
			Query:          criterionQuery(def),
			TopK:           pipeCfg.TopK,
			ScoreThreshold: pipeCfg.ScoreThreshold,
		})
		if err != nil {
			return nil, model.TokenUsage{}, eris.Wrapf(err, "criteria: query %q", def.Name)
		}

		fmt.Fprintf(&sb, "\n%d. %s\n", i+1, def.Name)
		if def.Description != "" {
			fmt.Fprintf(&sb, "   definition: %s\n", def.Description)
		}
		if def.Instruction != "" {
			fmt.Fprintf(&sb, "   instruction: %s\n", def.Instruction)
		}
		for _, sub := range def.Subcriteria {
			fmt.Fprintf(&sb, "   - %s\n", sub)
		}
		if len(matches) == 0 {
			sb.WriteString("   excerpts: none retrieved\n")
			continue
		}
		sb.WriteString("   excerpts:\n")
		for j, m := range matches {
			if j >= maxContextMatches {
				break
			}
			fmt.Fprintf(&sb, "   > %s\n", strings.TrimSpace(m.Text))
		}
	}

	resp, err := aiClient.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     aiCfg.AnalysisModel,
		MaxTokens: 8192,
		System:    anthropic.BuildCachedSystemBlocks(criteriaSystemPrompt),
		Messages:  []anthropic.Message{{Role: "user", Content: sb.String()}},
	})
	if err != nil {
		return nil, model.TokenUsage{}, eris.Wrap(err, "criteria: evaluate")
	}
	usage := usageFromResponse(resp)

	var results []model.CriterionResult
	if err := json.Unmarshal([]byte(cleanJSONArray(resp.Text())), &results); err != nil {
		return nil, usage, eris.Wrap(err, "criteria: parse response")
	}
	if err := validateResults(results, defs); err != nil {
		return nil, usage, err
	}

	aligned := scoring.Align(results, defs)
	zap.L().Debug("criteria: evaluated",
		zap.String("document_id", docID),
		zap.Int("criteria", len(defs)),
	)
	return aligned, usage, nil
}

// criterionQuery builds the retrieval query for one criterion, folding in
// keywords so domain terms steer the search alongside the description.
func criterionQuery(def model.CriterionDefinition) string {
	parts := []string{def.Name}
	if def.Description != "" {
		parts = append(parts, def.Description)
	}
	if len(def.Keywords) > 0 {
		parts = append(parts, strings.Join(def.Keywords, " "))
	}
	return strings.Join(parts, ". ")
}

func validateResults(results []model.CriterionResult, defs []model.CriterionDefinition) error {
	if len(results) != len(defs) {
		return eris.Errorf("criteria: expected %d results, got %d", len(defs), len(results))
	}
	for i, r := range results {
		if !r.Confidence.Valid() {
			return eris.Errorf("criteria: result %d has invalid confidence %q", i, r.Confidence)
		}
	}
	return nil
}
