package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/tenderscope/tender-cli/internal/config"
	"github.com/tenderscope/tender-cli/internal/model"
	"github.com/tenderscope/tender-cli/pkg/anthropic"
)

const describeSystemPrompt = `You are a procurement analyst summarizing a tender for a sales team. Using the criterion judgments and document excerpts provided, write a short factual description of what is being procured and extract the place of performance if stated. Write in the language requested. Respond with a valid JSON object: {"description": "<3-5 sentence summary>", "location": "<place of performance, or empty string>"}`

// Description is the generated summary attached to a scored tender.
type Description struct {
	Description string `json:"description"`
	Location    string `json:"location"`
}

// GenerateDescription produces the human-readable summary and location for
// a tender from its criterion judgments and the seed excerpt captured during
// extraction. Failures here are soft: the caller keeps the tender and
// records the miss.
func GenerateDescription(ctx context.Context, aiClient anthropic.Client, aiCfg config.AnthropicConfig, analysis *model.Analysis, tender model.CandidateTender, seedText string, results []model.CriterionResult) (*Description, model.TokenUsage, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tender: %s\nOrganization: %s\n", tender.Name, tender.Organization)
	fmt.Fprintf(&sb, "Language: %s\n", analysis.LanguageTag())
	if seed := strings.TrimSpace(seedText); seed != "" {
		fmt.Fprintf(&sb, "\nNotice excerpt:\n%s\n", seed)
	}
	sb.WriteString("\nCriterion judgments:\n")
	for _, r := range results {
		met := "unclear"
		if r.CriteriaMet != nil {
			met = fmt.Sprintf("%t", *r.CriteriaMet)
		}
		fmt.Fprintf(&sb, "- %s (met=%s, confidence=%s): %s\n", r.Criteria, met, r.Confidence, r.Summary)
	}

	resp, err := aiClient.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     aiCfg.AnalysisModel,
		MaxTokens: 2048,
		System:    anthropic.BuildCachedSystemBlocks(describeSystemPrompt),
		Messages:  []anthropic.Message{{Role: "user", Content: sb.String()}},
	})
	if err != nil {
		return nil, model.TokenUsage{}, eris.Wrap(err, "describe: generate")
	}
	usage := usageFromResponse(resp)

	var desc Description
	if err := json.Unmarshal([]byte(cleanJSON(resp.Text())), &desc); err != nil {
		return nil, usage, eris.Wrap(err, "describe: parse response")
	}
	if strings.TrimSpace(desc.Description) == "" {
		return nil, usage, eris.New("describe: empty description")
	}
	return &desc, usage, nil
}
