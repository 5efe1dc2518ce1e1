package model

import (
	"time"

	"golang.org/x/text/language"
)

// Analysis is a buyer's saved analysis configuration: what to search for,
// how to judge relevance, and in which language to report.
type Analysis struct {
	ID             string                `json:"id" yaml:"id"`
	Name           string                `json:"name" yaml:"name"`
	SearchPhrase   string                `json:"search_phrase" yaml:"search_phrase"`
	CompanyProfile string                `json:"company_profile" yaml:"company_profile"`
	Criteria       []CriterionDefinition `json:"criteria" yaml:"criteria"`
	Sources        []string              `json:"sources" yaml:"sources"`
	FilteringRules string                `json:"filtering_rules,omitempty" yaml:"filtering_rules,omitempty"`
	Language       string                `json:"language" yaml:"language"`
	LastRun        *time.Time            `json:"last_run,omitempty" yaml:"last_run,omitempty"`
	CreatedAt      time.Time             `json:"created_at" yaml:"created_at,omitempty"`
	UpdatedAt      time.Time             `json:"updated_at" yaml:"updated_at,omitempty"`
}

// LanguageTag parses the configured target language, defaulting to English
// when unset or malformed.
func (a Analysis) LanguageTag() language.Tag {
	if a.Language == "" {
		return language.English
	}
	tag, err := language.Parse(a.Language)
	if err != nil {
		return language.English
	}
	return tag
}

// RunStatus tracks an analysis run through its lifecycle.
type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusFiltering  RunStatus = "filtering"
	RunStatusAnalyzing  RunStatus = "analyzing"
	RunStatusDescribing RunStatus = "describing"
	RunStatusComplete   RunStatus = "complete"
	RunStatusFailed     RunStatus = "failed"
)

// Run is one execution of an analysis configuration.
type Run struct {
	ID         string      `json:"id"`
	AnalysisID string      `json:"analysis_id"`
	Status     RunStatus   `json:"status"`
	Summary    *RunSummary `json:"summary,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// RunSummary is the caller-visible funnel for one run: how many candidates
// entered and how many survived each gate.
type RunSummary struct {
	TotalCandidates     int        `json:"total_candidates"`
	InitialFilterPassed int        `json:"initial_filter_passed"`
	PipelineSucceeded   int        `json:"pipeline_succeeded"`
	DescriptionPassed   int        `json:"description_passed"`
	Persisted           int        `json:"persisted"`
	TotalTokens         int        `json:"total_tokens"`
	EstimatedCostUSD    float64    `json:"estimated_cost_usd"`
	Usage               TokenUsage `json:"usage"`
}
