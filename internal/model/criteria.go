package model

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// DefaultCriterionWeight is applied when a criterion definition omits its weight.
const DefaultCriterionWeight = 3

// Confidence is the evaluator's certainty level for a single criterion judgment.
type Confidence string

const (
	ConfidenceLow    Confidence = "LOW"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceHigh   Confidence = "HIGH"
)

// Valid reports whether c is one of the three recognized confidence levels.
func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return true
	}
	return false
}

// CriterionDefinition is a named, weighted evaluation question applied to a
// tender's extracted text. Definitions are immutable once an analysis run
// starts; Normalize must be called at load time, not at call sites.
type CriterionDefinition struct {
	Name             string   `json:"name" yaml:"name"`
	Description      string   `json:"description" yaml:"description"`
	Weight           *int     `json:"weight,omitempty" yaml:"weight,omitempty"`
	IsDisqualifying  bool     `json:"is_disqualifying" yaml:"is_disqualifying"`
	ExcludeFromScore bool     `json:"exclude_from_score" yaml:"exclude_from_score"`
	Instruction      string   `json:"instruction,omitempty" yaml:"instruction,omitempty"`
	Subcriteria      []string `json:"subcriteria,omitempty" yaml:"subcriteria,omitempty"`
	Keywords         []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

// EffectiveWeight returns the criterion weight, defaulting when omitted.
func (d CriterionDefinition) EffectiveWeight() int {
	if d.Weight == nil {
		return DefaultCriterionWeight
	}
	return *d.Weight
}

// NormalizeCriteria fills defaults on a freshly loaded definition list so
// downstream code never checks optional fields ad hoc.
func NormalizeCriteria(defs []CriterionDefinition) []CriterionDefinition {
	out := make([]CriterionDefinition, len(defs))
	for i, d := range defs {
		if d.Weight == nil {
			w := DefaultCriterionWeight
			d.Weight = &w
		}
		out[i] = d
	}
	return out
}

// LoadCriteriaFile reads criterion definitions from a YAML file and applies
// defaults.
func LoadCriteriaFile(path string) ([]CriterionDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "model: read criteria file")
	}
	var defs []CriterionDefinition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, eris.Wrap(err, "model: parse criteria file")
	}
	return NormalizeCriteria(defs), nil
}

// CriterionResult is the evaluator's judgment for one criterion on one tender.
// Criteria must equal the originating CriterionDefinition.Name; the pipeline
// realigns it positionally when the generative step paraphrases the name.
type CriterionResult struct {
	Criteria    string     `json:"criteria"`
	Summary     string     `json:"summary"`
	Confidence  Confidence `json:"confidence"`
	CriteriaMet *bool      `json:"criteria_met"`
}

// EffectiveMet resolves the boolean judgment, using high confidence as the
// fallback when the evaluator omitted an explicit criteria_met.
func (r CriterionResult) EffectiveMet() bool {
	if r.CriteriaMet != nil {
		return *r.CriteriaMet
	}
	return r.Confidence == ConfidenceHigh
}
