// Package scoring turns per-criterion judgments into one normalized
// relevance score.
package scoring

import (
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tenderscope/tender-cli/internal/model"
)

// ErrNoScorableWeight is returned when the non-excluded criteria carry zero
// total weight. This is a configuration error and aborts the run before any
// tender is processed.
var ErrNoScorableWeight = eris.New("scoring: total scorable criteria weight is zero")

// Config splits the final score between a fixed base and the
// weight-proportional part. The 0.40/0.60 split is hand-tuned; it is kept
// configurable rather than hard-coded at call sites.
type Config struct {
	Base     float64 `yaml:"base" mapstructure:"base"`
	Weighted float64 `yaml:"weighted" mapstructure:"weighted"`
}

// DefaultConfig returns the standard 0.40 base / 0.60 weighted split.
func DefaultConfig() Config {
	return Config{Base: 0.40, Weighted: 0.60}
}

// Validate fails fast when the definition set cannot produce a score.
// Call it before starting a run.
func Validate(defs []model.CriterionDefinition) error {
	if totalScorableWeight(defs) <= 0 {
		return ErrNoScorableWeight
	}
	return nil
}

// Score computes the relevance score in [0,1] from criterion results and
// their definitions using the default config. Deterministic for identical
// inputs.
func Score(results []model.CriterionResult, defs []model.CriterionDefinition) (float64, error) {
	return ScoreWithConfig(results, defs, DefaultConfig())
}

// ScoreWithConfig computes base + (achieved/total)*weighted, rounded to two
// decimal places. Results without a matching non-excluded definition are
// ignored for scoring but remain stored for display.
func ScoreWithConfig(results []model.CriterionResult, defs []model.CriterionDefinition, cfg Config) (float64, error) {
	totalWeight := totalScorableWeight(defs)
	if totalWeight <= 0 {
		return 0, ErrNoScorableWeight
	}

	weights := make(map[string]int, len(defs))
	for _, d := range defs {
		if d.ExcludeFromScore {
			continue
		}
		weights[d.Name] = d.EffectiveWeight()
	}

	achieved := 0
	for _, r := range results {
		w, ok := weights[r.Criteria]
		if !ok {
			continue
		}
		if r.EffectiveMet() {
			achieved += w
		}
	}

	score := cfg.Base + (float64(achieved)/float64(totalWeight))*cfg.Weighted
	return math.Round(score*100) / 100, nil
}

// Align overwrites each result's criteria name with the canonical definition
// name by position. Correlation by name is unreliable after the evaluator's
// generative step paraphrases it; mismatches are logged, not failed.
func Align(results []model.CriterionResult, defs []model.CriterionDefinition) []model.CriterionResult {
	n := len(results)
	if len(defs) < n {
		n = len(defs)
	}
	aligned := make([]model.CriterionResult, len(results))
	copy(aligned, results)
	for i := 0; i < n; i++ {
		if aligned[i].Criteria == defs[i].Name {
			continue
		}
		zap.L().Warn("scoring: criterion name mismatch, realigning positionally",
			zap.Int("position", i),
			zap.String("returned", aligned[i].Criteria),
			zap.String("canonical", defs[i].Name),
		)
		aligned[i].Criteria = defs[i].Name
	}
	if len(results) > len(defs) {
		zap.L().Warn("scoring: more results than definitions",
			zap.Int("results", len(results)),
			zap.Int("definitions", len(defs)),
		)
	}
	return aligned
}

func totalScorableWeight(defs []model.CriterionDefinition) int {
	total := 0
	for _, d := range defs {
		if d.ExcludeFromScore {
			continue
		}
		total += d.EffectiveWeight()
	}
	return total
}
