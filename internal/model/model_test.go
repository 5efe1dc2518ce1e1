package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func TestLanguageTag(t *testing.T) {
	assert.Equal(t, language.Polish, Analysis{Language: "pl"}.LanguageTag())
	assert.Equal(t, language.English, Analysis{}.LanguageTag())
	assert.Equal(t, language.English, Analysis{Language: "not-a-tag!"}.LanguageTag())
}

func TestNormalizeCriteriaDefaultsWeight(t *testing.T) {
	five := 5
	defs := NormalizeCriteria([]CriterionDefinition{
		{Name: "a"},
		{Name: "b", Weight: &five},
	})
	require.Len(t, defs, 2)
	assert.Equal(t, DefaultCriterionWeight, *defs[0].Weight)
	assert.Equal(t, 5, *defs[1].Weight)
	assert.Equal(t, DefaultCriterionWeight, defs[0].EffectiveWeight())
}

func TestLoadCriteriaFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "criteria.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- name: Road construction scope
  description: Is the tender about building roads?
  weight: 5
- name: Region
  is_disqualifying: true
`), 0o644))

	defs, err := LoadCriteriaFile(path)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, 5, defs[0].EffectiveWeight())
	assert.True(t, defs[1].IsDisqualifying)
	assert.Equal(t, DefaultCriterionWeight, defs[1].EffectiveWeight())
}

func TestLoadCriteriaFileMissing(t *testing.T) {
	_, err := LoadCriteriaFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestEffectiveMet(t *testing.T) {
	met := true
	assert.True(t, CriterionResult{CriteriaMet: &met}.EffectiveMet())
	assert.True(t, CriterionResult{Confidence: ConfidenceHigh}.EffectiveMet())
	assert.False(t, CriterionResult{Confidence: ConfidenceMedium}.EffectiveMet())
}

func TestConfidenceValid(t *testing.T) {
	assert.True(t, ConfidenceLow.Valid())
	assert.False(t, Confidence("VERY HIGH").Valid())
}

func TestTokenUsageAddTotal(t *testing.T) {
	u := TokenUsage{InputTokens: 10, OutputTokens: 5}
	u.Add(TokenUsage{InputTokens: 1, OutputTokens: 2, CacheReadTokens: 3})
	assert.Equal(t, 11, u.InputTokens)
	assert.Equal(t, 7, u.OutputTokens)
	assert.Equal(t, 3, u.CacheReadTokens)
	assert.Equal(t, 18, u.Total())
}
