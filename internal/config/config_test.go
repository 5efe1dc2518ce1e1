package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 10, cfg.Pipeline.Workers)
	assert.Equal(t, 20, cfg.Pipeline.FilterBatchSize)
	assert.Equal(t, 0.40, cfg.Pipeline.Scoring.Base)
	assert.Equal(t, 0.60, cfg.Pipeline.Scoring.Weighted)
	assert.Equal(t, 8, cfg.Pipeline.Detect.Threshold)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.FilterModel)
	assert.NotEmpty(t, cfg.Pricing.Anthropic)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TENDER_PIPELINE_WORKERS", "3")
	t.Setenv("TENDER_ANTHROPIC_KEY", "sk-test")
	t.Setenv("TENDER_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Pipeline.Workers)
	assert.Equal(t, "sk-test", cfg.Anthropic.Key)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.Error(t, InitLogger(LogConfig{Level: "nope"}))
}
