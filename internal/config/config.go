package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tenderscope/tender-cli/internal/chunker"
	"github.com/tenderscope/tender-cli/internal/cost"
	"github.com/tenderscope/tender-cli/internal/scoring"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Search    SearchConfig    `yaml:"search" mapstructure:"search"`
	Vector    VectorConfig    `yaml:"vector" mapstructure:"vector"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Pricing   cost.Rates      `yaml:"pricing" mapstructure:"pricing"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// SearchConfig holds tender-search service settings.
type SearchConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// VectorConfig holds embedding/vector-store service settings.
type VectorConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key string `yaml:"key" mapstructure:"key"`
	// FilterModel handles the cheap batched relevance filters.
	FilterModel string `yaml:"filter_model" mapstructure:"filter_model"`
	// AnalysisModel handles criteria evaluation and description generation.
	AnalysisModel string `yaml:"analysis_model" mapstructure:"analysis_model"`
	// RequestsPerSecond throttles all LLM calls across workers; 0 disables.
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// ExtractConfig configures the document-extraction service.
type ExtractConfig struct {
	TempDir     string `yaml:"temp_dir" mapstructure:"temp_dir"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// PipelineConfig configures the analysis run.
type PipelineConfig struct {
	// Workers bounds concurrent per-tender stage runners.
	Workers int `yaml:"workers" mapstructure:"workers"`
	// FilterBatchSize is how many candidates go into one AI-filter request.
	FilterBatchSize int `yaml:"filter_batch_size" mapstructure:"filter_batch_size"`
	// MaxChunkTokens is the per-chunk token budget for embedding.
	MaxChunkTokens int `yaml:"max_chunk_tokens" mapstructure:"max_chunk_tokens"`
	// TopK and ScoreThreshold shape vector retrieval per criterion.
	TopK           int     `yaml:"top_k" mapstructure:"top_k"`
	ScoreThreshold float64 `yaml:"score_threshold" mapstructure:"score_threshold"`

	Scoring scoring.Config       `yaml:"scoring" mapstructure:"scoring"`
	Detect  chunker.DetectConfig `yaml:"detect" mapstructure:"detect"`
}

// ServerConfig configures the HTTP trigger server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TENDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "tender.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.filter_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.analysis_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.requests_per_second", 5)
	v.SetDefault("extract.temp_dir", "/tmp/tender-extract")
	v.SetDefault("extract.timeout_secs", 120)
	v.SetDefault("pipeline.workers", 10)
	v.SetDefault("pipeline.filter_batch_size", 20)
	v.SetDefault("pipeline.max_chunk_tokens", chunker.DefaultMaxTokens)
	v.SetDefault("pipeline.top_k", 5)
	v.SetDefault("pipeline.score_threshold", 0.35)
	v.SetDefault("pipeline.scoring.base", 0.40)
	v.SetDefault("pipeline.scoring.weighted", 0.60)
	v.SetDefault("pipeline.detect.header_weight", 3)
	v.SetDefault("pipeline.detect.section_weight", 2)
	v.SetDefault("pipeline.detect.min_sections", 2)
	v.SetDefault("pipeline.detect.registry_weight", 2)
	v.SetDefault("pipeline.detect.threshold", 8)
	v.SetDefault("pricing.embedding.per_mtok", 0.02)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if len(cfg.Pricing.Anthropic) == 0 {
		cfg.Pricing.Anthropic = cost.DefaultRates().Anthropic
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
