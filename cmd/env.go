package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/tenderscope/tender-cli/internal/extract"
	"github.com/tenderscope/tender-cli/internal/pipeline"
	"github.com/tenderscope/tender-cli/internal/store"
	anthropicpkg "github.com/tenderscope/tender-cli/pkg/anthropic"
	"github.com/tenderscope/tender-cli/pkg/search"
	"github.com/tenderscope/tender-cli/pkg/vector"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "tender.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// pipelineEnv holds the initialized store, clients, and pipeline shared by
// the run and serve commands.
type pipelineEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
	extract  *extract.Service
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.extract != nil {
		pe.extract.Shutdown()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline sets up the store and all API clients and builds the
// Pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	var anthropicOpts []anthropicpkg.Option
	if cfg.Anthropic.RequestsPerSecond > 0 {
		limiter := rate.NewLimiter(rate.Limit(cfg.Anthropic.RequestsPerSecond), max(int(cfg.Anthropic.RequestsPerSecond), 1))
		anthropicOpts = append(anthropicOpts, anthropicpkg.WithRateLimiter(limiter))
	}
	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key, anthropicOpts...)
	searchClient := search.NewClient(cfg.Search.Key, cfg.Search.BaseURL)
	vectorClient := vector.NewClient(cfg.Vector.Key, cfg.Vector.BaseURL)

	fetcher := extract.NewHTTPFetcher(extract.HTTPOptions{})
	extractSvc, err := extract.New(fetcher, cfg.Extract.TempDir, time.Duration(cfg.Extract.TimeoutSecs)*time.Second)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init extract service")
	}

	p := pipeline.New(cfg, pipeline.Deps{
		Store:     st,
		Search:    searchClient,
		Vector:    vectorClient,
		AI:        anthropicClient,
		Extractor: extractSvc,
	})

	return &pipelineEnv{Store: st, Pipeline: p, extract: extractSvc}, nil
}
