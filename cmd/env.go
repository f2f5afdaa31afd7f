package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/marketscope/enrich-cli/internal/config"
	"github.com/marketscope/enrich-cli/internal/enrich"
	"github.com/marketscope/enrich-cli/internal/job"
	"github.com/marketscope/enrich-cli/internal/notify"
	"github.com/marketscope/enrich-cli/internal/scorer"
	"github.com/marketscope/enrich-cli/internal/store"
	"github.com/marketscope/enrich-cli/pkg/llm"
	"github.com/marketscope/enrich-cli/pkg/registry"
	"github.com/marketscope/enrich-cli/pkg/serp"
)

// appEnv holds the initialized store, executor, and job machine shared by
// the advance/work/serve commands.
type appEnv struct {
	Store   store.Store
	Machine *job.Machine
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the configured backend.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.New(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv builds the full pipeline environment. Callers should defer
// env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.LLM.Key == "" {
		_ = st.Close()
		return nil, eris.New("llm API key is required (ENRICH_LLM_KEY)")
	}

	weights, err := scorer.LoadWeights(cfg.Scoring.WeightsFile)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "load scoring weights")
	}

	llmOpts := []llm.Option{}
	if cfg.LLM.Model != "" {
		llmOpts = append(llmOpts, llm.WithModel(cfg.LLM.Model))
	}
	if cfg.LLM.MaxTokens > 0 {
		llmOpts = append(llmOpts, llm.WithMaxTokens(cfg.LLM.MaxTokens))
	}

	registryOpts := []registry.Option{registry.WithRateLimit(cfg.Registry.RatePerSec)}
	if cfg.Registry.BaseURL != "" {
		registryOpts = append(registryOpts, registry.WithBaseURL(cfg.Registry.BaseURL))
	}

	if cfg.Search.BaseURL == "" {
		_ = st.Close()
		return nil, eris.New("search base URL is required (ENRICH_SEARCH_BASE_URL)")
	}

	adapters := enrich.Adapters{
		LLM:      llm.NewClient(cfg.LLM.Key, llmOpts...),
		Registry: registry.NewClient(cfg.Registry.Key, registryOpts...),
		Search:   serp.NewClient(cfg.Search.BaseURL, cfg.Search.Key, serp.WithRateLimit(cfg.Search.RatePerSec)),
	}

	sink := notify.NewWebhook(cfg.Notify)
	if cfg.Notify.WebhookURL == "" {
		zap.L().Debug("ENRICH_NOTIFY_WEBHOOK_URL not set, notifications disabled")
	}

	exec := enrich.New(st, adapters, sink,
		enrich.WithWeights(weights),
		enrich.WithTimeouts(enrich.Timeouts{
			LLM:      config.Timeout(cfg.LLM.TimeoutSecs),
			Registry: config.Timeout(cfg.Registry.TimeoutSecs),
			Search:   config.Timeout(cfg.Search.TimeoutSecs),
		}),
		enrich.WithSearchLimits(cfg.Search.MaxResults, cfg.Search.MaxParallel),
	)

	return &appEnv{
		Store:   st,
		Machine: job.NewMachine(st, exec, sink, cfg.Job.MaxAttempts),
	}, nil
}
