// Package enrich runs the per-client enrichment stage sequence: market
// extraction, registry enrichment, competitor search, lead search, scoring.
// Failure policy is declared per stage and applied by a uniform runner, so
// one flaky provider degrades the client instead of stalling the others.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/marketscope/enrich-cli/internal/identity"
	"github.com/marketscope/enrich-cli/internal/model"
	"github.com/marketscope/enrich-cli/internal/notify"
	"github.com/marketscope/enrich-cli/internal/resilience"
	"github.com/marketscope/enrich-cli/internal/scorer"
	"github.com/marketscope/enrich-cli/internal/store"
	"github.com/marketscope/enrich-cli/pkg/llm"
	"github.com/marketscope/enrich-cli/pkg/registry"
	"github.com/marketscope/enrich-cli/pkg/serp"
)

// Stage names used in logs, failures, and notification titles.
const (
	StageValidation  = "validation"
	StageMarkets     = "markets"
	StageRegistry    = "registry"
	StageCompetitors = "competitors"
	StageLeads       = "leads"
)

// Adapters bundles the three external service clients.
type Adapters struct {
	LLM      llm.Client
	Registry registry.Client
	Search   serp.Client
}

// Timeouts bounds each adapter call independently of the caller's own time
// budget, so one stalled provider cannot consume the whole invocation.
type Timeouts struct {
	LLM      time.Duration
	Registry time.Duration
	Search   time.Duration
}

// DefaultTimeouts returns the per-adapter call deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		LLM:      30 * time.Second,
		Registry: 10 * time.Second,
		Search:   20 * time.Second,
	}
}

// StageFailure records one degraded stage for the outcome report.
type StageFailure struct {
	Stage  string
	Market string
	Err    error
}

// Result is the per-client outcome of one executor run.
type Result struct {
	Outcome  model.Outcome
	Degraded bool
	Failures []StageFailure
}

// LastError returns the most recent stage failure message, for the job's
// last_error field. Empty when nothing degraded.
func (r *Result) LastError() string {
	if len(r.Failures) == 0 {
		return ""
	}
	f := r.Failures[len(r.Failures)-1]
	if f.Market != "" {
		return fmt.Sprintf("%s (%s): %v", f.Stage, f.Market, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Stage, f.Err)
}

// Executor processes one client at a time through the enrichment stages.
type Executor struct {
	store       store.Store
	adapters    Adapters
	sink        notify.Sink
	weights     scorer.Weights
	timeouts    Timeouts
	retry       resilience.RetryConfig
	maxResults  int
	maxParallel int
}

// Option configures the executor.
type Option func(*Executor)

// WithWeights overrides the default scoring weights.
func WithWeights(w scorer.Weights) Option {
	return func(e *Executor) { e.weights = w }
}

// WithTimeouts overrides the per-adapter call deadlines. Zero fields keep
// their defaults.
func WithTimeouts(t Timeouts) Option {
	return func(e *Executor) {
		if t.LLM > 0 {
			e.timeouts.LLM = t.LLM
		}
		if t.Registry > 0 {
			e.timeouts.Registry = t.Registry
		}
		if t.Search > 0 {
			e.timeouts.Search = t.Search
		}
	}
}

// WithRetry overrides the in-stage retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(e *Executor) { e.retry = cfg }
}

// WithSearchLimits caps results per market and parallel market searches.
func WithSearchLimits(maxResults, maxParallel int) Option {
	return func(e *Executor) {
		if maxResults > 0 {
			e.maxResults = maxResults
		}
		if maxParallel > 0 {
			e.maxParallel = maxParallel
		}
	}
}

// New creates an executor. The sink may be nil to disable notifications.
func New(st store.Store, a Adapters, sink notify.Sink, opts ...Option) *Executor {
	e := &Executor{
		store:       st,
		adapters:    a,
		sink:        sink,
		weights:     scorer.DefaultWeights(),
		timeouts:    DefaultTimeouts(),
		retry:       resilience.DefaultRetryConfig(),
		maxResults:  10,
		maxParallel: 3,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// stageState carries intermediate results between the stages of one run.
type stageState struct {
	markets     []model.Market
	competitors []discovery
	leads       []discovery
}

// stageDescriptor names one enrichment stage. requiredForNext stops the
// sequence when the stage fails; otherwise a failure degrades the client
// and the remaining stages still run.
type stageDescriptor struct {
	name            string
	requiredForNext bool
	run             func(ctx context.Context, log *zap.Logger, res *Result, c *model.Client, st *stageState) error
}

func (e *Executor) stages() []stageDescriptor {
	return []stageDescriptor{
		{StageValidation, true, e.runValidation},
		{StageMarkets, true, e.runMarkets},
		{StageRegistry, false, e.runRegistry},
		{StageCompetitors, false, e.runCompetitorSearch},
		{StageLeads, false, e.runLeadSearch},
	}
}

// EnrichOne runs the stage sequence for one client and reports the outcome
// without throwing: adapter and validation failures become part of the
// Result. Only persistence failures return an error, because counters and
// retry depend on storage integrity.
func (e *Executor) EnrichOne(ctx context.Context, c *model.Client) (*Result, error) {
	log := zap.L().With(
		zap.String("client_id", c.ID),
		zap.String("client_name", c.Name),
	)
	res := &Result{Outcome: model.OutcomeSuccess}
	st := &stageState{}

	for _, s := range e.stages() {
		err := s.run(ctx, log, res, c, st)
		if err == nil {
			continue
		}
		if resilience.IsPersistence(err) {
			return nil, err
		}
		e.recordFailure(ctx, log, res, s.name, "", err)
		if !s.requiredForNext {
			continue
		}
		// Only failed outcomes consume a retry attempt.
		res.Outcome = model.OutcomeFailed
		c.Attempts++
		if perr := e.persistClient(ctx, c, model.ClientFailed); perr != nil {
			return nil, perr
		}
		return res, nil
	}

	if err := e.persistDiscoveries(ctx, st.competitors, st.leads); err != nil {
		return nil, err
	}
	c.FitScore = scorer.FitFromCompleteness(profileOf(c), e.weights)
	if err := e.persistClient(ctx, c, model.ClientEnriched); err != nil {
		return nil, err
	}

	if res.Degraded {
		res.Outcome = model.OutcomePartial
	}
	log.Info("enrich: client processed",
		zap.String("outcome", string(res.Outcome)),
		zap.Int("fit_score", c.FitScore),
	)
	return res, nil
}

func (e *Executor) runValidation(_ context.Context, _ *zap.Logger, _ *Result, c *model.Client, _ *stageState) error {
	return model.ValidateClient(c)
}

// runMarkets extracts markets and products and persists them. Markets are
// the prerequisite for everything downstream.
func (e *Executor) runMarkets(ctx context.Context, log *zap.Logger, _ *Result, c *model.Client, st *stageState) error {
	cfg := e.retry
	cfg.OnRetry = resilience.RetryLogger("llm", StageMarkets)
	inf, err := resilience.Do(ctx, cfg, func(ctx context.Context) (*llm.Inference, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.timeouts.LLM)
		defer cancel()
		return e.adapters.LLM.InferMarketsAndProducts(callCtx, llm.InferenceRequest{
			CompanyName:    c.Name,
			PrimaryProduct: c.PrimaryProduct,
		})
	})
	if err != nil {
		return err
	}
	markets, err := e.persistInference(ctx, c, inf)
	if err != nil {
		return err
	}
	st.markets = markets
	log.Info("enrich: markets extracted",
		zap.Int("markets", len(markets)),
		zap.Int("products", len(inf.Products)),
	)
	return nil
}

// runRegistry enriches the client's profile from the company registry. A
// missing record is an answer, not a degradation.
func (e *Executor) runRegistry(ctx context.Context, log *zap.Logger, _ *Result, c *model.Client, _ *stageState) error {
	if c.RegistryID == "" {
		return nil
	}
	cfg := e.retry
	cfg.OnRetry = resilience.RetryLogger("registry", StageRegistry)
	profile, err := resilience.Do(ctx, cfg, func(ctx context.Context) (*registry.CompanyProfile, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.timeouts.Registry)
		defer cancel()
		return e.adapters.Registry.Lookup(callCtx, c.RegistryID)
	})
	if errors.Is(err, registry.ErrNotFound) {
		log.Info("enrich: no registry record", zap.String("registry_id", c.RegistryID))
		return nil
	}
	if err != nil {
		return err
	}
	applyProfile(c, profile)
	return nil
}

// One market's failure must not block the others; searchStage records the
// per-market failures itself, so the stage never fails as a whole.
func (e *Executor) runCompetitorSearch(ctx context.Context, log *zap.Logger, res *Result, _ *model.Client, st *stageState) error {
	st.competitors = e.searchStage(ctx, log, res, StageCompetitors, serp.KindCompetitor, st.markets)
	return nil
}

func (e *Executor) runLeadSearch(ctx context.Context, log *zap.Logger, res *Result, _ *model.Client, st *stageState) error {
	st.leads = e.searchStage(ctx, log, res, StageLeads, serp.KindLead, st.markets)
	return nil
}

// persistInference upserts the extracted markets and products. Products are
// always inserted with the active flag explicitly true.
func (e *Executor) persistInference(ctx context.Context, c *model.Client, inf *llm.Inference) ([]model.Market, error) {
	markets := make([]model.Market, 0, len(inf.Markets))
	for _, im := range inf.Markets {
		merged, err := e.store.UpsertMarket(ctx, &model.Market{
			Hash:         identity.MarketKey(im.Name, im.Segment),
			Name:         im.Name,
			Segment:      im.Segment,
			Players:      im.Players,
			TrendSummary: im.TrendSummary,
		})
		if err != nil {
			return nil, err
		}
		if err := e.store.LinkClientMarket(ctx, c.ID, merged.ID); err != nil {
			return nil, err
		}
		markets = append(markets, *merged)
	}

	for _, ip := range inf.Products {
		err := e.store.UpsertProduct(ctx, &model.Product{
			ClientID:    c.ID,
			Hash:        identity.ProductKey(c.ID, ip.Name),
			Name:        ip.Name,
			Description: ip.Description,
			Active:      true,
		})
		if err != nil {
			return nil, err
		}
	}
	return markets, nil
}

// discovery pairs a candidate with the market it was found in.
type discovery struct {
	market    model.Market
	candidate serp.Candidate
}

// searchStage fans the entity search out across markets with bounded
// parallelism. Per-market failures are collected and reported after the
// whole fan-out settles; persistence happens later, serially.
func (e *Executor) searchStage(ctx context.Context, log *zap.Logger, res *Result, stage string, kind serp.EntityKind, markets []model.Market) []discovery {
	var (
		mu       sync.Mutex
		found    []discovery
		failures []StageFailure
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxParallel)
	for _, m := range markets {
		g.Go(func() error {
			cfg := e.retry
			cfg.OnRetry = resilience.RetryLogger("serp", stage)
			candidates, err := resilience.Do(gctx, cfg, func(ctx context.Context) ([]serp.Candidate, error) {
				callCtx, cancel := context.WithTimeout(ctx, e.timeouts.Search)
				defer cancel()
				return e.adapters.Search.SearchEntities(callCtx, serp.SearchRequest{
					MarketName: m.Name,
					Segment:    m.Segment,
					Kind:       kind,
					MaxResults: e.maxResults,
				})
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, StageFailure{Stage: stage, Market: m.Name, Err: err})
				return nil
			}
			for _, cand := range candidates {
				found = append(found, discovery{market: m, candidate: cand})
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, f := range failures {
		e.recordFailure(ctx, log, res, f.Stage, f.Market, f.Err)
	}
	return found
}

// persistDiscoveries scores and upserts the discovered competitors and leads.
func (e *Executor) persistDiscoveries(ctx context.Context, competitors, leads []discovery) error {
	for _, d := range competitors {
		score := scorer.DiscoveredFit(d.candidate.Name, d.candidate.Product, d.candidate.Website, d.candidate.Description)
		err := e.store.UpsertCompetitor(ctx, &model.Competitor{
			MarketID: d.market.ID,
			Hash:     identity.CompetitorKey(d.market.Hash, d.candidate.Name),
			Name:     d.candidate.Name,
			Product:  d.candidate.Product,
			Website:  d.candidate.Website,
			Score:    score,
			Band:     model.Band(scorer.Classify(score)),
		})
		if err != nil {
			return err
		}
	}

	for _, d := range leads {
		score := scorer.DiscoveredFit(d.candidate.Name, d.candidate.Product, d.candidate.Website, d.candidate.Description)
		err := e.store.UpsertLead(ctx, &model.Lead{
			MarketID: d.market.ID,
			Hash:     identity.LeadKey(d.market.Hash, d.candidate.Name),
			Name:     d.candidate.Name,
			Product:  d.candidate.Product,
			Website:  d.candidate.Website,
			Score:    score,
			Band:     model.Band(scorer.Classify(score)),
			Stage:    model.LeadStageNew,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) persistClient(ctx context.Context, c *model.Client, status model.EnrichmentStatus) error {
	c.Status = status
	return e.store.UpdateClientEnrichment(ctx, c)
}

// recordFailure logs a stage failure with structured context, marks the
// result degraded, and notifies the owner exactly once for this failure.
// The sink call is best-effort and can never mask the original error.
func (e *Executor) recordFailure(ctx context.Context, log *zap.Logger, res *Result, stage, market string, err error) {
	fields := []zap.Field{zap.String("stage", stage), zap.Error(err)}
	if market != "" {
		fields = append(fields, zap.String("market", market))
	}
	log.Warn("enrich: stage failed", fields...)

	res.Degraded = true
	res.Failures = append(res.Failures, StageFailure{Stage: stage, Market: market, Err: err})

	title := notificationTitle(stage)
	if market != "" {
		title = fmt.Sprintf("%s: %s", title, market)
	}
	notify.Best(ctx, e.sink, title, err.Error())
}

func notificationTitle(stage string) string {
	switch stage {
	case StageMarkets:
		return "Market extraction failed"
	case StageRegistry:
		return "Registry lookup failed"
	case StageCompetitors:
		return "Competitor search failed"
	case StageLeads:
		return "Lead search failed"
	default:
		return "Enrichment stage failed"
	}
}

// applyProfile copies registry data onto the client's derived fields.
func applyProfile(c *model.Client, p *registry.CompanyProfile) {
	c.LegalName = p.LegalName
	c.SizeClass = p.SizeClass
	c.RevenueBand = p.RevenueBand
	c.Revenue = p.Revenue
	c.Headcount = p.Headcount
	c.IndustryCode = p.IndustryCode
	if p.Website != "" {
		c.Website = p.Website
	}
}

// profileOf views a client's derived fields as a scoring profile.
func profileOf(c *model.Client) scorer.Profile {
	return scorer.Profile{
		RegistryID:   c.RegistryID,
		SizeClass:    c.SizeClass,
		Revenue:      c.Revenue,
		Headcount:    c.Headcount,
		IndustryCode: c.IndustryCode,
		Website:      c.Website,
	}
}
