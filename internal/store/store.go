// Package store persists enrichment entities and job progress. All entity
// writes are idempotent upserts keyed by identity hashes, so overlapping
// trigger invocations converge on the same rows instead of colliding.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/marketscope/enrich-cli/internal/config"
	"github.com/marketscope/enrich-cli/internal/model"
)

// Store defines the persistence interface for the enrichment pipeline.
// Implementations return resilience.PersistenceError for infrastructure
// failures; "no such row" getters return (nil, nil).
type Store interface {
	// Clients
	GetClient(ctx context.Context, id string) (*model.Client, error)
	ClientAt(ctx context.Context, runID string, offset int) (*model.Client, error)
	CreateClients(ctx context.Context, clients []model.Client) (int, error)
	UpdateClientEnrichment(ctx context.Context, c *model.Client) error

	// Markets and links
	UpsertMarket(ctx context.Context, m *model.Market) (*model.Market, error)
	LinkClientMarket(ctx context.Context, clientID, marketID string) error
	ListClientMarkets(ctx context.Context, clientID string) ([]model.Market, error)

	// Discovered entities
	UpsertProduct(ctx context.Context, p *model.Product) error
	UpsertCompetitor(ctx context.Context, c *model.Competitor) error
	UpsertLead(ctx context.Context, l *model.Lead) error

	// Jobs
	CreateJob(ctx context.Context, job *model.EnrichmentJob) error
	GetJob(ctx context.Context, id string) (*model.EnrichmentJob, error)
	NextActiveJob(ctx context.Context) (*model.EnrichmentJob, error)
	ListJobs(ctx context.Context, limit int) ([]model.EnrichmentJob, error)
	TransitionJob(ctx context.Context, id string, from, to model.JobStatus) (bool, error)
	RecordOutcome(ctx context.Context, jobID string, expectedProcessed int, outcome model.Outcome, lastClientID, lastError string) (bool, error)

	// Research-run summary propagation
	SaveRunSummary(ctx context.Context, runID string, summary []byte) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// New creates a Store from config, selecting the backend by driver.
func New(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(ctx, cfg)
	case "sqlite":
		return NewSQLite(cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
