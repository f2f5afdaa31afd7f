package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/marketscope/enrich-cli/internal/config"
	"github.com/marketscope/enrich-cli/internal/db"
	"github.com/marketscope/enrich-cli/internal/model"
	"github.com/marketscope/enrich-cli/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, cfg config.StoreConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if cfg.MaxConns > 0 {
		maxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		minConns = cfg.MinConns
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS clients (
	id              TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL,
	project_id      TEXT NOT NULL DEFAULT '',
	name            TEXT NOT NULL,
	registry_id     TEXT NOT NULL DEFAULT '',
	primary_product TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'pending',
	attempts        INT NOT NULL DEFAULT 0,
	legal_name      TEXT NOT NULL DEFAULT '',
	size_class      TEXT NOT NULL DEFAULT '',
	revenue_band    TEXT NOT NULL DEFAULT '',
	revenue         BIGINT,
	headcount       INT,
	industry_code   TEXT NOT NULL DEFAULT '',
	website         TEXT NOT NULL DEFAULT '',
	fit_score       INT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS markets (
	id            TEXT PRIMARY KEY,
	hash          TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL,
	segment       TEXT NOT NULL DEFAULT '',
	players       JSONB NOT NULL DEFAULT '[]',
	trend_summary TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS client_markets (
	client_id TEXT NOT NULL REFERENCES clients(id),
	market_id TEXT NOT NULL REFERENCES markets(id),
	PRIMARY KEY (client_id, market_id)
);

CREATE TABLE IF NOT EXISTS products (
	id          TEXT PRIMARY KEY,
	client_id   TEXT NOT NULL REFERENCES clients(id),
	hash        TEXT NOT NULL UNIQUE,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS competitors (
	id         TEXT PRIMARY KEY,
	market_id  TEXT NOT NULL REFERENCES markets(id),
	hash       TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	product    TEXT NOT NULL DEFAULT '',
	website    TEXT NOT NULL DEFAULT '',
	score      INT NOT NULL DEFAULT 0,
	band       TEXT NOT NULL DEFAULT 'poor',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS leads (
	id                TEXT PRIMARY KEY,
	market_id         TEXT NOT NULL REFERENCES markets(id),
	hash              TEXT NOT NULL UNIQUE,
	name              TEXT NOT NULL,
	product           TEXT NOT NULL DEFAULT '',
	website           TEXT NOT NULL DEFAULT '',
	score             INT NOT NULL DEFAULT 0,
	band              TEXT NOT NULL DEFAULT 'poor',
	stage             TEXT NOT NULL DEFAULT 'new',
	conversion_prob   DOUBLE PRECISION,
	potential_revenue BIGINT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS enrichment_jobs (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	total          INT NOT NULL,
	processed      INT NOT NULL DEFAULT 0,
	success        INT NOT NULL DEFAULT 0,
	failed         INT NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'pending',
	last_client_id TEXT NOT NULL DEFAULT '',
	last_error     TEXT NOT NULL DEFAULT '',
	started_at     TIMESTAMPTZ,
	paused_at      TIMESTAMPTZ,
	completed_at   TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_summaries (
	run_id     TEXT PRIMARY KEY,
	summary    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_clients_run_order ON clients(run_id, created_at, id);
CREATE INDEX IF NOT EXISTS idx_products_client ON products(client_id);
CREATE INDEX IF NOT EXISTS idx_competitors_market ON competitors(market_id);
CREATE INDEX IF NOT EXISTS idx_leads_market ON leads(market_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON enrichment_jobs(status, created_at);
`

// Migrate creates the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return resilience.NewPersistenceError("migrate", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const clientColumns = `id, run_id, project_id, name, registry_id, primary_product, status, attempts,
	legal_name, size_class, revenue_band, revenue, headcount, industry_code, website, fit_score,
	created_at, updated_at`

func scanClient(row pgx.Row) (*model.Client, error) {
	var c model.Client
	err := row.Scan(
		&c.ID, &c.RunID, &c.ProjectID, &c.Name, &c.RegistryID, &c.PrimaryProduct, &c.Status, &c.Attempts,
		&c.LegalName, &c.SizeClass, &c.RevenueBand, &c.Revenue, &c.Headcount, &c.IndustryCode, &c.Website, &c.FitScore,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) GetClient(ctx context.Context, id string) (*model.Client, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = $1`, id)
	c, err := scanClient(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, resilience.NewPersistenceError("get_client", err)
	}
	return c, nil
}

// ClientAt returns the client at the given offset in the run's stable
// processing order, or nil past the end.
func (s *PostgresStore) ClientAt(ctx context.Context, runID string, offset int) (*model.Client, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE run_id = $1 ORDER BY created_at, id OFFSET $2 LIMIT 1`,
		runID, offset,
	)
	c, err := scanClient(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, resilience.NewPersistenceError("client_at", err)
	}
	return c, nil
}

// CreateClients bulk-inserts imported clients via COPY.
func (s *PostgresStore) CreateClients(ctx context.Context, clients []model.Client) (int, error) {
	now := time.Now().UTC()
	rows := make([][]any, len(clients))
	for i, c := range clients {
		id := c.ID
		if id == "" {
			id = uuid.New().String()
		}
		rows[i] = []any{
			id, c.RunID, c.ProjectID, c.Name, c.RegistryID, c.PrimaryProduct,
			string(model.ClientPending), 0, now, now,
		}
	}

	n, err := db.CopyFrom(ctx, s.pool, "clients",
		[]string{"id", "run_id", "project_id", "name", "registry_id", "primary_product", "status", "attempts", "created_at", "updated_at"},
		rows,
	)
	if err != nil {
		return 0, resilience.NewPersistenceError("create_clients", err)
	}
	return int(n), nil
}

func (s *PostgresStore) UpdateClientEnrichment(ctx context.Context, c *model.Client) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE clients SET status = $1, attempts = $2, legal_name = $3, size_class = $4,
			revenue_band = $5, revenue = $6, headcount = $7, industry_code = $8, website = $9,
			fit_score = $10, updated_at = now()
		WHERE id = $11`,
		string(c.Status), c.Attempts, c.LegalName, c.SizeClass,
		c.RevenueBand, c.Revenue, c.Headcount, c.IndustryCode, c.Website,
		c.FitScore, c.ID,
	)
	if err != nil {
		return resilience.NewPersistenceError("update_client", err)
	}
	return nil
}

// UpsertMarket inserts a market or merges into the existing row with the
// same hash, refreshing player list and trend text on rediscovery.
func (s *PostgresStore) UpsertMarket(ctx context.Context, m *model.Market) (*model.Market, error) {
	playersJSON, err := json.Marshal(m.Players)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal players")
	}

	id := m.ID
	if id == "" {
		id = uuid.New().String()
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO markets (id, hash, name, segment, players, trend_summary)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (hash) DO UPDATE SET
			players = EXCLUDED.players,
			trend_summary = CASE WHEN EXCLUDED.trend_summary <> '' THEN EXCLUDED.trend_summary ELSE markets.trend_summary END,
			updated_at = now()
		RETURNING id, hash, name, segment, players, trend_summary, created_at, updated_at`,
		id, m.Hash, m.Name, m.Segment, playersJSON, m.TrendSummary,
	)

	var out model.Market
	var players []byte
	if err := row.Scan(&out.ID, &out.Hash, &out.Name, &out.Segment, &players, &out.TrendSummary, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return nil, resilience.NewPersistenceError("upsert_market", err)
	}
	if err := json.Unmarshal(players, &out.Players); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal players")
	}
	return &out, nil
}

func (s *PostgresStore) LinkClientMarket(ctx context.Context, clientID, marketID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO client_markets (client_id, market_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		clientID, marketID,
	)
	if err != nil {
		return resilience.NewPersistenceError("link_client_market", err)
	}
	return nil
}

func (s *PostgresStore) ListClientMarkets(ctx context.Context, clientID string) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT m.id, m.hash, m.name, m.segment, m.players, m.trend_summary, m.created_at, m.updated_at
		FROM markets m JOIN client_markets cm ON cm.market_id = m.id
		WHERE cm.client_id = $1 ORDER BY m.created_at, m.id`,
		clientID,
	)
	if err != nil {
		return nil, resilience.NewPersistenceError("list_client_markets", err)
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		var m model.Market
		var players []byte
		if err := rows.Scan(&m.ID, &m.Hash, &m.Name, &m.Segment, &players, &m.TrendSummary, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, resilience.NewPersistenceError("list_client_markets", err)
		}
		if err := json.Unmarshal(players, &m.Players); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal players")
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, resilience.NewPersistenceError("list_client_markets", err)
	}
	return markets, nil
}

// UpsertProduct inserts a product line; rediscovery of an existing hash is a
// no-op so a manually deactivated product stays deactivated.
func (s *PostgresStore) UpsertProduct(ctx context.Context, p *model.Product) error {
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO products (id, client_id, hash, name, description, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (hash) DO NOTHING`,
		id, p.ClientID, p.Hash, p.Name, p.Description, p.Active,
	)
	if err != nil {
		return resilience.NewPersistenceError("upsert_product", err)
	}
	return nil
}

func (s *PostgresStore) UpsertCompetitor(ctx context.Context, c *model.Competitor) error {
	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO competitors (id, market_id, hash, name, product, website, score, band)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (hash) DO UPDATE SET
			product = EXCLUDED.product,
			website = EXCLUDED.website,
			score = EXCLUDED.score,
			band = EXCLUDED.band,
			updated_at = now()`,
		id, c.MarketID, c.Hash, c.Name, c.Product, c.Website, c.Score, string(c.Band),
	)
	if err != nil {
		return resilience.NewPersistenceError("upsert_competitor", err)
	}
	return nil
}

// UpsertLead merges rediscovered leads by hash. The sales-pipeline stage
// belongs to the CRUD application and is never touched here.
func (s *PostgresStore) UpsertLead(ctx context.Context, l *model.Lead) error {
	id := l.ID
	if id == "" {
		id = uuid.New().String()
	}
	stage := l.Stage
	if stage == "" {
		stage = model.LeadStageNew
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO leads (id, market_id, hash, name, product, website, score, band, stage, conversion_prob, potential_revenue)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (hash) DO UPDATE SET
			product = EXCLUDED.product,
			website = EXCLUDED.website,
			score = EXCLUDED.score,
			band = EXCLUDED.band,
			conversion_prob = EXCLUDED.conversion_prob,
			potential_revenue = EXCLUDED.potential_revenue,
			updated_at = now()`,
		id, l.MarketID, l.Hash, l.Name, l.Product, l.Website, l.Score, string(l.Band), string(stage), l.ConversionProb, l.PotentialRevenue,
	)
	if err != nil {
		return resilience.NewPersistenceError("upsert_lead", err)
	}
	return nil
}

const jobColumns = `id, run_id, total, processed, success, failed, status, last_client_id, last_error,
	started_at, paused_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*model.EnrichmentJob, error) {
	var j model.EnrichmentJob
	err := row.Scan(
		&j.ID, &j.RunID, &j.Total, &j.Processed, &j.Success, &j.Failed, &j.Status, &j.LastClientID, &j.LastError,
		&j.StartedAt, &j.PausedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.EnrichmentJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = model.JobPending
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO enrichment_jobs (id, run_id, total, status) VALUES ($1, $2, $3, $4)`,
		job.ID, job.RunID, job.Total, string(job.Status),
	)
	if err != nil {
		return resilience.NewPersistenceError("create_job", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.EnrichmentJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM enrichment_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, resilience.NewPersistenceError("get_job", err)
	}
	return j, nil
}

// NextActiveJob returns the oldest job still making progress: running jobs
// first, then pending ones awaiting their first tick.
func (s *PostgresStore) NextActiveJob(ctx context.Context) (*model.EnrichmentJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM enrichment_jobs WHERE status IN ('running', 'pending')
		ORDER BY CASE status WHEN 'running' THEN 0 ELSE 1 END, created_at LIMIT 1`,
	)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, resilience.NewPersistenceError("next_active_job", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, limit int) ([]model.EnrichmentJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM enrichment_jobs ORDER BY created_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, resilience.NewPersistenceError("list_jobs", err)
	}
	defer rows.Close()

	var jobs []model.EnrichmentJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, resilience.NewPersistenceError("list_jobs", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, resilience.NewPersistenceError("list_jobs", err)
	}
	return jobs, nil
}

// TransitionJob performs a compare-and-swap status change, stamping the
// lifecycle timestamp for the target status. Returns false when the job was
// not in the expected source status (some other invocation won the race).
func (s *PostgresStore) TransitionJob(ctx context.Context, id string, from, to model.JobStatus) (bool, error) {
	var stamp string
	switch to {
	case model.JobRunning:
		stamp = `started_at = COALESCE(started_at, now()), paused_at = NULL,`
	case model.JobPaused:
		stamp = `paused_at = now(),`
	case model.JobCompleted, model.JobFailed, model.JobCancelled:
		stamp = `completed_at = now(),`
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE enrichment_jobs SET status = $1, `+stamp+` updated_at = now() WHERE id = $2 AND status = $3`,
		string(to), id, string(from),
	)
	if err != nil {
		return false, resilience.NewPersistenceError("transition_job", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordOutcome atomically folds one client outcome into the job counters.
// The compare-and-swap on processed guards against two overlapping triggers
// counting the same client twice.
func (s *PostgresStore) RecordOutcome(ctx context.Context, jobID string, expectedProcessed int, outcome model.Outcome, lastClientID, lastError string) (bool, error) {
	successInc, failedInc := 0, 1
	if outcome.CountsAsSuccess() {
		successInc, failedInc = 1, 0
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE enrichment_jobs SET
			processed = processed + 1,
			success = success + $1,
			failed = failed + $2,
			last_client_id = $3,
			last_error = $4,
			updated_at = now()
		WHERE id = $5 AND processed = $6 AND status = 'running'`,
		successInc, failedInc, lastClientID, lastError, jobID, expectedProcessed,
	)
	if err != nil {
		return false, resilience.NewPersistenceError("record_outcome", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) SaveRunSummary(ctx context.Context, runID string, summary []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_summaries (run_id, summary) VALUES ($1, $2)
		ON CONFLICT (run_id) DO UPDATE SET summary = EXCLUDED.summary, updated_at = now()`,
		runID, summary,
	)
	if err != nil {
		return resilience.NewPersistenceError("save_run_summary", err)
	}
	return nil
}
