package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/marketscope/enrich-cli/internal/model"
	"github.com/marketscope/enrich-cli/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite for local runs.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS clients (
	id              TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL,
	project_id      TEXT NOT NULL DEFAULT '',
	name            TEXT NOT NULL,
	registry_id     TEXT NOT NULL DEFAULT '',
	primary_product TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'pending',
	attempts        INTEGER NOT NULL DEFAULT 0,
	legal_name      TEXT NOT NULL DEFAULT '',
	size_class      TEXT NOT NULL DEFAULT '',
	revenue_band    TEXT NOT NULL DEFAULT '',
	revenue         INTEGER,
	headcount       INTEGER,
	industry_code   TEXT NOT NULL DEFAULT '',
	website         TEXT NOT NULL DEFAULT '',
	fit_score       INTEGER NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS markets (
	id            TEXT PRIMARY KEY,
	hash          TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL,
	segment       TEXT NOT NULL DEFAULT '',
	players       TEXT NOT NULL DEFAULT '[]',
	trend_summary TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
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
	active      INTEGER NOT NULL DEFAULT 1,
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS competitors (
	id         TEXT PRIMARY KEY,
	market_id  TEXT NOT NULL REFERENCES markets(id),
	hash       TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	product    TEXT NOT NULL DEFAULT '',
	website    TEXT NOT NULL DEFAULT '',
	score      INTEGER NOT NULL DEFAULT 0,
	band       TEXT NOT NULL DEFAULT 'poor',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS leads (
	id                TEXT PRIMARY KEY,
	market_id         TEXT NOT NULL REFERENCES markets(id),
	hash              TEXT NOT NULL UNIQUE,
	name              TEXT NOT NULL,
	product           TEXT NOT NULL DEFAULT '',
	website           TEXT NOT NULL DEFAULT '',
	score             INTEGER NOT NULL DEFAULT 0,
	band              TEXT NOT NULL DEFAULT 'poor',
	stage             TEXT NOT NULL DEFAULT 'new',
	conversion_prob   REAL,
	potential_revenue INTEGER,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS enrichment_jobs (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	total          INTEGER NOT NULL,
	processed      INTEGER NOT NULL DEFAULT 0,
	success        INTEGER NOT NULL DEFAULT 0,
	failed         INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'pending',
	last_client_id TEXT NOT NULL DEFAULT '',
	last_error     TEXT NOT NULL DEFAULT '',
	started_at     DATETIME,
	paused_at      DATETIME,
	completed_at   DATETIME,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS run_summaries (
	run_id     TEXT PRIMARY KEY,
	summary    TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_clients_run_order ON clients(run_id, created_at, id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON enrichment_jobs(status, created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return resilience.NewPersistenceError("migrate", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// row abstracts *sql.Row and *sql.Rows for the scan helpers.
type row interface {
	Scan(dest ...any) error
}

func scanClientSQLite(r row) (*model.Client, error) {
	var c model.Client
	err := r.Scan(
		&c.ID, &c.RunID, &c.ProjectID, &c.Name, &c.RegistryID, &c.PrimaryProduct, &c.Status, &c.Attempts,
		&c.LegalName, &c.SizeClass, &c.RevenueBand, &c.Revenue, &c.Headcount, &c.IndustryCode, &c.Website, &c.FitScore,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) GetClient(ctx context.Context, id string) (*model.Client, error) {
	r := s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = ?`, id)
	c, err := scanClientSQLite(r)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, resilience.NewPersistenceError("get_client", err)
	}
	return c, nil
}

func (s *SQLiteStore) ClientAt(ctx context.Context, runID string, offset int) (*model.Client, error) {
	r := s.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE run_id = ? ORDER BY created_at, id LIMIT 1 OFFSET ?`,
		runID, offset,
	)
	c, err := scanClientSQLite(r)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, resilience.NewPersistenceError("client_at", err)
	}
	return c, nil
}

func (s *SQLiteStore) CreateClients(ctx context.Context, clients []model.Client) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, resilience.NewPersistenceError("create_clients", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	count := 0
	for _, c := range clients {
		id := c.ID
		if id == "" {
			id = uuid.New().String()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO clients (id, run_id, project_id, name, registry_id, primary_product, status, attempts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			id, c.RunID, c.ProjectID, c.Name, c.RegistryID, c.PrimaryProduct, string(model.ClientPending), now, now,
		)
		if err != nil {
			return 0, resilience.NewPersistenceError("create_clients", err)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, resilience.NewPersistenceError("create_clients", err)
	}
	return count, nil
}

func (s *SQLiteStore) UpdateClientEnrichment(ctx context.Context, c *model.Client) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE clients SET status = ?, attempts = ?, legal_name = ?, size_class = ?,
			revenue_band = ?, revenue = ?, headcount = ?, industry_code = ?, website = ?,
			fit_score = ?, updated_at = ?
		WHERE id = ?`,
		string(c.Status), c.Attempts, c.LegalName, c.SizeClass,
		c.RevenueBand, c.Revenue, c.Headcount, c.IndustryCode, c.Website,
		c.FitScore, time.Now().UTC(), c.ID,
	)
	if err != nil {
		return resilience.NewPersistenceError("update_client", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertMarket(ctx context.Context, m *model.Market) (*model.Market, error) {
	playersJSON, err := json.Marshal(m.Players)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal players")
	}

	id := m.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO markets (id, hash, name, segment, players, trend_summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (hash) DO UPDATE SET
			players = excluded.players,
			trend_summary = CASE WHEN excluded.trend_summary <> '' THEN excluded.trend_summary ELSE markets.trend_summary END,
			updated_at = excluded.updated_at`,
		id, m.Hash, m.Name, m.Segment, string(playersJSON), m.TrendSummary, now, now,
	)
	if err != nil {
		return nil, resilience.NewPersistenceError("upsert_market", err)
	}

	r := s.db.QueryRowContext(ctx,
		`SELECT id, hash, name, segment, players, trend_summary, created_at, updated_at FROM markets WHERE hash = ?`,
		m.Hash,
	)
	var out model.Market
	var players string
	if err := r.Scan(&out.ID, &out.Hash, &out.Name, &out.Segment, &players, &out.TrendSummary, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return nil, resilience.NewPersistenceError("upsert_market", err)
	}
	if err := json.Unmarshal([]byte(players), &out.Players); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal players")
	}
	return &out, nil
}

func (s *SQLiteStore) LinkClientMarket(ctx context.Context, clientID, marketID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO client_markets (client_id, market_id) VALUES (?, ?)`,
		clientID, marketID,
	)
	if err != nil {
		return resilience.NewPersistenceError("link_client_market", err)
	}
	return nil
}

func (s *SQLiteStore) ListClientMarkets(ctx context.Context, clientID string) ([]model.Market, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.hash, m.name, m.segment, m.players, m.trend_summary, m.created_at, m.updated_at
		FROM markets m JOIN client_markets cm ON cm.market_id = m.id
		WHERE cm.client_id = ? ORDER BY m.created_at, m.id`,
		clientID,
	)
	if err != nil {
		return nil, resilience.NewPersistenceError("list_client_markets", err)
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		var m model.Market
		var players string
		if err := rows.Scan(&m.ID, &m.Hash, &m.Name, &m.Segment, &players, &m.TrendSummary, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, resilience.NewPersistenceError("list_client_markets", err)
		}
		if err := json.Unmarshal([]byte(players), &m.Players); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal players")
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, resilience.NewPersistenceError("list_client_markets", err)
	}
	return markets, nil
}

func (s *SQLiteStore) UpsertProduct(ctx context.Context, p *model.Product) error {
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO products (id, client_id, hash, name, description, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, p.ClientID, p.Hash, p.Name, p.Description, p.Active, time.Now().UTC(),
	)
	if err != nil {
		return resilience.NewPersistenceError("upsert_product", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertCompetitor(ctx context.Context, c *model.Competitor) error {
	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO competitors (id, market_id, hash, name, product, website, score, band, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (hash) DO UPDATE SET
			product = excluded.product,
			website = excluded.website,
			score = excluded.score,
			band = excluded.band,
			updated_at = excluded.updated_at`,
		id, c.MarketID, c.Hash, c.Name, c.Product, c.Website, c.Score, string(c.Band), now, now,
	)
	if err != nil {
		return resilience.NewPersistenceError("upsert_competitor", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertLead(ctx context.Context, l *model.Lead) error {
	id := l.ID
	if id == "" {
		id = uuid.New().String()
	}
	stage := l.Stage
	if stage == "" {
		stage = model.LeadStageNew
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leads (id, market_id, hash, name, product, website, score, band, stage, conversion_prob, potential_revenue, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (hash) DO UPDATE SET
			product = excluded.product,
			website = excluded.website,
			score = excluded.score,
			band = excluded.band,
			conversion_prob = excluded.conversion_prob,
			potential_revenue = excluded.potential_revenue,
			updated_at = excluded.updated_at`,
		id, l.MarketID, l.Hash, l.Name, l.Product, l.Website, l.Score, string(l.Band), string(stage), l.ConversionProb, l.PotentialRevenue, now, now,
	)
	if err != nil {
		return resilience.NewPersistenceError("upsert_lead", err)
	}
	return nil
}

func scanJobSQLite(r row) (*model.EnrichmentJob, error) {
	var j model.EnrichmentJob
	err := r.Scan(
		&j.ID, &j.RunID, &j.Total, &j.Processed, &j.Success, &j.Failed, &j.Status, &j.LastClientID, &j.LastError,
		&j.StartedAt, &j.PausedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.EnrichmentJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = model.JobPending
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrichment_jobs (id, run_id, total, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.RunID, job.Total, string(job.Status), now, now,
	)
	if err != nil {
		return resilience.NewPersistenceError("create_job", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.EnrichmentJob, error) {
	r := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM enrichment_jobs WHERE id = ?`, id)
	j, err := scanJobSQLite(r)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, resilience.NewPersistenceError("get_job", err)
	}
	return j, nil
}

func (s *SQLiteStore) NextActiveJob(ctx context.Context) (*model.EnrichmentJob, error) {
	r := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM enrichment_jobs WHERE status IN ('running', 'pending')
		ORDER BY CASE status WHEN 'running' THEN 0 ELSE 1 END, created_at LIMIT 1`,
	)
	j, err := scanJobSQLite(r)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, resilience.NewPersistenceError("next_active_job", err)
	}
	return j, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, limit int) ([]model.EnrichmentJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM enrichment_jobs ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, resilience.NewPersistenceError("list_jobs", err)
	}
	defer rows.Close()

	var jobs []model.EnrichmentJob
	for rows.Next() {
		j, err := scanJobSQLite(rows)
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

func (s *SQLiteStore) TransitionJob(ctx context.Context, id string, from, to model.JobStatus) (bool, error) {
	now := time.Now().UTC()
	var stamp string
	args := []any{string(to), now}
	switch to {
	case model.JobRunning:
		stamp = `started_at = COALESCE(started_at, ?), paused_at = NULL,`
	case model.JobPaused:
		stamp = `paused_at = ?,`
	case model.JobCompleted, model.JobFailed, model.JobCancelled:
		stamp = `completed_at = ?,`
	default:
		stamp = `updated_at = ?,`
	}
	args = append(args, now, id, string(from))

	res, err := s.db.ExecContext(ctx,
		`UPDATE enrichment_jobs SET status = ?, `+stamp+` updated_at = ? WHERE id = ? AND status = ?`,
		args...,
	)
	if err != nil {
		return false, resilience.NewPersistenceError("transition_job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, resilience.NewPersistenceError("transition_job", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) RecordOutcome(ctx context.Context, jobID string, expectedProcessed int, outcome model.Outcome, lastClientID, lastError string) (bool, error) {
	successInc, failedInc := 0, 1
	if outcome.CountsAsSuccess() {
		successInc, failedInc = 1, 0
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE enrichment_jobs SET
			processed = processed + 1,
			success = success + ?,
			failed = failed + ?,
			last_client_id = ?,
			last_error = ?,
			updated_at = ?
		WHERE id = ? AND processed = ? AND status = 'running'`,
		successInc, failedInc, lastClientID, lastError, time.Now().UTC(), jobID, expectedProcessed,
	)
	if err != nil {
		return false, resilience.NewPersistenceError("record_outcome", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, resilience.NewPersistenceError("record_outcome", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) SaveRunSummary(ctx context.Context, runID string, summary []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_summaries (run_id, summary, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET summary = excluded.summary, updated_at = excluded.updated_at`,
		runID, string(summary), time.Now().UTC(),
	)
	if err != nil {
		return resilience.NewPersistenceError("save_run_summary", err)
	}
	return nil
}
