package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketscope/enrich-cli/internal/model"
	"github.com/marketscope/enrich-cli/internal/resilience"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return &PostgresStore{pool: mock}, mock
}

func clientRow(id, runID, name string) *pgxmock.Rows {
	now := time.Now().UTC()
	return pgxmock.NewRows([]string{
		"id", "run_id", "project_id", "name", "registry_id", "primary_product", "status", "attempts",
		"legal_name", "size_class", "revenue_band", "revenue", "headcount", "industry_code", "website", "fit_score",
		"created_at", "updated_at",
	}).AddRow(
		id, runID, "", name, "", "", "pending", 0,
		"", "", "", nil, nil, "", "", 0,
		now, now,
	)
}

func TestGetClient(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM clients WHERE id = \$1`).
		WithArgs("c1").
		WillReturnRows(clientRow("c1", "run-1", "Acme Embalagens"))

	c, err := s.GetClient(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "Acme Embalagens", c.Name)
	assert.Equal(t, model.ClientPending, c.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetClient_Missing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM clients WHERE id = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	c, err := s.GetClient(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestGetClient_InfraError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM clients`).
		WithArgs("c1").
		WillReturnError(assert.AnError)

	_, err := s.GetClient(context.Background(), "c1")
	require.Error(t, err)
	assert.True(t, resilience.IsPersistence(err))
}

func TestClientAt(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM clients WHERE run_id = \$1 ORDER BY created_at, id OFFSET \$2 LIMIT 1`).
		WithArgs("run-1", 2).
		WillReturnRows(clientRow("c3", "run-1", "Terceira"))

	c, err := s.ClientAt(context.Background(), "run-1", 2)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "c3", c.ID)
}

func TestClientAt_PastEnd(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM clients WHERE run_id = \$1`).
		WithArgs("run-1", 99).
		WillReturnError(pgx.ErrNoRows)

	c, err := s.ClientAt(context.Background(), "run-1", 99)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestCreateClients_Copy(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"clients"},
		[]string{"id", "run_id", "project_id", "name", "registry_id", "primary_product", "status", "attempts", "created_at", "updated_at"},
	).WillReturnResult(2)

	n, err := s.CreateClients(context.Background(), []model.Client{
		{RunID: "run-1", Name: "Acme"},
		{RunID: "run-1", Name: "Beta"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertMarket_ReturnsMergedRow(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`INSERT INTO markets .+ ON CONFLICT \(hash\) DO UPDATE`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "hash", "name", "segment", "players", "trend_summary", "created_at", "updated_at",
		}).AddRow("m1", "abc", "Flexible Packaging", "b2b", []byte(`["Amcor","Sealed Air"]`), "growing", now, now))

	got, err := s.UpsertMarket(context.Background(), &model.Market{
		Hash:    "abc",
		Name:    "Flexible Packaging",
		Players: []string{"Amcor"},
	})
	require.NoError(t, err)
	assert.Equal(t, "m1", got.ID)
	assert.Equal(t, []string{"Amcor", "Sealed Air"}, got.Players)
	assert.Equal(t, "growing", got.TrendSummary)
}

func TestLinkClientMarket_Idempotent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO client_markets .+ ON CONFLICT DO NOTHING`).
		WithArgs("c1", "m1").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, s.LinkClientMarket(context.Background(), "c1", "m1"))
}

func TestTransitionJob_Won(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE enrichment_jobs SET status = \$1, completed_at = now\(\),`).
		WithArgs("completed", "j1", "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := s.TransitionJob(context.Background(), "j1", model.JobRunning, model.JobCompleted)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTransitionJob_Lost(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE enrichment_jobs SET status = \$1, completed_at = now\(\),`).
		WithArgs("completed", "j1", "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := s.TransitionJob(context.Background(), "j1", model.JobRunning, model.JobCompleted)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordOutcome_CASWon(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE enrichment_jobs SET\s+processed = processed \+ 1`).
		WithArgs(1, 0, "c1", "", "j1", 4).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := s.RecordOutcome(context.Background(), "j1", 4, model.OutcomePartial, "c1", "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecordOutcome_CASLost(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE enrichment_jobs SET\s+processed = processed \+ 1`).
		WithArgs(0, 1, "c1", "llm unavailable", "j1", 4).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := s.RecordOutcome(context.Background(), "j1", 4, model.OutcomeFailed, "c1", "llm unavailable")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNextActiveJob_None(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM enrichment_jobs WHERE status IN`).
		WillReturnError(pgx.ErrNoRows)

	j, err := s.NextActiveJob(context.Background())
	require.NoError(t, err)
	assert.Nil(t, j)
}
