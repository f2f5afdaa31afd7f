package job

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketscope/enrich-cli/internal/enrich"
	"github.com/marketscope/enrich-cli/internal/model"
	"github.com/marketscope/enrich-cli/internal/resilience"
	"github.com/marketscope/enrich-cli/internal/store"
)

// memStore implements the job-relevant Store surface in memory with the
// same compare-and-swap semantics as the real backends.
type memStore struct {
	mu        sync.Mutex
	jobs      map[string]*model.EnrichmentJob
	clients   map[string][]*model.Client // by run ID, in processing order
	summaries map[string][]byte

	getJobErr         error
	recordOutcomeErr  error
	saveRunSummaryErr error
}

func newMemStore() *memStore {
	return &memStore{
		jobs:      map[string]*model.EnrichmentJob{},
		clients:   map[string][]*model.Client{},
		summaries: map[string][]byte{},
	}
}

func (m *memStore) GetClient(context.Context, string) (*model.Client, error) { return nil, nil }

func (m *memStore) ClientAt(_ context.Context, runID string, offset int) (*model.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.clients[runID]
	if offset < 0 || offset >= len(list) {
		return nil, nil
	}
	cp := *list[offset]
	return &cp, nil
}

func (m *memStore) CreateClients(context.Context, []model.Client) (int, error) { return 0, nil }
func (m *memStore) UpdateClientEnrichment(context.Context, *model.Client) error {
	return nil
}
func (m *memStore) UpsertMarket(context.Context, *model.Market) (*model.Market, error) {
	return nil, nil
}
func (m *memStore) LinkClientMarket(context.Context, string, string) error { return nil }
func (m *memStore) ListClientMarkets(context.Context, string) ([]model.Market, error) {
	return nil, nil
}
func (m *memStore) UpsertProduct(context.Context, *model.Product) error       { return nil }
func (m *memStore) UpsertCompetitor(context.Context, *model.Competitor) error { return nil }
func (m *memStore) UpsertLead(context.Context, *model.Lead) error             { return nil }

func (m *memStore) CreateJob(_ context.Context, j *model.EnrichmentJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	if cp.Status == "" {
		cp.Status = model.JobPending
	}
	cp.CreatedAt = time.Now().UTC()
	m.jobs[j.ID] = &cp
	return nil
}

func (m *memStore) GetJob(_ context.Context, id string) (*model.EnrichmentJob, error) {
	if m.getJobErr != nil {
		return nil, m.getJobErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) NextActiveJob(context.Context) (*model.EnrichmentJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *model.EnrichmentJob
	for _, j := range m.jobs {
		if j.Status != model.JobRunning && j.Status != model.JobPending {
			continue
		}
		if best == nil || (best.Status == model.JobPending && j.Status == model.JobRunning) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *memStore) ListJobs(context.Context, int) ([]model.EnrichmentJob, error) {
	return nil, nil
}

func (m *memStore) TransitionJob(_ context.Context, id string, from, to model.JobStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != from {
		return false, nil
	}
	j.Status = to
	now := time.Now().UTC()
	switch to {
	case model.JobRunning:
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
		j.PausedAt = nil
	case model.JobPaused:
		j.PausedAt = &now
	case model.JobCompleted, model.JobFailed, model.JobCancelled:
		j.CompletedAt = &now
	}
	return true, nil
}

func (m *memStore) RecordOutcome(_ context.Context, jobID string, expectedProcessed int, outcome model.Outcome, lastClientID, lastError string) (bool, error) {
	if m.recordOutcomeErr != nil {
		return false, m.recordOutcomeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.Status != model.JobRunning || j.Processed != expectedProcessed {
		return false, nil
	}
	j.Processed++
	if outcome.CountsAsSuccess() {
		j.Success++
	} else {
		j.Failed++
	}
	j.LastClientID = lastClientID
	j.LastError = lastError
	return true, nil
}

func (m *memStore) SaveRunSummary(_ context.Context, runID string, summary []byte) error {
	if m.saveRunSummaryErr != nil {
		return m.saveRunSummaryErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[runID] = summary
	return nil
}

func (m *memStore) Migrate(context.Context) error { return nil }
func (m *memStore) Close() error                  { return nil }

var _ store.Store = (*memStore)(nil)

// scriptedEnricher returns outcomes in order, one per call.
type scriptedEnricher struct {
	outcomes []model.Outcome
	err      error
	calls    int
	clients  []string
}

func (e *scriptedEnricher) EnrichOne(_ context.Context, c *model.Client) (*enrich.Result, error) {
	e.clients = append(e.clients, c.ID)
	if e.err != nil {
		return nil, e.err
	}
	out := model.OutcomeSuccess
	if e.calls < len(e.outcomes) {
		out = e.outcomes[e.calls]
	}
	e.calls++
	res := &enrich.Result{Outcome: out}
	if out == model.OutcomeFailed {
		res.Failures = []enrich.StageFailure{{Stage: enrich.StageMarkets, Err: eris.New("llm unavailable")}}
	}
	return res, nil
}

type countingSink struct {
	mu     sync.Mutex
	titles []string
}

func (s *countingSink) Notify(_ context.Context, title, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	return nil
}

func seedJob(st *memStore, total int) *model.EnrichmentJob {
	j := &model.EnrichmentJob{ID: "j1", RunID: "run-1", Total: total, Status: model.JobPending}
	_ = st.CreateJob(context.Background(), j)
	for i := 0; i < total; i++ {
		st.clients["run-1"] = append(st.clients["run-1"], &model.Client{
			ID:    "c" + string(rune('1'+i)),
			RunID: "run-1",
			Name:  "Client",
		})
	}
	return j
}

func TestAdvanceOneStep_StartsPendingAndProgresses(t *testing.T) {
	st := newMemStore()
	seedJob(st, 2)
	e := &scriptedEnricher{}
	m := NewMachine(st, e, &countingSink{}, 3)

	res := m.AdvanceOneStep(context.Background(), "j1")
	assert.Equal(t, StepProgressed, res.Status)
	assert.Equal(t, "c1", res.ClientID)
	assert.Equal(t, model.OutcomeSuccess, res.Outcome)

	j, _ := st.GetJob(context.Background(), "j1")
	assert.Equal(t, model.JobRunning, j.Status)
	assert.NotNil(t, j.StartedAt)
	assert.Equal(t, 1, j.Processed)
	assert.Equal(t, 1, j.Success)
}

func TestAdvance_CountersInvariant(t *testing.T) {
	st := newMemStore()
	seedJob(st, 3)
	e := &scriptedEnricher{outcomes: []model.Outcome{
		model.OutcomeSuccess, model.OutcomeFailed, model.OutcomePartial,
	}}
	m := NewMachine(st, e, &countingSink{}, 3)

	for i := 0; i < 3; i++ {
		res := m.AdvanceOneStep(context.Background(), "j1")
		require.NotEqual(t, StepError, res.Status)

		j, _ := st.GetJob(context.Background(), "j1")
		assert.Equal(t, j.Processed, j.Success+j.Failed, "after step %d", i+1)
	}

	j, _ := st.GetJob(context.Background(), "j1")
	assert.Equal(t, 3, j.Processed)
	assert.Equal(t, 2, j.Success, "partial counts as success")
	assert.Equal(t, 1, j.Failed)
	assert.Equal(t, "llm unavailable", j.LastError[len(j.LastError)-len("llm unavailable"):])
}

func TestAdvance_CompletesOnceAndNeverDoubleNotifies(t *testing.T) {
	st := newMemStore()
	seedJob(st, 2)
	sink := &countingSink{}
	m := NewMachine(st, &scriptedEnricher{}, sink, 3)

	res := m.AdvanceOneStep(context.Background(), "j1")
	assert.Equal(t, StepProgressed, res.Status)

	// The final client's step both progresses and finalizes.
	res = m.AdvanceOneStep(context.Background(), "j1")
	assert.Equal(t, StepCompleted, res.Status)

	j, _ := st.GetJob(context.Background(), "j1")
	assert.Equal(t, model.JobCompleted, j.Status)
	assert.NotNil(t, j.CompletedAt)
	assert.Contains(t, st.summaries, "run-1")

	// Repeated trigger calls after completion are no-ops and must not
	// re-send the completion notification.
	res = m.AdvanceOneStep(context.Background(), "j1")
	assert.Equal(t, StepNoOp, res.Status)
	res = m.AdvanceOneStep(context.Background(), "j1")
	assert.Equal(t, StepNoOp, res.Status)

	require.Len(t, sink.titles, 1)
	assert.Equal(t, "Enrichment job completed", sink.titles[0])
}

func TestAdvance_ExhaustedJobFinalizesWithoutEnriching(t *testing.T) {
	st := newMemStore()
	j := seedJob(st, 2)
	j.Status = model.JobRunning
	now := time.Now().UTC()
	st.jobs["j1"].Status = model.JobRunning
	st.jobs["j1"].StartedAt = &now
	st.jobs["j1"].Processed = 2
	st.jobs["j1"].Success = 2

	e := &scriptedEnricher{}
	sink := &countingSink{}
	m := NewMachine(st, e, sink, 3)

	res := m.AdvanceOneStep(context.Background(), "j1")
	assert.Equal(t, StepCompleted, res.Status)
	assert.Zero(t, e.calls)
	require.Len(t, sink.titles, 1)
}

func TestAdvance_PausedAndCancelledAreNoOps(t *testing.T) {
	for _, status := range []model.JobStatus{model.JobPaused, model.JobCancelled} {
		st := newMemStore()
		seedJob(st, 2)
		st.jobs["j1"].Status = status

		e := &scriptedEnricher{}
		m := NewMachine(st, e, &countingSink{}, 3)
		res := m.AdvanceOneStep(context.Background(), "j1")
		assert.Equal(t, StepNoOp, res.Status, "status %s", status)
		assert.Zero(t, e.calls)
	}
}

func TestAdvance_UnknownJobIsNoOp(t *testing.T) {
	m := NewMachine(newMemStore(), &scriptedEnricher{}, &countingSink{}, 3)
	res := m.AdvanceOneStep(context.Background(), "missing")
	assert.Equal(t, StepNoOp, res.Status)
}

func TestAdvance_PersistenceErrorLeavesCountersUntouched(t *testing.T) {
	st := newMemStore()
	seedJob(st, 2)
	e := &scriptedEnricher{err: resilience.NewPersistenceError("update_client", eris.New("connection refused"))}
	m := NewMachine(st, e, &countingSink{}, 3)

	res := m.AdvanceOneStep(context.Background(), "j1")
	assert.Equal(t, StepError, res.Status)
	assert.True(t, resilience.IsPersistence(res.Err))

	j, _ := st.GetJob(context.Background(), "j1")
	assert.Equal(t, 0, j.Processed)
	assert.Equal(t, 0, j.Success)
	assert.Equal(t, 0, j.Failed)

	// The same client is retried on the next invocation.
	e.err = nil
	res = m.AdvanceOneStep(context.Background(), "j1")
	assert.Equal(t, StepProgressed, res.Status)
	assert.Equal(t, []string{"c1", "c1"}, e.clients)
}

func TestAdvance_SkipsClientWithExhaustedAttempts(t *testing.T) {
	st := newMemStore()
	seedJob(st, 1)
	st.clients["run-1"][0].Status = model.ClientFailed
	st.clients["run-1"][0].Attempts = 3

	e := &scriptedEnricher{}
	m := NewMachine(st, e, &countingSink{}, 3)

	res := m.AdvanceOneStep(context.Background(), "j1")
	assert.Equal(t, StepCompleted, res.Status)
	assert.Equal(t, model.OutcomeFailed, res.Outcome)
	assert.Zero(t, e.calls)

	j, _ := st.GetJob(context.Background(), "j1")
	assert.Equal(t, 1, j.Failed)
	assert.Equal(t, "attempts exhausted", j.LastError)
}

func TestAdvance_EnrichedClientIsNeverSkippedAsExhausted(t *testing.T) {
	st := newMemStore()
	seedJob(st, 1)
	// A client whose previous runs all succeeded can carry a spent-looking
	// counter from earlier failed runs. Only failed clients are skipped.
	st.clients["run-1"][0].Status = model.ClientEnriched
	st.clients["run-1"][0].Attempts = 3

	e := &scriptedEnricher{}
	m := NewMachine(st, e, &countingSink{}, 3)

	res := m.AdvanceOneStep(context.Background(), "j1")
	assert.Equal(t, StepCompleted, res.Status)
	assert.Equal(t, model.OutcomeSuccess, res.Outcome)
	assert.Equal(t, 1, e.calls)

	j, _ := st.GetJob(context.Background(), "j1")
	assert.Equal(t, 1, j.Success)
	assert.Zero(t, j.Failed)
}

func TestAdvance_SummarySaveFailureLeavesJobRunning(t *testing.T) {
	st := newMemStore()
	seedJob(st, 1)
	st.saveRunSummaryErr = resilience.NewPersistenceError("save_run_summary", eris.New("connection refused"))

	sink := &countingSink{}
	m := NewMachine(st, &scriptedEnricher{}, sink, 3)

	res := m.AdvanceOneStep(context.Background(), "j1")
	assert.Equal(t, StepError, res.Status)
	require.Error(t, res.Err)

	// The job must still be finalizable: a completed job with no summary
	// would be stuck forever.
	j, _ := st.GetJob(context.Background(), "j1")
	assert.Equal(t, model.JobRunning, j.Status)
	assert.Empty(t, sink.titles)

	st.saveRunSummaryErr = nil
	res = m.AdvanceOneStep(context.Background(), "j1")
	assert.Equal(t, StepCompleted, res.Status)

	j, _ = st.GetJob(context.Background(), "j1")
	assert.Equal(t, model.JobCompleted, j.Status)
	assert.Contains(t, st.summaries, "run-1")
	require.Len(t, sink.titles, 1)
	assert.Equal(t, "Enrichment job completed", sink.titles[0])
}

func TestAdvance_ShortClientListFailsJob(t *testing.T) {
	st := newMemStore()
	seedJob(st, 3)
	st.clients["run-1"] = st.clients["run-1"][:1]
	st.jobs["j1"].Status = model.JobRunning
	st.jobs["j1"].Processed = 1
	st.jobs["j1"].Success = 1

	sink := &countingSink{}
	m := NewMachine(st, &scriptedEnricher{}, sink, 3)

	res := m.AdvanceOneStep(context.Background(), "j1")
	assert.Equal(t, StepError, res.Status)
	require.Error(t, res.Err)

	j, _ := st.GetJob(context.Background(), "j1")
	assert.Equal(t, model.JobFailed, j.Status)
	require.Len(t, sink.titles, 1)
	assert.Equal(t, "Enrichment job failed", sink.titles[0])
}

func TestAdvanceAny(t *testing.T) {
	st := newMemStore()
	m := NewMachine(st, &scriptedEnricher{}, &countingSink{}, 3)

	res := m.AdvanceAny(context.Background())
	assert.Equal(t, StepNoOp, res.Status)

	seedJob(st, 1)
	res = m.AdvanceAny(context.Background())
	assert.Equal(t, StepCompleted, res.Status)
	assert.Equal(t, "j1", res.JobID)
}

func TestPauseResumeCancel(t *testing.T) {
	st := newMemStore()
	seedJob(st, 2)
	st.jobs["j1"].Status = model.JobRunning
	m := NewMachine(st, &scriptedEnricher{}, &countingSink{}, 3)
	ctx := context.Background()

	ok, err := m.Pause(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Pause(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, ok, "already paused")

	ok, err = m.Resume(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Cancel(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, ok)

	j, _ := st.GetJob(ctx, "j1")
	assert.Equal(t, model.JobCancelled, j.Status)

	ok, err = m.Cancel(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, ok, "already cancelled")
}

func TestSummarize(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	completed := started.Add(90 * time.Second)
	j := &model.EnrichmentJob{
		ID: "j1", RunID: "run-1",
		Total: 5, Processed: 5, Success: 4, Failed: 1,
		StartedAt: &started, CompletedAt: &completed,
	}

	s := Summarize(j, completed.Add(time.Hour))
	assert.True(t, s.Complete())
	assert.Equal(t, 90*time.Second, s.Duration)
	assert.Equal(t, "5/5 clients processed (4 enriched, 1 failed) in 1m30s", s.String())
}

func TestSummarize_NotStarted(t *testing.T) {
	j := &model.EnrichmentJob{ID: "j1", RunID: "run-1", Total: 5, Processed: 2, Success: 2}
	s := Summarize(j, time.Now().UTC())
	assert.False(t, s.Complete())
	assert.Zero(t, s.Duration)
}
