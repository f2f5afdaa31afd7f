// Package job owns the EnrichmentJob lifecycle: status transitions,
// progress counters, and the "advance one step" entry point a stateless
// periodic trigger drives. All state lives in the persisted job row and the
// run's client list order, so overlapping invocations are safe.
package job

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/marketscope/enrich-cli/internal/enrich"
	"github.com/marketscope/enrich-cli/internal/model"
	"github.com/marketscope/enrich-cli/internal/notify"
	"github.com/marketscope/enrich-cli/internal/store"
)

// StepStatus is the trigger-visible result of one advance call.
type StepStatus string

const (
	// StepNoOp means there was nothing to do: no active job, or the job is
	// paused, cancelled, or already finished.
	StepNoOp StepStatus = "no-op"
	// StepProgressed means one client was processed, success or failure.
	StepProgressed StepStatus = "progressed"
	// StepCompleted means the job finished during this call.
	StepCompleted StepStatus = "completed"
	// StepError means an infrastructure failure; the job was left untouched
	// and the same step is safe to retry.
	StepError StepStatus = "error"
)

// StepResult describes what one advance invocation did.
type StepResult struct {
	Status   StepStatus
	JobID    string
	ClientID string
	Outcome  model.Outcome
	Err      error
}

// Enricher is the per-client processing contract the machine drives.
type Enricher interface {
	EnrichOne(ctx context.Context, c *model.Client) (*enrich.Result, error)
}

// Machine advances enrichment jobs one client per invocation.
type Machine struct {
	store       store.Store
	enricher    Enricher
	sink        notify.Sink
	maxAttempts int
}

// NewMachine creates a job machine. maxAttempts bounds how many job runs may
// retry one client before it is skipped as permanently failed.
func NewMachine(st store.Store, e Enricher, sink notify.Sink, maxAttempts int) *Machine {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Machine{store: st, enricher: e, sink: sink, maxAttempts: maxAttempts}
}

// AdvanceAny advances the oldest active job by one step, or no-ops when
// nothing is running or pending. This is the periodic trigger entry point.
func (m *Machine) AdvanceAny(ctx context.Context) StepResult {
	j, err := m.store.NextActiveJob(ctx)
	if err != nil {
		return StepResult{Status: StepError, Err: err}
	}
	if j == nil {
		return StepResult{Status: StepNoOp}
	}
	return m.AdvanceOneStep(ctx, j.ID)
}

// AdvanceOneStep makes exactly one unit of progress on the given job:
// start it if pending, process the next client, or finalize it. Safe to
// call concurrently; compare-and-swap on the job row resolves races.
func (m *Machine) AdvanceOneStep(ctx context.Context, jobID string) StepResult {
	log := zap.L().With(zap.String("job_id", jobID))

	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return StepResult{Status: StepError, JobID: jobID, Err: err}
	}
	if j == nil {
		log.Warn("job: advance requested for unknown job")
		return StepResult{Status: StepNoOp, JobID: jobID}
	}

	switch j.Status {
	case model.JobPending:
		won, err := m.store.TransitionJob(ctx, j.ID, model.JobPending, model.JobRunning)
		if err != nil {
			return StepResult{Status: StepError, JobID: jobID, Err: err}
		}
		if won {
			log.Info("job: started", zap.Int("total", j.Total))
		}
		j, err = m.store.GetJob(ctx, jobID)
		if err != nil {
			return StepResult{Status: StepError, JobID: jobID, Err: err}
		}
		if j == nil || j.Status != model.JobRunning {
			return StepResult{Status: StepNoOp, JobID: jobID}
		}
	case model.JobRunning:
		// proceed
	default:
		// Paused, cancelled, or finished: the trigger checks before
		// starting a unit of work and backs off.
		log.Debug("job: not advanceable", zap.String("status", string(j.Status)))
		return StepResult{Status: StepNoOp, JobID: jobID}
	}

	if j.Exhausted() {
		return m.finalize(ctx, log, j)
	}

	client, err := m.store.ClientAt(ctx, j.RunID, j.Processed)
	if err != nil {
		return StepResult{Status: StepError, JobID: jobID, Err: err}
	}
	if client == nil {
		// The client list is shorter than the recorded total. Nothing can
		// make progress; fail the job rather than spin forever.
		log.Error("job: client list shorter than total",
			zap.Int("processed", j.Processed),
			zap.Int("total", j.Total),
		)
		err := eris.Errorf("job: no client at offset %d of %d", j.Processed, j.Total)
		if _, terr := m.store.TransitionJob(ctx, j.ID, model.JobRunning, model.JobFailed); terr != nil {
			return StepResult{Status: StepError, JobID: jobID, Err: terr}
		}
		notify.Best(ctx, m.sink, "Enrichment job failed", err.Error())
		return StepResult{Status: StepError, JobID: jobID, Err: err}
	}

	outcome, lastErr, err := m.processUnit(ctx, log, client)
	if err != nil {
		// Persistence failure: abort without touching counters so the same
		// client is retried on the next invocation.
		return StepResult{Status: StepError, JobID: jobID, ClientID: client.ID, Err: err}
	}

	counted, err := m.store.RecordOutcome(ctx, j.ID, j.Processed, outcome, client.ID, lastErr)
	if err != nil {
		return StepResult{Status: StepError, JobID: jobID, ClientID: client.ID, Err: err}
	}
	if !counted {
		// An overlapping invocation recorded this offset first. The data
		// side-effects are idempotent, so the duplicate work is harmless.
		log.Info("job: outcome already recorded by a concurrent invocation",
			zap.String("client_id", client.ID),
			zap.Int("offset", j.Processed),
		)
		return StepResult{Status: StepProgressed, JobID: jobID, ClientID: client.ID, Outcome: outcome}
	}

	if j.Processed+1 >= j.Total {
		j, err := m.store.GetJob(ctx, jobID)
		if err != nil {
			return StepResult{Status: StepError, JobID: jobID, Err: err}
		}
		if j != nil && j.Status == model.JobRunning && j.Exhausted() {
			res := m.finalize(ctx, log, j)
			res.ClientID = client.ID
			res.Outcome = outcome
			return res
		}
	}

	return StepResult{Status: StepProgressed, JobID: jobID, ClientID: client.ID, Outcome: outcome}
}

// processUnit runs one client through the enricher, or skips it as
// permanently failed once its failed runs have exhausted the attempt
// budget. Successful runs never consume attempts, so an enriched client is
// always eligible for re-enrichment.
func (m *Machine) processUnit(ctx context.Context, log *zap.Logger, client *model.Client) (model.Outcome, string, error) {
	if client.Status == model.ClientFailed && client.Attempts >= m.maxAttempts {
		log.Warn("job: skipping permanently failed client",
			zap.String("client_id", client.ID),
			zap.Int("attempts", client.Attempts),
		)
		return model.OutcomeFailed, "attempts exhausted", nil
	}

	res, err := m.enricher.EnrichOne(ctx, client)
	if err != nil {
		return "", "", err
	}
	return res.Outcome, res.LastError(), nil
}

// finalize completes an exhausted job. Exactly one invocation wins the
// running→completed transition and sends the summary notification; losers
// report no-op so a repeated trigger call never double-fires.
func (m *Machine) finalize(ctx context.Context, log *zap.Logger, j *model.EnrichmentJob) StepResult {
	// Persist the summary before the completion transition. The job stays
	// running when the save fails, so the next trigger retries finalization;
	// saving after a won transition would lose the summary for good.
	summary := Summarize(j, time.Now().UTC())
	if err := m.store.SaveRunSummary(ctx, j.RunID, summary.JSON()); err != nil {
		return StepResult{Status: StepError, JobID: j.ID, Err: err}
	}

	won, err := m.store.TransitionJob(ctx, j.ID, model.JobRunning, model.JobCompleted)
	if err != nil {
		return StepResult{Status: StepError, JobID: j.ID, Err: err}
	}
	if !won {
		return StepResult{Status: StepNoOp, JobID: j.ID}
	}

	log.Info("job: completed",
		zap.Int("success", summary.Success),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", summary.Duration),
	)
	notify.Best(ctx, m.sink, "Enrichment job completed", summary.String())
	return StepResult{Status: StepCompleted, JobID: j.ID}
}

// Pause suspends a running job. Returns false when the job was not running.
func (m *Machine) Pause(ctx context.Context, jobID string) (bool, error) {
	return m.store.TransitionJob(ctx, jobID, model.JobRunning, model.JobPaused)
}

// Resume restarts a paused job. Returns false when the job was not paused.
func (m *Machine) Resume(ctx context.Context, jobID string) (bool, error) {
	return m.store.TransitionJob(ctx, jobID, model.JobPaused, model.JobRunning)
}

// Cancel stops a job in any non-terminal state. An in-flight unit of work
// is allowed to finish; the next trigger sees the cancelled status and
// backs off.
func (m *Machine) Cancel(ctx context.Context, jobID string) (bool, error) {
	for _, from := range []model.JobStatus{model.JobRunning, model.JobPaused, model.JobPending} {
		ok, err := m.store.TransitionJob(ctx, jobID, from, model.JobCancelled)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
