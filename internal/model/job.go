package model

import "time"

// JobStatus represents the lifecycle state of an enrichment job.
// Transitions are forward-only except running ⇄ paused.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// jobTransitions lists the allowed status transitions.
var jobTransitions = map[JobStatus][]JobStatus{
	JobPending: {JobRunning, JobCancelled},
	JobRunning: {JobPaused, JobCompleted, JobFailed, JobCancelled},
	JobPaused:  {JobRunning, JobCancelled},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	for _, allowed := range jobTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return len(jobTransitions[s]) == 0
}

// EnrichmentJob tracks progress of enriching all clients in a research run.
// Invariants: Processed = Success + Failed, Processed ≤ Total.
type EnrichmentJob struct {
	ID           string     `json:"id"`
	RunID        string     `json:"run_id"`
	Total        int        `json:"total"`
	Processed    int        `json:"processed"`
	Success      int        `json:"success"`
	Failed       int        `json:"failed"`
	Status       JobStatus  `json:"status"`
	LastClientID string     `json:"last_client_id,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	PausedAt     *time.Time `json:"paused_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Exhausted reports whether every client in the run has been processed.
func (j *EnrichmentJob) Exhausted() bool {
	return j.Processed >= j.Total
}

// Outcome is the per-client result of one executor run.
type Outcome string

const (
	// OutcomeSuccess means every stage completed.
	OutcomeSuccess Outcome = "success"
	// OutcomePartial means the client was processed but at least one
	// non-fatal stage degraded. Counts as success for job progress.
	OutcomePartial Outcome = "partial"
	// OutcomeFailed means the markets stage itself failed; no enrichment
	// data was produced for the client.
	OutcomeFailed Outcome = "failed"
)

// CountsAsSuccess reports whether the outcome increments the job's success
// counter. Partial outcomes do: the client was processed.
func (o Outcome) CountsAsSuccess() bool {
	return o == OutcomeSuccess || o == OutcomePartial
}
