package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/marketscope/enrich-cli/internal/model"
)

// Summary is the job-level aggregate folded from persisted counters. It is
// reconstructable from the EnrichmentJob row alone, nothing is kept in
// process memory between invocations.
type Summary struct {
	JobID     string        `json:"job_id"`
	RunID     string        `json:"run_id"`
	Total     int           `json:"total"`
	Processed int           `json:"processed"`
	Success   int           `json:"success"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration_ns"`
}

// Summarize folds a job's counters into a summary as of now.
func Summarize(j *model.EnrichmentJob, now time.Time) Summary {
	s := Summary{
		JobID:     j.ID,
		RunID:     j.RunID,
		Total:     j.Total,
		Processed: j.Processed,
		Success:   j.Success,
		Failed:    j.Failed,
	}
	if j.StartedAt != nil {
		end := now
		if j.CompletedAt != nil {
			end = *j.CompletedAt
		}
		if d := end.Sub(*j.StartedAt); d > 0 {
			s.Duration = d
		}
	}
	return s
}

// Complete reports whether every client in the run has been processed.
func (s Summary) Complete() bool {
	return s.Processed >= s.Total
}

// String renders the human-readable completion message.
func (s Summary) String() string {
	return fmt.Sprintf("%d/%d clients processed (%d enriched, %d failed) in %s",
		s.Processed, s.Total, s.Success, s.Failed, s.Duration.Round(time.Second))
}

// JSON renders the summary for run-level persistence.
func (s Summary) JSON() []byte {
	b, err := json.Marshal(s)
	if err != nil {
		// Summary has no unmarshalable fields; this cannot happen.
		return []byte("{}")
	}
	return b
}
