package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to JobStatus }{
		{JobPending, JobRunning},
		{JobPending, JobCancelled},
		{JobRunning, JobPaused},
		{JobRunning, JobCompleted},
		{JobRunning, JobFailed},
		{JobRunning, JobCancelled},
		{JobPaused, JobRunning},
		{JobPaused, JobCancelled},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct{ from, to JobStatus }{
		{JobPending, JobCompleted},
		{JobPending, JobPaused},
		{JobPaused, JobCompleted},
		{JobCompleted, JobRunning},
		{JobFailed, JobRunning},
		{JobCancelled, JobRunning},
		{JobCompleted, JobCompleted},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, JobCompleted.Terminal())
	assert.True(t, JobFailed.Terminal())
	assert.True(t, JobCancelled.Terminal())
	assert.False(t, JobPending.Terminal())
	assert.False(t, JobRunning.Terminal())
	assert.False(t, JobPaused.Terminal())
}

func TestExhausted(t *testing.T) {
	j := &EnrichmentJob{Total: 3, Processed: 2}
	assert.False(t, j.Exhausted())
	j.Processed = 3
	assert.True(t, j.Exhausted())
}

func TestOutcomeCountsAsSuccess(t *testing.T) {
	assert.True(t, OutcomeSuccess.CountsAsSuccess())
	assert.True(t, OutcomePartial.CountsAsSuccess(), "the client was processed")
	assert.False(t, OutcomeFailed.CountsAsSuccess())
}
