package journal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewsim/server/logging"
	loginference "crewsim/server/logging/inference"
	"crewsim/server/logging/sinks"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path, Deps{})
	require.NoError(t, err)
	t.Cleanup(func() { j.Close(context.Background()) })
	return j
}

func jobEvent(typ logging.EventType, jobID string, payload loginference.JobPayload) logging.Event {
	return logging.Event{
		Type:     typ,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryInference,
		Actor:    logging.EntityRef{ID: jobID, Kind: logging.EntityKindJob},
		Payload:  payload,
		JobID:    jobID,
	}
}

func TestWritePersistsJobOutcomes(t *testing.T) {
	j := openTestJournal(t)

	require.NoError(t, j.Write(jobEvent(loginference.EventJobCompleted, "job-1", loginference.JobPayload{
		DurationMillis: 420,
		QueueDepth:     2,
		InputTokens:    120,
		OutputTokens:   30,
	})))
	require.NoError(t, j.Write(jobEvent(loginference.EventJobTimedOut, "job-2", loginference.JobPayload{
		DurationMillis: 800,
	})))
	require.NoError(t, j.Write(jobEvent(loginference.EventJobFailed, "job-3", loginference.JobPayload{
		Error: "model unavailable",
	})))

	records, err := j.Recent(10)
	require.NoError(t, err)
	require.Len(t, records, 3)

	// Newest first.
	assert.Equal(t, "job-3", records[0].JobID)
	assert.Equal(t, "failed", records[0].Outcome)
	assert.Equal(t, "model unavailable", records[0].Error)
	assert.Equal(t, "timed_out", records[1].Outcome)
	assert.Equal(t, "completed", records[2].Outcome)
	assert.Equal(t, int64(420), records[2].DurationMillis)
	assert.Equal(t, 120, records[2].InputTokens)
	assert.False(t, records[2].CreatedAt.IsZero())
}

func TestWriteIgnoresUnrelatedEvents(t *testing.T) {
	j := openTestJournal(t)

	require.NoError(t, j.Write(logging.Event{
		Type:     "simulation.tick_dropped",
		Severity: logging.SeverityWarn,
		Category: logging.CategorySimulation,
	}))

	records, err := j.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCountByOutcome(t *testing.T) {
	j := openTestJournal(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, j.Write(jobEvent(loginference.EventJobCompleted, "job", loginference.JobPayload{})))
	}
	require.NoError(t, j.Write(jobEvent(loginference.EventJobTimedOut, "job", loginference.JobPayload{})))

	counts, err := j.CountByOutcome()
	require.NoError(t, err)
	assert.Equal(t, 3, counts["completed"])
	assert.Equal(t, 1, counts["timed_out"])
}

func TestJournalAsRouterSink(t *testing.T) {
	j := openTestJournal(t)

	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = []string{"console", SinkName}
	cfg.MinimumSeverity = logging.SeverityDebug

	memory := sinks.NewMemory()
	router, err := logging.NewRouter(cfg, logging.SystemClock{}, nil, map[string]logging.Sink{
		"console": memory,
		SinkName:  j,
	})
	require.NoError(t, err)

	loginference.JobCompleted(context.Background(), router, "job-9", loginference.JobPayload{DurationMillis: 7})
	require.NoError(t, router.Close(context.Background()))

	records, err := j.Recent(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "job-9", records[0].JobID)
}
