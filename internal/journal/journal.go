// Package journal persists settled inference jobs to SQLite for post-run
// analysis. It plugs into the logging router as a sink, so inserts happen on
// the sink worker and never block the queue.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"crewsim/server/internal/telemetry"
	"crewsim/server/logging"
	loginference "crewsim/server/logging/inference"
)

// SinkName is the router sink name the journal registers under.
const SinkName = "journal"

// Record is one persisted job outcome.
type Record struct {
	JobID          string    `json:"jobId"`
	Outcome        string    `json:"outcome"`
	DurationMillis int64     `json:"durationMillis"`
	QueueDepth     int       `json:"queueDepth"`
	InputTokens    int       `json:"inputTokens"`
	OutputTokens   int       `json:"outputTokens"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Deps carries shared infrastructure dependencies required by the journal.
type Deps struct {
	Metrics telemetry.Metrics
	Clock   logging.Clock
}

// Journal writes job records to a WAL-mode SQLite database.
type Journal struct {
	db   *sql.DB
	deps Deps
}

// Open creates or opens the journal database and runs the schema migration.
func Open(path string, deps Deps) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal: empty path")
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NopMetrics()
	}
	if deps.Clock == nil {
		deps.Clock = logging.SystemClock{}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open db: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db, deps: deps}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS job_records (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id        TEXT NOT NULL,
		outcome       TEXT NOT NULL,
		duration_ms   INTEGER NOT NULL DEFAULT 0,
		queue_depth   INTEGER NOT NULL DEFAULT 0,
		input_tokens  INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		error         TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_job_records_job ON job_records(job_id);
	CREATE INDEX IF NOT EXISTS idx_job_records_created ON job_records(created_at);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Write implements logging.Sink. Non-job events pass through untouched.
func (j *Journal) Write(event logging.Event) error {
	outcome, ok := outcomeFor(event.Type)
	if !ok {
		return nil
	}
	payload, _ := event.Payload.(loginference.JobPayload)
	createdAt := j.deps.Clock.Now().UTC().Format(time.RFC3339Nano)

	err := retryOnContention(func() error {
		_, err := j.db.Exec(
			`INSERT INTO job_records
			 (job_id, outcome, duration_ms, queue_depth, input_tokens, output_tokens, error, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			event.JobID, outcome, payload.DurationMillis, payload.QueueDepth,
			payload.InputTokens, payload.OutputTokens, payload.Error, createdAt,
		)
		return err
	})
	if err != nil {
		j.deps.Metrics.Add("journal_write_errors", 1)
		return fmt.Errorf("journal: insert record: %w", err)
	}
	j.deps.Metrics.Add("journal_writes", 1)
	return nil
}

// Close implements logging.Sink.
func (j *Journal) Close(ctx context.Context) error {
	return j.db.Close()
}

// Recent returns the newest records, most recent first.
func (j *Journal) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.Query(
		`SELECT job_id, outcome, duration_ms, queue_depth, input_tokens, output_tokens, error, created_at
		 FROM job_records ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("journal: query records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var createdAt string
		if err := rows.Scan(&rec.JobID, &rec.Outcome, &rec.DurationMillis, &rec.QueueDepth,
			&rec.InputTokens, &rec.OutputTokens, &rec.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("journal: scan record: %w", err)
		}
		if parsed, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			rec.CreatedAt = parsed
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountByOutcome tallies persisted records per outcome.
func (j *Journal) CountByOutcome() (map[string]int, error) {
	rows, err := j.db.Query(`SELECT outcome, COUNT(*) FROM job_records GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("journal: count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, fmt.Errorf("journal: scan count: %w", err)
		}
		counts[outcome] = count
	}
	return counts, rows.Err()
}

func outcomeFor(typ logging.EventType) (string, bool) {
	switch typ {
	case loginference.EventJobCompleted:
		return "completed", true
	case loginference.EventJobTimedOut:
		return "timed_out", true
	case loginference.EventJobFailed:
		return "failed", true
	default:
		return "", false
	}
}
