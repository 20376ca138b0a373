package inference

import (
	"context"

	"crewsim/server/logging"
)

const (
	// EventJobCompleted is emitted when a queued inference job settles successfully.
	EventJobCompleted logging.EventType = "inference.job_completed"
	// EventJobTimedOut is emitted when a queued inference job outlives its deadline.
	EventJobTimedOut logging.EventType = "inference.job_timed_out"
	// EventJobFailed is emitted when a queued inference job returns an error.
	EventJobFailed logging.EventType = "inference.job_failed"
	// EventQueueCleared is emitted when pending jobs are rejected at shutdown.
	EventQueueCleared logging.EventType = "inference.queue_cleared"
)

// JobPayload captures outcome details for a settled job.
type JobPayload struct {
	DurationMillis int64  `json:"durationMillis"`
	QueueDepth     int    `json:"queueDepth"`
	InputTokens    int    `json:"inputTokens,omitempty"`
	OutputTokens   int    `json:"outputTokens,omitempty"`
	Error          string `json:"error,omitempty"`
}

// JobCompleted publishes a debug event for a successful job.
func JobCompleted(ctx context.Context, pub logging.Publisher, jobID string, payload JobPayload) {
	publish(ctx, pub, EventJobCompleted, logging.SeverityDebug, jobID, payload)
}

// JobTimedOut publishes a warning for a job that raced out.
func JobTimedOut(ctx context.Context, pub logging.Publisher, jobID string, payload JobPayload) {
	publish(ctx, pub, EventJobTimedOut, logging.SeverityWarn, jobID, payload)
}

// JobFailed publishes a warning for a job whose action returned an error.
func JobFailed(ctx context.Context, pub logging.Publisher, jobID string, payload JobPayload) {
	publish(ctx, pub, EventJobFailed, logging.SeverityWarn, jobID, payload)
}

// QueueCleared publishes an info event for a shutdown rejection batch.
func QueueCleared(ctx context.Context, pub logging.Publisher, rejected int) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventQueueCleared,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryInference,
	}
	pub.Publish(ctx, event.WithExtra("rejected", rejected))
}

func publish(ctx context.Context, pub logging.Publisher, typ logging.EventType, sev logging.Severity, jobID string, payload JobPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     typ,
		Severity: sev,
		Category: logging.CategoryInference,
		Actor:    logging.EntityRef{ID: jobID, Kind: logging.EntityKindJob},
		Payload:  payload,
		JobID:    jobID,
	})
}
