package queue

import (
	"sync"
	"time"

	"crewsim/server/logging"
)

const (
	defaultRetention = 5 * time.Minute
	recentLimit      = 20
)

type record struct {
	at       time.Time
	duration time.Duration
	success  bool
	timedOut bool
	usage    TokenUsage
	jobID    string
}

type totals struct {
	processed uint64
	timedOut  uint64
	failed    uint64
}

type windowStats struct {
	avgDurationMs      float64
	processedPerSecond float64
	tokensPerSecond    float64
	recent             []RequestRecord
}

// ledger retains completed-job facts for a bounded time window and keeps
// lifetime counters that survive pruning.
type ledger struct {
	mu        sync.Mutex
	retention time.Duration
	clock     logging.Clock
	records   []record
	lifetime  totals
}

func newLedger(retention time.Duration, clock logging.Clock) *ledger {
	if retention <= 0 {
		retention = defaultRetention
	}
	if clock == nil {
		clock = logging.SystemClock{}
	}
	return &ledger{retention: retention, clock: clock}
}

func (l *ledger) add(rec record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	switch {
	case rec.timedOut:
		l.lifetime.timedOut++
	case rec.success:
		l.lifetime.processed++
	default:
		l.lifetime.failed++
	}
	l.pruneLocked(l.clock.Now())
}

// addFailures accounts for jobs rejected without ever running.
func (l *ledger) addFailures(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lifetime.failed += uint64(n)
}

func (l *ledger) totals() totals {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lifetime
}

func (l *ledger) window() windowStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	l.pruneLocked(now)

	stats := windowStats{}
	if len(l.records) == 0 {
		return stats
	}

	var totalDuration time.Duration
	tokens := 0
	for _, rec := range l.records {
		totalDuration += rec.duration
		tokens += rec.usage.Input + rec.usage.Output
	}
	stats.avgDurationMs = float64(totalDuration.Milliseconds()) / float64(len(l.records))

	span := now.Sub(l.records[0].at)
	if span < time.Second {
		span = time.Second
	}
	stats.processedPerSecond = float64(len(l.records)) / span.Seconds()
	stats.tokensPerSecond = float64(tokens) / span.Seconds()

	start := len(l.records) - recentLimit
	if start < 0 {
		start = 0
	}
	for _, rec := range l.records[start:] {
		stats.recent = append(stats.recent, RequestRecord{
			JobID:          rec.jobID,
			Timestamp:      rec.at.UnixMilli(),
			DurationMillis: rec.duration.Milliseconds(),
			Success:        rec.success,
			TimedOut:       rec.timedOut,
			InputTokens:    rec.usage.Input,
			OutputTokens:   rec.usage.Output,
		})
	}
	return stats
}

func (l *ledger) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.retention)
	idx := 0
	for idx < len(l.records) && l.records[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		l.records = append(l.records[:0], l.records[idx:]...)
	}
}
