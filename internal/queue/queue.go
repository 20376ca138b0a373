package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"crewsim/server/internal/telemetry"
	"crewsim/server/logging"
	loginference "crewsim/server/logging/inference"
)

// Sentinel errors surfaced to enqueuers.
var (
	// ErrJobTimeout reports that a job outlived its deadline; the action may
	// still be running, its eventual result is discarded.
	ErrJobTimeout = errors.New("queue: job timed out")
	// ErrQueueCleared reports that a queued job was rejected during shutdown.
	ErrQueueCleared = errors.New("queue: cleared before job started")
	// ErrQueueClosed reports that the queue no longer accepts submissions.
	ErrQueueClosed = errors.New("queue: closed")
)

const defaultTimeout = 800 * time.Millisecond

type jobIDKey struct{}

// JobIDFromContext returns the ID of the job whose action received this
// context. Usage reports tagged with it are dropped once the job settles.
func JobIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey{}).(string)
	return id
}

// Action is the unit of deferred work executed by the queue.
type Action func(ctx context.Context) (any, error)

// Outcome carries the settled result of one job.
type Outcome struct {
	Value any
	Err   error
}

// Ticket identifies a submitted job and exposes its settlement channel.
// The channel receives exactly one Outcome.
type Ticket struct {
	ID      string
	Outcome <-chan Outcome
}

// TokenUsage counts backend resource consumption for one job.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

type job struct {
	seq      uint64
	id       string
	action   Action
	outcome  chan Outcome
	enqueued time.Time
}

// Config tunes the request queue.
type Config struct {
	// Timeout bounds each job's execution; zero selects the default.
	Timeout time.Duration
	// Retention bounds the processing-record ledger window.
	Retention time.Duration
	// Throttle configures the advisory thinking-coefficient estimator.
	Throttle ThrottleConfig
}

// Deps carries shared infrastructure dependencies required by the queue.
type Deps struct {
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Clock     logging.Clock
	Publisher logging.Publisher
}

// RequestQueue serializes all inference work through a single in-flight slot.
type RequestQueue struct {
	cfg      Config
	deps     Deps
	throttle *ThrottleEstimator

	mu       sync.Mutex
	pending  []*job
	nextSeq  uint64
	inFlight bool
	closed   bool

	// Single-slot register for usage reported mid-job. Tagged with the job ID
	// so a late write from an expired job cannot leak onto the next one.
	usageJobID string
	usage      TokenUsage
	usageSet   bool

	ledger *ledger

	wake   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a request queue and starts its dispatch loop.
func New(cfg Config, deps Deps) *RequestQueue {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if deps.Clock == nil {
		deps.Clock = logging.SystemClock{}
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NopMetrics()
	}
	if deps.Publisher == nil {
		deps.Publisher = logging.NopPublisher()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &RequestQueue{
		cfg:      cfg,
		deps:     deps,
		throttle: NewThrottleEstimator(cfg.Throttle),
		ledger:   newLedger(cfg.Retention, deps.Clock),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	q.wg.Add(1)
	go q.run(ctx)
	return q
}

// Enqueue submits an action for serialized execution. It never blocks; the
// returned ticket's channel settles exactly once.
func (q *RequestQueue) Enqueue(action Action) (Ticket, error) {
	if action == nil {
		return Ticket{}, errors.New("queue: nil action")
	}
	j := &job{
		id:       uuid.NewString(),
		action:   action,
		outcome:  make(chan Outcome, 1),
		enqueued: q.deps.Clock.Now(),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Ticket{}, ErrQueueClosed
	}
	q.nextSeq++
	j.seq = q.nextSeq
	q.pending = append(q.pending, j)
	depth := len(q.pending)
	q.mu.Unlock()

	q.deps.Metrics.Store("queue_depth", uint64(depth))
	q.signal()
	return Ticket{ID: j.id, Outcome: j.outcome}, nil
}

// RecordUsage stores token consumption for the identified job. The write is
// dropped unless the job is the one currently in flight, which guards the
// register against stale reports arriving after a timeout.
func (q *RequestQueue) RecordUsage(jobID string, usage TokenUsage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if jobID == "" || jobID != q.usageJobID {
		return
	}
	q.usage = usage
	q.usageSet = true
}

// Clear rejects every queued job that has not started. The running job, if
// any, is left to settle normally.
func (q *RequestQueue) Clear() int {
	q.mu.Lock()
	rejected := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, j := range rejected {
		j.outcome <- Outcome{Err: ErrQueueCleared}
	}
	if len(rejected) > 0 {
		q.ledger.addFailures(len(rejected))
		loginference.QueueCleared(context.Background(), q.deps.Publisher, len(rejected))
	}
	q.deps.Metrics.Store("queue_depth", 0)
	return len(rejected)
}

// Close clears pending work and stops the dispatch loop. Safe to call twice.
func (q *RequestQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.Clear()
	q.cancel()
	q.wg.Wait()
}

// Done is closed once the dispatch loop has exited.
func (q *RequestQueue) Done() <-chan struct{} {
	return q.done
}

func (q *RequestQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run owns the single in-flight slot. Jobs settle strictly one at a time and
// re-dispatch happens by looping here, never by recursion, so an arbitrarily
// long backlog cannot grow the stack.
func (q *RequestQueue) run(ctx context.Context) {
	defer q.wg.Done()
	defer close(q.done)
	for {
		j := q.pop()
		if j == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		q.execute(ctx, j)
	}
}

func (q *RequestQueue) pop() *job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	j := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.inFlight = true
	q.usageJobID = j.id
	q.usage = TokenUsage{}
	q.usageSet = false
	return j
}

func (q *RequestQueue) execute(ctx context.Context, j *job) {
	started := q.deps.Clock.Now()
	jobCtx, cancel := context.WithTimeout(context.WithValue(ctx, jobIDKey{}, j.id), q.cfg.Timeout)

	resultCh := make(chan Outcome, 1)
	go func() {
		value, err := j.action(jobCtx)
		resultCh <- Outcome{Value: value, Err: err}
	}()

	var outcome Outcome
	timedOut := false
	select {
	case outcome = <-resultCh:
	case <-jobCtx.Done():
		timedOut = true
		outcome = Outcome{Err: ErrJobTimeout}
	}
	cancel()

	duration := q.deps.Clock.Now().Sub(started)
	usage, depth := q.settle(j)

	rec := record{
		at:       started,
		duration: duration,
		success:  !timedOut && outcome.Err == nil,
		timedOut: timedOut,
		usage:    usage,
		jobID:    j.id,
	}
	q.ledger.add(rec)
	q.publishOutcome(rec, outcome, depth)

	j.outcome <- outcome
}

// settle clears the in-flight slot and reads the usage register exactly once,
// before the next job can start.
func (q *RequestQueue) settle(j *job) (TokenUsage, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight = false
	var usage TokenUsage
	if q.usageSet && q.usageJobID == j.id {
		usage = q.usage
	}
	q.usageJobID = ""
	q.usageSet = false
	return usage, len(q.pending)
}

func (q *RequestQueue) publishOutcome(rec record, outcome Outcome, depth int) {
	payload := loginference.JobPayload{
		DurationMillis: rec.duration.Milliseconds(),
		QueueDepth:     depth,
		InputTokens:    rec.usage.Input,
		OutputTokens:   rec.usage.Output,
	}
	switch {
	case rec.timedOut:
		q.deps.Metrics.Add("jobs_timed_out", 1)
		loginference.JobTimedOut(context.Background(), q.deps.Publisher, rec.jobID, payload)
	case outcome.Err != nil:
		payload.Error = outcome.Err.Error()
		q.deps.Metrics.Add("jobs_failed", 1)
		loginference.JobFailed(context.Background(), q.deps.Publisher, rec.jobID, payload)
	default:
		q.deps.Metrics.Add("jobs_completed", 1)
		loginference.JobCompleted(context.Background(), q.deps.Publisher, rec.jobID, payload)
	}
}

// Retune swaps the throttle estimator configuration at runtime. Used by the
// config watcher so throttle tuning does not require a restart.
func (q *RequestQueue) Retune(cfg ThrottleConfig) {
	estimator := NewThrottleEstimator(cfg)
	q.mu.Lock()
	q.throttle = estimator
	q.mu.Unlock()
}

// Depth reports the number of queued, not-yet-started jobs.
func (q *RequestQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stats projects the current queue state and rolling ledger into QueueStats.
func (q *RequestQueue) Stats() Stats {
	q.mu.Lock()
	depth := len(q.pending)
	inFlight := 0
	if q.inFlight {
		inFlight = 1
	}
	throttle := q.throttle
	q.mu.Unlock()

	window := q.ledger.window()
	totals := q.ledger.totals()

	utilization := throttle.Utilization(window.tokensPerSecond)
	load := loadFactor(utilization, depth)
	coefficient := throttle.Coefficient(load)

	return Stats{
		QueueDepth:          depth,
		ProcessingCount:     inFlight,
		TotalProcessed:      totals.processed,
		TotalTimedOut:       totals.timedOut,
		TotalFailed:         totals.failed,
		AvgProcessingTimeMs: window.avgDurationMs,
		ProcessedPerSecond:  window.processedPerSecond,
		TokensPerSecond:     window.tokensPerSecond,
		CapacityUtilization: utilization,
		ThinkingCoefficient: coefficient,
		RecentRequests:      window.recent,
	}
}
