// Package scheduler advances the world at a fixed tick interval without ever
// blocking on slow work.
package scheduler

import (
	"context"
	"sync"
	"time"

	"crewsim/server/internal/sim"
	"crewsim/server/internal/telemetry"
	"crewsim/server/logging"
	logsim "crewsim/server/logging/simulation"
)

const defaultInterval = time.Second / 15

// StepFunc runs exactly one world step and returns the snapshot it produced.
type StepFunc func(tick uint64, now time.Time, dt float64) sim.Snapshot

// TickResult is handed to tick listeners after each step.
type TickResult struct {
	Tick     uint64
	Now      time.Time
	Delta    float64
	Snapshot sim.Snapshot
	Duration time.Duration
}

// TickMetrics is handed to metrics listeners after each step.
type TickMetrics struct {
	Tick          uint64
	Duration      time.Duration
	Budget        time.Duration
	DroppedTotal  uint64
	BudgetOverrun bool
}

// Config tunes the scheduler.
type Config struct {
	Interval time.Duration
}

// Deps carries shared infrastructure dependencies required by the scheduler.
type Deps struct {
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Clock     logging.Clock
	Publisher logging.Publisher
}

// Scheduler drives a StepFunc once per interval. Overruns never produce
// catch-up bursts: after a stall the deadline resets to now+interval and the
// skipped ticks are counted and logged.
type Scheduler struct {
	cfg  Config
	deps Deps
	step StepFunc

	// stepMu serializes world steps so a lazy LatestSnapshot call can never
	// interleave with the tick goroutine's step.
	stepMu sync.Mutex

	mu           sync.Mutex
	running      bool
	stop         chan struct{}
	tick         uint64
	nextDeadline time.Time
	droppedTotal uint64
	latest       *sim.Snapshot

	listenerMu       sync.Mutex
	tickListeners    []func(TickResult)
	metricsListeners []func(TickMetrics)
}

// New constructs a stopped scheduler.
func New(cfg Config, deps Deps, step StepFunc) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
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
	return &Scheduler{cfg: cfg, deps: deps, step: step}
}

// Start begins ticking. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.nextDeadline = s.deps.Clock.Now()
	stop := s.stop
	s.mu.Unlock()

	go s.loop(stop)
}

// Stop cancels the pending timer. Calling Stop on a stopped scheduler is a
// no-op; Start may be called again afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.stop = nil
	s.mu.Unlock()
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// OnTick registers a listener invoked synchronously once per tick. A panic in
// one listener is logged and does not reach the scheduler or other listeners.
func (s *Scheduler) OnTick(listener func(TickResult)) {
	if listener == nil {
		return
	}
	s.listenerMu.Lock()
	s.tickListeners = append(s.tickListeners, listener)
	s.listenerMu.Unlock()
}

// OnTickMetrics registers a listener for per-tick timing data.
func (s *Scheduler) OnTickMetrics(listener func(TickMetrics)) {
	if listener == nil {
		return
	}
	s.listenerMu.Lock()
	s.metricsListeners = append(s.metricsListeners, listener)
	s.listenerMu.Unlock()
}

// LatestSnapshot returns the most recent published snapshot, lazily running
// one out-of-band step when no tick has fired yet.
func (s *Scheduler) LatestSnapshot() sim.Snapshot {
	s.mu.Lock()
	if s.latest != nil {
		snapshot := *s.latest
		s.mu.Unlock()
		return snapshot
	}
	s.mu.Unlock()

	now := s.deps.Clock.Now()
	return s.runStep(now, false)
}

// DroppedTicks reports how many ticks have been skipped after stalls.
func (s *Scheduler) DroppedTicks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.droppedTotal
}

func (s *Scheduler) loop(stop <-chan struct{}) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			delay := s.check(s.deps.Clock.Now())
			timer.Reset(delay)
		}
	}
}

// check runs at most one step per invocation and returns how long to sleep
// until the next deadline.
func (s *Scheduler) check(now time.Time) time.Duration {
	s.mu.Lock()
	deadline := s.nextDeadline
	s.mu.Unlock()

	if now.Before(deadline) {
		return deadline.Sub(now)
	}

	s.runStep(now, true)

	s.mu.Lock()
	overrun := now.Sub(s.nextDeadline)
	if overrun > s.cfg.Interval {
		dropped := uint64(overrun / s.cfg.Interval)
		s.droppedTotal += dropped
		s.nextDeadline = now.Add(s.cfg.Interval)
		tick := s.tick
		total := s.droppedTotal
		s.mu.Unlock()

		s.deps.Metrics.Add("ticks_dropped", dropped)
		logsim.TickDropped(context.Background(), s.deps.Publisher, tick, logsim.TickDroppedPayload{
			Dropped:     dropped,
			OverrunMs:   overrun.Milliseconds(),
			TotalSkipps: total,
		})
		if s.deps.Logger != nil {
			s.deps.Logger.Printf("[scheduler] stalled %s, dropped %d ticks", overrun, dropped)
		}
	} else {
		s.nextDeadline = s.nextDeadline.Add(s.cfg.Interval)
		s.mu.Unlock()
	}

	s.mu.Lock()
	delay := s.nextDeadline.Sub(s.deps.Clock.Now())
	s.mu.Unlock()
	if delay < 0 {
		delay = 0
	}
	return delay
}

// runStep executes one isolated world step and publishes the snapshot.
// Listener notification is skipped for lazy out-of-band steps so a read can
// never trigger a broadcast.
func (s *Scheduler) runStep(now time.Time, notify bool) sim.Snapshot {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()

	s.mu.Lock()
	s.tick++
	tick := s.tick
	s.mu.Unlock()

	dt := s.cfg.Interval.Seconds()
	started := s.deps.Clock.Now()

	snapshot := s.safeStep(tick, now, dt)
	duration := s.deps.Clock.Now().Sub(started)

	s.mu.Lock()
	stored := snapshot
	s.latest = &stored
	dropped := s.droppedTotal
	s.mu.Unlock()

	s.deps.Metrics.Store("tick", tick)
	s.deps.Metrics.Store("tick_duration_ms", uint64(duration.Milliseconds()))

	overrun := duration > s.cfg.Interval
	if overrun {
		logsim.TickBudgetOverrun(context.Background(), s.deps.Publisher, tick, logsim.TickBudgetOverrunPayload{
			DurationMillis: duration.Milliseconds(),
			BudgetMillis:   s.cfg.Interval.Milliseconds(),
			Ratio:          float64(duration) / float64(s.cfg.Interval),
		})
	}

	result := TickResult{Tick: tick, Now: now, Delta: dt, Snapshot: snapshot, Duration: duration}
	metrics := TickMetrics{
		Tick:          tick,
		Duration:      duration,
		Budget:        s.cfg.Interval,
		DroppedTotal:  dropped,
		BudgetOverrun: overrun,
	}
	if notify {
		s.notify(result, metrics)
	}
	return snapshot
}

// safeStep keeps a panicking world step from killing the scheduler.
func (s *Scheduler) safeStep(tick uint64, now time.Time, dt float64) (snapshot sim.Snapshot) {
	defer func() {
		if recovered := recover(); recovered != nil {
			if s.deps.Logger != nil {
				s.deps.Logger.Printf("[scheduler] step panic on tick %d: %v", tick, recovered)
			}
			snapshot = sim.Snapshot{Tick: tick, Timestamp: now.UnixMilli()}
		}
	}()
	if s.step == nil {
		return sim.Snapshot{Tick: tick, Timestamp: now.UnixMilli()}
	}
	return s.step(tick, now, dt)
}

func (s *Scheduler) notify(result TickResult, metrics TickMetrics) {
	s.listenerMu.Lock()
	tickListeners := append(([]func(TickResult))(nil), s.tickListeners...)
	metricsListeners := append(([]func(TickMetrics))(nil), s.metricsListeners...)
	s.listenerMu.Unlock()

	for _, listener := range tickListeners {
		s.invokeTickListener(listener, result)
	}
	for _, listener := range metricsListeners {
		s.invokeMetricsListener(listener, metrics)
	}
}

func (s *Scheduler) invokeTickListener(listener func(TickResult), result TickResult) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.reportListenerPanic(result.Tick, recovered)
		}
	}()
	listener(result)
}

func (s *Scheduler) invokeMetricsListener(listener func(TickMetrics), metrics TickMetrics) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.reportListenerPanic(metrics.Tick, recovered)
		}
	}()
	listener(metrics)
}

func (s *Scheduler) reportListenerPanic(tick uint64, recovered any) {
	if s.deps.Logger != nil {
		s.deps.Logger.Printf("[scheduler] listener panic on tick %d: %v", tick, recovered)
	}
	logsim.ListenerPanic(context.Background(), s.deps.Publisher, tick, recovered)
}
