// Package decision decides when each agent asks the inference backend for a
// new goal and what happens when the answer is late, wrong, or missing.
package decision

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"crewsim/server/internal/inference"
	"crewsim/server/internal/queue"
	"crewsim/server/internal/telemetry"
	"crewsim/server/logging"
)

// WorldHooks is the single mutation entry point back into the world. All
// methods are called on the tick goroutine only.
type WorldHooks interface {
	// Observe builds the backend view of one agent; ok is false when the
	// agent no longer exists.
	Observe(agentID string, tick uint64) (inference.Observation, bool)
	// ApplyDecision routes the agent according to the decision.
	ApplyDecision(agentID string, d inference.Decision) error
	// FallbackDecision computes the local heuristic: next incomplete task,
	// else wander.
	FallbackDecision(agentID string) inference.Decision
	// ApplyReaction records ancillary flavor output for the agent.
	ApplyReaction(agentID string, r inference.Reaction)
}

// Config tunes both per-agent cadences.
type Config struct {
	// DecisionInterval is the base pause between decisions; scaled by the
	// queue's thinking coefficient before use.
	DecisionInterval time.Duration
	// IdleBackoffMin/Max bound the randomized wait after an idle decision.
	IdleBackoffMin time.Duration
	IdleBackoffMax time.Duration
	// TriggerInterval is the base reactive poll cadence.
	TriggerInterval time.Duration
	// TriggerJitter desynchronizes agents' reactive polls.
	TriggerJitter time.Duration
}

// DefaultConfig mirrors the cadences the simulation is tuned for.
func DefaultConfig() Config {
	return Config{
		DecisionInterval: 6 * time.Second,
		IdleBackoffMin:   2 * time.Second,
		IdleBackoffMax:   5 * time.Second,
		TriggerInterval:  2 * time.Second,
		TriggerJitter:    400 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.DecisionInterval <= 0 {
		c.DecisionInterval = defaults.DecisionInterval
	}
	if c.IdleBackoffMin <= 0 {
		c.IdleBackoffMin = defaults.IdleBackoffMin
	}
	if c.IdleBackoffMax < c.IdleBackoffMin {
		c.IdleBackoffMax = c.IdleBackoffMin
	}
	if c.TriggerInterval <= 0 {
		c.TriggerInterval = defaults.TriggerInterval
	}
	if c.TriggerJitter < 0 {
		c.TriggerJitter = 0
	}
	return c
}

// Deps carries shared infrastructure dependencies required by the pipeline.
// The RNG is the only randomness source, so a pinned seed makes cadences and
// fallbacks reproducible.
type Deps struct {
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Clock     logging.Clock
	RNG       *rand.Rand
	Publisher logging.Publisher
}

type jobKind int

const (
	jobDecision jobKind = iota
	jobTrigger
)

type completion struct {
	agentID string
	jobID   string
	kind    jobKind
	outcome queue.Outcome
}

// agentState tracks one agent's cadences. Owned by the pipeline; mutated only
// on the tick goroutine.
type agentState struct {
	id             string
	nextDecisionAt time.Time
	thinking       bool
	pendingJobID   string
	nextTriggerAt  time.Time
}

// Pipeline owns the decision cadence for every registered agent. A tick never
// blocks here: jobs are submitted fire-and-forget and their results are
// drained at the start of the next Update call.
type Pipeline struct {
	cfg     Config
	deps    Deps
	queue   *queue.RequestQueue
	backend inference.Backend
	hooks   WorldHooks

	agents  map[string]*agentState
	order   []string
	results chan completion
}

// New constructs a pipeline. A nil backend is valid: every agent then runs on
// the fallback heuristic and the queue is never touched.
func New(cfg Config, deps Deps, q *queue.RequestQueue, backend inference.Backend, hooks WorldHooks) *Pipeline {
	cfg = cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = logging.SystemClock{}
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NopMetrics()
	}
	if deps.RNG == nil {
		deps.RNG = rand.New(rand.NewSource(1))
	}
	return &Pipeline{
		cfg:     cfg,
		deps:    deps,
		queue:   q,
		backend: backend,
		hooks:   hooks,
		agents:  make(map[string]*agentState),
		results: make(chan completion, 256),
	}
}

// AddAgent registers an agent with staggered initial cadences.
func (p *Pipeline) AddAgent(id string) {
	if _, ok := p.agents[id]; ok {
		return
	}
	now := p.deps.Clock.Now()
	state := &agentState{
		id:             id,
		nextDecisionAt: now.Add(p.randomDuration(0, p.cfg.DecisionInterval)),
		nextTriggerAt:  now.Add(p.randomDuration(0, p.cfg.TriggerInterval)),
	}
	p.agents[id] = state
	p.order = append(p.order, id)
}

// RemoveAgent forgets an agent. A decision already in flight for it settles
// normally and is discarded on arrival.
func (p *Pipeline) RemoveAgent(id string) {
	if _, ok := p.agents[id]; !ok {
		return
	}
	delete(p.agents, id)
	for i, existing := range p.order {
		if existing == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Thinking reports whether the agent has a decision in flight.
func (p *Pipeline) Thinking(id string) bool {
	state, ok := p.agents[id]
	return ok && state.thinking
}

// Update runs once per tick on the tick goroutine: it applies settled results
// and submits new jobs for agents that are due. It never blocks on the queue.
func (p *Pipeline) Update(tick uint64, now time.Time) {
	p.drainCompletions(now)

	coefficient := 1.0
	if p.queue != nil {
		if c := p.queue.Stats().ThinkingCoefficient; c > 0 {
			coefficient = c
		}
	}

	for _, id := range p.order {
		state := p.agents[id]
		if state == nil {
			continue
		}
		p.maybeSubmitDecision(state, tick, now, coefficient)
		p.maybeSubmitTrigger(state, tick, now)
	}
}

// drainCompletions applies every settled job result without blocking. This is
// the single state-mutation entry point for inference results: stale or
// duplicate completions for removed agents are dropped here.
func (p *Pipeline) drainCompletions(now time.Time) {
	for {
		select {
		case done := <-p.results:
			p.applyCompletion(done, now)
		default:
			return
		}
	}
}

func (p *Pipeline) applyCompletion(done completion, now time.Time) {
	state, ok := p.agents[done.agentID]
	if !ok {
		// Agent removed while the job was in flight.
		return
	}

	switch done.kind {
	case jobTrigger:
		if done.outcome.Err != nil {
			return
		}
		if reaction, ok := done.outcome.Value.(inference.Reaction); ok {
			p.hooks.ApplyReaction(done.agentID, reaction)
		}
		return
	case jobDecision:
	}

	if !state.thinking || state.pendingJobID != done.jobID {
		// Guard against double application or a stale settle.
		return
	}
	state.thinking = false
	state.pendingJobID = ""

	if done.outcome.Err != nil {
		switch {
		case errors.Is(done.outcome.Err, queue.ErrJobTimeout):
			p.deps.Metrics.Add("decisions_timed_out", 1)
		default:
			p.deps.Metrics.Add("decisions_failed", 1)
		}
		p.applyFallback(state, now)
		return
	}

	decided, ok := done.outcome.Value.(inference.Decision)
	if !ok {
		p.deps.Metrics.Add("decisions_failed", 1)
		p.applyFallback(state, now)
		return
	}
	p.applyDecision(state, decided, now)
}

func (p *Pipeline) applyDecision(state *agentState, decided inference.Decision, now time.Time) {
	if err := p.hooks.ApplyDecision(state.id, decided); err != nil {
		if p.deps.Logger != nil {
			p.deps.Logger.Printf("[decision] apply failed for %s: %v", state.id, err)
		}
		p.applyFallback(state, now)
		return
	}
	p.deps.Metrics.Add("decisions_applied", 1)
	state.nextDecisionAt = now.Add(p.backoffFor(decided))
}

func (p *Pipeline) applyFallback(state *agentState, now time.Time) {
	fallback := p.hooks.FallbackDecision(state.id)
	if err := p.hooks.ApplyDecision(state.id, fallback); err != nil && p.deps.Logger != nil {
		p.deps.Logger.Printf("[decision] fallback apply failed for %s: %v", state.id, err)
	}
	p.deps.Metrics.Add("decisions_fallback", 1)
	state.nextDecisionAt = now.Add(p.backoffFor(fallback))
}

func (p *Pipeline) backoffFor(decided inference.Decision) time.Duration {
	if decided.Action == inference.ActionIdle {
		return p.randomDuration(p.cfg.IdleBackoffMin, p.cfg.IdleBackoffMax)
	}
	return p.cfg.DecisionInterval
}

func (p *Pipeline) maybeSubmitDecision(state *agentState, tick uint64, now time.Time, coefficient float64) {
	if state.thinking || now.Before(state.nextDecisionAt) {
		return
	}

	if p.backend == nil || p.queue == nil {
		// Permanent fallback path; the queue is never touched.
		p.applyFallback(state, now)
		return
	}

	obs, ok := p.hooks.Observe(state.id, tick)
	if !ok {
		return
	}

	agentID := state.id
	ticket, err := p.queue.Enqueue(func(ctx context.Context) (any, error) {
		return p.backend.Decide(ctx, obs, p.reporter(ctx))
	})
	if err != nil {
		p.deps.Metrics.Add("decisions_failed", 1)
		p.applyFallback(state, now)
		return
	}

	state.thinking = true
	state.pendingJobID = ticket.ID
	// Advance immediately so a stuck completion cannot cause a re-submit storm;
	// the real next time is set when the result is applied.
	interval := time.Duration(float64(p.cfg.DecisionInterval) / coefficient)
	state.nextDecisionAt = now.Add(interval)

	p.await(agentID, ticket, jobDecision)
}

func (p *Pipeline) maybeSubmitTrigger(state *agentState, tick uint64, now time.Time) {
	if now.Before(state.nextTriggerAt) {
		return
	}
	jitter := p.randomDuration(0, p.cfg.TriggerJitter)
	state.nextTriggerAt = now.Add(p.cfg.TriggerInterval - p.cfg.TriggerJitter/2 + jitter)

	if p.backend == nil || p.queue == nil {
		return
	}
	obs, ok := p.hooks.Observe(state.id, tick)
	if !ok {
		return
	}

	agentID := state.id
	ticket, err := p.queue.Enqueue(func(ctx context.Context) (any, error) {
		return p.backend.React(ctx, obs, p.reporter(ctx))
	})
	if err != nil {
		return
	}
	p.await(agentID, ticket, jobTrigger)
}

// await binds a submitted job to the completion channel without ever letting
// the tick goroutine wait on it.
func (p *Pipeline) await(agentID string, ticket queue.Ticket, kind jobKind) {
	go func() {
		outcome := <-ticket.Outcome
		p.results <- completion{agentID: agentID, jobID: ticket.ID, kind: kind, outcome: outcome}
	}()
}

// reporter builds a usage reporter bound to the job that owns the context, so
// a late report from an expired job cannot attach to its successor.
func (p *Pipeline) reporter(ctx context.Context) inference.UsageReporter {
	q := p.queue
	jobID := queue.JobIDFromContext(ctx)
	return func(usage queue.TokenUsage) {
		if q == nil {
			return
		}
		q.RecordUsage(jobID, usage)
	}
}

func (p *Pipeline) randomDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(p.deps.RNG.Int63n(int64(max-min)))
}
