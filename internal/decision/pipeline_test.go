package decision

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewsim/server/internal/inference"
	"crewsim/server/internal/queue"
	"crewsim/server/logging"
)

type recordingHooks struct {
	mu        sync.Mutex
	observed  []string
	applied   []inference.Decision
	fallbacks int
	reactions []inference.Reaction
	missing   map[string]bool
	applyErr  error
}

func newRecordingHooks() *recordingHooks {
	return &recordingHooks{missing: make(map[string]bool)}
}

func (h *recordingHooks) Observe(agentID string, tick uint64) (inference.Observation, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.missing[agentID] {
		return inference.Observation{}, false
	}
	h.observed = append(h.observed, agentID)
	return inference.Observation{AgentID: agentID, Tick: tick}, true
}

func (h *recordingHooks) ApplyDecision(agentID string, d inference.Decision) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.applyErr != nil {
		err := h.applyErr
		h.applyErr = nil
		return err
	}
	h.applied = append(h.applied, d)
	return nil
}

func (h *recordingHooks) FallbackDecision(agentID string) inference.Decision {
	h.mu.Lock()
	h.fallbacks++
	h.mu.Unlock()
	return inference.Decision{Action: inference.ActionWander, Goal: "fallback"}
}

func (h *recordingHooks) ApplyReaction(agentID string, r inference.Reaction) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reactions = append(h.reactions, r)
}

func (h *recordingHooks) appliedDecisions() []inference.Decision {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]inference.Decision(nil), h.applied...)
}

func (h *recordingHooks) fallbackCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fallbacks
}

func (h *recordingHooks) reactionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.reactions)
}

type scriptedBackend struct {
	mu       sync.Mutex
	decide   func(obs inference.Observation) (inference.Decision, error)
	react    func(obs inference.Observation) (inference.Reaction, error)
	decides  int
	reacts   int
	decideCh chan struct{}
}

func (b *scriptedBackend) Decide(ctx context.Context, obs inference.Observation, report inference.UsageReporter) (inference.Decision, error) {
	b.mu.Lock()
	b.decides++
	fn := b.decide
	ch := b.decideCh
	b.mu.Unlock()
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return inference.Decision{}, ctx.Err()
		}
	}
	if report != nil {
		report(queue.TokenUsage{Input: 12, Output: 4})
	}
	if fn == nil {
		return inference.Decision{Action: inference.ActionIdle}, nil
	}
	return fn(obs)
}

func (b *scriptedBackend) React(ctx context.Context, obs inference.Observation, report inference.UsageReporter) (inference.Reaction, error) {
	b.mu.Lock()
	b.reacts++
	fn := b.react
	b.mu.Unlock()
	if fn == nil {
		return inference.Reaction{Utterance: "hmm"}, nil
	}
	return fn(obs)
}

func (b *scriptedBackend) decideCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.decides
}

func testConfig() Config {
	return Config{
		DecisionInterval: 100 * time.Millisecond,
		IdleBackoffMin:   50 * time.Millisecond,
		IdleBackoffMax:   60 * time.Millisecond,
		TriggerInterval:  time.Hour, // keep triggers quiet unless a test wants them
		TriggerJitter:    1,
	}
}

func testDeps() Deps {
	return Deps{
		RNG:   rand.New(rand.NewSource(42)),
		Clock: logging.ClockFunc(func() time.Time { return time.Unix(0, 0) }),
	}
}

func pumpUntil(t *testing.T, p *Pipeline, base time.Time, condition func() bool) time.Time {
	t.Helper()
	now := base
	for i := 0; i < 400; i++ {
		if condition() {
			return now
		}
		now = now.Add(20 * time.Millisecond)
		p.Update(uint64(i), now)
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never satisfied")
	return now
}

func TestNoBackendAlwaysFallsBack(t *testing.T) {
	hooks := newRecordingHooks()
	p := New(testConfig(), testDeps(), nil, nil, hooks)
	p.AddAgent("a1")

	base := time.Unix(0, 0)
	// Past any possible stagger.
	p.Update(1, base.Add(time.Second))

	assert.Equal(t, 1, hooks.fallbackCount())
	applied := hooks.appliedDecisions()
	require.Len(t, applied, 1)
	assert.Equal(t, inference.ActionWander, applied[0].Action)
}

func TestDecisionSubmittedAndApplied(t *testing.T) {
	hooks := newRecordingHooks()
	backend := &scriptedBackend{decide: func(obs inference.Observation) (inference.Decision, error) {
		return inference.Decision{Action: inference.ActionTask, TaskID: "wires", Goal: "fix wires"}, nil
	}}
	q := queue.New(queue.Config{Timeout: time.Second}, queue.Deps{})
	defer q.Close()

	p := New(testConfig(), testDeps(), q, backend, hooks)
	p.AddAgent("a1")

	base := time.Unix(0, 0).Add(time.Second)
	p.Update(1, base)
	require.Equal(t, 1, backend.decideCalls(), "due agent must submit exactly one job")
	assert.True(t, p.Thinking("a1"))

	pumpUntil(t, p, base, func() bool { return len(hooks.appliedDecisions()) > 0 })

	applied := hooks.appliedDecisions()
	assert.Equal(t, "wires", applied[0].TaskID)
	assert.False(t, p.Thinking("a1"))
	assert.Zero(t, hooks.fallbackCount())
}

func TestNoResubmitWhileThinking(t *testing.T) {
	hooks := newRecordingHooks()
	backend := &scriptedBackend{decideCh: make(chan struct{})}
	q := queue.New(queue.Config{Timeout: time.Minute}, queue.Deps{})
	defer q.Close()

	p := New(testConfig(), testDeps(), q, backend, hooks)
	p.AddAgent("a1")

	base := time.Unix(0, 0).Add(time.Second)
	for i := 0; i < 10; i++ {
		p.Update(uint64(i), base.Add(time.Duration(i)*time.Second))
	}
	assert.Equal(t, 1, backend.decideCalls(), "in-flight agent must not resubmit")
	close(backend.decideCh)
}

func TestTimeoutTriggersFallback(t *testing.T) {
	hooks := newRecordingHooks()
	backend := &scriptedBackend{decideCh: make(chan struct{})} // never released in time
	q := queue.New(queue.Config{Timeout: 30 * time.Millisecond}, queue.Deps{})
	defer q.Close()

	p := New(testConfig(), testDeps(), q, backend, hooks)
	p.AddAgent("a1")

	base := time.Unix(0, 0).Add(time.Second)
	p.Update(1, base)

	pumpUntil(t, p, base, func() bool { return hooks.fallbackCount() > 0 })

	applied := hooks.appliedDecisions()
	require.NotEmpty(t, applied)
	assert.Equal(t, "fallback", applied[0].Goal)
	close(backend.decideCh)
}

func TestBackendErrorTriggersFallback(t *testing.T) {
	hooks := newRecordingHooks()
	backend := &scriptedBackend{decide: func(obs inference.Observation) (inference.Decision, error) {
		return inference.Decision{}, errors.New("model unavailable")
	}}
	q := queue.New(queue.Config{Timeout: time.Second}, queue.Deps{})
	defer q.Close()

	p := New(testConfig(), testDeps(), q, backend, hooks)
	p.AddAgent("a1")

	base := time.Unix(0, 0).Add(time.Second)
	p.Update(1, base)
	pumpUntil(t, p, base, func() bool { return hooks.fallbackCount() > 0 })
}

func TestRemovedAgentResultDiscarded(t *testing.T) {
	hooks := newRecordingHooks()
	release := make(chan struct{})
	backend := &scriptedBackend{decideCh: release}
	q := queue.New(queue.Config{Timeout: time.Minute}, queue.Deps{})
	defer q.Close()

	p := New(testConfig(), testDeps(), q, backend, hooks)
	p.AddAgent("a1")

	base := time.Unix(0, 0).Add(time.Second)
	p.Update(1, base)
	require.True(t, p.Thinking("a1"))

	p.RemoveAgent("a1")
	close(release)

	// Give the completion a chance to arrive, then confirm nothing applied.
	time.Sleep(100 * time.Millisecond)
	p.Update(2, base.Add(time.Second))
	assert.Empty(t, hooks.appliedDecisions())
	assert.Zero(t, hooks.fallbackCount())
}

func TestTriggerCadencePollsReactions(t *testing.T) {
	hooks := newRecordingHooks()
	backend := &scriptedBackend{}
	q := queue.New(queue.Config{Timeout: time.Second}, queue.Deps{})
	defer q.Close()

	cfg := testConfig()
	cfg.TriggerInterval = 50 * time.Millisecond
	cfg.TriggerJitter = 10 * time.Millisecond
	cfg.DecisionInterval = time.Hour // keep decisions quiet

	p := New(cfg, testDeps(), q, backend, hooks)
	p.AddAgent("a1")

	base := time.Unix(0, 0).Add(2 * time.Hour)
	pumpUntil(t, p, base, func() bool { return hooks.reactionCount() >= 2 })
}

func TestDecisionIntervalScalesWithCoefficient(t *testing.T) {
	// With an empty queue the coefficient sits at its maximum, so the next
	// decision time advances by interval/maxCoefficient.
	hooks := newRecordingHooks()
	backend := &scriptedBackend{decideCh: make(chan struct{})}
	q := queue.New(queue.Config{Timeout: time.Minute}, queue.Deps{})
	defer q.Close()

	cfg := testConfig()
	cfg.DecisionInterval = 10 * time.Second
	p := New(cfg, testDeps(), q, backend, hooks)
	p.AddAgent("a1")

	// Past the initial stagger, which never exceeds one interval.
	base := time.Unix(0, 0).Add(11 * time.Second)
	p.Update(1, base)
	require.True(t, p.Thinking("a1"))

	state := p.agents["a1"]
	scaled := state.nextDecisionAt.Sub(base)
	max := queue.DefaultThrottleConfig().MaxCoefficient
	expected := time.Duration(float64(10*time.Second) / max)
	assert.Equal(t, expected, scaled)
	close(backend.decideCh)
}
