package sim

import (
	"math/rand"
	"testing"
	"time"
)

type straightLinePathfinder struct{}

func (straightLinePathfinder) FindPath(start, end Vec2) ([]Vec2, error) {
	return []Vec2{end}, nil
}

type stubRules struct {
	events []WorldEvent
}

func (s *stubRules) Drain(tick uint64) []WorldEvent {
	drained := s.events
	s.events = nil
	for i := range drained {
		drained[i].Tick = tick
	}
	return drained
}

func newTestWorld(t *testing.T, agents int) *World {
	t.Helper()
	cfg := DefaultConfig()
	cfg.AgentCount = agents
	deps := Deps{RNG: rand.New(rand.NewSource(7))}
	return NewWorld(cfg, deps, straightLinePathfinder{}, nil)
}

func TestSpawnAssignsStableIDs(t *testing.T) {
	w := newTestWorld(t, 3)
	ids := w.AgentIDs()
	if len(ids) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(ids))
	}
	if ids[0] != "agent-1" || ids[2] != "agent-3" {
		t.Fatalf("unexpected id ordering: %v", ids)
	}
}

func TestAgentWalksToGoal(t *testing.T) {
	w := newTestWorld(t, 1)
	id := w.AgentIDs()[0]

	if err := w.SetAgentGoal(id, "go to wires", "", Vec2{X: 320, Y: 80}); err != nil {
		t.Fatalf("failed to set goal: %v", err)
	}

	// Far more ticks than needed to cross the map at the default speed.
	for i := 0; i < 600; i++ {
		w.Step(uint64(i), 1.0/15.0)
	}

	snapshot := w.Snapshot(600, time.Unix(0, 0))
	agent := snapshot.Agents[0]
	if agent.Movement.Moving {
		t.Fatalf("agent should have arrived, still moving at %+v", agent.Movement.Position)
	}
	if agent.Movement.Position != (Vec2{X: 320, Y: 80}) {
		t.Fatalf("agent should snap onto the target, got %+v", agent.Movement.Position)
	}
	if agent.Summary.Zone != "electrical" {
		t.Fatalf("expected electrical zone, got %q", agent.Summary.Zone)
	}
}

func TestTaskCompletionAdvancesProgress(t *testing.T) {
	w := newTestWorld(t, 1)
	id := w.AgentIDs()[0]

	site, ok := w.NextIncompleteTask()
	if !ok {
		t.Fatalf("expected an incomplete task")
	}
	if err := w.SetAgentGoal(id, "task:"+site.ID, site.ID, site.Position); err != nil {
		t.Fatalf("failed to route to task: %v", err)
	}

	for i := 0; i < 900; i++ {
		w.Step(uint64(i), 1.0/15.0)
	}

	if w.TaskProgress() <= 0 {
		t.Fatalf("expected task progress after completion, got %v", w.TaskProgress())
	}
	next, ok := w.NextIncompleteTask()
	if ok && next.ID == site.ID {
		t.Fatalf("completed task %q still reported incomplete", site.ID)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	w := newTestWorld(t, 1)
	id := w.AgentIDs()[0]
	if err := w.SetAgentGoal(id, "wander", "", Vec2{X: 10, Y: 10}); err != nil {
		t.Fatalf("failed to set goal: %v", err)
	}

	first := w.Snapshot(1, time.Unix(0, 0))
	pathBefore := append([]Vec2(nil), first.Agents[0].Movement.Path...)

	for i := 0; i < 30; i++ {
		w.Step(uint64(i), 1.0/15.0)
	}

	for i, p := range first.Agents[0].Movement.Path {
		if p != pathBefore[i] {
			t.Fatalf("snapshot path mutated by later steps")
		}
	}
}

func TestRuleEventsDrainedIntoSnapshot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AgentCount = 1
	rules := &stubRules{events: []WorldEvent{{Type: "meeting_called"}}}
	w := NewWorld(cfg, Deps{RNG: rand.New(rand.NewSource(1))}, nil, rules)

	w.Step(5, 1.0/15.0)
	snapshot := w.Snapshot(5, time.Unix(0, 0))
	if len(snapshot.Events) != 1 || snapshot.Events[0].Type != "meeting_called" {
		t.Fatalf("expected drained rule event, got %+v", snapshot.Events)
	}
	if snapshot.Events[0].Tick != 5 {
		t.Fatalf("expected event stamped with tick 5, got %d", snapshot.Events[0].Tick)
	}

	// Events are consumed by the snapshot that carries them.
	second := w.Snapshot(6, time.Unix(0, 0))
	if len(second.Events) != 0 {
		t.Fatalf("expected events cleared after publishing, got %+v", second.Events)
	}
}

func TestRemoveAgent(t *testing.T) {
	w := newTestWorld(t, 2)
	ids := w.AgentIDs()
	if !w.RemoveAgent(ids[0]) {
		t.Fatalf("expected removal to succeed")
	}
	if w.RemoveAgent(ids[0]) {
		t.Fatalf("second removal should report missing agent")
	}
	snapshot := w.Snapshot(1, time.Unix(0, 0))
	if len(snapshot.Agents) != 1 || snapshot.Agents[0].ID != ids[1] {
		t.Fatalf("unexpected agents after removal: %+v", snapshot.Agents)
	}
}
