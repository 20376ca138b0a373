package sim

import (
	"fmt"
	"math"
	"time"
)

const arrivalEpsilon = 0.5

// agentState is the mutable world-side record for one agent. Owned by the
// world; mutated only inside tick steps or decision-application calls, never
// concurrently.
type agentState struct {
	id            string
	name          string
	pos           Vec2
	vel           Vec2
	facing        string
	speed         float64
	path          []Vec2
	activity      Activity
	goal          string
	currentTask   string
	workRemaining float64
}

// World owns every agent plus world-level facts. Single-writer: all mutation
// happens on the tick goroutine.
type World struct {
	cfg        Config
	deps       Deps
	pathfinder Pathfinder
	rules      RuleEvents

	agents    []*agentState
	byID      map[string]*agentState
	phase     Phase
	tasksDone map[string]bool
	events    []WorldEvent
}

// NewWorld constructs a world and spawns the configured number of agents at
// RNG-chosen positions.
func NewWorld(cfg Config, deps Deps, pathfinder Pathfinder, rules RuleEvents) *World {
	deps = deps.withDefaults()
	if cfg.MoveSpeed <= 0 {
		cfg.MoveSpeed = 60
	}
	w := &World{
		cfg:        cfg,
		deps:       deps,
		pathfinder: pathfinder,
		rules:      rules,
		byID:       make(map[string]*agentState),
		phase:      PhaseTasks,
		tasksDone:  make(map[string]bool),
	}
	for i := 0; i < cfg.AgentCount; i++ {
		w.SpawnAgent(fmt.Sprintf("crew-%d", i+1))
	}
	return w
}

// SpawnAgent adds one agent and returns its ID.
func (w *World) SpawnAgent(name string) string {
	id := fmt.Sprintf("agent-%d", len(w.byID)+1)
	agent := &agentState{
		id:       id,
		name:     name,
		pos:      w.RandomPoint(),
		facing:   "down",
		speed:    w.cfg.MoveSpeed,
		activity: ActivityIdle,
	}
	w.agents = append(w.agents, agent)
	w.byID[id] = agent
	return id
}

// RemoveAgent deletes an agent; the next diff reports it under removedAgents.
func (w *World) RemoveAgent(id string) bool {
	if _, ok := w.byID[id]; !ok {
		return false
	}
	delete(w.byID, id)
	for i, agent := range w.agents {
		if agent.id == id {
			w.agents = append(w.agents[:i], w.agents[i+1:]...)
			break
		}
	}
	return true
}

// AgentIDs returns the IDs in spawn order.
func (w *World) AgentIDs() []string {
	ids := make([]string, 0, len(w.agents))
	for _, agent := range w.agents {
		ids = append(ids, agent.id)
	}
	return ids
}

// SetPhase records the coarse world phase reported by the rule modules.
func (w *World) SetPhase(phase Phase) {
	w.phase = phase
}

// Phase reports the current coarse world phase.
func (w *World) Phase() Phase {
	return w.phase
}

// AgentView builds the published view of a single agent on demand.
func (w *World) AgentView(id string) (AgentSnapshot, bool) {
	agent, ok := w.byID[id]
	if !ok {
		return AgentSnapshot{}, false
	}
	return w.snapshotAgent(agent), true
}

// Nearby lists the names of other agents within radius of the given agent,
// in spawn order.
func (w *World) Nearby(id string, radius float64) []string {
	agent, ok := w.byID[id]
	if !ok {
		return nil
	}
	var names []string
	for _, other := range w.agents {
		if other.id == id {
			continue
		}
		if math.Hypot(other.pos.X-agent.pos.X, other.pos.Y-agent.pos.Y) <= radius {
			names = append(names, other.name)
		}
	}
	return names
}

// Step advances movement and task timers by dt seconds.
func (w *World) Step(tick uint64, dt float64) {
	if dt <= 0 {
		return
	}
	for _, agent := range w.agents {
		w.stepAgent(agent, dt)
	}
	if w.rules != nil {
		if drained := w.rules.Drain(tick); len(drained) > 0 {
			w.events = append(w.events, drained...)
		}
	}
	const maxRetainedEvents = 64
	if len(w.events) > maxRetainedEvents {
		w.events = w.events[len(w.events)-maxRetainedEvents:]
	}
}

func (w *World) stepAgent(agent *agentState, dt float64) {
	if agent.activity == ActivityWorking {
		agent.workRemaining -= dt
		if agent.workRemaining <= 0 {
			w.tasksDone[agent.currentTask] = true
			agent.currentTask = ""
			agent.goal = ""
			agent.activity = ActivityIdle
		}
		return
	}

	if len(agent.path) == 0 {
		agent.vel = Vec2{}
		if agent.activity == ActivityMoving {
			agent.activity = ActivityIdle
		}
		return
	}

	target := agent.path[0]
	dx := target.X - agent.pos.X
	dy := target.Y - agent.pos.Y
	dist := math.Hypot(dx, dy)
	maxStep := agent.speed * dt

	if dist <= maxStep+arrivalEpsilon {
		agent.pos = target
		agent.path = agent.path[1:]
		if len(agent.path) == 0 {
			agent.vel = Vec2{}
			w.onArrival(agent)
			return
		}
	} else {
		agent.vel = Vec2{X: dx / dist * agent.speed, Y: dy / dist * agent.speed}
		agent.pos.X += agent.vel.X * dt
		agent.pos.Y += agent.vel.Y * dt
		agent.facing = deriveFacing(dx, dy, agent.facing)
	}
	agent.activity = ActivityMoving
}

func (w *World) onArrival(agent *agentState) {
	if agent.currentTask != "" {
		for _, site := range w.cfg.TaskSites {
			if site.ID == agent.currentTask {
				agent.activity = ActivityWorking
				agent.workRemaining = site.Duration
				return
			}
		}
	}
	agent.activity = ActivityIdle
}

// SetAgentGoal routes an agent toward a destination via the pathfinder. An
// empty taskID means the move is a wander with no work at the end.
func (w *World) SetAgentGoal(id, goal, taskID string, target Vec2) error {
	agent, ok := w.byID[id]
	if !ok {
		return fmt.Errorf("sim: unknown agent %q", id)
	}
	path := []Vec2{target}
	if w.pathfinder != nil {
		found, err := w.pathfinder.FindPath(agent.pos, target)
		if err != nil {
			return fmt.Errorf("sim: path to %q failed: %w", goal, err)
		}
		if len(found) > 0 {
			path = found
		}
	}
	agent.goal = goal
	agent.currentTask = taskID
	agent.path = append([]Vec2(nil), path...)
	agent.activity = ActivityMoving
	return nil
}

// ClearAgentGoal stops an agent in place.
func (w *World) ClearAgentGoal(id string) {
	agent, ok := w.byID[id]
	if !ok {
		return
	}
	agent.goal = ""
	agent.currentTask = ""
	agent.path = nil
	agent.vel = Vec2{}
	agent.activity = ActivityIdle
}

// TaskByID looks up a configured task site.
func (w *World) TaskByID(id string) (TaskSite, bool) {
	if id == "" {
		return TaskSite{}, false
	}
	for _, site := range w.cfg.TaskSites {
		if site.ID == id {
			return site, true
		}
	}
	return TaskSite{}, false
}

// NextIncompleteTask returns the first unfinished task site in config order.
func (w *World) NextIncompleteTask() (TaskSite, bool) {
	for _, site := range w.cfg.TaskSites {
		if !w.tasksDone[site.ID] {
			return site, true
		}
	}
	return TaskSite{}, false
}

// RandomPoint picks a uniformly random in-bounds position from the world RNG.
func (w *World) RandomPoint() Vec2 {
	return Vec2{
		X: w.deps.RNG.Float64() * w.cfg.Width,
		Y: w.deps.RNG.Float64() * w.cfg.Height,
	}
}

// TaskProgress reports the completed fraction of all task sites.
func (w *World) TaskProgress() float64 {
	if len(w.cfg.TaskSites) == 0 {
		return 0
	}
	done := 0
	for _, site := range w.cfg.TaskSites {
		if w.tasksDone[site.ID] {
			done++
		}
	}
	return float64(done) / float64(len(w.cfg.TaskSites))
}

// Snapshot builds the immutable full-state view for one tick.
func (w *World) Snapshot(tick uint64, now time.Time) Snapshot {
	snapshot := Snapshot{
		Tick:         tick,
		Timestamp:    now.UnixMilli(),
		Phase:        w.phase,
		TaskProgress: w.TaskProgress(),
		Agents:       make([]AgentSnapshot, 0, len(w.agents)),
	}
	for _, agent := range w.agents {
		snapshot.Agents = append(snapshot.Agents, w.snapshotAgent(agent))
	}
	if len(w.events) > 0 {
		snapshot.Events = append([]WorldEvent(nil), w.events...)
		w.events = w.events[:0]
	}
	return snapshot
}

func (w *World) snapshotAgent(agent *agentState) AgentSnapshot {
	location := "hallway"
	zone := ""
	for _, z := range w.cfg.Zones {
		if z.Contains(agent.pos) {
			location = "room"
			zone = z.Name
			break
		}
	}
	movement := MovementState{
		Position: agent.pos,
		Velocity: agent.vel,
		Facing:   agent.facing,
		Speed:    agent.speed,
		Moving:   agent.activity == ActivityMoving,
	}
	if len(agent.path) > 0 {
		movement.Path = append([]Vec2(nil), agent.path...)
	}
	return AgentSnapshot{
		ID:       agent.id,
		Name:     agent.name,
		Movement: movement,
		Summary: SummaryState{
			Activity: agent.activity,
			Location: location,
			Zone:     zone,
			Goal:     agent.goal,
		},
	}
}

func deriveFacing(dx, dy float64, fallback string) string {
	if dx == 0 && dy == 0 {
		return fallback
	}
	if math.Abs(dx) > math.Abs(dy) {
		if dx > 0 {
			return "right"
		}
		return "left"
	}
	if dy > 0 {
		return "down"
	}
	return "up"
}
