// Package diff converts consecutive world snapshots into minimal change
// records for outbound synchronization.
package diff

import (
	"math"

	"crewsim/server/internal/sim"
)

// DefaultEpsilon absorbs floating point noise in position comparisons.
const DefaultEpsilon = 0.01

// AgentDelta carries per-group change flags plus the new value for each
// group that changed. Unchanged groups carry no payload.
type AgentDelta struct {
	ID              string             `json:"id"`
	SummaryChanged  bool               `json:"summaryChanged"`
	Summary         *sim.SummaryState  `json:"summary,omitempty"`
	MovementChanged bool               `json:"movementChanged"`
	Movement        *sim.MovementState `json:"movement,omitempty"`
}

// WorldDelta is the transport-facing difference between two snapshots.
type WorldDelta struct {
	Tick          uint64           `json:"tick"`
	Timestamp     int64            `json:"timestamp"`
	Phase         sim.Phase        `json:"phase,omitempty"`
	TaskProgress  *float64         `json:"taskProgress,omitempty"`
	Agents        []AgentDelta     `json:"agents"`
	RemovedAgents []string         `json:"removedAgents"`
	Events        []sim.WorldEvent `json:"events,omitempty"`
}

// Empty reports whether the delta carries nothing worth sending.
func (d WorldDelta) Empty() bool {
	return len(d.Agents) == 0 && len(d.RemovedAgents) == 0 &&
		d.Phase == "" && d.TaskProgress == nil && len(d.Events) == 0
}

// Differ computes snapshot deltas. It is pure and holds no state between
// calls; the caller retains the last published snapshot as the next previous.
type Differ struct {
	epsilon float64
}

// New constructs a differ; a non-positive epsilon selects the default.
func New(epsilon float64) *Differ {
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	return &Differ{epsilon: epsilon}
}

// Diff compares the previous published snapshot with the current one. A nil
// previous produces a full-state bootstrap: every agent fully changed.
func (d *Differ) Diff(previous *sim.Snapshot, current sim.Snapshot) WorldDelta {
	delta := WorldDelta{
		Tick:          current.Tick,
		Timestamp:     current.Timestamp,
		Agents:        make([]AgentDelta, 0, len(current.Agents)),
		RemovedAgents: make([]string, 0),
		Events:        current.Events,
	}

	if previous == nil {
		delta.Phase = current.Phase
		progress := current.TaskProgress
		delta.TaskProgress = &progress
		for i := range current.Agents {
			delta.Agents = append(delta.Agents, fullAgentDelta(current.Agents[i]))
		}
		return delta
	}

	if current.Phase != previous.Phase {
		delta.Phase = current.Phase
	}
	if current.TaskProgress != previous.TaskProgress {
		progress := current.TaskProgress
		delta.TaskProgress = &progress
	}

	prevByID := make(map[string]*sim.AgentSnapshot, len(previous.Agents))
	for i := range previous.Agents {
		prevByID[previous.Agents[i].ID] = &previous.Agents[i]
	}

	seen := make(map[string]struct{}, len(current.Agents))
	for i := range current.Agents {
		agent := current.Agents[i]
		seen[agent.ID] = struct{}{}

		prev, ok := prevByID[agent.ID]
		if !ok {
			delta.Agents = append(delta.Agents, fullAgentDelta(agent))
			continue
		}

		entry := AgentDelta{ID: agent.ID}
		if agent.Summary != prev.Summary {
			entry.SummaryChanged = true
			summary := agent.Summary
			entry.Summary = &summary
		}
		if d.movementChanged(prev.Movement, agent.Movement) {
			entry.MovementChanged = true
			movement := agent.Movement
			entry.Movement = &movement
		}
		if entry.SummaryChanged || entry.MovementChanged {
			delta.Agents = append(delta.Agents, entry)
		}
	}

	for i := range previous.Agents {
		if _, ok := seen[previous.Agents[i].ID]; !ok {
			delta.RemovedAgents = append(delta.RemovedAgents, previous.Agents[i].ID)
		}
	}

	return delta
}

func fullAgentDelta(agent sim.AgentSnapshot) AgentDelta {
	summary := agent.Summary
	movement := agent.Movement
	return AgentDelta{
		ID:              agent.ID,
		SummaryChanged:  true,
		Summary:         &summary,
		MovementChanged: true,
		Movement:        &movement,
	}
}

func (d *Differ) movementChanged(prev, current sim.MovementState) bool {
	if !d.closeEnough(prev.Position, current.Position) {
		return true
	}
	if !d.closeEnough(prev.Velocity, current.Velocity) {
		return true
	}
	if prev.Facing != current.Facing || prev.Moving != current.Moving {
		return true
	}
	if math.Abs(prev.Speed-current.Speed) > d.epsilon {
		return true
	}
	if len(prev.Path) != len(current.Path) {
		return true
	}
	for i := range prev.Path {
		if prev.Path[i] != current.Path[i] {
			return true
		}
	}
	return false
}

func (d *Differ) closeEnough(a, b sim.Vec2) bool {
	return math.Abs(a.X-b.X) <= d.epsilon && math.Abs(a.Y-b.Y) <= d.epsilon
}
