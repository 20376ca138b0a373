package sim

// Vec2 is a 2D world-space point.
type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Phase enumerates the coarse world states driven by the external rule modules.
type Phase string

const (
	PhaseLobby   Phase = "lobby"
	PhaseTasks   Phase = "tasks"
	PhaseMeeting Phase = "meeting"
)

// Activity enumerates what an agent is currently doing.
type Activity string

const (
	ActivityIdle    Activity = "idle"
	ActivityMoving  Activity = "moving"
	ActivityWorking Activity = "working"
)

// MovementState is the high-churn field group synchronized with epsilon
// tolerance on positions.
type MovementState struct {
	Position Vec2    `json:"position"`
	Velocity Vec2    `json:"velocity"`
	Facing   string  `json:"facing"`
	Speed    float64 `json:"speed"`
	Moving   bool    `json:"moving"`
	Path     []Vec2  `json:"path,omitempty"`
}

// SummaryState is the low-churn field group compared with exact equality.
type SummaryState struct {
	Activity Activity `json:"activity"`
	Location string   `json:"location"`
	Zone     string   `json:"zone"`
	Goal     string   `json:"goal"`
}

// AgentSnapshot is the published view of one agent. Immutable once built.
type AgentSnapshot struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Movement MovementState `json:"movement"`
	Summary  SummaryState  `json:"summary"`
}

// WorldEvent is an opaque fact emitted by a rule module. The simulation only
// copies it into snapshots, it never interprets the payload.
type WorldEvent struct {
	Type    string         `json:"type"`
	Tick    uint64         `json:"tick"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Snapshot is the full, deep-copied world state captured once per tick.
type Snapshot struct {
	Tick         uint64          `json:"tick"`
	Timestamp    int64           `json:"timestamp"`
	Phase        Phase           `json:"phase"`
	TaskProgress float64         `json:"taskProgress"`
	Agents       []AgentSnapshot `json:"agents"`
	Events       []WorldEvent    `json:"events,omitempty"`
}

// Clone deep-copies a snapshot so holders can retain it safely.
func (s Snapshot) Clone() Snapshot {
	cloned := s
	cloned.Agents = make([]AgentSnapshot, len(s.Agents))
	for i, agent := range s.Agents {
		cloned.Agents[i] = agent
		if len(agent.Movement.Path) > 0 {
			cloned.Agents[i].Movement.Path = append([]Vec2(nil), agent.Movement.Path...)
		}
	}
	if len(s.Events) > 0 {
		cloned.Events = append([]WorldEvent(nil), s.Events...)
	}
	return cloned
}

// Pathfinder produces a walkable path between two points. Consulted
// synchronously inside a tick; construction of the mesh is external.
type Pathfinder interface {
	FindPath(start, end Vec2) ([]Vec2, error)
}

// RuleEvents supplies opaque domain events from the external game-rule
// modules, drained once per tick while the snapshot is built.
type RuleEvents interface {
	Drain(tick uint64) []WorldEvent
}
