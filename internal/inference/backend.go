// Package inference defines the contract for the external decision backend.
// The backend itself (prompt construction, model hosting) lives elsewhere;
// the simulation only submits opaque calls through the request queue.
package inference

import (
	"context"

	"crewsim/server/internal/queue"
	"crewsim/server/internal/sim"
)

// Observation is the agent-centric view handed to the backend.
type Observation struct {
	AgentID      string    `json:"agentId"`
	Name         string    `json:"name"`
	Tick         uint64    `json:"tick"`
	Position     sim.Vec2  `json:"position"`
	Zone         string    `json:"zone"`
	Activity     string    `json:"activity"`
	Goal         string    `json:"goal"`
	Phase        sim.Phase `json:"phase"`
	TaskProgress float64   `json:"taskProgress"`
	Nearby       []string  `json:"nearby,omitempty"`
}

// Action enumerates what a decision asks the agent to do.
type Action string

const (
	ActionTask   Action = "task"
	ActionWander Action = "wander"
	ActionIdle   Action = "idle"
)

// Decision is the backend's answer to "what should this agent do next".
type Decision struct {
	Action Action `json:"action"`
	TaskID string `json:"taskId,omitempty"`
	Goal   string `json:"goal,omitempty"`
}

// Reaction is the backend's answer to a reactive trigger poll: ancillary
// flavor output that never affects movement.
type Reaction struct {
	Utterance string `json:"utterance,omitempty"`
}

// UsageReporter lets a backend report token consumption. Reports must happen
// before the call returns; late reports are discarded by the queue.
type UsageReporter func(usage queue.TokenUsage)

// Backend produces decisions and reactions. Implementations may be slow; all
// calls are serialized and timed out by the request queue.
type Backend interface {
	Decide(ctx context.Context, obs Observation, report UsageReporter) (Decision, error)
	React(ctx context.Context, obs Observation, report UsageReporter) (Reaction, error)
}
