package hub

import (
	"crewsim/server/internal/diff"
	"crewsim/server/internal/queue"
	"crewsim/server/internal/sim"
)

// JoinResponse is returned from the HTTP join endpoint.
type JoinResponse struct {
	Ver      int          `json:"ver"`
	ID       string       `json:"id"`
	Snapshot sim.Snapshot `json:"snapshot"`
}

// stateMessage is the per-tick broadcast frame. Keyframe frames carry a
// bootstrap delta computed against nothing, so clients can resync from them.
type stateMessage struct {
	Type       string           `json:"type"`
	Ver        int              `json:"ver"`
	Keyframe   bool             `json:"keyframe,omitempty"`
	Delta      *diff.WorldDelta `json:"delta"`
	ServerTime int64            `json:"serverTime"`
}

// statsMessage wraps StatsResponse for websocket delivery.
type statsMessage struct {
	Type       string        `json:"type"`
	Stats      StatsResponse `json:"stats"`
	ServerTime int64         `json:"serverTime"`
}

// StatsResponse is the observability projection served at /stats.
type StatsResponse struct {
	Ver          int         `json:"ver"`
	Tick         uint64      `json:"tick"`
	Clients      int         `json:"clients"`
	Subscribers  int         `json:"subscribers"`
	Agents       int         `json:"agents"`
	DroppedTicks uint64      `json:"droppedTicks"`
	Queue        queue.Stats `json:"queue"`
}
