package network

import (
	"context"

	"crewsim/server/logging"
)

const (
	// EventBroadcast is emitted after a delta is fanned out to subscribers.
	EventBroadcast logging.EventType = "network.broadcast"
	// EventClientDisconnected is emitted when a subscriber is dropped.
	EventClientDisconnected logging.EventType = "network.client_disconnected"
)

// BroadcastPayload captures fan-out accounting for one tick.
type BroadcastPayload struct {
	Bytes       int `json:"bytes"`
	Subscribers int `json:"subscribers"`
	Agents      int `json:"agents"`
	Removed     int `json:"removed"`
}

// Broadcast publishes a debug event describing one delta fan-out.
func Broadcast(ctx context.Context, pub logging.Publisher, tick uint64, payload BroadcastPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventBroadcast,
		Tick:     tick,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

// ClientDisconnected publishes an info event when a subscriber is removed.
func ClientDisconnected(ctx context.Context, pub logging.Publisher, clientID, reason string) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventClientDisconnected,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetwork,
		Actor:    logging.EntityRef{ID: clientID, Kind: logging.EntityKindClient},
	}
	pub.Publish(ctx, event.WithExtra("reason", reason))
}
