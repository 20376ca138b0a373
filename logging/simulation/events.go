package simulation

import (
	"context"

	"crewsim/server/logging"
)

const (
	// EventTickBudgetOverrun is emitted when a world step exceeds the tick budget.
	EventTickBudgetOverrun logging.EventType = "simulation.tick_budget_overrun"
	// EventTickDropped is emitted when the scheduler skips ticks after a stall.
	EventTickDropped logging.EventType = "simulation.tick_dropped"
	// EventListenerPanic is emitted when a tick listener panics.
	EventListenerPanic logging.EventType = "simulation.listener_panic"
)

// TickBudgetOverrunPayload captures timing details for a tick budget breach.
type TickBudgetOverrunPayload struct {
	DurationMillis int64   `json:"durationMillis"`
	BudgetMillis   int64   `json:"budgetMillis"`
	Ratio          float64 `json:"ratio"`
}

// TickBudgetOverrun publishes a warning when a step exceeds the configured budget.
func TickBudgetOverrun(ctx context.Context, pub logging.Publisher, tick uint64, payload TickBudgetOverrunPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventTickBudgetOverrun,
		Tick:     tick,
		Severity: logging.SeverityWarn,
		Category: logging.CategorySimulation,
		Payload:  payload,
	})
}

// TickDroppedPayload captures how far behind the scheduler fell.
type TickDroppedPayload struct {
	Dropped     uint64 `json:"dropped"`
	OverrunMs   int64  `json:"overrunMs"`
	TotalSkipps uint64 `json:"totalDropped"`
}

// TickDropped publishes a warning when the scheduler abandons catch-up ticks.
func TickDropped(ctx context.Context, pub logging.Publisher, tick uint64, payload TickDroppedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventTickDropped,
		Tick:     tick,
		Severity: logging.SeverityWarn,
		Category: logging.CategorySimulation,
		Payload:  payload,
	})
}

// ListenerPanic publishes an error when a tick listener panics.
func ListenerPanic(ctx context.Context, pub logging.Publisher, tick uint64, recovered any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventListenerPanic,
		Tick:     tick,
		Severity: logging.SeverityError,
		Category: logging.CategorySimulation,
	}
	pub.Publish(ctx, event.WithExtra("panic", recovered))
}
