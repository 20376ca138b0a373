package logging_test

import (
	"context"
	"testing"
	"time"

	"crewsim/server/logging"
	"crewsim/server/logging/sinks"
)

func newTestRouter(t *testing.T, cfg logging.Config) (*logging.Router, *sinks.Memory) {
	t.Helper()
	memory := sinks.NewMemory()
	router, err := logging.NewRouter(cfg, logging.ClockFunc(func() time.Time {
		return time.Unix(100, 0)
	}), nil, map[string]logging.Sink{"memory": memory})
	if err != nil {
		t.Fatalf("failed to construct router: %v", err)
	}
	return router, memory
}

func waitForEvents(t *testing.T, memory *sinks.Memory, want int) []logging.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events := memory.Events()
		if len(events) >= want {
			return events
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %d", want, len(memory.Events()))
	return nil
}

func TestRouterRoutesToEnabledSink(t *testing.T) {
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = []string{"memory"}
	router, memory := newTestRouter(t, cfg)
	defer router.Close(context.Background())

	router.Publish(context.Background(), logging.Event{
		Type:     "inference.job_completed",
		Tick:     7,
		Severity: logging.SeverityInfo,
	})

	events := waitForEvents(t, memory, 1)
	if events[0].Type != "inference.job_completed" {
		t.Fatalf("unexpected event type %q", events[0].Type)
	}
	if events[0].Tick != 7 {
		t.Fatalf("expected tick 7, got %d", events[0].Tick)
	}
	if events[0].Time != time.Unix(100, 0) {
		t.Fatalf("expected clock-stamped time, got %v", events[0].Time)
	}
}

func TestRouterFiltersBelowMinimumSeverity(t *testing.T) {
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = []string{"memory"}
	cfg.MinimumSeverity = logging.SeverityWarn
	router, memory := newTestRouter(t, cfg)
	defer router.Close(context.Background())

	router.Publish(context.Background(), logging.Event{Type: "quiet", Severity: logging.SeverityDebug})
	router.Publish(context.Background(), logging.Event{Type: "loud", Severity: logging.SeverityError})

	events := waitForEvents(t, memory, 1)
	for _, event := range events {
		if event.Type == "quiet" {
			t.Fatalf("debug event should have been filtered")
		}
	}
}

func TestRouterStampsSharedFields(t *testing.T) {
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = []string{"memory"}
	cfg.Fields = map[string]any{"instance": "test-1"}
	router, memory := newTestRouter(t, cfg)
	defer router.Close(context.Background())

	router.Publish(context.Background(), logging.Event{Type: "stamped", Severity: logging.SeverityInfo})

	events := waitForEvents(t, memory, 1)
	if got := events[0].Extra["instance"]; got != "test-1" {
		t.Fatalf("expected shared field, got %v", got)
	}
}

func TestRouterCloseIsIdempotent(t *testing.T) {
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = []string{"memory"}
	router, _ := newTestRouter(t, cfg)

	if err := router.Close(context.Background()); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := router.Close(context.Background()); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
}

func TestWithFieldsDoesNotOverrideEventExtras(t *testing.T) {
	var got logging.Event
	pub := logging.WithFields(logging.PublisherFunc(func(_ context.Context, event logging.Event) {
		got = event
	}), map[string]any{"region": "default"})

	event := logging.Event{Type: "x", Severity: logging.SeverityInfo}
	pub.Publish(context.Background(), event.WithExtra("region", "override"))

	if got.Extra["region"] != "override" {
		t.Fatalf("expected event extra to win, got %v", got.Extra["region"])
	}
}
