package telemetry

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestLoggerFuncNilReceiver(t *testing.T) {
	var fn LoggerFunc
	fn.Printf("should not panic %d", 1)
}

func TestWrapLoggerForwards(t *testing.T) {
	var buf bytes.Buffer
	wrapped := WrapLogger(log.New(&buf, "", 0))
	wrapped.Printf("hello %s", "world")
	if got := strings.TrimSpace(buf.String()); got != "hello world" {
		t.Fatalf("expected forwarded message, got %q", got)
	}
}

func TestWrapLoggerNilInner(t *testing.T) {
	wrapped := WrapLogger(nil)
	wrapped.Printf("no destination")
}

func TestNopMetrics(t *testing.T) {
	m := NopMetrics()
	m.Add("ticks", 1)
	m.Store("depth", 2)
}
