// Package app assembles the server from its parts and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	nethttp "net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"crewsim/server/internal/config"
	"crewsim/server/internal/hub"
	"crewsim/server/internal/journal"
	"crewsim/server/internal/nav"
	servernet "crewsim/server/internal/net"
	"crewsim/server/internal/queue"
	"crewsim/server/internal/telemetry"
	"crewsim/server/logging"
	loggingSinks "crewsim/server/logging/sinks"
)

const shutdownGrace = 5 * time.Second

// Options customizes a Run invocation.
type Options struct {
	// ConfigPath is the explicit config file; empty runs on defaults and
	// environment overrides only.
	ConfigPath string
	Logger     telemetry.Logger
}

// Run starts the server and blocks until ctx is canceled or the listener
// fails. Shutdown drains the tick loop, the request queue, and the logging
// router in that order.
func Run(ctx context.Context, opts Options) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	telemetryLogger := opts.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}

	fallbackLogger := log.Default()
	if provider, ok := telemetryLogger.(interface{ StandardLogger() *log.Logger }); ok {
		if candidate := provider.StandardLogger(); candidate != nil {
			fallbackLogger = candidate
		}
	}

	logCfg := logging.DefaultConfig()
	if len(cfg.Log.Sinks) > 0 {
		logCfg.EnabledSinks = append([]string(nil), cfg.Log.Sinks...)
	}
	logCfg.MinimumSeverity = parseSeverity(cfg.Log.Level)

	sinks := map[string]logging.Sink{
		"console": loggingSinks.NewConsole(os.Stdout),
	}
	if cfg.Log.JSON {
		sinks["json"] = loggingSinks.NewJSON(os.Stdout, logCfg.JSON.FlushInterval)
		if !logCfg.HasSink("json") {
			logCfg.EnabledSinks = append(logCfg.EnabledSinks, "json")
		}
	}

	var jnl *journal.Journal
	if cfg.Journal.Path != "" {
		jnl, err = journal.Open(cfg.Journal.Path, journal.Deps{})
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		sinks[journal.SinkName] = jnl
		if !logCfg.HasSink(journal.SinkName) {
			logCfg.EnabledSinks = append(logCfg.EnabledSinks, journal.SinkName)
		}
		// Job settlement events carry debug severity; the router must let
		// them through for the journal to see them.
		if logCfg.MinimumSeverity > logging.SeverityDebug {
			logCfg.MinimumSeverity = logging.SeverityDebug
		}
	}

	router, err := logging.NewRouter(logCfg, logging.SystemClock{}, fallbackLogger, sinks)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	q := queue.New(queue.Config{
		Timeout:   time.Duration(cfg.Queue.TimeoutMillis) * time.Millisecond,
		Retention: time.Duration(cfg.Queue.RetentionSeconds) * time.Second,
		Throttle:  throttleConfig(cfg.Throttle),
	}, queue.Deps{
		Logger:    telemetryLogger,
		Publisher: router,
	})
	defer func() {
		if cleared := q.Clear(); cleared > 0 {
			telemetryLogger.Printf("cleared %d pending inference jobs on shutdown", cleared)
		}
		q.Close()
	}()

	hubCfg := hubConfig(cfg)
	h := hub.New(hubCfg, hub.Deps{
		Logger:    telemetryLogger,
		Publisher: router,
	}, q, nil, nav.NewGrid(hubCfg.Sim), nil)
	h.Start()
	defer h.Stop()

	handler := servernet.NewHandler(h, servernet.Config{
		Logger:         telemetryLogger,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		EnablePprof:    cfg.HTTP.EnablePprof,
	})

	srv := &nethttp.Server{Addr: cfg.Listen, Handler: handler}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		telemetryLogger.Printf("server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if opts.ConfigPath != "" {
		err := config.Watch(ctx, opts.ConfigPath, telemetryLogger, func(next config.Config) {
			q.Retune(throttleConfig(next.Throttle))
			telemetryLogger.Printf("throttle retuned: ceiling=%.0f target=%.2f",
				next.Throttle.CeilingTokensPerSecond, next.Throttle.TargetUtilization)
		})
		if err != nil {
			telemetryLogger.Printf("config watch unavailable: %v", err)
		}
	}

	return g.Wait()
}

func hubConfig(cfg config.Config) hub.Config {
	hubCfg := hub.DefaultConfig()
	if cfg.Sim.Agents > 0 {
		hubCfg.Sim.AgentCount = cfg.Sim.Agents
	}
	if cfg.Sim.TickIntervalMillis > 0 {
		hubCfg.Schedule.Interval = time.Duration(cfg.Sim.TickIntervalMillis) * time.Millisecond
	}
	if cfg.Sim.KeyframeInterval > 0 {
		hubCfg.KeyframeInterval = cfg.Sim.KeyframeInterval
	}
	if cfg.Sim.Epsilon > 0 {
		hubCfg.Epsilon = cfg.Sim.Epsilon
	}
	if cfg.Sim.DecisionSeconds > 0 {
		hubCfg.Decision.DecisionInterval = time.Duration(cfg.Sim.DecisionSeconds * float64(time.Second))
	}
	return hubCfg
}

func throttleConfig(cfg config.ThrottleConfig) queue.ThrottleConfig {
	return queue.ThrottleConfig{
		CeilingTokensPerSecond: cfg.CeilingTokensPerSecond,
		TargetUtilization:      cfg.TargetUtilization,
		MinCoefficient:         cfg.MinCoefficient,
		MaxCoefficient:         cfg.MaxCoefficient,
	}
}

func parseSeverity(level string) logging.Severity {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logging.SeverityDebug
	case "warn", "warning":
		return logging.SeverityWarn
	case "error":
		return logging.SeverityError
	default:
		return logging.SeverityInfo
	}
}
