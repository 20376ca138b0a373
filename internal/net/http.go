// Package net serves the HTTP surface: join, stats, health, and the
// websocket upgrade endpoint.
package net

import (
	"encoding/json"
	nethttp "net/http"
	"net/http/pprof"
	"time"

	"github.com/rs/cors"

	"crewsim/server/internal/hub"
	"crewsim/server/internal/net/ws"
	"crewsim/server/internal/telemetry"
)

// Config tunes the HTTP surface.
type Config struct {
	Logger telemetry.Logger
	// AllowedOrigins feeds the CORS layer; empty allows any origin.
	AllowedOrigins []string
	// EnablePprof mounts the profiling handlers under /debug/pprof/.
	EnablePprof bool
}

// NewHandler builds the full HTTP handler around a hub.
func NewHandler(h *hub.Hub, cfg Config) nethttp.Handler {
	logger := cfg.Logger

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/healthz", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/join", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, logger, h.Join())
	})

	mux.HandleFunc("/stats", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		payload := struct {
			Status     string            `json:"status"`
			ServerTime int64             `json:"serverTime"`
			Stats      hub.StatsResponse `json:"stats"`
		}{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
			Stats:      h.Stats(),
		}
		writeJSON(w, logger, payload)
	})

	wsHandler := ws.NewHandler(h, ws.Config{Logger: logger})
	mux.HandleFunc("/ws", wsHandler.Handle)

	if cfg.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	}

	corsLayer := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{nethttp.MethodGet, nethttp.MethodPost},
	})
	return corsLayer.Handler(mux)
}

func writeJSON(w nethttp.ResponseWriter, logger telemetry.Logger, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		if logger != nil {
			logger.Printf("failed to encode response: %v", err)
		}
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, message string, code int) {
	nethttp.Error(w, message, code)
}
