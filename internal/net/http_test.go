package net

import (
	"encoding/json"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewsim/server/internal/hub"
)

func newTestHandler(t *testing.T, cfg Config) nethttp.Handler {
	t.Helper()
	hubCfg := hub.DefaultConfig()
	hubCfg.Sim.AgentCount = 2
	h := hub.New(hubCfg, hub.Deps{}, nil, nil, nil, nil)
	return NewHandler(h, cfg)
}

func TestHealthz(t *testing.T) {
	handler := newTestHandler(t, Config{})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := nethttp.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestJoinReturnsSnapshot(t *testing.T) {
	handler := newTestHandler(t, Config{})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := nethttp.Post(srv.URL+"/join", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)

	var joined struct {
		ID       string `json:"id"`
		Snapshot struct {
			Agents []struct {
				ID string `json:"id"`
			} `json:"agents"`
		} `json:"snapshot"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&joined))
	assert.NotEmpty(t, joined.ID)
	assert.Len(t, joined.Snapshot.Agents, 2)
}

func TestJoinRejectsGet(t *testing.T) {
	handler := newTestHandler(t, Config{})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := nethttp.Get(srv.URL + "/join")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, nethttp.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStats(t *testing.T) {
	handler := newTestHandler(t, Config{})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := nethttp.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)

	var payload struct {
		Status string `json:"status"`
		Stats  struct {
			Agents int `json:"agents"`
		} `json:"stats"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "ok", payload.Status)
	assert.Equal(t, 2, payload.Stats.Agents)
}

func TestPprofDisabledByDefault(t *testing.T) {
	handler := newTestHandler(t, Config{})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := nethttp.Get(srv.URL + "/debug/pprof/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, nethttp.StatusNotFound, resp.StatusCode)
}

func TestPprofEnabled(t *testing.T) {
	handler := newTestHandler(t, Config{EnablePprof: true})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := nethttp.Get(srv.URL + "/debug/pprof/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
}
