// Package hub wires the world, the decision pipeline, the differ, and the
// tick scheduler together and fans broadcast frames out to subscribers.
package hub

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"crewsim/server/internal/decision"
	"crewsim/server/internal/diff"
	"crewsim/server/internal/inference"
	"crewsim/server/internal/queue"
	"crewsim/server/internal/scheduler"
	"crewsim/server/internal/sim"
	"crewsim/server/internal/telemetry"
	"crewsim/server/logging"
	lognetwork "crewsim/server/logging/network"
)

// ProtocolVersion tags every frame so clients can reject incompatible servers.
const ProtocolVersion = 1

const (
	defaultKeyframeInterval = 60
	defaultNearbyRadius     = 96.0
	defaultWriteWait        = 5 * time.Second
)

// Conn is the subset of *websocket.Conn the hub writes through.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Config tunes the hub and the components it constructs.
type Config struct {
	Sim      sim.Config
	Schedule scheduler.Config
	Decision decision.Config

	// KeyframeInterval is the number of broadcasts between full snapshots.
	KeyframeInterval int
	// Epsilon is the movement comparison tolerance handed to the differ.
	Epsilon float64
	// NearbyRadius bounds the neighbor list included in observations.
	NearbyRadius float64
	// WriteWait caps each subscriber write.
	WriteWait time.Duration
}

// DefaultConfig returns the tuning the server ships with.
func DefaultConfig() Config {
	return Config{
		Sim:              sim.DefaultConfig(),
		KeyframeInterval: defaultKeyframeInterval,
		Epsilon:          diff.DefaultEpsilon,
		NearbyRadius:     defaultNearbyRadius,
		WriteWait:        defaultWriteWait,
	}
}

func (c Config) withDefaults() Config {
	if c.KeyframeInterval <= 0 {
		c.KeyframeInterval = defaultKeyframeInterval
	}
	if c.Epsilon <= 0 {
		c.Epsilon = diff.DefaultEpsilon
	}
	if c.NearbyRadius <= 0 {
		c.NearbyRadius = defaultNearbyRadius
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	return c
}

// Deps carries shared infrastructure dependencies required by the hub and
// everything it constructs.
type Deps struct {
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Clock     logging.Clock
	RNG       *rand.Rand
	Publisher logging.Publisher
}

func (d Deps) withDefaults() Deps {
	if d.Metrics == nil {
		d.Metrics = telemetry.NopMetrics()
	}
	if d.Clock == nil {
		d.Clock = logging.SystemClock{}
	}
	if d.RNG == nil {
		d.RNG = rand.New(rand.NewSource(1))
	}
	return d
}

type clientState struct {
	id            string
	joinedAt      time.Time
	lastHeartbeat time.Time
	lastRTT       time.Duration
}

// Subscriber is one attached connection. Writes are serialized and bounded
// by the hub's write deadline.
type Subscriber struct {
	clientID string
	hub      *Hub
	conn     Conn
	mu       sync.Mutex
}

// ClientID reports the joined client this subscriber belongs to.
func (s *Subscriber) ClientID() string {
	return s.clientID
}

// WriteMessage sends one text frame under the write deadline.
func (s *Subscriber) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(s.hub.deps.Clock.Now().Add(s.hub.cfg.WriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub owns the subscriber set and the last-published snapshot. World and
// pipeline state is mutated on the tick goroutine only; the hub mutex guards
// only the client and subscriber maps plus the publish cursor.
type Hub struct {
	cfg      Config
	deps     Deps
	world    *sim.World
	pipeline *decision.Pipeline
	differ   *diff.Differ
	sched    *scheduler.Scheduler
	queue    *queue.RequestQueue

	agentCount int

	mu            sync.Mutex
	clients       map[string]*clientState
	subscribers   map[string]*Subscriber
	lastPublished *sim.Snapshot
	sinceKeyframe int
}

// New constructs the hub plus the world, pipeline, differ, and scheduler it
// drives. A nil backend leaves every agent on the fallback heuristic.
func New(cfg Config, deps Deps, q *queue.RequestQueue, backend inference.Backend, pathfinder sim.Pathfinder, rules sim.RuleEvents) *Hub {
	cfg = cfg.withDefaults()
	deps = deps.withDefaults()

	h := &Hub{
		cfg:         cfg,
		deps:        deps,
		queue:       q,
		clients:     make(map[string]*clientState),
		subscribers: make(map[string]*Subscriber),
	}

	h.world = sim.NewWorld(cfg.Sim, sim.Deps{
		Logger:    deps.Logger,
		Metrics:   deps.Metrics,
		Clock:     deps.Clock,
		RNG:       deps.RNG,
		Publisher: deps.Publisher,
	}, pathfinder, rules)

	h.pipeline = decision.New(cfg.Decision, decision.Deps{
		Logger:    deps.Logger,
		Metrics:   deps.Metrics,
		Clock:     deps.Clock,
		RNG:       deps.RNG,
		Publisher: deps.Publisher,
	}, q, backend, &worldHooks{hub: h})

	for _, id := range h.world.AgentIDs() {
		h.pipeline.AddAgent(id)
	}
	h.agentCount = len(h.world.AgentIDs())

	h.differ = diff.New(cfg.Epsilon)

	h.sched = scheduler.New(cfg.Schedule, scheduler.Deps{
		Logger:    deps.Logger,
		Metrics:   deps.Metrics,
		Clock:     deps.Clock,
		Publisher: deps.Publisher,
	}, h.step)
	h.sched.OnTick(h.publish)

	return h
}

// Start begins ticking. Idempotent.
func (h *Hub) Start() {
	h.sched.Start()
}

// Stop halts the tick loop and closes every subscriber connection.
func (h *Hub) Stop() {
	h.sched.Stop()

	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.subscribers = make(map[string]*Subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.conn.Close()
	}
}

// Scheduler exposes the tick scheduler for metrics listeners.
func (h *Hub) Scheduler() *scheduler.Scheduler {
	return h.sched
}

// step runs one simulation tick. Called by the scheduler only.
func (h *Hub) step(tick uint64, now time.Time, dt float64) sim.Snapshot {
	h.pipeline.Update(tick, now)
	h.world.Step(tick, dt)
	return h.world.Snapshot(tick, now)
}

// Join registers a viewer and returns its ID plus the current full snapshot.
func (h *Hub) Join() JoinResponse {
	now := h.deps.Clock.Now()
	client := &clientState{
		id:            uuid.NewString(),
		joinedAt:      now,
		lastHeartbeat: now,
	}

	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()

	snapshot := h.sched.LatestSnapshot()
	return JoinResponse{
		Ver:      ProtocolVersion,
		ID:       client.id,
		Snapshot: snapshot,
	}
}

// Subscribe attaches a connection to a joined client and returns the
// bootstrap frame. ok is false for unknown clients.
func (h *Hub) Subscribe(clientID string, conn Conn) (*Subscriber, []byte, bool) {
	h.mu.Lock()
	client, known := h.clients[clientID]
	if !known {
		h.mu.Unlock()
		return nil, nil, false
	}
	client.lastHeartbeat = h.deps.Clock.Now()

	if existing, ok := h.subscribers[clientID]; ok {
		existing.conn.Close()
	}
	sub := &Subscriber{clientID: clientID, hub: h, conn: conn}
	h.subscribers[clientID] = sub
	h.mu.Unlock()

	data, err := h.KeyframeFrame()
	if err != nil {
		if h.deps.Logger != nil {
			h.deps.Logger.Printf("[hub] bootstrap marshal failed for %s: %v", clientID, err)
		}
		return nil, nil, false
	}
	return sub, data, true
}

// KeyframeFrame builds a full-state frame from the latest snapshot, for
// bootstraps and explicit resync requests.
func (h *Hub) KeyframeFrame() ([]byte, error) {
	snapshot := h.sched.LatestSnapshot()
	bootstrap := h.differ.Diff(nil, snapshot)
	return json.Marshal(stateMessage{
		Type:       "state",
		Ver:        ProtocolVersion,
		Keyframe:   true,
		Delta:      &bootstrap,
		ServerTime: h.deps.Clock.Now().UnixMilli(),
	})
}

// StatsFrame builds a stats frame for periodic session reporting.
func (h *Hub) StatsFrame() ([]byte, error) {
	return json.Marshal(statsMessage{
		Type:       "stats",
		Stats:      h.Stats(),
		ServerTime: h.deps.Clock.Now().UnixMilli(),
	})
}

// Disconnect removes a client and closes its connection if subscribed.
func (h *Hub) Disconnect(clientID string, reason string) {
	h.mu.Lock()
	sub, subOK := h.subscribers[clientID]
	if subOK {
		delete(h.subscribers, clientID)
	}
	_, clientOK := h.clients[clientID]
	if clientOK {
		delete(h.clients, clientID)
	}
	h.mu.Unlock()

	if subOK {
		sub.conn.Close()
	}
	if clientOK {
		lognetwork.ClientDisconnected(context.Background(), h.deps.Publisher, clientID, reason)
		h.deps.Metrics.Add("clients_disconnected", 1)
	}
}

// UpdateHeartbeat records the latest heartbeat for a client and returns the
// measured round-trip time.
func (h *Hub) UpdateHeartbeat(clientID string, receivedAt time.Time, clientSent int64) (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[clientID]
	if !ok {
		return 0, false
	}
	client.lastHeartbeat = receivedAt

	if clientSent > 0 {
		clientTime := time.UnixMilli(clientSent)
		if clientTime.Before(receivedAt.Add(5 * time.Second)) {
			rtt := receivedAt.Sub(clientTime)
			if rtt < 0 {
				rtt = 0
			}
			client.lastRTT = rtt
		}
	}
	return client.lastRTT, true
}

// Stats assembles the combined observability projection for /stats.
func (h *Hub) Stats() StatsResponse {
	h.mu.Lock()
	clients := len(h.clients)
	subscribers := len(h.subscribers)
	var tick uint64
	if h.lastPublished != nil {
		tick = h.lastPublished.Tick
	}
	h.mu.Unlock()

	resp := StatsResponse{
		Ver:          ProtocolVersion,
		Tick:         tick,
		Clients:      clients,
		Subscribers:  subscribers,
		DroppedTicks: h.sched.DroppedTicks(),
		Agents:       h.agentCount,
	}
	if h.queue != nil {
		resp.Queue = h.queue.Stats()
	}
	return resp
}

// publish diffs the fresh snapshot against the last published one and fans
// the frame out. Runs on the scheduler's tick goroutine.
func (h *Hub) publish(result scheduler.TickResult) {
	snapshot := result.Snapshot

	h.mu.Lock()
	previous := h.lastPublished
	keyframe := previous == nil || h.sinceKeyframe >= h.cfg.KeyframeInterval
	var delta diff.WorldDelta
	if keyframe {
		delta = h.differ.Diff(nil, snapshot)
		h.sinceKeyframe = 0
	} else {
		delta = h.differ.Diff(previous, snapshot)
		h.sinceKeyframe++
	}
	h.lastPublished = &snapshot

	if !keyframe && delta.Empty() {
		h.mu.Unlock()
		return
	}

	subs := make([]*Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	msg := stateMessage{
		Type:       "state",
		Ver:        ProtocolVersion,
		Keyframe:   keyframe,
		Delta:      &delta,
		ServerTime: result.Now.UnixMilli(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		if h.deps.Logger != nil {
			h.deps.Logger.Printf("[hub] state marshal failed: %v", err)
		}
		return
	}

	for _, sub := range subs {
		if err := sub.WriteMessage(data); err != nil {
			if h.deps.Logger != nil {
				h.deps.Logger.Printf("[hub] write to %s failed: %v", sub.clientID, err)
			}
			h.Disconnect(sub.clientID, "write failed")
		}
	}

	h.deps.Metrics.Add("broadcasts", 1)
	lognetwork.Broadcast(context.Background(), h.deps.Publisher, result.Tick, lognetwork.BroadcastPayload{
		Bytes:       len(data),
		Subscribers: len(subs),
		Agents:      len(delta.Agents),
		Removed:     len(delta.RemovedAgents),
	})
}

// worldHooks adapts the hub's world for the decision pipeline. All methods
// run on the tick goroutine, so touching world state needs no locking.
type worldHooks struct {
	hub *Hub
}

func (wh *worldHooks) Observe(agentID string, tick uint64) (inference.Observation, bool) {
	w := wh.hub.world
	view, ok := w.AgentView(agentID)
	if !ok {
		return inference.Observation{}, false
	}
	return inference.Observation{
		AgentID:      agentID,
		Name:         view.Name,
		Tick:         tick,
		Position:     view.Movement.Position,
		Zone:         view.Summary.Zone,
		Activity:     string(view.Summary.Activity),
		Goal:         view.Summary.Goal,
		Phase:        w.Phase(),
		TaskProgress: w.TaskProgress(),
		Nearby:       w.Nearby(agentID, wh.hub.cfg.NearbyRadius),
	}, true
}

func (wh *worldHooks) ApplyDecision(agentID string, d inference.Decision) error {
	w := wh.hub.world
	switch d.Action {
	case inference.ActionTask:
		site, ok := w.TaskByID(d.TaskID)
		if !ok {
			site, ok = w.NextIncompleteTask()
		}
		if !ok {
			// Everything is done; treat the decision as a wander.
			return w.SetAgentGoal(agentID, d.Goal, "", w.RandomPoint())
		}
		goal := d.Goal
		if goal == "" {
			goal = site.ID
		}
		return w.SetAgentGoal(agentID, goal, site.ID, site.Position)
	case inference.ActionWander:
		return w.SetAgentGoal(agentID, d.Goal, "", w.RandomPoint())
	case inference.ActionIdle:
		w.ClearAgentGoal(agentID)
		return nil
	default:
		return w.SetAgentGoal(agentID, d.Goal, "", w.RandomPoint())
	}
}

func (wh *worldHooks) FallbackDecision(agentID string) inference.Decision {
	w := wh.hub.world
	if site, ok := w.NextIncompleteTask(); ok {
		return inference.Decision{Action: inference.ActionTask, TaskID: site.ID, Goal: site.ID}
	}
	return inference.Decision{Action: inference.ActionWander, Goal: "wander"}
}

func (wh *worldHooks) ApplyReaction(agentID string, r inference.Reaction) {
	if r.Utterance == "" {
		return
	}
	wh.hub.deps.Metrics.Add("reactions_applied", 1)
	if wh.hub.deps.Publisher != nil {
		event := logging.Event{
			Type:     "simulation.reaction",
			Severity: logging.SeverityDebug,
			Category: logging.CategorySimulation,
			Actor:    logging.EntityRef{ID: agentID, Kind: logging.EntityKindAgent},
		}
		wh.hub.deps.Publisher.Publish(context.Background(), event.WithExtra("utterance", r.Utterance))
	}
}
