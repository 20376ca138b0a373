// Package ws runs websocket sessions for joined clients.
package ws

import (
	"encoding/json"
	nethttp "net/http"
	"time"

	"github.com/gorilla/websocket"

	"crewsim/server/internal/hub"
	"crewsim/server/internal/telemetry"
)

const defaultStatsInterval = 5 * time.Second

type clientMessage struct {
	Ver    int    `json:"ver,omitempty"`
	Type   string `json:"type"`
	SentAt int64  `json:"sentAt,omitempty"`
}

type heartbeatMessage struct {
	Ver        int    `json:"ver"`
	Type       string `json:"type"`
	ServerTime int64  `json:"serverTime"`
	ClientTime int64  `json:"clientTime"`
	RTTMillis  int64  `json:"rtt"`
}

// Config tunes websocket sessions.
type Config struct {
	Logger telemetry.Logger
	// StatsInterval is the cadence of unsolicited stats frames.
	StatsInterval time.Duration
}

// Handler upgrades connections and drives their sessions.
type Handler struct {
	hub      *hub.Hub
	logger   telemetry.Logger
	interval time.Duration
	upgrader websocket.Upgrader
}

// NewHandler constructs a websocket handler bound to the hub.
func NewHandler(h *hub.Hub, cfg Config) *Handler {
	interval := cfg.StatsInterval
	if interval <= 0 {
		interval = defaultStatsInterval
	}
	return &Handler{
		hub:      h,
		logger:   cfg.Logger,
		interval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *nethttp.Request) bool {
				return true
			},
		},
	}
}

// Handle upgrades the request and runs the session until the client leaves.
func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	clientID := r.URL.Query().Get("id")
	if clientID == "" {
		nethttp.Error(w, "missing id", nethttp.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.printf("upgrade failed for %s: %v", clientID, err)
		return
	}

	sub, bootstrap, ok := h.hub.Subscribe(clientID, conn)
	if !ok {
		message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown client")
		conn.WriteMessage(websocket.CloseMessage, message)
		conn.Close()
		return
	}

	if err := sub.WriteMessage(bootstrap); err != nil {
		h.hub.Disconnect(clientID, "bootstrap write failed")
		return
	}

	done := make(chan struct{})
	defer close(done)
	go h.statsLoop(sub, done)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			h.hub.Disconnect(clientID, "read failed")
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			h.printf("discarding malformed message from %s: %v", clientID, err)
			continue
		}

		switch msg.Type {
		case "heartbeat":
			now := time.Now()
			rtt, ok := h.hub.UpdateHeartbeat(clientID, now, msg.SentAt)
			if !ok {
				continue
			}
			ack := heartbeatMessage{
				Ver:        hub.ProtocolVersion,
				Type:       "heartbeat",
				ServerTime: now.UnixMilli(),
				ClientTime: msg.SentAt,
				RTTMillis:  rtt.Milliseconds(),
			}
			data, err := json.Marshal(ack)
			if err != nil {
				h.printf("failed to marshal heartbeat ack for %s: %v", clientID, err)
				continue
			}
			if err := sub.WriteMessage(data); err != nil {
				h.hub.Disconnect(clientID, "heartbeat write failed")
				return
			}
		case "keyframeRequest":
			data, err := h.hub.KeyframeFrame()
			if err != nil {
				h.printf("failed to marshal keyframe for %s: %v", clientID, err)
				continue
			}
			if err := sub.WriteMessage(data); err != nil {
				h.hub.Disconnect(clientID, "keyframe write failed")
				return
			}
		default:
			h.printf("unknown message type %q from %s", msg.Type, clientID)
		}
	}
}

// statsLoop pushes queue and tick stats at a fixed cadence until the session
// ends. Write failures are left for the read loop to notice.
func (h *Handler) statsLoop(sub *hub.Subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			data, err := h.hub.StatsFrame()
			if err != nil {
				h.printf("failed to marshal stats for %s: %v", sub.ClientID(), err)
				continue
			}
			if err := sub.WriteMessage(data); err != nil {
				return
			}
		}
	}
}

func (h *Handler) printf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf(format, args...)
	}
}
