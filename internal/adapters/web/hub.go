// Package web holds the HTTP-facing pieces shared across the
// management API: the websocket hub that streams bus events to
// dashboards and the topology snapshot served both over REST and over
// the hub's periodic refresh.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/efuentes-sec/ztcore/internal/adapters/web/middleware"
	"github.com/efuentes-sec/ztcore/internal/core/domain"
	"github.com/efuentes-sec/ztcore/internal/core/ports"
)

const (
	// writeDeadline bounds a single frame write; a client that cannot
	// keep up is dropped rather than allowed to stall the broadcast.
	writeDeadline = 5 * time.Second
	// topologyInterval is how often the full topology snapshot is
	// pushed to connected dashboards.
	topologyInterval = 5 * time.Second
	// alertRingSize caps the in-memory ring served by the alerts
	// endpoint.
	alertRingSize = 256
)

// Message is the envelope for every frame pushed to dashboard clients.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Hub fans bus events out to websocket clients and keeps the ring of
// recent alerts.
type Hub struct {
	bus       ports.EventBus
	store     ports.IdentityStore
	trust     ports.TrustScorer
	decisions ports.DecisionPoint

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]*domain.User
	alerts  []domain.Alert
}

// NewHub wires the hub against the bus and the read models the
// topology snapshot needs.
func NewHub(bus ports.EventBus, store ports.IdentityStore, trust ports.TrustScorer, decisions ports.DecisionPoint) *Hub {
	return &Hub{
		bus:       bus,
		store:     store,
		trust:     trust,
		decisions: decisions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Non-browser clients send no Origin; browsers must come
			// from the host serving the API.
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				return err == nil && u.Host == r.Host
			},
		},
		clients: make(map[*websocket.Conn]*domain.User),
	}
}

// Start subscribes to the dashboard topics and launches the broadcast
// loop. The loop stops when ctx is cancelled.
func (h *Hub) Start(ctx context.Context) {
	alerts, cancelAlerts := h.bus.Subscribe(domain.TopicAlert)
	trust, cancelTrust := h.bus.Subscribe(domain.TopicTrustChanged)
	decisions, cancelDecisions := h.bus.Subscribe(domain.TopicDecision)
	threats, cancelThreats := h.bus.Subscribe(domain.TopicThreatUpdated)
	status, cancelStatus := h.bus.Subscribe(domain.TopicDeviceStatus)

	go func() {
		defer cancelAlerts()
		defer cancelTrust()
		defer cancelDecisions()
		defer cancelThreats()
		defer cancelStatus()

		ticker := time.NewTicker(topologyInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				h.closeAll()
				return
			case ev, ok := <-alerts:
				if !ok {
					return
				}
				if alert, ok := ev.Payload.(domain.Alert); ok {
					h.remember(alert)
					h.Broadcast("alert", alert)
				}
			case ev, ok := <-trust:
				if !ok {
					return
				}
				h.Broadcast("trust", ev.Payload)
			case ev, ok := <-decisions:
				if !ok {
					return
				}
				h.Broadcast("decision", ev.Payload)
			case ev, ok := <-threats:
				if !ok {
					return
				}
				h.Broadcast("threat", ev.Payload)
			case ev, ok := <-status:
				if !ok {
					return
				}
				h.Broadcast("device_status", ev.Payload)
			case <-ticker.C:
				h.pushTopology(ctx)
			}
		}
	}()
}

// HandleWebSocket upgrades an authenticated request and registers the
// client for broadcasts.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = user
	count := len(h.clients)
	h.mu.Unlock()
	slog.Info("Dashboard connected", "user", user.Username, "clients", count)

	// The dashboard never sends anything meaningful; reading here
	// surfaces disconnects so the client can be deregistered.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.drop(conn)
				return
			}
		}
	}()
}

// Broadcast pushes one typed message to every connected client.
// Clients that miss the write deadline are dropped.
func (h *Hub) Broadcast(kind string, payload any) {
	data, err := json.Marshal(Message{Type: kind, Payload: payload})
	if err != nil {
		slog.Warn("Broadcast marshal failed", "type", kind, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// Alerts returns up to limit recent alerts, newest first. limit <= 0
// returns the whole ring.
func (h *Hub) Alerts(limit int) []domain.Alert {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.alerts)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.Alert, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, h.alerts[i])
	}
	return out
}

// ClientCount reports connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) remember(alert domain.Alert) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alerts = append(h.alerts, alert)
	if len(h.alerts) > alertRingSize {
		h.alerts = h.alerts[len(h.alerts)-alertRingSize:]
	}
}

func (h *Hub) pushTopology(ctx context.Context) {
	h.mu.Lock()
	idle := len(h.clients) == 0
	h.mu.Unlock()
	if idle {
		return
	}

	entries, err := BuildTopology(ctx, h.store, h.trust, h.decisions)
	if err != nil {
		slog.Warn("Topology snapshot failed", "error", err)
		return
	}
	h.Broadcast("topology", entries)
}

// drop serializes Close with Broadcast's writes via the hub mutex; the
// websocket package forbids concurrent writers on one connection.
func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn.Close()
	delete(h.clients, conn)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}
