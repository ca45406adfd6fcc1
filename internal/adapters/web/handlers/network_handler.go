package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/efuentes-sec/ztcore/internal/adapters/web"
	"github.com/efuentes-sec/ztcore/internal/core/ports"
)

// NetworkHandler serves the network-wide read surfaces: topology, the
// decision audit trail, threats, mitigations and the recent alert ring.
type NetworkHandler struct {
	Store     ports.IdentityStore
	Trust     ports.TrustScorer
	Decisions ports.DecisionPoint
	Audit     ports.DecisionAuditLog
	Hub       *web.Hub
}

// NewNetworkHandler creates a new NetworkHandler.
func NewNetworkHandler(store ports.IdentityStore, trust ports.TrustScorer, decisions ports.DecisionPoint, audit ports.DecisionAuditLog, hub *web.Hub) *NetworkHandler {
	return &NetworkHandler{
		Store:     store,
		Trust:     trust,
		Decisions: decisions,
		Audit:     audit,
		Hub:       hub,
	}
}

// HandleTopology returns the per-device network view.
func (h *NetworkHandler) HandleTopology(w http.ResponseWriter, r *http.Request) {
	entries, err := web.BuildTopology(r.Context(), h.Store, h.Trust, h.Decisions)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

// HandleDecisions returns audit records at or after ?since= (RFC 3339
// or unix seconds), oldest first.
func (h *NetworkHandler) HandleDecisions(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		http.Error(w, "Invalid since timestamp", http.StatusBadRequest)
		return
	}

	records, err := h.Audit.ListDecisions(r.Context(), since, queryInt(r, "limit", 0))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

// HandleThreats returns the active threat table.
func (h *NetworkHandler) HandleThreats(w http.ResponseWriter, r *http.Request) {
	threats, err := h.Store.ListThreats(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, threats)
}

// HandleMitigations returns the installed mitigation rules.
func (h *NetworkHandler) HandleMitigations(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Store.ListMitigationRules(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rules)
}

// HandleAlerts returns recent alerts from the hub's ring, newest
// first.
func (h *NetworkHandler) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Hub.Alerts(queryInt(r, "limit", 50)))
}

func parseSince(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0), nil
}
