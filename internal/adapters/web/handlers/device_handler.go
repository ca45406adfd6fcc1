package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
	"github.com/efuentes-sec/ztcore/internal/core/ports"
)

// QuarantineReleaser is the administrator action that lets a device
// leave quarantine; the traffic orchestrator implements it.
type QuarantineReleaser interface {
	ReleaseQuarantine(ctx context.Context, deviceID string) error
}

// DeviceHandler serves device identity, lifecycle transitions and
// per-device posture lookups.
type DeviceHandler struct {
	Store      ports.IdentityStore
	Onboarding ports.OnboardingService
	Trust      ports.TrustScorer
	Releaser   QuarantineReleaser
}

// NewDeviceHandler creates a new DeviceHandler.
func NewDeviceHandler(store ports.IdentityStore, onboarding ports.OnboardingService, trust ports.TrustScorer, releaser QuarantineReleaser) *DeviceHandler {
	return &DeviceHandler{
		Store:      store,
		Onboarding: onboarding,
		Trust:      trust,
		Releaser:   releaser,
	}
}

// HandleList returns all devices, optionally filtered by ?status=.
func (h *DeviceHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	status := domain.DeviceStatus(r.URL.Query().Get("status"))
	if status != "" && !status.IsValid() {
		http.Error(w, "Invalid status filter", http.StatusBadRequest)
		return
	}

	devices, err := h.Store.ListDevices(r.Context(), status)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, devices)
}

// HandleGet returns one device by ID.
func (h *DeviceHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	device, err := h.Store.GetDevice(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, device)
}

// HandleListPending returns the approval queue, oldest first.
func (h *DeviceHandler) HandleListPending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.Store.ListPending(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pending)
}

// HandleRegisterPending queues a MAC for operator approval.
func (h *DeviceHandler) HandleRegisterPending(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MAC         string `json:"mac"`
		SuggestedID string `json:"suggested_id"`
		Type        string `json:"type"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	pending, err := h.Onboarding.RegisterPending(r.Context(), req.MAC, req.SuggestedID, req.Type, "api")
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pending)
}

// HandleApprove promotes a pending device. The path ID is the pending
// MAC or suggested ID.
func (h *DeviceHandler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	note, ok := optionalNote(w, r)
	if !ok {
		return
	}

	device, err := h.Onboarding.Approve(r.Context(), mux.Vars(r)["id"], note)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, device)
}

// HandleReject drops a pending request, keeping a revoked record.
func (h *DeviceHandler) HandleReject(w http.ResponseWriter, r *http.Request) {
	note, ok := optionalNote(w, r)
	if !ok {
		return
	}

	if err := h.Onboarding.Reject(r.Context(), mux.Vars(r)["id"], note); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

// HandleRevoke retires a device permanently.
func (h *DeviceHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.Onboarding.Revoke(r.Context(), mux.Vars(r)["id"], req.Reason); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// HandleFinalize ends the profiling window now and activates the
// device under its generated policy.
func (h *DeviceHandler) HandleFinalize(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.Onboarding.Finalize(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}

	device, err := h.Store.GetDevice(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, device)
}

// HandleRelease lets a quarantined device rejoin the network. Recovery
// from quarantine always requires this explicit administrator action.
func (h *DeviceHandler) HandleRelease(w http.ResponseWriter, r *http.Request) {
	if err := h.Releaser.ReleaseQuarantine(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// HandleTrust returns the current trust score and its banded level.
func (h *DeviceHandler) HandleTrust(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	score, err := h.Trust.Get(r.Context(), id)
	if domain.IsNotFound(err) {
		// The device may exist without a tracked score yet.
		if _, devErr := h.Store.GetDevice(r.Context(), id); devErr != nil {
			respondError(w, devErr)
			return
		}
		score = domain.TrustInitial
	} else if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"trust":     score,
		"level":     domain.TrustLevelFor(score),
	})
}

// HandleTrustHistory returns recorded trust events for a device.
func (h *DeviceHandler) HandleTrustHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.Store.TrustHistory(r.Context(), mux.Vars(r)["id"], queryInt(r, "limit", 50))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, events)
}

// HandlePolicy returns the device's installed least-privilege policy.
func (h *DeviceHandler) HandlePolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := h.Store.GetPolicy(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, policy)
}

// HandleBaseline returns the device's behavioral baseline.
func (h *DeviceHandler) HandleBaseline(w http.ResponseWriter, r *http.Request) {
	baseline, err := h.Store.GetBaseline(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, baseline)
}

// HandleHistory returns the device's lifecycle audit trail.
func (h *DeviceHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Store.DeviceHistory(r.Context(), mux.Vars(r)["id"], queryInt(r, "limit", 50))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

// optionalNote reads the optional {"note": ...} body. A missing body is
// fine; a malformed one writes a 400 and reports false.
func optionalNote(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req struct {
		Note string `json:"note"`
	}
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return "", false
	}
	return req.Note, true
}
