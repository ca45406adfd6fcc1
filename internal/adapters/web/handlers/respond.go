// Package handlers implements the management API endpoints. Handlers
// decode and validate requests, delegate to the core services and map
// typed domain errors onto HTTP status codes.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
	"github.com/efuentes-sec/ztcore/internal/core/services/auth"
)

// maxBodyBytes caps request bodies; management payloads are tiny.
const maxBodyBytes = 1 << 20

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// respondError maps a service error onto a status code so handlers can
// return storage and domain errors unchanged.
func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	var switchErr *domain.SwitchRuleError
	var storageErr *domain.StorageError

	switch {
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case domain.IsConflict(err),
		errors.Is(err, domain.ErrDuplicateMAC),
		errors.Is(err, domain.ErrDuplicateDeviceID):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPolicyViolation):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidMAC),
		errors.Is(err, domain.ErrInvalidStatus),
		errors.Is(err, domain.ErrEmptyDeviceID),
		errors.Is(err, domain.ErrInvalidSeverity),
		errors.Is(err, domain.ErrInvalidAlertKind),
		errors.Is(err, domain.ErrInvalidRuleAction),
		errors.Is(err, domain.ErrInvalidRole),
		errors.Is(err, domain.ErrEmptyUsername):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrInvalidSession):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrTooManyAttempts):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrSwitchUnavailable), errors.As(err, &switchErr):
		return http.StatusBadGateway
	case errors.As(err, &storageErr):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody parses a size-capped JSON request body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

// queryInt reads an optional non-negative integer query parameter.
func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
