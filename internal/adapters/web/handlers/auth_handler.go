package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/efuentes-sec/ztcore/internal/adapters/web/middleware"
	"github.com/efuentes-sec/ztcore/internal/core/domain"
	"github.com/efuentes-sec/ztcore/internal/core/ports"
)

// sessionMaxAge keeps the cookie lifetime aligned with the auth
// service's session TTL.
const sessionMaxAge = 86400

// AuthHandler serves login, logout, identity echo and user management.
type AuthHandler struct {
	Auth ports.AuthService
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(auth ports.AuthService) *AuthHandler {
	return &AuthHandler{Auth: auth}
}

// HandleLogin validates credentials and issues a session token. The
// token is returned in the body for API clients and set as a cookie
// for browsers.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var creds domain.Credentials
	if err := decodeBody(w, r, &creds); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	token, err := h.Auth.Login(r.Context(), creds)
	if err != nil {
		respondError(w, err)
		return
	}

	user, err := h.Auth.ValidateToken(r.Context(), token)
	if err != nil {
		respondError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   sessionMaxAge,
	})

	respondJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"role":  user.Role,
	})
}

// HandleLogout invalidates the session and clears the cookie.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if token := middleware.TokenFromRequest(r); token != "" {
		h.Auth.Logout(r.Context(), token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:   middleware.SessionCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	respondJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// HandleMe echoes the authenticated user.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"id":       user.ID,
		"username": user.Username,
		"role":     user.Role,
	})
}

// HandleCreateUser provisions an operator account. Admin only.
func (h *AuthHandler) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string      `json:"username"`
		Password string      `json:"password"`
		Role     domain.Role `json:"role"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Password == "" {
		http.Error(w, "Password required", http.StatusBadRequest)
		return
	}

	user, err := domain.NewUser(uuid.NewString(), req.Username, req.Role)
	if err != nil {
		respondError(w, err)
		return
	}

	if err := h.Auth.CreateUser(r.Context(), *user, req.Password); err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, user)
}
