// Package auth manages management-API users and their sessions.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
	"github.com/efuentes-sec/ztcore/internal/core/ports"
)

var (
	// ErrInvalidCredentials is returned for any login failure, masking
	// whether the username exists.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTooManyAttempts    = errors.New("too many failed login attempts")
	ErrTokenExpired       = errors.New("token expired")
	ErrInvalidSession     = errors.New("invalid session")
)

// Defaults. Zero-valued Config fields fall back to these.
const (
	DefaultSessionTTL    = 24 * time.Hour
	DefaultMaxAttempts   = 5
	DefaultLockoutWindow = 15 * time.Minute
)

// Config tunes session lifetime and login throttling.
type Config struct {
	SessionTTL    time.Duration
	MaxAttempts   int
	LockoutWindow time.Duration
}

type session struct {
	userID    string
	role      domain.Role
	expiresAt time.Time
}

type attempts struct {
	failures    int
	lockedUntil time.Time
}

// Service implements ports.AuthService: bcrypt credential checks, an
// in-memory session table with TTL, and per-username login throttling.
type Service struct {
	repo ports.UserRepository

	sessionTTL    time.Duration
	maxAttempts   int
	lockoutWindow time.Duration

	mu       sync.Mutex
	sessions map[string]session
	failed   map[string]attempts
}

var _ ports.AuthService = (*Service)(nil)

// New creates the auth service.
func New(repo ports.UserRepository, cfg Config) *Service {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.LockoutWindow <= 0 {
		cfg.LockoutWindow = DefaultLockoutWindow
	}
	return &Service{
		repo:          repo,
		sessionTTL:    cfg.SessionTTL,
		maxAttempts:   cfg.MaxAttempts,
		lockoutWindow: cfg.LockoutWindow,
		sessions:      make(map[string]session),
		failed:        make(map[string]attempts),
	}
}

// Login validates credentials and returns a session token. Failures are
// indistinguishable between unknown users and wrong passwords.
func (s *Service) Login(ctx context.Context, creds domain.Credentials) (string, error) {
	if err := s.checkThrottle(creds.Username); err != nil {
		return "", err
	}

	user, err := s.repo.GetByUsername(ctx, creds.Username)
	if err != nil {
		s.noteFailure(creds.Username)
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(creds.Password)); err != nil {
		s.noteFailure(creds.Username)
		return "", ErrInvalidCredentials
	}

	s.clearFailures(creds.Username)

	user.UpdateLastLogin()
	if err := s.repo.Save(ctx, *user); err != nil {
		slog.Warn("Last-login update failed", "username", user.Username, "error", err)
	}

	token := uuid.NewString()
	s.mu.Lock()
	s.sessions[token] = session{
		userID:    user.ID,
		role:      user.Role,
		expiresAt: time.Now().Add(s.sessionTTL),
	}
	s.mu.Unlock()

	slog.Info("User logged in", "username", user.Username, "role", user.Role)
	return token, nil
}

// ValidateToken resolves a session token to its user. The user row is
// re-read so role changes take effect on the next request.
func (s *Service) ValidateToken(ctx context.Context, token string) (*domain.User, error) {
	s.mu.Lock()
	sess, ok := s.sessions[token]
	s.mu.Unlock()

	if !ok {
		return nil, ErrInvalidSession
	}
	if time.Now().After(sess.expiresAt) {
		s.Logout(ctx, token)
		return nil, ErrTokenExpired
	}

	user, err := s.repo.GetByID(ctx, sess.userID)
	if err != nil {
		return nil, fmt.Errorf("resolve session user: %w", err)
	}
	return user, nil
}

// Logout invalidates a session token. Unknown tokens are a no-op.
func (s *Service) Logout(ctx context.Context, token string) error {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
	return nil
}

// CreateUser provisions a user with a bcrypt-hashed password.
func (s *Service) CreateUser(ctx context.Context, user domain.User, password string) error {
	if err := user.Validate(); err != nil {
		return err
	}
	if password == "" {
		return errors.New("password cannot be empty")
	}
	if _, err := s.repo.GetByUsername(ctx, user.Username); err == nil {
		return domain.NewConflict(fmt.Sprintf("username %s already exists", user.Username))
	} else if !domain.IsNotFound(err) {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user.PasswordHash = string(hash)
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	if err := s.repo.Save(ctx, user); err != nil {
		return err
	}
	slog.Info("User created", "username", user.Username, "role", user.Role)
	return nil
}

// EnsureAdmin provisions the bootstrap administrator when the user
// table is empty, so a fresh install is never locked out.
func (s *Service) EnsureAdmin(ctx context.Context, username, password string) error {
	existing, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	admin, err := domain.NewUser(uuid.NewString(), username, domain.RoleAdmin)
	if err != nil {
		return err
	}
	if err := s.CreateUser(ctx, *admin, password); err != nil {
		return err
	}
	slog.Warn("Bootstrap administrator provisioned, change the password", "username", username)
	return nil
}

func (s *Service) checkThrottle(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.failed[username]
	if !ok {
		return nil
	}
	if a.lockedUntil.IsZero() {
		return nil
	}
	if time.Now().Before(a.lockedUntil) {
		return ErrTooManyAttempts
	}
	// Lockout expired; the slate is clean.
	delete(s.failed, username)
	return nil
}

func (s *Service) noteFailure(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.failed[username]
	a.failures++
	if a.failures >= s.maxAttempts {
		a.lockedUntil = time.Now().Add(s.lockoutWindow)
		slog.Warn("Login throttled", "username", username, "failures", a.failures)
	}
	s.failed[username] = a
}

func (s *Service) clearFailures(username string) {
	s.mu.Lock()
	delete(s.failed, username)
	s.mu.Unlock()
}
