package domain

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DeviceStatus represents the lifecycle state of a device.
type DeviceStatus string

const (
	StatusPending     DeviceStatus = "pending"
	StatusProfiling   DeviceStatus = "profiling"
	StatusActive      DeviceStatus = "active"
	StatusRevoked     DeviceStatus = "revoked"
	StatusQuarantined DeviceStatus = "quarantined"
)

// Domain Errors
var (
	ErrInvalidStatus = errors.New("invalid device status")
	ErrInvalidMAC    = errors.New("invalid mac address")
	ErrEmptyDeviceID = errors.New("device id cannot be empty")
)

// IsValid checks if the status is a recognized lifecycle state.
func (s DeviceStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusProfiling, StatusActive, StatusRevoked, StatusQuarantined:
		return true
	}
	return false
}

// CanTransitionTo enforces the onboarding state machine. Quarantine is
// reachable from every state (attestation hard failure).
func (s DeviceStatus) CanTransitionTo(next DeviceStatus) bool {
	if next == StatusQuarantined {
		return s != StatusQuarantined
	}
	switch s {
	case StatusPending:
		return next == StatusProfiling || next == StatusRevoked
	case StatusProfiling:
		return next == StatusActive || next == StatusRevoked || next == StatusPending
	case StatusActive:
		return next == StatusRevoked
	case StatusQuarantined:
		// Leaving quarantine requires explicit administrator action.
		return next == StatusActive || next == StatusRevoked
	}
	return false
}

// Device represents an IoT endpoint under zero-trust management.
type Device struct {
	DeviceID           string       `json:"device_id"`
	MAC                string       `json:"mac"`
	Type               string       `json:"type,omitempty"`
	Fingerprint        string       `json:"fingerprint,omitempty"`
	CertSerial         string       `json:"cert_serial,omitempty"`
	Status             DeviceStatus `json:"status"`
	OnboardedAt        time.Time    `json:"onboarded_at"`
	LastSeen           time.Time    `json:"last_seen"`
	ProfilingStartedAt time.Time    `json:"profiling_started_at,omitempty"`
	ProfilingEndsAt    time.Time    `json:"profiling_ends_at,omitempty"`
	Note               string       `json:"note,omitempty"`
}

// NewDevice creates a validated device in the pending state.
func NewDevice(deviceID, mac, deviceType string) (*Device, error) {
	if deviceID == "" {
		return nil, ErrEmptyDeviceID
	}
	if !IsValidMAC(mac) {
		return nil, ErrInvalidMAC
	}

	now := time.Now().UTC()
	mac = NormalizeMAC(mac)
	return &Device{
		DeviceID:    deviceID,
		MAC:         mac,
		Type:        deviceType,
		Fingerprint: DeviceFingerprint(mac, deviceType, now),
		Status:      StatusPending,
		OnboardedAt: now,
		LastSeen:    now,
	}, nil
}

// Validate ensures the device entity is in a consistent state.
func (d *Device) Validate() error {
	if d.DeviceID == "" {
		return ErrEmptyDeviceID
	}
	if !IsValidMAC(d.MAC) {
		return ErrInvalidMAC
	}
	if !d.Status.IsValid() {
		return ErrInvalidStatus
	}
	return nil
}

// IsBlocked reports whether the device must never receive an allow decision.
func (d *Device) IsBlocked() bool {
	return d.Status == StatusRevoked || d.Status == StatusQuarantined
}

// ProfilingElapsed reports whether the profiling window has passed.
func (d *Device) ProfilingElapsed(now time.Time) bool {
	return d.Status == StatusProfiling && !d.ProfilingEndsAt.IsZero() && now.After(d.ProfilingEndsAt)
}

// NewDeviceID derives an identifier for auto-onboarded devices:
// a stable MAC prefix plus a random suffix, e.g. "dev-aabbcc-3f91".
func NewDeviceID(mac string) string {
	prefix := strings.ReplaceAll(NormalizeMAC(mac), ":", "")
	if len(prefix) > 6 {
		prefix = prefix[:6]
	}
	suffix := make([]byte, 2)
	if _, err := rand.Read(suffix); err != nil {
		return fmt.Sprintf("dev-%s-%04x", prefix, time.Now().UnixNano()&0xffff)
	}
	return fmt.Sprintf("dev-%s-%s", prefix, hex.EncodeToString(suffix))
}

/// DeviceFingerprint binds the physical identity: SHA-256 over "MAC:type:first_seen".
func DeviceFingerprint(mac, deviceType string, firstSeen time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", NormalizeMAC(mac), deviceType, firstSeen.Unix())))
	return hex.EncodeToString(sum[:])
}

// PendingDevice is a registration request awaiting administrator review.
type PendingDevice struct {
	MAC         string    `json:"mac"`
	SuggestedID string    `json:"suggested_id"`
	Type        string    `json:"type,omitempty"`
	Source      string    `json:"source,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}
