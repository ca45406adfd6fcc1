package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the core.
var (
	ErrDuplicateMAC      = errors.New("mac address already registered to a non-revoked device")
	ErrDuplicateDeviceID = errors.New("device id already registered")
	ErrSwitchUnavailable = errors.New("switch controller unavailable")
	ErrPolicyViolation   = errors.New("operation refused by policy")
)

// NotFoundError signals a read miss. Callers may treat it as "empty".
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// NewNotFound builds a NotFoundError for the given entity and key.
func NewNotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// ConflictError signals a state violation, e.g. approving a revoked device.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s", e.Reason)
}

// NewConflict builds a ConflictError with the given reason.
func NewConflict(reason string) error {
	return &ConflictError{Reason: reason}
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// AttestationReason enumerates the ways certificate attestation can fail.
type AttestationReason string

const (
	ReasonExpiredCert     AttestationReason = "expired_cert"
	ReasonUnknownIssuer   AttestationReason = "unknown_issuer"
	ReasonRevoked         AttestationReason = "revoked"
	ReasonSubjectMismatch AttestationReason = "subject_mismatch"
)

// AttestationError carries the enumerated failure reason.
type AttestationError struct {
	DeviceID string
	Reason   AttestationReason
}

func (e *AttestationError) Error() string {
	return fmt.Sprintf("attestation failed for %s: %s", e.DeviceID, e.Reason)
}

// SwitchRuleError signals that the switch rejected a specific rule.
type SwitchRuleError struct {
	RuleID string
	Reason string
}

func (e *SwitchRuleError) Error() string {
	return fmt.Sprintf("switch rejected rule %s: %s", e.RuleID, e.Reason)
}

// StorageError wraps an underlying database failure.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// ConfigError is fatal at startup: a recognized key holds an unusable value.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

// TransientError marks a failure worth retrying at its origin.
// It never surfaces through the management API.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
