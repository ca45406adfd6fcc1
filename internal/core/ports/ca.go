package ports

import (
	"context"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
)

// CertificateAuthority issues and validates per-device identities.
type CertificateAuthority interface {
	// Issue creates and persists a leaf certificate bound to the device
	// ID and MAC, signed by the root.
	Issue(ctx context.Context, deviceID, mac string) (*domain.CertificateInfo, error)
	// Validate re-checks the device's stored certificate: chain to the
	// root, validity window, revocation list, and that the subject still
	// matches the device identity. Failures are AttestationError values.
	Validate(ctx context.Context, device domain.Device) error
	// Revoke adds the device's certificate to the revocation list. A
	// revoked serial never validates again.
	Revoke(ctx context.Context, deviceID, reason string) error
	// Info returns the stored metadata for a device's certificate.
	Info(ctx context.Context, deviceID string) (*domain.CertificateInfo, error)
}
