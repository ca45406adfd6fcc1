package domain

import "time"

// CertificateInfo is the stored metadata of an issued device certificate.
// The private material never leaves the CA directory; only paths travel.
type CertificateInfo struct {
	Serial    string    `json:"serial"`
	DeviceID  string    `json:"device_id"`
	MAC       string    `json:"mac"`
	CertPath  string    `json:"cert_path"`
	KeyPath   string    `json:"-"`
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
}

// RevokedCertificate is one revocation list entry. Once listed, a serial
// never validates again.
type RevokedCertificate struct {
	Serial    string    `json:"serial"`
	DeviceID  string    `json:"device_id"`
	Reason    string    `json:"reason"`
	RevokedAt time.Time `json:"revoked_at"`
}
