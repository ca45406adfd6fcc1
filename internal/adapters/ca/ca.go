// Package ca implements a file-backed certificate authority for device
// identities: a self-signed root, one issued leaf per device, and a
// persisted revocation list.
package ca

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
	"github.com/efuentes-sec/ztcore/internal/core/ports"
)

const (
	rootCertFile = "root.crt"
	rootKeyFile  = "root.key"
	revokedFile  = "revoked.json"
	issuedDir    = "issued"

	rootCommonName = "ZTCore Root CA"
	rootValidity   = 10 * 365 * 24 * time.Hour
	leafValidity   = 365 * 24 * time.Hour
	keyBits        = 2048
)

// FileCA issues and validates device certificates from a directory of
// PEM files. Revocations persist in revoked.json; a revoked serial never
// validates again, including after a restart.
type FileCA struct {
	dir     string
	root    *x509.Certificate
	rootKey *rsa.PrivateKey
	leafTTL time.Duration

	mu      sync.Mutex
	revoked map[string]domain.RevokedCertificate
}

var _ ports.CertificateAuthority = (*FileCA)(nil)

// New loads the CA from dir, generating the root pair on first run.
func New(dir string) (*FileCA, error) {
	if err := os.MkdirAll(filepath.Join(dir, issuedDir), 0o755); err != nil {
		return nil, fmt.Errorf("creating ca directory: %w", err)
	}

	ca := &FileCA{
		dir:     dir,
		leafTTL: leafValidity,
		revoked: make(map[string]domain.RevokedCertificate),
	}

	if err := ca.initOrLoadRoot(); err != nil {
		return nil, err
	}
	if err := ca.loadRevoked(); err != nil {
		return nil, err
	}
	return ca, nil
}

func (c *FileCA) initOrLoadRoot() error {
	certPath := filepath.Join(c.dir, rootCertFile)
	keyPath := filepath.Join(c.dir, rootKeyFile)

	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)
	if certErr == nil && keyErr == nil {
		cert, err := parseCertPEM(certPEM)
		if err != nil {
			return fmt.Errorf("parsing root certificate: %w", err)
		}
		key, err := parseKeyPEM(keyPEM)
		if err != nil {
			return fmt.Errorf("parsing root key: %w", err)
		}
		c.root = cert
		c.rootKey = key
		return nil
	}

	slog.Info("Generating new root CA", "dir", c.dir)

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return fmt.Errorf("generating root key: %w", err)
	}

	serial, err := newSerial()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: rootCommonName, Organization: []string{"ZTCore"}},
		NotBefore:             now,
		NotAfter:              now.Add(rootValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("signing root certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parsing generated root: %w", err)
	}

	if err := writeFileAtomic(certPath, encodePEM("CERTIFICATE", der), 0o644); err != nil {
		return err
	}
	if err := writeFileAtomic(keyPath, encodePEM("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key)), 0o600); err != nil {
		return err
	}

	c.root = cert
	c.rootKey = key
	return nil
}

// Issue creates an RSA leaf bound to the device identity: CN carries the
// device ID, OU the MAC.
func (c *FileCA) Issue(ctx context.Context, deviceID, mac string) (*domain.CertificateInfo, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("issue: device id is required")
	}
	mac = domain.NormalizeMAC(mac)

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generating device key: %w", err)
	}

	serial, err := newSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         deviceID,
			Organization:       []string{"ZTCore Devices"},
			OrganizationalUnit: []string{mac},
		},
		NotBefore:   now,
		NotAfter:    now.Add(c.leafTTL),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, c.root, &key.PublicKey, c.rootKey)
	if err != nil {
		return nil, fmt.Errorf("signing device certificate: %w", err)
	}

	certPath := c.certPath(deviceID)
	keyPath := c.keyPath(deviceID)
	if err := writeFileAtomic(certPath, encodePEM("CERTIFICATE", der), 0o644); err != nil {
		return nil, err
	}
	if err := writeFileAtomic(keyPath, encodePEM("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key)), 0o600); err != nil {
		return nil, err
	}

	slog.Info("Issued device certificate", "device_id", deviceID, "serial", serial.String())

	return &domain.CertificateInfo{
		Serial:    serial.String(),
		DeviceID:  deviceID,
		MAC:       mac,
		CertPath:  certPath,
		KeyPath:   keyPath,
		NotBefore: template.NotBefore,
		NotAfter:  template.NotAfter,
	}, nil
}

// Validate re-checks the device's stored certificate. The checks run in
// a fixed order so the reported reason is deterministic: time window,
// chain, revocation, subject binding.
func (c *FileCA) Validate(ctx context.Context, device domain.Device) error {
	cert, err := c.loadIssued(device.DeviceID)
	if err != nil {
		return err
	}

	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return &domain.AttestationError{DeviceID: device.DeviceID, Reason: domain.ReasonExpiredCert}
	}

	if err := cert.CheckSignatureFrom(c.root); err != nil {
		return &domain.AttestationError{DeviceID: device.DeviceID, Reason: domain.ReasonUnknownIssuer}
	}

	c.mu.Lock()
	_, isRevoked := c.revoked[cert.SerialNumber.String()]
	c.mu.Unlock()
	if isRevoked {
		return &domain.AttestationError{DeviceID: device.DeviceID, Reason: domain.ReasonRevoked}
	}

	if cert.Subject.CommonName != device.DeviceID {
		return &domain.AttestationError{DeviceID: device.DeviceID, Reason: domain.ReasonSubjectMismatch}
	}
	if len(cert.Subject.OrganizationalUnit) == 0 ||
		cert.Subject.OrganizationalUnit[0] != domain.NormalizeMAC(device.MAC) {
		return &domain.AttestationError{DeviceID: device.DeviceID, Reason: domain.ReasonSubjectMismatch}
	}
	if device.CertSerial != "" && device.CertSerial != cert.SerialNumber.String() {
		return &domain.AttestationError{DeviceID: device.DeviceID, Reason: domain.ReasonSubjectMismatch}
	}

	return nil
}

// Revoke adds the device's certificate to the revocation list and
// persists it.
func (c *FileCA) Revoke(ctx context.Context, deviceID, reason string) error {
	cert, err := c.loadIssued(deviceID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	serial := cert.SerialNumber.String()
	if _, done := c.revoked[serial]; done {
		return nil
	}
	c.revoked[serial] = domain.RevokedCertificate{
		Serial:    serial,
		DeviceID:  deviceID,
		Reason:    reason,
		RevokedAt: time.Now().UTC(),
	}
	if err := c.saveRevokedLocked(); err != nil {
		delete(c.revoked, serial)
		return err
	}

	slog.Info("Revoked device certificate", "device_id", deviceID, "serial", serial, "reason", reason)
	return nil
}

// Info returns stored metadata for the device's certificate.
func (c *FileCA) Info(ctx context.Context, deviceID string) (*domain.CertificateInfo, error) {
	cert, err := c.loadIssued(deviceID)
	if err != nil {
		return nil, err
	}
	mac := ""
	if len(cert.Subject.OrganizationalUnit) > 0 {
		mac = cert.Subject.OrganizationalUnit[0]
	}
	return &domain.CertificateInfo{
		Serial:    cert.SerialNumber.String(),
		DeviceID:  deviceID,
		MAC:       mac,
		CertPath:  c.certPath(deviceID),
		KeyPath:   c.keyPath(deviceID),
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
	}, nil
}

func (c *FileCA) certPath(deviceID string) string {
	return filepath.Join(c.dir, issuedDir, deviceID+".crt")
}

func (c *FileCA) keyPath(deviceID string) string {
	return filepath.Join(c.dir, issuedDir, deviceID+".key")
}

func (c *FileCA) loadIssued(deviceID string) (*x509.Certificate, error) {
	pemBytes, err := os.ReadFile(c.certPath(deviceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.NewNotFound("certificate", deviceID)
		}
		return nil, fmt.Errorf("reading certificate for %s: %w", deviceID, err)
	}
	return parseCertPEM(pemBytes)
}

func (c *FileCA) loadRevoked() error {
	data, err := os.ReadFile(filepath.Join(c.dir, revokedFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading revocation list: %w", err)
	}
	var entries []domain.RevokedCertificate
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parsing revocation list: %w", err)
	}
	for _, e := range entries {
		c.revoked[e.Serial] = e
	}
	return nil
}

func (c *FileCA) saveRevokedLocked() error {
	entries := make([]domain.RevokedCertificate, 0, len(c.revoked))
	for _, e := range c.revoked {
		entries = append(entries, e)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding revocation list: %w", err)
	}
	return writeFileAtomic(filepath.Join(c.dir, revokedFile), data, 0o644)
}

func newSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}
	return serial, nil
}

func encodePEM(blockType string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}

func parseCertPEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no certificate PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}

func parseKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no key PEM block found")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

// writeFileAtomic writes via a temp file and rename so readers never see
// a partial file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("setting mode on %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}
