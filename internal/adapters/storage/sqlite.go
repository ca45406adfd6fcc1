// Package storage implements ports.IdentityStore and
// ports.UserRepository on GORM + SQLite. Multi-row transitions run in
// transactions; writers to the same device serialize on a keyed mutex.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
	"github.com/efuentes-sec/ztcore/internal/core/ports"
)

// SQLiteStore implements the identity persistence boundary.
type SQLiteStore struct {
	db    *gorm.DB
	locks keyedMutex
}

var _ ports.IdentityStore = (*SQLiteStore)(nil)

// DeviceModel is the GORM model for devices.
type DeviceModel struct {
	DeviceID           string `gorm:"primaryKey"`
	MAC                string `gorm:"index"`
	Type               string
	Fingerprint        string
	CertSerial         string
	Status             string `gorm:"index"`
	OnboardedAt        time.Time
	LastSeen           time.Time
	ProfilingStartedAt time.Time
	ProfilingEndsAt    time.Time
	Note               string
}

func (DeviceModel) TableName() string { return "devices" }

// PendingModel is the GORM model for registration requests.
type PendingModel struct {
	MAC         string `gorm:"primaryKey"`
	SuggestedID string
	Type        string
	Source      string
	RequestedAt time.Time
}

func (PendingModel) TableName() string { return "pending_devices" }

// HistoryModel is one row of a device's change log.
type HistoryModel struct {
	ID        uint   `gorm:"primaryKey"`
	DeviceID  string `gorm:"index"`
	Kind      string
	Detail    string
	Timestamp time.Time
}

func (HistoryModel) TableName() string { return "device_history" }

// TrustEventModel is one append-only trust ledger row.
type TrustEventModel struct {
	ID         uint   `gorm:"primaryKey"`
	DeviceID   string `gorm:"index"`
	ScoreAfter int
	Delta      int
	Reason     string
	Timestamp  time.Time
}

func (TrustEventModel) TableName() string { return "trust_score_history" }

// BaselineModel stores one behavioral baseline per device. List fields
// are JSON encoded.
type BaselineModel struct {
	DeviceID      string `gorm:"primaryKey"`
	AvgPPS        float64
	AvgBPS        float64
	DstIPs        string
	DstPorts      string
	Protocols     string
	Sparse        bool
	PacketCount   int64
	WindowSeconds float64
	FinalizedAt   time.Time
	UpdatedAt     time.Time
}

func (BaselineModel) TableName() string { return "baselines" }

// PolicyModel stores one policy per device, rules JSON encoded.
type PolicyModel struct {
	DeviceID    string `gorm:"primaryKey"`
	Rules       string
	Revision    int
	GeneratedAt time.Time
}

func (PolicyModel) TableName() string { return "policies" }

// ThreatModel is the persisted threat table.
type ThreatModel struct {
	SourceIP   string `gorm:"primaryKey"`
	FirstSeen  time.Time
	LastSeen   time.Time `gorm:"index"`
	EventKinds string
	Severity   string
	Hits       int64
}

func (ThreatModel) TableName() string { return "threats" }

// MitigationModel persists threat-derived rules so permanent ones
// survive restarts.
type MitigationModel struct {
	RuleID       string `gorm:"primaryKey"`
	SourceIP     string `gorm:"index"`
	Action       string
	Priority     int
	Reason       string
	OriginThreat string
	Permanent    bool
	CreatedAt    time.Time
}

func (MitigationModel) TableName() string { return "mitigation_rules" }

// New opens (creating if needed) the identity database and migrates the
// schema.
func New(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening identity database: %w", err)
	}

	if err := db.AutoMigrate(
		&DeviceModel{},
		&PendingModel{},
		&HistoryModel{},
		&TrustEventModel{},
		&BaselineModel{},
		&PolicyModel{},
		&ThreatModel{},
		&MitigationModel{},
		&domain.User{},
	); err != nil {
		return nil, fmt.Errorf("migrating identity schema: %w", err)
	}

	// Create Indices for Performance
	db.Exec("CREATE INDEX IF NOT EXISTS idx_devices_status_mac ON devices(status, mac)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_history_device_ts ON device_history(device_id, timestamp)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_trust_device_id ON trust_score_history(device_id, id)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_threats_last_seen ON threats(last_seen)")

	return &SQLiteStore{db: db, locks: newKeyedMutex()}, nil
}

// RegisterPending queues a MAC for approval.
func (s *SQLiteStore) RegisterPending(ctx context.Context, pending domain.PendingDevice) error {
	mac := domain.NormalizeMAC(pending.MAC)
	if !domain.IsValidMAC(mac) {
		return domain.ErrInvalidMAC
	}
	pending.MAC = mac
	if pending.RequestedAt.IsZero() {
		pending.RequestedAt = time.Now().UTC()
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var live int64
		if err := tx.Model(&DeviceModel{}).
			Where("mac = ? AND status != ?", mac, string(domain.StatusRevoked)).
			Count(&live).Error; err != nil {
			return &domain.StorageError{Op: "register pending", Cause: err}
		}
		if live > 0 {
			return domain.ErrDuplicateMAC
		}

		var queued int64
		if err := tx.Model(&PendingModel{}).Where("mac = ?", mac).Count(&queued).Error; err != nil {
			return &domain.StorageError{Op: "register pending", Cause: err}
		}
		if queued > 0 {
			return domain.ErrDuplicateMAC
		}

		if err := tx.Create(pendingToModel(pending)).Error; err != nil {
			return &domain.StorageError{Op: "register pending", Cause: err}
		}
		return nil
	})
}

// ListPending returns the approval queue, oldest first.
func (s *SQLiteStore) ListPending(ctx context.Context) ([]domain.PendingDevice, error) {
	var models []PendingModel
	if err := s.db.WithContext(ctx).Order("requested_at asc").Find(&models).Error; err != nil {
		return nil, &domain.StorageError{Op: "list pending", Cause: err}
	}
	out := make([]domain.PendingDevice, len(models))
	for i, m := range models {
		out[i] = pendingToDomain(m)
	}
	return out, nil
}

// GetPending looks a pending row up by MAC or suggested ID.
func (s *SQLiteStore) GetPending(ctx context.Context, key string) (*domain.PendingDevice, error) {
	var model PendingModel
	err := s.db.WithContext(ctx).
		Where("mac = ? OR suggested_id = ?", domain.NormalizeMAC(key), key).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFound("pending device", key)
		}
		return nil, &domain.StorageError{Op: "get pending", Cause: err}
	}
	p := pendingToDomain(model)
	return &p, nil
}

// ApprovePending promotes a pending row into a device in one transaction.
func (s *SQLiteStore) ApprovePending(ctx context.Context, mac string, device domain.Device) error {
	mac = domain.NormalizeMAC(mac)
	unlock := s.locks.lock(device.DeviceID)
	defer unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending PendingModel
		if err := tx.Where("mac = ?", mac).First(&pending).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.NewNotFound("pending device", mac)
			}
			return &domain.StorageError{Op: "approve", Cause: err}
		}

		var live int64
		if err := tx.Model(&DeviceModel{}).
			Where("mac = ? AND status != ?", mac, string(domain.StatusRevoked)).
			Count(&live).Error; err != nil {
			return &domain.StorageError{Op: "approve", Cause: err}
		}
		if live > 0 {
			return domain.ErrDuplicateMAC
		}

		var sameID int64
		if err := tx.Model(&DeviceModel{}).
			Where("device_id = ?", device.DeviceID).
			Count(&sameID).Error; err != nil {
			return &domain.StorageError{Op: "approve", Cause: err}
		}
		if sameID > 0 {
			return domain.ErrDuplicateDeviceID
		}

		if err := tx.Create(deviceToModel(device)).Error; err != nil {
			return &domain.StorageError{Op: "approve", Cause: err}
		}
		if err := tx.Delete(&pending).Error; err != nil {
			return &domain.StorageError{Op: "approve", Cause: err}
		}
		return appendHistory(tx, device.DeviceID, domain.HistoryOnboarding,
			fmt.Sprintf("approved: %s -> %s", mac, device.Status))
	})
}

// RejectPending removes the queue entry, keeping a revoked device row
// for the audit trail.
func (s *SQLiteStore) RejectPending(ctx context.Context, mac string, note string) (*domain.Device, error) {
	mac = domain.NormalizeMAC(mac)

	var rejected domain.Device
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending PendingModel
		if err := tx.Where("mac = ?", mac).First(&pending).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.NewNotFound("pending device", mac)
			}
			return &domain.StorageError{Op: "reject", Cause: err}
		}

		now := time.Now().UTC()
		deviceID := pending.SuggestedID
		if deviceID == "" {
			deviceID = domain.NewDeviceID(mac)
		}
		rejected = domain.Device{
			DeviceID:    deviceID,
			MAC:         mac,
			Type:        pending.Type,
			Status:      domain.StatusRevoked,
			OnboardedAt: now,
			LastSeen:    now,
			Note:        note,
		}

		if err := tx.Create(deviceToModel(rejected)).Error; err != nil {
			return &domain.StorageError{Op: "reject", Cause: err}
		}
		if err := tx.Delete(&pending).Error; err != nil {
			return &domain.StorageError{Op: "reject", Cause: err}
		}
		return appendHistory(tx, deviceID, domain.HistoryOnboarding, "rejected: "+note)
	})
	if err != nil {
		return nil, err
	}
	return &rejected, nil
}

// GetDevice retrieves a device by its ID.
func (s *SQLiteStore) GetDevice(ctx context.Context, deviceID string) (*domain.Device, error) {
	var model DeviceModel
	if err := s.db.WithContext(ctx).First(&model, "device_id = ?", deviceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFound("device", deviceID)
		}
		return nil, &domain.StorageError{Op: "get device", Cause: err}
	}
	return deviceToDomain(model), nil
}

// GetDeviceByMAC resolves a MAC to its live (non-revoked) device.
func (s *SQLiteStore) GetDeviceByMAC(ctx context.Context, mac string) (*domain.Device, error) {
	var model DeviceModel
	err := s.db.WithContext(ctx).
		Where("mac = ? AND status != ?", domain.NormalizeMAC(mac), string(domain.StatusRevoked)).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFound("device", mac)
		}
		return nil, &domain.StorageError{Op: "get device by mac", Cause: err}
	}
	return deviceToDomain(model), nil
}

// ListDevices filters by status; the zero value returns everything.
func (s *SQLiteStore) ListDevices(ctx context.Context, status domain.DeviceStatus) ([]domain.Device, error) {
	query := s.db.WithContext(ctx).Order("onboarded_at asc")
	if status != "" {
		query = query.Where("status = ?", string(status))
	}

	var models []DeviceModel
	if err := query.Find(&models).Error; err != nil {
		return nil, &domain.StorageError{Op: "list devices", Cause: err}
	}
	devices := make([]domain.Device, len(models))
	for i, m := range models {
		devices[i] = *deviceToDomain(m)
	}
	return devices, nil
}

// UpdateDevice persists the full device row.
func (s *SQLiteStore) UpdateDevice(ctx context.Context, device domain.Device) error {
	if err := device.Validate(); err != nil {
		return err
	}
	unlock := s.locks.lock(device.DeviceID)
	defer unlock()

	if err := s.db.WithContext(ctx).Save(deviceToModel(device)).Error; err != nil {
		return &domain.StorageError{Op: "update device", Cause: err}
	}
	return nil
}

// SetStatus applies a lifecycle transition, enforcing the legal edges,
// and appends the history entry in the same transaction.
func (s *SQLiteStore) SetStatus(ctx context.Context, deviceID string, status domain.DeviceStatus, note string) (*domain.Device, error) {
	if !status.IsValid() {
		return nil, domain.ErrInvalidStatus
	}
	unlock := s.locks.lock(deviceID)
	defer unlock()

	var updated *domain.Device
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model DeviceModel
		if err := tx.First(&model, "device_id = ?", deviceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.NewNotFound("device", deviceID)
			}
			return &domain.StorageError{Op: "set status", Cause: err}
		}

		current := domain.DeviceStatus(model.Status)
		if !current.CanTransitionTo(status) {
			return domain.NewConflict(fmt.Sprintf("device %s cannot move %s -> %s", deviceID, current, status))
		}

		model.Status = string(status)
		if note != "" {
			model.Note = note
		}
		if err := tx.Save(&model).Error; err != nil {
			return &domain.StorageError{Op: "set status", Cause: err}
		}

		// Revocation retires the behavioral profile with the device.
		if status == domain.StatusRevoked {
			if err := tx.Delete(&BaselineModel{}, "device_id = ?", deviceID).Error; err != nil {
				return &domain.StorageError{Op: "set status", Cause: err}
			}
			if err := tx.Delete(&PolicyModel{}, "device_id = ?", deviceID).Error; err != nil {
				return &domain.StorageError{Op: "set status", Cause: err}
			}
		}

		updated = deviceToDomain(model)
		return appendHistory(tx, deviceID, domain.HistoryStatusChange,
			fmt.Sprintf("%s -> %s: %s", current, status, note))
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SetLastSeen refreshes the liveness timestamp.
func (s *SQLiteStore) SetLastSeen(ctx context.Context, deviceID string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&DeviceModel{}).
		Where("device_id = ?", deviceID).
		Update("last_seen", at.UTC()).Error
	if err != nil {
		return &domain.StorageError{Op: "set last seen", Cause: err}
	}
	return nil
}

// DeviceHistory returns the most recent change-log entries.
func (s *SQLiteStore) DeviceHistory(ctx context.Context, deviceID string, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []HistoryModel
	err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("id desc").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, &domain.StorageError{Op: "device history", Cause: err}
	}
	out := make([]domain.HistoryEntry, len(models))
	for i, m := range models {
		out[i] = domain.HistoryEntry{
			DeviceID:  m.DeviceID,
			Kind:      domain.HistoryEventKind(m.Kind),
			Detail:    m.Detail,
			Timestamp: m.Timestamp,
		}
	}
	return out, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func appendHistory(tx *gorm.DB, deviceID string, kind domain.HistoryEventKind, detail string) error {
	entry := HistoryModel{
		DeviceID:  deviceID,
		Kind:      string(kind),
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return &domain.StorageError{Op: "append history", Cause: err}
	}
	return nil
}

// upsert is the shared conflict clause for idempotent single-row saves.
var upsert = clause.OnConflict{UpdateAll: true}

// keyedMutex hands out one mutex per device so writers serialize without
// a global lock.
type keyedMutex struct {
	mu    *sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() keyedMutex {
	return keyedMutex{mu: &sync.Mutex{}, locks: make(map[string]*sync.Mutex)}
}

func (k keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
