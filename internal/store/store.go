// Package store persists pairing credentials and connection audit records
// in an embedded SQLite database. Command history deliberately stays out
// of the store; it lives in a bounded in-memory buffer.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PairedDevice is one remote companion client paired with this host.
type PairedDevice struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	DeviceID string `gorm:"size:128;not null;uniqueIndex"`
	Name     string `gorm:"size:128"`
	Token    string `gorm:"size:512;not null"`
	PairedAt time.Time
	LastSeen time.Time
	Revoked  bool `gorm:"default:false;index"`
}

// ConnectionRecord is one audit row per relay channel connection.
type ConnectionRecord struct {
	ID             uint `gorm:"primaryKey;autoIncrement"`
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
	Reason         string `gorm:"size:256"`
}

// Setting is a persisted key/value setting exposed to the remote client.
type Setting struct {
	Key       string `gorm:"primaryKey;size:128"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

// Store wraps the GORM connection and typed helpers.
type Store struct {
	db *gorm.DB
}

// Connect opens (creating if necessary) the SQLite database at path and
// runs migrations. Use ":memory:" for tests.
func Connect(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: create dir for %s: %w", path, err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&PairedDevice{}, &ConnectionRecord{}, &Setting{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying GORM handle for tests.
func (s *Store) DB() *gorm.DB { return s.db }

// SavePairedDevice upserts a paired device by DeviceID and marks it
// un-revoked.
func (s *Store) SavePairedDevice(deviceID, name, token string) (*PairedDevice, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("store: device id is required")
	}
	now := time.Now()
	var dev PairedDevice
	err := s.db.Where("device_id = ?", deviceID).First(&dev).Error
	switch {
	case err == nil:
		dev.Name = name
		dev.Token = token
		dev.LastSeen = now
		dev.Revoked = false
		if err := s.db.Save(&dev).Error; err != nil {
			return nil, fmt.Errorf("store: update device %s: %w", deviceID, err)
		}
	case err == gorm.ErrRecordNotFound:
		dev = PairedDevice{
			DeviceID: deviceID,
			Name:     name,
			Token:    token,
			PairedAt: now,
			LastSeen: now,
		}
		if err := s.db.Create(&dev).Error; err != nil {
			return nil, fmt.Errorf("store: create device %s: %w", deviceID, err)
		}
	default:
		return nil, fmt.Errorf("store: lookup device %s: %w", deviceID, err)
	}
	return &dev, nil
}

// ActiveDevice returns the most recently seen un-revoked device, if any.
func (s *Store) ActiveDevice() (*PairedDevice, bool, error) {
	var dev PairedDevice
	err := s.db.Where("revoked = ?", false).Order("last_seen DESC").First(&dev).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: active device: %w", err)
	}
	return &dev, true, nil
}

// TouchDevice refreshes a device's LastSeen timestamp.
func (s *Store) TouchDevice(deviceID string) error {
	result := s.db.Model(&PairedDevice{}).
		Where("device_id = ? AND revoked = ?", deviceID, false).
		Update("last_seen", time.Now())
	if result.Error != nil {
		return fmt.Errorf("store: touch device %s: %w", deviceID, result.Error)
	}
	return nil
}

// UpdateDeviceToken swaps the stored token after a refresh.
func (s *Store) UpdateDeviceToken(deviceID, token string) error {
	result := s.db.Model(&PairedDevice{}).
		Where("device_id = ?", deviceID).
		Update("token", token)
	if result.Error != nil {
		return fmt.Errorf("store: update token for %s: %w", deviceID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: device not found: %s", deviceID)
	}
	return nil
}

// RevokeDevices marks every paired device revoked (unpair).
func (s *Store) RevokeDevices() error {
	if err := s.db.Model(&PairedDevice{}).Where("revoked = ?", false).
		Update("revoked", true).Error; err != nil {
		return fmt.Errorf("store: revoke devices: %w", err)
	}
	return nil
}

// RecordConnection inserts an audit row for a new channel connection and
// returns its id.
func (s *Store) RecordConnection() (uint, error) {
	rec := ConnectionRecord{ConnectedAt: time.Now()}
	if err := s.db.Create(&rec).Error; err != nil {
		return 0, fmt.Errorf("store: record connection: %w", err)
	}
	return rec.ID, nil
}

// CloseConnection stamps an audit row with its disconnect time and reason.
func (s *Store) CloseConnection(id uint, reason string) error {
	now := time.Now()
	result := s.db.Model(&ConnectionRecord{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"disconnected_at": now,
			"reason":          reason,
		})
	if result.Error != nil {
		return fmt.Errorf("store: close connection %d: %w", id, result.Error)
	}
	return nil
}

// AllSettings returns every stored setting. Implements host.SettingsStore.
func (s *Store) AllSettings() (map[string]string, error) {
	var rows []Setting
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: settings: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Value
	}
	return out, nil
}

// PutSetting upserts one setting. Implements host.SettingsStore.
func (s *Store) PutSetting(key, value string) error {
	if key == "" {
		return fmt.Errorf("store: setting key is required")
	}
	row := Setting{Key: key, Value: value, UpdatedAt: time.Now()}
	if err := s.db.Save(&row).Error; err != nil {
		return fmt.Errorf("store: put setting %s: %w", key, err)
	}
	return nil
}

// GetSetting returns one setting value.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var row Setting
	err := s.db.First(&row, "key = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get setting %s: %w", key, err)
	}
	return row.Value, true, nil
}
