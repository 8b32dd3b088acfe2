package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"taxreply/internal/storage"
)

// Settings is the key/value store holding provider credentials and the default instruction.
// Keys ending in "_api_key" are encrypted when a cipher is configured.
type Settings struct {
	db      *sql.DB
	dialect storage.Dialect
	cipher  *SecretCipher
}

func NewSettings(db *sql.DB, dialect storage.Dialect, cipher *SecretCipher) *Settings {
	return &Settings{db: db, dialect: dialect, cipher: cipher}
}

func isSecretKey(key string) bool {
	return strings.HasSuffix(key, "_api_key")
}

// Get returns the stored value and whether it exists.
func (s *Settings) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT setting_value FROM settings WHERE setting_key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	if !isSecretKey(key) {
		return value, true, nil
	}
	if !isSealed(value) {
		if s.cipher != nil {
			// written before encryption was enabled
			log.Printf("setting %s is not encrypted", key)
		}
		return value, true, nil
	}
	if s.cipher == nil {
		return "", true, fmt.Errorf("setting %s: %w: no key configured", key, ErrSecretUnreadable)
	}
	plain, err := s.cipher.Decrypt(value)
	if err != nil {
		return "", true, fmt.Errorf("setting %s: %w", key, ErrSecretUnreadable)
	}
	return plain, true, nil
}

// GetDefault returns the stored value or def when the key is unset or blank.
func (s *Settings) GetDefault(ctx context.Context, key, def string) (string, error) {
	v, ok, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	return v, nil
}

func (s *Settings) Set(ctx context.Context, key, value string) error {
	stored := value
	if s.cipher != nil && isSecretKey(key) {
		enc, err := s.cipher.Encrypt(value)
		if err != nil {
			return fmt.Errorf("encrypt setting %s: %w", key, err)
		}
		stored = enc
	}
	var query string
	switch s.dialect {
	case storage.MySQL:
		query = `INSERT INTO settings (setting_key, setting_value, updated_at) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE setting_value = VALUES(setting_value), updated_at = VALUES(updated_at)`
	default:
		query = `INSERT INTO settings (setting_key, setting_value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(setting_key) DO UPDATE SET setting_value = excluded.setting_value, updated_at = excluded.updated_at`
	}
	if _, err := s.db.ExecContext(ctx, query, key, stored, time.Now().UTC()); err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

func (s *Settings) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE setting_key = ?`, key); err != nil {
		return fmt.Errorf("delete setting %s: %w", key, err)
	}
	return nil
}
