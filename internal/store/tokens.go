package store

import (
	"database/sql"
	"time"
)

const (
	keyAuthToken    = "auth_token"
	keyRefreshToken = "refresh_token"
)

// SetTokens stores the auth/refresh token pair atomically.
func (db *DB) SetTokens(token, refresh string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for key, value := range map[string]string{
		keyAuthToken:    token,
		keyRefreshToken: refresh,
	} {
		if _, err := tx.Exec(`
			INSERT INTO tokens (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (db *DB) token(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM tokens WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// Token returns the stored auth token, or empty string if none.
func (db *DB) Token() (string, error) {
	return db.token(keyAuthToken)
}

// RefreshToken returns the stored refresh token, or empty string if none.
func (db *DB) RefreshToken() (string, error) {
	return db.token(keyRefreshToken)
}

// ClearTokens removes both tokens (logout).
func (db *DB) ClearTokens() error {
	_, err := db.Exec(`DELETE FROM tokens WHERE key IN (?, ?)`, keyAuthToken, keyRefreshToken)
	return err
}
