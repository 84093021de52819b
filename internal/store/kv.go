package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/bizchat/internal/model"
)

const (
	keyToken = "auth_token"
	keyUser  = "user"
)

// ErrProfileCorrupt is returned when the cached user profile cannot be decoded.
// The token stays valid; verify_token is the recovery path.
var ErrProfileCorrupt = errors.New("cached user profile is corrupt")

// TokenStore persists the session token and the last known user profile.
// The two keys are independent so a damaged profile never costs the token.
type TokenStore struct {
	db *DB
}

// NewTokenStore creates a token store on top of db.
func NewTokenStore(db *DB) *TokenStore {
	return &TokenStore{db: db}
}

// Token returns the stored token, or "" when there is none.
func (s *TokenStore) Token(ctx context.Context) (string, error) {
	v, _, err := s.db.getKV(ctx, keyToken)
	return v, err
}

// SetToken stores token.
func (s *TokenStore) SetToken(ctx context.Context, token string) error {
	return s.db.setKV(ctx, keyToken, token)
}

// User returns the cached profile, nil when absent, or ErrProfileCorrupt.
func (s *TokenStore) User(ctx context.Context) (*model.User, error) {
	raw, ok, err := s.db.getKV(ctx, keyUser)
	if err != nil || !ok {
		return nil, err
	}
	var u model.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProfileCorrupt, err)
	}
	return &u, nil
}

// SetUser caches the profile as JSON.
func (s *TokenStore) SetUser(ctx context.Context, u *model.User) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	return s.db.setKV(ctx, keyUser, string(raw))
}

// Clear removes the token and the cached profile in one transaction.
func (s *TokenStore) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key IN (?, ?)`, keyToken, keyUser); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return tx.Commit()
}

func (db *DB) getKV(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", key, err)
	}
	return value, true, nil
}

func (db *DB) setKV(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// UpdateCheckpoint updates a sync checkpoint value.
func (db *DB) UpdateCheckpoint(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// Checkpoint retrieves a sync checkpoint value; "" when never written.
func (db *DB) Checkpoint(ctx context.Context, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
