package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/emilyakhya/MMS/internal/types"
)

const (
	metaAuthToken = "auth_token"
	metaUserData  = "user_data"
)

// TokenStore keeps the bearer token and the signed-in user in the
// metadata table of the local database.
type TokenStore struct {
	store *SQLiteStore
}

// NewTokenStore returns a TokenStore backed by s.
func NewTokenStore(s *SQLiteStore) *TokenStore {
	return &TokenStore{store: s}
}

// Token returns the stored bearer token, or "" when signed out or when the
// store is unavailable.
func (t *TokenStore) Token(ctx context.Context) string {
	db := t.store.softConn("get_token")
	if db == nil {
		return ""
	}

	var token string
	err := db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, metaAuthToken).Scan(&token)
	if err != nil {
		return ""
	}
	return token
}

// SetSession stores the token and user returned by a successful login.
func (t *TokenStore) SetSession(ctx context.Context, user types.User) error {
	db, err := t.store.conn()
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	userData, err := json.Marshal(types.User{ID: user.ID, Email: user.Email, Name: user.Name})
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	upsert := `INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := tx.ExecContext(ctx, upsert, metaAuthToken, user.Token); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upsert, metaUserData, string(userData)); err != nil {
		return fmt.Errorf("save user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// User returns the signed-in user, or ErrNotFound when signed out.
func (t *TokenStore) User(ctx context.Context) (*types.User, error) {
	db, err := t.store.conn()
	if err != nil {
		return nil, err
	}

	var data string
	err = db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, metaUserData).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load user: %w", err)
	}

	var user types.User
	if err := json.Unmarshal([]byte(data), &user); err != nil {
		return nil, fmt.Errorf("parse user: %w", err)
	}
	return &user, nil
}

// Clear removes the token and user data.
func (t *TokenStore) Clear(ctx context.Context) error {
	db := t.store.softConn("clear_session")
	if db == nil {
		return nil
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM metadata WHERE key IN (?, ?)`, metaAuthToken, metaUserData); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
