package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bosunhq/bosun/internal/domain"
)

// CreateAPIKey inserts a new API key record. The caller supplies the id and
// the one-way hash of the secret; the plaintext is never stored.
func (s *Store) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO api_keys (id, user_id, name, secret_hash) VALUES (?, ?, ?, ?)",
		key.ID, key.UserID, key.Name, key.SecretHash)
	return translateErr(err)
}

// GetAPIKey returns the key with the given id, revoked or not.
func (s *Store) GetAPIKey(ctx context.Context, id string) (*domain.APIKey, error) {
	return scanAPIKey(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, secret_hash, created_at, last_used_at, revoked_at
		FROM api_keys WHERE id = ?`, id))
}

// ListAPIKeys returns a user's keys, newest first.
func (s *Store) ListAPIKeys(ctx context.Context, userID int64) ([]*domain.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, secret_hash, created_at, last_used_at, revoked_at
		FROM api_keys WHERE user_id = ? ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var keys []*domain.APIKey
	for rows.Next() {
		var k domain.APIKey
		var lastUsed, revoked sql.NullTime
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.SecretHash, &k.CreatedAt, &lastUsed, &revoked); err != nil {
			return nil, err
		}
		k.LastUsedAt = lastUsed.Time
		k.RevokedAt = revoked.Time
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// RevokeAPIKey revokes a key immediately and irreversibly. Revoking an
// already-revoked key is a no-op.
func (s *Store) RevokeAPIKey(ctx context.Context, id string, userID int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET revoked_at = ? WHERE id = ? AND user_id = ? AND revoked_at IS NULL",
		time.Now().UTC(), id, userID)
	if err != nil {
		return translateErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish missing (or someone else's key) from already revoked.
		key, err := s.GetAPIKey(ctx, id)
		if err != nil {
			return err
		}
		if key.UserID != userID {
			return fmt.Errorf("api key: %w", domain.ErrNotFound)
		}
	}
	return nil
}

// TouchAPIKey records key usage for the last-used timestamp. Failures are
// not surfaced; usage tracking must never fail a request.
func (s *Store) TouchAPIKey(ctx context.Context, id string) {
	_, _ = s.db.ExecContext(ctx,
		"UPDATE api_keys SET last_used_at = ? WHERE id = ?", time.Now().UTC(), id)
}

func scanAPIKey(row *sql.Row) (*domain.APIKey, error) {
	var k domain.APIKey
	var lastUsed, revoked sql.NullTime
	err := row.Scan(&k.ID, &k.UserID, &k.Name, &k.SecretHash, &k.CreatedAt, &lastUsed, &revoked)
	if err != nil {
		return nil, translateErr(err)
	}
	k.LastUsedAt = lastUsed.Time
	k.RevokedAt = revoked.Time
	return &k, nil
}
