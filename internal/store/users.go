package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bosunhq/bosun/internal/domain"
)

// CreateUser inserts a new user. Fails with ErrConflict when the email is
// already registered.
func (s *Store) CreateUser(ctx context.Context, email, name, passwordHash string) (*domain.User, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO users (email, name, password_hash) VALUES (?, ?, ?)",
		email, name, passwordHash)
	if err != nil {
		return nil, translateErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read user id: %w", err)
	}
	return s.GetUserByID(ctx, id)
}

// GetUserByID returns the user with the given id.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*domain.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, email, name, password_hash, created_at FROM users WHERE id = ?", id))
}

// GetUserByEmail returns the user with the given email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, email, name, password_hash, created_at FROM users WHERE email = ?", email))
}

// UpdatePassword replaces the user's password hash.
func (s *Store) UpdatePassword(ctx context.Context, userID int64, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET password_hash = ? WHERE id = ?", passwordHash, userID)
	if err != nil {
		return translateErr(err)
	}
	return requireRow(res, "user")
}

// SetPasswordReset records a pending password-reset OTP for the user,
// replacing any previous one.
func (s *Store) SetPasswordReset(ctx context.Context, userID int64, otpHash string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (user_id, otp_hash, expires_at, used)
		VALUES (?, ?, ?, 0)
		ON CONFLICT (user_id) DO UPDATE SET
			otp_hash = excluded.otp_hash,
			expires_at = excluded.expires_at,
			used = 0`,
		userID, otpHash, expiresAt.UTC())
	return translateErr(err)
}

// GetPasswordReset returns the pending OTP hash for a user, or ErrNotFound
// when none is pending, or ErrExpired when past its deadline.
func (s *Store) GetPasswordReset(ctx context.Context, userID int64) (string, error) {
	var otpHash string
	var expiresAt time.Time
	var used bool
	err := s.db.QueryRowContext(ctx,
		"SELECT otp_hash, expires_at, used FROM password_resets WHERE user_id = ?",
		userID).Scan(&otpHash, &expiresAt, &used)
	if err != nil {
		return "", translateErr(err)
	}
	if used {
		return "", fmt.Errorf("reset code already used: %w", domain.ErrNotFound)
	}
	if time.Now().After(expiresAt) {
		return "", fmt.Errorf("reset code: %w", domain.ErrExpired)
	}
	return otpHash, nil
}

// ConsumePasswordReset marks the user's pending OTP as used.
func (s *Store) ConsumePasswordReset(ctx context.Context, userID int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE password_resets SET used = 1 WHERE user_id = ? AND used = 0", userID)
	if err != nil {
		return translateErr(err)
	}
	return requireRow(res, "password reset")
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	return &u, nil
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return nil
}
