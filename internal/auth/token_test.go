package auth

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/bosunhq/bosun/internal/domain"
	"github.com/bosunhq/bosun/internal/store"
)

func createTestAuth(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	// MinCost keeps the bcrypt-heavy tests fast.
	return NewService(st, []byte("test-secret"), time.Hour, bcrypt.MinCost), st
}

func registerUser(t *testing.T, svc *Service, st *store.Store, email, password string) *domain.User {
	t.Helper()
	hash, err := svc.HashPassword(password)
	require.NoError(t, err)
	u, err := st.CreateUser(context.Background(), email, "", hash)
	require.NoError(t, err)
	return u
}

func TestCheckPassword(t *testing.T) {
	svc, st := createTestAuth(t)
	ctx := context.Background()
	registerUser(t, svc, st, "alice@example.com", "correct horse")

	u, err := svc.CheckPassword(ctx, "alice@example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", u.Email)

	_, err = svc.CheckPassword(ctx, "alice@example.com", "wrong")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = svc.CheckPassword(ctx, "nobody@example.com", "correct horse")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestToken_RoundTrip(t *testing.T) {
	svc, st := createTestAuth(t)
	ctx := context.Background()
	u := registerUser(t, svc, st, "alice@example.com", "pw")

	token, err := svc.IssueToken(u)
	require.NoError(t, err)

	p, err := svc.ValidateToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, p.UserID)
	assert.Equal(t, "alice@example.com", p.Email)
	assert.False(t, p.Anonymous)
}

func TestToken_WrongSecret(t *testing.T) {
	svc, st := createTestAuth(t)
	u := registerUser(t, svc, st, "alice@example.com", "pw")

	other := NewService(st, []byte("different-secret"), time.Hour, bcrypt.MinCost)
	token, err := other.IssueToken(u)
	require.NoError(t, err)

	_, err = svc.ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestToken_Expired(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc := NewService(st, []byte("secret"), -time.Minute, bcrypt.MinCost)
	u, err := st.CreateUser(context.Background(), "alice@example.com", "", "hash")
	require.NoError(t, err)

	token, err := svc.IssueToken(u)
	require.NoError(t, err)

	_, err = svc.ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestToken_Garbage(t *testing.T) {
	svc, _ := createTestAuth(t)

	_, err := svc.ValidateToken(context.Background(), "not.a.token")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestAPIKey_RoundTrip(t *testing.T) {
	svc, st := createTestAuth(t)
	ctx := context.Background()
	u := registerUser(t, svc, st, "alice@example.com", "pw")

	key, plaintext, err := svc.CreateAPIKey(ctx, u.ID, "ci")
	require.NoError(t, err)
	assert.True(t, len(plaintext) > len("bosun__"))
	assert.NotContains(t, key.SecretHash, plaintext)

	p, err := svc.ValidateAPIKey(ctx, plaintext)
	require.NoError(t, err)
	assert.Equal(t, u.ID, p.UserID)
	assert.Equal(t, key.ID, p.APIKeyID)
}

func TestAPIKey_Revoked(t *testing.T) {
	svc, st := createTestAuth(t)
	ctx := context.Background()
	u := registerUser(t, svc, st, "alice@example.com", "pw")

	key, plaintext, err := svc.CreateAPIKey(ctx, u.ID, "ci")
	require.NoError(t, err)
	require.NoError(t, st.RevokeAPIKey(ctx, key.ID, u.ID))

	_, err = svc.ValidateAPIKey(ctx, plaintext)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestAPIKey_Malformed(t *testing.T) {
	svc, _ := createTestAuth(t)
	ctx := context.Background()

	for _, key := range []string{"", "bosun_", "nope_id_secret", "bosun_unknown-id_secret"} {
		_, err := svc.ValidateAPIKey(ctx, key)
		assert.ErrorIs(t, err, domain.ErrUnauthorized, "key %q", key)
	}
}

func TestAuthenticate(t *testing.T) {
	svc, st := createTestAuth(t)
	ctx := context.Background()
	u := registerUser(t, svc, st, "alice@example.com", "pw")

	token, err := svc.IssueToken(u)
	require.NoError(t, err)
	_, apiKey, err := svc.CreateAPIKey(ctx, u.ID, "ci")
	require.NoError(t, err)

	t.Run("anonymous", func(t *testing.T) {
		p, err := svc.Authenticate(ctx, "")
		require.NoError(t, err)
		assert.True(t, p.Anonymous)
	})

	t.Run("bearer token", func(t *testing.T) {
		p, err := svc.Authenticate(ctx, "Bearer "+token)
		require.NoError(t, err)
		assert.Equal(t, u.ID, p.UserID)
	})

	t.Run("bearer api key", func(t *testing.T) {
		p, err := svc.Authenticate(ctx, "Bearer "+apiKey)
		require.NoError(t, err)
		assert.Equal(t, u.ID, p.UserID)
		assert.NotEmpty(t, p.APIKeyID)
	})

	t.Run("basic password", func(t *testing.T) {
		creds := base64.StdEncoding.EncodeToString([]byte("alice@example.com:pw"))
		p, err := svc.Authenticate(ctx, "Basic "+creds)
		require.NoError(t, err)
		assert.Equal(t, u.ID, p.UserID)
	})

	t.Run("basic api key as password", func(t *testing.T) {
		creds := base64.StdEncoding.EncodeToString([]byte("alice@example.com:" + apiKey))
		p, err := svc.Authenticate(ctx, "Basic "+creds)
		require.NoError(t, err)
		assert.Equal(t, u.ID, p.UserID)
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := svc.Authenticate(ctx, "Digest abc")
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})
}

func TestGenerateOTP(t *testing.T) {
	svc, _ := createTestAuth(t)

	code, hash, err := svc.GenerateOTP()
	require.NoError(t, err)
	assert.Len(t, code, 6)

	assert.True(t, CheckOTP(hash, code))
	assert.False(t, CheckOTP(hash, "000000\n"))
	assert.False(t, CheckOTP(hash, "wrong"))
}
