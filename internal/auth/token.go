package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/bosunhq/bosun/internal/domain"
	"github.com/bosunhq/bosun/internal/store"
)

const tokenIssuer = "bosun-registry"

// Service issues and validates credentials: bearer tokens, passwords and
// API keys.
type Service struct {
	store       *store.Store
	secret      []byte
	tokenExpiry time.Duration
	bcryptCost  int
}

// NewService creates an auth service. secret signs bearer tokens (HS256).
func NewService(st *store.Store, secret []byte, tokenExpiry time.Duration, bcryptCost int) *Service {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Service{store: st, secret: secret, tokenExpiry: tokenExpiry, bcryptCost: bcryptCost}
}

// HashPassword returns the bcrypt hash of a plaintext password.
func (s *Service) HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(h), nil
}

// CheckPassword verifies email+password and returns the user on success.
func (s *Service) CheckPassword(ctx context.Context, email, password string) (*domain.User, error) {
	u, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		// Burn a comparison anyway so unknown emails take as long as
		// wrong passwords.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000000000000000000000000000000000"), []byte(password))
		return nil, fmt.Errorf("invalid credentials: %w", domain.ErrUnauthorized)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", domain.ErrUnauthorized)
	}
	return u, nil
}

// IssueToken returns a signed bearer token for the user.
func (s *Service) IssueToken(user *domain.User) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   tokenIssuer,
		"sub":   strconv.FormatInt(user.ID, 10),
		"email": user.Email,
		"iat":   now.Unix(),
		"exp":   now.Add(s.tokenExpiry).Unix(),
		"jti":   uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a bearer token, returning the principal
// it identifies.
func (s *Service) ValidateToken(ctx context.Context, tokenString string) (domain.Principal, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return domain.Principal{}, fmt.Errorf("invalid token: %w", domain.ErrUnauthorized)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return domain.Principal{}, fmt.Errorf("invalid token claims: %w", domain.ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("invalid token subject: %w", domain.ErrUnauthorized)
	}
	// Token subjects must still exist; deleted accounts lose access.
	u, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("unknown token subject: %w", domain.ErrUnauthorized)
	}
	return domain.Principal{UserID: u.ID, Email: u.Email}, nil
}

// CreateAPIKey mints a new API key for the user and returns it along with
// the plaintext secret, which is shown exactly once.
func (s *Service) CreateAPIKey(ctx context.Context, userID int64, name string) (*domain.APIKey, string, error) {
	id := uuid.NewString()
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("failed to generate key secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.bcryptCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash key secret: %w", err)
	}

	key := &domain.APIKey{ID: id, UserID: userID, Name: name, SecretHash: string(hash)}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return nil, "", err
	}
	// The wire format carries the key id so validation can look up the
	// hash without scanning.
	return key, "bosun_" + id + "_" + secret, nil
}

// ValidateAPIKey checks a plaintext API key and returns the principal of
// its owner. Revoked keys fail immediately.
func (s *Service) ValidateAPIKey(ctx context.Context, plaintext string) (domain.Principal, error) {
	parts := strings.SplitN(plaintext, "_", 3)
	if len(parts) != 3 || parts[0] != "bosun" {
		return domain.Principal{}, fmt.Errorf("malformed api key: %w", domain.ErrUnauthorized)
	}
	id, secret := parts[1], parts[2]

	key, err := s.store.GetAPIKey(ctx, id)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("unknown api key: %w", domain.ErrUnauthorized)
	}
	if key.Revoked() {
		return domain.Principal{}, fmt.Errorf("revoked api key: %w", domain.ErrUnauthorized)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)); err != nil {
		return domain.Principal{}, fmt.Errorf("invalid api key: %w", domain.ErrUnauthorized)
	}

	s.store.TouchAPIKey(ctx, key.ID)

	u, err := s.store.GetUserByID(ctx, key.UserID)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("api key owner missing: %w", domain.ErrUnauthorized)
	}
	return domain.Principal{UserID: u.ID, Email: u.Email, APIKeyID: key.ID}, nil
}

// Authenticate resolves an Authorization header value (Bearer token, API
// key, or Basic credentials) into a principal. An empty value yields the
// anonymous principal without error.
func (s *Service) Authenticate(ctx context.Context, authorization string) (domain.Principal, error) {
	if authorization == "" {
		return domain.Principal{Anonymous: true}, nil
	}

	if after, ok := strings.CutPrefix(authorization, "Bearer "); ok {
		if strings.HasPrefix(after, "bosun_") {
			return s.ValidateAPIKey(ctx, after)
		}
		return s.ValidateToken(ctx, after)
	}

	if after, ok := strings.CutPrefix(authorization, "Basic "); ok {
		decoded, err := base64.StdEncoding.DecodeString(after)
		if err != nil {
			return domain.Principal{}, fmt.Errorf("malformed basic credentials: %w", domain.ErrUnauthorized)
		}
		email, password, ok := strings.Cut(string(decoded), ":")
		if !ok {
			return domain.Principal{}, fmt.Errorf("malformed basic credentials: %w", domain.ErrUnauthorized)
		}
		// docker login sends the API key as the password.
		if strings.HasPrefix(password, "bosun_") {
			return s.ValidateAPIKey(ctx, password)
		}
		u, err := s.CheckPassword(ctx, email, password)
		if err != nil {
			return domain.Principal{}, err
		}
		return domain.Principal{UserID: u.ID, Email: u.Email}, nil
	}

	return domain.Principal{}, fmt.Errorf("unsupported authorization scheme: %w", domain.ErrUnauthorized)
}

// GenerateOTP returns a six-digit one-time code and its bcrypt hash for the
// forgot-password flow.
func (s *Service) GenerateOTP() (string, string, error) {
	raw := make([]byte, 4)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("failed to generate otp: %w", err)
	}
	n := uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	code := fmt.Sprintf("%06d", n%1000000)
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.bcryptCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash otp: %w", err)
	}
	return code, string(hash), nil
}

// CheckOTP verifies a one-time code against its stored hash.
func CheckOTP(hash, code string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil
}
