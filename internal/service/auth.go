package service

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rmcam/tabanok-backend/internal/config"
	"github.com/rmcam/tabanok-backend/internal/db"
	"github.com/rmcam/tabanok-backend/internal/model"
	"github.com/rmcam/tabanok-backend/internal/token"
	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLength = 8
	adminRole         = "admin"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrRevoked            = errors.New("token revoked")
	ErrStoreUnavailable   = errors.New("revocation store unavailable")
	ErrConflict           = errors.New("conflict")
	ErrMisconfigured      = errors.New("auth config invalid")
)

// AuthRepository is the persistence surface the auth service needs: a
// user store for credential lookup and the revocation store.
type AuthRepository interface {
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByID(ctx context.Context, userID int64) (*model.User, error)
	CreateUser(ctx context.Context, email, passwordHash, role string) (*model.User, error)
	RevokeToken(ctx context.Context, tokenHash string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, tokenHash string) (bool, error)
	DeleteExpiredRevokedTokens(ctx context.Context, before time.Time) (int64, error)
}

// TokenCodec signs and verifies session tokens.
type TokenCodec interface {
	Encode(userID int64, email, role string, kind token.Kind, ttl time.Duration) (string, error)
	Decode(tokenStr string, kind token.Kind) (*token.Principal, error)
}

type AuthService struct {
	repo       AuthRepository
	codec      TokenCodec
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewAuthService(repo AuthRepository, codec TokenCodec, cfg config.AuthConfig) (*AuthService, error) {
	accessTTL, err := time.ParseDuration(cfg.JWTAccessTTL)
	if err != nil || accessTTL <= 0 {
		return nil, fmt.Errorf("%w: invalid JWT_ACCESS_TTL", ErrMisconfigured)
	}

	refreshTTL, err := time.ParseDuration(cfg.JWTRefreshTTL)
	if err != nil || refreshTTL <= 0 {
		return nil, fmt.Errorf("%w: invalid JWT_REFRESH_TTL", ErrMisconfigured)
	}

	return &AuthService{
		repo:       repo,
		codec:      codec,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}, nil
}

// EnsureAdmin seeds the admin credential record on first boot. Existing
// accounts are left untouched.
func (s *AuthService) EnsureAdmin(ctx context.Context, email, password string) error {
	if strings.TrimSpace(email) == "" || strings.TrimSpace(password) == "" {
		return fmt.Errorf("%w: ADMIN_EMAIL/ADMIN_PASSWORD are required", ErrMisconfigured)
	}

	_, err := s.repo.GetUserByEmail(ctx, email)
	if err == nil {
		return nil
	}
	if !db.IsNoRows(err) {
		return err
	}

	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: admin password too short", ErrMisconfigured)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	_, err = s.repo.CreateUser(ctx, email, string(hash), adminRole)
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	return err
}

// Login validates the credentials and issues an access/refresh token
// pair. Unknown email and wrong password are indistinguishable to the
// caller; the raw password is never logged or stored.
func (s *AuthService) Login(ctx context.Context, email, password string) (*model.AuthResponse, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return s.issueSession(user)
}

// Logout revokes the presented access token. Idempotent: a blank or
// already-revoked token is a successful no-op.
func (s *AuthService) Logout(ctx context.Context, accessToken string) error {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return nil
	}

	// Retention bound for the tombstone. When the token no longer
	// decodes (already expired, garbage) fall back to the maximum
	// lifetime an access token could still have.
	expiresAt := time.Now().Add(s.accessTTL)
	if principal, err := s.codec.Decode(accessToken, token.KindAccess); err == nil {
		expiresAt = principal.ExpiresAt
	}

	if err := s.repo.RevokeToken(ctx, hashToken(accessToken), expiresAt); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Refresh rotates a refresh token: the presented token is revoked and a
// fresh access/refresh pair is issued. A revoked, expired or non-refresh
// token is rejected.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*model.AuthResponse, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, ErrInvalidToken
	}

	revoked, err := s.repo.IsTokenRevoked(ctx, hashToken(refreshToken))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if revoked {
		return nil, ErrRevoked
	}

	principal, err := s.codec.Decode(refreshToken, token.KindRefresh)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	user, err := s.repo.GetUserByID(ctx, principal.UserID)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}

	if err := s.repo.RevokeToken(ctx, hashToken(refreshToken), principal.ExpiresAt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return s.issueSession(user)
}

// CheckAccessToken is the guard's decision core. The revocation lookup
// runs before signature verification so that a revoked-but-unexpired
// token is rejected; store failures reject the request, never admit it.
func (s *AuthService) CheckAccessToken(ctx context.Context, accessToken string) (*model.AuthUser, error) {
	revoked, err := s.repo.IsTokenRevoked(ctx, hashToken(accessToken))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if revoked {
		return nil, ErrRevoked
	}

	principal, err := s.codec.Decode(accessToken, token.KindAccess)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return &model.AuthUser{
		ID:    principal.UserID,
		Email: principal.Email,
		Role:  principal.Role,
	}, nil
}

// PruneRevokedTokens deletes tombstones whose token has expired.
func (s *AuthService) PruneRevokedTokens(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpiredRevokedTokens(ctx, time.Now())
}

func (s *AuthService) issueSession(user *model.User) (*model.AuthResponse, error) {
	accessToken, err := s.codec.Encode(user.ID, user.Email, user.Role, token.KindAccess, s.accessTTL)
	if err != nil {
		return nil, err
	}

	refreshToken, err := s.codec.Encode(user.ID, user.Email, user.Role, token.KindRefresh, s.refreshTTL)
	if err != nil {
		return nil, err
	}

	return &model.AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		User: model.UserResponse{
			ID:    user.ID,
			Email: user.Email,
			Role:  user.Role,
		},
	}, nil
}

func hashToken(tokenStr string) string {
	sum := sha256.Sum256([]byte(tokenStr))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
