package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/rmcam/tabanok-backend/internal/config"
	"github.com/rmcam/tabanok-backend/internal/model"
	"github.com/rmcam/tabanok-backend/internal/service"
	"github.com/rmcam/tabanok-backend/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeAuthRepo struct {
	mu      sync.RWMutex
	users   map[string]*model.User
	revoked map[string]time.Time

	isRevokedCalls int
	lookupErr      error
}

func newFakeAuthRepo() *fakeAuthRepo {
	return &fakeAuthRepo{
		users:   make(map[string]*model.User),
		revoked: make(map[string]time.Time),
	}
}

func (f *fakeAuthRepo) addUser(id int64, email, password, role string) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	f.users[email] = &model.User{ID: id, Email: email, PasswordHash: string(hash), Role: role}
}

func (f *fakeAuthRepo) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	if user, ok := f.users[email]; ok {
		return user, nil
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeAuthRepo) GetUserByID(_ context.Context, userID int64) (*model.User, error) {
	for _, user := range f.users {
		if user.ID == userID {
			return user, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeAuthRepo) CreateUser(_ context.Context, email, passwordHash, role string) (*model.User, error) {
	user := &model.User{ID: int64(len(f.users) + 1), Email: email, PasswordHash: passwordHash, Role: role}
	f.users[email] = user
	return user, nil
}

func (f *fakeAuthRepo) RevokeToken(_ context.Context, tokenHash string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.revoked[tokenHash]; !exists {
		f.revoked[tokenHash] = expiresAt
	}
	return nil
}

func (f *fakeAuthRepo) IsTokenRevoked(_ context.Context, tokenHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.isRevokedCalls++
	if f.lookupErr != nil {
		return false, f.lookupErr
	}
	_, revoked := f.revoked[tokenHash]
	return revoked, nil
}

func (f *fakeAuthRepo) DeleteExpiredRevokedTokens(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

type countingCodec struct {
	inner       *token.Codec
	decodeCalls int
}

func (c *countingCodec) Encode(userID int64, email, role string, kind token.Kind, ttl time.Duration) (string, error) {
	return c.inner.Encode(userID, email, role, kind, ttl)
}

func (c *countingCodec) Decode(tokenStr string, kind token.Kind) (*token.Principal, error) {
	c.decodeCalls++
	return c.inner.Decode(tokenStr, kind)
}

func newTestRouter(t *testing.T) (*gin.Engine, *service.AuthService, *fakeAuthRepo, *countingCodec) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := newFakeAuthRepo()
	repo.addUser(1, "a@b.com", "correct-password", "student")

	inner, err := token.NewCodec("test-secret")
	require.NoError(t, err)
	codec := &countingCodec{inner: inner}

	svc, err := service.NewAuthService(repo, codec, config.AuthConfig{
		JWTSecret:     "test-secret",
		JWTAccessTTL:  "15m",
		JWTRefreshTTL: "168h",
	})
	require.NoError(t, err)

	r := gin.New()
	authHandler := NewAuthHandler(svc)
	r.POST("/api/v1/auth/login", authHandler.Login)
	r.POST("/api/v1/auth/refresh", authHandler.Refresh)
	r.POST("/api/v1/auth/logout", authHandler.Logout)

	protected := r.Group("/api/v1")
	protected.Use(AuthMiddleware(svc))
	protected.GET("/auth/me", authHandler.Me)

	return r, svc, repo, codec
}

func doRequest(r *gin.Engine, method, path, bearer string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", bearer)
	}
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) model.ErrorResponse {
	t.Helper()
	var body model.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// A request without a bearer token is rejected before the revocation
// store or the codec is consulted.
func TestGuardRejectsMissingToken(t *testing.T) {
	r, _, repo, codec := newTestRouter(t)

	for _, header := range []string{"", "Basic abc", "Bearer ", "Bearer    "} {
		w := doRequest(r, http.MethodGet, "/api/v1/auth/me", header)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "header %q", header)
	}
	assert.Zero(t, repo.isRevokedCalls)
	assert.Zero(t, codec.decodeCalls)
}

func TestGuardRejectsRevokedTokenWithoutDecoding(t *testing.T) {
	r, svc, repo, codec := newTestRouter(t)

	session, err := svc.Login(context.Background(), "a@b.com", "correct-password")
	require.NoError(t, err)
	require.NoError(t, svc.Logout(context.Background(), session.AccessToken))

	decodesBefore := codec.decodeCalls
	w := doRequest(r, http.MethodGet, "/api/v1/auth/me", "Bearer "+session.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, decodesBefore, codec.decodeCalls, "decode must not run for a revoked token")
	assert.Positive(t, repo.isRevokedCalls)
}

func TestGuardAdmitsValidToken(t *testing.T) {
	r, svc, _, _ := newTestRouter(t)

	session, err := svc.Login(context.Background(), "a@b.com", "correct-password")
	require.NoError(t, err)

	w := doRequest(r, http.MethodGet, "/api/v1/auth/me", "Bearer "+session.AccessToken)
	require.Equal(t, http.StatusOK, w.Code)

	var me model.AuthMeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &me))
	assert.Equal(t, int64(1), me.UserID)
	assert.Equal(t, "a@b.com", me.Email)
	assert.Equal(t, "student", me.Role)
}

// A malformed token gets the same generic 401 as any other invalid
// token; the body never says which check failed.
func TestGuardRejectsMalformedTokenGenerically(t *testing.T) {
	r, _, _, _ := newTestRouter(t)

	w := doRequest(r, http.MethodGet, "/api/v1/auth/me", "Bearer not.a.jwt")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	body := decodeError(t, w)
	assert.Equal(t, http.StatusUnauthorized, body.StatusCode)
	assert.Equal(t, "/api/v1/auth/me", body.Path)
	assert.Equal(t, "Unauthorized", body.Error)
	assert.Equal(t, "unauthorized", body.Message)
	assert.NotEmpty(t, body.Timestamp)
	assert.NotContains(t, w.Body.String(), "malformed")
	assert.NotContains(t, w.Body.String(), "signature")
}

func TestGuardRejectsExpiredTokenGenerically(t *testing.T) {
	r, _, _, codec := newTestRouter(t)

	expired, err := codec.inner.Encode(1, "a@b.com", "student", token.KindAccess, -time.Minute)
	require.NoError(t, err)

	w := doRequest(r, http.MethodGet, "/api/v1/auth/me", "Bearer "+expired)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", decodeError(t, w).Message)
	assert.NotContains(t, w.Body.String(), "expired")
}

// A store outage fails closed: the request is rejected, not admitted
// with the revocation check skipped.
func TestGuardFailsClosedWhenStoreUnavailable(t *testing.T) {
	r, svc, repo, codec := newTestRouter(t)

	session, err := svc.Login(context.Background(), "a@b.com", "correct-password")
	require.NoError(t, err)

	repo.lookupErr = errors.New("connection refused")
	decodesBefore := codec.decodeCalls
	w := doRequest(r, http.MethodGet, "/api/v1/auth/me", "Bearer "+session.AccessToken)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, decodesBefore, codec.decodeCalls)
}

func TestGuardSkipsPreflight(t *testing.T) {
	r, _, repo, _ := newTestRouter(t)

	w := doRequest(r, http.MethodOptions, "/api/v1/auth/me", "")
	assert.NotEqual(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, repo.isRevokedCalls)
}
