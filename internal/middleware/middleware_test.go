package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type supervisorStore struct{ sup *model.Supervisor }

func (s supervisorStore) GetByID(context.Context, int) (*model.Supervisor, error) { return s.sup, nil }
func (s supervisorStore) GetByEmail(context.Context, string) (*model.Supervisor, error) {
	return s.sup, nil
}

func newAuth(t *testing.T) (*service.AuthService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := &config.Config{JWTSecret: "test-secret", JWTExpiry: time.Hour, BcryptCost: 4}
	auth := service.NewAuthService(cfg, rdb, nil, nil)
	hash, err := auth.HashPassword("secret123")
	require.NoError(t, err)
	sup := &model.Supervisor{ID: 9, Email: "s@example.com", PasswordHash: hash}
	return service.NewAuthService(cfg, rdb, nil, supervisorStore{sup: sup}), mr
}

func newEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers = append(handlers, func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/x", handlers...)
	return r
}

func serve(r *gin.Engine, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireCandidateJWT(t *testing.T) {
	auth, _ := newAuth(t)
	candidateToken, err := auth.GenerateCandidateToken(context.Background(), 5)
	require.NoError(t, err)
	sup, err := auth.LoginSupervisor(context.Background(), model.SupervisorLoginRequest{Email: "s@example.com", Password: "secret123"})
	require.NoError(t, err)

	r := newEngine(RequireCandidateJWT(auth))

	assert.Equal(t, http.StatusUnauthorized, serve(r, "/x", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, "/x", "not-a-jwt").Code)
	assert.Equal(t, http.StatusForbidden, serve(r, "/x", sup.Token).Code)
	assert.Equal(t, http.StatusNoContent, serve(r, "/x", candidateToken).Code)
	assert.Equal(t, http.StatusNoContent, serve(r, "/x?token="+candidateToken, "").Code)
}

func TestRequireTokenType(t *testing.T) {
	auth, _ := newAuth(t)
	candidateToken, err := auth.GenerateCandidateToken(context.Background(), 5)
	require.NoError(t, err)

	r := newEngine(RequireAnyJWT(auth), RequireTokenType(service.TokenTypeSupervisor))
	assert.Equal(t, http.StatusForbidden, serve(r, "/x", candidateToken).Code)

	r = newEngine(RequireAnyJWT(auth), RequireTokenType(service.TokenTypeCandidate, service.TokenTypeSupervisor))
	assert.Equal(t, http.StatusNoContent, serve(r, "/x", candidateToken).Code)
}

func TestCheckSingleDeviceLogin(t *testing.T) {
	auth, _ := newAuth(t)
	ctx := context.Background()
	token, err := auth.GenerateCandidateToken(ctx, 5)
	require.NoError(t, err)

	_, err = auth.GenerateCandidateToken(ctx, 5)
	require.ErrorIs(t, err, service.ErrSessionAlreadyActive)

	r := newEngine(RequireCandidateJWT(auth), CheckSingleDeviceLogin(auth))
	assert.Equal(t, http.StatusNoContent, serve(r, "/x", token).Code)

	require.NoError(t, auth.ResetCandidateLogin(ctx, 5))
	assert.Equal(t, http.StatusUnauthorized, serve(r, "/x", token).Code)

	// A fresh login after the reset gets through; the old token stays dead.
	fresh, err := auth.GenerateCandidateToken(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, serve(r, "/x", fresh).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, "/x", token).Code)
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(ctx, 2, time.Minute)
	rl.now = func() time.Time { return now }
	r := newEngine(rl.Middleware())

	assert.Equal(t, http.StatusNoContent, serve(r, "/x", "").Code)
	assert.Equal(t, http.StatusNoContent, serve(r, "/x", "").Code)
	w := serve(r, "/x", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	now = now.Add(time.Minute)
	assert.Equal(t, http.StatusNoContent, serve(r, "/x", "").Code)

	now = now.Add(10 * time.Minute)
	rl.sweep()
	rl.mu.Lock()
	assert.Empty(t, rl.buckets)
	rl.mu.Unlock()
}

func TestNoStore(t *testing.T) {
	r := newEngine(NoStore())
	assert.Equal(t, "no-store", serve(r, "/x", "").Header().Get("Cache-Control"))
}

func TestBrotliCompressesLargeBodies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Brotli(64))
	r.GET("/small", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/large", func(c *gin.Context) { c.String(http.StatusOK, strings.Repeat("soal ", 100)) })

	get := func(path, accept string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Accept-Encoding", accept)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := get("/small", "gzip, br")
	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.Equal(t, "ok", w.Body.String())

	w = get("/large", "gzip, br;q=1.0")
	require.Equal(t, "br", w.Header().Get("Content-Encoding"))
	body, err := io.ReadAll(brotli.NewReader(w.Body))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("soal ", 100), string(body))

	w = get("/large", "gzip")
	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.Len(t, w.Body.String(), 500)
}

func TestRequireSupervisorJWTExpired(t *testing.T) {
	_, mr := newAuth(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cfg := &config.Config{JWTSecret: "test-secret", JWTExpiry: -time.Minute, BcryptCost: 4}
	plain := service.NewAuthService(cfg, rdb, nil, nil)
	hash, err := plain.HashPassword("secret123")
	require.NoError(t, err)
	auth := service.NewAuthService(cfg, rdb, nil, supervisorStore{sup: &model.Supervisor{ID: 3, PasswordHash: hash}})

	sup, err := auth.LoginSupervisor(context.Background(), model.SupervisorLoginRequest{Email: "s@example.com", Password: "secret123"})
	require.NoError(t, err)

	w := serve(newEngine(RequireSupervisorJWT(auth)), "/x", sup.Token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "TOKEN_EXPIRED")
}
