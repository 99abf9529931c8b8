package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"grape/models"
	"grape/pkg/registry"
)

func newService(t *testing.T) (*Service, *TokenIssuer) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	tokens := NewTokenIssuer("test-secret", time.Hour)
	service, err := NewService(registry.NewMemory(), tokens, bcrypt.MinCost, logger)
	require.NoError(t, err)
	return service, tokens
}

func TestTokenRoundTrip(t *testing.T) {
	tokens := NewTokenIssuer("s3cret", time.Hour)

	raw, err := tokens.Issue(models.Owner{ID: "u1", Email: "a@b.c"})
	require.NoError(t, err)

	owner, err := tokens.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, models.Owner{ID: "u1", Email: "a@b.c"}, owner)
}

func TestTokenRejected(t *testing.T) {
	tokens := NewTokenIssuer("s3cret", time.Hour)
	raw, err := tokens.Issue(models.Owner{ID: "u1"})
	require.NoError(t, err)

	expired := NewTokenIssuer("s3cret", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name   string
		issuer *TokenIssuer
		raw    string
	}{
		{"wrong secret", NewTokenIssuer("other", time.Hour), raw},
		{"expired", expired, raw},
		{"unsigned", tokens, none},
		{"garbage", tokens, "not.a.token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.issuer.Verify(tt.raw)
			require.Error(t, err)
			assert.Equal(t, models.KindUnauthorized, models.KindOf(err))
		})
	}
}

func TestRegisterAndLogin(t *testing.T) {
	ctx := context.Background()
	service, tokens := newService(t)

	session, err := service.Register(ctx, models.RegisterDTO{Email: "  Alice@Example.com ", Password: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", session.User.Email)

	owner, err := tokens.Verify(session.Token)
	require.NoError(t, err)
	assert.Equal(t, session.User, owner)

	login, err := service.Login(ctx, models.LoginDTO{Email: "ALICE@example.com", Password: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, session.User.ID, login.User.ID)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	service, _ := newService(t)

	_, err := service.Register(ctx, models.RegisterDTO{Email: "alice@example.com", Password: "correct horse"})
	require.NoError(t, err)

	_, err = service.Register(ctx, models.RegisterDTO{Email: "Alice@example.com", Password: "another one"})
	assert.True(t, models.IsConflict(err))
}

func TestLoginBadCredentials(t *testing.T) {
	ctx := context.Background()
	service, _ := newService(t)

	_, err := service.Register(ctx, models.RegisterDTO{Email: "alice@example.com", Password: "correct horse"})
	require.NoError(t, err)

	_, err = service.Login(ctx, models.LoginDTO{Email: "alice@example.com", Password: "wrong horse"})
	assert.Equal(t, models.KindUnauthorized, models.KindOf(err))

	_, err = service.Login(ctx, models.LoginDTO{Email: "bob@example.com", Password: "correct horse"})
	assert.Equal(t, models.KindUnauthorized, models.KindOf(err))
	assert.Equal(t, "invalid email or password", models.Message(err))
}

func newRouter(t *testing.T) (*gin.Engine, *TokenIssuer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	service, tokens := newService(t)
	h := NewHandler(service, tokens)

	r := gin.New()
	h.SetupRoutes(r.Group("/api"))
	r.GET("/api/me", h.Authenticated(func(c *gin.Context, owner models.Owner) {
		c.JSON(http.StatusOK, owner)
	}))
	return r, tokens
}

func do(r http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlers(t *testing.T) {
	r, _ := newRouter(t)
	creds := gin.H{"email": "alice@example.com", "password": "correct horse"}

	w := do(r, http.MethodPost, "/api/register", "", creds)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Data models.Session `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Data.Token)

	assert.Equal(t, http.StatusConflict, do(r, http.MethodPost, "/api/register", "", creds).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/api/register", "", gin.H{"email": "nope", "password": "short"}).Code)

	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/login", "", creds).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodPost, "/api/login", "", gin.H{"email": "alice@example.com", "password": "wrong horse"}).Code)

	w = do(r, http.MethodGet, "/api/me", resp.Data.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var owner models.Owner
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &owner))
	assert.Equal(t, resp.Data.User, owner)
}

func TestAuthenticatedRejects(t *testing.T) {
	r, _ := newRouter(t)

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/me", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/me", "forged", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBearerToken(t *testing.T) {
	tok, ok := bearerToken("bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	_, ok = bearerToken("Bearer ")
	assert.False(t, ok)
}
