package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "qstream/internal/errors"
)

func TestGenerateAndValidateToken(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour).WithIssuer("qstream")

	token, err := m.GenerateToken("u1", "alice", []string{"trader"}, []string{"acct123"})
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, []string{"acct123"}, claims.Accounts)
	assert.Equal(t, "qstream", claims.Issuer)
}

func TestValidateTokenRejections(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)
	other := NewJWTManager("other-secret", time.Hour)
	expired := NewJWTManager("test-secret", time.Millisecond)

	foreign, err := other.GenerateToken("u1", "alice", nil, nil)
	require.NoError(t, err)
	stale, err := expired.GenerateToken("u1", "alice", nil, nil)
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "u1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		details string
	}{
		{"garbage", "not-a-token", "invalid token"},
		{"wrong signature", foreign, "invalid token"},
		{"expired", stale, "token expired"},
		{"alg none", noneAlg, "invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.ValidateToken(tt.token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrUnauthorized))
			assert.Equal(t, tt.details, apperrors.GetAppError(err).Details)
		})
	}
}

func TestValidateTokenRequiresIssuer(t *testing.T) {
	token, err := NewJWTManager("s", time.Hour).WithIssuer("someone-else").GenerateToken("u1", "a", nil, nil)
	require.NoError(t, err)

	_, err = NewJWTManager("s", time.Hour).WithIssuer("qstream").ValidateToken(token)
	assert.Error(t, err)
}

func TestAuthenticate(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)
	token, err := m.GenerateToken("u1", "alice", nil, []string{"acct123"})
	require.NoError(t, err)

	t.Run("bearer header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		id, err := m.Authenticate(r)
		require.NoError(t, err)
		assert.Equal(t, "u1", id.UserID)
		assert.True(t, id.HasAccount("acct123"))
		assert.False(t, id.HasAccount("acct999"))
	})

	t.Run("query parameter", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
		id, err := m.Authenticate(r)
		require.NoError(t, err)
		assert.Equal(t, "alice", id.Username)
	})

	t.Run("anonymous", func(t *testing.T) {
		id, err := m.Authenticate(httptest.NewRequest(http.MethodGet, "/ws", nil))
		require.NoError(t, err)
		assert.Nil(t, id)
		assert.True(t, id.Anonymous())
	})

	t.Run("invalid", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("Authorization", "Bearer nope")
		_, err := m.Authenticate(r)
		assert.True(t, errors.Is(err, apperrors.ErrUnauthorized))
	})

	t.Run("non-bearer scheme", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
		r.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
		id, err := m.Authenticate(r)
		require.NoError(t, err)
		assert.Nil(t, id)
	})
}

func TestIdentityRoles(t *testing.T) {
	admin := &Identity{UserID: "root", Roles: []string{"admin"}}
	assert.True(t, admin.HasAccount("anything"))
	assert.False(t, (*Identity)(nil).HasRole("admin"))

	ctx := NewContext(context.Background(), admin)
	assert.Same(t, admin, FromContext(ctx))
	assert.Nil(t, FromContext(context.Background()))
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewJWTManager("test-secret", time.Hour)
	token, err := m.GenerateToken("u1", "alice", nil, nil)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/private", m.AuthMiddleware(), func(c *gin.Context) {
		c.String(http.StatusOK, IdentityFromGin(c).UserID)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/private", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "UNAUTHORIZED")

	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", w.Body.String())
}
