package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	apperrors "qstream/internal/errors"
	"qstream/internal/logger"
)

// Claims is the JWT payload issued by JWTManager.
type Claims struct {
	UserID   string   `json:"user_id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles,omitempty"`
	Accounts []string `json:"accounts,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the authenticated principal behind a connection. A nil
// Identity is an anonymous client.
type Identity struct {
	UserID   string   `json:"user_id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles,omitempty"`
	Accounts []string `json:"accounts,omitempty"`
}

// Anonymous reports whether i carries no authenticated user.
func (i *Identity) Anonymous() bool {
	return i == nil || i.UserID == ""
}

// HasRole reports whether i has role.
func (i *Identity) HasRole(role string) bool {
	return i != nil && slices.Contains(i.Roles, role)
}

// HasAccount reports whether account belongs to i. The admin role owns
// every account.
func (i *Identity) HasAccount(account string) bool {
	if i == nil {
		return false
	}
	return i.HasRole("admin") || slices.Contains(i.Accounts, account)
}

// Authenticator resolves the identity of an incoming HTTP request. It returns
// (nil, nil) when the request carries no credentials.
type Authenticator interface {
	Authenticate(r *http.Request) (*Identity, error)
}

// JWTManager issues and validates HS256 tokens.
type JWTManager struct {
	secretKey []byte
	duration  time.Duration
	issuer    string
}

// NewJWTManager creates a manager signing with secretKey. An empty key is
// replaced by a random one, so tokens only survive for the process lifetime.
func NewJWTManager(secretKey string, duration time.Duration) *JWTManager {
	key := []byte(secretKey)
	if len(key) == 0 {
		buf := make([]byte, 32)
		_, _ = rand.Read(buf)
		key = []byte(hex.EncodeToString(buf))
		logger.Warn("JWT secret not configured, using an ephemeral key")
	}
	if duration <= 0 {
		duration = 24 * time.Hour
	}
	return &JWTManager{secretKey: key, duration: duration}
}

// WithIssuer sets the iss claim written and required by the manager.
func (m *JWTManager) WithIssuer(issuer string) *JWTManager {
	m.issuer = issuer
	return m
}

// GenerateToken signs a token for the user.
func (m *JWTManager) GenerateToken(userID, username string, roles, accounts []string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Roles:    roles,
		Accounts: accounts,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.duration)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secretKey)
}

// ValidateToken parses tokenString and returns its claims. Every failure is
// an UNAUTHORIZED AppError.
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return m.secretKey, nil
	}, opts...)
	if err != nil {
		details := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			details = "token expired"
		}
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeUnauthorized, "Unauthorized access", details, err)
	}
	if claims.ExpiresAt == nil || claims.UserID == "" {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeUnauthorized, "Unauthorized access",
			"token missing required claims", nil)
	}
	return claims, nil
}

// Authenticate implements Authenticator. The token is read from the
// Authorization bearer header, or from the token query parameter for
// browser WebSocket clients that cannot set headers.
func (m *JWTManager) Authenticate(r *http.Request) (*Identity, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return nil, nil
	}
	claims, err := m.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	return &Identity{
		UserID:   claims.UserID,
		Username: claims.Username,
		Roles:    claims.Roles,
		Accounts: claims.Accounts,
	}, nil
}

// TokenFromRequest extracts a bearer token from r.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

const identityKey = "identity"

// AuthMiddleware rejects requests without a valid token and stores the
// identity on the gin context.
func (m *JWTManager) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := m.Authenticate(c.Request)
		if err == nil && id == nil {
			err = apperrors.NewAppErrorWithDetails(apperrors.ErrCodeUnauthorized, "Unauthorized access",
				"missing bearer token", nil)
		}
		if err != nil {
			appErr := apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, "Unauthorized access")
			c.AbortWithStatusJSON(appErr.HTTPStatus(), apperrors.NewErrorResponse(appErr, c.Request.URL.Path))
			return
		}
		c.Set(identityKey, id)
		c.Request = c.Request.WithContext(NewContext(c.Request.Context(), id))
		c.Next()
	}
}

// IdentityFromGin returns the identity stored by AuthMiddleware.
func IdentityFromGin(c *gin.Context) *Identity {
	if v, ok := c.Get(identityKey); ok {
		id, _ := v.(*Identity)
		return id
	}
	return nil
}

type ctxKey struct{}

// NewContext returns ctx carrying id.
func NewContext(ctx context.Context, id *Identity) context.Context {
	ctx = context.WithValue(ctx, ctxKey{}, id)
	if !id.Anonymous() {
		ctx = context.WithValue(ctx, logger.ContextKeyUserID, id.UserID)
	}
	return ctx
}

// FromContext returns the identity carried by ctx, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(ctxKey{}).(*Identity)
	return id
}
