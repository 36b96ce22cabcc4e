package middleware

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/prohmpiriya/featured-placement/pkg/response"
)

const (
	ContextKeyUserID = "user_id"
	ContextKeyRole   = "role"
)

// Claims are the access token claims issued by the auth service
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Subject returns user_id, falling back to the standard sub claim
func (c *Claims) Subject() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.RegisteredClaims.Subject
}

// ParseToken validates an HS256 token and returns its claims
func ParseToken(raw, secret, issuer string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !tok.Valid || claims.Subject() == "" {
		return nil, errors.New("invalid token: missing subject")
	}
	return claims, nil
}

func bearerToken(c *gin.Context) (string, bool) {
	auth := c.GetHeader("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	raw := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	return raw, raw != ""
}

// BearerAuth validates the caller's access token and stores the user id in the context
func BearerAuth(secret, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c)
		if !ok {
			response.Unauthorized(c, "missing bearer token")
			return
		}

		claims, err := ParseToken(raw, secret, issuer)
		if err != nil {
			response.Unauthorized(c, "invalid token")
			return
		}

		c.Set(ContextKeyUserID, claims.Subject())
		c.Set(ContextKeyRole, claims.Role)
		c.Next()
	}
}

// ServiceKeyAuth guards internal endpoints with a shared service credential
func ServiceKeyAuth(serviceKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c)
		if !ok || serviceKey == "" ||
			subtle.ConstantTimeCompare([]byte(raw), []byte(serviceKey)) != 1 {
			response.Unauthorized(c, "invalid service credential")
			return
		}
		c.Next()
	}
}

// GetUserID returns the authenticated user id
func GetUserID(c *gin.Context) (string, bool) {
	v, exists := c.Get(ContextKeyUserID)
	if !exists {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}
