// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements bearer-token authentication. Tokens are HMAC-signed
// JWTs whose subject (or "user_id" claim) identifies the caller; the resolved
// identity is stashed in the Gin context under "userID" for downstream
// middleware (rate limiting, idempotency) and handlers.
//
// Deployment modes:
//   - Secret configured: Authorization: Bearer <jwt> is required on the
//     protected group; invalid or missing tokens are rejected with 401.
//   - No secret (development): the X-User-ID header is trusted as-is, keeping
//     local setups and tests free of token plumbing.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
)

// ctxKeyUserID is the Gin context key carrying the authenticated identity.
const ctxKeyUserID = "userID"

// UserIDFrom returns the authenticated user id stored by Auth, if any.
func UserIDFrom(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyUserID)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// Auth returns a Gin middleware that authenticates requests.
//
// With a non-empty secret it validates an HS256 bearer token and extracts the
// identity from the "sub" (preferred) or "user_id" claim. With an empty
// secret it falls back to the X-User-ID header and otherwise leaves the
// context untouched so handlers apply their own default.
func Auth(secret string) gin.HandlerFunc {
	if secret == "" {
		return func(c *gin.Context) {
			if uid := strings.TrimSpace(c.GetHeader("X-User-ID")); uid != "" {
				c.Set(ctxKeyUserID, uid)
			}
			c.Next()
		}
	}

	key := []byte(secret)
	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			unauthorized(c, "missing bearer token")
			return
		}

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return key, nil
		})
		if err != nil || !token.Valid {
			unauthorized(c, "invalid token")
			return
		}

		uid := claimString(claims, "sub")
		if uid == "" {
			uid = claimString(claims, "user_id")
		}
		if uid == "" {
			unauthorized(c, "token carries no subject")
			return
		}

		c.Set(ctxKeyUserID, uid)
		c.Next()
	}
}

// bearerToken extracts the token from an "Authorization: Bearer x" header.
func bearerToken(h string) string {
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// claimString reads a string claim, tolerating absent or non-string values.
func claimString(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key]; ok {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// unauthorized aborts with the standard 401 envelope.
func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"request_id": c.Writer.Header().Get("X-Request-ID"),
		"code":       "unauthorized",
		"message":    msg,
	})
}
