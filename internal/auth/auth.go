// Package auth supplies the caller identity for write operations.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const callerKey = "caller"

// IssueToken signs a token naming addr as the caller.
func IssueToken(secret []byte, addr string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(addr) == "" {
		return "", errors.New("auth: address is required")
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"addr": addr,
		"exp":  time.Now().Add(ttl).Unix(),
	})
	return tok.SignedString(secret)
}

// ParseToken verifies a token and returns its caller address.
func ParseToken(secret []byte, tokenStr string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", errors.New("auth: invalid token")
	}
	addr, _ := claims["addr"].(string)
	if addr == "" {
		return "", errors.New("auth: token has no addr claim")
	}
	return addr, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// caller address on the context.
func Middleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearer := c.GetHeader("Authorization")
		if !strings.HasPrefix(bearer, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "unauthenticated", "message": "missing bearer token"}})
			return
		}
		addr, err := ParseToken(secret, bearer[7:])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "unauthenticated", "message": "invalid token"}})
			return
		}
		c.Set(callerKey, addr)
		c.Next()
	}
}

// Caller returns the address stored by Middleware.
func Caller(c *gin.Context) string {
	return c.GetString(callerKey)
}
