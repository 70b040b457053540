package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/nivaro/creditgate"
)

// TokenVerifier validates a bearer token and returns the user it belongs to.
type TokenVerifier interface {
	Verify(token string) (userID string, err error)
}

// JWTVerifier validates HS256-signed JWTs whose subject claim carries the
// user ID.
type JWTVerifier struct {
	secret []byte
}

var _ TokenVerifier = (*JWTVerifier)(nil)

// NewJWTVerifier creates a verifier for the given HS256 secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("creditgate/httpapi: unexpected signing method %q", token.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", creditgate.ErrUnauthenticated, err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", creditgate.ErrUnauthenticated
	}
	return sub, nil
}

const userIDKey = "creditgate.userID"

// requireAuth extracts and verifies the bearer token, storing the user ID
// in the request context.
func requireAuth(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		userID, err := verifier.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString(userIDKey)
}
