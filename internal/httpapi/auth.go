package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// operatorClaims is the JWT payload issued to operators who authenticate
// against the console. Subject is an opaque operator identifier (e.g. the
// Telegram user ID of the operator bot's admin), not an agenticcore bot ID.
type operatorClaims struct {
	jwt.RegisteredClaims
}

// IssueToken mints an HS256 bearer token for subject, valid for ttl. Used
// by cmd/operatorbot to hand its admin a console token via /token, and by
// operator tooling that authenticates out of band.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := operatorClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// requireBearer validates the Authorization header against secret and
// stashes the subject in gin's context under "operator".
func requireBearer(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims := &operatorClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("operator", claims.Subject)
		c.Next()
	}
}

// requestID stamps every response with a fresh UUID, mirroring the
// request-correlation convention the rest of the stack gets for free from
// structured logging fields (session_id, bot_id); gin's bare logger has no
// such hook, so this fills the gap for the admin surface specifically.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Writer.Header().Set("X-Request-Id", id)
		c.Set("request_id", id)
		c.Next()
	}
}
