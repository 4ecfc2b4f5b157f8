package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/prohmpiriya/rentsync/internal/domain"
	"github.com/prohmpiriya/rentsync/internal/session"
	"github.com/prohmpiriya/rentsync/pkg/response"
)

var (
	ErrMissingAuthHeader = errors.New("missing authorization header")
	ErrInvalidAuthFormat = errors.New("invalid authorization header format")
	ErrInvalidToken      = errors.New("invalid token")
	ErrTokenExpired      = errors.New("token expired")
)

// Context keys for caller information
const (
	ContextKeyAccountID = "account_id"
	ContextKeyRole      = "role"
	ContextKeyIdentity  = "identity"
)

// JWTConfig holds configuration for JWT middleware
type JWTConfig struct {
	// Secret key for validating JWT tokens
	Secret string
	// Issuer, when set, must match the iss claim
	Issuer string
	// SkipPaths is a list of paths that should skip JWT validation
	SkipPaths []string
}

// JWTMiddleware validates the bearer token and attaches the caller identity
// to both the gin context and the request context
func JWTMiddleware(config *JWTConfig) gin.HandlerFunc {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(c *gin.Context) {
		for _, path := range config.SkipPaths {
			if c.Request.URL.Path == path {
				c.Next()
				return
			}
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.Error("MISSING_TOKEN", "Authorization header is required"))
			return
		}

		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.Error("INVALID_TOKEN", "Invalid authorization header format"))
			return
		}
		tokenString := authHeader[len(bearerPrefix):]
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.Error("INVALID_TOKEN", "Token is empty"))
			return
		}

		claims := jwt.MapClaims{}
		token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			return []byte(config.Secret), nil
		})
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, response.Error(response.ErrCodeTokenExpired, "Access token has expired"))
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.Error("INVALID_TOKEN", "Invalid access token"))
			return
		}
		if !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.Error("INVALID_TOKEN", "Invalid access token"))
			return
		}

		accountID, ok := claims["account_id"].(string)
		if !ok || accountID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.Error("INVALID_TOKEN", "Missing account_id in token"))
			return
		}
		role := domain.Role(stringClaim(claims, "role"))
		if role == "" {
			role = domain.RoleOwner
		}
		if !role.IsValid() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.Error("INVALID_TOKEN", "Unknown role in token"))
			return
		}

		id := session.Identity{AccountID: accountID, Role: role}
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			id.ExpiresAt = exp.Time
		}

		c.Set(ContextKeyAccountID, accountID)
		c.Set(ContextKeyRole, string(role))
		c.Set(ContextKeyIdentity, id)
		c.Request = c.Request.WithContext(session.WithIdentity(c.Request.Context(), id))

		c.Next()
	}
}

func stringClaim(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}

// RequireRole creates a middleware that checks if the caller has a required role
func RequireRole(roles ...domain.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := GetSession(c)
		if id == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.Error("UNAUTHORIZED", "User not authenticated"))
			return
		}

		for _, r := range roles {
			if id.Role == r {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, response.Error("FORBIDDEN", "Insufficient permissions"))
	}
}

// GetSession returns the caller identity, or nil when the request is
// anonymous or the token expired since it was validated
func GetSession(c *gin.Context) *session.Identity {
	v, exists := c.Get(ContextKeyIdentity)
	if !exists {
		return nil
	}
	id, ok := v.(session.Identity)
	if !ok || !id.Valid(time.Now()) {
		return nil
	}
	return &id
}

// GetAccountID extracts the caller account id from gin context
func GetAccountID(c *gin.Context) (string, bool) {
	accountID, exists := c.Get(ContextKeyAccountID)
	if !exists {
		return "", false
	}
	id, ok := accountID.(string)
	return id, ok
}

// GetRole extracts the caller role from gin context
func GetRole(c *gin.Context) (string, bool) {
	role, exists := c.Get(ContextKeyRole)
	if !exists {
		return "", false
	}
	r, ok := role.(string)
	return r, ok
}
