package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"attest-backend/internal/handlers"
)

// TokenValidator checks admin bearer tokens.
type TokenValidator interface {
	ValidateToken(tokenString string) (*handlers.AdminJWTClaims, error)
}

// AdminAuthMiddleware admin authentication middleware
type AdminAuthMiddleware struct {
	validator TokenValidator
	logger    logrus.FieldLogger
}

func NewAdminAuthMiddleware(validator TokenValidator, logger logrus.FieldLogger) *AdminAuthMiddleware {
	return &AdminAuthMiddleware{
		validator: validator,
		logger:    logger,
	}
}

func (a *AdminAuthMiddleware) reject(c *gin.Context, status int, msg, code string, fields logrus.Fields) {
	entry := a.logger.WithFields(logrus.Fields{
		"path":   c.Request.URL.Path,
		"method": c.Request.Method,
	})
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	entry.Warn("Admin auth failed - " + strings.ToLower(code))
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   msg,
		"code":    code,
	})
}

// RequireAdminAuth requires a valid admin bearer token.
func (a *AdminAuthMiddleware) RequireAdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			a.reject(c, http.StatusUnauthorized, "Authentication required", "MISSING_AUTH_HEADER", nil)
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			a.reject(c, http.StatusUnauthorized, "Invalid authorization format, need Bearer token", "INVALID_AUTH_FORMAT", nil)
			return
		}

		tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if tokenString == "" {
			a.reject(c, http.StatusUnauthorized, "Empty token", "EMPTY_TOKEN", nil)
			return
		}

		claims, err := a.validator.ValidateToken(tokenString)
		if err != nil {
			a.reject(c, http.StatusUnauthorized, "Invalid or expired token", "INVALID_TOKEN", logrus.Fields{"error": err.Error()})
			return
		}

		if claims.Role != "admin" {
			a.reject(c, http.StatusForbidden, "Insufficient permissions", "INSUFFICIENT_PERMISSIONS", logrus.Fields{"role": claims.Role})
			return
		}

		c.Set("admin_username", claims.Username)
		c.Set("admin_role", claims.Role)
		c.Next()
	}
}
