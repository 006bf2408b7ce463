package middleware

import (
	"net/http"
	"strings"

	"stablepay-backend/internal/handlers"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AdminAuthMiddleware admin JWT authentication
type AdminAuthMiddleware struct {
	logger    *logrus.Logger
	jwtSecret []byte
}

func NewAdminAuthMiddleware(logger *logrus.Logger, jwtSecret []byte) *AdminAuthMiddleware {
	return &AdminAuthMiddleware{
		logger:    logger,
		jwtSecret: jwtSecret,
	}
}

// RequireAdminAuth requires a valid admin bearer token
func (a *AdminAuthMiddleware) RequireAdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			a.reject(c, http.StatusUnauthorized, "MISSING_AUTH_HEADER", "Authentication required", nil)
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			a.reject(c, http.StatusUnauthorized, "INVALID_AUTH_FORMAT", "Invalid authorization format, need Bearer token", nil)
			return
		}

		tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if tokenString == "" {
			a.reject(c, http.StatusUnauthorized, "EMPTY_TOKEN", "Empty token", nil)
			return
		}

		claims, err := handlers.ValidateAdminJWTToken(tokenString, a.jwtSecret)
		if err != nil {
			a.reject(c, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired token", logrus.Fields{"error": err.Error()})
			return
		}

		if claims.Role != handlers.AdminRole {
			a.reject(c, http.StatusForbidden, "INSUFFICIENT_PERMISSIONS", "Insufficient permissions", logrus.Fields{"role": claims.Role})
			return
		}

		c.Set("admin_username", claims.Username)
		c.Set("admin_role", claims.Role)

		c.Next()
	}
}

func (a *AdminAuthMiddleware) reject(c *gin.Context, status int, code, message string, fields logrus.Fields) {
	entry := a.logger.WithFields(logrus.Fields{
		"path":   c.Request.URL.Path,
		"method": c.Request.Method,
		"code":   code,
	})
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	entry.Warn("Admin auth failed")

	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   code,
		"message": message,
	})
}
