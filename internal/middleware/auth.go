package middleware

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"satoshiflip-backend/internal/handlers"
	"satoshiflip-backend/internal/models"
	"satoshiflip-backend/internal/services"
)

// UserRegistrar creates the user record on first authentication.
type UserRegistrar interface {
	EnsureUser(ctx context.Context, userID, displayName string) (*models.User, error)
}

// RateLimiter counts requests per user and action within a window.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, userID, action string, limit int, window time.Duration) (bool, error)
}

func AuthMiddleware(jwtService *services.JWTService, users UserRegistrar) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		var tokenString string

		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				handlers.RespondError(c, fmt.Errorf("%w: invalid authorization format", services.ErrUnauthenticated))
				return
			}
			tokenString = parts[1]
		} else {
			// browsers cannot set headers on websocket upgrades
			tokenString = c.Query("token")
			if tokenString == "" {
				handlers.RespondError(c, fmt.Errorf("%w: authorization header required", services.ErrUnauthenticated))
				return
			}
		}

		claims, err := jwtService.ValidateToken(tokenString)
		if err != nil {
			handlers.RespondError(c, err)
			return
		}

		if _, err := users.EnsureUser(c.Request.Context(), claims.UserID, claims.DisplayName); err != nil {
			handlers.RespondError(c, err)
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("session_id", claims.SessionID)

		c.Next()
	}
}

// AdminMiddleware guards operator routes with a shared token. An empty
// configured token disables the routes entirely.
func AdminMiddleware(adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		given := c.GetHeader("X-Admin-Token")
		if adminToken == "" || subtle.ConstantTimeCompare([]byte(given), []byte(adminToken)) != 1 {
			handlers.RespondError(c, fmt.Errorf("%w: admin token required", services.ErrForbidden))
			return
		}
		c.Next()
	}
}

func RateLimitMiddleware(limiter RateLimiter, action string, limit int, window time.Duration, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		if userID == "" {
			c.Next()
			return
		}

		allowed, err := limiter.CheckRateLimit(c.Request.Context(), userID, action, limit, window)
		if err != nil {
			// fail open
			logger.Warn("rate limit check failed",
				zap.String("user_id", userID),
				zap.String("action", action),
				zap.Error(err))
			c.Next()
			return
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "RATE_LIMITED",
				"details":     fmt.Sprintf("too many %s requests, please wait", action),
				"retry_after": window.Seconds(),
			})
			return
		}

		c.Next()
	}
}
