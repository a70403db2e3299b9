package handler

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rmcam/tabanok-backend/internal/model"
	"github.com/rmcam/tabanok-backend/internal/service"
)

const authUserKey = "auth_user"

// AuthMiddleware gates every protected route. Order of checks: bearer
// extraction, revocation lookup, signature/expiry verification. A
// missing token fails before the store or the codec is touched, and a
// store outage rejects the request rather than skipping the lookup.
func AuthMiddleware(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			rejectRequest(c, http.StatusUnauthorized, "missing token")
			return
		}

		tokenStr := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if tokenStr == "" {
			rejectRequest(c, http.StatusUnauthorized, "missing token")
			return
		}

		user, err := authService.CheckAccessToken(c.Request.Context(), tokenStr)
		if err != nil {
			// The response stays generic; the reason (revoked vs
			// expired vs bad signature) is logged server-side only.
			log.Printf("[Auth] rejected %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
			if errors.Is(err, service.ErrStoreUnavailable) {
				rejectRequest(c, http.StatusServiceUnavailable, "service unavailable")
				return
			}
			rejectRequest(c, http.StatusUnauthorized, "unauthorized")
			return
		}

		c.Set(authUserKey, user)
		c.Next()
	}
}

func GetAuthUser(c *gin.Context) *model.AuthUser {
	if value, ok := c.Get(authUserKey); ok {
		if user, ok := value.(*model.AuthUser); ok {
			return user
		}
	}
	return nil
}

func rejectRequest(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, errorBody(c, status, message))
}

func errorBody(c *gin.Context, status int, message string) model.ErrorResponse {
	return model.ErrorResponse{
		StatusCode: status,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Path:       c.Request.URL.Path,
		Error:      http.StatusText(status),
		Message:    message,
	}
}

func CORSMiddleware(allowedOrigins []string, allowCredentials bool) gin.HandlerFunc {
	originMap := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		originMap[trimmed] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			if _, ok := originMap[origin]; ok {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
				if allowCredentials {
					c.Header("Access-Control-Allow-Credentials", "true")
				}
				c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
				c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
