package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bus-tracker/internal/auth"
)

const identityKey = "identity"

// RequestLogger logs one line per request.
func RequestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := log.WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": float64(time.Since(start).Microseconds()) / 1000,
			"client_ip":   c.ClientIP(),
		})
		if len(c.Errors) > 0 {
			entry.WithField("errors", c.Errors.String()).Warn("request failed")
			return
		}
		entry.Debug("request")
	}
}

// AuthMiddleware requires a valid bearer token and stores its identity in
// the context.
func AuthMiddleware(a Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			abort(c, http.StatusUnauthorized, "unauthorized", "Authorization header is required", "MISSING_AUTH_HEADER")
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
			abort(c, http.StatusUnauthorized, "unauthorized", "Invalid authorization header format. Expected: Bearer <token>", "INVALID_AUTH_FORMAT")
			return
		}
		id, err := a.Verify(strings.TrimSpace(parts[1]))
		if err != nil {
			abort(c, http.StatusUnauthorized, "invalid_token", auth.UserMessage(err), "INVALID_TOKEN")
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func identity(c *gin.Context) (auth.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return auth.Identity{}, false
	}
	id, ok := v.(auth.Identity)
	return id, ok
}

// RequireBusAccess lets through drivers of the :id bus and admins.
func RequireBusAccess() gin.HandlerFunc {
	return func(c *gin.Context) {
		busID, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			abort(c, http.StatusBadRequest, "invalid_request", "Bus id must be a number", "INVALID_BUS_ID")
			return
		}
		id, ok := identity(c)
		if !ok || !id.CanDrive(busID) {
			abort(c, http.StatusForbidden, "forbidden", "You are not assigned to this bus", "FORBIDDEN")
			return
		}
		c.Next()
	}
}

// RequireActivityWriter lets through security staff and admins.
func RequireActivityWriter() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := identity(c)
		if !ok || !id.CanLogActivity() {
			abort(c, http.StatusForbidden, "forbidden", "Only security staff can record gate activity", "FORBIDDEN")
			return
		}
		c.Next()
	}
}

func abort(c *gin.Context, status int, errKey, message, code string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error":   errKey,
		"message": message,
		"code":    code,
	})
}
