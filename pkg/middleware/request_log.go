package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prohmpiriya/rentsync/pkg/logger"
)

// ContextKeyRequestID is the gin key holding the request id
const ContextKeyRequestID = "request_id"

// RequestAction classifies a request for the access log
type RequestAction string

const (
	ActionView       RequestAction = "view"
	ActionCreate     RequestAction = "create"
	ActionUpdate     RequestAction = "update"
	ActionDelete     RequestAction = "delete"
	ActionTransition RequestAction = "transition"
	ActionWebhook    RequestAction = "webhook"
)

// RequestID assigns each request an id, reusing a valid inbound X-Request-ID
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.NewString()
		}
		c.Set(ContextKeyRequestID, requestID)
		c.Header("X-Request-ID", requestID)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), logger.RequestIDKey, requestID))
		c.Next()
	}
}

// RequestLogger writes one access log line per request with the caller,
// the resource touched and the outcome
func RequestLogger(log *logger.Logger, skipPaths ...string) gin.HandlerFunc {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.Named("http")
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}
		start := time.Now()

		c.Next()

		resourceType, resourceID := resourceFromPath(c.Request.URL.Path)
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("action", string(actionFor(c.Request.Method, c.Request.URL.Path))),
			zap.String("resource_type", resourceType),
		}
		if resourceID != "" {
			fields = append(fields, zap.String("resource_id", resourceID))
		}
		if id := GetSession(c); id != nil {
			fields = append(fields, zap.String("role", string(id.Role)))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		entry := log.WithContext(c.Request.Context())
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			entry.Error("request failed", fields...)
		case status >= http.StatusBadRequest:
			entry.Warn("request rejected", fields...)
		default:
			entry.Info("request handled", fields...)
		}
	}
}

func actionFor(method, path string) RequestAction {
	lower := strings.ToLower(path)
	switch {
	case strings.HasPrefix(lower, "/webhooks/"):
		return ActionWebhook
	case isVerb(lower[strings.LastIndex(lower, "/")+1:]):
		return ActionTransition
	}

	switch method {
	case http.MethodPost:
		return ActionCreate
	case http.MethodPut, http.MethodPatch:
		return ActionUpdate
	case http.MethodDelete:
		return ActionDelete
	default:
		return ActionView
	}
}

// resourceFromPath returns the innermost resource named by path.
// Example: /api/v1/properties/<id>/units/<id> -> ("unit", "<id>")
func resourceFromPath(path string) (resourceType, resourceID string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "api" && strings.HasPrefix(parts[1], "v") {
		parts = parts[2:]
	}

	for i := 0; i < len(parts); i++ {
		if isID(parts[i]) || isVerb(parts[i]) {
			continue
		}
		resourceType, resourceID = parts[i], ""
		if i+1 < len(parts) && isID(parts[i+1]) {
			resourceID = parts[i+1]
		}
	}
	if resourceType == "" {
		return "unknown", ""
	}
	return singular(resourceType), resourceID
}

func singular(s string) string {
	switch {
	case strings.HasSuffix(s, "ies"):
		return strings.TrimSuffix(s, "ies") + "y"
	case strings.HasSuffix(s, "s"):
		return strings.TrimSuffix(s, "s")
	}
	return s
}

func isVerb(s string) bool {
	switch s {
	case "activate", "end", "transition":
		return true
	}
	return false
}

func isID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
