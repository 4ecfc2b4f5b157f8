package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/prohmpiriya/rentsync/pkg/logger"
)

const (
	propertyID = "7f9c2d4e-1b3a-4c5d-8e6f-0a1b2c3d4e5f"
	unitID     = "0d1e2f3a-4b5c-4d6e-8f70-8192a3b4c5d6"
)

func TestResourceFromPath(t *testing.T) {
	tests := []struct {
		path     string
		wantType string
		wantID   string
	}{
		{"/api/v1/properties", "property", ""},
		{"/api/v1/properties/" + propertyID, "property", propertyID},
		{"/api/v1/properties/" + propertyID + "/units/" + unitID, "unit", unitID},
		{"/api/v1/properties/" + propertyID + "/leases/" + unitID + "/activate", "lease", unitID},
		{"/api/v1/usage", "usage", ""},
		{"/webhooks/stripe", "stripe", ""},
		{"/", "unknown", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			gotType, gotID := resourceFromPath(tt.path)
			assert.Equal(t, tt.wantType, gotType)
			assert.Equal(t, tt.wantID, gotID)
		})
	}
}

func TestActionFor(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   RequestAction
	}{
		{http.MethodGet, "/api/v1/properties", ActionView},
		{http.MethodPost, "/api/v1/properties", ActionCreate},
		{http.MethodPatch, "/api/v1/properties/" + propertyID, ActionUpdate},
		{http.MethodDelete, "/api/v1/properties/" + propertyID, ActionDelete},
		{http.MethodPost, "/api/v1/properties/" + propertyID + "/leases/" + unitID + "/end", ActionTransition},
		{http.MethodPost, "/webhooks/stripe", ActionWebhook},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, actionFor(tt.method, tt.path))
		})
	}
}

func TestRequestID(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/ping", func(c *gin.Context) {
		fromCtx, _ := c.Request.Context().Value(logger.RequestIDKey).(string)
		c.String(http.StatusOK, fromCtx)
	})

	t.Run("generated", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		got := w.Header().Get("X-Request-ID")
		assert.True(t, isID(got))
		assert.Equal(t, got, w.Body.String())
	})

	t.Run("inbound reused", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("X-Request-ID", propertyID)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, propertyID, w.Header().Get("X-Request-ID"))
	})

	t.Run("garbage replaced", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("X-Request-ID", "<script>")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.NotEqual(t, "<script>", w.Header().Get("X-Request-ID"))
	})
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := &logger.Logger{Logger: zap.New(core)}

	router := gin.New()
	router.Use(RequestID(), RequestLogger(log, "/health"))
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/api/v1/properties/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	router.POST("/api/v1/properties", func(c *gin.Context) { c.Status(http.StatusServiceUnavailable) })

	for _, r := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/health", nil),
		httptest.NewRequest(http.MethodGet, "/api/v1/properties/"+propertyID, nil),
		httptest.NewRequest(http.MethodPost, "/api/v1/properties", nil),
	} {
		router.ServeHTTP(httptest.NewRecorder(), r)
	}

	entries := logs.All()
	require.Len(t, entries, 2, "skipped paths are not logged")

	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/api/v1/properties/:id", fields["path"])
	assert.Equal(t, "property", fields["resource_type"])
	assert.Equal(t, propertyID, fields["resource_id"])
	assert.Equal(t, int64(http.StatusNotFound), fields["status"])
	assert.NotEmpty(t, fields["request_id"])

	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "create", entries[1].ContextMap()["action"])
}
