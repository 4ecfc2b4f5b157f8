package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/prohmpiriya/rentsync/internal/domain"
	"github.com/prohmpiriya/rentsync/pkg/logger"
	"github.com/prohmpiriya/rentsync/pkg/middleware"
)

// RouterConfig holds the middleware settings the router needs
type RouterConfig struct {
	JWT       middleware.JWTConfig
	CORS      middleware.CORSConfig
	RateLimit middleware.RateLimitConfig
	Log       *logger.Logger
}

// Handlers groups every HTTP handler mounted by NewRouter
type Handlers struct {
	Health      *HealthHandler
	Property    *PropertyHandler
	Lease       *LeaseHandler
	Maintenance *MaintenanceHandler
	Message     *MessageHandler
	Usage       *UsageHandler
	Webhook     *WebhookHandler
}

// NewRouter builds the gin engine with every route
func NewRouter(cfg RouterConfig, h Handlers) *gin.Engine {
	log := cfg.Log
	if log == nil {
		log = logger.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(log, "/health", "/ready"))
	r.Use(middleware.CORSWithConfig(cfg.CORS))

	if h.Health != nil {
		r.GET("/health", h.Health.Health)
		r.GET("/ready", h.Health.Ready)
	}

	if h.Webhook != nil {
		webhooks := r.Group("/webhooks")
		webhooks.Use(middleware.RateLimiter(cfg.RateLimit))
		webhooks.POST("/stripe", h.Webhook.Stripe)
	}

	api := r.Group("/api/v1")
	api.Use(middleware.JWTMiddleware(&cfg.JWT))

	api.GET("/usage", h.Usage.Get)

	properties := api.Group("/properties")
	{
		owners := middleware.RequireRole(domain.RoleOwner, domain.RoleAdmin)

		properties.GET("", h.Property.List)
		properties.POST("", owners, h.Property.Create)
		properties.PATCH("/:propertyID", owners, h.Property.Update)
		properties.DELETE("/:propertyID", owners, h.Property.Delete)

		properties.GET("/:propertyID/units", h.Property.ListUnits)
		properties.POST("/:propertyID/units", owners, h.Property.CreateUnit)
		properties.PATCH("/:propertyID/units/:unitID", owners, h.Property.UpdateUnit)
		properties.DELETE("/:propertyID/units/:unitID", owners, h.Property.DeleteUnit)

		properties.GET("/:propertyID/leases", h.Lease.List)
		properties.POST("/:propertyID/leases", owners, h.Lease.Invite)
		properties.POST("/:propertyID/leases/:leaseID/activate", owners, h.Lease.Activate)
		properties.POST("/:propertyID/leases/:leaseID/end", owners, h.Lease.End)

		properties.GET("/:propertyID/maintenance", h.Maintenance.List)
		properties.POST("/:propertyID/maintenance", h.Maintenance.Create)
		properties.POST("/:propertyID/maintenance/:requestID/transition", h.Maintenance.Transition)

		properties.GET("/:propertyID/conversations", h.Message.ListConversations)
		properties.POST("/:propertyID/conversations", h.Message.CreateConversation)
		properties.GET("/:propertyID/conversations/:conversationID/messages", h.Message.ListMessages)
		properties.POST("/:propertyID/conversations/:conversationID/messages", h.Message.Send)
		properties.PATCH("/:propertyID/conversations/:conversationID/messages/:messageID", h.Message.Edit)
		properties.DELETE("/:propertyID/conversations/:conversationID/messages/:messageID", h.Message.Delete)
	}

	if h.Webhook != nil {
		admin := api.Group("/admin", middleware.RequireRole(domain.RoleAdmin))
		admin.POST("/billing-events", h.Webhook.Apply)
	}

	return r
}
