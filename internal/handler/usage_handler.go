package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/prohmpiriya/rentsync/internal/gateway"
	"github.com/prohmpiriya/rentsync/pkg/logger"
	"github.com/prohmpiriya/rentsync/pkg/response"
)

// UsageHandler reports plan limits against current usage
type UsageHandler struct {
	gw  *gateway.Gateway
	log *logger.Logger
}

// NewUsageHandler creates a new UsageHandler
func NewUsageHandler(gw *gateway.Gateway, log *logger.Logger) *UsageHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &UsageHandler{gw: gw, log: log.Named("usage-handler")}
}

// Get returns the caller's usage report, or ?account_id=<id> for admins
// GET /api/v1/usage
func (h *UsageHandler) Get(c *gin.Context) {
	report, err := h.gw.Usage(c.Request.Context(), c.Query("account_id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(report))
}
