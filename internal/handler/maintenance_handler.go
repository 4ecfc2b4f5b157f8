package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/prohmpiriya/rentsync/internal/domain"
	"github.com/prohmpiriya/rentsync/internal/gateway"
	"github.com/prohmpiriya/rentsync/pkg/logger"
	"github.com/prohmpiriya/rentsync/pkg/response"
)

// MaintenanceHandler handles maintenance requests
type MaintenanceHandler struct {
	gw  *gateway.Gateway
	log *logger.Logger
}

// NewMaintenanceHandler creates a new MaintenanceHandler
func NewMaintenanceHandler(gw *gateway.Gateway, log *logger.Logger) *MaintenanceHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &MaintenanceHandler{gw: gw, log: log.Named("maintenance-handler")}
}

type transitionRequest struct {
	Status domain.MaintenanceStatus `json:"status" binding:"required"`
}

// List returns the maintenance requests of a property
// GET /api/v1/properties/:propertyID/maintenance
func (h *MaintenanceHandler) List(c *gin.Context) {
	ro, ok := readOptions(c)
	if !ok {
		return
	}
	view, err := h.gw.ListMaintenanceRequests(c.Request.Context(), c.Param("propertyID"), ro)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	writeView(c, view)
}

// Create files a maintenance request
// POST /api/v1/properties/:propertyID/maintenance
func (h *MaintenanceHandler) Create(c *gin.Context) {
	var in gateway.MaintenanceInput
	if !bind(c, &in) {
		return
	}
	opts, ok := mutationOptions(c)
	if !ok {
		return
	}
	m, err := h.gw.CreateMaintenanceRequest(c.Request.Context(), c.Param("propertyID"), in, opts...)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(m))
}

// Transition changes the status of a request
// POST /api/v1/properties/:propertyID/maintenance/:requestID/transition
func (h *MaintenanceHandler) Transition(c *gin.Context) {
	var req transitionRequest
	if !bind(c, &req) {
		return
	}
	if !req.Status.IsValid() {
		c.JSON(http.StatusBadRequest, response.BadRequest("unknown status "+string(req.Status)))
		return
	}
	opts, ok := mutationOptions(c)
	if !ok {
		return
	}
	m, err := h.gw.TransitionMaintenanceRequest(c.Request.Context(), c.Param("propertyID"), c.Param("requestID"), req.Status, opts...)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(m))
}
