package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/prohmpiriya/rentsync/internal/gateway"
	"github.com/prohmpiriya/rentsync/pkg/logger"
	"github.com/prohmpiriya/rentsync/pkg/response"
)

// PropertyHandler handles properties and their units
type PropertyHandler struct {
	gw  *gateway.Gateway
	log *logger.Logger
}

// NewPropertyHandler creates a new PropertyHandler
func NewPropertyHandler(gw *gateway.Gateway, log *logger.Logger) *PropertyHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &PropertyHandler{gw: gw, log: log.Named("property-handler")}
}

type createPropertyRequest struct {
	gateway.PropertyInput
	// OwnerID lets an admin create on behalf of an owner
	OwnerID string `json:"owner_id,omitempty"`
}

// List returns the caller's properties, or ?owner_id=<id> for admins
// GET /api/v1/properties
func (h *PropertyHandler) List(c *gin.Context) {
	ro, ok := readOptions(c)
	if !ok {
		return
	}
	view, err := h.gw.ListProperties(c.Request.Context(), c.Query("owner_id"), ro)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	writeView(c, view)
}

// Create handles property creation
// POST /api/v1/properties
func (h *PropertyHandler) Create(c *gin.Context) {
	var req createPropertyRequest
	if !bind(c, &req) {
		return
	}
	opts, ok := mutationOptions(c)
	if !ok {
		return
	}
	p, err := h.gw.CreateProperty(c.Request.Context(), req.OwnerID, req.PropertyInput, opts...)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(p))
}

// Update handles property update
// PATCH /api/v1/properties/:propertyID
func (h *PropertyHandler) Update(c *gin.Context) {
	var patch gateway.PropertyPatch
	if !bind(c, &patch) {
		return
	}
	opts, ok := mutationOptions(c)
	if !ok {
		return
	}
	p, err := h.gw.UpdateProperty(c.Request.Context(), c.Param("propertyID"), patch, opts...)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(p))
}

// Delete handles property removal
// DELETE /api/v1/properties/:propertyID
func (h *PropertyHandler) Delete(c *gin.Context) {
	if err := h.gw.DeleteProperty(c.Request.Context(), c.Param("propertyID")); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListUnits returns the units of a property
// GET /api/v1/properties/:propertyID/units
func (h *PropertyHandler) ListUnits(c *gin.Context) {
	ro, ok := readOptions(c)
	if !ok {
		return
	}
	view, err := h.gw.ListUnits(c.Request.Context(), c.Param("propertyID"), ro)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	writeView(c, view)
}

// CreateUnit handles unit creation
// POST /api/v1/properties/:propertyID/units
func (h *PropertyHandler) CreateUnit(c *gin.Context) {
	var in gateway.UnitInput
	if !bind(c, &in) {
		return
	}
	opts, ok := mutationOptions(c)
	if !ok {
		return
	}
	u, err := h.gw.CreateUnit(c.Request.Context(), c.Param("propertyID"), in, opts...)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(u))
}

// UpdateUnit handles unit update
// PATCH /api/v1/properties/:propertyID/units/:unitID
func (h *PropertyHandler) UpdateUnit(c *gin.Context) {
	var patch gateway.UnitPatch
	if !bind(c, &patch) {
		return
	}
	opts, ok := mutationOptions(c)
	if !ok {
		return
	}
	u, err := h.gw.UpdateUnit(c.Request.Context(), c.Param("propertyID"), c.Param("unitID"), patch, opts...)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(u))
}

// DeleteUnit handles unit removal
// DELETE /api/v1/properties/:propertyID/units/:unitID
func (h *PropertyHandler) DeleteUnit(c *gin.Context) {
	if err := h.gw.DeleteUnit(c.Request.Context(), c.Param("propertyID"), c.Param("unitID")); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}
