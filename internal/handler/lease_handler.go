package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/prohmpiriya/rentsync/internal/domain"
	"github.com/prohmpiriya/rentsync/internal/gateway"
	"github.com/prohmpiriya/rentsync/pkg/logger"
	"github.com/prohmpiriya/rentsync/pkg/response"
)

// LeaseHandler handles tenant invitations and the lease lifecycle
type LeaseHandler struct {
	gw  *gateway.Gateway
	log *logger.Logger
}

// NewLeaseHandler creates a new LeaseHandler
func NewLeaseHandler(gw *gateway.Gateway, log *logger.Logger) *LeaseHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &LeaseHandler{gw: gw, log: log.Named("lease-handler")}
}

// List returns the leases of a property; tenants only see their own
// GET /api/v1/properties/:propertyID/leases
func (h *LeaseHandler) List(c *gin.Context) {
	ro, ok := readOptions(c)
	if !ok {
		return
	}
	view, err := h.gw.ListLeases(c.Request.Context(), c.Param("propertyID"), ro)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	writeView(c, view)
}

// Invite creates a draft lease for a tenant
// POST /api/v1/properties/:propertyID/leases
func (h *LeaseHandler) Invite(c *gin.Context) {
	var in gateway.LeaseInput
	if !bind(c, &in) {
		return
	}
	opts, ok := mutationOptions(c)
	if !ok {
		return
	}
	l, err := h.gw.CreateLease(c.Request.Context(), c.Param("propertyID"), in, opts...)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(l))
}

// Activate moves a draft lease to active
// POST /api/v1/properties/:propertyID/leases/:leaseID/activate
func (h *LeaseHandler) Activate(c *gin.Context) {
	h.transition(c, h.gw.ActivateLease)
}

// End ends a draft or active lease
// POST /api/v1/properties/:propertyID/leases/:leaseID/end
func (h *LeaseHandler) End(c *gin.Context) {
	h.transition(c, h.gw.EndLease)
}

func (h *LeaseHandler) transition(c *gin.Context, fn func(ctx context.Context, propertyID, leaseID string, opts ...gateway.Option) (domain.Lease, error)) {
	opts, ok := mutationOptions(c)
	if !ok {
		return
	}
	l, err := fn(c.Request.Context(), c.Param("propertyID"), c.Param("leaseID"), opts...)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(l))
}
