package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/prohmpiriya/rentsync/internal/billing"
	"github.com/prohmpiriya/rentsync/internal/domain"
	"github.com/prohmpiriya/rentsync/pkg/logger"
	"github.com/prohmpiriya/rentsync/pkg/response"
)

// maxWebhookBody matches the payment processor's documented payload ceiling
const maxWebhookBody = 64 << 10

// WebhookParser verifies and decodes a payment processor webhook
type WebhookParser interface {
	Parse(payload []byte, signature string) (domain.BillingUpdate, bool, error)
}

// BillingApplier applies a billing update exactly once
type BillingApplier interface {
	Apply(ctx context.Context, u domain.BillingUpdate) (domain.Account, error)
}

// WebhookHandler receives billing events
type WebhookHandler struct {
	parser    WebhookParser
	processor BillingApplier
	log       *logger.Logger
}

// NewWebhookHandler creates a new WebhookHandler
func NewWebhookHandler(parser WebhookParser, processor BillingApplier, log *logger.Logger) *WebhookHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &WebhookHandler{parser: parser, processor: processor, log: log.Named("webhook-handler")}
}

type webhookResult struct {
	EventID string `json:"event_id,omitempty"`
	Status  string `json:"status"`
}

// Stripe handles signed Stripe webhooks. Only failures a redelivery could
// fix answer with a 5xx.
// POST /webhooks/stripe
func (h *WebhookHandler) Stripe(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, response.BadRequest("payload too large"))
		return
	}

	u, handled, err := h.parser.Parse(payload, c.GetHeader("Stripe-Signature"))
	switch {
	case errors.Is(err, billing.ErrInvalidSignature):
		h.log.WithContext(c.Request.Context()).Warn("webhook signature rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, response.Error(response.ErrCodeInvalidSignature, "Invalid webhook signature"))
		return
	case err != nil:
		h.log.WithContext(c.Request.Context()).Warn("webhook event not usable", zap.String("event_id", u.EventID), zap.Error(err))
		c.JSON(http.StatusOK, response.Success(webhookResult{EventID: u.EventID, Status: "ignored"}))
		return
	case !handled:
		c.JSON(http.StatusOK, response.Success(webhookResult{Status: "ignored"}))
		return
	}

	// redelivering an event for an account we do not know cannot succeed
	h.apply(c, u, true)
}

// Apply handles an already-verified billing update posted by an operator
// POST /api/v1/admin/billing-events
func (h *WebhookHandler) Apply(c *gin.Context) {
	var u domain.BillingUpdate
	if !bind(c, &u) {
		return
	}
	if err := u.Validate(); err != nil {
		writeError(c, h.log, err)
		return
	}
	h.apply(c, u, false)
}

func (h *WebhookHandler) apply(c *gin.Context, u domain.BillingUpdate, ignoreUnknownAccount bool) {
	_, err := h.processor.Apply(c.Request.Context(), u)
	result := webhookResult{EventID: u.EventID, Status: "applied"}
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrDuplicateEvent):
		result.Status = "duplicate"
	case errors.Is(err, domain.ErrStaleEvent):
		result.Status = "stale"
	case errors.Is(err, domain.ErrMalformedRow):
		result.Status = "ignored"
	case ignoreUnknownAccount && errors.Is(err, domain.ErrNotFound):
		h.log.WithContext(c.Request.Context()).Warn("webhook event for unknown account",
			zap.String("event_id", u.EventID), zap.String("account_id", u.AccountID))
		result.Status = "ignored"
	default:
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(result))
}
