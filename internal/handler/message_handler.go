package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/prohmpiriya/rentsync/internal/gateway"
	"github.com/prohmpiriya/rentsync/pkg/logger"
	"github.com/prohmpiriya/rentsync/pkg/response"
)

// MessageHandler handles conversations and their messages
type MessageHandler struct {
	gw  *gateway.Gateway
	log *logger.Logger
}

// NewMessageHandler creates a new MessageHandler
func NewMessageHandler(gw *gateway.Gateway, log *logger.Logger) *MessageHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &MessageHandler{gw: gw, log: log.Named("message-handler")}
}

// ListConversations returns the conversations of a property
// GET /api/v1/properties/:propertyID/conversations
func (h *MessageHandler) ListConversations(c *gin.Context) {
	ro, ok := readOptions(c)
	if !ok {
		return
	}
	view, err := h.gw.ListConversations(c.Request.Context(), c.Param("propertyID"), ro)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	writeView(c, view)
}

// CreateConversation opens a conversation
// POST /api/v1/properties/:propertyID/conversations
func (h *MessageHandler) CreateConversation(c *gin.Context) {
	var in gateway.ConversationInput
	if !bind(c, &in) {
		return
	}
	opts, ok := mutationOptions(c)
	if !ok {
		return
	}
	conv, err := h.gw.CreateConversation(c.Request.Context(), c.Param("propertyID"), in, opts...)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(conv))
}

// ListMessages returns the messages of a conversation
// GET /api/v1/properties/:propertyID/conversations/:conversationID/messages
func (h *MessageHandler) ListMessages(c *gin.Context) {
	ro, ok := readOptions(c)
	if !ok {
		return
	}
	view, err := h.gw.ListMessages(c.Request.Context(), c.Param("propertyID"), c.Param("conversationID"), ro)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	writeView(c, view)
}

// Send posts a message
// POST /api/v1/properties/:propertyID/conversations/:conversationID/messages
func (h *MessageHandler) Send(c *gin.Context) {
	var in gateway.MessageInput
	if !bind(c, &in) {
		return
	}
	opts, ok := mutationOptions(c)
	if !ok {
		return
	}
	m, err := h.gw.SendMessage(c.Request.Context(), c.Param("propertyID"), c.Param("conversationID"), in, opts...)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(m))
}

// Edit rejects every message edit
// PATCH /api/v1/properties/:propertyID/conversations/:conversationID/messages/:messageID
func (h *MessageHandler) Edit(c *gin.Context) {
	writeError(c, h.log, h.gw.EditMessage(c.Request.Context(), c.Param("messageID")))
}

// Delete rejects every message removal
// DELETE /api/v1/properties/:propertyID/conversations/:conversationID/messages/:messageID
func (h *MessageHandler) Delete(c *gin.Context) {
	writeError(c, h.log, h.gw.DeleteMessage(c.Request.Context(), c.Param("messageID")))
}
