package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/prohmpiriya/rentsync/internal/backend"
	"github.com/prohmpiriya/rentsync/internal/domain"
)

// ConversationInput is the payload of CreateConversation
type ConversationInput struct {
	Subject string `json:"subject"`
}

// MessageInput is the payload of SendMessage
type MessageInput struct {
	Body            string `json:"body"`
	AttachmentBytes int64  `json:"attachment_bytes"`
}

// CreateConversation opens a thread on a property
func (g *Gateway) CreateConversation(ctx context.Context, propertyID string, in ConversationInput, opts ...Option) (domain.Conversation, error) {
	who, p, err := g.memberProperty(ctx, propertyID)
	if err != nil {
		return domain.Conversation{}, err
	}
	row := domain.Conversation{
		ID:         uuid.NewString(),
		PropertyID: p.ID,
		Subject:    strings.TrimSpace(in.Subject),
		StartedBy:  who.AccountID,
	}.Touch(backend.Now())
	if err := row.Validate(); err != nil {
		return domain.Conversation{}, err
	}

	return runCreate(ctx, g, createSpec[domain.Conversation]{
		op:       "create_conversation",
		ownerID:  p.OwnerID,
		registry: g.store.Conversations,
		table:    g.backend.Conversations,
		row:      row,
		opts:     applyOptions(opts),
	})
}

// SendMessage appends a message to a conversation. Messages with an
// attachment are checked against the owner's storage limit.
func (g *Gateway) SendMessage(ctx context.Context, propertyID, conversationID string, in MessageInput, opts ...Option) (domain.Message, error) {
	who, p, err := g.memberProperty(ctx, propertyID)
	if err != nil {
		return domain.Message{}, err
	}
	if _, err := g.conversation(ctx, p, conversationID); err != nil {
		return domain.Message{}, err
	}

	row := domain.Message{
		ID:              uuid.NewString(),
		ConversationID:  conversationID,
		PropertyID:      p.ID,
		SenderID:        who.AccountID,
		Body:            in.Body,
		AttachmentBytes: in.AttachmentBytes,
	}.Touch(backend.Now())
	if err := row.Validate(); err != nil {
		return domain.Message{}, err
	}

	return runCreate(ctx, g, createSpec[domain.Message]{
		op:       "send_message",
		ownerID:  p.OwnerID,
		registry: g.store.Messages,
		table:    g.backend.Messages,
		row:      row,
		quota:    g.storageCheck(p.OwnerID, in.AttachmentBytes),
		opts:     applyOptions(opts),
	})
}

// EditMessage always fails; sent messages cannot change
func (g *Gateway) EditMessage(ctx context.Context, messageID string) error {
	return fmt.Errorf("message %s: %w", messageID, domain.ErrMessageImmutable)
}

// DeleteMessage always fails; sent messages cannot be removed
func (g *Gateway) DeleteMessage(ctx context.Context, messageID string) error {
	return fmt.Errorf("message %s: %w", messageID, domain.ErrMessageImmutable)
}

func (g *Gateway) conversation(ctx context.Context, p domain.Property, conversationID string) (domain.Conversation, error) {
	coll, release, err := g.store.Conversations.Acquire(ctx, p.ID)
	if err != nil {
		return domain.Conversation{}, err
	}
	defer release()
	if err := coll.Err(); err != nil {
		return domain.Conversation{}, err
	}
	c, ok := coll.Get(conversationID)
	if !ok {
		return domain.Conversation{}, fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
	}
	return c, nil
}
