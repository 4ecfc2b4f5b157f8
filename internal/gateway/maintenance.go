package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/prohmpiriya/rentsync/internal/backend"
	"github.com/prohmpiriya/rentsync/internal/domain"
)

// MaintenanceInput is the payload of CreateMaintenanceRequest
type MaintenanceInput struct {
	UnitID          string `json:"unit_id,omitempty"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	AttachmentBytes int64  `json:"attachment_bytes"`
}

// CreateMaintenanceRequest files a pending request on a property. Requests
// with an attachment are checked against the owner's storage limit.
func (g *Gateway) CreateMaintenanceRequest(ctx context.Context, propertyID string, in MaintenanceInput, opts ...Option) (domain.MaintenanceRequest, error) {
	who, p, err := g.memberProperty(ctx, propertyID)
	if err != nil {
		return domain.MaintenanceRequest{}, err
	}
	if in.UnitID != "" {
		if _, err := g.unit(ctx, p, in.UnitID); err != nil {
			return domain.MaintenanceRequest{}, err
		}
	}

	row := domain.MaintenanceRequest{
		ID:              uuid.NewString(),
		PropertyID:      p.ID,
		UnitID:          in.UnitID,
		FiledBy:         who.AccountID,
		Title:           strings.TrimSpace(in.Title),
		Description:     strings.TrimSpace(in.Description),
		Status:          domain.MaintenancePending,
		AttachmentBytes: in.AttachmentBytes,
	}.Touch(backend.Now())
	if err := row.Validate(); err != nil {
		return domain.MaintenanceRequest{}, err
	}

	return runCreate(ctx, g, createSpec[domain.MaintenanceRequest]{
		op:       "create_maintenance_request",
		ownerID:  p.OwnerID,
		registry: g.store.Maintenance,
		table:    g.backend.Maintenance,
		row:      row,
		quota:    g.storageCheck(p.OwnerID, in.AttachmentBytes),
		opts:     applyOptions(opts),
	})
}

// TransitionMaintenanceRequest moves a request to status. The owner may make
// any allowed transition; the tenant who filed it may only cancel it.
func (g *Gateway) TransitionMaintenanceRequest(ctx context.Context, propertyID, requestID string, to domain.MaintenanceStatus, opts ...Option) (domain.MaintenanceRequest, error) {
	who, p, err := g.memberProperty(ctx, propertyID)
	if err != nil {
		return domain.MaintenanceRequest{}, err
	}
	isOwner := requireOwner(who, p) == nil

	return runUpdate(ctx, g, updateSpec[domain.MaintenanceRequest]{
		op:       "transition_maintenance_request",
		registry: g.store.Maintenance,
		table:    g.backend.Maintenance,
		scope:    p.ID,
		id:       requestID,
		mutate: func(cur domain.MaintenanceRequest) (domain.MaintenanceRequest, error) {
			if !isOwner && (cur.FiledBy != who.AccountID || to != domain.MaintenanceCancelled) {
				return cur, fmt.Errorf("maintenance request %s: %w", cur.ID, domain.ErrForbidden)
			}
			if !cur.Status.CanTransitionTo(to) {
				return cur, &domain.InvalidTransitionError{Entity: "maintenance request", From: string(cur.Status), To: string(to)}
			}
			cur.Status = to
			return cur, nil
		},
		opts: applyOptions(opts),
	})
}

// storageCheck returns the storage quota step for an attachment of size
// bytes, or nil when nothing is attached
func (g *Gateway) storageCheck(ownerID string, size int64) *quotaCheck {
	if size <= 0 {
		return nil
	}
	return &quotaCheck{
		kind:  domain.KindStorage,
		delta: size,
		usage: func(ctx context.Context) (int64, error) { return g.storageUsage(ctx, ownerID) },
	}
}
