package backend

import (
	"github.com/jackc/pgx/v5"

	"github.com/prohmpiriya/rentsync/internal/domain"
)

var propertySchema = schema[domain.Property]{
	table:       domain.TableProperties,
	scopeColumn: "owner_id",
	columns:     []string{"id", "owner_id", "name", "address", "created_at", "updated_at"},
	scan: func(row pgx.Row) (domain.Property, error) {
		var p domain.Property
		err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Address, &p.CreatedAt, &p.UpdatedAt)
		return p, err
	},
	values: func(p domain.Property) []any {
		return []any{p.ID, p.OwnerID, p.Name, p.Address, p.CreatedAt, p.UpdatedAt}
	},
}

var unitSchema = schema[domain.Unit]{
	table:       domain.TableUnits,
	scopeColumn: "property_id",
	columns:     []string{"id", "property_id", "label", "bedrooms", "rent_cents", "created_at", "updated_at"},
	scan: func(row pgx.Row) (domain.Unit, error) {
		var u domain.Unit
		err := row.Scan(&u.ID, &u.PropertyID, &u.Label, &u.Bedrooms, &u.RentCents, &u.CreatedAt, &u.UpdatedAt)
		return u, err
	},
	values: func(u domain.Unit) []any {
		return []any{u.ID, u.PropertyID, u.Label, u.Bedrooms, u.RentCents, u.CreatedAt, u.UpdatedAt}
	},
}

var leaseSchema = schema[domain.Lease]{
	table:       domain.TableLeases,
	scopeColumn: "property_id",
	columns: []string{
		"id", "property_id", "unit_id", "tenant_email", "tenant_id", "status",
		"starts_on", "ends_on", "rent_cents", "created_at", "updated_at",
	},
	scan: func(row pgx.Row) (domain.Lease, error) {
		var (
			l        domain.Lease
			tenantID *string
			status   string
		)
		err := row.Scan(
			&l.ID, &l.PropertyID, &l.UnitID, &l.TenantEmail, &tenantID, &status,
			&l.StartsOn, &l.EndsOn, &l.RentCents, &l.CreatedAt, &l.UpdatedAt,
		)
		if tenantID != nil {
			l.TenantID = *tenantID
		}
		l.Status = domain.LeaseStatus(status)
		return l, err
	},
	values: func(l domain.Lease) []any {
		return []any{
			l.ID, l.PropertyID, l.UnitID, l.TenantEmail, nullString(l.TenantID), string(l.Status),
			l.StartsOn, l.EndsOn, l.RentCents, l.CreatedAt, l.UpdatedAt,
		}
	},
}

var maintenanceSchema = schema[domain.MaintenanceRequest]{
	table:       domain.TableMaintenance,
	scopeColumn: "property_id",
	columns: []string{
		"id", "property_id", "unit_id", "filed_by", "title", "description", "status",
		"attachment_bytes", "created_at", "updated_at",
	},
	scan: func(row pgx.Row) (domain.MaintenanceRequest, error) {
		var (
			m      domain.MaintenanceRequest
			unitID *string
			status string
		)
		err := row.Scan(
			&m.ID, &m.PropertyID, &unitID, &m.FiledBy, &m.Title, &m.Description, &status,
			&m.AttachmentBytes, &m.CreatedAt, &m.UpdatedAt,
		)
		if unitID != nil {
			m.UnitID = *unitID
		}
		m.Status = domain.MaintenanceStatus(status)
		return m, err
	},
	values: func(m domain.MaintenanceRequest) []any {
		return []any{
			m.ID, m.PropertyID, nullString(m.UnitID), m.FiledBy, m.Title, m.Description, string(m.Status),
			m.AttachmentBytes, m.CreatedAt, m.UpdatedAt,
		}
	},
}

var conversationSchema = schema[domain.Conversation]{
	table:       domain.TableConversations,
	scopeColumn: "property_id",
	columns:     []string{"id", "property_id", "subject", "started_by", "created_at", "updated_at"},
	scan: func(row pgx.Row) (domain.Conversation, error) {
		var c domain.Conversation
		err := row.Scan(&c.ID, &c.PropertyID, &c.Subject, &c.StartedBy, &c.CreatedAt, &c.UpdatedAt)
		return c, err
	},
	values: func(c domain.Conversation) []any {
		return []any{c.ID, c.PropertyID, c.Subject, c.StartedBy, c.CreatedAt, c.UpdatedAt}
	},
}

var messageSchema = schema[domain.Message]{
	table:       domain.TableMessages,
	scopeColumn: "conversation_id",
	columns: []string{
		"id", "conversation_id", "property_id", "sender_id", "body", "attachment_bytes",
		"created_at", "updated_at",
	},
	scan: func(row pgx.Row) (domain.Message, error) {
		var m domain.Message
		err := row.Scan(&m.ID, &m.ConversationID, &m.PropertyID, &m.SenderID, &m.Body, &m.AttachmentBytes, &m.CreatedAt, &m.UpdatedAt)
		return m, err
	},
	values: func(m domain.Message) []any {
		return []any{m.ID, m.ConversationID, m.PropertyID, m.SenderID, m.Body, m.AttachmentBytes, m.CreatedAt, m.UpdatedAt}
	},
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
