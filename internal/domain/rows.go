package domain

import (
	"strings"
	"time"
)

// Table names a backend table that the change feed reports on
type Table string

const (
	TableProperties    Table = "properties"
	TableUnits         Table = "units"
	TableLeases        Table = "leases"
	TableMaintenance   Table = "maintenance_requests"
	TableConversations Table = "conversations"
	TableMessages      Table = "messages"
)

// Tables lists every table the sync layer mirrors
var Tables = []Table{
	TableProperties, TableUnits, TableLeases,
	TableMaintenance, TableConversations, TableMessages,
}

// Row is a versioned backend row mirrored by a collection
type Row interface {
	GetID() string
	// GetScope returns the key the row's collection is partitioned by
	GetScope() string
	GetCreatedAt() time.Time
	GetUpdatedAt() time.Time
	Validate() error
}

// Record is a Row that can stamp its own timestamps
type Record[T any] interface {
	Row
	Touch(now time.Time) T
}

func stamp(created, updated *time.Time, now time.Time) {
	if created.IsZero() {
		*created = now
	}
	*updated = now
}

// Property is a rental building owned by one account. Scope: owner account id.
type Property struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p Property) GetID() string           { return p.ID }
func (p Property) GetScope() string        { return p.OwnerID }
func (p Property) GetCreatedAt() time.Time { return p.CreatedAt }
func (p Property) GetUpdatedAt() time.Time { return p.UpdatedAt }

// Touch returns the property with its timestamps set for a write at now
func (p Property) Touch(now time.Time) Property {
	stamp(&p.CreatedAt, &p.UpdatedAt, now)
	return p
}

// Validate checks required fields
func (p Property) Validate() error {
	switch {
	case p.ID == "":
		return malformed(string(TableProperties), "id is required")
	case p.OwnerID == "":
		return malformed(string(TableProperties), "owner_id is required")
	case strings.TrimSpace(p.Name) == "":
		return malformed(string(TableProperties), "name is required")
	}
	return nil
}

// Unit is a rentable unit inside a property. Scope: property id.
type Unit struct {
	ID         string    `json:"id"`
	PropertyID string    `json:"property_id"`
	Label      string    `json:"label"`
	Bedrooms   int       `json:"bedrooms"`
	RentCents  int64     `json:"rent_cents"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (u Unit) GetID() string           { return u.ID }
func (u Unit) GetScope() string        { return u.PropertyID }
func (u Unit) GetCreatedAt() time.Time { return u.CreatedAt }
func (u Unit) GetUpdatedAt() time.Time { return u.UpdatedAt }

// Touch returns the unit with its timestamps set for a write at now
func (u Unit) Touch(now time.Time) Unit {
	stamp(&u.CreatedAt, &u.UpdatedAt, now)
	return u
}

// Validate checks required fields
func (u Unit) Validate() error {
	switch {
	case u.ID == "":
		return malformed(string(TableUnits), "id is required")
	case u.PropertyID == "":
		return malformed(string(TableUnits), "property_id is required")
	case strings.TrimSpace(u.Label) == "":
		return malformed(string(TableUnits), "label is required")
	case u.Bedrooms < 0 || u.RentCents < 0:
		return malformed(string(TableUnits), "bedrooms and rent must not be negative")
	}
	return nil
}

// Lease binds one resident to one unit. Scope: property id.
type Lease struct {
	ID          string      `json:"id"`
	PropertyID  string      `json:"property_id"`
	UnitID      string      `json:"unit_id"`
	TenantEmail string      `json:"tenant_email"`
	TenantID    string      `json:"tenant_id,omitempty"`
	Status      LeaseStatus `json:"status"`
	StartsOn    time.Time   `json:"starts_on"`
	EndsOn      *time.Time  `json:"ends_on,omitempty"`
	RentCents   int64       `json:"rent_cents"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func (l Lease) GetID() string           { return l.ID }
func (l Lease) GetScope() string        { return l.PropertyID }
func (l Lease) GetCreatedAt() time.Time { return l.CreatedAt }
func (l Lease) GetUpdatedAt() time.Time { return l.UpdatedAt }

// Touch returns the lease with its timestamps set for a write at now
func (l Lease) Touch(now time.Time) Lease {
	stamp(&l.CreatedAt, &l.UpdatedAt, now)
	if l.EndsOn != nil {
		ends := *l.EndsOn
		l.EndsOn = &ends
	}
	return l
}

// Validate checks required fields
func (l Lease) Validate() error {
	switch {
	case l.ID == "":
		return malformed(string(TableLeases), "id is required")
	case l.PropertyID == "" || l.UnitID == "":
		return malformed(string(TableLeases), "property_id and unit_id are required")
	case !strings.Contains(l.TenantEmail, "@"):
		return malformed(string(TableLeases), "tenant_email is invalid")
	case !l.Status.IsValid():
		return malformed(string(TableLeases), "unknown status "+string(l.Status))
	case l.EndsOn != nil && !l.StartsOn.IsZero() && l.EndsOn.Before(l.StartsOn):
		return malformed(string(TableLeases), "ends_on before starts_on")
	}
	return nil
}

// OccupiesResidentSlot reports whether the lease counts toward the resident quota
func (l Lease) OccupiesResidentSlot() bool {
	return l.Status != LeaseEnded
}

// MaintenanceRequest is a repair ticket filed against a property. Scope: property id.
type MaintenanceRequest struct {
	ID              string            `json:"id"`
	PropertyID      string            `json:"property_id"`
	UnitID          string            `json:"unit_id,omitempty"`
	FiledBy         string            `json:"filed_by"`
	Title           string            `json:"title"`
	Description     string            `json:"description"`
	Status          MaintenanceStatus `json:"status"`
	AttachmentBytes int64             `json:"attachment_bytes"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func (m MaintenanceRequest) GetID() string           { return m.ID }
func (m MaintenanceRequest) GetScope() string        { return m.PropertyID }
func (m MaintenanceRequest) GetCreatedAt() time.Time { return m.CreatedAt }
func (m MaintenanceRequest) GetUpdatedAt() time.Time { return m.UpdatedAt }

// Touch returns the request with its timestamps set for a write at now
func (m MaintenanceRequest) Touch(now time.Time) MaintenanceRequest {
	stamp(&m.CreatedAt, &m.UpdatedAt, now)
	return m
}

// Validate checks required fields
func (m MaintenanceRequest) Validate() error {
	switch {
	case m.ID == "":
		return malformed(string(TableMaintenance), "id is required")
	case m.PropertyID == "" || m.FiledBy == "":
		return malformed(string(TableMaintenance), "property_id and filed_by are required")
	case strings.TrimSpace(m.Title) == "":
		return malformed(string(TableMaintenance), "title is required")
	case !m.Status.IsValid():
		return malformed(string(TableMaintenance), "unknown status "+string(m.Status))
	case m.AttachmentBytes < 0:
		return malformed(string(TableMaintenance), "attachment_bytes must not be negative")
	}
	return nil
}

// Conversation is a message thread between an owner and residents of a property.
// Scope: property id.
type Conversation struct {
	ID         string    `json:"id"`
	PropertyID string    `json:"property_id"`
	Subject    string    `json:"subject"`
	StartedBy  string    `json:"started_by"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (c Conversation) GetID() string           { return c.ID }
func (c Conversation) GetScope() string        { return c.PropertyID }
func (c Conversation) GetCreatedAt() time.Time { return c.CreatedAt }
func (c Conversation) GetUpdatedAt() time.Time { return c.UpdatedAt }

// Touch returns the conversation with its timestamps set for a write at now
func (c Conversation) Touch(now time.Time) Conversation {
	stamp(&c.CreatedAt, &c.UpdatedAt, now)
	return c
}

// Validate checks required fields
func (c Conversation) Validate() error {
	switch {
	case c.ID == "":
		return malformed(string(TableConversations), "id is required")
	case c.PropertyID == "" || c.StartedBy == "":
		return malformed(string(TableConversations), "property_id and started_by are required")
	}
	return nil
}

// Message is an immutable post in a conversation. Scope: conversation id.
type Message struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversation_id"`
	PropertyID      string    `json:"property_id"`
	SenderID        string    `json:"sender_id"`
	Body            string    `json:"body"`
	AttachmentBytes int64     `json:"attachment_bytes"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (m Message) GetID() string           { return m.ID }
func (m Message) GetScope() string        { return m.ConversationID }
func (m Message) GetCreatedAt() time.Time { return m.CreatedAt }
func (m Message) GetUpdatedAt() time.Time { return m.UpdatedAt }

// Touch returns the message with its timestamps set for a write at now
func (m Message) Touch(now time.Time) Message {
	stamp(&m.CreatedAt, &m.UpdatedAt, now)
	return m
}

// Validate checks required fields
func (m Message) Validate() error {
	switch {
	case m.ID == "":
		return malformed(string(TableMessages), "id is required")
	case m.ConversationID == "" || m.PropertyID == "" || m.SenderID == "":
		return malformed(string(TableMessages), "conversation_id, property_id and sender_id are required")
	case strings.TrimSpace(m.Body) == "" && m.AttachmentBytes == 0:
		return malformed(string(TableMessages), "body or attachment is required")
	case m.AttachmentBytes < 0:
		return malformed(string(TableMessages), "attachment_bytes must not be negative")
	}
	return nil
}
