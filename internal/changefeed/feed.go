// Package changefeed carries row-change notifications from the backend to
// collections. Delivery is at-least-once and unordered; receivers re-read the
// row instead of trusting the payload.
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prohmpiriya/rentsync/internal/domain"
)

// Op is the kind of row change
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Notification says that a row changed. Only ID is required; Scope and
// UpdatedAt are hints.
type Notification struct {
	Table     domain.Table `json:"table"`
	Op        Op           `json:"op"`
	ID        string       `json:"id"`
	Scope     string       `json:"scope,omitempty"`
	UpdatedAt time.Time    `json:"updated_at,omitempty"`
}

// Event is either a Notification or a Resync marker. Resync means the feed
// lost its connection and notifications may have been missed.
type Event struct {
	Notification Notification
	Resync       bool
}

// Feed delivers events for one table per subscription. The channel is closed
// when ctx is done or the feed is closed.
type Feed interface {
	Subscribe(ctx context.Context, table domain.Table) (<-chan Event, error)
	Close() error
}

// Publisher pushes notifications for writes made by this process
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// ChannelName returns the wire channel for a table
func ChannelName(table domain.Table) string {
	return "rentsync_" + string(table)
}

// DecodeNotification parses a wire payload and fills the table when missing
func DecodeNotification(table domain.Table, payload []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	if n.Table == "" {
		n.Table = table
	}
	if n.ID == "" {
		return Notification{}, fmt.Errorf("decode notification: %w: id is required", domain.ErrMalformedRow)
	}
	return n, nil
}

// NoopPublisher is a no-op Publisher used when the database emits notifications itself
type NoopPublisher struct{}

// Publish does nothing
func (NoopPublisher) Publish(context.Context, Notification) error { return nil }
