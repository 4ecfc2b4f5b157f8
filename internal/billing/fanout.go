package billing

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/prohmpiriya/rentsync/internal/domain"
	"github.com/prohmpiriya/rentsync/pkg/kafka"
	"github.com/prohmpiriya/rentsync/pkg/logger"
)

// Producer publishes keyed records
type Producer interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// Source delivers consumed records to a handler until its context ends
type Source interface {
	Run(ctx context.Context, h kafka.Handler) error
}

// AccountChanged is the record published after a billing change is applied
type AccountChanged struct {
	EventID string         `json:"event_id,omitempty"`
	Account domain.Account `json:"account"`
}

// KafkaFanout publishes applied account snapshots keyed by account id
type KafkaFanout struct {
	producer Producer
}

// NewKafkaFanout creates a new KafkaFanout
func NewKafkaFanout(producer Producer) *KafkaFanout {
	return &KafkaFanout{producer: producer}
}

// PublishAccount publishes acct
func (f *KafkaFanout) PublishAccount(ctx context.Context, acct domain.Account) error {
	value, err := json.Marshal(AccountChanged{Account: acct})
	if err != nil {
		return fmt.Errorf("marshal account change: %w", err)
	}
	return f.producer.Publish(ctx, acct.ID, value)
}

// FanoutConsumer applies account snapshots published by any replica to the
// local session store
type FanoutConsumer struct {
	source   Source
	sessions SnapshotSink
	log      *logger.Logger
}

// NewFanoutConsumer creates a new FanoutConsumer
func NewFanoutConsumer(source Source, sessions SnapshotSink, log *logger.Logger) *FanoutConsumer {
	if log == nil {
		log = logger.NewNop()
	}
	return &FanoutConsumer{source: source, sessions: sessions, log: log.Named("billing-fanout")}
}

// Run consumes until ctx is done
func (c *FanoutConsumer) Run(ctx context.Context) error {
	return c.source.Run(ctx, c.Handle)
}

// Handle applies one record. Malformed records are dropped.
func (c *FanoutConsumer) Handle(ctx context.Context, msg kafka.Message) error {
	var change AccountChanged
	if err := json.Unmarshal(msg.Value, &change); err != nil {
		c.log.Warn("dropping undecodable account change", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}
	if err := change.Account.Validate(); err != nil {
		c.log.Warn("dropping malformed account change", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}
	if c.sessions.Apply(change.Account) {
		c.log.Debug("account snapshot replaced", zap.String("account_id", change.Account.ID))
	}
	return nil
}
