// Package kafka wraps franz-go with the producer and consumer shapes the
// service uses.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/prohmpiriya/rentsync/pkg/logger"
)

var (
	// ErrNoBrokers is returned when a client is configured without seed brokers
	ErrNoBrokers = errors.New("kafka: no brokers configured")
	// ErrNoTopic is returned when a client is configured without a topic
	ErrNoTopic = errors.New("kafka: no topic configured")
)

// Config holds Kafka client settings
type Config struct {
	Brokers       []string
	ClientID      string
	ConsumerGroup string
	Topic         string
}

// DefaultConfig returns default Kafka settings
func DefaultConfig() Config {
	return Config{
		Brokers:       []string{"localhost:9092"},
		ClientID:      "rentsync",
		ConsumerGroup: "rentsync",
	}
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return ErrNoBrokers
	}
	if c.Topic == "" {
		return ErrNoTopic
	}
	return nil
}

// Message is one consumed record
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

// Handler processes one consumed message
type Handler func(ctx context.Context, msg Message) error

// Producer publishes records to one topic
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer creates a new Producer
func NewProducer(cfg Config) (*Producer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return &Producer{client: client, topic: cfg.Topic}, nil
}

// Publish writes value under key and waits for the broker acknowledgement
func (p *Producer) Publish(ctx context.Context, key string, value []byte) error {
	rec := &kgo.Record{Topic: p.topic, Key: []byte(key), Value: value}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", p.topic, err)
	}
	return nil
}

// PublishJSON marshals v and publishes it under key
func (p *Producer) PublishJSON(ctx context.Context, key string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kafka marshal: %w", err)
	}
	return p.Publish(ctx, key, value)
}

// Close flushes and closes the client
func (p *Producer) Close() {
	p.client.Close()
}

// Consumer reads one topic as a member of a consumer group
type Consumer struct {
	client *kgo.Client
	log    *logger.Logger
}

// NewConsumer creates a new Consumer. Each consumer group receives every
// record, so replicas that must all see a record use distinct groups.
func NewConsumer(cfg Config, log *logger.Logger) (*Consumer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewNop()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return &Consumer{client: client, log: log.Named("kafka")}, nil
}

// Run polls until ctx is done or the client is closed, calling h for every
// record. Handler errors are logged and the record is skipped.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.log.Error("fetch failed",
				zap.String("topic", topic), zap.Int32("partition", partition), zap.Error(err))
		})
		fetches.EachRecord(func(r *kgo.Record) {
			msg := Message{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset, Key: r.Key, Value: r.Value}
			if err := h(ctx, msg); err != nil {
				c.log.Error("handler failed",
					zap.String("topic", r.Topic), zap.Int64("offset", r.Offset), zap.Error(err))
			}
		})
	}
}

// Close leaves the group and closes the client
func (c *Consumer) Close() {
	c.client.Close()
}
