package kafka

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prohmpiriya/rentsync/pkg/logger"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
	assert.Equal(t, "rentsync", cfg.ClientID)
	assert.Equal(t, "rentsync", cfg.ConsumerGroup)
	assert.Empty(t, cfg.Topic)
}

func TestNewClientsValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"no brokers", Config{Topic: "billing"}, ErrNoBrokers},
		{"no topic", Config{Brokers: []string{"localhost:9092"}}, ErrNoTopic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProducer(tt.cfg)
			assert.ErrorIs(t, err, tt.want)
			_, err = NewConsumer(tt.cfg, logger.NewNop())
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestProducerConsumer_Integration(t *testing.T) {
	if os.Getenv("INTEGRATION_TEST") != "true" {
		t.Skip("Skipping integration test. Set INTEGRATION_TEST=true to run")
	}

	cfg := DefaultConfig()
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Brokers = []string{brokers}
	}
	cfg.Topic = "rentsync.integration"
	cfg.ConsumerGroup = "rentsync-integration-" + time.Now().Format("150405.000")

	consumer, err := NewConsumer(cfg, logger.NewNop())
	require.NoError(t, err)
	defer consumer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	got := make(chan Message, 1)
	go func() {
		_ = consumer.Run(ctx, func(_ context.Context, m Message) error {
			select {
			case got <- m:
			default:
			}
			return nil
		})
	}()

	producer, err := NewProducer(cfg)
	require.NoError(t, err)
	defer producer.Close()

	// give the group time to join before producing at the log end
	time.Sleep(3 * time.Second)
	require.NoError(t, producer.PublishJSON(ctx, "acct-1", map[string]string{"id": "acct-1"}))

	select {
	case m := <-got:
		assert.Equal(t, "acct-1", string(m.Key))
		assert.JSONEq(t, `{"id":"acct-1"}`, string(m.Value))
	case <-ctx.Done():
		t.Fatal("message not received")
	}
}
