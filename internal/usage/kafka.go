package usage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Visual-Hive/chatconnect-ai-backend/internal/models"
)

// KafkaPublisher streams usage events to the billing pipeline, keyed by
// tenant so each tenant's events stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	topic  string
}

func NewKafkaPublisher(broker, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(broker),
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
			BatchSize:    100,
		},
		topic: topic,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, rec *models.UsageRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.topic,
		Key:   []byte(rec.TenantID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("usage_record")},
			{Key: "tenant_id", Value: []byte(rec.TenantID)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
