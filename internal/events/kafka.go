package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/concilia-dev/concilia/pkg/logger"
)

// KafkaConfig configures the decision event publisher
type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

// DefaultKafkaConfig returns defaults for a local broker
func DefaultKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers: []string{"localhost:9092"},
		Topic:   "concilia.decisions",
	}
}

// KafkaPublisher publishes decision events to a Kafka topic. Messages are
// keyed by tenant and movement so events for one movement stay ordered
// within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger logger.Logger
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a Kafka-backed publisher
func NewKafkaPublisher(config *KafkaConfig, log logger.Logger) *KafkaPublisher {
	if config == nil {
		config = DefaultKafkaConfig()
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(config.Brokers...),
			Topic:        config.Topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: 5 * time.Second,
		},
		logger: log.WithComponent("kafka_publisher"),
	}
}

// Publish writes the event to the topic
func (p *KafkaPublisher) Publish(ctx context.Context, event DecisionEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.TenantID + ":" + event.MovementID),
		Value: data,
	})
	if err != nil {
		p.logger.WithError(err).WithFields(logger.Fields{
			"type":        event.Type,
			"movement_id": event.MovementID,
		}).Error("Failed to publish decision event")
		return err
	}

	return nil
}

// Close flushes and closes the underlying writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
