// Package notify tells people that a request moved. Delivery itself happens
// elsewhere; the engine calls a Dispatcher only after a commit and ignores
// its result apart from logging.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Event string

const (
	EventSubmitted Event = "request.submitted"
	EventDecided   Event = "request.decided"
	EventCancelled Event = "request.cancelled"
)

type Notification struct {
	Event         Event     `json:"event"`
	TenantID      string    `json:"tenant_id"`
	RequestID     string    `json:"request_id"`
	RequestNumber string    `json:"request_number"`
	Kind          string    `json:"kind"`
	Status        string    `json:"status"`
	RecipientID   string    `json:"recipient_id"`
	ActorID       string    `json:"actor_id"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type Dispatcher interface {
	Notify(ctx context.Context, n Notification) error
}

// =============================================================================
// LOG DISPATCHER
// =============================================================================

type LogDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	if logger == nil {
		logger = zap.L().Named("notify")
	}
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Notify(_ context.Context, n Notification) error {
	d.logger.Info("notification",
		zap.String("event", string(n.Event)),
		zap.String("tenant_id", n.TenantID),
		zap.String("request_number", n.RequestNumber),
		zap.String("status", n.Status),
		zap.String("recipient_id", n.RecipientID),
	)
	return nil
}

// =============================================================================
// KAFKA DISPATCHER
// =============================================================================

// MessageWriter is the subset of *kafka.Writer the dispatcher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
}

type KafkaDispatcher struct {
	writer MessageWriter
	topic  string
}

func NewKafkaDispatcher(writer MessageWriter, topic string) *KafkaDispatcher {
	return &KafkaDispatcher{writer: writer, topic: topic}
}

// NewKafkaWriter builds a writer that balances by key, so events for one
// request stay ordered on one partition.
func NewKafkaWriter(brokers []string) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

func (d *KafkaDispatcher) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	msg := kafkago.Message{
		Topic: d.topic,
		Key:   []byte(n.RequestID),
		Value: payload,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(n.Event)},
			{Key: "tenant_id", Value: []byte(n.TenantID)},
		},
	}
	return d.writer.WriteMessages(ctx, msg)
}
