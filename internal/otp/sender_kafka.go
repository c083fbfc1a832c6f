package otp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDispatcher hands messages to a notification service through a Kafka
// topic instead of talking to a provider directly. Messages are keyed by
// user id so one user's notifications stay ordered.
type KafkaDispatcher struct {
	writer messageWriter
	topic  string
}

func NewKafkaDispatcher(brokers []string, topic string) (*KafkaDispatcher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka dispatcher requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka dispatcher requires a topic")
	}
	return &KafkaDispatcher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		topic: topic,
	}, nil
}

// notificationEvent is the wire payload consumed by the notification service.
type notificationEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Channel   string    `json:"channel"`
	UserID    string    `json:"user_id"`
	To        string    `json:"to"`
	Subject   string    `json:"subject,omitempty"`
	Body      string    `json:"body"`
	ExpiresIn int64     `json:"expires_in_seconds,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (d *KafkaDispatcher) Send(ctx context.Context, msg Message) error {
	ev := notificationEvent{
		EventID:   uuid.NewString(),
		EventType: string(msg.Purpose) + ".requested",
		Channel:   string(msg.Channel),
		UserID:    msg.UserID,
		To:        msg.To,
		Subject:   msg.Subject,
		Body:      msg.Body,
		ExpiresIn: int64(msg.ExpiresIn / time.Second),
		CreatedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	err = d.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.UserID),
		Value: payload,
		Time:  ev.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.EventType)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", d.topic, err)
	}
	return nil
}

func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}
