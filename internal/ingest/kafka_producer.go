// Package ingest queues member pings on Kafka for asynchronous processing.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/carpool/internal/models"
)

// PingMessage is the payload of the ping topic.
type PingMessage struct {
	TripID string `json:"trip_id"`
	models.Ping
}

// Decode parses a ping message, falling back to the message key for the trip id.
func Decode(m kafka.Message) (PingMessage, error) {
	var msg PingMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		return msg, err
	}
	if msg.TripID == "" {
		msg.TripID = string(m.Key)
	}
	switch {
	case msg.TripID == "":
		return msg, errors.New("missing trip id")
	case msg.User == "":
		return msg, errors.New("missing user")
	}
	return msg, nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer keys pings by trip id so one trip's pings stay ordered.
type KafkaProducer struct {
	writer messageWriter
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishPing(ctx context.Context, tripID string, p models.Ping) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(PingMessage{TripID: tripID, Ping: p})
	if err != nil {
		return fmt.Errorf("encode ping: %w", err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(tripID), Value: b}); err != nil {
		return fmt.Errorf("queue ping for trip %s: %w", tripID, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
