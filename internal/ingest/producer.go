// Package ingest moves captain position pings through Kafka: the API
// publishes them and cmd/consumer applies them to the shared registry.
package ingest

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/captain-dispatch/internal/models"
	"github.com/example/captain-dispatch/internal/observability"
)

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer  MessageWriter
	timeout time.Duration
}

// NewKafkaProducer keys messages by captain so one captain's pings stay in
// order on a single partition.
func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}}
	return NewProducer(w)
}

func NewProducer(w MessageWriter) *KafkaProducer {
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishPosition(ctx context.Context, p models.PositionPing) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(strconv.FormatInt(p.CaptainID, 10)), Value: b, Time: p.At})
	if err != nil {
		observability.PositionsPublished.WithLabelValues("error").Inc()
		return err
	}
	observability.PositionsPublished.WithLabelValues("ok").Inc()
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
