package ledger

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/example/captain-dispatch/internal/models"
	"github.com/example/captain-dispatch/internal/observability"
)

const defaultAuditQueue = 1024

// MessageWriter is the part of *kafka.Writer the mirror needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaMirror publishes every durably appended event to an audit topic. The
// wrapped ledger stays the source of truth. Publishing happens on a single
// background goroutine in append order, so Append never waits on the broker;
// when the queue is full the event is dropped from the audit stream.
type KafkaMirror struct {
	Ledger
	w       MessageWriter
	log     zerolog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan kafka.Message
	done   chan struct{}
}

func NewKafkaMirror(inner Ledger, w MessageWriter, log zerolog.Logger) *KafkaMirror {
	return newKafkaMirror(inner, w, log, defaultAuditQueue)
}

func newKafkaMirror(inner Ledger, w MessageWriter, log zerolog.Logger, size int) *KafkaMirror {
	k := &KafkaMirror{
		Ledger:  inner,
		w:       w,
		log:     log,
		timeout: 2 * time.Second,
		queue:   make(chan kafka.Message, size),
		done:    make(chan struct{}),
	}
	go k.publish()
	return k
}

// NewAuditWriter builds the kafka writer used by the mirror, keyed by order.
func NewAuditWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}, RequiredAcks: kafka.RequireOne}
}

func (k *KafkaMirror) Append(ctx context.Context, e models.OfferEvent) error {
	if err := k.Ledger.Append(ctx, e); err != nil {
		return err
	}
	b, err := json.Marshal(e)
	if err != nil {
		k.log.Warn().Err(err).Str("offer_id", e.OfferID).Msg("encode audit event")
		return nil
	}
	msg := kafka.Message{Key: []byte(strconv.FormatInt(e.OrderID, 10)), Value: b}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		observability.AuditEvents.WithLabelValues("dropped").Inc()
		return nil
	}
	select {
	case k.queue <- msg:
	default:
		observability.AuditEvents.WithLabelValues("dropped").Inc()
		k.log.Warn().Str("offer_id", e.OfferID).Str("to", string(e.To)).Msg("audit queue full, event not mirrored")
	}
	return nil
}

func (k *KafkaMirror) publish() {
	defer close(k.done)
	for msg := range k.queue {
		ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
		err := k.w.WriteMessages(ctx, msg)
		cancel()
		if err != nil {
			observability.AuditEvents.WithLabelValues("failed").Inc()
			k.log.Warn().Err(err).Str("order_id", string(msg.Key)).Msg("audit publish failed")
			continue
		}
		observability.AuditEvents.WithLabelValues("ok").Inc()
	}
}

// Close stops accepting events and waits for the queue to drain. Close the
// underlying writer afterwards.
func (k *KafkaMirror) Close() error {
	k.mu.Lock()
	if !k.closed {
		k.closed = true
		close(k.queue)
	}
	k.mu.Unlock()
	<-k.done
	return nil
}
