// Package integration publishes committed domain events to Kafka.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/odyssey-erp/pharmacore/internal/inventory"
	"github.com/odyssey-erp/pharmacore/internal/pricing"
	"github.com/odyssey-erp/pharmacore/internal/purchasing"
)

// Event types written to the message header and envelope.
const (
	EventBatchReceived        = "inventory.batch_received"
	EventStockAllocated       = "inventory.stock_allocated"
	EventBatchAdjusted        = "inventory.batch_adjusted"
	EventPricePosted          = "pricing.price_posted"
	EventInvoiceCompleted     = "purchasing.invoice_completed"
	EventPaymentRecorded      = "purchasing.payment_recorded"
	EventInvoiceStatusChanged = "purchasing.invoice_status_changed"
)

// eventNamespace scopes deterministic event ids so redelivered events keep
// their id and consumers can deduplicate.
var eventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:pharmacore:events"))

var (
	_ inventory.IntegrationHandler  = (*Publisher)(nil)
	_ pricing.IntegrationHandler    = (*Publisher)(nil)
	_ purchasing.IntegrationHandler = (*Publisher)(nil)
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Observer records publish outcomes.
type Observer interface {
	ObserveEvent(eventType string, err error)
}

// Envelope wraps every payload on the topic.
type Envelope struct {
	ID         uuid.UUID       `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Publisher implements the integration handlers of inventory, pricing and
// purchasing by writing one message per event.
type Publisher struct {
	writer   MessageWriter
	logger   *slog.Logger
	observer Observer
	timeout  time.Duration
}

// PublisherConfig groups optional settings.
type PublisherConfig struct {
	Logger   *slog.Logger
	Observer Observer
	Timeout  time.Duration
}

// NewPublisher constructs a Publisher. A nil writer yields a publisher that
// drops every event.
func NewPublisher(writer MessageWriter, cfg PublisherConfig) *Publisher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{writer: writer, logger: logger, observer: cfg.Observer, timeout: timeout}
}

// NewKafkaWriter builds a writer that hashes message keys so all events of one
// entity land on the same partition in order.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// EventID derives the id of an event from its type and natural key.
func EventID(eventType, naturalKey string) uuid.UUID {
	return uuid.NewSHA1(eventNamespace, []byte(eventType+":"+naturalKey))
}

// HandleBatchReceived publishes a new batch.
func (p *Publisher) HandleBatchReceived(ctx context.Context, evt inventory.BatchReceivedEvent) error {
	key := strconv.FormatInt(evt.ProductID, 10)
	return p.publish(ctx, EventBatchReceived, key, strconv.FormatInt(evt.BatchID, 10), evt.ReceivedAt, mapBatchReceived(evt))
}

// HandleStockAllocated publishes a committed sale allocation.
func (p *Publisher) HandleStockAllocated(ctx context.Context, evt inventory.StockAllocatedEvent) error {
	key := strconv.FormatInt(evt.ProductID, 10)
	natural := fmt.Sprintf("%s:%s:%d", evt.RefType, evt.RefID, evt.ProductID)
	if evt.RefID == "" {
		natural = fmt.Sprintf("%d:%d", evt.ProductID, evt.AllocatedAt.UnixNano())
	}
	return p.publish(ctx, EventStockAllocated, key, natural, evt.AllocatedAt, mapStockAllocated(evt))
}

// HandleBatchAdjusted publishes an adjustment, return, expiry or recall.
func (p *Publisher) HandleBatchAdjusted(ctx context.Context, evt inventory.BatchAdjustedEvent) error {
	key := strconv.FormatInt(evt.ProductID, 10)
	natural := fmt.Sprintf("%d:%s:%d", evt.BatchID, evt.Type, evt.PostedAt.UnixNano())
	return p.publish(ctx, EventBatchAdjusted, key, natural, evt.PostedAt, mapBatchAdjusted(evt))
}

// HandlePricePosted publishes a new price interval.
func (p *Publisher) HandlePricePosted(ctx context.Context, evt pricing.PricePostedEvent) error {
	key := strconv.FormatInt(evt.ProductID, 10)
	return p.publish(ctx, EventPricePosted, key, strconv.FormatInt(evt.IntervalID, 10), evt.EffectiveFrom, mapPricePosted(evt))
}

// HandleInvoiceCompleted publishes a goods receipt.
func (p *Publisher) HandleInvoiceCompleted(ctx context.Context, evt purchasing.InvoiceCompletedEvent) error {
	key := invoiceKey(evt.ID)
	return p.publish(ctx, EventInvoiceCompleted, key, key, evt.CompletedAt, evt)
}

// HandlePaymentRecorded publishes a vendor payment.
func (p *Publisher) HandlePaymentRecorded(ctx context.Context, evt purchasing.PaymentRecordedEvent) error {
	return p.publish(ctx, EventPaymentRecorded, invoiceKey(evt.InvoiceID), strconv.FormatInt(evt.ID, 10), evt.PaidOn, evt)
}

// HandleInvoiceStatusChanged publishes a tax or lifecycle transition.
func (p *Publisher) HandleInvoiceStatusChanged(ctx context.Context, evt purchasing.InvoiceStatusChangedEvent) error {
	natural := fmt.Sprintf("%d:%s:%s", evt.InvoiceID, evt.Axis, evt.To)
	return p.publish(ctx, EventInvoiceStatusChanged, invoiceKey(evt.InvoiceID), natural, evt.ChangedAt, evt)
}

func (p *Publisher) publish(ctx context.Context, eventType, key, naturalKey string, occurredAt time.Time, payload any) error {
	if p == nil || p.writer == nil {
		return nil
	}
	if naturalKey == "" {
		return errors.New("integration: natural key required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("integration: encode %s: %w", eventType, err)
	}
	env := Envelope{
		ID:         EventID(eventType, naturalKey),
		Type:       eventType,
		OccurredAt: occurredAt.UTC(),
		Payload:    body,
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("integration: encode envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(eventType)},
			{Key: "event-id", Value: []byte(env.ID.String())},
		},
	})
	if p.observer != nil {
		p.observer.ObserveEvent(eventType, err)
	}
	if err != nil {
		p.logger.Warn("publish event", slog.String("type", eventType), slog.String("event_id", env.ID.String()), slog.Any("error", err))
		return fmt.Errorf("integration: publish %s: %w", eventType, err)
	}
	return nil
}

func invoiceKey(id int64) string {
	return "invoice:" + strconv.FormatInt(id, 10)
}
