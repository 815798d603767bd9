package integration

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/pharmacore/internal/inventory"
	"github.com/odyssey-erp/pharmacore/internal/pricing"
	"github.com/odyssey-erp/pharmacore/internal/purchasing"
)

type captureWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (w *captureWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

type countingObserver struct {
	ok, failed map[string]int
}

func (o *countingObserver) ObserveEvent(eventType string, err error) {
	if err != nil {
		o.failed[eventType]++
		return
	}
	o.ok[eventType]++
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func decode(t *testing.T, msg kafka.Message, payload any) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(msg.Value, &env))
	require.NoError(t, json.Unmarshal(env.Payload, payload))
	return env
}

func TestPublisherWritesEnvelopeKeyedByProduct(t *testing.T) {
	writer := &captureWriter{}
	observer := &countingObserver{ok: map[string]int{}, failed: map[string]int{}}
	pub := NewPublisher(writer, PublisherConfig{Observer: observer})
	at := time.Date(2026, time.June, 15, 9, 30, 0, 0, time.UTC)

	err := pub.HandleBatchReceived(context.Background(), inventory.BatchReceivedEvent{
		BatchID: 42, ProductID: 7, BatchNumber: "AMX-01",
		ExpiryDate: time.Date(2028, time.March, 31, 0, 0, 0, 0, time.UTC),
		Quantity:   12, UnitCost: decimal.RequireFromString("75"), ReceivedAt: at,
	})
	require.NoError(t, err)

	require.Len(t, writer.messages, 1)
	msg := writer.messages[0]
	require.Equal(t, "7", string(msg.Key))
	require.Equal(t, EventBatchReceived, header(msg, "event-type"))

	var payload batchReceivedPayload
	env := decode(t, msg, &payload)
	require.Equal(t, EventBatchReceived, env.Type)
	require.Equal(t, EventID(EventBatchReceived, "42"), env.ID)
	require.Equal(t, env.ID.String(), header(msg, "event-id"))
	require.True(t, env.OccurredAt.Equal(at))
	require.Equal(t, "2028-03-31", payload.ExpiryDate)
	require.EqualValues(t, 12, payload.Quantity)
	require.Equal(t, 1, observer.ok[EventBatchReceived])
}

func TestPublisherEventIDsAreStable(t *testing.T) {
	writer := &captureWriter{}
	pub := NewPublisher(writer, PublisherConfig{})
	evt := purchasing.InvoiceStatusChangedEvent{InvoiceID: 3, Axis: "tax", From: "PENDING", To: "ITC_ELIGIBLE", ChangedAt: time.Now()}

	require.NoError(t, pub.HandleInvoiceStatusChanged(context.Background(), evt))
	evt.ChangedAt = evt.ChangedAt.Add(time.Minute)
	require.NoError(t, pub.HandleInvoiceStatusChanged(context.Background(), evt))

	require.Len(t, writer.messages, 2)
	require.Equal(t, header(writer.messages[0], "event-id"), header(writer.messages[1], "event-id"))
	require.Equal(t, "invoice:3", string(writer.messages[0].Key))
	require.NotEqual(t, EventID(EventInvoiceStatusChanged, "3:tax:ITC_ELIGIBLE"), EventID(EventInvoiceStatusChanged, "3:tax:ITC_CLAIMED"))
}

func TestPublisherCoversEveryHandler(t *testing.T) {
	writer := &captureWriter{}
	pub := NewPublisher(writer, PublisherConfig{})
	ctx := context.Background()
	now := time.Date(2026, time.June, 15, 0, 0, 0, 0, time.UTC)

	require.NoError(t, pub.HandleStockAllocated(ctx, inventory.StockAllocatedEvent{ProductID: 1, RefType: "BILL", RefID: "B-1", Quantity: 3, AllocatedAt: now}))
	require.NoError(t, pub.HandleBatchAdjusted(ctx, inventory.BatchAdjustedEvent{BatchID: 2, ProductID: 1, Type: inventory.MovementExpired, PostedAt: now}))
	require.NoError(t, pub.HandlePricePosted(ctx, pricing.PricePostedEvent{IntervalID: 5, ProductID: 1, EffectiveFrom: now, SalePrice: decimal.NewFromInt(10)}))
	require.NoError(t, pub.HandleInvoiceCompleted(ctx, purchasing.InvoiceCompletedEvent{ID: 9, GRNo: "GRN/2026-27/000001", CompletedAt: now}))
	require.NoError(t, pub.HandlePaymentRecorded(ctx, purchasing.PaymentRecordedEvent{ID: 4, InvoiceID: 9, Amount: decimal.NewFromInt(100), PaidOn: now}))

	var types []string
	for _, msg := range writer.messages {
		types = append(types, header(msg, "event-type"))
	}
	require.Equal(t, []string{
		EventStockAllocated, EventBatchAdjusted, EventPricePosted, EventInvoiceCompleted, EventPaymentRecorded,
	}, types)

	var completed purchasing.InvoiceCompletedEvent
	decode(t, writer.messages[3], &completed)
	require.Equal(t, "GRN/2026-27/000001", completed.GRNo)
}

func TestPublisherReportsWriteFailure(t *testing.T) {
	writer := &captureWriter{err: errors.New("broker down")}
	observer := &countingObserver{ok: map[string]int{}, failed: map[string]int{}}
	pub := NewPublisher(writer, PublisherConfig{Observer: observer})

	err := pub.HandlePricePosted(context.Background(), pricing.PricePostedEvent{IntervalID: 1, ProductID: 1})
	require.ErrorContains(t, err, "broker down")
	require.Equal(t, 1, observer.failed[EventPricePosted])
}

func TestNilPublisherDropsEvents(t *testing.T) {
	var pub *Publisher
	require.NoError(t, pub.HandleBatchReceived(context.Background(), inventory.BatchReceivedEvent{BatchID: 1}))
	require.NoError(t, NewPublisher(nil, PublisherConfig{}).HandlePricePosted(context.Background(), pricing.PricePostedEvent{IntervalID: 1}))
}
