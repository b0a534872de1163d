// Package events publishes domain events after a unit of work commits.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	InvoiceGenerated  = "invoice.generated"
	InvoiceIssued     = "invoice.issued"
	InvoiceCancelled  = "invoice.cancelled"
	InvoiceDeleted    = "invoice.deleted"
	InvoiceBalanced   = "invoice.balanced"
	InvoiceItemAdded  = "invoice.item_added"
	PaymentRecorded   = "payment.recorded"
	StockDispensed    = "inventory.dispensed"
	StockReceived     = "inventory.received"
	StockAdjusted     = "inventory.adjusted"
	CatalogEntrySaved = "catalog.entry_saved"
)

type Event struct {
	ID         uuid.UUID       `json:"id"`
	Type       string          `json:"type"`
	Tenant     string          `json:"tenant,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// New builds an event, encoding data as JSON.
func New(eventType, tenant string, data interface{}) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:         uuid.New(),
		Type:       eventType,
		Tenant:     tenant,
		OccurredAt: time.Now().UTC(),
		Data:       raw,
	}, nil
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Emit builds and publishes an event. Failures are logged and swallowed:
// the state change the event describes has already committed.
func Emit(ctx context.Context, p Publisher, log zerolog.Logger, eventType, tenant string, data interface{}) {
	if p == nil {
		return
	}
	e, err := New(eventType, tenant, data)
	if err == nil {
		err = p.Publish(ctx, e)
	}
	if err != nil {
		log.Warn().Err(err).Str("event", eventType).Msg("event publish failed")
	}
}

// LogPublisher writes events to the log. It is the default when no broker
// is configured.
type LogPublisher struct {
	Log zerolog.Logger
}

func (p LogPublisher) Publish(_ context.Context, e Event) error {
	p.Log.Info().
		Str("event_id", e.ID.String()).
		Str("event", e.Type).
		Str("tenant", e.Tenant).
		RawJSON("data", e.Data).
		Msg("domain event")
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types lists recorded event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
