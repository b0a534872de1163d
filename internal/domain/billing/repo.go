package billing

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type InvoiceRepository interface {
	Create(ctx context.Context, inv *Invoice) error
	GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	// GetForUpdate locks the invoice row for the rest of the unit of work.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error)
	UpdateStatus(ctx context.Context, inv *Invoice) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Invoice, int, error)

	// InsertLineItems writes lines and their components in one round trip.
	InsertLineItems(ctx context.Context, items []*LineItem) error
	ListLineItems(ctx context.Context, invoiceID uuid.UUID) ([]*LineItem, error)
	NextSequence(ctx context.Context, invoiceID uuid.UUID) (int, error)
	// RecomputeTotals stores the sums of the invoice's line net and gross.
	RecomputeTotals(ctx context.Context, invoiceID uuid.UUID) (net, gross decimal.Decimal, err error)

	AddPayment(ctx context.Context, p *Payment) error
	ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error)
	SumPayments(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error)

	// PatientTotals sums gross and payments over the patient's
	// non-cancelled invoices.
	PatientTotals(ctx context.Context, patientID uuid.UUID) (billed, paid decimal.Decimal, err error)
}

// ChargeSource is one kind of chargeable clinical record. It is the only
// path through which billing touches source rows, and only their
// billing_reference column.
type ChargeSource interface {
	Kind() SourceKind
	Category() string
	// ListBillable returns unbilled final records for the patient in
	// creation order. With lock set the rows stay locked until the unit of
	// work ends.
	ListBillable(ctx context.Context, patientID uuid.UUID, lock bool) ([]*ChargeableRecord, error)
	// Claim stamps invoiceID on records that are still unbilled and returns
	// how many it stamped.
	Claim(ctx context.Context, invoiceID uuid.UUID, ids []uuid.UUID) (int64, error)
	// Release clears every back-reference to invoiceID.
	Release(ctx context.Context, invoiceID uuid.UUID) (int64, error)
}

type PriceQuote struct {
	Code      string
	Display   string
	UnitPrice decimal.Decimal
	TaxRate   decimal.Decimal
}

// PriceCatalog resolves charge codes. Unknown codes are absent from the map.
type PriceCatalog interface {
	Lookup(ctx context.Context, codes []string) (map[string]PriceQuote, error)
}

type SubjectDirectory interface {
	Exists(ctx context.Context, patientID uuid.UUID) (bool, error)
}
