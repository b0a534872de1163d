package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	StatusDraft     InvoiceStatus = "draft"
	StatusIssued    InvoiceStatus = "issued"
	StatusBalanced  InvoiceStatus = "balanced"
	StatusCancelled InvoiceStatus = "cancelled"
)

// CanTransitionTo encodes the invoice lifecycle: draft -> issued, and draft
// or issued -> balanced | cancelled. Balanced and cancelled are terminal.
func (s InvoiceStatus) CanTransitionTo(next InvoiceStatus) bool {
	switch s {
	case StatusDraft:
		return next == StatusIssued || next == StatusBalanced || next == StatusCancelled
	case StatusIssued:
		return next == StatusBalanced || next == StatusCancelled
	}
	return false
}

// Open reports whether line items and payments may still change the invoice.
func (s InvoiceStatus) Open() bool {
	return s == StatusDraft || s == StatusIssued
}

const (
	CategoryLab      = "LAB"
	CategoryPharmacy = "PHARMACY"
)

type Invoice struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	Number       string          `db:"number" json:"number"`
	PatientID    uuid.UUID       `db:"patient_id" json:"patient_id"`
	Status       InvoiceStatus   `db:"status" json:"status"`
	TotalNet     decimal.Decimal `db:"total_net" json:"total_net"`
	TotalGross   decimal.Decimal `db:"total_gross" json:"total_gross"`
	CancelReason *string         `db:"cancel_reason" json:"cancel_reason,omitempty"`
	CreatedBy    string          `db:"created_by" json:"created_by"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
	IssuedAt     *time.Time      `db:"issued_at" json:"issued_at,omitempty"`
	CancelledAt  *time.Time      `db:"cancelled_at" json:"cancelled_at,omitempty"`

	// Populated by reads that load the full document.
	LineItems []*LineItem     `json:"line_items,omitempty"`
	Payments  []*Payment      `json:"payments,omitempty"`
	Paid      decimal.Decimal `json:"paid"`
}

// BalanceDue is gross minus paid, floored at zero.
func (inv *Invoice) BalanceDue() decimal.Decimal {
	due := inv.TotalGross.Sub(inv.Paid)
	if due.IsNegative() {
		return decimal.Zero
	}
	return due
}

type LineItem struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	InvoiceID   uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	Sequence    int             `db:"sequence" json:"sequence"`
	Description string          `db:"description" json:"description"`
	ChargeCode  *string         `db:"charge_code" json:"charge_code,omitempty"`
	Category    string          `db:"category" json:"category"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unit_price"`
	Quantity    int             `db:"quantity" json:"quantity"`
	Net         decimal.Decimal `db:"net" json:"net"`
	Gross       decimal.Decimal `db:"gross" json:"gross"`
	SourceKind  *SourceKind     `db:"source_kind" json:"source_kind,omitempty"`
	SourceID    *uuid.UUID      `db:"source_id" json:"source_id,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`

	Components []*PriceComponent `json:"components,omitempty"`
}

type ComponentType string

const (
	ComponentTax      ComponentType = "tax"
	ComponentDiscount ComponentType = "discount"
)

// PriceComponent is an additive adjustment on a line. It is informational
// unless RolledIn, in which case the line's gross already includes it.
type PriceComponent struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	LineItemID uuid.UUID       `db:"line_item_id" json:"line_item_id"`
	Type       ComponentType   `db:"type" json:"type"`
	Code       string          `db:"code" json:"code"`
	Factor     decimal.Decimal `db:"factor" json:"factor"`
	Amount     decimal.Decimal `db:"amount" json:"amount"`
	RolledIn   bool            `db:"rolled_in" json:"rolled_in"`
}

type Payment struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	InvoiceID  uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	Amount     decimal.Decimal `db:"amount" json:"amount"`
	Method     string          `db:"method" json:"method"`
	Reference  string          `db:"reference" json:"reference,omitempty"`
	ReceivedBy string          `db:"received_by" json:"received_by"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

type SourceKind string

const (
	SourceLab      SourceKind = "lab"
	SourcePharmacy SourceKind = "pharmacy"
)

// ChargeableRecord is a clinical row (lab result, dispense) that can be
// billed. BillingReference points at the invoice that consumed it.
type ChargeableRecord struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	Kind             SourceKind `db:"kind" json:"kind"`
	PatientID        uuid.UUID  `db:"patient_id" json:"patient_id"`
	EncounterID      *uuid.UUID `db:"encounter_id" json:"encounter_id,omitempty"`
	ChargeCode       string     `db:"charge_code" json:"charge_code"`
	Quantity         int        `db:"quantity" json:"quantity"`
	BillingReference *uuid.UUID `db:"billing_reference" json:"billing_reference,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
}

// Summary is a patient's billed versus not-yet-billed position.
type Summary struct {
	PatientID        uuid.UUID       `json:"patient_id"`
	BilledTotal      decimal.Decimal `json:"billed_total"`
	PaidTotal        decimal.Decimal `json:"paid_total"`
	OutstandingTotal decimal.Decimal `json:"outstanding_total"`
	UnbilledLab      decimal.Decimal `json:"unbilled_lab_total"`
	UnbilledPharmacy decimal.Decimal `json:"unbilled_pharmacy_total"`
	UnbilledTotal    decimal.Decimal `json:"unbilled_total"`
	GrandTotal       decimal.Decimal `json:"grand_total"`
	UnpricedRecords  int             `json:"unpriced_records"`
}
