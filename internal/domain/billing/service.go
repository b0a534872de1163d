package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.jetify.com/typeid"

	"github.com/ehr/billing/internal/platform/auth"
	"github.com/ehr/billing/internal/platform/cache"
	"github.com/ehr/billing/internal/platform/db"
	"github.com/ehr/billing/internal/platform/events"
)

const defaultLockTTL = 30 * time.Second

// Service owns invoice state. Invoice totals and the billing_reference
// column of source records are written nowhere else.
type Service struct {
	invoices InvoiceRepository
	sources  []ChargeSource
	prices   PriceCatalog
	subjects SubjectDirectory
	tx       db.TxRunner
	locker   cache.Locker
	lockTTL  time.Duration
	pub      events.Publisher
	log      zerolog.Logger
	now      func() time.Time
}

type Option func(*Service)

// WithSources sets the chargeable record kinds in billing order.
func WithSources(sources ...ChargeSource) Option {
	return func(s *Service) { s.sources = sources }
}

func WithSubjectDirectory(d SubjectDirectory) Option {
	return func(s *Service) { s.subjects = d }
}

// WithLocker adds a per-patient lock around generation.
func WithLocker(l cache.Locker, ttl time.Duration) Option {
	return func(s *Service) {
		s.locker = l
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.pub = p }
}

func NewService(invoices InvoiceRepository, prices PriceCatalog, tx db.TxRunner, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		invoices: invoices,
		prices:   prices,
		tx:       tx,
		lockTTL:  defaultLockTTL,
		log:      log,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) emit(ctx context.Context, eventType string, data interface{}) {
	events.Emit(context.WithoutCancel(ctx), s.pub, s.log, eventType, db.TenantFromContext(ctx), data)
}

func (s *Service) checkSubject(ctx context.Context, patientID uuid.UUID) error {
	if patientID == uuid.Nil {
		return invalid("subject_id", "is required")
	}
	if s.subjects == nil {
		return nil
	}
	ok, err := s.subjects.Exists(ctx, patientID)
	if err != nil {
		return fmt.Errorf("check patient: %w", err)
	}
	if !ok {
		return fmt.Errorf("patient %s: %w", patientID, ErrNotFound)
	}
	return nil
}

// lockSubject takes the advisory generation lock. A locker outage is
// logged and generation proceeds on row locks alone.
func (s *Service) lockSubject(ctx context.Context, patientID uuid.UUID) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	key := fmt.Sprintf("billing:generate:%s:%s", db.TenantFromContext(ctx), patientID)
	token, ok, err := s.locker.TryLock(ctx, key, s.lockTTL)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("generation lock unavailable")
		return func() {}, nil
	}
	if !ok {
		return nil, ErrGenerationInProgress
	}
	return func() {
		if err := s.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("generation unlock failed")
		}
	}, nil
}

// priceLine turns a chargeable record into a line at the quoted price. Tax
// is carried as a component and rolled into gross.
func priceLine(rec *ChargeableRecord, q PriceQuote, category string) *LineItem {
	qty := rec.Quantity
	if qty <= 0 {
		qty = 1
	}
	code := rec.ChargeCode
	kind := rec.Kind
	id := rec.ID

	net := q.UnitPrice.Mul(decimal.NewFromInt(int64(qty))).Round(2)
	li := &LineItem{
		Description: q.Display,
		ChargeCode:  &code,
		Category:    category,
		UnitPrice:   q.UnitPrice,
		Quantity:    qty,
		Net:         net,
		Gross:       net,
		SourceKind:  &kind,
		SourceID:    &id,
	}
	if li.Description == "" {
		li.Description = code
	}
	if q.TaxRate.IsPositive() {
		tax := net.Mul(q.TaxRate).Round(2)
		li.Components = []*PriceComponent{{
			Type: ComponentTax, Code: "TAX", Factor: q.TaxRate, Amount: tax, RolledIn: true,
		}}
		li.Gross = net.Add(tax)
	}
	return li
}

type pending struct {
	source  ChargeSource
	records []*ChargeableRecord
}

// collect gathers unbilled records across every source in billing order.
func (s *Service) collect(ctx context.Context, patientID uuid.UUID, lock bool) ([]pending, []string, error) {
	var out []pending
	var codes []string
	for _, src := range s.sources {
		recs, err := src.ListBillable(ctx, patientID, lock)
		if err != nil {
			return nil, nil, err
		}
		if len(recs) == 0 {
			continue
		}
		out = append(out, pending{source: src, records: recs})
		for _, r := range recs {
			codes = append(codes, r.ChargeCode)
		}
	}
	return out, codes, nil
}

// GenerateFromPendingOrders bills every unbilled final record of the
// patient into one new draft invoice. With nothing to bill it returns
// ErrNothingToBill and writes nothing. A record with no catalog price
// aborts the whole run with ErrConsistency.
func (s *Service) GenerateFromPendingOrders(ctx context.Context, patientID uuid.UUID) (*Invoice, error) {
	if err := s.checkSubject(ctx, patientID); err != nil {
		return nil, err
	}
	unlock, err := s.lockSubject(ctx, patientID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var inv *Invoice
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		batches, codes, err := s.collect(ctx, patientID, true)
		if err != nil {
			return err
		}
		if len(batches) == 0 {
			return ErrNothingToBill
		}

		quotes, err := s.prices.Lookup(ctx, codes)
		if err != nil {
			return fmt.Errorf("price lookup: %w", err)
		}

		number, err := typeid.WithPrefix("inv")
		if err != nil {
			return fmt.Errorf("invoice number: %w", err)
		}
		inv = &Invoice{
			ID:        uuid.New(),
			Number:    number.String(),
			PatientID: patientID,
			Status:    StatusDraft,
			CreatedBy: auth.UserIDFromContext(ctx),
		}

		var lines []*LineItem
		expNet, expGross := decimal.Zero, decimal.Zero
		for _, b := range batches {
			for _, rec := range b.records {
				q, ok := quotes[rec.ChargeCode]
				if !ok {
					return fmt.Errorf("%w: no price for %s charge code %q (record %s)",
						ErrConsistency, rec.Kind, rec.ChargeCode, rec.ID)
				}
				li := priceLine(rec, q, b.source.Category())
				li.InvoiceID = inv.ID
				li.Sequence = len(lines) + 1
				lines = append(lines, li)
				expNet = expNet.Add(li.Net)
				expGross = expGross.Add(li.Gross)
			}
		}

		if err := s.invoices.Create(ctx, inv); err != nil {
			return fmt.Errorf("create invoice: %w", err)
		}
		if err := s.invoices.InsertLineItems(ctx, lines); err != nil {
			return err
		}
		net, gross, err := s.invoices.RecomputeTotals(ctx, inv.ID)
		if err != nil {
			return fmt.Errorf("recompute totals: %w", err)
		}
		if !net.Equal(expNet) || !gross.Equal(expGross) {
			return fmt.Errorf("%w: stored totals %s/%s differ from lines %s/%s",
				ErrConsistency, net, gross, expNet, expGross)
		}
		inv.TotalNet, inv.TotalGross = net, gross
		inv.LineItems = lines

		for _, b := range batches {
			ids := make([]uuid.UUID, len(b.records))
			for i, r := range b.records {
				ids[i] = r.ID
			}
			n, err := b.source.Claim(ctx, inv.ID, ids)
			if err != nil {
				return err
			}
			if n != int64(len(ids)) {
				return fmt.Errorf("%w: claimed %d of %d %s records", ErrConsistency, n, len(ids), b.source.Kind())
			}
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNothingToBill) {
			s.log.Error().Err(err).Str("patient_id", patientID.String()).Msg("invoice generation failed")
		}
		return nil, err
	}

	s.log.Info().
		Str("invoice_id", inv.ID.String()).
		Str("patient_id", patientID.String()).
		Int("lines", len(inv.LineItems)).
		Str("total_gross", inv.TotalGross.StringFixed(2)).
		Msg("invoice generated")
	s.emit(ctx, events.InvoiceGenerated, map[string]interface{}{
		"invoice_id": inv.ID, "patient_id": patientID, "total_gross": inv.TotalGross, "lines": len(inv.LineItems),
	})
	return inv, nil
}

// transition locks the invoice, checks the move and applies mutate inside
// one unit of work.
func (s *Service) transition(ctx context.Context, id uuid.UUID, to InvoiceStatus, mutate func(ctx context.Context, inv *Invoice) error) (*Invoice, error) {
	var inv *Invoice
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		inv, err = s.invoices.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !inv.Status.CanTransitionTo(to) {
			return transitionErr(inv.Status, to)
		}
		inv.Status = to
		if mutate != nil {
			if err := mutate(ctx, inv); err != nil {
				return err
			}
		}
		return s.invoices.UpdateStatus(ctx, inv)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Service) IssueInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := s.transition(ctx, id, StatusIssued, func(_ context.Context, inv *Invoice) error {
		t := s.now().UTC()
		inv.IssuedAt = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("invoice_id", id.String()).Msg("invoice issued")
	s.emit(ctx, events.InvoiceIssued, map[string]interface{}{"invoice_id": id, "patient_id": inv.PatientID})
	return s.reload(ctx, id)
}

func (s *Service) release(ctx context.Context, invoiceID uuid.UUID) (int64, error) {
	var total int64
	for _, src := range s.sources {
		n, err := src.Release(ctx, invoiceID)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// CancelInvoice voids the invoice and returns its records to the unbilled
// pool in the same unit of work.
func (s *Service) CancelInvoice(ctx context.Context, id uuid.UUID, reason string) (*Invoice, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invalid("reason", "is required")
	}
	var released int64
	inv, err := s.transition(ctx, id, StatusCancelled, func(ctx context.Context, inv *Invoice) error {
		t := s.now().UTC()
		inv.CancelledAt = &t
		inv.CancelReason = &reason
		var err error
		released, err = s.release(ctx, inv.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("invoice_id", id.String()).
		Str("reason", reason).
		Int64("released", released).
		Msg("invoice cancelled")
	s.emit(ctx, events.InvoiceCancelled, map[string]interface{}{
		"invoice_id": id, "patient_id": inv.PatientID, "reason": reason, "released": released,
	})
	return s.reload(ctx, id)
}

// DeleteInvoice removes an invoice permanently and unlinks its records.
// Invoices carrying payments cannot be deleted.
func (s *Service) DeleteInvoice(ctx context.Context, id uuid.UUID) error {
	var patientID uuid.UUID
	var released int64
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		inv, err := s.invoices.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		patientID = inv.PatientID
		paid, err := s.invoices.SumPayments(ctx, id)
		if err != nil {
			return err
		}
		if !paid.IsZero() {
			return fmt.Errorf("%w: invoice %s has recorded payments", ErrInvalidTransition, id)
		}
		if released, err = s.release(ctx, id); err != nil {
			return err
		}
		return s.invoices.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("invoice_id", id.String()).Int64("released", released).Msg("invoice deleted")
	s.emit(ctx, events.InvoiceDeleted, map[string]interface{}{
		"invoice_id": id, "patient_id": patientID, "released": released,
	})
	return nil
}

type PaymentInput struct {
	Amount    decimal.Decimal `json:"amount" validate:"gt=0"`
	Method    string          `json:"method" validate:"required,max=64"`
	Reference string          `json:"reference,omitempty" validate:"max=255"`
}

// RecordPayment appends a payment. The invoice becomes balanced once the
// paid amount reaches its gross total.
func (s *Service) RecordPayment(ctx context.Context, id uuid.UUID, in PaymentInput) (*Invoice, error) {
	in.Amount = in.Amount.Round(2)
	if !in.Amount.IsPositive() {
		return nil, invalid("amount", "must be at least 0.01")
	}
	in.Method = strings.TrimSpace(in.Method)
	if in.Method == "" {
		return nil, invalid("method", "is required")
	}

	var p *Payment
	var balanced bool
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		inv, err := s.invoices.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status == StatusCancelled {
			return fmt.Errorf("%w: cannot pay a cancelled invoice", ErrInvalidTransition)
		}
		p = &Payment{
			InvoiceID:  id,
			Amount:     in.Amount,
			Method:     in.Method,
			Reference:  strings.TrimSpace(in.Reference),
			ReceivedBy: auth.UserIDFromContext(ctx),
		}
		if err := s.invoices.AddPayment(ctx, p); err != nil {
			return fmt.Errorf("add payment: %w", err)
		}
		paid, err := s.invoices.SumPayments(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status.Open() && paid.GreaterThanOrEqual(inv.TotalGross) {
			inv.Status = StatusBalanced
			balanced = true
			return s.invoices.UpdateStatus(ctx, inv)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("invoice_id", id.String()).
		Str("amount", p.Amount.StringFixed(2)).
		Str("method", p.Method).
		Bool("balanced", balanced).
		Msg("payment recorded")
	s.emit(ctx, events.PaymentRecorded, map[string]interface{}{
		"invoice_id": id, "payment_id": p.ID, "amount": p.Amount, "method": p.Method,
	})
	if balanced {
		s.emit(ctx, events.InvoiceBalanced, map[string]interface{}{"invoice_id": id})
	}
	return s.reload(ctx, id)
}

type ManualItemInput struct {
	Description string          `json:"description" validate:"required,max=255"`
	Amount      decimal.Decimal `json:"amount" validate:"gt=0"`
	Category    string          `json:"category" validate:"required,max=32"`
	Quantity    int             `json:"quantity,omitempty" validate:"gte=0"`
}

// AddManualItem appends a hand-entered line (professional fees, room
// charges) at amount per unit and recomputes totals.
func (s *Service) AddManualItem(ctx context.Context, id uuid.UUID, in ManualItemInput) (*Invoice, error) {
	in.Description = strings.TrimSpace(in.Description)
	in.Category = strings.ToUpper(strings.TrimSpace(in.Category))
	in.Amount = in.Amount.Round(2)
	switch {
	case in.Description == "":
		return nil, invalid("description", "is required")
	case in.Category == "":
		return nil, invalid("category", "is required")
	case !in.Amount.IsPositive():
		return nil, invalid("amount", "must be at least 0.01")
	case in.Quantity < 0:
		return nil, invalid("quantity", "must not be negative")
	}
	if in.Quantity == 0 {
		in.Quantity = 1
	}

	var li *LineItem
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		inv, err := s.invoices.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !inv.Status.Open() {
			return fmt.Errorf("%w: cannot add items to a %s invoice", ErrInvalidTransition, inv.Status)
		}
		seq, err := s.invoices.NextSequence(ctx, id)
		if err != nil {
			return err
		}
		unit := in.Amount
		net := unit.Mul(decimal.NewFromInt(int64(in.Quantity)))
		li = &LineItem{
			InvoiceID:   id,
			Sequence:    seq,
			Description: in.Description,
			Category:    in.Category,
			UnitPrice:   unit,
			Quantity:    in.Quantity,
			Net:         net,
			Gross:       net,
		}
		if err := s.invoices.InsertLineItems(ctx, []*LineItem{li}); err != nil {
			return err
		}
		_, _, err = s.invoices.RecomputeTotals(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("invoice_id", id.String()).
		Int("sequence", li.Sequence).
		Str("category", li.Category).
		Str("net", li.Net.StringFixed(2)).
		Msg("invoice item added")
	s.emit(ctx, events.InvoiceItemAdded, map[string]interface{}{
		"invoice_id": id, "line_item_id": li.ID, "category": li.Category, "net": li.Net,
	})
	return s.reload(ctx, id)
}

// reload reads a just-committed invoice. The caller's deadline no longer
// applies: the change is durable and a failed read would invite a retry.
func (s *Service) reload(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return s.GetInvoice(context.WithoutCancel(ctx), id)
}

// GetInvoice loads the invoice with its lines, payments and paid amount.
func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := s.invoices.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.LineItems, err = s.invoices.ListLineItems(ctx, id); err != nil {
		return nil, err
	}
	if inv.Payments, err = s.invoices.ListPayments(ctx, id); err != nil {
		return nil, err
	}
	inv.Paid = decimal.Zero
	for _, p := range inv.Payments {
		inv.Paid = inv.Paid.Add(p.Amount)
	}
	return inv, nil
}

func (s *Service) ListInvoices(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Invoice, int, error) {
	if patientID == uuid.Nil {
		return nil, 0, invalid("patient_id", "is required")
	}
	return s.invoices.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ListPayments(ctx context.Context, id uuid.UUID) ([]*Payment, error) {
	if _, err := s.invoices.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.invoices.ListPayments(ctx, id)
}

// Summary reports what the patient has been billed against what is still
// waiting to be billed. Unbilled amounts are priced the way generation
// would price them; records without a price are counted, not totalled.
func (s *Service) Summary(ctx context.Context, patientID uuid.UUID) (*Summary, error) {
	if err := s.checkSubject(ctx, patientID); err != nil {
		return nil, err
	}
	billed, paid, err := s.invoices.PatientTotals(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("patient totals: %w", err)
	}
	batches, codes, err := s.collect(ctx, patientID, false)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		PatientID:        patientID,
		BilledTotal:      billed,
		PaidTotal:        paid,
		UnbilledLab:      decimal.Zero,
		UnbilledPharmacy: decimal.Zero,
	}
	if len(codes) > 0 {
		quotes, err := s.prices.Lookup(ctx, codes)
		if err != nil {
			return nil, fmt.Errorf("price lookup: %w", err)
		}
		for _, b := range batches {
			for _, rec := range b.records {
				q, ok := quotes[rec.ChargeCode]
				if !ok {
					sum.UnpricedRecords++
					continue
				}
				gross := priceLine(rec, q, b.source.Category()).Gross
				if b.source.Kind() == SourcePharmacy {
					sum.UnbilledPharmacy = sum.UnbilledPharmacy.Add(gross)
				} else {
					sum.UnbilledLab = sum.UnbilledLab.Add(gross)
				}
			}
		}
	}

	sum.OutstandingTotal = billed.Sub(paid)
	if sum.OutstandingTotal.IsNegative() {
		sum.OutstandingTotal = decimal.Zero
	}
	sum.UnbilledTotal = sum.UnbilledLab.Add(sum.UnbilledPharmacy)
	sum.GrandTotal = billed.Add(sum.UnbilledTotal)
	return sum, nil
}
