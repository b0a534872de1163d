package billing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// memStore backs both the invoice repository and the charge sources so a
// failed unit of work can restore invoices and back-references together.
type memStore struct {
	mu       sync.Mutex
	invoices map[uuid.UUID]Invoice
	lines    []LineItem
	payments []Payment
	records  []ChargeableRecord
	patients map[uuid.UUID]bool
	clock    time.Time

	failInsertLines bool
	// beforeClaim runs inside Claim ahead of the conditional update.
	beforeClaim func(s *memStore)
	// afterPayment runs once a payment row is stored.
	afterPayment func()
}

func newMemStore() *memStore {
	return &memStore{
		invoices: map[uuid.UUID]Invoice{},
		patients: map[uuid.UUID]bool{},
		clock:    time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (s *memStore) tick() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *memStore) addRecord(kind SourceKind, patientID uuid.UUID, code string, qty int) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := ChargeableRecord{
		ID: uuid.New(), Kind: kind, PatientID: patientID, ChargeCode: code, Quantity: qty, CreatedAt: s.tick(),
	}
	s.records = append(s.records, rec)
	return rec.ID
}

func (s *memStore) record(id uuid.UUID) ChargeableRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == id {
			return r
		}
	}
	return ChargeableRecord{}
}

type snapshot struct {
	invoices map[uuid.UUID]Invoice
	lines    []LineItem
	payments []Payment
	records  []ChargeableRecord
}

func (s *memStore) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv := make(map[uuid.UUID]Invoice, len(s.invoices))
	for k, v := range s.invoices {
		inv[k] = v
	}
	return snapshot{
		invoices: inv,
		lines:    append([]LineItem(nil), s.lines...),
		payments: append([]Payment(nil), s.payments...),
		records:  append([]ChargeableRecord(nil), s.records...),
	}
}

func (s *memStore) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices, s.lines, s.payments, s.records = snap.invoices, snap.lines, snap.payments, snap.records
}

type txKey struct{}

type memTx struct {
	store *memStore
	mu    sync.Mutex
}

func (t *memTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := t.store.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		t.store.restore(snap)
		return err
	}
	return nil
}

// InvoiceRepository

func (s *memStore) Create(_ context.Context, inv *Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invoices[inv.ID]; ok {
		return errors.New("duplicate invoice id")
	}
	inv.CreatedAt = s.tick()
	inv.UpdatedAt = inv.CreatedAt
	cp := *inv
	cp.LineItems, cp.Payments = nil, nil
	s.invoices[inv.ID] = cp
	return nil
}

func (s *memStore) GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &inv, nil
}

func (s *memStore) GetForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	if ctx.Value(txKey{}) == nil {
		return nil, errors.New("GetForUpdate requires a transaction")
	}
	return s.GetByID(ctx, id)
}

func (s *memStore) UpdateStatus(_ context.Context, inv *Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.invoices[inv.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Status = inv.Status
	cur.CancelReason = inv.CancelReason
	cur.IssuedAt = inv.IssuedAt
	cur.CancelledAt = inv.CancelledAt
	cur.UpdatedAt = s.tick()
	inv.UpdatedAt = cur.UpdatedAt
	s.invoices[inv.ID] = cur
	return nil
}

func (s *memStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invoices[id]; !ok {
		return ErrNotFound
	}
	delete(s.invoices, id)
	kept := s.lines[:0:0]
	for _, li := range s.lines {
		if li.InvoiceID != id {
			kept = append(kept, li)
		}
	}
	s.lines = kept
	return nil
}

func (s *memStore) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Invoice, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*Invoice
	for _, inv := range s.invoices {
		if inv.PatientID == patientID {
			inv := inv
			all = append(all, &inv)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *memStore) InsertLineItems(_ context.Context, items []*LineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsertLines {
		return errors.New("connection reset")
	}
	for _, li := range items {
		for _, cur := range s.lines {
			if cur.InvoiceID == li.InvoiceID && cur.Sequence == li.Sequence {
				return errors.New("duplicate line sequence")
			}
		}
		if li.ID == uuid.Nil {
			li.ID = uuid.New()
		}
		li.CreatedAt = s.tick()
		for _, pc := range li.Components {
			if pc.ID == uuid.Nil {
				pc.ID = uuid.New()
			}
			pc.LineItemID = li.ID
		}
		s.lines = append(s.lines, *li)
	}
	return nil
}

func (s *memStore) ListLineItems(_ context.Context, invoiceID uuid.UUID) ([]*LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*LineItem
	for _, li := range s.lines {
		if li.InvoiceID == invoiceID {
			li := li
			out = append(out, &li)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *memStore) NextSequence(_ context.Context, invoiceID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, li := range s.lines {
		if li.InvoiceID == invoiceID && li.Sequence > n {
			n = li.Sequence
		}
	}
	return n + 1, nil
}

func (s *memStore) RecomputeTotals(_ context.Context, invoiceID uuid.UUID) (decimal.Decimal, decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[invoiceID]
	if !ok {
		return decimal.Zero, decimal.Zero, ErrNotFound
	}
	net, gross := decimal.Zero, decimal.Zero
	for _, li := range s.lines {
		if li.InvoiceID == invoiceID {
			net = net.Add(li.Net)
			gross = gross.Add(li.Gross)
		}
	}
	inv.TotalNet, inv.TotalGross = net, gross
	s.invoices[invoiceID] = inv
	return net, gross, nil
}

func (s *memStore) AddPayment(_ context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = s.tick()
	s.payments = append(s.payments, *p)
	if s.afterPayment != nil {
		s.afterPayment()
	}
	return nil
}

func (s *memStore) ListPayments(_ context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Payment
	for _, p := range s.payments {
		if p.InvoiceID == invoiceID {
			p := p
			out = append(out, &p)
		}
	}
	return out, nil
}

func (s *memStore) SumPayments(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error) {
	ps, _ := s.ListPayments(ctx, invoiceID)
	sum := decimal.Zero
	for _, p := range ps {
		sum = sum.Add(p.Amount)
	}
	return sum, nil
}

func (s *memStore) PatientTotals(_ context.Context, patientID uuid.UUID) (decimal.Decimal, decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	billed, paid := decimal.Zero, decimal.Zero
	for _, inv := range s.invoices {
		if inv.PatientID != patientID || inv.Status == StatusCancelled {
			continue
		}
		billed = billed.Add(inv.TotalGross)
		for _, p := range s.payments {
			if p.InvoiceID == inv.ID {
				paid = paid.Add(p.Amount)
			}
		}
	}
	return billed, paid, nil
}

func (s *memStore) Exists(_ context.Context, patientID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patients[patientID], nil
}

// memSource is one ChargeSource view over memStore.records.
type memSource struct {
	store    *memStore
	kind     SourceKind
	category string
}

func (m *memSource) Kind() SourceKind  { return m.kind }
func (m *memSource) Category() string { return m.category }

func (m *memSource) ListBillable(_ context.Context, patientID uuid.UUID, _ bool) ([]*ChargeableRecord, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	var out []*ChargeableRecord
	for _, r := range m.store.records {
		if r.Kind == m.kind && r.PatientID == patientID && r.BillingReference == nil && r.ChargeCode != "" {
			r := r
			out = append(out, &r)
		}
	}
	return out, nil
}

func (m *memSource) Claim(_ context.Context, invoiceID uuid.UUID, ids []uuid.UUID) (int64, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if m.store.beforeClaim != nil {
		m.store.beforeClaim(m.store)
	}
	want := map[uuid.UUID]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var n int64
	for i := range m.store.records {
		r := &m.store.records[i]
		if want[r.ID] && r.BillingReference == nil {
			ref := invoiceID
			r.BillingReference = &ref
			n++
		}
	}
	return n, nil
}

func (m *memSource) Release(_ context.Context, invoiceID uuid.UUID) (int64, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	var n int64
	for i := range m.store.records {
		r := &m.store.records[i]
		if r.Kind == m.kind && r.BillingReference != nil && *r.BillingReference == invoiceID {
			r.BillingReference = nil
			n++
		}
	}
	return n, nil
}

type memPrices map[string]PriceQuote

func (p memPrices) Lookup(_ context.Context, codes []string) (map[string]PriceQuote, error) {
	out := map[string]PriceQuote{}
	for _, c := range codes {
		if q, ok := p[c]; ok {
			out[c] = q
		}
	}
	return out, nil
}
