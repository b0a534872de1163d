package integration

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing/internal/domain/billing"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestBilling_GenerateScenario(t *testing.T) {
	s := newStack(t)
	ctx := s.scope(t)
	s.price(t, ctx, "CBC", "LAB", "180.00")
	s.price(t, ctx, "RX-PARA500", "PHARMACY", "5.00")
	p := s.patient(t, ctx)
	lab := s.labReport(t, ctx, p, "CBC")
	rx := s.dispenseRecord(t, ctx, p, "RX-PARA500", 10)

	inv, err := s.billing.GenerateFromPendingOrders(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if len(inv.LineItems) != 2 || !inv.TotalNet.Equal(dec("230.00")) || !inv.TotalGross.Equal(dec("230.00")) {
		t.Fatalf("expected 2 lines totalling 230.00, got %d lines net %s gross %s",
			len(inv.LineItems), inv.TotalNet, inv.TotalGross)
	}

	stored, err := s.billing.GetInvoice(ctx, inv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.TotalNet.Equal(dec("230.00")) || len(stored.LineItems) != 2 {
		t.Errorf("persisted invoice differs: net %s lines %d", stored.TotalNet, len(stored.LineItems))
	}
	if ref := billingRef(t, ctx, "diagnostic_report", lab); ref == nil || *ref != inv.ID {
		t.Errorf("lab report should reference %s, got %v", inv.ID, ref)
	}
	if ref := billingRef(t, ctx, "medication_dispense", rx); ref == nil || *ref != inv.ID {
		t.Errorf("dispense should reference %s, got %v", inv.ID, ref)
	}

	if _, err := s.billing.GenerateFromPendingOrders(ctx, p); !errors.Is(err, billing.ErrNothingToBill) {
		t.Errorf("second generation should have nothing to bill, got %v", err)
	}
}

func TestBilling_ConcurrentGenerationBillsOnce(t *testing.T) {
	s := newStack(t)
	ctx := s.scope(t)
	s.price(t, ctx, "CBC", "LAB", "180.00")
	s.price(t, ctx, "RX-PARA500", "PHARMACY", "5.00")
	p := s.patient(t, ctx)
	for i := 0; i < 5; i++ {
		s.labReport(t, ctx, p, "CBC")
		s.dispenseRecord(t, ctx, p, "RX-PARA500", i+1)
	}

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		invoices []*billing.Invoice
		noop     int
		failures []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wctx := s.scope(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			inv, err := s.billing.GenerateFromPendingOrders(wctx, p)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				invoices = append(invoices, inv)
			case errors.Is(err, billing.ErrNothingToBill):
				noop++
			default:
				failures = append(failures, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(failures) > 0 {
		t.Fatalf("unexpected errors: %v", failures)
	}
	if len(invoices) != 1 || noop != workers-1 {
		t.Fatalf("expected 1 invoice and %d no-ops, got %d and %d", workers-1, len(invoices), noop)
	}
	// 5 x 180.00 + (1+2+3+4+5) x 5.00
	if !invoices[0].TotalNet.Equal(dec("975.00")) || len(invoices[0].LineItems) != 10 {
		t.Errorf("unexpected invoice: net %s lines %d", invoices[0].TotalNet, len(invoices[0].LineItems))
	}
	if n := count(t, ctx, `SELECT COUNT(*) FROM invoice`); n != 1 {
		t.Errorf("expected 1 invoice row, got %d", n)
	}
	if n := count(t, ctx, `SELECT COUNT(*) FROM invoice_line_item`); n != 10 {
		t.Errorf("expected 10 line rows, got %d", n)
	}
	if n := count(t, ctx, `SELECT COUNT(*) FROM diagnostic_report WHERE billing_reference IS NULL`); n != 0 {
		t.Errorf("%d lab reports left unbilled", n)
	}
}

func TestBilling_CancelUnlinksAndRegenerates(t *testing.T) {
	s := newStack(t)
	ctx := s.scope(t)
	s.price(t, ctx, "CBC", "LAB", "180.00")
	p := s.patient(t, ctx)
	lab := s.labReport(t, ctx, p, "CBC")

	first, err := s.billing.GenerateFromPendingOrders(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.billing.CancelInvoice(ctx, first.ID, "wrong encounter"); err != nil {
		t.Fatal(err)
	}
	if ref := billingRef(t, ctx, "diagnostic_report", lab); ref != nil {
		t.Fatalf("cancel should clear the back-reference, got %v", ref)
	}

	second, err := s.billing.GenerateFromPendingOrders(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID == first.ID {
		t.Fatal("regeneration must create a new invoice")
	}
	if ref := billingRef(t, ctx, "diagnostic_report", lab); ref == nil || *ref != second.ID {
		t.Errorf("record should now reference %s, got %v", second.ID, ref)
	}

	sum, err := s.billing.Summary(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if !sum.BilledTotal.Equal(dec("180.00")) || !sum.UnbilledTotal.IsZero() {
		t.Errorf("cancelled invoice must not count: billed %s unbilled %s", sum.BilledTotal, sum.UnbilledTotal)
	}
}

func TestBilling_LabReportWithoutCodeIsIgnored(t *testing.T) {
	s := newStack(t)
	ctx := s.scope(t)
	s.price(t, ctx, "CBC", "LAB", "180.00")
	p := s.patient(t, ctx)
	uncoded := s.labReport(t, ctx, p, "")

	sum, err := s.billing.Summary(ctx, p)
	if err != nil {
		t.Fatalf("summary with an uncoded report: %v", err)
	}
	if !sum.UnbilledLab.IsZero() || sum.UnpricedRecords != 0 {
		t.Errorf("uncoded report counted: lab %s unpriced %d", sum.UnbilledLab, sum.UnpricedRecords)
	}
	if _, err := s.billing.GenerateFromPendingOrders(ctx, p); !errors.Is(err, billing.ErrNothingToBill) {
		t.Fatalf("expected nothing to bill, got %v", err)
	}

	s.labReport(t, ctx, p, "CBC")
	inv, err := s.billing.GenerateFromPendingOrders(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if len(inv.LineItems) != 1 {
		t.Errorf("expected only the coded report billed, got %d lines", len(inv.LineItems))
	}
	if ref := billingRef(t, ctx, "diagnostic_report", uncoded); ref != nil {
		t.Errorf("uncoded report must stay unbilled, got %v", ref)
	}
}

func TestBilling_MissingPriceRollsBack(t *testing.T) {
	s := newStack(t)
	ctx := s.scope(t)
	s.price(t, ctx, "CBC", "LAB", "180.00")
	p := s.patient(t, ctx)
	s.labReport(t, ctx, p, "CBC")
	s.labReport(t, ctx, p, "NOT-IN-CATALOG")

	if _, err := s.billing.GenerateFromPendingOrders(ctx, p); !errors.Is(err, billing.ErrConsistency) {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}
	if n := count(t, ctx, `SELECT COUNT(*) FROM invoice`); n != 0 {
		t.Errorf("expected no invoice rows after rollback, got %d", n)
	}
	if n := count(t, ctx, `SELECT COUNT(*) FROM diagnostic_report WHERE billing_reference IS NOT NULL`); n != 0 {
		t.Errorf("expected no claimed reports after rollback, got %d", n)
	}
}

func TestBilling_PaymentsAgainstDatabase(t *testing.T) {
	s := newStack(t)
	ctx := s.scope(t)
	s.price(t, ctx, "CBC", "LAB", "180.00")
	p := s.patient(t, ctx)
	s.labReport(t, ctx, p, "CBC")
	inv, err := s.billing.GenerateFromPendingOrders(ctx, p)
	if err != nil {
		t.Fatal(err)
	}

	var verr *billing.ValidationError
	if _, err := s.billing.RecordPayment(ctx, inv.ID, billing.PaymentInput{Amount: dec("0.004"), Method: "cash"}); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for a sub-cent payment, got %v", err)
	}

	got, err := s.billing.RecordPayment(ctx, inv.ID, billing.PaymentInput{Amount: dec("100.00"), Method: "card"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != billing.StatusDraft {
		t.Errorf("partial payment should not balance, got %s", got.Status)
	}
	got, err = s.billing.RecordPayment(ctx, inv.ID, billing.PaymentInput{Amount: dec("90.00"), Method: "cash"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != billing.StatusBalanced || !got.Paid.Equal(dec("190.00")) || len(got.Payments) != 2 {
		t.Errorf("expected balanced with 190.00 paid over 2 payments, got %s %s %d", got.Status, got.Paid, len(got.Payments))
	}
	if err := s.billing.DeleteInvoice(ctx, inv.ID); !errors.Is(err, billing.ErrInvalidTransition) {
		t.Errorf("paid invoice must not be deletable, got %v", err)
	}
	if _, err := s.billing.GetInvoice(ctx, uuid.New()); !errors.Is(err, billing.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
