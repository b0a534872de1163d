package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing/internal/platform/db"
)

type invoiceRepoPG struct{ pool *pgxpool.Pool }

func NewInvoiceRepoPG(pool *pgxpool.Pool) InvoiceRepository { return &invoiceRepoPG{pool: pool} }

const invCols = `id, number, patient_id, status, total_net, total_gross, cancel_reason,
	created_by, created_at, updated_at, issued_at, cancelled_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.Number, &inv.PatientID, &inv.Status, &inv.TotalNet, &inv.TotalGross,
		&inv.CancelReason, &inv.CreatedBy, &inv.CreatedAt, &inv.UpdatedAt, &inv.IssuedAt, &inv.CancelledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *invoiceRepoPG) Create(ctx context.Context, inv *Invoice) error {
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO invoice (id, number, patient_id, status, total_net, total_gross, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		inv.ID, inv.Number, inv.PatientID, inv.Status, inv.TotalNet, inv.TotalGross, inv.CreatedBy,
	).Scan(&inv.CreatedAt, &inv.UpdatedAt)
}

func (r *invoiceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return scanInvoice(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+invCols+` FROM invoice WHERE id = $1`, id))
}

func (r *invoiceRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	if db.TxFromContext(ctx) == nil {
		return nil, errors.New("GetForUpdate requires a transaction")
	}
	return scanInvoice(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+invCols+` FROM invoice WHERE id = $1 FOR UPDATE`, id))
}

func (r *invoiceRepoPG) UpdateStatus(ctx context.Context, inv *Invoice) error {
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE invoice SET status = $2, cancel_reason = $3, issued_at = $4, cancelled_at = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		inv.ID, inv.Status, inv.CancelReason, inv.IssuedAt, inv.CancelledAt).Scan(&inv.UpdatedAt)
}

func (r *invoiceRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM invoice WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *invoiceRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Invoice, int, error) {
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM invoice WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count invoices: %w", err)
	}
	rows, err := conn.Query(ctx, `SELECT `+invCols+` FROM invoice WHERE patient_id = $1
		ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, inv)
	}
	return out, total, rows.Err()
}

// values renders "($1,$2,..),($n+1,...)" for a multi-row INSERT.
func values(rows, cols int) string {
	var b strings.Builder
	n := 1
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('(')
		for j := 0; j < cols; j++ {
			if j > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "$%d", n)
			n++
		}
		b.WriteByte(')')
	}
	return b.String()
}

func (r *invoiceRepoPG) InsertLineItems(ctx context.Context, items []*LineItem) error {
	if len(items) == 0 {
		return nil
	}
	conn := db.Conn(ctx, r.pool)

	args := make([]interface{}, 0, len(items)*12)
	var comps []*PriceComponent
	for _, li := range items {
		if li.ID == uuid.Nil {
			li.ID = uuid.New()
		}
		args = append(args, li.ID, li.InvoiceID, li.Sequence, li.Description, li.ChargeCode, li.Category,
			li.UnitPrice, li.Quantity, li.Net, li.Gross, li.SourceKind, li.SourceID)
		for _, pc := range li.Components {
			if pc.ID == uuid.Nil {
				pc.ID = uuid.New()
			}
			pc.LineItemID = li.ID
			comps = append(comps, pc)
		}
	}
	if _, err := conn.Exec(ctx, `INSERT INTO invoice_line_item
		(id, invoice_id, sequence, description, charge_code, category,
		 unit_price, quantity, net, gross, source_kind, source_id)
		VALUES `+values(len(items), 12), args...); err != nil {
		return fmt.Errorf("insert line items: %w", err)
	}

	if len(comps) == 0 {
		return nil
	}
	cargs := make([]interface{}, 0, len(comps)*7)
	for _, pc := range comps {
		cargs = append(cargs, pc.ID, pc.LineItemID, pc.Type, pc.Code, pc.Factor, pc.Amount, pc.RolledIn)
	}
	if _, err := conn.Exec(ctx, `INSERT INTO price_component
		(id, line_item_id, type, code, factor, amount, rolled_in)
		VALUES `+values(len(comps), 7), cargs...); err != nil {
		return fmt.Errorf("insert price components: %w", err)
	}
	return nil
}

func (r *invoiceRepoPG) ListLineItems(ctx context.Context, invoiceID uuid.UUID) ([]*LineItem, error) {
	conn := db.Conn(ctx, r.pool)
	rows, err := conn.Query(ctx, `
		SELECT id, invoice_id, sequence, description, charge_code, category,
			unit_price, quantity, net, gross, source_kind, source_id, created_at
		FROM invoice_line_item WHERE invoice_id = $1 ORDER BY sequence`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*LineItem
	byID := map[uuid.UUID]*LineItem{}
	for rows.Next() {
		var li LineItem
		if err := rows.Scan(&li.ID, &li.InvoiceID, &li.Sequence, &li.Description, &li.ChargeCode, &li.Category,
			&li.UnitPrice, &li.Quantity, &li.Net, &li.Gross, &li.SourceKind, &li.SourceID, &li.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &li)
		byID[li.ID] = &li
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	crows, err := conn.Query(ctx, `
		SELECT pc.id, pc.line_item_id, pc.type, pc.code, pc.factor, pc.amount, pc.rolled_in
		FROM price_component pc
		JOIN invoice_line_item li ON li.id = pc.line_item_id
		WHERE li.invoice_id = $1 ORDER BY li.sequence, pc.type`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer crows.Close()
	for crows.Next() {
		var pc PriceComponent
		if err := crows.Scan(&pc.ID, &pc.LineItemID, &pc.Type, &pc.Code, &pc.Factor, &pc.Amount, &pc.RolledIn); err != nil {
			return nil, err
		}
		if li := byID[pc.LineItemID]; li != nil {
			li.Components = append(li.Components, &pc)
		}
	}
	return out, crows.Err()
}

func (r *invoiceRepoPG) NextSequence(ctx context.Context, invoiceID uuid.UUID) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM invoice_line_item WHERE invoice_id = $1`, invoiceID).Scan(&n)
	return n, err
}

func (r *invoiceRepoPG) RecomputeTotals(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, decimal.Decimal, error) {
	var net, gross decimal.Decimal
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE invoice i SET
			total_net = s.net, total_gross = s.gross, updated_at = NOW()
		FROM (
			SELECT COALESCE(SUM(net), 0) AS net, COALESCE(SUM(gross), 0) AS gross
			FROM invoice_line_item WHERE invoice_id = $1
		) s
		WHERE i.id = $1
		RETURNING i.total_net, i.total_gross`, invoiceID).Scan(&net, &gross)
	if errors.Is(err, pgx.ErrNoRows) {
		return net, gross, ErrNotFound
	}
	return net, gross, err
}

func (r *invoiceRepoPG) AddPayment(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO payment_record (id, invoice_id, amount, method, reference, received_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		p.ID, p.InvoiceID, p.Amount, p.Method, p.Reference, p.ReceivedBy).Scan(&p.CreatedAt)
}

func (r *invoiceRepoPG) ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, invoice_id, amount, method, reference, received_by, created_at
		FROM payment_record WHERE invoice_id = $1 ORDER BY seq`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.InvoiceID, &p.Amount, &p.Method, &p.Reference, &p.ReceivedBy, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (r *invoiceRepoPG) SumPayments(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM payment_record WHERE invoice_id = $1`, invoiceID).Scan(&sum)
	return sum, err
}

func (r *invoiceRepoPG) PatientTotals(ctx context.Context, patientID uuid.UUID) (decimal.Decimal, decimal.Decimal, error) {
	var billed, paid decimal.Decimal
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT
			COALESCE(SUM(i.total_gross), 0),
			COALESCE(SUM((SELECT COALESCE(SUM(p.amount), 0) FROM payment_record p WHERE p.invoice_id = i.id)), 0)
		FROM invoice i
		WHERE i.patient_id = $1 AND i.status <> 'cancelled'`, patientID).Scan(&billed, &paid)
	return billed, paid, err
}

// subjectDirectoryPG checks the patient table owned by the registry.
type subjectDirectoryPG struct{ pool *pgxpool.Pool }

func NewSubjectDirectoryPG(pool *pgxpool.Pool) SubjectDirectory { return &subjectDirectoryPG{pool: pool} }

func (d *subjectDirectoryPG) Exists(ctx context.Context, patientID uuid.UUID) (bool, error) {
	var ok bool
	err := db.Conn(ctx, d.pool).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM patient WHERE id = $1)`, patientID).Scan(&ok)
	return ok, err
}
