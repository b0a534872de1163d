package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/billing/internal/platform/db"
)

// sourceTable describes how one clinical table exposes chargeable rows.
type sourceTable struct {
	kind       SourceKind
	category   string
	table      string
	codeExpr   string
	qtyExpr    string
	billableIf string
}

var (
	labSource = sourceTable{
		kind:       SourceLab,
		category:   CategoryLab,
		table:      "diagnostic_report",
		codeExpr:   "code_value",
		qtyExpr:    "1",
		billableIf: "status IN ('final', 'amended', 'corrected') AND code_value IS NOT NULL",
	}
	pharmacySource = sourceTable{
		kind:       SourcePharmacy,
		category:   CategoryPharmacy,
		table:      "medication_dispense",
		codeExpr:   "item_code",
		qtyExpr:    "quantity",
		billableIf: "status = 'completed'",
	}
)

type chargeSourcePG struct {
	pool *pgxpool.Pool
	t    sourceTable
}

// NewLabSourcePG exposes finalized diagnostic reports, one unit each.
func NewLabSourcePG(pool *pgxpool.Pool) ChargeSource {
	return &chargeSourcePG{pool: pool, t: labSource}
}

// NewPharmacySourcePG exposes completed dispenses at the dispensed quantity.
func NewPharmacySourcePG(pool *pgxpool.Pool) ChargeSource {
	return &chargeSourcePG{pool: pool, t: pharmacySource}
}

func (s *chargeSourcePG) Kind() SourceKind  { return s.t.kind }
func (s *chargeSourcePG) Category() string { return s.t.category }

func (s *chargeSourcePG) ListBillable(ctx context.Context, patientID uuid.UUID, lock bool) ([]*ChargeableRecord, error) {
	q := fmt.Sprintf(`
		SELECT id, patient_id, encounter_id, %s, %s, billing_reference, created_at
		FROM %s
		WHERE patient_id = $1 AND billing_reference IS NULL AND %s
		ORDER BY created_at, id`, s.t.codeExpr, s.t.qtyExpr, s.t.table, s.t.billableIf)
	if lock {
		q += " FOR UPDATE"
	}
	rows, err := db.Conn(ctx, s.pool).Query(ctx, q, patientID)
	if err != nil {
		return nil, fmt.Errorf("list billable %s: %w", s.t.kind, err)
	}
	defer rows.Close()

	var out []*ChargeableRecord
	for rows.Next() {
		rec := ChargeableRecord{Kind: s.t.kind}
		if err := rows.Scan(&rec.ID, &rec.PatientID, &rec.EncounterID, &rec.ChargeCode, &rec.Quantity,
			&rec.BillingReference, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *chargeSourcePG) Claim(ctx context.Context, invoiceID uuid.UUID, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET billing_reference = $1
		WHERE id = ANY($2) AND billing_reference IS NULL`, s.t.table), invoiceID, ids)
	if err != nil {
		return 0, fmt.Errorf("claim %s records: %w", s.t.kind, err)
	}
	return tag.RowsAffected(), nil
}

func (s *chargeSourcePG) Release(ctx context.Context, invoiceID uuid.UUID) (int64, error) {
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET billing_reference = NULL WHERE billing_reference = $1`, s.t.table), invoiceID)
	if err != nil {
		return 0, fmt.Errorf("release %s records: %w", s.t.kind, err)
	}
	return tag.RowsAffected(), nil
}
