package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/billing/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const entryCols = `code, display, category, unit_price, tax_rate, active, updated_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	if err := row.Scan(&e.Code, &e.Display, &e.Category, &e.UnitPrice, &e.TaxRate, &e.Active, &e.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (r *repoPG) Get(ctx context.Context, code string) (*Entry, error) {
	return scanEntry(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+entryCols+` FROM price_catalog WHERE code = $1`, code))
}

func (r *repoPG) GetMany(ctx context.Context, codes []string) ([]*Entry, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+entryCols+` FROM price_catalog WHERE code = ANY($1)`, codes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *repoPG) Upsert(ctx context.Context, e *Entry) error {
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO price_catalog (code, display, category, unit_price, tax_rate, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code) DO UPDATE SET
			display = EXCLUDED.display,
			category = EXCLUDED.category,
			unit_price = EXCLUDED.unit_price,
			tax_rate = EXCLUDED.tax_rate,
			active = EXCLUDED.active,
			updated_at = NOW()
		RETURNING updated_at`,
		e.Code, e.Display, e.Category, e.UnitPrice, e.TaxRate, e.Active).Scan(&e.UpdatedAt)
}

func (r *repoPG) List(ctx context.Context, category string, limit, offset int) ([]*Entry, int, error) {
	conn := db.Conn(ctx, r.pool)

	var total int
	if err := conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM price_catalog WHERE ($1 = '' OR category = $1)`, category).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count catalog: %w", err)
	}

	rows, err := conn.Query(ctx, `SELECT `+entryCols+` FROM price_catalog
		WHERE ($1 = '' OR category = $1) ORDER BY code LIMIT $2 OFFSET $3`, category, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}
