package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/billing/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const itemCols = `code, display, stock, unit_cost, last_restocked_at, created_at, updated_at`

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	err := row.Scan(&it.Code, &it.Display, &it.Stock, &it.UnitCost, &it.LastRestockedAt, &it.CreatedAt, &it.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (r *repoPG) Create(ctx context.Context, it *Item) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO inventory_item (code, display, stock, unit_cost, last_restocked_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		it.Code, it.Display, it.Stock, it.UnitCost, it.LastRestockedAt).Scan(&it.CreatedAt, &it.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (r *repoPG) Get(ctx context.Context, code string) (*Item, error) {
	return scanItem(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+itemCols+` FROM inventory_item WHERE code = $1`, code))
}

func (r *repoPG) GetForUpdate(ctx context.Context, code string) (*Item, error) {
	if db.TxFromContext(ctx) == nil {
		return nil, errors.New("GetForUpdate requires a transaction")
	}
	return scanItem(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+itemCols+` FROM inventory_item WHERE code = $1 FOR UPDATE`, code))
}

func (r *repoPG) SaveStock(ctx context.Context, it *Item) error {
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE inventory_item
		SET stock = $2, unit_cost = $3, last_restocked_at = $4, updated_at = NOW()
		WHERE code = $1
		RETURNING updated_at`,
		it.Code, it.Stock, it.UnitCost, it.LastRestockedAt).Scan(&it.UpdatedAt)
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Item, int, error) {
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM inventory_item`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count items: %w", err)
	}
	rows, err := conn.Query(ctx, `SELECT `+itemCols+` FROM inventory_item ORDER BY code LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, it)
	}
	return out, total, rows.Err()
}

func (r *repoPG) AppendMovement(ctx context.Context, m *Movement) error {
	m.ID = uuid.New()
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO inventory_movement
			(id, item_code, kind, delta, stock_after, reason, patient_id, encounter_id, dispense_id, actor)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`,
		m.ID, m.ItemCode, m.Kind, m.Delta, m.StockAfter, m.Reason,
		m.PatientID, m.EncounterID, m.DispenseID, m.Actor).Scan(&m.CreatedAt)
}

func (r *repoPG) ListMovements(ctx context.Context, code string, limit, offset int) ([]*Movement, int, error) {
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM inventory_movement WHERE item_code = $1`, code).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count movements: %w", err)
	}

	rows, err := conn.Query(ctx, `
		SELECT id, item_code, kind, delta, stock_after, reason, patient_id, encounter_id, dispense_id, actor, created_at
		FROM inventory_movement WHERE item_code = $1
		ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, code, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Movement
	for rows.Next() {
		var m Movement
		if err := rows.Scan(&m.ID, &m.ItemCode, &m.Kind, &m.Delta, &m.StockAfter, &m.Reason,
			&m.PatientID, &m.EncounterID, &m.DispenseID, &m.Actor, &m.CreatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, &m)
	}
	return out, total, rows.Err()
}

func (r *repoPG) InsertDispense(ctx context.Context, d *DispenseRecord) error {
	d.ID = uuid.New()
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO medication_dispense (id, patient_id, encounter_id, item_code, quantity, status)
		VALUES ($1, $2, $3, $4, $5, 'completed')`,
		d.ID, d.PatientID, d.EncounterID, d.ItemCode, d.Quantity)
	return err
}

func (r *repoPG) PatientExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patient WHERE id = $1)`, id).Scan(&ok)
	return ok, err
}
