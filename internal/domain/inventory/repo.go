package inventory

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, item *Item) error
	Get(ctx context.Context, code string) (*Item, error)
	// GetForUpdate holds the item row lock until the surrounding unit of work ends.
	GetForUpdate(ctx context.Context, code string) (*Item, error)
	SaveStock(ctx context.Context, item *Item) error
	List(ctx context.Context, limit, offset int) ([]*Item, int, error)

	AppendMovement(ctx context.Context, m *Movement) error
	ListMovements(ctx context.Context, code string, limit, offset int) ([]*Movement, int, error)

	InsertDispense(ctx context.Context, d *DispenseRecord) error
	PatientExists(ctx context.Context, id uuid.UUID) (bool, error)
}
