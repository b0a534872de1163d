package catalog

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("catalog entry not found")

type Repository interface {
	Get(ctx context.Context, code string) (*Entry, error)
	GetMany(ctx context.Context, codes []string) ([]*Entry, error)
	Upsert(ctx context.Context, e *Entry) error
	List(ctx context.Context, category string, limit, offset int) ([]*Entry, int, error)
}
