package inventory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memRepo is an in-memory Repository. memTx serializes units of work across
// goroutines, which stands in for the row lock, and restores the snapshot
// when a unit of work fails.
type memRepo struct {
	mu         sync.Mutex
	items      map[string]Item
	movements  []Movement
	dispenses  []DispenseRecord
	patients   map[uuid.UUID]bool
	failSave   bool
	failJournl bool
}

func newMemRepo() *memRepo {
	return &memRepo{items: map[string]Item{}, patients: map[uuid.UUID]bool{}}
}

type txKey struct{}

type memTx struct {
	repo *memRepo
	mu   sync.Mutex
}

func (t *memTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.repo
	r.mu.Lock()
	items := make(map[string]Item, len(r.items))
	for k, v := range r.items {
		items[k] = v
	}
	movements := append([]Movement(nil), r.movements...)
	dispenses := append([]DispenseRecord(nil), r.dispenses...)
	r.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		r.mu.Lock()
		r.items, r.movements, r.dispenses = items, movements, dispenses
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *memRepo) Create(_ context.Context, it *Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[it.Code]; ok {
		return ErrDuplicate
	}
	it.CreatedAt = time.Now()
	it.UpdatedAt = it.CreatedAt
	r.items[it.Code] = *it
	return nil
}

func (r *memRepo) Get(_ context.Context, code string) (*Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[code]
	if !ok {
		return nil, ErrNotFound
	}
	return &it, nil
}

func (r *memRepo) GetForUpdate(ctx context.Context, code string) (*Item, error) {
	if ctx.Value(txKey{}) == nil {
		return nil, errors.New("GetForUpdate requires a transaction")
	}
	return r.Get(ctx, code)
}

func (r *memRepo) SaveStock(_ context.Context, it *Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSave {
		return errors.New("disk full")
	}
	if it.Stock < 0 {
		return errors.New("check constraint inventory_item_stock_check")
	}
	it.UpdatedAt = time.Now()
	r.items[it.Code] = *it
	return nil
}

func (r *memRepo) List(_ context.Context, limit, offset int) ([]*Item, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Item
	for _, it := range r.items {
		it := it
		out = append(out, &it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, len(out), nil
}

func (r *memRepo) AppendMovement(_ context.Context, m *Movement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failJournl {
		return errors.New("journal unavailable")
	}
	m.ID = uuid.New()
	m.CreatedAt = time.Now()
	r.movements = append(r.movements, *m)
	return nil
}

func (r *memRepo) ListMovements(_ context.Context, code string, limit, offset int) ([]*Movement, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Movement
	for i := len(r.movements) - 1; i >= 0; i-- {
		if r.movements[i].ItemCode == code {
			m := r.movements[i]
			out = append(out, &m)
		}
	}
	return out, len(out), nil
}

func (r *memRepo) InsertDispense(_ context.Context, d *DispenseRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.ID = uuid.New()
	r.dispenses = append(r.dispenses, *d)
	return nil
}

func (r *memRepo) PatientExists(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.patients[id], nil
}

func (r *memRepo) stock(code string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items[code].Stock
}
