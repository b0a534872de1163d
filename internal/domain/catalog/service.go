package catalog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing/internal/platform/cache"
	"github.com/ehr/billing/internal/platform/db"
	"github.com/ehr/billing/internal/platform/events"
	"github.com/ehr/billing/internal/platform/validate"
)

type Service struct {
	repo  Repository
	tx    db.TxRunner
	cache cache.Store
	pub   events.Publisher
	log   zerolog.Logger
}

func NewService(repo Repository, tx db.TxRunner, store cache.Store, pub events.Publisher, log zerolog.Logger) *Service {
	if store == nil {
		store = cache.NopStore{}
	}
	return &Service{repo: repo, tx: tx, cache: store, pub: pub, log: log}
}

// Cache keys are tenant-qualified: schemas share one redis.
func cacheKey(ctx context.Context, code string) string {
	return db.TenantFromContext(ctx) + ":" + code
}

func normalize(e *Entry) {
	e.Code = strings.TrimSpace(e.Code)
	e.Display = strings.TrimSpace(e.Display)
	e.Category = strings.ToUpper(strings.TrimSpace(e.Category))
}

func (s *Service) Get(ctx context.Context, code string) (*Entry, error) {
	var e Entry
	if hit, err := s.cache.Get(ctx, cacheKey(ctx, code), &e); err != nil {
		s.log.Warn().Err(err).Str("code", code).Msg("catalog cache read failed")
	} else if hit {
		return &e, nil
	}

	found, err := s.repo.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	s.store(ctx, found)
	return found, nil
}

func (s *Service) store(ctx context.Context, e *Entry) {
	if err := s.cache.Set(ctx, cacheKey(ctx, e.Code), e); err != nil {
		s.log.Warn().Err(err).Str("code", e.Code).Msg("catalog cache write failed")
	}
}

// Lookup resolves codes to active entries. Unknown and inactive codes are
// absent from the result; callers decide whether that is an error.
func (s *Service) Lookup(ctx context.Context, codes []string) (map[string]*Entry, error) {
	out := make(map[string]*Entry, len(codes))
	var misses []string
	for _, code := range codes {
		if _, seen := out[code]; seen {
			continue
		}
		var e Entry
		hit, err := s.cache.Get(ctx, cacheKey(ctx, code), &e)
		if err != nil {
			s.log.Warn().Err(err).Str("code", code).Msg("catalog cache read failed")
		}
		if hit {
			out[code] = &e
			continue
		}
		misses = append(misses, code)
	}

	if len(misses) > 0 {
		found, err := s.repo.GetMany(ctx, misses)
		if err != nil {
			return nil, fmt.Errorf("load catalog entries: %w", err)
		}
		for _, e := range found {
			out[e.Code] = e
			s.store(ctx, e)
		}
	}

	for code, e := range out {
		if !e.Active {
			delete(out, code)
		}
	}
	return out, nil
}

func (s *Service) Upsert(ctx context.Context, e *Entry) error {
	normalize(e)
	if err := validate.Struct(e); err != nil {
		return err
	}
	if err := s.repo.Upsert(ctx, e); err != nil {
		return fmt.Errorf("upsert catalog entry %s: %w", e.Code, err)
	}
	s.invalidate(ctx, e.Code)
	s.log.Info().Str("code", e.Code).Str("unit_price", e.UnitPrice.String()).Msg("catalog entry saved")
	events.Emit(ctx, s.pub, s.log, events.CatalogEntrySaved, db.TenantFromContext(ctx), e)
	return nil
}

func (s *Service) invalidate(ctx context.Context, codes ...string) {
	keys := make([]string, len(codes))
	for i, c := range codes {
		keys[i] = cacheKey(ctx, c)
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.log.Warn().Err(err).Msg("catalog cache invalidation failed")
	}
}

func (s *Service) List(ctx context.Context, category string, limit, offset int) ([]*Entry, int, error) {
	return s.repo.List(ctx, strings.ToUpper(category), limit, offset)
}

// ImportError points at the offending CSV line.
type ImportError struct {
	Line int
	Err  error
}

func (e *ImportError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }
func (e *ImportError) Unwrap() error { return e.Err }

var importHeader = []string{"code", "display", "category", "unit_price", "tax_rate", "active"}

// Import upserts every row of a CSV document in one transaction. The header
// must name code, display, category and unit_price; tax_rate and active are
// optional columns.
func (s *Service) Import(ctx context.Context, r io.Reader) (int, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return 0, fmt.Errorf("read header: %w", err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range importHeader[:4] {
		if _, ok := col[required]; !ok {
			return 0, fmt.Errorf("header is missing %q column", required)
		}
	}

	var entries []*Entry
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, &ImportError{Line: line, Err: err}
		}
		e, err := parseRow(rec, col)
		if err != nil {
			return 0, &ImportError{Line: line, Err: err}
		}
		normalize(e)
		if err := validate.Struct(e); err != nil {
			return 0, &ImportError{Line: line, Err: err}
		}
		entries = append(entries, e)
	}

	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		for _, e := range entries {
			if err := s.repo.Upsert(ctx, e); err != nil {
				return fmt.Errorf("upsert %s: %w", e.Code, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	codes := make([]string, len(entries))
	for i, e := range entries {
		codes[i] = e.Code
	}
	s.invalidate(ctx, codes...)
	s.log.Info().Int("entries", len(entries)).Msg("catalog imported")
	return len(entries), nil
}

func parseRow(rec []string, col map[string]int) (*Entry, error) {
	field := func(name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	price, err := decimal.NewFromString(field("unit_price"))
	if err != nil {
		return nil, fmt.Errorf("unit_price: %w", err)
	}
	tax := decimal.Zero
	if raw := field("tax_rate"); raw != "" {
		if tax, err = decimal.NewFromString(raw); err != nil {
			return nil, fmt.Errorf("tax_rate: %w", err)
		}
	}
	active := true
	switch strings.ToLower(field("active")) {
	case "", "true", "yes", "1":
	case "false", "no", "0":
		active = false
	default:
		return nil, fmt.Errorf("active: unrecognised value %q", field("active"))
	}

	return &Entry{
		Code:      field("code"),
		Display:   field("display"),
		Category:  field("category"),
		UnitPrice: price,
		TaxRate:   tax,
		Active:    active,
	}, nil
}
