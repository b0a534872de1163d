package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing/internal/platform/auth"
	"github.com/ehr/billing/internal/platform/db"
	"github.com/ehr/billing/internal/platform/events"
)

// Service is the only writer of inventory stock. Every mutation takes the
// item row lock, checks, writes the new level and journals the movement in
// one unit of work.
type Service struct {
	repo Repository
	tx   db.TxRunner
	pub  events.Publisher
	log  zerolog.Logger
	now  func() time.Time
}

func NewService(repo Repository, tx db.TxRunner, pub events.Publisher, log zerolog.Logger) *Service {
	return &Service{repo: repo, tx: tx, pub: pub, log: log, now: time.Now}
}

type DispenseInput struct {
	Quantity    int        `json:"quantity" validate:"gt=0"`
	PatientID   *uuid.UUID `json:"patient_id,omitempty"`
	EncounterID *uuid.UUID `json:"encounter_id,omitempty"`
}

type DispenseResult struct {
	Item     *Item     `json:"item"`
	Movement *Movement `json:"movement"`
}

type ReceiveInput struct {
	Quantity int              `json:"quantity" validate:"gt=0"`
	UnitCost *decimal.Decimal `json:"unit_cost,omitempty"`
	Reason   string           `json:"reason,omitempty" validate:"max=255"`
}

type AdjustInput struct {
	Quantity int    `json:"quantity" validate:"gte=0"`
	Reason   string `json:"reason" validate:"required,max=255"`
}

func (s *Service) CreateItem(ctx context.Context, it *Item) error {
	it.Code = strings.TrimSpace(it.Code)
	if it.Code == "" {
		return &ValidationError{Field: "code", Message: "is required"}
	}
	if it.Stock < 0 {
		return &ValidationError{Field: "stock", Message: "must not be negative"}
	}
	if it.UnitCost.IsNegative() {
		return &ValidationError{Field: "unit_cost", Message: "must not be negative"}
	}
	return s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, it); err != nil {
			return err
		}
		if it.Stock == 0 {
			return nil
		}
		return s.repo.AppendMovement(ctx, &Movement{
			ItemCode: it.Code, Kind: MovementReceive, Delta: it.Stock, StockAfter: it.Stock,
			Reason: "opening balance", Actor: auth.UserIDFromContext(ctx),
		})
	})
}

func (s *Service) GetItem(ctx context.Context, code string) (*Item, error) {
	return s.repo.Get(ctx, code)
}

func (s *Service) ListItems(ctx context.Context, limit, offset int) ([]*Item, int, error) {
	return s.repo.List(ctx, limit, offset)
}

func (s *Service) ListMovements(ctx context.Context, code string, limit, offset int) ([]*Movement, int, error) {
	if _, err := s.repo.Get(ctx, code); err != nil {
		return nil, 0, err
	}
	return s.repo.ListMovements(ctx, code, limit, offset)
}

// Dispense removes quantity from stock. When a patient is named the dispense
// also records the pharmacy charge in the same unit of work. Asking for more
// than is on hand fails with *InsufficientStockError and changes nothing.
func (s *Service) Dispense(ctx context.Context, code string, in DispenseInput) (*DispenseResult, error) {
	if in.Quantity <= 0 {
		return nil, &ValidationError{Field: "quantity", Message: "must be greater than 0"}
	}
	if in.PatientID == nil && in.EncounterID != nil {
		return nil, &ValidationError{Field: "patient_id", Message: "is required when encounter_id is set"}
	}

	var res DispenseResult
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if in.PatientID != nil {
			ok, err := s.repo.PatientExists(ctx, *in.PatientID)
			if err != nil {
				return fmt.Errorf("check patient: %w", err)
			}
			if !ok {
				return fmt.Errorf("patient %s: %w", in.PatientID, ErrNotFound)
			}
		}

		item, err := s.repo.GetForUpdate(ctx, code)
		if err != nil {
			return err
		}
		if in.Quantity > item.Stock {
			return &InsufficientStockError{ItemCode: code, Available: item.Stock, Required: in.Quantity}
		}

		item.Stock -= in.Quantity
		if err := s.repo.SaveStock(ctx, item); err != nil {
			return fmt.Errorf("save stock: %w", err)
		}

		mv := &Movement{
			ItemCode: code, Kind: MovementDispense, Delta: -in.Quantity, StockAfter: item.Stock,
			PatientID: in.PatientID, EncounterID: in.EncounterID, Actor: auth.UserIDFromContext(ctx),
		}
		if in.PatientID != nil {
			d := &DispenseRecord{PatientID: *in.PatientID, EncounterID: in.EncounterID, ItemCode: code, Quantity: in.Quantity}
			if err := s.repo.InsertDispense(ctx, d); err != nil {
				return fmt.Errorf("record dispense: %w", err)
			}
			mv.DispenseID = &d.ID
		}
		if err := s.repo.AppendMovement(ctx, mv); err != nil {
			return fmt.Errorf("journal movement: %w", err)
		}

		res = DispenseResult{Item: item, Movement: mv}
		return nil
	})

	var short *InsufficientStockError
	if errors.As(err, &short) {
		s.log.Warn().Str("item", code).Int("available", short.Available).Int("required", short.Required).Msg("insufficient stock")
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("item", code).Int("quantity", in.Quantity).Int("stock", res.Item.Stock).Msg("stock dispensed")
	events.Emit(context.WithoutCancel(ctx), s.pub, s.log, events.StockDispensed, db.TenantFromContext(ctx), res.Movement)
	return &res, nil
}

// ReceiveStock adds delivered quantity and, if given, updates the unit cost.
func (s *Service) ReceiveStock(ctx context.Context, code string, in ReceiveInput) (*Item, error) {
	if in.Quantity <= 0 {
		return nil, &ValidationError{Field: "quantity", Message: "must be greater than 0"}
	}
	if in.UnitCost != nil && in.UnitCost.IsNegative() {
		return nil, &ValidationError{Field: "unit_cost", Message: "must not be negative"}
	}

	var item *Item
	var mv *Movement
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		if item, err = s.repo.GetForUpdate(ctx, code); err != nil {
			return err
		}
		now := s.now().UTC()
		item.Stock += in.Quantity
		item.LastRestockedAt = &now
		if in.UnitCost != nil {
			item.UnitCost = *in.UnitCost
		}
		if err := s.repo.SaveStock(ctx, item); err != nil {
			return fmt.Errorf("save stock: %w", err)
		}
		mv = &Movement{
			ItemCode: code, Kind: MovementReceive, Delta: in.Quantity, StockAfter: item.Stock,
			Reason: in.Reason, Actor: auth.UserIDFromContext(ctx),
		}
		return s.repo.AppendMovement(ctx, mv)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("item", code).Int("quantity", in.Quantity).Int("stock", item.Stock).Msg("stock received")
	events.Emit(context.WithoutCancel(ctx), s.pub, s.log, events.StockReceived, db.TenantFromContext(ctx), mv)
	return item, nil
}

// AdjustStock sets the on-hand quantity after a count. A reason is required.
func (s *Service) AdjustStock(ctx context.Context, code string, in AdjustInput) (*Item, error) {
	if in.Quantity < 0 {
		return nil, &ValidationError{Field: "quantity", Message: "must not be negative"}
	}
	if strings.TrimSpace(in.Reason) == "" {
		return nil, &ValidationError{Field: "reason", Message: "is required"}
	}

	var item *Item
	var mv *Movement
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		if item, err = s.repo.GetForUpdate(ctx, code); err != nil {
			return err
		}
		delta := in.Quantity - item.Stock
		item.Stock = in.Quantity
		if err := s.repo.SaveStock(ctx, item); err != nil {
			return fmt.Errorf("save stock: %w", err)
		}
		mv = &Movement{
			ItemCode: code, Kind: MovementAdjust, Delta: delta, StockAfter: item.Stock,
			Reason: in.Reason, Actor: auth.UserIDFromContext(ctx),
		}
		return s.repo.AppendMovement(ctx, mv)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("item", code).Int("delta", mv.Delta).Int("stock", item.Stock).Str("reason", in.Reason).Msg("stock adjusted")
	events.Emit(context.WithoutCancel(ctx), s.pub, s.log, events.StockAdjusted, db.TenantFromContext(ctx), mv)
	return item, nil
}
