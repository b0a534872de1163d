package catalog

import (
	"time"

	"github.com/shopspring/decimal"
)

// Entry prices one chargeable code. TaxRate is a fraction (0.05 = 5%).
type Entry struct {
	Code      string          `json:"code" validate:"required,max=64"`
	Display   string          `json:"display" validate:"required,max=255"`
	Category  string          `json:"category" validate:"required,max=32"`
	UnitPrice decimal.Decimal `json:"unit_price" validate:"gte=0"`
	TaxRate   decimal.Decimal `json:"tax_rate" validate:"gte=0,lte=1"`
	Active    bool            `json:"active"`
	UpdatedAt time.Time       `json:"updated_at"`
}
