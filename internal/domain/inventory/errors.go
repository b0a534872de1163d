package inventory

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("inventory item not found")
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrDuplicate         = errors.New("inventory item already exists")
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Message }
func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientStockError reports what was on hand versus what was asked for.
type InsufficientStockError struct {
	ItemCode  string
	Available int
	Required  int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available %d, required %d", e.ItemCode, e.Available, e.Required)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }
