package inventory

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Item struct {
	Code            string          `json:"code"`
	Display         string          `json:"display"`
	Stock           int             `json:"stock"`
	UnitCost        decimal.Decimal `json:"unit_cost"`
	LastRestockedAt *time.Time      `json:"last_restocked_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type MovementKind string

const (
	MovementDispense MovementKind = "dispense"
	MovementReceive  MovementKind = "receive"
	MovementAdjust   MovementKind = "adjust"
)

// Movement is one append-only journal row. Delta is signed; StockAfter is the
// stock level the mutation left behind.
type Movement struct {
	ID          uuid.UUID    `json:"id"`
	ItemCode    string       `json:"item_code"`
	Kind        MovementKind `json:"kind"`
	Delta       int          `json:"delta"`
	StockAfter  int          `json:"stock_after"`
	Reason      string       `json:"reason,omitempty"`
	PatientID   *uuid.UUID   `json:"patient_id,omitempty"`
	EncounterID *uuid.UUID   `json:"encounter_id,omitempty"`
	DispenseID  *uuid.UUID   `json:"dispense_id,omitempty"`
	Actor       string       `json:"actor"`
	CreatedAt   time.Time    `json:"created_at"`
}

// DispenseRecord is the pharmacy source row a patient dispense leaves for
// billing to pick up.
type DispenseRecord struct {
	ID          uuid.UUID
	PatientID   uuid.UUID
	EncounterID *uuid.UUID
	ItemCode    string
	Quantity    int
}
