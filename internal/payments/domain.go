// Package payments records ingredient purchase payments and feeds each
// purchased line into the inventory ledger.
package payments

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/kitchenledger/kitchenledger/internal/shared"
	"github.com/kitchenledger/kitchenledger/internal/units"
)

// Status of a payment.
type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusPaid
}

// Line is one purchased ingredient.
type Line struct {
	IngredientID int64           `json:"ingredientId"`
	Name         string          `json:"name"`
	Unit         units.Unit      `json:"unit"`
	Quantity     float64         `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unitPrice"`
	Amount       decimal.Decimal `json:"amount"`
}

// Purchase is a payment for one or more ingredient lines.
type Purchase struct {
	ID        string          `json:"id"`
	Lines     []Line          `json:"lines"`
	Amount    decimal.Decimal `json:"amount"`
	Status    Status          `json:"status"`
	Notes     string          `json:"notes,omitempty"`
	PaidOn    time.Time       `json:"paidOn"`
	CreatedBy string          `json:"createdBy,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Summary lists purchases of a period with their total.
type Summary struct {
	From      time.Time       `json:"from"`
	To        time.Time       `json:"to"`
	Count     int             `json:"count"`
	Total     decimal.Decimal `json:"total"`
	Purchases []Purchase      `json:"purchases"`
}

var (
	ErrPaymentNotFound = shared.NewError(shared.ErrNotFound, "payments: payment not found")
	ErrNoLines         = shared.NewError(shared.ErrValidation, "payments: at least one ingredient line is required")
	ErrInvalidStatus   = shared.NewError(shared.ErrValidation, "payments: status must be pending or paid")
	ErrInvalidID       = shared.NewError(shared.ErrValidation, "payments: id must be a uuid")
)
