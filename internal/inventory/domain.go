package inventory

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kitchenledger/kitchenledger/internal/shared"
	"github.com/kitchenledger/kitchenledger/internal/units"
)

// TransactionKind enumerates stock-affecting events.
type TransactionKind string

const (
	KindPurchase   TransactionKind = "purchase"
	KindDispose    TransactionKind = "dispose"
	KindUsage      TransactionKind = "usage"
	KindAdjustment TransactionKind = "adjustment"
)

// Operation is the direction of a transaction.
type Operation string

const (
	OpAdd      Operation = "add"
	OpSubtract Operation = "subtract"
)

// Ingredient is the authoritative stock record of one ingredient.
type Ingredient struct {
	ID                     int64           `json:"id"`
	Name                   string          `json:"name"`
	Unit                   units.Unit      `json:"unit"`
	CurrentStock           float64         `json:"currentStock"`
	PricePerUnit           decimal.Decimal `json:"pricePerUnit"`
	AlertThreshold         float64         `json:"alertThreshold"`
	IsManuallyOutOfStock   bool            `json:"isManuallyOutOfStock"`
	TotalPurchasedQuantity float64         `json:"totalPurchasedQuantity"`
	TotalPurchasedAmount   decimal.Decimal `json:"totalPurchasedAmount"`
	LastPurchaseUnitPrice  decimal.Decimal `json:"lastPurchaseUnitPrice"`
	CreatedAt              time.Time       `json:"createdAt"`
	UpdatedAt              time.Time       `json:"updatedAt"`
}

// Available is the quantity availability checks compare against. The manual
// out-of-stock flag forces it to zero.
func (i Ingredient) Available() float64 {
	if i.IsManuallyOutOfStock {
		return 0
	}
	return i.CurrentStock
}

// Batch is a purchase snapshot consumed oldest-first on usage.
type Batch struct {
	ID                 int64           `json:"id"`
	IngredientID       int64           `json:"ingredientId"`
	Name               string          `json:"name"`
	Unit               units.Unit      `json:"unit"`
	PreviousStock      float64         `json:"previousStock"`
	PurchasedQuantity  float64         `json:"purchasedQuantity"`
	PurchasedUnitPrice decimal.Decimal `json:"purchasedUnitPrice"`
	Amount             decimal.Decimal `json:"amount"`
	Remaining          float64         `json:"remaining"`
	SnapshotDate       time.Time       `json:"snapshotDate"`
	PaymentID          string          `json:"paymentId,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
}

// Transaction is an immutable entry of the transaction log.
type Transaction struct {
	ID           int64           `json:"id"`
	IngredientID int64           `json:"ingredientId"`
	Quantity     float64         `json:"quantity"`
	Operation    Operation       `json:"operation"`
	Kind         TransactionKind `json:"kind"`
	UnitPrice    decimal.Decimal `json:"unitPrice"`
	Amount       decimal.Decimal `json:"amount"`
	PaymentID    string          `json:"paymentId,omitempty"`
	Reference    string          `json:"reference,omitempty"`
	Notes        string          `json:"notes,omitempty"`
	Date         time.Time       `json:"date"`
	CreatedBy    string          `json:"createdBy,omitempty"`
}

// TransactionFilter narrows transaction listings. Zero values are ignored;
// To is exclusive.
type TransactionFilter struct {
	IngredientID int64
	Kind         TransactionKind
	From         time.Time
	To           time.Time
	Limit        int
}

// Movement sums the quantities one ingredient moved within a window.
type Movement struct {
	Purchase      float64
	Dispose       float64
	Usage         float64
	UsageReturned float64
	AdjustmentIn  float64
	AdjustmentOut float64
}

// StockStatus classifies an ingredient for the status board.
type StockStatus string

const (
	StatusOut StockStatus = "out"
	StatusLow StockStatus = "low"
	StatusOK  StockStatus = "ok"
)

// IngredientStatus pairs an ingredient with its status.
type IngredientStatus struct {
	Ingredient
	Status StockStatus `json:"status"`
}

// ShortageReason tells why a requirement cannot be covered.
type ShortageReason string

const (
	ReasonNotFound     ShortageReason = "not_found"
	ReasonOutOfStock   ShortageReason = "out_of_stock"
	ReasonInsufficient ShortageReason = "insufficient"
)

// Shortage describes one uncovered requirement.
type Shortage struct {
	IngredientID int64          `json:"ingredientId,omitempty"`
	Name         string         `json:"name"`
	Reason       ShortageReason `json:"reason"`
	Required     float64        `json:"required"`
	Available    float64        `json:"available"`
	Unit         units.Unit     `json:"unit"`
}

// Message renders the shortage for display.
func (s Shortage) Message() string {
	switch s.Reason {
	case ReasonNotFound:
		return fmt.Sprintf("%s (not found)", s.Name)
	case ReasonOutOfStock:
		return fmt.Sprintf("%s (out of stock, need %s %s)", s.Name, formatQty(s.Required), s.Unit)
	default:
		return fmt.Sprintf("%s (need %s %s, have %s %s)", s.Name, formatQty(s.Required), s.Unit, formatQty(s.Available), s.Unit)
	}
}

var (
	ErrIngredientNotFound   = shared.NewError(shared.ErrNotFound, "inventory: ingredient not found")
	ErrInsufficientStock    = shared.NewError(shared.ErrUnprocessable, "inventory: insufficient stock")
	ErrPartialOrder         = shared.NewError(shared.ErrUnprocessable, "inventory: order partially applied")
	ErrDuplicateIngredient  = shared.NewError(shared.ErrConflict, "inventory: ingredient name already exists")
	ErrIngredientReferenced = shared.NewError(shared.ErrConflict, "inventory: ingredient is referenced by a recipe")
	ErrInvalidQuantity      = shared.NewError(shared.ErrValidation, "inventory: quantity must be positive")
	ErrInvalidUnitPrice     = shared.NewError(shared.ErrValidation, "inventory: unit price must be positive")
	ErrInvalidName          = shared.NewError(shared.ErrValidation, "inventory: name required")
	ErrInvalidOperation     = shared.NewError(shared.ErrValidation, "inventory: operation must be add or subtract")
)

// ShortageError carries every shortage found by an availability check.
type ShortageError struct {
	Shortages []Shortage
}

func (e *ShortageError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, s.Message())
	}
	return "cannot fulfill, missing/insufficient: " + strings.Join(parts, ", ")
}

// Unwrap lets errors.Is match ErrInsufficientStock.
func (e *ShortageError) Unwrap() error { return ErrInsufficientStock }

// SaleError reports why a sale was not applied.
type SaleError struct {
	Errors []string
	// Committed lists ingredient changes left applied because compensation
	// failed. Empty unless the cause is ErrPartialOrder.
	Committed []IngredientUsage
	cause     error
}

func (e *SaleError) Error() string {
	return fmt.Sprintf("sale failed: %s", strings.Join(e.Errors, "; "))
}

func (e *SaleError) Unwrap() error { return e.cause }

func formatQty(v float64) string {
	return decimal.NewFromFloat(v).Round(3).String()
}

// isNotFound reports lookup misses from any layer.
func isNotFound(err error) bool {
	return errors.Is(err, ErrIngredientNotFound)
}
