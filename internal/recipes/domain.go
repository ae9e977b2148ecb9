package recipes

import (
	"github.com/shopspring/decimal"

	"github.com/kitchenledger/kitchenledger/internal/shared"
	"github.com/kitchenledger/kitchenledger/internal/units"
)

// Source tells where a set of requirements came from.
type Source string

const (
	SourceRecipe   Source = "recipe"
	SourceFallback Source = "fallback"
)

var (
	// ErrNoRecipeDefined is returned when neither the item nor the fallback
	// table yields any requirement.
	ErrNoRecipeDefined = shared.NewError(shared.ErrUnprocessable, "recipes: no recipe defined")
	// ErrItemNotFound indicates a menu item lookup miss.
	ErrItemNotFound = shared.NewError(shared.ErrNotFound, "recipes: menu item not found")
	// ErrInvalidItemRef is returned for a reference carrying neither id nor name.
	ErrInvalidItemRef = shared.NewError(shared.ErrValidation, "recipes: item id or name required")
)

// Line is one ingredient requirement. Quantity is per one unit of the item
// sold. IngredientID is zero when only a name is known.
type Line struct {
	IngredientID int64      `json:"ingredientId,omitempty"`
	Name         string     `json:"name"`
	Quantity     float64    `json:"quantity"`
	Unit         units.Unit `json:"unit"`
}

// MenuItem is the read model of a menu item with its embedded recipe.
type MenuItem struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Category    string          `json:"category"`
	Price       decimal.Decimal `json:"price"`
	IsAvailable bool            `json:"isAvailable"`
	Ingredients []Line          `json:"ingredients"`
}

// ItemRef identifies a sold item by id, name or both.
type ItemRef struct {
	ID   int64  `json:"itemId,omitempty"`
	Name string `json:"name,omitempty"`
}

// Label returns a human readable reference for messages.
func (r ItemRef) Label() string {
	if r.Name != "" {
		return r.Name
	}
	return "item"
}

// Resolution is the outcome of resolving an item's requirements.
type Resolution struct {
	Item         *MenuItem
	Source       Source
	Requirements []Line
}

// FallbackEntry maps a dish name pattern to requirements used when a menu
// item has no recipe of its own.
type FallbackEntry struct {
	Pattern      string
	Requirements []Line
}
