// Package daily builds per-ingredient open/purchase/dispose/usage/close
// snapshots for service days.
package daily

import (
	"fmt"
	"math"
	"time"

	"github.com/kitchenledger/kitchenledger/internal/inventory"
	"github.com/kitchenledger/kitchenledger/internal/shared"
	"github.com/kitchenledger/kitchenledger/internal/units"
)

var (
	ErrSnapshotNotFound = shared.NewError(shared.ErrNotFound, "daily: snapshot not found")
	ErrDayFinalized     = shared.NewError(shared.ErrConflict, "daily: day already finalized")
	ErrInvalidCutover   = shared.NewError(shared.ErrValidation, "daily: cutover hour must be between 0 and 23")
	ErrInvalidDate      = shared.NewError(shared.ErrValidation, "daily: date must be YYYY-MM-DD")
)

// ServiceDay maps instants onto accounting days that start at a fixed local
// hour instead of midnight.
type ServiceDay struct {
	CutoverHour int
	Location    *time.Location
}

// NewServiceDay validates the cutover hour. A nil location means time.Local.
func NewServiceDay(cutoverHour int, loc *time.Location) (ServiceDay, error) {
	if cutoverHour < 0 || cutoverHour > 23 {
		return ServiceDay{}, fmt.Errorf("%w: %d", ErrInvalidCutover, cutoverHour)
	}
	if loc == nil {
		loc = time.Local
	}
	return ServiceDay{CutoverHour: cutoverHour, Location: loc}, nil
}

func (d ServiceDay) location() *time.Location {
	if d.Location == nil {
		return time.Local
	}
	return d.Location
}

// Window returns [start, end) of the service day labelled date.
func (d ServiceDay) Window(date time.Time) (time.Time, time.Time) {
	y, m, dd := date.Date()
	loc := d.location()
	start := time.Date(y, m, dd, d.CutoverHour, 0, 0, 0, loc)
	end := time.Date(y, m, dd+1, d.CutoverHour, 0, 0, 0, loc)
	return start, end
}

// Containing returns the label of the service day t falls in.
func (d ServiceDay) Containing(t time.Time) time.Time {
	local := t.In(d.location())
	if local.Hour() < d.CutoverHour {
		local = local.AddDate(0, 0, -1)
	}
	return DateOf(local)
}

// DateOf strips t down to its calendar date, expressed at UTC midnight.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate reads a YYYY-MM-DD label.
func ParseDate(raw string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, raw)
	}
	return t, nil
}

// Row is one ingredient's line in a daily snapshot.
type Row struct {
	IngredientID int64      `json:"ingredientId" msgpack:"ingredient_id"`
	Name         string     `json:"name" msgpack:"name"`
	Unit         units.Unit `json:"unit" msgpack:"unit"`
	OpenQty      float64    `json:"openQty" msgpack:"open_qty"`
	PurchaseQty  float64    `json:"purchaseQty" msgpack:"purchase_qty"`
	DisposeQty   float64    `json:"disposeQty" msgpack:"dispose_qty"`
	UsageQty     float64    `json:"usageQty" msgpack:"usage_qty"`
	CloseQty     float64    `json:"closeQty" msgpack:"close_qty"`
}

// closeQuantity never goes below zero.
func closeQuantity(open, purchase, dispose, usage float64) float64 {
	return math.Max(open+purchase-dispose-usage, 0)
}

// Snapshot is the stored state of one service day.
type Snapshot struct {
	Date      time.Time  `json:"date" msgpack:"date"`
	Rows      []Row      `json:"rows" msgpack:"rows"`
	Finalized bool       `json:"finalized" msgpack:"finalized"`
	OpenTime  *time.Time `json:"openTime,omitempty" msgpack:"open_time"`
	CloseTime *time.Time `json:"closeTime,omitempty" msgpack:"close_time"`
	UpdatedAt time.Time  `json:"updatedAt" msgpack:"updated_at"`
}

// Label renders the snapshot date as YYYY-MM-DD.
func (s Snapshot) Label() string {
	return s.Date.UTC().Format(time.DateOnly)
}

// Report is a snapshot plus the transactions inside its window.
type Report struct {
	Snapshot
	WindowStart  time.Time                                             `json:"windowStart"`
	WindowEnd    time.Time                                             `json:"windowEnd"`
	Transactions map[inventory.TransactionKind][]inventory.Transaction `json:"transactions"`
}
