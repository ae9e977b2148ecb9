// Package units normalises unit spellings and converts quantities between
// units that share a physical base.
package units

import (
	"strings"

	"golang.org/x/text/cases"
)

// Unit is one of the canonical units stock is kept in.
type Unit string

const (
	Gram       Unit = "g"
	Kilogram   Unit = "kg"
	Liter      Unit = "l"
	Milliliter Unit = "ml"
	Piece      Unit = "piece"
	// Generic is the bucket for anything that cannot be compared with the
	// other units.
	Generic Unit = "unit"
)

// Canonical lists every canonical unit in display order.
var Canonical = []Unit{Gram, Kilogram, Liter, Milliliter, Piece, Generic}

var synonyms = map[string]Unit{
	"g":           Gram,
	"gr":          Gram,
	"gram":        Gram,
	"grams":       Gram,
	"gramme":      Gram,
	"grammes":     Gram,
	"kg":          Kilogram,
	"kgs":         Kilogram,
	"kilo":        Kilogram,
	"kilos":       Kilogram,
	"kilogram":    Kilogram,
	"kilograms":   Kilogram,
	"l":           Liter,
	"lt":          Liter,
	"liter":       Liter,
	"liters":      Liter,
	"litre":       Liter,
	"litres":      Liter,
	"ml":          Milliliter,
	"milliliter":  Milliliter,
	"milliliters": Milliliter,
	"millilitre":  Milliliter,
	"millilitres": Milliliter,
	"piece":       Piece,
	"pieces":      Piece,
	"pc":          Piece,
	"pcs":         Piece,
	"slice":       Piece,
	"slices":      Piece,
	"bag":         Piece,
	"bags":        Piece,
	"unit":        Generic,
	"units":       Generic,
}

type dimension struct {
	base   Unit
	factor float64
}

// dimensions maps each canonical unit to its base and the factor that turns
// one of it into the base. Volume is based on the liter.
var dimensions = map[Unit]dimension{
	Gram:       {base: Gram, factor: 1},
	Kilogram:   {base: Gram, factor: 1000},
	Liter:      {base: Liter, factor: 1},
	Milliliter: {base: Liter, factor: 0.001},
	Piece:      {base: Piece, factor: 1},
	Generic:    {base: Generic, factor: 1},
}

// Normalize maps a raw spelling onto a canonical unit. Empty or unknown input
// yields Generic; it never fails.
func Normalize(raw string) Unit {
	key := cases.Fold().String(strings.TrimSpace(raw))
	if key == "" {
		return Generic
	}
	if u, ok := synonyms[key]; ok {
		return u
	}
	return Generic
}

// IsCanonical reports whether raw is already spelled as a canonical unit.
func IsCanonical(raw string) bool {
	_, ok := dimensions[Unit(raw)]
	return ok
}

// Base returns the base unit u is measured against.
func (u Unit) Base() Unit {
	return dimensionOf(u).base
}

// String implements fmt.Stringer.
func (u Unit) String() string {
	return string(u)
}

// Compatible reports whether a and b share a physical base.
func Compatible(a, b Unit) bool {
	return dimensionOf(a).base == dimensionOf(b).base
}

// Convert expresses quantity (given in from) in the unit to. When the units
// share a base the second return value is true. Otherwise quantity is
// returned unchanged and the caller is assumed to have expressed it in the
// target unit already; the false result lets callers surface that.
func Convert(quantity float64, from, to Unit) (float64, bool) {
	src := dimensionOf(from)
	dst := dimensionOf(to)
	if src.base != dst.base {
		return quantity, false
	}
	return quantity * src.factor / dst.factor, true
}

func dimensionOf(u Unit) dimension {
	if d, ok := dimensions[u]; ok {
		return d
	}
	return dimensions[Normalize(string(u))]
}
