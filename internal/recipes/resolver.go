package recipes

import (
	"context"
	"errors"
	"strings"

	"github.com/kitchenledger/kitchenledger/internal/shared"
)

// ItemStore is the read side of the menu item store.
type ItemStore interface {
	GetItem(ctx context.Context, id int64) (MenuItem, error)
	FindItemByName(ctx context.Context, name string) (MenuItem, error)
}

// Resolver expands a sold item into ingredient requirements.
type Resolver struct {
	items    ItemStore
	fallback []FallbackEntry
}

// NewResolver builds a Resolver. A nil fallback disables the dish table.
func NewResolver(items ItemStore, fallback []FallbackEntry) *Resolver {
	table := make([]FallbackEntry, 0, len(fallback))
	for _, entry := range fallback {
		if shared.FoldName(entry.Pattern) == "" || len(entry.Requirements) == 0 {
			continue
		}
		table = append(table, entry)
	}
	return &Resolver{items: items, fallback: table}
}

// Resolve looks the item up by id, then by name, and returns its recipe lines.
// Items without a recipe, or unknown to the store, fall back to the dish table
// keyed by the item's name.
func (r *Resolver) Resolve(ctx context.Context, ref ItemRef) (Resolution, error) {
	if ref.ID == 0 && strings.TrimSpace(ref.Name) == "" {
		return Resolution{}, ErrInvalidItemRef
	}
	item, err := r.lookup(ctx, ref)
	if err != nil && !errors.Is(err, ErrItemNotFound) {
		return Resolution{}, err
	}
	name := ref.Name
	if item != nil {
		if recipe := usableLines(item.Ingredients); len(recipe) > 0 {
			return Resolution{Item: item, Source: SourceRecipe, Requirements: recipe}, nil
		}
		name = item.Name
	}
	if lines, ok := r.matchFallback(name); ok {
		return Resolution{Item: item, Source: SourceFallback, Requirements: lines}, nil
	}
	return Resolution{Item: item}, ErrNoRecipeDefined
}

func (r *Resolver) lookup(ctx context.Context, ref ItemRef) (*MenuItem, error) {
	if r.items == nil {
		return nil, ErrItemNotFound
	}
	if ref.ID != 0 {
		item, err := r.items.GetItem(ctx, ref.ID)
		if err == nil {
			return &item, nil
		}
		if !errors.Is(err, ErrItemNotFound) {
			return nil, err
		}
	}
	if strings.TrimSpace(ref.Name) == "" {
		return nil, ErrItemNotFound
	}
	item, err := r.items.FindItemByName(ctx, ref.Name)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// matchFallback returns the first entry whose pattern contains the name or is
// contained by it.
func (r *Resolver) matchFallback(name string) ([]Line, bool) {
	folded := shared.FoldName(name)
	if folded == "" {
		return nil, false
	}
	for _, entry := range r.fallback {
		pattern := shared.FoldName(entry.Pattern)
		if strings.Contains(folded, pattern) || strings.Contains(pattern, folded) {
			out := make([]Line, len(entry.Requirements))
			copy(out, entry.Requirements)
			return out, true
		}
	}
	return nil, false
}

func usableLines(lines []Line) []Line {
	out := make([]Line, 0, len(lines))
	for _, line := range lines {
		if line.IngredientID == 0 && strings.TrimSpace(line.Name) == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}
