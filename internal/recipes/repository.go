package recipes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository reads menu items from PostgreSQL. Recipes live in the
// ingredients JSONB column of menu_items.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const itemColumns = `id, name, category, price::text, is_available, ingredients`

// GetItem loads a menu item by id.
func (r *Repository) GetItem(ctx context.Context, id int64) (MenuItem, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM menu_items WHERE id=$1`, id)
	return scanItem(row)
}

// FindItemByName returns the best name match: an exact case-insensitive hit
// wins over a substring hit, ties broken by id.
func (r *Repository) FindItemByName(ctx context.Context, name string) (MenuItem, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM menu_items
WHERE strpos(lower(name), lower(btrim($1))) > 0
ORDER BY (lower(name) = lower(btrim($1))) DESC, id ASC
LIMIT 1`, name)
	return scanItem(row)
}

// CountIngredientReferences reports how many menu items use the ingredient.
func (r *Repository) CountIngredientReferences(ctx context.Context, ingredientID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM menu_items
WHERE ingredients @> jsonb_build_array(jsonb_build_object('ingredientId', $1::bigint))`, ingredientID).Scan(&count)
	return count, err
}

// ReferencedIngredientIDs lists every ingredient id used by some recipe.
func (r *Repository) ReferencedIngredientIDs(ctx context.Context) (map[int64]struct{}, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT (elem->>'ingredientId')::bigint
FROM menu_items, jsonb_array_elements(ingredients) AS elem
WHERE elem ? 'ingredientId'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

func scanItem(row pgx.Row) (MenuItem, error) {
	var (
		item  MenuItem
		price string
		raw   []byte
	)
	if err := row.Scan(&item.ID, &item.Name, &item.Category, &price, &item.IsAvailable, &raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MenuItem{}, ErrItemNotFound
		}
		return MenuItem{}, err
	}
	amount, err := decimal.NewFromString(price)
	if err != nil {
		return MenuItem{}, fmt.Errorf("recipes: parse price of item %d: %w", item.ID, err)
	}
	item.Price = amount
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &item.Ingredients); err != nil {
			return MenuItem{}, fmt.Errorf("recipes: decode recipe of item %d: %w", item.ID, err)
		}
	}
	return item, nil
}
