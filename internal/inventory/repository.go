package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kitchenledger/kitchenledger/internal/platform/db"
)

// Repository persists inventory data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

var errRepoNotInitialised = errors.New("inventory repository not initialised")

const ingredientColumns = `id, name, unit, current_stock, price_per_unit, alert_threshold, is_manually_out_of_stock,
total_purchased_quantity, total_purchased_amount, last_purchase_unit_price, created_at, updated_at`

const batchColumns = `id, ingredient_id, name, unit, previous_stock, purchased_quantity, purchased_unit_price, amount,
remaining, snapshot_date, COALESCE(payment_id::text, ''), created_at`

const transactionColumns = `id, ingredient_id, quantity, operation, kind, unit_price, amount, COALESCE(payment_id::text, ''),
reference, notes, tx_date, created_by`

// WithTx executes the callback inside a read-committed transaction. Rows are
// serialised with FOR UPDATE, so a stricter level would only add retries.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errRepoNotInitialised
	}
	return db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetIngredient loads an ingredient by id.
func (r *Repository) GetIngredient(ctx context.Context, id int64) (Ingredient, error) {
	if r == nil {
		return Ingredient{}, errRepoNotInitialised
	}
	return scanIngredient(r.pool.QueryRow(ctx, `SELECT `+ingredientColumns+` FROM ingredients WHERE id=$1`, id))
}

// FindIngredientByName prefers a case-insensitive exact match over a
// substring match.
func (r *Repository) FindIngredientByName(ctx context.Context, name string) (Ingredient, error) {
	if r == nil {
		return Ingredient{}, errRepoNotInitialised
	}
	return scanIngredient(r.pool.QueryRow(ctx, `SELECT `+ingredientColumns+` FROM ingredients
WHERE btrim($1) <> '' AND strpos(lower(name), lower(btrim($1))) > 0
ORDER BY (lower(name) = lower(btrim($1))) DESC, id ASC
LIMIT 1`, name))
}

// ListIngredients returns all ingredients ordered by name.
func (r *Repository) ListIngredients(ctx context.Context) ([]Ingredient, error) {
	if r == nil {
		return nil, errRepoNotInitialised
	}
	rows, err := r.pool.Query(ctx, `SELECT `+ingredientColumns+` FROM ingredients ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Ingredient{}
	for rows.Next() {
		ing, err := scanIngredient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ing)
	}
	return out, rows.Err()
}

// ListBatches returns every batch of an ingredient in FIFO order.
func (r *Repository) ListBatches(ctx context.Context, ingredientID int64) ([]Batch, error) {
	if r == nil {
		return nil, errRepoNotInitialised
	}
	rows, err := r.pool.Query(ctx, `SELECT `+batchColumns+` FROM purchase_batches
WHERE ingredient_id=$1 ORDER BY snapshot_date ASC, id ASC`, ingredientID)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

// ListTransactions returns log entries newest first.
func (r *Repository) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	if r == nil {
		return nil, errRepoNotInitialised
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT `+transactionColumns+` FROM inventory_transactions
WHERE ($1::bigint IS NULL OR ingredient_id = $1)
  AND ($2::text IS NULL OR kind = $2)
  AND tx_date >= COALESCE($3::timestamptz, '-infinity')
  AND tx_date < COALESCE($4::timestamptz, 'infinity')
ORDER BY tx_date DESC, id DESC
LIMIT $5`, nullInt(filter.IngredientID), nullString(string(filter.Kind)), nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Transaction{}
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.IngredientID, &t.Quantity, &t.Operation, &t.Kind, &t.UnitPrice, &t.Amount,
			&t.PaymentID, &t.Reference, &t.Notes, &t.Date, &t.CreatedBy); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SumMovements aggregates quantities per ingredient, kind and direction over
// [from, to).
func (r *Repository) SumMovements(ctx context.Context, from, to time.Time) (map[int64]Movement, error) {
	if r == nil {
		return nil, errRepoNotInitialised
	}
	rows, err := r.pool.Query(ctx, `SELECT ingredient_id,
  COALESCE(SUM(quantity) FILTER (WHERE kind = 'purchase'), 0),
  COALESCE(SUM(quantity) FILTER (WHERE kind = 'dispose'), 0),
  COALESCE(SUM(quantity) FILTER (WHERE kind = 'usage' AND operation = 'subtract'), 0),
  COALESCE(SUM(quantity) FILTER (WHERE kind = 'usage' AND operation = 'add'), 0),
  COALESCE(SUM(quantity) FILTER (WHERE kind = 'adjustment' AND operation = 'add'), 0),
  COALESCE(SUM(quantity) FILTER (WHERE kind = 'adjustment' AND operation = 'subtract'), 0)
FROM inventory_transactions
WHERE tx_date >= $1 AND tx_date < $2
GROUP BY ingredient_id`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]Movement)
	for rows.Next() {
		var (
			id int64
			m  Movement
		)
		if err := rows.Scan(&id, &m.Purchase, &m.Dispose, &m.Usage, &m.UsageReturned, &m.AdjustmentIn, &m.AdjustmentOut); err != nil {
			return nil, err
		}
		out[id] = m
	}
	return out, rows.Err()
}

func (r *txRepository) GetIngredientForUpdate(ctx context.Context, id int64) (Ingredient, error) {
	return scanIngredient(r.tx.QueryRow(ctx, `SELECT `+ingredientColumns+` FROM ingredients WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) InsertIngredient(ctx context.Context, ing Ingredient) (Ingredient, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO ingredients (name, unit, current_stock, price_per_unit, alert_threshold, is_manually_out_of_stock,
total_purchased_quantity, total_purchased_amount, last_purchase_unit_price, created_at, updated_at)
VALUES ($1,$2,0,$3,$4,$5,0,0,0,NOW(),NOW())
RETURNING `+ingredientColumns, ing.Name, string(ing.Unit), ing.PricePerUnit, ing.AlertThreshold, ing.IsManuallyOutOfStock)
	created, err := scanIngredient(row)
	if isUniqueViolation(err) {
		return Ingredient{}, ErrDuplicateIngredient
	}
	return created, err
}

func (r *txRepository) UpdateIngredient(ctx context.Context, ing Ingredient) error {
	tag, err := r.tx.Exec(ctx, `UPDATE ingredients SET name=$2, unit=$3, price_per_unit=$4, alert_threshold=$5,
is_manually_out_of_stock=$6, total_purchased_quantity=$7, total_purchased_amount=$8, last_purchase_unit_price=$9, updated_at=NOW()
WHERE id=$1`, ing.ID, ing.Name, string(ing.Unit), ing.PricePerUnit, ing.AlertThreshold, ing.IsManuallyOutOfStock,
		ing.TotalPurchasedQuantity, ing.TotalPurchasedAmount, ing.LastPurchaseUnitPrice)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateIngredient
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIngredientNotFound
	}
	return nil
}

func (r *txRepository) DeleteIngredient(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM ingredients WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIngredientNotFound
	}
	return nil
}

func (r *txRepository) DecrementStock(ctx context.Context, id int64, qty float64) (float64, error) {
	var stock float64
	err := r.tx.QueryRow(ctx, `UPDATE ingredients SET current_stock = GREATEST(current_stock - $2::float8, 0), updated_at=NOW()
WHERE id=$1 AND current_stock >= $2::float8 - $3::float8
RETURNING current_stock`, id, qty, qtyEpsilon).Scan(&stock)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ingredients WHERE id=$1)`, id).Scan(&exists); err != nil {
			return 0, err
		}
		if !exists {
			return 0, ErrIngredientNotFound
		}
		return 0, ErrInsufficientStock
	}
	return stock, err
}

func (r *txRepository) IncrementStock(ctx context.Context, id int64, qty float64) (float64, error) {
	var stock float64
	err := r.tx.QueryRow(ctx, `UPDATE ingredients SET current_stock = current_stock + $2, updated_at=NOW()
WHERE id=$1 RETURNING current_stock`, id, qty).Scan(&stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrIngredientNotFound
	}
	return stock, err
}

func (r *txRepository) InsertBatch(ctx context.Context, b Batch) (Batch, error) {
	rows, err := r.tx.Query(ctx, `INSERT INTO purchase_batches (ingredient_id, name, unit, previous_stock, purchased_quantity,
purchased_unit_price, amount, remaining, snapshot_date, payment_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW())
RETURNING `+batchColumns, b.IngredientID, b.Name, string(b.Unit), b.PreviousStock, b.PurchasedQuantity,
		b.PurchasedUnitPrice, b.Amount, b.Remaining, b.SnapshotDate, nullString(b.PaymentID))
	if err != nil {
		return Batch{}, err
	}
	batches, err := collectBatches(rows)
	if err != nil {
		return Batch{}, err
	}
	if len(batches) == 0 {
		return Batch{}, errors.New("inventory: batch insert returned no row")
	}
	return batches[0], nil
}

func (r *txRepository) ListOpenBatchesForUpdate(ctx context.Context, ingredientID int64) ([]Batch, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+batchColumns+` FROM purchase_batches
WHERE ingredient_id=$1 AND remaining > 0
ORDER BY snapshot_date ASC, id ASC
FOR UPDATE`, ingredientID)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

func (r *txRepository) UpdateBatchRemaining(ctx context.Context, id int64, remaining float64) error {
	_, err := r.tx.Exec(ctx, `UPDATE purchase_batches SET remaining=$2 WHERE id=$1`, id, remaining)
	return err
}

func (r *txRepository) RestoreBatch(ctx context.Context, id int64, qty float64) error {
	_, err := r.tx.Exec(ctx, `UPDATE purchase_batches SET remaining = LEAST(remaining + $2, purchased_quantity) WHERE id=$1`, id, qty)
	return err
}

func (r *txRepository) InsertTransaction(ctx context.Context, t Transaction) (Transaction, error) {
	date := t.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_transactions (ingredient_id, quantity, operation, kind, unit_price, amount,
payment_id, reference, notes, tx_date, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW()) RETURNING id`,
		t.IngredientID, t.Quantity, string(t.Operation), string(t.Kind), t.UnitPrice, t.Amount,
		nullString(t.PaymentID), t.Reference, t.Notes, date, t.CreatedBy).Scan(&t.ID)
	t.Date = date
	return t, err
}

func scanIngredient(row pgx.Row) (Ingredient, error) {
	var ing Ingredient
	err := row.Scan(&ing.ID, &ing.Name, &ing.Unit, &ing.CurrentStock, &ing.PricePerUnit, &ing.AlertThreshold,
		&ing.IsManuallyOutOfStock, &ing.TotalPurchasedQuantity, &ing.TotalPurchasedAmount, &ing.LastPurchaseUnitPrice,
		&ing.CreatedAt, &ing.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Ingredient{}, ErrIngredientNotFound
		}
		return Ingredient{}, err
	}
	return ing, nil
}

func collectBatches(rows pgx.Rows) ([]Batch, error) {
	defer rows.Close()
	out := []Batch{}
	for rows.Next() {
		var b Batch
		if err := rows.Scan(&b.ID, &b.IngredientID, &b.Name, &b.Unit, &b.PreviousStock, &b.PurchasedQuantity,
			&b.PurchasedUnitPrice, &b.Amount, &b.Remaining, &b.SnapshotDate, &b.PaymentID, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
