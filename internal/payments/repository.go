package payments

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgRepository stores payments in PostgreSQL with the lines as JSONB.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

var errRepoNotInitialised = errors.New("payments repository not initialised")

const paymentColumns = `id::text, lines, amount, status, notes, paid_on, created_by, created_at, updated_at`

// Insert stores a purchase payment.
func (r *PgRepository) Insert(ctx context.Context, p Purchase) (Purchase, error) {
	if r == nil {
		return Purchase{}, errRepoNotInitialised
	}
	lines, err := json.Marshal(p.Lines)
	if err != nil {
		return Purchase{}, err
	}
	return scanPurchase(r.pool.QueryRow(ctx, `INSERT INTO payments (id, kind, lines, amount, status, notes, paid_on, created_by, created_at, updated_at)
VALUES ($1::uuid, 'purchase', $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING `+paymentColumns, p.ID, lines, p.Amount, string(p.Status), p.Notes, p.PaidOn, p.CreatedBy, p.CreatedAt, p.UpdatedAt))
}

// Get loads a purchase payment by id.
func (r *PgRepository) Get(ctx context.Context, id string) (Purchase, error) {
	if r == nil {
		return Purchase{}, errRepoNotInitialised
	}
	return scanPurchase(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1::uuid AND kind='purchase'`, id))
}

// List returns purchase payments within [from, to), newest first.
func (r *PgRepository) List(ctx context.Context, from, to time.Time) ([]Purchase, error) {
	if r == nil {
		return nil, errRepoNotInitialised
	}
	rows, err := r.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments
WHERE kind='purchase' AND paid_on >= $1 AND paid_on < $2
ORDER BY paid_on DESC, created_at DESC`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Purchase{}
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateStatus changes the status of a purchase payment.
func (r *PgRepository) UpdateStatus(ctx context.Context, id string, status Status) (Purchase, error) {
	if r == nil {
		return Purchase{}, errRepoNotInitialised
	}
	return scanPurchase(r.pool.QueryRow(ctx, `UPDATE payments SET status=$2, updated_at=NOW()
WHERE id=$1::uuid AND kind='purchase'
RETURNING `+paymentColumns, id, string(status)))
}

func scanPurchase(row pgx.Row) (Purchase, error) {
	var (
		p     Purchase
		lines []byte
	)
	if err := row.Scan(&p.ID, &lines, &p.Amount, &p.Status, &p.Notes, &p.PaidOn, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Purchase{}, ErrPaymentNotFound
		}
		return Purchase{}, err
	}
	if len(lines) > 0 {
		if err := json.Unmarshal(lines, &p.Lines); err != nil {
			return Purchase{}, err
		}
	}
	return p, nil
}
