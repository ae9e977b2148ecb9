package daily

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists daily snapshots in PostgreSQL, one row per date with
// the ingredient rows as JSONB.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var errRepoNotInitialised = errors.New("daily repository not initialised")

const snapshotColumns = `day, rows, finalized, open_time, close_time, updated_at`

// Get loads the snapshot for date.
func (r *Repository) Get(ctx context.Context, date time.Time) (Snapshot, error) {
	if r == nil {
		return Snapshot{}, errRepoNotInitialised
	}
	return scanSnapshot(r.pool.QueryRow(ctx, `SELECT `+snapshotColumns+` FROM daily_inventories WHERE day=$1`, DateOf(date)))
}

// Save upserts snap. The update is skipped when the stored row is finalized.
func (r *Repository) Save(ctx context.Context, snap Snapshot) (Snapshot, error) {
	if r == nil {
		return Snapshot{}, errRepoNotInitialised
	}
	rows := snap.Rows
	if rows == nil {
		rows = []Row{}
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return Snapshot{}, err
	}
	saved, err := scanSnapshot(r.pool.QueryRow(ctx, `INSERT INTO daily_inventories (day, rows, finalized, open_time, close_time, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (day) DO UPDATE SET rows=EXCLUDED.rows, finalized=EXCLUDED.finalized, open_time=EXCLUDED.open_time,
  close_time=EXCLUDED.close_time, updated_at=EXCLUDED.updated_at
WHERE daily_inventories.finalized = FALSE
RETURNING `+snapshotColumns, DateOf(snap.Date), payload, snap.Finalized, snap.OpenTime, snap.CloseTime, snap.UpdatedAt))
	if errors.Is(err, ErrSnapshotNotFound) {
		return Snapshot{}, ErrDayFinalized
	}
	return saved, err
}

func scanSnapshot(row pgx.Row) (Snapshot, error) {
	var (
		snap    Snapshot
		payload []byte
	)
	if err := row.Scan(&snap.Date, &payload, &snap.Finalized, &snap.OpenTime, &snap.CloseTime, &snap.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, ErrSnapshotNotFound
		}
		return Snapshot{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &snap.Rows); err != nil {
			return Snapshot{}, err
		}
	}
	snap.Date = DateOf(snap.Date)
	return snap, nil
}
