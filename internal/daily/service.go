package daily

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kitchenledger/kitchenledger/internal/inventory"
)

// drillDownLimit caps the transactions returned with a report.
const drillDownLimit = 1000

// reversalHorizon pads "now" when undoing movements since a window start.
const reversalHorizon = time.Hour

// InventorySource is the read side of the ingredient ledger and transaction
// log the builder depends on.
type InventorySource interface {
	ListIngredients(ctx context.Context) ([]inventory.Ingredient, error)
	SumMovements(ctx context.Context, from, to time.Time) (map[int64]inventory.Movement, error)
	ListTransactions(ctx context.Context, filter inventory.TransactionFilter) ([]inventory.Transaction, error)
}

// Store persists one snapshot per date.
type Store interface {
	// Get returns ErrSnapshotNotFound when no snapshot exists.
	Get(ctx context.Context, date time.Time) (Snapshot, error)
	// Save upserts a snapshot unless the stored one is finalized, in which
	// case it returns ErrDayFinalized.
	Save(ctx context.Context, snap Snapshot) (Snapshot, error)
}

// SnapshotCache holds finalized snapshots.
type SnapshotCache interface {
	Get(ctx context.Context, date time.Time) (Snapshot, bool, error)
	Set(ctx context.Context, snap Snapshot) error
}

// Service runs the open/build/close lifecycle of service days.
type Service struct {
	store     Store
	inventory InventorySource
	cache     SnapshotCache
	day       ServiceDay
	logger    *slog.Logger
	now       func() time.Time
	group     singleflight.Group
}

// NewService constructs the daily snapshot service. cache may be nil.
func NewService(store Store, inv InventorySource, day ServiceDay, cache SnapshotCache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		inventory: inv,
		cache:     cache,
		day:       day,
		logger:    logger,
		now:       time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Today returns the label of the service day in progress.
func (s *Service) Today() time.Time {
	return s.day.Containing(s.now())
}

// OpenDay snapshots opening quantities. An existing snapshot with rows is
// returned unchanged apart from recording the open time once.
func (s *Service) OpenDay(ctx context.Context, date time.Time) (Snapshot, error) {
	date = DateOf(date)
	existing, found, err := s.load(ctx, date)
	if err != nil {
		return Snapshot{}, err
	}
	if found && (existing.Finalized || len(existing.Rows) > 0) {
		if existing.Finalized || existing.OpenTime != nil {
			return existing, nil
		}
		if at := s.instantWithin(date); at != nil {
			existing.OpenTime = at
			return s.save(ctx, existing)
		}
		return existing, nil
	}

	var (
		ingredients []inventory.Ingredient
		prevClose   map[int64]float64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ingredients, err = s.inventory.ListIngredients(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		prevClose, err = s.previousClose(gctx, date)
		return err
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}

	rows := make([]Row, 0, len(ingredients))
	for _, ing := range ingredients {
		open, ok := prevClose[ing.ID]
		if !ok {
			open = ing.CurrentStock
		}
		rows = append(rows, Row{
			IngredientID: ing.ID,
			Name:         ing.Name,
			Unit:         ing.Unit,
			OpenQty:      open,
			CloseQty:     closeQuantity(open, 0, 0, 0),
		})
	}
	snap := existing
	snap.Date = date
	snap.Rows = rows
	if snap.OpenTime == nil {
		snap.OpenTime = s.instantWithin(date)
	}
	saved, err := s.save(ctx, snap)
	if err != nil {
		return Snapshot{}, err
	}
	s.logger.Info("service day opened", slog.String("date", saved.Label()), slog.Int("rows", len(saved.Rows)))
	return saved, nil
}

// BuildFromTransactions recomputes a non-finalized snapshot from the
// transaction log. Finalized snapshots are returned untouched.
func (s *Service) BuildFromTransactions(ctx context.Context, date time.Time) (Snapshot, error) {
	date = DateOf(date)
	return s.coalesce(ctx, "build:"+date.Format(time.DateOnly), func(ctx context.Context) (Snapshot, error) {
		return s.rebuild(ctx, date, false)
	})
}

// CloseDay builds the snapshot one last time and finalizes it. Closing a
// finalized day returns the stored snapshot.
func (s *Service) CloseDay(ctx context.Context, date time.Time) (Snapshot, error) {
	date = DateOf(date)
	snap, err := s.coalesce(ctx, "close:"+date.Format(time.DateOnly), func(ctx context.Context) (Snapshot, error) {
		return s.rebuild(ctx, date, true)
	})
	if err != nil {
		return Snapshot{}, err
	}
	s.remember(ctx, snap)
	s.logger.Info("service day closed", slog.String("date", snap.Label()), slog.Int("rows", len(snap.Rows)))
	return snap, nil
}

// GetDaily returns the snapshot for date with the window's transactions
// grouped by kind. Days before the current service day are finalized on
// read.
func (s *Service) GetDaily(ctx context.Context, date time.Time) (Report, error) {
	date = DateOf(date)
	snap, err := s.snapshotFor(ctx, date)
	if err != nil {
		return Report{}, err
	}
	start, end := s.window(snap, date)
	txs, err := s.inventory.ListTransactions(ctx, inventory.TransactionFilter{From: start, To: end, Limit: drillDownLimit})
	if err != nil {
		return Report{}, err
	}
	grouped := make(map[inventory.TransactionKind][]inventory.Transaction)
	for _, tx := range txs {
		grouped[tx.Kind] = append(grouped[tx.Kind], tx)
	}
	return Report{Snapshot: snap, WindowStart: start, WindowEnd: end, Transactions: grouped}, nil
}

func (s *Service) snapshotFor(ctx context.Context, date time.Time) (Snapshot, error) {
	if snap, ok := s.cached(ctx, date); ok {
		return snap, nil
	}
	finalize := date.Before(s.Today())
	key := "build:" + date.Format(time.DateOnly)
	if finalize {
		key = "close:" + date.Format(time.DateOnly)
	}
	snap, err := s.coalesce(ctx, key, func(ctx context.Context) (Snapshot, error) {
		return s.rebuild(ctx, date, finalize)
	})
	if err != nil {
		return Snapshot{}, err
	}
	s.remember(ctx, snap)
	return snap, nil
}

// rebuild aggregates the window's movements onto opening quantities. Open
// quantities come from the existing rows when present, else from the previous
// finalized close, else by undoing every movement since the window start from
// current stock. A zero carried open on a quiet day is backfilled with that
// same reversal, so rebuilding a past day twice gives the same rows.
func (s *Service) rebuild(ctx context.Context, date time.Time, finalize bool) (Snapshot, error) {
	existing, _, err := s.load(ctx, date)
	if err != nil {
		return Snapshot{}, err
	}
	if existing.Finalized {
		return existing, nil
	}
	snap := existing
	snap.Date = date
	if finalize && snap.CloseTime == nil {
		_, end := s.day.Window(date)
		closed := s.now()
		if closed.After(end) {
			closed = end
		}
		snap.CloseTime = &closed
	}
	start, end := s.window(snap, date)
	fresh := len(existing.Rows) == 0

	var (
		ingredients []inventory.Ingredient
		moves       map[int64]inventory.Movement
		since       map[int64]inventory.Movement
		prevClose   map[int64]float64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ingredients, err = s.inventory.ListIngredients(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		moves, err = s.inventory.SumMovements(gctx, start, end)
		return err
	})
	g.Go(func() error {
		var err error
		since, err = s.inventory.SumMovements(gctx, start, s.now().Add(reversalHorizon))
		return err
	})
	if fresh {
		g.Go(func() error {
			var err error
			prevClose, err = s.previousClose(gctx, date)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}

	carried := make(map[int64]Row, len(existing.Rows))
	for _, row := range existing.Rows {
		carried[row.IngredientID] = row
	}
	rows := make([]Row, 0, len(ingredients))
	for _, ing := range ingredients {
		move, moved := moves[ing.ID]
		purchase, dispose, usage := fold(move)
		var open float64
		if row, ok := carried[ing.ID]; ok {
			open = row.OpenQty
			if open == 0 && !moved && ing.CurrentStock > 0 {
				open = math.Max(ing.CurrentStock-net(since[ing.ID]), 0)
			}
		} else if c, ok := prevClose[ing.ID]; ok {
			open = c
		} else {
			open = math.Max(ing.CurrentStock-net(since[ing.ID]), 0)
		}
		rows = append(rows, Row{
			IngredientID: ing.ID,
			Name:         ing.Name,
			Unit:         ing.Unit,
			OpenQty:      open,
			PurchaseQty:  purchase,
			DisposeQty:   dispose,
			UsageQty:     usage,
			CloseQty:     closeQuantity(open, purchase, dispose, usage),
		})
	}
	snap.Rows = rows
	snap.Finalized = finalize
	return s.save(ctx, snap)
}

// fold maps the log's kinds onto snapshot columns: adjustments count as
// purchases or disposals by direction and sale reversals net against usage.
func fold(m inventory.Movement) (purchase, dispose, usage float64) {
	return m.Purchase + m.AdjustmentIn, m.Dispose + m.AdjustmentOut, m.Usage - m.UsageReturned
}

func net(m inventory.Movement) float64 {
	purchase, dispose, usage := fold(m)
	return purchase - dispose - usage
}

// window narrows the service day to explicit open/close times lying inside
// it.
func (s *Service) window(snap Snapshot, date time.Time) (time.Time, time.Time) {
	dayStart, dayEnd := s.day.Window(date)
	start, end := dayStart, dayEnd
	if snap.OpenTime != nil && !snap.OpenTime.Before(dayStart) && snap.OpenTime.Before(dayEnd) {
		start = *snap.OpenTime
	}
	if snap.CloseTime != nil && snap.CloseTime.After(start) && !snap.CloseTime.After(dayEnd) {
		end = *snap.CloseTime
	}
	return start, end
}

// instantWithin returns now when it falls inside the service day.
func (s *Service) instantWithin(date time.Time) *time.Time {
	start, end := s.day.Window(date)
	now := s.now()
	if now.Before(start) || !now.Before(end) {
		return nil
	}
	return &now
}

func (s *Service) previousClose(ctx context.Context, date time.Time) (map[int64]float64, error) {
	prev, found, err := s.load(ctx, date.AddDate(0, 0, -1))
	if err != nil || !found || !prev.Finalized {
		return nil, err
	}
	out := make(map[int64]float64, len(prev.Rows))
	for _, row := range prev.Rows {
		out[row.IngredientID] = row.CloseQty
	}
	return out, nil
}

func (s *Service) load(ctx context.Context, date time.Time) (Snapshot, bool, error) {
	snap, err := s.store.Get(ctx, date)
	if errors.Is(err, ErrSnapshotNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *Service) save(ctx context.Context, snap Snapshot) (Snapshot, error) {
	snap.UpdatedAt = s.now()
	saved, err := s.store.Save(ctx, snap)
	if errors.Is(err, ErrDayFinalized) {
		// Closed concurrently; the stored copy wins.
		return s.store.Get(ctx, snap.Date)
	}
	return saved, err
}

func (s *Service) coalesce(ctx context.Context, key string, fn func(context.Context) (Snapshot, error)) (Snapshot, error) {
	// Joined callers must not inherit the first caller's cancellation.
	detached := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (interface{}, error) {
		return fn(detached)
	})
	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Snapshot{}, res.Err
		}
		return res.Val.(Snapshot), nil
	}
}

func (s *Service) cached(ctx context.Context, date time.Time) (Snapshot, bool) {
	if s.cache == nil {
		return Snapshot{}, false
	}
	snap, ok, err := s.cache.Get(ctx, date)
	if err != nil {
		s.logger.Warn("daily cache read failed", slog.String("date", date.Format(time.DateOnly)), slog.Any("error", err))
		return Snapshot{}, false
	}
	return snap, ok
}

func (s *Service) remember(ctx context.Context, snap Snapshot) {
	if s.cache == nil || !snap.Finalized {
		return
	}
	if err := s.cache.Set(ctx, snap); err != nil {
		s.logger.Warn("daily cache write failed", slog.String("date", snap.Label()), slog.Any("error", err))
	}
}
