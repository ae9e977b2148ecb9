package inventory

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kitchenledger/kitchenledger/internal/recipes"
	"github.com/kitchenledger/kitchenledger/internal/shared"
	"github.com/kitchenledger/kitchenledger/internal/units"
)

func breadItem(flourID int64) recipes.MenuItem {
	return recipes.MenuItem{ID: 1, Name: "Bread", Ingredients: []recipes.Line{
		{IngredientID: flourID, Name: "Flour", Quantity: 500, Unit: units.Gram},
	}}
}

func TestBreadSellsOutFlour(t *testing.T) {
	repo := newMemoryRepo()
	flour := repo.seed(Ingredient{Name: "Flour", Unit: units.Gram, CurrentStock: 1000, AlertThreshold: 200})
	svc, _ := newTestService(repo)
	reqs := breadItem(flour.ID).Ingredients
	ctx := context.Background()

	avail, err := svc.CheckAvailability(ctx, reqs, 2)
	require.NoError(t, err)
	require.True(t, avail.Available)

	res, err := svc.Deduct(ctx, reqs, 2, DeductContext{Reference: "order-1"})
	require.NoError(t, err)
	require.Len(t, res.IngredientsUsed, 1)
	require.InDelta(t, 1000.0, res.IngredientsUsed[0].PreviousStock, 1e-9)
	require.InDelta(t, 0.0, res.IngredientsUsed[0].NewStock, 1e-9)
	require.InDelta(t, 0.0, repo.ingredients[flour.ID].CurrentStock, 1e-9)

	avail, err = svc.CheckAvailability(ctx, reqs, 1)
	require.NoError(t, err)
	require.False(t, avail.Available)
	require.Len(t, avail.Shortages, 1)
	require.Equal(t, ReasonInsufficient, avail.Shortages[0].Reason)
	require.Equal(t, "Flour (need 500 g, have 0 g)", avail.Shortages[0].Message())

	_, err = svc.Deduct(ctx, reqs, 1, DeductContext{})
	var shortErr *ShortageError
	require.ErrorAs(t, err, &shortErr)
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.Contains(t, err.Error(), "Flour")
}

func TestDeductExactFractionalStock(t *testing.T) {
	repo := newMemoryRepo()
	tomato := repo.seed(Ingredient{Name: "Tomato", Unit: units.Kilogram, CurrentStock: 0.3})
	svc, _ := newTestService(repo)
	reqs := []recipes.Line{{IngredientID: tomato.ID, Name: "Tomato", Quantity: 0.1, Unit: units.Kilogram}}
	ctx := context.Background()

	// 0.1*3 is 0.30000000000000004 in float64.
	avail, err := svc.CheckAvailability(ctx, reqs, 3)
	require.NoError(t, err)
	require.True(t, avail.Available)

	res, err := svc.Deduct(ctx, reqs, 3, DeductContext{Reference: "order-7"})
	require.NoError(t, err)
	require.Len(t, res.IngredientsUsed, 1)
	require.InDelta(t, 0.3, res.IngredientsUsed[0].Quantity, 1e-12)
	require.Zero(t, repo.ingredients[tomato.ID].CurrentStock)
}

func TestProcessSaleExactFractionalStock(t *testing.T) {
	repo := newMemoryRepo()
	tomato := repo.seed(Ingredient{Name: "Tomato", Unit: units.Kilogram, CurrentStock: 0.3})
	salad := recipes.MenuItem{ID: 5, Name: "Salad", Ingredients: []recipes.Line{
		{IngredientID: tomato.ID, Name: "Tomato", Quantity: 0.1, Unit: units.Kilogram},
	}}
	svc, _ := newTestService(repo, salad)

	result, err := svc.ProcessSale(context.Background(), SaleInput{Lines: []SaleLine{
		{ItemID: 5, Quantity: 1},
		{ItemID: 5, Quantity: 2},
	}})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, result.Processed, 2)
	require.Zero(t, repo.ingredients[tomato.ID].CurrentStock)
}

func TestCheckAvailabilityReportsEveryShortage(t *testing.T) {
	repo := newMemoryRepo()
	cheese := repo.seed(Ingredient{Name: "Cheese", Unit: units.Gram, CurrentStock: 50})
	tomato := repo.seed(Ingredient{Name: "Tomato", Unit: units.Kilogram, CurrentStock: 5, IsManuallyOutOfStock: true})
	svc, _ := newTestService(repo)

	avail, err := svc.CheckAvailability(context.Background(), []recipes.Line{
		{IngredientID: cheese.ID, Quantity: 100, Unit: units.Gram},
		{IngredientID: tomato.ID, Quantity: 0.1, Unit: units.Kilogram},
		{Name: "Saffron", Quantity: 1, Unit: units.Gram},
	}, 1)
	require.NoError(t, err)
	require.False(t, avail.Available)
	reasons := map[ShortageReason]string{}
	for _, s := range avail.Shortages {
		reasons[s.Reason] = s.Name
	}
	require.Equal(t, map[ShortageReason]string{
		ReasonNotFound:     "Saffron",
		ReasonInsufficient: "Cheese",
		ReasonOutOfStock:   "Tomato",
	}, reasons)
}

func TestCheckAvailabilityConvertsUnitsAndWarnsOnMismatch(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(Ingredient{Name: "Tomato", Unit: units.Gram, CurrentStock: 150})
	repo.seed(Ingredient{Name: "Beef Patty", Unit: units.Gram, CurrentStock: 10})
	svc, _ := newTestService(repo)

	avail, err := svc.CheckAvailability(context.Background(), []recipes.Line{
		{Name: "tomato", Quantity: 0.1, Unit: units.Kilogram},
	}, 1)
	require.NoError(t, err)
	require.True(t, avail.Available, "0.1 kg is 100 g")
	require.Empty(t, avail.Warnings)

	avail, err = svc.CheckAvailability(context.Background(), []recipes.Line{
		{Name: "beef", Quantity: 2, Unit: units.Piece},
	}, 1)
	require.NoError(t, err)
	require.True(t, avail.Available)
	require.Equal(t, []string{"unit mismatch: recipe piece vs stock g for Beef Patty"}, avail.Warnings)
}

func TestSubtractConsumesBatchesOldestFirst(t *testing.T) {
	repo := newMemoryRepo()
	oil := repo.seed(Ingredient{Name: "Oil", Unit: units.Liter, CurrentStock: 23, PricePerUnit: decimal.NewFromInt(9)})
	base := fixedNow.Add(-72 * time.Hour)
	repo.seedBatch(oil.ID, 10, "1", base)
	repo.seedBatch(oil.ID, 5, "2", base.Add(time.Hour))
	repo.seedBatch(oil.ID, 8, "3", base.Add(2*time.Hour))
	svc, sink := newTestService(repo)

	change, err := svc.Subtract(context.Background(), oil.ID, 12, DeductContext{Reference: "r-1"})
	require.NoError(t, err)
	require.InDelta(t, 11.0, change.NewStock, 1e-9)
	require.Zero(t, change.Drift)
	require.Empty(t, sink.drifts)

	var remaining []float64
	for _, b := range repo.batches {
		remaining = append(remaining, b.Remaining)
	}
	require.Equal(t, []float64{0, 3, 8}, remaining)

	// 10 at 1 + 2 at 2
	require.True(t, change.Cost.Equal(decimal.NewFromInt(14)), change.Cost.String())
	usage := repo.txs[len(repo.txs)-1]
	require.Equal(t, KindUsage, usage.Kind)
	require.Equal(t, OpSubtract, usage.Operation)
	require.Equal(t, "r-1", usage.Reference)
	// 14/12 is logged as 1.1667 so that amount stays unitPrice*quantity.
	require.True(t, usage.UnitPrice.Equal(decimal.RequireFromString("1.1667")), usage.UnitPrice.String())
	require.True(t, usage.Amount.Equal(decimal.RequireFromString("14.0004")), usage.Amount.String())
	require.True(t, usage.Amount.Equal(usage.UnitPrice.Mul(decimal.NewFromFloat(usage.Quantity)).Round(4)))
}

func TestSubtractOrdersBatchesBySnapshotDate(t *testing.T) {
	repo := newMemoryRepo()
	oil := repo.seed(Ingredient{Name: "Oil", Unit: units.Liter, CurrentStock: 20})
	repo.seedBatch(oil.ID, 5, "2", fixedNow.Add(-time.Hour))
	repo.seedBatch(oil.ID, 5, "1", fixedNow.Add(-48*time.Hour))
	svc, _ := newTestService(repo)

	_, err := svc.Subtract(context.Background(), oil.ID, 4, DeductContext{})
	require.NoError(t, err)
	require.InDelta(t, 5.0, repo.batches[0].Remaining, 1e-9)
	require.InDelta(t, 1.0, repo.batches[1].Remaining, 1e-9)
}

func TestSubtractDriftDoesNotFail(t *testing.T) {
	repo := newMemoryRepo()
	rice := repo.seed(Ingredient{Name: "Rice", Unit: units.Kilogram, CurrentStock: 20, PricePerUnit: decimal.NewFromInt(2)})
	repo.seedBatch(rice.ID, 5, "1", fixedNow.Add(-time.Hour))
	svc, sink := newTestService(repo)

	change, err := svc.Subtract(context.Background(), rice.ID, 8, DeductContext{Reference: "sale-9"})
	require.NoError(t, err)
	require.InDelta(t, 12.0, change.NewStock, 1e-9)
	require.InDelta(t, 3.0, change.Drift, 1e-9)
	require.Len(t, sink.drifts, 1)
	require.Equal(t, DriftEvent{
		IngredientID: rice.ID, Name: "Rice", Requested: 8, Covered: 5, Missing: 3, Reference: "sale-9", At: fixedNow,
	}, sink.drifts[0])
	// 5 at 1 from the batch, 3 at the ingredient price 2
	require.True(t, change.Cost.Equal(decimal.NewFromInt(11)))
}

func TestSubtractRejectsInsufficientStock(t *testing.T) {
	repo := newMemoryRepo()
	rice := repo.seed(Ingredient{Name: "Rice", Unit: units.Kilogram, CurrentStock: 1})
	svc, _ := newTestService(repo)

	_, err := svc.Subtract(context.Background(), rice.ID, 2, DeductContext{})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.InDelta(t, 1.0, repo.ingredients[rice.ID].CurrentStock, 1e-9)
	require.Empty(t, repo.txs)

	_, err = svc.Subtract(context.Background(), rice.ID, 0, DeductContext{})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestProcessSaleAppliesEveryLine(t *testing.T) {
	repo := newMemoryRepo()
	flour := repo.seed(Ingredient{Name: "Flour", Unit: units.Gram, CurrentStock: 2000})
	repo.seed(Ingredient{Name: "Beef Patty", Unit: units.Kilogram, CurrentStock: 3})
	repo.seed(Ingredient{Name: "Tomato", Unit: units.Gram, CurrentStock: 500})
	svc, sink := newTestService(repo, breadItem(flour.ID))

	result, err := svc.ProcessSale(context.Background(), SaleInput{Lines: []SaleLine{
		{ItemID: 1, Quantity: 2},
		{Name: "Hamburger", Quantity: 1},
	}})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NotEmpty(t, result.SaleID)
	require.Len(t, result.Processed, 2)

	bread := result.Processed[0]
	require.Equal(t, "Bread", bread.Name)
	require.Equal(t, recipes.SourceRecipe, bread.Source)
	require.InDelta(t, 2000.0, bread.IngredientsUsed[0].PreviousStock, 1e-9)
	require.InDelta(t, 1000.0, bread.IngredientsUsed[0].NewStock, 1e-9)

	burger := result.Processed[1]
	require.Equal(t, recipes.SourceFallback, burger.Source)
	require.Len(t, burger.IngredientsUsed, 2)
	require.InDelta(t, 400.0, repo.ingredients[3].CurrentStock, 1e-9, "0.1 kg tomato deducted as 100 g")
	require.InDelta(t, 2.0, repo.ingredients[2].CurrentStock, 1e-9)

	require.Len(t, sink.sales, 1)
	require.Equal(t, SaleApplied, sink.sales[0].Outcome)
	for _, tx := range repo.txs {
		require.Equal(t, result.SaleID, tx.Reference)
	}
}

func TestProcessSaleChecksAggregatedDemand(t *testing.T) {
	repo := newMemoryRepo()
	flour := repo.seed(Ingredient{Name: "Flour", Unit: units.Gram, CurrentStock: 1000})
	svc, sink := newTestService(repo, breadItem(flour.ID))

	// Each line alone fits; together they need 1500 g.
	result, err := svc.ProcessSale(context.Background(), SaleInput{Lines: []SaleLine{
		{ItemID: 1, Quantity: 1},
		{Name: "bread", Quantity: 2},
	}})
	require.ErrorIs(t, err, ErrInsufficientStock)
	var saleErr *SaleError
	require.ErrorAs(t, err, &saleErr)
	require.False(t, result.Success)
	require.Contains(t, result.Errors[0], "Flour (need 1500 g, have 1000 g)")
	require.InDelta(t, 1000.0, repo.ingredients[flour.ID].CurrentStock, 1e-9)
	require.Empty(t, repo.txs)
	require.Equal(t, SaleRejected, sink.sales[0].Outcome)
}

func TestProcessSaleWithoutRecipe(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo, recipes.MenuItem{ID: 7, Name: "Mystery Soup"})

	result, err := svc.ProcessSale(context.Background(), SaleInput{Lines: []SaleLine{{ItemID: 7, Quantity: 1}}})
	require.ErrorIs(t, err, recipes.ErrNoRecipeDefined)
	require.Equal(t, []string{"Mystery Soup: no recipe defined"}, result.Errors)
}

func TestProcessSaleValidation(t *testing.T) {
	svc, _ := newTestService(newMemoryRepo())
	_, err := svc.ProcessSale(context.Background(), SaleInput{})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.ProcessSale(context.Background(), SaleInput{Lines: []SaleLine{{Name: "Bread", Quantity: 0}}})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.ProcessSale(context.Background(), SaleInput{SaleID: "nope", Lines: []SaleLine{{Name: "Bread", Quantity: 1}}})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestProcessSaleRevertsWhenStockVanishesMidOrder(t *testing.T) {
	repo := newMemoryRepo()
	flour := repo.seed(Ingredient{Name: "Flour", Unit: units.Gram, CurrentStock: 1000})
	butter := repo.seed(Ingredient{Name: "Butter", Unit: units.Gram, CurrentStock: 100})
	repo.seedBatch(flour.ID, 1000, "0.002", fixedNow.Add(-time.Hour))
	croissant := recipes.MenuItem{ID: 2, Name: "Croissant", Ingredients: []recipes.Line{
		{IngredientID: flour.ID, Quantity: 100, Unit: units.Gram},
		{IngredientID: butter.ID, Quantity: 50, Unit: units.Gram},
	}}
	svc, sink := newTestService(repo, croissant)
	// A concurrent sale drains the butter after the pre-check passed.
	repo.beforeDecrement = func(r *memoryRepo, id int64) {
		if id == butter.ID {
			b := r.ingredients[id]
			b.CurrentStock = 10
			r.ingredients[id] = b
		}
	}

	result, err := svc.ProcessSale(context.Background(), SaleInput{Lines: []SaleLine{{ItemID: 2, Quantity: 1}}})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.False(t, errors.Is(err, ErrPartialOrder))
	require.False(t, result.Success)
	require.Empty(t, result.Processed)

	require.InDelta(t, 1000.0, repo.ingredients[flour.ID].CurrentStock, 1e-9)
	require.InDelta(t, 1000.0, repo.batches[0].Remaining, 1e-9)
	require.Len(t, repo.txs, 2)
	require.Equal(t, OpSubtract, repo.txs[0].Operation)
	require.Equal(t, OpAdd, repo.txs[1].Operation)
	require.Equal(t, KindUsage, repo.txs[1].Kind)
	require.Equal(t, SaleReverted, sink.sales[0].Outcome)
}

func TestProcessSaleReportsPartialOrderWhenRevertFails(t *testing.T) {
	repo := newMemoryRepo()
	flour := repo.seed(Ingredient{Name: "Flour", Unit: units.Gram, CurrentStock: 1000})
	butter := repo.seed(Ingredient{Name: "Butter", Unit: units.Gram, CurrentStock: 100})
	croissant := recipes.MenuItem{ID: 2, Name: "Croissant", Ingredients: []recipes.Line{
		{IngredientID: flour.ID, Quantity: 100, Unit: units.Gram},
		{IngredientID: butter.ID, Quantity: 50, Unit: units.Gram},
	}}
	svc, _ := newTestService(repo, croissant)
	repo.beforeDecrement = func(r *memoryRepo, id int64) {
		if id == butter.ID {
			b := r.ingredients[id]
			b.CurrentStock = 0
			r.ingredients[id] = b
			r.failIncrement = errors.New("connection lost")
		}
	}

	_, err := svc.ProcessSale(context.Background(), SaleInput{Lines: []SaleLine{{ItemID: 2, Quantity: 1}}})
	require.ErrorIs(t, err, ErrPartialOrder)
	var saleErr *SaleError
	require.ErrorAs(t, err, &saleErr)
	require.Len(t, saleErr.Committed, 1)
	require.Equal(t, flour.ID, saleErr.Committed[0].IngredientID)
	require.InDelta(t, 900.0, repo.ingredients[flour.ID].CurrentStock, 1e-9)
}

type memoryIdempotency struct {
	keys      map[string]bool
	deleteErr error
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, _ string) error {
	if m.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = true
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.keys, key)
	return nil
}

func TestProcessSaleIdempotencyKey(t *testing.T) {
	repo := newMemoryRepo()
	flour := repo.seed(Ingredient{Name: "Flour", Unit: units.Gram, CurrentStock: 1000})
	idem := &memoryIdempotency{keys: map[string]bool{}}
	resolver := recipes.NewResolver(menuStore{breadItem(flour.ID)}, nil)
	svc := NewService(repo, resolver, nil, nil, idem, ServiceConfig{})
	input := SaleInput{IdempotencyKey: "order-42", Lines: []SaleLine{{ItemID: 1, Quantity: 1}}}

	_, err := svc.ProcessSale(context.Background(), input)
	require.NoError(t, err)
	_, err = svc.ProcessSale(context.Background(), input)
	require.ErrorIs(t, err, shared.ErrConflict)
	require.InDelta(t, 500.0, repo.ingredients[flour.ID].CurrentStock, 1e-9)

	// Rejected sales release their key.
	failing := SaleInput{IdempotencyKey: "order-43", Lines: []SaleLine{{ItemID: 1, Quantity: 5}}}
	_, err = svc.ProcessSale(context.Background(), failing)
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.False(t, idem.keys["sale:order-43"])
}

type failingAudit struct{}

func (failingAudit) Record(context.Context, shared.AuditLog) error { return errors.New("audit table locked") }

func TestProcessSaleLogsBookkeepingFailures(t *testing.T) {
	repo := newMemoryRepo()
	flour := repo.seed(Ingredient{Name: "Flour", Unit: units.Gram, CurrentStock: 1000})
	idem := &memoryIdempotency{keys: map[string]bool{}, deleteErr: errors.New("connection reset")}
	resolver := recipes.NewResolver(menuStore{breadItem(flour.ID)}, nil)
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	svc := NewService(repo, resolver, nil, failingAudit{}, idem, ServiceConfig{Logger: logger})

	_, err := svc.ProcessSale(context.Background(), SaleInput{IdempotencyKey: "order-50", Lines: []SaleLine{{ItemID: 1, Quantity: 1}}})
	require.NoError(t, err)
	require.Contains(t, buf.String(), "audit record failed")
	require.Contains(t, buf.String(), "audit table locked")

	_, err = svc.ProcessSale(context.Background(), SaleInput{IdempotencyKey: "order-51", Lines: []SaleLine{{ItemID: 1, Quantity: 5}}})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.True(t, idem.keys["sale:order-51"], "key stays when release fails")
	require.Contains(t, buf.String(), "release idempotency key failed")
	require.Contains(t, buf.String(), "sale:order-51")
}
