package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/kitchenledger/kitchenledger/internal/recipes"
	"github.com/kitchenledger/kitchenledger/internal/units"
)

const (
	// qtyEpsilon absorbs float noise from unit conversion. Stock checks and
	// the conditional decrement use the same tolerance.
	qtyEpsilon = 1e-9
	qtyPlaces  = 9

	// moneyPlaces matches the NUMERIC(18,4) money columns.
	moneyPlaces = 4
)

// roundQty drops float noise below qtyPlaces decimals, so 0.1*3 becomes 0.3.
func roundQty(q float64) float64 {
	return decimal.NewFromFloat(q).Round(qtyPlaces).InexactFloat64()
}

// IngredientUsage is the before/after view of one deducted ingredient.
type IngredientUsage struct {
	IngredientID  int64      `json:"ingredientId"`
	Name          string     `json:"name"`
	Unit          units.Unit `json:"unit"`
	Quantity      float64    `json:"quantity"`
	PreviousStock float64    `json:"previousStock"`
	NewStock      float64    `json:"newStock"`
}

// BatchTake records how much one batch gave up to a deduction.
type BatchTake struct {
	BatchID  int64   `json:"batchId"`
	Quantity float64 `json:"quantity"`
}

// StockChange is the outcome of a FIFO subtraction.
type StockChange struct {
	IngredientUsage
	Cost  decimal.Decimal `json:"cost"`
	Taken []BatchTake     `json:"taken"`
	// Drift is the part of the quantity no batch could cover.
	Drift float64 `json:"drift"`
}

// DeductContext ties deductions to their cause.
type DeductContext struct {
	Reference string
	Notes     string
}

// Availability is the answer to an availability check.
type Availability struct {
	Available bool       `json:"available"`
	Shortages []Shortage `json:"shortages"`
	Warnings  []string   `json:"warnings,omitempty"`
}

// DeductResult lists what a deduction changed.
type DeductResult struct {
	IngredientsUsed []IngredientUsage `json:"ingredientsUsed"`
	Warnings        []string          `json:"warnings,omitempty"`
}

// plannedLine is a requirement bound to a concrete ingredient and expressed
// in that ingredient's unit.
type plannedLine struct {
	ingredient Ingredient
	quantity   float64
}

type plan struct {
	lines     []plannedLine
	shortages []Shortage
	warnings  []string
}

// planRequirements binds requirements to ingredients. Missing ingredients
// become not_found shortages; lookup failures abort.
func (s *Service) planRequirements(ctx context.Context, reqs []recipes.Line, quantitySold float64) (plan, error) {
	var p plan
	for _, req := range reqs {
		ing, err := s.findIngredient(ctx, req)
		if err != nil {
			if isNotFound(err) {
				p.shortages = append(p.shortages, Shortage{
					IngredientID: req.IngredientID,
					Name:         requirementLabel(req),
					Reason:       ReasonNotFound,
					Required:     req.Quantity * quantitySold,
					Unit:         units.Normalize(string(req.Unit)),
				})
				continue
			}
			return plan{}, err
		}
		required := req.Quantity * quantitySold
		if required <= 0 {
			continue
		}
		converted, ok := units.Convert(required, req.Unit, ing.Unit)
		if !ok {
			p.warnings = append(p.warnings, fmt.Sprintf("unit mismatch: recipe %s vs stock %s for %s",
				units.Normalize(string(req.Unit)), ing.Unit, ing.Name))
		}
		p.lines = append(p.lines, plannedLine{ingredient: ing, quantity: roundQty(converted)})
	}
	return p, nil
}

// findIngredient resolves by id first, then through the name index.
func (s *Service) findIngredient(ctx context.Context, req recipes.Line) (Ingredient, error) {
	if req.IngredientID != 0 {
		ing, err := s.repo.GetIngredient(ctx, req.IngredientID)
		if err == nil || !isNotFound(err) {
			return ing, err
		}
	}
	if req.Name == "" {
		return Ingredient{}, ErrIngredientNotFound
	}
	return s.repo.FindIngredientByName(ctx, req.Name)
}

// shortagesFor compares aggregated demand per ingredient with availability.
func shortagesFor(lines []plannedLine) []Shortage {
	type demand struct {
		ingredient Ingredient
		quantity   float64
	}
	byID := make(map[int64]*demand)
	order := make([]int64, 0, len(lines))
	for _, line := range lines {
		d, ok := byID[line.ingredient.ID]
		if !ok {
			d = &demand{ingredient: line.ingredient}
			byID[line.ingredient.ID] = d
			order = append(order, line.ingredient.ID)
		}
		d.quantity = roundQty(d.quantity + line.quantity)
	}
	var shortages []Shortage
	for _, id := range order {
		d := byID[id]
		ing := d.ingredient
		switch {
		case ing.IsManuallyOutOfStock:
			shortages = append(shortages, Shortage{
				IngredientID: ing.ID, Name: ing.Name, Reason: ReasonOutOfStock,
				Required: d.quantity, Available: 0, Unit: ing.Unit,
			})
		case ing.CurrentStock+qtyEpsilon < d.quantity:
			shortages = append(shortages, Shortage{
				IngredientID: ing.ID, Name: ing.Name, Reason: ReasonInsufficient,
				Required: d.quantity, Available: ing.CurrentStock, Unit: ing.Unit,
			})
		}
	}
	return shortages
}

// CheckAvailability reports every shortage that would block selling
// quantitySold units of a recipe.
func (s *Service) CheckAvailability(ctx context.Context, reqs []recipes.Line, quantitySold float64) (Availability, error) {
	if quantitySold <= 0 {
		return Availability{}, ErrInvalidQuantity
	}
	p, err := s.planRequirements(ctx, reqs, quantitySold)
	if err != nil {
		return Availability{}, err
	}
	shortages := append(p.shortages, shortagesFor(p.lines)...)
	return Availability{Available: len(shortages) == 0, Shortages: shortages, Warnings: p.warnings}, nil
}

// CheckItem resolves a menu item and checks its availability.
func (s *Service) CheckItem(ctx context.Context, ref recipes.ItemRef, quantitySold float64) (Availability, error) {
	res, err := s.resolver.Resolve(ctx, ref)
	if err != nil {
		return Availability{}, err
	}
	return s.CheckAvailability(ctx, res.Requirements, quantitySold)
}

// Deduct checks and then deducts each requirement in order. Every ingredient
// line commits on its own; when a later line fails, earlier ones stay applied
// and are returned alongside the error.
func (s *Service) Deduct(ctx context.Context, reqs []recipes.Line, quantitySold float64, dc DeductContext) (DeductResult, error) {
	if quantitySold <= 0 {
		return DeductResult{}, ErrInvalidQuantity
	}
	p, err := s.planRequirements(ctx, reqs, quantitySold)
	if err != nil {
		return DeductResult{}, err
	}
	if shortages := append(p.shortages, shortagesFor(p.lines)...); len(shortages) > 0 {
		return DeductResult{Warnings: p.warnings}, &ShortageError{Shortages: shortages}
	}
	result := DeductResult{IngredientsUsed: []IngredientUsage{}, Warnings: p.warnings}
	for _, line := range p.lines {
		change, err := s.subtract(ctx, line.ingredient.ID, line.quantity, dc)
		if err != nil {
			return result, err
		}
		result.IngredientsUsed = append(result.IngredientsUsed, change.IngredientUsage)
	}
	return result, nil
}

// Subtract decrements stock and consumes batches oldest first. Batch
// shortfall is reported as drift and never fails the call.
func (s *Service) Subtract(ctx context.Context, ingredientID int64, quantity float64, dc DeductContext) (StockChange, error) {
	if quantity <= 0 {
		return StockChange{}, ErrInvalidQuantity
	}
	return s.subtract(ctx, ingredientID, roundQty(quantity), dc)
}

func (s *Service) subtract(ctx context.Context, ingredientID int64, quantity float64, dc DeductContext) (StockChange, error) {
	now := s.now()
	var change StockChange
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ing, err := tx.GetIngredientForUpdate(ctx, ingredientID)
		if err != nil {
			return err
		}
		if ing.IsManuallyOutOfStock {
			return &ShortageError{Shortages: []Shortage{{
				IngredientID: ing.ID, Name: ing.Name, Reason: ReasonOutOfStock,
				Required: quantity, Unit: ing.Unit,
			}}}
		}
		stock, err := tx.DecrementStock(ctx, ing.ID, quantity)
		if err != nil {
			if errors.Is(err, ErrInsufficientStock) {
				return &ShortageError{Shortages: []Shortage{{
					IngredientID: ing.ID, Name: ing.Name, Reason: ReasonInsufficient,
					Required: quantity, Available: ing.CurrentStock, Unit: ing.Unit,
				}}}
			}
			return err
		}
		batches, err := tx.ListOpenBatchesForUpdate(ctx, ing.ID)
		if err != nil {
			return err
		}
		takes, cost, uncovered, err := consumeFIFO(ctx, tx, batches, quantity)
		if err != nil {
			return err
		}
		if uncovered > 0 {
			cost = cost.Add(ing.PricePerUnit.Mul(decimal.NewFromFloat(uncovered)))
		}
		unitPrice, amount := usagePricing(cost, quantity)
		if _, err := tx.InsertTransaction(ctx, Transaction{
			IngredientID: ing.ID,
			Quantity:     quantity,
			Operation:    OpSubtract,
			Kind:         KindUsage,
			UnitPrice:    unitPrice,
			Amount:       amount,
			Reference:    dc.Reference,
			Notes:        dc.Notes,
			Date:         now,
		}); err != nil {
			return err
		}
		change = StockChange{
			IngredientUsage: IngredientUsage{
				IngredientID:  ing.ID,
				Name:          ing.Name,
				Unit:          ing.Unit,
				Quantity:      quantity,
				PreviousStock: ing.CurrentStock,
				NewStock:      stock,
			},
			Cost:  cost,
			Taken: takes,
			Drift: uncovered,
		}
		return nil
	})
	if err != nil {
		return StockChange{}, err
	}
	if change.Drift > 0 {
		s.events.Drift(ctx, DriftEvent{
			IngredientID: change.IngredientID,
			Name:         change.Name,
			Requested:    quantity,
			Covered:      quantity - change.Drift,
			Missing:      change.Drift,
			Reference:    dc.Reference,
			At:           now,
		})
	}
	return change, nil
}

// consumeFIFO takes up to quantity from batches in the order given and
// returns what it took, the cost of it and the uncovered remainder.
func consumeFIFO(ctx context.Context, tx TxRepository, batches []Batch, quantity float64) ([]BatchTake, decimal.Decimal, float64, error) {
	sort.SliceStable(batches, func(i, j int) bool {
		if batches[i].SnapshotDate.Equal(batches[j].SnapshotDate) {
			return batches[i].ID < batches[j].ID
		}
		return batches[i].SnapshotDate.Before(batches[j].SnapshotDate)
	})
	need := quantity
	cost := decimal.Zero
	takes := []BatchTake{}
	for _, batch := range batches {
		if need <= qtyEpsilon {
			break
		}
		if batch.Remaining <= 0 {
			continue
		}
		take := min(batch.Remaining, need)
		remaining := batch.Remaining - take
		if remaining < qtyEpsilon {
			remaining = 0
		}
		if err := tx.UpdateBatchRemaining(ctx, batch.ID, remaining); err != nil {
			return nil, decimal.Zero, 0, err
		}
		cost = cost.Add(batch.PurchasedUnitPrice.Mul(decimal.NewFromFloat(take)))
		takes = append(takes, BatchTake{BatchID: batch.ID, Quantity: take})
		need -= take
	}
	if need <= qtyEpsilon {
		need = 0
	}
	return takes, cost, need, nil
}

// revert undoes a committed subtraction: stock and batches are restored and
// a usage reversal is logged.
func (s *Service) revert(ctx context.Context, change StockChange, dc DeductContext) error {
	now := s.now()
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.IncrementStock(ctx, change.IngredientID, change.Quantity); err != nil {
			return err
		}
		for _, take := range change.Taken {
			if err := tx.RestoreBatch(ctx, take.BatchID, take.Quantity); err != nil {
				return err
			}
		}
		unitPrice, amount := usagePricing(change.Cost, change.Quantity)
		_, err := tx.InsertTransaction(ctx, Transaction{
			IngredientID: change.IngredientID,
			Quantity:     change.Quantity,
			Operation:    OpAdd,
			Kind:         KindUsage,
			UnitPrice:    unitPrice,
			Amount:       amount,
			Reference:    dc.Reference,
			Notes:        "reversal: " + dc.Notes,
			Date:         now,
		})
		return err
	})
}

// usagePricing turns a FIFO cost into the logged blended unit price and
// amount. Both are kept at the ledger's four decimals and amount is always
// unitPrice*quantity; the exact cost stays on StockChange.Cost.
func usagePricing(cost decimal.Decimal, quantity float64) (unitPrice, amount decimal.Decimal) {
	qty := decimal.NewFromFloat(quantity)
	unitPrice = cost.DivRound(qty, moneyPlaces)
	return unitPrice, unitPrice.Mul(qty).Round(moneyPlaces)
}

func requirementLabel(req recipes.Line) string {
	if req.Name != "" {
		return req.Name
	}
	return fmt.Sprintf("ingredient #%d", req.IngredientID)
}

func (s *Service) logRevertFailure(change StockChange, reference string, err error) {
	s.logger.Error("sale reversal failed",
		slog.String("reference", reference),
		slog.Int64("ingredient_id", change.IngredientID),
		slog.Float64("quantity", change.Quantity),
		slog.Any("error", err))
}
