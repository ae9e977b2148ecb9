package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kitchenledger/kitchenledger/internal/recipes"
	"github.com/kitchenledger/kitchenledger/internal/shared"
)

// SaleLine is one sold menu item.
type SaleLine struct {
	ItemID   int64   `json:"itemId,omitempty"`
	Name     string  `json:"name,omitempty"`
	Quantity float64 `json:"quantity"`
}

// SaleInput is an order to apply against stock.
type SaleInput struct {
	SaleID         string
	IdempotencyKey string
	Lines          []SaleLine
}

// ProcessedItem is the audit view of one applied sale line.
type ProcessedItem struct {
	ItemID          int64             `json:"itemId,omitempty"`
	Name            string            `json:"name"`
	Quantity        float64           `json:"quantity"`
	Source          recipes.Source    `json:"source"`
	IngredientsUsed []IngredientUsage `json:"ingredientsUsed"`
}

// SaleResult reports the outcome of ProcessSale.
type SaleResult struct {
	SaleID    string          `json:"saleId"`
	Success   bool            `json:"success"`
	Errors    []string        `json:"errors,omitempty"`
	Warnings  []string        `json:"warnings,omitempty"`
	Processed []ProcessedItem `json:"processedItems"`
}

// Sale outcomes reported to the event sink.
const (
	SaleApplied  = "applied"
	SaleRejected = "rejected"
	SaleReverted = "reverted"
	SalePartial  = "partial"
)

type resolvedLine struct {
	line       SaleLine
	resolution recipes.Resolution
	planned    []plannedLine
}

// ProcessSale applies an order all-or-nothing. Every line is resolved and the
// aggregated demand checked before anything is written; a deduction that
// still fails is undone for the lines already applied. ErrPartialOrder is
// returned only when that undo fails.
func (s *Service) ProcessSale(ctx context.Context, input SaleInput) (SaleResult, error) {
	if err := validateSale(input); err != nil {
		return SaleResult{}, err
	}
	saleID := input.SaleID
	if saleID == "" {
		saleID = uuid.NewString()
	}
	result := SaleResult{SaleID: saleID, Processed: []ProcessedItem{}}

	idemKey := ""
	if input.IdempotencyKey != "" && s.idempotency != nil {
		idemKey = "sale:" + input.IdempotencyKey
		if err := s.idempotency.CheckAndInsert(ctx, idemKey, "inventory"); err != nil {
			return result, err
		}
	}
	release := func() {
		if idemKey != "" {
			if err := s.idempotency.Delete(ctx, idemKey); err != nil {
				s.logger.Warn("release idempotency key failed", slog.String("key", idemKey), slog.Any("error", err))
			}
		}
	}

	resolved, failures, err := s.resolveSale(ctx, input.Lines)
	if err != nil {
		release()
		return result, err
	}
	if len(failures) > 0 {
		release()
		return s.rejectSale(ctx, result, failures, len(input.Lines), recipes.ErrNoRecipeDefined)
	}

	var planned []plannedLine
	var shortages []Shortage
	for i := range resolved {
		p, err := s.planRequirements(ctx, resolved[i].resolution.Requirements, resolved[i].line.Quantity)
		if err != nil {
			release()
			return result, err
		}
		resolved[i].planned = p.lines
		planned = append(planned, p.lines...)
		shortages = append(shortages, p.shortages...)
		result.Warnings = append(result.Warnings, p.warnings...)
	}
	shortages = append(shortages, shortagesFor(planned)...)
	if len(shortages) > 0 {
		release()
		shortErr := &ShortageError{Shortages: shortages}
		return s.rejectSale(ctx, result, []string{shortErr.Error()}, len(input.Lines), shortErr)
	}

	var applied []StockChange
	for _, rl := range resolved {
		item := ProcessedItem{
			ItemID:          rl.line.ItemID,
			Name:            lineName(rl),
			Quantity:        rl.line.Quantity,
			Source:          rl.resolution.Source,
			IngredientsUsed: []IngredientUsage{},
		}
		dc := DeductContext{Reference: saleID, Notes: fmt.Sprintf("sale: %s x%g", item.Name, item.Quantity)}
		for _, pl := range rl.planned {
			change, err := s.subtract(ctx, pl.ingredient.ID, pl.quantity, dc)
			if err != nil {
				release()
				return s.unwindSale(ctx, result, applied, err, len(input.Lines))
			}
			applied = append(applied, change)
			item.IngredientsUsed = append(item.IngredientsUsed, change.IngredientUsage)
		}
		result.Processed = append(result.Processed, item)
	}
	result.Success = true
	s.events.Sale(ctx, SaleEvent{SaleID: saleID, Outcome: SaleApplied, Lines: len(input.Lines), At: s.now()})
	s.recordSale(ctx, result)
	return result, nil
}

// resolveSale resolves every line, collecting lines without a recipe.
func (s *Service) resolveSale(ctx context.Context, lines []SaleLine) ([]resolvedLine, []string, error) {
	resolved := make([]resolvedLine, 0, len(lines))
	var failures []string
	for _, line := range lines {
		res, err := s.resolver.Resolve(ctx, recipes.ItemRef{ID: line.ItemID, Name: line.Name})
		if err != nil {
			if errors.Is(err, recipes.ErrNoRecipeDefined) {
				failures = append(failures, fmt.Sprintf("%s: no recipe defined", saleLineLabel(line, res)))
				continue
			}
			return nil, nil, err
		}
		resolved = append(resolved, resolvedLine{line: line, resolution: res})
	}
	return resolved, failures, nil
}

func (s *Service) rejectSale(ctx context.Context, result SaleResult, msgs []string, lines int, cause error) (SaleResult, error) {
	result.Errors = msgs
	s.events.Sale(ctx, SaleEvent{SaleID: result.SaleID, Outcome: SaleRejected, Lines: lines, At: s.now()})
	return result, &SaleError{Errors: msgs, cause: cause}
}

// unwindSale reverts applied changes newest first after a failed deduction.
func (s *Service) unwindSale(ctx context.Context, result SaleResult, applied []StockChange, cause error, lines int) (SaleResult, error) {
	result.Processed = []ProcessedItem{}
	result.Errors = []string{cause.Error()}
	var stuck []IngredientUsage
	for i := len(applied) - 1; i >= 0; i-- {
		dc := DeductContext{Reference: result.SaleID, Notes: "sale " + result.SaleID}
		if err := s.revert(ctx, applied[i], dc); err != nil {
			s.logRevertFailure(applied[i], result.SaleID, err)
			stuck = append(stuck, applied[i].IngredientUsage)
		}
	}
	if len(stuck) > 0 {
		names := make([]string, 0, len(stuck))
		for _, u := range stuck {
			names = append(names, u.Name)
		}
		result.Errors = append(result.Errors, "left applied: "+strings.Join(names, ", "))
		s.events.Sale(ctx, SaleEvent{SaleID: result.SaleID, Outcome: SalePartial, Lines: lines, At: s.now()})
		return result, &SaleError{Errors: result.Errors, Committed: stuck, cause: ErrPartialOrder}
	}
	s.events.Sale(ctx, SaleEvent{SaleID: result.SaleID, Outcome: SaleReverted, Lines: lines, At: s.now()})
	return result, &SaleError{Errors: result.Errors, cause: cause}
}

func (s *Service) recordSale(ctx context.Context, result SaleResult) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    shared.CallerFromContext(ctx).Label(),
		Action:   "inventory:sale",
		Entity:   "sale",
		EntityID: result.SaleID,
		Meta:     map[string]any{"items": len(result.Processed), "warnings": result.Warnings},
	}); err != nil {
		s.logger.Warn("audit record failed", slog.String("action", "inventory:sale"), slog.Any("error", err))
	}
}

func validateSale(input SaleInput) error {
	if len(input.Lines) == 0 {
		return shared.NewError(shared.ErrValidation, "inventory: sale has no lines")
	}
	for i, line := range input.Lines {
		if line.ItemID == 0 && strings.TrimSpace(line.Name) == "" {
			return fmt.Errorf("line %d: %w", i+1, recipes.ErrInvalidItemRef)
		}
		if line.Quantity <= 0 {
			return fmt.Errorf("line %d: %w", i+1, ErrInvalidQuantity)
		}
	}
	if input.SaleID != "" {
		if _, err := uuid.Parse(input.SaleID); err != nil {
			return shared.NewError(shared.ErrValidation, "inventory: sale id must be a uuid")
		}
	}
	return nil
}

func lineName(rl resolvedLine) string {
	if rl.resolution.Item != nil {
		return rl.resolution.Item.Name
	}
	return rl.line.Name
}

func saleLineLabel(line SaleLine, res recipes.Resolution) string {
	if res.Item != nil {
		return res.Item.Name
	}
	if line.Name != "" {
		return line.Name
	}
	return fmt.Sprintf("item #%d", line.ItemID)
}
