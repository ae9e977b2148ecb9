package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kitchenledger/kitchenledger/internal/recipes"
	"github.com/kitchenledger/kitchenledger/internal/shared"
	"github.com/kitchenledger/kitchenledger/internal/units"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetIngredient(ctx context.Context, id int64) (Ingredient, error)
	FindIngredientByName(ctx context.Context, name string) (Ingredient, error)
	ListIngredients(ctx context.Context) ([]Ingredient, error)
	ListBatches(ctx context.Context, ingredientID int64) ([]Batch, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	SumMovements(ctx context.Context, from, to time.Time) (map[int64]Movement, error)
}

// TxRepository exposes transactional operations used by service. Stock only
// moves through IncrementStock and DecrementStock.
type TxRepository interface {
	GetIngredientForUpdate(ctx context.Context, id int64) (Ingredient, error)
	InsertIngredient(ctx context.Context, ing Ingredient) (Ingredient, error)
	UpdateIngredient(ctx context.Context, ing Ingredient) error
	DeleteIngredient(ctx context.Context, id int64) error
	// DecrementStock lowers stock only if it covers qty within qtyEpsilon,
	// clamps the result at zero and returns it; otherwise ErrInsufficientStock.
	DecrementStock(ctx context.Context, id int64, qty float64) (float64, error)
	IncrementStock(ctx context.Context, id int64, qty float64) (float64, error)
	InsertBatch(ctx context.Context, batch Batch) (Batch, error)
	ListOpenBatchesForUpdate(ctx context.Context, ingredientID int64) ([]Batch, error)
	UpdateBatchRemaining(ctx context.Context, id int64, remaining float64) error
	// RestoreBatch gives qty back to a batch, capped at its purchased quantity.
	RestoreBatch(ctx context.Context, id int64, qty float64) error
	InsertTransaction(ctx context.Context, t Transaction) (Transaction, error)
}

// ReferencePort answers which ingredients recipes still point at.
type ReferencePort interface {
	CountIngredientReferences(ctx context.Context, ingredientID int64) (int, error)
	ReferencedIngredientIDs(ctx context.Context) (map[int64]struct{}, error)
}

// ItemResolver expands sold items into requirements.
type ItemResolver interface {
	Resolve(ctx context.Context, ref recipes.ItemRef) (recipes.Resolution, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards sale replays.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	Logger *slog.Logger
	Events EventSink
}

// Service coordinates inventory operations.
type Service struct {
	repo        RepositoryPort
	resolver    ItemResolver
	refs        ReferencePort
	audit       AuditPort
	idempotency IdempotencyPort
	events      EventSink
	logger      *slog.Logger
	now         func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, resolver ItemResolver, refs ReferencePort, audit AuditPort, idem IdempotencyPort, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	events := cfg.Events
	if events == nil {
		events = NewLogSink(logger)
	}
	return &Service{
		repo:        repo,
		resolver:    resolver,
		refs:        refs,
		audit:       audit,
		idempotency: idem,
		events:      events,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateIngredientInput describes a new ingredient.
type CreateIngredientInput struct {
	Name           string
	Unit           string
	CurrentStock   float64
	AlertThreshold float64
	PricePerUnit   decimal.Decimal
}

// UpdateIngredientInput carries editable attributes. Stock is not editable
// here; use AdjustStock.
type UpdateIngredientInput struct {
	Name           *string
	Unit           *string
	AlertThreshold *float64
	PricePerUnit   *decimal.Decimal
}

// CreateIngredient registers an ingredient with its opening stock.
func (s *Service) CreateIngredient(ctx context.Context, input CreateIngredientInput) (Ingredient, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return Ingredient{}, ErrInvalidName
	}
	if input.CurrentStock < 0 || input.AlertThreshold < 0 {
		return Ingredient{}, ErrInvalidQuantity
	}
	if input.PricePerUnit.IsNegative() {
		return Ingredient{}, ErrInvalidUnitPrice
	}
	var created Ingredient
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ing, err := tx.InsertIngredient(ctx, Ingredient{
			Name:           name,
			Unit:           units.Normalize(input.Unit),
			AlertThreshold: input.AlertThreshold,
			PricePerUnit:   input.PricePerUnit,
		})
		if err != nil {
			return err
		}
		if input.CurrentStock > 0 {
			stock, err := tx.IncrementStock(ctx, ing.ID, input.CurrentStock)
			if err != nil {
				return err
			}
			ing.CurrentStock = stock
		}
		created = ing
		return nil
	})
	if err != nil {
		return Ingredient{}, err
	}
	s.record(ctx, "inventory:ingredient.create", created.ID, map[string]any{"name": created.Name, "unit": created.Unit})
	return created, nil
}

// GetIngredient returns one ingredient.
func (s *Service) GetIngredient(ctx context.Context, id int64) (Ingredient, error) {
	return s.repo.GetIngredient(ctx, id)
}

// ListIngredients returns every ingredient sorted by name.
func (s *Service) ListIngredients(ctx context.Context) ([]Ingredient, error) {
	return s.repo.ListIngredients(ctx)
}

// UpdateIngredient edits descriptive attributes of an ingredient.
func (s *Service) UpdateIngredient(ctx context.Context, id int64, input UpdateIngredientInput) (Ingredient, error) {
	if input.Name != nil && strings.TrimSpace(*input.Name) == "" {
		return Ingredient{}, ErrInvalidName
	}
	if input.AlertThreshold != nil && *input.AlertThreshold < 0 {
		return Ingredient{}, ErrInvalidQuantity
	}
	if input.PricePerUnit != nil && input.PricePerUnit.IsNegative() {
		return Ingredient{}, ErrInvalidUnitPrice
	}
	var updated Ingredient
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ing, err := tx.GetIngredientForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if input.Name != nil {
			ing.Name = strings.TrimSpace(*input.Name)
		}
		if input.Unit != nil {
			ing.Unit = units.Normalize(*input.Unit)
		}
		if input.AlertThreshold != nil {
			ing.AlertThreshold = *input.AlertThreshold
		}
		if input.PricePerUnit != nil {
			ing.PricePerUnit = *input.PricePerUnit
		}
		if err := tx.UpdateIngredient(ctx, ing); err != nil {
			return err
		}
		updated = ing
		return nil
	})
	if err != nil {
		return Ingredient{}, err
	}
	s.record(ctx, "inventory:ingredient.update", id, map[string]any{"name": updated.Name})
	return updated, nil
}

// DeleteIngredient removes an ingredient no recipe references.
func (s *Service) DeleteIngredient(ctx context.Context, id int64) error {
	if s.refs != nil {
		count, err := s.refs.CountIngredientReferences(ctx, id)
		if err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w (%d menu items)", ErrIngredientReferenced, count)
		}
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetIngredientForUpdate(ctx, id); err != nil {
			return err
		}
		return tx.DeleteIngredient(ctx, id)
	})
	if err != nil {
		return err
	}
	s.record(ctx, "inventory:ingredient.delete", id, nil)
	return nil
}

// InventoryStatus classifies every ingredient as out, low or ok.
func (s *Service) InventoryStatus(ctx context.Context) ([]IngredientStatus, error) {
	ingredients, err := s.repo.ListIngredients(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]IngredientStatus, 0, len(ingredients))
	for _, ing := range ingredients {
		status := StatusOK
		switch {
		case ing.IsManuallyOutOfStock || ing.CurrentStock <= 0:
			status = StatusOut
		case ing.CurrentStock <= ing.AlertThreshold:
			status = StatusLow
		}
		out = append(out, IngredientStatus{Ingredient: ing, Status: status})
	}
	return out, nil
}

// ListBatches returns the purchase batches of an ingredient, oldest first.
func (s *Service) ListBatches(ctx context.Context, ingredientID int64) ([]Batch, error) {
	if _, err := s.repo.GetIngredient(ctx, ingredientID); err != nil {
		return nil, err
	}
	return s.repo.ListBatches(ctx, ingredientID)
}

// ListTransactions returns log entries matching filter, newest first.
func (s *Service) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 200
	}
	return s.repo.ListTransactions(ctx, filter)
}

// SumMovements aggregates the log per ingredient over [from, to).
func (s *Service) SumMovements(ctx context.Context, from, to time.Time) (map[int64]Movement, error) {
	return s.repo.SumMovements(ctx, from, to)
}

// PurchaseInput describes one purchased ingredient line.
type PurchaseInput struct {
	IngredientID int64
	Quantity     float64
	UnitPrice    decimal.Decimal
	PaymentID    string
	Notes        string
}

// Validate checks a purchase line without touching storage.
func (in PurchaseInput) Validate() error {
	if in.IngredientID == 0 {
		return shared.NewError(shared.ErrValidation, "inventory: ingredient id required")
	}
	if in.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	if !in.UnitPrice.IsPositive() {
		return ErrInvalidUnitPrice
	}
	return nil
}

// RecordPurchase adds purchased stock. The ingredient price becomes the new
// unit price; when the previous price was non-zero a batch keeps the old
// cost basis.
func (s *Service) RecordPurchase(ctx context.Context, input PurchaseInput) (Ingredient, error) {
	if err := input.Validate(); err != nil {
		return Ingredient{}, err
	}
	now := s.now()
	qty := decimal.NewFromFloat(input.Quantity)
	amount := input.UnitPrice.Mul(qty)
	var result Ingredient
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ing, err := tx.GetIngredientForUpdate(ctx, input.IngredientID)
		if err != nil {
			return err
		}
		if ing.PricePerUnit.IsPositive() {
			if _, err := tx.InsertBatch(ctx, Batch{
				IngredientID:       ing.ID,
				Name:               ing.Name,
				Unit:               ing.Unit,
				PreviousStock:      ing.CurrentStock,
				PurchasedQuantity:  input.Quantity,
				PurchasedUnitPrice: ing.PricePerUnit,
				Amount:             ing.PricePerUnit.Mul(qty),
				Remaining:          input.Quantity,
				SnapshotDate:       now,
				PaymentID:          input.PaymentID,
			}); err != nil {
				return err
			}
		}
		stock, err := tx.IncrementStock(ctx, ing.ID, input.Quantity)
		if err != nil {
			return err
		}
		ing.CurrentStock = stock
		ing.TotalPurchasedQuantity += input.Quantity
		ing.TotalPurchasedAmount = ing.TotalPurchasedAmount.Add(amount)
		ing.LastPurchaseUnitPrice = input.UnitPrice
		ing.PricePerUnit = input.UnitPrice
		if err := tx.UpdateIngredient(ctx, ing); err != nil {
			return err
		}
		if _, err := tx.InsertTransaction(ctx, Transaction{
			IngredientID: ing.ID,
			Quantity:     input.Quantity,
			Operation:    OpAdd,
			Kind:         KindPurchase,
			UnitPrice:    input.UnitPrice,
			Amount:       amount,
			PaymentID:    input.PaymentID,
			Notes:        input.Notes,
			Date:         now,
			CreatedBy:    shared.CallerFromContext(ctx).Label(),
		}); err != nil {
			return err
		}
		result = ing
		return nil
	})
	if err != nil {
		return Ingredient{}, err
	}
	s.record(ctx, "inventory:purchase", result.ID, map[string]any{
		"quantity":   input.Quantity,
		"unit_price": input.UnitPrice.String(),
		"payment_id": input.PaymentID,
	})
	return result, nil
}

// DisposalInput describes wasted stock.
type DisposalInput struct {
	IngredientID int64
	Quantity     float64
	Notes        string
}

// RecordDisposal removes wasted stock. Batches are left untouched.
func (s *Service) RecordDisposal(ctx context.Context, input DisposalInput) (Ingredient, error) {
	if input.IngredientID == 0 {
		return Ingredient{}, shared.NewError(shared.ErrValidation, "inventory: ingredient id required")
	}
	if input.Quantity <= 0 {
		return Ingredient{}, ErrInvalidQuantity
	}
	input.Quantity = roundQty(input.Quantity)
	now := s.now()
	var result Ingredient
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ing, err := tx.GetIngredientForUpdate(ctx, input.IngredientID)
		if err != nil {
			return err
		}
		if ing.CurrentStock+qtyEpsilon < input.Quantity {
			return &ShortageError{Shortages: []Shortage{{
				IngredientID: ing.ID, Name: ing.Name, Reason: ReasonInsufficient,
				Required: input.Quantity, Available: ing.CurrentStock, Unit: ing.Unit,
			}}}
		}
		stock, err := tx.DecrementStock(ctx, ing.ID, input.Quantity)
		if err != nil {
			return err
		}
		ing.CurrentStock = stock
		if _, err := tx.InsertTransaction(ctx, Transaction{
			IngredientID: ing.ID,
			Quantity:     input.Quantity,
			Operation:    OpSubtract,
			Kind:         KindDispose,
			UnitPrice:    ing.PricePerUnit,
			Amount:       ing.PricePerUnit.Mul(decimal.NewFromFloat(input.Quantity)),
			Notes:        input.Notes,
			Date:         now,
			CreatedBy:    shared.CallerFromContext(ctx).Label(),
		}); err != nil {
			return err
		}
		result = ing
		return nil
	})
	if err != nil {
		return Ingredient{}, err
	}
	s.record(ctx, "inventory:dispose", result.ID, map[string]any{"quantity": input.Quantity, "notes": input.Notes})
	return result, nil
}

// ToggleManualOutOfStock flips the manual override without touching stock.
func (s *Service) ToggleManualOutOfStock(ctx context.Context, id int64) (Ingredient, error) {
	var result Ingredient
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ing, err := tx.GetIngredientForUpdate(ctx, id)
		if err != nil {
			return err
		}
		ing.IsManuallyOutOfStock = !ing.IsManuallyOutOfStock
		if err := tx.UpdateIngredient(ctx, ing); err != nil {
			return err
		}
		result = ing
		return nil
	})
	if err != nil {
		return Ingredient{}, err
	}
	s.record(ctx, "inventory:toggle_out_of_stock", id, map[string]any{"out_of_stock": result.IsManuallyOutOfStock})
	return result, nil
}

// AdjustmentInput describes a manual stock edit.
type AdjustmentInput struct {
	IngredientID int64
	Quantity     float64
	Operation    Operation
	Notes        string
}

// AdjustStock applies a manual correction and logs it as an adjustment.
func (s *Service) AdjustStock(ctx context.Context, input AdjustmentInput) (Ingredient, error) {
	if input.Quantity <= 0 {
		return Ingredient{}, ErrInvalidQuantity
	}
	if input.Operation != OpAdd && input.Operation != OpSubtract {
		return Ingredient{}, ErrInvalidOperation
	}
	input.Quantity = roundQty(input.Quantity)
	now := s.now()
	var result Ingredient
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ing, err := tx.GetIngredientForUpdate(ctx, input.IngredientID)
		if err != nil {
			return err
		}
		var stock float64
		if input.Operation == OpAdd {
			stock, err = tx.IncrementStock(ctx, ing.ID, input.Quantity)
		} else {
			stock, err = tx.DecrementStock(ctx, ing.ID, input.Quantity)
		}
		if err != nil {
			if errors.Is(err, ErrInsufficientStock) {
				return &ShortageError{Shortages: []Shortage{{
					IngredientID: ing.ID, Name: ing.Name, Reason: ReasonInsufficient,
					Required: input.Quantity, Available: ing.CurrentStock, Unit: ing.Unit,
				}}}
			}
			return err
		}
		ing.CurrentStock = stock
		if _, err := tx.InsertTransaction(ctx, Transaction{
			IngredientID: ing.ID,
			Quantity:     input.Quantity,
			Operation:    input.Operation,
			Kind:         KindAdjustment,
			UnitPrice:    ing.PricePerUnit,
			Amount:       ing.PricePerUnit.Mul(decimal.NewFromFloat(input.Quantity)),
			Notes:        input.Notes,
			Date:         now,
			CreatedBy:    shared.CallerFromContext(ctx).Label(),
		}); err != nil {
			return err
		}
		result = ing
		return nil
	})
	if err != nil {
		return Ingredient{}, err
	}
	s.record(ctx, "inventory:adjust", result.ID, map[string]any{"quantity": input.Quantity, "operation": input.Operation})
	return result, nil
}

// MaintenanceReport summarises a maintenance run.
type MaintenanceReport struct {
	DryRun   bool     `json:"dryRun"`
	Scanned  int      `json:"scanned"`
	Affected []string `json:"affected"`
}

// CleanupZeroStock deletes ingredients without stock that no recipe uses.
func (s *Service) CleanupZeroStock(ctx context.Context, dryRun bool) (MaintenanceReport, error) {
	ingredients, err := s.repo.ListIngredients(ctx)
	if err != nil {
		return MaintenanceReport{}, err
	}
	referenced := map[int64]struct{}{}
	if s.refs != nil {
		if referenced, err = s.refs.ReferencedIngredientIDs(ctx); err != nil {
			return MaintenanceReport{}, err
		}
	}
	report := MaintenanceReport{DryRun: dryRun, Scanned: len(ingredients), Affected: []string{}}
	for _, ing := range ingredients {
		if ing.CurrentStock > 0 {
			continue
		}
		if _, ok := referenced[ing.ID]; ok {
			continue
		}
		if !dryRun {
			err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
				locked, err := tx.GetIngredientForUpdate(ctx, ing.ID)
				if err != nil {
					return err
				}
				if locked.CurrentStock > 0 {
					return nil
				}
				return tx.DeleteIngredient(ctx, ing.ID)
			})
			if err != nil {
				if isNotFound(err) {
					continue
				}
				return report, fmt.Errorf("inventory: cleanup %q: %w", ing.Name, err)
			}
		}
		report.Affected = append(report.Affected, ing.Name)
	}
	sort.Strings(report.Affected)
	if !dryRun && len(report.Affected) > 0 {
		s.logger.Info("removed zero-stock ingredients", slog.Int("count", len(report.Affected)))
	}
	return report, nil
}

// NormalizeUnits rewrites stored unit spellings to canonical units.
func (s *Service) NormalizeUnits(ctx context.Context, dryRun bool) (MaintenanceReport, error) {
	ingredients, err := s.repo.ListIngredients(ctx)
	if err != nil {
		return MaintenanceReport{}, err
	}
	report := MaintenanceReport{DryRun: dryRun, Scanned: len(ingredients), Affected: []string{}}
	for _, ing := range ingredients {
		if units.IsCanonical(string(ing.Unit)) {
			continue
		}
		canonical := units.Normalize(string(ing.Unit))
		if !dryRun {
			err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
				locked, err := tx.GetIngredientForUpdate(ctx, ing.ID)
				if err != nil {
					return err
				}
				locked.Unit = canonical
				return tx.UpdateIngredient(ctx, locked)
			})
			if err != nil {
				return report, fmt.Errorf("inventory: normalise %q: %w", ing.Name, err)
			}
		}
		report.Affected = append(report.Affected, fmt.Sprintf("%s: %s -> %s", ing.Name, ing.Unit, canonical))
	}
	return report, nil
}

func (s *Service) record(ctx context.Context, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    shared.CallerFromContext(ctx).Label(),
		Action:   action,
		Entity:   "ingredient",
		EntityID: fmt.Sprintf("%d", id),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
