package payments

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kitchenledger/kitchenledger/internal/inventory"
	"github.com/kitchenledger/kitchenledger/internal/shared"
)

// Repository persists payments.
type Repository interface {
	Insert(ctx context.Context, p Purchase) (Purchase, error)
	Get(ctx context.Context, id string) (Purchase, error)
	// List returns purchases paid within [from, to), newest first.
	List(ctx context.Context, from, to time.Time) ([]Purchase, error)
	UpdateStatus(ctx context.Context, id string, status Status) (Purchase, error)
}

// Ledger is the slice of the inventory service a purchase needs.
type Ledger interface {
	GetIngredient(ctx context.Context, id int64) (inventory.Ingredient, error)
	RecordPurchase(ctx context.Context, input inventory.PurchaseInput) (inventory.Ingredient, error)
}

// Service records purchase payments.
type Service struct {
	repo   Repository
	ledger Ledger
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs Service.
func NewService(repo Repository, ledger Ledger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, ledger: ledger, logger: logger, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// LineInput is one requested ingredient line.
type LineInput struct {
	IngredientID int64
	Quantity     float64
	UnitPrice    decimal.Decimal
}

// CreatePurchaseInput describes a purchase payment.
type CreatePurchaseInput struct {
	Lines  []LineInput
	Notes  string
	Status Status
	PaidOn time.Time
}

// CreatePurchase validates every line before anything is written, stores the
// payment and then books each line into inventory under the payment id.
func (s *Service) CreatePurchase(ctx context.Context, input CreatePurchaseInput) (Purchase, error) {
	if len(input.Lines) == 0 {
		return Purchase{}, ErrNoLines
	}
	status := input.Status
	if status == "" {
		status = StatusPending
	}
	if !status.Valid() {
		return Purchase{}, ErrInvalidStatus
	}

	lines := make([]Line, 0, len(input.Lines))
	total := decimal.Zero
	for i, in := range input.Lines {
		check := inventory.PurchaseInput{IngredientID: in.IngredientID, Quantity: in.Quantity, UnitPrice: in.UnitPrice}
		if err := check.Validate(); err != nil {
			return Purchase{}, fmt.Errorf("line %d: %w", i+1, err)
		}
		ing, err := s.ledger.GetIngredient(ctx, in.IngredientID)
		if err != nil {
			return Purchase{}, fmt.Errorf("line %d: ingredient %d: %w", i+1, in.IngredientID, err)
		}
		amount := in.UnitPrice.Mul(decimal.NewFromFloat(in.Quantity))
		total = total.Add(amount)
		lines = append(lines, Line{
			IngredientID: ing.ID,
			Name:         ing.Name,
			Unit:         ing.Unit,
			Quantity:     in.Quantity,
			UnitPrice:    in.UnitPrice,
			Amount:       amount,
		})
	}

	now := s.now()
	paidOn := input.PaidOn
	if paidOn.IsZero() {
		paidOn = now
	}
	purchase, err := s.repo.Insert(ctx, Purchase{
		ID:        uuid.NewString(),
		Lines:     lines,
		Amount:    total,
		Status:    status,
		Notes:     strings.TrimSpace(input.Notes),
		PaidOn:    paidOn,
		CreatedBy: shared.CallerFromContext(ctx).Label(),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return Purchase{}, err
	}

	for i, line := range lines {
		_, err := s.ledger.RecordPurchase(ctx, inventory.PurchaseInput{
			IngredientID: line.IngredientID,
			Quantity:     line.Quantity,
			UnitPrice:    line.UnitPrice,
			PaymentID:    purchase.ID,
			Notes:        purchase.Notes,
		})
		if err != nil {
			s.logger.Error("purchase line not booked",
				slog.String("payment_id", purchase.ID),
				slog.Int("line", i+1),
				slog.Int64("ingredient_id", line.IngredientID),
				slog.Any("error", err))
			return purchase, fmt.Errorf("payments: book line %d of %s: %w", i+1, purchase.ID, err)
		}
	}
	s.logger.Info("purchase recorded",
		slog.String("payment_id", purchase.ID),
		slog.Int("lines", len(lines)),
		slog.String("amount", total.StringFixed(2)))
	return purchase, nil
}

// GetPurchase loads one payment.
func (s *Service) GetPurchase(ctx context.Context, id string) (Purchase, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Purchase{}, ErrInvalidID
	}
	return s.repo.Get(ctx, id)
}

// ListPurchases returns purchases paid within [from, to). Zero bounds
// default to the current calendar month.
func (s *Service) ListPurchases(ctx context.Context, from, to time.Time) (Summary, error) {
	if from.IsZero() || to.IsZero() {
		now := s.now()
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		if from.IsZero() {
			from = monthStart
		}
		if to.IsZero() {
			to = monthStart.AddDate(0, 1, 0)
		}
	}
	if !to.After(from) {
		return Summary{}, shared.NewError(shared.ErrValidation, "payments: to must be after from")
	}
	list, err := s.repo.List(ctx, from, to)
	if err != nil {
		return Summary{}, err
	}
	total := decimal.Zero
	for _, p := range list {
		total = total.Add(p.Amount)
	}
	return Summary{From: from, To: to, Count: len(list), Total: total, Purchases: list}, nil
}

// UpdateStatus marks a payment pending or paid.
func (s *Service) UpdateStatus(ctx context.Context, id string, status Status) (Purchase, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Purchase{}, ErrInvalidID
	}
	if !status.Valid() {
		return Purchase{}, ErrInvalidStatus
	}
	return s.repo.UpdateStatus(ctx, id, status)
}
