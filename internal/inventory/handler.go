package inventory

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/kitchenledger/kitchenledger/internal/platform/httpx"
	"github.com/kitchenledger/kitchenledger/internal/rbac"
	"github.com/kitchenledger/kitchenledger/internal/recipes"
	"github.com/kitchenledger/kitchenledger/internal/shared"
)

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac, validator: validator.New()}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/ingredients", h.listIngredients)
	r.Get("/ingredients/{id}", h.getIngredient)
	r.Get("/ingredients/{id}/batches", h.listBatches)
	r.Get("/inventory/status", h.status)
	r.Get("/inventory/transactions", h.listTransactions)
	r.Post("/inventory/check", h.check)
	r.Post("/sales", h.processSale)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.Privileged...))
		r.Post("/ingredients", h.createIngredient)
		r.Put("/ingredients/{id}", h.updateIngredient)
		r.Delete("/ingredients/{id}", h.deleteIngredient)
		r.Post("/ingredients/{id}/stock", h.adjustStock)
		r.Post("/ingredients/{id}/toggle-out-of-stock", h.toggleOutOfStock)
		r.Post("/inventory/dispose", h.dispose)
	})
}

type createIngredientRequest struct {
	Name           string          `json:"name" validate:"required"`
	Unit           string          `json:"unit"`
	CurrentStock   float64         `json:"currentStock" validate:"gte=0"`
	AlertThreshold float64         `json:"alertThreshold" validate:"gte=0"`
	PricePerUnit   decimal.Decimal `json:"pricePerUnit"`
}

type updateIngredientRequest struct {
	Name           *string          `json:"name" validate:"omitempty,min=1"`
	Unit           *string          `json:"unit"`
	AlertThreshold *float64         `json:"alertThreshold" validate:"omitempty,gte=0"`
	PricePerUnit   *decimal.Decimal `json:"pricePerUnit"`
}

type stockRequest struct {
	Quantity  float64 `json:"quantity" validate:"gt=0"`
	Operation string  `json:"operation" validate:"required,oneof=add subtract"`
	Notes     string  `json:"notes"`
}

type disposeRequest struct {
	IngredientID int64   `json:"ingredientId" validate:"required"`
	Quantity     float64 `json:"quantity" validate:"gt=0"`
	Notes        string  `json:"notes"`
}

type checkRequest struct {
	ItemID   int64   `json:"itemId"`
	Name     string  `json:"name" validate:"required_without=ItemID"`
	Quantity float64 `json:"quantity" validate:"gt=0"`
}

type saleLineRequest struct {
	ItemID   int64   `json:"itemId"`
	Name     string  `json:"name" validate:"required_without=ItemID"`
	Quantity float64 `json:"quantity" validate:"gt=0"`
}

type saleRequest struct {
	SaleID string            `json:"saleId" validate:"omitempty,uuid"`
	Items  []saleLineRequest `json:"items" validate:"required,min=1,dive"`
}

func (h *Handler) listIngredients(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.ListIngredients(r.Context())
	if err != nil {
		h.fail(w, "list ingredients", err)
		return
	}
	httpx.JSON(w, http.StatusOK, items)
}

func (h *Handler) getIngredient(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	ing, err := h.service.GetIngredient(r.Context(), id)
	if err != nil {
		h.fail(w, "get ingredient", err)
		return
	}
	httpx.JSON(w, http.StatusOK, ing)
}

func (h *Handler) createIngredient(w http.ResponseWriter, r *http.Request) {
	var req createIngredientRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	ing, err := h.service.CreateIngredient(r.Context(), CreateIngredientInput{
		Name:           req.Name,
		Unit:           req.Unit,
		CurrentStock:   req.CurrentStock,
		AlertThreshold: req.AlertThreshold,
		PricePerUnit:   req.PricePerUnit,
	})
	if err != nil {
		h.fail(w, "create ingredient", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, ing)
}

func (h *Handler) updateIngredient(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req updateIngredientRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	ing, err := h.service.UpdateIngredient(r.Context(), id, UpdateIngredientInput(req))
	if err != nil {
		h.fail(w, "update ingredient", err)
		return
	}
	httpx.JSON(w, http.StatusOK, ing)
}

func (h *Handler) deleteIngredient(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteIngredient(r.Context(), id); err != nil {
		h.fail(w, "delete ingredient", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) adjustStock(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req stockRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	ing, err := h.service.AdjustStock(r.Context(), AdjustmentInput{
		IngredientID: id,
		Quantity:     req.Quantity,
		Operation:    Operation(req.Operation),
		Notes:        req.Notes,
	})
	if err != nil {
		h.fail(w, "adjust stock", err)
		return
	}
	httpx.JSON(w, http.StatusOK, ing)
}

func (h *Handler) toggleOutOfStock(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	ing, err := h.service.ToggleManualOutOfStock(r.Context(), id)
	if err != nil {
		h.fail(w, "toggle out of stock", err)
		return
	}
	httpx.JSON(w, http.StatusOK, ing)
}

func (h *Handler) listBatches(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	batches, err := h.service.ListBatches(r.Context(), id)
	if err != nil {
		h.fail(w, "list batches", err)
		return
	}
	httpx.JSON(w, http.StatusOK, batches)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.InventoryStatus(r.Context())
	if err != nil {
		h.fail(w, "inventory status", err)
		return
	}
	httpx.JSON(w, http.StatusOK, items)
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := TransactionFilter{Kind: TransactionKind(q.Get("kind"))}
	var err error
	if raw := q.Get("ingredient_id"); raw != "" {
		if filter.IngredientID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "ingredient_id must be numeric")
			return
		}
	}
	if filter.From, err = parseTime(q.Get("from")); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from: "+err.Error())
		return
	}
	if filter.To, err = parseTime(q.Get("to")); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "to: "+err.Error())
		return
	}
	if raw := q.Get("limit"); raw != "" {
		filter.Limit, _ = strconv.Atoi(raw)
	}
	txs, err := h.service.ListTransactions(r.Context(), filter)
	if err != nil {
		h.fail(w, "list transactions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, txs)
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	availability, err := h.service.CheckItem(r.Context(), recipes.ItemRef{ID: req.ItemID, Name: req.Name}, req.Quantity)
	if err != nil {
		h.fail(w, "check availability", err)
		return
	}
	httpx.JSON(w, http.StatusOK, availability)
}

func (h *Handler) dispose(w http.ResponseWriter, r *http.Request) {
	var req disposeRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	ing, err := h.service.RecordDisposal(r.Context(), DisposalInput(req))
	if err != nil {
		h.fail(w, "dispose", err)
		return
	}
	httpx.JSON(w, http.StatusOK, ing)
}

func (h *Handler) processSale(w http.ResponseWriter, r *http.Request) {
	var req saleRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input := SaleInput{SaleID: req.SaleID, IdempotencyKey: r.Header.Get("Idempotency-Key")}
	for _, item := range req.Items {
		input.Lines = append(input.Lines, SaleLine(item))
	}
	result, err := h.service.ProcessSale(r.Context(), input)
	if err != nil {
		var saleErr *SaleError
		if errors.As(err, &saleErr) {
			if errors.Is(err, ErrPartialOrder) {
				h.logger.Error("sale left partially applied", slog.String("sale_id", result.SaleID), slog.Any("error", err))
			}
			httpx.JSON(w, http.StatusUnprocessableEntity, result)
			return
		}
		h.fail(w, "process sale", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid ingredient id")
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !errors.Is(err, shared.ErrValidation) && !errors.Is(err, shared.ErrNotFound) &&
		!errors.Is(err, shared.ErrConflict) && !errors.Is(err, shared.ErrUnprocessable) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

// parseTime accepts a date (YYYY-MM-DD) or an RFC3339 timestamp.
func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, raw)
}
