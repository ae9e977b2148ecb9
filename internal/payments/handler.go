package payments

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/kitchenledger/kitchenledger/internal/platform/httpx"
	"github.com/kitchenledger/kitchenledger/internal/rbac"
	"github.com/kitchenledger/kitchenledger/internal/shared"
)

// Handler exposes purchase payments over HTTP.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler constructs the payments handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac, validator: validator.New()}
}

// MountRoutes registers payment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/payments/purchases", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(rbac.Privileged...))
			r.Post("/", h.create)
			r.Post("/{id}/status", h.updateStatus)
		})
	})
}

type lineRequest struct {
	IngredientID int64           `json:"ingredientId" validate:"required"`
	Quantity     float64         `json:"quantity" validate:"gt=0"`
	UnitPrice    decimal.Decimal `json:"unitPrice"`
}

type createRequest struct {
	Ingredients []lineRequest `json:"ingredients" validate:"required,min=1,dive"`
	Notes       string        `json:"notes"`
	Status      string        `json:"status" validate:"omitempty,oneof=pending paid"`
	Date        string        `json:"date"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending paid"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	paidOn, err := parseTime(req.Date)
	if err != nil {
		httpx.RespondError(w, shared.NewError(shared.ErrValidation, "payments: invalid date"))
		return
	}
	input := CreatePurchaseInput{Notes: req.Notes, Status: Status(req.Status), PaidOn: paidOn}
	for _, line := range req.Ingredients {
		input.Lines = append(input.Lines, LineInput(line))
	}
	purchase, err := h.service.CreatePurchase(r.Context(), input)
	if err != nil {
		h.fail(w, "create purchase", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, purchase)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	from, err := parseTime(r.URL.Query().Get("from"))
	if err != nil {
		httpx.RespondError(w, shared.NewError(shared.ErrValidation, "payments: invalid from"))
		return
	}
	to, err := parseTime(r.URL.Query().Get("to"))
	if err != nil {
		httpx.RespondError(w, shared.NewError(shared.ErrValidation, "payments: invalid to"))
		return
	}
	summary, err := h.service.ListPurchases(r.Context(), from, to)
	if err != nil {
		h.fail(w, "list purchases", err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	purchase, err := h.service.GetPurchase(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "get purchase", err)
		return
	}
	httpx.JSON(w, http.StatusOK, purchase)
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	purchase, err := h.service.UpdateStatus(r.Context(), chi.URLParam(r, "id"), Status(req.Status))
	if err != nil {
		h.fail(w, "update purchase status", err)
		return
	}
	httpx.JSON(w, http.StatusOK, purchase)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !errors.Is(err, shared.ErrValidation) && !errors.Is(err, shared.ErrNotFound) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, raw)
}
