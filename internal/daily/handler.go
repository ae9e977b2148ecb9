package daily

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/kitchenledger/kitchenledger/internal/platform/httpx"
	"github.com/kitchenledger/kitchenledger/internal/rbac"
	"github.com/kitchenledger/kitchenledger/internal/shared"
)

// Handler exposes the daily lifecycle over HTTP.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler constructs the daily handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers daily routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/inventory/daily", h.getDaily)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.Privileged...))
		r.Use(httprate.LimitByIP(30, time.Minute))
		r.Post("/inventory/open", h.openDay)
		r.Post("/inventory/close", h.closeDay)
	})
}

type dayRequest struct {
	Date string `json:"date"`
}

func (h *Handler) getDaily(w http.ResponseWriter, r *http.Request) {
	date, err := h.date(r.URL.Query().Get("date"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	report, err := h.service.GetDaily(r.Context(), date)
	if err != nil {
		h.fail(w, "get daily", err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) openDay(w http.ResponseWriter, r *http.Request) {
	date, ok := h.bodyDate(w, r)
	if !ok {
		return
	}
	snap, err := h.service.OpenDay(r.Context(), date)
	if err != nil {
		h.fail(w, "open day", err)
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}

func (h *Handler) closeDay(w http.ResponseWriter, r *http.Request) {
	date, ok := h.bodyDate(w, r)
	if !ok {
		return
	}
	snap, err := h.service.CloseDay(r.Context(), date)
	if err != nil {
		h.fail(w, "close day", err)
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}

// bodyDate reads an optional {"date": "YYYY-MM-DD"} body.
func (h *Handler) bodyDate(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	var req dayRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, shared.NewError(shared.ErrValidation, "daily: invalid body"))
			return time.Time{}, false
		}
	}
	date, err := h.date(req.Date)
	if err != nil {
		httpx.RespondError(w, err)
		return time.Time{}, false
	}
	return date, true
}

// date defaults to the service day in progress.
func (h *Handler) date(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return h.service.Today(), nil
	}
	return ParseDate(raw)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !errors.Is(err, shared.ErrValidation) && !errors.Is(err, shared.ErrNotFound) && !errors.Is(err, shared.ErrConflict) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
