package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/recipe-costing/internal/costing"
	"github.com/odyssey-erp/recipe-costing/internal/platform/httpx"
	"github.com/odyssey-erp/recipe-costing/internal/pricing"
	"github.com/odyssey-erp/recipe-costing/internal/recipes"
	"github.com/odyssey-erp/recipe-costing/internal/units"
)

// OwnerHeader scopes rate limiting to a tenant when present.
const OwnerHeader = "X-Owner-ID"

// Service is the subset of the costing service the handler drives.
type Service interface {
	ConvertUnits(ctx context.Context, in costing.ConvertInput) (decimal.Decimal, error)
	CalculateRecipeCost(ctx context.Context, in costing.CostInput) (recipes.Calculation, error)
	RecordCost(ctx context.Context, in costing.CostInput) (costing.HistoryRecord, error)
	AddSubRecipe(ctx context.Context, in costing.LinkInput) error
	PriceWithMargins(ctx context.Context, in costing.PriceInput) (map[string]decimal.Decimal, error)
	BreakEven(ctx context.Context, in costing.BreakEvenInput) ([]pricing.BreakEvenPoint, error)
	CreateFactor(ctx context.Context, f units.Factor) error
}

// Handler exposes the costing JSON API.
type Handler struct {
	logger    *slog.Logger
	service   Service
	rateLimit func(http.Handler) http.Handler
}

// NewHandler constructs the handler. requestsPerMinute <= 0 disables rate
// limiting.
func NewHandler(logger *slog.Logger, service Service, requestsPerMinute int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	limiter := func(next http.Handler) http.Handler { return next }
	if requestsPerMinute > 0 {
		limiter = httprate.Limit(requestsPerMinute, time.Minute, httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if owner := strings.TrimSpace(r.Header.Get(OwnerHeader)); owner != "" {
				return "owner:" + owner, nil
			}
			ip, err := httprate.KeyByIP(r)
			return "ip:" + ip, err
		}))
	}
	return &Handler{logger: logger, service: service, rateLimit: limiter}
}

// MountRoutes registers the costing endpoints under /costing.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/costing", func(r chi.Router) {
		r.Use(h.rateLimit)
		r.Post("/convert", h.handleConvert)
		r.Post("/recipes/{id}/cost", h.handleCost)
		r.Post("/recipes/{id}/history", h.handleHistory)
		r.Post("/recipes/{id}/sub-recipes", h.handleLink)
		r.Post("/prices", h.handlePrices)
		r.Post("/break-even", h.handleBreakEven)
		r.Post("/factors", h.handleCreateFactor)
	})
}

type costRequest struct {
	ScaleFactor *decimal.Decimal `json:"scale_factor"`
	OwnerID     string           `json:"owner_id"`
}

func (h *Handler) handleConvert(w http.ResponseWriter, r *http.Request) {
	var in costing.ConvertInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	qty, err := h.service.ConvertUnits(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"quantity": qty, "from": in.From, "to": in.To})
}

func (h *Handler) handleCost(w http.ResponseWriter, r *http.Request) {
	in, err := h.costInput(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	calc, err := h.service.CalculateRecipeCost(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, calc)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	in, err := h.costInput(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rec, err := h.service.RecordCost(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rec)
}

func (h *Handler) handleLink(w http.ResponseWriter, r *http.Request) {
	parentID, err := recipeID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var in costing.LinkInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	in.ParentID = parentID
	if err := h.service.AddSubRecipe(r.Context(), in); err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, in)
}

func (h *Handler) handlePrices(w http.ResponseWriter, r *http.Request) {
	var in costing.PriceInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	prices, err := h.service.PriceWithMargins(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"prices": prices})
}

func (h *Handler) handleBreakEven(w http.ResponseWriter, r *http.Request) {
	var in costing.BreakEvenInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	points, err := h.service.BreakEven(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"points": points})
}

func (h *Handler) handleCreateFactor(w http.ResponseWriter, r *http.Request) {
	var f units.Factor
	if err := httpx.DecodeJSON(r, &f); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.service.CreateFactor(r.Context(), f); err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, f)
}

func (h *Handler) costInput(r *http.Request) (costing.CostInput, error) {
	id, err := recipeID(r)
	if err != nil {
		return costing.CostInput{}, err
	}
	var body costRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		return costing.CostInput{}, err
	}
	scale := decimal.NewFromInt(1)
	if body.ScaleFactor != nil {
		scale = *body.ScaleFactor
	}
	return costing.CostInput{RecipeID: id, ScaleFactor: scale, OwnerID: body.OwnerID}, nil
}

func recipeID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid recipe id %q", httpx.ErrValidation, raw)
	}
	return id, nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if costing.Outcome(err) == "error" && !errors.Is(err, httpx.ErrValidation) {
		h.logger.Error("costing request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err, classify)
}

// classify maps costing errors onto problem responses.
func classify(err error) (int, string, bool) {
	switch costing.Outcome(err) {
	case "invalid_input":
		return http.StatusBadRequest, "Invalid Input", true
	case "conversion_not_found":
		return http.StatusUnprocessableEntity, "Conversion Not Found", true
	case "invalid_margin":
		return http.StatusUnprocessableEntity, "Invalid Margin", true
	case "cyclic":
		return http.StatusConflict, "Cyclic Composition", true
	case "not_found":
		return http.StatusNotFound, "Not Found", true
	case "duplicate":
		return http.StatusConflict, "Duplicate", true
	}
	return 0, "", false
}
