package pricing

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/pharmacore/internal/platform/db"
	"github.com/odyssey-erp/pharmacore/internal/platform/httpx"
	"github.com/odyssey-erp/pharmacore/internal/shared"
)

// Handler exposes the price ledger over JSON.
type Handler struct {
	logger  *slog.Logger
	service *Service
	retry   db.RetryPolicy
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service, retry db.RetryPolicy) *Handler {
	return &Handler{logger: logger, service: service, retry: retry}
}

// MountRoutes registers pricing endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/products/{productID}/prices", func(r chi.Router) {
		r.Get("/", h.history)
		r.Post("/", h.post)
		r.Get("/current", h.current)
	})
}

type postPriceRequest struct {
	SalePrice     decimal.Decimal     `json:"sale_price"`
	MRP           decimal.Decimal     `json:"mrp"`
	BasePrice     decimal.Decimal     `json:"base_price"`
	MarginPct     decimal.NullDecimal `json:"margin_pct"`
	DiscountPct   decimal.NullDecimal `json:"discount_pct"`
	TaxPct        decimal.Decimal     `json:"tax_pct"`
	TaxInclusive  bool                `json:"tax_inclusive"`
	Method        string              `json:"method" validate:"omitempty,oneof=MANUAL MARGIN DISCOUNT"`
	EffectiveDate string              `json:"effective_date" validate:"omitempty,datetime=2006-01-02"`
	Reason        string              `json:"reason" validate:"max=200"`
	Comments      string              `json:"comments" validate:"max=500"`
	ActorID       int64               `json:"actor_id" validate:"required,gt=0"`
}

type intervalResponse struct {
	ID            int64           `json:"id"`
	ProductID     int64           `json:"product_id"`
	EffectiveFrom string          `json:"effective_from"`
	EffectiveTo   string          `json:"effective_to"`
	SalePrice     decimal.Decimal `json:"sale_price"`
	MRP           decimal.Decimal `json:"mrp"`
	BasePrice     decimal.Decimal `json:"base_price"`
	MarginPct     decimal.Decimal `json:"margin_pct"`
	DiscountPct   decimal.Decimal `json:"discount_pct"`
	TaxPct        decimal.Decimal `json:"tax_pct"`
	TaxInclusive  bool            `json:"tax_inclusive"`
	Method        string          `json:"method"`
	Open          bool            `json:"open"`
}

func toResponse(p PriceInterval) intervalResponse {
	return intervalResponse{
		ID:            p.ID,
		ProductID:     p.ProductID,
		EffectiveFrom: p.EffectiveFrom.Format(time.DateOnly),
		EffectiveTo:   p.EffectiveTo.Format(time.DateOnly),
		SalePrice:     p.SalePrice,
		MRP:           p.MRP,
		BasePrice:     p.BasePrice,
		MarginPct:     p.MarginPct,
		DiscountPct:   p.DiscountPct,
		TaxPct:        p.TaxPct,
		TaxInclusive:  p.TaxInclusive,
		Method:        string(p.Method),
		Open:          p.IsOpen(),
	}
}

func (h *Handler) post(w http.ResponseWriter, r *http.Request) {
	productID, err := httpx.IDParam(r, "productID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req postPriceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	effective, err := parseDate(req.EffectiveDate)
	if err != nil {
		httpx.RespondError(w, shared.Validation("effective_date", err.Error()))
		return
	}
	input := PriceInput{
		SalePrice:    req.SalePrice,
		MRP:          req.MRP,
		BasePrice:    req.BasePrice,
		MarginPct:    req.MarginPct,
		DiscountPct:  req.DiscountPct,
		TaxPct:       req.TaxPct,
		TaxInclusive: req.TaxInclusive,
		Method:       CalculationMethod(req.Method),
		Reason:       req.Reason,
		Comments:     req.Comments,
		ActorID:      req.ActorID,
	}
	var posted PriceInterval
	err = db.Retry(r.Context(), h.retry, func(ctx context.Context) error {
		var err error
		posted, err = h.service.PostPrice(ctx, productID, input, effective)
		return err
	})
	if err != nil {
		h.logger.Warn("post price", slog.Int64("product_id", productID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toResponse(posted))
}

func (h *Handler) current(w http.ResponseWriter, r *http.Request) {
	productID, err := httpx.IDParam(r, "productID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	asOf, err := parseDate(r.URL.Query().Get("as_of"))
	if err != nil {
		httpx.RespondError(w, shared.Validation("as_of", err.Error()))
		return
	}
	interval, err := h.service.CurrentPrice(r.Context(), productID, asOf)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(interval))
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	productID, err := httpx.IDParam(r, "productID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	intervals, err := h.service.History(r.Context(), productID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]intervalResponse, 0, len(intervals))
	for _, p := range intervals {
		out = append(out, toResponse(p))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.DateOnly, raw)
}
