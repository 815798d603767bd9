package inventory

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/pharmacore/internal/platform/db"
	"github.com/odyssey-erp/pharmacore/internal/platform/httpx"
	"github.com/odyssey-erp/pharmacore/internal/shared"
)

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger  *slog.Logger
	service *Service
	retry   db.RetryPolicy
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service, retry db.RetryPolicy) *Handler {
	return &Handler{logger: logger, service: service, retry: retry}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/inventory", func(r chi.Router) {
		r.Post("/batches", h.receive)
		r.Get("/batches/{batchID}", h.getBatch)
		r.Get("/batches/{batchID}/movements", h.movements)
		r.Get("/batches/{batchID}/reconcile", h.reconcile)
		r.Post("/batches/{batchID}/adjustments", h.adjust)
		r.Post("/sales", h.allocate)
		r.Get("/products/{productID}/stock", h.stock)
		r.Get("/near-expiry", h.nearExpiry)
		r.Get("/near-expiry/summary", h.nearExpirySummary)
		r.Get("/reconciliation", h.reconcileAll)
	})
}

type receiveRequest struct {
	ProductID         int64           `json:"product_id" validate:"required,gt=0"`
	BatchNumber       string          `json:"batch_number" validate:"required,max=64"`
	ExpiryDate        string          `json:"expiry_date" validate:"required,datetime=2006-01-02"`
	ManufacturedDate  string          `json:"manufactured_date" validate:"omitempty,datetime=2006-01-02"`
	Quantity          int64           `json:"quantity" validate:"required,gt=0"`
	PTRCost           decimal.Decimal `json:"ptr_cost"`
	VendorID          int64           `json:"vendor_id" validate:"gte=0"`
	PurchaseInvoiceID int64           `json:"purchase_invoice_id" validate:"gte=0"`
	ActorID           int64           `json:"actor_id" validate:"required,gt=0"`
}

type saleRequest struct {
	ProductID int64  `json:"product_id" validate:"required,gt=0"`
	Quantity  int64  `json:"quantity" validate:"required,gt=0"`
	RefType   string `json:"ref_type" validate:"max=32"`
	RefID     string `json:"ref_id" validate:"max=64"`
	ActorID   int64  `json:"actor_id" validate:"required,gt=0"`
}

type adjustRequest struct {
	Delta   int64  `json:"delta"`
	Type    string `json:"type" validate:"required,oneof=ADJUSTED RETURNED EXPIRED RECALLED"`
	Reason  string `json:"reason" validate:"required,max=200"`
	RefType string `json:"ref_type" validate:"max=32"`
	RefID   string `json:"ref_id" validate:"max=64"`
	ActorID int64  `json:"actor_id" validate:"required,gt=0"`
}

type batchResponse struct {
	ID                int64           `json:"id"`
	ProductID         int64           `json:"product_id"`
	BatchNumber       string          `json:"batch_number"`
	ExpiryDate        string          `json:"expiry_date"`
	ReceivedDate      string          `json:"received_date"`
	QuantityReceived  int64           `json:"quantity_received"`
	QuantityRemaining int64           `json:"quantity_remaining"`
	PTRCost           decimal.Decimal `json:"ptr_cost"`
	Status            string          `json:"status"`
}

type movementResponse struct {
	ID          int64  `json:"id"`
	Type        string `json:"type"`
	Quantity    int64  `json:"quantity"`
	RefType     string `json:"ref_type,omitempty"`
	RefID       string `json:"ref_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
	PerformedAt string `json:"performed_at"`
}

type reconciliationResponse struct {
	BatchID           int64 `json:"batch_id"`
	QuantityReceived  int64 `json:"quantity_received"`
	QuantityRemaining int64 `json:"quantity_remaining"`
	MovementSum       int64 `json:"movement_sum"`
	Balanced          bool  `json:"balanced"`
}

func toBatchResponse(b Batch) batchResponse {
	return batchResponse{
		ID:                b.ID,
		ProductID:         b.ProductID,
		BatchNumber:       b.BatchNumber,
		ExpiryDate:        b.ExpiryDate.Format(time.DateOnly),
		ReceivedDate:      b.ReceivedDate.Format(time.DateOnly),
		QuantityReceived:  b.QuantityReceived,
		QuantityRemaining: b.QuantityRemaining,
		PTRCost:           b.PTRCost,
		Status:            string(b.Status),
	}
}

func toReconciliationResponse(r Reconciliation) reconciliationResponse {
	return reconciliationResponse{
		BatchID:           r.BatchID,
		QuantityReceived:  r.QuantityReceived,
		QuantityRemaining: r.QuantityRemaining,
		MovementSum:       r.MovementSum,
		Balanced:          r.Balanced(),
	}
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	var req receiveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	expiry, _ := time.Parse(time.DateOnly, req.ExpiryDate)
	var mfg time.Time
	if req.ManufacturedDate != "" {
		mfg, _ = time.Parse(time.DateOnly, req.ManufacturedDate)
	}
	input := ReceiveInput{
		ProductID:         req.ProductID,
		BatchNumber:       req.BatchNumber,
		ExpiryDate:        expiry,
		ManufacturedDate:  mfg,
		Quantity:          req.Quantity,
		PTRCost:           req.PTRCost,
		VendorID:          req.VendorID,
		PurchaseInvoiceID: req.PurchaseInvoiceID,
		RefType:           "MANUAL_RECEIPT",
		ActorID:           req.ActorID,
	}
	var batch Batch
	err := db.Retry(r.Context(), h.retry, func(ctx context.Context) error {
		var err error
		batch, err = h.service.ReceiveBatch(ctx, input)
		return err
	})
	if err != nil {
		h.logger.Warn("receive batch", slog.Int64("product_id", req.ProductID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toBatchResponse(batch))
}

func (h *Handler) allocate(w http.ResponseWriter, r *http.Request) {
	var req saleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input := SaleInput{ProductID: req.ProductID, Quantity: req.Quantity, RefType: req.RefType, RefID: req.RefID, ActorID: req.ActorID}
	var allocations []Allocation
	err := db.Retry(r.Context(), h.retry, func(ctx context.Context) error {
		var err error
		allocations, err = h.service.AllocateForSale(ctx, input)
		return err
	})
	if err != nil {
		h.logger.Warn("allocate sale", slog.Int64("product_id", req.ProductID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"product_id": req.ProductID, "allocations": allocations})
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request) {
	batchID, err := httpx.IDParam(r, "batchID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req adjustRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input := AdjustInput{
		BatchID: batchID,
		Delta:   req.Delta,
		Type:    MovementType(req.Type),
		Reason:  req.Reason,
		RefType: req.RefType,
		RefID:   req.RefID,
		ActorID: req.ActorID,
	}
	var batch Batch
	err = db.Retry(r.Context(), h.retry, func(ctx context.Context) error {
		var err error
		batch, err = h.service.AdjustQuantity(ctx, input)
		return err
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toBatchResponse(batch))
}

func (h *Handler) getBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := httpx.IDParam(r, "batchID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	batch, err := h.service.GetBatch(r.Context(), batchID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toBatchResponse(batch))
}

func (h *Handler) movements(w http.ResponseWriter, r *http.Request) {
	batchID, err := httpx.IDParam(r, "batchID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	movements, err := h.service.Movements(r.Context(), batchID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]movementResponse, 0, len(movements))
	for _, m := range movements {
		out = append(out, movementResponse{
			ID:          m.ID,
			Type:        string(m.Type),
			Quantity:    m.Quantity,
			RefType:     m.RefType,
			RefID:       m.RefID,
			Reason:      m.Reason,
			PerformedAt: m.PerformedAt.UTC().Format(time.RFC3339),
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	batchID, err := httpx.IDParam(r, "batchID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rec, err := h.service.Reconcile(r.Context(), batchID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toReconciliationResponse(rec))
}

func (h *Handler) reconcileAll(w http.ResponseWriter, r *http.Request) {
	recs, err := h.service.ReconcileAll(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]reconciliationResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toReconciliationResponse(rec))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) stock(w http.ResponseWriter, r *http.Request) {
	productID, err := httpx.IDParam(r, "productID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	qty, err := h.service.AvailableStock(r.Context(), productID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int64{"product_id": productID, "available": qty})
}

func (h *Handler) nearExpiry(w http.ResponseWriter, r *http.Request) {
	days := ExpiryThresholds[0]
	if raw := r.URL.Query().Get("days"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			httpx.RespondError(w, shared.Validation("days", "must be an integer"))
			return
		}
		days = v
	}
	rows, err := h.service.NearExpiry(r.Context(), days)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if rows == nil {
		rows = []NearExpiryBatch{}
	}
	httpx.JSON(w, http.StatusOK, rows)
}

func (h *Handler) nearExpirySummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.NearExpirySummary(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}
