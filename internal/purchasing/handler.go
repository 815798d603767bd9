package purchasing

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/pharmacore/internal/platform/db"
	"github.com/odyssey-erp/pharmacore/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the purchase invoice lifecycle.
type Handler struct {
	logger  *slog.Logger
	service *Service
	retry   db.RetryPolicy
}

// NewHandler constructs purchasing handler.
func NewHandler(logger *slog.Logger, service *Service, retry db.RetryPolicy) *Handler {
	return &Handler{logger: logger, service: service, retry: retry}
}

// MountRoutes registers purchasing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/purchase-invoices", func(r chi.Router) {
		r.Post("/", h.create)
		r.Post("/gstr2b-verifications", h.markGSTR2B)
		r.Post("/itc-claims", h.claimITC)
		r.Post("/payments/{paymentID}/reconcile", h.reconcilePayment)
		r.Route("/{invoiceID}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Get("/summary", h.summary)
			r.Get("/closure", h.canClose)
			r.Post("/items", h.addItem)
			r.Post("/verify", h.verify)
			r.Post("/complete", h.complete)
			r.Post("/payments", h.recordPayment)
			r.Post("/tax-status", h.updateTaxStatus)
			r.Post("/close", h.close)
		})
	})
}

type itemRequest struct {
	ProductID        int64           `json:"product_id" validate:"required,gt=0"`
	Type             string          `json:"item_type" validate:"omitempty,oneof=REGULAR RETURN SUPPLIED"`
	BatchNumber      string          `json:"batch_number" validate:"required,max=64"`
	ExpiryDate       string          `json:"expiry_date" validate:"required,datetime=2006-01-02"`
	ManufacturedDate string          `json:"manufactured_date" validate:"omitempty,datetime=2006-01-02"`
	Quantity         int64           `json:"quantity" validate:"required,gt=0"`
	FreeQuantity     int64           `json:"free_quantity" validate:"gte=0"`
	PTRValue         decimal.Decimal `json:"ptr_value"`
	DiscountPct      decimal.Decimal `json:"discount_pct"`
	TaxPct           decimal.Decimal `json:"tax_pct"`
	SalePrice        decimal.Decimal `json:"sale_price"`
	MRP              decimal.Decimal `json:"mrp"`
	ChallanRef       string          `json:"challan_ref" validate:"max=64"`
	ReturnReason     string          `json:"return_reason" validate:"max=200"`
	ActorID          int64           `json:"actor_id" validate:"required,gt=0"`
}

func (req itemRequest) input() ItemInput {
	expiry, _ := time.Parse(time.DateOnly, req.ExpiryDate)
	var mfg time.Time
	if req.ManufacturedDate != "" {
		mfg, _ = time.Parse(time.DateOnly, req.ManufacturedDate)
	}
	return ItemInput{
		ProductID:        req.ProductID,
		Type:             ItemType(req.Type),
		BatchNumber:      req.BatchNumber,
		ExpiryDate:       expiry,
		ManufacturedDate: mfg,
		Quantity:         req.Quantity,
		FreeQuantity:     req.FreeQuantity,
		PTRValue:         req.PTRValue,
		DiscountPct:      req.DiscountPct,
		TaxPct:           req.TaxPct,
		SalePrice:        req.SalePrice,
		MRP:              req.MRP,
		ChallanRef:       req.ChallanRef,
		ReturnReason:     req.ReturnReason,
		ActorID:          req.ActorID,
	}
}

type createRequest struct {
	VendorID    int64         `json:"vendor_id" validate:"required,gt=0"`
	VendorGSTIN string        `json:"vendor_gstin" validate:"omitempty,len=15"`
	InvoiceNo   string        `json:"invoice_no" validate:"required,max=64"`
	InvoiceDate string        `json:"invoice_date" validate:"required,datetime=2006-01-02"`
	InterState  bool          `json:"inter_state"`
	Comments    string        `json:"comments" validate:"max=500"`
	Items       []itemRequest `json:"items" validate:"dive"`
	ActorID     int64         `json:"actor_id" validate:"required,gt=0"`
}

type actorRequest struct {
	ActorID int64 `json:"actor_id" validate:"required,gt=0"`
}

type verifyRequest struct {
	ItemIDs []int64 `json:"item_ids" validate:"required,min=1,dive,gt=0"`
	ActorID int64   `json:"actor_id" validate:"required,gt=0"`
}

type paymentRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	PaidOn   string          `json:"paid_on" validate:"omitempty,datetime=2006-01-02"`
	Mode     string          `json:"mode" validate:"required,max=32"`
	TransRef string          `json:"trans_ref" validate:"max=64"`
	ActorID  int64           `json:"actor_id" validate:"required,gt=0"`
}

type taxStatusRequest struct {
	Status         string `json:"status" validate:"required,oneof=ITC_ELIGIBLE ITC_INELIGIBLE ITC_CLAIMED ITC_REVERSED"`
	Note           string `json:"note" validate:"max=500"`
	GSTR2BVerified bool   `json:"gstr2b_verified"`
	ActorID        int64  `json:"actor_id" validate:"required,gt=0"`
}

type gstr2bRequest struct {
	InvoiceIDs []int64 `json:"invoice_ids" validate:"required,min=1,dive,gt=0"`
	ActorID    int64   `json:"actor_id" validate:"required,gt=0"`
}

type claimRequest struct {
	From    string `json:"from" validate:"required,datetime=2006-01-02"`
	To      string `json:"to" validate:"required,datetime=2006-01-02"`
	ActorID int64  `json:"actor_id" validate:"required,gt=0"`
}

type closeRequest struct {
	Notes   string `json:"notes" validate:"max=500"`
	ActorID int64  `json:"actor_id" validate:"required,gt=0"`
}

type invoiceResponse struct {
	ID              int64           `json:"id"`
	VendorID        int64           `json:"vendor_id"`
	VendorGSTIN     string          `json:"vendor_gstin,omitempty"`
	InvoiceNo       string          `json:"invoice_no"`
	InvoiceDate     string          `json:"invoice_date"`
	GRNo            string          `json:"gr_no"`
	GRDate          string          `json:"gr_date"`
	Status          string          `json:"status"`
	PaymentStatus   string          `json:"payment_status"`
	TaxStatus       string          `json:"tax_status"`
	LifecycleStatus string          `json:"lifecycle_status"`
	Total           decimal.Decimal `json:"total"`
	PaidAmount      decimal.Decimal `json:"paid_amount"`
	CGSTAmount      decimal.Decimal `json:"cgst_amount"`
	SGSTAmount      decimal.Decimal `json:"sgst_amount"`
	IGSTAmount      decimal.Decimal `json:"igst_amount"`
	GSTR2BVerified  bool            `json:"gstr2b_verified"`
	TaxNote         string          `json:"tax_note,omitempty"`
}

type itemResponse struct {
	ID           int64           `json:"id"`
	ProductID    int64           `json:"product_id"`
	Type         string          `json:"item_type"`
	BatchNumber  string          `json:"batch_number"`
	ExpiryDate   string          `json:"expiry_date"`
	Quantity     int64           `json:"quantity"`
	FreeQuantity int64           `json:"free_quantity"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	Total        decimal.Decimal `json:"total"`
	Status       string          `json:"status"`
	BatchID      int64           `json:"batch_id,omitempty"`
}

type paymentResponse struct {
	ID         int64           `json:"id"`
	InvoiceID  int64           `json:"invoice_id"`
	Amount     decimal.Decimal `json:"amount"`
	PaidOn     string          `json:"paid_on"`
	Mode       string          `json:"mode"`
	TransRef   string          `json:"trans_ref,omitempty"`
	Reconciled bool            `json:"reconciled"`
}

type detailResponse struct {
	invoiceResponse
	Items    []itemResponse    `json:"items"`
	Payments []paymentResponse `json:"payments"`
}

type closureResponse struct {
	CanClose bool     `json:"can_close"`
	Reasons  []string `json:"reasons"`
}

type itcResponse struct {
	InvoiceIDs []int64         `json:"invoice_ids"`
	TaxCredit  decimal.Decimal `json:"tax_credit"`
}

func toInvoiceResponse(inv Invoice) invoiceResponse {
	return invoiceResponse{
		ID:              inv.ID,
		VendorID:        inv.VendorID,
		VendorGSTIN:     inv.VendorGSTIN,
		InvoiceNo:       inv.InvoiceNo,
		InvoiceDate:     inv.InvoiceDate.Format(time.DateOnly),
		GRNo:            inv.GRNo,
		GRDate:          inv.GRDate.Format(time.DateOnly),
		Status:          string(inv.Status),
		PaymentStatus:   string(inv.PaymentStatus),
		TaxStatus:       string(inv.TaxStatus),
		LifecycleStatus: string(inv.LifecycleStatus),
		Total:           inv.Total,
		PaidAmount:      inv.PaidAmount,
		CGSTAmount:      inv.CGSTAmount,
		SGSTAmount:      inv.SGSTAmount,
		IGSTAmount:      inv.IGSTAmount,
		GSTR2BVerified:  inv.GSTR2BVerified,
		TaxNote:         inv.TaxNote,
	}
}

func toItemResponse(it Item) itemResponse {
	return itemResponse{
		ID:           it.ID,
		ProductID:    it.ProductID,
		Type:         string(it.Type),
		BatchNumber:  it.BatchNumber,
		ExpiryDate:   it.ExpiryDate.Format(time.DateOnly),
		Quantity:     it.Quantity,
		FreeQuantity: it.FreeQuantity,
		UnitCost:     it.UnitCost,
		Total:        it.Total,
		Status:       string(it.Status),
		BatchID:      it.BatchID,
	}
}

func toPaymentResponse(p Payment) paymentResponse {
	return paymentResponse{
		ID:         p.ID,
		InvoiceID:  p.InvoiceID,
		Amount:     p.Amount,
		PaidOn:     p.PaidOn.Format(time.DateOnly),
		Mode:       p.Mode,
		TransRef:   p.TransRef,
		Reconciled: p.Reconciled,
	}
}

func toDetailResponse(d InvoiceDetail) detailResponse {
	out := detailResponse{
		invoiceResponse: toInvoiceResponse(d.Invoice),
		Items:           make([]itemResponse, 0, len(d.Items)),
		Payments:        make([]paymentResponse, 0, len(d.Payments)),
	}
	for _, it := range d.Items {
		out.Items = append(out.Items, toItemResponse(it))
	}
	for _, p := range d.Payments {
		out.Payments = append(out.Payments, toPaymentResponse(p))
	}
	return out
}

func toITCResponse(res ITCResult) itcResponse {
	ids := res.InvoiceIDs
	if ids == nil {
		ids = []int64{}
	}
	return itcResponse{InvoiceIDs: ids, TaxCredit: res.TaxCredit}
}

// retryTx runs fn under the handler's retry policy.
func (h *Handler) retryTx(r *http.Request, fn func(ctx context.Context) error) error {
	return db.Retry(r.Context(), h.retry, fn)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	invoiceDate, _ := time.Parse(time.DateOnly, req.InvoiceDate)
	input := CreateInvoiceInput{
		VendorID:    req.VendorID,
		VendorGSTIN: req.VendorGSTIN,
		InvoiceNo:   req.InvoiceNo,
		InvoiceDate: invoiceDate,
		InterState:  req.InterState,
		Comments:    req.Comments,
		ActorID:     req.ActorID,
	}
	for _, it := range req.Items {
		input.Items = append(input.Items, it.input())
	}
	var detail InvoiceDetail
	err := h.retryTx(r, func(ctx context.Context) error {
		var err error
		detail, err = h.service.CreateInvoice(ctx, input)
		return err
	})
	if err != nil {
		h.logger.Warn("create purchase invoice", slog.String("invoice_no", req.InvoiceNo), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toDetailResponse(detail))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "invoiceID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	detail, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toDetailResponse(detail))
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "invoiceID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	sum, err := h.service.Summary(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	counts := make(map[string]int, len(sum.ItemCounts))
	for typ, n := range sum.ItemCounts {
		counts[string(typ)] = n
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"invoice":        toInvoiceResponse(sum.Invoice),
		"item_counts":    counts,
		"items_total":    sum.ItemsTotal,
		"items_verified": sum.ItemsVerified,
		"payment_count":  sum.PaymentCount,
		"reconciled":     sum.Reconciled,
		"outstanding":    sum.Outstanding,
		"tax_credit":     sum.TaxCredit,
		"closure":        closureResponse{CanClose: sum.Closure.CanClose, Reasons: nonNil(sum.Closure.Reasons)},
	})
}

func (h *Handler) canClose(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "invoiceID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	check, err := h.service.CanClose(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, closureResponse{CanClose: check.CanClose, Reasons: nonNil(check.Reasons)})
}

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "invoiceID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req itemRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	var item Item
	err = h.retryTx(r, func(ctx context.Context) error {
		var err error
		item, err = h.service.AddItem(ctx, id, req.input())
		return err
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toItemResponse(item))
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "invoiceID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req verifyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	var inv Invoice
	err = h.retryTx(r, func(ctx context.Context) error {
		var err error
		inv, err = h.service.VerifyItems(ctx, id, req.ItemIDs, req.ActorID)
		return err
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInvoiceResponse(inv))
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "invoiceID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req actorRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	var detail InvoiceDetail
	err = h.retryTx(r, func(ctx context.Context) error {
		var err error
		detail, err = h.service.CompleteInvoice(ctx, id, req.ActorID)
		return err
	})
	if err != nil {
		h.logger.Warn("complete purchase invoice", slog.Int64("invoice_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toDetailResponse(detail))
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "invoiceID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req paymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	var paidOn time.Time
	if req.PaidOn != "" {
		paidOn, _ = time.Parse(time.DateOnly, req.PaidOn)
	}
	input := PaymentInput{InvoiceID: id, Amount: req.Amount, PaidOn: paidOn, Mode: req.Mode, TransRef: req.TransRef, ActorID: req.ActorID}
	var (
		payment Payment
		inv     Invoice
	)
	err = h.retryTx(r, func(ctx context.Context) error {
		var err error
		payment, inv, err = h.service.RecordPayment(ctx, input)
		return err
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"payment": toPaymentResponse(payment),
		"invoice": toInvoiceResponse(inv),
	})
}

func (h *Handler) reconcilePayment(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "paymentID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req actorRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	var payment Payment
	err = h.retryTx(r, func(ctx context.Context) error {
		var err error
		payment, err = h.service.ReconcilePayment(ctx, id, req.ActorID)
		return err
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPaymentResponse(payment))
}

func (h *Handler) updateTaxStatus(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "invoiceID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req taxStatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	update := TaxUpdate{Status: TaxStatus(req.Status), Note: req.Note, GSTR2BVerified: req.GSTR2BVerified, ActorID: req.ActorID}
	var inv Invoice
	err = h.retryTx(r, func(ctx context.Context) error {
		var err error
		inv, err = h.service.UpdateTaxStatus(ctx, id, update)
		return err
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInvoiceResponse(inv))
}

func (h *Handler) markGSTR2B(w http.ResponseWriter, r *http.Request) {
	var req gstr2bRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	var res ITCResult
	err := h.retryTx(r, func(ctx context.Context) error {
		var err error
		res, err = h.service.MarkGSTR2BVerified(ctx, req.InvoiceIDs, req.ActorID)
		return err
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toITCResponse(res))
}

func (h *Handler) claimITC(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	from, _ := time.Parse(time.DateOnly, req.From)
	to, _ := time.Parse(time.DateOnly, req.To)
	var res ITCResult
	err := h.retryTx(r, func(ctx context.Context) error {
		var err error
		res, err = h.service.BulkClaimITC(ctx, from, to, req.ActorID)
		return err
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toITCResponse(res))
}

func (h *Handler) close(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "invoiceID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req closeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	var inv Invoice
	err = h.retryTx(r, func(ctx context.Context) error {
		var err error
		inv, err = h.service.CloseInvoice(ctx, id, req.Notes, req.ActorID)
		return err
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInvoiceResponse(inv))
}

func nonNil(reasons []string) []string {
	if reasons == nil {
		return []string{}
	}
	return reasons
}
