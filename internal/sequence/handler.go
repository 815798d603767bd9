package sequence

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/pharmacore/internal/platform/db"
	"github.com/odyssey-erp/pharmacore/internal/platform/httpx"
	"github.com/odyssey-erp/pharmacore/internal/shared"
)

// Handler exposes the allocator over JSON.
type Handler struct {
	logger  *slog.Logger
	service *Service
	retry   db.RetryPolicy
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service, retry db.RetryPolicy) *Handler {
	return &Handler{logger: logger, service: service, retry: retry}
}

// MountRoutes registers sequence endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/sequences/{namespace}", func(r chi.Router) {
		r.Get("/", h.current)
		r.Post("/next", h.next)
	})
}

type allocationResponse struct {
	Namespace  string `json:"namespace"`
	FiscalYear string `json:"fiscal_year"`
	Value      int64  `json:"value"`
	Number     string `json:"number"`
}

func (h *Handler) next(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	var alloc Allocation
	err := db.Retry(r.Context(), h.retry, func(ctx context.Context) error {
		var err error
		alloc, err = h.service.Allocate(ctx, namespace)
		return err
	})
	if err != nil {
		h.logger.Warn("allocate sequence", slog.String("namespace", namespace), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, allocationResponse{
		Namespace:  alloc.Namespace,
		FiscalYear: alloc.FiscalYear(),
		Value:      alloc.Value,
		Number:     alloc.Format(""),
	})
}

func (h *Handler) current(w http.ResponseWriter, r *http.Request) {
	counter, err := h.service.Current(r.Context(), chi.URLParam(r, "namespace"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"namespace":   counter.Namespace,
		"fiscal_year": shared.FiscalYearLabel(counter.FiscalYearStart),
		"last_value":  counter.LastValue,
	})
}
