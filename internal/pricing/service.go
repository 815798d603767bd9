package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/pharmacore/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	PriceAt(ctx context.Context, productID int64, asOf time.Time) (PriceInterval, error)
	History(ctx context.Context, productID int64) ([]PriceInterval, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service maintains non-overlapping price intervals per product.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	integration IntegrationHandler
	clock       func() time.Time
	logger      *slog.Logger
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	Clock  func() time.Time
	Logger *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, cfg ServiceConfig, integration IntegrationHandler) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, integration: integration, clock: clock, logger: logger}
}

var hundred = decimal.NewFromInt(100)

// PostPrice closes the product's open interval on the day before effectiveDate
// and opens a new interval from effectiveDate. A zero effectiveDate means today.
func (s *Service) PostPrice(ctx context.Context, productID int64, input PriceInput, effectiveDate time.Time) (PriceInterval, error) {
	in, err := resolveInput(productID, input)
	if err != nil {
		return PriceInterval{}, err
	}
	effective := s.dateOrToday(effectiveDate)
	if !effective.Before(InfinityDate) {
		return PriceInterval{}, shared.Validation("effective_date", "must be before "+InfinityDate.Format(time.DateOnly))
	}
	var posted PriceInterval
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		open, hasOpen, err := lockOpen(ctx, tx, productID)
		if err != nil {
			return err
		}
		if hasOpen && !effective.After(open.EffectiveFrom) {
			return shared.Validation("effective_date", fmt.Sprintf("must be after %s, the start of the current price", open.EffectiveFrom.Format(time.DateOnly)))
		}
		posted, err = s.post(ctx, tx, productID, in, effective, open, hasOpen)
		return err
	})
	if err != nil {
		return PriceInterval{}, err
	}
	return posted, nil
}

// Revise posts input only when it differs from the open interval. The new
// interval starts at asOf, or the day after the open interval starts when that
// is later, so repeated revisions on one day never collide. The boolean reports
// whether a new interval was created.
func (s *Service) Revise(ctx context.Context, productID int64, input PriceInput, asOf time.Time) (PriceInterval, bool, error) {
	in, err := resolveInput(productID, input)
	if err != nil {
		return PriceInterval{}, false, err
	}
	effective := s.dateOrToday(asOf)
	var (
		result  PriceInterval
		created bool
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		open, hasOpen, err := lockOpen(ctx, tx, productID)
		if err != nil {
			return err
		}
		if hasOpen {
			if open.SameTerms(in) {
				result = open
				return nil
			}
			if next := open.EffectiveFrom.AddDate(0, 0, 1); effective.Before(next) {
				effective = next
			}
		}
		result, err = s.post(ctx, tx, productID, in, effective, open, hasOpen)
		created = err == nil
		return err
	})
	if err != nil {
		return PriceInterval{}, false, err
	}
	return result, created, nil
}

// CurrentPrice returns the interval covering asOf. A zero asOf means today.
func (s *Service) CurrentPrice(ctx context.Context, productID int64, asOf time.Time) (PriceInterval, error) {
	if productID <= 0 {
		return PriceInterval{}, shared.Validation("product_id", "required")
	}
	return s.repo.PriceAt(ctx, productID, s.dateOrToday(asOf))
}

// History lists all intervals of a product ordered by start date.
func (s *Service) History(ctx context.Context, productID int64) ([]PriceInterval, error) {
	if productID <= 0 {
		return nil, shared.Validation("product_id", "required")
	}
	return s.repo.History(ctx, productID)
}

// VerifyTimeline checks that intervals never overlap and that a non-empty
// history has exactly one open interval, the latest.
func VerifyTimeline(intervals []PriceInterval) error {
	sorted := make([]PriceInterval, len(intervals))
	copy(sorted, intervals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EffectiveFrom.Before(sorted[j].EffectiveFrom) })
	if n := len(sorted); n > 0 && !sorted[n-1].IsOpen() {
		return fmt.Errorf("%w: latest interval %d is closed, no price is open", ErrOverlappingTimeline, sorted[n-1].ID)
	}
	for i, cur := range sorted {
		if cur.EffectiveTo.Before(cur.EffectiveFrom) {
			return fmt.Errorf("%w: interval %d ends before it starts", ErrOverlappingTimeline, cur.ID)
		}
		if cur.IsOpen() && i != len(sorted)-1 {
			return fmt.Errorf("%w: interval %d is open but not the latest", ErrOverlappingTimeline, cur.ID)
		}
		if i > 0 && !sorted[i-1].EffectiveTo.Before(cur.EffectiveFrom) {
			return fmt.Errorf("%w: intervals %d and %d overlap", ErrOverlappingTimeline, sorted[i-1].ID, cur.ID)
		}
	}
	return nil
}

func lockOpen(ctx context.Context, tx TxRepository, productID int64) (PriceInterval, bool, error) {
	open, err := tx.LockOpenInterval(ctx, productID)
	if errors.Is(err, ErrPriceNotFound) {
		return PriceInterval{}, false, nil
	}
	if err != nil {
		return PriceInterval{}, false, err
	}
	return open, true, nil
}

func (s *Service) post(ctx context.Context, tx TxRepository, productID int64, in PriceInput, effective time.Time, open PriceInterval, hasOpen bool) (PriceInterval, error) {
	if hasOpen {
		if err := tx.CloseInterval(ctx, open.ID, effective.AddDate(0, 0, -1)); err != nil {
			return PriceInterval{}, err
		}
	}
	interval := PriceInterval{
		ProductID:     productID,
		EffectiveFrom: effective,
		EffectiveTo:   InfinityDate,
		SalePrice:     in.SalePrice,
		MRP:           in.MRP,
		BasePrice:     in.BasePrice,
		MarginPct:     in.MarginPct.Decimal,
		DiscountPct:   in.DiscountPct.Decimal,
		TaxPct:        in.TaxPct,
		TaxInclusive:  in.TaxInclusive,
		Method:        in.Method,
		Reason:        in.Reason,
		Comments:      in.Comments,
		CreatedBy:     in.ActorID,
	}
	id, createdAt, err := tx.InsertInterval(ctx, interval)
	if err != nil {
		return PriceInterval{}, err
	}
	interval.ID = id
	interval.CreatedAt = createdAt

	shared.AfterCommit(ctx, func(ctx context.Context) {
		s.publish(ctx, interval, open, hasOpen)
	})
	return interval, nil
}

func (s *Service) publish(ctx context.Context, interval, previous PriceInterval, hadPrevious bool) {
	meta := map[string]any{
		"product_id":     interval.ProductID,
		"effective_from": interval.EffectiveFrom.Format(time.DateOnly),
		"sale_price":     interval.SalePrice.String(),
		"mrp":            interval.MRP.String(),
		"base_price":     interval.BasePrice.String(),
		"method":         string(interval.Method),
	}
	if hadPrevious {
		meta["closed_interval_id"] = previous.ID
	}
	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  interval.CreatedBy,
			Action:   "pricing:post",
			Entity:   "price_interval",
			EntityID: fmt.Sprintf("%d", interval.ID),
			Meta:     meta,
			At:       s.clock(),
		}); err != nil {
			s.logger.Warn("audit price post", slog.Int64("interval_id", interval.ID), slog.Any("error", err))
		}
	}
	if s.integration != nil {
		evt := PricePostedEvent{
			IntervalID:    interval.ID,
			ProductID:     interval.ProductID,
			EffectiveFrom: interval.EffectiveFrom,
			SalePrice:     interval.SalePrice,
			MRP:           interval.MRP,
			BasePrice:     interval.BasePrice,
			PostedBy:      interval.CreatedBy,
		}
		if err := s.integration.HandlePricePosted(ctx, evt); err != nil {
			s.logger.Warn("publish price posted", slog.Int64("interval_id", interval.ID), slog.Any("error", err))
		}
	}
}

func (s *Service) dateOrToday(t time.Time) time.Time {
	if t.IsZero() {
		t = s.clock()
	}
	return shared.DateOf(t)
}

func resolveInput(productID int64, in PriceInput) (PriceInput, error) {
	if productID <= 0 {
		return in, shared.Validation("product_id", "required")
	}
	if in.Method == "" {
		in.Method = MethodManual
	}
	if !in.MRP.IsPositive() {
		return in, shared.Validation("mrp", "must be positive")
	}
	if in.BasePrice.IsNegative() {
		return in, shared.Validation("base_price", "must not be negative")
	}
	if in.TaxPct.IsNegative() || in.TaxPct.GreaterThan(hundred) {
		return in, shared.Validation("tax_pct", "must be between 0 and 100")
	}
	switch in.Method {
	case MethodMargin:
		if in.SalePrice.IsZero() {
			if !in.MarginPct.Valid {
				return in, shared.Validation("margin_pct", "required to derive sale price by margin")
			}
			in.SalePrice = in.BasePrice.Mul(hundred.Add(in.MarginPct.Decimal)).Div(hundred).Round(2)
		}
	case MethodDiscount:
		if in.SalePrice.IsZero() {
			if !in.DiscountPct.Valid {
				return in, shared.Validation("discount_pct", "required to derive sale price by discount")
			}
			in.SalePrice = in.MRP.Mul(hundred.Sub(in.DiscountPct.Decimal)).Div(hundred).Round(2)
		}
	case MethodManual:
	default:
		return in, shared.Validation("method", fmt.Sprintf("unknown calculation method %q", in.Method))
	}
	if !in.SalePrice.IsPositive() {
		return in, shared.Validation("sale_price", "must be positive")
	}
	if in.SalePrice.LessThan(in.BasePrice) {
		return in, shared.Validation("sale_price", fmt.Sprintf("%s is below base price %s", in.SalePrice, in.BasePrice))
	}
	if consumer := ConsumerPrice(in.SalePrice, in.TaxPct, in.TaxInclusive); consumer.GreaterThan(in.MRP) {
		return in, shared.Validation("sale_price", fmt.Sprintf("consumer price %s exceeds MRP %s", consumer, in.MRP))
	}
	if !in.MarginPct.Valid {
		in.MarginPct = decimal.NewNullDecimal(Margin(in.SalePrice, in.BasePrice))
	}
	if !in.DiscountPct.Valid {
		in.DiscountPct = decimal.NewNullDecimal(Discount(in.SalePrice, in.MRP))
	}
	return in, nil
}

// ConsumerPrice is what the buyer pays: the sale price, plus tax unless inclusive.
func ConsumerPrice(sale, taxPct decimal.Decimal, inclusive bool) decimal.Decimal {
	if inclusive || taxPct.IsZero() {
		return sale
	}
	return sale.Mul(hundred.Add(taxPct)).Div(hundred).Round(2)
}

// Margin is (sale - base) / base as a percentage rounded to two places.
func Margin(sale, base decimal.Decimal) decimal.Decimal {
	if !base.IsPositive() {
		return decimal.Zero
	}
	return sale.Sub(base).Div(base).Mul(hundred).Round(2)
}

// Discount is (mrp - sale) / mrp as a percentage rounded to two places.
func Discount(sale, mrp decimal.Decimal) decimal.Decimal {
	if !mrp.IsPositive() {
		return decimal.Zero
	}
	return mrp.Sub(sale).Div(mrp).Mul(hundred).Round(2)
}
