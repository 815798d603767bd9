package sequence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/pharmacore/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Current(ctx context.Context, namespace string, fiscalYearStart time.Time) (int64, error)
}

// Service hands out gap-free numbers per namespace and fiscal year.
type Service struct {
	repo     RepositoryPort
	clock    func() time.Time
	logger   *slog.Logger
	validate *validator.Validate
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	Clock  func() time.Time
	Logger *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, cfg ServiceConfig) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, clock: clock, logger: logger, validate: validator.New()}
}

// Allocate returns the next number of namespace within the open fiscal year.
// The fiscal year is read from the clock inside the transaction, immediately
// before the counter row is locked. A failure of an enclosing transaction
// rolls the increment back, so numbers stay gap free.
func (s *Service) Allocate(ctx context.Context, namespace string) (Allocation, error) {
	if err := s.checkNamespace(namespace); err != nil {
		return Allocation{}, err
	}
	var out Allocation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		now := s.clock()
		fy := shared.FiscalYearStart(now)
		if err := tx.EnsureCounter(ctx, namespace, fy); err != nil {
			return err
		}
		last, err := tx.LockCounter(ctx, namespace, fy)
		if err != nil {
			return err
		}
		next := last + 1
		if err := tx.StoreCounter(ctx, namespace, fy, next, now); err != nil {
			return err
		}
		out = Allocation{Namespace: namespace, FiscalYearStart: fy, Value: next}
		return nil
	})
	if err != nil {
		return Allocation{}, fmt.Errorf("sequence: allocate %s: %w", namespace, err)
	}
	s.logger.Debug("sequence allocated", slog.String("namespace", namespace), slog.String("fiscal_year", out.FiscalYear()), slog.Int64("value", out.Value))
	return out, nil
}

// Current reports the last value issued in the open fiscal year without locking.
func (s *Service) Current(ctx context.Context, namespace string) (Counter, error) {
	if err := s.checkNamespace(namespace); err != nil {
		return Counter{}, err
	}
	fy := shared.FiscalYearStart(s.clock())
	last, err := s.repo.Current(ctx, namespace, fy)
	if err != nil {
		return Counter{}, err
	}
	return Counter{Namespace: namespace, FiscalYearStart: fy, LastValue: last}, nil
}

func (s *Service) checkNamespace(namespace string) error {
	if err := s.validate.Var(namespace, "required,max=64,printascii,excludesall= /"); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidNamespace, namespace, shared.Validation("namespace", "must be 1-64 printable characters without spaces or slashes"))
	}
	return nil
}
