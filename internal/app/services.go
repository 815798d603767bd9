package app

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/pharmacore/internal/integration"
	"github.com/odyssey-erp/pharmacore/internal/inventory"
	"github.com/odyssey-erp/pharmacore/internal/observability"
	"github.com/odyssey-erp/pharmacore/internal/platform/db"
	"github.com/odyssey-erp/pharmacore/internal/pricing"
	"github.com/odyssey-erp/pharmacore/internal/purchasing"
	"github.com/odyssey-erp/pharmacore/internal/sequence"
	"github.com/odyssey-erp/pharmacore/internal/shared"
)

// ServiceDeps are the shared connections every process builds services on.
type ServiceDeps struct {
	Config  *Config
	Logger  *slog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Metrics *observability.Metrics
	// Clock stamps audit rows, idempotency keys and business dates. Nil means
	// the wall clock in UTC.
	Clock func() time.Time
}

// Services bundles the domain services wired to Postgres, Redis and Kafka.
type Services struct {
	Sequence    *sequence.Service
	Pricing     *pricing.Service
	Inventory   *inventory.Service
	Purchasing  *purchasing.Service
	Audit       *shared.AuditLogger
	Idempotency *shared.IdempotencyStore
	Retry       db.RetryPolicy

	closers []func() error
}

// NewServices wires the domain services. Without KAFKA_BROKERS events are
// dropped after commit.
func NewServices(deps ServiceDeps) *Services {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config
	clock := deps.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	svc := &Services{
		Audit:       shared.NewAuditLogger(deps.Pool),
		Idempotency: shared.NewIdempotencyStore(deps.Pool, clock),
		Retry: cfg.RetryPolicy(func(attempt int, err error) {
			var transient *shared.TransientError
			code := ""
			if errors.As(err, &transient) {
				code = transient.Code
			}
			deps.Metrics.ObserveRetry(code)
			logger.Debug("retrying transaction", slog.Int("attempt", attempt), slog.String("code", code))
		}),
	}

	var publisher *integration.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		writer := integration.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		svc.closers = append(svc.closers, writer.Close)
		publisher = integration.NewPublisher(writer, integration.PublisherConfig{
			Logger:   logger,
			Observer: deps.Metrics,
			Timeout:  cfg.KafkaTimeout,
		})
	} else {
		logger.Info("KAFKA_BROKERS not set, domain events are not published")
	}

	svc.Sequence = sequence.NewService(sequence.NewRepository(deps.Pool), sequence.ServiceConfig{Clock: clock, Logger: logger})
	svc.Pricing = pricing.NewService(pricing.NewRepository(deps.Pool), svc.Audit, pricing.ServiceConfig{Clock: clock, Logger: logger}, publisher)

	var cache *inventory.Cache
	if deps.Redis != nil {
		cache = inventory.NewCache(deps.Redis, cfg.ExpiryCacheTTL)
	}
	svc.Inventory = inventory.NewService(inventory.NewRepository(deps.Pool), svc.Audit, svc.Idempotency, cache, inventory.ServiceConfig{Clock: clock, Logger: logger}, publisher)

	svc.Purchasing = purchasing.NewService(
		purchasing.NewRepository(deps.Pool),
		svc.Audit,
		purchasing.Dependencies{Sequence: svc.Sequence, Inventory: svc.Inventory, Pricing: svc.Pricing},
		purchasing.ServiceConfig{Clock: clock, Logger: logger},
		publisher,
	)
	return svc
}

// Close flushes the event writer.
func (s *Services) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
