package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/kitchenledger/kitchenledger/internal/daily"
	"github.com/kitchenledger/kitchenledger/internal/inventory"
	"github.com/kitchenledger/kitchenledger/internal/observability"
	"github.com/kitchenledger/kitchenledger/internal/payments"
	"github.com/kitchenledger/kitchenledger/internal/recipes"
	"github.com/kitchenledger/kitchenledger/internal/shared"
)

// Services holds the wired domain services shared by the binaries.
type Services struct {
	Inventory   *inventory.Service
	Daily       *daily.Service
	Payments    *payments.Service
	Idempotency *shared.IdempotencyStore
}

// BuildServices wires repositories, caches and event sinks. redisClient may be
// nil, in which case snapshots are not cached and drift is not published.
func BuildServices(cfg *Config, logger *slog.Logger, pool *pgxpool.Pool, redisClient *redis.Client, metrics *observability.Metrics) (*Services, error) {
	day, err := cfg.ServiceDay()
	if err != nil {
		return nil, err
	}

	sinks := inventory.MultiSink{
		inventory.NewLogSink(logger),
		inventory.NewMetricsSink(metrics.Registerer()),
	}
	var snapshotCache daily.SnapshotCache
	if redisClient != nil {
		sinks = append(sinks, inventory.NewRedisPublisher(redisClient, logger))
		snapshotCache = daily.NewRedisCache(redisClient, cfg.DailyCacheTTL)
	}

	idempotency := shared.NewIdempotencyStore(pool)
	menu := recipes.NewRepository(pool)
	inventoryService := inventory.NewService(
		inventory.NewRepository(pool),
		recipes.NewResolver(menu, recipes.DefaultFallback()),
		menu,
		shared.NewAuditLogger(pool),
		idempotency,
		inventory.ServiceConfig{Logger: logger, Events: sinks},
	)

	return &Services{
		Inventory:   inventoryService,
		Daily:       daily.NewService(daily.NewRepository(pool), inventoryService, day, snapshotCache, logger),
		Payments:    payments.NewService(payments.NewRepository(pool), inventoryService, logger),
		Idempotency: idempotency,
	}, nil
}
