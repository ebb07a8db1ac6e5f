package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Mudityadev/charles-map/dispatch"
	"github.com/Mudityadev/charles-map/dispatch/broker"
	"github.com/Mudityadev/charles-map/dispatch/broker/memory"
	"github.com/Mudityadev/charles-map/dispatch/broker/postgres"
	"github.com/Mudityadev/charles-map/dispatch/broker/redis"
)

// OpenBroker connects the backend selected by cfg.BrokerDriver. The
// returned broker owns its connection; Close releases it.
func OpenBroker(ctx context.Context, cfg dispatch.Config, logger *slog.Logger) (broker.Broker, error) {
	switch cfg.BrokerDriver {
	case dispatch.DriverRedis:
		client, err := redis.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return redis.New(client,
			redis.WithLogger(logger),
			redis.WithPrefix(cfg.KeyPrefix),
			redis.WithRetention(cfg.RetentionTTL),
			redis.WithOwnedClient(),
		), nil

	case dispatch.DriverPostgres:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		b := postgres.New(pool, postgres.WithLogger(logger))
		if err := b.Migrate(ctx); err != nil {
			_ = b.Close()
			return nil, err
		}
		return b, nil

	case dispatch.DriverMemory:
		logger.Warn("using the in-memory broker; jobs do not survive a restart")
		return memory.New(), nil

	default:
		return nil, fmt.Errorf("%w: %q", dispatch.ErrUnknownDriver, cfg.BrokerDriver)
	}
}
