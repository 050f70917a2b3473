package bootstrap

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/eleven-am/live-transcribe/internal/metrics"
	"github.com/eleven-am/live-transcribe/internal/session"
)

// ProvideRedisClient returns nil when REDIS_ADDR is unset; the session
// registry is then disabled.
func ProvideRedisClient(lc fx.Lifecycle, cfg *Config, logger *slog.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		logger.Info("redis not configured, session registry disabled")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}

func ProvideSessionStore(client *redis.Client) *session.Store {
	if client == nil {
		return nil
	}
	return session.NewStore(client)
}

func ProvideSessionRegistry(store *session.Store) session.Registry {
	if store == nil {
		return session.Nop{}
	}
	return store
}

func ProvideMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func ProvideMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

var InfrastructureModule = fx.Options(
	fx.Provide(
		ProvideRedisClient,
		ProvideSessionStore,
		ProvideSessionRegistry,
		ProvideMetricsRegistry,
		ProvideMetrics,
	),
)
