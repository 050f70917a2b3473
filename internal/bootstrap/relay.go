package bootstrap

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/eleven-am/live-transcribe/internal/metrics"
	"github.com/eleven-am/live-transcribe/internal/provider"
	"github.com/eleven-am/live-transcribe/internal/relay"
	"github.com/eleven-am/live-transcribe/internal/session"
	"github.com/eleven-am/live-transcribe/internal/shared"
)

func ProvideProviderConfig(cfg *Config) provider.Config {
	return provider.Config{
		URL:     cfg.DeepgramURL,
		APIKey:  cfg.DeepgramAPIKey,
		Options: provider.LiveOptions,
	}
}

func ProvideProviderClient(cfg provider.Config, logger *slog.Logger) *provider.Client {
	if cfg.APIKey == "" {
		logger.Warn("DEEPGRAM_API_KEY is not set, provider connections will be rejected")
	}
	return provider.NewClient(cfg, logger)
}

func ProvideRelayConfig(cfg *Config) relay.Config {
	return relay.Config{
		KeepAlive:        cfg.KeepAliveInterval,
		ReconnectOnClose: cfg.ReconnectOnClose,
		Backoff:          shared.NormalizeBackoff(shared.BackoffConfig{}),
	}
}

type RelayManagerParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Client    *provider.Client
	Registry  session.Registry
	Metrics   *metrics.Metrics
	Config    relay.Config
	Logger    *slog.Logger
}

func ProvideRelayManager(p RelayManagerParams) *relay.Manager {
	mgr := relay.NewManager(relay.ManagerConfig{
		Opener:   p.Client,
		Registry: p.Registry,
		Metrics:  p.Metrics,
		Relay:    p.Config,
		Log:      p.Logger,
	})
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return mgr.Close()
		},
	})
	return mgr
}

func ProvideRelayHandler(mgr *relay.Manager, logger *slog.Logger) *relay.Handler {
	return relay.NewHandler(mgr, logger)
}

var RelayModule = fx.Options(
	fx.Provide(
		ProvideProviderConfig,
		ProvideProviderClient,
		ProvideRelayConfig,
		ProvideRelayManager,
		ProvideRelayHandler,
	),
)
