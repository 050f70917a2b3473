package bootstrap

import (
	"log/slog"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	echoSwagger "github.com/swaggo/echo-swagger"
	"go.uber.org/fx"

	_ "github.com/eleven-am/live-transcribe/docs"
	"github.com/eleven-am/live-transcribe/internal/relay"
	"github.com/eleven-am/live-transcribe/internal/session"
)

type HandlerParams struct {
	fx.In

	RelayHandler    *relay.Handler
	SessionStore    *session.Store
	MetricsRegistry *prometheus.Registry
	Config          *Config
	Logger          *slog.Logger
}

func RegisterRoutes(e *echo.Echo, params HandlerParams) {
	params.RelayHandler.RegisterRoutes(e)

	if params.SessionStore != nil {
		sessionHandler := session.NewHandler(params.SessionStore, params.Logger.With("handler", "session"))
		sessionHandler.RegisterRoutes(e.Group("/v1/sessions"))
	}

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(params.MetricsRegistry, promhttp.HandlerOpts{})))
	e.GET("/swagger/*", echoSwagger.EchoWrapHandler())

	index := func(c echo.Context) error {
		return c.File(params.Config.IndexHTML)
	}

	// The page and its audio socket share the root path.
	e.GET("/", func(c echo.Context) error {
		if relay.IsUpgrade(c) {
			return params.RelayHandler.HandleConnection(c)
		}
		return index(c)
	})
	e.Static("/assets", params.Config.StaticDir)
	e.GET("/*", index)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func ProvideLogger(cfg *Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
}

var HandlersModule = fx.Options(
	fx.Provide(ProvideLogger),
	fx.Invoke(RegisterRoutes),
)
