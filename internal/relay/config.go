package relay

import (
	"time"

	"github.com/eleven-am/live-transcribe/internal/shared"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024 * 1024

	defaultKeepAlive  = 10 * time.Second
	defaultSendBuffer = 256
)

type Config struct {
	// KeepAlive is the interval between provider keep-alive messages.
	KeepAlive time.Duration
	// ReconnectOnClose reopens the provider leg as soon as it reports closed,
	// instead of waiting for the next audio frame.
	ReconnectOnClose bool
	Backoff          shared.BackoffConfig
	SendBuffer       int
}

func normalizeConfig(cfg Config) Config {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	cfg.Backoff = shared.NormalizeBackoff(cfg.Backoff)
	return cfg
}
