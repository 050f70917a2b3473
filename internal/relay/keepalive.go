package relay

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/live-transcribe/internal/metrics"
	"github.com/eleven-am/live-transcribe/internal/provider"
)

// keepAlive pings one provider stream on a fixed interval until stopped.
type keepAlive struct {
	ticker  *time.Ticker
	done    chan struct{}
	once    sync.Once
	metrics *metrics.Metrics
}

func startKeepAlive(stream provider.Stream, every time.Duration, m *metrics.Metrics, log *slog.Logger) *keepAlive {
	k := &keepAlive{
		ticker:  time.NewTicker(every),
		done:    make(chan struct{}),
		metrics: m,
	}
	m.KeepAlivesActive.Inc()
	go k.run(stream, log)
	return k
}

func (k *keepAlive) run(stream provider.Stream, log *slog.Logger) {
	for {
		select {
		case <-k.done:
			return
		case <-k.ticker.C:
			if stream.State() != provider.StateOpen {
				continue
			}
			if err := stream.KeepAlive(); err != nil {
				if !errors.Is(err, provider.ErrNotOpen) && !errors.Is(err, provider.ErrClosed) {
					log.Warn("provider keepalive failed", "error", err)
				}
				continue
			}
			k.metrics.KeepAlivesSent.Inc()
			log.Debug("provider keepalive")
		}
	}
}

func (k *keepAlive) stop() {
	k.once.Do(func() {
		k.ticker.Stop()
		close(k.done)
		k.metrics.KeepAlivesActive.Dec()
	})
}

func (k *keepAlive) stopped() bool {
	select {
	case <-k.done:
		return true
	default:
		return false
	}
}
