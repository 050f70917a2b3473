package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/live-transcribe/internal/metrics"
	"github.com/eleven-am/live-transcribe/internal/provider"
)

type Outcome int

const (
	Forwarded Outcome = iota
	DroppedConnecting
	DroppedReconnecting
	DroppedSendFailed
	DroppedClosed
)

func (o Outcome) String() string {
	switch o {
	case Forwarded:
		return "forwarded"
	case DroppedConnecting:
		return "connecting"
	case DroppedReconnecting:
		return "reconnecting"
	case DroppedSendFailed:
		return "send_failed"
	case DroppedClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sink receives the provider events a Link relays.
type Sink interface {
	Transcript(raw []byte)
	Metadata(raw []byte)
}

// Link owns the provider leg of one session: the current connection, its
// subscription and its keep-alive timer. Every field below mu is only
// touched with mu held.
type Link struct {
	ctx     context.Context
	opener  provider.Opener
	sink    Sink
	cfg     Config
	metrics *metrics.Metrics
	log     *slog.Logger

	mu         sync.Mutex
	stream     provider.Stream
	sub        *provider.Subscription
	gen        uint64
	keepAlive  *keepAlive
	closed     bool
	failures   int
	retry      *time.Timer
	reconnects uint64
}

func newLink(ctx context.Context, opener provider.Opener, sink Sink, cfg Config, m *metrics.Metrics, log *slog.Logger) *Link {
	return &Link{
		ctx:     ctx,
		opener:  opener,
		sink:    sink,
		cfg:     cfg,
		metrics: m,
		log:     log,
	}
}

func (l *Link) Open() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.stream != nil {
		return
	}
	l.openLocked()
}

func (l *Link) openLocked() {
	if l.keepAlive != nil {
		l.keepAlive.stop()
		l.keepAlive = nil
	}

	l.gen++
	gen := l.gen
	l.stream, l.sub = l.opener.Open(l.ctx, l.handlers(gen))
	l.keepAlive = startKeepAlive(l.stream, l.cfg.KeepAlive, l.metrics, l.log.With("generation", gen))
	l.metrics.ProviderConnections.Inc()
	l.log.Info("provider connecting", "generation", gen)
}

func (l *Link) teardownLocked() {
	if l.sub != nil {
		l.sub.Release()
	}
	if l.stream != nil {
		if err := l.stream.Finish(); err != nil {
			l.log.Debug("provider finish failed", "error", err, "generation", l.gen)
		}
	}
	if l.keepAlive != nil {
		l.keepAlive.stop()
		l.keepAlive = nil
	}
}

// Forward routes one audio frame by the instantaneous provider state. A frame
// that finds the connection dead is dropped and replaces that connection; the
// replacement starts in connecting, so the rest of the run is dropped without
// further reconnects.
//
// The send itself runs outside mu so a provider that stops reading cannot
// hold up Close.
func (l *Link) Forward(frame []byte) Outcome {
	l.mu.Lock()
	if l.closed || l.stream == nil {
		l.mu.Unlock()
		return DroppedClosed
	}

	state := l.stream.State()
	switch {
	case state == provider.StateOpen:
		stream, gen := l.stream, l.gen
		l.mu.Unlock()
		if err := stream.Send(frame); err != nil {
			l.log.Warn("forward to provider failed", "error", err, "generation", gen)
			return DroppedSendFailed
		}
		return Forwarded
	case state.Dead():
		defer l.mu.Unlock()
		l.log.Info("provider connection dead, reconnecting", "generation", l.gen, "state", state.String())
		l.reconnectLocked("frame")
		return DroppedReconnecting
	default:
		l.mu.Unlock()
		return DroppedConnecting
	}
}

// Reconnect replaces the connection of generation gen. It does nothing when
// gen is no longer current, so each dead connection is replaced at most once.
func (l *Link) Reconnect(gen uint64, trigger string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || gen != l.gen {
		return false
	}
	l.reconnectLocked(trigger)
	return true
}

func (l *Link) reconnectLocked(trigger string) {
	l.teardownLocked()
	l.reconnects++
	l.metrics.Reconnects.WithLabelValues(trigger).Inc()
	l.openLocked()
}

func (l *Link) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
	}
	l.teardownLocked()
}

func (l *Link) State() provider.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stream == nil {
		return provider.StateClosed
	}
	return l.stream.State()
}

func (l *Link) Generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen
}

func (l *Link) Reconnects() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reconnects
}

func (l *Link) handlers(gen uint64) provider.Handlers {
	log := l.log.With("generation", gen)
	return provider.Handlers{
		OnOpen: func() {
			log.Info("provider connected")
			l.mu.Lock()
			if gen == l.gen {
				l.failures = 0
			}
			l.mu.Unlock()
		},
		OnTranscript: func(raw []byte) {
			l.metrics.ProviderEvents.WithLabelValues("transcript").Inc()
			log.Debug("provider transcript received")
			l.sink.Transcript(raw)
		},
		OnMetadata: func(raw []byte) {
			l.metrics.ProviderEvents.WithLabelValues("metadata").Inc()
			log.Debug("provider metadata received")
			l.sink.Metadata(raw)
		},
		OnClose: func(code int, reason string) {
			log.Info("provider disconnected", "code", code, "reason", reason)
			l.onClose(gen)
		},
		OnError: func(err error) {
			l.metrics.ProviderEvents.WithLabelValues("error").Inc()
			log.Error("provider error", "error", err)
		},
		OnWarning: func(raw []byte) {
			l.metrics.ProviderEvents.WithLabelValues("warning").Inc()
			log.Warn("provider warning", "payload", string(raw))
		},
		OnUnhandled: func(raw []byte) {
			l.metrics.ProviderEvents.WithLabelValues("unhandled").Inc()
			log.Debug("unhandled provider event", "payload", string(raw))
		},
	}
}

func (l *Link) onClose(gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || gen != l.gen {
		return
	}

	if l.keepAlive != nil {
		l.keepAlive.stop()
		l.keepAlive = nil
	}
	_ = l.stream.Finish()

	if !l.cfg.ReconnectOnClose {
		return
	}

	l.failures++
	if l.failures > l.cfg.Backoff.MaxAttempts {
		l.log.Error("provider reconnect attempts exhausted", "attempts", l.failures-1, "generation", gen)
		return
	}

	delay := l.cfg.Backoff.Delay(l.failures)
	l.log.Info("scheduling provider reconnect", "delay", delay, "attempt", l.failures, "generation", gen)
	l.retry = time.AfterFunc(delay, func() {
		l.Reconnect(gen, "closed")
	})
}
