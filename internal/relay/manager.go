package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eleven-am/live-transcribe/internal/metrics"
	"github.com/eleven-am/live-transcribe/internal/provider"
	"github.com/eleven-am/live-transcribe/internal/session"
)

const registryTimeout = 5 * time.Second

var ErrDraining = errors.New("relay is shutting down")

type Manager struct {
	opener   provider.Opener
	registry session.Registry
	metrics  *metrics.Metrics
	cfg      Config
	sessions map[string]*Session
	draining bool
	mu       sync.RWMutex
	log      *slog.Logger
}

type ManagerConfig struct {
	Opener   provider.Opener
	Registry session.Registry
	Metrics  *metrics.Metrics
	Relay    Config
	Log      *slog.Logger
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = session.Nop{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(prometheus.NewRegistry())
	}

	return &Manager{
		opener:   cfg.Opener,
		registry: cfg.Registry,
		metrics:  cfg.Metrics,
		cfg:      normalizeConfig(cfg.Relay),
		sessions: make(map[string]*Session),
		log:      cfg.Log.With("component", "relay_manager"),
	}
}

// Serve runs one client session on an upgraded socket and blocks until the
// client disconnects or the manager is closed. The provider leg is opened
// before the first client frame is read.
func (m *Manager) Serve(ctx context.Context, ws *websocket.Conn, remoteAddr string) error {
	s := newSession(ctx, ws, remoteAddr, m.opener, m.cfg, m.metrics, m.log)

	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		s.Close()
		return ErrDraining
	}
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.metrics.ActiveSessions.Inc()
	m.metrics.SessionsTotal.Inc()
	m.startRecord(s)
	s.log.Info("client connected", "remote_addr", remoteAddr)

	defer m.remove(s)

	s.link.Open()
	go s.writePump()
	s.readPump()
	return nil
}

func (m *Manager) startRecord(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()

	rec := &session.Record{
		ID:         s.id,
		RemoteAddr: s.remoteAddr,
		StartedAt:  s.startedAt,
	}
	if err := m.registry.Start(ctx, rec); err != nil {
		s.log.Warn("failed to register session", "error", err)
	}
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()

	s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	stats := s.Stats()
	if err := m.registry.Finish(ctx, s.id, stats); err != nil {
		s.log.Warn("failed to finish session record", "error", err)
	}

	duration := time.Since(s.startedAt)
	m.metrics.ActiveSessions.Dec()
	m.metrics.SessionDuration.Observe(duration.Seconds())
	s.log.Info("client disconnected",
		"duration", duration,
		"frames_forwarded", stats.FramesForwarded,
		"frames_dropped", stats.FramesDropped,
		"reconnects", stats.Reconnects,
	)
}

func (m *Manager) GetSession(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) ListSessions() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

func (m *Manager) Draining() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.draining
}

// Close refuses new sessions and closes every live one. Each Serve call
// returns once its read loop sees the closed socket.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.draining = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	m.log.Info("relay manager closed", "sessions", len(sessions))
	return nil
}
