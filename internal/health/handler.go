package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/eleven-am/live-transcribe/internal/provider"
	"github.com/eleven-am/live-transcribe/internal/relay"
)

var errMissingHost = errors.New("provider url has no host")

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type ComponentStatus struct {
	Status    Status `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type RuntimeStats struct {
	Goroutines         int    `json:"goroutines"`
	MemoryAllocMB      uint64 `json:"memory_alloc_mb"`
	MemoryTotalAllocMB uint64 `json:"memory_total_alloc_mb"`
	MemorySysMB        uint64 `json:"memory_sys_mb"`
	NumGC              uint32 `json:"num_gc"`
}

type SessionStats struct {
	Active       int `json:"active"`
	ProviderOpen int `json:"provider_open"`
}

type RequestStats struct {
	TotalRequests     uint64 `json:"total_requests"`
	ActiveConnections int64  `json:"active_connections"`
}

type Stats struct {
	Sessions SessionStats `json:"sessions"`
	Requests RequestStats `json:"requests"`
	Runtime  RuntimeStats `json:"runtime"`
}

type HealthResponse struct {
	Status        Status                     `json:"status"`
	Timestamp     time.Time                  `json:"timestamp"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Stats         Stats                      `json:"stats"`
	Components    map[string]ComponentStatus `json:"components"`
}

type SessionsResponse struct {
	Total    int                 `json:"total"`
	Sessions []relay.SessionInfo `json:"sessions"`
}

type componentCheck struct {
	name  string
	check func(context.Context) ComponentStatus
}

type Handler struct {
	redis       *redis.Client
	providerCfg provider.Config
	manager     *relay.Manager
	version     string
	startTime   time.Time
	dialer      net.Dialer

	totalRequests     uint64
	activeConnections int64
}

// NewHandler builds the health endpoints. redis may be nil when the session
// registry is disabled; it is then left out of readiness.
func NewHandler(redis *redis.Client, providerCfg provider.Config, manager *relay.Manager, version string) *Handler {
	return &Handler{
		redis:       redis,
		providerCfg: providerCfg,
		manager:     manager,
		version:     version,
		startTime:   time.Now(),
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Liveness)
	e.GET("/health/ready", h.Readiness)
	e.GET("/health/sessions", h.Sessions)
}

func (h *Handler) IncrementRequests() {
	atomic.AddUint64(&h.totalRequests, 1)
}

func (h *Handler) IncrementConnections() {
	atomic.AddInt64(&h.activeConnections, 1)
}

func (h *Handler) DecrementConnections() {
	atomic.AddInt64(&h.activeConnections, -1)
}

// @Summary      Liveness probe
// @Tags         health
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /health [get]
func (h *Handler) Liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// @Summary      Readiness probe
// @Description  Checks the transcription provider and, when configured, redis
// @Tags         health
// @Produce      json
// @Success      200  {object}  HealthResponse
// @Failure      503  {object}  HealthResponse
// @Router       /health/ready [get]
func (h *Handler) Readiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	components := make(map[string]ComponentStatus)
	var mu sync.Mutex
	var wg sync.WaitGroup

	checks := []componentCheck{
		{"provider", h.checkProvider},
	}
	if h.redis != nil {
		checks = append(checks, componentCheck{"redis", h.checkRedis})
	}

	wg.Add(len(checks))
	for _, check := range checks {
		go func(name string, fn func(context.Context) ComponentStatus) {
			defer wg.Done()
			status := fn(ctx)
			mu.Lock()
			components[name] = status
			mu.Unlock()
		}(check.name, check.check)
	}
	wg.Wait()

	overallStatus := h.computeOverallStatus(components)

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	sessions := h.manager.ListSessions()
	providerOpen := 0
	for _, s := range sessions {
		if s.ProviderState == provider.StateOpen.String() {
			providerOpen++
		}
	}

	resp := HealthResponse{
		Status:        overallStatus,
		Timestamp:     time.Now().UTC(),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Stats: Stats{
			Sessions: SessionStats{
				Active:       len(sessions),
				ProviderOpen: providerOpen,
			},
			Requests: RequestStats{
				TotalRequests:     atomic.LoadUint64(&h.totalRequests),
				ActiveConnections: atomic.LoadInt64(&h.activeConnections),
			},
			Runtime: RuntimeStats{
				Goroutines:         runtime.NumGoroutine(),
				MemoryAllocMB:      memStats.Alloc / 1024 / 1024,
				MemoryTotalAllocMB: memStats.TotalAlloc / 1024 / 1024,
				MemorySysMB:        memStats.Sys / 1024 / 1024,
				NumGC:              memStats.NumGC,
			},
		},
		Components: components,
	}

	statusCode := http.StatusOK
	if overallStatus == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	return c.JSON(statusCode, resp)
}

// @Summary      Live relay sessions
// @Tags         health
// @Produce      json
// @Success      200  {object}  SessionsResponse
// @Router       /health/sessions [get]
func (h *Handler) Sessions(c echo.Context) error {
	sessions := h.manager.ListSessions()
	return c.JSON(http.StatusOK, SessionsResponse{
		Total:    len(sessions),
		Sessions: sessions,
	})
}

func (h *Handler) checkRedis(ctx context.Context) ComponentStatus {
	start := time.Now()
	if err := h.redis.Ping(ctx).Err(); err != nil {
		return ComponentStatus{
			Status:    StatusUnhealthy,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     "ping failed",
		}
	}

	return ComponentStatus{
		Status:    StatusHealthy,
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

// checkProvider verifies the key is set and the listen host accepts TCP.
func (h *Handler) checkProvider(ctx context.Context) ComponentStatus {
	start := time.Now()
	if h.providerCfg.APIKey == "" {
		return ComponentStatus{
			Status:    StatusUnhealthy,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     "api key not configured",
		}
	}

	addr, err := providerAddr(h.providerCfg.URL)
	if err != nil {
		return ComponentStatus{
			Status:    StatusUnhealthy,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     "invalid provider url",
		}
	}

	conn, err := h.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ComponentStatus{
			Status:    StatusDegraded,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     "provider unreachable",
		}
	}
	_ = conn.Close()

	return ComponentStatus{
		Status:    StatusHealthy,
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

func providerAddr(raw string) (string, error) {
	if raw == "" {
		raw = provider.DefaultURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" {
		return "", errMissingHost
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "ws", "http":
			port = "80"
		default:
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

func (h *Handler) computeOverallStatus(components map[string]ComponentStatus) Status {
	criticalComponents := []string{"provider"}

	for _, name := range criticalComponents {
		if status, ok := components[name]; ok && status.Status == StatusUnhealthy {
			return StatusUnhealthy
		}
	}

	hasUnhealthy := false
	hasDegraded := false
	for _, status := range components {
		if status.Status == StatusUnhealthy {
			hasUnhealthy = true
		}
		if status.Status == StatusDegraded {
			hasDegraded = true
		}
	}

	if hasUnhealthy || hasDegraded {
		return StatusDegraded
	}

	return StatusHealthy
}
