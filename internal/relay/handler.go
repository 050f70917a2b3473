package relay

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/eleven-am/live-transcribe/internal/shared"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Handler struct {
	manager *Manager
	logger  *slog.Logger
}

func NewHandler(manager *Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		manager: manager,
		logger:  logger.With("component", "relay_handler"),
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/listen", h.HandleConnection)
}

// IsUpgrade reports whether the request asks for a websocket. The root route
// uses it to share one path between the client page and the audio socket.
func IsUpgrade(c echo.Context) bool {
	return websocket.IsWebSocketUpgrade(c.Request())
}

// @Summary      Open a transcription socket
// @Description  Upgrades to a WebSocket. Clients send binary audio frames and receive provider transcripts as text frames.
// @Tags         relay
// @Success      101
// @Failure      400  {object}  shared.APIError
// @Failure      503  {object}  shared.APIError
// @Router       /listen [get]
func (h *Handler) HandleConnection(c echo.Context) error {
	if !IsUpgrade(c) {
		return shared.BadRequest("upgrade_required", "websocket upgrade required")
	}
	if h.manager.Draining() {
		return shared.ServiceUnavailable("draining", "relay is shutting down")
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return nil
	}

	if err := h.manager.Serve(c.Request().Context(), ws, c.RealIP()); err != nil {
		if !errors.Is(err, ErrDraining) {
			h.logger.Error("session failed", "error", err)
		}
	}
	return nil
}
