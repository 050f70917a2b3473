package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/eleven-am/live-transcribe/internal/metrics"
	"github.com/eleven-am/live-transcribe/internal/provider"
	"github.com/eleven-am/live-transcribe/internal/session"
	"github.com/eleven-am/live-transcribe/internal/shared"
)

type metadataMessage struct {
	Metadata json.RawMessage `json:"metadata"`
}

// Session pairs one client socket with its provider Link.
type Session struct {
	id         string
	remoteAddr string
	startedAt  time.Time
	ws         *websocket.Conn
	link       *Link
	metrics    *metrics.Metrics
	log        *slog.Logger
	cancel     context.CancelFunc

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	forwarded atomic.Uint64
	dropped   atomic.Uint64
	relayed   atomic.Uint64
}

func newSession(ctx context.Context, ws *websocket.Conn, remoteAddr string, opener provider.Opener, cfg Config, m *metrics.Metrics, log *slog.Logger) *Session {
	id := shared.NewID(shared.SessionIDPrefix)
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:         id,
		remoteAddr: remoteAddr,
		startedAt:  time.Now(),
		ws:         ws,
		metrics:    m,
		log:        log.With("session_id", id),
		cancel:     cancel,
		send:       make(chan []byte, cfg.SendBuffer),
		done:       make(chan struct{}),
	}
	s.link = newLink(ctx, opener, s, cfg, m, s.log)
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Link() *Link {
	return s.link
}

// Transcript queues a provider transcript for the client exactly as received.
func (s *Session) Transcript(raw []byte) {
	s.enqueue(raw, "transcript")
}

func (s *Session) Metadata(raw []byte) {
	data, err := json.Marshal(metadataMessage{Metadata: json.RawMessage(raw)})
	if err != nil {
		s.log.Error("failed to marshal metadata", "error", err)
		return
	}
	s.enqueue(data, "metadata")
}

func (s *Session) enqueue(msg []byte, kind string) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.send <- msg:
		s.relayed.Add(1)
		s.metrics.MessagesRelayed.WithLabelValues(kind).Inc()
	case <-s.done:
	default:
		s.log.Warn("send buffer full, dropping message", "kind", kind)
		s.metrics.SendQueueDrops.Inc()
	}
}

// HandleAudio forwards one client audio frame to the provider leg.
func (s *Session) HandleAudio(frame []byte) Outcome {
	outcome := s.link.Forward(frame)
	if outcome == Forwarded {
		s.forwarded.Add(1)
		s.metrics.FramesForwarded.Inc()
		s.metrics.BytesForwarded.Add(float64(len(frame)))
		return outcome
	}
	s.dropped.Add(1)
	s.metrics.FramesDropped.WithLabelValues(outcome.String()).Inc()
	s.log.Debug("audio frame dropped", "reason", outcome.String(), "bytes", len(frame))
	return outcome
}

func (s *Session) readPump() {
	s.ws.SetReadLimit(maxMessageSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.log.Warn("client read error", "error", err)
			}
			return
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))

		if mt != websocket.BinaryMessage {
			s.log.Debug("ignoring non-binary client message")
			continue
		}
		s.HandleAudio(data)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.log.Error("client write error", "error", err)
				s.Close()
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}

// Close finalizes the provider leg and closes the client socket. Safe to
// call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.link.Close()
		s.cancel()
		_ = s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = s.ws.Close()
	})
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Stats() session.Stats {
	return session.Stats{
		FramesForwarded: s.forwarded.Load(),
		FramesDropped:   s.dropped.Load(),
		Reconnects:      s.link.Reconnects(),
		EventsRelayed:   s.relayed.Load(),
	}
}

type SessionInfo struct {
	SessionID       string    `json:"session_id"`
	RemoteAddr      string    `json:"remote_addr"`
	ProviderState   string    `json:"provider_state"`
	Generation      uint64    `json:"generation"`
	StartedAt       time.Time `json:"started_at"`
	FramesForwarded uint64    `json:"frames_forwarded"`
	FramesDropped   uint64    `json:"frames_dropped"`
	Reconnects      uint64    `json:"reconnects"`
}

func (s *Session) Info() SessionInfo {
	return SessionInfo{
		SessionID:       s.id,
		RemoteAddr:      s.remoteAddr,
		ProviderState:   s.link.State().String(),
		Generation:      s.link.Generation(),
		StartedAt:       s.startedAt,
		FramesForwarded: s.forwarded.Load(),
		FramesDropped:   s.dropped.Load(),
		Reconnects:      s.link.Reconnects(),
	}
}
