// Package providertest runs an in-process stand-in for the Deepgram live
// listen endpoint so relay behavior can be exercised without the network.
package providertest

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

type Server struct {
	*httptest.Server

	upgrader websocket.Upgrader
	accepted chan *Stream

	mu      sync.Mutex
	streams []*Stream
	hold    chan struct{}
	reject  int
}

func NewServer() *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		accepted: make(chan *Stream, 64),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// WSURL is the listen endpoint in ws:// form.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http") + "/v1/listen"
}

// Hold makes new handshakes wait until Release is called, keeping clients
// in the connecting state.
func (s *Server) Hold() {
	s.mu.Lock()
	if s.hold == nil {
		s.hold = make(chan struct{})
	}
	s.mu.Unlock()
}

func (s *Server) Release() {
	s.mu.Lock()
	if s.hold != nil {
		close(s.hold)
		s.hold = nil
	}
	s.mu.Unlock()
}

// Reject fails subsequent handshakes with status; 0 accepts again.
func (s *Server) Reject(status int) {
	s.mu.Lock()
	s.reject = status
	s.mu.Unlock()
}

func (s *Server) StreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func (s *Server) Streams() []*Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Stream, len(s.streams))
	copy(out, s.streams)
	return out
}

// NextStream waits for the next accepted connection.
func (s *Server) NextStream(timeout time.Duration) (*Stream, bool) {
	select {
	case st := <-s.accepted:
		return st, true
	case <-time.After(timeout):
		return nil, false
	}
}

func (s *Server) Close() {
	for _, st := range s.Streams() {
		_ = st.ws.Close()
	}
	s.Release()
	s.Server.Close()
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	hold := s.hold
	reject := s.reject
	s.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return
		}
	}
	if reject != 0 {
		http.Error(w, http.StatusText(reject), reject)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	st := &Stream{
		ws:     ws,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
		Audio:  make(chan []byte, 64),
		Text:   make(chan []byte, 256),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.streams = append(s.streams, st)
	s.mu.Unlock()
	s.accepted <- st

	st.readLoop()
}

type Stream struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}

	Query  url.Values
	Header http.Header
	Audio  chan []byte
	Text   chan []byte
}

func (st *Stream) readLoop() {
	defer close(st.done)
	defer st.ws.Close()

	for {
		mt, data, err := st.ws.ReadMessage()
		if err != nil {
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			st.Audio <- data
		case websocket.TextMessage:
			select {
			case st.Text <- data:
			default:
			}
			var msg struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &msg) == nil && msg.Type == "CloseStream" {
				_ = st.Drop(websocket.CloseNormalClosure, "")
				return
			}
		}
	}
}

// Emit writes a provider event to the client.
func (st *Stream) Emit(payload []byte) error {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	return st.ws.WriteMessage(websocket.TextMessage, payload)
}

// Drop closes the connection from the provider side.
func (st *Stream) Drop(code int, reason string) error {
	st.writeMu.Lock()
	err := st.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	st.writeMu.Unlock()
	_ = st.ws.Close()
	return err
}

// Done is closed when the stream's read loop has exited.
func (st *Stream) Done() <-chan struct{} {
	return st.done
}

// NextAudio waits for the next binary frame.
func (st *Stream) NextAudio(timeout time.Duration) ([]byte, bool) {
	select {
	case b := <-st.Audio:
		return b, true
	case <-time.After(timeout):
		return nil, false
	}
}

// NextText waits for the next text frame.
func (st *Stream) NextText(timeout time.Duration) ([]byte, bool) {
	select {
	case b := <-st.Text:
		return b, true
	case <-time.After(timeout):
		return nil, false
	}
}
