package relay

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/eleven-am/live-transcribe/internal/metrics"
	"github.com/eleven-am/live-transcribe/internal/provider"
	"github.com/eleven-am/live-transcribe/internal/provider/providertest"
)

type harness struct {
	provider *providertest.Server
	server   *httptest.Server
	manager  *Manager
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := discardLogger()

	prov := providertest.NewServer()
	client := provider.NewClient(provider.Config{
		URL:        prov.WSURL(),
		APIKey:     "dg-test-key",
		CloseGrace: 200 * time.Millisecond,
	}, logger)

	m := metrics.New(prometheus.NewRegistry())
	mgr := NewManager(ManagerConfig{
		Opener:  client,
		Metrics: m,
		Relay:   Config{KeepAlive: time.Hour},
		Log:     logger,
	})

	e := echo.New()
	NewHandler(mgr, logger).RegisterRoutes(e)
	srv := httptest.NewServer(e)

	t.Cleanup(func() {
		_ = mgr.Close()
		srv.Close()
		prov.Close()
	})

	return &harness{provider: prov, server: srv, manager: mgr, metrics: m}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+h.server.URL[4:]+"/listen", nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func (h *harness) session(t *testing.T) *Session {
	t.Helper()
	waitFor(t, func() bool { return h.manager.SessionCount() == 1 }, "session registration")
	infos := h.manager.ListSessions()
	s, ok := h.manager.GetSession(infos[0].SessionID)
	if !ok {
		t.Fatal("session not found")
	}
	return s
}

func (h *harness) openSession(t *testing.T) (*websocket.Conn, *Session, *providertest.Stream) {
	t.Helper()
	ws := h.dial(t)
	s := h.session(t)
	remote, ok := h.provider.NextStream(waitTimeout)
	if !ok {
		t.Fatal("provider never saw a connection")
	}
	waitFor(t, func() bool { return s.link.State() == provider.StateOpen }, "provider open")
	return ws, s, remote
}

func TestHandler_RejectsPlainHTTP(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.server.URL + "/listen")
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandler_RejectsWhileDraining(t *testing.T) {
	h := newHarness(t)
	_ = h.manager.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+h.server.URL[4:]+"/listen", nil)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %v", resp)
	}
}

func TestRelay_OpensProviderWithCredentials(t *testing.T) {
	h := newHarness(t)
	_, _, remote := h.openSession(t)

	if got := remote.Header.Get("Authorization"); got != "Token dg-test-key" {
		t.Errorf("unexpected authorization header %q", got)
	}
	expected := map[string]string{
		"language":     "en",
		"punctuate":    "true",
		"smart_format": "true",
		"model":        "nova",
	}
	for k, v := range expected {
		if got := remote.Query.Get(k); got != v {
			t.Errorf("query %s = %q, want %q", k, got, v)
		}
	}
}

func TestRelay_ForwardsAudioInOrder(t *testing.T) {
	h := newHarness(t)
	ws, _, remote := h.openSession(t)

	chunks := [][]byte{
		bytes.Repeat([]byte{0x1a}, 320),
		bytes.Repeat([]byte{0x2b}, 17),
		{0x00, 0xff, 0x10},
	}
	for _, c := range chunks {
		if err := ws.WriteMessage(websocket.BinaryMessage, c); err != nil {
			t.Fatalf("write error: %v", err)
		}
	}

	for i, want := range chunks {
		got, ok := remote.NextAudio(waitTimeout)
		if !ok {
			t.Fatalf("chunk %d never reached the provider", i)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("chunk %d differs: got %d bytes, want %d", i, len(got), len(want))
		}
	}
}

func TestRelay_IgnoresTextFrames(t *testing.T) {
	h := newHarness(t)
	ws, s, remote := h.openSession(t)

	_ = ws.WriteMessage(websocket.TextMessage, []byte("hello"))
	_ = ws.WriteMessage(websocket.BinaryMessage, []byte{0x01})

	got, ok := remote.NextAudio(waitTimeout)
	if !ok || !bytes.Equal(got, []byte{0x01}) {
		t.Fatalf("expected binary frame only, got %v", got)
	}
	if s.Stats().FramesDropped != 0 {
		t.Error("text frames should not count as dropped audio")
	}
}

func TestRelay_TranscriptPassthrough(t *testing.T) {
	h := newHarness(t)
	ws, _, remote := h.openSession(t)

	payload := []byte(`{"type":"Results","channel_index":[0,1],"duration":1.02,"start":0,"is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":"Hello, world.","confidence":0.99,"words":[]}]}}`)
	if err := remote.Emit(payload); err != nil {
		t.Fatalf("emit error: %v", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(waitTimeout))
	mt, got, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if mt != websocket.TextMessage {
		t.Errorf("expected text message, got %d", mt)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("transcript modified:\n got %s\nwant %s", got, payload)
	}
}

func TestRelay_MetadataWrapped(t *testing.T) {
	h := newHarness(t)
	ws, _, remote := h.openSession(t)

	if err := remote.Emit([]byte(`{"type":"Metadata","request_id":"abc","channels":1}`)); err != nil {
		t.Fatalf("emit error: %v", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(waitTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read error: %v", err)
	}

	var msg map[string]map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg["metadata"]["request_id"] != "abc" {
		t.Errorf("unexpected metadata message %s", data)
	}
}

func TestRelay_ReconnectAfterProviderClose(t *testing.T) {
	h := newHarness(t)
	ws, s, first := h.openSession(t)

	if err := first.Drop(websocket.CloseNormalClosure, ""); err != nil {
		t.Fatalf("drop error: %v", err)
	}
	waitFor(t, func() bool { return s.link.State() == provider.StateClosed }, "provider closed")

	if err := ws.WriteMessage(websocket.BinaryMessage, []byte("after-close")); err != nil {
		t.Fatalf("write error: %v", err)
	}

	second, ok := h.provider.NextStream(waitTimeout)
	if !ok {
		t.Fatal("no replacement connection opened")
	}
	if _, ok := second.NextAudio(100 * time.Millisecond); ok {
		t.Error("the triggering chunk must not be forwarded to the new connection")
	}
	if _, ok := first.NextAudio(10 * time.Millisecond); ok {
		t.Error("the triggering chunk must not reach the closed connection")
	}

	time.Sleep(50 * time.Millisecond)
	if n := h.provider.StreamCount(); n != 2 {
		t.Errorf("expected exactly 2 provider connections, got %d", n)
	}

	stats := s.Stats()
	if stats.Reconnects != 1 || stats.FramesDropped != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}

	waitFor(t, func() bool { return s.link.State() == provider.StateOpen }, "replacement open")
	_ = ws.WriteMessage(websocket.BinaryMessage, []byte("resumed"))
	got, ok := second.NextAudio(waitTimeout)
	if !ok || string(got) != "resumed" {
		t.Errorf("expected resumed audio on new connection, got %q", got)
	}
}

func TestRelay_DropsWhileConnecting(t *testing.T) {
	h := newHarness(t)
	h.provider.Hold()

	ws := h.dial(t)
	s := h.session(t)

	for i := 0; i < 5; i++ {
		if err := ws.WriteMessage(websocket.BinaryMessage, []byte{byte(i)}); err != nil {
			t.Fatalf("write error: %v", err)
		}
	}
	waitFor(t, func() bool { return s.Stats().FramesDropped == 5 }, "frames dropped")

	if got := testutil.ToFloat64(h.metrics.ProviderConnections); got != 1 {
		t.Errorf("expected 1 provider connection attempt, got %v", got)
	}
	if s.Stats().Reconnects != 0 {
		t.Errorf("frames while connecting must not reconnect")
	}

	h.provider.Release()
	remote, ok := h.provider.NextStream(waitTimeout)
	if !ok {
		t.Fatal("held connection never completed")
	}
	if _, ok := remote.NextAudio(100 * time.Millisecond); ok {
		t.Error("frames dropped while connecting must not be replayed")
	}
}

func TestRelay_ClientDisconnectFinishesProvider(t *testing.T) {
	h := newHarness(t)
	ws, _, remote := h.openSession(t)

	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = ws.Close()

	text, ok := remote.NextText(waitTimeout)
	if !ok {
		t.Fatal("provider never received a close request")
	}
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(text, &msg); err != nil || msg.Type != "CloseStream" {
		t.Errorf("expected CloseStream, got %s", text)
	}

	select {
	case <-remote.Done():
	case <-time.After(waitTimeout):
		t.Error("provider connection not closed")
	}
	waitFor(t, func() bool { return h.manager.SessionCount() == 0 }, "session removal")

	if got := testutil.ToFloat64(h.metrics.ActiveSessions); got != 0 {
		t.Errorf("expected 0 active sessions, got %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.KeepAlivesActive); got != 0 {
		t.Errorf("expected no running keep-alives, got %v", got)
	}
}

func TestManager_CloseDisconnectsClients(t *testing.T) {
	h := newHarness(t)
	ws, _, _ := h.openSession(t)

	_ = h.manager.Close()

	_ = ws.SetReadDeadline(time.Now().Add(waitTimeout))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("expected client socket to be closed")
	}
	waitFor(t, func() bool { return h.manager.SessionCount() == 0 }, "session removal")
	if !h.manager.Draining() {
		t.Error("manager should be draining")
	}
}
