package provider

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eleven-am/live-transcribe/internal/provider/providertest"
	"github.com/gorilla/websocket"
)

const waitTimeout = 2 * time.Second

type recorder struct {
	opens       atomic.Int32
	closes      atomic.Int32
	opened      chan struct{}
	transcripts chan []byte
	metadata    chan []byte
	errs        chan error
	warnings    chan []byte
	unhandled   chan []byte
	closed      chan int
}

func newRecorder() *recorder {
	return &recorder{
		opened:      make(chan struct{}, 8),
		transcripts: make(chan []byte, 8),
		metadata:    make(chan []byte, 8),
		errs:        make(chan error, 8),
		warnings:    make(chan []byte, 8),
		unhandled:   make(chan []byte, 8),
		closed:      make(chan int, 8),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnOpen: func() {
			r.opens.Add(1)
			r.opened <- struct{}{}
		},
		OnTranscript: func(raw []byte) { r.transcripts <- raw },
		OnMetadata:   func(raw []byte) { r.metadata <- raw },
		OnError:      func(err error) { r.errs <- err },
		OnWarning:    func(raw []byte) { r.warnings <- raw },
		OnUnhandled:  func(raw []byte) { r.unhandled <- raw },
		OnClose: func(code int, reason string) {
			r.closes.Add(1)
			r.closed <- code
		},
	}
}

func newTestClient(url string) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(Config{URL: url, APIKey: "dg-test-key", CloseGrace: 200 * time.Millisecond}, logger)
}

func openStream(t *testing.T, srv *providertest.Server, rec *recorder) (*Conn, *Subscription, *providertest.Stream) {
	t.Helper()
	stream, sub := newTestClient(srv.WSURL()).Open(context.Background(), rec.handlers())
	conn := stream.(*Conn)

	remote, ok := srv.NextStream(waitTimeout)
	if !ok {
		t.Fatal("provider never accepted the connection")
	}
	select {
	case <-rec.opened:
	case <-time.After(waitTimeout):
		t.Fatal("OnOpen was not called")
	}
	return conn, sub, remote
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
		dead  bool
	}{
		{StateConnecting, "connecting", false},
		{StateOpen, "open", false},
		{StateClosing, "closing", true},
		{StateClosed, "closed", true},
		{State(42), "unknown", false},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
			if got := tt.state.Dead(); got != tt.dead {
				t.Errorf("Dead() = %v, want %v", got, tt.dead)
			}
		})
	}
}

func TestOptions_Query(t *testing.T) {
	q := LiveOptions.Query()

	expected := map[string]string{
		"language":     "en",
		"model":        "nova",
		"punctuate":    "true",
		"smart_format": "true",
	}
	for k, v := range expected {
		if got := q.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Config{}, nil)
	cfg := c.Config()

	if cfg.URL != DefaultURL {
		t.Errorf("URL = %q, want %q", cfg.URL, DefaultURL)
	}
	if cfg.Options != LiveOptions {
		t.Errorf("Options = %+v, want %+v", cfg.Options, LiveOptions)
	}
	if cfg.HandshakeTimeout != defaultHandshakeTimeout {
		t.Errorf("HandshakeTimeout = %v", cfg.HandshakeTimeout)
	}
	if cfg.CloseGrace != defaultCloseGrace {
		t.Errorf("CloseGrace = %v", cfg.CloseGrace)
	}
}

func TestClient_ListenURL(t *testing.T) {
	c := NewClient(Config{URL: "wss://example.test/v1/listen?tier=base"}, nil)
	got, err := c.ListenURL()
	if err != nil {
		t.Fatalf("ListenURL error: %v", err)
	}

	for _, part := range []string{"tier=base", "model=nova", "language=en", "punctuate=true", "smart_format=true"} {
		if !strings.Contains(got, part) {
			t.Errorf("ListenURL() = %q, missing %q", got, part)
		}
	}
}

func TestClient_ListenURL_Invalid(t *testing.T) {
	c := NewClient(Config{URL: "://bad"}, nil)
	if _, err := c.ListenURL(); err == nil {
		t.Error("expected error for invalid url")
	}
}

func TestOpen_SendsCredentialsAndParameters(t *testing.T) {
	srv := providertest.NewServer()
	defer srv.Close()

	rec := newRecorder()
	conn, _, remote := openStream(t, srv, rec)
	defer conn.Finish()

	if got := remote.Header.Get("Authorization"); got != "Token dg-test-key" {
		t.Errorf("Authorization = %q", got)
	}
	if got := remote.Query.Get("model"); got != "nova" {
		t.Errorf("model = %q, want nova", got)
	}
	if got := remote.Query.Get("smart_format"); got != "true" {
		t.Errorf("smart_format = %q, want true", got)
	}
	if conn.State() != StateOpen {
		t.Errorf("State() = %v, want open", conn.State())
	}
}

func TestConn_SendForwardsFramesInOrder(t *testing.T) {
	srv := providertest.NewServer()
	defer srv.Close()

	rec := newRecorder()
	conn, _, remote := openStream(t, srv, rec)
	defer conn.Finish()

	chunks := [][]byte{{0x1a, 0x45, 0xdf, 0xa3}, {0x00, 0x01, 0x02}, bytes.Repeat([]byte{0xff}, 4096)}
	for _, chunk := range chunks {
		if err := conn.Send(chunk); err != nil {
			t.Fatalf("Send error: %v", err)
		}
	}

	for i, want := range chunks {
		got, ok := remote.NextAudio(waitTimeout)
		if !ok {
			t.Fatalf("chunk %d not received", i)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("chunk %d differs", i)
		}
	}
}

func TestConn_SendWhileConnecting(t *testing.T) {
	srv := providertest.NewServer()
	defer srv.Close()
	srv.Hold()

	rec := newRecorder()
	stream, _ := newTestClient(srv.WSURL()).Open(context.Background(), rec.handlers())

	if stream.State() != StateConnecting {
		t.Fatalf("State() = %v, want connecting", stream.State())
	}
	if err := stream.Send([]byte{1}); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Send error = %v, want ErrNotOpen", err)
	}
	if err := stream.KeepAlive(); !errors.Is(err, ErrNotOpen) {
		t.Errorf("KeepAlive error = %v, want ErrNotOpen", err)
	}

	srv.Release()
	select {
	case <-rec.opened:
	case <-time.After(waitTimeout):
		t.Fatal("connection never opened after release")
	}
	stream.Finish()
}

func TestConn_KeepAlive(t *testing.T) {
	srv := providertest.NewServer()
	defer srv.Close()

	rec := newRecorder()
	conn, _, remote := openStream(t, srv, rec)
	defer conn.Finish()

	if err := conn.KeepAlive(); err != nil {
		t.Fatalf("KeepAlive error: %v", err)
	}

	msg, ok := remote.NextText(waitTimeout)
	if !ok {
		t.Fatal("keepalive not received")
	}
	if string(msg) != `{"type":"KeepAlive"}` {
		t.Errorf("keepalive = %s", msg)
	}
}

func TestConn_DispatchesEvents(t *testing.T) {
	srv := providertest.NewServer()
	defer srv.Close()

	rec := newRecorder()
	conn, _, remote := openStream(t, srv, rec)
	defer conn.Finish()

	result := []byte(`{"type":"Results","channel":{"alternatives":[{"transcript":"hello"}]}}`)
	metadata := []byte(`{"type":"Metadata","request_id":"abc","duration":1.5}`)
	warning := []byte(`{"type":"Warning","description":"low audio"}`)
	errMsg := []byte(`{"type":"Error","description":"bad audio","variant":"DATA-0000"}`)
	other := []byte(`{"type":"SpeechStarted","timestamp":0.5}`)

	for _, m := range [][]byte{result, metadata, warning, errMsg, other} {
		if err := remote.Emit(m); err != nil {
			t.Fatalf("Emit error: %v", err)
		}
	}

	select {
	case got := <-rec.transcripts:
		if !bytes.Equal(got, result) {
			t.Errorf("transcript = %s, want %s", got, result)
		}
	case <-time.After(waitTimeout):
		t.Fatal("transcript not dispatched")
	}

	select {
	case got := <-rec.metadata:
		if !bytes.Equal(got, metadata) {
			t.Errorf("metadata = %s, want %s", got, metadata)
		}
	case <-time.After(waitTimeout):
		t.Fatal("metadata not dispatched")
	}

	select {
	case got := <-rec.warnings:
		if !bytes.Equal(got, warning) {
			t.Errorf("warning = %s", got)
		}
	case <-time.After(waitTimeout):
		t.Fatal("warning not dispatched")
	}

	select {
	case err := <-rec.errs:
		if !strings.Contains(err.Error(), "bad audio") {
			t.Errorf("error = %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("error not dispatched")
	}

	select {
	case got := <-rec.unhandled:
		if !bytes.Equal(got, other) {
			t.Errorf("unhandled = %s", got)
		}
	case <-time.After(waitTimeout):
		t.Fatal("unhandled not dispatched")
	}

	if conn.State() != StateOpen {
		t.Errorf("provider error should not close the connection, state = %v", conn.State())
	}
}

func TestConn_FinishIsIdempotent(t *testing.T) {
	srv := providertest.NewServer()
	defer srv.Close()

	rec := newRecorder()
	conn, _, remote := openStream(t, srv, rec)

	if err := conn.Finish(); err != nil {
		t.Fatalf("Finish error: %v", err)
	}
	if err := conn.Finish(); err != nil {
		t.Fatalf("second Finish error: %v", err)
	}

	msg, ok := remote.NextText(waitTimeout)
	if !ok || string(msg) != `{"type":"CloseStream"}` {
		t.Errorf("expected CloseStream, got %s", msg)
	}

	select {
	case <-conn.Done():
	case <-time.After(waitTimeout):
		t.Fatal("connection did not close after Finish")
	}

	if conn.State() != StateClosed {
		t.Errorf("State() = %v, want closed", conn.State())
	}
	if err := conn.Finish(); err != nil {
		t.Errorf("Finish on closed connection error: %v", err)
	}
	if err := conn.Send([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("Send error = %v, want ErrClosed", err)
	}

	select {
	case <-rec.closed:
	case <-time.After(waitTimeout):
		t.Fatal("OnClose not called")
	}
	if n := rec.closes.Load(); n != 1 {
		t.Errorf("OnClose called %d times, want 1", n)
	}
}

func TestConn_ProviderDropMovesToClosed(t *testing.T) {
	srv := providertest.NewServer()
	defer srv.Close()

	rec := newRecorder()
	conn, _, remote := openStream(t, srv, rec)

	if err := remote.Drop(websocket.CloseGoingAway, "idle timeout"); err != nil {
		t.Fatalf("Drop error: %v", err)
	}

	select {
	case code := <-rec.closed:
		if code != websocket.CloseGoingAway {
			t.Errorf("close code = %d, want %d", code, websocket.CloseGoingAway)
		}
	case <-time.After(waitTimeout):
		t.Fatal("OnClose not called")
	}

	if !conn.State().Dead() {
		t.Errorf("State() = %v, want dead", conn.State())
	}
}

func TestOpen_DialFailure(t *testing.T) {
	srv := providertest.NewServer()
	defer srv.Close()
	srv.Reject(http.StatusUnauthorized)

	rec := newRecorder()
	stream, _ := newTestClient(srv.WSURL()).Open(context.Background(), rec.handlers())

	select {
	case err := <-rec.errs:
		if err == nil {
			t.Error("expected dial error")
		}
	case <-time.After(waitTimeout):
		t.Fatal("OnError not called")
	}

	select {
	case <-rec.closed:
	case <-time.After(waitTimeout):
		t.Fatal("OnClose not called")
	}

	if stream.State() != StateClosed {
		t.Errorf("State() = %v, want closed", stream.State())
	}
	if rec.opens.Load() != 0 {
		t.Error("OnOpen should not be called on dial failure")
	}
}

func TestConn_FinishWhileConnecting(t *testing.T) {
	srv := providertest.NewServer()
	defer srv.Close()
	srv.Hold()

	rec := newRecorder()
	stream, _ := newTestClient(srv.WSURL()).Open(context.Background(), rec.handlers())
	conn := stream.(*Conn)

	if err := conn.Finish(); err != nil {
		t.Fatalf("Finish error: %v", err)
	}
	if conn.State() != StateClosing {
		t.Errorf("State() = %v, want closing", conn.State())
	}
	srv.Release()

	select {
	case <-conn.Done():
	case <-time.After(waitTimeout):
		t.Fatal("connection did not close")
	}

	if rec.opens.Load() != 0 {
		t.Error("OnOpen should not be called after Finish")
	}
	select {
	case err := <-rec.errs:
		t.Errorf("no error expected for a finished dial, got %v", err)
	default:
	}
}

func TestSubscription_ReleaseStopsDispatch(t *testing.T) {
	srv := providertest.NewServer()
	defer srv.Close()

	rec := newRecorder()
	conn, sub, remote := openStream(t, srv, rec)
	defer conn.Finish()

	sub.Release()
	sub.Release()
	if !sub.Released() {
		t.Fatal("subscription should report released")
	}

	if err := remote.Emit([]byte(`{"type":"Results","channel":{"alternatives":[{"transcript":"late"}]}}`)); err != nil {
		t.Fatalf("Emit error: %v", err)
	}
	_ = remote.Drop(websocket.CloseNormalClosure, "")

	select {
	case <-conn.Done():
	case <-time.After(waitTimeout):
		t.Fatal("connection did not close")
	}

	select {
	case got := <-rec.transcripts:
		t.Errorf("transcript dispatched after release: %s", got)
	case <-rec.closed:
		t.Error("OnClose dispatched after release")
	default:
	}
}

func TestSubscription_Active(t *testing.T) {
	called := false
	sub := NewSubscription(Handlers{OnOpen: func() { called = true }})

	h, ok := sub.Active()
	if !ok {
		t.Fatal("new subscription should be active")
	}
	h.OnOpen()
	if !called {
		t.Error("handler not invoked")
	}

	sub.Release()
	if _, ok := sub.Active(); ok {
		t.Error("released subscription should not be active")
	}
}

// newStalledServer accepts the websocket handshake and then never reads.
func newStalledServer(t *testing.T) string {
	t.Helper()
	release := make(chan struct{})
	stalled := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := stalled.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func openStalled(t *testing.T, cfg Config) *Conn {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.URL = newStalledServer(t)
	cfg.APIKey = "dg-test-key"
	rec := newRecorder()
	stream, _ := NewClient(cfg, logger).Open(context.Background(), rec.handlers())
	select {
	case <-rec.opened:
	case <-time.After(waitTimeout):
		t.Fatal("OnOpen was not called")
	}
	return stream.(*Conn)
}

func TestConn_SendTimesOutWhenProviderStopsReading(t *testing.T) {
	conn := openStalled(t, Config{WriteTimeout: 100 * time.Millisecond})
	frame := make([]byte, 1<<20)

	deadline := time.Now().Add(waitTimeout)
	var err error
	for err == nil && time.Now().Before(deadline) {
		err = conn.Send(frame)
	}
	if err == nil {
		t.Fatal("expected a send to fail against a stalled provider")
	}

	select {
	case <-conn.Done():
	case <-time.After(waitTimeout):
		t.Fatal("connection should close after a failed write")
	}
	if conn.State() != StateClosed {
		t.Errorf("State() = %v, want closed", conn.State())
	}
}

func TestConn_FinishAbortsStalledWrite(t *testing.T) {
	conn := openStalled(t, Config{WriteTimeout: time.Minute, CloseGrace: 100 * time.Millisecond})
	frame := make([]byte, 1<<20)

	sendDone := make(chan error, 1)
	go func() {
		for {
			if err := conn.Send(frame); err != nil {
				sendDone <- err
				return
			}
		}
	}()
	time.Sleep(300 * time.Millisecond)

	finished := make(chan struct{})
	go func() {
		_ = conn.Finish()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(waitTimeout):
		t.Fatal("Finish blocked behind a stalled write")
	}
	select {
	case <-sendDone:
	case <-time.After(waitTimeout):
		t.Fatal("stalled Send was not released")
	}
	select {
	case <-conn.Done():
	case <-time.After(waitTimeout):
		t.Fatal("connection never reached closed")
	}
}
