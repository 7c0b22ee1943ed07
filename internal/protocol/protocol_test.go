package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type received struct {
	text   bool
	data   []byte
	query  url.Values
	path   string
	closed bool
}

// backend is a test server that records every message it receives.
type backend struct {
	srv  *httptest.Server
	msgs chan received
	// hello is sent as the first server message when non-empty.
	hello string
	// hangUp closes the socket right after hello.
	hangUp bool
}

func newBackend(t *testing.T, hello string, hangUp bool) *backend {
	t.Helper()
	b := &backend{msgs: make(chan received, 64), hello: hello, hangUp: hangUp}
	upgrader := websocket.Upgrader{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		b.msgs <- received{path: r.URL.Path, query: r.URL.Query()}
		if b.hello != "" {
			ws.WriteMessage(websocket.TextMessage, []byte(b.hello))
		}
		if b.hangUp {
			return
		}
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				b.msgs <- received{closed: true}
				return
			}
			b.msgs <- received{text: mt == websocket.TextMessage, data: data}
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) next(t *testing.T) received {
	t.Helper()
	select {
	case m := <-b.msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server message")
		return received{}
	}
}

func openAdapter(t *testing.T, kind Kind, opts Options) Adapter {
	t.Helper()
	a, err := New(kind, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestLegacyFramesOnTheWire(t *testing.T) {
	b := newBackend(t, "", false)
	a := openAdapter(t, KindLegacy, Options{
		ServerURL:         b.srv.URL,
		Token:             "tok",
		DeviceName:        "studio-1",
		KeepaliveInterval: -1,
	})

	conn := b.next(t)
	if conn.path != "/ws_pcm" {
		t.Fatalf("path = %q, want /ws_pcm", conn.path)
	}
	if conn.query.Get("token") != "tok" || conn.query.Get("device_name") != "studio-1" {
		t.Fatalf("query = %v", conn.query)
	}

	if err := a.SendAudioStart("streaming"); err != nil {
		t.Fatalf("SendAudioStart: %v", err)
	}
	if err := a.SendAudioChunk([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendAudioChunk: %v", err)
	}
	if err := a.SendAudioStop(); err != nil {
		t.Fatalf("SendAudioStop: %v", err)
	}
	if err := a.SendAudioStop(); err != nil {
		t.Fatalf("second SendAudioStop: %v", err)
	}
	a.Close()

	want := []string{
		`{"type":"audio-start","data":{"rate":16000,"width":2,"channels":1,"mode":"streaming"},"payload_length":null}` + "\n",
		`{"type":"audio-chunk","data":{"rate":16000,"width":2,"channels":1},"payload_length":4}` + "\n",
	}
	for i, w := range want {
		m := b.next(t)
		if !m.text || string(m.data) != w {
			t.Fatalf("message %d = %q (text=%v), want %q", i, m.data, m.text, w)
		}
	}
	payload := b.next(t)
	if payload.text || !bytes.Equal(payload.data, []byte{1, 2, 3, 4}) {
		t.Fatalf("payload = %v (text=%v), want binary [1 2 3 4]", payload.data, payload.text)
	}

	stop := b.next(t)
	f, err := ParseHeader(stop.data)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if f.Type != TypeAudioStop || f.PayloadLength != nil {
		t.Fatalf("stop frame = %+v", f)
	}

	if m := b.next(t); !m.closed {
		t.Fatalf("expected close after a single audio-stop, got %q", m.data)
	}
	if a.IsOpen() {
		t.Fatal("adapter should not be open after Close")
	}
}

func TestChunkBeforeStartIsRejected(t *testing.T) {
	b := newBackend(t, "", false)
	a := openAdapter(t, KindLegacy, Options{ServerURL: b.srv.URL, KeepaliveInterval: -1})
	b.next(t)

	err := a.SendAudioChunk([]byte{0, 0})
	if !errors.Is(err, ErrNotStarted) {
		t.Fatalf("err = %v, want ErrNotStarted", err)
	}
	if got := a.Stats().SendErrors; got != 1 {
		t.Fatalf("SendErrors = %d, want 1", got)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	b := newBackend(t, "", false)
	a := openAdapter(t, KindLegacy, Options{ServerURL: b.srv.URL, KeepaliveInterval: -1})
	b.next(t)
	a.Close()
	a.Close()

	err := a.SendAudioStart("batch")
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	var cerr *ConnectionError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %T, want *ConnectionError", err)
	}
}

func TestKeepalivePing(t *testing.T) {
	b := newBackend(t, "", false)
	a := openAdapter(t, KindLegacy, Options{ServerURL: b.srv.URL, KeepaliveInterval: 20 * time.Millisecond})
	b.next(t)

	m := b.next(t)
	if string(m.data) != `{"type":"ping","payload_length":null}`+"\n" {
		t.Fatalf("keepalive = %q", m.data)
	}
	deadline := time.Now().Add(time.Second)
	for a.Stats().PingsSent == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if a.Stats().PingsSent == 0 {
		t.Fatal("PingsSent = 0, want at least 1")
	}
}

func TestDualHandshakeAcknowledged(t *testing.T) {
	b := newBackend(t, `{"type":"connected"}`, false)
	a := openAdapter(t, KindDual, Options{ServerURL: b.srv.URL, KeepaliveInterval: -1})

	conn := b.next(t)
	if conn.path != "/ws" || conn.query.Get("codec") != "pcm" {
		t.Fatalf("endpoint = %s?%s, want /ws?codec=pcm", conn.path, conn.query.Encode())
	}
	dual := a.(*DualAdapter)
	if err := dual.ProtocolErr(); err != nil {
		t.Fatalf("ProtocolErr = %v, want nil", err)
	}
	if a.Kind() != KindDual {
		t.Fatalf("Kind = %s, want dual", a.Kind())
	}
}

func TestDualUnexpectedAckIsInformational(t *testing.T) {
	b := newBackend(t, `{"type":"welcome"}`, false)
	var reported []error
	a := openAdapter(t, KindDual, Options{
		ServerURL:         b.srv.URL,
		KeepaliveInterval: -1,
		OnProtocolError:   func(err error) { reported = append(reported, err) },
	})
	b.next(t)

	var perr *ProtocolError
	if !errors.As(a.(*DualAdapter).ProtocolErr(), &perr) {
		t.Fatal("expected a ProtocolError to be recorded")
	}
	if perr.Got != "welcome" {
		t.Fatalf("Got = %q, want welcome", perr.Got)
	}
	if len(reported) != 1 || reported[0] != error(perr) {
		t.Fatalf("OnProtocolError got %v, want exactly %v", reported, perr)
	}
	if err := a.SendAudioStart("dual-stream"); err != nil {
		t.Fatalf("stream should still be usable: %v", err)
	}
}

func TestDualHandshakeTimeoutProceeds(t *testing.T) {
	b := newBackend(t, "", false)
	start := time.Now()
	a := openAdapter(t, KindDual, Options{
		ServerURL:         b.srv.URL,
		KeepaliveInterval: -1,
		HandshakeTimeout:  50 * time.Millisecond,
	})
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("Open returned before the handshake timeout")
	}
	if !a.IsOpen() {
		t.Fatal("adapter should be open after a silent handshake")
	}
}

func TestDualReadErrorIsReported(t *testing.T) {
	b := newBackend(t, `{"type":"ready"}`, true)
	errs := make(chan error, 4)
	openAdapter(t, KindDual, Options{
		ServerURL:         b.srv.URL,
		KeepaliveInterval: -1,
		OnError:           func(err error) { errs <- err },
	})

	select {
	case err := <-errs:
		var cerr *ConnectionError
		if !errors.As(err, &cerr) || cerr.Op != "read" {
			t.Fatalf("err = %v, want read ConnectionError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnError was not called")
	}
}

func TestLegacyReadErrorIsOnlyLogged(t *testing.T) {
	b := newBackend(t, "", true)
	var called atomic.Bool
	a := openAdapter(t, KindLegacy, Options{
		ServerURL:         b.srv.URL,
		KeepaliveInterval: -1,
		OnError:           func(error) { called.Store(true) },
	})

	deadline := time.Now().Add(2 * time.Second)
	for a.IsOpen() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if a.IsOpen() {
		t.Fatal("adapter should notice the server hang-up")
	}
	if called.Load() {
		t.Fatal("legacy adapter must not report read errors")
	}
}

func TestOpenFailsForUnreachableServer(t *testing.T) {
	a, err := New(KindLegacy, Options{ServerURL: "http://127.0.0.1:1", KeepaliveInterval: -1})
	if err != nil {
		t.Fatal(err)
	}
	err = a.Open(context.Background())
	var cerr *ConnectionError
	if !errors.As(err, &cerr) || cerr.Op != "open" {
		t.Fatalf("err = %v, want open ConnectionError", err)
	}
	if a.IsOpen() {
		t.Fatal("adapter should not be open")
	}
}

func TestNewRejectsUnknownKind(t *testing.T) {
	if _, err := New(Kind(9), Options{}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		server, path, want string
	}{
		{"http://localhost:8000", "/ws_pcm", "ws://localhost:8000/ws_pcm?device_name=dev&token=t"},
		{"https://api.example.com/", "/ws", "wss://api.example.com/ws?device_name=dev&token=t"},
		{"https://api.example.com/base", "ws", "wss://api.example.com/base/ws?device_name=dev&token=t"},
		{"ws://10.0.0.2:9000", "/ws_pcm", "ws://10.0.0.2:9000/ws_pcm?device_name=dev&token=t"},
	}
	for _, tt := range tests {
		got, err := BuildURL(tt.server, tt.path, "t", "dev")
		if err != nil {
			t.Fatalf("BuildURL(%q): %v", tt.server, err)
		}
		if got != tt.want {
			t.Errorf("BuildURL(%q, %q) = %q, want %q", tt.server, tt.path, got, tt.want)
		}
	}

	for _, bad := range []string{"ftp://example.com", "http://", "::"} {
		if _, err := BuildURL(bad, "/ws", "", ""); err == nil {
			t.Errorf("BuildURL(%q) should fail", bad)
		}
	}
}

func TestRedactHidesToken(t *testing.T) {
	got := redact("wss://api.example.com/ws?token=secret&device_name=a")
	if strings.Contains(got, "secret") {
		t.Fatalf("redact leaked token: %s", got)
	}
}

func TestByteStreamRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	for _, f := range []Frame{AudioStart("batch"), AudioChunk([]byte{9, 8, 7}), AudioStop(time.UnixMilli(1700000000000))} {
		if _, err := f.WriteTo(&buf); err != nil {
			t.Fatalf("WriteTo %s: %v", f.Type, err)
		}
	}

	r := bufio.NewReader(&buf)
	start, err := ReadFrame(r)
	if err != nil || start.Type != TypeAudioStart {
		t.Fatalf("first frame = %+v, %v", start, err)
	}
	chunk, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame chunk: %v", err)
	}
	if !bytes.Equal(chunk.Payload, []byte{9, 8, 7}) {
		t.Fatalf("chunk payload = %v", chunk.Payload)
	}
	stop, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame stop: %v", err)
	}
	if raw, ok := stop.Data.(json.RawMessage); !ok || !strings.Contains(string(raw), "1700000000000") {
		t.Fatalf("stop data = %s", stop.Data)
	}
}

func TestHeaderRejectsLengthMismatch(t *testing.T) {
	f := AudioChunk([]byte{1, 2})
	f.Payload = []byte{1}
	if _, err := f.Header(); err == nil {
		t.Fatal("expected mismatch error")
	}
	if _, err := (Frame{Type: TypeAudioChunk, Payload: []byte{1}}).Header(); err == nil {
		t.Fatal("expected error for undeclared payload")
	}
	if _, err := ParseHeader([]byte(`{"type":"audio-chunk","payload_length":-1}`)); err == nil {
		t.Fatal("expected error for negative payload length")
	}
	if _, err := ParseHeader([]byte(`{"payload_length":0}`)); err == nil {
		t.Fatal("expected error for missing type")
	}
}
