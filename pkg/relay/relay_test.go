package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyvoice/parley/pkg/metrics"
	"github.com/parleyvoice/parley/pkg/wire"
)

// fakeUpstream plays the recognition provider: it records handshakes and
// inbound frames and lets tests push scripted events back down.
type fakeUpstream struct {
	srv      *httptest.Server
	received chan []byte
	dials    atomic.Int32

	mu        sync.Mutex
	conn      *websocket.Conn
	lastAuth  string
	lastModel string
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{received: make(chan []byte, 64)}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.dials.Add(1)
		f.mu.Lock()
		f.lastAuth = r.Header.Get("Authorization")
		f.lastModel = r.URL.Query().Get("model")
		f.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.received <- data
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeUpstream) send(t *testing.T, data []byte) {
	t.Helper()
	conn := f.waitConn(t)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("upstream send: %v", err)
	}
}

func (f *fakeUpstream) closeWith(t *testing.T, reason string) {
	t.Helper()
	conn := f.waitConn(t)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("upstream close: %v", err)
	}
	_ = conn.Close()
}

func (f *fakeUpstream) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()
		if conn != nil {
			return conn
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("upstream connection never arrived")
	return nil
}

func (f *fakeUpstream) waitReceived(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-f.received:
		return data
	case <-time.After(2 * time.Second):
		t.Fatalf("upstream received nothing")
		return nil
	}
}

func newTestRelay(t *testing.T, upstreamURL, apiKey string) *httptest.Server {
	t.Helper()
	handshakeMS := 2000
	srv := NewServer(Config{
		WSPath: "/session",
		Upstream: UpstreamConfig{
			URL:                upstreamURL,
			APIKey:             apiKey,
			DefaultModel:       "rt-transcribe-1",
			HandshakeTimeoutMS: &handshakeMS,
		},
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

func dialRelay(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/session"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readWire(t *testing.T, conn *websocket.Conn) wire.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read from relay: %v", err)
	}
	msg, ok := wire.Decode(data)
	if !ok {
		t.Fatalf("relay sent undecodable message: %s", data)
	}
	return msg
}

func sendWire(t *testing.T, conn *websocket.Conn, msg wire.Message) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, wire.Encode(msg)); err != nil {
		t.Fatalf("send to relay: %v", err)
	}
}

func sessionUpdate(mode wire.Mode, model string) wire.Message {
	return wire.Message{
		Type:      wire.TypeSessionUpdate,
		Mode:      mode,
		LanguageA: "en",
		LanguageB: "zh",
		Model:     model,
	}
}

func TestFirstMessageMustBeSessionUpdate(t *testing.T) {
	up := newFakeUpstream(t)
	ts := newTestRelay(t, up.wsURL(), "test-key")
	conn := dialRelay(t, ts)

	sendWire(t, conn, wire.Message{Type: wire.TypeAudioAppend, Audio: "AAAA"})

	msg := readWire(t, conn)
	if msg.Type != wire.TypeError {
		t.Fatalf("expected error, got %q", msg.Type)
	}
	if up.dials.Load() != 0 {
		t.Fatalf("upstream dialed %d times, want 0", up.dials.Load())
	}
}

func TestMalformedFirstMessageRejects(t *testing.T) {
	up := newFakeUpstream(t)
	ts := newTestRelay(t, up.wsURL(), "test-key")
	conn := dialRelay(t, ts)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg := readWire(t, conn)
	if msg.Type != wire.TypeError {
		t.Fatalf("expected error, got %q", msg.Type)
	}
	if up.dials.Load() != 0 {
		t.Fatalf("upstream dialed %d times, want 0", up.dials.Load())
	}
}

func TestSessionUpdateOpensUpstreamAndForwards(t *testing.T) {
	up := newFakeUpstream(t)
	ts := newTestRelay(t, up.wsURL(), "test-key")
	conn := dialRelay(t, ts)

	sendWire(t, conn, sessionUpdate(wire.ModeFixedSides, "custom-model"))

	first, ok := wire.Decode(up.waitReceived(t))
	if !ok || first.Type != wire.TypeSessionUpdate {
		t.Fatalf("upstream did not receive session.update first")
	}
	if first.LanguageA != "en" || first.LanguageB != "zh" {
		t.Fatalf("session.update languages not preserved: %+v", first)
	}

	up.mu.Lock()
	auth, model := up.lastAuth, up.lastModel
	up.mu.Unlock()
	if auth != "Bearer test-key" {
		t.Fatalf("authorization header = %q", auth)
	}
	if model != "custom-model" {
		t.Fatalf("model query = %q, want custom-model", model)
	}

	sendWire(t, conn, wire.Message{Type: wire.TypeAudioAppend, Audio: "AAAA"})
	frame, ok := wire.Decode(up.waitReceived(t))
	if !ok || frame.Type != wire.TypeAudioAppend || frame.Audio != "AAAA" {
		t.Fatalf("audio frame not forwarded: %+v", frame)
	}
}

func TestDefaultModelApplied(t *testing.T) {
	up := newFakeUpstream(t)
	ts := newTestRelay(t, up.wsURL(), "test-key")
	conn := dialRelay(t, ts)

	sendWire(t, conn, sessionUpdate(wire.ModeFixedSides, ""))
	up.waitReceived(t)

	up.mu.Lock()
	model := up.lastModel
	up.mu.Unlock()
	if model != "rt-transcribe-1" {
		t.Fatalf("model query = %q, want default", model)
	}
}

func TestMissingCredentialIsFatal(t *testing.T) {
	up := newFakeUpstream(t)
	ts := newTestRelay(t, up.wsURL(), "")
	conn := dialRelay(t, ts)

	sendWire(t, conn, sessionUpdate(wire.ModeFixedSides, ""))

	msg := readWire(t, conn)
	if msg.Type != wire.TypeError {
		t.Fatalf("expected error, got %q", msg.Type)
	}
	if !strings.Contains(msg.Message, "credentials") {
		t.Fatalf("error message %q does not mention credentials", msg.Message)
	}
	if up.dials.Load() != 0 {
		t.Fatalf("upstream dialed %d times, want 0", up.dials.Load())
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("connection stayed open after fatal error")
	}
}

func TestSecondSessionUpdateRejected(t *testing.T) {
	up := newFakeUpstream(t)
	ts := newTestRelay(t, up.wsURL(), "test-key")
	conn := dialRelay(t, ts)

	sendWire(t, conn, sessionUpdate(wire.ModeFixedSides, ""))
	up.waitReceived(t)

	sendWire(t, conn, sessionUpdate(wire.ModeFixedSides, ""))
	msg := readWire(t, conn)
	if msg.Type != wire.TypeError {
		t.Fatalf("expected error, got %q", msg.Type)
	}

	// The session survives the rejected reconfigure.
	sendWire(t, conn, wire.Message{Type: wire.TypeAudioCommit})
	frame, _ := wire.Decode(up.waitReceived(t))
	if frame.Type != wire.TypeAudioCommit {
		t.Fatalf("commit not forwarded after rejected update: %+v", frame)
	}
	if up.dials.Load() != 1 {
		t.Fatalf("upstream dialed %d times, want 1", up.dials.Load())
	}
}

func TestHandshakeFailureSurfacesStatus(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("invalid api key"))
	}))
	t.Cleanup(bad.Close)

	ts := newTestRelay(t, "ws"+strings.TrimPrefix(bad.URL, "http"), "test-key")
	conn := dialRelay(t, ts)

	sendWire(t, conn, sessionUpdate(wire.ModeFixedSides, ""))

	msg := readWire(t, conn)
	if msg.Type != wire.TypeError {
		t.Fatalf("expected error, got %q", msg.Type)
	}
	if !strings.Contains(msg.Message, "401") {
		t.Fatalf("error %q does not carry the upstream status", msg.Message)
	}
}

func TestAutoDetectAnnotatesCompletedTranscript(t *testing.T) {
	up := newFakeUpstream(t)
	ts := newTestRelay(t, up.wsURL(), "test-key")
	conn := dialRelay(t, ts)

	sendWire(t, conn, sessionUpdate(wire.ModeAutoDetect, ""))
	up.waitReceived(t)

	up.send(t, wire.Encode(wire.Message{
		Type:     wire.TypeCompletedTranscript,
		Text:     "bonjour",
		Language: "fr",
	}))

	msg := readWire(t, conn)
	if msg.Type != wire.TypeCompletedTranscript {
		t.Fatalf("expected completed transcript, got %q", msg.Type)
	}
	if msg.Text != "bonjour" {
		t.Fatalf("text not preserved: %q", msg.Text)
	}
	// fr matches neither configured language; the fallback routes to side a
	// and keeps the detected source.
	if msg.Side != wire.SideA {
		t.Fatalf("side = %q, want a", msg.Side)
	}
	if msg.SourceLanguage != "fr" || msg.TargetLanguage != "zh" {
		t.Fatalf("direction = %q->%q, want fr->zh", msg.SourceLanguage, msg.TargetLanguage)
	}
	if msg.Mode != wire.ModeAutoDetect {
		t.Fatalf("mode annotation = %q", msg.Mode)
	}
}

func TestFixedSidesTranscriptPassesThrough(t *testing.T) {
	up := newFakeUpstream(t)
	ts := newTestRelay(t, up.wsURL(), "test-key")
	conn := dialRelay(t, ts)

	sendWire(t, conn, sessionUpdate(wire.ModeFixedSides, ""))
	up.waitReceived(t)

	up.send(t, wire.Encode(wire.Message{
		Type:     wire.TypeCompletedTranscript,
		Text:     "hello",
		Language: "en",
	}))

	msg := readWire(t, conn)
	if msg.Type != wire.TypeCompletedTranscript || msg.Text != "hello" {
		t.Fatalf("transcript not forwarded: %+v", msg)
	}
	if msg.Side != wire.SideUnknown || msg.SourceLanguage != "" {
		t.Fatalf("fixed_sides transcript was annotated: %+v", msg)
	}
}

func TestPartialTranscriptForwardedVerbatim(t *testing.T) {
	up := newFakeUpstream(t)
	ts := newTestRelay(t, up.wsURL(), "test-key")
	conn := dialRelay(t, ts)

	sendWire(t, conn, sessionUpdate(wire.ModeAutoDetect, ""))
	up.waitReceived(t)

	up.send(t, wire.Encode(wire.Message{Type: wire.TypePartialTranscript, Text: "hel"}))

	msg := readWire(t, conn)
	if msg.Type != wire.TypePartialTranscript || msg.Text != "hel" {
		t.Fatalf("partial not forwarded: %+v", msg)
	}
	if msg.Side != wire.SideUnknown {
		t.Fatalf("partial was annotated: %+v", msg)
	}
}

func TestUpstreamCloseFinishesSession(t *testing.T) {
	up := newFakeUpstream(t)
	ts := newTestRelay(t, up.wsURL(), "test-key")
	conn := dialRelay(t, ts)

	sendWire(t, conn, sessionUpdate(wire.ModeFixedSides, ""))
	up.waitReceived(t)

	up.closeWith(t, "session complete")

	msg := readWire(t, conn)
	if msg.Type != wire.TypeSessionFinished {
		t.Fatalf("expected session.finished, got %q", msg.Type)
	}
	if msg.Reason != "session complete" {
		t.Fatalf("reason = %q", msg.Reason)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("client socket stayed open after session.finished")
	}
}

func TestDrainRejectsNewConnections(t *testing.T) {
	up := newFakeUpstream(t)
	srv := NewServer(Config{
		WSPath:   "/session",
		Upstream: UpstreamConfig{URL: up.wsURL(), APIKey: "test-key"},
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	if err := srv.Drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	resp, err := http.Get(ts.URL + "/session")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestSessionEventsRecorded(t *testing.T) {
	up := newFakeUpstream(t)
	obs := metrics.NewMemoryObserver()
	srv := NewServer(Config{
		WSPath: "/session",
		Upstream: UpstreamConfig{
			URL:          up.wsURL(),
			APIKey:       "test-key",
			DefaultModel: "rt-transcribe-1",
		},
	})
	srv.SetObserver(obs)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/session"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	sendWire(t, conn, sessionUpdate(wire.ModeFixedSides, ""))
	up.waitReceived(t)

	if obs.Count(metrics.EventSessionOpened) != 1 {
		t.Fatalf("session_opened recorded %d times", obs.Count(metrics.EventSessionOpened))
	}

	bad, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { _ = bad.Close() })
	sendWire(t, bad, wire.Message{Type: wire.TypeAudioCommit})
	readWire(t, bad)

	if obs.Count(metrics.EventSessionRejected) != 1 {
		t.Fatalf("session_rejected recorded %d times", obs.Count(metrics.EventSessionRejected))
	}
	for _, ev := range obs.Events() {
		if ev.Name == metrics.EventSessionRejected && ev.Tags["reason"] != "protocol_violation" {
			t.Fatalf("rejection tagged %q", ev.Tags["reason"])
		}
	}
}

func TestHandshakeFailureTaggedWithReason(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(bad.Close)

	obs := metrics.NewMemoryObserver()
	srv := NewServer(Config{
		WSPath: "/session",
		Upstream: UpstreamConfig{
			URL:          "ws" + strings.TrimPrefix(bad.URL, "http"),
			APIKey:       "test-key",
			DefaultModel: "rt-transcribe-1",
		},
	})
	srv.SetObserver(obs)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/session"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	sendWire(t, conn, sessionUpdate(wire.ModeFixedSides, ""))
	readWire(t, conn)

	if obs.Count(metrics.EventHandshakeFailed) != 1 {
		t.Fatalf("handshake_failed recorded %d times", obs.Count(metrics.EventHandshakeFailed))
	}
	for _, ev := range obs.Events() {
		if ev.Name == metrics.EventHandshakeFailed && ev.Tags["reason"] != "upstream_handshake" {
			t.Fatalf("handshake failure tagged %q", ev.Tags["reason"])
		}
	}
}

func TestUnknownPathDestroysSocket(t *testing.T) {
	up := newFakeUpstream(t)
	ts := newTestRelay(t, up.wsURL(), "test-key")

	_, err := http.Get(ts.URL + "/other")
	if err == nil {
		t.Fatalf("expected aborted connection for unknown path")
	}
}
