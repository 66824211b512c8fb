package bridge

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/callshield/internal/classify"
	"github.com/mbd888/callshield/internal/session"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// fakeUpstream is an in-process stand-in for the analysis engine. It
// records how it was dialed and what audio it received, and lets tests
// script the frames it sends back.
type fakeUpstream struct {
	srv *httptest.Server

	mu     sync.Mutex
	dials  int
	number string
	apiKey string
	audio  []string

	out        chan []byte
	conns      chan *websocket.Conn
	readerDone chan struct{}
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	f := &fakeUpstream{
		out:        make(chan []byte, 16),
		conns:      make(chan *websocket.Conn, 4),
		readerDone: make(chan struct{}, 4),
	}
	var up websocket.Upgrader
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.dials++
		f.number = r.URL.Query().Get("number")
		f.apiKey = r.Header.Get("X-Api-Key")
		f.mu.Unlock()

		select {
		case f.conns <- conn:
		default:
		}

		go func() {
			for msg := range f.out {
				_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}()

		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				f.readerDone <- struct{}{}
				return
			}
			if msgType == websocket.BinaryMessage {
				f.mu.Lock()
				f.audio = append(f.audio, string(data))
				f.mu.Unlock()
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	t.Cleanup(func() { close(f.out) })
	return f
}

func (f *fakeUpstream) dialer() *UpstreamDialer {
	return &UpstreamDialer{
		URL:     "ws" + strings.TrimPrefix(f.srv.URL, "http"),
		APIKey:  "upstream-key",
		Timeout: 2 * time.Second,
	}
}

func (f *fakeUpstream) push(t *testing.T, msg string) {
	t.Helper()
	select {
	case f.out <- []byte(msg):
	case <-time.After(time.Second):
		t.Fatal("fake upstream send queue stuck")
	}
}

func (f *fakeUpstream) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeUpstream) dialScope() (number, apiKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.number, f.apiKey
}

func (f *fakeUpstream) audioFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.audio))
	copy(out, f.audio)
	return out
}

type bridgeFixture struct {
	registry *session.Registry
	upstream *fakeUpstream
	handler  *Handler
	srv      *httptest.Server
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	f := &bridgeFixture{
		registry: session.NewRegistry(testLogger()),
		upstream: newFakeUpstream(t),
	}
	f.handler = NewHandler(f.registry, f.upstream.dialer(), testLogger())
	f.srv = httptest.NewServer(http.HandlerFunc(f.handler.HandleStream))
	t.Cleanup(f.srv.Close)
	t.Cleanup(f.handler.Shutdown)
	return f
}

func (f *bridgeFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial bridge: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// connect creates a session and completes the stream handshake,
// returning a client socket with the relay established.
func (f *bridgeFixture) connect(t *testing.T, number string) (*websocket.Conn, *session.Session) {
	t.Helper()
	sess, err := f.registry.Create(number, "device-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	conn := f.dial(t)
	writeJSON(t, conn, handshake{SessionID: sess.ID})

	msgType, data := readFrame(t, conn, 2*time.Second)
	if msgType != websocket.TextMessage {
		t.Fatalf("ready frame type = %d", msgType)
	}
	var ready readyFrame
	if err := json.Unmarshal(data, &ready); err != nil || ready.Type != frameReady || ready.SessionID != sess.ID {
		t.Fatalf("ready frame = %s (decode err %v)", data, err)
	}
	return conn, sess
}

func writeJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) (int, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msgType, data
}

func readErrorFrame(t *testing.T, conn *websocket.Conn) errorFrame {
	t.Helper()
	_, data := readFrame(t, conn, 2*time.Second)
	var e errorFrame
	if err := json.Unmarshal(data, &e); err != nil || e.Type != frameError {
		t.Fatalf("expected error frame, got %s (decode err %v)", data, err)
	}
	return e
}

func TestBridgeOrdersWarningAfterPassthrough(t *testing.T) {
	f := newBridgeFixture(t)
	client, sess := f.connect(t, "+15551234567")

	m1 := `{"type":"transcript","text":"am I speaking with the account holder","final":false}`
	m2 := `{"type":"result","callScamRisk":"HIGH_SCAM_RISK","callOriginatorRisk":"LOW",` +
		`"scamDialog":{"scamDialogRisk":"HIGH","confidence":"HIGH"},` +
		`"syntheticVoice":{"syntheticVoiceDetected":false,"score":0.12}}`
	m3 := `{"type":"transcript","text":"your account will be suspended today","final":true}`
	f.upstream.push(t, m1)
	f.upstream.push(t, m2)
	f.upstream.push(t, m3)

	for i, want := range []string{m1, m2} {
		_, data := readFrame(t, client, 2*time.Second)
		if string(data) != want {
			t.Fatalf("frame %d = %s, want verbatim %s", i+1, data, want)
		}
	}

	// The warning is an extra frame inserted after the untouched result.
	_, data := readFrame(t, client, 2*time.Second)
	var w classify.Warning
	if err := json.Unmarshal(data, &w); err != nil {
		t.Fatalf("warning decode: %v (%s)", err, data)
	}
	if w.Type != classify.WarningScam || w.Level != classify.LevelScam || !w.AutoBlocked {
		t.Errorf("warning = %+v", w)
	}
	if w.Title != "Scam call blocked" || w.Confidence != classify.SignalHigh {
		t.Errorf("warning copy = %q / %s", w.Title, w.Confidence)
	}
	if len(w.Actions) != 3 || w.Actions[0] != classify.ClientActionDismiss {
		t.Errorf("actions = %v", w.Actions)
	}
	if w.Timestamp.IsZero() {
		t.Error("warning missing emission timestamp")
	}

	_, data = readFrame(t, client, 2*time.Second)
	if string(data) != m3 {
		t.Fatalf("frame after warning = %s, want verbatim %s", data, m3)
	}

	waitFor(t, time.Second, func() bool {
		got, err := f.registry.Get(sess.ID)
		return err == nil && len(got.Transcripts) == 2
	})
	got, err := f.registry.Get(sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(got.Results) != 1 || got.Results[0].RiskLevel != classify.RiskHigh {
		t.Errorf("results = %+v", got.Results)
	}
	if got.Transcripts[1].Text != "your account will be suspended today" || !got.Transcripts[1].Final {
		t.Errorf("transcripts = %+v", got.Transcripts)
	}
	if len(got.Warnings) != 1 || got.Warnings[0].Type != classify.WarningScam {
		t.Errorf("warnings = %+v", got.Warnings)
	}
}

func TestBridgeForwardsClientAudioUpstream(t *testing.T) {
	f := newBridgeFixture(t)
	client, _ := f.connect(t, "+15557654321")

	for _, chunk := range []string{"chunk-1", "chunk-2", "chunk-3"} {
		_ = client.SetWriteDeadline(time.Now().Add(time.Second))
		if err := client.WriteMessage(websocket.BinaryMessage, []byte(chunk)); err != nil {
			t.Fatalf("write audio: %v", err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return len(f.upstream.audioFrames()) == 3 })
	if got := f.upstream.audioFrames(); got[0] != "chunk-1" || got[1] != "chunk-2" || got[2] != "chunk-3" {
		t.Errorf("upstream audio = %v", got)
	}

	number, apiKey := f.upstream.dialScope()
	if number != "+15557654321" {
		t.Errorf("upstream dialed for %q, want the session's number", number)
	}
	if apiKey != "upstream-key" {
		t.Errorf("upstream api key = %q", apiKey)
	}
}

func TestBridgeUnknownSessionRejectedWithoutDial(t *testing.T) {
	f := newBridgeFixture(t)
	client := f.dial(t)

	writeJSON(t, client, handshake{SessionID: "sess_000000000000000000000000"})

	e := readErrorFrame(t, client)
	if e.Code != CodeSessionNotFound {
		t.Errorf("code = %s, want %s", e.Code, CodeSessionNotFound)
	}
	if n := f.upstream.dialCount(); n != 0 {
		t.Errorf("upstream dialed %d times for an unknown session", n)
	}
}

func TestBridgeMalformedHandshakeRejected(t *testing.T) {
	f := newBridgeFixture(t)

	for _, tc := range []struct {
		name    string
		msgType int
		payload string
	}{
		{"not json", websocket.TextMessage, "hello"},
		{"empty session id", websocket.TextMessage, `{"sessionId":""}`},
		{"binary handshake", websocket.BinaryMessage, `{"sessionId":"sess_x"}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			client := f.dial(t)
			_ = client.SetWriteDeadline(time.Now().Add(time.Second))
			if err := client.WriteMessage(tc.msgType, []byte(tc.payload)); err != nil {
				t.Fatalf("write: %v", err)
			}
			e := readErrorFrame(t, client)
			if e.Code != CodeBadHandshake {
				t.Errorf("code = %s, want %s", e.Code, CodeBadHandshake)
			}
		})
	}

	if f.upstream.dialCount() != 0 {
		t.Error("upstream dialed for a malformed handshake")
	}
}

func TestBridgeSecondRelayRejected(t *testing.T) {
	f := newBridgeFixture(t)
	_, sess := f.connect(t, "+15551234567")

	second := f.dial(t)
	writeJSON(t, second, handshake{SessionID: sess.ID})

	e := readErrorFrame(t, second)
	if e.Code != CodeSessionNotActive {
		t.Errorf("code = %s, want %s", e.Code, CodeSessionNotActive)
	}
	if n := f.upstream.dialCount(); n != 1 {
		t.Errorf("dials = %d, want just the first relay's", n)
	}
}

func TestBridgeUpstreamDialFailure(t *testing.T) {
	registry := session.NewRegistry(testLogger())
	dialer := &UpstreamDialer{URL: "ws://127.0.0.1:1", Timeout: 200 * time.Millisecond}
	h := NewHandler(registry, dialer, testLogger())
	srv := httptest.NewServer(http.HandlerFunc(h.HandleStream))
	t.Cleanup(srv.Close)
	t.Cleanup(h.Shutdown)

	sess, err := registry.Create("+15551234567", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial bridge: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	writeJSON(t, client, handshake{SessionID: sess.ID})

	e := readErrorFrame(t, client)
	if e.Code != CodeUpstreamUnavailable {
		t.Errorf("code = %s, want %s", e.Code, CodeUpstreamUnavailable)
	}

	got, err := registry.Get(sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != session.StatusError || got.CloseCause != session.CauseUpstreamError {
		t.Errorf("session = %s/%s, want error/upstream_error", got.Status, got.CloseCause)
	}
}

func TestBridgeClientCloseTearsDownBoth(t *testing.T) {
	f := newBridgeFixture(t)
	client, sess := f.connect(t, "+15551234567")

	_ = client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = client.Close()

	waitFor(t, 2*time.Second, func() bool {
		got, err := f.registry.Get(sess.ID)
		return err == nil && got.Status == session.StatusDisconnected
	})
	got, _ := f.registry.Get(sess.ID)
	if got.CloseCause != session.CauseClientClose {
		t.Errorf("cause = %s, want %s", got.CloseCause, session.CauseClientClose)
	}

	select {
	case <-f.upstream.readerDone:
	case <-time.After(2 * time.Second):
		t.Error("upstream socket still open after client close")
	}

	waitFor(t, time.Second, func() bool { return f.handler.Len() == 0 })
}

func TestBridgeUpstreamCloseTearsDownClient(t *testing.T) {
	f := newBridgeFixture(t)
	client, sess := f.connect(t, "+15551234567")

	upconn := <-f.upstream.conns
	_ = upconn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"), time.Now().Add(time.Second))

	waitFor(t, 2*time.Second, func() bool {
		got, err := f.registry.Get(sess.ID)
		return err == nil && got.Status == session.StatusDisconnected
	})
	got, _ := f.registry.Get(sess.ID)
	if got.CloseCause != session.CauseUpstreamClose {
		t.Errorf("cause = %s, want %s", got.CloseCause, session.CauseUpstreamClose)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("client read = %v, want normal close", err)
	}
}

func TestBridgeMalformedFramesIsolated(t *testing.T) {
	f := newBridgeFixture(t)
	client, sess := f.connect(t, "+15551234567")

	badResult := `{"type":"result","callScamRisk":42}`
	notJSON := `@@@`
	good := `{"type":"result","callScamRisk":"MEDIUM_SCAM_RISK","callOriginatorRisk":"LOW",` +
		`"scamDialog":{"scamDialogRisk":"LOW","confidence":"MEDIUM"},` +
		`"syntheticVoice":{"syntheticVoiceDetected":false,"score":0}}`
	f.upstream.push(t, badResult)
	f.upstream.push(t, notJSON)
	f.upstream.push(t, good)

	// Unparseable frames still pass through untouched.
	for i, want := range []string{badResult, notJSON, good} {
		_, data := readFrame(t, client, 2*time.Second)
		if string(data) != want {
			t.Fatalf("frame %d = %s, want %s", i+1, data, want)
		}
	}

	// Only the valid result produced a warning.
	_, data := readFrame(t, client, 2*time.Second)
	var w classify.Warning
	if err := json.Unmarshal(data, &w); err != nil {
		t.Fatalf("warning decode: %v (%s)", err, data)
	}
	if w.Type != classify.WarningPrivacy || w.Title != "Information sharing warning" {
		t.Errorf("warning = %+v", w)
	}
	if len(w.Actions) != 3 || w.Actions[1] != classify.ClientActionHangUp {
		t.Errorf("actions = %v", w.Actions)
	}

	got, err := f.registry.Get(sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(got.Results) != 1 || got.Results[0].RiskLevel != classify.RiskMedium {
		t.Errorf("results = %+v, want only the valid frame's", got.Results)
	}
}

func TestBridgeUpstreamErrorFrameLoggedOnly(t *testing.T) {
	f := newBridgeFixture(t)
	client, sess := f.connect(t, "+15551234567")

	engineErr := `{"type":"error","code":"ENGINE_OVERLOAD","message":"try again"}`
	after := `{"type":"transcript","text":"still here","final":false}`
	f.upstream.push(t, engineErr)
	f.upstream.push(t, after)

	_, data := readFrame(t, client, 2*time.Second)
	if string(data) != engineErr {
		t.Fatalf("frame = %s, want verbatim engine error", data)
	}
	_, data = readFrame(t, client, 2*time.Second)
	if string(data) != after {
		t.Fatalf("relay did not continue after engine error: %s", data)
	}

	waitFor(t, time.Second, func() bool {
		got, err := f.registry.Get(sess.ID)
		return err == nil && len(got.Transcripts) == 1
	})
	got, _ := f.registry.Get(sess.ID)
	if len(got.Results) != 0 || len(got.Warnings) != 0 {
		t.Errorf("engine error must not record results or warnings: %+v", got)
	}
	if got.Status != session.StatusConnected {
		t.Errorf("status = %s, relay should still be live", got.Status)
	}
}

func TestBridgeShutdownClosesEverything(t *testing.T) {
	f := newBridgeFixture(t)
	client, sess := f.connect(t, "+15551234567")

	f.handler.Shutdown()

	got, err := f.registry.Get(sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != session.StatusDisconnected || got.CloseCause != session.CauseShutdown {
		t.Errorf("session after shutdown = %s/%s", got.Status, got.CloseCause)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Error("client socket still open after shutdown")
	}

	if _, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.srv.URL, "http"), nil); err == nil {
		t.Error("expected upgrades to be refused after shutdown")
	}

	if f.handler.Len() != 0 {
		t.Errorf("live relays = %d, want 0", f.handler.Len())
	}
}

type recordedEvents struct {
	mu        sync.Mutex
	connected []string
	warnings  []classify.Warning
	closed    []session.Cause
}

func (r *recordedEvents) EmitSessionConnected(sessionID, maskedNumber string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, maskedNumber)
}

func (r *recordedEvents) EmitWarning(sessionID string, w classify.Warning) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, w)
}

func (r *recordedEvents) EmitSessionClosed(sessionID string, cause session.Cause) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, cause)
}

type recordedNotifications struct {
	mu      sync.Mutex
	numbers []string
	levels  []classify.WarningLevel
}

func (r *recordedNotifications) NotifyWarning(sessionID, number string, w classify.Warning) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.numbers = append(r.numbers, number)
	r.levels = append(r.levels, w.Level)
}

func TestBridgePublishesEventsAndNotifications(t *testing.T) {
	registry := session.NewRegistry(testLogger())
	up := newFakeUpstream(t)
	events := &recordedEvents{}
	notes := &recordedNotifications{}
	h := NewHandlerWithFeeds(registry, up.dialer(), events, notes, testLogger())
	srv := httptest.NewServer(http.HandlerFunc(h.HandleStream))
	t.Cleanup(srv.Close)
	t.Cleanup(h.Shutdown)

	sess, err := registry.Create("+15551234567", "device-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial bridge: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	writeJSON(t, client, handshake{SessionID: sess.ID})
	readFrame(t, client, 2*time.Second) // ready

	up.push(t, `{"type":"result","callScamRisk":"HIGH_SCAM_RISK","callOriginatorRisk":"HIGH",`+
		`"scamDialog":{"scamDialogRisk":"HIGH","confidence":"HIGH"},`+
		`"syntheticVoice":{"syntheticVoiceDetected":true,"score":0.9}}`)
	readFrame(t, client, 2*time.Second) // forwarded result
	readFrame(t, client, 2*time.Second) // warning

	_ = client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = client.Close()

	waitFor(t, 2*time.Second, func() bool {
		events.mu.Lock()
		ok := len(events.closed) == 1 && len(events.warnings) == 1
		events.mu.Unlock()
		notes.mu.Lock()
		ok = ok && len(notes.numbers) == 1
		notes.mu.Unlock()
		return ok
	})

	events.mu.Lock()
	defer events.mu.Unlock()
	if len(events.connected) != 1 || events.connected[0] != "****4567" {
		t.Errorf("connected events = %v, want the masked number", events.connected)
	}
	if len(events.warnings) != 1 || events.warnings[0].Level != classify.LevelScam {
		t.Errorf("warning events = %+v", events.warnings)
	}
	if events.closed[0] != session.CauseClientClose {
		t.Errorf("closed cause = %s, want %s", events.closed[0], session.CauseClientClose)
	}

	notes.mu.Lock()
	defer notes.mu.Unlock()
	if len(notes.numbers) != 1 || notes.numbers[0] != "+15551234567" {
		t.Errorf("notifications = %v, want the raw number", notes.numbers)
	}
	if notes.levels[0] != classify.LevelScam {
		t.Errorf("notification level = %s", notes.levels[0])
	}
}
