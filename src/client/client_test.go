package client

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"runtime"
	"strings"
	"testing"
	"time"

	"personal/discord_gateway/src/opcodes"
	"personal/discord_gateway/src/zlibstream"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

type fakeGateway struct {
	t     *testing.T
	srv   *httptest.Server
	conns chan *serverConn
}

func newFakeGateway(t *testing.T) *fakeGateway {
	g := &fakeGateway{t: t, conns: make(chan *serverConn, 16)}
	upgrader := websocket.Upgrader{}

	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.conns <- &serverConn{t: t, ws: ws, query: r.URL.Query()}
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) URL() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) accept() *serverConn {
	g.t.Helper()
	select {
	case sc := <-g.conns:
		return sc
	case <-time.After(waitFor):
		g.t.Fatal("client did not connect")
		return nil
	}
}

type serverConn struct {
	t     *testing.T
	ws    *websocket.Conn
	query url.Values
	seq   int64

	// non-nil when frames are sent zlib-stream compressed
	zbuf *bytes.Buffer
	zw   *zlib.Writer
}

type clientFrame struct {
	Op opcodes.Opcode  `json:"op"`
	D  json.RawMessage `json:"d"`
}

func (s *serverConn) compress() {
	s.zbuf = &bytes.Buffer{}
	s.zw = zlib.NewWriter(s.zbuf)
}

func (s *serverConn) send(op opcodes.Opcode, d any, seq *int64, event *string) {
	s.t.Helper()
	data, err := json.Marshal(map[string]any{"op": op, "d": d, "s": seq, "t": event})
	require.NoError(s.t, err)
	s.write(data)
}

func (s *serverConn) write(data []byte) {
	s.t.Helper()
	if s.zw == nil {
		require.NoError(s.t, s.ws.WriteMessage(websocket.TextMessage, data))
		return
	}

	_, err := s.zw.Write(data)
	require.NoError(s.t, err)
	require.NoError(s.t, s.zw.Flush())
	msg := append([]byte(nil), s.zbuf.Bytes()...)
	s.zbuf.Reset()

	// Split every message across two frames.
	half := len(msg) / 2
	require.NoError(s.t, s.ws.WriteMessage(websocket.BinaryMessage, msg[:half]))
	require.NoError(s.t, s.ws.WriteMessage(websocket.BinaryMessage, msg[half:]))
}

func (s *serverConn) hello(intervalMs int) {
	s.t.Helper()
	s.send(opcodes.Hello, map[string]any{"heartbeat_interval": intervalMs}, nil, nil)
}

func (s *serverConn) dispatch(event string, d any) int64 {
	s.t.Helper()
	s.seq++
	seq := s.seq
	s.send(opcodes.Dispatch, d, &seq, &event)
	return seq
}

func (s *serverConn) ready(sessionId, resumeURL string) {
	s.t.Helper()
	s.dispatch("READY", map[string]any{
		"v":                  APIVersion,
		"user":               map[string]any{"id": "42", "username": "bot"},
		"session_id":         sessionId,
		"resume_gateway_url": resumeURL,
	})
}

// expect reads client frames until one with op arrives. Heartbeats are
// skipped unless op is HEARTBEAT.
func (s *serverConn) expect(op opcodes.Opcode) clientFrame {
	s.t.Helper()
	require.NoError(s.t, s.ws.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		_, data, err := s.ws.ReadMessage()
		require.NoError(s.t, err, "waiting for %s", op)

		var f clientFrame
		require.NoError(s.t, json.Unmarshal(data, &f))
		if f.Op == op {
			return f
		}
		if f.Op == opcodes.Heartbeat {
			continue
		}
		s.t.Fatalf("expected %s, got %s", op, f.Op)
	}
}

// expectClose reads until the client closes and returns its close code.
func (s *serverConn) expectClose() int {
	s.t.Helper()
	require.NoError(s.t, s.ws.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		_, _, err := s.ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(s.t, err, &ce)
		return ce.Code
	}
}

func (s *serverConn) closeWith(code int) {
	s.t.Helper()
	_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
	_ = s.ws.Close()
}

type dispatchEvent struct {
	name    string
	payload json.RawMessage
}

type lifecycleEvent struct {
	Lifecycle
	session SessionState
}

type recorder struct {
	client     *Client
	dispatches chan dispatchEvent
	lifecycles chan lifecycleEvent
}

func newRecorder() *recorder {
	return &recorder{
		dispatches: make(chan dispatchEvent, 256),
		lifecycles: make(chan lifecycleEvent, 256),
	}
}

func (r *recorder) OnDispatch(event string, payload json.RawMessage) {
	r.dispatches <- dispatchEvent{name: event, payload: append(json.RawMessage(nil), payload...)}
}

func (r *recorder) OnLifecycle(ev Lifecycle) {
	r.lifecycles <- lifecycleEvent{Lifecycle: ev, session: r.client.Session()}
}

func (r *recorder) nextDispatch(t *testing.T) dispatchEvent {
	t.Helper()
	select {
	case ev := <-r.dispatches:
		return ev
	case <-time.After(waitFor):
		t.Fatal("no dispatch received")
		return dispatchEvent{}
	}
}

func (r *recorder) waitLifecycle(t *testing.T, kind LifecycleKind) lifecycleEvent {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev := <-r.lifecycles:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s notification", kind)
			return lifecycleEvent{}
		}
	}
}

func newTestClient(t *testing.T, g *fakeGateway, mutate func(*Config), opts ...Option) (*Client, *recorder) {
	t.Helper()
	cfg := Config{
		Token:             "token",
		Intents:           IntentsAllUnprivileged,
		GatewayURL:        g.URL(),
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	rec := newRecorder()
	c, err := New(cfg, rec, opts...)
	require.NoError(t, err)
	rec.client = c
	c.jitter = func() float64 { return 0.5 }
	return c, rec
}

func runClient(t *testing.T, c *Client) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		result <- c.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-finished:
		case <-time.After(waitFor):
			t.Error("Run did not return after cancel")
		}
	})
	return result
}

// establish runs the handshake on sc and returns once READY has been
// delivered.
func establish(t *testing.T, g *fakeGateway, sc *serverConn, rec *recorder) {
	t.Helper()
	sc.hello(45000)
	sc.expect(opcodes.Identify)
	sc.ready("session-1", g.URL())
	rec.waitLifecycle(t, LifecycleReady)
	require.Equal(t, "READY", rec.nextDispatch(t).name)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)

	_, err = New(Config{Token: "t", ShardID: 2, ShardCount: 2}, nil)
	assert.Error(t, err)

	c, err := New(Config{Token: "t"}, nil)
	require.NoError(t, err)
	assert.Equal(t, [2]int{0, 1}, c.identify.Shard)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestDispatchOrderAndIdentify(t *testing.T) {
	g := newFakeGateway(t)
	c, rec := newTestClient(t, g, func(cfg *Config) {
		cfg.ShardID = 1
		cfg.ShardCount = 2
	})
	runClient(t, c)

	sc := g.accept()
	assert.Equal(t, "10", sc.query.Get("v"))
	assert.Equal(t, "json", sc.query.Get("encoding"))
	assert.Empty(t, sc.query.Get("compress"))

	sc.hello(41250)
	f := sc.expect(opcodes.Identify)

	var identify IdentifyData
	require.NoError(t, json.Unmarshal(f.D, &identify))
	assert.Equal(t, "token", identify.Token)
	assert.Equal(t, [2]int{1, 2}, identify.Shard)
	assert.Equal(t, IntentsAllUnprivileged, identify.Intents)
	assert.Equal(t, 250, identify.LargeThreshold)
	assert.Equal(t, runtime.GOOS, identify.Properties.Os)
	assert.Equal(t, 41250*time.Millisecond, c.Session().HeartbeatInterval)

	sc.ready("session-1", g.URL())
	sc.dispatch("MESSAGE_CREATE", map[string]any{"id": "7", "content": "hi"})

	first := rec.nextDispatch(t)
	second := rec.nextDispatch(t)
	assert.Equal(t, "READY", first.name)
	assert.JSONEq(t, `"session-1"`, string(mustField(t, first.payload, "session_id")))
	assert.Equal(t, "MESSAGE_CREATE", second.name)
	assert.JSONEq(t, `{"id":"7","content":"hi"}`, string(second.payload))

	select {
	case ev := <-rec.dispatches:
		t.Fatalf("unexpected dispatch %s", ev.name)
	case <-time.After(50 * time.Millisecond):
	}

	ready := rec.waitLifecycle(t, LifecycleReady)
	assert.Equal(t, 1, ready.ShardID)

	st := c.Session()
	assert.Equal(t, "session-1", st.SessionID)
	require.NotNil(t, st.Sequence)
	assert.Equal(t, int64(2), *st.Sequence)
	assert.True(t, st.Connected)
	assert.Equal(t, StateConnected, c.State())
}

func mustField(t *testing.T, raw json.RawMessage, key string) json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &m))
	return m[key]
}

func TestInvalidSessionForcesIdentify(t *testing.T) {
	g := newFakeGateway(t)
	c, rec := newTestClient(t, g, nil)
	runClient(t, c)

	sc := g.accept()
	establish(t, g, sc, rec)
	sc.dispatch("MESSAGE_CREATE", map[string]any{"id": "1"})
	rec.nextDispatch(t)

	// The resumable flag is ignored unless configured.
	sc.send(opcodes.InvalidSession, true, nil, nil)
	assert.Equal(t, opcodes.CloseUnknownError, sc.expectClose())

	disc := rec.waitLifecycle(t, LifecycleDisconnected)
	assert.ErrorIs(t, disc.Err, ErrSessionInvalidated)
	assert.Empty(t, disc.session.SessionID)
	assert.Nil(t, disc.session.Sequence)

	reconnecting := rec.waitLifecycle(t, LifecycleReconnecting)
	assert.False(t, reconnecting.Resume)

	next := g.accept()
	next.hello(45000)
	next.expect(opcodes.Identify)
	assert.Empty(t, c.Session().SessionID)
}

func TestInvalidSessionHonoredResumes(t *testing.T) {
	g := newFakeGateway(t)
	c, rec := newTestClient(t, g, func(cfg *Config) {
		cfg.HonorResumableInvalidSession = true
	})
	runClient(t, c)

	sc := g.accept()
	establish(t, g, sc, rec)
	sc.dispatch("MESSAGE_CREATE", map[string]any{"id": "1"})
	rec.nextDispatch(t)

	sc.send(opcodes.InvalidSession, true, nil, nil)
	sc.expectClose()
	assert.True(t, rec.waitLifecycle(t, LifecycleReconnecting).Resume)

	next := g.accept()
	next.hello(45000)
	f := next.expect(opcodes.Resume)

	var resume ResumeData
	require.NoError(t, json.Unmarshal(f.D, &resume))
	assert.Equal(t, "session-1", resume.SessionID)
	assert.Equal(t, int64(2), resume.Sequence)
}

func TestInvalidSessionNotResumableWithFlagSet(t *testing.T) {
	g := newFakeGateway(t)
	c, rec := newTestClient(t, g, func(cfg *Config) {
		cfg.HonorResumableInvalidSession = true
	})
	runClient(t, c)

	sc := g.accept()
	establish(t, g, sc, rec)

	sc.send(opcodes.InvalidSession, false, nil, nil)
	sc.expectClose()
	assert.False(t, rec.waitLifecycle(t, LifecycleReconnecting).Resume)

	next := g.accept()
	next.hello(45000)
	next.expect(opcodes.Identify)
}

func TestReconnectOpcodeResumes(t *testing.T) {
	g := newFakeGateway(t)
	c, rec := newTestClient(t, g, nil)
	runClient(t, c)

	sc := g.accept()
	establish(t, g, sc, rec)
	sc.dispatch("MESSAGE_CREATE", map[string]any{"id": "1"})
	sc.dispatch("MESSAGE_CREATE", map[string]any{"id": "2"})
	rec.nextDispatch(t)
	rec.nextDispatch(t)

	sc.send(opcodes.Reconnect, nil, nil, nil)
	assert.Equal(t, opcodes.CloseServiceRestart, sc.expectClose())

	disc := rec.waitLifecycle(t, LifecycleDisconnected)
	assert.ErrorIs(t, disc.Err, ErrReconnectRequested)
	assert.Equal(t, "session-1", disc.session.SessionID)

	next := g.accept()
	next.hello(45000)
	f := next.expect(opcodes.Resume)

	var resume ResumeData
	require.NoError(t, json.Unmarshal(f.D, &resume))
	assert.Equal(t, "token", resume.Token)
	assert.Equal(t, "session-1", resume.SessionID)
	assert.Equal(t, int64(3), resume.Sequence)

	next.seq = 3
	next.dispatch("RESUMED", nil)
	rec.waitLifecycle(t, LifecycleResumed)
	assert.Equal(t, "RESUMED", rec.nextDispatch(t).name)
	assert.True(t, c.Session().Connected)

	require.NotNil(t, c.Session().Sequence)
	assert.Equal(t, int64(4), *c.Session().Sequence)
}

func TestPublicReconnect(t *testing.T) {
	g := newFakeGateway(t)
	c, rec := newTestClient(t, g, nil)
	runClient(t, c)

	sc := g.accept()
	establish(t, g, sc, rec)

	c.Reconnect(opcodes.CloseUnknownError)
	assert.Equal(t, opcodes.CloseUnknownError, sc.expectClose())

	next := g.accept()
	next.hello(45000)
	next.expect(opcodes.Resume)
}

func TestSessionTimeoutCloseIdentifies(t *testing.T) {
	g := newFakeGateway(t)
	c, rec := newTestClient(t, g, nil)
	runClient(t, c)

	sc := g.accept()
	establish(t, g, sc, rec)

	sc.closeWith(opcodes.CloseSessionTimedOut)

	disc := rec.waitLifecycle(t, LifecycleDisconnected)
	assert.Equal(t, opcodes.CloseSessionTimedOut, disc.Code)
	assert.ErrorIs(t, disc.Err, ErrTransport)
	assert.False(t, rec.waitLifecycle(t, LifecycleReconnecting).Resume)

	next := g.accept()
	next.hello(45000)
	next.expect(opcodes.Identify)
}

func TestAbnormalCloseResumes(t *testing.T) {
	g := newFakeGateway(t)
	c, rec := newTestClient(t, g, nil)
	runClient(t, c)

	sc := g.accept()
	establish(t, g, sc, rec)

	_ = sc.ws.Close()
	assert.True(t, rec.waitLifecycle(t, LifecycleReconnecting).Resume)

	next := g.accept()
	next.hello(45000)
	next.expect(opcodes.Resume)
}

func TestFatalCloseStopsRun(t *testing.T) {
	g := newFakeGateway(t)
	c, _ := newTestClient(t, g, nil)
	done := runClient(t, c)

	sc := g.accept()
	sc.hello(45000)
	sc.expect(opcodes.Identify)
	sc.closeWith(opcodes.CloseAuthenticationFailed)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrFatalClose)
		var derr *DisconnectError
		require.ErrorAs(t, err, &derr)
		assert.Equal(t, opcodes.CloseAuthenticationFailed, derr.Code)
		assert.True(t, derr.Remote)
	case <-time.After(waitFor):
		t.Fatal("Run did not return on a fatal close code")
	}
}

func TestContextCancelClosesNormally(t *testing.T) {
	g := newFakeGateway(t)
	c, rec := newTestClient(t, g, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	sc := g.accept()
	establish(t, g, sc, rec)

	cancel()
	assert.Equal(t, opcodes.CloseNormal, sc.expectClose())

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, c.Session().Connected)
}

func TestLivenessTimeoutReconnects(t *testing.T) {
	g := newFakeGateway(t)
	c, rec := newTestClient(t, g, func(cfg *Config) {
		cfg.HeartbeatCheckInterval = 10 * time.Millisecond
		cfg.HeartbeatTimeout = 200 * time.Millisecond
	})
	runClient(t, c)

	sc := g.accept()
	sc.hello(20)
	sc.expect(opcodes.Identify)
	sc.ready("session-1", g.URL())

	// Heartbeats are read but never acknowledged.
	sc.expect(opcodes.Heartbeat)
	assert.Equal(t, opcodes.CloseUnknownError, sc.expectClose())

	disc := rec.waitLifecycle(t, LifecycleDisconnected)
	assert.ErrorIs(t, disc.Err, ErrLivenessTimeout)
	assert.True(t, rec.waitLifecycle(t, LifecycleReconnecting).Resume)

	next := g.accept()
	next.hello(45000)
	next.expect(opcodes.Resume)
}

func TestHeartbeatAckKeepsConnection(t *testing.T) {
	g := newFakeGateway(t)
	c, rec := newTestClient(t, g, func(cfg *Config) {
		cfg.HeartbeatCheckInterval = 10 * time.Millisecond
		cfg.HeartbeatTimeout = 100 * time.Millisecond
	})
	runClient(t, c)

	sc := g.accept()
	sc.hello(20)
	sc.expect(opcodes.Identify)
	sc.ready("session-1", g.URL())
	rec.waitLifecycle(t, LifecycleReady)

	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		sc.expect(opcodes.Heartbeat)
		sc.send(opcodes.HeartbeatACK, nil, nil, nil)
	}

	select {
	case ev := <-rec.lifecycles:
		t.Fatalf("unexpected %s", ev.Kind)
	default:
	}
	assert.False(t, c.Session().LastHeartbeatAck.IsZero())
}

func TestServerRequestedHeartbeat(t *testing.T) {
	g := newFakeGateway(t)
	c, rec := newTestClient(t, g, nil)
	runClient(t, c)

	sc := g.accept()
	establish(t, g, sc, rec)

	sc.send(opcodes.Heartbeat, nil, nil, nil)
	f := sc.expect(opcodes.Heartbeat)
	assert.JSONEq(t, "1", string(f.D))
}

func TestFrameErrorsAreDropped(t *testing.T) {
	g := newFakeGateway(t)
	c, rec := newTestClient(t, g, nil)
	runClient(t, c)

	sc := g.accept()
	establish(t, g, sc, rec)

	require.NoError(t, sc.ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, sc.ws.WriteMessage(websocket.TextMessage, []byte(`{"op":0,"d":{},"s":9}`)))
	sc.send(opcodes.Opcode(42), map[string]any{"future": true}, nil, nil)
	sc.dispatch("MESSAGE_CREATE", map[string]any{"id": "1"})

	ev := rec.nextDispatch(t)
	assert.Equal(t, "MESSAGE_CREATE", ev.name)
	assert.Equal(t, StateConnected, c.State())
}

type rawRecorder struct {
	*recorder
	frames chan Envelope
}

func (r *rawRecorder) OnRaw(env Envelope) {
	r.frames <- env
}

func TestRawSinkSeesEveryFrame(t *testing.T) {
	g := newFakeGateway(t)
	rec := &rawRecorder{recorder: newRecorder(), frames: make(chan Envelope, 64)}
	c, err := New(Config{Token: "token", GatewayURL: g.URL()}, rec)
	require.NoError(t, err)
	rec.client = c
	runClient(t, c)

	sc := g.accept()
	establish(t, g, sc, rec.recorder)
	sc.send(opcodes.Opcode(42), map[string]any{"future": true}, nil, nil)

	var ops []opcodes.Opcode
	for len(ops) < 3 {
		select {
		case env := <-rec.frames:
			ops = append(ops, env.Op)
		case <-time.After(waitFor):
			t.Fatalf("raw sink saw only %v", ops)
		}
	}
	assert.Equal(t, []opcodes.Opcode{opcodes.Hello, opcodes.Dispatch, opcodes.Opcode(42)}, ops)
}

func TestRepeatedHelloIsIgnored(t *testing.T) {
	g := newFakeGateway(t)
	c, rec := newTestClient(t, g, nil)
	runClient(t, c)

	sc := g.accept()
	establish(t, g, sc, rec)

	sc.hello(1000)
	sc.dispatch("MESSAGE_CREATE", map[string]any{"id": "1"})
	require.Equal(t, "MESSAGE_CREATE", rec.nextDispatch(t).name)

	require.NoError(t, c.UpdatePresence(context.Background(), PresenceUpdate{Status: StatusIdle}))
	sc.expect(opcodes.PresenceUpdate)

	assert.Equal(t, 45*time.Second, c.Session().HeartbeatInterval)
	assert.Equal(t, StateConnected, c.State())
}

func TestFramesBeforeHelloAreSkipped(t *testing.T) {
	g := newFakeGateway(t)
	c, rec := newTestClient(t, g, nil)
	runClient(t, c)

	sc := g.accept()
	sc.send(opcodes.HeartbeatACK, nil, nil, nil)
	sc.hello(45000)
	sc.expect(opcodes.Identify)
	sc.ready("session-1", g.URL())

	rec.waitLifecycle(t, LifecycleReady)
	assert.Equal(t, StateConnected, c.State())
}

func TestDecompressionFailures(t *testing.T) {
	g := newFakeGateway(t)
	c, rec := newTestClient(t, g, func(cfg *Config) {
		cfg.Compress = true
		cfg.MaxDecompressFailures = 3
	})
	runClient(t, c)

	sc := g.accept()
	sc.compress()
	establish(t, g, sc, rec)

	garbage := append([]byte{0xff, 0xff, 0xff, 0xff}, zlibstream.Suffix...)

	// One bad message is dropped and the socket stays up.
	require.NoError(t, sc.ws.WriteMessage(websocket.BinaryMessage, garbage))
	require.NoError(t, sc.ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"op":0,"t":"MESSAGE_CREATE","s":2,"d":{"id":"1"}}`)))
	require.Equal(t, "MESSAGE_CREATE", rec.nextDispatch(t).name)
	assert.Equal(t, StateConnected, c.State())
	for drained := false; !drained; {
		select {
		case ev := <-rec.lifecycles:
			assert.NotEqual(t, LifecycleDisconnected, ev.Kind)
		default:
			drained = true
		}
	}

	require.NoError(t, sc.ws.WriteMessage(websocket.BinaryMessage, garbage))
	require.NoError(t, sc.ws.WriteMessage(websocket.BinaryMessage, garbage))

	disc := rec.waitLifecycle(t, LifecycleDisconnected)
	assert.Equal(t, opcodes.CloseUnknownError, disc.Code)
	assert.ErrorIs(t, disc.Err, ErrDecompression)
	assert.True(t, rec.waitLifecycle(t, LifecycleReconnecting).Resume)

	next := g.accept()
	next.compress()
	next.hello(45000)
	resume := next.expect(opcodes.Resume)
	assert.JSONEq(t, "2", string(mustField(t, resume.D, "seq")))
}

func TestShortLivedSessionsBackOff(t *testing.T) {
	g := newFakeGateway(t)
	c, rec := newTestClient(t, g, nil)
	runClient(t, c)

	sc := g.accept()
	establish(t, g, sc, rec)
	sc.closeWith(opcodes.CloseUnknownError)
	assert.Equal(t, 1, rec.waitLifecycle(t, LifecycleReconnecting).Attempt)

	next := g.accept()
	next.hello(45000)
	next.expect(opcodes.Resume)
	next.seq = 1
	next.dispatch("RESUMED", nil)
	rec.waitLifecycle(t, LifecycleResumed)
	next.closeWith(opcodes.CloseUnknownError)

	// Resumed but dropped well within one heartbeat interval.
	assert.Equal(t, 2, rec.waitLifecycle(t, LifecycleReconnecting).Attempt)
}

func TestCompressedStream(t *testing.T) {
	g := newFakeGateway(t)
	c, rec := newTestClient(t, g, func(cfg *Config) {
		cfg.Compress = true
	})
	runClient(t, c)

	sc := g.accept()
	assert.Equal(t, "zlib-stream", sc.query.Get("compress"))
	sc.compress()

	sc.hello(45000)
	sc.expect(opcodes.Identify)
	sc.ready("session-1", g.URL())
	sc.dispatch("MESSAGE_CREATE", map[string]any{"content": strings.Repeat("a", 70000)})
	sc.dispatch("MESSAGE_CREATE", map[string]any{"content": "b"})

	assert.Equal(t, "READY", rec.nextDispatch(t).name)
	big := rec.nextDispatch(t)
	assert.Len(t, mustField(t, big.payload, "content"), 70002)
	assert.JSONEq(t, `{"content":"b"}`, string(rec.nextDispatch(t).payload))

	// The resumed socket starts a new zlib stream.
	sc.send(opcodes.Reconnect, nil, nil, nil)
	sc.expectClose()

	next := g.accept()
	next.compress()
	next.hello(45000)
	next.expect(opcodes.Resume)
	next.seq = 3
	next.dispatch("RESUMED", nil)
	rec.waitLifecycle(t, LifecycleResumed)
}

func TestMetrics(t *testing.T) {
	g := newFakeGateway(t)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")
	c, rec := newTestClient(t, g, nil, WithMetrics(m))
	runClient(t, c)

	sc := g.accept()
	establish(t, g, sc, rec)
	sc.dispatch("MESSAGE_CREATE", map[string]any{"id": "1"})
	rec.nextDispatch(t)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.dispatches.WithLabelValues("MESSAGE_CREATE")) == 1
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.dispatches.WithLabelValues("READY")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.connected))

	sc.send(opcodes.Reconnect, nil, nil, nil)
	rec.waitLifecycle(t, LifecycleReconnecting)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.reconnects.WithLabelValues("resume")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.connected))
}

func TestUpdatePresenceAndVoiceState(t *testing.T) {
	g := newFakeGateway(t)
	c, rec := newTestClient(t, g, nil)

	err := c.UpdatePresence(context.Background(), PresenceUpdate{})
	assert.ErrorIs(t, err, ErrNotConnected)

	runClient(t, c)
	sc := g.accept()
	establish(t, g, sc, rec)

	require.NoError(t, c.UpdatePresence(context.Background(), PresenceUpdate{Status: StatusIdle}))
	f := sc.expect(opcodes.PresenceUpdate)
	assert.JSONEq(t, `{"since":null,"activities":[],"status":"idle","afk":false}`, string(f.D))

	channel := Snowflake("99")
	require.NoError(t, c.UpdateVoiceState(context.Background(), VoiceStateUpdate{
		GuildID:   "1",
		ChannelID: &channel,
		SelfDeaf:  true,
	}))
	f = sc.expect(opcodes.VoiceStateUpdate)
	assert.JSONEq(t, `{"guild_id":"1","channel_id":"99","self_mute":false,"self_deaf":true}`, string(f.D))
}

func TestShouldResume(t *testing.T) {
	c, err := New(Config{Token: "t"}, nil)
	require.NoError(t, err)

	tests := []struct {
		name      string
		resumable bool
		derr      *DisconnectError
		want      bool
	}{
		{"no session", false, &DisconnectError{Code: opcodes.CloseUnknownError, Err: ErrTransport}, false},
		{"transport failure", true, &DisconnectError{Code: opcodes.CloseUnknownError, Err: ErrTransport}, true},
		{"liveness", true, &DisconnectError{Code: opcodes.CloseUnknownError, Err: ErrLivenessTimeout}, true},
		{"reconnect opcode", true, &DisconnectError{Code: opcodes.CloseServiceRestart, Err: ErrReconnectRequested}, true},
		{"invalidated", true, &DisconnectError{Code: opcodes.CloseUnknownError, Err: ErrSessionInvalidated}, false},
		{"session timeout", true, &DisconnectError{Code: opcodes.CloseSessionTimedOut, Remote: true, Err: ErrTransport}, false},
		{"invalid seq", true, &DisconnectError{Code: opcodes.CloseInvalidSeq, Remote: true, Err: ErrTransport}, false},
		{"normal close", true, &DisconnectError{Code: opcodes.CloseNormal, Err: context.Canceled}, false},
		{"abnormal", true, &DisconnectError{Code: opcodes.CloseAbnormal, Remote: true, Err: ErrTransport}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.session.Invalidate()
			if tt.resumable {
				c.session.Start("s", "")
				c.session.ObserveSequence(1)
			}
			assert.Equal(t, tt.want, c.shouldResume(tt.derr))
		})
	}
}

func TestBackoff(t *testing.T) {
	c, err := New(Config{
		Token:             "t",
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: 5 * time.Second,
	}, nil)
	require.NoError(t, err)

	transport := &DisconnectError{Code: opcodes.CloseUnknownError, Err: ErrTransport}
	assert.Zero(t, c.backoff(1, transport))
	assert.Equal(t, time.Second, c.backoff(2, transport))
	assert.Equal(t, 2*time.Second, c.backoff(3, transport))
	assert.Equal(t, 4*time.Second, c.backoff(4, transport))
	assert.Equal(t, 5*time.Second, c.backoff(5, transport))
	assert.Equal(t, 5*time.Second, c.backoff(100, transport))

	invalid := &DisconnectError{Code: opcodes.CloseUnknownError, Err: ErrSessionInvalidated}
	assert.Equal(t, time.Second, c.backoff(1, invalid))
}

func TestGatewayURL(t *testing.T) {
	u, err := gatewayURL("wss://gateway.discord.gg", false)
	require.NoError(t, err)
	assert.Equal(t, "wss://gateway.discord.gg/?encoding=json&v=10", u)

	u, err = gatewayURL("wss://resume.discord.gg/?v=9&compress=zlib-stream", true)
	require.NoError(t, err)
	assert.Equal(t, "wss://resume.discord.gg/?compress=zlib-stream&encoding=json&v=10", u)

	u, err = gatewayURL("wss://resume.discord.gg/?compress=zlib-stream", false)
	require.NoError(t, err)
	assert.Equal(t, "wss://resume.discord.gg/?encoding=json&v=10", u)
}
