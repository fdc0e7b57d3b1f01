package chat

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PPClient/model"
	"PPClient/service/token"
	"PPClient/tools/errs"
)

// fakeConn is a scriptable transport connection. Frames are queued with
// push; read failures injected with breakWith.
type fakeConn struct {
	in     chan []byte
	errs   chan error
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) push(f *Frame) {
	raw, _ := json.Marshal(f)
	c.in <- raw
}

func (c *fakeConn) pushRaw(raw string) { c.in <- []byte(raw) }

func (c *fakeConn) breakWith(err error) { c.errs <- err }

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case raw := <-c.in:
		return raw, nil
	case err := <-c.errs:
		return nil, err
	case <-c.closed:
		return nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteFrame(data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, data)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// fakeTransport replays a scripted sequence of dial outcomes.
type fakeTransport struct {
	mu     sync.Mutex
	script []func() (TransportConn, error)
	uris   []string
}

func (t *fakeTransport) Open(ctx context.Context, uri string) (TransportConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.uris = append(t.uris, uri)
	if len(t.script) == 0 {
		return nil, errs.ErrTransportError.WrapMsg("script exhausted")
	}
	next := t.script[0]
	t.script = t.script[1:]
	return next()
}

func (t *fakeTransport) dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.uris)
}

func dialOK(c *fakeConn) func() (TransportConn, error) {
	return func() (TransportConn, error) { return c, nil }
}

func dialErr(err error) func() (TransportConn, error) {
	return func() (TransportConn, error) { return nil, err }
}

func ackedConn() *fakeConn {
	c := newFakeConn()
	c.push(&Frame{Type: FrameAuthAck})
	return c
}

type fakeSink struct {
	mu    sync.Mutex
	cause error
	calls int
}

func (s *fakeSink) MarkInvalid(cause error) {
	s.mu.Lock()
	s.cause = cause
	s.calls++
	s.mu.Unlock()
}

func (s *fakeSink) invalidations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testTokens(t *testing.T) *token.Store {
	t.Helper()
	s := token.NewStore("")
	s.Set(token.Credential{
		Token:  "tok-1",
		Claims: token.Claims{Subject: "u1", ExpiresAt: time.Now().Add(time.Hour)},
	})
	return s
}

func newTestManager(t *testing.T, tr Transport, sink AuthSink) (*Manager, *Router) {
	t.Helper()
	router := NewRouter()
	mgr := NewManager(ManagerConf{
		MaxAttempts:      3,
		BaseDelay:        5 * time.Millisecond,
		MaxDelay:         20 * time.Millisecond,
		HandshakeTimeout: 200 * time.Millisecond,
	}, tr, testTokens(t), router, sink)
	return mgr, router
}

type eventLog struct {
	mu     sync.Mutex
	events []ConnectionEvent
}

func (l *eventLog) record(ev ConnectionEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) states() []SessionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SessionState, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.State
	}
	return out
}

func (l *eventLog) terminal() []ConnectionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ConnectionEvent
	for _, ev := range l.events {
		if ev.State == StateDisconnected {
			out = append(out, ev)
		}
	}
	return out
}

func waitState(t *testing.T, mgr *Manager, want SessionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mgr.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state never reached %s (now %s)", want, mgr.State())
}

func TestConnectReachesConnected(t *testing.T) {
	tr := &fakeTransport{script: []func() (TransportConn, error){dialOK(ackedConn())}}
	mgr, _ := newTestManager(t, tr, nil)
	log := &eventLog{}
	defer mgr.Subscribe(log.record)()

	require.NoError(t, mgr.Connect(context.Background()))
	assert.Equal(t, StateConnected, mgr.State())
	assert.Equal(t, []SessionState{StateAuthenticating, StateConnected}, log.states())

	mgr.Disconnect()
	assert.Equal(t, StateDisconnected, mgr.State())
}

func TestConnectCarriesTokenAsQueryParam(t *testing.T) {
	tr := &fakeTransport{script: []func() (TransportConn, error){dialOK(ackedConn())}}
	mgr, _ := newTestManager(t, tr, nil)

	require.NoError(t, mgr.Connect(context.Background()))
	defer mgr.Disconnect()

	require.Len(t, tr.uris, 1)
	assert.True(t, strings.HasSuffix(tr.uris[0], "?token=tok-1"))
}

func TestConnectIdempotentWhileConnected(t *testing.T) {
	tr := &fakeTransport{script: []func() (TransportConn, error){dialOK(ackedConn())}}
	mgr, _ := newTestManager(t, tr, nil)

	require.NoError(t, mgr.Connect(context.Background()))
	defer mgr.Disconnect()

	require.NoError(t, mgr.Connect(context.Background()))
	assert.Equal(t, 1, tr.dials(), "second connect must not dial")
}

func TestConcurrentConnectJoinsOneCycle(t *testing.T) {
	tr := &fakeTransport{script: []func() (TransportConn, error){dialOK(ackedConn())}}
	mgr, _ := newTestManager(t, tr, nil)

	var wg sync.WaitGroup
	errsCh := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errsCh <- mgr.Connect(context.Background())
		}()
	}
	wg.Wait()
	close(errsCh)
	defer mgr.Disconnect()

	for err := range errsCh {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, tr.dials())
}

func TestReconnectBoundedWithSingleTerminalEvent(t *testing.T) {
	boom := errs.ErrTransportError.WrapMsg("refused")
	tr := &fakeTransport{script: []func() (TransportConn, error){
		dialErr(boom), dialErr(boom), dialErr(boom), dialErr(boom), dialErr(boom),
	}}
	mgr, _ := newTestManager(t, tr, nil)
	log := &eventLog{}
	defer mgr.Subscribe(log.record)()

	err := mgr.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrReconnectExhausted)

	assert.Equal(t, 3, tr.dials(), "attempt cap honored")
	term := log.terminal()
	require.Len(t, term, 1, "exactly one terminal event")
	assert.ErrorIs(t, term[0].Err, errs.ErrReconnectExhausted)
}

func TestBackoffRecoversMidCycle(t *testing.T) {
	boom := errs.ErrTransportError.WrapMsg("refused")
	tr := &fakeTransport{script: []func() (TransportConn, error){
		dialErr(boom), dialOK(ackedConn()),
	}}
	mgr, _ := newTestManager(t, tr, nil)
	log := &eventLog{}
	defer mgr.Subscribe(log.record)()

	require.NoError(t, mgr.Connect(context.Background()))
	defer mgr.Disconnect()

	assert.Equal(t, []SessionState{
		StateAuthenticating, StateReconnecting, StateAuthenticating, StateConnected,
	}, log.states())
}

func TestAuthRejectionIsTerminalAndInvalidates(t *testing.T) {
	tr := &fakeTransport{script: []func() (TransportConn, error){
		dialErr(errs.ErrAuthRejected.WrapMsg("ws upgrade", "status", 401)),
	}}
	sink := &fakeSink{}
	mgr, _ := newTestManager(t, tr, sink)

	err := mgr.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrAuthRejected)
	assert.Equal(t, 1, tr.dials(), "credential rejection must not be retried")
	assert.Equal(t, 1, sink.invalidations())
}

func TestAuthRejectionViaErrorFrame(t *testing.T) {
	c := newFakeConn()
	c.push(&Frame{Type: FrameError, Code: 403, Reason: "forbidden"})
	tr := &fakeTransport{script: []func() (TransportConn, error){dialOK(c)}}
	sink := &fakeSink{}
	mgr, _ := newTestManager(t, tr, sink)

	err := mgr.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrAuthRejected)
	assert.Equal(t, 1, sink.invalidations())
}

func TestHandshakeTimeoutCountsAsAttempt(t *testing.T) {
	silent := func() (TransportConn, error) { return newFakeConn(), nil }
	tr := &fakeTransport{script: []func() (TransportConn, error){silent, silent, silent}}
	router := NewRouter()
	mgr := NewManager(ManagerConf{
		MaxAttempts:      1,
		BaseDelay:        5 * time.Millisecond,
		MaxDelay:         20 * time.Millisecond,
		HandshakeTimeout: 20 * time.Millisecond,
	}, tr, testTokens(t), router, nil)

	err := mgr.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrReconnectExhausted)
	assert.Equal(t, 1, tr.dials())
}

func TestPreAuthFramesDiscarded(t *testing.T) {
	c := newFakeConn()
	c.push(&Frame{Type: FrameChatMessage, ID: "m1", ChatID: "c1", Content: "early"})
	c.push(&Frame{Type: FrameAuthAck})
	c.push(&Frame{Type: FrameChatMessage, ID: "m2", ChatID: "c1", Content: "after ack"})
	tr := &fakeTransport{script: []func() (TransportConn, error){dialOK(c)}}
	mgr, router := newTestManager(t, tr, nil)

	routed := make(chan model.Message, 4)
	defer router.OnChatMessage(func(m model.Message) { routed <- m })()

	require.NoError(t, mgr.Connect(context.Background()))
	defer mgr.Disconnect()

	select {
	case m := <-routed:
		assert.Equal(t, "m2", m.ID, "frame before AUTH_ACK must not reach the router")
	case <-time.After(2 * time.Second):
		t.Fatal("post-ack frame was not routed")
	}
	select {
	case m := <-routed:
		t.Fatalf("unexpected extra routed message: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	boom := errs.ErrTransportError.WrapMsg("refused")
	tr := &fakeTransport{script: []func() (TransportConn, error){dialErr(boom)}}
	router := NewRouter()
	mgr := NewManager(ManagerConf{
		MaxAttempts:      5,
		BaseDelay:        time.Minute, // never elapses in this test
		MaxDelay:         time.Minute,
		HandshakeTimeout: 100 * time.Millisecond,
	}, tr, testTokens(t), router, nil)

	done := make(chan error, 1)
	go func() { done <- mgr.Connect(context.Background()) }()

	waitState(t, mgr, StateReconnecting)
	mgr.Disconnect()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not unblock after disconnect")
	}
	assert.Equal(t, StateDisconnected, mgr.State())
	assert.Equal(t, 1, tr.dials(), "no dial after disconnect")
}

func TestAbnormalCloseTriggersReconnect(t *testing.T) {
	c1 := ackedConn()
	c2 := ackedConn()
	tr := &fakeTransport{script: []func() (TransportConn, error){dialOK(c1), dialOK(c2)}}
	mgr, _ := newTestManager(t, tr, nil)
	log := &eventLog{}
	defer mgr.Subscribe(log.record)()

	require.NoError(t, mgr.Connect(context.Background()))
	c1.breakWith(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})

	deadline := time.Now().Add(2 * time.Second)
	for tr.dials() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	waitState(t, mgr, StateConnected)
	defer mgr.Disconnect()

	require.Equal(t, 2, tr.dials())
	assert.Equal(t, []SessionState{
		StateAuthenticating, StateConnected,
		StateReconnecting, StateAuthenticating, StateConnected,
	}, log.states())
}

func TestServerNormalCloseDoesNotReconnect(t *testing.T) {
	c := ackedConn()
	tr := &fakeTransport{script: []func() (TransportConn, error){dialOK(c)}}
	mgr, _ := newTestManager(t, tr, nil)

	require.NoError(t, mgr.Connect(context.Background()))
	c.breakWith(&websocket.CloseError{Code: websocket.CloseNormalClosure})

	waitState(t, mgr, StateDisconnected)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, tr.dials(), "normal close is terminal")
}

func TestSendRequiresConnected(t *testing.T) {
	tr := &fakeTransport{}
	mgr, _ := newTestManager(t, tr, nil)

	err := mgr.Send(BuildChatMessage("c1", "hi", "tmp-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrSendWhileDisconnected)
}

func TestSendWritesFrameWhenConnected(t *testing.T) {
	c := ackedConn()
	tr := &fakeTransport{script: []func() (TransportConn, error){dialOK(c)}}
	mgr, _ := newTestManager(t, tr, nil)

	require.NoError(t, mgr.Connect(context.Background()))
	defer mgr.Disconnect()

	require.NoError(t, mgr.Send(BuildChatMessage("c1", "hi", "tmp-1")))
	writes := c.written()
	require.Len(t, writes, 1)
	f, err := ParseFrame(writes[0])
	require.NoError(t, err)
	assert.Equal(t, FrameChatMessage, f.Type)
	assert.Equal(t, "tmp-1", f.ClientTempID)
}

func TestCredentialRereadOnReconnect(t *testing.T) {
	boom := errs.ErrTransportError.WrapMsg("refused")
	tokens := testTokens(t)
	tr := &fakeTransport{script: []func() (TransportConn, error){dialErr(boom), dialOK(ackedConn())}}
	router := NewRouter()
	mgr := NewManager(ManagerConf{
		MaxAttempts:      3,
		BaseDelay:        30 * time.Millisecond,
		MaxDelay:         100 * time.Millisecond,
		HandshakeTimeout: 200 * time.Millisecond,
	}, tr, tokens, router, nil)

	done := make(chan error, 1)
	go func() { done <- mgr.Connect(context.Background()) }()
	waitState(t, mgr, StateReconnecting)
	tokens.Set(token.Credential{
		Token:  "tok-2",
		Claims: token.Claims{Subject: "u1", ExpiresAt: time.Now().Add(time.Hour)},
	})

	require.NoError(t, <-done)
	defer mgr.Disconnect()

	require.Len(t, tr.uris, 2)
	assert.True(t, strings.HasSuffix(tr.uris[1], "?token=tok-2"), "refreshed token used on retry")
}

func TestConnectWithoutCredentialFailsFast(t *testing.T) {
	tr := &fakeTransport{}
	router := NewRouter()
	mgr := NewManager(ManagerConf{}, tr, token.NewStore(""), router, nil)

	err := mgr.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrAuthExpired)
	assert.Equal(t, 0, tr.dials())
}

func TestMalformedFrameDoesNotDropConnection(t *testing.T) {
	c := ackedConn()
	tr := &fakeTransport{script: []func() (TransportConn, error){dialOK(c)}}
	mgr, router := newTestManager(t, tr, nil)

	received := make(chan string, 1)
	defer router.OnChatMessage(func(m model.Message) { received <- m.Content })()

	require.NoError(t, mgr.Connect(context.Background()))
	defer mgr.Disconnect()

	c.pushRaw("{not json")
	c.pushRaw(`{"noType": true}`)
	c.push(&Frame{Type: FrameChatMessage, ID: "m1", ChatID: "c1", Content: "still alive"})

	select {
	case got := <-received:
		assert.Equal(t, "still alive", got)
	case <-time.After(2 * time.Second):
		t.Fatal("frame after malformed input was not routed")
	}
	assert.Equal(t, StateConnected, mgr.State())
}
