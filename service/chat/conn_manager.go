package chat

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"PPClient/logger"
	"PPClient/service/token"
	"PPClient/tools/errs"
	"PPClient/tools/ids"
)

// ManagerConf carries the externally configured knobs of the connection
// state machine. Nothing here is hardcoded in the core logic.
type ManagerConf struct {
	URL              string        // realtime endpoint, e.g. ws://host/ws/chat
	MaxAttempts      int           // reconnect attempt cap
	BaseDelay        time.Duration // first reconnect delay
	MaxDelay         time.Duration // per-attempt delay cap
	HandshakeTimeout time.Duration // awaiting AUTH_ACK after transport open
}

func (c *ManagerConf) norm() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 3 * time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
}

// AuthSink receives the one signal the connection layer may send the auth
// layer: a server-confirmed credential rejection during the handshake.
type AuthSink interface {
	MarkInvalid(cause error)
}

// Manager owns the realtime transport exclusively: one active connection per
// process, a bounded reconnect loop, and an authenticate-before-frames
// handshake. All state transitions happen on the session goroutine, so
// lifecycle events are emitted exactly once per transition, in order.
type Manager struct {
	conf      ManagerConf
	transport Transport
	tokens    *token.Store
	authSink  AuthSink
	router    *Router

	mu            sync.Mutex
	state         SessionState
	conn          TransportConn
	sessionCancel context.CancelFunc
	sessionDone   chan struct{}
	result        *connectResult

	subMu  sync.Mutex
	nextID int
	subs   map[int]func(ConnectionEvent)
}

// connectResult is the shared outcome of one connect cycle. Concurrent
// Connect calls join it instead of opening a second transport.
type connectResult struct {
	once sync.Once
	done chan struct{}
	err  error
}

func (r *connectResult) resolve(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

func NewManager(conf ManagerConf, transport Transport, tokens *token.Store, router *Router, authSink AuthSink) *Manager {
	conf.norm()
	return &Manager{
		conf:      conf,
		transport: transport,
		tokens:    tokens,
		router:    router,
		authSink:  authSink,
		state:     StateDisconnected,
		subs:      make(map[int]func(ConnectionEvent)),
	}
}

// State returns the current session state.
func (m *Manager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers fn for lifecycle events; the returned func removes the
// subscription. Events arrive in transition order.
func (m *Manager) Subscribe(fn func(ConnectionEvent)) func() {
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// Connect establishes the realtime channel and blocks until Connected is
// first reached or the cycle fails terminally (credential rejected, attempts
// exhausted). Calling it while a cycle is running joins the existing outcome;
// calling it while Connected is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.result != nil {
		res := m.result
		m.mu.Unlock()
		return res.wait(ctx)
	}

	res := &connectResult{done: make(chan struct{})}
	sctx, cancel := context.WithCancel(context.Background())
	m.result = res
	m.sessionCancel = cancel
	m.sessionDone = make(chan struct{})
	go m.run(sctx, res)
	m.mu.Unlock()

	return res.wait(ctx)
}

func (r *connectResult) wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the transport with a normal-closure code, cancels any
// pending reconnect and handshake timers, and leaves the machine in
// Disconnected. No auto-reconnect follows.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel := m.sessionCancel
	done := m.sessionDone
	conn := m.conn
	m.mu.Unlock()

	if cancel == nil {
		m.setState(StateDisconnected, ConnectionEvent{State: StateDisconnected, Code: websocket.CloseNormalClosure})
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close(websocket.CloseNormalClosure, "client disconnect")
	}
	<-done
}

// Send transmits one frame. Valid only in Connected state: the core does not
// buffer outbound frames across disconnects, so the caller keeps the input
// and decides whether to retry.
func (m *Manager) Send(f *Frame) error {
	m.mu.Lock()
	conn := m.conn
	st := m.state
	m.mu.Unlock()

	if st != StateConnected || conn == nil {
		return errs.ErrSendWhileDisconnected.WrapMsg("state", "current", st.String())
	}
	data, err := f.Encode()
	if err != nil {
		return errs.ErrProtocolError.WrapMsg("encode frame", "cause", err)
	}
	if err := conn.WriteFrame(data); err != nil {
		return errs.ErrTransportError.WrapMsg("write frame", "cause", err)
	}
	return nil
}

// Reset returns the machine to Unauthenticated. Used by the logout flow
// after Disconnect.
func (m *Manager) Reset() {
	m.setState(StateUnauthenticated, ConnectionEvent{State: StateUnauthenticated})
}

// ---- session goroutine ----

func (m *Manager) run(ctx context.Context, res *connectResult) {
	defer func() {
		m.mu.Lock()
		m.result = nil
		m.sessionCancel = nil
		m.conn = nil
		done := m.sessionDone
		m.sessionDone = nil
		m.mu.Unlock()
		close(done)
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.conf.BaseDelay
	bo.RandomizationFactor = 0 // monotonically non-decreasing
	bo.Multiplier = 1.5
	bo.MaxInterval = m.conf.MaxDelay
	bo.MaxElapsedTime = 0 // attempts are counted, not timed
	bo.Reset()

	attempt := 0

	for {
		if ctx.Err() != nil {
			m.finish(res, ctx.Err(), ConnectionEvent{State: StateDisconnected, Code: websocket.CloseNormalClosure})
			return
		}

		m.setState(StateAuthenticating, ConnectionEvent{State: StateAuthenticating})

		// re-read the credential at attempt time: a token refreshed during a
		// reconnect cycle is honored
		cred := m.tokens.Get()
		if cred == nil || m.tokens.IsExpired(cred) {
			err := errs.ErrAuthExpired.WrapMsg("no usable credential at connect time")
			m.finish(res, err, ConnectionEvent{State: StateDisconnected, Err: err})
			return
		}

		cid := ids.NewConnID()
		conn, err := m.transport.Open(ctx, m.dialURL(cred.Token))
		if err != nil {
			if errors.Is(err, errs.ErrAuthRejected) {
				m.rejectAuth(res, err)
				return
			}
			if !m.backoffOrFinish(ctx, res, bo, &attempt, err) {
				return
			}
			continue
		}

		if err := m.awaitAuthAck(ctx, conn); err != nil {
			_ = conn.Close(websocket.ClosePolicyViolation, "handshake failed")
			if errors.Is(err, errs.ErrAuthRejected) {
				m.rejectAuth(res, err)
				return
			}
			if ctx.Err() != nil {
				m.finish(res, ctx.Err(), ConnectionEvent{State: StateDisconnected, Code: websocket.CloseNormalClosure})
				return
			}
			if !m.backoffOrFinish(ctx, res, bo, &attempt, err) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		logger.Infof("conn %s: authenticated and connected", cid)
		m.setState(StateConnected, ConnectionEvent{State: StateConnected})
		res.resolve(nil)
		attempt = 0
		bo.Reset()

		code, rerr := m.readLoop(conn)

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()

		switch {
		case ctx.Err() != nil:
			// Disconnect() was called; the close is ours
			m.finish(res, nil, ConnectionEvent{State: StateDisconnected, Code: websocket.CloseNormalClosure})
			return
		case rerr == nil:
			// peer closed normally: terminal, no reconnect
			m.finish(res, nil, ConnectionEvent{State: StateDisconnected, Code: code, Reason: "closed by server"})
			return
		default:
			_ = conn.Close(websocket.CloseAbnormalClosure, "")
			if !m.backoffOrFinish(ctx, res, bo, &attempt, rerr) {
				return
			}
		}
	}
}

// awaitAuthAck enforces authenticate-before-frames: anything received ahead
// of the authentication-success frame is discarded, and the wait is bounded.
func (m *Manager) awaitAuthAck(ctx context.Context, conn TransportConn) error {
	type outcome struct{ err error }
	ch := make(chan outcome, 1)

	go func() {
		for {
			raw, err := conn.ReadFrame()
			if err != nil {
				ch <- outcome{err: errs.ErrTransportError.WrapMsg("handshake read", "cause", err)}
				return
			}
			f, perr := ParseFrame(raw)
			if perr != nil {
				continue // pre-auth garbage is discarded
			}
			switch {
			case f.Type == FrameAuthAck:
				ch <- outcome{}
				return
			case f.IsAuthRejection():
				ch <- outcome{err: errs.ErrAuthRejected.WrapMsg("handshake", "code", f.Code)}
				return
			default:
				logger.Debugf("conn: discarding pre-auth frame type=%s", f.Type)
			}
		}
	}()

	timer := time.NewTimer(m.conf.HandshakeTimeout)
	defer timer.Stop()
	select {
	case out := <-ch:
		return out.err
	case <-timer.C:
		return errs.ErrHandshakeTimeout.WrapMsg("no AUTH_ACK", "within", m.conf.HandshakeTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop pumps authenticated frames into the router until the transport
// fails or closes. Returns (closeCode, nil) on a normal peer close and
// (0, err) otherwise. Malformed frames are a protocol error: logged, dropped,
// connection kept.
func (m *Manager) readLoop(conn TransportConn) (int, error) {
	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			if isNormalClose(err) {
				code, _ := closeStatus(err)
				return code, nil
			}
			return 0, err
		}
		f, perr := ParseFrame(raw)
		if perr != nil {
			sample := raw
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Warnf("conn: %v (sample=%q)", errs.ErrProtocolError.WrapMsg(perr.Error()), sample)
			continue
		}
		m.router.Route(f)
	}
}

// backoffOrFinish schedules the next attempt. Returns false when the attempt
// cap is hit or the session was cancelled; the machine is then terminal.
func (m *Manager) backoffOrFinish(ctx context.Context, res *connectResult, bo backoff.BackOff, attempt *int, cause error) bool {
	*attempt++
	if *attempt >= m.conf.MaxAttempts {
		err := errs.ErrReconnectExhausted.WrapMsg("giving up", "attempts", *attempt, "cause", cause)
		m.finish(res, err, ConnectionEvent{State: StateDisconnected, Err: err})
		return false
	}

	delay := bo.NextBackOff()
	logger.Infof("conn: transport failure, retrying in %s (attempt %d/%d): %v",
		delay, *attempt, m.conf.MaxAttempts, cause)
	m.setState(StateReconnecting, ConnectionEvent{State: StateReconnecting, Err: cause})

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		m.finish(res, ctx.Err(), ConnectionEvent{State: StateDisconnected, Code: websocket.CloseNormalClosure})
		return false
	}
}

// rejectAuth handles the one failure class that propagates to the auth layer:
// a server-confirmed 401/403.
func (m *Manager) rejectAuth(res *connectResult, err error) {
	if m.authSink != nil {
		m.authSink.MarkInvalid(err)
	}
	m.finish(res, err, ConnectionEvent{State: StateDisconnected, Err: err})
}

func (m *Manager) finish(res *connectResult, err error, ev ConnectionEvent) {
	m.setState(StateDisconnected, ev)
	res.resolve(err)
}

func (m *Manager) setState(next SessionState, ev ConnectionEvent) {
	m.mu.Lock()
	if m.state == next && next != StateAuthenticating {
		m.mu.Unlock()
		return
	}
	m.state = next
	m.mu.Unlock()

	m.subMu.Lock()
	fns := make([]func(ConnectionEvent), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (m *Manager) dialURL(tok string) string {
	return m.conf.URL + "?token=" + url.QueryEscape(tok)
}
