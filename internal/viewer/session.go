// Package viewer is the client side of the live feed. A Session keeps one
// websocket open to the relay, reconnecting on a flat interval, and mirrors
// the stream into a Dashboard.
package viewer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"breathrelay/backend/internal/telemetry"
)

const DefaultReconnectDelay = 3 * time.Second

type State int

const (
	Connecting State = iota
	Open
	Closed
)

func (state State) String() string {
	switch state {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

type Session struct {
	url            string
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	dashboard      *Dashboard
	logger         *slog.Logger
	onChange       func(State)
	schedule       func(time.Duration, func()) *time.Timer

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	state    State
	conn     *websocket.Conn
	timer    *time.Timer
	attempts int
	stopped  bool
}

type SessionOption func(*Session)

func WithReconnectDelay(delay time.Duration) SessionOption {
	return func(session *Session) {
		if delay > 0 {
			session.reconnectDelay = delay
		}
	}
}

func WithDialer(dialer *websocket.Dialer) SessionOption {
	return func(session *Session) {
		if dialer != nil {
			session.dialer = dialer
		}
	}
}

func WithLogger(logger *slog.Logger) SessionOption {
	return func(session *Session) {
		if logger != nil {
			session.logger = logger
		}
	}
}

// WithOnChange registers a callback fired after every state transition and
// after every applied reading.
func WithOnChange(callback func(State)) SessionOption {
	return func(session *Session) {
		session.onChange = callback
	}
}

func NewSession(url string, dashboard *Dashboard, options ...SessionOption) *Session {
	session := &Session{
		url:            url,
		dialer:         websocket.DefaultDialer,
		reconnectDelay: DefaultReconnectDelay,
		dashboard:      dashboard,
		logger:         slog.Default(),
		schedule:       time.AfterFunc,
		state:          Closed,
	}
	for _, option := range options {
		option(session)
	}
	return session
}

// Start begins connecting. The session keeps retrying until Stop is called or
// ctx ends.
func (session *Session) Start(ctx context.Context) {
	session.mu.Lock()
	session.ctx, session.cancel = context.WithCancel(ctx)
	session.stopped = false
	session.mu.Unlock()

	go func() {
		<-session.ctx.Done()
		session.Stop()
	}()
	session.connect()
}

func (session *Session) Stop() {
	session.mu.Lock()
	if session.stopped {
		session.mu.Unlock()
		return
	}
	session.stopped = true
	if session.cancel != nil {
		session.cancel()
	}
	if session.timer != nil {
		session.timer.Stop()
		session.timer = nil
	}
	conn := session.conn
	session.conn = nil
	changed := session.setStateLocked(Closed)
	session.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
	}
	if changed {
		session.notify(Closed)
	}
}

func (session *Session) State() State {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.state
}

// Attempts counts connection attempts since Start.
func (session *Session) Attempts() int {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.attempts
}

func (session *Session) Snapshot() []SourceView {
	return session.dashboard.Snapshot()
}

func (session *Session) connect() {
	session.mu.Lock()
	if session.stopped {
		session.mu.Unlock()
		return
	}
	session.timer = nil
	session.attempts++
	ctx := session.ctx
	changed := session.setStateLocked(Connecting)
	session.mu.Unlock()

	if changed {
		session.notify(Connecting)
	}

	go func() {
		conn, _, err := session.dialer.DialContext(ctx, session.url, nil)
		if err != nil {
			session.handleError(err)
			session.handleClose(nil)
			return
		}
		if !session.handleOpen(conn) {
			_ = conn.Close()
			return
		}
		session.readLoop(conn)
	}()
}

func (session *Session) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				session.handleError(err)
			}
			session.handleClose(conn)
			return
		}
		session.handleMessage(payload)
	}
}

// handleOpen moves the session to Open and clears the dashboard. The relay
// does not replay history, so nothing carries over from a previous
// connection.
func (session *Session) handleOpen(conn *websocket.Conn) bool {
	session.mu.Lock()
	if session.stopped {
		session.mu.Unlock()
		return false
	}
	session.conn = conn
	session.dashboard.Reset()
	changed := session.setStateLocked(Open)
	session.mu.Unlock()

	session.logger.Info("live feed connected", "url", session.url)
	if changed {
		session.notify(Open)
	}
	return true
}

func (session *Session) handleMessage(payload []byte) {
	envelope, err := telemetry.DecodeEnvelope(payload)
	if err != nil {
		session.logger.Warn("ignoring malformed live message", "bytes", len(payload), "error", err)
		return
	}

	session.dashboard.Apply(envelope)
	session.notify(session.State())
}

func (session *Session) handleError(err error) {
	session.logger.Warn("live feed error", "url", session.url, "error", err)
}

// handleClose moves the session to Closed and schedules the reconnect. Close
// events for a connection that is no longer current, and repeated closes,
// do not schedule another timer.
func (session *Session) handleClose(conn *websocket.Conn) {
	session.mu.Lock()
	if conn != nil && conn != session.conn {
		session.mu.Unlock()
		return
	}
	session.conn = nil
	changed := session.setStateLocked(Closed)
	scheduled := false
	if !session.stopped && session.timer == nil {
		session.timer = session.schedule(session.reconnectDelay, session.connect)
		scheduled = true
	}
	session.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if scheduled {
		session.logger.Info("live feed closed, reconnecting", "delay", session.reconnectDelay)
	}
	if changed {
		session.notify(Closed)
	}
}

func (session *Session) setStateLocked(state State) bool {
	if session.state == state {
		return false
	}
	session.state = state
	return true
}

func (session *Session) notify(state State) {
	if session.onChange != nil {
		session.onChange(state)
	}
}
