// Package transport owns one persistent, authenticated, auto-reconnecting
// websocket connection to the session server and exposes a generic
// publish/subscribe event surface to the layers above it. It carries
// envelopes verbatim; interpreting them is the session layer's job.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nahuperdomo/entrevista-chat/apperror"
	"github.com/nahuperdomo/entrevista-chat/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 1 << 20

	defaultReconnectAttempts = 5
	defaultReconnectDelay    = time.Second
)

// Handler receives the payload of one named event.
type Handler func(data json.RawMessage)

// AnyHandler receives every inbound event with its name.
type AnyHandler func(event string, data json.RawMessage)

type subscription struct {
	id      int
	handler Handler
}

type anySubscription struct {
	id      int
	handler AnyHandler
}

type boolSubscription struct {
	id      int
	handler func(bool)
}

type errSubscription struct {
	id      int
	handler func(error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithReconnectPolicy overrides the bounded reconnect policy.
func WithReconnectPolicy(attempts int, delay time.Duration) Option {
	return func(m *Manager) {
		m.reconnectAttempts = attempts
		m.reconnectDelay = delay
	}
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// Manager is an owned connection handle: construct one per chat view and
// pass it down. There is no shared package-level state.
type Manager struct {
	url    string
	dialer *websocket.Dialer

	reconnectAttempts int
	reconnectDelay    time.Duration

	mu         sync.Mutex
	conn       *websocket.Conn
	connected  bool
	closed     bool
	credential string
	quit       chan struct{} // per-connection write pump stop

	send chan []byte

	subMu       sync.Mutex
	nextSubID   int
	handlers    map[string][]subscription
	anyHandlers []anySubscription
	connChange  []boolSubscription
	errHandlers []errSubscription
}

// New creates a disconnected Manager for the given websocket URL.
func New(url string, opts ...Option) *Manager {
	m := &Manager{
		url:               url,
		dialer:            websocket.DefaultDialer,
		reconnectAttempts: defaultReconnectAttempts,
		reconnectDelay:    defaultReconnectDelay,
		send:              make(chan []byte, 256),
		handlers:          make(map[string][]subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect opens the connection, attaching the bearer credential for
// server-side identity verification. Idempotent while connected. An empty
// credential fails fast as a configuration error; no dial is attempted.
func (m *Manager) Connect(ctx context.Context, credential string) error {
	if credential == "" {
		return apperror.New(apperror.CodeConfig, "no credential available for session connection")
	}

	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return nil
	}
	m.credential = credential
	m.closed = false
	m.mu.Unlock()

	conn, err := m.dial(ctx)
	if err != nil {
		m.emitError(err)
		return apperror.Wrap(apperror.CodeConnectivity, "failed to connect to session server", err)
	}

	m.adopt(conn)
	return nil
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.credential)
	conn, resp, err := m.dialer.DialContext(ctx, m.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// adopt installs a live connection and starts its pumps. A connection
// arriving after Disconnect, or losing the race against another dial, is
// closed instead of installed.
func (m *Manager) adopt(conn *websocket.Conn) {
	m.mu.Lock()
	if m.closed || m.connected {
		m.mu.Unlock()
		conn.Close()
		return
	}
	// Each connection starts with an empty send queue. Frames accepted
	// before a loss stay dropped; they are never replayed here.
drain:
	for {
		select {
		case <-m.send:
		default:
			break drain
		}
	}
	m.conn = conn
	m.connected = true
	quit := make(chan struct{})
	m.quit = quit
	m.mu.Unlock()

	go m.writePump(conn, quit)
	go m.readPump(conn)

	m.emitConnectionChange(true)
}

// Disconnect tears down the connection and releases resources. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	wasConnected := m.connected
	m.connected = false
	conn := m.conn
	m.conn = nil
	if m.quit != nil {
		close(m.quit)
		m.quit = nil
	}
	m.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
	}
	if wasConnected {
		m.emitConnectionChange(false)
	}
}

// IsConnected reports whether the connection is live.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Send publishes one event, fire-and-forget. Events sent while
// disconnected are dropped, not buffered: callers that need delivery
// guarantees must check IsConnected first.
func (m *Manager) Send(event string, payload any) {
	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()
	if !connected {
		slog.Debug("Dropping event, not connected", "event", event)
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal event payload", "event", event, "error", err)
		return
	}
	frame, err := json.Marshal(protocol.Envelope{Event: event, Data: data})
	if err != nil {
		slog.Error("Failed to marshal event envelope", "event", event, "error", err)
		return
	}

	select {
	case m.send <- frame:
	default:
		slog.Warn("Send buffer full, dropping event", "event", event)
	}
}

// On subscribes a handler to one event name and returns its unsubscribe
// function. Handlers for the same event run in subscription order.
func (m *Manager) On(event string, handler Handler) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextSubID++
	id := m.nextSubID
	m.handlers[event] = append(m.handlers[event], subscription{id: id, handler: handler})
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		subs := m.handlers[event]
		for i, s := range subs {
			if s.id == id {
				m.handlers[event] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// OnAny subscribes a handler to every inbound event.
func (m *Manager) OnAny(handler AnyHandler) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextSubID++
	id := m.nextSubID
	m.anyHandlers = append(m.anyHandlers, anySubscription{id: id, handler: handler})
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		for i, s := range m.anyHandlers {
			if s.id == id {
				m.anyHandlers = append(m.anyHandlers[:i], m.anyHandlers[i+1:]...)
				return
			}
		}
	}
}

// OnConnectionChange subscribes to the synthetic connectivity transitions.
func (m *Manager) OnConnectionChange(handler func(connected bool)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextSubID++
	id := m.nextSubID
	m.connChange = append(m.connChange, boolSubscription{id: id, handler: handler})
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		for i, s := range m.connChange {
			if s.id == id {
				m.connChange = append(m.connChange[:i], m.connChange[i+1:]...)
				return
			}
		}
	}
}

// OnError subscribes to the synthetic connection failure events.
func (m *Manager) OnError(handler func(err error)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextSubID++
	id := m.nextSubID
	m.errHandlers = append(m.errHandlers, errSubscription{id: id, handler: handler})
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		for i, s := range m.errHandlers {
			if s.id == id {
				m.errHandlers = append(m.errHandlers[:i], m.errHandlers[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) writePump(conn *websocket.Conn, quit chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case frame := <-m.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Error("WebSocket write error", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (m *Manager) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Error("WebSocket read error", "error", err)
			}
			m.handleConnectionLoss(conn, err)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("Dropping malformed frame", "error", err)
			continue
		}
		m.dispatch(env.Event, env.Data)
	}
}

func (m *Manager) dispatch(event string, data json.RawMessage) {
	m.subMu.Lock()
	anyHandlers := make([]anySubscription, len(m.anyHandlers))
	copy(anyHandlers, m.anyHandlers)
	subs := make([]subscription, len(m.handlers[event]))
	copy(subs, m.handlers[event])
	m.subMu.Unlock()

	for _, s := range anyHandlers {
		s.handler(event, data)
	}
	for _, s := range subs {
		s.handler(data)
	}
}

func (m *Manager) handleConnectionLoss(conn *websocket.Conn, cause error) {
	m.mu.Lock()
	if m.closed || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.connected = false
	m.conn = nil
	if m.quit != nil {
		close(m.quit)
		m.quit = nil
	}
	m.mu.Unlock()

	conn.Close()
	m.emitError(apperror.Wrap(apperror.CodeConnectivity, "connection to session server lost", cause))
	m.emitConnectionChange(false)

	m.reconnect()
}

// reconnect retries with fixed spacing until the bounded attempt count is
// exhausted. Exhaustion leaves the manager in a terminal disconnected
// state: recovery requires an explicit Connect from the caller.
func (m *Manager) reconnect() {
	for attempt := 1; attempt <= m.reconnectAttempts; attempt++ {
		time.Sleep(m.reconnectDelay)

		m.mu.Lock()
		if m.closed || m.connected {
			// Disconnected for good, or the caller already reconnected
			// by hand while this loop was sleeping.
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		conn, err := m.dial(ctx)
		cancel()
		if err != nil {
			slog.Warn("Reconnect attempt failed",
				"attempt", attempt,
				"maxAttempts", m.reconnectAttempts,
				"error", err)
			m.emitError(apperror.Wrap(apperror.CodeConnectivity, "reconnect attempt failed", err))
			continue
		}

		slog.Info("Reconnected to session server", "attempt", attempt)
		m.adopt(conn)
		return
	}

	slog.Error("Reconnect attempts exhausted", "attempts", m.reconnectAttempts)
	m.emitError(apperror.New(apperror.CodeConnectivity, "reconnect attempts exhausted"))
}

func (m *Manager) emitConnectionChange(connected bool) {
	m.subMu.Lock()
	subs := make([]boolSubscription, len(m.connChange))
	copy(subs, m.connChange)
	m.subMu.Unlock()
	for _, s := range subs {
		s.handler(connected)
	}
}

func (m *Manager) emitError(err error) {
	m.subMu.Lock()
	subs := make([]errSubscription, len(m.errHandlers))
	copy(subs, m.errHandlers)
	m.subMu.Unlock()
	for _, s := range subs {
		s.handler(err)
	}
}
