package cemear

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the ConnectionManager.
type RealtimeConfig struct {
	// BaseURL is the HTTP(S) API root; the socket URL is derived from it.
	BaseURL string
	Token   string
	// SocketPath is appended to the websocket form of BaseURL.
	SocketPath string

	DisableReconnect     bool
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	// ReconnectMaxDelay > ReconnectDelay switches from a fixed delay to
	// exponential backoff capped at this value.
	ReconnectMaxDelay time.Duration
	// HeartbeatInterval < 0 disables pings.
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	ReadLimit         int64
	HTTPClient        *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.SocketPath == "" {
		c.SocketPath = "/ws"
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 1 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
}

func (c *RealtimeConfig) socketURL(userID string) string {
	u := strings.Replace(c.BaseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimRight(u, "/") + c.SocketPath + "?userId=" + url.QueryEscape(userID)
}

// newBackOff returns the reconnection policy, already bounded.
func (c *RealtimeConfig) newBackOff() backoff.BackOff {
	var policy backoff.BackOff = backoff.NewConstantBackOff(c.ReconnectDelay)
	if c.ReconnectMaxDelay > c.ReconnectDelay {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = c.ReconnectDelay
		exp.MaxInterval = c.ReconnectMaxDelay
		exp.MaxElapsedTime = 0
		policy = exp
	}
	return backoff.WithMaxRetries(policy, uint64(c.MaxReconnectAttempts))
}

// ConnectionState is the lifecycle state of a session.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// ============================================================================
// Event Bus
// ============================================================================

// EventBus is a de-duplicated subscription registry keyed by event name.
type EventBus struct {
	mu       sync.Mutex
	handlers map[string]*listenerSet[Event]
	log      *zap.Logger
}

func newEventBus(log *zap.Logger) *EventBus {
	return &EventBus{handlers: make(map[string]*listenerSet[Event]), log: log}
}

func (b *EventBus) set(event string, create bool) *listenerSet[Event] {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.handlers[event]
	if !ok && create {
		s = &listenerSet[Event]{}
		b.handlers[event] = s
	}
	return s
}

// Subscribe registers fn for event under a fresh identity.
func (b *EventBus) Subscribe(event string, fn func(Event)) *Subscription {
	return b.SubscribeKey(event, "", fn)
}

// SubscribeKey registers fn for event under key. Registering a key that is
// already present for event is a no-op; the returned handle then refers to
// the existing registration.
func (b *EventBus) SubscribeKey(event, key string, fn func(Event)) *Subscription {
	return b.set(event, true).subscribe(key, fn)
}

// Unsubscribe removes the listener registered under key for event. An empty
// key removes every listener of event.
func (b *EventBus) Unsubscribe(event, key string) {
	s := b.set(event, false)
	if s == nil {
		return
	}
	if key == "" {
		s.clear()
		return
	}
	s.remove(key, 0)
}

// Listeners returns the number of listeners registered for event.
func (b *EventBus) Listeners(event string) int {
	s := b.set(event, false)
	if s == nil {
		return 0
	}
	return s.len()
}

func (b *EventBus) clear() {
	b.mu.Lock()
	b.handlers = make(map[string]*listenerSet[Event])
	b.mu.Unlock()
}

func (b *EventBus) dispatch(ev Event) {
	if s := b.set(ev.Name, false); s != nil {
		s.emit(ev, b.log.With(zap.String("event", ev.Name)))
	}
}

// ============================================================================
// ConnectionManager
// ============================================================================

// session is the per-user state. Its joined set survives transport
// reconnects and is discarded on Disconnect or user switch.
type session struct {
	userID string
	state  ConnectionState
	joined map[string]struct{}
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *session) joinedIDs() []string {
	ids := make([]string, 0, len(s.joined))
	for id := range s.joined {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ConnectionManager owns the single realtime channel of one user.
// It is safe for concurrent use.
type ConnectionManager struct {
	*EventBus

	config  RealtimeConfig
	log     *zap.Logger
	metrics *Metrics
	states  listenerSet[ConnectionState]

	// connectMu serializes Connect and Disconnect so concurrent callers
	// never open two channels.
	connectMu sync.Mutex
	mu        sync.Mutex
	sess      *session
}

type ConnectionOption func(*ConnectionManager)

func WithConnectionLogger(log *zap.Logger) ConnectionOption {
	return func(m *ConnectionManager) { m.log = log.Named("realtime") }
}

func WithConnectionMetrics(metrics *Metrics) ConnectionOption {
	return func(m *ConnectionManager) { m.metrics = metrics }
}

// NewConnectionManager creates a manager. Nothing is dialed until Connect.
func NewConnectionManager(config RealtimeConfig, opts ...ConnectionOption) *ConnectionManager {
	config.defaults()
	m := &ConnectionManager{
		config: config,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.EventBus = newEventBus(m.log)
	m.metrics.setState(StateDisconnected)
	return m
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return StateDisconnected
	}
	return m.sess.state
}

// UserID returns the user of the current session, or "".
func (m *ConnectionManager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return ""
	}
	return m.sess.userID
}

// Joined returns the conversations the session declared interest in.
func (m *ConnectionManager) Joined() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil
	}
	return m.sess.joinedIDs()
}

// OnStateChange registers fn for connection state transitions.
func (m *ConnectionManager) OnStateChange(fn func(ConnectionState)) *Subscription {
	return m.states.subscribe("", fn)
}

// Connect ensures a live channel for userID. For an already connected
// session of the same user it only re-announces presence. A different user
// replaces the session. A failed dial returns the error and, unless
// reconnection is disabled, hands over to the reconnection loop.
func (m *ConnectionManager) Connect(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("connect: %w", ErrNoSession)
	}
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	sess := m.sess
	if sess != nil && sess.userID == userID {
		switch sess.state {
		case StateConnected:
			m.mu.Unlock()
			m.log.Debug("connect_reannounce", zap.String("user_id", userID))
			if err := m.Emit(ctx, EventUserConnected, userID); err != nil {
				m.log.Warn("reannounce_failed", zap.String("user_id", userID), zap.Error(err))
			}
			return nil
		case StateConnecting, StateReconnecting:
			m.mu.Unlock()
			return nil
		}
	}
	var old *session
	if sess == nil || sess.userID != userID {
		old = sess
		sctx, cancel := context.WithCancel(context.Background())
		sess = &session{userID: userID, joined: make(map[string]struct{}), ctx: sctx, cancel: cancel}
		m.sess = sess
	}
	sess.state = StateConnecting
	m.mu.Unlock()

	if old != nil {
		m.log.Info("session_replaced", zap.String("old_user_id", old.userID), zap.String("user_id", userID))
		m.teardown(old)
	}
	m.notifyState(StateConnecting)
	m.log.Info("connecting", zap.String("user_id", userID))

	conn, err := m.dial(ctx, userID)
	if err != nil {
		m.log.Warn("connect_failed", zap.String("user_id", userID), zap.Error(err))
		if m.config.DisableReconnect || ctx.Err() != nil {
			m.transition(sess, StateDisconnected)
		} else if m.transition(sess, StateReconnecting) {
			go m.reconnectLoop(sess)
		}
		return fmt.Errorf("connect: %w", err)
	}
	if !m.attach(sess, conn) {
		conn.Close(websocket.StatusNormalClosure, "session closed")
		return fmt.Errorf("connect: %w", ErrNoSession)
	}
	return nil
}

// Disconnect closes the channel, drops the session and clears every
// subscription. It is idempotent.
func (m *ConnectionManager) Disconnect() {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	sess := m.sess
	m.sess = nil
	m.mu.Unlock()

	m.EventBus.clear()
	if sess == nil {
		return
	}
	m.log.Info("disconnected", zap.String("user_id", sess.userID))
	m.teardown(sess)
	m.notifyState(StateDisconnected)
}

// Emit sends event immediately. Without a live transport nothing is queued
// and ErrNotConnected is returned.
func (m *ConnectionManager) Emit(ctx context.Context, event string, payload any) error {
	m.mu.Lock()
	var conn *websocket.Conn
	if m.sess != nil && m.sess.state == StateConnected {
		conn = m.sess.conn
	}
	m.mu.Unlock()

	if conn == nil {
		m.metrics.emitFailed(event)
		m.log.Warn("emit_while_disconnected", zap.String("event", event))
		return fmt.Errorf("emit %s: %w", event, ErrNotConnected)
	}
	return m.write(ctx, conn, event, payload)
}

// Join declares interest in a conversation. The interest is kept for the
// lifetime of the session and replayed after every reconnect; while
// disconnected it is only recorded.
func (m *ConnectionManager) Join(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return fmt.Errorf("join %s: %w", conversationID, ErrNoSession)
	}
	m.sess.joined[conversationID] = struct{}{}
	var conn *websocket.Conn
	if m.sess.state == StateConnected {
		conn = m.sess.conn
	}
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	return m.write(ctx, conn, EventJoinConversation, conversationID)
}

func (m *ConnectionManager) write(ctx context.Context, conn *websocket.Conn, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("emit %s: marshal payload: %w", event, err)
	}
	if err := wsjson.Write(ctx, conn, Envelope{Type: event, Payload: raw}); err != nil {
		m.metrics.emitFailed(event)
		m.log.Warn("emit_failed", zap.String("event", event), zap.Error(err))
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (m *ConnectionManager) dial(ctx context.Context, userID string) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.DialTimeout)
	defer cancel()

	header := http.Header{}
	if m.config.Token != "" {
		header.Set("Authorization", "Bearer "+m.config.Token)
	}
	conn, _, err := websocket.Dial(ctx, m.config.socketURL(userID), &websocket.DialOptions{
		HTTPClient: m.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(m.config.ReadLimit)
	return conn, nil
}

// attach installs conn on sess, announces the user and replays joins.
// It reports false when sess is no longer current.
func (m *ConnectionManager) attach(sess *session, conn *websocket.Conn) bool {
	m.mu.Lock()
	if m.sess != sess || sess.ctx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	sess.conn = conn
	sess.state = StateConnected
	joined := sess.joinedIDs()
	m.mu.Unlock()

	m.notifyState(StateConnected)
	m.log.Info("connected", zap.String("user_id", sess.userID), zap.Int("joined", len(joined)))

	go m.readLoop(sess, conn)
	if m.config.HeartbeatInterval > 0 {
		go m.heartbeatLoop(sess, conn)
	}

	if err := m.write(sess.ctx, conn, EventUserConnected, sess.userID); err != nil {
		return true
	}
	for _, id := range joined {
		if err := m.write(sess.ctx, conn, EventJoinConversation, id); err != nil {
			break
		}
	}
	if len(joined) > 0 {
		m.log.Debug("joins_replayed", zap.Strings("conversation_ids", joined))
	}
	return true
}

func (m *ConnectionManager) teardown(sess *session) {
	m.mu.Lock()
	conn := sess.conn
	sess.conn = nil
	sess.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			m.log.Debug("close_failed", zap.String("user_id", sess.userID), zap.Error(err))
		}
	}
	sess.cancel()
}

// transition sets the state of sess if it is still current.
func (m *ConnectionManager) transition(sess *session, st ConnectionState) bool {
	m.mu.Lock()
	if m.sess != sess {
		m.mu.Unlock()
		return false
	}
	changed := sess.state != st
	sess.state = st
	m.mu.Unlock()
	if changed {
		m.notifyState(st)
	}
	return true
}

func (m *ConnectionManager) notifyState(st ConnectionState) {
	m.metrics.setState(st)
	m.states.emit(st, m.log)
}

func (m *ConnectionManager) readLoop(sess *session, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(sess.ctx)
		if err != nil {
			m.handleDrop(sess, conn, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			m.metrics.eventDropped("malformed")
			m.log.Warn("event_dropped", zap.String("reason", "malformed"), zap.Int("bytes", len(data)))
			continue
		}
		m.metrics.eventReceived(env.Type)
		m.EventBus.dispatch(Event{Name: env.Type, Payload: env.Payload})
	}
}

func (m *ConnectionManager) heartbeatLoop(sess *session, conn *websocket.Conn) {
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			current := sess.conn == conn
			m.mu.Unlock()
			if !current {
				return
			}
			ctx, cancel := context.WithTimeout(sess.ctx, m.config.HeartbeatInterval)
			err := conn.Ping(ctx)
			cancel()
			if err != nil {
				m.log.Warn("heartbeat_failed", zap.String("user_id", sess.userID), zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// handleDrop reacts to a transport failure of conn. Drops of replaced or
// closed transports are ignored.
func (m *ConnectionManager) handleDrop(sess *session, conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.sess != sess || sess.conn != conn || sess.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	sess.conn = nil
	next := StateReconnecting
	if m.config.DisableReconnect {
		next = StateDisconnected
	}
	sess.state = next
	m.mu.Unlock()

	m.log.Warn("transport_dropped",
		zap.String("user_id", sess.userID),
		zap.Int("status", int(websocket.CloseStatus(err))),
		zap.Error(err))
	m.notifyState(next)
	if next == StateReconnecting {
		go m.reconnectLoop(sess)
	}
}

func (m *ConnectionManager) reconnectLoop(sess *session) {
	b := m.config.newBackOff()
	for attempt := 1; ; attempt++ {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			m.log.Error("reconnect_gave_up", zap.String("user_id", sess.userID), zap.Int("attempts", attempt-1))
			m.transition(sess, StateDisconnected)
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-sess.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		m.metrics.reconnectAttempt()
		m.log.Info("reconnecting", zap.String("user_id", sess.userID), zap.Int("attempt", attempt), zap.Duration("delay", delay))
		conn, err := m.dial(sess.ctx, sess.userID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			m.log.Warn("reconnect_failed", zap.String("user_id", sess.userID), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if !m.attach(sess, conn) {
			conn.Close(websocket.StatusNormalClosure, "session closed")
		}
		return
	}
}
