package cemear

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Messenger wires the connection, store, receipts and presence of one
// logged-in user. Construct one per process and pass it to the views that
// need it; Start and Stop bound its lifetime.
type Messenger struct {
	client   *Client
	conn     *ConnectionManager
	presence *PresenceTracker
	cache    Cache
	log      *zap.Logger
	metrics  *Metrics

	pageLimit int
	window    time.Duration

	mu       sync.Mutex
	userID   string
	running  bool
	store    *Store
	receipts *ReadReceiptCoordinator
}

type MessengerOption func(*messengerOptions)

type messengerOptions struct {
	log       *zap.Logger
	metrics   *Metrics
	cache     Cache
	realtime  RealtimeConfig
	pageLimit int
	window    time.Duration
}

func WithLogger(log *zap.Logger) MessengerOption {
	return func(o *messengerOptions) { o.log = log }
}

func WithMetrics(m *Metrics) MessengerOption {
	return func(o *messengerOptions) { o.metrics = m }
}

// WithMessageCache enables warm starts from c.
func WithMessageCache(c Cache) MessengerOption {
	return func(o *messengerOptions) { o.cache = c }
}

// WithRealtimeConfig overrides the connection settings. BaseURL and Token
// default to the client's.
func WithRealtimeConfig(cfg RealtimeConfig) MessengerOption {
	return func(o *messengerOptions) { o.realtime = cfg }
}

func WithMessagePageLimit(limit int) MessengerOption {
	return func(o *messengerOptions) { o.pageLimit = limit }
}

func WithDraftReconcileWindow(d time.Duration) MessengerOption {
	return func(o *messengerOptions) { o.window = d }
}

// NewMessenger creates a stopped messenger over client.
func NewMessenger(client *Client, opts ...MessengerOption) *Messenger {
	o := messengerOptions{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.realtime.BaseURL == "" {
		o.realtime.BaseURL = client.BaseURL()
	}
	if o.realtime.Token == "" {
		o.realtime.Token = client.Token()
	}
	return &Messenger{
		client: client,
		conn: NewConnectionManager(o.realtime,
			WithConnectionLogger(o.log),
			WithConnectionMetrics(o.metrics)),
		presence:  NewPresenceTracker(o.log),
		cache:     o.cache,
		log:       o.log.Named("messenger"),
		metrics:   o.metrics,
		pageLimit: o.pageLimit,
		window:    o.window,
	}
}

// Start opens the session of userID: restores the cached snapshot, connects
// and hydrates. Starting again for the same user only re-announces; a
// different user stops the previous session first. The messenger stays
// started when connecting or hydrating fails; both errors are returned.
func (m *Messenger) Start(ctx context.Context, userID string) error {
	m.mu.Lock()
	if m.running && m.userID == userID {
		m.mu.Unlock()
		return m.conn.Connect(ctx, userID)
	}
	if m.running {
		m.log.Info("user_switch", zap.String("old_user_id", m.userID), zap.String("user_id", userID))
		m.stopLocked()
	}

	store := NewStore(userID, m.client,
		WithJoiner(m.conn),
		WithCache(m.cache),
		WithStoreLogger(m.log),
		WithStoreMetrics(m.metrics),
		WithPageLimit(m.pageLimit),
		WithReconcileWindow(m.window))
	receipts := NewReadReceiptCoordinator(store, m.client, m.conn, m.log)
	m.store, m.receipts, m.userID, m.running = store, receipts, userID, true

	m.conn.SubscribeKey(EventNewMessage, "messenger", func(ev Event) { m.handleNewMessage(store, ev) })
	m.conn.SubscribeKey(EventMessagesRead, "messenger", receipts.HandleEvent)
	m.conn.SubscribeKey(EventUserOnlineStatus, "messenger", m.presence.HandleEvent)
	m.mu.Unlock()

	if err := store.Restore(); err != nil {
		m.log.Warn("restore_failed", zap.Error(err))
	}

	m.log.Info("starting", zap.String("user_id", userID))
	connErr := m.conn.Connect(ctx, userID)
	hydrateErr := store.Hydrate(ctx)
	return multierr.Combine(connErr, hydrateErr)
}

// Stop disconnects and drops the session. Views mounted before Stop become
// inert. It is idempotent.
func (m *Messenger) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Messenger) stopLocked() {
	if !m.running {
		return
	}
	m.conn.Disconnect()
	m.presence.Replace(nil)
	m.log.Info("stopped", zap.String("user_id", m.userID))
	m.running = false
	m.userID = ""
	m.store = nil
	m.receipts = nil
}

func (m *Messenger) session() (*Store, *ReadReceiptCoordinator, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil, nil, "", ErrMessengerStopped
	}
	return m.store, m.receipts, m.userID, nil
}

func (m *Messenger) handleNewMessage(store *Store, ev Event) {
	var msg Message
	if err := ev.Decode(&msg); err != nil {
		m.metrics.eventDropped("malformed")
		m.log.Warn("event_dropped", zap.String("event", ev.Name), zap.String("reason", "malformed"), zap.Error(err))
		return
	}
	store.ApplyIncoming(msg)
}

// Client returns the REST client.
func (m *Messenger) Client() *Client { return m.client }

// Connection returns the shared connection manager.
func (m *Messenger) Connection() *ConnectionManager { return m.conn }

// Presence returns the presence tracker.
func (m *Messenger) Presence() *PresenceTracker { return m.presence }

// UserID returns the logged-in user, or "" when stopped.
func (m *Messenger) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Store returns the conversation store of the current session.
func (m *Messenger) Store() (*Store, error) {
	store, _, _, err := m.session()
	return store, err
}

// ============================================================================
// Actions
// ============================================================================

// SendMessage inserts a draft and emits sendMessage. When the emit fails the
// draft is kept as failed and the error returned; RetrySend re-emits it.
func (m *Messenger) SendMessage(ctx context.Context, conversationID, content string) (Message, error) {
	store, _, userID, err := m.session()
	if err != nil {
		return Message{}, err
	}
	conv, ok := store.Conversation(conversationID)
	if !ok {
		return Message{}, fmt.Errorf("send to %s: %w", conversationID, ErrUnknownConversation)
	}
	peerID, _ := conv.Peer(userID)

	draft, err := store.ApplyOptimisticSend(Message{
		ConversationID: conversationID,
		SenderID:       userID,
		ReceiverID:     peerID,
		Content:        content,
	})
	if err != nil {
		return Message{}, err
	}
	return m.emitDraft(ctx, store, draft)
}

// RetrySend re-emits a failed or still pending draft.
func (m *Messenger) RetrySend(ctx context.Context, conversationID, draftID string) (Message, error) {
	store, _, _, err := m.session()
	if err != nil {
		return Message{}, err
	}
	draft, ok := store.Draft(conversationID, draftID)
	if !ok {
		return Message{}, fmt.Errorf("retry %s: %w", draftID, ErrDraftNotFound)
	}
	if err := store.Apply(DraftStatusChanged{ConversationID: conversationID, DraftID: draftID, Status: StatusPending}); err != nil {
		return Message{}, err
	}
	draft.Status = StatusPending
	return m.emitDraft(ctx, store, draft)
}

func (m *Messenger) emitDraft(ctx context.Context, store *Store, draft Message) (Message, error) {
	err := m.conn.Emit(ctx, EventSendMessage, SendMessagePayload{
		ConversationID: draft.ConversationID,
		SenderID:       draft.SenderID,
		ReceiverID:     draft.ReceiverID,
		Content:        draft.Content,
		ClientID:       draft.ClientID,
	})
	if err != nil {
		if ferr := store.MarkDraftFailed(draft.ConversationID, draft.ID); ferr == nil {
			draft.Status = StatusFailed
		}
		return draft, fmt.Errorf("send message: %w", err)
	}
	return draft, nil
}

// MarkConversationRead marks the conversation read for the local user.
func (m *Messenger) MarkConversationRead(ctx context.Context, conversationID string) error {
	_, receipts, userID, err := m.session()
	if err != nil {
		return err
	}
	return receipts.MarkConversationRead(ctx, conversationID, userID)
}

// LoadMoreMessages fetches the next page of a conversation.
func (m *Messenger) LoadMoreMessages(ctx context.Context, conversationID string) (bool, error) {
	store, _, _, err := m.session()
	if err != nil {
		return false, err
	}
	return store.LoadMoreMessages(ctx, conversationID)
}

// StartConversation returns the conversation with peerID, creating it on
// the server when none is stored.
func (m *Messenger) StartConversation(ctx context.Context, peerID string) (ConversationSnapshot, error) {
	store, _, userID, err := m.session()
	if err != nil {
		return ConversationSnapshot{}, err
	}
	if conv, ok := store.FindConversation(userID, peerID); ok {
		return conv, nil
	}
	conv, err := m.client.CreateConversation(ctx, peerID)
	if err != nil {
		return ConversationSnapshot{}, fmt.Errorf("start conversation with %s: %w", peerID, err)
	}
	if err := store.AddConversation(*conv); err != nil {
		return ConversationSnapshot{}, err
	}
	snap, _ := store.Conversation(conv.ID)
	return snap, nil
}

// Users returns the directory without the local user.
func (m *Messenger) Users(ctx context.Context) ([]User, error) {
	_, _, userID, err := m.session()
	if err != nil {
		return nil, err
	}
	users, err := m.client.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := users[:0]
	for _, u := range users {
		if u.ID != userID {
			out = append(out, u)
		}
	}
	return out, nil
}
