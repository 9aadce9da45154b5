package cemear

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ============================================================================
// ViewScope
// ============================================================================

// ViewScope ties subscriptions to the lifetime of a mounted view. Unmount
// releases them without touching the shared connection.
type ViewScope struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   []*Subscription
	closed bool
}

func newViewScope() *ViewScope {
	ctx, cancel := context.WithCancel(context.Background())
	return &ViewScope{ctx: ctx, cancel: cancel}
}

func (v *ViewScope) track(s *Subscription) *Subscription {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		s.Close()
		return s
	}
	v.subs = append(v.subs, s)
	return s
}

// Mounted reports whether Unmount has not been called yet.
func (v *ViewScope) Mounted() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.closed
}

// Unmount closes every subscription of the view. It is idempotent.
func (v *ViewScope) Unmount() {
	v.mu.Lock()
	subs := v.subs
	v.subs = nil
	v.closed = true
	v.mu.Unlock()

	v.cancel()
	for _, s := range subs {
		s.Close()
	}
}

// ============================================================================
// UnreadBadge
// ============================================================================

// UnreadBadge shows the global unread count.
type UnreadBadge struct {
	*ViewScope
	store *Store
}

// UnreadBadge mounts a badge over the current session.
func (m *Messenger) UnreadBadge() (*UnreadBadge, error) {
	store, err := m.Store()
	if err != nil {
		return nil, err
	}
	return &UnreadBadge{ViewScope: newViewScope(), store: store}, nil
}

// Count returns the badge value.
func (b *UnreadBadge) Count() int {
	return b.store.TotalUnread()
}

// OnChange calls fn with the new count whenever it changes.
func (b *UnreadBadge) OnChange(fn func(count int)) {
	var last atomic.Int64
	last.Store(int64(b.Count()))
	b.track(b.store.Subscribe(func(StoreChange) {
		n := int64(b.store.TotalUnread())
		if last.Swap(n) != n {
			fn(int(n))
		}
	}))
}

// ============================================================================
// ConversationListView
// ============================================================================

// ConversationRow is one line of the conversation list.
type ConversationRow struct {
	ConversationSnapshot
	PeerID string
	Peer   *User
	Online bool
}

// ConversationListView lists conversations, most recently active first.
type ConversationListView struct {
	*ViewScope
	store    *Store
	presence *PresenceTracker
	userID   string
}

// ConversationList mounts the conversation list over the current session.
func (m *Messenger) ConversationList() (*ConversationListView, error) {
	store, _, userID, err := m.session()
	if err != nil {
		return nil, err
	}
	return &ConversationListView{
		ViewScope: newViewScope(),
		store:     store,
		presence:  m.presence,
		userID:    userID,
	}, nil
}

// Rows returns the current rows.
func (v *ConversationListView) Rows() []ConversationRow {
	convs := v.store.Conversations()
	rows := make([]ConversationRow, 0, len(convs))
	for _, c := range convs {
		peerID, peer := c.Peer(v.userID)
		rows = append(rows, ConversationRow{
			ConversationSnapshot: c,
			PeerID:               peerID,
			Peer:                 peer,
			Online:               v.presence.IsOnline(peerID),
		})
	}
	return rows
}

// OnChange calls fn after any store or presence change.
func (v *ConversationListView) OnChange(fn func()) {
	v.track(v.store.Subscribe(func(StoreChange) { fn() }))
	v.track(v.presence.OnChange(func([]string) { fn() }))
}

// ============================================================================
// ChatView
// ============================================================================

// ChatOption configures a ChatView.
type ChatOption func(*ChatView)

// WithAutoRead controls whether an open chat marks incoming messages read.
// It is on by default.
func WithAutoRead(on bool) ChatOption {
	return func(v *ChatView) { v.autoRead = on }
}

// ChatView is one open conversation.
type ChatView struct {
	*ViewScope
	m              *Messenger
	store          *Store
	conversationID string
	autoRead       bool
	reading        atomic.Bool
	dirty          atomic.Bool
	log            *zap.Logger
}

// Chat mounts a chat over the current session: it joins the conversation
// and, with auto-read, marks it read now and whenever unread messages
// arrive while it stays mounted.
func (m *Messenger) Chat(ctx context.Context, conversationID string, opts ...ChatOption) (*ChatView, error) {
	store, err := m.Store()
	if err != nil {
		return nil, err
	}
	if _, ok := store.Conversation(conversationID); !ok {
		return nil, ErrUnknownConversation
	}
	v := &ChatView{
		ViewScope:      newViewScope(),
		m:              m,
		store:          store,
		conversationID: conversationID,
		autoRead:       true,
		log:            m.log.With(zap.String("conversation_id", conversationID)),
	}
	for _, opt := range opts {
		opt(v)
	}

	if err := m.conn.Join(ctx, conversationID); err != nil {
		v.log.Warn("join_failed", zap.Error(err))
	}
	if v.autoRead {
		v.track(store.Subscribe(func(ch StoreChange) {
			for _, id := range ch.ConversationIDs {
				if id == conversationID {
					v.markReadAsync()
					return
				}
			}
		}))
		if store.UnreadCount(conversationID) > 0 {
			if err := v.MarkRead(ctx); err != nil {
				v.log.Warn("auto_read_failed", zap.Error(err))
			}
		}
	}
	return v, nil
}

// markReadAsync runs at most one mark-read at a time. Changes that land while
// one is in flight set dirty, and the running goroutine picks them up.
func (v *ChatView) markReadAsync() {
	if v.store.UnreadCount(v.conversationID) == 0 {
		return
	}
	v.dirty.Store(true)
	if !v.reading.CompareAndSwap(false, true) {
		return
	}
	go func() {
		for {
			for v.dirty.Swap(false) && v.ctx.Err() == nil {
				if v.store.UnreadCount(v.conversationID) == 0 {
					continue
				}
				if err := v.MarkRead(v.ctx); err != nil {
					v.log.Warn("auto_read_failed", zap.Error(err))
				}
			}
			v.reading.Store(false)
			// a change may have set dirty after the last Swap
			if !v.dirty.Load() || v.ctx.Err() != nil || !v.reading.CompareAndSwap(false, true) {
				return
			}
		}
	}()
}

// ConversationID returns the open conversation.
func (v *ChatView) ConversationID() string { return v.conversationID }

// Messages returns the messages, oldest first.
func (v *ChatView) Messages() []Message {
	return v.store.Messages(v.conversationID)
}

// HasMore reports whether older pages remain.
func (v *ChatView) HasMore() bool {
	return v.store.HasMore(v.conversationID)
}

// LoadMore fetches the next older page.
func (v *ChatView) LoadMore(ctx context.Context) (bool, error) {
	return v.store.LoadMoreMessages(ctx, v.conversationID)
}

// Send sends content to the peer.
func (v *ChatView) Send(ctx context.Context, content string) (Message, error) {
	return v.m.SendMessage(ctx, v.conversationID, content)
}

// MarkRead marks the conversation read for the local user.
func (v *ChatView) MarkRead(ctx context.Context) error {
	return v.m.MarkConversationRead(ctx, v.conversationID)
}

// OnChange calls fn with the messages whenever the conversation changes.
func (v *ChatView) OnChange(fn func([]Message)) {
	v.track(v.store.Subscribe(func(ch StoreChange) {
		for _, id := range ch.ConversationIDs {
			if id == v.conversationID {
				fn(v.Messages())
				return
			}
		}
	}))
}
