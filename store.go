package cemear

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultPageLimit       = 20
	DefaultReconcileWindow = 30 * time.Second

	draftIDPrefix      = "tmp-"
	hydrateConcurrency = 4
	joinTimeout        = 10 * time.Second
	pageLoadTimeout    = 30 * time.Second
)

// History is the REST surface the store hydrates from. *Client implements it.
type History interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	ListMessages(ctx context.Context, conversationID string, page, limit int) (*MessagesPage, error)
}

// Joiner declares interest in a conversation on the realtime channel.
// *ConnectionManager implements it.
type Joiner interface {
	Join(ctx context.Context, conversationID string) error
}

// ============================================================================
// Conversation state
// ============================================================================

type conversationState struct {
	conv     Conversation
	messages []Message // oldest first
	ids      map[string]struct{}
	unread   int
	nextPage int
	hasMore  bool
	// receipts holds read watermarks per receiver for messages that may
	// still arrive from older pages.
	receipts map[string]time.Time
}

func newConversationState(conv Conversation) *conversationState {
	conv.Messages = nil
	return &conversationState{
		conv:     conv,
		ids:      make(map[string]struct{}),
		nextPage: 1,
		hasMore:  true,
	}
}

func (cs *conversationState) has(id string) bool {
	_, ok := cs.ids[id]
	return ok
}

func (cs *conversationState) indexOf(id string) int {
	for i := range cs.messages {
		if cs.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (cs *conversationState) insert(m Message) {
	pos := sort.Search(len(cs.messages), func(i int) bool { return m.before(&cs.messages[i]) })
	cs.messages = append(cs.messages, Message{})
	copy(cs.messages[pos+1:], cs.messages[pos:])
	cs.messages[pos] = m
	cs.ids[m.ID] = struct{}{}
}

func (cs *conversationState) removeAt(i int) Message {
	m := cs.messages[i]
	cs.messages = append(cs.messages[:i], cs.messages[i+1:]...)
	delete(cs.ids, m.ID)
	return m
}

// findDraft returns the index of the local draft that m confirms, or -1.
// A clientId echo wins; otherwise the oldest unconfirmed draft, failed ones
// included, with the same participants and content inside window.
func (cs *conversationState) findDraft(m *Message, window time.Duration) int {
	if i := cs.draftByClientID(m.ClientID); i >= 0 {
		return i
	}
	for i := range cs.messages {
		d := &cs.messages[i]
		if !d.Pending() || d.SenderID != m.SenderID || d.ReceiverID != m.ReceiverID || d.Content != m.Content {
			continue
		}
		if diff := m.CreatedAt.Sub(d.CreatedAt); diff <= window && diff >= -window {
			return i
		}
	}
	return -1
}

func (cs *conversationState) draftByClientID(clientID string) int {
	if clientID == "" {
		return -1
	}
	for i := range cs.messages {
		if cs.messages[i].Pending() && cs.messages[i].ClientID == clientID {
			return i
		}
	}
	return -1
}

func (cs *conversationState) recount(localUser string) {
	n := 0
	for i := range cs.messages {
		m := &cs.messages[i]
		if m.ReceiverID == localUser && !m.Read && !m.Pending() {
			n++
		}
	}
	cs.unread = n
}

func (cs *conversationState) latest() time.Time {
	if n := len(cs.messages); n > 0 {
		return cs.messages[n-1].CreatedAt
	}
	if !cs.conv.UpdatedAt.IsZero() {
		return cs.conv.UpdatedAt
	}
	return cs.conv.CreatedAt
}

// upsert refreshes participant metadata without touching messages.
func (cs *conversationState) upsert(conv Conversation) {
	if conv.User1ID != "" {
		cs.conv.User1ID = conv.User1ID
	}
	if conv.User2ID != "" {
		cs.conv.User2ID = conv.User2ID
	}
	if conv.User1 != nil {
		cs.conv.User1 = conv.User1
	}
	if conv.User2 != nil {
		cs.conv.User2 = conv.User2
	}
	if conv.CreatedAt.After(cs.conv.CreatedAt) || cs.conv.CreatedAt.IsZero() {
		cs.conv.CreatedAt = conv.CreatedAt
	}
	if conv.UpdatedAt.After(cs.conv.UpdatedAt) {
		cs.conv.UpdatedAt = conv.UpdatedAt
	}
}

func (cs *conversationState) markRead(userID string) int {
	n := 0
	for i := range cs.messages {
		m := &cs.messages[i]
		if m.ReceiverID == userID && !m.Read {
			m.Read = true
			n++
		}
	}
	return n
}

// ConversationSnapshot is a read-only copy of a conversation for views.
type ConversationSnapshot struct {
	Conversation
	LastMessage *Message
	UnreadCount int
	HasMore     bool
}

func (cs *conversationState) snapshot() ConversationSnapshot {
	snap := ConversationSnapshot{
		Conversation: cs.conv,
		UnreadCount:  cs.unread,
		HasMore:      cs.hasMore,
	}
	if n := len(cs.messages); n > 0 {
		last := cs.messages[n-1]
		snap.LastMessage = &last
	}
	return snap
}

// ============================================================================
// Store
// ============================================================================

// StoreChange lists the conversations touched by one mutation.
type StoreChange struct {
	ConversationIDs []string
}

// effects is what a reducer step asks the store to do after unlocking.
type effects struct {
	touched   []string
	join      []string
	result    string
	flipped   int
	noPersist bool
}

func (e *effects) touch(id string) {
	for _, t := range e.touched {
		if t == id {
			return
		}
	}
	e.touched = append(e.touched, id)
}

type storeState struct {
	localUser string
	window    time.Duration
	convs     map[string]*conversationState
	// orphanReceipts are receipts for conversations not known yet.
	orphanReceipts map[string]map[string]time.Time
	log            *zap.Logger
}

// Store is the single conversation store shared by every view. All
// mutations go through Apply.
type Store struct {
	mu    sync.RWMutex
	state storeState

	history   History
	joiner    Joiner
	cache     Cache
	limit     int
	log       *zap.Logger
	metrics   *Metrics
	listeners listenerSet[StoreChange]
	loads     singleflight.Group
}

type StoreOption func(*Store)

func WithJoiner(j Joiner) StoreOption {
	return func(s *Store) { s.joiner = j }
}

func WithCache(c Cache) StoreOption {
	return func(s *Store) { s.cache = c }
}

func WithStoreLogger(log *zap.Logger) StoreOption {
	return func(s *Store) { s.log = log.Named("store") }
}

func WithStoreMetrics(m *Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

func WithPageLimit(limit int) StoreOption {
	return func(s *Store) {
		if limit > 0 {
			s.limit = limit
		}
	}
}

func WithReconcileWindow(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.state.window = d
		}
	}
}

// NewStore creates an empty store for localUser.
func NewStore(localUser string, history History, opts ...StoreOption) *Store {
	s := &Store{
		state: storeState{
			localUser:      localUser,
			window:         DefaultReconcileWindow,
			convs:          make(map[string]*conversationState),
			orphanReceipts: make(map[string]map[string]time.Time),
		},
		history: history,
		limit:   DefaultPageLimit,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state.log = s.log
	return s
}

// LocalUser returns the user the store computes unread counts for.
func (s *Store) LocalUser() string { return s.state.localUser }

// Subscribe registers fn for store changes. fn runs after the store lock is
// released and may read from the store.
func (s *Store) Subscribe(fn func(StoreChange)) *Subscription {
	return s.listeners.subscribe("", fn)
}

// Apply runs one reducer step.
func (s *Store) Apply(ev StoreEvent) error {
	s.mu.Lock()
	eff, err := ev.apply(&s.state)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.after(eff)
	return nil
}

func (s *Store) after(eff effects) {
	if eff.result != "" {
		s.metrics.messageApplied(eff.result)
	}
	if len(eff.touched) == 0 && len(eff.join) == 0 {
		return
	}
	for _, id := range eff.join {
		if s.joiner == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
		if err := s.joiner.Join(ctx, id); err != nil {
			s.log.Warn("join_failed", zap.String("conversation_id", id), zap.Error(err))
		}
		cancel()
	}
	if len(eff.touched) == 0 {
		return
	}
	if s.cache != nil && !eff.noPersist {
		s.persist(eff.touched)
	}
	s.metrics.setUnread(s.TotalUnread())
	s.listeners.emit(StoreChange{ConversationIDs: eff.touched}, s.log)
}

func (s *Store) persist(ids []string) {
	s.mu.RLock()
	convs := make([]Conversation, 0, len(ids))
	for _, id := range ids {
		cs, ok := s.state.convs[id]
		if !ok {
			continue
		}
		conv := cs.conv
		conv.Messages = make([]Message, 0, len(cs.messages))
		for _, m := range cs.messages {
			if !m.Pending() {
				conv.Messages = append(conv.Messages, m)
			}
		}
		convs = append(convs, conv)
	}
	s.mu.RUnlock()

	for _, conv := range convs {
		if err := s.cache.SaveConversation(s.state.localUser, conv); err != nil {
			s.log.Warn("cache_save_failed", zap.String("conversation_id", conv.ID), zap.Error(err))
		}
	}
}

// ============================================================================
// Operations
// ============================================================================

// Hydrate fetches the conversation list and the first page of every
// conversation. Conversations whose page failed are kept with what the list
// embedded; the failures are returned together.
func (s *Store) Hydrate(ctx context.Context) error {
	convs, err := s.history.ListConversations(ctx)
	if err != nil {
		s.log.Warn("hydrate_failed", zap.Error(err))
		return fmt.Errorf("hydrate: %w", err)
	}
	if err := s.Apply(ConversationsHydrated{Conversations: convs}); err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		errs error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(hydrateConcurrency)
	for _, conv := range convs {
		id := conv.ID
		g.Go(func() error {
			page, err := s.history.ListMessages(gctx, id, 1, s.limit)
			if err == nil {
				err = s.Apply(MessagesPageLoaded{ConversationID: id, Page: 1, Result: page})
			}
			if err != nil {
				s.log.Warn("hydrate_page_failed", zap.String("conversation_id", id), zap.Error(err))
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("conversation %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if errs != nil {
		return fmt.Errorf("hydrate: %w", errs)
	}
	s.log.Debug("hydrated", zap.Int("conversations", len(convs)))
	return nil
}

// LoadMoreMessages fetches the next unfetched page of a conversation and
// reports whether further pages remain. Concurrent calls for the same
// conversation share one request.
func (s *Store) LoadMoreMessages(ctx context.Context, conversationID string) (bool, error) {
	ch := s.loads.DoChan(conversationID, func() (any, error) {
		// shared by every waiter, so no single caller's cancellation applies
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pageLoadTimeout)
		defer cancel()

		s.mu.RLock()
		cs, ok := s.state.convs[conversationID]
		var page int
		var more bool
		if ok {
			page, more = cs.nextPage, cs.hasMore
		}
		s.mu.RUnlock()
		if !ok {
			return false, fmt.Errorf("load messages %s: %w", conversationID, ErrUnknownConversation)
		}
		if !more {
			return false, nil
		}

		res, err := s.history.ListMessages(ctx, conversationID, page, s.limit)
		if err != nil {
			s.log.Warn("load_page_failed", zap.String("conversation_id", conversationID), zap.Int("page", page), zap.Error(err))
			return true, fmt.Errorf("load messages %s page %d: %w", conversationID, page, err)
		}
		if err := s.Apply(MessagesPageLoaded{ConversationID: conversationID, Page: page, Result: res}); err != nil {
			return true, err
		}
		return s.HasMore(conversationID), nil
	})
	select {
	case res := <-ch:
		more, _ := res.Val.(bool)
		return more, res.Err
	case <-ctx.Done():
		return s.HasMore(conversationID), ctx.Err()
	}
}

// ApplyIncoming merges a live message. It reports whether the store changed.
func (s *Store) ApplyIncoming(m Message) bool {
	s.mu.Lock()
	eff, err := MessageReceived{Message: m}.apply(&s.state)
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("event_dropped", zap.String("reason", "invalid_message"), zap.Error(err))
		s.metrics.eventDropped("invalid_message")
		return false
	}
	s.after(eff)
	return len(eff.touched) > 0
}

// ApplyOptimisticSend inserts draft as a pending message with a temporary id
// and returns the stored draft.
func (s *Store) ApplyOptimisticSend(draft Message) (Message, error) {
	draft.ID = draftIDPrefix + uuid.NewString()
	draft.ClientID = draft.ID
	draft.Status = StatusPending
	draft.Read = false
	if draft.SenderID == "" {
		draft.SenderID = s.state.localUser
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now().UTC()
	}
	if err := s.Apply(OptimisticSend{Draft: draft}); err != nil {
		return Message{}, err
	}
	return draft, nil
}

// MarkDraftFailed flags a draft whose send did not go out.
func (s *Store) MarkDraftFailed(conversationID, draftID string) error {
	return s.Apply(DraftStatusChanged{ConversationID: conversationID, DraftID: draftID, Status: StatusFailed})
}

// DiscardDraft removes a pending or failed draft.
func (s *Store) DiscardDraft(conversationID, draftID string) error {
	return s.Apply(DraftDiscarded{ConversationID: conversationID, DraftID: draftID})
}

// Draft returns a stored draft.
func (s *Store) Draft(conversationID, draftID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.state.convs[conversationID]
	if !ok {
		return Message{}, false
	}
	if i := cs.indexOf(draftID); i >= 0 && cs.messages[i].Pending() {
		return cs.messages[i], true
	}
	return Message{}, false
}

// MarkRead marks every message of the conversation addressed to userID as
// read and returns how many flipped.
func (s *Store) MarkRead(conversationID, userID string) int {
	s.mu.Lock()
	eff, _ := ConversationRead{ConversationID: conversationID, UserID: userID, At: time.Now().UTC()}.apply(&s.state)
	s.mu.Unlock()
	s.after(eff)
	return eff.flipped
}

// AddConversation inserts or refreshes a conversation and joins it.
func (s *Store) AddConversation(conv Conversation) error {
	return s.Apply(ConversationCreated{Conversation: conv})
}

// Restore loads the cached snapshot of the local user, if a cache is set.
func (s *Store) Restore() error {
	if s.cache == nil {
		return nil
	}
	convs, err := s.cache.LoadConversations(s.state.localUser)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if len(convs) == 0 {
		return nil
	}
	s.log.Debug("restored", zap.Int("conversations", len(convs)))
	return s.Apply(CacheRestored{Conversations: convs})
}

// ============================================================================
// Queries
// ============================================================================

// Conversations returns every conversation, most recently active first.
func (s *Store) Conversations() []ConversationSnapshot {
	s.mu.RLock()
	out := make([]ConversationSnapshot, 0, len(s.state.convs))
	latest := make(map[string]time.Time, len(s.state.convs))
	for id, cs := range s.state.convs {
		out = append(out, cs.snapshot())
		latest[id] = cs.latest()
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ti, tj := latest[out[i].ID], latest[out[j].ID]
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Conversation returns one conversation.
func (s *Store) Conversation(id string) (ConversationSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.state.convs[id]
	if !ok {
		return ConversationSnapshot{}, false
	}
	return cs.snapshot(), true
}

// FindConversation returns the conversation between a and b.
func (s *Store) FindConversation(a, b string) (ConversationSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cs := range s.state.convs {
		if cs.conv.HasParticipants(a, b) {
			return cs.snapshot(), true
		}
	}
	return ConversationSnapshot{}, false
}

// Messages returns a copy of a conversation's messages, oldest first.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.state.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]Message, len(cs.messages))
	copy(out, cs.messages)
	return out
}

// HasMore reports whether older pages of the conversation remain.
func (s *Store) HasMore(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.state.convs[conversationID]
	return ok && cs.hasMore
}

// UnreadCount returns the unread messages of one conversation.
func (s *Store) UnreadCount(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cs, ok := s.state.convs[conversationID]; ok {
		return cs.unread
	}
	return 0
}

// TotalUnread is the unread badge: the sum of every conversation's unread
// count. It is the only aggregation views should use.
func (s *Store) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, cs := range s.state.convs {
		total += cs.unread
	}
	return total
}
