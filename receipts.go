package cemear

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Emitter sends realtime events. *ConnectionManager implements it.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// ReadMarker persists read state. *Client implements it.
type ReadMarker interface {
	MarkConversationRead(ctx context.Context, conversationID string) error
}

// ReadReceiptCoordinator marks conversations read and applies receipts
// coming from the connection.
type ReadReceiptCoordinator struct {
	store   *Store
	api     ReadMarker
	emitter Emitter
	log     *zap.Logger
	now     func() time.Time
}

// NewReadReceiptCoordinator creates a coordinator over store.
func NewReadReceiptCoordinator(store *Store, api ReadMarker, emitter Emitter, log *zap.Logger) *ReadReceiptCoordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &ReadReceiptCoordinator{
		store:   store,
		api:     api,
		emitter: emitter,
		log:     log.Named("receipts"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// MarkConversationRead flips every message addressed to userID locally, then
// persists it. Other sessions are told with messagesRead only once the
// server accepted it. The local state is kept when the request fails.
func (r *ReadReceiptCoordinator) MarkConversationRead(ctx context.Context, conversationID, userID string) error {
	flipped := r.store.MarkRead(conversationID, userID)
	r.log.Debug("marked_read_locally",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", userID),
		zap.Int("messages", flipped))

	if err := r.api.MarkConversationRead(ctx, conversationID); err != nil {
		r.log.Warn("mark_read_failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return fmt.Errorf("mark %s read: %w", conversationID, err)
	}

	payload := MessagesReadPayload{ConversationID: conversationID, UserID: userID}
	if err := r.emitter.Emit(ctx, EventMessagesRead, payload); err != nil {
		r.log.Warn("receipt_emit_failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return nil
}

// HandleEvent applies a messagesRead event: every message of the
// conversation addressed to the reader becomes read. That covers both the
// local user reading elsewhere and the peer reading what we sent.
func (r *ReadReceiptCoordinator) HandleEvent(ev Event) {
	var p MessagesReadPayload
	if err := ev.Decode(&p); err != nil || p.ConversationID == "" || p.UserID == "" {
		r.log.Warn("event_dropped", zap.String("event", ev.Name), zap.String("reason", "malformed"), zap.Error(err))
		return
	}
	err := r.store.Apply(ConversationRead{ConversationID: p.ConversationID, UserID: p.UserID, At: r.now()})
	if err != nil {
		r.log.Warn("receipt_apply_failed", zap.String("conversation_id", p.ConversationID), zap.Error(err))
	}
}
