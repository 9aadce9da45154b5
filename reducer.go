package cemear

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// StoreEvent is one mutation of the store. Every write path, REST or live,
// is expressed as a StoreEvent and applied under the store lock.
type StoreEvent interface {
	apply(st *storeState) (effects, error)
}

// Apply results reported to metrics.
const (
	resultInserted   = "inserted"
	resultDuplicate  = "duplicate"
	resultReconciled = "reconciled"
	resultMerged     = "merged"
)

// ensure returns the state of conv, creating it when unknown.
func (st *storeState) ensure(conv Conversation) (*conversationState, bool) {
	if cs, ok := st.convs[conv.ID]; ok {
		cs.upsert(conv)
		return cs, false
	}
	cs := newConversationState(conv)
	if r, ok := st.orphanReceipts[conv.ID]; ok {
		cs.receipts = r
		delete(st.orphanReceipts, conv.ID)
	}
	st.convs[conv.ID] = cs
	return cs, true
}

// mergeREST merges a message that came from server history. Read flags only
// ever move from unread to read.
func (st *storeState) mergeREST(cs *conversationState, m Message) bool {
	if m.ID == "" {
		return false
	}
	if m.ConversationID == "" {
		m.ConversationID = cs.conv.ID
	}
	if cs.has(m.ID) {
		i := cs.indexOf(m.ID)
		if m.Read && !cs.messages[i].Read {
			cs.messages[i].Read = true
			return true
		}
		return false
	}
	if m.SenderID == st.localUser {
		if i := cs.findDraft(&m, st.window); i >= 0 {
			cs.removeAt(i)
		}
	}
	if w, ok := cs.receipts[m.ReceiverID]; ok && !m.Read && !m.CreatedAt.After(w) {
		m.Read = true
	}
	m.Status = StatusSent
	cs.insert(m)
	return true
}

// ConversationsHydrated merges the conversation list with its embedded
// recent messages.
type ConversationsHydrated struct {
	Conversations []Conversation
}

func (e ConversationsHydrated) apply(st *storeState) (effects, error) {
	return st.mergeConversations(e.Conversations, false), nil
}

// CacheRestored merges a persisted snapshot.
type CacheRestored struct {
	Conversations []Conversation
}

func (e CacheRestored) apply(st *storeState) (effects, error) {
	eff := st.mergeConversations(e.Conversations, true)
	eff.noPersist = true
	return eff, nil
}

func (st *storeState) mergeConversations(convs []Conversation, restoring bool) effects {
	var eff effects
	for _, conv := range convs {
		if conv.ID == "" {
			continue
		}
		cs, created := st.ensure(conv)
		for _, m := range conv.Messages {
			if restoring && m.Pending() {
				continue
			}
			st.mergeREST(cs, m)
		}
		cs.recount(st.localUser)
		eff.touch(conv.ID)
		if created {
			eff.join = append(eff.join, conv.ID)
		}
	}
	eff.result = resultMerged
	return eff
}

// MessagesPageLoaded merges one page of a conversation's history.
type MessagesPageLoaded struct {
	ConversationID string
	Page           int
	Result         *MessagesPage
}

func (e MessagesPageLoaded) apply(st *storeState) (effects, error) {
	var eff effects
	cs, ok := st.convs[e.ConversationID]
	if !ok {
		return eff, fmt.Errorf("page %d of %s: %w", e.Page, e.ConversationID, ErrUnknownConversation)
	}
	if e.Result == nil {
		return eff, nil
	}
	for _, m := range e.Result.Messages {
		st.mergeREST(cs, m)
	}
	if e.Page >= cs.nextPage {
		cs.nextPage = e.Page + 1
		cs.hasMore = e.Result.HasMore
	}
	if !cs.hasMore {
		cs.receipts = nil
	}
	cs.recount(st.localUser)
	eff.touch(cs.conv.ID)
	eff.result = resultMerged
	return eff, nil
}

// MessageReceived merges a live message. A message whose id is already
// stored is a no-op apart from dropping the draft it confirms.
type MessageReceived struct {
	Message Message
}

func (e MessageReceived) apply(st *storeState) (effects, error) {
	var eff effects
	m := e.Message
	if m.ID == "" || m.ConversationID == "" {
		return eff, fmt.Errorf("message without id or conversation")
	}

	cs, ok := st.convs[m.ConversationID]
	if !ok {
		cs, _ = st.ensure(Conversation{
			ID:        m.ConversationID,
			User1ID:   m.SenderID,
			User2ID:   m.ReceiverID,
			User1:     m.Sender,
			User2:     m.Receiver,
			CreatedAt: m.CreatedAt,
		})
		eff.join = append(eff.join, m.ConversationID)
		st.log.Info("conversation_synthesized", zap.String("conversation_id", m.ConversationID))
	}

	if cs.has(m.ID) {
		eff.result = resultDuplicate
		if m.ClientID != "" && m.SenderID == st.localUser {
			if i := cs.draftByClientID(m.ClientID); i >= 0 {
				cs.removeAt(i)
				eff.touch(cs.conv.ID)
				eff.result = resultReconciled
			}
		}
		if len(eff.join) > 0 {
			eff.touch(cs.conv.ID)
		}
		return eff, nil
	}

	eff.result = resultInserted
	if m.SenderID == st.localUser {
		if i := cs.findDraft(&m, st.window); i >= 0 {
			cs.removeAt(i)
			eff.result = resultReconciled
		}
	}
	m.Status = StatusSent
	cs.insert(m)
	if m.ReceiverID == st.localUser && !m.Read {
		cs.unread++
	}
	eff.touch(cs.conv.ID)
	return eff, nil
}

// OptimisticSend inserts a local draft.
type OptimisticSend struct {
	Draft Message
}

func (e OptimisticSend) apply(st *storeState) (effects, error) {
	var eff effects
	cs, ok := st.convs[e.Draft.ConversationID]
	if !ok {
		return eff, fmt.Errorf("send to %s: %w", e.Draft.ConversationID, ErrUnknownConversation)
	}
	cs.insert(e.Draft)
	eff.touch(cs.conv.ID)
	eff.noPersist = true
	return eff, nil
}

// DraftStatusChanged moves a draft between pending and failed.
type DraftStatusChanged struct {
	ConversationID string
	DraftID        string
	Status         MessageStatus
}

func (e DraftStatusChanged) apply(st *storeState) (effects, error) {
	var eff effects
	cs, i, err := st.draft(e.ConversationID, e.DraftID)
	if err != nil {
		return eff, err
	}
	cs.messages[i].Status = e.Status
	eff.touch(cs.conv.ID)
	eff.noPersist = true
	return eff, nil
}

// DraftDiscarded removes a draft.
type DraftDiscarded struct {
	ConversationID string
	DraftID        string
}

func (e DraftDiscarded) apply(st *storeState) (effects, error) {
	var eff effects
	cs, i, err := st.draft(e.ConversationID, e.DraftID)
	if err != nil {
		return eff, err
	}
	cs.removeAt(i)
	eff.touch(cs.conv.ID)
	eff.noPersist = true
	return eff, nil
}

func (st *storeState) draft(conversationID, draftID string) (*conversationState, int, error) {
	cs, ok := st.convs[conversationID]
	if !ok {
		return nil, -1, fmt.Errorf("draft %s: %w", draftID, ErrUnknownConversation)
	}
	i := cs.indexOf(draftID)
	if i < 0 || !cs.messages[i].Pending() {
		return nil, -1, fmt.Errorf("draft %s: %w", draftID, ErrDraftNotFound)
	}
	return cs, i, nil
}

// ConversationRead marks every message addressed to UserID as read. When
// older pages may still arrive the receipt is kept as a watermark and
// applied to them; for an unknown conversation it waits for hydration.
type ConversationRead struct {
	ConversationID string
	UserID         string
	At             time.Time
}

func (e ConversationRead) apply(st *storeState) (effects, error) {
	var eff effects
	cs, ok := st.convs[e.ConversationID]
	if !ok {
		r := st.orphanReceipts[e.ConversationID]
		if r == nil {
			r = make(map[string]time.Time)
			st.orphanReceipts[e.ConversationID] = r
		}
		if e.At.After(r[e.UserID]) {
			r[e.UserID] = e.At
		}
		st.log.Debug("receipt_deferred", zap.String("conversation_id", e.ConversationID), zap.String("user_id", e.UserID))
		return eff, nil
	}

	eff.flipped = cs.markRead(e.UserID)
	if cs.hasMore {
		w := e.At
		if l := cs.latest(); l.After(w) {
			w = l
		}
		if cs.receipts == nil {
			cs.receipts = make(map[string]time.Time)
		}
		if w.After(cs.receipts[e.UserID]) {
			cs.receipts[e.UserID] = w
		}
	}
	if eff.flipped > 0 {
		cs.recount(st.localUser)
		eff.touch(cs.conv.ID)
	}
	return eff, nil
}

// ConversationCreated inserts or refreshes a conversation and joins it.
type ConversationCreated struct {
	Conversation Conversation
}

func (e ConversationCreated) apply(st *storeState) (effects, error) {
	var eff effects
	if e.Conversation.ID == "" {
		return eff, fmt.Errorf("conversation without id")
	}
	cs, _ := st.ensure(e.Conversation)
	for _, m := range e.Conversation.Messages {
		st.mergeREST(cs, m)
	}
	cs.recount(st.localUser)
	eff.touch(cs.conv.ID)
	eff.join = append(eff.join, cs.conv.ID)
	return eff, nil
}
