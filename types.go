package cemear

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotConnected is returned by Emit when there is no live transport.
	ErrNotConnected = errors.New("cemear: not connected")
	// ErrNoSession is returned when an operation needs a user session.
	ErrNoSession           = errors.New("cemear: no session")
	ErrUnknownConversation = errors.New("cemear: unknown conversation")
	ErrDraftNotFound       = errors.New("cemear: draft not found")
	ErrMessengerStopped    = errors.New("cemear: messenger stopped")
)

// IsRetryable reports whether err is worth retrying. Transport level
// failures are, cancellations and 4xx responses are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}

// APIError is a non-2xx REST response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// Retryable reports whether repeating the same request may succeed.
func (e *APIError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests || e.Status == http.StatusRequestTimeout
}

// ============================================================================
// Domain Types
// ============================================================================

// User is an entry of the company user directory.
type User struct {
	ID       string `json:"id"`
	Username string `json:"usuario"`
	Avatar   string `json:"avatar,omitempty"`
}

// MessageStatus is the client-side delivery state of a message.
type MessageStatus string

const (
	StatusSent    MessageStatus = ""
	StatusPending MessageStatus = "pending"
	StatusFailed  MessageStatus = "failed"
)

// attachmentPrefix marks message content that refers to an uploaded file.
const attachmentPrefix = "Arquivo enviado: "

// Message is a direct message between two users.
type Message struct {
	ID             string        `json:"id"`
	ClientID       string        `json:"clientId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	ReceiverID     string        `json:"receiverId"`
	Content        string        `json:"content"`
	FileURL        string        `json:"fileUrl,omitempty"`
	Filename       string        `json:"filename,omitempty"`
	MimeType       string        `json:"mimetype,omitempty"`
	Read           bool          `json:"read"`
	CreatedAt      time.Time     `json:"createdAt"`
	Sender         *User         `json:"sender,omitempty"`
	Receiver       *User         `json:"receiver,omitempty"`
	Status         MessageStatus `json:"status,omitempty"`
}

// Pending reports whether the message is a local draft awaiting the server echo.
func (m *Message) Pending() bool {
	return m.Status == StatusPending || m.Status == StatusFailed
}

// Attachment returns the file name and download URL of an attachment
// message. ok is false for plain text messages.
func (m *Message) Attachment(baseURL string) (name, url string, ok bool) {
	if !strings.HasPrefix(m.Content, attachmentPrefix) {
		return "", "", false
	}
	name = m.Filename
	if name == "" {
		name = strings.TrimPrefix(m.Content, attachmentPrefix)
	}
	url = m.FileURL
	if url == "" {
		url = strings.TrimRight(baseURL, "/") + "/files/" + m.ID
	}
	return name, url, true
}

// before is the total order of messages inside a conversation.
func (m *Message) before(o *Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// Conversation is a two-party thread as returned by GET /conversations.
type Conversation struct {
	ID        string    `json:"id"`
	User1ID   string    `json:"user1Id"`
	User2ID   string    `json:"user2Id"`
	User1     *User     `json:"user1,omitempty"`
	User2     *User     `json:"user2,omitempty"`
	Messages  []Message `json:"messages,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Peer returns the participant that is not userID.
func (c *Conversation) Peer(userID string) (string, *User) {
	if c.User1ID == userID {
		return c.User2ID, c.User2
	}
	return c.User1ID, c.User1
}

// HasParticipants reports whether the conversation is between a and b.
func (c *Conversation) HasParticipants(a, b string) bool {
	return (c.User1ID == a && c.User2ID == b) || (c.User1ID == b && c.User2ID == a)
}

// MessagesPage is the response of GET /conversations/{id}/messages.
type MessagesPage struct {
	Messages    []Message `json:"messages"`
	Total       int       `json:"total"`
	CurrentPage int       `json:"currentPage"`
	HasMore     bool      `json:"hasMore"`
}

// ============================================================================
// Realtime Events
// ============================================================================

// Event names exchanged over the realtime connection.
const (
	EventJoinConversation = "joinConversation"
	EventSendMessage      = "sendMessage"
	EventMessagesRead     = "messagesRead"
	EventUserConnected    = "userConnected"
	EventNewMessage       = "newMessage"
	EventUserOnlineStatus = "userOnlineStatus"
)

// Envelope is the wire format of every realtime frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is an envelope delivered to subscribers.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s: empty payload", e.Name)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("event %s: %w", e.Name, err)
	}
	return nil
}

// SendMessagePayload is the client-to-server sendMessage body.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	ReceiverID     string `json:"receiverId"`
	Content        string `json:"content"`
	ClientID       string `json:"clientId,omitempty"`
}

// MessagesReadPayload is exchanged in both directions.
type MessagesReadPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}
