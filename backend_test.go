package cemear

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testToken = "test-token"

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func msg(id, conv, from, to string, sec int) Message {
	return Message{ID: id, ConversationID: conv, SenderID: from, ReceiverID: to, Content: "msg " + id, CreatedAt: at(sec)}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// fakeBackend serves the REST API and the realtime socket in process.
type fakeBackend struct {
	t   testing.TB
	srv *httptest.Server

	mu          sync.Mutex
	convs       []Conversation
	messages    map[string][]Message // newest first, as the server pages them
	users       []User
	readCalls   []string
	readStatus  int
	readDelay   time.Duration
	pageStatus  int
	pageCalls   []string
	authHeaders []string

	rejectWS   bool
	wsRequests int
	wsUsers    []string
	conns      []*websocket.Conn
	events     []Envelope
}

func newFakeBackend(t testing.TB) *fakeBackend {
	b := &fakeBackend{t: t, messages: make(map[string][]Message)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /conversations", b.handleConversations)
	mux.HandleFunc("POST /conversations", b.handleCreateConversation)
	mux.HandleFunc("GET /conversations/{id}/messages", b.handleMessages)
	mux.HandleFunc("POST /conversations/{id}/messages/read", b.handleRead)
	mux.HandleFunc("GET /auth/users", b.handleUsers)
	mux.HandleFunc("/ws", b.handleSocket)
	b.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		b.dropConnections()
		b.srv.Close()
	})
	return b
}

func (b *fakeBackend) URL() string { return b.srv.URL }

func (b *fakeBackend) client() *Client {
	return NewClient(testToken, WithBaseURL(b.URL()))
}

func (b *fakeBackend) realtimeConfig() RealtimeConfig {
	return RealtimeConfig{
		BaseURL:              b.URL(),
		Token:                testToken,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       10 * time.Millisecond,
		HeartbeatInterval:    -1,
		DialTimeout:          2 * time.Second,
	}
}

func (b *fakeBackend) addConversation(conv Conversation, history ...Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.convs = append(b.convs, conv)
	sorted := append([]Message(nil), history...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[j].before(&sorted[i]) })
	b.messages[conv.ID] = sorted
}

func (b *fakeBackend) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (b *fakeBackend) recordAuth(r *http.Request) {
	b.mu.Lock()
	b.authHeaders = append(b.authHeaders, r.Header.Get("Authorization"))
	b.mu.Unlock()
}

func (b *fakeBackend) handleConversations(w http.ResponseWriter, r *http.Request) {
	b.recordAuth(r)
	b.mu.Lock()
	out := make([]Conversation, len(b.convs))
	for i, c := range b.convs {
		c.Messages = nil
		if msgs := b.messages[c.ID]; len(msgs) > 0 {
			c.Messages = []Message{msgs[0]}
		}
		out[i] = c
	}
	b.mu.Unlock()
	b.writeJSON(w, http.StatusOK, out)
}

func (b *fakeBackend) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	b.recordAuth(r)
	var body struct {
		User2ID string `json:"user2Id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.User2ID == "" {
		b.writeJSON(w, http.StatusBadRequest, map[string]string{"message": "user2Id is required"})
		return
	}
	b.mu.Lock()
	conv := Conversation{
		ID:        fmt.Sprintf("c-new-%d", len(b.convs)+1),
		User1ID:   r.URL.Query().Get("as"),
		User2ID:   body.User2ID,
		CreatedAt: t0,
	}
	if conv.User1ID == "" {
		conv.User1ID = "u1"
	}
	b.convs = append(b.convs, conv)
	b.mu.Unlock()
	b.writeJSON(w, http.StatusCreated, conv)
}

func (b *fakeBackend) handleMessages(w http.ResponseWriter, r *http.Request) {
	b.recordAuth(r)
	id := r.PathValue("id")
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 || limit < 1 {
		b.writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad page"})
		return
	}

	b.mu.Lock()
	b.pageCalls = append(b.pageCalls, fmt.Sprintf("%s:%d", id, page))
	status := b.pageStatus
	all := b.messages[id]
	b.mu.Unlock()
	if status != 0 {
		b.writeJSON(w, status, map[string]string{"error": "unavailable", "message": "try later"})
		return
	}

	start := (page - 1) * limit
	end := start + limit
	if start > len(all) {
		start = len(all)
	}
	if end > len(all) {
		end = len(all)
	}
	b.writeJSON(w, http.StatusOK, MessagesPage{
		Messages:    all[start:end],
		Total:       len(all),
		CurrentPage: page,
		HasMore:     end < len(all),
	})
}

func (b *fakeBackend) handleRead(w http.ResponseWriter, r *http.Request) {
	b.recordAuth(r)
	b.mu.Lock()
	b.readCalls = append(b.readCalls, r.PathValue("id"))
	status, delay := b.readStatus, b.readDelay
	b.mu.Unlock()
	time.Sleep(delay)
	if status != 0 {
		b.writeJSON(w, status, map[string]string{"message": "read failed"})
		return
	}
	b.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (b *fakeBackend) handleUsers(w http.ResponseWriter, r *http.Request) {
	b.recordAuth(r)
	b.mu.Lock()
	users := append([]User(nil), b.users...)
	b.mu.Unlock()
	b.writeJSON(w, http.StatusOK, users)
}

func (b *fakeBackend) handleSocket(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.wsRequests++
	reject := b.rejectWS
	b.mu.Unlock()
	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.wsUsers = append(b.wsUsers, r.URL.Query().Get("userId"))
	b.mu.Unlock()

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		var env Envelope
		if json.Unmarshal(data, &env) == nil {
			b.mu.Lock()
			b.events = append(b.events, env)
			b.mu.Unlock()
		}
	}
}

// push sends an event to every open socket.
func (b *fakeBackend) push(event string, payload any) {
	raw, err := json.Marshal(payload)
	require.NoError(b.t, err)
	data, err := json.Marshal(Envelope{Type: event, Payload: raw})
	require.NoError(b.t, err)
	b.pushRaw(data)
}

func (b *fakeBackend) pushRaw(data []byte) {
	b.mu.Lock()
	conns := append([]*websocket.Conn(nil), b.conns...)
	b.mu.Unlock()
	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = c.Write(ctx, websocket.MessageText, data)
		cancel()
	}
}

// dropConnections closes every server side socket.
func (b *fakeBackend) dropConnections() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "server restart")
	}
}

func (b *fakeBackend) setRejectWS(v bool) {
	b.mu.Lock()
	b.rejectWS = v
	b.mu.Unlock()
}

// eventsOf returns the decoded payloads the client sent for event.
func (b *fakeBackend) eventsOf(event string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, e := range b.events {
		if e.Type == event {
			out = append(out, string(e.Payload))
		}
	}
	return out
}

func (b *fakeBackend) clearEvents() {
	b.mu.Lock()
	b.events = nil
	b.mu.Unlock()
}

func (b *fakeBackend) socketUsers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.wsUsers...)
}

// waitSockets blocks until the server accepted n sockets in total.
func (b *fakeBackend) waitSockets(t testing.TB, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(b.socketUsers()) >= n }, waitFor, tick)
}

func (b *fakeBackend) socketRequests() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wsRequests
}

func (b *fakeBackend) reads() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.readCalls...)
}

func quoted(s string) string { return strconv.Quote(s) }

// ============================================================================
// In-memory collaborators
// ============================================================================

// fakeHistory pages messages newest first like the server.
type fakeHistory struct {
	mu       sync.Mutex
	convs    []Conversation
	messages map[string][]Message
	listErr  error
	pageErr  map[string]error
	calls    []string
	gate     chan struct{}
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{messages: make(map[string][]Message), pageErr: make(map[string]error)}
}

func (h *fakeHistory) add(conv Conversation, history ...Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.convs = append(h.convs, conv)
	sorted := append([]Message(nil), history...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[j].before(&sorted[i]) })
	h.messages[conv.ID] = sorted
}

func (h *fakeHistory) ListConversations(ctx context.Context) ([]Conversation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listErr != nil {
		return nil, h.listErr
	}
	return append([]Conversation(nil), h.convs...), nil
}

func (h *fakeHistory) ListMessages(ctx context.Context, id string, page, limit int) (*MessagesPage, error) {
	h.mu.Lock()
	h.calls = append(h.calls, fmt.Sprintf("%s:%d", id, page))
	gate := h.gate
	err := h.pageErr[id]
	all := h.messages[id]
	h.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	start, end := (page-1)*limit, page*limit
	if start > len(all) {
		start = len(all)
	}
	if end > len(all) {
		end = len(all)
	}
	return &MessagesPage{
		Messages:    append([]Message(nil), all[start:end]...),
		Total:       len(all),
		CurrentPage: page,
		HasMore:     end < len(all),
	}, nil
}

func (h *fakeHistory) callLog() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

type fakeJoiner struct {
	mu     sync.Mutex
	joined []string
}

func (j *fakeJoiner) Join(ctx context.Context, id string) error {
	j.mu.Lock()
	j.joined = append(j.joined, id)
	j.mu.Unlock()
	return nil
}

func (j *fakeJoiner) ids() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.joined...)
}

type fakeEmitter struct {
	mu     sync.Mutex
	err    error
	events []Envelope
}

func (e *fakeEmitter) Emit(ctx context.Context, event string, payload any) error {
	if e.err != nil {
		return e.err
	}
	raw, _ := json.Marshal(payload)
	e.mu.Lock()
	e.events = append(e.events, Envelope{Type: event, Payload: raw})
	e.mu.Unlock()
	return nil
}

func (e *fakeEmitter) sent() []Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Envelope(nil), e.events...)
}

type fakeMarker struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (f *fakeMarker) MarkConversationRead(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	return f.err
}
