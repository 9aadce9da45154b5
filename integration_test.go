//go:build integration

package cemear_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	cemear "github.com/cemear/cemear-go"
)

// helpers ---------------------------------------------------------------

func requireEnv(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("%s environment variable is required", key)
	}
	return v
}

func newClient(t *testing.T) *cemear.Client {
	t.Helper()
	opts := []cemear.ClientOption{cemear.WithClientLogger(zaptest.NewLogger(t))}
	if base := os.Getenv("CEMEAR_BASE_URL"); base != "" {
		opts = append(opts, cemear.WithBaseURL(base))
	}
	return cemear.NewClient(requireEnv(t, "CEMEAR_TOKEN"), opts...)
}

// =======================================================================
// REST
// =======================================================================

func TestIntegration_REST(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	users, err := client.ListUsers(ctx)
	require.NoError(t, err)
	t.Logf("directory: %d users", len(users))

	convs, err := client.ListConversations(ctx)
	require.NoError(t, err)
	t.Logf("conversations: %d", len(convs))
	if len(convs) == 0 {
		return
	}

	page, err := client.ListMessages(ctx, convs[0].ID, 1, 5)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(page.Messages), 5)
	assert.Equal(t, 1, page.CurrentPage)
}

// =======================================================================
// Realtime session
// =======================================================================

func TestIntegration_Messenger(t *testing.T) {
	userID := requireEnv(t, "CEMEAR_USER_ID")
	client := newClient(t)
	m := cemear.NewMessenger(client, cemear.WithLogger(zaptest.NewLogger(t)))
	defer m.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, m.Start(ctx, userID))
	assert.Equal(t, cemear.StateConnected, m.Connection().State())

	list, err := m.ConversationList()
	require.NoError(t, err)
	defer list.Unmount()
	for _, row := range list.Rows() {
		t.Logf("%s peer=%s unread=%d online=%v", row.ID, row.PeerID, row.UnreadCount, row.Online)
	}

	peerID := os.Getenv("CEMEAR_PEER_ID")
	if peerID == "" {
		return
	}
	conv, err := m.StartConversation(ctx, peerID)
	require.NoError(t, err)

	chat, err := m.Chat(ctx, conv.ID, cemear.WithAutoRead(false))
	require.NoError(t, err)
	defer chat.Unmount()

	draft, err := chat.Send(ctx, "integration "+time.Now().UTC().Format(time.RFC3339))
	require.NoError(t, err)

	store, err := m.Store()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, pending := store.Draft(conv.ID, draft.ID)
		return !pending
	}, 10*time.Second, 100*time.Millisecond, "server never echoed the message")
}
