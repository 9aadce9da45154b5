package cemear

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func newTestManager(t *testing.T, cfg RealtimeConfig, opts ...ConnectionOption) *ConnectionManager {
	t.Helper()
	opts = append([]ConnectionOption{WithConnectionLogger(zaptest.NewLogger(t))}, opts...)
	m := NewConnectionManager(cfg, opts...)
	t.Cleanup(m.Disconnect)
	return m
}

// ============================================================================
// EventBus
// ============================================================================

func TestEventBus(t *testing.T) {
	t.Run("same key registers once", func(t *testing.T) {
		bus := newEventBus(zaptest.NewLogger(t))
		var calls int
		fn := func(Event) { calls++ }
		bus.SubscribeKey(EventNewMessage, "chat", fn)
		bus.SubscribeKey(EventNewMessage, "chat", fn)

		bus.dispatch(Event{Name: EventNewMessage})
		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, bus.Listeners(EventNewMessage))
	})

	t.Run("handle close removes the listener", func(t *testing.T) {
		bus := newEventBus(zaptest.NewLogger(t))
		var calls int
		sub := bus.Subscribe(EventNewMessage, func(Event) { calls++ })
		sub.Close()
		sub.Close()
		bus.dispatch(Event{Name: EventNewMessage})
		assert.Equal(t, 0, calls)
	})

	t.Run("stale handle does not remove a newer registration", func(t *testing.T) {
		bus := newEventBus(zaptest.NewLogger(t))
		var calls int
		old := bus.SubscribeKey(EventNewMessage, "chat", func(Event) {})
		bus.Unsubscribe(EventNewMessage, "chat")
		bus.SubscribeKey(EventNewMessage, "chat", func(Event) { calls++ })
		old.Close()

		bus.dispatch(Event{Name: EventNewMessage})
		assert.Equal(t, 1, calls)
	})

	t.Run("unsubscribe without key removes every listener", func(t *testing.T) {
		bus := newEventBus(zaptest.NewLogger(t))
		var calls int
		bus.Subscribe(EventNewMessage, func(Event) { calls++ })
		bus.Subscribe(EventNewMessage, func(Event) { calls++ })
		bus.Subscribe(EventMessagesRead, func(Event) { calls++ })
		bus.Unsubscribe(EventNewMessage, "")

		bus.dispatch(Event{Name: EventNewMessage})
		bus.dispatch(Event{Name: EventMessagesRead})
		assert.Equal(t, 1, calls)
	})

	t.Run("panicking listener does not stop delivery", func(t *testing.T) {
		bus := newEventBus(zaptest.NewLogger(t))
		var calls int
		bus.Subscribe(EventNewMessage, func(Event) { panic("boom") })
		bus.Subscribe(EventNewMessage, func(Event) { calls++ })
		bus.dispatch(Event{Name: EventNewMessage})
		assert.Equal(t, 1, calls)
	})
}

// ============================================================================
// ConnectionManager
// ============================================================================

func TestConnectionManager_Emit(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		metrics := NewMetrics(prometheus.NewRegistry())
		m := newTestManager(t, RealtimeConfig{BaseURL: "http://127.0.0.1:1"}, WithConnectionMetrics(metrics))
		err := m.Emit(context.Background(), EventSendMessage, SendMessagePayload{Content: "oi"})
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.emitFailures.WithLabelValues(EventSendMessage)))
	})

	t.Run("connected", func(t *testing.T) {
		b := newFakeBackend(t)
		m := newTestManager(t, b.realtimeConfig())
		require.NoError(t, m.Connect(context.Background(), me))
		require.NoError(t, m.Emit(context.Background(), EventMessagesRead, MessagesReadPayload{ConversationID: "c1", UserID: me}))

		require.Eventually(t, func() bool { return len(b.eventsOf(EventMessagesRead)) == 1 }, waitFor, tick)
		var p MessagesReadPayload
		require.NoError(t, json.Unmarshal([]byte(b.eventsOf(EventMessagesRead)[0]), &p))
		assert.Equal(t, MessagesReadPayload{ConversationID: "c1", UserID: me}, p)
	})
}

func TestConnectionManager_Connect(t *testing.T) {
	t.Run("announces the user and delivers events", func(t *testing.T) {
		b := newFakeBackend(t)
		m := newTestManager(t, b.realtimeConfig())

		got := make(chan Message, 1)
		m.Subscribe(EventNewMessage, func(ev Event) {
			var msg Message
			assert.NoError(t, ev.Decode(&msg))
			got <- msg
		})

		require.NoError(t, m.Connect(context.Background(), me))
		assert.Equal(t, StateConnected, m.State())
		assert.Equal(t, me, m.UserID())
		b.waitSockets(t, 1)
		assert.Equal(t, []string{me}, b.socketUsers())
		require.Eventually(t, func() bool { return len(b.eventsOf(EventUserConnected)) == 1 }, waitFor, tick)
		assert.Equal(t, quoted(me), b.eventsOf(EventUserConnected)[0])

		b.push(EventNewMessage, msg("m1", "c1", peer, me, 1))
		select {
		case m1 := <-got:
			assert.Equal(t, "m1", m1.ID)
		case <-time.After(waitFor):
			t.Fatal("newMessage not delivered")
		}
	})

	t.Run("same user again only re-announces", func(t *testing.T) {
		b := newFakeBackend(t)
		m := newTestManager(t, b.realtimeConfig())
		require.NoError(t, m.Connect(context.Background(), me))
		require.NoError(t, m.Connect(context.Background(), me))

		require.Eventually(t, func() bool { return len(b.eventsOf(EventUserConnected)) == 2 }, waitFor, tick)
		assert.Equal(t, 1, b.socketRequests())
	})

	t.Run("concurrent callers share one channel", func(t *testing.T) {
		b := newFakeBackend(t)
		m := newTestManager(t, b.realtimeConfig())

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, m.Connect(context.Background(), me))
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, b.socketRequests())
		assert.Equal(t, StateConnected, m.State())
	})

	t.Run("user switch starts a fresh session", func(t *testing.T) {
		b := newFakeBackend(t)
		m := newTestManager(t, b.realtimeConfig())
		var calls atomic.Int32
		m.Subscribe(EventUserOnlineStatus, func(Event) { calls.Add(1) })

		require.NoError(t, m.Connect(context.Background(), me))
		require.NoError(t, m.Join(context.Background(), "c1"))
		require.NoError(t, m.Connect(context.Background(), peer))

		assert.Equal(t, peer, m.UserID())
		assert.Empty(t, m.Joined())
		b.waitSockets(t, 2)
		assert.Equal(t, []string{me, peer}, b.socketUsers())

		b.push(EventUserOnlineStatus, []string{peer})
		require.Eventually(t, func() bool { return calls.Load() >= 1 }, waitFor, tick)
	})

	t.Run("malformed frames are dropped", func(t *testing.T) {
		b := newFakeBackend(t)
		metrics := NewMetrics(prometheus.NewRegistry())
		m := newTestManager(t, b.realtimeConfig(), WithConnectionMetrics(metrics))
		var calls atomic.Int32
		m.Subscribe(EventUserOnlineStatus, func(Event) { calls.Add(1) })
		require.NoError(t, m.Connect(context.Background(), me))
		b.waitSockets(t, 1)

		b.pushRaw([]byte("not json"))
		b.push(EventUserOnlineStatus, []string{me})
		require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.eventsDropped.WithLabelValues("malformed")))
		assert.Equal(t, StateConnected, m.State())
	})
}

func TestConnectionManager_Join(t *testing.T) {
	t.Run("recorded while disconnected and sent on connect", func(t *testing.T) {
		b := newFakeBackend(t)
		cfg := b.realtimeConfig()
		cfg.MaxReconnectAttempts = 200
		m := newTestManager(t, cfg)
		assert.ErrorIs(t, m.Join(context.Background(), "c1"), ErrNoSession)

		b.setRejectWS(true)
		require.Error(t, m.Connect(context.Background(), me))
		require.NoError(t, m.Join(context.Background(), "c1"))
		assert.Equal(t, []string{"c1"}, m.Joined())

		b.setRejectWS(false)
		require.Eventually(t, func() bool { return m.State() == StateConnected }, waitFor, tick)
		require.Eventually(t, func() bool { return len(b.eventsOf(EventJoinConversation)) == 1 }, waitFor, tick)
		assert.Equal(t, quoted("c1"), b.eventsOf(EventJoinConversation)[0])
	})
}

func TestConnectionManager_Reconnect(t *testing.T) {
	t.Run("replays joined conversations", func(t *testing.T) {
		b := newFakeBackend(t)
		m := newTestManager(t, b.realtimeConfig())
		var states []ConnectionState
		var mu sync.Mutex
		m.OnStateChange(func(s ConnectionState) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		})

		require.NoError(t, m.Connect(context.Background(), me))
		require.NoError(t, m.Join(context.Background(), "A"))
		require.NoError(t, m.Join(context.Background(), "B"))
		require.Eventually(t, func() bool { return len(b.eventsOf(EventJoinConversation)) == 2 }, waitFor, tick)

		b.clearEvents()
		b.dropConnections()

		require.Eventually(t, func() bool {
			return len(b.socketUsers()) == 2 && m.State() == StateConnected && len(b.eventsOf(EventJoinConversation)) == 2
		}, waitFor, tick)
		assert.ElementsMatch(t, []string{quoted("A"), quoted("B")}, b.eventsOf(EventJoinConversation))
		assert.Len(t, b.eventsOf(EventUserConnected), 1)
		assert.Equal(t, []string{"A", "B"}, m.Joined())

		mu.Lock()
		defer mu.Unlock()
		assert.Contains(t, states, StateReconnecting)
		assert.Equal(t, StateConnected, states[len(states)-1])
	})

	t.Run("gives up after the attempt budget", func(t *testing.T) {
		b := newFakeBackend(t)
		metrics := NewMetrics(prometheus.NewRegistry())
		m := newTestManager(t, b.realtimeConfig(), WithConnectionMetrics(metrics))
		require.NoError(t, m.Connect(context.Background(), me))

		b.setRejectWS(true)
		b.dropConnections()

		require.Eventually(t, func() bool { return m.State() == StateDisconnected }, waitFor, tick)
		assert.Equal(t, 3.0, testutil.ToFloat64(metrics.reconnectAttempts))
		assert.Equal(t, 4, b.socketRequests())
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.connectionState.WithLabelValues(string(StateDisconnected))))

		b.setRejectWS(false)
		require.NoError(t, m.Connect(context.Background(), me))
		assert.Equal(t, StateConnected, m.State())
	})

	t.Run("disabled reconnect stays disconnected", func(t *testing.T) {
		b := newFakeBackend(t)
		cfg := b.realtimeConfig()
		cfg.DisableReconnect = true
		m := newTestManager(t, cfg)
		require.NoError(t, m.Connect(context.Background(), me))

		b.dropConnections()
		require.Eventually(t, func() bool { return m.State() == StateDisconnected }, waitFor, tick)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, b.socketRequests())
	})
}

func TestConnectionManager_Disconnect(t *testing.T) {
	b := newFakeBackend(t)
	m := newTestManager(t, b.realtimeConfig())
	m.Subscribe(EventNewMessage, func(Event) {})
	require.NoError(t, m.Connect(context.Background(), me))
	require.NoError(t, m.Join(context.Background(), "c1"))

	m.Disconnect()
	m.Disconnect()

	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 0, m.Listeners(EventNewMessage))
	assert.Empty(t, m.Joined())
	assert.Empty(t, m.UserID())
	assert.ErrorIs(t, m.Emit(context.Background(), EventSendMessage, nil), ErrNotConnected)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, b.socketRequests(), "no reconnect after an explicit disconnect")
}

func TestRealtimeConfig(t *testing.T) {
	cfg := RealtimeConfig{BaseURL: "https://chat.example.com/"}
	cfg.defaults()
	assert.Equal(t, "wss://chat.example.com/ws?userId=u+1", cfg.socketURL("u 1"))
	assert.Equal(t, 10, cfg.MaxReconnectAttempts)
	assert.Equal(t, time.Second, cfg.ReconnectDelay)

	b := cfg.newBackOff()
	for i := 0; i < 10; i++ {
		assert.Equal(t, time.Second, b.NextBackOff())
	}
	assert.Less(t, b.NextBackOff(), time.Duration(0))
}
