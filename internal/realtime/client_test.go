package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticToken string

func (s staticToken) AccessToken() (string, error) { return string(s), nil }

// stubBroker is a minimal websocket endpoint that records handshakes and
// inbound frames and lets tests push frames back to the newest client.
type stubBroker struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	frames chan Frame
	auth   chan string
	dials  atomic.Int32
	reject atomic.Bool

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newStubBroker(t *testing.T) *stubBroker {
	s := &stubBroker{
		frames: make(chan Frame, 64),
		auth:   make(chan string, 8),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stubBroker) handle(w http.ResponseWriter, r *http.Request) {
	s.dials.Add(1)
	if s.reject.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	select {
	case s.auth <- r.Header.Get("Authorization"):
	default:
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if json.Unmarshal(data, &f) == nil {
			s.frames <- f
		}
	}
}

func (s *stubBroker) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// push writes a frame to the most recent connection.
func (s *stubBroker) push(t *testing.T, f Frame) {
	t.Helper()
	s.mu.Lock()
	require.NotEmpty(t, s.conns, "no client connected")
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	require.NoError(t, conn.WriteJSON(f))
}

func (s *stubBroker) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
}

// collect drains n frames or fails the test.
func (s *stubBroker) collect(t *testing.T, n int) []Frame {
	t.Helper()
	out := make([]Frame, 0, n)
	for len(out) < n {
		select {
		case f := <-s.frames:
			out = append(out, f)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d of %d", len(out)+1, n)
		}
	}
	return out
}

func destinations(frames []Frame, frameType string) map[string]int {
	out := make(map[string]int)
	for _, f := range frames {
		if f.Type == frameType {
			out[f.Destination]++
		}
	}
	return out
}

func newTestClient(t *testing.T, s *stubBroker) *Client {
	c := New(Config{
		URL:            s.url(),
		ReconnectDelay: 20 * time.Millisecond,
		MaxRetries:     3,
		Logger:         zerolog.Nop(),
	}, staticToken("test-token"))
	t.Cleanup(c.Disconnect)
	return c
}

func TestConnectSendsBearerToken(t *testing.T) {
	s := newStubBroker(t)
	c := newTestClient(t, s)

	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, StateConnected, c.State())

	select {
	case auth := <-s.auth:
		assert.Equal(t, "Bearer test-token", auth)
	case <-time.After(time.Second):
		t.Fatal("no handshake recorded")
	}
}

func TestConnectWithoutCredentialFails(t *testing.T) {
	s := newStubBroker(t)
	c := New(Config{URL: s.url(), Logger: zerolog.Nop()}, staticToken(""))

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrNoCredential)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, int32(0), s.dials.Load())
}

func TestConnectIsIdempotentWhileUp(t *testing.T) {
	s := newStubBroker(t)
	c := newTestClient(t, s)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, int32(1), s.dials.Load())
}

func TestSubscriptionsRegisteredOfflineAreReplayedOnConnect(t *testing.T) {
	s := newStubBroker(t)
	c := newTestClient(t, s)

	c.SubscribeToChat(7, func(ChatMessage) {})
	c.SubscribeToChat(9, func(ChatMessage) {})
	c.SubscribeToNotifications(func(Notification) {})

	require.NoError(t, c.Connect(context.Background()))

	subs := destinations(s.collect(t, 3), FrameSubscribe)
	assert.Equal(t, map[string]int{
		ChatTopic(7):      1,
		ChatTopic(9):      1,
		NotificationQueue: 1,
	}, subs)
}

func TestSubscriptionsSurviveReconnect(t *testing.T) {
	s := newStubBroker(t)
	c := newTestClient(t, s)

	require.NoError(t, c.Connect(context.Background()))
	c.SubscribeToChat(7, func(ChatMessage) {})
	c.SubscribeToTyping(7, func(TypingEvent) {})
	s.collect(t, 2)

	s.closeAll()

	subs := destinations(s.collect(t, 2), FrameSubscribe)
	assert.Equal(t, map[string]int{
		ChatTopic(7): 1,
		TypingQueue:  1,
	}, subs)
	require.Eventually(t, func() bool {
		return c.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, c.reg.wireSubCount())
}

func TestTypingHandlersShareOneWireSubscription(t *testing.T) {
	s := newStubBroker(t)
	c := newTestClient(t, s)
	require.NoError(t, c.Connect(context.Background()))

	c.SubscribeToTyping(1, func(TypingEvent) {})
	c.SubscribeToTyping(2, func(TypingEvent) {})

	subs := destinations(s.collect(t, 1), FrameSubscribe)
	assert.Equal(t, map[string]int{TypingQueue: 1}, subs)
	assert.Equal(t, 1, c.reg.wireSubCount())

	// Dropping one handler keeps the queue live for the other.
	c.UnsubscribeFromTyping(1)
	assert.Equal(t, 1, c.reg.wireSubCount())

	c.UnsubscribeFromTyping(2)
	unsubs := destinations(s.collect(t, 1), FrameUnsubscribe)
	assert.Equal(t, map[string]int{TypingQueue: 1}, unsubs)
	assert.Equal(t, 0, c.reg.wireSubCount())
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	s := newStubBroker(t)
	c := newTestClient(t, s)
	require.NoError(t, c.Connect(context.Background()))

	c.SubscribeToChat(3, func(ChatMessage) {})
	s.collect(t, 1)

	c.UnsubscribeFromChat(3)
	c.UnsubscribeFromChat(3)
	c.UnsubscribeFromChat(5)

	unsubs := destinations(s.collect(t, 1), FrameUnsubscribe)
	assert.Equal(t, map[string]int{ChatTopic(3): 1}, unsubs)
	select {
	case f := <-s.frames:
		t.Fatalf("unexpected extra frame: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChatMessagesReachTheirHandler(t *testing.T) {
	s := newStubBroker(t)
	c := newTestClient(t, s)
	require.NoError(t, c.Connect(context.Background()))

	got := make(chan ChatMessage, 1)
	c.SubscribeToChat(7, func(m ChatMessage) { got <- m })
	s.collect(t, 1)

	body, err := json.Marshal(ChatMessage{ID: 42, ChatID: 7, SenderID: 2, Content: "hello"})
	require.NoError(t, err)
	s.push(t, Frame{Destination: ChatTopic(7), Body: body})

	select {
	case m := <-got:
		assert.Equal(t, 42, m.ID)
		assert.Equal(t, "hello", m.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestMalformedFrameDoesNotBreakLaterDelivery(t *testing.T) {
	s := newStubBroker(t)
	c := newTestClient(t, s)
	require.NoError(t, c.Connect(context.Background()))

	got := make(chan ChatMessage, 2)
	c.SubscribeToChat(7, func(m ChatMessage) { got <- m })
	s.collect(t, 1)

	s.push(t, Frame{Destination: ChatTopic(7), Body: json.RawMessage(`{"id":"not a number"}`)})
	body, err := json.Marshal(ChatMessage{ID: 2, ChatID: 7, Content: "still here"})
	require.NoError(t, err)
	s.push(t, Frame{Destination: ChatTopic(7), Body: body})

	select {
	case m := <-got:
		assert.Equal(t, 2, m.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame after malformed one was not delivered")
	}
	assert.Equal(t, StateConnected, c.State())
}

func TestDeliveryResumesAfterReconnect(t *testing.T) {
	s := newStubBroker(t)
	c := newTestClient(t, s)
	require.NoError(t, c.Connect(context.Background()))

	got := make(chan ChatMessage, 2)
	c.SubscribeToChat(7, func(m ChatMessage) { got <- m })
	s.collect(t, 1)

	body, err := json.Marshal(ChatMessage{ID: 1, ChatID: 7, Content: "before drop"})
	require.NoError(t, err)
	s.push(t, Frame{Destination: ChatTopic(7), Body: body})
	select {
	case m := <-got:
		assert.Equal(t, 1, m.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("message before drop not delivered")
	}

	s.closeAll()
	s.collect(t, 1) // the replayed subscribe on the new connection

	body, err = json.Marshal(ChatMessage{ID: 2, ChatID: 7, Content: "after reconnect"})
	require.NoError(t, err)
	s.push(t, Frame{Destination: ChatTopic(7), Body: body})
	select {
	case m := <-got:
		assert.Equal(t, 2, m.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("message after reconnect not delivered")
	}
}

func TestReconnectStopsAtRetryCeiling(t *testing.T) {
	s := newStubBroker(t)
	c := New(Config{
		URL:            s.url(),
		ReconnectDelay: 10 * time.Millisecond,
		MaxRetries:     2,
		Logger:         zerolog.Nop(),
	}, staticToken("test-token"))
	t.Cleanup(c.Disconnect)

	require.NoError(t, c.Connect(context.Background()))
	s.reject.Store(true)
	s.closeAll()

	// 1 initial dial + 2 rejected retries, then the client stays down.
	require.Eventually(t, func() bool {
		return s.dials.Load() == 3
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), s.dials.Load())
	assert.Equal(t, StateDisconnected, c.State())

	// A manual Connect brings it back once the broker recovers.
	s.reject.Store(false)
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
}

func TestOnConnectedRunsPerHandshake(t *testing.T) {
	s := newStubBroker(t)
	c := newTestClient(t, s)

	var handshakes atomic.Int32
	require.NoError(t, c.Connect(context.Background(), func() { handshakes.Add(1) }))
	require.Equal(t, int32(1), handshakes.Load())

	s.closeAll()
	require.Eventually(t, func() bool {
		return handshakes.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	s := newStubBroker(t)
	c := newTestClient(t, s)
	require.NoError(t, c.Connect(context.Background()))

	c.Disconnect()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), s.dials.Load())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestSendTypingWhileDisconnectedIsNoop(t *testing.T) {
	s := newStubBroker(t)
	c := newTestClient(t, s)

	c.SendTyping(7)
	assert.Equal(t, int32(0), s.dials.Load())
}
