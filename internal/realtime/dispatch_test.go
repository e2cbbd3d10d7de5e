package realtime

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *registry {
	return newRegistry(zerolog.Nop(), func(Frame) error { return nil })
}

func typingFrame(t *testing.T, ev TypingEvent) Frame {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	return Frame{Destination: TypingQueue, Body: body}
}

func TestTypingEventsFanOutToEveryHandler(t *testing.T) {
	r := newTestRegistry()

	var chatOne, chatTwo []TypingEvent
	r.subscribeToTyping(1, func(ev TypingEvent) { chatOne = append(chatOne, ev) })
	r.subscribeToTyping(2, func(ev TypingEvent) { chatTwo = append(chatTwo, ev) })

	r.dispatch(typingFrame(t, TypingEvent{UserID: 9, ChatID: 1, IsTyping: true}))

	// The queue is shared; both handlers see the event and filter on
	// ChatID themselves.
	require.Len(t, chatOne, 1)
	require.Len(t, chatTwo, 1)
	assert.Equal(t, 1, chatOne[0].ChatID)
	assert.Equal(t, 1, chatTwo[0].ChatID)
}

func TestNotificationHandlerIsReplacedNotStacked(t *testing.T) {
	r := newTestRegistry()

	var first, second int
	r.subscribeToNotifications(func(Notification) { first++ })
	r.subscribeToNotifications(func(Notification) { second++ })

	body, err := json.Marshal(Notification{Type: NotifyNewMessage, MessageID: 5, ChatID: 3})
	require.NoError(t, err)
	r.dispatch(Frame{Destination: NotificationQueue, Body: body})

	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
}

func TestDispatchIgnoresUnknownDestinations(t *testing.T) {
	r := newTestRegistry()

	var called bool
	r.subscribeToChat(1, func(ChatMessage) { called = true })

	r.dispatch(Frame{Destination: "/topic/orders/1", Body: json.RawMessage(`{}`)})
	r.dispatch(Frame{Destination: ChatTopic(2), Body: json.RawMessage(`{"id":1}`)})

	assert.False(t, called)
}

func TestSubscribeDeferredWhileSendFails(t *testing.T) {
	sent := 0
	r := newRegistry(zerolog.Nop(), func(Frame) error {
		sent++
		return ErrNotConnected
	})

	r.subscribeToChat(4, func(ChatMessage) {})
	assert.Equal(t, 1, sent)
	assert.Equal(t, 0, r.wireSubCount())

	// Replay with a working transport picks the intent up.
	var replayed []Frame
	r.send = func(f Frame) error {
		replayed = append(replayed, f)
		return nil
	}
	r.replay()
	require.Len(t, replayed, 1)
	assert.Equal(t, FrameSubscribe, replayed[0].Type)
	assert.Equal(t, ChatTopic(4), replayed[0].Destination)
	assert.Equal(t, 1, r.wireSubCount())
}

func TestChatIDFromTopic(t *testing.T) {
	id, ok := ChatIDFromTopic("/topic/chats/42")
	require.True(t, ok)
	assert.Equal(t, 42, id)

	for _, dest := range []string{"/topic/chats/abc", "/user/queue/typing", "/topic/chats/"} {
		_, ok := ChatIDFromTopic(dest)
		assert.False(t, ok, dest)
	}
}

func TestChatIDFromTypingSend(t *testing.T) {
	id, ok := ChatIDFromTypingSend("/app/chats/17/typing")
	require.True(t, ok)
	assert.Equal(t, 17, id)

	for _, dest := range []string{"/app/chats/17", "/app/chats/x/typing", "/topic/chats/17"} {
		_, ok := ChatIDFromTypingSend(dest)
		assert.False(t, ok, dest)
	}
}
