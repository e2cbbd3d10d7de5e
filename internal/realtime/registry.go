package realtime

import (
	"sync"

	"github.com/rs/zerolog"
)

// ChatHandler receives live messages for one chat.
type ChatHandler func(ChatMessage)

// TypingHandler receives typing events. The typing queue is shared, so a
// handler registered for chat A also sees events for chat B and must
// filter on TypingEvent.ChatID.
type TypingHandler func(TypingEvent)

// NotificationHandler receives personal notifications.
type NotificationHandler func(Notification)

// registry tracks what the caller wants to listen to, independent of
// connection state. The handler maps are the source of truth; wireSubs is
// a cache of live transport subscriptions that can be dropped and rebuilt
// on every reconnect.
type registry struct {
	log  zerolog.Logger
	send func(Frame) error

	mu             sync.Mutex
	chatHandlers   map[int]ChatHandler
	typingHandlers map[int]TypingHandler
	notifyHandler  NotificationHandler
	wireSubs       map[string]struct{}
}

func newRegistry(log zerolog.Logger, send func(Frame) error) *registry {
	return &registry{
		log:            log,
		send:           send,
		chatHandlers:   make(map[int]ChatHandler),
		typingHandlers: make(map[int]TypingHandler),
		wireSubs:       make(map[string]struct{}),
	}
}

// subscribeWire issues a transport subscribe unless one is already live
// for the destination. Failure to write (most often: not connected) keeps
// the destination out of wireSubs so replay picks it up later.
// Caller holds r.mu.
func (r *registry) subscribeWire(dest string) {
	if _, ok := r.wireSubs[dest]; ok {
		return
	}
	if err := r.send(Frame{Type: FrameSubscribe, Destination: dest}); err != nil {
		r.log.Debug().Err(err).Str("destination", dest).Msg("subscribe deferred")
		return
	}
	r.wireSubs[dest] = struct{}{}
}

// unsubscribeWire tears down the transport subscription if one is live.
// Caller holds r.mu.
func (r *registry) unsubscribeWire(dest string) {
	if _, ok := r.wireSubs[dest]; !ok {
		return
	}
	delete(r.wireSubs, dest)
	if err := r.send(Frame{Type: FrameUnsubscribe, Destination: dest}); err != nil {
		r.log.Debug().Err(err).Str("destination", dest).Msg("unsubscribe skipped")
	}
}

func (r *registry) subscribeToChat(chatID int, cb ChatHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chatHandlers[chatID] = cb
	r.subscribeWire(ChatTopic(chatID))
}

func (r *registry) unsubscribeFromChat(chatID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.chatHandlers, chatID)
	r.unsubscribeWire(ChatTopic(chatID))
}

// subscribeToTyping registers a per-chat typing handler. All handlers
// share a single transport subscription to the personal typing queue.
func (r *registry) subscribeToTyping(chatID int, cb TypingHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typingHandlers[chatID] = cb
	r.subscribeWire(TypingQueue)
}

// unsubscribeFromTyping drops one chat's typing handler and tears the
// shared subscription down only when no handlers remain.
func (r *registry) unsubscribeFromTyping(chatID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.typingHandlers, chatID)
	if len(r.typingHandlers) == 0 {
		r.unsubscribeWire(TypingQueue)
	}
}

// subscribeToNotifications registers the single notification handler,
// replacing any previous one.
func (r *registry) subscribeToNotifications(cb NotificationHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifyHandler = cb
	r.subscribeWire(NotificationQueue)
}

func (r *registry) unsubscribeFromNotifications() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifyHandler = nil
	r.unsubscribeWire(NotificationQueue)
}

// replay rebuilds every transport subscription from the handler maps.
// Called after each successful handshake. Stale wire bookkeeping from the
// previous connection is discarded first, which guarantees at most one
// live subscription per destination.
func (r *registry) replay() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wireSubs = make(map[string]struct{})
	for chatID := range r.chatHandlers {
		r.subscribeWire(ChatTopic(chatID))
	}
	if len(r.typingHandlers) > 0 {
		r.subscribeWire(TypingQueue)
	}
	if r.notifyHandler != nil {
		r.subscribeWire(NotificationQueue)
	}
}

// dropWireSubs forgets all transport-level bookkeeping without touching
// the handler maps. Used on disconnect.
func (r *registry) dropWireSubs() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wireSubs = make(map[string]struct{})
}

func (r *registry) wireSubCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.wireSubs)
}
