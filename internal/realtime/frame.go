package realtime

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Frame types sent by the client. Inbound frames carry no type, only a
// destination and a body.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameSend        = "send"
)

// Wire destinations. Per-chat topics are parameterized, the typing and
// notification queues are personal and fixed.
const (
	chatTopicPrefix  = "/topic/chats/"
	typingSendPrefix = "/app/chats/"
	typingSendSuffix = "/typing"

	// TypingQueue is the personal typing destination, multiplexed by
	// payload content rather than by path.
	TypingQueue = "/user/queue/typing"

	// NotificationQueue is the personal notification destination.
	NotificationQueue = "/user/queue/notifications"
)

// Frame is the JSON envelope exchanged over the socket.
type Frame struct {
	Type        string          `json:"type,omitempty"`
	Destination string          `json:"destination"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// ChatTopic returns the inbound destination for one chat.
func ChatTopic(chatID int) string {
	return chatTopicPrefix + strconv.Itoa(chatID)
}

// TypingSendDestination returns the outbound destination used to signal
// that the current user is typing in a chat.
func TypingSendDestination(chatID int) string {
	return typingSendPrefix + strconv.Itoa(chatID) + typingSendSuffix
}

// ChatIDFromTopic extracts the chat id from a per-chat topic
// destination.
func ChatIDFromTopic(dest string) (int, bool) {
	raw, ok := strings.CutPrefix(dest, chatTopicPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return id, true
}

// ChatIDFromTypingSend extracts the chat id from an outbound typing
// destination.
func ChatIDFromTypingSend(dest string) (int, bool) {
	raw, ok := strings.CutPrefix(dest, typingSendPrefix)
	if !ok {
		return 0, false
	}
	raw, ok = strings.CutSuffix(raw, typingSendSuffix)
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Attachment is one file attached to a chat message.
type Attachment struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// ChatMessage is the inbound chat payload. The client never mutates it
// except to flip IsRead.
type ChatMessage struct {
	ID          int          `json:"id"`
	ChatID      int          `json:"chatId"`
	SenderID    int          `json:"senderId"`
	SenderName  string       `json:"senderName"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	IsRead      bool         `json:"isRead"`
	IsSystem    bool         `json:"isSystem"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// TypingEvent is delivered on the personal typing queue. The queue is not
// filtered by chat, so consumers match on ChatID themselves.
type TypingEvent struct {
	UserID   int    `json:"userId"`
	UserName string `json:"userName"`
	ChatID   int    `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

// Notification type tags.
const (
	NotifyNewMessage  = "NEW_MESSAGE"
	NotifyMessageRead = "MESSAGE_READ"
	NotifyChatCreated = "CHAT_CREATED"
)

// Notification is a transient event on the personal notification queue,
// consumed once to trigger a refetch or a local state patch.
type Notification struct {
	Type      string `json:"type"`
	MessageID int    `json:"messageId,omitempty"`
	ChatID    int    `json:"chatId,omitempty"`
}

func decodeBody(dest string, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s frame: %w", dest, err)
	}
	return nil
}
