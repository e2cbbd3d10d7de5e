package broker

import (
	"time"

	json "github.com/goccy/go-json"

	"marketchat/internal/realtime"
)

// redisChannel is the pub/sub channel every broker instance listens on.
// Fanout across instances goes through it; local delivery filters by
// destination and target user.
const redisChannel = "marketchat:frames"

// envelope is the cross-instance fanout record. UserID zero means the
// destination is a shared topic; non-zero restricts delivery to that
// user's connections.
type envelope struct {
	UserID      int             `json:"userId,omitempty"`
	Destination string          `json:"destination"`
	Body        json.RawMessage `json:"body"`
}

// Participant is the slim user projection embedded in chat listings.
type Participant struct {
	ID        int    `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Chat is one conversation as returned by the REST surface.
type Chat struct {
	ID           int                   `json:"id"`
	Participants []Participant         `json:"participants"`
	LastMessage  *realtime.ChatMessage `json:"lastMessage,omitempty"`
	UnreadCount  int                   `json:"unreadCount"`
	CreatedAt    time.Time             `json:"createdAt"`
}

type ChatPage struct {
	Items    []Chat `json:"items"`
	Total    int    `json:"total"`
	Page     int    `json:"page"`
	PageSize int    `json:"pageSize"`
}

type MessagePage struct {
	Items    []realtime.ChatMessage `json:"items"`
	Total    int                    `json:"total"`
	Page     int                    `json:"page"`
	PageSize int                    `json:"pageSize"`
}
