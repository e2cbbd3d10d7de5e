package api

import (
	"time"

	"marketchat/internal/realtime"
)

// User is the authenticated marketplace profile.
type User struct {
	ID        int       `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Phone     string    `json:"phone,omitempty"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	Locale    string    `json:"locale,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ProfilePatch carries the fields a profile edit may change. Nil fields
// are left untouched.
type ProfilePatch struct {
	FirstName *string `json:"firstName,omitempty"`
	LastName  *string `json:"lastName,omitempty"`
	Phone     *string `json:"phone,omitempty"`
	AvatarURL *string `json:"avatarUrl,omitempty"`
	Locale    *string `json:"locale,omitempty"`
}

// Apply returns a copy of u with the patch applied.
func (p ProfilePatch) Apply(u User) User {
	if p.FirstName != nil {
		u.FirstName = *p.FirstName
	}
	if p.LastName != nil {
		u.LastName = *p.LastName
	}
	if p.Phone != nil {
		u.Phone = *p.Phone
	}
	if p.AvatarURL != nil {
		u.AvatarURL = *p.AvatarURL
	}
	if p.Locale != nil {
		u.Locale = *p.Locale
	}
	return u
}

// TokenPair is the access/refresh credential pair issued at login and
// rotated on refresh.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Chat is one conversation as listed by the backend.
type Chat struct {
	ID           int                   `json:"id"`
	Participants []User                `json:"participants"`
	LastMessage  *realtime.ChatMessage `json:"lastMessage,omitempty"`
	UnreadCount  int                   `json:"unreadCount"`
	CreatedAt    time.Time             `json:"createdAt"`
}

// ChatPage is one page of the chat list.
type ChatPage struct {
	Items    []Chat `json:"items"`
	Total    int    `json:"total"`
	Page     int    `json:"page"`
	PageSize int    `json:"pageSize"`
}

// MessagePage is one page of a chat's history, newest first.
type MessagePage struct {
	Items    []realtime.ChatMessage `json:"items"`
	Total    int                    `json:"total"`
	Page     int                    `json:"page"`
	PageSize int                    `json:"pageSize"`
}

// UnreadCount is the total number of unread messages across chats.
type UnreadCount struct {
	Count int `json:"count"`
}

// Translation is a translated message body.
type Translation struct {
	MessageID int    `json:"messageId"`
	Language  string `json:"language"`
	Content   string `json:"content"`
}

// OutgoingAttachment is one file to upload with a message.
type OutgoingAttachment struct {
	Name        string
	ContentType string
	Data        []byte
}
