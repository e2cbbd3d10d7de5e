package api

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"marketchat/internal/realtime"
)

// CreateChat opens (or returns the existing) private chat with another
// user.
func (c *Client) CreateChat(ctx context.Context, participantID int) (*Chat, error) {
	var chat Chat
	err := c.postJSON(ctx, "/api/chats", map[string]int{"participantId": participantID}, &chat)
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// ListChats returns one page of the current user's chats.
func (c *Client) ListChats(ctx context.Context, page, pageSize int) (*ChatPage, error) {
	var out ChatPage
	err := c.get(ctx, "/api/chats", pageQuery(page, pageSize), &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetChat returns one chat's detail.
func (c *Client) GetChat(ctx context.Context, chatID int) (*Chat, error) {
	var chat Chat
	err := c.get(ctx, "/api/chats/"+strconv.Itoa(chatID), nil, &chat)
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// GetMessages returns one page of a chat's history.
func (c *Client) GetMessages(ctx context.Context, chatID, page, pageSize int) (*MessagePage, error) {
	var out MessagePage
	err := c.get(ctx, "/api/chats/"+strconv.Itoa(chatID)+"/messages", pageQuery(page, pageSize), &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMessage posts a message with optional attachments as a multipart
// form. The live copy arrives through the chat topic; the returned value
// is the persisted record.
func (c *Client) SendMessage(ctx context.Context, chatID int, content string, attachments ...OutgoingAttachment) (*realtime.ChatMessage, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("content", content); err != nil {
		return nil, err
	}
	for _, a := range attachments {
		part, err := w.CreateFormFile("attachments", a.Name)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(a.Data); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	var msg realtime.ChatMessage
	err := c.do(ctx, request{
		method:      http.MethodPost,
		path:        fmt.Sprintf("/api/chats/%d/messages", chatID),
		body:        buf.Bytes(),
		contentType: w.FormDataContentType(),
	}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkRead flags one message as read.
func (c *Client) MarkRead(ctx context.Context, messageID int) error {
	return c.do(ctx, request{
		method: http.MethodPost,
		path:   "/api/messages/" + strconv.Itoa(messageID) + "/read",
	}, nil)
}

// GetUnreadCount returns the total unread message count for the user.
func (c *Client) GetUnreadCount(ctx context.Context) (int, error) {
	var out UnreadCount
	if err := c.get(ctx, "/api/messages/unread-count", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// TranslateMessage asks the backend to translate one message.
func (c *Client) TranslateMessage(ctx context.Context, messageID int, language string) (*Translation, error) {
	var out Translation
	err := c.postJSON(ctx, "/api/messages/"+strconv.Itoa(messageID)+"/translate",
		map[string]string{"language": language}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func pageQuery(page, pageSize int) url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))
	return q
}
