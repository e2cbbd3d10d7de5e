package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"marketchat/internal/realtime"
)

var (
	ErrChatNotFound    = errors.New("chat not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotParticipant  = errors.New("not a chat participant")
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// FindOrCreatePrivateChat returns the private chat between two users,
// creating it when absent. The bool reports whether it was created.
func (r *Repository) FindOrCreatePrivateChat(ctx context.Context, userA, userB int) (int, bool, error) {
	const findQ = `
		SELECT c.id
		FROM chats c
		JOIN participants pa ON pa.chat_id = c.id AND pa.user_id = $1
		JOIN participants pb ON pb.chat_id = c.id AND pb.user_id = $2
		WHERE c.type = 'private'
		LIMIT 1
	`
	var chatID int
	err := r.db.QueryRowContext(ctx, findQ, userA, userB).Scan(&chatID)
	if err == nil {
		return chatID, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		"INSERT INTO chats (type) VALUES ('private') RETURNING id").Scan(&chatID); err != nil {
		return 0, false, fmt.Errorf("create chat: %w", err)
	}
	for _, uid := range []int{userA, userB} {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO participants (chat_id, user_id) VALUES ($1, $2)", chatID, uid); err != nil {
			return 0, false, fmt.Errorf("add participant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return chatID, true, nil
}

func (r *Repository) IsParticipant(ctx context.Context, chatID, userID int) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM participants WHERE chat_id = $1 AND user_id = $2",
		chatID, userID).Scan(&n)
	return n > 0, err
}

func (r *Repository) ParticipantIDs(ctx context.Context, chatID int) ([]int, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT user_id FROM participants WHERE chat_id = $1", chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetChat assembles one chat with participants, last message and the
// viewer's unread count.
func (r *Repository) GetChat(ctx context.Context, chatID, viewerID int) (*Chat, error) {
	chat := &Chat{ID: chatID}
	err := r.db.QueryRowContext(ctx,
		"SELECT created_at FROM chats WHERE id = $1", chatID).Scan(&chat.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.avatar_url
		FROM participants p JOIN users u ON u.id = p.user_id
		WHERE p.chat_id = $1
		ORDER BY u.id
	`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ID, &p.Username, &p.AvatarURL); err != nil {
			return nil, err
		}
		chat.Participants = append(chat.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	last, err := r.lastMessage(ctx, chatID)
	if err != nil {
		return nil, err
	}
	chat.LastMessage = last

	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE chat_id = $1 AND NOT is_read AND sender_id != $2
	`, chatID, viewerID).Scan(&chat.UnreadCount)
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// ListChats pages the viewer's chats, most recently active first.
func (r *Repository) ListChats(ctx context.Context, viewerID, page, pageSize int) (*ChatPage, error) {
	var total int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM participants WHERE user_id = $1", viewerID).Scan(&total)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id
		FROM chats c
		JOIN participants p ON p.chat_id = c.id AND p.user_id = $1
		LEFT JOIN LATERAL (
			SELECT created_at FROM messages m
			WHERE m.chat_id = c.id
			ORDER BY m.created_at DESC LIMIT 1
		) lm ON TRUE
		ORDER BY COALESCE(lm.created_at, c.created_at) DESC
		LIMIT $2 OFFSET $3
	`, viewerID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := &ChatPage{Items: make([]Chat, 0, len(ids)), Total: total, Page: page, PageSize: pageSize}
	for _, id := range ids {
		chat, err := r.GetChat(ctx, id, viewerID)
		if err != nil {
			return nil, err
		}
		out.Items = append(out.Items, *chat)
	}
	return out, nil
}

const messageColumns = `
	m.id, m.chat_id, m.sender_id, u.username, m.content, m.is_read, m.is_system, m.created_at
`

func scanMessage(s interface{ Scan(...any) error }) (*realtime.ChatMessage, error) {
	msg := &realtime.ChatMessage{}
	err := s.Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &msg.SenderName,
		&msg.Content, &msg.IsRead, &msg.IsSystem, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *Repository) lastMessage(ctx context.Context, chatID int) (*realtime.ChatMessage, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.sender_id
		WHERE m.chat_id = $1
		ORDER BY m.created_at DESC LIMIT 1
	`, chatID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.attachAttachments(ctx, msg)
}

// InsertMessage persists one message and returns the stored record with
// the sender's name resolved.
func (r *Repository) InsertMessage(ctx context.Context, chatID, senderID int, content string, isSystem bool) (*realtime.ChatMessage, error) {
	row := r.db.QueryRowContext(ctx, `
		WITH inserted AS (
			INSERT INTO messages (chat_id, sender_id, content, is_system)
			VALUES ($1, $2, $3, $4)
			RETURNING id, chat_id, sender_id, content, is_read, is_system, created_at
		)
		SELECT i.id, i.chat_id, i.sender_id, u.username, i.content, i.is_read, i.is_system, i.created_at
		FROM inserted i JOIN users u ON u.id = i.sender_id
	`, chatID, senderID, content, isSystem)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// InsertAttachment stores one uploaded file and returns its metadata.
func (r *Repository) InsertAttachment(ctx context.Context, messageID int, name, contentType string, data []byte) (*realtime.Attachment, error) {
	id := uuid.New().String()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attachments (id, message_id, name, content_type, size, data)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, messageID, name, contentType, len(data), data)
	if err != nil {
		return nil, fmt.Errorf("insert attachment: %w", err)
	}
	return &realtime.Attachment{
		ID:          id,
		URL:         "/api/attachments/" + id,
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
	}, nil
}

// GetAttachment returns one attachment's metadata and bytes.
func (r *Repository) GetAttachment(ctx context.Context, id string) (*realtime.Attachment, []byte, error) {
	att := &realtime.Attachment{ID: id, URL: "/api/attachments/" + id}
	var data []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT name, content_type, size, data FROM attachments WHERE id = $1
	`, id).Scan(&att.Name, &att.ContentType, &att.Size, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrMessageNotFound
		}
		return nil, nil, err
	}
	return att, data, nil
}

func (r *Repository) attachAttachments(ctx context.Context, msg *realtime.ChatMessage) (*realtime.ChatMessage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, content_type, size FROM attachments WHERE message_id = $1
	`, msg.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var a realtime.Attachment
		if err := rows.Scan(&a.ID, &a.Name, &a.ContentType, &a.Size); err != nil {
			return nil, err
		}
		a.URL = "/api/attachments/" + a.ID
		msg.Attachments = append(msg.Attachments, a)
	}
	return msg, rows.Err()
}

// Messages pages one chat's history, newest first.
func (r *Repository) Messages(ctx context.Context, chatID, page, pageSize int) (*MessagePage, error) {
	var total int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE chat_id = $1", chatID).Scan(&total)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.sender_id
		WHERE m.chat_id = $1
		ORDER BY m.created_at DESC
		LIMIT $2 OFFSET $3
	`, chatID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := &MessagePage{Items: []realtime.ChatMessage{}, Total: total, Page: page, PageSize: pageSize}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out.Items = append(out.Items, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out.Items {
		if _, err := r.attachAttachments(ctx, &out.Items[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetMessage returns one message by id.
func (r *Repository) GetMessage(ctx context.Context, messageID int) (*realtime.ChatMessage, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.sender_id
		WHERE m.id = $1
	`, messageID)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return r.attachAttachments(ctx, msg)
}

// MarkRead flags a message read on behalf of the viewer. Only a
// participant who is not the sender may mark it.
func (r *Repository) MarkRead(ctx context.Context, messageID, viewerID int) (*realtime.ChatMessage, error) {
	msg, err := r.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	ok, err := r.IsParticipant(ctx, msg.ChatID, viewerID)
	if err != nil {
		return nil, err
	}
	if !ok || msg.SenderID == viewerID {
		return nil, ErrNotParticipant
	}
	if _, err := r.db.ExecContext(ctx,
		"UPDATE messages SET is_read = TRUE WHERE id = $1", messageID); err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	msg.IsRead = true
	return msg, nil
}

// UnreadCount totals the viewer's unread messages across chats.
func (r *Repository) UnreadCount(ctx context.Context, viewerID int) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages m
		JOIN participants p ON p.chat_id = m.chat_id AND p.user_id = $1
		WHERE NOT m.is_read AND m.sender_id != $1
	`, viewerID).Scan(&n)
	return n, err
}
