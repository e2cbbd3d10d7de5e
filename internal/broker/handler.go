package broker

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	myMiddleware "marketchat/internal/middleware"
	"marketchat/internal/realtime"
)

const maxUploadBytes = 10 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Bearer auth happens before the upgrade; origin checks are the
		// reverse proxy's job in deployment.
		return true
	},
}

type Handler struct {
	hub  *Hub
	repo *Repository
	log  zerolog.Logger
}

func NewHandler(hub *Hub, repo *Repository, log zerolog.Logger) *Handler {
	return &Handler{hub: hub, repo: repo, log: log.With().Str("component", "handler").Logger()}
}

func (h *Handler) identity(r *http.Request) (int, string, bool) {
	userID, ok := r.Context().Value(myMiddleware.UserKey).(int)
	username, ok2 := r.Context().Value(myMiddleware.UsernameKey).(string)
	return userID, username, ok && ok2
}

// ServeWS upgrades an authenticated request into a hub client.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := h.identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		hub:      h.hub,
		conn:     conn,
		Send:     make(chan []byte, 256),
		UserID:   userID,
		Username: username,
		subs:     make(map[string]struct{}),
	}
	h.hub.Register <- client

	go client.writePump()
	go client.readPump()
}

// StartChat finds or creates the private chat with another user.
func (h *Handler) StartChat(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		ParticipantID int `json:"participantId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ParticipantID == 0 {
		http.Error(w, "participantId required", http.StatusBadRequest)
		return
	}
	if req.ParticipantID == userID {
		http.Error(w, "cannot start a chat with yourself", http.StatusBadRequest)
		return
	}

	chatID, created, err := h.repo.FindOrCreatePrivateChat(r.Context(), userID, req.ParticipantID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if created {
		h.hub.NotifyParticipants(r.Context(), chatID, userID,
			realtime.Notification{Type: realtime.NotifyChatCreated, ChatID: chatID})
	}

	chat, err := h.repo.GetChat(r.Context(), chatID, userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, chat)
}

func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	page, pageSize := pagination(r)

	out, err := h.repo.ListChats(r.Context(), userID, page, pageSize)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	chatID, err := strconv.Atoi(chi.URLParam(r, "chatID"))
	if err != nil {
		http.Error(w, "invalid chat id", http.StatusBadRequest)
		return
	}
	if !h.requireParticipant(w, r, chatID, userID) {
		return
	}

	chat, err := h.repo.GetChat(r.Context(), chatID, userID)
	if err != nil {
		if errors.Is(err, ErrChatNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	chatID, err := strconv.Atoi(chi.URLParam(r, "chatID"))
	if err != nil {
		http.Error(w, "invalid chat id", http.StatusBadRequest)
		return
	}
	if !h.requireParticipant(w, r, chatID, userID) {
		return
	}
	page, pageSize := pagination(r)

	out, err := h.repo.Messages(r.Context(), chatID, page, pageSize)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// SendMessage accepts a multipart form with a content field and any
// number of attachment files, persists the message, then fans the live
// copy out on the chat topic and pings the other participants'
// notification queues.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	chatID, err := strconv.Atoi(chi.URLParam(r, "chatID"))
	if err != nil {
		http.Error(w, "invalid chat id", http.StatusBadRequest)
		return
	}
	if !h.requireParticipant(w, r, chatID, userID) {
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	content := r.FormValue("content")
	if content == "" && (r.MultipartForm == nil || len(r.MultipartForm.File["attachments"]) == 0) {
		http.Error(w, "empty message", http.StatusBadRequest)
		return
	}

	msg, err := h.repo.InsertMessage(r.Context(), chatID, userID, content, false)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if r.MultipartForm != nil {
		for _, fh := range r.MultipartForm.File["attachments"] {
			f, err := fh.Open()
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
			f.Close()
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			att, err := h.repo.InsertAttachment(r.Context(), msg.ID, fh.Filename,
				fh.Header.Get("Content-Type"), data)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			msg.Attachments = append(msg.Attachments, *att)
		}
	}

	if err := h.hub.PublishToChat(r.Context(), chatID, msg); err != nil {
		h.log.Error().Err(err).Int("chat_id", chatID).Msg("publish message")
	}
	h.hub.NotifyParticipants(r.Context(), chatID, userID,
		realtime.Notification{Type: realtime.NotifyNewMessage, MessageID: msg.ID, ChatID: chatID})

	writeJSON(w, http.StatusCreated, msg)
}

// MarkRead flags a message read and notifies its sender.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	messageID, err := strconv.Atoi(chi.URLParam(r, "messageID"))
	if err != nil {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return
	}

	msg, err := h.repo.MarkRead(r.Context(), messageID, userID)
	if err != nil {
		switch {
		case errors.Is(err, ErrMessageNotFound):
			http.Error(w, "not found", http.StatusNotFound)
		case errors.Is(err, ErrNotParticipant):
			http.Error(w, "forbidden", http.StatusForbidden)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	if err := h.hub.PublishToUser(r.Context(), msg.SenderID, realtime.NotificationQueue,
		realtime.Notification{Type: realtime.NotifyMessageRead, MessageID: msg.ID, ChatID: msg.ChatID}); err != nil {
		h.log.Error().Err(err).Int("message_id", msg.ID).Msg("publish read notification")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	n, err := h.repo.UnreadCount(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

// Translate returns a message body in the requested language.
// TODO: plug a translation backend in; until then the original content
// is returned unchanged.
func (h *Handler) Translate(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	messageID, err := strconv.Atoi(chi.URLParam(r, "messageID"))
	if err != nil {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return
	}
	var req struct {
		Language string `json:"language"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Language == "" {
		http.Error(w, "language required", http.StatusBadRequest)
		return
	}

	msg, err := h.repo.GetMessage(r.Context(), messageID)
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !h.requireParticipant(w, r, msg.ChatID, userID) {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"messageId": msg.ID,
		"language":  req.Language,
		"content":   msg.Content,
	})
}

// GetAttachment streams one stored attachment.
func (h *Handler) GetAttachment(w http.ResponseWriter, r *http.Request) {
	att, data, err := h.repo.GetAttachment(r.Context(), chi.URLParam(r, "attachmentID"))
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", att.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+att.Name+`"`)
	w.Write(data)
}

func (h *Handler) requireParticipant(w http.ResponseWriter, r *http.Request, chatID, userID int) bool {
	ok, err := h.repo.IsParticipant(r.Context(), chatID, userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return false
	}
	if !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func pagination(r *http.Request) (page, pageSize int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ = strconv.Atoi(r.URL.Query().Get("pageSize"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
