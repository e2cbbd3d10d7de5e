package broker

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"marketchat/internal/realtime"
)

// Hub owns the set of local websocket clients and routes frames to them.
// Publishing always goes through redis so every broker instance delivers
// to its own clients.
type Hub struct {
	Register   chan *Client
	Unregister chan *Client

	deliver chan envelope
	clients map[*Client]bool
	redis   *redis.Client
	repo    *Repository
	log     zerolog.Logger
}

func NewHub(redisClient *redis.Client, repo *Repository, log zerolog.Logger) *Hub {
	return &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		deliver:    make(chan envelope, 64),
		clients:    make(map[*Client]bool),
		redis:      redisClient,
		repo:       repo,
		log:        log.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.clients[client] = true

		case client := <-h.Unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
			}

		case env := <-h.deliver:
			frame, err := json.Marshal(realtime.Frame{Destination: env.Destination, Body: env.Body})
			if err != nil {
				h.log.Error().Err(err).Msg("marshal outbound frame")
				continue
			}
			for client := range h.clients {
				if env.UserID != 0 && client.UserID != env.UserID {
					continue
				}
				if !client.subscribed(env.Destination) {
					continue
				}
				select {
				case client.Send <- frame:
				default:
					// Slow consumer: drop the connection, the client's
					// reconnect loop restores its subscriptions.
					close(client.Send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// SubscribeToRedis pipes the fanout channel into local delivery. Runs
// until ctx is cancelled.
func (h *Hub) SubscribeToRedis(ctx context.Context) {
	pubsub := h.redis.Subscribe(ctx, redisChannel)
	defer pubsub.Close()

	for msg := range pubsub.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			h.log.Warn().Err(err).Str("payload", msg.Payload).Msg("dropping malformed fanout payload")
			continue
		}
		h.deliver <- env
	}
}

func (h *Hub) publish(ctx context.Context, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := h.redis.Publish(ctx, redisChannel, data).Err(); err != nil {
		return fmt.Errorf("publish to redis: %w", err)
	}
	return nil
}

// PublishToChat fans a payload out on one chat's topic.
func (h *Hub) PublishToChat(ctx context.Context, chatID int, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return h.publish(ctx, envelope{Destination: realtime.ChatTopic(chatID), Body: raw})
}

// PublishToUser fans a payload out on one user's personal queue.
func (h *Hub) PublishToUser(ctx context.Context, userID int, dest string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return h.publish(ctx, envelope{UserID: userID, Destination: dest, Body: raw})
}

// handleTyping resolves a client's typing signal into TypingEvents on
// the other participants' personal queues.
func (h *Hub) handleTyping(ctx context.Context, from *Client, chatID int) {
	ids, err := h.repo.ParticipantIDs(ctx, chatID)
	if err != nil {
		h.log.Error().Err(err).Int("chat_id", chatID).Msg("resolve typing recipients")
		return
	}
	ev := realtime.TypingEvent{
		UserID:   from.UserID,
		UserName: from.Username,
		ChatID:   chatID,
		IsTyping: true,
	}
	for _, id := range ids {
		if id == from.UserID {
			continue
		}
		if err := h.PublishToUser(ctx, id, realtime.TypingQueue, ev); err != nil {
			h.log.Error().Err(err).Int("user_id", id).Msg("publish typing event")
		}
	}
}

// NotifyParticipants pushes a notification to every participant except
// the originator.
func (h *Hub) NotifyParticipants(ctx context.Context, chatID, originID int, n realtime.Notification) {
	ids, err := h.repo.ParticipantIDs(ctx, chatID)
	if err != nil {
		h.log.Error().Err(err).Int("chat_id", chatID).Msg("resolve notification recipients")
		return
	}
	for _, id := range ids {
		if id == originID {
			continue
		}
		if err := h.PublishToUser(ctx, id, realtime.NotificationQueue, n); err != nil {
			h.log.Error().Err(err).Int("user_id", id).Msg("publish notification")
		}
	}
}
