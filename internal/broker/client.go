package broker

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"marketchat/internal/realtime"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Client is the middleman between one websocket connection and the hub.
// Its subscription set is written by the read pump and read by the hub
// loop.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	Send     chan []byte
	UserID   int
	Username string

	mu   sync.Mutex
	subs map[string]struct{}
}

func (c *Client) subscribed(dest string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[dest]
	return ok
}

// readPump consumes control frames from the peer: subscribes,
// unsubscribes and typing signals.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn().Err(err).Int("user_id", c.UserID).Msg("read error")
			}
			break
		}

		var f realtime.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.hub.log.Warn().Err(err).Bytes("frame", data).Msg("dropping malformed client frame")
			continue
		}

		switch f.Type {
		case realtime.FrameSubscribe:
			c.mu.Lock()
			c.subs[f.Destination] = struct{}{}
			c.mu.Unlock()

		case realtime.FrameUnsubscribe:
			c.mu.Lock()
			delete(c.subs, f.Destination)
			c.mu.Unlock()

		case realtime.FrameSend:
			if chatID, ok := realtime.ChatIDFromTypingSend(f.Destination); ok {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				c.hub.handleTyping(ctx, c, chatID)
				cancel()
			} else {
				c.hub.log.Debug().Str("destination", f.Destination).Msg("send to unknown destination")
			}

		default:
			c.hub.log.Debug().Str("type", f.Type).Msg("unknown frame type")
		}
	}
}

// writePump pumps frames from the hub to the websocket connection and
// keeps the heartbeat going.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
