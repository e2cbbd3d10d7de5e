package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultHeartbeat      = 10 * time.Second
	defaultReconnectDelay = 3 * time.Second
	defaultMaxRetries     = 10
	writeWait             = 10 * time.Second
	maxFrameSize          = 1 << 20
)

var (
	// ErrNoCredential is returned when a connect is attempted without an
	// access token in the token source.
	ErrNoCredential = errors.New("realtime: no access token available")

	// ErrNotConnected is returned by writes while the socket is down.
	ErrNotConnected = errors.New("realtime: not connected")
)

// State of the connection manager.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// TokenSource supplies the bearer credential used for the handshake.
type TokenSource interface {
	AccessToken() (string, error)
}

// Config configures a Client.
type Config struct {
	// URL is the broker websocket endpoint, e.g. ws://host/ws/chat.
	URL string

	// Heartbeat is the ping interval. The read deadline is twice this.
	Heartbeat time.Duration

	// ReconnectDelay is the fixed pause between reconnect attempts.
	ReconnectDelay time.Duration

	// MaxRetries caps consecutive failed reconnect attempts. Once hit,
	// the client stays down until Connect is called again.
	MaxRetries int

	Dialer *websocket.Dialer
	Logger zerolog.Logger
}

// Client owns one logical connection to the broker plus the subscription
// registry replayed over it. Construct one per application instance and
// share it; all methods are safe for concurrent use.
type Client struct {
	cfg    Config
	tokens TokenSource
	log    zerolog.Logger
	reg    *registry

	state  atomic.Int32
	closed atomic.Bool

	connMu      sync.Mutex
	conn        *websocket.Conn
	retries     int
	onConnected []func()

	writeMu sync.Mutex
}

// New builds a disconnected Client. Call Connect to bring it up.
func New(cfg Config, tokens TokenSource) *Client {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	c := &Client{
		cfg:    cfg,
		tokens: tokens,
		log:    cfg.Logger.With().Str("component", "realtime").Logger(),
	}
	c.reg = newRegistry(c.log, c.send)
	return c
}

// State reports the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Connect establishes the connection and replays registered
// subscriptions. It is a no-op when a connect is already in flight or a
// connection is up. Each onConnected callback runs once per successful
// handshake, including reconnects.
func (c *Client) Connect(ctx context.Context, onConnected ...func()) error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return nil
	}
	c.closed.Store(false)
	c.connMu.Lock()
	c.onConnected = onConnected
	c.connMu.Unlock()

	if err := c.establish(ctx); err != nil {
		c.state.Store(int32(StateDisconnected))
		return err
	}
	return nil
}

// Disconnect tears the transport down and suppresses reconnection.
// Subscription intents survive; a later Connect restores them.
func (c *Client) Disconnect() {
	c.closed.Store(true)
	c.state.Store(int32(StateDisconnected))
	c.reg.dropWireSubs()

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.log.Info().Msg("disconnected")
}

// establish performs one handshake attempt. The caller must have already
// moved the state to connecting.
func (c *Client) establish(ctx context.Context) error {
	token, err := c.tokens.AccessToken()
	if err != nil || token == "" {
		c.log.Error().Err(err).Msg("connect aborted: no credential")
		return ErrNoCredential
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		c.log.Error().Err(err).Int("status", status).Str("url", c.cfg.URL).Msg("handshake failed")
		return err
	}

	done := make(chan struct{})
	c.connMu.Lock()
	c.conn = conn
	c.retries = 0
	callbacks := c.onConnected
	c.connMu.Unlock()
	c.state.Store(int32(StateConnected))

	go c.readLoop(conn, done)
	go c.heartbeat(conn, done)

	c.log.Info().Str("url", c.cfg.URL).Msg("connected")
	c.reg.replay()
	for _, cb := range callbacks {
		cb()
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	conn.SetReadLimit(maxFrameSize)
	readWait := 2 * c.cfg.Heartbeat
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.closed.Load() {
				c.log.Warn().Err(err).Msg("connection lost")
			}
			break
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn().Err(err).Bytes("frame", data).Msg("dropping unparseable frame")
			continue
		}
		c.reg.dispatch(f)
	}
	_ = conn.Close()

	// A stale loop from a replaced connection must not touch shared state.
	c.connMu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.connMu.Unlock()
	if !current {
		return
	}

	c.state.Store(int32(StateDisconnected))
	c.reg.dropWireSubs()
	if c.closed.Load() {
		return
	}
	go c.reconnectLoop()
}

func (c *Client) heartbeat(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// reconnectLoop retries the handshake on a fixed delay until it succeeds,
// the client is disconnected explicitly, or the retry ceiling is hit.
// Beyond the ceiling the client stays down and a manual Connect is
// required.
func (c *Client) reconnectLoop() {
	for {
		if c.closed.Load() {
			return
		}
		c.connMu.Lock()
		c.retries++
		attempt := c.retries
		c.connMu.Unlock()
		if attempt > c.cfg.MaxRetries {
			c.log.Error().Int("attempts", attempt-1).Msg("reconnect ceiling reached, giving up")
			return
		}

		time.Sleep(c.cfg.ReconnectDelay)
		if c.closed.Load() {
			return
		}
		if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
			return
		}
		c.log.Info().Int("attempt", attempt).Msg("reconnecting")
		if err := c.establish(context.Background()); err != nil {
			c.state.Store(int32(StateDisconnected))
			continue
		}
		return
	}
}

// send writes one frame. Serialized by writeMu; gorilla connections
// permit only one concurrent writer.
func (c *Client) send(f Frame) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil || c.State() != StateConnected {
		return ErrNotConnected
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// SubscribeToChat registers a live-message handler for one chat. The
// intent survives connection drops and is replayed on reconnect.
func (c *Client) SubscribeToChat(chatID int, cb ChatHandler) {
	c.reg.subscribeToChat(chatID, cb)
}

// UnsubscribeFromChat removes the handler and the transport subscription.
// Safe to call repeatedly.
func (c *Client) UnsubscribeFromChat(chatID int) {
	c.reg.unsubscribeFromChat(chatID)
}

// SubscribeToTyping registers a typing handler for one chat.
func (c *Client) SubscribeToTyping(chatID int, cb TypingHandler) {
	c.reg.subscribeToTyping(chatID, cb)
}

// UnsubscribeFromTyping removes one chat's typing handler.
func (c *Client) UnsubscribeFromTyping(chatID int) {
	c.reg.unsubscribeFromTyping(chatID)
}

// SubscribeToNotifications sets the session's notification handler,
// replacing any previous one.
func (c *Client) SubscribeToNotifications(cb NotificationHandler) {
	c.reg.subscribeToNotifications(cb)
}

// UnsubscribeFromNotifications clears the notification handler.
func (c *Client) UnsubscribeFromNotifications() {
	c.reg.unsubscribeFromNotifications()
}

// SendTyping signals that the current user is typing in a chat. A no-op
// while disconnected.
func (c *Client) SendTyping(chatID int) {
	if err := c.send(Frame{Type: FrameSend, Destination: TypingSendDestination(chatID)}); err != nil {
		c.log.Debug().Err(err).Int("chat_id", chatID).Msg("typing signal dropped")
	}
}
