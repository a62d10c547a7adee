package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type State int

const (
	StateConnecting State = iota
	StateConnected
	StateSubscribed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Client is one live WebSocket connection. Inbound frames are handled one
// at a time by readLoop; outbound frames go through send to writeLoop.
type Client struct {
	id     string
	userID string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	done   chan struct{}

	mu     sync.Mutex
	state  State
	topics map[string]struct{}

	closeOnce sync.Once
}

func newClient(id, userID string, conn *websocket.Conn, hub *Hub, buffer int) *Client {
	return &Client{
		id:     id,
		userID: userID,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		state:  StateConnecting,
		topics: make(map[string]struct{}),
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.state = s
	}
	c.mu.Unlock()
}

// subscribe adds topics and reports whether portfolio was newly added.
func (c *Client) subscribe(topics []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return false
	}
	_, had := c.topics[TopicPortfolio]
	for _, t := range topics {
		c.topics[t] = struct{}{}
	}
	c.state = StateSubscribed
	_, has := c.topics[TopicPortfolio]
	return has && !had
}

func (c *Client) unsubscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return
	}
	for _, t := range topics {
		delete(c.topics, t)
	}
	if len(c.topics) == 0 {
		c.state = StateConnected
	}
}

func (c *Client) subscribedTo(topics ...string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateSubscribed {
		return false
	}
	for _, t := range topics {
		if _, ok := c.topics[t]; ok {
			return true
		}
	}
	return false
}

// enqueue queues a frame without blocking. Frames for closed or saturated
// connections are dropped.
func (c *Client) enqueue(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// close tears the connection down exactly once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateDisconnected
		c.topics = make(map[string]struct{})
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) readLoop() {
	defer c.hub.unregister(c)

	opts := c.hub.opts
	c.conn.SetReadLimit(opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("WebSocket read failed", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
		c.hub.handle(c, raw)
	}
}

func (c *Client) writeLoop() {
	opts := c.hub.opts
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.hub.unregister(c)
	}()

	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
