package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"riskpulse/internal/models"
	"riskpulse/internal/telemetry"
)

var ErrHubClosed = errors.New("hub closed")

// MetricsLookup returns the last-known metrics for a user, or nil.
type MetricsLookup interface {
	Latest(userID string) *models.RiskMetrics
}

// Visibility reports whether a notification may be shown right now.
type Visibility func(n *models.Notification, now time.Time) bool

type Options struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
}

func DefaultOptions() Options {
	return Options{
		SendBuffer:     64,
		WriteTimeout:   10 * time.Second,
		PongTimeout:    60 * time.Second,
		PingInterval:   54 * time.Second,
		MaxMessageSize: 4096,
	}
}

// Hub is the registry of live connections. A user may hold several
// connections; each gets its own copy of every frame addressed to the user.
type Hub struct {
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	validate *validator.Validate
	upgrader websocket.Upgrader
	opts     Options

	latest  MetricsLookup
	visible Visibility

	mu      sync.RWMutex
	clients map[string]*Client
	byUser  map[string]map[string]*Client
	closed  bool
}

func NewHub(opts Options, metrics *telemetry.Metrics, logger *zap.Logger) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultOptions().SendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultOptions().WriteTimeout
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = DefaultOptions().PongTimeout
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.PongTimeout {
		opts.PingInterval = opts.PongTimeout * 9 / 10
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultOptions().MaxMessageSize
	}
	h := &Hub{
		logger:   logger.Named("realtime"),
		metrics:  metrics,
		validate: validator.New(),
		opts:     opts,
		visible:  (*models.Notification).Visible,
		clients:  make(map[string]*Client),
		byUser:   make(map[string]map[string]*Client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetMetricsLookup wires the source of the snapshot sent on a portfolio
// subscription.
func (h *Hub) SetMetricsLookup(l MetricsLookup) {
	h.mu.Lock()
	h.latest = l
	h.mu.Unlock()
}

// SetVisibility replaces the filter applied to notifications before they
// are pushed. The default is models.Notification.Visible.
func (h *Hub) SetVisibility(v Visibility) {
	h.mu.Lock()
	h.visible = v
	h.mu.Unlock()
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range h.opts.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request and registers the connection for the
// userId query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, ErrHubClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(uuid.NewString(), userID, conn, h, h.opts.SendBuffer)
	if !h.register(c) {
		c.close()
		return
	}
	go c.writeLoop()
	go c.readLoop()
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	sessions, ok := h.byUser[c.userID]
	if !ok {
		sessions = make(map[string]*Client)
		h.byUser[c.userID] = sessions
	}
	sessions[c.id] = c
	c.setState(StateConnected)
	h.metrics.WSConnections.Inc()
	h.logger.Info("client connected", zap.String("client_id", c.id), zap.String("user_id", c.userID))
	return true
}

// unregister is safe to call from both loops and from Close.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		if sessions := h.byUser[c.userID]; sessions != nil {
			delete(sessions, c.id)
			if len(sessions) == 0 {
				delete(h.byUser, c.userID)
			}
		}
		h.metrics.WSConnections.Dec()
		h.logger.Info("client disconnected", zap.String("client_id", c.id), zap.String("user_id", c.userID))
	}
	h.mu.Unlock()
	c.close()
}

func (h *Hub) handle(c *Client, raw []byte) {
	msg, err := parseInbound(h.validate, raw)
	if err != nil {
		h.metrics.WSInvalidMessages.Inc()
		h.send(c, Outbound{Type: TypeError, Message: err.Error()})
		return
	}

	switch msg.Type {
	case TypePing:
		h.send(c, Outbound{Type: TypePong})
	case TypeSubscribe:
		if c.subscribe(msg.Topics) {
			h.mu.RLock()
			latest := h.latest
			h.mu.RUnlock()
			if latest != nil {
				if m := latest.Latest(c.userID); m != nil {
					h.send(c, Outbound{Type: TypeMetrics, Data: m})
				}
			}
		}
	case TypeUnsubscribe:
		c.unsubscribe(msg.Topics)
	}
}

func (h *Hub) send(c *Client, out Outbound) {
	b, err := json.Marshal(out)
	if err != nil {
		h.logger.Error("encode outbound message", zap.String("type", out.Type), zap.Error(err))
		return
	}
	if c.enqueue(b) {
		h.metrics.WSMessagesSent.WithLabelValues(out.Type).Inc()
		return
	}
	h.metrics.WSMessagesDropped.Inc()
	h.logger.Debug("dropped outbound message", zap.String("client_id", c.id), zap.String("type", out.Type))
}

func (h *Hub) userClients(userID string, topics ...string) []*Client {
	h.mu.RLock()
	sessions := h.byUser[userID]
	out := make([]*Client, 0, len(sessions))
	for _, c := range sessions {
		out = append(out, c)
	}
	h.mu.RUnlock()

	filtered := out[:0]
	for _, c := range out {
		if c.subscribedTo(topics...) {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

// PublishUpdate pushes metrics and then each visible notification to every
// portfolio subscriber of the user. Per connection the metrics frame is
// always queued ahead of the notifications of the same update.
func (h *Hub) PublishUpdate(userID string, metrics *models.RiskMetrics, notes []*models.Notification) {
	clients := h.userClients(userID, TopicPortfolio)
	if len(clients) == 0 {
		return
	}
	h.mu.RLock()
	visible := h.visible
	h.mu.RUnlock()
	now := time.Now()

	for _, c := range clients {
		if metrics != nil {
			h.send(c, Outbound{Type: TypeMetrics, Data: metrics})
		}
		for _, n := range notes {
			if n == nil || !visible(n, now) {
				continue
			}
			h.send(c, Outbound{Type: TypeNotification, Data: n})
		}
	}
}

func (h *Hub) PublishMetrics(userID string, metrics *models.RiskMetrics) {
	h.PublishUpdate(userID, metrics, nil)
}

// PublishNotification satisfies the notifier's in-app publisher.
func (h *Hub) PublishNotification(userID string, n *models.Notification) {
	h.PublishUpdate(userID, nil, []*models.Notification{n})
}

// PublishError tells the user's portfolio subscribers that the latest
// recompute failed. Previously sent metrics stay valid on the client.
func (h *Hub) PublishError(userID, message string) {
	for _, c := range h.userClients(userID, TopicPortfolio) {
		h.send(c, Outbound{Type: TypeError, Message: message})
	}
}

// PublishMarketData fans a price tick out to every connection subscribed to
// marketData or to the symbol itself.
func (h *Hub) PublishMarketData(symbol string, price float64) {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()

	tick := MarketTick{Symbol: symbol, Price: price}
	for _, c := range all {
		if c.subscribedTo(TopicMarketData, symbol) {
			h.send(c, Outbound{Type: TypeMarketData, Data: tick})
		}
	}
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) UserConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	all := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.mu.Unlock()

	for _, c := range all {
		h.unregister(c)
	}
}
