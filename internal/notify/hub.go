package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 512
	sendBuffer     = 32
)

// IdentityResolver authenticates a websocket upgrade request.
type IdentityResolver interface {
	ResolveIdentity(r *http.Request) (string, error)
}

// ActivityFunc receives activity pings sent by a client.
type ActivityFunc func(identity string)

type client struct {
	id       string
	identity string
	conn     *websocket.Conn
	send     chan []byte
	once     sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans notifications out to every websocket connected for an identity.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[string]*client
	upgrader websocket.Upgrader
	resolver IdentityResolver
	activity ActivityFunc
	now      func() time.Time
	logger   zerolog.Logger
}

// NewHub creates a hub. onActivity may be nil.
func NewHub(resolver IdentityResolver, onActivity ActivityFunc, checkOrigin func(*http.Request) bool, logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		resolver: resolver,
		activity: onActivity,
		now:      time.Now,
		logger:   logger.With().Str("component", "notify.hub").Logger(),
	}
}

// ServeHTTP authenticates and upgrades the connection, then serves it
// until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.resolver.ResolveIdentity(r)
	if err != nil || identity == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		id:       uuid.New().String(),
		identity: identity,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
	}
	h.register(c)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.clients[c.identity]
	if !ok {
		conns = make(map[string]*client)
		h.clients[c.identity] = conns
	}
	conns[c.id] = c
	h.logger.Debug().Str("identity", c.identity).Str("client_id", c.id).Msg("client connected")
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if conns, ok := h.clients[c.identity]; ok {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(h.clients, c.identity)
		}
	}
	h.mu.Unlock()
	c.close()
}

// readPump consumes client messages until the connection fails.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
		h.logger.Debug().Str("identity", c.identity).Str("client_id", c.id).Msg("client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("client_id", c.id).Msg("websocket read failed")
			}
			return
		}
		var msg clientMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.Type == clientActivity && h.activity != nil {
			h.activity(c.identity)
		}
	}
}

// writePump owns all writes to the connection.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Publish sends ev to every connection of identity. Slow clients that
// cannot keep up are disconnected.
func (h *Hub) Publish(identity string, ev Event) {
	if ev.At.IsZero() {
		ev.At = h.now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("type", ev.Type).Msg("encoding event")
		return
	}

	h.mu.RLock()
	var slow []*client
	for _, c := range h.clients[identity] {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn().Str("identity", identity).Str("client_id", c.id).Msg("dropping slow client")
		h.unregister(c)
	}
}

// Clients returns how many connections identity has.
func (h *Hub) Clients(identity string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[identity])
}

// Warning implements session.Notifier.
func (h *Hub) Warning(identity string, secondsRemaining int) {
	h.Publish(identity, Event{Type: EventWarning, SecondsRemaining: secondsRemaining})
}

// Countdown implements session.Notifier.
func (h *Hub) Countdown(identity string, secondsRemaining int) {
	h.Publish(identity, Event{Type: EventCountdown, SecondsRemaining: secondsRemaining})
}

// Expired implements session.Notifier.
func (h *Hub) Expired(identity string) {
	h.Publish(identity, Event{Type: EventExpired})
}

// RateLimitedFor implements governor.IdentityNotifier.
func (h *Hub) RateLimitedFor(identity, callSite, hint string) {
	h.Publish(identity, Event{Type: EventRateLimited, CallSite: callSite, Hint: hint})
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*client
	for _, conns := range h.clients {
		for _, c := range conns {
			all = append(all, c)
		}
	}
	h.clients = make(map[string]map[string]*client)
	h.mu.Unlock()

	for _, c := range all {
		c.close()
	}
}
