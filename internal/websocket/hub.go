package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"posapproval/internal/events"
	"posapproval/internal/metrics"
	"posapproval/internal/middleware"
	"posapproval/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// Client represents a single connected WebSocket session
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
	role   string
	tier   model.Tier
	name   string
}

type Options struct {
	PingInterval   time.Duration
	SendBuffer     int
	AllowedOrigins []string
}

// Hub tracks sessions per user and delivers lifecycle events to them.
// It is an events.Sink.
type Hub struct {
	clients    map[uuid.UUID]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	secret   []byte
	opts     Options
	upgrader websocket.Upgrader
	log      zerolog.Logger
	metrics  *metrics.ApprovalMetrics
	now      func() time.Time
}

// NewHub initializes a new WS Hub instance
func NewHub(secret []byte, opts Options, log zerolog.Logger, m *metrics.ApprovalMetrics) *Hub {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	h := &Hub{
		clients:    make(map[uuid.UUID]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		secret:     secret,
		opts:       opts,
		log:        log.With().Str("component", "ws_hub").Logger(),
		metrics:    m,
		now:        time.Now,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Run owns registration until ctx is done, then closes every session
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for userID, set := range h.clients {
				for client := range set {
					close(client.send)
				}
				delete(h.clients, userID)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.add(client)
		case client := <-h.unregister:
			h.remove(client)
		}
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	set, ok := h.clients[client.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[client.userID] = set
	}
	set[client] = struct{}{}
	firstSession := len(set) == 1
	h.mu.Unlock()

	h.metrics.WebSocketClients.Inc()
	h.log.Debug().Str("user_id", client.userID.String()).Str("role", client.role).Msg("websocket client connected")

	h.sendTo(client, events.Event{
		Type: events.TypeConnected,
		Payload: map[string]interface{}{
			"user_id": client.userID.String(),
			"name":    client.name,
			"role":    client.role,
		},
		At: h.now().UTC(),
	})

	h.announceOnline(client)
	if firstSession && client.tier.Valid() {
		h.presenceChanged(client, true)
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	set, ok := h.clients[client.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := set[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(set, client)
	close(client.send)
	lastSession := len(set) == 0
	if lastSession {
		delete(h.clients, client.userID)
	}
	h.mu.Unlock()

	h.metrics.WebSocketClients.Dec()
	h.log.Debug().Str("user_id", client.userID.String()).Msg("websocket client disconnected")

	if lastSession && client.tier.Valid() {
		h.presenceChanged(client, false)
	}
}

// presenceChanged tells every other session below admin that an approver
// came or went
func (h *Hub) presenceChanged(approver *Client, online bool) {
	e := presenceEvent(approver, online, h.now().UTC())

	var targets []*Client
	h.mu.RLock()
	for userID, set := range h.clients {
		if userID == approver.userID {
			continue
		}
		for client := range set {
			if client.role != model.RoleAdmin {
				targets = append(targets, client)
			}
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		h.sendTo(client, e)
	}
}

// announceOnline brings a new session up to date on approvers already online
func (h *Hub) announceOnline(client *Client) {
	if client.role == model.RoleAdmin {
		return
	}
	now := h.now().UTC()
	var approvers []*Client
	h.mu.RLock()
	for userID, set := range h.clients {
		if userID == client.userID {
			continue
		}
		for other := range set {
			if other.tier.Valid() {
				approvers = append(approvers, other)
				break
			}
		}
	}
	h.mu.RUnlock()

	for _, approver := range approvers {
		h.sendTo(client, presenceEvent(approver, true, now))
	}
}

func presenceEvent(approver *Client, online bool, at time.Time) events.Event {
	return events.Event{
		Type: events.TypeApproverStatusChange,
		Payload: map[string]interface{}{
			"user_id": approver.userID.String(),
			"name":    approver.name,
			"tier":    approver.tier.String(),
			"online":  online,
		},
		At: at,
	}
}

// IsOnline reports whether userID has at least one open session
func (h *Hub) IsOnline(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

func (h *Hub) Name() string { return "websocket" }

// Deliver pushes e to the sessions it targets. Sessions whose buffer is full
// are dropped; the client can reconnect and poll state.
func (h *Hub) Deliver(ctx context.Context, e events.Event) error {
	message, err := json.Marshal(e)
	if err != nil {
		return err
	}

	var slow []*Client
	h.mu.RLock()
	for _, client := range h.targets(e) {
		select {
		case client.send <- message:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.log.Warn().Str("user_id", client.userID.String()).Msg("websocket send buffer full, closing session")
		h.remove(client)
	}
	return nil
}

// targets must be called with mu held
func (h *Hub) targets(e events.Event) []*Client {
	var out []*Client
	broadcast := len(e.Recipients) == 0 && len(e.Roles) == 0

	seen := make(map[*Client]struct{})
	add := func(c *Client) {
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}

	for _, id := range e.Recipients {
		for client := range h.clients[id] {
			add(client)
		}
	}
	if broadcast || len(e.Roles) > 0 {
		for _, set := range h.clients {
			for client := range set {
				if broadcast || containsRole(e.Roles, client.role) {
					add(client)
				}
			}
		}
	}
	return out
}

func containsRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func (h *Hub) sendTo(client *Client, e events.Event) {
	message, err := json.Marshal(e)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[client.userID][client]; !ok {
		return
	}
	select {
	case client.send <- message:
	default:
	}
}

// writePump handles writing messages from the Hub to the WebSocket connection
// and keeps the session alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// readPump drains the connection; a pong extends the read deadline
func (c *Client) readPump() {
	pongWait := c.hub.opts.PingInterval * 2
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug().Err(err).Str("user_id", c.userID.String()).Msg("websocket read error")
			}
			return
		}
	}
}

// ServeWs authenticates the peer before upgrading; nothing is sent to an
// unauthenticated connection
func (h *Hub) ServeWs(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		if header := c.GetHeader("Authorization"); len(header) > 7 && header[:7] == "Bearer " {
			tokenString = header[7:]
		} else if cookie, err := c.Cookie("access_token"); err == nil {
			tokenString = cookie
		}
	}
	if tokenString == "" {
		h.log.Info().Msg("websocket connection rejected: missing token")
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	principal, err := middleware.ParseToken(h.secret, tokenString)
	if err != nil {
		h.log.Info().Err(err).Msg("websocket connection rejected: invalid token")
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.opts.SendBuffer),
		userID: principal.ID,
		role:   principal.Role,
		tier:   principal.Tier,
		name:   principal.Name,
	}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
