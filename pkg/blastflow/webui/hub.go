// Package webui serves the BlastFlow dashboard: static assets and a websocket
// endpoint speaking a small event protocol. Every frame in either direction is
// a JSON envelope {"event": "...", "data": ...}.
//
// The Hub owns the connection registry. It is the single source of truth for
// which connections are live and which are dashboard-authenticated; other
// components query it instead of tracking connections themselves.
package webui

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
	sendBuffer   = 256
)

// Envelope is the frame format on the websocket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handler receives client events. HandleEvent runs on the connection's read
// goroutine, so events from one connection are handled in order.
type Handler interface {
	HandleEvent(c *Conn, event string, data json.RawMessage)
	HandleDisconnect(c *Conn)
}

// Conn is one live dashboard connection.
type Conn struct {
	id   string
	ws   *websocket.Conn
	hub  *Hub
	send chan []byte
	done chan struct{}
	once sync.Once

	mu            sync.RWMutex
	authenticated bool
	displayName   string
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Authenticated reports whether the connection passed the room login.
func (c *Conn) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// DisplayName returns the operator name given at login.
func (c *Conn) DisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.displayName
}

// Authenticate marks the connection as admitted under name.
func (c *Conn) Authenticate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.displayName = name
}

// Deauthenticate drops the connection back to the login screen state.
func (c *Conn) Deauthenticate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = false
	c.displayName = ""
}

// Emit queues an event for this connection. It never blocks; a connection
// whose buffer is full is closed.
func (c *Conn) Emit(event string, data any) error {
	frame, err := encode(event, data)
	if err != nil {
		return err
	}
	c.enqueue(frame)
	return nil
}

func (c *Conn) enqueue(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		c.hub.logger.Warn("slow connection dropped", "conn", c.id)
		c.close()
	}
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.hub.logger.Debug("write failed", "conn", c.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// HubConfig configures the websocket endpoint.
type HubConfig struct {
	AllowedOrigins  []string
	MaxMessageBytes int64
}

// Hub is the connection registry and fan-out point.
type Hub struct {
	cfg      HubConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	handlerMu sync.RWMutex
	handler   Handler

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewHub creates an empty hub.
func NewHub(cfg HubConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 1 << 20
	}
	return &Hub{
		cfg:      cfg,
		logger:   logger.With("component", "webui"),
		upgrader: makeUpgrader(cfg.AllowedOrigins),
		conns:    make(map[string]*Conn),
	}
}

// SetHandler installs the client event handler.
func (h *Hub) SetHandler(handler Handler) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	h.handler = handler
}

func (h *Hub) getHandler() Handler {
	h.handlerMu.RLock()
	defer h.handlerMu.RUnlock()
	return h.handler
}

// makeUpgrader creates a websocket upgrader with origin checking. An empty
// list or "*" allows any origin.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Conn{
		id:   uuid.NewString(),
		ws:   ws,
		hub:  h,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.conns[c.id] = c
	total := len(h.conns)
	h.mu.Unlock()
	h.logger.Info("connection opened", "conn", c.id, "remote", r.RemoteAddr, "connections", total)

	go c.writeLoop()
	h.readLoop(c)
}

func (h *Hub) readLoop(c *Conn) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("connection handler panic", "conn", c.id, "error", r)
		}
		h.unregister(c)
	}()

	c.ws.SetReadLimit(h.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("connection read error", "conn", c.id, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil || env.Event == "" {
			h.logger.Warn("invalid frame", "conn", c.id, "error", err)
			continue
		}
		if handler := h.getHandler(); handler != nil {
			handler.HandleEvent(c, env.Event, env.Data)
		}
	}
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	total := len(h.conns)
	h.mu.Unlock()
	c.close()

	if handler := h.getHandler(); handler != nil {
		handler.HandleDisconnect(c)
	}
	h.logger.Info("connection closed", "conn", c.id, "connections", total)
}

// snapshot returns the live connections at call time.
func (h *Hub) snapshot() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// IsLive reports whether connID is still connected.
func (h *Hub) IsLive(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[connID]
	return ok
}

// Conn returns a live connection by id.
func (h *Hub) Conn(connID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	return c, ok
}

// Counts returns the number of live and authenticated connections.
func (h *Hub) Counts() (live, authenticated int) {
	for _, c := range h.snapshot() {
		live++
		if c.Authenticated() {
			authenticated++
		}
	}
	return live, authenticated
}

// BroadcastAuthenticated sends an event to every authenticated connection.
// Connections that close mid-broadcast are skipped.
func (h *Hub) BroadcastAuthenticated(event string, data any) {
	h.broadcast(event, data, func(c *Conn) bool { return c.Authenticated() })
}

// BroadcastAll sends an event to every connection regardless of login state.
func (h *Hub) BroadcastAll(event string, data any) {
	h.broadcast(event, data, func(*Conn) bool { return true })
}

// BroadcastExcept sends an event to every connection other than exceptID.
func (h *Hub) BroadcastExcept(exceptID, event string, data any) {
	h.broadcast(event, data, func(c *Conn) bool { return c.id != exceptID })
}

// SendTo sends an event to a single connection. It reports false when the
// connection is gone.
func (h *Hub) SendTo(connID, event string, data any) bool {
	c, ok := h.Conn(connID)
	if !ok {
		return false
	}
	if err := c.Emit(event, data); err != nil {
		h.logger.Error("encoding event failed", "event", event, "error", err)
		return false
	}
	return true
}

// DeauthenticateAll returns every connection to the unauthenticated state.
func (h *Hub) DeauthenticateAll() {
	for _, c := range h.snapshot() {
		c.Deauthenticate()
	}
}

func (h *Hub) broadcast(event string, data any, match func(*Conn) bool) {
	frame, err := encode(event, data)
	if err != nil {
		h.logger.Error("encoding event failed", "event", event, "error", err)
		return
	}
	for _, c := range h.snapshot() {
		if match(c) {
			c.enqueue(frame)
		}
	}
}

// Close closes every connection.
func (h *Hub) Close() {
	for _, c := range h.snapshot() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.close()
	}
}

func encode(event string, data any) ([]byte, error) {
	env := struct {
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
	}{Event: event, Data: data}
	frame, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", event, err)
	}
	return frame, nil
}
