// Package ws streams committed domain events to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/collectex/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
	sendBufferSize = 256

	// replayLimit caps catch-up frames so they fit the send buffer next to
	// the hello frame.
	replayLimit = sendBufferSize - 8
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// client represents a single websocket connection. An empty type set means
// every event type.
type client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	mu    sync.RWMutex
	types map[domain.EventType]bool
}

// subscribeMsg is the JSON frame a client sends to narrow or widen its
// stream.
type subscribeMsg struct {
	Action string             `json:"action"` // "subscribe" or "unsubscribe"
	Types  []domain.EventType `json:"types"`
}

type broadcastMsg struct {
	typ  domain.EventType
	data []byte
}

// Hub fans committed events out to connected clients. Events arrive either
// through Publish or, when a bus is attached, from the bus channel.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	// done is closed when Run returns; nothing serves register or
	// unregister after that.
	done       chan struct{}
	bus        domain.SignalBus
	channel    string
	mu         sync.RWMutex
	logger     *slog.Logger
	startedAt  time.Time
}

// NewHub creates a hub with no bus attached.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, sendBufferSize),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "ws_hub")),
		startedAt:  time.Now().UTC(),
	}
}

// WithBus makes Run relay events published on channel of bus.
func (h *Hub) WithBus(bus domain.SignalBus, channel string) *Hub {
	h.bus = bus
	h.channel = channel
	return h
}

// Publish queues ev for every subscribed client. It never blocks: when the
// hub is backed up the event is dropped for websocket delivery only.
func (h *Hub) Publish(ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("ws: marshal event", slog.String("error", err.Error()))
		return
	}
	h.enqueue(broadcastMsg{typ: ev.Type, data: data})
}

func (h *Hub) enqueue(msg broadcastMsg) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws: broadcast queue full, dropping event",
			slog.String("type", string(msg.typ)),
		)
	}
}

// Run drives registration and broadcasting until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	if h.bus != nil {
		if err := h.relay(ctx); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(msg.typ) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.Warn("ws: dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// relay subscribes to the bus channel and feeds the broadcast queue.
func (h *Hub) relay(ctx context.Context) error {
	msgs, err := h.bus.Subscribe(ctx, h.channel)
	if err != nil {
		return err
	}
	h.logger.Info("ws: subscribed to channel", slog.String("channel", h.channel))
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-msgs:
				if !ok {
					h.logger.Warn("ws: channel subscription closed", slog.String("channel", h.channel))
					return
				}
				var head struct {
					Type domain.EventType `json:"type"`
				}
				if err := json.Unmarshal(data, &head); err != nil {
					h.logger.Warn("ws: undecodable event", slog.String("error", err.Error()))
					continue
				}
				h.enqueue(broadcastMsg{typ: head.Type, data: data})
			}
		}
	}()
	return nil
}

// HandleWS upgrades an HTTP request and registers the client. With a bus
// attached, from=<stream id> first replays the durable stream after that id
// ("0" for the start). Catch-up and live delivery may overlap; clients
// dedupe on seq.
// GET /ws?types=order_filled,staked&from=1760868000000-0
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBufferSize),
		types: make(map[domain.EventType]bool),
	}
	for _, t := range splitTypes(r.URL.Query().Get("types")) {
		c.types[t] = true
	}

	hello := map[string]any{
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"types":          c.typeList(),
	}
	var backlog [][]byte
	if from := r.URL.Query().Get("from"); from != "" && h.bus != nil {
		var lastID string
		backlog, lastID = h.replay(r.Context(), c, from)
		hello["replayed"] = len(backlog)
		if lastID != "" {
			hello["last_id"] = lastID
		}
	}
	c.queue(map[string]any{"type": "hello", "payload": hello})
	for _, data := range backlog {
		c.send <- data
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// replay reads up to replayLimit stream entries after from and keeps the
// ones c wants. It returns the last stream id read so clients can resume.
func (h *Hub) replay(ctx context.Context, c *client, from string) ([][]byte, string) {
	msgs, err := h.bus.StreamRead(ctx, h.channel, from, replayLimit)
	if err != nil {
		h.logger.Warn("ws: stream replay failed", slog.String("from", from), slog.String("error", err.Error()))
		return nil, ""
	}
	var (
		out    [][]byte
		lastID string
	)
	for _, m := range msgs {
		lastID = m.ID
		var head struct {
			Type domain.EventType `json:"type"`
		}
		if json.Unmarshal(m.Payload, &head) != nil || !c.wants(head.Type) {
			continue
		}
		out = append(out, m.Payload)
	}
	return out, lastID
}

func splitTypes(s string) []domain.EventType {
	var out []domain.EventType
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, domain.EventType(part))
		}
	}
	return out
}

func (c *client) wants(t domain.EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.types) == 0 || c.types[t]
}

func (c *client) typeList() []domain.EventType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.EventType, 0, len(c.types))
	for t := range c.types {
		out = append(out, t)
	}
	return out
}

// queue marshals v onto the client's send buffer without blocking.
func (c *client) queue(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err != nil || sub.Action == "" {
			continue
		}
		c.handleSubscription(sub)
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	switch msg.Action {
	case "subscribe":
		for _, t := range msg.Types {
			c.types[t] = true
		}
	case "unsubscribe":
		for _, t := range msg.Types {
			delete(c.types, t)
		}
	}
	c.mu.Unlock()
	c.queue(map[string]any{"type": "subscribed", "payload": map[string]any{"types": c.typeList()}})
}

// writePump sends queued frames and periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
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
