// Package streaming broadcasts live backtest output (orders, signals,
// order book updates) to WebSocket clients.
package streaming

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/someapps/scalpy/pkg/scalpy"
)

// EventType identifies the kind of payload carried by an Event.
type EventType string

const (
	EventTypeOrder     EventType = "order"
	EventTypeSignal    EventType = "signal"
	EventTypeTrade     EventType = "trade"
	EventTypeOrderbook EventType = "orderbook"
	EventTypeStatus    EventType = "status"
	EventTypeError     EventType = "error"
	EventTypeHeartbeat EventType = "heartbeat"
)

// allSymbols is the wildcard subscription key: a client subscribed to
// it for a given EventType receives that type for every symbol.
const allSymbols = ""

// Event is a streaming event sent to clients. Info carries the
// EventInfo (symbol/type/period) that produced the payload, so
// clients can filter by instrument as well as by event kind; it is
// the zero value for event types with no natural instrument (status,
// error, heartbeat).
type Event struct {
	Type      EventType        `json:"type"`
	Info      scalpy.EventInfo `json:"info,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Data      interface{}      `json:"data"`
}

// Hub manages WebSocket connections and broadcasts Events.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	upgrader websocket.Upgrader
}

// Client is a single WebSocket connection with per-event-type,
// per-symbol subscription filtering: subscriptions[type][symbol]
// holds a client's subscribed (EventType, Symbol) pairs, with
// allSymbols acting as a wildcard for that EventType.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	subscriptions map[EventType]map[string]bool
	subMu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Run drives the hub's event loop until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Printf("[Streaming] client connected (%d total)", len(h.clients))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			log.Printf("[Streaming] client disconnected (%d remaining)", len(h.clients))

		case event := <-h.broadcast:
			h.broadcastEvent(event)

		case <-heartbeat.C:
			h.Broadcast(Event{Type: EventTypeHeartbeat, Data: map[string]any{"clients": h.ClientCount()}})
		}
	}
}

func (h *Hub) broadcastEvent(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[Streaming] failed to marshal event: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if !client.isSubscribed(event.Type, event.Info.Symbol) {
			continue
		}
		select {
		case client.send <- data:
		default:
			close(client.send)
			delete(h.clients, client)
		}
	}
}

// Broadcast enqueues an event for delivery; it is dropped if the
// internal buffer is full rather than blocking the caller (the
// engine's dispatch loop).
func (h *Hub) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- event:
	default:
		log.Printf("[Streaming] broadcast channel full, dropping %s event", event.Type)
	}
}

func (h *Hub) BroadcastOrder(info scalpy.EventInfo, order any) {
	h.Broadcast(Event{Type: EventTypeOrder, Info: info, Data: order})
}

func (h *Hub) BroadcastSignal(info scalpy.EventInfo, signal any) {
	h.Broadcast(Event{Type: EventTypeSignal, Info: info, Data: signal})
}

func (h *Hub) BroadcastTrade(info scalpy.EventInfo, trade any) {
	h.Broadcast(Event{Type: EventTypeTrade, Info: info, Data: trade})
}

func (h *Hub) BroadcastOrderbook(info scalpy.EventInfo, book any) {
	h.Broadcast(Event{Type: EventTypeOrderbook, Info: info, Data: book})
}

func (h *Hub) BroadcastStatus(status any) {
	h.Broadcast(Event{Type: EventTypeStatus, Data: status})
}

func (h *Hub) BroadcastError(err error, context string) {
	h.Broadcast(Event{Type: EventTypeError, Data: map[string]any{"error": err.Error(), "context": context}})
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP request to a WebSocket connection,
// subscribed to every event type for every symbol by default.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Streaming] upgrade failed: %v", err)
		return
	}

	client := &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[EventType]map[string]bool),
	}
	for _, et := range []EventType{
		EventTypeOrder, EventTypeSignal, EventTypeTrade, EventTypeOrderbook,
		EventTypeStatus, EventTypeError, EventTypeHeartbeat,
	} {
		client.subscriptions[et] = map[string]bool{allSymbols: true}
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// isSubscribed reports whether the client wants events of this type
// for this symbol: either subscribed to the wildcard, or to the
// symbol specifically. Non-instrument events (status/error/heartbeat)
// carry an empty symbol, which is exactly the wildcard key, so a
// client receives them only while it holds the wildcard subscription
// for that EventType.
func (c *Client) isSubscribed(eventType EventType, symbol string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	symbols, ok := c.subscriptions[eventType]
	if !ok {
		return false
	}
	return symbols[allSymbols] || symbols[symbol]
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Streaming] read error: %v", err)
			}
			break
		}
		c.handleMessage(message)
	}
}

// handleMessage applies a subscribe/unsubscribe control message. A
// message with no Symbols subscribes/unsubscribes the wildcard for
// each listed event type; one with Symbols scopes the change to just
// those symbols. A symbol-scoped subscribe adds to an existing
// wildcard subscription and does not remove it; narrowing to specific
// symbols also takes an unsubscribe of the wildcard.
func (c *Client) handleMessage(message []byte) {
	var msg struct {
		Type    string   `json:"type"`
		Events  []string `json:"events"`
		Symbols []string `json:"symbols"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}

	keys := msg.Symbols
	if len(keys) == 0 {
		keys = []string{allSymbols}
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	switch msg.Type {
	case "subscribe":
		for _, e := range msg.Events {
			et := EventType(e)
			if c.subscriptions[et] == nil {
				c.subscriptions[et] = make(map[string]bool)
			}
			for _, sym := range keys {
				c.subscriptions[et][sym] = true
			}
		}
	case "unsubscribe":
		for _, e := range msg.Events {
			et := EventType(e)
			for _, sym := range keys {
				delete(c.subscriptions[et], sym)
			}
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
