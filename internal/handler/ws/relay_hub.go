package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatrelay-backend/internal/domain"
	"chatrelay-backend/internal/service/dispatch"
	apperrors "chatrelay-backend/pkg/errors"
)

// Server to client event names. "chats" is the initial full snapshot;
// the rest mirror the session lifecycle and per-chat updates.
const (
	EventChats       = "chats"
	EventMessage     = "whatsapp-message"
	EventChatUpdated = "chat-updated"
	EventQR          = "qr"
	EventReady       = "ready"
	EventConnecting  = "connecting"
	EventDisconnect  = "disconnected"
	EventAuthFailure = "auth_failure"
	EventError       = "error"
)

// Client to server event names.
const (
	EventSendMessage = "send_message"
	EventClearUnread = "clear_unread"
)

// bridgeChannel carries every broadcast through Redis Pub/Sub so a relay
// restarted behind a load balancer, or a second read-only instance, sees
// the same stream.
const bridgeChannel = "relay:events"

const sendTimeout = 30 * time.Second

var wsConnectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "relay_ws_connections",
	Help: "Number of connected WebSocket clients",
})

// Envelope is the wire frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type bridgeFrame struct {
	Origin string          `json:"origin"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Dispatcher sends an operator message out to the network. Wired after
// construction because the dispatch service needs the hub as its session
// state source.
type Dispatcher interface {
	Send(ctx context.Context, input *dispatch.SendInput) (*dispatch.SendResult, error)
}

// Snapshots is the chat repository surface the hub reads for the initial
// sync and socket-issued clear_unread.
type Snapshots interface {
	ListAll() domain.ChatStore
	ClearUnread(ctx context.Context, address string) (*domain.Chat, error)
}

// RelayHub fans every relay event out to all connected clients. There are
// no rooms: every operator console sees every conversation.
type RelayHub struct {
	log         *zap.Logger
	snapshots   Snapshots
	redisClient *redis.Client
	originID    string

	mu         sync.RWMutex
	clients    map[*Client]bool
	dispatcher Dispatcher
	connState  domain.ConnState
	connDetail string
	pendingQR  string

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
}

// Client is one WebSocket connection with its buffered outbound queue.
type Client struct {
	hub  *RelayHub
	conn *websocket.Conn
	send chan []byte
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in dev, restrict in production
	},
}

// NewRelayHub creates the hub and starts its run loop. redisClient may be
// nil for single-instance deployments; the bridge is then disabled.
func NewRelayHub(snapshots Snapshots, redisClient *redis.Client, log *zap.Logger) *RelayHub {
	if log == nil {
		log = zap.NewNop()
	}
	hub := &RelayHub{
		log:         log,
		snapshots:   snapshots,
		redisClient: redisClient,
		originID:    uuid.NewString(),
		clients:     make(map[*Client]bool),
		connState:   domain.StateConnecting,
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan []byte, 256),
	}

	go hub.run()
	if redisClient != nil {
		go hub.runBridge()
	}

	return hub
}

// SetDispatcher wires the outbound pipeline. Must be called before the
// first client connects.
func (h *RelayHub) SetDispatcher(d Dispatcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dispatcher = d
}

// State reports the current session connectivity, consumed by the
// dispatch service to reject sends while the session is down.
func (h *RelayHub) State() domain.ConnState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connState
}

// Broadcast fans an event out to every connected client and, when the
// bridge is enabled, to the other relay instances.
func (h *RelayHub) Broadcast(event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.log.Error("failed to marshal broadcast payload",
			zap.String("event", event),
			zap.Error(err))
		return
	}
	h.fanOut(event, payload)
	h.publish(event, payload)
}

// SetConnectivity records the session state and announces the transition.
// The pairing code is kept so clients that connect while pairing is in
// progress still receive it.
func (h *RelayHub) SetConnectivity(state domain.ConnState, detail string) {
	h.mu.Lock()
	h.connState = state
	h.connDetail = detail
	if state == domain.StateAwaitingPairing {
		h.pendingQR = detail
	} else if state == domain.StateReady {
		h.pendingQR = ""
	}
	h.mu.Unlock()

	event, payload := connectivityFrame(state, detail)
	h.fanOut(event, payload)
	h.publish(event, payload)
}

func connectivityFrame(state domain.ConnState, detail string) (string, json.RawMessage) {
	detailJSON, _ := json.Marshal(detail)
	switch state {
	case domain.StateAwaitingPairing:
		return EventQR, detailJSON
	case domain.StateReady:
		return EventReady, nil
	case domain.StateDisconnected:
		return EventDisconnect, detailJSON
	case domain.StateAuthFailed:
		return EventAuthFailure, detailJSON
	default:
		return EventConnecting, nil
	}
}

func (h *RelayHub) fanOut(event string, payload json.RawMessage) {
	frame, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		return
	}
	h.broadcast <- frame
}

func (h *RelayHub) publish(event string, payload json.RawMessage) {
	if h.redisClient == nil {
		return
	}
	frame, err := json.Marshal(bridgeFrame{Origin: h.originID, Event: event, Data: payload})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.redisClient.Publish(ctx, bridgeChannel, frame).Err(); err != nil {
		h.log.Warn("event bridge publish failed", zap.Error(err))
	}
}

// run handles hub operations
func (h *RelayHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			wsConnectionsGauge.Inc()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				wsConnectionsGauge.Dec()
			}
			h.mu.Unlock()

		case frame := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- frame:
				default:
					// Slow consumer, drop the connection rather
					// than block the whole fan-out.
					delete(h.clients, client)
					close(client.send)
					wsConnectionsGauge.Dec()
				}
			}
			h.mu.Unlock()
		}
	}
}

// runBridge forwards broadcasts published by other relay instances to the
// local clients. Frames this instance published are skipped by origin.
func (h *RelayHub) runBridge() {
	ctx := context.Background()
	pubsub := h.redisClient.Subscribe(ctx, bridgeChannel)
	defer pubsub.Close()

	for msg := range pubsub.Channel() {
		var frame bridgeFrame
		if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
			h.log.Warn("malformed bridge frame", zap.Error(err))
			continue
		}
		if frame.Origin == h.originID {
			continue
		}
		h.fanOut(frame.Event, frame.Data)
	}
}

// ServeWS upgrades the connection and pushes the catch-up frames: the
// full chat snapshot, the current session state, and the pending pairing
// code when one is outstanding.
func (h *RelayHub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}

	client.queue(EventChats, h.snapshots.ListAll())

	h.mu.RLock()
	state, detail, pendingQR := h.connState, h.connDetail, h.pendingQR
	h.mu.RUnlock()
	if event, payload := connectivityFrame(state, detail); event != EventQR {
		client.queueRaw(event, payload)
	}
	if pendingQR != "" {
		client.queue(EventQR, pendingQR)
	}

	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// queue marshals and enqueues a frame for this client only.
func (c *Client) queue(event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		c.hub.log.Error("failed to marshal client frame",
			zap.String("event", event),
			zap.Error(err))
		return
	}
	c.queueRaw(event, payload)
}

func (c *Client) queueRaw(event string, payload json.RawMessage) {
	frame, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

// readPump reads client frames and routes the two supported commands.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("websocket closed unexpectedly", zap.Error(err))
			}
			break
		}

		var envelope Envelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			c.queue(EventError, gin.H{"code": apperrors.ErrCodeInvalidInput, "message": "malformed frame"})
			continue
		}

		switch envelope.Event {
		case EventSendMessage:
			c.handleSend(envelope.Data)
		case EventClearUnread:
			c.handleClearUnread(envelope.Data)
		default:
			c.queue(EventError, gin.H{"code": apperrors.ErrCodeInvalidInput, "message": "unknown event: " + envelope.Event})
		}
	}
}

// handleSend routes a send_message frame to the dispatch pipeline. Errors
// go back to the issuing client only; success is visible to everyone via
// the broadcasts dispatch itself emits.
func (c *Client) handleSend(data json.RawMessage) {
	c.hub.mu.RLock()
	dispatcher := c.hub.dispatcher
	c.hub.mu.RUnlock()
	if dispatcher == nil {
		c.queue(EventError, gin.H{"code": apperrors.ErrCodeServiceUnavail, "message": "dispatch not available"})
		return
	}

	var input dispatch.SendInput
	if err := json.Unmarshal(data, &input); err != nil {
		c.queue(EventError, gin.H{"code": apperrors.ErrCodeInvalidInput, "message": "malformed send_message payload"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if _, err := dispatcher.Send(ctx, &input); err != nil {
		c.queue(EventError, apperrors.GetAppError(err))
	}
}

func (c *Client) handleClearUnread(data json.RawMessage) {
	var input struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(data, &input); err != nil || input.Address == "" {
		c.queue(EventError, gin.H{"code": apperrors.ErrCodeMissingField, "message": "address is required"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	chat, err := c.hub.snapshots.ClearUnread(ctx, input.Address)
	if err != nil {
		c.hub.log.Warn("clear_unread persist failed", zap.String("address", input.Address), zap.Error(err))
	}
	if chat == nil {
		c.queue(EventError, apperrors.ChatNotFoundError())
		return
	}
	c.hub.Broadcast(EventChatUpdated, chat)
}

// writePump writes queued frames and keeps the connection alive with
// periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(frame)

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
