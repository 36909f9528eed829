// File: internal/server/websocket.go
package server

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/airport/internal/service"
)

// MessageType defines the kind of message being sent.
type MessageType string

// Client to server.
const (
	MsgTypeStartRun    MessageType = "StartRun"
	MsgTypeResume      MessageType = "Resume"
	MsgTypeStop        MessageType = "Stop"
	MsgTypeRemoteClick MessageType = "RemoteClick"
	MsgTypeGetStatus   MessageType = "GetStatus"
)

// Server to client.
const (
	MsgTypeRunStarted   MessageType = "RunStarted"
	MsgTypeStep         MessageType = "Step"
	MsgTypeAwaitingUser MessageType = "AwaitingUser"
	MsgTypeActed        MessageType = "Acted"
	MsgTypeRunFinished  MessageType = "RunFinished"
	MsgTypeStatusUpdate MessageType = "StatusUpdate"
	MsgTypeAck          MessageType = "Ack"
	MsgTypeSystemError  MessageType = "SystemError"
)

// WSMessage is the envelope of every websocket frame.
type WSMessage struct {
	Type MessageType `json:"type"`
	// Data payload. Using a generic map for flexibility; specific structures can be parsed from this.
	Data map[string]interface{} `json:"data,omitempty"`
	// Timestamp formatted as RFC3339.
	Timestamp string `json:"timestamp"`
	// RequestID correlates a reply with the client message that caused it.
	RequestID string `json:"request_id,omitempty"`
}

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 8192
	// Send buffer size
	sendChannelSize = 256
)

var eventMessageTypes = map[string]MessageType{
	service.EventStep:     MsgTypeStep,
	service.EventAwaiting: MsgTypeAwaitingUser,
	service.EventActed:    MsgTypeActed,
	service.EventFinished: MsgTypeRunFinished,
}

// Hub fans run events out to every connected websocket client.
type Hub struct {
	logger   *zap.Logger
	runs     RunController
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

// wsClient is a single websocket connection with its message pumps.
type wsClient struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	// Buffered channel of outgoing messages. The writePump reads from this.
	send chan WSMessage
}

// NewHub creates a hub accepting handshakes from origins.
func NewHub(logger *zap.Logger, runs RunController, origins []string) *Hub {
	h := &Hub{
		logger:  logger.Named("ws_hub"),
		runs:    runs,
		clients: make(map[*wsClient]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || originAllowed(origins, origin)
		},
	}
	return h
}

// Publish converts a run event to a frame and queues it on every client.
func (h *Hub) Publish(ev service.Event) {
	typ, ok := eventMessageTypes[ev.Type]
	if !ok {
		return
	}
	data, err := structToMap(ev)
	if err != nil {
		h.logger.Error("Failed to encode run event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	h.broadcast(newMessage(typ, "", data))
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) broadcast(msg WSMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.queue(msg)
	}
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeHTTP upgrades the connection and runs the client's pumps until it
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader.Upgrade automatically sends an HTTP error response if it fails.
		h.logger.Warn("Failed to upgrade connection to WebSocket", zap.Error(err))
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan WSMessage, sendChannelSize),
	}
	if !h.register(client) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}
	h.logger.Info("WebSocket client connected.", zap.String("client_id", client.id), zap.String("remoteAddr", r.RemoteAddr))

	// The first frame is the current status so late joiners can render.
	if st, err := h.runs.Status(""); err == nil {
		if data, err := structToMap(st); err == nil {
			client.reply(newMessage(MsgTypeStatusUpdate, "", data))
		}
	}

	go client.writePump()
	client.readPump()
	h.logger.Debug("WebSocket client finished.", zap.String("client_id", client.id))
}

// readPump processes client frames until the connection fails.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.hub.logger.Error("Failed to set initial read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var incomingMsg WSMessage
		if err := c.conn.ReadJSON(&incomingMsg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("WebSocket closed unexpectedly", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		c.hub.logger.Debug("Received message from client",
			zap.String("type", string(incomingMsg.Type)), zap.String("requestID", incomingMsg.RequestID))
		c.processMessage(incomingMsg)
	}
}

// writePump owns all writes to the connection and keeps it alive with pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				c.hub.logger.Debug("Error writing JSON message to WebSocket", zap.String("client_id", c.id), zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type startPayload struct {
	Goal     string `json:"goal"`
	MaxSteps int    `json:"max_steps"`
}

type resumePayload struct {
	RunID    string `json:"run_id"`
	Response string `json:"response"`
}

type clickPayload struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

func (c *wsClient) processMessage(msg WSMessage) {
	runs := c.hub.runs
	switch msg.Type {
	case MsgTypeStartRun:
		p, err := mapToStruct[startPayload](msg.Data)
		if err != nil || strings.TrimSpace(p.Goal) == "" {
			c.sendError(msg.RequestID, "StartRun requires a non-empty 'goal'.")
			return
		}
		info, err := runs.Start(p.Goal, p.MaxSteps)
		if err != nil {
			c.sendError(msg.RequestID, err.Error())
			return
		}
		data, _ := structToMap(info)
		c.reply(newMessage(MsgTypeRunStarted, msg.RequestID, data))

	case MsgTypeResume:
		p, err := mapToStruct[resumePayload](msg.Data)
		if err != nil {
			c.sendError(msg.RequestID, fmt.Sprintf("Invalid Resume payload: %v", err))
			return
		}
		c.ack(msg.RequestID, runs.Resume(p.RunID, p.Response))

	case MsgTypeStop:
		p, _ := mapToStruct[resumePayload](msg.Data)
		c.ack(msg.RequestID, runs.Stop(p.RunID))

	case MsgTypeRemoteClick:
		p, err := mapToStruct[clickPayload](msg.Data)
		if err != nil || p.X == nil || p.Y == nil {
			c.sendError(msg.RequestID, "RemoteClick requires 'x' and 'y'.")
			return
		}
		c.ack(msg.RequestID, runs.RemoteClick(*p.X, *p.Y))

	case MsgTypeGetStatus:
		p, _ := mapToStruct[resumePayload](msg.Data)
		st, err := runs.Status(p.RunID)
		if err != nil {
			c.sendError(msg.RequestID, err.Error())
			return
		}
		data, _ := structToMap(st)
		c.reply(newMessage(MsgTypeStatusUpdate, msg.RequestID, data))

	default:
		c.hub.logger.Warn("Received unknown message type from client", zap.String("type", string(msg.Type)))
		c.sendError(msg.RequestID, fmt.Sprintf("Unknown or unsupported message type: %s", msg.Type))
	}
}

func (c *wsClient) ack(requestID string, err error) {
	if err != nil {
		c.sendError(requestID, err.Error())
		return
	}
	c.reply(newMessage(MsgTypeAck, requestID, nil))
}

func (c *wsClient) sendError(requestID string, errorMessage string) {
	c.reply(newMessage(MsgTypeSystemError, requestID, map[string]interface{}{"error": errorMessage}))
}

// queue hands msg to the writePump without blocking. The caller holds the
// hub lock.
func (c *wsClient) queue(msg WSMessage) {
	select {
	case c.send <- msg:
	default:
		c.hub.logger.Warn("WebSocket send buffer full, dropping message.",
			zap.String("client_id", c.id), zap.String("type", string(msg.Type)))
	}
}

// reply queues msg for this client only, if it is still registered.
func (c *wsClient) reply(msg WSMessage) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if _, ok := c.hub.clients[c]; ok {
		c.queue(msg)
	}
}

func newMessage(typ MessageType, requestID string, data map[string]interface{}) WSMessage {
	return WSMessage{
		Type:      typ,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: requestID,
	}
}

func mapToStruct[T any](m map[string]interface{}) (T, error) {
	var result T
	if m == nil {
		return result, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return result, err
	}
	err = json.Unmarshal(data, &result)
	return result, err
}

func structToMap(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	err = json.Unmarshal(data, &m)
	return m, err
}
