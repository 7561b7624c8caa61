package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"satoshiflip-backend/internal/models"
	"satoshiflip-backend/internal/services"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	clientBuffer   = 32
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Message struct {
	Type   string      `json:"type"`
	UserID string      `json:"user_id,omitempty"`
	GameID string      `json:"game_id,omitempty"`
	Data   interface{} `json:"data"`
}

type Client struct {
	UserID string
	conn   *websocket.Conn
	send   chan *Message
}

// WebSocketHub tracks live connections per user. Game events reach every
// connection; balance updates only reach the players involved.
type WebSocketHub struct {
	games  *services.GameService
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

func NewWebSocketHub(games *services.GameService, logger *zap.Logger) *WebSocketHub {
	return &WebSocketHub{
		games:   games,
		logger:  logger,
		clients: make(map[string]map[*Client]struct{}),
	}
}

func (hub *WebSocketHub) register(client *Client) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	conns, ok := hub.clients[client.UserID]
	if !ok {
		conns = make(map[*Client]struct{})
		hub.clients[client.UserID] = conns
	}
	conns[client] = struct{}{}
	hub.logger.Debug("websocket client registered", zap.String("user_id", client.UserID))
}

func (hub *WebSocketHub) unregister(client *Client) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	conns, ok := hub.clients[client.UserID]
	if !ok {
		return
	}
	if _, ok := conns[client]; !ok {
		return
	}
	delete(conns, client)
	if len(conns) == 0 {
		delete(hub.clients, client.UserID)
	}
	close(client.send)
	hub.logger.Debug("websocket client unregistered", zap.String("user_id", client.UserID))
}

// ClientCount returns the number of open connections.
func (hub *WebSocketHub) ClientCount() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	n := 0
	for _, conns := range hub.clients {
		n += len(conns)
	}
	return n
}

// enqueue must be called with hub.mu held for reading.
func (hub *WebSocketHub) enqueue(client *Client, msg *Message) {
	select {
	case client.send <- msg:
	default:
		hub.logger.Warn("websocket client lagging, dropping message",
			zap.String("user_id", client.UserID),
			zap.String("type", msg.Type))
	}
}

func (hub *WebSocketHub) sendTo(client *Client, msg *Message) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	if _, ok := hub.clients[client.UserID][client]; ok {
		hub.enqueue(client, msg)
	}
}

func (hub *WebSocketHub) broadcastMessage(msg *Message) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	if msg.UserID != "" {
		for client := range hub.clients[msg.UserID] {
			hub.enqueue(client, msg)
		}
		return
	}
	for _, conns := range hub.clients {
		for client := range conns {
			hub.enqueue(client, msg)
		}
	}
}

func (hub *WebSocketHub) connected(userID string) bool {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.clients[userID]) > 0
}

// Run relays game events until ctx is done or the feed closes.
func (hub *WebSocketHub) Run(ctx context.Context, events <-chan *models.GameEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			hub.relay(ctx, event)
		}
	}
}

func (hub *WebSocketHub) relay(ctx context.Context, event *models.GameEvent) {
	hub.broadcastMessage(&Message{
		Type:   "GAME_UPDATE",
		GameID: event.GameID,
		Data:   event,
	})

	for _, userID := range event.Participants() {
		if !hub.connected(userID) {
			continue
		}
		msg, err := hub.balanceMessage(ctx, userID)
		if err != nil {
			hub.logger.Warn("failed to load balance for websocket update",
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		hub.broadcastMessage(msg)
	}
}

func (hub *WebSocketHub) balanceMessage(ctx context.Context, userID string) (*Message, error) {
	balance, err := hub.games.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:   "BALANCE_UPDATE",
		UserID: userID,
		Data: models.BalanceResponse{
			UserID:     userID,
			Balance:    balance,
			BalanceBTC: models.FormatBTC(balance),
		},
	}, nil
}

type WebSocketHandler struct {
	hub    *WebSocketHub
	logger *zap.Logger
}

func NewWebSocketHandler(hub *WebSocketHub, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:    hub,
		logger: logger,
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	userID := c.GetString("user_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade to websocket", zap.Error(err))
		return
	}

	client := &Client{
		UserID: userID,
		conn:   conn,
		send:   make(chan *Message, clientBuffer),
	}
	h.hub.register(client)
	go h.writePump(client)

	if msg, err := h.hub.balanceMessage(c.Request.Context(), userID); err == nil {
		h.hub.sendTo(client, msg)
	}

	h.readPump(client)
}

func (h *WebSocketHandler) readPump(client *Client) {
	defer func() {
		h.hub.unregister(client)
		client.conn.Close()
	}()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := client.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Info("websocket closed", zap.String("user_id", client.UserID), zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case "PING":
			h.hub.sendTo(client, &Message{
				Type: "PONG",
				Data: gin.H{"timestamp": time.Now().Unix()},
			})
		}
	}
}

// writePump is the only goroutine writing to the connection.
func (h *WebSocketHandler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
