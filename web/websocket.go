package web

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"lines-service/logger"
	"lines-service/pkg/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WSMessage WebSocket消息结构
type WSMessage struct {
	Type       string      `json:"type"`
	Kind       string      `json:"kind,omitempty"`
	Source     string      `json:"source,omitempty"`
	GameID     int64       `json:"game_id,omitempty"`
	RoutingKey string      `json:"routing_key,omitempty"`
	Timestamp  int64       `json:"timestamp,omitempty"`
	Data       interface{} `json:"data,omitempty"`
}

// Client WebSocket客户端
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu      sync.RWMutex
	sources map[string]bool // 来源过滤器
	gameIDs map[int64]bool  // 比赛ID过滤器
}

// Hub WebSocket Hub，把线路变更扇出给所有订阅的客户端
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *WSMessage
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

// NewHub 创建新的Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *WSMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run 运行Hub，直到 ctx 取消
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			logger.Info("WebSocket client registered", nil, zap.Int("clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logger.Info("WebSocket client unregistered", nil, zap.Int("clients", total))

		case message := <-h.broadcast:
			h.deliver(message)
		}
	}
}

// deliver 发送缓冲已满的客户端视为过慢，直接断开
func (h *Hub) deliver(message *WSMessage) {
	data := marshalMessage(message)

	var slow []*Client
	h.mu.RLock()
	for client := range h.clients {
		if !client.shouldReceive(message) {
			continue
		}
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range slow {
		if _, ok := h.clients[client]; ok {
			close(client.send)
			delete(h.clients, client)
		}
	}
	h.mu.Unlock()
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast 推送线路变更；队列已满时丢弃
func (h *Hub) Broadcast(change models.LineChange) {
	msg := &WSMessage{
		Type:       "line_change",
		Kind:       string(change.Kind),
		Source:     change.Source,
		GameID:     change.GameID,
		RoutingKey: change.RoutingKey(),
		Timestamp:  change.ObservedAt.Unix(),
		Data:       change.Game,
	}

	select {
	case h.broadcast <- msg:
	default:
		logger.Warn("WebSocket broadcast queue full, dropping change", nil,
			zap.String("routing_key", msg.RoutingKey))
	}
}

func marshalMessage(message *WSMessage) []byte {
	data, err := json.Marshal(message)
	if err != nil {
		logger.Errorf("Failed to marshal message: %v", err)
		return []byte("{}")
	}
	return data
}

// shouldReceive 检查客户端是否应该接收消息；全部暂停总是推送
func (c *Client) shouldReceive(message *WSMessage) bool {
	if message.Kind == string(models.ChangeSuspendAll) {
		return true
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.sources) > 0 && !c.sources[message.Source] {
		return false
	}
	if len(c.gameIDs) > 0 && !c.gameIDs[message.GameID] {
		return false
	}
	return true
}

// readPump 读取客户端消息
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("WebSocket error", nil, zap.Error(err))
			}
			break
		}

		c.handleMessage(message)
	}
}

// writePump 向客户端写入消息并定期 ping
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
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

type clientRequest struct {
	Type    string   `json:"type"`
	Sources []string `json:"sources"`
	GameIDs []int64  `json:"game_ids"`
}

// handleMessage 处理客户端发送的订阅请求
func (c *Client) handleMessage(message []byte) {
	var req clientRequest
	if err := json.Unmarshal(message, &req); err != nil {
		logger.Warn("Failed to unmarshal client message", nil, zap.Error(err))
		return
	}

	switch req.Type {
	case "subscribe":
		c.mu.Lock()
		c.sources = make(map[string]bool, len(req.Sources))
		for _, s := range req.Sources {
			c.sources[s] = true
		}
		c.gameIDs = make(map[int64]bool, len(req.GameIDs))
		for _, id := range req.GameIDs {
			c.gameIDs[id] = true
		}
		c.mu.Unlock()
		logger.Info("Client subscribed", nil,
			zap.Strings("sources", req.Sources),
			zap.Int64s("game_ids", req.GameIDs))
		c.ack("subscribed")

	case "unsubscribe":
		c.mu.Lock()
		c.sources = nil
		c.gameIDs = nil
		c.mu.Unlock()
		logger.Info("Client unsubscribed", nil)
		c.ack("unsubscribed")
	}
}

// ack 回执可能与 hub 关闭 send 并发，recover 掉向已关闭通道写入
func (c *Client) ack(kind string) {
	defer func() { _ = recover() }()
	select {
	case c.send <- marshalMessage(&WSMessage{Type: kind, Timestamp: time.Now().Unix()}):
	default:
	}
}
