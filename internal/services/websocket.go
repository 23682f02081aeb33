package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"chatdesk/internal/metrics"
	"chatdesk/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WebSocket 消息类型
const (
	WSTypeChat  = "chat"
	WSTypePing  = "ping"
	WSTypePong  = "pong"
	WSTypeReply = "reply"
	WSTypeError = "error"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsReadLimit = 8192
)

// WebSocketMessage 下行消息
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// wsInbound 上行消息
type wsInbound struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	UserID  string `json:"user_id"`
}

type WebSocketClient struct {
	ID   string
	Conn *websocket.Conn
	Send chan WebSocketMessage
	Hub  *WebSocketHub

	channel  string
	ip       string
	referrer string

	mu        sync.RWMutex
	sessionID string
}

func (c *WebSocketClient) session() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *WebSocketClient) setSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

type directMessage struct {
	client  *WebSocketClient
	message WebSocketMessage
}

// WebSocketHub 管理聊天连接，所有下行消息经由 Run 循环发送
type WebSocketHub struct {
	chat     *ChatService
	logger   *logrus.Logger
	upgrader websocket.Upgrader
	pongWait time.Duration

	clients    map[string]*WebSocketClient
	broadcast  chan WebSocketMessage
	direct     chan directMessage
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	done       chan struct{}
	mutex      sync.RWMutex
}

// NewWebSocketHub 创建连接中心，allowedOrigins 为空或包含 * 时不校验来源
func NewWebSocketHub(chat *ChatService, allowedOrigins []string, logger *logrus.Logger) *WebSocketHub {
	if logger == nil {
		logger = logrus.New()
	}
	origins := map[string]bool{}
	anyOrigin := len(allowedOrigins) == 0
	for _, o := range allowedOrigins {
		if o == "*" {
			anyOrigin = true
		}
		origins[o] = true
	}
	return &WebSocketHub{
		chat:     chat,
		logger:   logger,
		pongWait: wsPongWait,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return anyOrigin || origin == "" || origins[origin]
			},
		},
		clients:    make(map[string]*WebSocketClient),
		broadcast:  make(chan WebSocketMessage, 64),
		direct:     make(chan directMessage, 64),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		done:       make(chan struct{}),
	}
}

// Run 处理注册、注销与消息分发，ctx 结束时关闭全部连接
func (h *WebSocketHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mutex.Lock()
			for id, client := range h.clients {
				close(client.Send)
				delete(h.clients, id)
			}
			metrics.WebSocketClients.Set(0)
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.ID] = client
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			h.mutex.Unlock()
			h.logger.WithField("client_id", client.ID).Debug("websocket client connected")

		case client := <-h.unregister:
			h.mutex.Lock()
			h.remove(client)
			h.mutex.Unlock()

		case dm := <-h.direct:
			h.mutex.Lock()
			if _, ok := h.clients[dm.client.ID]; ok {
				h.deliver(dm.client, dm.message)
			}
			h.mutex.Unlock()

		case message := <-h.broadcast:
			h.mutex.Lock()
			for _, client := range h.clients {
				if message.SessionID == "" || client.session() == message.SessionID {
					h.deliver(client, message)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// deliver 需持有 mutex；发送缓冲已满的客户端被断开
func (h *WebSocketHub) deliver(client *WebSocketClient, message WebSocketMessage) {
	select {
	case client.Send <- message:
	default:
		h.remove(client)
	}
}

func (h *WebSocketHub) remove(client *WebSocketClient) {
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
	metrics.WebSocketClients.Set(float64(len(h.clients)))
	h.logger.WithField("client_id", client.ID).Debug("websocket client disconnected")
}

// HandleWebSocket 升级连接；session_id 参数可续接已有会话
func (h *WebSocketHub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := &WebSocketClient{
		ID:        utils.GenerateID(),
		Conn:      conn,
		Send:      make(chan WebSocketMessage, 64),
		Hub:       h,
		channel:   "websocket",
		ip:        c.ClientIP(),
		referrer:  c.Request.Referer(),
		sessionID: c.Query("session_id"),
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// SendToSession 向会话的全部连接推送消息
func (h *WebSocketHub) SendToSession(sessionID string, message WebSocketMessage) {
	message.SessionID = sessionID
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	select {
	case h.broadcast <- message:
	case <-h.done:
	}
}

// GetClientCount 当前连接数
func (h *WebSocketHub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (c *WebSocketClient) reply(message WebSocketMessage) {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	select {
	case c.Hub.direct <- directMessage{client: c, message: message}:
	case <-c.Hub.done:
	}
}

func (c *WebSocketClient) readPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(wsReadLimit)
	pongWait := c.Hub.pongWait
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.WithError(err).Warn("websocket read failed")
			}
			return
		}

		var in wsInbound
		if err := json.Unmarshal(raw, &in); err != nil {
			c.reply(WebSocketMessage{Type: WSTypeError, Data: gin.H{"error": "invalid message format"}})
			continue
		}

		switch in.Type {
		case WSTypeChat:
			c.handleChat(in)
			// 处理期间不读取 pong，重新计算读超时
			c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		case WSTypePing:
			c.reply(WebSocketMessage{Type: WSTypePong, SessionID: c.session()})
		default:
			c.reply(WebSocketMessage{Type: WSTypeError, Data: gin.H{"error": "unknown message type: " + in.Type}})
		}
	}
}

func (c *WebSocketClient) handleChat(in wsInbound) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	reply, err := c.Hub.chat.HandleMessage(ctx, &ChatRequest{
		SessionID: c.session(),
		Message:   in.Message,
		Channel:   c.channel,
		UserID:    in.UserID,
		IP:        c.ip,
		Referrer:  c.referrer,
	})
	if err != nil {
		msg := "internal error"
		if errors.Is(err, ErrValidation) || errors.Is(err, ErrSessionBusy) {
			msg = err.Error()
		} else {
			c.Hub.logger.WithError(err).Error("websocket chat failed")
		}
		c.reply(WebSocketMessage{Type: WSTypeError, SessionID: c.session(), Data: gin.H{"error": msg}})
		return
	}

	c.setSession(reply.SessionID)
	c.Hub.SendToSession(reply.SessionID, WebSocketMessage{Type: WSTypeReply, Data: reply, Timestamp: reply.Timestamp})
}

func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(c.Hub.pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
