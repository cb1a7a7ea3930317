package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/RecoveryAshes/CommentHarvest/internal/models"
	"github.com/RecoveryAshes/CommentHarvest/internal/utils"
)

const (
	// 单次写入超时
	writeWait = 10 * time.Second

	// 入站消息上限(批量请求可能携带上百个视频ID)
	maxMessageSize = 64 * 1024

	msgPing = "ping"
	msgPong = "pong"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 仅监听本机地址,允许扩展页面跨源连接
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EnvelopeHandler 处理客户端发来的消息
type EnvelopeHandler func(client *Client, env models.Envelope)

// Client 一个WebSocket连接
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// Hub 管理所有WebSocket连接并广播采集事件
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	handler    EnvelopeHandler
	onConnect  func(*Client)
	sendBuffer int
	pingPeriod time.Duration

	mu sync.RWMutex
}

// NewHub 创建连接中心,sendBuffer为每个客户端的发送缓冲
func NewHub(handler EnvelopeHandler, sendBuffer int, pingPeriod time.Duration) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		handler:    handler,
		sendBuffer: sendBuffer,
		pingPeriod: pingPeriod,
	}
}

// SetOnConnect 客户端注册后的回调(推送当前会话状态)
func (h *Hub) SetOnConnect(fn func(*Client)) {
	h.onConnect = fn
}

// pongWait 必须大于心跳周期
func (h *Hub) pongWait() time.Duration {
	return h.pingPeriod * 10 / 9
}

// Run 主循环,ctx取消后断开所有连接
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
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
			n := len(h.clients)
			h.mu.Unlock()
			utils.Infof("🔌 客户端已连接: %s (共 %d)", client.id, n)
			if h.onConnect != nil {
				h.onConnect(client)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			utils.Infof("客户端已断开: %s (共 %d)", client.id, n)

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// 发送缓冲已满,丢弃慢客户端
					utils.Warnf("客户端 %s 发送缓冲已满,断开连接", client.id)
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast 向所有客户端广播消息,可直接注册为会话监听器
func (h *Hub) Broadcast(env models.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		utils.Warnf("序列化消息 %s 失败: %v", env.Type, err)
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	}
}

// ServeWS 升级HTTP连接并启动读写循环
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		utils.Warnf("WebSocket升级失败: %v", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.sendBuffer),
		id:   uuid.NewString()[:8],
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

// Send 只发给当前客户端
func (c *Client) Send(env models.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	defer func() {
		// send可能已被hub关闭
		_ = recover()
	}()
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	pongWait := c.hub.pongWait()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				utils.Warnf("WebSocket读取失败: %v", err)
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Type == "" {
			utils.Debugf("忽略无法解析的消息: %s", utils.Truncate(string(message), 80))
			continue
		}
		if env.Type == msgPing {
			c.Send(models.MustEnvelope(msgPong, nil))
			continue
		}
		if c.hub.handler != nil {
			c.hub.handler(c, env)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingPeriod)
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
			// 每条消息单独成帧,便于客户端逐条解析
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
