package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"assembly-line-supervisor/internal/metrics"
	"assembly-line-supervisor/internal/notify"
	"assembly-line-supervisor/internal/supervisor"
	"assembly-line-supervisor/internal/types"
)

// 客户端发来的事件
const (
	EventJoinStation = "join_posto"
	EventRequestSync = "global/request_sync"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// ErrHubBusy 广播通道已满，消息被丢弃
var ErrHubBusy = errors.New("websocket hub busy")

// Envelope 推送与接收的消息外壳
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Source 新客户端加入时的首帧数据来源
type Source interface {
	StationPayload(id types.StationID) (notify.StationPayload, bool)
	GlobalStatus() supervisor.GlobalStatus
}

type client struct {
	conn  *websocket.Conn
	send  chan []byte
	rooms map[string]bool // 仅由 Run 协程读写
}

type roomMessage struct {
	room string // 空表示全部客户端
	data []byte
}

type joinRequest struct {
	c    *client
	room string
}

type directMessage struct {
	c    *client
	data []byte
}

// Hub 管理全部 WebSocket 客户端，按房间 (工站) 推送消息。
// 客户端集合只在 Run 协程中修改。
type Hub struct {
	clients    map[*client]bool
	broadcast  chan roomMessage
	register   chan *client
	unregister chan *client
	join       chan joinRequest
	direct     chan directMessage

	done chan struct{} // Run 退出后关闭

	source Source
	logger *slog.Logger
}

// NewHub 创建 Hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan roomMessage, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		join:       make(chan joinRequest),
		direct:     make(chan directMessage),
		done:       make(chan struct{}),
		logger:     logger.With("component", "hub"),
	}
}

// SetSource 设置首帧数据来源，须在 ServeWs 之前调用
func (h *Hub) SetSource(src Source) { h.source = src }

// Run Hub 主循环，ctx 结束时关闭全部连接
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return nil
		case c := <-h.register:
			h.clients[c] = true
			metrics.WebsocketClients.Set(float64(len(h.clients)))
		case c := <-h.unregister:
			if h.clients[c] {
				h.drop(c)
			}
		case req := <-h.join:
			if h.clients[req.c] {
				req.c.rooms[req.room] = true
			}
		case m := <-h.direct:
			if h.clients[m.c] {
				h.deliver(m.c, m.data)
			}
		case m := <-h.broadcast:
			for c := range h.clients {
				if m.room == "" || c.rooms[m.room] {
					h.deliver(c, m.data)
				}
			}
		}
	}
}

// deliver 慢客户端直接断开，不阻塞主循环
func (h *Hub) deliver(c *client, data []byte) {
	select {
	case c.send <- data:
	default:
		h.logger.Warn("客户端发送缓冲已满，断开连接", "remote", c.conn.RemoteAddr().String())
		h.drop(c)
	}
}

func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	metrics.WebsocketClients.Set(float64(len(h.clients)))
}

// Broadcast 实现 notify.Notifier。room 为空时推送给全部客户端。
func (h *Hub) Broadcast(event, room string, payload any) error {
	data, err := encode(event, payload)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- roomMessage{room: room, data: data}:
		return nil
	default:
		return ErrHubBusy
	}
}

// Alert 实现 notify.Notifier，告警只推送到对应工站房间
func (h *Hub) Alert(id types.StationID, message, color string, duration time.Duration) error {
	return h.Broadcast(notify.TopicAlert, notify.Room(id), notify.AlertPayload{
		Station:  id.String(),
		Message:  message,
		Color:    color,
		Duration: duration.Milliseconds(),
	})
}

func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// upgrader 将 HTTP 连接升级为 WebSocket 连接
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 看板与工站平板在同一内网，不校验来源
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWs 处理 WebSocket 请求
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("升级 WebSocket 失败", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer), rooms: make(map[string]bool)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go h.writePump(c)
	h.readPump(c)
}

// readPump 处理 join_posto 与 global/request_sync，连接断开时注销客户端
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Envelope
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket 读取结束", "error", err)
			}
			return
		}
		switch msg.Event {
		case EventJoinStation:
			h.handleJoin(c, msg.Data)
		case EventRequestSync:
			if h.source != nil {
				h.sendTo(c, notify.TopicGlobalSync, h.source.GlobalStatus())
			}
		default:
			h.logger.Debug("忽略未知客户端事件", "event", msg.Event)
		}
	}
}

// handleJoin 加入工站房间并立即推送该工站的当前快照。
// data 可以是 "posto_1"、1 或 {"posto": "posto_1"}。
func (h *Hub) handleJoin(c *client, data json.RawMessage) {
	var body struct {
		Posto json.RawMessage `json:"posto"`
	}
	if err := json.Unmarshal(data, &body); err == nil && len(body.Posto) > 0 {
		data = body.Posto
	}
	raw := string(data)
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		raw = s
	}
	id, err := types.ParseStationID(raw)
	if err != nil {
		h.logger.Debug("join_posto 工站无效", "posto", raw)
		return
	}
	select {
	case h.join <- joinRequest{c: c, room: notify.Room(id)}:
	case <-h.done:
		return
	}
	if h.source == nil {
		return
	}
	if snap, ok := h.source.StationPayload(id); ok {
		h.sendTo(c, notify.TopicStateSnapshot, snap)
	}
}

func (h *Hub) sendTo(c *client, event string, payload any) {
	data, err := encode(event, payload)
	if err != nil {
		h.logger.Error("序列化消息失败", "event", event, "error", err)
		return
	}
	select {
	case h.direct <- directMessage{c: c, data: data}:
	case <-h.done:
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Warn("写入 WebSocket 失败", "error", err)
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
