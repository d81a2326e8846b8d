package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
	readTimeout  = 60 * time.Second
)

// ClientConn 负责发送（写）数据到客户端的轻量包装
type ClientConn struct {
	ws *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func NewClientConn(ws *websocket.Conn) *ClientConn {
	return &ClientConn{
		ws:   ws,
		send: make(chan []byte, sendBuffer),
	}
}

// Enqueue 将要发送的消息压入队列（非阻塞）。
// 队列满时：critical 挤掉最旧的一帧，其余优先级丢弃新帧；返回是否入队
func (c *ClientConn) Enqueue(b []byte, p Priority) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
	}
	if p != PriorityCritical {
		return false
	}
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// Close 关闭发送队列与底层连接，可重复调用
func (c *ClientConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	return c.ws.Close()
}

// writePump 独立协程，负责从 send 队列写出到 WS
func (c *ClientConn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// ClientMessage 客户端上行消息（WebSocket 文本 JSON）
// 示例：{"type":"viewport","viewport":{"cameraX":0,"cameraY":0,"zoom":1,"width":800,"height":600}}
type ClientMessage struct {
	Type     string        `json:"type"`
	Viewport *Viewport     `json:"viewport,omitempty"`
	Chat     *ChatMessage  `json:"chat,omitempty"`
	Token    *TokenMessage `json:"token,omitempty"`
	UI       *UIPatch      `json:"ui,omitempty"`
}

type TokenMessage struct {
	Kind     string    `json:"kind"`
	TokenID  string    `json:"tokenId"`
	Token    *Token    `json:"token,omitempty"`
	Position *Position `json:"position,omitempty"`
	Fields   Document  `json:"fields,omitempty"`
}

// readPump 读取客户端消息并转交引擎
func (h *Hub) readPump(c *ClientConn, roomID, playerID string) {
	defer h.leave(roomID, playerID, c)
	c.ws.SetReadLimit(1 << 20) // 1MB
	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(readTimeout)) })

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		var msg ClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			h.log.Debugw("bad client message", "room", roomID, "player", playerID, "error", err)
			continue
		}
		h.handleMessage(roomID, playerID, msg)
	}
}

func (h *Hub) handleMessage(roomID, playerID string, msg ClientMessage) {
	switch strings.ToLower(msg.Type) {
	case "viewport":
		if msg.Viewport != nil {
			h.engine.UpdateViewport(roomID, playerID, *msg.Viewport)
		}
	case "chat":
		if msg.Chat != nil {
			chat := *msg.Chat
			chat.PlayerID = playerID
			h.engine.AddChatMessage(roomID, chat)
		}
	case "token":
		if msg.Token == nil {
			return
		}
		kind, ok := ParseTokenChangeKind(msg.Token.Kind)
		if !ok {
			h.log.Debugw("unknown token kind", "room", roomID, "kind", msg.Token.Kind)
			return
		}
		h.engine.UpdateToken(roomID, TokenChange{
			Kind:     kind,
			TokenID:  msg.Token.TokenID,
			Token:    msg.Token.Token,
			Position: msg.Token.Position,
			Fields:   msg.Token.Fields,
		}, playerID)
	case "ui":
		if msg.UI != nil {
			h.engine.UpdateUI(roomID, playerID, *msg.UI)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 由外层会话层负责鉴权与来源校验
		return true
	},
}

// HandleWS WebSocket 接入：?room=room-1&player=alice
// 房间首次有人接入时初始化；存在持久化副本则从中恢复
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	playerID := r.URL.Query().Get("player")
	if roomID == "" || playerID == "" {
		http.Error(w, "missing room or player query", http.StatusBadRequest)
		return
	}

	if !h.engine.IsInitialized(roomID) {
		var initial *RoomState
		if h.loader != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			st, ok, err := h.loader.Load(ctx, roomID)
			cancel()
			switch {
			case err != nil:
				h.log.Errorw("restore room failed", "room", roomID, "error", err)
			case ok:
				initial = st
			}
		}
		h.engine.InitializeRoom(roomID, initial)
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("upgrade error", "error", err)
		return
	}

	client := NewClientConn(ws)
	h.join(roomID, playerID, client)
	if st, ok := h.engine.GetRoomState(roomID); ok {
		if b, err := json.Marshal(map[string]any{"type": "snapshot", "state": st}); err == nil {
			client.Enqueue(b, PriorityCritical)
		}
	}

	go client.writePump()
	go h.readPump(client, roomID, playerID)
}
