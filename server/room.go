package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// StateLoader 从持久层恢复房间状态；ok=false 表示没有副本
type StateLoader interface {
	Load(ctx context.Context, roomID string) (*RoomState, bool, error)
}

// hubRoom 房间内在线的连接（playerID -> conn）
type hubRoom struct {
	mu      sync.RWMutex
	clients map[string]*ClientConn
}

// Hub WebSocket 传输层，实现 EventSink；房间成员关系由连接决定
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]*hubRoom
	engine *Engine
	loader StateLoader
	log    *zap.SugaredLogger
}

func NewHub(log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = Logger()
	}
	return &Hub{rooms: make(map[string]*hubRoom), log: log}
}

// Attach 绑定引擎与可选的状态恢复源（Engine 构造时需要 Hub 作为 Sink，因此分两步）
func (h *Hub) Attach(e *Engine, loader StateLoader) {
	h.engine = e
	h.loader = loader
}

// AddEvent 广播给房间内所有在线连接
func (h *Hub) AddEvent(roomID string, ev Event, p Priority) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	hr := h.room(roomID)
	if hr == nil {
		return nil
	}
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	for pid, c := range hr.clients {
		if !c.Enqueue(b, p) {
			h.log.Debugw("send buffer full, frame dropped", "room", roomID, "player", pid, "category", ev.Category)
		}
	}
	return nil
}

// AddPlayerEvent 定向投递；玩家不在线时静默丢弃
func (h *Hub) AddPlayerEvent(roomID, playerID string, ev Event, p Priority) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	hr := h.room(roomID)
	if hr == nil {
		return nil
	}
	hr.mu.RLock()
	c := hr.clients[playerID]
	hr.mu.RUnlock()
	if c != nil && !c.Enqueue(b, p) {
		h.log.Debugw("send buffer full, frame dropped", "room", roomID, "player", playerID, "category", ev.Category)
	}
	return nil
}

// Online 房间在线玩家数
func (h *Hub) Online(roomID string) int {
	hr := h.room(roomID)
	if hr == nil {
		return 0
	}
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	return len(hr.clients)
}

// Close 断开所有连接
func (h *Hub) Close() error {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[string]*hubRoom)
	h.mu.Unlock()
	var errs error
	for _, hr := range rooms {
		hr.mu.Lock()
		for _, c := range hr.clients {
			errs = multierr.Append(errs, c.Close())
		}
		hr.mu.Unlock()
	}
	return errs
}

// join 同一玩家重复接入时替换旧连接
func (h *Hub) join(roomID, playerID string, c *ClientConn) {
	h.mu.Lock()
	hr, ok := h.rooms[roomID]
	if !ok {
		hr = &hubRoom{clients: make(map[string]*ClientConn)}
		h.rooms[roomID] = hr
	}
	h.mu.Unlock()

	hr.mu.Lock()
	prev := hr.clients[playerID]
	hr.clients[playerID] = c
	hr.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	h.log.Infow("player joined", "room", roomID, "player", playerID)
}

// leave 只在连接仍是当前连接时移除，并清理该玩家的可视区域
func (h *Hub) leave(roomID, playerID string, c *ClientConn) {
	_ = c.Close()
	hr := h.room(roomID)
	if hr == nil {
		return
	}
	hr.mu.Lock()
	current := hr.clients[playerID] == c
	if current {
		delete(hr.clients, playerID)
	}
	hr.mu.Unlock()
	if current {
		h.engine.RemoveViewport(roomID, playerID)
		h.log.Infow("player left", "room", roomID, "player", playerID)
	}
}

func (h *Hub) room(roomID string) *hubRoom {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[roomID]
}
