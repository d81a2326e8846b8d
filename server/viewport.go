package server

import (
	"sync"
	"time"
)

// Viewport 玩家最近一次上报的可视区域
type Viewport struct {
	CameraX     float64   `json:"cameraX"`
	CameraY     float64   `json:"cameraY"`
	Zoom        float64   `json:"zoom"`
	Width       float64   `json:"width"`
	Height      float64   `json:"height"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Bounds 可视矩形 [minX,maxX]×[minY,maxY]，向外扩展 radius
func (v Viewport) Bounds(radius float64) (minX, minY, maxX, maxY float64) {
	zoom := v.Zoom
	if zoom <= 0 {
		zoom = 1
	}
	halfW := v.Width / zoom / 2
	halfH := v.Height / zoom / 2
	return v.CameraX - halfW - radius, v.CameraY - halfH - radius,
		v.CameraX + halfW + radius, v.CameraY + halfH + radius
}

// Contains 点是否落在（扩展后的）可视矩形内，边界算可见
func (v Viewport) Contains(p Position, radius float64) bool {
	minX, minY, maxX, maxY := v.Bounds(radius)
	return p.X >= minX && p.X <= maxX && p.Y >= minY && p.Y <= maxY
}

type roomViewports struct {
	mu      sync.RWMutex
	players map[string]Viewport
}

// ViewportRegistry 每个房间、每个玩家的可视区域；没有记录视为全部可见
type ViewportRegistry struct {
	mu    sync.RWMutex
	rooms map[string]*roomViewports
	now   func() time.Time
}

func NewViewportRegistry(now func() time.Time) *ViewportRegistry {
	if now == nil {
		now = time.Now
	}
	return &ViewportRegistry{rooms: make(map[string]*roomViewports), now: now}
}

// Update 覆盖玩家的可视区域并刷新 LastUpdated
func (r *ViewportRegistry) Update(roomID, playerID string, vp Viewport) Viewport {
	vp.LastUpdated = r.now()
	r.mu.Lock()
	rv, ok := r.rooms[roomID]
	if !ok {
		rv = &roomViewports{players: make(map[string]Viewport)}
		r.rooms[roomID] = rv
	}
	r.mu.Unlock()

	rv.mu.Lock()
	rv.players[playerID] = vp
	rv.mu.Unlock()
	return vp
}

// Remove 删除单个玩家的记录
func (r *ViewportRegistry) Remove(roomID, playerID string) {
	rv := r.room(roomID)
	if rv == nil {
		return
	}
	rv.mu.Lock()
	delete(rv.players, playerID)
	rv.mu.Unlock()
}

// Drop 删除整个房间的记录
func (r *ViewportRegistry) Drop(roomID string) {
	r.mu.Lock()
	delete(r.rooms, roomID)
	r.mu.Unlock()
}

func (r *ViewportRegistry) Get(roomID, playerID string) (Viewport, bool) {
	rv := r.room(roomID)
	if rv == nil {
		return Viewport{}, false
	}
	rv.mu.RLock()
	defer rv.mu.RUnlock()
	vp, ok := rv.players[playerID]
	return vp, ok
}

// Players 房间内所有已登记玩家的可视区域副本
func (r *ViewportRegistry) Players(roomID string) map[string]Viewport {
	rv := r.room(roomID)
	if rv == nil {
		return nil
	}
	rv.mu.RLock()
	defer rv.mu.RUnlock()
	out := make(map[string]Viewport, len(rv.players))
	for k, v := range rv.players {
		out[k] = v
	}
	return out
}

// IsVisible 无记录时返回 true（fail-open）
func (r *ViewportRegistry) IsVisible(roomID, playerID string, pos Position, radius float64) bool {
	vp, ok := r.Get(roomID, playerID)
	if !ok {
		return true
	}
	return vp.Contains(pos, radius)
}

// Count 所有房间已登记的可视区域总数
func (r *ViewportRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rv := range r.rooms {
		rv.mu.RLock()
		n += len(rv.players)
		rv.mu.RUnlock()
	}
	return n
}

func (r *ViewportRegistry) room(roomID string) *roomViewports {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID]
}
