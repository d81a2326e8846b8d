package server

import (
	"sort"
	"sync"
	"time"
)

// roomSlot 单个房间的权威状态及其独立锁
type roomSlot struct {
	mu    sync.RWMutex
	state *RoomState
}

// RoomStore 持有每个房间唯一的权威状态；外部读取得到的都是深拷贝
type RoomStore struct {
	mu    sync.RWMutex
	rooms map[string]*roomSlot
	now   func() time.Time
}

func NewRoomStore(now func() time.Time) *RoomStore {
	if now == nil {
		now = time.Now
	}
	return &RoomStore{rooms: make(map[string]*roomSlot), now: now}
}

func (s *RoomStore) IsInitialized(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}

// Initialize 幂等：已存在则原样返回（created=false），不会重置进行中的战斗/地图
func (s *RoomStore) Initialize(roomID string, initial *RoomState) (*RoomState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok := s.rooms[roomID]; ok {
		slot.mu.RLock()
		defer slot.mu.RUnlock()
		return slot.state.Clone(), false
	}
	st := newRoomState(roomID, initial, s.now())
	s.rooms[roomID] = &roomSlot{state: st}
	return st.Clone(), true
}

// Get 返回房间状态副本
func (s *RoomStore) Get(roomID string) (*RoomState, bool) {
	slot := s.slot(roomID)
	if slot == nil {
		return nil, false
	}
	slot.mu.RLock()
	defer slot.mu.RUnlock()
	return slot.state.Clone(), true
}

// Category 返回某个分区的状态副本
func (s *RoomStore) Category(roomID string, cat CategoryID) (any, bool) {
	slot := s.slot(roomID)
	if slot == nil {
		return nil, false
	}
	slot.mu.RLock()
	defer slot.mu.RUnlock()
	return slot.state.Section(cat)
}

// Remove 删除房间状态，返回是否存在
func (s *RoomStore) Remove(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	delete(s.rooms, roomID)
	return ok
}

// IDs 已初始化房间列表（排序）
func (s *RoomStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len 房间数
func (s *RoomStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// mutate 在房间写锁内同步执行 fn；房间不存在返回 false
func (s *RoomStore) mutate(roomID string, fn func(st *RoomState, now time.Time)) bool {
	slot := s.slot(roomID)
	if slot == nil {
		return false
	}
	now := s.now()
	slot.mu.Lock()
	defer slot.mu.Unlock()
	fn(slot.state, now)
	slot.state.UpdatedAt = now
	return true
}

func (s *RoomStore) slot(roomID string) *roomSlot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[roomID]
}
