package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Changeset 一次派发交给增量计算的批次
type Changeset struct {
	Category  CategoryID      `json:"category"`
	Updates   []PendingUpdate `json:"updates"`
	Timestamp time.Time       `json:"timestamp"`
}

// StateUpdate 增量计算结果
type StateUpdate struct {
	RoomID    string     `json:"roomId"`
	Category  CategoryID `json:"category"`
	Version   int64      `json:"version"`
	Timestamp time.Time  `json:"timestamp"`
	UpdateIDs []string   `json:"updateIds"`
	Changed   []string   `json:"changed,omitempty"`
}

// DeltaBuilder 不得修改 state
type DeltaBuilder interface {
	CreateStateUpdate(roomID string, state *RoomState, cs Changeset) (*StateUpdate, error)
}

// Event 投递给传输层的消息
type Event struct {
	Type        string          `json:"type"`
	Category    CategoryID      `json:"category"`
	Data        []PendingUpdate `json:"data"`
	DeltaUpdate *StateUpdate    `json:"deltaUpdate,omitempty"`
}

const EventStateUpdate = "state_update"

// EventSink 批量传输层：房间广播与定向投递
type EventSink interface {
	AddEvent(roomID string, ev Event, p Priority) error
	AddPlayerEvent(roomID, playerID string, ev Event, p Priority) error
}

// Persister 持久化网关；失败不会回滚内存状态
type Persister interface {
	UpdateGameState(ctx context.Context, roomID string, state *RoomState, delta *StateUpdate) error
}

// ErrorReporter 派发或协作方失败的上报出口
type ErrorReporter interface {
	ReportSyncError(roomID string, cat CategoryID, err error)
}

// LogReporter 把失败写进 zap 日志
type LogReporter struct {
	Log *zap.SugaredLogger
}

func (r LogReporter) ReportSyncError(roomID string, cat CategoryID, err error) {
	r.Log.Errorw("sync dispatch failed", "room", roomID, "category", cat, "error", err)
}

// SummaryDeltaBuilder 默认增量：每房间递增版本号 + 本批次涉及的实体键
type SummaryDeltaBuilder struct {
	mu       sync.Mutex
	versions map[string]int64
}

func NewSummaryDeltaBuilder() *SummaryDeltaBuilder {
	return &SummaryDeltaBuilder{versions: make(map[string]int64)}
}

func (b *SummaryDeltaBuilder) CreateStateUpdate(roomID string, _ *RoomState, cs Changeset) (*StateUpdate, error) {
	b.mu.Lock()
	b.versions[roomID]++
	v := b.versions[roomID]
	b.mu.Unlock()

	su := &StateUpdate{
		RoomID:    roomID,
		Category:  cs.Category,
		Version:   v,
		Timestamp: cs.Timestamp,
		UpdateIDs: make([]string, 0, len(cs.Updates)),
	}
	seen := make(map[string]bool)
	for _, u := range cs.Updates {
		su.UpdateIDs = append(su.UpdateIDs, u.ID)
		if k := changedKey(u); k != "" && !seen[k] {
			seen[k] = true
			su.Changed = append(su.Changed, k)
		}
	}
	return su, nil
}

// Forget 房间销毁时清理版本号
func (b *SummaryDeltaBuilder) Forget(roomID string) {
	b.mu.Lock()
	delete(b.versions, roomID)
	b.mu.Unlock()
}

func changedKey(u PendingUpdate) string {
	switch p := u.Payload.(type) {
	case CharacterPayload:
		return p.CharacterID
	case TokenPayload:
		return p.TokenID
	case InventoryPayload:
		return p.PlayerID
	case UIPayload:
		return p.PlayerID
	case ChatPayload:
		return p.Message.ID
	}
	return ""
}
