package server

import (
	"sync"
	"time"
)

// UpdateType 待派发更新的子类型
type UpdateType string

const (
	UpdateCharacter   UpdateType = "character_update"
	UpdateInventory   UpdateType = "inventory_update"
	UpdateCombat      UpdateType = "combat_update"
	UpdateMap         UpdateType = "map_update"
	UpdateUI          UpdateType = "ui_update"
	UpdateChat        UpdateType = "chat_message"
	UpdateSettings    UpdateType = "settings_update"
	UpdateTokenAdd    UpdateType = "token_add"
	UpdateTokenMove   UpdateType = "token_move"
	UpdateTokenUpdate UpdateType = "token_update"
	UpdateTokenRemove UpdateType = "token_remove"
)

func (t UpdateType) String() string { return string(t) }

// PendingUpdate 一次变更的记录：变更时创建，成功派发后丢弃
type PendingUpdate struct {
	ID        string     `json:"id"`
	Category  CategoryID `json:"category"`
	Type      UpdateType `json:"type"`
	PlayerID  string     `json:"playerId,omitempty"`
	Payload   any        `json:"payload"`
	Timestamp time.Time  `json:"timestamp"`
}

// broadcastRecipient 房间广播在 sentTo 中的键
const broadcastRecipient = "*"

// queuedUpdate 队列内部记录；sentTo 记录已成功投递的接收方，重试时不重复投递
type queuedUpdate struct {
	PendingUpdate
	sentTo map[string]struct{}
}

func (u *queuedUpdate) sent(recipient string) bool {
	_, ok := u.sentTo[recipient]
	return ok
}

func (u *queuedUpdate) markSent(recipient string) {
	if u.sentTo == nil {
		u.sentTo = make(map[string]struct{}, 1)
	}
	u.sentTo[recipient] = struct{}{}
}

// updateQueue 单个 (room, category) 的 FIFO。dispatchMu 串行化同一队列的派发
type updateQueue struct {
	mu         sync.Mutex
	items      []*queuedUpdate
	dispatchMu sync.Mutex
}

func (q *updateQueue) push(u *queuedUpdate) {
	q.mu.Lock()
	q.items = append(q.items, u)
	q.mu.Unlock()
}

// drain 整体换出当前列表，生产者只会看到空或新追加的部分
func (q *updateQueue) drain() []*queuedUpdate {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.items
	q.items = nil
	return batch
}

// restore 把失败的批次按原顺序放回队首
func (q *updateQueue) restore(batch []*queuedUpdate) {
	if len(batch) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := make([]*queuedUpdate, 0, len(batch)+len(q.items))
	merged = append(merged, batch...)
	q.items = append(merged, q.items...)
}

func (q *updateQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *updateQueue) snapshot() []PendingUpdate {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingUpdate, len(q.items))
	for i, u := range q.items {
		out[i] = u.PendingUpdate
	}
	return out
}

// QueueSet 按房间、分区组织的待派发队列
type QueueSet struct {
	mu    sync.RWMutex
	rooms map[string]map[CategoryID]*updateQueue
}

func NewQueueSet() *QueueSet {
	return &QueueSet{rooms: make(map[string]map[CategoryID]*updateQueue)}
}

// Open 为房间建立所有分区的队列（已存在则保持不变）
func (qs *QueueSet) Open(roomID string) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	if _, ok := qs.rooms[roomID]; ok {
		return
	}
	m := make(map[CategoryID]*updateQueue, len(AllCategories))
	for _, c := range AllCategories {
		m[c] = &updateQueue{}
	}
	qs.rooms[roomID] = m
}

// Close 丢弃房间的所有队列
func (qs *QueueSet) Close(roomID string) {
	qs.mu.Lock()
	delete(qs.rooms, roomID)
	qs.mu.Unlock()
}

// Enqueue 追加到 (room, category) 队尾；房间或分区不存在返回 false
func (qs *QueueSet) Enqueue(roomID string, u PendingUpdate) bool {
	q := qs.queue(roomID, u.Category)
	if q == nil {
		return false
	}
	q.push(&queuedUpdate{PendingUpdate: u})
	return true
}

// Pending 返回队列内容副本（按入队顺序）
func (qs *QueueSet) Pending(roomID string, cat CategoryID) []PendingUpdate {
	q := qs.queue(roomID, cat)
	if q == nil {
		return nil
	}
	return q.snapshot()
}

// Depths 房间各分区队列长度
func (qs *QueueSet) Depths(roomID string) (map[CategoryID]int, bool) {
	qs.mu.RLock()
	m, ok := qs.rooms[roomID]
	qs.mu.RUnlock()
	if !ok {
		return nil, false
	}
	out := make(map[CategoryID]int, len(m))
	for c, q := range m {
		out[c] = q.len()
	}
	return out, true
}

// Totals 所有房间的待派发总数及分区汇总
func (qs *QueueSet) Totals() (int, map[CategoryID]int) {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	total := 0
	byCat := make(map[CategoryID]int, len(AllCategories))
	for _, m := range qs.rooms {
		for c, q := range m {
			n := q.len()
			byCat[c] += n
			total += n
		}
	}
	return total, byCat
}

func (qs *QueueSet) queue(roomID string, cat CategoryID) *updateQueue {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	return qs.rooms[roomID][cat]
}
