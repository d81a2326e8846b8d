package server

import (
	"sync/atomic"
)

// SyncMetrics 记录同步运行期的关键指标；parent 非空时同时累加到进程级汇总
type SyncMetrics struct {
	DispatchCount    int64 // 非空批次的派发次数
	UpdatesEnqueued  int64 // 入队的更新数
	UpdatesDelivered int64 // 交给传输层的更新条数（按接收方计）
	DispatchFailures int64 // 批次被放回队首的次数
	DeltaFailures    int64 // 增量计算失败次数（仍会投递原始批次）
	PersistFailures  int64 // 持久化失败次数
	PersistWrites    int64 // 持久化成功次数
	TotalDispatchNs  int64 // 派发累计耗时（纳秒）

	parent *SyncMetrics
}

func newSyncMetrics(parent *SyncMetrics) *SyncMetrics {
	return &SyncMetrics{parent: parent}
}

func (m *SyncMetrics) IncEnqueued() {
	for c := m; c != nil; c = c.parent {
		atomic.AddInt64(&c.UpdatesEnqueued, 1)
	}
}

func (m *SyncMetrics) AddDelivered(n int) {
	for c := m; c != nil; c = c.parent {
		atomic.AddInt64(&c.UpdatesDelivered, int64(n))
	}
}

func (m *SyncMetrics) IncDispatchFailure() {
	for c := m; c != nil; c = c.parent {
		atomic.AddInt64(&c.DispatchFailures, 1)
	}
}

func (m *SyncMetrics) IncDeltaFailure() {
	for c := m; c != nil; c = c.parent {
		atomic.AddInt64(&c.DeltaFailures, 1)
	}
}

func (m *SyncMetrics) IncPersistFailure() {
	for c := m; c != nil; c = c.parent {
		atomic.AddInt64(&c.PersistFailures, 1)
	}
}

func (m *SyncMetrics) IncPersisted() {
	for c := m; c != nil; c = c.parent {
		atomic.AddInt64(&c.PersistWrites, 1)
	}
}

func (m *SyncMetrics) AddDispatch(ns int64) {
	for c := m; c != nil; c = c.parent {
		atomic.AddInt64(&c.DispatchCount, 1)
		atomic.AddInt64(&c.TotalDispatchNs, ns)
	}
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *SyncMetrics) Snapshot() map[string]any {
	n := atomic.LoadInt64(&m.DispatchCount)
	total := atomic.LoadInt64(&m.TotalDispatchNs)
	var avgMs float64
	if n > 0 {
		avgMs = float64(total) / float64(n) / 1e6
	}
	return map[string]any{
		"dispatch_count":    n,
		"updates_enqueued":  atomic.LoadInt64(&m.UpdatesEnqueued),
		"updates_delivered": atomic.LoadInt64(&m.UpdatesDelivered),
		"dispatch_failures": atomic.LoadInt64(&m.DispatchFailures),
		"delta_failures":    atomic.LoadInt64(&m.DeltaFailures),
		"persist_failures":  atomic.LoadInt64(&m.PersistFailures),
		"persist_writes":    atomic.LoadInt64(&m.PersistWrites),
		"avg_dispatch_ms":   avgMs,
	}
}

// CategoryStats 单个分区的配置与当前队列深度
type CategoryStats struct {
	Config     CategoryConfig `json:"config"`
	QueueDepth int            `json:"queueDepth"`
}

// SyncStats 单个房间的同步概况
type SyncStats struct {
	RoomID        string                       `json:"roomId"`
	Categories    map[CategoryID]CategoryStats `json:"categories"`
	TotalPending  int                          `json:"totalPending"`
	Viewports     int                          `json:"viewports"`
	TimersRunning bool                         `json:"timersRunning"`
	Metrics       map[string]any               `json:"metrics"`
}

// SystemMetrics 进程级汇总
type SystemMetrics struct {
	Rooms             int                `json:"rooms"`
	TotalPending      int                `json:"totalPending"`
	PendingByCategory map[CategoryID]int `json:"pendingByCategory"`
	Viewports         int                `json:"viewports"`
	Categories        []CategoryConfig   `json:"categories"`
	Metrics           map[string]any     `json:"metrics"`
}
