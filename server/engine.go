package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Options 构造 Engine 的依赖；未提供的协作方使用默认实现
type Options struct {
	Categories []CategoryConfig // 覆盖默认分区表
	Delta      DeltaBuilder
	Sink       EventSink
	Persister  Persister // 为空时跳过持久化
	Reporter   ErrorReporter
	Logger     *zap.SugaredLogger
	Now        func() time.Time
	NewID      func() string
}

// Engine 实时同步引擎：房间生命周期、分类型变更入口、派发与统计
type Engine struct {
	store       *RoomStore
	queues      *QueueSet
	viewports   *ViewportRegistry
	categories  *CategoryRegistry
	scheduler   *Scheduler
	distributor *SelectiveDistributor

	delta     DeltaBuilder
	persister Persister
	reporter  ErrorReporter
	log       *zap.SugaredLogger
	now       func() time.Time
	newID     func() string

	lifecycle sync.Mutex // 串行化房间创建/销毁

	metricsMu sync.RWMutex
	metrics   map[string]*SyncMetrics
	totals    *SyncMetrics
}

func NewEngine(opts Options) (*Engine, error) {
	categories, err := NewCategoryRegistry(opts.Categories)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		categories: categories,
		queues:     NewQueueSet(),
		delta:      opts.Delta,
		persister:  opts.Persister,
		reporter:   opts.Reporter,
		log:        opts.Logger,
		now:        opts.Now,
		newID:      opts.NewID,
		metrics:    make(map[string]*SyncMetrics),
		totals:     newSyncMetrics(nil),
	}
	if e.log == nil {
		e.log = Logger()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.delta == nil {
		e.delta = NewSummaryDeltaBuilder()
	}
	if e.reporter == nil {
		e.reporter = LogReporter{Log: e.log}
	}
	sink := opts.Sink
	if sink == nil {
		sink = discardSink{}
	}
	e.store = NewRoomStore(e.now)
	e.viewports = NewViewportRegistry(e.now)
	e.distributor = NewSelectiveDistributor(e.viewports, sink)
	e.scheduler = NewScheduler(categories, e.tick)
	return e, nil
}

// InitializeRoom 幂等：重复调用返回已有状态，不会重置，也不会重复启动 ticker
func (e *Engine) InitializeRoom(roomID string, initial *RoomState) *RoomState {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.queues.Open(roomID)
	st, created := e.store.Initialize(roomID, initial)
	if !created {
		e.log.Debugw("room already initialized, keeping existing state", "room", roomID)
		return st
	}
	e.metricsMu.Lock()
	e.metrics[roomID] = newSyncMetrics(e.totals)
	e.metricsMu.Unlock()
	e.scheduler.Start(roomID)
	e.log.Infow("room initialized", "room", roomID)
	return st
}

// DestroyRoom 停止 ticker 并清理房间所有结构；未派发的更新随之丢弃
func (e *Engine) DestroyRoom(roomID string) bool {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.scheduler.Stop(roomID)
	existed := e.store.Remove(roomID)
	e.queues.Close(roomID)
	e.viewports.Drop(roomID)
	e.metricsMu.Lock()
	delete(e.metrics, roomID)
	e.metricsMu.Unlock()
	if f, ok := e.delta.(interface{ Forget(string) }); ok {
		f.Forget(roomID)
	}
	if existed {
		e.log.Infow("room destroyed", "room", roomID)
	}
	return existed
}

// Close 停止所有房间的 ticker（进程退出前先 ForceSyncAll）
func (e *Engine) Close() {
	e.scheduler.StopAll()
}

func (e *Engine) IsInitialized(roomID string) bool { return e.store.IsInitialized(roomID) }

// Rooms 已初始化的房间
func (e *Engine) Rooms() []string { return e.store.IDs() }

// GetRoomState 房间状态副本
func (e *Engine) GetRoomState(roomID string) (*RoomState, bool) { return e.store.Get(roomID) }

// GetCategoryState 分区状态副本；派发前即可读到最新值
func (e *Engine) GetCategoryState(roomID string, cat CategoryID) (any, bool) {
	return e.store.Category(roomID, cat)
}

// Pending 查看 (room, category) 当前待派发的更新
func (e *Engine) Pending(roomID string, cat CategoryID) []PendingUpdate {
	return e.queues.Pending(roomID, cat)
}

func (e *Engine) Categories() []CategoryConfig { return e.categories.All() }

func (e *Engine) Category(cat CategoryID) (CategoryConfig, bool) { return e.categories.Get(cat) }

// Reconfigure 热更新分区配置，并替换所有运行中房间该分区的 ticker
func (e *Engine) Reconfigure(cat CategoryID, cfg CategoryConfig) error {
	if cfg.ID == "" {
		cfg.ID = cat
	}
	if !cat.Known() || cfg.ID != cat {
		err := fmt.Errorf("%w: %q", ErrUnknownCategory, cat)
		e.reporter.ReportSyncError("", cat, err)
		return err
	}
	if err := e.categories.set(cfg); err != nil {
		e.reporter.ReportSyncError("", cat, err)
		return err
	}
	e.scheduler.Restart(cat)
	e.log.Infow("category reconfigured", "category", cat, "priority", cfg.Priority,
		"updateRate", cfg.UpdateRate, "persistent", cfg.Persistent)
	return nil
}

// UpdateViewport 覆盖玩家可视区域；房间未初始化返回 false
func (e *Engine) UpdateViewport(roomID, playerID string, vp Viewport) bool {
	if !e.store.IsInitialized(roomID) {
		return false
	}
	e.viewports.Update(roomID, playerID, vp)
	return true
}

func (e *Engine) RemoveViewport(roomID, playerID string) {
	e.viewports.Remove(roomID, playerID)
}

// IsVisible 无可视区域记录时返回 true
func (e *Engine) IsVisible(roomID, playerID string, pos Position, radius float64) bool {
	return e.viewports.IsVisible(roomID, playerID, pos, radius)
}

// Distributor 暴露给传输层做一次性筛选/投递
func (e *Engine) Distributor() *SelectiveDistributor { return e.distributor }

// ForceSyncAll 并行对所有分区执行一次派发并等待完成
func (e *Engine) ForceSyncAll(ctx context.Context, roomID string) error {
	if !e.store.IsInitialized(roomID) {
		return fmt.Errorf("force sync %s: %w", roomID, ErrRoomNotInitialized)
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, cat := range AllCategories {
		wg.Add(1)
		go func(cat CategoryID) {
			defer wg.Done()
			if err := e.dispatch(ctx, roomID, cat); err != nil {
				e.reporter.ReportSyncError(roomID, cat, err)
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(cat)
	}
	wg.Wait()
	return errs
}

// GetSyncStats 房间队列深度、分区配置与运行指标（只读）
func (e *Engine) GetSyncStats(roomID string) (SyncStats, bool) {
	depths, ok := e.queues.Depths(roomID)
	if !ok {
		return SyncStats{}, false
	}
	stats := SyncStats{
		RoomID:        roomID,
		Categories:    make(map[CategoryID]CategoryStats, len(depths)),
		Viewports:     len(e.viewports.Players(roomID)),
		TimersRunning: e.scheduler.Running(roomID),
	}
	for _, cfg := range e.categories.All() {
		stats.Categories[cfg.ID] = CategoryStats{Config: cfg, QueueDepth: depths[cfg.ID]}
		stats.TotalPending += depths[cfg.ID]
	}
	e.metricsMu.RLock()
	m := e.metrics[roomID]
	e.metricsMu.RUnlock()
	if m != nil {
		stats.Metrics = m.Snapshot()
	}
	return stats, true
}

// GetSystemMetrics 所有房间的汇总（只读）
func (e *Engine) GetSystemMetrics() SystemMetrics {
	total, byCat := e.queues.Totals()
	return SystemMetrics{
		Rooms:             e.store.Len(),
		TotalPending:      total,
		PendingByCategory: byCat,
		Viewports:         e.viewports.Count(),
		Categories:        e.categories.All(),
		Metrics:           e.totals.Snapshot(),
	}
}

func (e *Engine) metricsFor(roomID string) *SyncMetrics {
	e.metricsMu.RLock()
	m := e.metrics[roomID]
	e.metricsMu.RUnlock()
	if m == nil {
		return e.totals
	}
	return m
}

// discardSink 未配置传输层时使用
type discardSink struct{}

func (discardSink) AddEvent(string, Event, Priority) error               { return nil }
func (discardSink) AddPlayerEvent(string, string, Event, Priority) error { return nil }
