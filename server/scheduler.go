package server

import (
	"context"
	"sync"
	"time"
)

// dispatchFunc 一次派发（drain → delta → distribute → persist）
type dispatchFunc func(ctx context.Context, roomID string, cat CategoryID)

// categoryTimer 单个 (room, category) 的周期任务
type categoryTimer struct {
	cfg    CategoryConfig
	cancel context.CancelFunc
	done   chan struct{}
}

// stop 取消并等待协程退出；返回后不会再开始新的 tick
func (t *categoryTimer) stop() {
	t.cancel()
	<-t.done
}

// Scheduler 每个房间、每个分区一个 ticker，频率取自分区配置
type Scheduler struct {
	mu         sync.Mutex
	rooms      map[string]map[CategoryID]*categoryTimer
	categories *CategoryRegistry
	dispatch   dispatchFunc
}

func NewScheduler(categories *CategoryRegistry, dispatch dispatchFunc) *Scheduler {
	return &Scheduler{
		rooms:      make(map[string]map[CategoryID]*categoryTimer),
		categories: categories,
		dispatch:   dispatch,
	}
}

// Start 为房间每个分区启动 ticker；已在运行则返回 false
func (s *Scheduler) Start(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; ok {
		return false
	}
	timers := make(map[CategoryID]*categoryTimer, len(AllCategories))
	for _, cfg := range s.categories.All() {
		timers[cfg.ID] = s.spawn(roomID, cfg)
	}
	s.rooms[roomID] = timers
	return true
}

// Stop 取消房间所有 ticker；未启动过也可调用。不要在派发回调里调用（会等待自身）
func (s *Scheduler) Stop(roomID string) {
	s.mu.Lock()
	timers := s.rooms[roomID]
	delete(s.rooms, roomID)
	s.mu.Unlock()
	for _, t := range timers {
		t.stop()
	}
}

// StopAll 停止所有房间
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	all := s.rooms
	s.rooms = make(map[string]map[CategoryID]*categoryTimer)
	s.mu.Unlock()
	for _, timers := range all {
		for _, t := range timers {
			t.stop()
		}
	}
}

// Restart 按最新配置替换所有运行中房间该分区的 ticker。
// 待派发更新在队列里而不在 ticker 里，替换过程不会丢失或重复。
// 配置在 s.mu 内读取，并发的 Restart 以最后一次写入的配置为准
func (s *Scheduler) Restart(cat CategoryID) {
	s.mu.Lock()
	cfg, ok := s.categories.Get(cat)
	if !ok {
		s.mu.Unlock()
		return
	}
	old := make([]*categoryTimer, 0, len(s.rooms))
	for roomID, timers := range s.rooms {
		if t, ok := timers[cat]; ok {
			t.cancel()
			old = append(old, t)
		}
		timers[cat] = s.spawn(roomID, cfg)
	}
	s.mu.Unlock()
	for _, t := range old {
		<-t.done
	}
}

// Running 房间是否有 ticker 在运行
func (s *Scheduler) Running(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	return ok
}

func (s *Scheduler) spawn(roomID string, cfg CategoryConfig) *categoryTimer {
	ctx, cancel := context.WithCancel(context.Background())
	t := &categoryTimer{cfg: cfg, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(cfg.Interval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// ticker 与取消同时就绪时 select 随机选择，这里再确认一次
				if ctx.Err() != nil {
					return
				}
				s.dispatch(ctx, roomID, cfg.ID)
			}
		}
	}()
	return t
}
