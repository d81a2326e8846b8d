package server

import (
	"context"
	"fmt"
	"time"
)

// tick 由 Scheduler 周期调用；错误只上报，不影响 ticker 循环。
// 取消只阻止新的 tick，进行中的派发用不可取消的 ctx 跑完
func (e *Engine) tick(ctx context.Context, roomID string, cat CategoryID) {
	if err := e.dispatch(context.WithoutCancel(ctx), roomID, cat); err != nil {
		e.reporter.ReportSyncError(roomID, cat, err)
	}
}

// dispatch 整体换出队列 → 计算增量 → 投递 → 持久化。
// 任一步失败（含协作方 panic）都把批次按原顺序放回队首，下次 tick 重试；
// 已成功投递的接收方在重试时不会再收到同一条更新
func (e *Engine) dispatch(ctx context.Context, roomID string, cat CategoryID) (err error) {
	q := e.queues.queue(roomID, cat)
	if q == nil {
		return nil
	}
	q.dispatchMu.Lock()
	defer q.dispatchMu.Unlock()

	batch := q.drain()
	if len(batch) == 0 {
		return nil
	}
	m := e.metricsFor(roomID)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch %s panicked: %v", cat, r)
		}
		if err != nil {
			q.restore(batch)
			m.IncDispatchFailure()
		}
		m.AddDispatch(time.Since(start).Nanoseconds())
	}()

	cfg, _ := e.categories.Get(cat)
	state, ok := e.store.Get(roomID)
	if !ok {
		// 房间已销毁，批次随之丢弃
		return nil
	}

	updates := make([]PendingUpdate, len(batch))
	for i, u := range batch {
		updates[i] = u.PendingUpdate
	}
	delta, derr := e.delta.CreateStateUpdate(roomID, state, Changeset{Category: cat, Updates: updates, Timestamp: e.now()})
	if derr != nil {
		m.IncDeltaFailure()
		e.reporter.ReportSyncError(roomID, cat, fmt.Errorf("delta: %w", derr))
		delta = nil
	}

	n, err := e.distributor.deliver(roomID, cat, batch, cfg, delta)
	m.AddDelivered(n)
	if err != nil {
		return fmt.Errorf("deliver %s: %w", cat, err)
	}

	if cfg.Persistent && e.persister != nil {
		if err := e.persister.UpdateGameState(ctx, roomID, state, delta); err != nil {
			m.IncPersistFailure()
			return fmt.Errorf("persist %s: %w", cat, err)
		}
		m.IncPersisted()
	}
	return nil
}
