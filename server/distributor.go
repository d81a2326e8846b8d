package server

import (
	"sort"

	"go.uber.org/multierr"
)

// TokenVisibilityRadius token_move 判断可见性时向外扩展的距离
const TokenVisibilityRadius = 100

// viewportRule 判断一条更新对某个玩家的可视区域是否相关
type viewportRule func(u PendingUpdate, vp Viewport) bool

// selectiveRule 需要按可视区域筛选的分区；其余分区直接房间广播
func selectiveRule(cat CategoryID) (viewportRule, bool) {
	switch cat {
	case CatTokens:
		return tokenRule, true
	case CatMap:
		return mapRule, true
	}
	return nil, false
}

// tokenRule 只有 token_move 按目标位置筛选，其他 token 更新始终保留
func tokenRule(u PendingUpdate, vp Viewport) bool {
	if u.Type != UpdateTokenMove {
		return true
	}
	p, ok := u.Payload.(TokenPayload)
	if !ok || p.Position == nil {
		return true
	}
	return vp.Contains(*p.Position, TokenVisibilityRadius)
}

// mapRule 地图更新暂不按几何筛选，全部放行；按视口裁剪地图留作扩展点
func mapRule(PendingUpdate, Viewport) bool {
	return true
}

// SelectiveDistributor 把一批更新按玩家可视区域拆分后交给传输层
type SelectiveDistributor struct {
	viewports *ViewportRegistry
	sink      EventSink
}

func NewSelectiveDistributor(viewports *ViewportRegistry, sink EventSink) *SelectiveDistributor {
	return &SelectiveDistributor{viewports: viewports, sink: sink}
}

// Filter 返回与 playerID 可视区域相关的更新；玩家没有登记可视区域时原样返回
func (d *SelectiveDistributor) Filter(roomID, playerID string, cat CategoryID, updates []PendingUpdate) []PendingUpdate {
	rule, ok := selectiveRule(cat)
	if !ok {
		return updates
	}
	vp, ok := d.viewports.Get(roomID, playerID)
	if !ok {
		return updates
	}
	out := make([]PendingUpdate, 0, len(updates))
	for _, u := range updates {
		if rule(u, vp) {
			out = append(out, u)
		}
	}
	return out
}

// Distribute 房间没有任何可视区域时退化为广播；否则只给筛选结果非空的玩家投递
func (d *SelectiveDistributor) Distribute(roomID string, cat CategoryID, updates []PendingUpdate, cfg CategoryConfig, delta *StateUpdate) error {
	batch := make([]*queuedUpdate, len(updates))
	for i, u := range updates {
		batch[i] = &queuedUpdate{PendingUpdate: u}
	}
	_, err := d.deliver(roomID, cat, batch, cfg, delta)
	return err
}

// deliver 跳过已投递给同一接收方的更新，成功后标记；返回本次投递的更新条数
func (d *SelectiveDistributor) deliver(roomID string, cat CategoryID, batch []*queuedUpdate, cfg CategoryConfig, delta *StateUpdate) (int, error) {
	rule, selective := selectiveRule(cat)
	var players map[string]Viewport
	if selective {
		players = d.viewports.Players(roomID)
	}
	if len(players) == 0 {
		pending := unsent(batch, broadcastRecipient, nil, Viewport{})
		if len(pending) == 0 {
			return 0, nil
		}
		if err := d.sink.AddEvent(roomID, newEvent(cat, pending, delta), cfg.Priority); err != nil {
			return 0, err
		}
		markSent(pending, broadcastRecipient)
		return len(pending), nil
	}

	ids := make([]string, 0, len(players))
	for id := range players {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		errs error
		n    int
	)
	for _, pid := range ids {
		pending := unsent(batch, pid, rule, players[pid])
		if len(pending) == 0 {
			continue
		}
		if err := d.sink.AddPlayerEvent(roomID, pid, newEvent(cat, pending, delta), cfg.Priority); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		markSent(pending, pid)
		n += len(pending)
	}
	return n, errs
}

// unsent 已广播过的更新视为已送达所有玩家
func unsent(batch []*queuedUpdate, recipient string, rule viewportRule, vp Viewport) []*queuedUpdate {
	out := make([]*queuedUpdate, 0, len(batch))
	for _, u := range batch {
		if u.sent(recipient) || u.sent(broadcastRecipient) {
			continue
		}
		if rule != nil && !rule(u.PendingUpdate, vp) {
			continue
		}
		out = append(out, u)
	}
	return out
}

func markSent(batch []*queuedUpdate, recipient string) {
	for _, u := range batch {
		u.markSent(recipient)
	}
}

func newEvent(cat CategoryID, batch []*queuedUpdate, delta *StateUpdate) Event {
	data := make([]PendingUpdate, len(batch))
	for i, u := range batch {
		data[i] = u.PendingUpdate
	}
	return Event{Type: EventStateUpdate, Category: cat, Data: data, DeltaUpdate: delta}
}
