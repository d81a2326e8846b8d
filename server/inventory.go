package server

import "time"

// InventoryChangeKind 背包变更类型；线上未知的类型解析为 InventoryUnknown
type InventoryChangeKind int

const (
	InventoryUnknown InventoryChangeKind = iota
	InventoryAddItem
	InventoryRemoveItem
	InventoryMoveItem
	InventoryEquipItem
	InventoryFull
)

var inventoryKindNames = map[InventoryChangeKind]string{
	InventoryAddItem:    "add_item",
	InventoryRemoveItem: "remove_item",
	InventoryMoveItem:   "move_item",
	InventoryEquipItem:  "equip_item",
	InventoryFull:       "full",
}

func (k InventoryChangeKind) String() string {
	if s, ok := inventoryKindNames[k]; ok {
		return s
	}
	return "unknown"
}

func ParseInventoryChangeKind(s string) InventoryChangeKind {
	for k, name := range inventoryKindNames {
		if name == s {
			return k
		}
	}
	return InventoryUnknown
}

// Container 物品所在位置
type Container string

const (
	ContainerPlayer Container = "player"
	ContainerShared Container = "shared"
	ContainerLoot   Container = "loot"
)

// InventoryChange 一次背包变更。Raw 保留线上原始类型字符串
type InventoryChange struct {
	Kind           InventoryChangeKind `json:"-"`
	Raw            string              `json:"changeType"`
	Item           *Item               `json:"item,omitempty"`
	ItemID         string              `json:"itemId,omitempty"`
	From           Container           `json:"from,omitempty"`
	To             Container           `json:"to,omitempty"`
	TargetPlayerID string              `json:"targetPlayerId,omitempty"`
	Slot           string              `json:"slot,omitempty"`
	Inventory      *PlayerInventory    `json:"inventory,omitempty"`
}

type InventoryPayload struct {
	ChangeType string          `json:"changeType"`
	Change     InventoryChange `json:"change"`
	OldData    PlayerInventory `json:"oldData"`
	PlayerID   string          `json:"playerId"`
}

// UpdateInventory 按变更类型修改玩家背包；未知类型不改状态但仍入队，下游可观察到这次尝试
func (e *Engine) UpdateInventory(roomID, playerID string, ch InventoryChange) bool {
	ch = ch.clone()
	changeType := ch.Kind.String()
	if ch.Kind == InventoryUnknown && ch.Raw != "" {
		changeType = ch.Raw
	}
	return e.apply(roomID, CatInventory, UpdateInventory, playerID, func(st *RoomState, _ time.Time) (any, bool) {
		old := st.Inventory.Players[playerID].Clone()
		applyInventoryChange(&st.Inventory, playerID, ch)
		return InventoryPayload{ChangeType: changeType, Change: ch, OldData: old, PlayerID: playerID}, true
	})
}

func applyInventoryChange(inv *InventoryState, playerID string, ch InventoryChange) {
	switch ch.Kind {
	case InventoryAddItem:
		if ch.Item == nil {
			return
		}
		p := inv.player(playerID)
		p.Items = append(p.Items, ch.Item.Clone())
		inv.Players[playerID] = p
	case InventoryRemoveItem:
		p := inv.player(playerID)
		p.Items, _ = takeItem(p.Items, ch.ItemID)
		for slot, it := range p.Equipment {
			if it.ID == ch.ItemID {
				delete(p.Equipment, slot)
			}
		}
		inv.Players[playerID] = p
	case InventoryMoveItem:
		from := ch.From
		if from == "" {
			from = ContainerPlayer
		}
		it, ok := inv.take(from, playerID, ch.ItemID)
		if !ok {
			return
		}
		target := ch.TargetPlayerID
		if target == "" {
			target = playerID
		}
		inv.put(ch.To, target, it)
	case InventoryEquipItem:
		p := inv.player(playerID)
		items, it, ok := takeItemOK(p.Items, ch.ItemID)
		if !ok || ch.Slot == "" {
			return
		}
		p.Items = items
		if prev, ok := p.Equipment[ch.Slot]; ok {
			p.Items = append(p.Items, prev)
		}
		p.Equipment[ch.Slot] = it
		inv.Players[playerID] = p
	case InventoryFull:
		if ch.Inventory == nil {
			return
		}
		p := ch.Inventory.Clone()
		if p.Items == nil {
			p.Items = []Item{}
		}
		if p.Equipment == nil {
			p.Equipment = make(map[string]Item)
		}
		inv.Players[playerID] = p
	case InventoryUnknown:
		// 不改状态
	}
}

// player 取出玩家背包（不存在则建空背包），修改后需写回 Players
func (inv *InventoryState) player(playerID string) PlayerInventory {
	p, ok := inv.Players[playerID]
	if !ok {
		p = PlayerInventory{Items: []Item{}}
	}
	if p.Equipment == nil {
		p.Equipment = make(map[string]Item)
	}
	return p
}

func (inv *InventoryState) take(c Container, playerID, itemID string) (Item, bool) {
	var (
		it Item
		ok bool
	)
	switch c {
	case ContainerPlayer:
		p := inv.player(playerID)
		p.Items, it, ok = takeItemOK(p.Items, itemID)
		inv.Players[playerID] = p
	case ContainerShared:
		inv.Shared, it, ok = takeItemOK(inv.Shared, itemID)
	case ContainerLoot:
		inv.Loot, it, ok = takeItemOK(inv.Loot, itemID)
	}
	return it, ok
}

func (inv *InventoryState) put(c Container, playerID string, it Item) {
	switch c {
	case ContainerShared:
		inv.Shared = append(inv.Shared, it)
	case ContainerLoot:
		inv.Loot = append(inv.Loot, it)
	default:
		p := inv.player(playerID)
		p.Items = append(p.Items, it)
		inv.Players[playerID] = p
	}
}

func takeItem(items []Item, id string) ([]Item, Item) {
	rest, it, _ := takeItemOK(items, id)
	return rest, it
}

func takeItemOK(items []Item, id string) ([]Item, Item, bool) {
	for i, it := range items {
		if it.ID == id {
			rest := make([]Item, 0, len(items)-1)
			rest = append(rest, items[:i]...)
			rest = append(rest, items[i+1:]...)
			return rest, it, true
		}
	}
	return items, Item{}, false
}

func (ch InventoryChange) clone() InventoryChange {
	out := ch
	if ch.Item != nil {
		it := ch.Item.Clone()
		out.Item = &it
	}
	if ch.Inventory != nil {
		p := ch.Inventory.Clone()
		out.Inventory = &p
	}
	if out.Raw == "" && out.Kind != InventoryUnknown {
		out.Raw = out.Kind.String()
	}
	return out
}
