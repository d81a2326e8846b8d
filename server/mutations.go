package server

import (
	"time"
)

// 各分区更新记录的载荷；OldData 为变更前的深拷贝，用于审计

type CharacterPayload struct {
	CharacterID string   `json:"characterId"`
	Updates     Document `json:"updates"`
	OldData     Document `json:"oldData,omitempty"`
	PlayerID    string   `json:"playerId"`
}

type CombatPayload struct {
	Updates  CombatPatch `json:"updates"`
	OldData  CombatState `json:"oldData"`
	PlayerID string      `json:"playerId"`
}

type MapPayload struct {
	Updates  MapPatch `json:"updates"`
	OldData  MapState `json:"oldData"`
	PlayerID string   `json:"playerId"`
}

type TokenPayload struct {
	Kind     string    `json:"kind"`
	TokenID  string    `json:"tokenId"`
	Position *Position `json:"position,omitempty"`
	Token    *Token    `json:"token,omitempty"`
	OldData  *Token    `json:"oldData,omitempty"`
	PlayerID string    `json:"playerId"`
}

type UIPayload struct {
	PlayerID string  `json:"playerId"`
	Updates  UIPatch `json:"updates"`
}

type ChatPayload struct {
	Message ChatMessage `json:"message"`
}

type SettingsPayload struct {
	Updates  SettingsPatch `json:"updates"`
	OldData  SettingsState `json:"oldData"`
	PlayerID string        `json:"playerId"`
}

// CombatPatch 只覆盖非空字段；map 字段逐键合并
type CombatPatch struct {
	IsActive    *bool                 `json:"isActive,omitempty"`
	CurrentTurn *int                  `json:"currentTurn,omitempty"`
	TurnOrder   []string              `json:"turnOrder,omitempty"`
	Round       *int                  `json:"round,omitempty"`
	Initiative  map[string]float64    `json:"initiative,omitempty"`
	Conditions  map[string][]string   `json:"conditions,omitempty"`
	Effects     map[string][]Document `json:"effects,omitempty"`
}

func (p CombatPatch) clone() CombatPatch {
	c := CombatState{TurnOrder: p.TurnOrder, Initiative: p.Initiative, Conditions: p.Conditions, Effects: p.Effects}.Clone()
	out := p
	out.TurnOrder, out.Initiative, out.Conditions, out.Effects = c.TurnOrder, c.Initiative, c.Conditions, c.Effects
	return out
}

func (p CombatPatch) apply(c *CombatState) {
	p = p.clone()
	if p.IsActive != nil {
		c.IsActive = *p.IsActive
	}
	if p.CurrentTurn != nil {
		c.CurrentTurn = *p.CurrentTurn
	}
	if p.TurnOrder != nil {
		c.TurnOrder = p.TurnOrder
	}
	if p.Round != nil {
		c.Round = *p.Round
	}
	for k, v := range p.Initiative {
		c.Initiative[k] = v
	}
	for k, v := range p.Conditions {
		c.Conditions[k] = v
	}
	for k, v := range p.Effects {
		c.Effects[k] = v
	}
}

type MapPatch struct {
	Backgrounds      []Document `json:"backgrounds,omitempty"`
	ActiveBackground *string    `json:"activeBackground,omitempty"`
	Camera           *Camera    `json:"camera,omitempty"`
	FogOfWar         Document   `json:"fogOfWar,omitempty"`
	Lighting         Document   `json:"lighting,omitempty"`
	Weather          Document   `json:"weather,omitempty"`
}

func (p MapPatch) clone() MapPatch {
	out := p
	out.Backgrounds = cloneDocuments(p.Backgrounds)
	out.FogOfWar, out.Lighting, out.Weather = p.FogOfWar.Clone(), p.Lighting.Clone(), p.Weather.Clone()
	if p.Camera != nil {
		cam := *p.Camera
		out.Camera = &cam
	}
	return out
}

func (p MapPatch) apply(m *MapState) {
	p = p.clone()
	if p.Backgrounds != nil {
		m.Backgrounds = p.Backgrounds
	}
	if p.ActiveBackground != nil {
		m.ActiveBackground = *p.ActiveBackground
	}
	if p.Camera != nil {
		m.Camera = *p.Camera
	}
	m.FogOfWar.merge(p.FogOfWar)
	m.Lighting.merge(p.Lighting)
	m.Weather.merge(p.Weather)
}

type UIPatch struct {
	Windows   Document  `json:"windows,omitempty"`
	Selection []string  `json:"selection,omitempty"`
	Cursor    *Position `json:"cursor,omitempty"`
}

func (p UIPatch) clone() UIPatch {
	c := UIState{Windows: p.Windows, Selection: p.Selection, Cursor: p.Cursor}.Clone()
	return UIPatch{Windows: c.Windows, Selection: c.Selection, Cursor: c.Cursor}
}

type SettingsPatch struct {
	Permissions Document `json:"permissions,omitempty"`
	Preferences Document `json:"preferences,omitempty"`
}

func (p SettingsPatch) clone() SettingsPatch {
	return SettingsPatch{Permissions: p.Permissions.Clone(), Preferences: p.Preferences.Clone()}
}

// apply 在房间写锁内执行变更并追加一条待派发记录；fn 返回 false 表示放弃本次变更
func (e *Engine) apply(roomID string, cat CategoryID, typ UpdateType, actor string, fn func(st *RoomState, now time.Time) (any, bool)) bool {
	var queued bool
	ok := e.store.mutate(roomID, func(st *RoomState, now time.Time) {
		payload, ok := fn(st, now)
		if !ok {
			return
		}
		queued = e.queues.Enqueue(roomID, PendingUpdate{
			ID:        e.newID(),
			Category:  cat,
			Type:      typ,
			PlayerID:  actor,
			Payload:   payload,
			Timestamp: now,
		})
	})
	if !ok {
		e.log.Warnw("mutation on uninitialized room ignored", "room", roomID, "category", cat, "type", typ)
		return false
	}
	if queued {
		e.metricsFor(roomID).IncEnqueued()
	}
	return queued
}

// UpdateCharacter 递归合并角色字段，并写入 lastUpdatedBy/lastUpdatedAt
func (e *Engine) UpdateCharacter(roomID, characterID string, updates Document, playerID string) bool {
	return e.apply(roomID, CatCharacters, UpdateCharacter, playerID, func(st *RoomState, now time.Time) (any, bool) {
		cur := st.Characters[characterID]
		var old Document
		if cur != nil {
			old = cur.Clone()
		} else {
			cur = Document{"id": characterID}
		}
		cur.merge(updates)
		cur["lastUpdatedBy"] = playerID
		cur["lastUpdatedAt"] = now
		st.Characters[characterID] = cur
		return CharacterPayload{CharacterID: characterID, Updates: updates.Clone(), OldData: old, PlayerID: playerID}, true
	})
}

func (e *Engine) UpdateCombat(roomID string, patch CombatPatch, playerID string) bool {
	return e.apply(roomID, CatCombat, UpdateCombat, playerID, func(st *RoomState, now time.Time) (any, bool) {
		old := st.Combat.Clone()
		patch.apply(&st.Combat)
		st.Combat.LastUpdatedBy = playerID
		st.Combat.LastUpdatedAt = now
		return CombatPayload{Updates: patch.clone(), OldData: old, PlayerID: playerID}, true
	})
}

func (e *Engine) UpdateMap(roomID string, patch MapPatch, playerID string) bool {
	return e.apply(roomID, CatMap, UpdateMap, playerID, func(st *RoomState, now time.Time) (any, bool) {
		old := st.Map.Clone()
		patch.apply(&st.Map)
		st.Map.LastUpdatedBy = playerID
		st.Map.LastUpdatedAt = now
		return MapPayload{Updates: patch.clone(), OldData: old, PlayerID: playerID}, true
	})
}

// UpdateUI 界面状态只属于玩家本人，不持久化
func (e *Engine) UpdateUI(roomID, playerID string, patch UIPatch) bool {
	return e.apply(roomID, CatUI, UpdateUI, playerID, func(st *RoomState, now time.Time) (any, bool) {
		p := patch.clone()
		ui := st.UI[playerID]
		if ui.Windows == nil {
			ui.Windows = Document{}
		}
		ui.Windows.merge(p.Windows)
		if p.Selection != nil {
			ui.Selection = p.Selection
		}
		if p.Cursor != nil {
			ui.Cursor = p.Cursor
		}
		ui.UpdatedAt = now
		st.UI[playerID] = ui
		return UIPayload{PlayerID: playerID, Updates: patch.clone()}, true
	})
}

// AddChatMessage 补全 id 与时间戳，追加后只保留最近 MaxChatMessages 条
func (e *Engine) AddChatMessage(roomID string, msg ChatMessage) (ChatMessage, bool) {
	ok := e.apply(roomID, CatChat, UpdateChat, msg.PlayerID, func(st *RoomState, now time.Time) (any, bool) {
		if msg.ID == "" {
			msg.ID = e.newID()
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now
		}
		msg.Data = msg.Data.Clone()
		st.Chat = append(st.Chat, msg)
		if n := len(st.Chat); n > MaxChatMessages {
			kept := make([]ChatMessage, MaxChatMessages)
			copy(kept, st.Chat[n-MaxChatMessages:])
			st.Chat = kept
		}
		return ChatPayload{Message: msg}, true
	})
	return msg, ok
}

func (e *Engine) UpdateSettings(roomID string, patch SettingsPatch, playerID string) bool {
	return e.apply(roomID, CatSettings, UpdateSettings, playerID, func(st *RoomState, now time.Time) (any, bool) {
		old := st.Settings.Clone()
		p := patch.clone()
		st.Settings.Permissions.merge(p.Permissions)
		st.Settings.Preferences.merge(p.Preferences)
		st.Settings.LastUpdatedBy = playerID
		st.Settings.LastUpdatedAt = now
		return SettingsPayload{Updates: patch.clone(), OldData: old, PlayerID: playerID}, true
	})
}
