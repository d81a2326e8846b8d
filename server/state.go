package server

import "time"

// MaxChatMessages 内存中保留的聊天条数上限（更早的消息交给持久层）
const MaxChatMessages = 100

// Document 结构自由的子文档（角色卡、窗口布局、权限等）
type Document map[string]any

// Position 地图坐标
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type CombatState struct {
	IsActive      bool                  `json:"isActive"`
	CurrentTurn   int                   `json:"currentTurn"`
	TurnOrder     []string              `json:"turnOrder"`
	Round         int                   `json:"round"`
	Initiative    map[string]float64    `json:"initiative"`
	Conditions    map[string][]string   `json:"conditions"`
	Effects       map[string][]Document `json:"effects"`
	LastUpdatedBy string                `json:"lastUpdatedBy,omitempty"`
	LastUpdatedAt time.Time             `json:"lastUpdatedAt,omitempty"`
}

type Camera struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

type MapState struct {
	Backgrounds      []Document `json:"backgrounds"`
	ActiveBackground string     `json:"activeBackground,omitempty"`
	Camera           Camera     `json:"camera"`
	FogOfWar         Document   `json:"fogOfWar"`
	Lighting         Document   `json:"lighting"`
	Weather          Document   `json:"weather"`
	LastUpdatedBy    string     `json:"lastUpdatedBy,omitempty"`
	LastUpdatedAt    time.Time  `json:"lastUpdatedAt,omitempty"`
}

type Token struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	OwnerID       string    `json:"ownerId,omitempty"`
	Position      Position  `json:"position"`
	Data          Document  `json:"data,omitempty"`
	LastUpdatedBy string    `json:"lastUpdatedBy,omitempty"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt,omitempty"`
}

type Item struct {
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	Quantity int      `json:"quantity,omitempty"`
	Data     Document `json:"data,omitempty"`
}

// PlayerInventory 单个玩家的背包与装备栏（slot -> item）
type PlayerInventory struct {
	Items     []Item          `json:"items"`
	Equipment map[string]Item `json:"equipment"`
}

type InventoryState struct {
	Players map[string]PlayerInventory `json:"players"`
	Shared  []Item                     `json:"shared"`
	Loot    []Item                     `json:"loot"`
}

// UIState 玩家界面状态（不持久化）
type UIState struct {
	Windows   Document  `json:"windows"`
	Selection []string  `json:"selection"`
	Cursor    *Position `json:"cursor,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

type ChatMessage struct {
	ID        string    `json:"id"`
	PlayerID  string    `json:"playerId"`
	Type      string    `json:"type,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Data      Document  `json:"data,omitempty"`
}

type SettingsState struct {
	Permissions   Document  `json:"permissions"`
	Preferences   Document  `json:"preferences"`
	LastUpdatedBy string    `json:"lastUpdatedBy,omitempty"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt,omitempty"`
}

// RoomState 房间的权威状态，只由 RoomStore 持有，外部拿到的都是副本
type RoomState struct {
	ID         string              `json:"id"`
	Characters map[string]Document `json:"characters"`
	Combat     CombatState         `json:"combat"`
	Map        MapState            `json:"map"`
	Tokens     map[string]Token    `json:"tokens"`
	Inventory  InventoryState      `json:"inventory"`
	UI         map[string]UIState  `json:"ui"`
	Chat       []ChatMessage       `json:"chat"`
	Settings   SettingsState       `json:"settings"`
	CreatedAt  time.Time           `json:"createdAt"`
	UpdatedAt  time.Time           `json:"updatedAt"`
}

// newRoomState 以结构默认值为底合并调用方给出的部分初始状态，保证各子结构非 nil
func newRoomState(id string, initial *RoomState, now time.Time) *RoomState {
	var s *RoomState
	if initial != nil {
		s = initial.Clone()
	} else {
		s = &RoomState{}
	}
	s.ID = id
	if s.Characters == nil {
		s.Characters = make(map[string]Document)
	}
	for id, doc := range s.Characters {
		if doc == nil {
			s.Characters[id] = Document{"id": id}
		}
	}
	c := &s.Combat
	if c.TurnOrder == nil {
		c.TurnOrder = []string{}
	}
	if c.Initiative == nil {
		c.Initiative = make(map[string]float64)
	}
	if c.Conditions == nil {
		c.Conditions = make(map[string][]string)
	}
	if c.Effects == nil {
		c.Effects = make(map[string][]Document)
	}
	m := &s.Map
	if m.Backgrounds == nil {
		m.Backgrounds = []Document{}
	}
	if m.Camera.Zoom == 0 {
		m.Camera.Zoom = 1
	}
	if m.FogOfWar == nil {
		m.FogOfWar = Document{"enabled": false}
	}
	if m.Lighting == nil {
		m.Lighting = Document{}
	}
	if m.Weather == nil {
		m.Weather = Document{}
	}
	if s.Tokens == nil {
		s.Tokens = make(map[string]Token)
	}
	if s.Inventory.Players == nil {
		s.Inventory.Players = make(map[string]PlayerInventory)
	}
	if s.Inventory.Shared == nil {
		s.Inventory.Shared = []Item{}
	}
	if s.Inventory.Loot == nil {
		s.Inventory.Loot = []Item{}
	}
	if s.UI == nil {
		s.UI = make(map[string]UIState)
	}
	if s.Chat == nil {
		s.Chat = []ChatMessage{}
	}
	if len(s.Chat) > MaxChatMessages {
		s.Chat = s.Chat[len(s.Chat)-MaxChatMessages:]
	}
	if s.Settings.Permissions == nil {
		s.Settings.Permissions = Document{}
	}
	if s.Settings.Preferences == nil {
		s.Settings.Preferences = Document{}
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	return s
}

// Clone 深拷贝整个房间状态
func (s *RoomState) Clone() *RoomState {
	if s == nil {
		return nil
	}
	out := *s
	if s.Characters != nil {
		out.Characters = make(map[string]Document, len(s.Characters))
		for k, v := range s.Characters {
			out.Characters[k] = v.Clone()
		}
	}
	out.Combat = s.Combat.Clone()
	out.Map = s.Map.Clone()
	if s.Tokens != nil {
		out.Tokens = make(map[string]Token, len(s.Tokens))
		for k, v := range s.Tokens {
			out.Tokens[k] = v.Clone()
		}
	}
	out.Inventory = s.Inventory.Clone()
	if s.UI != nil {
		out.UI = make(map[string]UIState, len(s.UI))
		for k, v := range s.UI {
			out.UI[k] = v.Clone()
		}
	}
	if s.Chat != nil {
		out.Chat = make([]ChatMessage, len(s.Chat))
		for i, m := range s.Chat {
			m.Data = m.Data.Clone()
			out.Chat[i] = m
		}
	}
	out.Settings = s.Settings.Clone()
	return &out
}

// Section 按分区取出状态副本
func (s *RoomState) Section(cat CategoryID) (any, bool) {
	switch cat {
	case CatCombat:
		return s.Combat.Clone(), true
	case CatTokens:
		out := make(map[string]Token, len(s.Tokens))
		for k, v := range s.Tokens {
			out[k] = v.Clone()
		}
		return out, true
	case CatCharacters:
		out := make(map[string]Document, len(s.Characters))
		for k, v := range s.Characters {
			out[k] = v.Clone()
		}
		return out, true
	case CatInventory:
		return s.Inventory.Clone(), true
	case CatMap:
		return s.Map.Clone(), true
	case CatUI:
		out := make(map[string]UIState, len(s.UI))
		for k, v := range s.UI {
			out[k] = v.Clone()
		}
		return out, true
	case CatChat:
		out := make([]ChatMessage, len(s.Chat))
		for i, m := range s.Chat {
			m.Data = m.Data.Clone()
			out[i] = m
		}
		return out, true
	case CatSettings:
		return s.Settings.Clone(), true
	}
	return nil, false
}

func (c CombatState) Clone() CombatState {
	out := c
	out.TurnOrder = cloneStrings(c.TurnOrder)
	if c.Initiative != nil {
		out.Initiative = make(map[string]float64, len(c.Initiative))
		for k, v := range c.Initiative {
			out.Initiative[k] = v
		}
	}
	if c.Conditions != nil {
		out.Conditions = make(map[string][]string, len(c.Conditions))
		for k, v := range c.Conditions {
			out.Conditions[k] = cloneStrings(v)
		}
	}
	if c.Effects != nil {
		out.Effects = make(map[string][]Document, len(c.Effects))
		for k, v := range c.Effects {
			out.Effects[k] = cloneDocuments(v)
		}
	}
	return out
}

func (m MapState) Clone() MapState {
	out := m
	out.Backgrounds = cloneDocuments(m.Backgrounds)
	out.FogOfWar = m.FogOfWar.Clone()
	out.Lighting = m.Lighting.Clone()
	out.Weather = m.Weather.Clone()
	return out
}

func (t Token) Clone() Token {
	t.Data = t.Data.Clone()
	return t
}

func (it Item) Clone() Item {
	it.Data = it.Data.Clone()
	return it
}

func (p PlayerInventory) Clone() PlayerInventory {
	out := PlayerInventory{Items: cloneItems(p.Items)}
	if p.Equipment != nil {
		out.Equipment = make(map[string]Item, len(p.Equipment))
		for k, v := range p.Equipment {
			out.Equipment[k] = v.Clone()
		}
	}
	return out
}

func (inv InventoryState) Clone() InventoryState {
	out := InventoryState{Shared: cloneItems(inv.Shared), Loot: cloneItems(inv.Loot)}
	if inv.Players != nil {
		out.Players = make(map[string]PlayerInventory, len(inv.Players))
		for k, v := range inv.Players {
			out.Players[k] = v.Clone()
		}
	}
	return out
}

func (u UIState) Clone() UIState {
	out := u
	out.Windows = u.Windows.Clone()
	out.Selection = cloneStrings(u.Selection)
	if u.Cursor != nil {
		p := *u.Cursor
		out.Cursor = &p
	}
	return out
}

func (s SettingsState) Clone() SettingsState {
	out := s
	out.Permissions = s.Permissions.Clone()
	out.Preferences = s.Preferences.Clone()
	return out
}

// Clone 递归拷贝嵌套的 map / slice，浅拷贝会让旧值随新值一起变化
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

// merge 递归合并 patch 到 d（嵌套 map 逐层合并，其余直接覆盖）
func (d Document) merge(patch Document) {
	for k, v := range patch {
		if pm, ok := asDocument(v); ok {
			if dm, ok := asDocument(d[k]); ok && dm != nil {
				dm.merge(pm) // 原地合并，保留原有的 map 类型
				continue
			}
		}
		d[k] = cloneValue(v)
	}
}

func asDocument(v any) (Document, bool) {
	switch t := v.(type) {
	case Document:
		return t, true
	case map[string]any:
		return Document(t), true
	}
	return nil, false
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Document:
		return t.Clone()
	case map[string]any:
		return map[string]any(Document(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return cloneStrings(t)
	case []Document:
		return cloneDocuments(t)
	default:
		return v
	}
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func cloneDocuments(s []Document) []Document {
	if s == nil {
		return nil
	}
	out := make([]Document, len(s))
	for i, d := range s {
		out[i] = d.Clone()
	}
	return out
}

func cloneItems(s []Item) []Item {
	if s == nil {
		return nil
	}
	out := make([]Item, len(s))
	for i, it := range s {
		out[i] = it.Clone()
	}
	return out
}
