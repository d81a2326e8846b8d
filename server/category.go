package server

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// CategoryID 房间状态的分区（每个分区有独立的同步频率、优先级与持久化策略）
type CategoryID string

const (
	CatCombat     CategoryID = "combat"
	CatTokens     CategoryID = "tokens"
	CatCharacters CategoryID = "characters"
	CatInventory  CategoryID = "inventory"
	CatMap        CategoryID = "map"
	CatUI         CategoryID = "ui"
	CatChat       CategoryID = "chat"
	CatSettings   CategoryID = "settings"
)

// AllCategories 固定顺序，便于遍历与输出
var AllCategories = []CategoryID{
	CatCombat, CatTokens, CatCharacters, CatInventory, CatMap, CatUI, CatChat, CatSettings,
}

// Known 是否为已知分区
func (c CategoryID) Known() bool {
	for _, k := range AllCategories {
		if k == c {
			return true
		}
	}
	return false
}

// Priority 投递优先级，交给传输层决定排队策略
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

func (p Priority) valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

var (
	ErrRoomNotInitialized = errors.New("room not initialized")
	ErrUnknownCategory    = errors.New("unknown category")
	ErrInvalidRate        = errors.New("update rate must be finite and yield an interval of at least 1ns")
	ErrInvalidPriority    = errors.New("invalid priority")
)

// CategoryConfig 分区的静态配置（进程级，可热更新）
type CategoryConfig struct {
	ID         CategoryID `json:"id" yaml:"id"`
	Priority   Priority   `json:"priority" yaml:"priority"`
	UpdateRate float64    `json:"updateRate" yaml:"updateRate"` // 每秒派发次数
	Persistent bool       `json:"persistent" yaml:"persistent"`
}

// Interval 派发周期：1000/updateRate 毫秒
func (c CategoryConfig) Interval() time.Duration {
	return time.Duration(float64(time.Second) / c.UpdateRate)
}

func (c CategoryConfig) validate() error {
	if !c.ID.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, c.ID)
	}
	if !validRate(c.UpdateRate) {
		return fmt.Errorf("%s: %w: %v", c.ID, ErrInvalidRate, c.UpdateRate)
	}
	if !c.Priority.valid() {
		return fmt.Errorf("%s: %w: %q", c.ID, ErrInvalidPriority, c.Priority)
	}
	return nil
}

// validRate 周期必须落在 [1ns, MaxInt64] 内，否则 time.NewTicker 会 panic
func validRate(rate float64) bool {
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate <= 0 {
		return false
	}
	d := float64(time.Second) / rate
	return d >= 1 && d < math.MaxInt64
}

// DefaultCategories 默认分区表
func DefaultCategories() []CategoryConfig {
	return []CategoryConfig{
		{ID: CatCombat, Priority: PriorityCritical, UpdateRate: 10, Persistent: true},
		{ID: CatTokens, Priority: PriorityHigh, UpdateRate: 20, Persistent: true},
		{ID: CatCharacters, Priority: PriorityHigh, UpdateRate: 5, Persistent: true},
		{ID: CatInventory, Priority: PriorityNormal, UpdateRate: 2, Persistent: true},
		{ID: CatMap, Priority: PriorityNormal, UpdateRate: 5, Persistent: true},
		{ID: CatUI, Priority: PriorityLow, UpdateRate: 10, Persistent: false},
		{ID: CatChat, Priority: PriorityNormal, UpdateRate: 5, Persistent: true},
		{ID: CatSettings, Priority: PriorityLow, UpdateRate: 1, Persistent: true},
	}
}

// CategoryRegistry 进程级分区配置表；每个 Engine 持有自己的实例
type CategoryRegistry struct {
	mu      sync.RWMutex
	configs map[CategoryID]CategoryConfig
}

// NewCategoryRegistry 以默认表为底，叠加 overrides
func NewCategoryRegistry(overrides []CategoryConfig) (*CategoryRegistry, error) {
	r := &CategoryRegistry{configs: make(map[CategoryID]CategoryConfig, len(AllCategories))}
	for _, c := range DefaultCategories() {
		r.configs[c.ID] = c
	}
	for _, c := range overrides {
		if err := c.validate(); err != nil {
			return nil, err
		}
		r.configs[c.ID] = c
	}
	return r, nil
}

// Get 读取单个分区配置
func (r *CategoryRegistry) Get(id CategoryID) (CategoryConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.configs[id]
	return c, ok
}

// All 返回按 AllCategories 顺序排列的配置副本
func (r *CategoryRegistry) All() []CategoryConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CategoryConfig, 0, len(r.configs))
	for _, c := range r.configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return categoryIndex(out[i].ID) < categoryIndex(out[j].ID) })
	return out
}

func (r *CategoryRegistry) set(c CategoryConfig) error {
	if err := c.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.configs[c.ID] = c
	r.mu.Unlock()
	return nil
}

func categoryIndex(id CategoryID) int {
	for i, k := range AllCategories {
		if k == id {
			return i
		}
	}
	return len(AllCategories)
}
