package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Admin 管理与监控接口
type Admin struct {
	engine *Engine
}

func NewAdmin(e *Engine) *Admin { return &Admin{engine: e} }

// Register 挂载管理路由
func (a *Admin) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/categories", a.HandleCategories)
	mux.HandleFunc("/admin/flush", a.HandleFlush)
	mux.HandleFunc("/metrics", a.HandleMetrics)
}

// HandleCategories 分区配置的读取与热更新
// GET  /admin/categories                 返回全部分区配置
// GET  /admin/categories?category=tokens 返回单个分区配置
// POST /admin/categories?category=tokens 以 JSON 载荷更新部分字段，运行中的 ticker 随之替换
func (a *Admin) HandleCategories(w http.ResponseWriter, r *http.Request) {
	cat := CategoryID(r.URL.Query().Get("category"))

	type cfg struct {
		Priority   *Priority `json:"priority,omitempty"`
		UpdateRate *float64  `json:"updateRate,omitempty"`
		Persistent *bool     `json:"persistent,omitempty"`
	}

	switch r.Method {
	case http.MethodGet:
		if cat == "" {
			writeJSON(w, http.StatusOK, a.engine.Categories())
			return
		}
		cur, ok := a.engine.Category(cat)
		if !ok {
			http.Error(w, "unknown category", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, cur)
	case http.MethodPost:
		cur, ok := a.engine.Category(cat)
		if !ok {
			http.Error(w, "unknown category", http.StatusNotFound)
			return
		}
		var body cfg
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if body.Priority != nil {
			cur.Priority = *body.Priority
		}
		if body.UpdateRate != nil {
			cur.UpdateRate = *body.UpdateRate
		}
		if body.Persistent != nil {
			cur.Persistent = *body.Persistent
		}
		if err := a.engine.Reconfigure(cat, cur); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "config": cur})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleFlush 立即派发房间所有分区
// POST /admin/flush?room=room-1
func (a *Admin) HandleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	roomID := r.URL.Query().Get("room")
	if !a.engine.IsInitialized(roomID) {
		http.Error(w, "room not initialized", http.StatusNotFound)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := a.engine.ForceSyncAll(ctx, roomID); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandleMetrics 带 room 参数输出房间同步概况，否则输出进程级汇总
// GET /metrics?room=room-1
func (a *Admin) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		writeJSON(w, http.StatusOK, a.engine.GetSystemMetrics())
		return
	}
	stats, ok := a.engine.GetSyncStats(roomID)
	if !ok {
		http.Error(w, "room not initialized", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
