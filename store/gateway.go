package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tablesync/server"
)

// persistedSections 以分区文档保存的分区；chat 单独逐条保存，ui 不持久化
var persistedSections = []server.CategoryID{
	server.CatCharacters,
	server.CatCombat,
	server.CatMap,
	server.CatTokens,
	server.CatInventory,
	server.CatSettings,
}

// UpdateGameState 写入 delta 所属分区（delta 为空时写入全部分区）并记录增量
func (g *Gateway) UpdateGameState(ctx context.Context, roomID string, state *server.RoomState, delta *server.StateUpdate) error {
	if state == nil {
		return errors.New("update game state: nil state")
	}
	sections := make([]server.CategoryID, 0, len(persistedSections)+1)
	sections = append(sections, persistedSections...)
	sections = append(sections, server.CatChat)
	var version int64
	if delta != nil {
		sections = []server.CategoryID{delta.Category}
		version = delta.Version
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update game state: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rooms (room_id, created_at, updated_at, version)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			updated_at = excluded.updated_at,
			version = MAX(rooms.version, excluded.version)
	`, roomID, state.CreatedAt.UnixMilli(), now, version); err != nil {
		return fmt.Errorf("upsert room %s: %w", roomID, err)
	}

	for _, cat := range sections {
		switch cat {
		case server.CatUI:
			continue
		case server.CatChat:
			err = g.writeChat(ctx, tx, roomID, state.Chat)
		default:
			err = g.writeSection(ctx, tx, roomID, cat, state, now)
		}
		if err != nil {
			return err
		}
	}

	if delta != nil {
		body, err := json.Marshal(delta)
		if err != nil {
			return fmt.Errorf("marshal delta: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO state_deltas (room_id, category, version, body, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, roomID, string(delta.Category), delta.Version, string(body), now); err != nil {
			return fmt.Errorf("write delta: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit game state: %w", err)
	}
	return nil
}

func (g *Gateway) writeSection(ctx context.Context, tx *sql.Tx, roomID string, cat server.CategoryID, state *server.RoomState, now int64) error {
	v, ok := state.Section(cat)
	if !ok {
		return fmt.Errorf("write section: %w: %q", server.ErrUnknownCategory, cat)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal section %s: %w", cat, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM room_sections WHERE room_id = ? AND section = ?`, roomID, string(cat)); err != nil {
		return fmt.Errorf("clear section %s: %w", cat, err)
	}
	for i, chunk := range splitChunks(data, g.MaxChunkBytes) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO room_sections (room_id, section, chunk, data, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, roomID, string(cat), i, chunk, now); err != nil {
			return fmt.Errorf("write section %s chunk %d: %w", cat, i, err)
		}
	}
	return nil
}

// writeChat 追加写入，已存在的消息 id 忽略
func (g *Gateway) writeChat(ctx context.Context, tx *sql.Tx, roomID string, msgs []server.ChatMessage) error {
	for _, m := range msgs {
		body, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal chat %s: %w", m.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_messages (id, room_id, player_id, ts, body)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, m.ID, roomID, m.PlayerID, m.Timestamp.UnixMilli(), string(body)); err != nil {
			return fmt.Errorf("write chat %s: %w", m.ID, err)
		}
	}
	return nil
}

// Load 拼接各分区的分片并还原房间状态，聊天只取最近 server.MaxChatMessages 条
func (g *Gateway) Load(ctx context.Context, roomID string) (*server.RoomState, bool, error) {
	var created int64
	err := g.db.QueryRowContext(ctx,
		`SELECT created_at FROM rooms WHERE room_id = ?`, roomID).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load room %s: %w", roomID, err)
	}

	rows, err := g.db.QueryContext(ctx, `
		SELECT section, data FROM room_sections
		WHERE room_id = ?
		ORDER BY section, chunk
	`, roomID)
	if err != nil {
		return nil, false, fmt.Errorf("load sections %s: %w", roomID, err)
	}
	sections := make(map[string][]byte)
	for rows.Next() {
		var (
			section string
			data    []byte
		)
		if err := rows.Scan(&section, &data); err != nil {
			rows.Close()
			return nil, false, fmt.Errorf("scan section: %w", err)
		}
		sections[section] = append(sections[section], data...)
	}
	if err := rows.Close(); err != nil {
		return nil, false, err
	}

	doc := make(map[string]json.RawMessage, len(sections)+1)
	for k, v := range sections {
		doc[k] = v
	}
	chat, err := g.recentChat(ctx, roomID, server.MaxChatMessages)
	if err != nil {
		return nil, false, err
	}
	doc[string(server.CatChat)] = chat

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, false, fmt.Errorf("assemble room %s: %w", roomID, err)
	}
	var st server.RoomState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, false, fmt.Errorf("decode room %s: %w", roomID, err)
	}
	st.ID = roomID
	st.CreatedAt = time.UnixMilli(created)
	return &st, true, nil
}

func (g *Gateway) recentChat(ctx context.Context, roomID string, limit int) (json.RawMessage, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT body FROM (
			SELECT body, ts, rowid AS rid FROM chat_messages
			WHERE room_id = ?
			ORDER BY ts DESC, rid DESC
			LIMIT ?
		) ORDER BY ts ASC, rid ASC
	`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("load chat %s: %w", roomID, err)
	}
	defer rows.Close()
	msgs := []json.RawMessage{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		msgs = append(msgs, json.RawMessage(body))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return json.Marshal(msgs)
}

// ChatCount 房间已持久化的聊天条数（含内存中已截断的）
func (g *Gateway) ChatCount(ctx context.Context, roomID string) (int, error) {
	var n int
	err := g.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_messages WHERE room_id = ?`, roomID).Scan(&n)
	return n, err
}

// Delete 删除房间的所有持久化数据
func (g *Gateway) Delete(ctx context.Context, roomID string) error {
	if _, err := g.db.ExecContext(ctx, `DELETE FROM rooms WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("delete room %s: %w", roomID, err)
	}
	return nil
}

// splitChunks 按字节切分；max<=0 时不切分
func splitChunks(data []byte, max int) [][]byte {
	if max <= 0 || len(data) <= max {
		return [][]byte{data}
	}
	chunks := make([][]byte, 0, len(data)/max+1)
	for len(data) > 0 {
		n := max
		if len(data) < n {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}
