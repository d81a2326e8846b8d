package server

import "time"

// TokenChangeKind token 变更的封闭集合
type TokenChangeKind int

const (
	TokenAdd TokenChangeKind = iota + 1
	TokenMove
	TokenUpdate
	TokenRemove
)

var tokenKinds = map[TokenChangeKind]UpdateType{
	TokenAdd:    UpdateTokenAdd,
	TokenMove:   UpdateTokenMove,
	TokenUpdate: UpdateTokenUpdate,
	TokenRemove: UpdateTokenRemove,
}

func (k TokenChangeKind) String() string { return string(tokenKinds[k]) }

// ParseTokenChangeKind 把线上的字符串映射为变更类型
func ParseTokenChangeKind(s string) (TokenChangeKind, bool) {
	for k, t := range tokenKinds {
		if string(t) == s {
			return k, true
		}
	}
	return 0, false
}

// TokenChange 一次 token 变更。Add 用 Token，Move 用 Position，Update 用 Fields
type TokenChange struct {
	Kind     TokenChangeKind
	TokenID  string
	Token    *Token
	Position *Position
	Fields   Document
}

// UpdateToken 未知类型或目标 token 不存在时返回 false，不入队
func (e *Engine) UpdateToken(roomID string, ch TokenChange, playerID string) bool {
	typ, ok := tokenKinds[ch.Kind]
	if !ok {
		e.log.Warnw("unknown token change ignored", "room", roomID, "kind", int(ch.Kind))
		return false
	}
	return e.apply(roomID, CatTokens, typ, playerID, func(st *RoomState, now time.Time) (any, bool) {
		key := ch.TokenID
		if ch.Kind == TokenAdd {
			if ch.Token == nil {
				return nil, false
			}
			if ch.Token.ID != "" {
				key = ch.Token.ID
			}
			if key == "" {
				return nil, false
			}
		}
		payload := TokenPayload{Kind: typ.String(), TokenID: key, PlayerID: playerID}
		cur, exists := st.Tokens[key]
		if exists {
			old := cur.Clone()
			payload.OldData = &old
		}
		switch ch.Kind {
		case TokenAdd:
			cur = ch.Token.Clone()
			cur.ID = key
			pos := cur.Position
			payload.Position = &pos
		case TokenMove:
			if !exists || ch.Position == nil {
				return nil, false
			}
			cur.Position = *ch.Position
			pos := cur.Position
			payload.Position = &pos
		case TokenUpdate:
			if !exists {
				return nil, false
			}
			if name, ok := ch.Fields["name"].(string); ok {
				cur.Name = name
			}
			if cur.Data == nil {
				cur.Data = Document{}
			}
			cur.Data.merge(ch.Fields)
		case TokenRemove:
			if !exists {
				return nil, false
			}
			delete(st.Tokens, key)
			return payload, true
		}
		cur.LastUpdatedBy = playerID
		cur.LastUpdatedAt = now
		st.Tokens[key] = cur
		snap := cur.Clone()
		payload.Token = &snap
		return payload, true
	})
}
