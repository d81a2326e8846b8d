// Package store 是同步引擎的 SQLite 持久化网关：
// 分区状态按大小上限切分成多行保存，聊天记录逐条追加，增量另记日志。
package store

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// DefaultMaxChunkBytes 单行数据上限（对齐文档库 1MiB 的单文档限制并留余量）
const DefaultMaxChunkBytes = 900 * 1024

// Gateway 实现 server.Persister 与 server.StateLoader
type Gateway struct {
	db *sql.DB

	// MaxChunkBytes 分区 JSON 超过此大小时切分成多行
	MaxChunkBytes int
}

// Open 打开（或创建）数据库文件，设置 pragma 并建表。可重复调用
func Open(path string) (*Gateway, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	// SQLite 只允许一个写者
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Gateway{db: db, MaxChunkBytes: DefaultMaxChunkBytes}, nil
}

func (g *Gateway) Close() error {
	if g.db == nil {
		return nil
	}
	return g.db.Close()
}
