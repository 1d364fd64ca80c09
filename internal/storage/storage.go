// Package storage はサービスのローカル永続化領域（SQLite）を提供する。
//
// トークン・プロフィールキャッシュ・未読数・通知許可マーカーを保持する
// キーバリュー領域と、トースト履歴テーブルを持つ。スキーマは
// 埋め込みマイグレーションで管理する。
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nao1215/matreq/pkg/migration"
)

//go:embed migrations/*.sql
var migrations embed.FS

// MemoryPath はインメモリDBを表すパス。
const MemoryPath = ":memory:"

// KV はキーバリュー領域の操作を表す。
type KV interface {
	// Get はキーの値を返す。存在しなければ ok=false を返す。
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Put はキーに値を保存する。
	Put(ctx context.Context, key string, value []byte) error
	// Delete はキーを削除する。存在しなくてもエラーにしない。
	Delete(ctx context.Context, key string) error
}

// DB はSQLiteデータベース接続とキーバリュー操作をまとめたもの。
type DB struct {
	// sql はSQLiteデータベース接続。
	sql *sql.DB
}

// Open はSQLiteデータベースを開き、マイグレーションを適用する。
func Open(ctx context.Context, path string) (*DB, error) {
	dsn := path
	if path != MemoryPath {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if path == MemoryPath {
		// :memory: は接続ごとに別DBになるため1接続に固定する
		sqlDB.SetMaxOpenConns(1)
	}

	if _, err := migration.Run(ctx, sqlDB, migrations, "migrations"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &DB{sql: sqlDB}, nil
}

// SQL は内部のデータベース接続を返す。
func (db *DB) SQL() *sql.DB {
	return db.sql
}

// Close はデータベース接続を閉じる。
func (db *DB) Close() error {
	return db.sql.Close()
}

// Get はキーの値を返す。
func (db *DB) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := db.sql.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("キー %q の取得に失敗: %w", key, err)
	}
	return value, true, nil
}

// Put はキーに値を保存する。既存の値は上書きする。
func (db *DB) Put(ctx context.Context, key string, value []byte) error {
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("キー %q の保存に失敗: %w", key, err)
	}
	return nil
}

// Delete はキーを削除する。
func (db *DB) Delete(ctx context.Context, key string) error {
	if _, err := db.sql.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("キー %q の削除に失敗: %w", key, err)
	}
	return nil
}

// Key はプロフィールIDで名前空間を切ったキーを生成する。
func Key(namespace string, profileID int64) string {
	return fmt.Sprintf("%s:%d", namespace, profileID)
}

// 名前空間の一覧。
const (
	// NamespaceTokens はアクセス・リフレッシュトークン。
	NamespaceTokens = "tokens"
	// NamespaceProfile はデコード済みプロフィールのキャッシュ。
	NamespaceProfile = "profile"
	// NamespaceUnread はプロフィール別の未読数マップ。
	NamespaceUnread = "unread"
	// NamespacePermissionAsked は通知許可を一度確認したことを示すマーカー。
	NamespacePermissionAsked = "notify_permission_asked"
)
