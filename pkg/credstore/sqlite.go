package credstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nao1215/vetclinic/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite はローカルのSQLiteファイルに保存するBackend。
// ブラウザのlocalStorageに相当する永続化先としてCLIが使用する。
type SQLite struct {
	db *sql.DB
}

// OpenSQLite はSQLiteデータベースを開き、マイグレーションを適用する。
// pathに":memory:"を指定するとインメモリデータベースになる。
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLite, error) {
	dsn := path
	if path != ":memory:" {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// 単一ユーザーのローカルストアなので接続は1本に絞る。インメモリDBの共有にも必要。
	db.SetMaxOpenConns(1)

	if err := migration.Run(ctx, db, migrationsFS, "migrations", logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close はデータベース接続を閉じる。
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Get はキーに対応する値を返す。
func (s *SQLite) Get(ctx context.Context, key Key) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM credentials WHERE key = ?", string(key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("認証情報の取得に失敗: key=%s: %w", key, err)
	}
	return value, true, nil
}

// Set はキーに値を保存する。
func (s *SQLite) Set(ctx context.Context, key Key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, string(key), value)
	if err != nil {
		return fmt.Errorf("認証情報の保存に失敗: key=%s: %w", key, err)
	}
	return nil
}

// Delete は指定したキーを削除する。
func (s *SQLite) Delete(ctx context.Context, keys ...Key) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, "DELETE FROM credentials WHERE key = ?", string(k)); err != nil {
			return fmt.Errorf("認証情報の削除に失敗: key=%s: %w", k, err)
		}
	}
	return tx.Commit()
}
