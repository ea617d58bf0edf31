package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// sqlitePragmas は接続直後に適用するPRAGMA。
var sqlitePragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA busy_timeout = 5000",
}

// OpenSQLite はSQLiteデータベース接続を開く。
// databaseURLは"sqlite://<path>"または"sqlite::memory:"形式で指定する。
// インメモリDBは接続ごとに独立するため、接続数は常に1に制限する。
func OpenSQLite(databaseURL string) (*sql.DB, error) {
	path := SQLitePath(databaseURL)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty: %q", databaseURL)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range sqlitePragmas {
		if _, err := db.ExecContext(context.Background(), pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

// SQLitePath はデータベースURLからSQLiteのファイルパスを取り出す。
func SQLitePath(databaseURL string) string {
	path := strings.TrimPrefix(databaseURL, "sqlite://")
	path = strings.TrimPrefix(path, "sqlite:")
	return path
}
