package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	logx "botfleet/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	busyMS := int64(5000)
	if cfg.BusyTimeout > 0 {
		busyMS = cfg.BusyTimeout.Milliseconds()
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyMS))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")

	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; readers page through recipients
	// instead of holding a cursor open across sends.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqlStore{db: db, log: log, d: dialect{
		name:              "sqlite",
		schema:            sqliteSchema,
		isUniqueViolation: sqliteUniqueViolation,
	}}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path), logx.Int64("busy_timeout_ms", busyMS))
	return st, nil
}

func sqliteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
