package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/httprunner/TestAgent/internal/config"
)

const (
	defaultDBDirName  = ".testagent"
	defaultDBFileName = "testagent.sqlite"

	invocationsTable = "invocations"
	testResultsTable = "test_results"
	devicesTable     = "devices"

	reportedColumn    = "reported"
	reportedAtColumn  = "reported_at"
	reportErrorColumn = "report_error"
)

// report states of an invocation row
const (
	reportStatusPending = 0
	reportStatusDone    = 1
	reportStatusFailed  = -1
)

// Config controls where the store lives.
type Config struct {
	// Path overrides TESTAGENT_DB_PATH and the default ~/.testagent/testagent.sqlite.
	Path string
}

// Store is the SQLite database behind the result listener, the device
// recorder, the history reader and the reporter.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database and migrates its schema.
func Open(cfg Config) (*Store, error) {
	dbPath, err := resolveDatabasePath(cfg.Path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: open sqlite database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Str("path", dbPath).Msg("storage: sqlite store opened")
	return &Store{db: db, path: dbPath}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// DB exposes the underlying handle for read-only tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func resolveDatabasePath(custom string) (string, error) {
	custom = strings.TrimSpace(custom)
	if custom == "" {
		custom = config.String(config.KeyDBPath, "")
	}
	if custom != "" {
		if err := ensureDirExists(filepath.Dir(custom)); err != nil {
			return "", err
		}
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", pkgerrors.Wrap(err, "storage: locate user home failed")
	}
	dir := filepath.Join(home, defaultDBDirName)
	if err := ensureDirExists(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultDBFileName), nil
}

func ensureDirExists(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "storage: create dir %s failed", path)
	}
	return nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		// invocations finish in bursts when a sharded run completes
		"PRAGMA busy_timeout=60000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return pkgerrors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	tables := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			command_id TEXT,
			parent_id TEXT,
			config TEXT,
			serials TEXT,
			shard_index INTEGER,
			shard_count INTEGER,
			state TEXT NOT NULL,
			start_at INTEGER,
			end_at INTEGER,
			elapsed_seconds INTEGER,
			error_class TEXT,
			error_message TEXT,
			%s INTEGER NOT NULL DEFAULT 0,
			%s INTEGER,
			%s TEXT
		);`, invocationsTable, reportedColumn, reportedAtColumn, reportErrorColumn),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			invocation_id TEXT NOT NULL,
			module TEXT,
			run TEXT,
			class_name TEXT,
			test_name TEXT,
			status TEXT NOT NULL,
			trace TEXT,
			start_at INTEGER,
			end_at INTEGER,
			metrics TEXT
		);`, testResultsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			serial TEXT PRIMARY KEY,
			status TEXT,
			product TEXT,
			os_version TEXT,
			agent_version TEXT,
			provider_uuid TEXT,
			last_error TEXT,
			removed INTEGER NOT NULL DEFAULT 0,
			last_seen_at INTEGER
		);`, devicesTable),
	}
	for _, stmt := range tables {
		if _, err := db.Exec(stmt); err != nil {
			return pkgerrors.Wrap(err, "storage: init sqlite schema failed")
		}
	}
	// columns added after the first schema version
	for _, col := range []struct {
		table, name, typ string
	}{
		{invocationsTable, "parent_id", "TEXT"},
		{invocationsTable, reportedColumn, "INTEGER NOT NULL DEFAULT 0"},
		{invocationsTable, reportedAtColumn, "INTEGER"},
		{invocationsTable, reportErrorColumn, "TEXT"},
		{devicesTable, "provider_uuid", "TEXT"},
	} {
		if err := ensureSQLiteColumn(db, col.table, col.name, col.typ); err != nil {
			return err
		}
	}
	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_start ON %s(start_at DESC);`, invocationsTable, invocationsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_parent ON %s(parent_id);`, invocationsTable, invocationsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_reported ON %s(%s);`, invocationsTable, invocationsTable, reportedColumn),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_invocation ON %s(invocation_id);`, testResultsTable, testResultsTable),
	}
	for _, stmt := range indexes {
		if _, err := db.Exec(stmt); err != nil {
			return pkgerrors.Wrap(err, "storage: init sqlite indexes failed")
		}
	}
	return ensureUniqueIndex(db, testResultsTable,
		[]string{"invocation_id", "module", "run", "class_name", "test_name"})
}

// ensureUniqueIndex recreates idx_<table>_dedup when its column set differs
// from columns, removing duplicate rows first so creation cannot fail.
func ensureUniqueIndex(db *sql.DB, table string, columns []string) error {
	indexName := fmt.Sprintf("idx_%s_dedup", table)
	existing, err := inspectIndexColumns(db, indexName)
	if err != nil {
		return err
	}
	if slicesEqualFold(existing, columns) {
		return nil
	}
	if len(existing) > 0 {
		if _, err := db.Exec(fmt.Sprintf("DROP INDEX IF EXISTS %s;", quoteIdent(indexName))); err != nil {
			return pkgerrors.Wrap(err, "storage: drop stale dedup index failed")
		}
	}
	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = quoteIdent(col)
	}
	cols := strings.Join(quoted, ", ")
	dedupe := fmt.Sprintf(`DELETE FROM %s WHERE rowid NOT IN (SELECT MAX(rowid) FROM %s GROUP BY %s);`,
		quoteIdent(table), quoteIdent(table), cols)
	if _, err := db.Exec(dedupe); err != nil {
		return pkgerrors.Wrapf(err, "storage: dedupe %s failed", table)
	}
	create := fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s(%s);`, quoteIdent(indexName), quoteIdent(table), cols)
	if _, err := db.Exec(create); err != nil {
		return pkgerrors.Wrapf(err, "storage: create unique index on %s failed", table)
	}
	return nil
}

func inspectIndexColumns(db *sql.DB, indexName string) ([]string, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA index_info(%s);", quoteIdent(indexName)))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: inspect index info failed")
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var (
			seqno int
			cid   int
			name  string
		)
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan index info failed")
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "storage: iterate index info failed")
	}
	return cols, nil
}

func slicesEqualFold(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

func ensureSQLiteColumn(db *sql.DB, table, column, columnType string) error {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s);", quoteIdent(table)))
	if err != nil {
		return pkgerrors.Wrapf(err, "storage: describe %s schema failed", table)
	}
	defer rows.Close()
	exists := false
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return pkgerrors.Wrap(err, "storage: scan sqlite table info failed")
		}
		if strings.EqualFold(name, column) {
			exists = true
			break
		}
	}
	if err := rows.Err(); err != nil {
		return pkgerrors.Wrap(err, "storage: iterate sqlite table info failed")
	}
	if exists {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", quoteIdent(table), quoteIdent(column), columnType)
	if _, err := db.Exec(stmt); err != nil {
		return pkgerrors.Wrapf(err, "storage: add column %s to %s failed", column, table)
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func execWithRetry(ctx context.Context, db *sql.DB, stmt string, args ...any) error {
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		_, err := db.ExecContext(ctx, stmt, args...)
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxAttempts-1 {
			return err
		}
		backoff := time.Duration(attempt+1) * 200 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

func unixMilli(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMilli(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

func truncateError(msg string) string {
	if len(msg) <= 512 {
		return msg
	}
	return msg[:512]
}
