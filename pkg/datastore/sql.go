package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const dbTimeLayout = "2006-01-02 15:04:05"

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	DB
}

type nonTxProvider struct {
	baseProvider
}

type txProvider struct {
	baseProvider
	tx *sql.Tx
}

func (c *txProvider) Rollback() error {
	return c.tx.Rollback()
}

func (c *txProvider) Commit() error {
	return c.tx.Commit()
}

// ProviderFactory hands out providers bound to the database or to a single
// transaction.
type ProviderFactory struct {
	DB *sql.DB
}

func (sf ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{
		baseProvider: baseProvider{
			DB: sf.DB,
		},
	}
}

// Tx begins a write transaction. Databases opened by NewProviderFactory take
// the write lock up front (BEGIN IMMEDIATE), so two processes updating the
// same IP serialize instead of failing at commit.
func (sf ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := sf.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("datastore: begin: %w", err)
	}

	return &txProvider{
		baseProvider: baseProvider{
			DB: tx,
		},
		tx: tx,
	}, nil
}

// Ping checks that the database is reachable.
func (sf ProviderFactory) Ping(ctx context.Context) error {
	return sf.DB.PingContext(ctx)
}

// Close closes the database handle.
func (sf ProviderFactory) Close() error {
	if sf.DB == nil {
		return nil
	}
	return sf.DB.Close()
}

// dsn builds the connection string. Pragmas go in the DSN rather than an
// Exec so every pooled connection gets them.
func dsn(dbPath string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	return "file:" + dbPath + "?" + q.Encode()
}

// NewProviderFactory opens (or creates) a SQLite database and runs migrations.
func NewProviderFactory(dbPath string) (*ProviderFactory, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("datastore: create data dir: %w", err)
	}

	DB, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	ctx := context.Background()
	if err := DB.PingContext(ctx); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	s := &ProviderFactory{DB: DB}
	if err := s.migrate(ctx); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

func (s *ProviderFactory) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS aliases (
		alias        TEXT    PRIMARY KEY CHECK(length(alias) > 0 AND length(alias) <= 64),
		enabled      INTEGER NOT NULL DEFAULT 1,
		notes        TEXT    NOT NULL DEFAULT '',
		last_sender  TEXT,
		created_at   TEXT    NOT NULL DEFAULT (datetime('now')),
		last_used_at TEXT
	);

	CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ip_tracking (
		ip                      TEXT    PRIMARY KEY,
		email_count_minute      INTEGER NOT NULL DEFAULT 0,
		email_count_hour        INTEGER NOT NULL DEFAULT 0,
		email_count_day         INTEGER NOT NULL DEFAULT 0,
		connection_count_minute INTEGER NOT NULL DEFAULT 0,
		connection_count_hour   INTEGER NOT NULL DEFAULT 0,
		last_reset_minute       INTEGER NOT NULL DEFAULT 0,
		last_reset_hour         INTEGER NOT NULL DEFAULT 0,
		last_reset_day          INTEGER NOT NULL DEFAULT 0,
		first_seen              INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		last_seen               INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		violation_count         INTEGER NOT NULL DEFAULT 0,
		ban_count               INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS banned_ips (
		ip           TEXT    PRIMARY KEY,
		banned_at    INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		ban_expires  INTEGER,
		ban_reason   TEXT    NOT NULL DEFAULT '',
		ban_duration INTEGER NOT NULL DEFAULT 0,
		is_permanent INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS security_events (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp    INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		ip           TEXT    NOT NULL DEFAULT '',
		event_type   TEXT    NOT NULL,
		details      TEXT    NOT NULL DEFAULT '',
		action_taken TEXT    NOT NULL DEFAULT ''
	);
	`
	if _, err := s.DB.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	migrations := []migration{
		{
			version:    1,
			statements: []string{schema},
		},
		{
			version: 2,
			statements: []string{
				"CREATE INDEX IF NOT EXISTS idx_security_events_ip_ts ON security_events (ip, timestamp)",
				"CREATE INDEX IF NOT EXISTS idx_banned_ips_expires ON banned_ips (is_permanent, ban_expires)",
			},
		},
		{
			version: 3,
			statements: []string{
				"INSERT OR IGNORE INTO settings (key, value) VALUES ('wildcard_enabled', 'true')",
			},
		},
	}

	for _, m := range migrations {
		if err := s.apply(ctx, m); err != nil {
			return fmt.Errorf("version %d: %w", m.version, err)
		}
	}
	return nil
}

type migration struct {
	version    int
	statements []string
}

// apply runs m and records its version in one transaction. The version is
// re-read under the write lock, so relay processes starting together apply
// each migration once.
func (s *ProviderFactory) apply(ctx context.Context, m migration) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current sql.NullInt64
	if err := tx.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current.Valid && int(current.Int64) >= m.version {
		return nil
	}
	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations"); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
		return err
	}
	return tx.Commit()
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}
