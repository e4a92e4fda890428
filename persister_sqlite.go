package kinvey

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLitePersisterConfig configures the SQLite-backed persister.
type SQLitePersisterConfig struct {
	// Path to the SQLite database file.
	Path string

	// BusyTimeout is the lock-acquisition timeout in milliseconds.
	BusyTimeout int

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA).
	Synchronous string

	// MaxConnections is the max number of database connections.
	MaxConnections int
}

// DefaultSQLitePersisterConfig returns default configuration.
func DefaultSQLitePersisterConfig(path string) SQLitePersisterConfig {
	return SQLitePersisterConfig{
		Path:           path,
		BusyTimeout:    5000,
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		MaxConnections: 10,
	}
}

// SQLitePersister is a durable KeyValuePersister over a single SQLite file.
// It is the default choice for desktop and server hosts of the SDK.
type SQLitePersister struct {
	db *sql.DB
}

var _ KeyValuePersister = (*SQLitePersister)(nil)

// NewSQLitePersister opens (and initializes, if needed) the database file.
func NewSQLitePersister(cfg SQLitePersisterConfig) (*SQLitePersister, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(%s)&_pragma=synchronous(%s)",
		cfg.Path, cfg.BusyTimeout, cfg.JournalMode, cfg.Synchronous)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite persister: %w", err)
	}
	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}

	const schema = `CREATE TABLE IF NOT EXISTS kinvey_kv (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing sqlite persister: %w", err)
	}
	return &SQLitePersister{db: db}, nil
}

// Close releases the database handle.
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}

// Get returns the blob stored under key, or nil when absent.
func (p *SQLitePersister) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx, `SELECT value FROM kinvey_kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Set stores value under key, replacing any previous value.
func (p *SQLitePersister) Set(ctx context.Context, key string, value []byte) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO kinvey_kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// Delete removes key. Deleting a missing key is not an error.
func (p *SQLitePersister) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM kinvey_kv WHERE key = ?`, key)
	return err
}

// Keys lists stored keys with the given prefix.
func (p *SQLitePersister) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT key FROM kinvey_kv ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, rows.Err()
}
