// Package sqlite provides a SQLite storage.Backend for the cart's local state.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	stdSync "sync"
	"time"

	syncErrors "github.com/c0deZ3R0/go-cart-sync/errors"
	"github.com/c0deZ3R0/go-cart-sync/logging"
	"github.com/c0deZ3R0/go-cart-sync/storage"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

const (
	opLoad   = "sqlite.Load"
	opSave   = "sqlite.Save"
	opDelete = "sqlite.Delete"
	opKeys   = "sqlite.Keys"

	component = "storage/sqlite"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds configuration options for the SQLite backend.
//
// DefaultConfig enables WAL and sizes the connection pool at 25 open and
// 5 idle connections with a one hour lifetime and five minute idle time.
// In-memory databases are pinned to a single connection because every
// connection would otherwise see its own empty database.
type Config struct {
	// DataSourceName is the SQLite file or URI, e.g. "file:cart.db" or ":memory:".
	DataSourceName string

	// EnableWAL appends _journal_mode=WAL to the DSN.
	EnableWAL bool

	// Profile scopes every key. Defaults to storage.DefaultProfile.
	Profile string

	// TableName defaults to "kv".
	TableName string

	// Logger defaults to the package logger for the store component.
	Logger *slog.Logger

	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 1h
	ConnMaxIdleTime time.Duration // Default: 5m
}

func (c *Config) inMemory() bool {
	return strings.Contains(c.DataSourceName, ":memory:") || strings.Contains(c.DataSourceName, "mode=memory")
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.TableName == "" {
		c.TableName = "kv"
	}
	if c.Profile == "" {
		c.Profile = storage.DefaultProfile
	}
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component(component)).Logger
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.inMemory() {
		c.MaxOpenConns = 1
		c.MaxIdleConns = 1
		c.ConnMaxLifetime = 0
		c.ConnMaxIdleTime = 0
		c.EnableWAL = false
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		sep := "?"
		if strings.Contains(c.DataSourceName, "?") {
			sep = "&"
		}
		c.DataSourceName += sep + "_journal_mode=WAL"
	}
}

// DefaultConfig returns a Config with WAL and pool defaults for dataSourceName.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// Store implements storage.Backend on a single SQLite table shared by all profiles.
type Store struct {
	db        *sql.DB
	mu        stdSync.RWMutex
	closed    bool
	logger    *slog.Logger
	tableName string
	profile   string
}

var _ storage.Backend = (*Store)(nil)

// NewWithDataSource is a convenience constructor using DefaultConfig.
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

// New opens the database, configures the pool and creates the table.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	config.setDefaults()

	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}
	if !tableNamePattern.MatchString(config.TableName) {
		return nil, fmt.Errorf("invalid table name %q", config.TableName)
	}

	logger := config.Logger
	logger.Info("Opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
		slog.String("profile", config.Profile),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	s := &Store{
		db:        db,
		logger:    logger,
		tableName: config.TableName,
		profile:   config.Profile,
	}

	if err := s.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}

	logger.Debug("SQLite store initialized", slog.String("table_name", config.TableName))
	return s, nil
}

func (s *Store) setupSchema() error {
	query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %[1]s (
        profile     TEXT NOT NULL,
        key         TEXT NOT NULL,
        value       TEXT NOT NULL,
        updated_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        PRIMARY KEY (profile, key)
    );
    CREATE INDEX IF NOT EXISTS idx_%[1]s_updated_at ON %[1]s (updated_at);
    `, s.tableName)
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

// Profile returns the profile this store is scoped to.
func (s *Store) Profile() string { return s.profile }

// Load returns the value stored at key for this profile.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var value string
	query := fmt.Sprintf(`SELECT value FROM %s WHERE profile = ? AND key = ?`, s.tableName)
	err := s.db.QueryRowContext(ctx, query, s.profile, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opLoad, component)
	}
	return []byte(value), nil
}

// Save upserts value at key for this profile.
func (s *Store) Save(ctx context.Context, key string, value []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := s.checkOpen(); err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (profile, key, value, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT (profile, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query, s.profile, key, string(value)); err != nil {
		return syncErrors.WrapOpComponent(err, opSave, component)
	}
	return nil
}

// Delete removes key for this profile.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE profile = ? AND key = ?`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query, s.profile, key); err != nil {
		return syncErrors.WrapOpComponent(err, opDelete, component)
	}
	return nil
}

// Keys lists the keys stored for this profile in key order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT key FROM %s WHERE profile = ? ORDER BY key`, s.tableName)
	rows, err := s.db.QueryContext(ctx, query, s.profile)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opKeys, component)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key row: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return keys, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// Stats returns database statistics for monitoring
func (s *Store) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return sql.DBStats{}
	}

	return s.db.Stats()
}
