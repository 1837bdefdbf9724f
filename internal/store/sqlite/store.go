package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/roach88/publishonce/internal/article"
	"github.com/roach88/publishonce/internal/guard"
	"github.com/roach88/publishonce/internal/store/sqlstore"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on articles(created_at, id) for listing
const currentSchemaVersion = 1

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Config tunes a node's connection pool.
type Config struct {
	// BusyTimeout is how long ordinary statements wait for the write lock.
	BusyTimeout time.Duration

	// MaxOpenConns bounds concurrent connections from this node.
	// Forced to 1 for MemoryPath.
	MaxOpenConns int
}

// DefaultConfig returns the configuration used by Open.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 4,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.BusyTimeout < 0 {
		return errors.New("sqlite busy timeout must be >= 0")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("sqlite max open conns must be >= 1")
	}
	return nil
}

// Store is one node's handle on a SQLite article database.
type Store struct {
	*sqlstore.Store
	path string
}

// Open creates or opens a SQLite database at the given path with
// DefaultConfig. Applies migrations automatically.
//
// This function is idempotent - safe to call multiple times, and safe for
// several nodes to call on the same file.
func Open(path string) (*Store, error) {
	return OpenConfig(path, DefaultConfig())
}

// OpenConfig is Open with an explicit configuration.
func OpenConfig(path string, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if path == MemoryPath {
		// Each connection to :memory: is a separate database.
		cfg.MaxOpenConns = 1
	}

	db, err := sql.Open("sqlite3", dsn(path, cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify connection works
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	d := &dialect{busyTimeout: cfg.BusyTimeout}
	return &Store{Store: sqlstore.New(db, d), path: path}, nil
}

// Path returns the database path this node opened.
func (s *Store) Path() string {
	return s.path
}

func dsn(path string, cfg Config) string {
	params := url.Values{}
	params.Set("_busy_timeout", strconv.FormatInt(cfg.BusyTimeout.Milliseconds(), 10))
	params.Set("_synchronous", "NORMAL")
	if path != MemoryPath {
		params.Set("_journal_mode", "WAL")
	}
	return path + "?" + params.Encode()
}

// applySchema creates tables and runs migrations when the database is
// behind currentSchemaVersion. A database that is already current is only
// read, so a node can open it while another node holds the write lock.
func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version >= currentSchemaVersion {
		return nil
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db, version); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations from version.
func runMigrations(db *sql.DB, version int) error {
	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the listing index.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_articles_created
		ON articles(created_at, id)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.DB().QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

// dialect implements sqlstore.Dialect for SQLite.
type dialect struct {
	busyTimeout time.Duration
}

func (d *dialect) Name() string               { return "sqlite" }
func (d *dialect) Table() string              { return "articles" }
func (d *dialect) Rebind(query string) string { return query }

func (d *dialect) IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// LockRow claims the database write lock with a no-op UPDATE of the row.
// The connection's busy timeout is set for the claim and restored after,
// even when ctx is already done, so the pooled connection keeps its default.
func (d *dialect) LockRow(ctx context.Context, tx *sql.Tx, id uuid.UUID, mode guard.LockMode) (err error) {
	if err := setBusyTimeout(ctx, tx, lockWait(mode)); err != nil {
		return err
	}
	defer func() {
		if restoreErr := setBusyTimeout(context.WithoutCancel(ctx), tx, d.busyTimeout); restoreErr != nil && err == nil {
			err = restoreErr
		}
	}()

	res, err := tx.ExecContext(ctx, `UPDATE articles SET is_published = is_published WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return article.ErrNotFound
	}
	return nil
}

// lockWait maps a lock mode to a busy timeout.
func lockWait(mode guard.LockMode) time.Duration {
	switch {
	case !mode.Blocking():
		return 0
	case mode.Timeout() > 0:
		return mode.Timeout()
	default:
		// Unbounded: wait until the context interrupts the statement.
		return time.Duration(math.MaxInt32) * time.Millisecond
	}
}

func setBusyTimeout(ctx context.Context, tx *sql.Tx, d time.Duration) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", d.Milliseconds())); err != nil {
		return fmt.Errorf("set busy_timeout: %w", err)
	}
	return nil
}
