package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/droidrunner/internal/scheduler"
)

// MaxHistory is the number of finished tasks kept; older entries are dropped first.
const MaxHistory = 1000

// opTimeout bounds every store operation.
const opTimeout = 5 * time.Second

// ErrNotFound is returned when a catalog record does not exist.
var ErrNotFound = errors.New("not found")

var _ scheduler.Store = (*SQLiteStore)(nil)

// SQLiteStore persists scheduler collections and catalog records in SQLite,
// and per-task output and event logs as files under logDir.
// Each Save replaces its collection inside one transaction.
type SQLiteStore struct {
	db     *sql.DB
	logDir string // Empty disables per-task logs
	locks  *keyedMutex
}

// NewSQLiteStore creates a SQLite-backed store at dbPath with task logs in logDir.
// Creates parent directories if needed. Enables WAL mode and a busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath, logDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer plus one concurrent reader under WAL.
	db.SetMaxOpenConns(2)

	return newStore(ctx, db, logDir)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Each store gets its own named shared-cache database, so stores are isolated
// from each other while their connections see the same data.
func NewMemoryStore(ctx context.Context, logDir string) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:droidrunner-%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)", uuid.NewString())
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	// A single connection keeps the shared-cache database alive and avoids
	// table-level lock errors between connections.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	return newStore(ctx, db, logDir)
}

func newStore(ctx context.Context, db *sql.DB, logDir string) (*SQLiteStore, error) {
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	store := &SQLiteStore{db: db, logDir: logDir, locks: newKeyedMutex()}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LogDir returns the directory holding per-task logs.
func (s *SQLiteStore) LogDir() string {
	return s.logDir
}

// withTx runs fn in a serializable transaction, retrying the whole
// transaction while SQLite reports the database busy.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		if err := fn(ctx, tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

// query runs fn with a bounded context, retrying on busy.
func (s *SQLiteStore) query(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return retryOnBusy(ctx, func() error { return fn(ctx) })
}
