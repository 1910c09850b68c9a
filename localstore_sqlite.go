package beatsync

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteLocalStore implements LocalStore on a single SQLite file, so the
// device-local cache survives app restarts and can be inspected with
// standard SQLite tools.
type SQLiteLocalStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool

	selectStmt *sql.Stmt
	upsertStmt *sql.Stmt
	metaStmt   *sql.Stmt
}

// NewSQLiteLocalStore opens (creating if needed) the local store database.
func NewSQLiteLocalStore(config LocalStoreConfig) (*SQLiteLocalStore, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("sqlite local store: path is required")
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d",
		config.Path, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	s := &SQLiteLocalStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init local store schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare local store statements: %w", err)
	}
	return s, nil
}

func (s *SQLiteLocalStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS records (
			store      TEXT NOT NULL,
			id         TEXT NOT NULL,
			data       BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (store, id)
		);

		CREATE TABLE IF NOT EXISTS sync_metadata (
			kind       TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			date       TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (kind, user_id)
		);

		CREATE INDEX IF NOT EXISTS idx_records_store ON records(store);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteLocalStore) prepareStatements() error {
	var err error

	s.selectStmt, err = s.db.Prepare(`SELECT data FROM records WHERE store = ?`)
	if err != nil {
		return fmt.Errorf("prepare select: %w", err)
	}

	s.upsertStmt, err = s.db.Prepare(`
		INSERT OR REPLACE INTO records (store, id, data, updated_at)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}

	s.metaStmt, err = s.db.Prepare(`
		INSERT OR REPLACE INTO sync_metadata (kind, user_id, date, updated_at)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare metadata upsert: %w", err)
	}

	return nil
}

func (s *SQLiteLocalStore) GetAll(ctx context.Context, store string) ([][]byte, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	s.mu.RUnlock()

	rows, err := s.selectStmt.QueryContext(ctx, store)
	if err != nil {
		return nil, newStoreError(StoreOpRead, store, "query records", err)
	}
	defer rows.Close()

	var docs [][]byte
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, newStoreError(StoreOpRead, store, "scan record", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *SQLiteLocalStore) Save(ctx context.Context, store, id string, doc []byte) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	if _, err := s.upsertStmt.ExecContext(ctx, store, id, doc, time.Now().UnixNano()); err != nil {
		return newStoreError(StoreOpWrite, store, "save record", err)
	}
	return nil
}

func (s *SQLiteLocalStore) MergeData(ctx context.Context, store string, docs map[string][]byte) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStoreError(StoreOpMerge, store, "begin merge", err)
	}
	defer tx.Rollback()

	stmt := tx.StmtContext(ctx, s.upsertStmt)
	now := time.Now().UnixNano()
	for id, doc := range docs {
		if _, err := stmt.ExecContext(ctx, store, id, doc, now); err != nil {
			return newStoreError(StoreOpMerge, store, "merge record", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteLocalStore) SetSyncMetadata(ctx context.Context, kind, userID, date string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	if _, err := s.metaStmt.ExecContext(ctx, kind, userID, date, time.Now().UnixNano()); err != nil {
		return newStoreError(StoreOpWrite, "sync_metadata", "save metadata", err)
	}
	return nil
}

func (s *SQLiteLocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.selectStmt != nil {
		s.selectStmt.Close()
	}
	if s.upsertStmt != nil {
		s.upsertStmt.Close()
	}
	if s.metaStmt != nil {
		s.metaStmt.Close()
	}
	return s.db.Close()
}
