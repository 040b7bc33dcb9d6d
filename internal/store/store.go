// Package store owns the persistent relational cache: schema,
// migrations, transactions and the prepared queries every other
// component reads and writes through. See spec.md §4.1.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the connection pool to the local SQLite cache.
//
// Concurrency contract: at most one writer transaction is in flight at
// any moment (BeginWriter serialises on writeMu); readers proceed in
// parallel via WAL. The writer must never be held across a network
// call — callers gather remote data before calling BeginWriter.
type Store struct {
	db      *sql.DB
	path    string
	writeMu chan struct{} // 1-buffered: acts as an async mutex
}

// Open opens or creates the database at path, applying pragmas and the
// idempotent schema. path is used as given; no default location is
// substituted for an empty path.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	connStr := path + "?_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=case_sensitive_like(1)" +
		"&_pragma=mmap_size(134217728)"

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	// SQLite has one writer; keep the pool small so readers queue on
	// the database's own lock rather than piling up goroutines.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, seedStatements); err != nil {
		return nil, fmt.Errorf("store: seed: %w", err)
	}

	s := &Store{
		db:      db,
		path:    path,
		writeMu: make(chan struct{}, 1),
	}
	s.writeMu <- struct{}{}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close checkpoints the WAL and closes the connection pool.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// CheckpointWAL flushes the WAL into the main database file.
func (s *Store) CheckpointWAL(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(FULL)")
	return err
}

// Tx is a writer transaction handle. The Store never commits
// implicitly: callers must call Commit or Rollback.
type Tx struct {
	*sql.Tx
	release func()
}

// BeginWriter acquires the single writer slot and opens a transaction.
// Per spec.md §5, callers must gather all remote data before calling
// this — no network I/O may occur while the writer is held. ctx should
// carry the 10s transaction timeout described in spec.md §5.
func (s *Store) BeginWriter(ctx context.Context) (*Tx, error) {
	select {
	case <-s.writeMu:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.writeMu <- struct{}{}
		return nil, fmt.Errorf("store: begin writer: %w", err)
	}

	released := false
	release := func() {
		if !released {
			released = true
			s.writeMu <- struct{}{}
		}
	}
	return &Tx{Tx: tx, release: release}, nil
}

// Commit commits the underlying transaction and releases the writer slot.
func (t *Tx) Commit() error {
	defer t.release()
	return t.Tx.Commit()
}

// Rollback rolls back the underlying transaction and releases the writer slot.
func (t *Tx) Rollback() error {
	defer t.release()
	return t.Tx.Rollback()
}

// Stats summarises the cache for the `db status` CLI command.
type Stats struct {
	Path            string
	SizeBytes       int64
	Projects        int
	Issues          int
	Attachments     int
	Comments        int
	SchemaVersion   int
	LastFullSyncAt  time.Time
	LastSeenUpdated time.Time
}

// GetStats returns counts and sync watermark state.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Path: s.path}

	if info, err := os.Stat(s.path); err == nil {
		stats.SizeBytes = info.Size()
	}

	_ = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM project").Scan(&stats.Projects)
	_ = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM issue").Scan(&stats.Issues)
	_ = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM attachment").Scan(&stats.Attachments)
	_ = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM comment").Scan(&stats.Comments)
	_ = s.db.QueryRowContext(ctx, "SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&stats.SchemaVersion)

	var lastFull, lastSeen sql.NullTime
	_ = s.db.QueryRowContext(ctx, "SELECT last_full_sync_at, last_seen_updated FROM sync_watermark WHERE id=1").
		Scan(&lastFull, &lastSeen)
	if lastFull.Valid {
		stats.LastFullSyncAt = lastFull.Time
	}
	if lastSeen.Valid {
		stats.LastSeenUpdated = lastSeen.Time
	}

	return stats, nil
}

// Backup copies the database file to destPath after checkpointing the WAL.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if err := s.CheckpointWAL(ctx); err != nil {
		return fmt.Errorf("store: checkpoint before backup: %w", err)
	}

	src, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("store: open source: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o750); err != nil {
		return fmt.Errorf("store: create backup directory: %w", err)
	}

	dst, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("store: create destination: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("store: copy: %w", err)
	}
	return nil
}
