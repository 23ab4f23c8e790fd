// Package sqlite provides a SQLite-backed inventory backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"github.com/gezibash/arc-backup/internal/inventory/physical"
	"github.com/gezibash/arc-backup/internal/storage"
)

const (
	KeyPath        = "path"
	KeyJournalMode = "journal_mode"
	KeyBusyTimeout = "busy_timeout"
	KeyCacheSize   = "cache_size"
)

func init() {
	physical.Register("sqlite", NewFactory, Defaults)
}

// Defaults returns the default configuration for the SQLite backend.
func Defaults() storage.Options {
	return storage.Options{
		KeyPath:        "~/.arc-backup/inventory.db",
		KeyJournalMode: "wal",
		KeyBusyTimeout: "5000",
		KeyCacheSize:   "-64000",
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS records (
    drive         TEXT NOT NULL,
    generation    INTEGER NOT NULL,
    path          TEXT NOT NULL,
    hash          TEXT NOT NULL,
    discovered_at INTEGER NOT NULL,
    backup_drive  TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (drive, generation, path)
);

CREATE INDEX IF NOT EXISTS idx_records_hash ON records(hash, generation, drive);
CREATE INDEX IF NOT EXISTS idx_records_unassigned ON records(drive, generation, path) WHERE backup_drive = '';
`

const columns = `drive, generation, path, hash, discovered_at, backup_drive`

// NewFactory creates a new SQLite backend from a configuration map.
func NewFactory(_ context.Context, opts storage.Options) (physical.Backend, error) {
	path := opts.Path(KeyPath, "")
	if path == "" {
		return nil, storage.NewConfigError("sqlite", KeyPath, "cannot be empty")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to create directory", err)
		}
	}

	journalMode := opts.String(KeyJournalMode, "wal")
	busyTimeout, err := opts.Int(KeyBusyTimeout, 5000)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyBusyTimeout, "invalid value", err)
	}
	cacheSize, err := opts.Int(KeyCacheSize, -64000)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyCacheSize, "invalid value", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(%d)&_pragma=cache_size(%d)",
		path, journalMode, busyTimeout, cacheSize)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to open database", err)
	}

	// One connection serializes writers; Insert and Assign rely on
	// single-statement atomicity rather than explicit transactions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to initialize schema", err)
	}

	slog.Info("sqlite inventory initialized", "path", path, "journal_mode", journalMode)
	return &Backend{db: db}, nil
}

// Backend is a SQLite implementation of physical.Backend.
type Backend struct {
	db     *sql.DB
	closed atomic.Bool
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*physical.Record, error) {
	var rec physical.Record
	if err := s.Scan(&rec.Drive, &rec.Generation, &rec.Path, &rec.Hash, &rec.DiscoveredAt, &rec.BackupDrive); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Insert stores rec if its key is absent.
func (b *Backend) Insert(ctx context.Context, rec *physical.Record) (bool, error) {
	if b.closed.Load() {
		return false, physical.ErrClosed
	}
	if err := rec.Key().Validate(); err != nil {
		return false, err
	}

	res, err := b.db.ExecContext(ctx,
		`INSERT INTO records (`+columns+`) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (drive, generation, path) DO NOTHING`,
		rec.Drive, rec.Generation, rec.Path, rec.Hash, rec.DiscoveredAt, rec.BackupDrive,
	)
	if err != nil {
		return false, fmt.Errorf("sqlite insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite insert: rows affected: %w", err)
	}
	return n == 1, nil
}

// Get retrieves a record by key.
func (b *Backend) Get(ctx context.Context, key physical.Key) (*physical.Record, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	rec, err := scanRecord(b.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM records WHERE drive = ? AND generation = ? AND path = ?`,
		key.Drive, key.Generation, key.Path,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get: %w", err)
	}
	return rec, nil
}

// FindByHash returns the lowest-path record of drive holding hash.
func (b *Backend) FindByHash(ctx context.Context, hash, drive string, generation int) (*physical.Record, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	rec, err := scanRecord(b.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM records
		 WHERE hash = ? AND generation = ? AND drive = ?
		 ORDER BY path LIMIT 1`,
		hash, generation, drive,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite find by hash: %w", err)
	}
	return rec, nil
}

// FindAllByHash returns every record in generation holding hash, ordered by
// drive then path.
func (b *Backend) FindAllByHash(ctx context.Context, hash string, generation int) ([]*physical.Record, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT `+columns+` FROM records
		 WHERE hash = ? AND generation = ?
		 ORDER BY drive, path`,
		hash, generation,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite find all by hash: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows *sql.Rows) ([]*physical.Record, error) {
	var out []*physical.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite rows: %w", err)
	}
	return out, nil
}

func where(opts *physical.QueryOptions) (string, []any) {
	clause := `drive = ? AND generation = ?`
	args := []any{opts.Drive, opts.Generation}
	if opts.UnassignedOnly {
		clause += ` AND backup_drive = ''`
	}
	return clause, args
}

// Query returns one page of a partition ordered by path. The result set is
// fully read before returning so callers may write between pages.
func (b *Backend) Query(ctx context.Context, opts *physical.QueryOptions) (*physical.QueryResult, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	if err := physical.ValidateQuery(opts); err != nil {
		return nil, err
	}

	clause, args := where(opts)
	if opts.Cursor != "" {
		clause += ` AND path > ?`
		args = append(args, opts.Cursor)
	}
	args = append(args, opts.Limit+1)

	rows, err := b.db.QueryContext(ctx,
		`SELECT `+columns+` FROM records WHERE `+clause+` ORDER BY path LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query: %w", err)
	}
	defer rows.Close()

	records, err := collect(rows)
	if err != nil {
		return nil, err
	}

	res := &physical.QueryResult{Records: records}
	if len(records) > opts.Limit {
		res.Records = records[:opts.Limit]
		res.HasMore = true
		res.NextCursor = res.Records[opts.Limit-1].Path
	}
	return res, nil
}

// Count returns the number of records matching opts.
func (b *Backend) Count(ctx context.Context, opts *physical.QueryOptions) (int64, error) {
	if b.closed.Load() {
		return 0, physical.ErrClosed
	}
	if err := physical.ValidateQuery(opts); err != nil {
		return 0, err
	}

	clause, args := where(opts)
	var n int64
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE `+clause, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite count: %w", err)
	}
	return n, nil
}

// Assign sets backup_drive iff it is currently empty.
func (b *Backend) Assign(ctx context.Context, key physical.Key, backupDrive string) (bool, error) {
	if b.closed.Load() {
		return false, physical.ErrClosed
	}

	res, err := b.db.ExecContext(ctx,
		`UPDATE records SET backup_drive = ?
		 WHERE drive = ? AND generation = ? AND path = ? AND backup_drive = ''`,
		backupDrive, key.Drive, key.Generation, key.Path,
	)
	if err != nil {
		return false, fmt.Errorf("sqlite assign: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite assign: rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	var exists int
	err = b.db.QueryRowContext(ctx,
		`SELECT 1 FROM records WHERE drive = ? AND generation = ? AND path = ?`,
		key.Drive, key.Generation, key.Path,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, physical.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("sqlite assign: lookup: %w", err)
	}
	return false, nil
}

// Partitions lists the distinct (drive, generation) pairs.
func (b *Backend) Partitions(ctx context.Context) ([]physical.Partition, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT DISTINCT drive, generation FROM records ORDER BY drive, generation`)
	if err != nil {
		return nil, fmt.Errorf("sqlite partitions: %w", err)
	}
	defer rows.Close()

	var out []physical.Partition
	for rows.Next() {
		var p physical.Partition
		if err := rows.Scan(&p.Drive, &p.Generation); err != nil {
			return nil, fmt.Errorf("sqlite partitions: scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Stats returns storage statistics.
func (b *Backend) Stats(ctx context.Context) (*physical.Stats, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	var sizeBytes, records int64
	err := b.db.QueryRowContext(ctx,
		`SELECT page_count * page_size FROM pragma_page_count, pragma_page_size`).Scan(&sizeBytes)
	if err != nil {
		return nil, fmt.Errorf("sqlite stats: %w", err)
	}
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&records); err != nil {
		return nil, fmt.Errorf("sqlite stats: %w", err)
	}

	return &physical.Stats{
		Records:     records,
		SizeBytes:   sizeBytes,
		BackendType: "sqlite",
	}, nil
}

// Close closes the SQLite database.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
