// Package physical defines the inventory index contract and the registry of
// storage engines that implement it.
package physical

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates the requested record was not found.
	ErrNotFound = errors.New("record not found")

	// ErrClosed indicates the backend has been closed.
	ErrClosed = errors.New("backend closed")

	// ErrInvalidKey indicates a record key that a backend cannot store.
	ErrInvalidKey = errors.New("invalid record key")
)

// DefaultPageSize bounds Query results when QueryOptions.Limit is unset.
const DefaultPageSize = 1000

// Key uniquely identifies a record.
type Key struct {
	Drive      string
	Generation int
	Path       string
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%d:%s", k.Drive, k.Generation, k.Path)
}

// Validate rejects keys that cannot round-trip through every backend.
func (k Key) Validate() error {
	switch {
	case k.Drive == "" || strings.ContainsRune(k.Drive, 0):
		return fmt.Errorf("%w: drive %q", ErrInvalidKey, k.Drive)
	case k.Generation < 1:
		return fmt.Errorf("%w: generation %d", ErrInvalidKey, k.Generation)
	case !strings.HasPrefix(k.Path, "/") || strings.ContainsRune(k.Path, 0):
		return fmt.Errorf("%w: path %q", ErrInvalidKey, k.Path)
	}
	return nil
}

// Record is one file observed on a drive in a generation.
type Record struct {
	Drive        string `json:"drive"`
	Generation   int    `json:"generation"`
	Path         string `json:"path"`
	Hash         string `json:"hash"`
	DiscoveredAt int64  `json:"discovered_at"`
	BackupDrive  string `json:"backup_drive,omitempty"`
}

// Key returns the record's unique key.
func (r *Record) Key() Key {
	return Key{Drive: r.Drive, Generation: r.Generation, Path: r.Path}
}

// Assigned reports whether the record has a confirmed backup location.
func (r *Record) Assigned() bool {
	return r.BackupDrive != ""
}

// Partition is a (drive, generation) pair holding at least one record.
type Partition struct {
	Drive      string `json:"drive"`
	Generation int    `json:"generation"`
}

// QueryOptions selects records of one partition, ordered by path.
type QueryOptions struct {
	Drive          string
	Generation     int
	UnassignedOnly bool
	Limit          int
	// Cursor resumes after the path returned as NextCursor.
	Cursor string
}

// QueryResult contains one page of records.
type QueryResult struct {
	Records    []*Record
	NextCursor string
	HasMore    bool
}

// Stats contains storage statistics.
type Stats struct {
	Records     int64
	SizeBytes   int64
	BackendType string
}

// Backend is the inventory index contract. Lookups are equality-only.
// Insert and Assign are atomic per record; implementations must be
// thread-safe.
type Backend interface {
	// Insert stores rec only if its key is absent and reports whether it did.
	Insert(ctx context.Context, rec *Record) (bool, error)
	// Get returns the record for key or ErrNotFound.
	Get(ctx context.Context, key Key) (*Record, error)
	// FindByHash returns any one record of a drive with the hash, or ErrNotFound.
	FindByHash(ctx context.Context, hash, drive string, generation int) (*Record, error)
	// FindAllByHash returns every record in a generation with the hash.
	FindAllByHash(ctx context.Context, hash string, generation int) ([]*Record, error)
	// Query returns one page of a partition.
	Query(ctx context.Context, opts *QueryOptions) (*QueryResult, error)
	// Count returns how many records a Query with opts would yield in total.
	Count(ctx context.Context, opts *QueryOptions) (int64, error)
	// Assign sets BackupDrive only if it is unset and reports whether it did.
	// It returns ErrNotFound for a missing key.
	Assign(ctx context.Context, key Key, backupDrive string) (bool, error)
	// Partitions lists every (drive, generation) pair, sorted.
	Partitions(ctx context.Context) ([]Partition, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// ValidateQuery normalizes opts in place and rejects incomplete selections.
func ValidateQuery(opts *QueryOptions) error {
	if opts == nil || opts.Drive == "" || opts.Generation < 1 {
		return fmt.Errorf("%w: query needs drive and generation", ErrInvalidKey)
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultPageSize
	}
	return nil
}
