// Package memory provides an in-process inventory backend, used by tests and
// dry runs. Its contents do not survive the process.
package memory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gezibash/arc-backup/internal/inventory/physical"
	"github.com/gezibash/arc-backup/internal/storage"
)

func init() {
	physical.Register("memory", NewFactory, Defaults)
}

// Defaults returns the (empty) default configuration.
func Defaults() storage.Options {
	return storage.Options{}
}

// NewFactory creates an empty memory backend.
func NewFactory(_ context.Context, _ storage.Options) (physical.Backend, error) {
	return New(), nil
}

type partitionKey struct {
	drive      string
	generation int
}

// Backend is a map-backed implementation of physical.Backend.
type Backend struct {
	mu      sync.RWMutex
	records map[physical.Key]*physical.Record
	// paths keeps each partition's paths sorted for paging.
	paths  map[partitionKey][]string
	closed atomic.Bool
}

// New returns an empty backend.
func New() *Backend {
	return &Backend{
		records: make(map[physical.Key]*physical.Record),
		paths:   make(map[partitionKey][]string),
	}
}

func clone(r *physical.Record) *physical.Record {
	c := *r
	return &c
}

func (b *Backend) Insert(_ context.Context, rec *physical.Record) (bool, error) {
	if b.closed.Load() {
		return false, physical.ErrClosed
	}
	key := rec.Key()
	if err := key.Validate(); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.records[key]; exists {
		return false, nil
	}
	b.records[key] = clone(rec)

	pk := partitionKey{rec.Drive, rec.Generation}
	paths := b.paths[pk]
	i, _ := slices.BinarySearch(paths, rec.Path)
	b.paths[pk] = slices.Insert(paths, i, rec.Path)
	return true, nil
}

func (b *Backend) Get(_ context.Context, key physical.Key) (*physical.Record, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.records[key]
	if !ok {
		return nil, physical.ErrNotFound
	}
	return clone(rec), nil
}

func (b *Backend) FindByHash(_ context.Context, hash, drive string, generation int) (*physical.Record, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	var found *physical.Record
	for _, rec := range b.records {
		if rec.Hash == hash && rec.Drive == drive && rec.Generation == generation {
			if found == nil || rec.Path < found.Path {
				found = rec
			}
		}
	}
	if found == nil {
		return nil, physical.ErrNotFound
	}
	return clone(found), nil
}

func (b *Backend) FindAllByHash(_ context.Context, hash string, generation int) ([]*physical.Record, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*physical.Record
	for _, rec := range b.records {
		if rec.Hash == hash && rec.Generation == generation {
			out = append(out, clone(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Drive != out[j].Drive {
			return out[i].Drive < out[j].Drive
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

func (b *Backend) Query(_ context.Context, opts *physical.QueryOptions) (*physical.QueryResult, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	if err := physical.ValidateQuery(opts); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	pk := partitionKey{opts.Drive, opts.Generation}
	paths := b.paths[pk]
	start := 0
	if opts.Cursor != "" {
		start, _ = slices.BinarySearch(paths, opts.Cursor)
		if start < len(paths) && paths[start] == opts.Cursor {
			start++
		}
	}

	res := &physical.QueryResult{}
	for _, p := range paths[start:] {
		rec := b.records[physical.Key{Drive: opts.Drive, Generation: opts.Generation, Path: p}]
		if opts.UnassignedOnly && rec.Assigned() {
			continue
		}
		if len(res.Records) == opts.Limit {
			res.HasMore = true
			break
		}
		res.Records = append(res.Records, clone(rec))
	}
	if res.HasMore {
		res.NextCursor = res.Records[len(res.Records)-1].Path
	}
	return res, nil
}

func (b *Backend) Count(_ context.Context, opts *physical.QueryOptions) (int64, error) {
	if b.closed.Load() {
		return 0, physical.ErrClosed
	}
	if err := physical.ValidateQuery(opts); err != nil {
		return 0, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	var n int64
	for _, p := range b.paths[partitionKey{opts.Drive, opts.Generation}] {
		rec := b.records[physical.Key{Drive: opts.Drive, Generation: opts.Generation, Path: p}]
		if opts.UnassignedOnly && rec.Assigned() {
			continue
		}
		n++
	}
	return n, nil
}

func (b *Backend) Assign(_ context.Context, key physical.Key, backupDrive string) (bool, error) {
	if b.closed.Load() {
		return false, physical.ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[key]
	if !ok {
		return false, physical.ErrNotFound
	}
	if rec.Assigned() {
		return false, nil
	}
	rec.BackupDrive = backupDrive
	return true, nil
}

func (b *Backend) Partitions(_ context.Context) ([]physical.Partition, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]physical.Partition, 0, len(b.paths))
	for pk, paths := range b.paths {
		if len(paths) > 0 {
			out = append(out, physical.Partition{Drive: pk.drive, Generation: pk.generation})
		}
	}
	slices.SortFunc(out, func(a, c physical.Partition) int {
		if n := strings.Compare(a.Drive, c.Drive); n != 0 {
			return n
		}
		return a.Generation - c.Generation
	})
	return out, nil
}

func (b *Backend) Stats(_ context.Context) (*physical.Stats, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return &physical.Stats{Records: int64(len(b.records)), BackendType: "memory"}, nil
}

func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}
