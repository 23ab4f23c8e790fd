// Package inventory is the keyed index of file records shared by every
// pipeline phase. It wraps a physical backend with metrics and lazy
// iteration.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/gezibash/arc-backup/internal/inventory/physical"
	"github.com/gezibash/arc-backup/internal/observability"
	"github.com/gezibash/arc-backup/internal/storage"

	// Register the built-in backends.
	_ "github.com/gezibash/arc-backup/internal/inventory/physical/badger"
	_ "github.com/gezibash/arc-backup/internal/inventory/physical/memory"
	_ "github.com/gezibash/arc-backup/internal/inventory/physical/redis"
	_ "github.com/gezibash/arc-backup/internal/inventory/physical/sqlite"
)

type (
	Record    = physical.Record
	Key       = physical.Key
	Partition = physical.Partition
	Stats     = physical.Stats
)

// ErrNotFound is returned by Get and FindByHash when nothing matches.
var ErrNotFound = physical.ErrNotFound

// Inventory is the engine-facing view of the index.
type Inventory struct {
	backend  physical.Backend
	name     string
	metrics  *observability.Metrics
	pageSize int
}

// Open creates the named backend with opts merged over its defaults.
func Open(ctx context.Context, backend string, opts storage.Options, metrics *observability.Metrics) (*Inventory, error) {
	be, err := physical.New(ctx, backend, opts)
	if err != nil {
		return nil, fmt.Errorf("open inventory: %w", err)
	}
	return New(be, backend, metrics), nil
}

// New wraps an existing backend. name labels metrics.
func New(be physical.Backend, name string, metrics *observability.Metrics) *Inventory {
	return &Inventory{backend: be, name: name, metrics: metrics, pageSize: physical.DefaultPageSize}
}

// SetPageSize changes how many records Iterate fetches per backend query.
func (inv *Inventory) SetPageSize(n int) {
	if n > 0 {
		inv.pageSize = n
	}
}

func (inv *Inventory) count(op string) {
	if inv.metrics != nil {
		inv.metrics.IndexOps.WithLabelValues(op, inv.name).Inc()
	}
}

// Insert stores rec unless a record with its key exists. It reports
// whether rec was stored. Existing records are never updated.
func (inv *Inventory) Insert(ctx context.Context, rec *Record) (bool, error) {
	inv.count("insert")
	ok, err := inv.backend.Insert(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", rec.Key(), err)
	}
	return ok, nil
}

// Get returns the record for key, or ErrNotFound.
func (inv *Inventory) Get(ctx context.Context, key Key) (*Record, error) {
	inv.count("get")
	rec, err := inv.backend.Get(ctx, key)
	if errors.Is(err, physical.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return rec, nil
}

// Has reports whether a record exists for key.
func (inv *Inventory) Has(ctx context.Context, key Key) (bool, error) {
	_, err := inv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// FindByHash returns one record of drive with hash, or ErrNotFound.
func (inv *Inventory) FindByHash(ctx context.Context, hash, drive string, generation int) (*Record, error) {
	inv.count("find_by_hash")
	rec, err := inv.backend.FindByHash(ctx, hash, drive, generation)
	if errors.Is(err, physical.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find %s on %s@%d: %w", hash, drive, generation, err)
	}
	return rec, nil
}

// Wanted reports whether drive holds any record with hash in generation.
func (inv *Inventory) Wanted(ctx context.Context, hash, drive string, generation int) (bool, error) {
	_, err := inv.FindByHash(ctx, hash, drive, generation)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// FindAllByHash returns every record in generation with hash, ordered by
// drive then path.
func (inv *Inventory) FindAllByHash(ctx context.Context, hash string, generation int) ([]*Record, error) {
	inv.count("find_all_by_hash")
	recs, err := inv.backend.FindAllByHash(ctx, hash, generation)
	if err != nil {
		return nil, fmt.Errorf("find all %s@%d: %w", hash, generation, err)
	}
	return recs, nil
}

// Assign records that key's content is present on backupDrive. The first
// assignment wins; later calls report false and change nothing.
func (inv *Inventory) Assign(ctx context.Context, key Key, backupDrive string) (bool, error) {
	inv.count("assign")
	ok, err := inv.backend.Assign(ctx, key, backupDrive)
	if err != nil {
		return false, fmt.Errorf("assign %s to %s: %w", key, backupDrive, err)
	}
	return ok, nil
}

// Count returns the number of records in a partition.
func (inv *Inventory) Count(ctx context.Context, drive string, generation int, unassignedOnly bool) (int64, error) {
	inv.count("count")
	n, err := inv.backend.Count(ctx, &physical.QueryOptions{
		Drive:          drive,
		Generation:     generation,
		UnassignedOnly: unassignedOnly,
	})
	if err != nil {
		return 0, fmt.Errorf("count %s@%d: %w", drive, generation, err)
	}
	return n, nil
}

// Iterate yields a partition's records in path order, one page at a time.
// Pages are fetched lazily, so callers may mutate the inventory while
// ranging. With unassignedOnly, records assigned mid-iteration are not
// revisited: the cursor only moves forward.
func (inv *Inventory) Iterate(ctx context.Context, drive string, generation int, unassignedOnly bool) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		opts := &physical.QueryOptions{
			Drive:          drive,
			Generation:     generation,
			UnassignedOnly: unassignedOnly,
			Limit:          inv.pageSize,
		}
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			inv.count("query")
			res, err := inv.backend.Query(ctx, opts)
			if err != nil {
				yield(nil, fmt.Errorf("iterate %s@%d: %w", drive, generation, err))
				return
			}
			for _, rec := range res.Records {
				if !yield(rec, nil) {
					return
				}
			}
			if !res.HasMore {
				return
			}
			opts.Cursor = res.NextCursor
		}
	}
}

// Partitions lists every (drive, generation) pair in the index.
func (inv *Inventory) Partitions(ctx context.Context) ([]Partition, error) {
	inv.count("partitions")
	parts, err := inv.backend.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	return parts, nil
}

// Stats returns backend statistics.
func (inv *Inventory) Stats(ctx context.Context) (*Stats, error) {
	return inv.backend.Stats(ctx)
}

// Backend returns the backend name used for metrics.
func (inv *Inventory) Backend() string { return inv.name }

// Close closes the backend.
func (inv *Inventory) Close() error {
	return inv.backend.Close()
}
