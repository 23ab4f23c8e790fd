// Package badger provides a BadgerDB-backed inventory backend.
//
// Key layout (all parts joined with a NUL separator, generation as 16 hex
// digits so keys sort numerically):
//
//	rec/<drive>␀<gen>␀<path>         record value (CBOR)
//	una/<drive>␀<gen>␀<path>         present while the record is unassigned
//	hash/<gen>␀<hash>␀<drive>␀<path> hash lookup
//	part/<drive>␀<gen>               partition marker
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"github.com/gezibash/arc-backup/internal/inventory/physical"
	"github.com/gezibash/arc-backup/internal/storage"
)

const (
	prefixRecord     = "rec/"
	prefixUnassigned = "una/"
	prefixHash       = "hash/"
	prefixPartition  = "part/"
	sep              = "\x00"
)

const (
	KeyPath             = "path"
	KeySyncWrites       = "sync_writes"
	KeyValueLogFileSize = "value_log_file_size"
	KeyMemTableSize     = "mem_table_size"
	KeyInMemory         = "in_memory"
)

// maxConflictRetries bounds how often a transaction is replayed after
// badger.ErrConflict.
const maxConflictRetries = 16

func init() {
	physical.Register("badger", NewFactory, Defaults)
}

// Defaults returns the default configuration for the BadgerDB backend.
func Defaults() storage.Options {
	return storage.Options{
		KeyPath:             "~/.arc-backup/inventory",
		KeySyncWrites:       "true",
		KeyValueLogFileSize: strconv.FormatInt(256<<20, 10),
		KeyMemTableSize:     strconv.FormatInt(64<<20, 10),
		KeyInMemory:         "false",
	}
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("badger inventory: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("badger inventory: CBOR decoder initialization failed: " + err.Error())
	}
}

// value is the stored form of a record. The key fields live in the badger
// key and are not repeated.
type value struct {
	Hash         string `cbor:"1,keyasint"`
	DiscoveredAt int64  `cbor:"2,keyasint"`
	BackupDrive  string `cbor:"3,keyasint,omitempty"`
}

// NewFactory creates a new BadgerDB backend from a configuration map.
func NewFactory(_ context.Context, opts storage.Options) (physical.Backend, error) {
	inMemory, err := opts.Bool(KeyInMemory, false)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("badger", KeyInMemory, opts[KeyInMemory], err.Error())
	}

	if inMemory {
		return newInMemory()
	}

	path := opts.Path(KeyPath, "")
	if path == "" {
		return nil, storage.NewConfigError("badger", KeyPath, "cannot be empty")
	}

	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, storage.NewConfigErrorWithCause("badger", KeyPath, "failed to create directory", err)
	}

	syncWrites, err := opts.Bool(KeySyncWrites, true)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("badger", KeySyncWrites, opts[KeySyncWrites], err.Error())
	}

	valueLogFileSize, err := opts.Int64(KeyValueLogFileSize, 256<<20)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("badger", KeyValueLogFileSize, opts[KeyValueLogFileSize], err.Error())
	}

	memTableSize, err := opts.Int64(KeyMemTableSize, 64<<20)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("badger", KeyMemTableSize, opts[KeyMemTableSize], err.Error())
	}

	bopts := badger.DefaultOptions(path)
	bopts.Logger = nil
	bopts.SyncWrites = syncWrites
	if valueLogFileSize > 0 {
		bopts.ValueLogFileSize = valueLogFileSize
	}
	if memTableSize > 0 {
		bopts.MemTableSize = memTableSize
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("badger", KeyPath, "failed to open database", err)
	}

	slog.Info("badger inventory initialized", "path", path, "sync_writes", syncWrites)
	return NewWithDB(db), nil
}

func newInMemory() (*Backend, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("badger", KeyInMemory, "failed to open in-memory database", err)
	}

	slog.Info("badger inventory initialized (in-memory)")
	return NewWithDB(db), nil
}

// Backend is a BadgerDB implementation of physical.Backend.
type Backend struct {
	db     *badger.DB
	closed atomic.Bool
}

// NewWithDB creates a new backend with an existing BadgerDB instance.
func NewWithDB(db *badger.DB) *Backend {
	return &Backend{db: db}
}

func genHex(gen int) string {
	return fmt.Sprintf("%016x", gen)
}

func partitionPrefix(prefix, drive string, gen int) []byte {
	return []byte(prefix + drive + sep + genHex(gen) + sep)
}

func recordKey(k physical.Key) []byte {
	return append(partitionPrefix(prefixRecord, k.Drive, k.Generation), k.Path...)
}

func unassignedKey(k physical.Key) []byte {
	return append(partitionPrefix(prefixUnassigned, k.Drive, k.Generation), k.Path...)
}

func hashPrefix(hash string, gen int) []byte {
	return []byte(prefixHash + genHex(gen) + sep + hash + sep)
}

func hashKey(hash string, k physical.Key) []byte {
	return append(hashPrefix(hash, k.Generation), k.Drive+sep+k.Path...)
}

func partitionKey(drive string, gen int) []byte {
	return []byte(prefixPartition + drive + sep + genHex(gen))
}

// update runs fn in a read-write transaction, replaying it on conflict.
func (b *Backend) update(fn func(txn *badger.Txn) error) error {
	var err error
	for range maxConflictRetries {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func readRecord(txn *badger.Txn, k physical.Key) (*physical.Record, error) {
	item, err := txn.Get(recordKey(k))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var v value
	if err := item.Value(func(val []byte) error {
		return decMode.Unmarshal(val, &v)
	}); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", k, err)
	}
	return &physical.Record{
		Drive:        k.Drive,
		Generation:   k.Generation,
		Path:         k.Path,
		Hash:         v.Hash,
		DiscoveredAt: v.DiscoveredAt,
		BackupDrive:  v.BackupDrive,
	}, nil
}

func writeRecord(txn *badger.Txn, rec *physical.Record) error {
	data, err := encMode.Marshal(value{Hash: rec.Hash, DiscoveredAt: rec.DiscoveredAt, BackupDrive: rec.BackupDrive})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return txn.Set(recordKey(rec.Key()), data)
}

// Insert stores rec if its key is absent.
func (b *Backend) Insert(_ context.Context, rec *physical.Record) (bool, error) {
	if b.closed.Load() {
		return false, physical.ErrClosed
	}
	key := rec.Key()
	if err := key.Validate(); err != nil {
		return false, err
	}

	var inserted bool
	err := b.update(func(txn *badger.Txn) error {
		inserted = false
		_, err := txn.Get(recordKey(key))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := writeRecord(txn, rec); err != nil {
			return err
		}
		if !rec.Assigned() {
			if err := txn.Set(unassignedKey(key), nil); err != nil {
				return err
			}
		}
		if err := txn.Set(hashKey(rec.Hash, key), nil); err != nil {
			return err
		}
		if err := txn.Set(partitionKey(rec.Drive, rec.Generation), nil); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("badger insert: %w", err)
	}
	return inserted, nil
}

// Get retrieves a record by key.
func (b *Backend) Get(_ context.Context, key physical.Key) (*physical.Record, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	var rec *physical.Record
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = readRecord(txn, key)
		return err
	})
	if errors.Is(err, physical.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return rec, nil
}

// hashMatches returns the keys holding hash in generation, optionally
// limited to one drive, in (drive, path) order.
func hashMatches(txn *badger.Txn, hash string, gen int, drive string, limit int) []physical.Key {
	prefix := hashPrefix(hash, gen)
	if drive != "" {
		prefix = append(prefix, drive+sep...)
	}

	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	base := len(hashPrefix(hash, gen))
	var keys []physical.Key
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		rest := string(it.Item().Key()[base:])
		d, p, ok := strings.Cut(rest, sep)
		if !ok {
			continue
		}
		keys = append(keys, physical.Key{Drive: d, Generation: gen, Path: p})
		if limit > 0 && len(keys) == limit {
			break
		}
	}
	return keys
}

// FindByHash returns the lowest-path record of drive holding hash.
func (b *Backend) FindByHash(_ context.Context, hash, drive string, generation int) (*physical.Record, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	var rec *physical.Record
	err := b.db.View(func(txn *badger.Txn) error {
		keys := hashMatches(txn, hash, generation, drive, 1)
		if len(keys) == 0 {
			return physical.ErrNotFound
		}
		var err error
		rec, err = readRecord(txn, keys[0])
		return err
	})
	if errors.Is(err, physical.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("badger find by hash: %w", err)
	}
	return rec, nil
}

// FindAllByHash returns every record in generation holding hash.
func (b *Backend) FindAllByHash(_ context.Context, hash string, generation int) ([]*physical.Record, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	var out []*physical.Record
	err := b.db.View(func(txn *badger.Txn) error {
		for _, k := range hashMatches(txn, hash, generation, "", 0) {
			rec, err := readRecord(txn, k)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger find all by hash: %w", err)
	}
	return out, nil
}

// Query returns one page of a partition ordered by path.
func (b *Backend) Query(_ context.Context, opts *physical.QueryOptions) (*physical.QueryResult, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	if err := physical.ValidateQuery(opts); err != nil {
		return nil, err
	}

	indexPrefix := prefixRecord
	if opts.UnassignedOnly {
		indexPrefix = prefixUnassigned
	}
	prefix := partitionPrefix(indexPrefix, opts.Drive, opts.Generation)

	res := &physical.QueryResult{}
	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		seek := prefix
		if opts.Cursor != "" {
			seek = append(append([]byte{}, prefix...), opts.Cursor...)
		}

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			path := string(it.Item().Key()[len(prefix):])
			if path == opts.Cursor {
				continue
			}
			if len(res.Records) == opts.Limit {
				res.HasMore = true
				break
			}
			rec, err := readRecord(txn, physical.Key{Drive: opts.Drive, Generation: opts.Generation, Path: path})
			if err != nil {
				return err
			}
			res.Records = append(res.Records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger query: %w", err)
	}
	if res.HasMore {
		res.NextCursor = res.Records[len(res.Records)-1].Path
	}
	return res, nil
}

// Count returns the number of records matching opts.
func (b *Backend) Count(_ context.Context, opts *physical.QueryOptions) (int64, error) {
	if b.closed.Load() {
		return 0, physical.ErrClosed
	}
	if err := physical.ValidateQuery(opts); err != nil {
		return 0, err
	}

	indexPrefix := prefixRecord
	if opts.UnassignedOnly {
		indexPrefix = prefixUnassigned
	}
	prefix := partitionPrefix(indexPrefix, opts.Drive, opts.Generation)

	var n int64
	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger count: %w", err)
	}
	return n, nil
}

// Assign sets the backup drive iff it is currently unset.
func (b *Backend) Assign(_ context.Context, key physical.Key, backupDrive string) (bool, error) {
	if b.closed.Load() {
		return false, physical.ErrClosed
	}

	var assigned bool
	err := b.update(func(txn *badger.Txn) error {
		assigned = false
		rec, err := readRecord(txn, key)
		if err != nil {
			return err
		}
		if rec.Assigned() {
			return nil
		}
		rec.BackupDrive = backupDrive
		if err := writeRecord(txn, rec); err != nil {
			return err
		}
		if err := txn.Delete(unassignedKey(key)); err != nil {
			return err
		}
		assigned = true
		return nil
	})
	if errors.Is(err, physical.ErrNotFound) {
		return false, err
	}
	if err != nil {
		return false, fmt.Errorf("badger assign: %w", err)
	}
	return assigned, nil
}

// Partitions lists every (drive, generation) pair holding records.
func (b *Backend) Partitions(_ context.Context) ([]physical.Partition, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	var out []physical.Partition
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixPartition)
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := string(it.Item().Key()[len(prefix):])
			drive, g, ok := strings.Cut(rest, sep)
			if !ok {
				continue
			}
			gen, err := strconv.ParseInt(g, 16, 64)
			if err != nil {
				return fmt.Errorf("corrupt partition key %q: %w", rest, err)
			}
			out = append(out, physical.Partition{Drive: drive, Generation: int(gen)})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger partitions: %w", err)
	}
	return out, nil
}

// Stats returns storage statistics.
func (b *Backend) Stats(_ context.Context) (*physical.Stats, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	var records int64
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixRecord)
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			records++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger stats: %w", err)
	}

	lsm, vlog := b.db.Size()
	return &physical.Stats{
		Records:     records,
		SizeBytes:   lsm + vlog,
		BackendType: "badger",
	}, nil
}

// Close closes the database.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
