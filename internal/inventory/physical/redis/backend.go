// Package redis provides a Redis-backed inventory backend.
//
// Each record is a hash at rec:<drive>␀<gen>␀<path>. Sorted sets scored 0
// give lexicographic paging: paths:<drive>␀<gen> and una:<drive>␀<gen> hold
// paths, hash:<gen>␀<hash> holds <drive>␀<path> members. The partitions set
// holds <drive>␀<gen>. Insert and Assign run as Lua scripts, so both are
// atomic against concurrent runs.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gezibash/arc-backup/internal/inventory/physical"
	"github.com/gezibash/arc-backup/internal/storage"
)

const (
	KeyAddr         = "addr"
	KeyPassword     = "password"
	KeyDB           = "db"
	KeyMaxRetries   = "max_retries"
	KeyDialTimeout  = "dial_timeout"
	KeyReadTimeout  = "read_timeout"
	KeyWriteTimeout = "write_timeout"
	KeyPoolSize     = "pool_size"
	KeyKeyPrefix    = "key_prefix"

	sep = "\x00"
)

func init() {
	physical.Register("redis", NewFactory, Defaults)
}

// Defaults returns the default configuration for the Redis backend.
func Defaults() storage.Options {
	return storage.Options{
		KeyAddr:         "localhost:6379",
		KeyPassword:     "",
		KeyDB:           "2",
		KeyMaxRetries:   "3",
		KeyDialTimeout:  "5s",
		KeyReadTimeout:  "3s",
		KeyWriteTimeout: "3s",
		KeyPoolSize:     "0",
		KeyKeyPrefix:    "arc-backup:",
	}
}

var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'h', ARGV[2], 't', ARGV[3], 'b', ARGV[4])
redis.call('ZADD', KEYS[2], 0, ARGV[1])
if ARGV[4] == '' then
  redis.call('ZADD', KEYS[3], 0, ARGV[1])
end
redis.call('ZADD', KEYS[4], 0, ARGV[5])
redis.call('SADD', KEYS[5], ARGV[6])
return 1
`)

var assignScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local current = redis.call('HGET', KEYS[1], 'b')
if current and current ~= '' then
  return 0
end
redis.call('HSET', KEYS[1], 'b', ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`)

// NewFactory creates a new Redis backend from a configuration map.
func NewFactory(ctx context.Context, opts storage.Options) (physical.Backend, error) {
	addr := opts.String(KeyAddr, "")
	if addr == "" {
		return nil, storage.NewConfigError("redis", KeyAddr, "cannot be empty")
	}

	db, err := opts.Int(KeyDB, 2)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyDB, opts[KeyDB], err.Error())
	}
	if db < 0 {
		return nil, storage.NewConfigErrorWithValue("redis", KeyDB, opts[KeyDB], "must be non-negative")
	}

	maxRetries, err := opts.Int(KeyMaxRetries, 3)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyMaxRetries, opts[KeyMaxRetries], err.Error())
	}

	dialTimeout, err := opts.Duration(KeyDialTimeout, 5*time.Second)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyDialTimeout, opts[KeyDialTimeout], err.Error())
	}

	readTimeout, err := opts.Duration(KeyReadTimeout, 3*time.Second)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyReadTimeout, opts[KeyReadTimeout], err.Error())
	}

	writeTimeout, err := opts.Duration(KeyWriteTimeout, 3*time.Second)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyWriteTimeout, opts[KeyWriteTimeout], err.Error())
	}

	poolSize, err := opts.Int(KeyPoolSize, 0)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyPoolSize, opts[KeyPoolSize], err.Error())
	}

	keyPrefix := opts.String(KeyKeyPrefix, "arc-backup:")

	ropts := &redis.Options{
		Addr:         addr,
		Password:     opts.String(KeyPassword, ""),
		DB:           db,
		MaxRetries:   maxRetries,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	if poolSize > 0 {
		ropts.PoolSize = poolSize
	}

	client := redis.NewClient(ropts)

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, storage.NewConfigErrorWithCause("redis", KeyAddr, "failed to connect", err)
	}

	slog.Info("redis inventory initialized", "addr", addr, "db", db, "key_prefix", keyPrefix)
	return NewWithClient(client, keyPrefix), nil
}

// Backend is a Redis implementation of physical.Backend.
type Backend struct {
	client *redis.Client
	prefix string
	closed atomic.Bool
}

// NewWithClient creates a new backend with an existing Redis client.
func NewWithClient(client *redis.Client, prefix string) *Backend {
	if prefix == "" {
		prefix = "arc-backup:"
	}
	return &Backend{client: client, prefix: prefix}
}

func partition(drive string, gen int) string { return drive + sep + strconv.Itoa(gen) }

func (b *Backend) recordKey(k physical.Key) string {
	return b.prefix + "rec:" + partition(k.Drive, k.Generation) + sep + k.Path
}
func (b *Backend) pathsKey(drive string, gen int) string {
	return b.prefix + "paths:" + partition(drive, gen)
}
func (b *Backend) unassignedKey(drive string, gen int) string {
	return b.prefix + "una:" + partition(drive, gen)
}
func (b *Backend) hashKey(hash string, gen int) string {
	return b.prefix + "hash:" + strconv.Itoa(gen) + sep + hash
}
func (b *Backend) partitionsKey() string { return b.prefix + "partitions" }

func toRecord(k physical.Key, fields map[string]string) (*physical.Record, error) {
	ts, err := strconv.ParseInt(fields["t"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt record %s: %w", k, err)
	}
	return &physical.Record{
		Drive:        k.Drive,
		Generation:   k.Generation,
		Path:         k.Path,
		Hash:         fields["h"],
		DiscoveredAt: ts,
		BackupDrive:  fields["b"],
	}, nil
}

// Insert stores rec if its key is absent.
func (b *Backend) Insert(ctx context.Context, rec *physical.Record) (bool, error) {
	if b.closed.Load() {
		return false, physical.ErrClosed
	}
	key := rec.Key()
	if err := key.Validate(); err != nil {
		return false, err
	}

	keys := []string{
		b.recordKey(key),
		b.pathsKey(rec.Drive, rec.Generation),
		b.unassignedKey(rec.Drive, rec.Generation),
		b.hashKey(rec.Hash, rec.Generation),
		b.partitionsKey(),
	}
	n, err := insertScript.Run(ctx, b.client, keys,
		rec.Path, rec.Hash, rec.DiscoveredAt, rec.BackupDrive,
		rec.Drive+sep+rec.Path, partition(rec.Drive, rec.Generation),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis insert: %w", err)
	}
	return n == 1, nil
}

// Get retrieves a record by key.
func (b *Backend) Get(ctx context.Context, key physical.Key) (*physical.Record, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	fields, err := b.client.HGetAll(ctx, b.recordKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	if len(fields) == 0 {
		return nil, physical.ErrNotFound
	}
	return toRecord(key, fields)
}

// fetch loads the records for keys in one pipeline, preserving order.
func (b *Backend) fetch(ctx context.Context, keys []physical.Key) ([]*physical.Record, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	pipe := b.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, b.recordKey(k))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	out := make([]*physical.Record, 0, len(keys))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := toRecord(keys[i], fields)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (b *Backend) hashMembers(ctx context.Context, hash string, gen int, drive string, count int64) ([]physical.Key, error) {
	by := &redis.ZRangeBy{Min: "-", Max: "+", Count: count}
	if drive != "" {
		by.Min = "[" + drive + sep
		by.Max = "(" + drive + "\x01"
	}

	members, err := b.client.ZRangeByLex(ctx, b.hashKey(hash, gen), by).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]physical.Key, 0, len(members))
	for _, m := range members {
		d, p, ok := strings.Cut(m, sep)
		if !ok {
			continue
		}
		keys = append(keys, physical.Key{Drive: d, Generation: gen, Path: p})
	}
	return keys, nil
}

// FindByHash returns the lowest-path record of drive holding hash.
func (b *Backend) FindByHash(ctx context.Context, hash, drive string, generation int) (*physical.Record, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	keys, err := b.hashMembers(ctx, hash, generation, drive, 1)
	if err != nil {
		return nil, fmt.Errorf("redis find by hash: %w", err)
	}
	recs, err := b.fetch(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("redis find by hash: %w", err)
	}
	if len(recs) == 0 {
		return nil, physical.ErrNotFound
	}
	return recs[0], nil
}

// FindAllByHash returns every record in generation holding hash.
func (b *Backend) FindAllByHash(ctx context.Context, hash string, generation int) ([]*physical.Record, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	keys, err := b.hashMembers(ctx, hash, generation, "", 0)
	if err != nil {
		return nil, fmt.Errorf("redis find all by hash: %w", err)
	}
	recs, err := b.fetch(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("redis find all by hash: %w", err)
	}
	return recs, nil
}

func (b *Backend) indexKey(opts *physical.QueryOptions) string {
	if opts.UnassignedOnly {
		return b.unassignedKey(opts.Drive, opts.Generation)
	}
	return b.pathsKey(opts.Drive, opts.Generation)
}

// Query returns one page of a partition ordered by path.
func (b *Backend) Query(ctx context.Context, opts *physical.QueryOptions) (*physical.QueryResult, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	if err := physical.ValidateQuery(opts); err != nil {
		return nil, err
	}

	lo := "-"
	if opts.Cursor != "" {
		lo = "(" + opts.Cursor
	}
	paths, err := b.client.ZRangeByLex(ctx, b.indexKey(opts), &redis.ZRangeBy{
		Min:   lo,
		Max:   "+",
		Count: int64(opts.Limit) + 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis query: %w", err)
	}

	res := &physical.QueryResult{}
	if len(paths) > opts.Limit {
		paths = paths[:opts.Limit]
		res.HasMore = true
		res.NextCursor = paths[len(paths)-1]
	}

	keys := make([]physical.Key, len(paths))
	for i, p := range paths {
		keys[i] = physical.Key{Drive: opts.Drive, Generation: opts.Generation, Path: p}
	}
	res.Records, err = b.fetch(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("redis query: %w", err)
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
	n, err := b.client.ZCard(ctx, b.indexKey(opts)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis count: %w", err)
	}
	return n, nil
}

// Assign sets the backup drive iff it is currently unset.
func (b *Backend) Assign(ctx context.Context, key physical.Key, backupDrive string) (bool, error) {
	if b.closed.Load() {
		return false, physical.ErrClosed
	}

	n, err := assignScript.Run(ctx, b.client,
		[]string{b.recordKey(key), b.unassignedKey(key.Drive, key.Generation)},
		backupDrive, key.Path,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis assign: %w", err)
	}
	switch n {
	case -1:
		return false, physical.ErrNotFound
	case 1:
		return true, nil
	}
	return false, nil
}

// Partitions lists every (drive, generation) pair holding records.
func (b *Backend) Partitions(ctx context.Context) ([]physical.Partition, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	members, err := b.client.SMembers(ctx, b.partitionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis partitions: %w", err)
	}

	out := make([]physical.Partition, 0, len(members))
	for _, m := range members {
		drive, g, ok := strings.Cut(m, sep)
		if !ok {
			continue
		}
		gen, err := strconv.Atoi(g)
		if err != nil {
			return nil, fmt.Errorf("redis partitions: corrupt member %q: %w", m, err)
		}
		out = append(out, physical.Partition{Drive: drive, Generation: gen})
	}
	slices.SortFunc(out, func(a, c physical.Partition) int {
		if n := strings.Compare(a.Drive, c.Drive); n != 0 {
			return n
		}
		return a.Generation - c.Generation
	})
	return out, nil
}

// Stats returns storage statistics. Redis does not report per-prefix size.
func (b *Backend) Stats(ctx context.Context) (*physical.Stats, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	parts, err := b.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	var records int64
	for _, p := range parts {
		n, err := b.client.ZCard(ctx, b.pathsKey(p.Drive, p.Generation)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redis stats: %w", err)
		}
		records += n
	}

	return &physical.Stats{
		Records:     records,
		SizeBytes:   -1,
		BackendType: "redis",
	}, nil
}

// Close closes the client.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.client.Close()
}
