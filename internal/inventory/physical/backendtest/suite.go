// Package backendtest is the behavioural test suite every inventory backend
// must pass.
package backendtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/gezibash/arc-backup/internal/inventory/physical"
)

// Factory returns a fresh, empty backend. It should register cleanup with t.
type Factory func(t *testing.T) physical.Backend

const (
	hashA = "aa11111111111111111111111111111111111111111111111111111111111111"
	hashB = "bb22222222222222222222222222222222222222222222222222222222222222"
)

func rec(drive string, gen int, path, hash string) *physical.Record {
	return &physical.Record{Drive: drive, Generation: gen, Path: path, Hash: hash, DiscoveredAt: 1700000000000000000}
}

func mustInsert(t *testing.T, be physical.Backend, recs ...*physical.Record) {
	t.Helper()
	for _, r := range recs {
		ok, err := be.Insert(context.Background(), r)
		if err != nil {
			t.Fatalf("Insert(%s): %v", r.Key(), err)
		}
		if !ok {
			t.Fatalf("Insert(%s) = false, want true", r.Key())
		}
	}
}

// Run executes the suite against backends produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, be physical.Backend)
	}{
		{"InsertAndGet", testInsertAndGet},
		{"InsertIfAbsent", testInsertIfAbsent},
		{"InsertRejectsBadKey", testInsertRejectsBadKey},
		{"GetNotFound", testGetNotFound},
		{"FindByHash", testFindByHash},
		{"FindAllByHash", testFindAllByHash},
		{"GenerationsIsolated", testGenerationsIsolated},
		{"QueryPaging", testQueryPaging},
		{"QueryUnassigned", testQueryUnassigned},
		{"QueryValidation", testQueryValidation},
		{"AssignFirstWins", testAssignFirstWins},
		{"AssignNotFound", testAssignNotFound},
		{"Partitions", testPartitions},
		{"ConcurrentInsert", testConcurrentInsert},
		{"Stats", testStats},
		{"Closed", testClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newBackend(t))
		})
	}
}

func testInsertAndGet(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	want := rec("Live", 1, "/photos/a.jpg", hashA)
	mustInsert(t, be, want)

	got, err := be.Get(ctx, want.Key())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if *got != *want {
		t.Fatalf("Get = %+v, want %+v", got, want)
	}
}

func testInsertIfAbsent(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	mustInsert(t, be, rec("Live", 1, "/a.jpg", hashA))

	ok, err := be.Insert(ctx, rec("Live", 1, "/a.jpg", hashB))
	if err != nil {
		t.Fatalf("second Insert: %v", err)
	}
	if ok {
		t.Fatal("second Insert = true, want false")
	}

	got, err := be.Get(ctx, physical.Key{Drive: "Live", Generation: 1, Path: "/a.jpg"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Hash != hashA {
		t.Fatalf("existing record was overwritten: hash = %s", got.Hash)
	}
}

func testInsertRejectsBadKey(t *testing.T, be physical.Backend) {
	for _, r := range []*physical.Record{
		rec("", 1, "/a", hashA),
		rec("Live", 0, "/a", hashA),
		rec("Live", 1, "a", hashA),
	} {
		if _, err := be.Insert(context.Background(), r); !errors.Is(err, physical.ErrInvalidKey) {
			t.Errorf("Insert(%s) = %v, want ErrInvalidKey", r.Key(), err)
		}
	}
}

func testGetNotFound(t *testing.T, be physical.Backend) {
	_, err := be.Get(context.Background(), physical.Key{Drive: "Live", Generation: 1, Path: "/nope"})
	if !errors.Is(err, physical.ErrNotFound) {
		t.Fatalf("Get = %v, want ErrNotFound", err)
	}
}

func testFindByHash(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	mustInsert(t, be,
		rec("Live", 1, "/b.jpg", hashA),
		rec("Live", 1, "/a.jpg", hashA),
		rec("Backup1", 1, "/current/aa/x", hashA),
	)

	got, err := be.FindByHash(ctx, hashA, "Live", 1)
	if err != nil {
		t.Fatalf("FindByHash: %v", err)
	}
	if got.Drive != "Live" || got.Path != "/a.jpg" {
		t.Fatalf("FindByHash = %s, want Live@1:/a.jpg", got.Key())
	}

	if _, err := be.FindByHash(ctx, hashB, "Live", 1); !errors.Is(err, physical.ErrNotFound) {
		t.Fatalf("FindByHash(missing) = %v, want ErrNotFound", err)
	}
	if _, err := be.FindByHash(ctx, hashA, "Other", 1); !errors.Is(err, physical.ErrNotFound) {
		t.Fatalf("FindByHash(other drive) = %v, want ErrNotFound", err)
	}
}

func testFindAllByHash(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	mustInsert(t, be,
		rec("Live", 1, "/b.jpg", hashA),
		rec("Archive", 1, "/z.jpg", hashA),
		rec("Live", 1, "/a.jpg", hashA),
		rec("Live", 1, "/c.jpg", hashB),
	)

	got, err := be.FindAllByHash(ctx, hashA, 1)
	if err != nil {
		t.Fatalf("FindAllByHash: %v", err)
	}
	want := []string{"Archive@1:/z.jpg", "Live@1:/a.jpg", "Live@1:/b.jpg"}
	if len(got) != len(want) {
		t.Fatalf("FindAllByHash returned %d records, want %d", len(got), len(want))
	}
	for i, r := range got {
		if r.Key().String() != want[i] {
			t.Errorf("record %d = %s, want %s", i, r.Key(), want[i])
		}
	}

	none, err := be.FindAllByHash(ctx, hashB, 2)
	if err != nil {
		t.Fatalf("FindAllByHash(empty): %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("FindAllByHash(gen 2) = %d records, want 0", len(none))
	}
}

func testGenerationsIsolated(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	mustInsert(t, be, rec("Live", 1, "/a.jpg", hashA), rec("Live", 2, "/a.jpg", hashB))

	r1, err := be.Get(ctx, physical.Key{Drive: "Live", Generation: 1, Path: "/a.jpg"})
	if err != nil {
		t.Fatalf("Get gen 1: %v", err)
	}
	r2, err := be.Get(ctx, physical.Key{Drive: "Live", Generation: 2, Path: "/a.jpg"})
	if err != nil {
		t.Fatalf("Get gen 2: %v", err)
	}
	if r1.Hash != hashA || r2.Hash != hashB {
		t.Fatalf("generations interfere: %s / %s", r1.Hash, r2.Hash)
	}
	if _, err := be.FindByHash(ctx, hashB, "Live", 1); !errors.Is(err, physical.ErrNotFound) {
		t.Fatalf("gen 2 hash visible in gen 1: %v", err)
	}
}

func testQueryPaging(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	const total = 25
	for i := total - 1; i >= 0; i-- {
		mustInsert(t, be, rec("Live", 1, fmt.Sprintf("/f%03d", i), hashA))
	}
	mustInsert(t, be, rec("Other", 1, "/f000", hashA))

	var paths []string
	opts := &physical.QueryOptions{Drive: "Live", Generation: 1, Limit: 10}
	pages := 0
	for {
		res, err := be.Query(ctx, opts)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		pages++
		for _, r := range res.Records {
			paths = append(paths, r.Path)
		}
		if !res.HasMore {
			break
		}
		opts.Cursor = res.NextCursor
	}

	if pages != 3 {
		t.Errorf("pages = %d, want 3", pages)
	}
	if len(paths) != total {
		t.Fatalf("paged %d records, want %d", len(paths), total)
	}
	for i, p := range paths {
		if want := fmt.Sprintf("/f%03d", i); p != want {
			t.Fatalf("path %d = %s, want %s", i, p, want)
		}
	}

	n, err := be.Count(ctx, &physical.QueryOptions{Drive: "Live", Generation: 1})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != total {
		t.Fatalf("Count = %d, want %d", n, total)
	}
}

func testQueryUnassigned(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	mustInsert(t, be,
		rec("Live", 1, "/a", hashA),
		rec("Live", 1, "/b", hashA),
		rec("Live", 1, "/c", hashB),
	)
	if _, err := be.Assign(ctx, physical.Key{Drive: "Live", Generation: 1, Path: "/b"}, "Backup1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	opts := &physical.QueryOptions{Drive: "Live", Generation: 1, UnassignedOnly: true, Limit: 1}
	res, err := be.Query(ctx, opts)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Records) != 1 || res.Records[0].Path != "/a" || !res.HasMore {
		t.Fatalf("first page = %+v", res)
	}

	opts.Cursor = res.NextCursor
	res, err = be.Query(ctx, opts)
	if err != nil {
		t.Fatalf("Query page 2: %v", err)
	}
	if len(res.Records) != 1 || res.Records[0].Path != "/c" || res.HasMore {
		t.Fatalf("second page = %+v", res)
	}

	n, err := be.Count(ctx, &physical.QueryOptions{Drive: "Live", Generation: 1, UnassignedOnly: true})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Fatalf("unassigned Count = %d, want 2", n)
	}
}

func testQueryValidation(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	if _, err := be.Query(ctx, &physical.QueryOptions{Generation: 1}); !errors.Is(err, physical.ErrInvalidKey) {
		t.Errorf("Query without drive = %v, want ErrInvalidKey", err)
	}
	if _, err := be.Count(ctx, &physical.QueryOptions{Drive: "Live"}); !errors.Is(err, physical.ErrInvalidKey) {
		t.Errorf("Count without generation = %v, want ErrInvalidKey", err)
	}

	res, err := be.Query(ctx, &physical.QueryOptions{Drive: "Empty", Generation: 1})
	if err != nil {
		t.Fatalf("Query(empty): %v", err)
	}
	if len(res.Records) != 0 || res.HasMore {
		t.Fatalf("Query(empty) = %+v", res)
	}
}

func testAssignFirstWins(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	r := rec("Live", 1, "/a.jpg", hashA)
	mustInsert(t, be, r)

	ok, err := be.Assign(ctx, r.Key(), "Backup1")
	if err != nil || !ok {
		t.Fatalf("first Assign = %v, %v; want true", ok, err)
	}
	ok, err = be.Assign(ctx, r.Key(), "Backup2")
	if err != nil {
		t.Fatalf("second Assign: %v", err)
	}
	if ok {
		t.Fatal("second Assign = true, want false")
	}

	got, err := be.Get(ctx, r.Key())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.BackupDrive != "Backup1" {
		t.Fatalf("BackupDrive = %q, want Backup1", got.BackupDrive)
	}
}

func testAssignNotFound(t *testing.T, be physical.Backend) {
	_, err := be.Assign(context.Background(), physical.Key{Drive: "Live", Generation: 1, Path: "/nope"}, "Backup1")
	if !errors.Is(err, physical.ErrNotFound) {
		t.Fatalf("Assign = %v, want ErrNotFound", err)
	}
}

func testPartitions(t *testing.T, be physical.Backend) {
	mustInsert(t, be,
		rec("Live", 2, "/a", hashA),
		rec("Backup1", 1, "/x", hashA),
		rec("Live", 1, "/a", hashA),
		rec("Live", 1, "/b", hashB),
	)

	got, err := be.Partitions(context.Background())
	if err != nil {
		t.Fatalf("Partitions: %v", err)
	}
	want := []physical.Partition{
		{Drive: "Backup1", Generation: 1},
		{Drive: "Live", Generation: 1},
		{Drive: "Live", Generation: 2},
	}
	if len(got) != len(want) {
		t.Fatalf("Partitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Partitions = %v, want %v", got, want)
		}
	}
}

func testConcurrentInsert(t *testing.T, be physical.Backend) {
	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
		errs     []error
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := rec("Live", 1, "/contended", hashA)
			r.DiscoveredAt = int64(i)
			ok, err := be.Insert(context.Background(), r)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				inserted++
			}
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("concurrent Insert errors: %v", errs)
	}
	if inserted != 1 {
		t.Fatalf("%d concurrent inserts succeeded, want exactly 1", inserted)
	}
}

func testStats(t *testing.T, be physical.Backend) {
	mustInsert(t, be, rec("Live", 1, "/a", hashA), rec("Live", 1, "/b", hashB))
	st, err := be.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Records != 2 {
		t.Errorf("Stats.Records = %d, want 2", st.Records)
	}
	if st.BackendType == "" {
		t.Error("Stats.BackendType is empty")
	}
}

func testClosed(t *testing.T, be physical.Backend) {
	if err := be.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := be.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	ctx := context.Background()
	if _, err := be.Insert(ctx, rec("Live", 1, "/a", hashA)); !errors.Is(err, physical.ErrClosed) {
		t.Errorf("Insert after Close = %v, want ErrClosed", err)
	}
	if _, err := be.Get(ctx, physical.Key{Drive: "Live", Generation: 1, Path: "/a"}); !errors.Is(err, physical.ErrClosed) {
		t.Errorf("Get after Close = %v, want ErrClosed", err)
	}
	if _, err := be.Query(ctx, &physical.QueryOptions{Drive: "Live", Generation: 1}); !errors.Is(err, physical.ErrClosed) {
		t.Errorf("Query after Close = %v, want ErrClosed", err)
	}
}
