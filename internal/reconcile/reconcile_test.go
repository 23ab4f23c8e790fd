package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/gezibash/arc-backup/internal/fsutil"
	"github.com/gezibash/arc-backup/internal/inventory"
	"github.com/gezibash/arc-backup/internal/inventory/physical/memory"
	"github.com/gezibash/arc-backup/internal/layout"
	"github.com/gezibash/arc-backup/internal/report"
)

func sum(data string) string {
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}

func shard(h string) string { return h[:2] + "/" + h[2:] }

type fixture struct {
	t      *testing.T
	inv    *inventory.Inventory
	backup layout.Drive
	r      *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	inv := inventory.New(memory.New(), "memory", nil)
	t.Cleanup(func() { inv.Close() })
	return &fixture{
		t:      t,
		inv:    inv,
		backup: layout.Drive{Name: "Backup1", Role: layout.RoleBackup, Root: t.TempDir()},
		r:      New(inv, slog.New(slog.NewTextHandler(io.Discard, nil)), nil),
	}
}

func (f *fixture) record(drive, rel, hash string) {
	f.t.Helper()
	if _, err := f.inv.Insert(context.Background(), &inventory.Record{Drive: drive, Generation: 1, Path: rel, Hash: hash}); err != nil {
		f.t.Fatalf("Insert: %v", err)
	}
}

// file writes data on the backup drive and catalogues it there.
func (f *fixture) file(rel, data string) {
	f.t.Helper()
	p := filepath.Join(f.backup.Root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		f.t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		f.t.Fatal(err)
	}
	f.record(f.backup.Name, rel, sum(data))
}

func (f *fixture) exists(rel string) bool {
	f.t.Helper()
	ok, err := fsutil.Exists(filepath.Join(f.backup.Root, filepath.FromSlash(rel)))
	if err != nil {
		f.t.Fatal(err)
	}
	return ok
}

func (f *fixture) migrate() *report.Report {
	f.t.Helper()
	rep, err := f.r.Migrate(context.Background(), MigrateOptions{Backup: f.backup, SourceDrive: "Live", Generation: 1})
	if err != nil {
		f.t.Fatalf("Migrate: %v", err)
	}
	return rep
}

func TestMigrateMovesWantedAndKeepsUnwanted(t *testing.T) {
	f := newFixture(t)
	wanted, unwanted := sum("wanted"), sum("unwanted")
	f.record("Live", "/photos/a.jpg", wanted)
	f.file("/2019/a.jpg", "wanted")
	f.file("/2019/old.jpg", "unwanted")

	rep := f.migrate()
	if rep.Count(report.Moved) != 1 || rep.Count(report.Kept) != 1 {
		t.Fatalf("counts = %v", rep.Counts())
	}
	if !f.exists("/current/" + shard(wanted)) {
		t.Fatal("wanted blob not in current/")
	}
	if f.exists("/2019/a.jpg") {
		t.Fatal("wanted blob still at old location")
	}
	if !f.exists("/2019/old.jpg") {
		t.Fatal("unwanted blob was touched")
	}
	if f.exists("/current/" + shard(unwanted)) {
		t.Fatal("unwanted blob moved into current/")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	h := sum("x")
	f.record("Live", "/x", h)
	f.file("/old/x", "x")

	f.migrate()
	rep := f.migrate()
	if rep.Count(report.AlreadyCanonical) != 1 || rep.Count(report.Moved) != 0 || !rep.OK() {
		t.Fatalf("second run counts = %v", rep.Counts())
	}
}

func TestMigrateDuplicateLeftInPlace(t *testing.T) {
	f := newFixture(t)
	h := sum("dup")
	f.record("Live", "/dup", h)
	f.file("/a/dup", "dup")
	f.file("/b/dup", "dup")

	rep := f.migrate()
	if rep.Count(report.Moved) != 1 || rep.Count(report.Duplicate) != 1 {
		t.Fatalf("counts = %v", rep.Counts())
	}
	if !f.exists("/b/dup") {
		t.Fatal("duplicate was removed")
	}
}

func TestMigrateCanonicalAndMissing(t *testing.T) {
	f := newFixture(t)
	h := sum("c")
	f.record("Live", "/c", h)
	f.file("/current/"+shard(h), "c")
	gone := sum("gone")
	f.record("Live", "/gone", gone)
	f.record(f.backup.Name, "/old/gone", gone)

	rep := f.migrate()
	if rep.Count(report.AlreadyCanonical) != 1 {
		t.Fatalf("counts = %v", rep.Counts())
	}
	fails := rep.Failures()
	if len(fails) != 1 || fails[0].Failure != report.FailMissing || fails[0].Path != "/old/gone" {
		t.Fatalf("failures = %+v", fails)
	}
}

func TestMigratePrunesEmptyStaging(t *testing.T) {
	f := newFixture(t)
	h := sum("p")
	f.record("Live", "/p", h)
	f.file("/staging/deep/p", "p")
	for _, d := range []string{"restorefs/Live/empty", "current/zz"} {
		if err := os.MkdirAll(filepath.Join(f.backup.Root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	f.migrate()
	if f.exists("/staging") {
		t.Fatal("empty staging directory not pruned")
	}
	for _, kept := range []string{"/restorefs/Live/empty", "/current/zz"} {
		if !f.exists(kept) {
			t.Errorf("%s pruned", kept)
		}
	}
}

func TestMigrateRequiresBackupDrive(t *testing.T) {
	f := newFixture(t)
	_, err := f.r.Migrate(context.Background(), MigrateOptions{
		Backup:      layout.Drive{Name: "Live", Role: layout.RoleSource, Root: t.TempDir()},
		SourceDrive: "Live",
		Generation:  1,
	})
	if err == nil {
		t.Fatal("Migrate accepted a source drive")
	}
}

func TestDeprecate(t *testing.T) {
	f := newFixture(t)
	a, b := sum("a"), sum("b")
	f.file("/current/"+shard(a), "a")
	f.file("/current/"+shard(b), "b")
	f.file("/deprecated/"+shard(b), "b")
	f.file("/current/readme.txt", "stray")

	rep, err := f.r.Deprecate(context.Background(), f.backup)
	if err != nil {
		t.Fatalf("Deprecate: %v", err)
	}
	if rep.Count(report.Deprecated) != 1 || rep.Count(report.Duplicate) != 1 || rep.Count(report.Failed) != 1 {
		t.Fatalf("counts = %v", rep.Counts())
	}
	if !f.exists("/deprecated/"+shard(a)) || f.exists("/current/"+shard(a)) {
		t.Fatal("blob a not moved to deprecated/")
	}
	if !f.exists("/current/" + shard(b)) {
		t.Fatal("blob b removed despite occupied deprecated slot")
	}
	if f.exists("/current/" + a[:2]) {
		t.Fatal("empty shard directory left in current/")
	}
	if !f.exists("/current") {
		t.Fatal("current/ itself removed")
	}
}

func TestDeprecateStatFailure(t *testing.T) {
	f := newFixture(t)
	a := sum("a")
	f.file("/current/"+shard(a), "a")
	// A regular file in place of the deprecated shard directory.
	f.file("/deprecated/"+a[:2], "blocker")

	rep, err := f.r.Deprecate(context.Background(), f.backup)
	if err != nil {
		t.Fatalf("Deprecate: %v", err)
	}
	if fails := rep.Failures(); len(fails) != 1 || fails[0].Failure != report.FailRead {
		t.Fatalf("failures = %+v", fails)
	}
	if rep.Count(report.Duplicate) != 0 || !f.exists("/current/"+shard(a)) {
		t.Fatalf("blob a left current/: counts = %v", rep.Counts())
	}
}

func TestDeprecateEmptyDrive(t *testing.T) {
	f := newFixture(t)
	rep, err := f.r.Deprecate(context.Background(), f.backup)
	if err != nil {
		t.Fatalf("Deprecate: %v", err)
	}
	if rep.Total() != 0 {
		t.Fatalf("counts = %v", rep.Counts())
	}
}
