package restore

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

func newTestRestorer(t *testing.T) (*Restorer, *inventory.Inventory, layout.Drive) {
	t.Helper()
	inv := inventory.New(memory.New(), "memory", nil)
	t.Cleanup(func() { inv.Close() })
	d := layout.Drive{Name: "Backup1", Role: layout.RoleBackup, Root: t.TempDir()}
	return New(inv, slog.New(slog.NewTextHandler(io.Discard, nil)), nil), inv, d
}

func deprecatedBlob(t *testing.T, d layout.Drive, content string) string {
	t.Helper()
	p, err := d.BlobPath(layout.DeprecatedDir, sum(content))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func insert(t *testing.T, inv *inventory.Inventory, drive, path, hash string) {
	t.Helper()
	if _, err := inv.Insert(context.Background(), &inventory.Record{
		Drive: drive, Generation: 1, Path: path, Hash: hash,
	}); err != nil {
		t.Fatal(err)
	}
}

func readRestored(t *testing.T, d layout.Drive, drive, rel string) string {
	t.Helper()
	p, err := d.RestorePath(drive, rel)
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read %s: %v", p, err)
	}
	return string(data)
}

func TestRestoreSharedBlob(t *testing.T) {
	r, inv, d := newTestRestorer(t)
	h := sum("photo")
	blob := deprecatedBlob(t, d, "photo")
	insert(t, inv, "Live", "/b.jpg", h)
	insert(t, inv, "Live", "/a.jpg", h)
	insert(t, inv, "Laptop", "/pics/x.jpg", h)
	// The backup drive's own record of the blob is not a restore target.
	insert(t, inv, "Backup1", "/deprecated/"+h[:2]+"/"+h[2:], h)

	rep, err := r.Run(context.Background(), Options{Backup: d, Generation: 1, HexLen: 64})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Count(report.Copied) != 2 || rep.Count(report.Restored) != 1 || !rep.OK() {
		t.Fatalf("counts = %v", rep.Counts())
	}
	for _, tt := range []struct{ drive, path string }{
		{"Laptop", "/pics/x.jpg"}, {"Live", "/a.jpg"}, {"Live", "/b.jpg"},
	} {
		if got := readRestored(t, d, tt.drive, tt.path); got != "photo" {
			t.Errorf("%s%s = %q", tt.drive, tt.path, got)
		}
	}
	if ok, _ := fsutil.Exists(blob); ok {
		t.Error("deprecated blob not consumed")
	}
	if ok, _ := fsutil.Exists(filepath.Dir(blob)); ok {
		t.Error("empty shard directory not pruned")
	}
	if ok, _ := fsutil.Exists(d.Area(layout.DeprecatedDir)); !ok {
		t.Error("deprecated/ itself was removed")
	}
	if ok, _ := fsutil.Exists(filepath.Join(d.Root, "restorefs", "Backup1")); ok {
		t.Error("backup drive's own record was restored")
	}

	again, err := r.Run(context.Background(), Options{Backup: d, Generation: 1})
	if err != nil {
		t.Fatal(err)
	}
	if again.Total() != 0 {
		t.Errorf("rerun counts = %v", again.Counts())
	}
}

func TestRestoreUnreferencedBlobStays(t *testing.T) {
	r, _, d := newTestRestorer(t)
	blob := deprecatedBlob(t, d, "orphan")

	rep, err := r.Run(context.Background(), Options{Backup: d, Generation: 1})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Count(report.Unreferenced) != 1 {
		t.Fatalf("counts = %v", rep.Counts())
	}
	if ok, _ := fsutil.Exists(blob); !ok {
		t.Error("unreferenced blob removed")
	}
}

func TestRestoreFailedCopyKeepsBlob(t *testing.T) {
	r, inv, d := newTestRestorer(t)
	h := sum("doc")
	blob := deprecatedBlob(t, d, "doc")
	insert(t, inv, "Live", "/a/one.txt", h)
	insert(t, inv, "Live", "/b.txt", h)

	// A dangling symlink where a parent directory must go makes the first
	// copy fail while the target itself still reads as absent.
	blocker := filepath.Join(d.Root, layout.RestoreDir, "Live", "a")
	if err := os.MkdirAll(filepath.Dir(blocker), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(d.Root, "nowhere"), blocker); err != nil {
		t.Fatal(err)
	}

	rep, err := r.Run(context.Background(), Options{Backup: d, Generation: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fails := rep.Failures(); len(fails) != 1 || fails[0].Failure != report.FailCopy {
		t.Fatalf("failures = %+v", fails)
	}
	if rep.Count(report.Restored) != 0 || rep.Count(report.Kept) != 1 {
		t.Fatalf("counts = %v", rep.Counts())
	}
	if ok, _ := fsutil.Exists(blob); !ok {
		t.Fatal("blob consumed despite failed copy")
	}

	if err := os.Remove(blocker); err != nil {
		t.Fatal(err)
	}
	rep, err = r.Run(context.Background(), Options{Backup: d, Generation: 1})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Count(report.Copied) != 1 || rep.Count(report.Restored) != 1 {
		t.Fatalf("retry counts = %v", rep.Counts())
	}
	if got := readRestored(t, d, "Live", "/a/one.txt"); got != "doc" {
		t.Errorf("one.txt = %q", got)
	}
	if got := readRestored(t, d, "Live", "/b.txt"); got != "doc" {
		t.Errorf("b.txt = %q", got)
	}
}

func TestRestoreStatFailureKeepsBlob(t *testing.T) {
	r, inv, d := newTestRestorer(t)
	h := sum("doc")
	blob := deprecatedBlob(t, d, "doc")
	insert(t, inv, "Live", "/a/one.txt", h)

	// A regular file as the target's parent makes stat fail with ENOTDIR.
	blocker := filepath.Join(d.Root, layout.RestoreDir, "Live", "a")
	if err := os.MkdirAll(filepath.Dir(blocker), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	rep, err := r.Run(context.Background(), Options{Backup: d, Generation: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fails := rep.Failures(); len(fails) != 1 || fails[0].Failure != report.FailRead {
		t.Fatalf("failures = %+v", fails)
	}
	if rep.Count(report.Kept) != 1 || rep.Count(report.AlreadyRestored) != 0 {
		t.Fatalf("counts = %v", rep.Counts())
	}
	if ok, _ := fsutil.Exists(blob); !ok {
		t.Fatal("blob consumed despite unreadable target")
	}
}

func TestRestoreIgnoresOtherBackupDrives(t *testing.T) {
	r, inv, d := newTestRestorer(t)
	h := sum("photo")
	blob := deprecatedBlob(t, d, "photo")
	insert(t, inv, "Live", "/a.jpg", h)
	// Other backup drives catalogue their own copies of the blob.
	insert(t, inv, "Backup2", "/deprecated/"+h[:2]+"/"+h[2:], h)
	insert(t, inv, "Backup3", "/current/"+h[:2]+"/"+h[2:], h)

	rep, err := r.Run(context.Background(), Options{
		Backup:       d,
		Generation:   1,
		HexLen:       64,
		BackupDrives: []string{"Backup1", "Backup2", "Backup3"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Count(report.Restored) != 1 || rep.Count(report.Copied) != 0 || !rep.OK() {
		t.Fatalf("counts = %v", rep.Counts())
	}
	if got := readRestored(t, d, "Live", "/a.jpg"); got != "photo" {
		t.Errorf("a.jpg = %q", got)
	}
	entries, err := os.ReadDir(d.Area(layout.RestoreDir))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "Live" {
		t.Errorf("restorefs/ holds %v, want only Live", entries)
	}
	if ok, _ := fsutil.Exists(blob); ok {
		t.Error("deprecated blob not consumed by the original record")
	}
}

func TestRestoreSkipsExistingTargets(t *testing.T) {
	r, inv, d := newTestRestorer(t)
	h := sum("x")
	deprecatedBlob(t, d, "x")
	insert(t, inv, "Live", "/a", h)
	insert(t, inv, "Live", "/b", h)

	prior, _ := d.RestorePath("Live", "/a")
	if err := os.MkdirAll(filepath.Dir(prior), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(prior, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	rep, err := r.Run(context.Background(), Options{Backup: d, Generation: 1})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Count(report.AlreadyRestored) != 1 || rep.Count(report.Restored) != 1 {
		t.Fatalf("counts = %v", rep.Counts())
	}
}

func TestRestoreInvalidLayout(t *testing.T) {
	r, _, d := newTestRestorer(t)
	stray := filepath.Join(d.Area(layout.DeprecatedDir), "notes.txt")
	if err := os.MkdirAll(filepath.Dir(stray), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stray, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	rep, err := r.Run(context.Background(), Options{Backup: d, Generation: 1})
	if err != nil {
		t.Fatal(err)
	}
	if fails := rep.Failures(); len(fails) != 1 || fails[0].Failure != report.FailInvalidLayout {
		t.Fatalf("failures = %+v", fails)
	}
}

func TestRestoreNoDeprecatedArea(t *testing.T) {
	r, _, d := newTestRestorer(t)
	rep, err := r.Run(context.Background(), Options{Backup: d, Generation: 1})
	if err != nil || rep.Total() != 0 {
		t.Fatalf("Run = %v, %v", rep, err)
	}
	if _, err := r.Run(context.Background(), Options{Backup: layout.Drive{Name: "Live", Role: layout.RoleSource}}); err == nil {
		t.Fatal("source drive accepted")
	}
}
