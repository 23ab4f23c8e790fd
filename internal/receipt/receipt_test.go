package receipt

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/gezibash/arc-backup/internal/inventory"
	"github.com/gezibash/arc-backup/internal/inventory/physical/memory"
)

func newTestInventory(t *testing.T) *inventory.Inventory {
	t.Helper()
	inv := inventory.New(memory.New(), "memory", nil)
	t.Cleanup(func() { inv.Close() })
	return inv
}

func seed(t *testing.T, inv *inventory.Inventory) {
	t.Helper()
	ctx := context.Background()
	recs := []*inventory.Record{
		{Drive: "Live", Generation: 1, Path: "/a.jpg", Hash: "aa11", DiscoveredAt: 10},
		{Drive: "Live", Generation: 1, Path: "/b.jpg", Hash: "aa11", DiscoveredAt: 11},
		{Drive: "Live", Generation: 2, Path: "/c.jpg", Hash: "bb22", DiscoveredAt: 12},
		{Drive: "Backup1", Generation: 1, Path: "/current/aa/11", Hash: "aa11", DiscoveredAt: 13},
	}
	for _, r := range recs {
		if _, err := inv.Insert(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := inv.Assign(ctx, inventory.Key{Drive: "Live", Generation: 1, Path: "/a.jpg"}, "Backup1"); err != nil {
		t.Fatal(err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newTestInventory(t)
	seed(t, src)

	var buf bytes.Buffer
	hdr := NewHeader("Live", 1)
	n, err := Export(ctx, src, &buf, hdr)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if n != 4 {
		t.Fatalf("exported %d records, want 4", n)
	}

	dst := newTestInventory(t)
	stats, err := Import(ctx, dst, bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if stats.Records != 4 || stats.Inserted != 4 || stats.Assigned != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.Header.RunID != hdr.RunID || stats.Header.SourceDrive != "Live" {
		t.Errorf("header = %+v", stats.Header)
	}

	got, err := dst.Get(ctx, inventory.Key{Drive: "Live", Generation: 1, Path: "/a.jpg"})
	if err != nil {
		t.Fatal(err)
	}
	if got.BackupDrive != "Backup1" || got.Hash != "aa11" || got.DiscoveredAt != 10 {
		t.Errorf("record = %+v", got)
	}
	if c, _ := dst.Count(ctx, "Live", 2, false); c != 1 {
		t.Errorf("generation 2 count = %d", c)
	}

	again, err := Import(ctx, dst, bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if again.Inserted != 0 || again.Assigned != 0 {
		t.Errorf("second import changed state: %+v", again)
	}
}

func TestImportKeepsExistingAssignment(t *testing.T) {
	ctx := context.Background()
	src := newTestInventory(t)
	seed(t, src)
	var buf bytes.Buffer
	if _, err := Export(ctx, src, &buf, NewHeader("Live", 1)); err != nil {
		t.Fatal(err)
	}

	dst := newTestInventory(t)
	key := inventory.Key{Drive: "Live", Generation: 1, Path: "/a.jpg"}
	if _, err := dst.Insert(ctx, &inventory.Record{Drive: "Live", Generation: 1, Path: "/a.jpg", Hash: "aa11"}); err != nil {
		t.Fatal(err)
	}
	if _, err := dst.Assign(ctx, key, "Backup2"); err != nil {
		t.Fatal(err)
	}

	if _, err := Import(ctx, dst, &buf); err != nil {
		t.Fatal(err)
	}
	got, _ := dst.Get(ctx, key)
	if got.BackupDrive != "Backup2" {
		t.Fatalf("assignment overwritten: %q", got.BackupDrive)
	}
}

func TestImportRejectsUnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	zw, _ := zstd.NewWriter(&buf)
	zw.Write([]byte(`{"format":"something-else"}` + "\n"))
	zw.Close()

	_, err := Import(context.Background(), newTestInventory(t), &buf)
	if !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("Import = %v, want ErrUnknownFormat", err)
	}
}

func TestWriteAndLatest(t *testing.T) {
	ctx := context.Background()
	inv := newTestInventory(t)
	seed(t, inv)
	root := t.TempDir()

	if _, err := Latest(root); !errors.Is(err, ErrNoReceipt) {
		t.Fatalf("Latest on empty root = %v", err)
	}

	older := filepath.Join(root, FileName(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)))
	if err := os.WriteFile(older, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	hdr := NewHeader("Live", 1)
	hdr.CreatedAt = time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)
	path, n, err := Write(ctx, inv, root, hdr)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if filepath.Base(path) != "receipt-20250304.jsonl.zst" || n != 4 {
		t.Fatalf("Write = %s, %d", path, n)
	}

	latest, err := Latest(root)
	if err != nil {
		t.Fatal(err)
	}
	if latest != path {
		t.Fatalf("Latest = %s, want %s", latest, path)
	}

	dst := newTestInventory(t)
	stats, err := ImportFile(ctx, dst, latest)
	if err != nil {
		t.Fatalf("ImportFile: %v", err)
	}
	if stats.Records != 4 {
		t.Errorf("imported %d records", stats.Records)
	}

	entries, _ := os.ReadDir(root)
	if len(entries) != 2 {
		t.Errorf("root holds %d entries, want 2 (no temp files)", len(entries))
	}
}
