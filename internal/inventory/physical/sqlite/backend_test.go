package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/gezibash/arc-backup/internal/inventory/physical"
	"github.com/gezibash/arc-backup/internal/inventory/physical/backendtest"
	"github.com/gezibash/arc-backup/internal/storage"
)

func newTestBackend(t *testing.T) physical.Backend {
	t.Helper()
	be, err := NewFactory(context.Background(), storage.Options{KeyPath: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { be.Close() })
	return be
}

func TestConformance(t *testing.T) {
	backendtest.Run(t, newTestBackend)
}

func TestReopenPersists(t *testing.T) {
	ctx := context.Background()
	opts := storage.Options{KeyPath: filepath.Join(t.TempDir(), "nested", "inv.db")}

	be, err := NewFactory(ctx, opts)
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	rec := &physical.Record{Drive: "Live", Generation: 1, Path: "/a.jpg", Hash: "ab12", DiscoveredAt: 42}
	if _, err := be.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := be.Assign(ctx, rec.Key(), "Backup1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := be.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	be, err = NewFactory(ctx, opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer be.Close()

	got, err := be.Get(ctx, rec.Key())
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.BackupDrive != "Backup1" || got.Hash != "ab12" || got.DiscoveredAt != 42 {
		t.Fatalf("Get after reopen = %+v", got)
	}
}

func TestFactoryConfigErrors(t *testing.T) {
	var cfgErr *storage.ConfigError

	_, err := NewFactory(context.Background(), storage.Options{})
	if !errors.As(err, &cfgErr) || cfgErr.Key != KeyPath {
		t.Fatalf("empty path = %v, want ConfigError on %s", err, KeyPath)
	}

	_, err = NewFactory(context.Background(), storage.Options{
		KeyPath:        filepath.Join(t.TempDir(), "x.db"),
		KeyBusyTimeout: "soon",
	})
	if !errors.As(err, &cfgErr) || cfgErr.Key != KeyBusyTimeout {
		t.Fatalf("bad busy_timeout = %v, want ConfigError on %s", err, KeyBusyTimeout)
	}
}

func TestRegistryDefaults(t *testing.T) {
	d := physical.GetDefaults("sqlite")
	if d[KeyJournalMode] != "wal" {
		t.Fatalf("defaults = %v", d)
	}
}
