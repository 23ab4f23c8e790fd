package badger

import (
	"context"
	"testing"

	"github.com/gezibash/arc-backup/internal/inventory/physical"
	"github.com/gezibash/arc-backup/internal/inventory/physical/backendtest"
	"github.com/gezibash/arc-backup/internal/storage"
)

func newBenchBackend(b *testing.B) physical.Backend {
	b.Helper()
	be, err := NewFactory(context.Background(), storage.Options{KeyInMemory: "true"})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { be.Close() })
	return be
}

func BenchmarkAll(b *testing.B) { backendtest.RunBenchmarks(b, newBenchBackend) }
