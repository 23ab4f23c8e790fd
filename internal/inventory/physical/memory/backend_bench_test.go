package memory

import (
	"testing"

	"github.com/gezibash/arc-backup/internal/inventory/physical"
	"github.com/gezibash/arc-backup/internal/inventory/physical/backendtest"
)

func BenchmarkAll(b *testing.B) {
	backendtest.RunBenchmarks(b, func(b *testing.B) physical.Backend {
		be := New()
		b.Cleanup(func() { be.Close() })
		return be
	})
}
