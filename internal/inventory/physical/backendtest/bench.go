package backendtest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/gezibash/arc-backup/internal/inventory/physical"
)

// BenchFactory returns a fresh, empty backend for a benchmark.
type BenchFactory func(b *testing.B) physical.Backend

// BenchSizes are the dataset sizes each read benchmark is seeded with.
var BenchSizes = []int{100, 1_000, 10_000}

// benchDrives spreads records over a few partitions so per-drive queries
// skip foreign rows.
var benchDrives = []string{"Live", "Laptop", "Backup1", "Backup2"}

// benchHash returns a deterministic hash shared by every dupEvery-th record.
func benchHash(i, dupEvery int) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(i/dupEvery))
	sum := sha256.Sum256(buf[:])
	return hex.EncodeToString(sum[:])
}

func benchRecord(i int) *physical.Record {
	return &physical.Record{
		Drive:        benchDrives[i%len(benchDrives)],
		Generation:   1,
		Path:         fmt.Sprintf("/photos/%04d/%08d.jpg", i/1000, i),
		Hash:         benchHash(i, 3),
		DiscoveredAt: 1735689600000000000 + int64(i),
	}
}

// Seed inserts n benchmark records.
func Seed(b *testing.B, be physical.Backend, n int) {
	b.Helper()
	ctx := context.Background()
	for i := range n {
		if _, err := be.Insert(ctx, benchRecord(i)); err != nil {
			b.Fatal(err)
		}
	}
}

// RunBenchmarks measures the operations a pipeline run leans on.
func RunBenchmarks(b *testing.B, newBackend BenchFactory) {
	b.Run("Insert", func(b *testing.B) {
		be := newBackend(b)
		ctx := context.Background()
		b.ResetTimer()
		for i := range b.N {
			if _, err := be.Insert(ctx, benchRecord(i)); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("InsertExisting", func(b *testing.B) {
		be := newBackend(b)
		Seed(b, be, 1000)
		ctx := context.Background()
		b.ResetTimer()
		for i := range b.N {
			if _, err := be.Insert(ctx, benchRecord(i%1000)); err != nil {
				b.Fatal(err)
			}
		}
	})

	for _, n := range BenchSizes {
		b.Run(fmt.Sprintf("Get/n=%d", n), func(b *testing.B) {
			be := newBackend(b)
			Seed(b, be, n)
			ctx := context.Background()
			b.ResetTimer()
			for i := range b.N {
				if _, err := be.Get(ctx, benchRecord(i%n).Key()); err != nil {
					b.Fatal(err)
				}
			}
		})

		b.Run(fmt.Sprintf("FindAllByHash/n=%d", n), func(b *testing.B) {
			be := newBackend(b)
			Seed(b, be, n)
			ctx := context.Background()
			b.ResetTimer()
			for i := range b.N {
				if _, err := be.FindAllByHash(ctx, benchHash(i%n, 3), 1); err != nil {
					b.Fatal(err)
				}
			}
		})

		b.Run(fmt.Sprintf("QueryAll/n=%d", n), func(b *testing.B) {
			be := newBackend(b)
			Seed(b, be, n)
			ctx := context.Background()
			b.ResetTimer()
			for range b.N {
				opts := &physical.QueryOptions{Drive: "Live", Generation: 1, UnassignedOnly: true}
				for {
					res, err := be.Query(ctx, opts)
					if err != nil {
						b.Fatal(err)
					}
					if !res.HasMore {
						break
					}
					opts.Cursor = res.NextCursor
				}
			}
		})
	}

	b.Run("Assign", func(b *testing.B) {
		be := newBackend(b)
		ctx := context.Background()
		for i := range b.N {
			if _, err := be.Insert(ctx, benchRecord(i)); err != nil {
				b.Fatal(err)
			}
		}
		b.ResetTimer()
		for i := range b.N {
			if _, err := be.Assign(ctx, benchRecord(i).Key(), "Backup1"); err != nil {
				b.Fatal(err)
			}
		}
	})
}
